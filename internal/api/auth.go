package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// DefaultUserID is the acting user when a request carries no X-User-ID.
const DefaultUserID = "api"

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if token == "" || !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func userID(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get("X-User-ID")); u != "" {
		return u
	}
	return DefaultUserID
}
