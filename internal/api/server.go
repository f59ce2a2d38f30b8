package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/attest/internal/documents"
	"github.com/kalambet/attest/internal/questionnaire"
	"github.com/kalambet/attest/internal/retrieval"
	"github.com/kalambet/attest/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB
	maxUploadSize      = 50 << 20 // 50MB
)

// Answerer answers and searches against a tenant's knowledge base.
type Answerer interface {
	Suggest(ctx context.Context, tenantID, question string) (retrieval.Answer, error)
	Search(ctx context.Context, tenantID, query string, limit int) ([]retrieval.Hit, error)
}

type Deps struct {
	Documents      *documents.Service
	Questionnaires *questionnaire.Service
	Answerer       Answerer
	Token          string
}

// NewHandler returns the REST API. Everything below /v1 requires the bearer
// token; /health does not.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Route("/v1/tenants/{tenantID}", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/documents", handleCreateDocument(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Post("/documents/{id}/versions", handleCreateVersion(deps))
		r.Put("/versions/{id}/content", handlePutContent(deps))
		r.Post("/versions/{id}/complete", handleCompleteUpload(deps))
		r.Get("/versions/{id}", handleGetVersion(deps))
		r.Get("/versions/{id}/artifacts/{kind}", handleGetArtifact(deps))

		r.Post("/suggest", handleSuggest(deps))
		r.Post("/search", handleSearch(deps))

		r.Get("/questionnaires", handleListQuestionnaires(deps))
		r.Post("/questionnaires", handleCreateQuestionnaire(deps))
		r.Get("/questionnaires/{id}", handleGetQuestionnaire(deps))
		r.Get("/questionnaires/{id}/items", handleListItems(deps))
		r.Post("/questionnaires/{id}/items", handleCreateItem(deps))
		r.Post("/questionnaires/{id}/items/{itemID}/suggest", handleSuggestItem(deps))
		r.Post("/questionnaires/{id}/items/{itemID}/responses", handleSaveResponse(deps))
		r.Post("/questionnaires/{id}/complete", handleComplete(deps))
		r.Post("/questionnaires/{id}/import", handleImportSpreadsheet(deps))
		r.Post("/spreadsheets/preview", handlePreviewSpreadsheet)
		r.Post("/suggestions/{id}/feedback", handleFeedback(deps))
		r.Get("/library/pending", handlePendingImports(deps))
		r.Post("/library/import", handleImportToLibrary(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func tenantID(r *http.Request) string { return chi.URLParam(r, "tenantID") }

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// serviceError maps a service error to the API error envelope.
func serviceError(w http.ResponseWriter, r *http.Request, what string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
	case errors.Is(err, documents.ErrInvalid), errors.Is(err, questionnaire.ErrInvalid):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "tenant_id", tenantID(r), "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "failed to handle %s", what)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
