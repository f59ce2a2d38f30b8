package gemini

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(context.Background(), "", "")
	require.Error(t, err)
}

func TestResponseText(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{
				genai.Text("Yes. "),
				genai.Blob{MIMEType: "image/png"},
				genai.Text("Backups are encrypted."),
			}},
		}},
	}
	assert.Equal(t, "Yes. Backups are encrypted.", responseText(resp))
	assert.Equal(t, "", responseText(nil))
	assert.Equal(t, "", responseText(&genai.GenerateContentResponse{}))
}

func TestWrapError(t *testing.T) {
	err := wrapError(&googleapi.Error{Code: http.StatusTooManyRequests, Message: "quota"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.HTTPStatus())

	plain := errors.New("boom")
	assert.Same(t, plain, wrapError(plain))
}
