package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	DefaultModel          = "gemini-2.0-flash"
	DefaultEmbeddingModel = "text-embedding-004"
)

// Client wraps the Generative Language SDK client.
type Client struct {
	genai *genai.Client
}

// New creates a client authenticated with apiKey. A non-empty endpoint
// overrides the service address.
func New(ctx context.Context, apiKey, endpoint string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	c, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Client{genai: c}, nil
}

// Generate runs one generation with a system instruction and a user prompt.
func (c *Client) Generate(ctx context.Context, model, system, user string) (string, error) {
	m := c.genai.GenerativeModel(model)
	if system != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	resp, err := m.GenerateContent(ctx, genai.Text(user))
	if err != nil {
		return "", wrapError(err)
	}
	return responseText(resp), nil
}

// Embed returns the embedding of a single text.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	resp, err := c.genai.EmbeddingModel(model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, wrapError(err)
	}
	if resp == nil || resp.Embedding == nil {
		return nil, errors.New("gemini: no embedding returned")
	}
	return resp.Embedding.Values, nil
}

func (c *Client) Close() error {
	return c.genai.Close()
}

// StatusError carries the HTTP status of a failed API call.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string { return fmt.Sprintf("gemini: status %d: %v", e.Status, e.Err) }
func (e *StatusError) Unwrap() error { return e.Err }

// HTTPStatus exposes the response status to retry logic.
func (e *StatusError) HTTPStatus() int { return e.Status }

func wrapError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &StatusError{Status: gerr.Code, Err: err}
	}
	return err
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String()
}
