package engine

import (
	"context"
	"fmt"

	"github.com/kalambet/attest/internal/anthropic"
	"github.com/kalambet/attest/internal/gemini"
	"github.com/kalambet/attest/internal/ollama"
	"github.com/kalambet/attest/internal/openai"
)

const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderVoyage    = "voyage"
)

const voyageBaseURL = "https://api.voyageai.com/v1"

// Settings selects and configures one provider.
type Settings struct {
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
	// Dimensions is the zero-vector length used by embedders.
	Dimensions int
	Policy     Policy
}

var defaultChatModels = map[string]string{
	ProviderOllama:    "llama3.1",
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-haiku-latest",
	ProviderGemini:    gemini.DefaultModel,
}

var defaultEmbeddingModels = map[string]string{
	ProviderOllama:    "nomic-embed-text",
	ProviderOpenAI:    "text-embedding-3-small",
	ProviderAnthropic: "voyage-3",
	ProviderVoyage:    "voyage-3",
	ProviderGemini:    gemini.DefaultEmbeddingModel,
}

// DefaultChatModel returns the model used when none is configured.
func DefaultChatModel(provider string) string { return defaultChatModels[provider] }

// DefaultEmbeddingModel returns the model used when none is configured.
func DefaultEmbeddingModel(provider string) string { return defaultEmbeddingModels[provider] }

// NewCompletion builds the completion provider named by s.Provider.
// An empty provider means Ollama.
func NewCompletion(ctx context.Context, s Settings) (*Completion, error) {
	if s.Provider == "" {
		s.Provider = ProviderOllama
	}
	if s.Model == "" {
		s.Model = defaultChatModels[s.Provider]
	}

	switch s.Provider {
	case ProviderOllama:
		client := ollama.New(s.BaseURL)
		return newCompletion(s.Provider, s.Model, func(ctx context.Context, system, user string) (string, error) {
			return client.Chat(ctx, s.Model, []ollama.Message{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			})
		}, s.Policy), nil

	case ProviderOpenAI:
		client := openai.NewClientWithBaseURL(s.APIKey, s.BaseURL)
		return newCompletion(s.Provider, s.Model, func(ctx context.Context, system, user string) (string, error) {
			return client.Chat(ctx, openai.ChatRequest{
				Model: s.Model,
				Messages: []openai.Message{
					{Role: "system", Content: system},
					{Role: "user", Content: user},
				},
			})
		}, s.Policy), nil

	case ProviderAnthropic:
		if s.APIKey == "" {
			return nil, fmt.Errorf("anthropic: api key is required")
		}
		client := anthropic.NewClient(s.APIKey, s.BaseURL)
		return newCompletion(s.Provider, s.Model, func(ctx context.Context, system, user string) (string, error) {
			return client.CreateMessage(ctx, anthropic.MessageRequest{
				Model:    s.Model,
				System:   system,
				Messages: []anthropic.Message{{Role: "user", Content: user}},
			})
		}, s.Policy), nil

	case ProviderGemini:
		client, err := gemini.New(ctx, s.APIKey, s.BaseURL)
		if err != nil {
			return nil, err
		}
		c := newCompletion(s.Provider, s.Model, func(ctx context.Context, system, user string) (string, error) {
			return client.Generate(ctx, s.Model, system, user)
		}, s.Policy)
		c.closer = client
		return c, nil
	}
	return nil, fmt.Errorf("unknown completion provider %q", s.Provider)
}

// NewEmbeddings builds the embedding provider named by s.Provider. The
// anthropic and voyage names select the OpenAI-compatible batch client.
func NewEmbeddings(ctx context.Context, s Settings) (*Embeddings, error) {
	if s.Provider == "" {
		s.Provider = ProviderOllama
	}
	if s.Model == "" {
		s.Model = defaultEmbeddingModels[s.Provider]
	}
	if s.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", s.Dimensions)
	}

	e := newEmbeddings(s.Provider, s.Model, s.Dimensions, s.Policy)
	switch s.Provider {
	case ProviderOllama:
		client := ollama.New(s.BaseURL)
		e.one = func(ctx context.Context, text string) ([]float32, error) {
			return client.Embed(ctx, s.Model, text)
		}

	case ProviderOpenAI, ProviderAnthropic, ProviderVoyage:
		base := s.BaseURL
		if base == "" && s.Provider != ProviderOpenAI {
			base = voyageBaseURL
		}
		client := openai.NewClientWithBaseURL(s.APIKey, base)
		e.batch = func(ctx context.Context, texts []string) ([][]float32, error) {
			return client.Embeddings(ctx, s.Model, texts)
		}

	case ProviderGemini:
		client, err := gemini.New(ctx, s.APIKey, s.BaseURL)
		if err != nil {
			return nil, err
		}
		e.one = func(ctx context.Context, text string) ([]float32, error) {
			return client.Embed(ctx, s.Model, text)
		}
		e.closer = client

	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", s.Provider)
	}
	return e, nil
}
