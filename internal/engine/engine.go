package engine

import "context"

// Completer turns a system and a user prompt into text. It never fails:
// provider errors come back as text starting with ErrorPrefix.
type Completer interface {
	Complete(ctx context.Context, system, user string) string
	Provider() string
	Model() string
}

// Embedder vectorizes texts. The result always has one vector per input;
// an input that could not be embedded gets an all-zero vector of
// Dimensions() length.
type Embedder interface {
	Embed(ctx context.Context, texts []string) [][]float32
	Dimensions() int
	Model() string
}

// ErrorPrefix starts every completion that failed at the provider.
const ErrorPrefix = "Error generating response: "
