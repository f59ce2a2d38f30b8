package engine

import (
	"context"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type embedOneFunc func(ctx context.Context, text string) ([]float32, error)
type embedBatchFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Embeddings is an Embedder backed by one vendor client. Vendors without a
// batch endpoint are called once per text with bounded concurrency.
type Embeddings struct {
	provider string
	model    string
	dims     int
	one      embedOneFunc
	batch    embedBatchFunc
	policy   Policy
	limiter  *rate.Limiter
	closer   io.Closer
	log      *slog.Logger
}

func newEmbeddings(provider, model string, dims int, policy Policy) *Embeddings {
	return &Embeddings{
		provider: provider,
		model:    model,
		dims:     dims,
		policy:   policy,
		limiter:  policy.limiter(),
		log:      slog.Default().With("component", "embeddings", "provider", provider),
	}
}

func (e *Embeddings) Dimensions() int  { return e.dims }
func (e *Embeddings) Model() string    { return e.model }
func (e *Embeddings) Provider() string { return e.provider }

func (e *Embeddings) Embed(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out
	}
	if e.batch != nil {
		e.embedBatch(ctx, texts, out)
	} else {
		e.embedEach(ctx, texts, out)
	}
	for i, v := range out {
		if len(v) == 0 {
			out[i] = make([]float32, e.dims)
		}
	}
	return out
}

func (e *Embeddings) embedBatch(ctx context.Context, texts []string, out [][]float32) {
	if err := e.limiter.Wait(ctx); err != nil {
		e.log.Warn("embedding batch skipped", "count", len(texts), "error", err)
		return
	}
	var vecs [][]float32
	err := e.policy.withBackoff(ctx, func() error {
		var err error
		vecs, err = e.batch(ctx, texts)
		return err
	})
	if err != nil {
		e.log.Warn("embedding batch failed, using zero vectors", "count", len(texts), "error", err)
		return
	}
	copy(out, vecs)
}

func (e *Embeddings) embedEach(ctx context.Context, texts []string, out [][]float32) {
	var g errgroup.Group
	g.SetLimit(e.policy.concurrency())
	for i, text := range texts {
		g.Go(func() error {
			if err := e.limiter.Wait(ctx); err != nil {
				e.log.Warn("embedding skipped", "index", i, "error", err)
				return nil
			}
			err := e.policy.withBackoff(ctx, func() error {
				v, err := e.one(ctx, text)
				if err != nil {
					return err
				}
				out[i] = v
				return nil
			})
			if err != nil {
				e.log.Warn("embedding failed, using zero vector", "index", i, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// Close releases the vendor client, if it holds resources.
func (e *Embeddings) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer.Close()
}
