package engine

import (
	"context"
	"io"
	"log/slog"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

type completeFunc func(ctx context.Context, system, user string) (string, error)

// Completion is a Completer backed by one vendor client, guarded by a rate
// limiter, 429 backoff and a circuit breaker.
type Completion struct {
	provider string
	model    string
	call     completeFunc
	policy   Policy
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	closer   io.Closer
	log      *slog.Logger
}

func newCompletion(provider, model string, call completeFunc, policy Policy) *Completion {
	log := slog.Default().With("component", "completion", "provider", provider)
	return &Completion{
		provider: provider,
		model:    model,
		call:     call,
		policy:   policy,
		limiter:  policy.limiter(),
		breaker:  newBreaker("completion-"+provider, log),
		log:      log,
	}
}

func (c *Completion) Provider() string { return c.provider }
func (c *Completion) Model() string    { return c.model }

func (c *Completion) Complete(ctx context.Context, system, user string) string {
	if err := c.limiter.Wait(ctx); err != nil {
		return ErrorPrefix + err.Error()
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		var text string
		err := c.policy.withBackoff(ctx, func() error {
			var err error
			text, err = c.call(ctx, system, user)
			return err
		})
		return text, err
	})
	if err != nil {
		c.log.Warn("completion failed", "model", c.model, "error", err)
		return ErrorPrefix + err.Error()
	}
	return out.(string)
}

// Close releases the vendor client, if it holds resources.
func (c *Completion) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
