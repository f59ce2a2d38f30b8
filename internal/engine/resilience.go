package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Policy tunes how provider calls are paced and retried.
type Policy struct {
	// MaxRetries is the number of attempts made when the provider answers 429.
	MaxRetries     int
	InitialBackoff time.Duration
	// RequestsPerSecond paces outbound calls; 0 disables pacing.
	RequestsPerSecond float64
	Burst             int
	// Concurrency bounds in-flight calls of per-item embedders.
	Concurrency int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		Burst:          1,
		Concurrency:    4,
	}
}

func (p Policy) limiter() *rate.Limiter {
	if p.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := p.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(p.RequestsPerSecond), burst)
}

func (p Policy) concurrency() int {
	if p.Concurrency < 1 {
		return 1
	}
	return p.Concurrency
}

// statusCoder is implemented by the vendor clients' status errors.
type statusCoder interface {
	HTTPStatus() int
}

func isRateLimited(err error) bool {
	var sc statusCoder
	return errors.As(err, &sc) && sc.HTTPStatus() == http.StatusTooManyRequests
}

// withBackoff runs fn, retrying with doubling delays while it reports a 429.
// Any other error is returned at once.
func (p Policy) withBackoff(ctx context.Context, fn func() error) error {
	attempts := p.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := range attempts {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRateLimited(err) {
			return err
		}
		lastErr = err
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.InitialBackoff << attempt):
			}
		}
	}
	return fmt.Errorf("rate limited after %d retries: %w", attempts, lastErr)
}

// newBreaker opens after at least 3 calls in a 10s window with a failure
// ratio of 60% or more, and probes again after 60s.
func newBreaker(name string, log *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && ratio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}
