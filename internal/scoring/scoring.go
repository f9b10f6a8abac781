// Package scoring wraps the fraud model behind a latency budget.
//
// Each attempt gets a fixed budget. A failed or late attempt is retried
// exactly once with the same input; if that fails too the caller gets
// ErrUnavailable and decides what to do. The client never invents a score.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/fraudguard/internal/circuitbreaker"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/retry"
)

var (
	// ErrUnavailable means no probability could be obtained within budget.
	ErrUnavailable = errors.New("scoring unavailable")
	// ErrInvalidScore is returned by attempts whose model answer is outside [0,1].
	ErrInvalidScore = errors.New("model returned probability outside [0,1]")
	errTimeout      = errors.New("scoring attempt exceeded budget")
)

const (
	DefaultTimeout = 100 * time.Millisecond
	// attempts is the first call plus exactly one retry.
	attempts   = 2
	breakerKey = "scorer"
)

// Model produces a fraud probability for a feature vector.
type Model interface {
	Score(ctx context.Context, f Features) (float64, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, f Features) (float64, error)

func (fn ModelFunc) Score(ctx context.Context, f Features) (float64, error) { return fn(ctx, f) }

// Client enforces the timeout and retry policy around a Model.
type Client struct {
	model   Model
	timeout time.Duration
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-attempt budget.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBreaker fails fast while b is open for the scorer.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the logger used for failed attempts.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient wraps model with the default 100ms budget.
func NewClient(model Model, opts ...Option) *Client {
	c := &Client{model: model, timeout: DefaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BreakerKey is the key the client uses in its circuit breaker.
func BreakerKey() string { return breakerKey }

// Score returns a probability in [0,1] or an error wrapping ErrUnavailable.
// Features are normalized before the model sees them.
func (c *Client) Score(ctx context.Context, f Features) (float64, error) {
	f = f.Normalize()

	if c.breaker != nil && !c.breaker.Allow(breakerKey) {
		metrics.ScoringAttemptsTotal.WithLabelValues("circuit_open").Inc()
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, circuitbreaker.ErrOpen)
	}

	var p float64
	policy := retry.Policy{
		MaxAttempts: attempts,
		OnRetry: func(attempt int, err error, _ time.Duration) {
			c.logger.Warn("scoring attempt failed, retrying", "attempt", attempt, "error", err)
		},
	}
	err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		v, err := c.attempt(ctx, f)
		if err != nil {
			return err
		}
		p = v
		return nil
	})

	if err != nil {
		if c.breaker != nil {
			c.breaker.RecordFailure(breakerKey)
		}
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if c.breaker != nil {
		c.breaker.RecordSuccess(breakerKey)
	}
	metrics.FraudProbability.Observe(p)
	return p, nil
}

// attempt runs one model call under the budget. The model runs in its own
// goroutine so a model that ignores ctx still cannot exceed the budget.
func (c *Client) attempt(ctx context.Context, f Features) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		p   float64
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		p, err := c.model.Score(ctx, f)
		done <- result{p, err}
	}()

	select {
	case r := <-done:
		metrics.ScoringDuration.Observe(time.Since(start).Seconds())
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				metrics.ScoringAttemptsTotal.WithLabelValues("timeout").Inc()
				return 0, errTimeout
			}
			metrics.ScoringAttemptsTotal.WithLabelValues("error").Inc()
			return 0, r.err
		}
		if math.IsNaN(r.p) || r.p < 0 || r.p > 1 {
			metrics.ScoringAttemptsTotal.WithLabelValues("invalid").Inc()
			return 0, fmt.Errorf("%w: %v", ErrInvalidScore, r.p)
		}
		metrics.ScoringAttemptsTotal.WithLabelValues("ok").Inc()
		return r.p, nil
	case <-ctx.Done():
		metrics.ScoringDuration.Observe(time.Since(start).Seconds())
		metrics.ScoringAttemptsTotal.WithLabelValues("timeout").Inc()
		return 0, errTimeout
	}
}
