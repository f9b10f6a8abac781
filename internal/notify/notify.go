// Package notify delivers HOLD and BLOCK decisions to external channels.
//
// Delivery is best-effort: each channel gets up to three attempts with
// exponential backoff, then the dispatcher reports failure and stops.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/fraudguard/internal/circuitbreaker"
	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/retry"
)

var (
	// ErrDeliveryFailed is returned when any matching channel could not be reached.
	ErrDeliveryFailed = errors.New("notification delivery failed")
	// ErrNotNotifiable is returned for decisions that are never sent (APPROVE).
	ErrNotNotifiable = errors.New("decision is not notifiable")
)

const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = 200 * time.Millisecond
	DefaultAttemptTimeout = 10 * time.Second
)

// Message is the payload sent to channels.
type Message struct {
	ID               string            `json:"id"`
	TransactionID    string            `json:"transaction_id"`
	UserID           string            `json:"user_id"`
	Decision         decision.Decision `json:"decision"`
	Timestamp        time.Time         `json:"timestamp"`
	FraudProbability *float64          `json:"fraud_probability"`
	Confidence       float64           `json:"confidence"`
	Reasoning        string            `json:"reasoning"`
	ManualReview     bool              `json:"manual_review_required"`
	Flags            []string          `json:"flags,omitempty"`
}

// NewMessage builds the message for a decision record.
func NewMessage(r *decision.Record) Message {
	var p *float64
	if r.FraudProbability != nil {
		v := *r.FraudProbability
		p = &v
	}
	return Message{
		ID:               idgen.WithPrefix(idgen.EventPrefix),
		TransactionID:    r.TransactionID,
		UserID:           r.UserID,
		Decision:         r.Decision,
		Timestamp:        r.Timestamp,
		FraudProbability: p,
		Confidence:       r.Confidence,
		Reasoning:        r.Reasoning,
		ManualReview:     r.ManualReview,
		Flags:            append([]string(nil), r.Flags...),
	}
}

// Channel delivers one message to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Route sends decisions matching Decisions (all notifiable ones when empty) to Channel.
type Route struct {
	Channel   Channel
	Decisions []decision.Decision
}

func (r Route) matches(d decision.Decision) bool {
	if len(r.Decisions) == 0 {
		return true
	}
	for _, want := range r.Decisions {
		if want == d {
			return true
		}
	}
	return false
}

// Dispatcher retries delivery per route.
type Dispatcher struct {
	routes         []Route
	maxAttempts    int
	baseDelay      time.Duration
	attemptTimeout time.Duration
	breaker        *circuitbreaker.Breaker
	logger         *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPolicy overrides attempts, initial backoff and per-attempt timeout.
func WithPolicy(maxAttempts int, baseDelay, attemptTimeout time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 && maxAttempts <= DefaultMaxAttempts {
			d.maxAttempts = maxAttempts
		}
		if baseDelay >= 0 {
			d.baseDelay = baseDelay
		}
		if attemptTimeout > 0 {
			d.attemptTimeout = attemptTimeout
		}
	}
}

// WithBreaker skips channels whose circuit is open.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(d *Dispatcher) { d.breaker = b }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher over routes.
func NewDispatcher(routes []Route, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		routes:         routes,
		maxAttempts:    DefaultMaxAttempts,
		baseDelay:      DefaultBaseDelay,
		attemptTimeout: DefaultAttemptTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Channels returns the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.routes))
	for i, r := range d.routes {
		names[i] = r.Channel.Name()
	}
	return names
}

// Dispatch sends the record to every matching channel concurrently and waits.
// It returns nil when all of them accepted the message, otherwise an error
// wrapping ErrDeliveryFailed and each channel's last error.
func (d *Dispatcher) Dispatch(ctx context.Context, r *decision.Record) error {
	if !r.Decision.Notifies() {
		return ErrNotNotifiable
	}
	msg := NewMessage(r)

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, route := range d.routes {
		if !route.matches(r.Decision) {
			continue
		}
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			if err := d.deliver(ctx, ch, msg); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
				mu.Unlock()
			}
		}(route.Channel)
	}
	wg.Wait()

	if len(errs) > 0 {
		metrics.NotificationsTotal.WithLabelValues(string(r.Decision), "failed").Inc()
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, errors.Join(errs...))
	}
	metrics.NotificationsTotal.WithLabelValues(string(r.Decision), "delivered").Inc()
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, msg Message) error {
	name := ch.Name()
	policy := retry.Policy{
		MaxAttempts: d.maxAttempts,
		BaseDelay:   d.baseDelay,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			d.logger.Warn("notification attempt failed",
				"channel", name, "transaction_id", msg.TransactionID,
				"attempt", attempt, "retry_in", wait, "error", err)
		},
	}
	return policy.Do(ctx, func(ctx context.Context, _ int) error {
		send := func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
			defer cancel()
			return ch.Send(attemptCtx, msg)
		}

		var err error
		if d.breaker != nil {
			err = d.breaker.Execute(name, send)
		} else {
			err = send()
		}

		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			metrics.NotificationAttemptsTotal.WithLabelValues(name, "circuit_open").Inc()
			return retry.Permanent(err)
		case err != nil:
			metrics.NotificationAttemptsTotal.WithLabelValues(name, "error").Inc()
			return err
		}
		metrics.NotificationAttemptsTotal.WithLabelValues(name, "ok").Inc()
		return nil
	})
}
