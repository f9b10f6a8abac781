// Package pipeline runs the Perceive, Reason, Decide, Act and Learn stages
// that turn an ingested transaction into a recorded decision.
//
// A run is linear and happens at most once per transaction. Its only
// branch is the fallback on scoring failure, which holds the transaction
// for manual review instead of failing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/fraudguard/internal/clock"
	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/decisionlog"
	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/realtime"
	"github.com/mbd888/fraudguard/internal/retry"
	"github.com/mbd888/fraudguard/internal/scoring"
	"github.com/mbd888/fraudguard/internal/syncutil"
	"github.com/mbd888/fraudguard/internal/traces"
	"github.com/mbd888/fraudguard/internal/transaction"
)

// Stage names a step of the run.
type Stage string

const (
	StageIngest   Stage = "ingest"
	StagePerceive Stage = "perceive"
	StageReason   Stage = "reason"
	StageDecide   Stage = "decide"
	StageAct      Stage = "act"
	StageLearn    Stage = "learn"
)

// SystemError is an unexpected fault that aborted a run. The transaction
// stays pending unless Stage is StageLearn.
type SystemError struct {
	Stage Stage
	Err   error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("pipeline %s: %v", e.Stage, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }

// Scorer returns a fraud probability, or an error wrapping
// scoring.ErrUnavailable when none could be obtained in budget.
type Scorer interface {
	Score(ctx context.Context, f scoring.Features) (float64, error)
}

// Notifier delivers HOLD and BLOCK records.
type Notifier interface {
	Dispatch(ctx context.Context, r *decision.Record) error
}

// Publisher receives completed decisions for live dashboards.
type Publisher interface {
	PublishDecision(ev realtime.DecisionEvent)
}

// Result is the outcome of a completed run.
type Result struct {
	Transaction *transaction.Transaction
	Record      *decision.Record
}

// Orchestrator executes runs against a store, scorer and decision log.
type Orchestrator struct {
	store     transaction.Store
	scorer    Scorer
	log       decisionlog.Log
	notifier  Notifier
	publisher Publisher
	locks     *syncutil.KeyedMutex
	clock     clock.Clock
	logger    *slog.Logger
	appendPol retry.Policy
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets the notification dispatcher.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithPublisher streams decisions after Learn.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithClock overrides the clock used for decision timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(store transaction.Store, scorer Scorer, log decisionlog.Log, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:  store,
		scorer: scorer,
		log:    log,
		locks:  syncutil.NewKeyedMutex(syncutil.DefaultShards),
		clock:  clock.NewSystem(),
		logger: slog.Default(),
		appendPol: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   10 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run decides the pending transaction id. Runs for the same id are
// serialized; waiting for a concurrent run honours ctx, but once started a
// run ignores cancellation and always records its outcome.
//
// Errors: transaction.ErrNotFound, transaction.ErrAlreadyDecided, the ctx
// error if the caller gave up while waiting, or *SystemError.
func (o *Orchestrator) Run(ctx context.Context, id string) (*Result, error) {
	unlock, err := o.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "pipeline.Run", traces.TransactionID(id))
	defer span.End()

	res, err := o.run(ctx, id, start)
	metrics.RunDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		traces.RecordError(span, err)
		metrics.RunsTotal.WithLabelValues(runResult(err)).Inc()
		return nil, err
	}
	metrics.RunsTotal.WithLabelValues("decided").Inc()
	return res, nil
}

func runResult(err error) string {
	switch {
	case errors.Is(err, transaction.ErrAlreadyDecided):
		return "conflict"
	case errors.Is(err, transaction.ErrNotFound):
		return "not_found"
	default:
		return "system_error"
	}
}

func (o *Orchestrator) run(ctx context.Context, id string, start time.Time) (*Result, error) {
	logger := o.logger.With("transaction_id", id)
	if reqID := logging.RequestID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}

	var (
		tx *transaction.Transaction
		p  profile
	)
	err := o.stage(ctx, StagePerceive, func(ctx context.Context) error {
		var err error
		tx, p, err = o.perceive(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger = logger.With("user_id", tx.UserID)

	var r reasoning
	err = o.stage(ctx, StageReason, func(ctx context.Context) error {
		var err error
		r, err = o.reason(ctx, p, logger)
		return err
	})
	if err != nil {
		logger.Error("run aborted", "stage", StageReason, "error", err)
		return nil, err
	}

	var (
		d          decision.Decision
		confidence float64
	)
	_ = o.stage(ctx, StageDecide, func(context.Context) error {
		d = decision.Decide(r.probability)
		if !r.fallback {
			confidence = decision.Confidence(r.probability)
		}
		return nil
	})

	var rec *decision.Record
	err = o.stage(ctx, StageAct, func(ctx context.Context) error {
		var err error
		tx, rec, err = o.act(ctx, tx, r, d, confidence, logger)
		return err
	})
	if err != nil {
		if !errors.Is(err, transaction.ErrAlreadyDecided) {
			logger.Error("run aborted", "stage", StageAct, "error", err)
		}
		return nil, err
	}

	err = o.stage(ctx, StageLearn, func(ctx context.Context) error {
		rec.Duration = time.Since(start)
		return o.learn(ctx, rec)
	})
	if err != nil {
		logger.Error("decision applied but not recorded", "decision", d, "error", err)
		return nil, err
	}

	path := "scored"
	if r.fallback {
		path = "fallback"
	}
	metrics.DecisionsTotal.WithLabelValues(string(d), path).Inc()
	logger.Info("transaction decided",
		"decision", d,
		"confidence", rec.Confidence,
		"manual_review", rec.ManualReview,
		"notified", rec.Notified,
		"duration_ms", rec.Duration.Milliseconds())

	if o.publisher != nil {
		o.publisher.PublishDecision(realtime.DecisionEvent{
			TransactionID:    rec.TransactionID,
			UserID:           rec.UserID,
			Decision:         string(rec.Decision),
			Confidence:       rec.Confidence,
			FraudProbability: rec.FraudProbability,
			ManualReview:     rec.ManualReview,
			Flags:            rec.Flags,
			DurationMS:       rec.Duration.Milliseconds(),
		})
	}
	return &Result{Transaction: tx, Record: rec.Clone()}, nil
}

// stage runs fn inside a child span and records its duration.
func (o *Orchestrator) stage(ctx context.Context, name Stage, fn func(context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "pipeline."+string(name), traces.Stage(string(name)))
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	metrics.StageDuration.WithLabelValues(string(name)).Observe(time.Since(start).Seconds())
	traces.RecordError(span, err)
	return err
}

// perceive loads the transaction and derives its features from prior history.
func (o *Orchestrator) perceive(ctx context.Context, id string) (*transaction.Transaction, profile, error) {
	tx, err := o.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, transaction.ErrNotFound) {
			return nil, profile{}, err
		}
		return nil, profile{}, &SystemError{Stage: StagePerceive, Err: err}
	}
	if tx.Status.IsTerminal() {
		return nil, profile{}, transaction.ErrAlreadyDecided
	}
	history, err := o.store.History(ctx, tx.UserID)
	if err != nil {
		return nil, profile{}, &SystemError{Stage: StagePerceive, Err: err}
	}
	return tx, buildProfile(tx, priorHistory(history, tx.ID)), nil
}

// reason scores the features. Scoring unavailability becomes the fallback
// probability with a manual review flag; any other error aborts the run.
func (o *Orchestrator) reason(ctx context.Context, p profile, logger *slog.Logger) (reasoning, error) {
	flags, notes := patternFlags(p)
	r := reasoning{flags: flags, notes: notes}

	prob, err := o.scorer.Score(ctx, p.features)
	switch {
	case err == nil:
		r.probability = prob
	case errors.Is(err, scoring.ErrUnavailable):
		logger.Warn("scoring unavailable, holding for manual review", "error", err)
		r.probability = decision.FallbackProbability
		r.fallback = true
		r.flags = append(r.flags, FlagManualReview)
	default:
		return reasoning{}, &SystemError{Stage: StageReason, Err: err}
	}
	return r, nil
}

// act applies the decision to the store, then notifies for HOLD and BLOCK.
// Notification failures are logged and never undo the decision.
func (o *Orchestrator) act(ctx context.Context, tx *transaction.Transaction, r reasoning, d decision.Decision, confidence float64, logger *slog.Logger) (*transaction.Transaction, *decision.Record, error) {
	var prob *float64
	if !r.fallback {
		v := r.probability
		prob = &v
	}
	now := o.clock.Now()

	updated, err := o.store.UpdateStatus(ctx, tx.ID, d.Status(), prob, now)
	if err != nil {
		if errors.Is(err, transaction.ErrAlreadyDecided) || errors.Is(err, transaction.ErrNotFound) {
			return nil, nil, err
		}
		return nil, nil, &SystemError{Stage: StageAct, Err: err}
	}

	rec := &decision.Record{
		ID:               idgen.Record(),
		TransactionID:    tx.ID,
		UserID:           tx.UserID,
		Decision:         d,
		FraudProbability: prob,
		Confidence:       confidence,
		Reasoning:        explain(r, d),
		Flags:            r.flags,
		ManualReview:     r.fallback,
		Timestamp:        now,
	}

	if d.Notifies() && o.notifier != nil {
		if err := o.notifier.Dispatch(ctx, rec); err != nil {
			logger.Warn("notification failed", "decision", d, "error", err)
		} else {
			rec.Notified = true
		}
	}
	return updated, rec, nil
}

// learn appends the record to the decision log and then releases the
// transaction for eviction. It does not feed back into the scorer.
func (o *Orchestrator) learn(ctx context.Context, rec *decision.Record) error {
	err := o.appendPol.Do(ctx, func(ctx context.Context, _ int) error {
		err := o.log.Append(ctx, rec)
		if errors.Is(err, decisionlog.ErrDuplicate) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return &SystemError{Stage: StageLearn, Err: err}
	}
	err = o.appendPol.Do(ctx, func(ctx context.Context, _ int) error {
		err := o.store.MarkRecorded(ctx, rec.TransactionID)
		if errors.Is(err, transaction.ErrNotFound) || errors.Is(err, transaction.ErrInvalidStatus) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return &SystemError{Stage: StageLearn, Err: err}
	}
	return nil
}
