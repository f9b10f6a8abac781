package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/fraudguard/internal/clock"
	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/decisionlog"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/pagination"
	"github.com/mbd888/fraudguard/internal/transaction"
	"github.com/mbd888/fraudguard/internal/validation"
)

// ErrForbidden is returned when a caller asks for another user's data.
var ErrForbidden = errors.New("transaction belongs to another user")

// Service is the entry point used by the HTTP handlers: ingestion followed
// by a run, the explicit retry path and the read side.
type Service struct {
	store  transaction.Store
	log    decisionlog.Log
	orch   *Orchestrator
	clock  clock.Clock
	logger *slog.Logger
}

// NewService creates a service.
func NewService(store transaction.Store, log decisionlog.Log, orch *Orchestrator, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, log: log, orch: orch, clock: clk, logger: logger}
}

// View is a transaction together with its decision record, if any.
type View struct {
	Transaction *transaction.Transaction
	Record      *decision.Record
}

// Submit validates and ingests in, then runs the pipeline on it. Resubmitting
// an id that is still pending by the same user takes the retry path; a
// decided id yields transaction.ErrAlreadyDecided with the store unchanged.
// Ids owned by another user yield transaction.ErrDuplicate either way.
func (s *Service) Submit(ctx context.Context, in transaction.Input) (*View, error) {
	tx, err := transaction.New(in, s.clock.Now())
	if err != nil {
		metrics.TransactionsIngestedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	// Records leave only together with their transaction, so a record for
	// this id means it has been decided.
	rec, err := s.log.Get(ctx, tx.ID)
	switch {
	case err == nil:
		metrics.TransactionsIngestedTotal.WithLabelValues("duplicate").Inc()
		if rec.UserID != tx.UserID {
			return nil, transaction.ErrDuplicate
		}
		return nil, transaction.ErrAlreadyDecided
	case !errors.Is(err, decisionlog.ErrNotFound):
		return nil, &SystemError{Stage: StageIngest, Err: err}
	}

	if _, err := s.store.Ingest(ctx, tx); err != nil {
		switch {
		case errors.Is(err, transaction.ErrDuplicate):
			metrics.TransactionsIngestedTotal.WithLabelValues("duplicate").Inc()
			existing, gerr := s.store.Get(ctx, tx.ID)
			if gerr != nil {
				return nil, gerr
			}
			if existing.UserID != tx.UserID {
				return nil, transaction.ErrDuplicate
			}
			return s.run(ctx, tx.ID)
		case errors.Is(err, transaction.ErrAlreadyDecided):
			metrics.TransactionsIngestedTotal.WithLabelValues("duplicate").Inc()
			// Only the owner learns that the id is already decided.
			if existing, gerr := s.store.Get(ctx, tx.ID); gerr == nil && existing.UserID != tx.UserID {
				return nil, transaction.ErrDuplicate
			}
			return nil, err
		case errors.Is(err, transaction.ErrCapacityExhausted):
			metrics.TransactionsIngestedTotal.WithLabelValues("capacity").Inc()
			s.logger.Warn("ingestion rejected, store at capacity", "transaction_id", tx.ID)
			return nil, err
		default:
			return nil, &SystemError{Stage: StageIngest, Err: err}
		}
	}
	metrics.TransactionsIngestedTotal.WithLabelValues("accepted").Inc()
	return s.run(ctx, tx.ID)
}

// Retry re-runs the pipeline for a transaction left pending by a failed run.
func (s *Service) Retry(ctx context.Context, id string) (*View, error) {
	return s.run(ctx, id)
}

func (s *Service) run(ctx context.Context, id string) (*View, error) {
	res, err := s.orch.Run(ctx, id)
	if err != nil {
		return nil, err
	}
	return &View{Transaction: res.Transaction, Record: res.Record}, nil
}

// Get returns a transaction and its decision record (nil while pending).
func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &View{Transaction: tx}
	if tx.Status.IsTerminal() {
		rec, err := s.log.Get(ctx, id)
		switch {
		case err == nil:
			v.Record = rec
		case errors.Is(err, decisionlog.ErrNotFound):
			s.logger.Warn("decided transaction has no decision record", "transaction_id", id)
		default:
			return nil, err
		}
	}
	return v, nil
}

// HistoryQuery filters a user's history. From and To bound the transaction
// timestamp (From inclusive, To exclusive); zero values leave a side open.
type HistoryQuery struct {
	UserID string
	Status transaction.Status
	From   time.Time
	To     time.Time
	Limit  int
	Cursor string
}

// HistoryPage is one page of history in ingestion order.
type HistoryPage struct {
	Transactions []*transaction.Transaction
	NextCursor   string
	HasMore      bool
}

// History returns the user's transactions in ingestion order.
func (s *Service) History(ctx context.Context, q HistoryQuery) (*HistoryPage, error) {
	cursor, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, validation.Errors{{Field: "cursor", Constraint: validation.ConstraintFormat}}
	}
	limit := pagination.ClampLimit(q.Limit)

	all, err := s.store.History(ctx, q.UserID)
	if err != nil {
		return nil, err
	}

	start := 0
	if cursor != nil {
		start = cursorStart(all, cursor)
	}

	var matched []*transaction.Transaction
	for _, tx := range all[start:] {
		if q.Status != "" && tx.Status != q.Status {
			continue
		}
		if !q.From.IsZero() && tx.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !tx.Timestamp.Before(q.To) {
			continue
		}
		matched = append(matched, tx)
		if len(matched) > limit {
			break
		}
	}

	items, next, more := pagination.ComputePage(matched, limit, func(tx *transaction.Transaction) (time.Time, string) {
		return tx.IngestedAt, tx.ID
	})
	return &HistoryPage{Transactions: items, NextCursor: next, HasMore: more}, nil
}

// cursorStart finds the position after the cursor item. If that item was
// evicted, paging resumes at the first item sorting after the cursor key.
func cursorStart(all []*transaction.Transaction, cursor *pagination.Cursor) int {
	for i, tx := range all {
		if tx.ID == cursor.ID {
			return i + 1
		}
	}
	for i, tx := range all {
		if !cursor.Precedes(tx.IngestedAt, tx.ID) {
			return i
		}
	}
	return len(all)
}

// Decision returns the decision record of a transaction.
func (s *Service) Decision(ctx context.Context, transactionID string) (*decision.Record, error) {
	return s.log.Get(ctx, transactionID)
}

// Decisions returns records in [from, to) in append order.
func (s *Service) Decisions(ctx context.Context, from, to time.Time, limit int) ([]*decision.Record, error) {
	return s.log.Range(ctx, from, to, pagination.ClampLimit(limit))
}

// Summary aggregates every record in [from, to).
func (s *Service) Summary(ctx context.Context, from, to time.Time) (decisionlog.Summary, error) {
	records, err := s.log.Range(ctx, from, to, 0)
	if err != nil {
		return decisionlog.Summary{}, err
	}
	return decisionlog.Summarize(records), nil
}
