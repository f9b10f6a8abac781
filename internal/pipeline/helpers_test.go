package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/clock"
	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/decisionlog"
	"github.com/mbd888/fraudguard/internal/realtime"
	"github.com/mbd888/fraudguard/internal/scoring"
	"github.com/mbd888/fraudguard/internal/transaction"
)

var testNow = time.Date(2024, 1, 15, 10, 30, 5, 0, time.UTC)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fixedScorer always returns p.
func fixedScorer(p float64) Scorer {
	return scoring.ModelFunc(func(context.Context, scoring.Features) (float64, error) { return p, nil })
}

// switchScorer returns whatever is currently configured.
type switchScorer struct {
	mu  sync.Mutex
	p   float64
	err error
}

func (s *switchScorer) set(p float64, err error) {
	s.mu.Lock()
	s.p, s.err = p, err
	s.mu.Unlock()
}

func (s *switchScorer) Score(context.Context, scoring.Features) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p, s.err
}

type recordingNotifier struct {
	mu      sync.Mutex
	records []*decision.Record
	err     error
}

func (n *recordingNotifier) Dispatch(_ context.Context, r *decision.Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, r.Clone())
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.records)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.DecisionEvent
}

func (p *recordingPublisher) PublishDecision(ev realtime.DecisionEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

// failingLog fails the first n appends.
type failingLog struct {
	*decisionlog.MemoryLog
	mu    sync.Mutex
	fails int
}

func (l *failingLog) Append(ctx context.Context, r *decision.Record) error {
	l.mu.Lock()
	if l.fails > 0 {
		l.fails--
		l.mu.Unlock()
		return errors.New("log unavailable")
	}
	l.mu.Unlock()
	return l.MemoryLog.Append(ctx, r)
}

type rig struct {
	store    *transaction.MemoryStore
	log      *decisionlog.MemoryLog
	notifier *recordingNotifier
	orch     *Orchestrator
	svc      *Service
	clock    *clock.Manual
}

func newRig(t *testing.T, scorer Scorer, opts ...transaction.MemoryOption) *rig {
	t.Helper()
	r := &rig{
		log:      decisionlog.NewMemoryLog(),
		notifier: &recordingNotifier{},
		clock:    clock.NewManual(testNow),
	}
	opts = append(opts, transaction.WithEvictionListener(r.log))
	r.store = transaction.NewMemoryStore(opts...)
	r.orch = NewOrchestrator(r.store, scorer, r.log,
		WithNotifier(r.notifier),
		WithClock(r.clock),
		WithLogger(quietLogger()))
	r.svc = NewService(r.store, r.log, r.orch, r.clock, quietLogger())
	return r
}

func scenarioInput() transaction.Input {
	return transaction.Input{
		UserID:           "u1",
		Amount:           "150.00",
		Merchant:         "Online Store",
		MerchantCategory: "retail",
		Timestamp:        "2024-01-15T10:30:00Z",
	}
}

// ingest stores a pending transaction without running the pipeline.
func (r *rig) ingest(t *testing.T, in transaction.Input) *transaction.Transaction {
	t.Helper()
	tx, err := transaction.New(in, r.clock.Now())
	require.NoError(t, err)
	_, err = r.store.Ingest(context.Background(), tx)
	require.NoError(t, err)
	r.clock.Advance(time.Millisecond)
	return tx
}
