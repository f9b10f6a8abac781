package decisionlog

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/metrics"
)

// MemoryLog keeps records in a slice in append order. Evicted records leave
// a nil slot that is compacted away once they make up half the slice.
type MemoryLog struct {
	mu      sync.RWMutex
	records []*decision.Record
	index   map[string]int // transaction id -> position in records
	holes   int
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{index: make(map[string]int)}
}

func (l *MemoryLog) Append(ctx context.Context, r *decision.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[r.TransactionID]; ok {
		return ErrDuplicate
	}
	l.index[r.TransactionID] = len(l.records)
	l.records = append(l.records, r.Clone())
	metrics.DecisionLogEntries.Set(float64(len(l.index)))
	return nil
}

func (l *MemoryLog) Get(ctx context.Context, transactionID string) (*decision.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.index[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	return l.records[pos].Clone(), nil
}

func (l *MemoryLog) Range(ctx context.Context, from, to time.Time, limit int) ([]*decision.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*decision.Record
	for _, r := range l.records {
		if r == nil || !inRange(r.Timestamp, from, to) {
			continue
		}
		out = append(out, r.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.index)
}

// Evicted drops the records of transactions removed from the store.
// It implements transaction.EvictionListener.
func (l *MemoryLog) Evicted(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range ids {
		pos, ok := l.index[id]
		if !ok {
			continue
		}
		l.records[pos] = nil
		delete(l.index, id)
		l.holes++
	}
	if l.holes > 0 && l.holes*2 >= len(l.records) {
		l.compactLocked()
	}
	metrics.DecisionLogEntries.Set(float64(len(l.index)))
}

func (l *MemoryLog) compactLocked() {
	kept := make([]*decision.Record, 0, len(l.index))
	for _, r := range l.records {
		if r != nil {
			l.index[r.TransactionID] = len(kept)
			kept = append(kept, r)
		}
	}
	l.records = kept
	l.holes = 0
}
