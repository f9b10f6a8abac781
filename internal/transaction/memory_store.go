package transaction

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/mbd888/fraudguard/internal/metrics"
)

// MemoryStore is the in-process transaction store. One RWMutex guards the id
// map, the per-user index and the ingestion order together, so readers never
// observe a status change without its index update.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*entry
	byUser    map[string][]string
	order     *list.List // ids, oldest first
	capacity  int
	listeners []EvictionListener
}

type entry struct {
	tx       *Transaction
	pos      *list.Element
	recorded bool // decision record appended; only then evictable
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithCapacity sets the transaction-count ceiling. Zero means unbounded.
func WithCapacity(n int) MemoryOption {
	return func(s *MemoryStore) { s.capacity = n }
}

// WithEvictionListener registers l to hear about evicted ids.
func WithEvictionListener(l EvictionListener) MemoryOption {
	return func(s *MemoryStore) { s.listeners = append(s.listeners, l) }
}

// NewMemoryStore creates an in-memory transaction store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		byID:   make(map[string]*entry),
		byUser: make(map[string][]string),
		order:  list.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capacity returns the configured ceiling (0 = unbounded).
func (s *MemoryStore) Capacity() int { return s.capacity }

func (s *MemoryStore) Ingest(ctx context.Context, tx *Transaction) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byID[tx.ID]; ok {
		if e.tx.Status.IsTerminal() {
			return "", ErrAlreadyDecided
		}
		return "", ErrDuplicate
	}

	if s.capacity > 0 && len(s.byID) >= s.capacity {
		need := len(s.byID) - s.capacity + 1
		evicted := s.evictLocked(need)
		if len(evicted) < need {
			return "", ErrCapacityExhausted
		}
	}

	cp := tx.Clone()
	cp.Status = StatusPending
	cp.FraudProbability = nil
	cp.DecidedAt = nil
	s.byID[cp.ID] = &entry{tx: cp, pos: s.order.PushBack(cp.ID)}
	s.byUser[cp.UserID] = append(s.byUser[cp.UserID], cp.ID)
	metrics.StoredTransactions.Set(float64(len(s.byID)))
	return cp.ID, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.tx.Clone(), nil
}

func (s *MemoryStore) History(ctx context.Context, userID string) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	out := make([]*Transaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id].tx.Clone())
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, probability *float64, at time.Time) (*Transaction, error) {
	if err := checkUpdate(status, probability); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.tx.Status != StatusPending {
		return nil, ErrAlreadyDecided
	}

	// Copy-on-write so clones handed to readers stay consistent.
	next := e.tx.Clone()
	next.Status = status
	if probability != nil {
		p := *probability
		next.FraudProbability = &p
	}
	decidedAt := at.UTC()
	next.DecidedAt = &decidedAt
	e.tx = next
	return next.Clone(), nil
}

func (s *MemoryStore) MarkRecorded(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if !e.tx.Status.IsTerminal() {
		return ErrInvalidStatus
	}
	e.recorded = true
	return nil
}

func (s *MemoryStore) EvictOldest(ctx context.Context, n int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(n), nil
}

// evictLocked removes up to n of the oldest decided transactions whose
// decision record has been appended. Anything else may still be mid-decision
// or awaiting retry and is skipped.
func (s *MemoryStore) evictLocked(n int) []string {
	if n <= 0 {
		return nil
	}
	var evicted []string
	for el := s.order.Front(); el != nil && len(evicted) < n; {
		next := el.Next()
		id := el.Value.(string)
		e := s.byID[id]
		if e.recorded {
			s.order.Remove(el)
			delete(s.byID, id)
			s.removeFromUserLocked(e.tx.UserID, id)
			evicted = append(evicted, id)
		}
		el = next
	}
	if len(evicted) == 0 {
		return nil
	}
	metrics.EvictionsTotal.Add(float64(len(evicted)))
	metrics.StoredTransactions.Set(float64(len(s.byID)))
	for _, l := range s.listeners {
		l.Evicted(evicted)
	}
	return evicted
}

func (s *MemoryStore) removeFromUserLocked(userID, id string) {
	ids := s.byUser[userID]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.byUser, userID)
		return
	}
	s.byUser[userID] = ids
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// IndexConsistent reports whether the per-user index lists exactly the
// stored ids.
func (s *MemoryStore) IndexConsistent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := 0
	for user, ids := range s.byUser {
		for _, id := range ids {
			e, ok := s.byID[id]
			if !ok || e.tx.UserID != user {
				return false
			}
			seen++
		}
	}
	return seen == len(s.byID) && s.order.Len() == len(s.byID)
}
