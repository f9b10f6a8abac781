// Package decisionlog is the append-only audit trail of decision records.
package decisionlog

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/fraudguard/internal/decision"
)

var (
	ErrNotFound  = errors.New("decision record not found")
	ErrDuplicate = errors.New("transaction already has a decision record")
)

// Log stores decision records. Records are never updated; reads return
// them in append order.
type Log interface {
	Append(ctx context.Context, r *decision.Record) error
	// Get returns the record for a transaction.
	Get(ctx context.Context, transactionID string) (*decision.Record, error)
	// Range returns records with from <= Timestamp < to, in append order.
	// A zero from or to leaves that side open. limit <= 0 means no limit.
	Range(ctx context.Context, from, to time.Time, limit int) ([]*decision.Record, error)
	Len() int
}

func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && !ts.Before(to) {
		return false
	}
	return true
}
