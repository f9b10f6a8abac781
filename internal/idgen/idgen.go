// Package idgen generates identifiers for transactions and decision records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

const (
	TransactionPrefix = "txn_"
	RecordPrefix      = "dec_"
	EventPrefix       = "evt_"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a random UUID with the dashes removed
// (e.g. "txn_3f2b9c0e4d7a4f7c9a1e2b3c4d5e6f70").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Transaction returns a new transaction identifier.
func Transaction() string { return WithPrefix(TransactionPrefix) }

// Record returns a new decision record identifier.
func Record() string { return WithPrefix(RecordPrefix) }

// Valid reports whether id is an acceptable caller-supplied identifier:
// non-empty, at most 64 bytes, and limited to [A-Za-z0-9_-].
func Valid(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
