// Package transaction holds submitted transactions and their per-user index.
//
// The store is the only shared mutable state of the decision pipeline. Its
// single mutation point after ingestion is UpdateStatus, which moves a
// transaction out of pending exactly once.
package transaction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/validation"
)

var (
	ErrNotFound          = errors.New("transaction not found")
	ErrAlreadyDecided    = errors.New("transaction already decided")
	ErrDuplicate         = errors.New("transaction id already pending")
	ErrCapacityExhausted = errors.New("transaction store at capacity")
	ErrInvalidStatus     = errors.New("invalid target status")
	ErrInvalidScore      = errors.New("fraud probability outside [0,1]")
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusHeld     Status = "held"
	StatusBlocked  Status = "blocked"
)

// IsTerminal returns true once a decision has been applied.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusHeld, StatusBlocked:
		return true
	}
	return false
}

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusApproved, StatusHeld, StatusBlocked:
		return st, true
	}
	return "", false
}

// MaxAmountDecimals bounds the precision accepted for amounts.
const MaxAmountDecimals = 4

// Transaction is a submitted payment awaiting or carrying a decision.
type Transaction struct {
	ID               string          `json:"transaction_id"`
	UserID           string          `json:"user_id"`
	Amount           decimal.Decimal `json:"amount"`
	Merchant         string          `json:"merchant"`
	MerchantCategory string          `json:"merchant_category,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	Status           Status          `json:"status"`
	FraudProbability *float64        `json:"fraud_probability"`
	IngestedAt       time.Time       `json:"ingested_at"`
	DecidedAt        *time.Time      `json:"decided_at,omitempty"`
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	if t.FraudProbability != nil {
		p := *t.FraudProbability
		cp.FraudProbability = &p
	}
	if t.DecidedAt != nil {
		d := *t.DecidedAt
		cp.DecidedAt = &d
	}
	return &cp
}

// Input is an unvalidated submission as received from a caller.
type Input struct {
	ID               string `json:"transaction_id"`
	UserID           string `json:"user_id"`
	Amount           string `json:"amount"`
	Merchant         string `json:"merchant"`
	MerchantCategory string `json:"merchant_category"`
	Timestamp        string `json:"timestamp"`
}

// UnmarshalJSON accepts amount as either a JSON number or a string so that
// decimal text reaches validation unchanged.
func (in *Input) UnmarshalJSON(data []byte) error {
	type plain Input
	var raw struct {
		plain
		Amount json.RawMessage `json:"amount"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*in = Input(raw.plain)
	in.Amount = ""

	amt := bytes.TrimSpace(raw.Amount)
	switch {
	case len(amt) == 0 || string(amt) == "null":
	case amt[0] == '"':
		return json.Unmarshal(amt, &in.Amount)
	default:
		in.Amount = string(amt)
	}
	return nil
}

// Validate checks every field and returns validation.Errors listing all failures.
func (in Input) Validate() error {
	return validation.Validate(
		validation.Identifier("transaction_id", in.ID, idgen.Valid),
		validation.Required("user_id", in.UserID),
		validation.MaxLength("user_id", in.UserID, 64),
		validation.PositiveDecimal("amount", in.Amount),
		validation.MaxDecimalPlaces("amount", in.Amount, MaxAmountDecimals),
		validation.Required("merchant", in.Merchant),
		validation.MaxLength("merchant", in.Merchant, validation.MaxStringLength),
		validation.MaxLength("merchant_category", in.MerchantCategory, validation.MaxStringLength),
		validation.Timestamp("timestamp", in.Timestamp),
	)
}

// New validates in and builds a pending Transaction. Free-text fields are
// NFC-normalised so visually identical merchants compare equal.
func New(in Input, now time.Time) (*Transaction, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	amount, _ := decimal.NewFromString(strings.TrimSpace(in.Amount))
	ts, _ := time.Parse(time.RFC3339Nano, strings.TrimSpace(in.Timestamp))

	id := in.ID
	if id == "" {
		id = idgen.Transaction()
	}
	return &Transaction{
		ID:               id,
		UserID:           strings.TrimSpace(in.UserID),
		Amount:           amount,
		Merchant:         normalize(in.Merchant),
		MerchantCategory: strings.ToLower(normalize(in.MerchantCategory)),
		Timestamp:        ts.UTC(),
		Status:           StatusPending,
		IngestedAt:       now.UTC(),
	}, nil
}

func normalize(s string) string {
	return norm.NFC.String(validation.SanitizeString(s, validation.MaxStringLength))
}

// Store persists transactions and the per-user index.
type Store interface {
	// Ingest inserts a pending transaction. An id already present yields
	// ErrAlreadyDecided when decided and ErrDuplicate while pending.
	Ingest(ctx context.Context, tx *Transaction) (string, error)
	Get(ctx context.Context, id string) (*Transaction, error)
	// History returns the user's transactions in ingestion order.
	History(ctx context.Context, userID string) ([]*Transaction, error)
	// UpdateStatus atomically moves a pending transaction to a terminal status.
	UpdateStatus(ctx context.Context, id string, status Status, probability *float64, at time.Time) (*Transaction, error)
	// MarkRecorded notes that the decision record for a decided transaction
	// has been appended. Until then the transaction is not evictable.
	MarkRecorded(ctx context.Context, id string) error
	// EvictOldest removes up to n of the oldest recorded transactions and returns their ids.
	EvictOldest(ctx context.Context, n int) ([]string, error)
	Len() int
	// Capacity is the configured ceiling (0 = unbounded).
	Capacity() int
}

// EvictionListener is told which ids left the store. It is called while
// the store is locked and must not call back into the store.
type EvictionListener interface {
	Evicted(ids []string)
}

// EvictionFunc adapts a function to EvictionListener.
type EvictionFunc func(ids []string)

func (f EvictionFunc) Evicted(ids []string) { f(ids) }

func checkUpdate(status Status, probability *float64) error {
	if !status.IsTerminal() {
		return ErrInvalidStatus
	}
	if probability != nil && (*probability < 0 || *probability > 1) {
		return ErrInvalidScore
	}
	return nil
}
