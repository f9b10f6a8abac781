// Package decision holds the decision policy and the audit record it produces.
package decision

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/mbd888/fraudguard/internal/transaction"
)

// Decision is the terminal disposition of a transaction.
type Decision string

const (
	Approve Decision = "APPROVE"
	Hold    Decision = "HOLD"
	Block   Decision = "BLOCK"
)

// Policy thresholds. HOLD includes both boundaries.
const (
	ApproveBelow = 0.3
	BlockAbove   = 0.7
)

// FallbackProbability is the sentinel used when no score is available.
// It sits inside the HOLD band with zero confidence.
const FallbackProbability = 0.5

// Decide maps a fraud probability to a decision:
// p < 0.3 approves, p > 0.7 blocks, everything in between holds.
func Decide(p float64) Decision {
	switch {
	case p < ApproveBelow:
		return Approve
	case p > BlockAbove:
		return Block
	default:
		return Hold
	}
}

// Confidence is the distance of p from the 0.5 midpoint, scaled to [0,1].
func Confidence(p float64) float64 {
	return math.Abs(p-0.5) * 2
}

// Parse accepts a decision name in any case.
func Parse(s string) (Decision, bool) {
	d := Decision(strings.ToUpper(strings.TrimSpace(s)))
	switch d {
	case Approve, Hold, Block:
		return d, true
	}
	return "", false
}

// Status is the transaction status a decision moves to.
func (d Decision) Status() transaction.Status {
	switch d {
	case Approve:
		return transaction.StatusApproved
	case Block:
		return transaction.StatusBlocked
	default:
		return transaction.StatusHeld
	}
}

// Notifies reports whether the decision is sent to notification channels.
func (d Decision) Notifies() bool {
	return d == Hold || d == Block
}

// StatusLabel renders a transaction status for API responses (APPROVED, HELD, ...).
func StatusLabel(s transaction.Status) string {
	return strings.ToUpper(string(s))
}

// Record is the immutable audit entry for one decided transaction.
type Record struct {
	ID               string
	TransactionID    string
	UserID           string
	Decision         Decision
	FraudProbability *float64 // nil on the scoring-fallback path
	Confidence       float64
	Reasoning        string
	Flags            []string
	ManualReview     bool
	Notified         bool
	Timestamp        time.Time
	Duration         time.Duration
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	if r.FraudProbability != nil {
		p := *r.FraudProbability
		cp.FraudProbability = &p
	}
	cp.Flags = append([]string(nil), r.Flags...)
	return &cp
}

// HasFlag reports whether flag was raised while reasoning.
func (r *Record) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

type recordJSON struct {
	ID               string    `json:"id"`
	TransactionID    string    `json:"transaction_id"`
	UserID           string    `json:"user_id"`
	Decision         Decision  `json:"decision"`
	FraudProbability *float64  `json:"fraud_probability"`
	Confidence       float64   `json:"confidence"`
	Reasoning        string    `json:"reasoning"`
	Flags            []string  `json:"flags"`
	ManualReview     bool      `json:"manual_review_required"`
	Notified         bool      `json:"notified"`
	Timestamp        time.Time `json:"timestamp"`
	DurationMS       float64   `json:"duration_ms"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	flags := r.Flags
	if flags == nil {
		flags = []string{}
	}
	return json.Marshal(recordJSON{
		ID:               r.ID,
		TransactionID:    r.TransactionID,
		UserID:           r.UserID,
		Decision:         r.Decision,
		FraudProbability: r.FraudProbability,
		Confidence:       r.Confidence,
		Reasoning:        r.Reasoning,
		Flags:            flags,
		ManualReview:     r.ManualReview,
		Notified:         r.Notified,
		Timestamp:        r.Timestamp,
		DurationMS:       float64(r.Duration.Microseconds()) / 1000,
	})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Record{
		ID:               raw.ID,
		TransactionID:    raw.TransactionID,
		UserID:           raw.UserID,
		Decision:         raw.Decision,
		FraudProbability: raw.FraudProbability,
		Confidence:       raw.Confidence,
		Reasoning:        raw.Reasoning,
		Flags:            raw.Flags,
		ManualReview:     raw.ManualReview,
		Notified:         raw.Notified,
		Timestamp:        raw.Timestamp,
		Duration:         time.Duration(raw.DurationMS * float64(time.Millisecond)),
	}
	return nil
}
