package decision

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/transaction"
)

func TestDecide_Thresholds(t *testing.T) {
	tests := []struct {
		p    float64
		want Decision
	}{
		{0, Approve},
		{0.15, Approve},
		{0.2999999, Approve},
		{0.3, Hold},
		{0.5, Hold},
		{0.7, Hold},
		{0.7000001, Block},
		{0.95, Block},
		{1, Block},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Decide(tt.p), "p=%v", tt.p)
	}
}

func TestDecide_EveryProbabilityInBand(t *testing.T) {
	for i := 0; i <= 1000; i++ {
		p := float64(i) / 1000
		d := Decide(p)
		switch {
		case p < 0.3:
			assert.Equal(t, Approve, d, "p=%v", p)
		case p > 0.7:
			assert.Equal(t, Block, d, "p=%v", p)
		default:
			assert.Equal(t, Hold, d, "p=%v", p)
		}
	}
}

func TestConfidence(t *testing.T) {
	assert.InDelta(t, 0.7, Confidence(0.15), 1e-9)
	assert.InDelta(t, 0.0, Confidence(0.5), 1e-9)
	assert.InDelta(t, 0.9, Confidence(0.95), 1e-9)
	assert.InDelta(t, 1.0, Confidence(0), 1e-9)
	assert.InDelta(t, 1.0, Confidence(1), 1e-9)
}

func TestFallbackProbabilityHolds(t *testing.T) {
	assert.Equal(t, Hold, Decide(FallbackProbability))
	assert.Zero(t, Confidence(FallbackProbability))
}

func TestDecision_StatusAndNotify(t *testing.T) {
	assert.Equal(t, transaction.StatusApproved, Approve.Status())
	assert.Equal(t, transaction.StatusHeld, Hold.Status())
	assert.Equal(t, transaction.StatusBlocked, Block.Status())

	assert.False(t, Approve.Notifies())
	assert.True(t, Hold.Notifies())
	assert.True(t, Block.Notifies())

	assert.Equal(t, "APPROVED", StatusLabel(transaction.StatusApproved))
	assert.Equal(t, "HELD", StatusLabel(Hold.Status()))
}

func TestParse(t *testing.T) {
	d, ok := Parse("block")
	assert.True(t, ok)
	assert.Equal(t, Block, d)

	_, ok = Parse("maybe")
	assert.False(t, ok)
}

func TestRecord_JSON(t *testing.T) {
	p := 0.95
	r := Record{
		ID:               "dec_1",
		TransactionID:    "txn_1",
		UserID:           "u1",
		Decision:         Block,
		FraudProbability: &p,
		Confidence:       Confidence(p),
		Reasoning:        "high risk",
		Timestamp:        time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Duration:         1500 * time.Microsecond,
	}

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "BLOCK", raw["decision"])
	assert.Equal(t, 1.5, raw["duration_ms"])
	assert.Equal(t, []any{}, raw["flags"])

	var back Record
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, r.Duration, back.Duration)
	assert.Equal(t, r.TransactionID, back.TransactionID)
}

func TestRecord_FallbackHasNullProbability(t *testing.T) {
	data, err := json.Marshal(Record{Decision: Hold, ManualReview: true})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"fraud_probability":null`)
	assert.Contains(t, string(data), `"manual_review_required":true`)
}

func TestRecord_CloneIsDeep(t *testing.T) {
	p := 0.4
	r := &Record{FraudProbability: &p, Flags: []string{"a"}}
	cp := r.Clone()
	cp.Flags[0] = "b"
	*cp.FraudProbability = 0.9

	assert.Equal(t, "a", r.Flags[0])
	assert.Equal(t, 0.4, *r.FraudProbability)
	assert.True(t, r.HasFlag("a"))
	assert.False(t, r.HasFlag("b"))
}
