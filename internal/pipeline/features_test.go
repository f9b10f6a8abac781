package pipeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/scoring"
	"github.com/mbd888/fraudguard/internal/transaction"
)

func txAt(id, amount, category string, ts time.Time) *transaction.Transaction {
	return &transaction.Transaction{
		ID:               id,
		UserID:           "u1",
		Amount:           decimal.RequireFromString(amount),
		Merchant:         "Shop " + category,
		MerchantCategory: category,
		Timestamp:        ts,
		Status:           transaction.StatusApproved,
	}
}

var base = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC) // Monday

func TestBuildProfile_NoHistoryUsesDefaults(t *testing.T) {
	tx := txAt("t1", "150.00", "", base)
	p := buildProfile(tx, nil)
	f := p.features

	assert.Equal(t, 150.0, f.Amount)
	assert.Equal(t, 3, f.AmountBucket)
	assert.Equal(t, 10, f.HourOfDay)
	assert.Equal(t, 1, f.DayOfWeek)
	assert.Equal(t, scoring.DefaultCategory, f.MerchantCategory)
	assert.Zero(t, f.HistoryLength)
	assert.Equal(t, scoring.DefaultAmountToMedian, f.AmountToMedian)
	assert.Equal(t, scoring.DefaultAmountPercentile, f.AmountPercentile)
	assert.Equal(t, scoring.UnknownSinceLast, f.SecondsSinceLast)
	assert.True(t, p.median.IsZero())

	flags, _ := patternFlags(p)
	assert.Equal(t, []string{FlagFirstTransaction}, flags)
}

func TestBuildProfile_FromHistory(t *testing.T) {
	prior := []*transaction.Transaction{
		txAt("t1", "10", "grocery", base.Add(-3*time.Hour)),
		txAt("t2", "30", "retail", base.Add(-2*time.Hour)),
		txAt("t3", "20", "grocery", base.Add(-time.Hour)),
	}
	tx := txAt("t4", "25", "retail", base)
	tx.Merchant = "shop RETAIL"

	p := buildProfile(tx, prior)
	f := p.features

	assert.Equal(t, 3, f.HistoryLength)
	assert.True(t, p.median.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, 20.0, f.MedianAmount)
	assert.InDelta(t, 1.25, f.AmountToMedian, 1e-9)
	assert.InDelta(t, 2.0/3.0, f.AmountPercentile, 1e-9)
	assert.True(t, f.CategorySeen)
	assert.True(t, f.MerchantSeen)
	assert.Equal(t, 3600.0, f.SecondsSinceLast)

	flags, _ := patternFlags(p)
	assert.Empty(t, flags)
}

func TestBuildProfile_WindowIsLastTwenty(t *testing.T) {
	var prior []*transaction.Transaction
	for i := 0; i < 25; i++ {
		amount := "1000"
		if i >= 5 {
			amount = "10"
		}
		prior = append(prior, txAt(fmt.Sprintf("t%d", i), amount, "retail", base.Add(time.Duration(i-30)*time.Minute)))
	}
	p := buildProfile(txAt("new", "31", "retail", base), prior)

	assert.True(t, p.median.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 25, p.features.HistoryLength)
	flags, _ := patternFlags(p)
	assert.Contains(t, flags, FlagAmountExceeds3xMedian)
}

func TestMedian_EvenCount(t *testing.T) {
	vals := []decimal.Decimal{
		decimal.NewFromInt(40), decimal.NewFromInt(10), decimal.NewFromInt(30), decimal.NewFromInt(20),
	}
	assert.True(t, median(vals).Equal(decimal.NewFromInt(25)))
	// input untouched
	assert.True(t, vals[0].Equal(decimal.NewFromInt(40)))
}

func TestPatternFlags_ExactlyThreeTimesMedianNotFlagged(t *testing.T) {
	prior := []*transaction.Transaction{txAt("t1", "50", "retail", base.Add(-time.Hour))}
	p := buildProfile(txAt("t2", "150", "retail", base), prior)
	flags, _ := patternFlags(p)
	assert.NotContains(t, flags, FlagAmountExceeds3xMedian)
}

func TestPatternFlags_UnusualHourAndNewCategory(t *testing.T) {
	prior := []*transaction.Transaction{txAt("t1", "50", "retail", base.Add(-24*time.Hour))}
	p := buildProfile(txAt("t2", "60", "travel", time.Date(2024, 1, 16, 4, 59, 0, 0, time.UTC)), prior)
	flags, notes := patternFlags(p)
	assert.ElementsMatch(t, []string{FlagNewMerchantCategory, FlagUnusualHour}, flags)
	assert.Len(t, notes, 2)

	p = buildProfile(txAt("t3", "60", "retail", time.Date(2024, 1, 16, 5, 0, 0, 0, time.UTC)), prior)
	flags, _ = patternFlags(p)
	assert.Empty(t, flags)
}

func TestPriorHistory_ExcludesCurrentAndLater(t *testing.T) {
	hist := []*transaction.Transaction{
		txAt("a", "1", "x", base), txAt("b", "1", "x", base), txAt("c", "1", "x", base),
	}
	assert.Len(t, priorHistory(hist, "b"), 1)
	assert.Empty(t, priorHistory(hist, "a"))
	assert.Len(t, priorHistory(hist, "missing"), 3)
}

func TestExplain(t *testing.T) {
	assert.Equal(t, "fraud probability 0.15 is below 0.3",
		explain(reasoning{probability: 0.15}, decision.Approve))
	assert.Equal(t, "fraud probability 0.5 is within [0.3, 0.7]; first transaction for user",
		explain(reasoning{probability: 0.5, notes: []string{"first transaction for user"}}, decision.Hold))
	assert.Equal(t, "fraud probability 0.95 is above 0.7",
		explain(reasoning{probability: 0.95}, decision.Block))
	assert.Equal(t, "fraud probability 0.2999 is below 0.3",
		explain(reasoning{probability: 0.2999}, decision.Approve), "no rounding onto the threshold")
	assert.Equal(t, "fraud probability 0.7001 is above 0.7",
		explain(reasoning{probability: 0.7001}, decision.Block))
	assert.Equal(t, "scoring unavailable; held for manual review",
		explain(reasoning{probability: decision.FallbackProbability, fallback: true}, decision.Hold))
}
