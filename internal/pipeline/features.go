package pipeline

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudguard/internal/scoring"
	"github.com/mbd888/fraudguard/internal/transaction"
)

// HistoryWindow is how many of the user's most recent prior amounts feed the
// median and percentile.
const HistoryWindow = 20

// profile is what Perceive learns about a transaction relative to its owner.
type profile struct {
	features scoring.Features
	amount   decimal.Decimal
	median   decimal.Decimal // zero without history
}

// priorHistory returns the user's transactions ingested before id. Later
// submissions are not part of this run's view of the user.
func priorHistory(history []*transaction.Transaction, id string) []*transaction.Transaction {
	for i, tx := range history {
		if tx.ID == id {
			return history[:i]
		}
	}
	return history
}

// buildProfile computes the model features for tx from prior history.
func buildProfile(tx *transaction.Transaction, prior []*transaction.Transaction) profile {
	amount := tx.Amount
	f := scoring.Features{
		Amount:           amount.InexactFloat64(),
		HourOfDay:        tx.Timestamp.UTC().Hour(),
		DayOfWeek:        int(tx.Timestamp.UTC().Weekday()),
		MerchantCategory: tx.MerchantCategory,
		HistoryLength:    len(prior),
		AmountToMedian:   scoring.DefaultAmountToMedian,
		AmountPercentile: scoring.DefaultAmountPercentile,
		SecondsSinceLast: scoring.UnknownSinceLast,
	}
	f.AmountBucket = scoring.AmountBucket(f.Amount)
	if f.MerchantCategory == "" {
		f.MerchantCategory = scoring.DefaultCategory
	}

	p := profile{amount: amount}
	if len(prior) == 0 {
		p.features = f.Normalize()
		return p
	}

	window := prior
	if len(window) > HistoryWindow {
		window = window[len(window)-HistoryWindow:]
	}
	amounts := make([]decimal.Decimal, len(window))
	for i, h := range window {
		amounts[i] = h.Amount
	}
	p.median = median(amounts)
	f.MedianAmount = p.median.InexactFloat64()
	if p.median.IsPositive() {
		f.AmountToMedian = amount.Div(p.median).InexactFloat64()
	}
	f.AmountPercentile = percentile(amounts, amount)

	for _, h := range prior {
		if tx.MerchantCategory != "" && h.MerchantCategory == tx.MerchantCategory {
			f.CategorySeen = true
		}
		if strings.EqualFold(h.Merchant, tx.Merchant) {
			f.MerchantSeen = true
		}
	}
	last := prior[len(prior)-1]
	f.SecondsSinceLast = tx.Timestamp.Sub(last.Timestamp).Seconds()

	p.features = f.Normalize()
	return p
}

// median of a non-empty set; the mean of the two middle values for even sizes.
func median(values []decimal.Decimal) decimal.Decimal {
	sorted := append([]decimal.Decimal(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

// percentile is the share of values at or below amount.
func percentile(values []decimal.Decimal, amount decimal.Decimal) float64 {
	n := 0
	for _, v := range values {
		if v.LessThanOrEqual(amount) {
			n++
		}
	}
	return float64(n) / float64(len(values))
}
