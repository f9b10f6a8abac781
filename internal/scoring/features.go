package scoring

import (
	"math"
	"strings"
)

// Documented defaults substituted for missing or unusable feature values.
const (
	DefaultCategory         = "unknown"
	DefaultHourOfDay        = 12
	DefaultDayOfWeek        = 0
	DefaultAmountPercentile = 0.5
	DefaultAmountToMedian   = 1.0
	UnknownSinceLast        = -1.0
	MaxAmountBucket         = 7
)

// Features is the model input derived from one transaction and the
// owner's prior history. It is recomputed for every decision.
type Features struct {
	Amount           float64 `json:"amount"`
	AmountBucket     int     `json:"amount_bucket"`
	HourOfDay        int     `json:"hour_of_day"`
	DayOfWeek        int     `json:"day_of_week"`
	MerchantCategory string  `json:"merchant_category"`
	HistoryLength    int     `json:"history_length"`
	MedianAmount     float64 `json:"median_amount"`
	AmountToMedian   float64 `json:"amount_to_median"`
	AmountPercentile float64 `json:"amount_percentile"`
	CategorySeen     bool    `json:"category_seen"`
	MerchantSeen     bool    `json:"merchant_seen"`
	SecondsSinceLast float64 `json:"seconds_since_last"`
}

// AmountBucket places an amount on a log10 scale: <1 is 0, [1,10) is 1,
// [10,100) is 2 and so on, capped at MaxAmountBucket.
func AmountBucket(amount float64) int {
	if !finite(amount) || amount < 1 {
		return 0
	}
	b := int(math.Floor(math.Log10(amount))) + 1
	if b > MaxAmountBucket {
		return MaxAmountBucket
	}
	return b
}

// Normalize replaces missing or out-of-range values with the documented
// defaults so a model never sees partial input.
func (f Features) Normalize() Features {
	if !finite(f.Amount) || f.Amount < 0 {
		f.Amount = 0
	}
	if f.AmountBucket < 0 || f.AmountBucket > MaxAmountBucket {
		f.AmountBucket = AmountBucket(f.Amount)
	}
	if f.HourOfDay < 0 || f.HourOfDay > 23 {
		f.HourOfDay = DefaultHourOfDay
	}
	if f.DayOfWeek < 0 || f.DayOfWeek > 6 {
		f.DayOfWeek = DefaultDayOfWeek
	}
	f.MerchantCategory = strings.TrimSpace(f.MerchantCategory)
	if f.MerchantCategory == "" {
		f.MerchantCategory = DefaultCategory
	}
	if f.HistoryLength < 0 {
		f.HistoryLength = 0
	}
	if !finite(f.MedianAmount) || f.MedianAmount < 0 {
		f.MedianAmount = 0
	}
	if !finite(f.AmountToMedian) || f.AmountToMedian <= 0 {
		f.AmountToMedian = DefaultAmountToMedian
	}
	if !finite(f.AmountPercentile) || f.AmountPercentile < 0 || f.AmountPercentile > 1 {
		f.AmountPercentile = DefaultAmountPercentile
	}
	if !finite(f.SecondsSinceLast) || f.SecondsSinceLast < 0 {
		f.SecondsSinceLast = UnknownSinceLast
	}
	return f
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
