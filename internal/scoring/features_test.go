package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAmountBucket(t *testing.T) {
	tests := []struct {
		amount float64
		want   int
	}{
		{0.5, 0},
		{1, 1},
		{9.99, 1},
		{150, 3},
		{1000, 4},
		{1e12, MaxAmountBucket},
		{math.Inf(1), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AmountBucket(tt.amount), "amount=%v", tt.amount)
	}
}

func TestNormalize_Defaults(t *testing.T) {
	f := Features{
		Amount:           math.NaN(),
		AmountBucket:     42,
		HourOfDay:        -1,
		DayOfWeek:        9,
		HistoryLength:    -3,
		MedianAmount:     math.Inf(1),
		AmountToMedian:   0,
		AmountPercentile: 2,
		SecondsSinceLast: math.NaN(),
	}.Normalize()

	assert.Zero(t, f.Amount)
	assert.Zero(t, f.AmountBucket)
	assert.Equal(t, DefaultHourOfDay, f.HourOfDay)
	assert.Equal(t, DefaultDayOfWeek, f.DayOfWeek)
	assert.Equal(t, DefaultCategory, f.MerchantCategory)
	assert.Zero(t, f.HistoryLength)
	assert.Zero(t, f.MedianAmount)
	assert.Equal(t, DefaultAmountToMedian, f.AmountToMedian)
	assert.Equal(t, DefaultAmountPercentile, f.AmountPercentile)
	assert.Equal(t, UnknownSinceLast, f.SecondsSinceLast)
}

func TestNormalize_KeepsValidValues(t *testing.T) {
	in := Features{
		Amount:           150,
		AmountBucket:     3,
		HourOfDay:        10,
		DayOfWeek:        1,
		MerchantCategory: "retail",
		HistoryLength:    4,
		MedianAmount:     50,
		AmountToMedian:   3,
		AmountPercentile: 0.75,
		CategorySeen:     true,
		SecondsSinceLast: 60,
	}
	assert.Equal(t, in, in.Normalize())
}
