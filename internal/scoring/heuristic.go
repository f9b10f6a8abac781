package scoring

import (
	"context"
	"math"
)

const (
	weightDeviation = 0.40
	weightMagnitude = 0.20
	weightNovelty   = 0.20
	weightTimeOfDay = 0.20
)

// HeuristicModel is the in-process fallback model used when no remote
// scorer is configured. It combines weighted risk factors into [0,1].
type HeuristicModel struct{}

// NewHeuristicModel creates the in-process model.
func NewHeuristicModel() *HeuristicModel { return &HeuristicModel{} }

func (m *HeuristicModel) Score(ctx context.Context, f Features) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	factors := m.Factors(f.Normalize())
	score := factors["deviation"]*weightDeviation +
		factors["magnitude"]*weightMagnitude +
		factors["novelty"]*weightNovelty +
		factors["time_of_day"]*weightTimeOfDay
	return clamp01(math.Round(score*1000) / 1000), nil
}

// Factors returns each factor in [0,1] before weighting.
func (m *HeuristicModel) Factors(f Features) map[string]float64 {
	return map[string]float64{
		"deviation":   deviationFactor(f),
		"magnitude":   float64(f.AmountBucket) / MaxAmountBucket,
		"novelty":     noveltyFactor(f),
		"time_of_day": timeOfDayFactor(f),
	}
}

// deviationFactor: amount relative to the user's median, log10 scaled.
// At or below median = 0, 10x = 1. Top-percentile amounts add a floor.
func deviationFactor(f Features) float64 {
	if f.HistoryLength == 0 {
		return 0
	}
	score := 0.0
	if f.AmountToMedian > 1 {
		score = math.Log10(f.AmountToMedian)
	}
	if f.AmountPercentile >= 1 && score < 0.3 {
		score = 0.3
	}
	return clamp01(score)
}

// noveltyFactor: new category 0.6, new merchant 0.3, cold start 0.
func noveltyFactor(f Features) float64 {
	switch {
	case f.HistoryLength == 0:
		return 0
	case !f.CategorySeen:
		return 0.6
	case !f.MerchantSeen:
		return 0.3
	default:
		return 0
	}
}

// timeOfDayFactor: 00:00-04:59 is unusual.
func timeOfDayFactor(f Features) float64 {
	if f.HourOfDay < 5 {
		return 0.8
	}
	return 0
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
