package decisionlog

import (
	"time"

	"github.com/mbd888/fraudguard/internal/decision"
)

// Summary aggregates a set of decision records for admin dashboards.
type Summary struct {
	Total          int                       `json:"total"`
	ByDecision     map[decision.Decision]int `json:"by_decision"`
	ManualReviews  int                       `json:"manual_reviews"`
	Notified       int                       `json:"notified"`
	MeanConfidence float64                   `json:"mean_confidence"`
	MeanDurationMS float64                   `json:"mean_duration_ms"`
	MaxDurationMS  float64                   `json:"max_duration_ms"`
	From           *time.Time                `json:"from,omitempty"`
	To             *time.Time                `json:"to,omitempty"`
	FlagCounts     map[string]int            `json:"flag_counts"`
	BlockRate      float64                   `json:"block_rate"`
	FallbackRate   float64                   `json:"fallback_rate"`
}

// Summarize folds records into a Summary.
func Summarize(records []*decision.Record) Summary {
	s := Summary{
		ByDecision: map[decision.Decision]int{decision.Approve: 0, decision.Hold: 0, decision.Block: 0},
		FlagCounts: map[string]int{},
	}
	var confidence float64
	var duration time.Duration
	for _, r := range records {
		s.Total++
		s.ByDecision[r.Decision]++
		if r.ManualReview {
			s.ManualReviews++
		}
		if r.Notified {
			s.Notified++
		}
		for _, f := range r.Flags {
			s.FlagCounts[f]++
		}
		confidence += r.Confidence
		duration += r.Duration
		if ms := float64(r.Duration.Microseconds()) / 1000; ms > s.MaxDurationMS {
			s.MaxDurationMS = ms
		}
		ts := r.Timestamp
		if s.From == nil || ts.Before(*s.From) {
			s.From = &ts
		}
		if s.To == nil || ts.After(*s.To) {
			s.To = &ts
		}
	}
	if s.Total > 0 {
		n := float64(s.Total)
		s.MeanConfidence = confidence / n
		s.MeanDurationMS = float64(duration.Microseconds()) / 1000 / n
		s.BlockRate = float64(s.ByDecision[decision.Block]) / n
		s.FallbackRate = float64(s.ManualReviews) / n
	}
	return s
}
