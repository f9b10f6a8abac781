package pipeline

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/scoring"
)

// Pattern flags raised while reasoning.
const (
	FlagAmountExceeds3xMedian = "amount_exceeds_3x_median"
	FlagFirstTransaction      = "first_transaction"
	FlagUnusualHour           = "unusual_hour"
	FlagNewMerchantCategory   = "new_merchant_category"
	FlagManualReview          = "manual_review_required"
)

// UnusualHourEnd is the first UTC hour after the unusual-hour window (00:00-04:59).
const UnusualHourEnd = 5

var medianMultiple = decimal.NewFromInt(3)

// reasoning is the per-run context between Reason and Act.
type reasoning struct {
	probability float64
	fallback    bool
	flags       []string
	notes       []string
}

// patternFlags compares the transaction to the owner's history.
func patternFlags(p profile) ([]string, []string) {
	var flags, notes []string
	f := p.features

	if f.HistoryLength == 0 {
		flags = append(flags, FlagFirstTransaction)
		notes = append(notes, "first transaction for user")
	} else {
		if p.median.IsPositive() && p.amount.GreaterThan(p.median.Mul(medianMultiple)) {
			flags = append(flags, FlagAmountExceeds3xMedian)
			notes = append(notes, fmt.Sprintf("amount %s exceeds 3x user median %s",
				p.amount.StringFixed(2), p.median.StringFixed(2)))
		}
		if !f.CategorySeen && f.MerchantCategory != scoring.DefaultCategory {
			flags = append(flags, FlagNewMerchantCategory)
			notes = append(notes, fmt.Sprintf("first purchase in category %q", f.MerchantCategory))
		}
	}
	if f.HourOfDay < UnusualHourEnd {
		flags = append(flags, FlagUnusualHour)
		notes = append(notes, fmt.Sprintf("submitted at %02d:00 UTC", f.HourOfDay))
	}
	return flags, notes
}

// explain renders the human-readable reasoning string of a decision record.
func explain(r reasoning, d decision.Decision) string {
	var b strings.Builder
	if r.fallback {
		b.WriteString("scoring unavailable; held for manual review")
	} else {
		switch d {
		case decision.Approve:
			fmt.Fprintf(&b, "fraud probability %g is below %g", r.probability, decision.ApproveBelow)
		case decision.Block:
			fmt.Fprintf(&b, "fraud probability %g is above %g", r.probability, decision.BlockAbove)
		default:
			fmt.Fprintf(&b, "fraud probability %g is within [%g, %g]",
				r.probability, decision.ApproveBelow, decision.BlockAbove)
		}
	}
	if len(r.notes) > 0 {
		b.WriteString("; ")
		b.WriteString(strings.Join(r.notes, "; "))
	}
	return b.String()
}
