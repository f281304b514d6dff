// Package plan provides subscription tier value types and pure functions.
package plan

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FeatureBatch marks plans whose subscribers may submit batch requests.
const FeatureBatch = "batch_processing"

// DiscountTier lowers the per-call price once a subscriber's monthly call
// count (before the current request) reaches CallThreshold.
type DiscountTier struct {
	CallThreshold int64
	Multiplier    decimal.Decimal // in (0, 1]
}

// Plan represents a subscription tier (immutable value type).
type Plan struct {
	Code             string
	Name             string
	MonthlyCallLimit int64 // calls per billing month
	DailyCallLimit   int64 // calls per rolling 24h
	PerMinuteLimit   int64 // calls per rolling 60s
	BatchSizeLimit   int   // max units in one batch request
	PricePerCall     decimal.Decimal
	VolumeDiscounts  []DiscountTier // ascending CallThreshold
	Features         map[string]bool
	Active           bool
	UpdatedAt        time.Time
}

// HasFeature reports whether the plan carries a capability flag.
func (p Plan) HasFeature(name string) bool {
	return p.Features[name]
}

// Find finds a plan by code in a list.
// This is a PURE function.
func Find(plans []Plan, code string) (Plan, bool) {
	for _, p := range plans {
		if p.Code == code {
			return p, true
		}
	}
	return Plan{}, false
}

// Validate checks the structural invariants of a plan. Malformed plans are
// rejected at catalog load time, never at decision time.
// This is a PURE function.
func Validate(p Plan) error {
	if p.Code == "" {
		return fmt.Errorf("plan: empty code")
	}
	if p.MonthlyCallLimit < 0 || p.DailyCallLimit < 0 || p.PerMinuteLimit < 0 {
		return fmt.Errorf("plan %s: negative call limit", p.Code)
	}
	if p.BatchSizeLimit < 1 {
		return fmt.Errorf("plan %s: batch size limit must be >= 1, got %d", p.Code, p.BatchSizeLimit)
	}
	if p.PricePerCall.IsNegative() {
		return fmt.Errorf("plan %s: negative price per call", p.Code)
	}
	prevThreshold := int64(-1)
	prevMult := decimal.NewFromInt(1)
	for i, t := range p.VolumeDiscounts {
		if t.CallThreshold < 0 {
			return fmt.Errorf("plan %s: discount %d: negative threshold", p.Code, i)
		}
		if t.CallThreshold <= prevThreshold {
			return fmt.Errorf("plan %s: discount %d: thresholds must be strictly increasing", p.Code, i)
		}
		if !t.Multiplier.IsPositive() || t.Multiplier.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("plan %s: discount %d: multiplier must be in (0, 1]", p.Code, i)
		}
		// Deeper tiers never raise the price: this keeps the unit price
		// non-increasing in the monthly call count.
		if t.Multiplier.GreaterThan(prevMult) {
			return fmt.Errorf("plan %s: discount %d: multiplier must not exceed the previous tier's", p.Code, i)
		}
		prevThreshold = t.CallThreshold
		prevMult = t.Multiplier
	}
	return nil
}
