// Package pricing computes call costs from plan volume-discount tables.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/summeter/summeter/domain/plan"
)

// UnitPrice returns the per-call price for a subscriber whose monthly call
// count before the current request is monthlyCalls. The highest discount
// tier whose threshold is <= monthlyCalls wins; with no matching tier the
// plan's base price applies unmultiplied.
// This is a PURE function.
func UnitPrice(p plan.Plan, monthlyCalls int64) decimal.Decimal {
	price := p.PricePerCall
	for _, t := range p.VolumeDiscounts {
		if t.CallThreshold > monthlyCalls {
			break // thresholds ascend, nothing further matches
		}
		price = p.PricePerCall.Mul(t.Multiplier)
	}
	return price
}

// BatchCost prices units calls from one pre-request snapshot of the monthly
// counter. Every unit gets the same unit price; the counter is never
// re-read mid-batch.
// This is a PURE function.
func BatchCost(p plan.Plan, monthlyCalls, units int64) decimal.Decimal {
	return UnitPrice(p, monthlyCalls).Mul(decimal.NewFromInt(units))
}

// TierCosts returns the candidate total costs for units calls: index 0 is
// the undiscounted base, index i+1 the cost under p.VolumeDiscounts[i].
// Backends whose atomic admission step cannot do decimal arithmetic (the
// redis Lua script) pick from these by threshold instead of computing.
// This is a PURE function.
func TierCosts(p plan.Plan, units int64) []decimal.Decimal {
	n := decimal.NewFromInt(units)
	costs := make([]decimal.Decimal, 0, len(p.VolumeDiscounts)+1)
	costs = append(costs, p.PricePerCall.Mul(n))
	for _, t := range p.VolumeDiscounts {
		costs = append(costs, p.PricePerCall.Mul(t.Multiplier).Mul(n))
	}
	return costs
}
