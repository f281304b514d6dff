// Package admission provides the pure admission-control evaluation.
// All functions are deterministic - same input always produces same output.
package admission

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/summeter/summeter/domain/plan"
	"github.com/summeter/summeter/domain/pricing"
	"github.com/summeter/summeter/domain/quota"
)

// Deny reasons (wire values).
const (
	ReasonPlanNotFound      = "plan-not-found"
	ReasonMonthlyExceeded   = "monthly-limit-exceeded"
	ReasonDailyExceeded     = "daily-limit-exceeded"
	ReasonRateLimited       = "rate-limit-exceeded"
	ReasonBatchTooLarge     = "batch-too-large"
	ReasonBatchNotSupported = "batch-not-supported"
	ReasonRaceLost          = "admission-race-lost"
)

// Remaining is the per-window headroom reported with every decision:
// limit minus the observed pre-request count, clamped at 0.
type Remaining struct {
	Monthly   int64
	Daily     int64
	PerMinute int64
}

// Decision is the outcome of an admission evaluation (value type). Deny
// decisions carry the reason plus the same remaining-quota snapshot an
// allow carries, so callers can render "resets in Xh" without another
// round trip.
type Decision struct {
	Allow     bool
	Reason    string // empty on allow
	Remaining Remaining
	UnitPrice decimal.Decimal // quoted at the observed monthly count
	Cost      decimal.Decimal // UnitPrice x units
	ResetAt   time.Time       // next monthly rollover
}

// Evaluate runs the ordered admission checks for units calls.
// This is a PURE function - no side effects, deterministic.
//
// Parameters:
//   - p: the resolved, active plan
//   - st: the user's monthly counter, already rolled (quota.Rolled)
//   - counts: short-window counts derived from the event log
//   - units: number of work items (1 for a single call)
//
// Checks short-circuit in a fixed order: monthly, then daily, then
// per-minute. Plan resolution happens before Evaluate; a missing or
// inactive plan denies with ReasonPlanNotFound and never reaches here.
func Evaluate(p plan.Plan, st quota.State, counts quota.WindowCounts, units int64) Decision {
	d := snapshot(p, st, counts, units)

	switch {
	case st.MonthlyCalls+units > p.MonthlyCallLimit:
		d.Reason = ReasonMonthlyExceeded
	case counts.Daily+units > p.DailyCallLimit:
		d.Reason = ReasonDailyExceeded
	case counts.PerMinute+units > p.PerMinuteLimit:
		d.Reason = ReasonRateLimited
	default:
		d.Allow = true
	}
	return d
}

// EvaluateBatch prepends the batch gates: the plan must carry the batch
// feature and units must fit within the plan's batch size cap. Only then
// do the window checks run, with the full batch size as the increment -
// a batch is admitted whole or not at all.
// This is a PURE function.
func EvaluateBatch(p plan.Plan, st quota.State, counts quota.WindowCounts, units int64) Decision {
	if !p.HasFeature(plan.FeatureBatch) {
		d := snapshot(p, st, counts, units)
		d.Reason = ReasonBatchNotSupported
		return d
	}
	if units > int64(p.BatchSizeLimit) {
		d := snapshot(p, st, counts, units)
		d.Reason = ReasonBatchTooLarge
		return d
	}
	return Evaluate(p, st, counts, units)
}

// PlanNotFound is the deny decision for an unresolvable plan. No quota
// context exists without a plan, so the remaining snapshot is all zeros.
func PlanNotFound() Decision {
	return Decision{
		Reason:    ReasonPlanNotFound,
		UnitPrice: decimal.Zero,
		Cost:      decimal.Zero,
	}
}

// snapshot fills the fields every decision carries regardless of outcome.
func snapshot(p plan.Plan, st quota.State, counts quota.WindowCounts, units int64) Decision {
	return Decision{
		Remaining: Remaining{
			Monthly:   max(0, p.MonthlyCallLimit-st.MonthlyCalls),
			Daily:     max(0, p.DailyCallLimit-counts.Daily),
			PerMinute: max(0, p.PerMinuteLimit-counts.PerMinute),
		},
		UnitPrice: pricing.UnitPrice(p, st.MonthlyCalls),
		Cost:      pricing.BatchCost(p, st.MonthlyCalls, units),
		ResetAt:   quota.NextReset(st),
	}
}
