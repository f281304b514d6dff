// Package quota provides pure functions for monthly-window accounting.
// All functions are deterministic with no side effects.
package quota

import "time"

// Short-window durations. Both windows are rolling, not calendar-aligned,
// so behavior does not depend on the caller's timezone.
const (
	DailyWindow  = 24 * time.Hour
	MinuteWindow = time.Minute
)

// State is the persistent per-user monthly counter (value type).
// MonthlyCalls <= the plan's monthly limit holds after every successful
// admission; stores enforce it by refusing increments, never by clamping.
type State struct {
	UserID       string
	PlanCode     string
	PeriodStart  time.Time
	MonthlyCalls int64
	LastCallAt   time.Time
	UpdatedAt    time.Time
}

// WindowCounts are the short-window call counts derived from the event log:
// events in states pending or completed with requestedAt inside
// (now-window, now]. They are computed on demand, never stored, so the
// event log stays the single source of truth.
type WindowCounts struct {
	Daily     int64
	PerMinute int64
}

// NextReset returns the instant the monthly window rolls over.
// This is a PURE function.
func NextReset(st State) time.Time {
	return st.PeriodStart.AddDate(0, 1, 0)
}

// Rolled returns the state as of now: once the billing month has elapsed
// (or the state is brand new) the counter reads zero and the period starts
// at now. Idempotent: rolling an already-rolled state at the same instant
// does not drift PeriodStart.
// This is a PURE function.
func Rolled(st State, now time.Time) State {
	if st.PeriodStart.IsZero() || !now.Before(NextReset(st)) {
		st.PeriodStart = now
		st.MonthlyCalls = 0
	}
	return st
}

// InPeriod reports whether t falls inside the state's current billing
// month. Refunds use this to skip events from already-rolled periods.
// This is a PURE function.
func InPeriod(st State, t time.Time) bool {
	return !t.Before(st.PeriodStart) && t.Before(NextReset(st))
}
