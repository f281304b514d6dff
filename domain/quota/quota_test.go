// Package quota tests for the monthly-window math.
package quota

import (
	"testing"
	"time"
)

var t0 = time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)

// -----------------------------------------------------------------------------
// Rolled
// -----------------------------------------------------------------------------

func TestRolled_FreshStateStartsPeriodNow(t *testing.T) {
	st := Rolled(State{UserID: "user-1"}, t0)

	if !st.PeriodStart.Equal(t0) {
		t.Errorf("PeriodStart = %v, want %v", st.PeriodStart, t0)
	}
	if st.MonthlyCalls != 0 {
		t.Errorf("MonthlyCalls = %d, want 0", st.MonthlyCalls)
	}
}

func TestRolled_InsidePeriodUnchanged(t *testing.T) {
	st := State{UserID: "user-1", PeriodStart: t0, MonthlyCalls: 42}

	got := Rolled(st, t0.Add(20*24*time.Hour))

	if got.MonthlyCalls != 42 {
		t.Errorf("MonthlyCalls = %d, want 42", got.MonthlyCalls)
	}
	if !got.PeriodStart.Equal(t0) {
		t.Errorf("PeriodStart moved to %v", got.PeriodStart)
	}
}

func TestRolled_ResetAtBoundary(t *testing.T) {
	st := State{UserID: "user-1", PeriodStart: t0, MonthlyCalls: 42}
	boundary := t0.AddDate(0, 1, 0)

	got := Rolled(st, boundary)

	if got.MonthlyCalls != 0 {
		t.Errorf("MonthlyCalls = %d, want 0 after reset", got.MonthlyCalls)
	}
	if !got.PeriodStart.Equal(boundary) {
		t.Errorf("PeriodStart = %v, want %v", got.PeriodStart, boundary)
	}
}

func TestRolled_JustBeforeBoundaryUnchanged(t *testing.T) {
	st := State{UserID: "user-1", PeriodStart: t0, MonthlyCalls: 42}
	almost := t0.AddDate(0, 1, 0).Add(-time.Nanosecond)

	got := Rolled(st, almost)

	if got.MonthlyCalls != 42 {
		t.Errorf("MonthlyCalls = %d, want 42", got.MonthlyCalls)
	}
}

func TestRolled_DormantUserResetsToNow(t *testing.T) {
	// Three months dormant: the new period starts at now, not at some
	// whole number of months past the old PeriodStart.
	st := State{UserID: "user-1", PeriodStart: t0, MonthlyCalls: 7}
	now := t0.AddDate(0, 3, 5)

	got := Rolled(st, now)

	if !got.PeriodStart.Equal(now) {
		t.Errorf("PeriodStart = %v, want %v", got.PeriodStart, now)
	}
	if got.MonthlyCalls != 0 {
		t.Errorf("MonthlyCalls = %d, want 0", got.MonthlyCalls)
	}
}

func TestRolled_Idempotent(t *testing.T) {
	st := State{UserID: "user-1", PeriodStart: t0, MonthlyCalls: 42}
	now := t0.AddDate(0, 1, 0).Add(3 * time.Hour)

	once := Rolled(st, now)
	twice := Rolled(once, now)

	if !twice.PeriodStart.Equal(once.PeriodStart) {
		t.Errorf("PeriodStart drifted: %v then %v", once.PeriodStart, twice.PeriodStart)
	}
	if twice.MonthlyCalls != once.MonthlyCalls {
		t.Errorf("MonthlyCalls drifted: %d then %d", once.MonthlyCalls, twice.MonthlyCalls)
	}
}

func TestRolled_IdempotentOnFreshState(t *testing.T) {
	once := Rolled(State{UserID: "user-1"}, t0)
	twice := Rolled(once, t0)

	if !twice.PeriodStart.Equal(t0) {
		t.Errorf("PeriodStart = %v, want %v", twice.PeriodStart, t0)
	}
}

// -----------------------------------------------------------------------------
// NextReset / InPeriod
// -----------------------------------------------------------------------------

func TestNextReset(t *testing.T) {
	st := State{PeriodStart: t0}

	want := time.Date(2025, 4, 15, 10, 0, 0, 0, time.UTC)
	if got := NextReset(st); !got.Equal(want) {
		t.Errorf("NextReset = %v, want %v", got, want)
	}
}

func TestNextReset_MonthEndNormalization(t *testing.T) {
	// Jan 31 + 1 month lands in early March per Go's calendar rules; the
	// window is still at least a full month long.
	st := State{PeriodStart: time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)}

	got := NextReset(st)
	if got.Before(st.PeriodStart.AddDate(0, 0, 28)) {
		t.Errorf("NextReset = %v, shorter than a month", got)
	}
}

func TestInPeriod(t *testing.T) {
	st := State{PeriodStart: t0}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"at period start", t0, true},
		{"mid period", t0.Add(10 * 24 * time.Hour), true},
		{"before period", t0.Add(-time.Second), false},
		{"at next reset", t0.AddDate(0, 1, 0), false},
		{"after next reset", t0.AddDate(0, 2, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InPeriod(st, tt.at); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
