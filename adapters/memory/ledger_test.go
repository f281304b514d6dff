package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/summeter/summeter/adapters/memory"
	"github.com/summeter/summeter/domain/admission"
	"github.com/summeter/summeter/domain/plan"
	"github.com/summeter/summeter/domain/usage"
	"github.com/summeter/summeter/ports"
)

var openAt = time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testPlan() plan.Plan {
	return plan.Plan{
		Code:             "pro",
		MonthlyCallLimit: 10000,
		DailyCallLimit:   1000,
		PerMinuteLimit:   100,
		BatchSizeLimit:   20,
		PricePerCall:     dec("0.01"),
		VolumeDiscounts: []plan.DiscountTier{
			{CallThreshold: 1000, Multiplier: dec("0.95")},
		},
		Features: map[string]bool{plan.FeatureBatch: true},
		Active:   true,
	}
}

func open(t *testing.T, l *memory.Ledger, id string, units int64, at time.Time) usage.Event {
	t.Helper()
	_, ev, err := l.OpenPending(context.Background(), usage.NewPending(id, "user-1", "pro", units, at), testPlan())
	if err != nil {
		t.Fatalf("OpenPending(%s): %v", id, err)
	}
	return ev
}

// -----------------------------------------------------------------------------
// OpenPending
// -----------------------------------------------------------------------------

func TestLedger_OpenPending(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()

	st, ev, err := l.OpenPending(ctx, usage.NewPending("ev-1", "user-1", "pro", 1, openAt), testPlan())
	if err != nil {
		t.Fatalf("OpenPending: %v", err)
	}

	if st.MonthlyCalls != 1 {
		t.Errorf("MonthlyCalls = %d, want 1", st.MonthlyCalls)
	}
	if !st.PeriodStart.Equal(openAt) {
		t.Errorf("PeriodStart = %v, want %v", st.PeriodStart, openAt)
	}
	if !st.LastCallAt.Equal(openAt) {
		t.Errorf("LastCallAt = %v, want %v", st.LastCallAt, openAt)
	}
	if ev.State != usage.StatePending {
		t.Errorf("event state = %s, want pending", ev.State)
	}
	if !ev.Cost.Equal(dec("0.01")) {
		t.Errorf("Cost = %s, want 0.01", ev.Cost)
	}

	stored, err := l.Event(ctx, "ev-1")
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if stored.ID != "ev-1" || stored.State != usage.StatePending {
		t.Errorf("stored event = %+v", stored)
	}
}

func TestLedger_OpenPending_MonthlyDenied(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()
	p := testPlan()
	p.MonthlyCallLimit = 2

	for i := 0; i < 2; i++ {
		if _, _, err := l.OpenPending(ctx, usage.NewPending(fmt.Sprintf("ev-%d", i), "user-1", "pro", 1, openAt), p); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}

	_, _, err := l.OpenPending(ctx, usage.NewPending("ev-3", "user-1", "pro", 1, openAt), p)

	var le *ports.LimitError
	if !errors.As(err, &le) {
		t.Fatalf("expected LimitError, got %v", err)
	}
	if le.Reason != admission.ReasonMonthlyExceeded {
		t.Errorf("Reason = %s, want %s", le.Reason, admission.ReasonMonthlyExceeded)
	}

	// The denied open left nothing behind.
	st, _ := l.State(ctx, "user-1")
	if st.MonthlyCalls != 2 {
		t.Errorf("MonthlyCalls = %d, want 2 after denied open", st.MonthlyCalls)
	}
	if l.Len() != 2 {
		t.Errorf("event count = %d, want 2", l.Len())
	}
}

func TestLedger_OpenPending_DailyDenied(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()
	p := testPlan()
	p.DailyCallLimit = 3

	at := openAt
	for i := 0; i < 3; i++ {
		at = at.Add(2 * time.Minute) // spread beyond the minute window
		if _, _, err := l.OpenPending(ctx, usage.NewPending(fmt.Sprintf("ev-%d", i), "user-1", "pro", 1, at), p); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}

	_, _, err := l.OpenPending(ctx, usage.NewPending("ev-4", "user-1", "pro", 1, at.Add(2*time.Minute)), p)

	var le *ports.LimitError
	if !errors.As(err, &le) {
		t.Fatalf("expected LimitError, got %v", err)
	}
	if le.Reason != admission.ReasonDailyExceeded {
		t.Errorf("Reason = %s, want %s", le.Reason, admission.ReasonDailyExceeded)
	}
}

func TestLedger_OpenPending_DailyWindowSlides(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()
	p := testPlan()
	p.DailyCallLimit = 2

	open(t, l, "ev-1", 1, openAt)
	_, _, err := l.OpenPending(ctx, usage.NewPending("ev-2", "user-1", "pro", 1, openAt.Add(time.Minute)), p)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}

	// Window full now; 25h later the first two have aged out.
	later := openAt.Add(25 * time.Hour)
	if _, _, err := l.OpenPending(ctx, usage.NewPending("ev-3", "user-1", "pro", 1, later), p); err != nil {
		t.Errorf("open after window slid: %v", err)
	}
}

func TestLedger_OpenPending_PerMinuteDenied(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()
	p := testPlan()
	p.PerMinuteLimit = 2

	open(t, l, "ev-1", 1, openAt)
	if _, _, err := l.OpenPending(ctx, usage.NewPending("ev-2", "user-1", "pro", 1, openAt.Add(10*time.Second)), p); err != nil {
		t.Fatalf("second open: %v", err)
	}

	_, _, err := l.OpenPending(ctx, usage.NewPending("ev-3", "user-1", "pro", 1, openAt.Add(20*time.Second)), p)
	var le *ports.LimitError
	if !errors.As(err, &le) || le.Reason != admission.ReasonRateLimited {
		t.Fatalf("expected rate-limit LimitError, got %v", err)
	}

	// 61 seconds after the first two, the minute window has slid.
	if _, _, err := l.OpenPending(ctx, usage.NewPending("ev-4", "user-1", "pro", 1, openAt.Add(71*time.Second)), p); err != nil {
		t.Errorf("open after minute slid: %v", err)
	}
}

func TestLedger_OpenPending_MonthlyRollover(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()
	p := testPlan()
	p.MonthlyCallLimit = 1
	p.DailyCallLimit = 10

	if _, _, err := l.OpenPending(ctx, usage.NewPending("ev-1", "user-1", "pro", 1, openAt), p); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, _, err := l.OpenPending(ctx, usage.NewPending("ev-2", "user-1", "pro", 1, openAt.Add(time.Hour)), p); err == nil {
		t.Fatal("expected monthly denial before rollover")
	}

	// One month later the counter rolls and the open passes.
	next := openAt.AddDate(0, 1, 0).Add(time.Hour)
	st, _, err := l.OpenPending(ctx, usage.NewPending("ev-3", "user-1", "pro", 1, next), p)
	if err != nil {
		t.Fatalf("open after rollover: %v", err)
	}
	if st.MonthlyCalls != 1 {
		t.Errorf("MonthlyCalls = %d, want 1 in fresh period", st.MonthlyCalls)
	}
	if !st.PeriodStart.Equal(next) {
		t.Errorf("PeriodStart = %v, want %v", st.PeriodStart, next)
	}
}

func TestLedger_OpenPending_CostFromPreIncrementCount(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()
	p := testPlan()
	p.DailyCallLimit = 2000
	p.PerMinuteLimit = 2000

	// Walk the counter to 999 in one batch, then open one more: the
	// pre-increment count 999 prices at the base rate.
	if _, _, err := l.OpenPending(ctx, usage.NewPending("seed", "user-1", "pro", 999, openAt), p); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, ev, err := l.OpenPending(ctx, usage.NewPending("at-999", "user-1", "pro", 1, openAt.Add(2*time.Hour)), p)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !ev.Cost.Equal(dec("0.01")) {
		t.Errorf("Cost = %s, want base 0.01 at count 999", ev.Cost)
	}

	// Now at 1000: the discount tier applies.
	_, ev, err = l.OpenPending(ctx, usage.NewPending("at-1000", "user-1", "pro", 1, openAt.Add(4*time.Hour)), p)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !ev.Cost.Equal(dec("0.0095")) {
		t.Errorf("Cost = %s, want discounted 0.0095 at count 1000", ev.Cost)
	}
}

func TestLedger_OpenPending_DuplicateID(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()

	open(t, l, "ev-1", 1, openAt)

	_, _, err := l.OpenPending(ctx, usage.NewPending("ev-1", "user-1", "pro", 1, openAt.Add(time.Minute)), testPlan())
	if !errors.Is(err, ports.ErrInvalid) {
		t.Errorf("expected ErrInvalid for duplicate ID, got %v", err)
	}
}

// -----------------------------------------------------------------------------
// No over-admission under concurrency
// -----------------------------------------------------------------------------

func TestLedger_NoOverAdmission(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()
	p := testPlan()
	p.MonthlyCallLimit = 10
	p.DailyCallLimit = 10000
	p.PerMinuteLimit = 10000

	const callers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ev := usage.NewPending(fmt.Sprintf("ev-%d", n), "user-1", "pro", 1, openAt)
			if _, _, err := l.OpenPending(ctx, ev, p); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if admitted != 10 {
		t.Errorf("admitted = %d, want exactly 10", admitted)
	}
	st, _ := l.State(ctx, "user-1")
	if st.MonthlyCalls != 10 {
		t.Errorf("MonthlyCalls = %d, want 10", st.MonthlyCalls)
	}
	if l.Len() != 10 {
		t.Errorf("stored events = %d, want 10", l.Len())
	}
}

func TestLedger_BatchAtomicity_Concurrent(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()
	p := testPlan()
	p.MonthlyCallLimit = 10
	p.DailyCallLimit = 10000
	p.PerMinuteLimit = 10000

	// Concurrent batches of 3 against a limit of 10: whatever interleaving
	// happens, the counter must land on 3*k <= 10, never a partial batch.
	const callers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ev := usage.NewPending(fmt.Sprintf("batch-%d", n), "user-1", "pro", 3, openAt)
			if _, _, err := l.OpenPending(ctx, ev, p); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if admitted != 3 {
		t.Errorf("admitted = %d batches, want 3 (3 units each under limit 10)", admitted)
	}
	st, _ := l.State(ctx, "user-1")
	if st.MonthlyCalls != int64(admitted*3) {
		t.Errorf("MonthlyCalls = %d, want %d (no partial increments)", st.MonthlyCalls, admitted*3)
	}
}

// -----------------------------------------------------------------------------
// CloseEvent
// -----------------------------------------------------------------------------

func TestLedger_CloseEvent_Complete(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()

	open(t, l, "ev-1", 1, openAt)

	closedAt := openAt.Add(3 * time.Second)
	got, err := l.CloseEvent(ctx, "ev-1", usage.StateCompleted, usage.Closure{TokensUsed: 700, ResponseTimeMs: 2100}, closedAt)
	if err != nil {
		t.Fatalf("CloseEvent: %v", err)
	}

	if got.State != usage.StateCompleted {
		t.Errorf("State = %s, want completed", got.State)
	}
	if got.TokensUsed != 700 {
		t.Errorf("TokensUsed = %d, want 700", got.TokensUsed)
	}
	if !got.CompletedAt.Equal(closedAt) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, closedAt)
	}
}

func TestLedger_CloseEvent_AlreadyClosed(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()

	open(t, l, "ev-1", 1, openAt)

	if _, err := l.CloseEvent(ctx, "ev-1", usage.StateCompleted, usage.Closure{}, openAt.Add(time.Second)); err != nil {
		t.Fatalf("first close: %v", err)
	}

	_, err := l.CloseEvent(ctx, "ev-1", usage.StateFailed, usage.Closure{ErrorClass: "x"}, openAt.Add(2*time.Second))
	if !errors.Is(err, ports.ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed, got %v", err)
	}

	// The second close changed nothing.
	got, _ := l.Event(ctx, "ev-1")
	if got.State != usage.StateCompleted {
		t.Errorf("State = %s, want completed after no-op second close", got.State)
	}
}

func TestLedger_CloseEvent_NotFound(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})

	_, err := l.CloseEvent(context.Background(), "ghost", usage.StateCompleted, usage.Closure{}, openAt)
	if !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLedger_ExactlyOnceClosure(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()

	open(t, l, "ev-1", 1, openAt)

	// Complete, Fail, and a reaper-style timeout all race; exactly one wins.
	const racers = 30
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var err error
			switch n % 3 {
			case 0:
				_, err = l.CloseEvent(ctx, "ev-1", usage.StateCompleted, usage.Closure{TokensUsed: 1}, openAt.Add(time.Second))
			case 1:
				_, err = l.CloseEvent(ctx, "ev-1", usage.StateFailed, usage.Closure{ErrorClass: usage.ErrClassUpstream}, openAt.Add(time.Second))
			default:
				_, err = l.CloseEvent(ctx, "ev-1", usage.StateFailed, usage.Closure{ErrorClass: usage.ErrClassTimeout}, openAt.Add(time.Second))
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ports.ErrAlreadyClosed) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("closures succeeded = %d, want exactly 1", wins)
	}
}

// -----------------------------------------------------------------------------
// Refund
// -----------------------------------------------------------------------------

func TestLedger_Refund(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()

	open(t, l, "ev-1", 3, openAt)

	if err := l.Refund(ctx, "user-1", 3, openAt); err != nil {
		t.Fatalf("Refund: %v", err)
	}

	st, _ := l.State(ctx, "user-1")
	if st.MonthlyCalls != 0 {
		t.Errorf("MonthlyCalls = %d, want 0 after refund", st.MonthlyCalls)
	}
}

func TestLedger_Refund_ClampsAtZero(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()

	open(t, l, "ev-1", 1, openAt)

	if err := l.Refund(ctx, "user-1", 99, openAt); err != nil {
		t.Fatalf("Refund: %v", err)
	}

	st, _ := l.State(ctx, "user-1")
	if st.MonthlyCalls != 0 {
		t.Errorf("MonthlyCalls = %d, want 0 (clamped)", st.MonthlyCalls)
	}
}

func TestLedger_Refund_SkipsRolledPeriod(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()
	p := testPlan()

	// Event opened in March; the period rolls in April via a new open.
	if _, _, err := l.OpenPending(ctx, usage.NewPending("ev-1", "user-1", "pro", 1, openAt), p); err != nil {
		t.Fatalf("open: %v", err)
	}
	april := openAt.AddDate(0, 1, 2)
	if _, _, err := l.OpenPending(ctx, usage.NewPending("ev-2", "user-1", "pro", 1, april), p); err != nil {
		t.Fatalf("open in new period: %v", err)
	}

	// Refund for the March event must not touch April's counter.
	if err := l.Refund(ctx, "user-1", 1, openAt); err != nil {
		t.Fatalf("Refund: %v", err)
	}

	st, _ := l.State(ctx, "user-1")
	if st.MonthlyCalls != 1 {
		t.Errorf("MonthlyCalls = %d, want 1 (refund for old period skipped)", st.MonthlyCalls)
	}
}

func TestLedger_Refund_UnknownUser(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})

	if err := l.Refund(context.Background(), "ghost", 1, openAt); err != nil {
		t.Errorf("Refund for unknown user should no-op, got %v", err)
	}
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

func TestLedger_Counts(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()

	now := openAt.Add(30 * time.Second)
	open(t, l, "recent", 2, openAt)                  // inside both windows at now
	open(t, l, "hour-old", 1, now.Add(-time.Hour))   // daily only
	open(t, l, "day-old", 1, now.Add(-25*time.Hour)) // outside both

	wc, err := l.Counts(ctx, "user-1", now)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if wc.Daily != 3 {
		t.Errorf("Daily = %d, want 3", wc.Daily)
	}
	if wc.PerMinute != 2 {
		t.Errorf("PerMinute = %d, want 2", wc.PerMinute)
	}
}

func TestLedger_Counts_ExcludesFailed(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()

	open(t, l, "ev-1", 1, openAt)
	open(t, l, "ev-2", 1, openAt)
	if _, err := l.CloseEvent(ctx, "ev-1", usage.StateFailed, usage.Closure{ErrorClass: "x"}, openAt.Add(time.Second)); err != nil {
		t.Fatalf("close: %v", err)
	}

	wc, _ := l.Counts(ctx, "user-1", openAt.Add(2*time.Second))
	if wc.Daily != 1 {
		t.Errorf("Daily = %d, want 1 (failed excluded)", wc.Daily)
	}
	if wc.PerMinute != 1 {
		t.Errorf("PerMinute = %d, want 1 (failed excluded)", wc.PerMinute)
	}
}

func TestLedger_RecentEvents(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		open(t, l, fmt.Sprintf("ev-%d", i), 1, openAt.Add(time.Duration(i)*time.Minute))
	}

	got, err := l.RecentEvents(ctx, "user-1", 3)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != "ev-4" || got[1].ID != "ev-3" || got[2].ID != "ev-2" {
		t.Errorf("order = %s, %s, %s; want newest first", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestLedger_RecentEvents_Empty(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})

	got, err := l.RecentEvents(context.Background(), "ghost", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestLedger_StalePending(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()

	open(t, l, "old-1", 1, openAt)
	open(t, l, "old-2", 1, openAt.Add(time.Minute))
	open(t, l, "fresh", 1, openAt.Add(10*time.Minute))
	if _, err := l.CloseEvent(ctx, "old-2", usage.StateCompleted, usage.Closure{}, openAt.Add(2*time.Minute)); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := l.StalePending(ctx, openAt.Add(5*time.Minute), 10)
	if err != nil {
		t.Fatalf("StalePending: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (closed and fresh excluded)", len(got))
	}
	if got[0].ID != "old-1" {
		t.Errorf("got %s, want old-1", got[0].ID)
	}
}

func TestLedger_StalePending_OrderAndLimit(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()

	// Different users so events land in different shards.
	for i := 0; i < 5; i++ {
		ev := usage.NewPending(fmt.Sprintf("ev-%d", i), fmt.Sprintf("user-%d", i), "pro", 1, openAt.Add(time.Duration(5-i)*time.Minute))
		if _, _, err := l.OpenPending(ctx, ev, testPlan()); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}

	got, err := l.StalePending(ctx, openAt.Add(time.Hour), 3)
	if err != nil {
		t.Fatalf("StalePending: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].RequestedAt.Before(got[i-1].RequestedAt) {
			t.Errorf("results not oldest-first at %d", i)
		}
	}
}

func TestLedger_Summarize(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})
	ctx := context.Background()

	open(t, l, "ev-1", 1, openAt)
	open(t, l, "ev-2", 5, openAt.Add(time.Hour))
	open(t, l, "outside", 1, openAt.Add(48*time.Hour))
	if _, err := l.CloseEvent(ctx, "ev-1", usage.StateCompleted, usage.Closure{TokensUsed: 100, ResponseTimeMs: 50}, openAt.Add(time.Second)); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err := l.Summarize(ctx, "user-1", openAt, openAt.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	if s.UserID != "user-1" {
		t.Errorf("UserID = %s, want user-1", s.UserID)
	}
	if s.TotalEvents != 2 {
		t.Errorf("TotalEvents = %d, want 2 (range excludes the third)", s.TotalEvents)
	}
	if s.UnitCount != 6 {
		t.Errorf("UnitCount = %d, want 6", s.UnitCount)
	}
	if s.CompletedCalls != 1 || s.PendingCalls != 1 {
		t.Errorf("Completed/Pending = %d/%d, want 1/1", s.CompletedCalls, s.PendingCalls)
	}
	if !s.TotalCost.Equal(dec("0.06")) {
		t.Errorf("TotalCost = %s, want 0.06", s.TotalCost)
	}
}

func TestLedger_Summarize_EmptyRange(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})

	s, err := l.Summarize(context.Background(), "ghost", openAt, openAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.TotalEvents != 0 {
		t.Errorf("TotalEvents = %d, want 0", s.TotalEvents)
	}
	if s.UserID != "ghost" {
		t.Errorf("UserID = %s, want ghost", s.UserID)
	}
}

func TestLedger_Clear(t *testing.T) {
	l := memory.NewLedger(memory.LedgerConfig{})

	open(t, l, "ev-1", 1, openAt)
	l.Clear()

	if l.Len() != 0 {
		t.Errorf("Len = %d after Clear, want 0", l.Len())
	}
	st, _ := l.State(context.Background(), "user-1")
	if st.MonthlyCalls != 0 {
		t.Errorf("MonthlyCalls = %d after Clear, want 0", st.MonthlyCalls)
	}
}
