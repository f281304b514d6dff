package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/summeter/summeter/domain/admission"
	"github.com/summeter/summeter/domain/plan"
	"github.com/summeter/summeter/domain/quota"
	"github.com/summeter/summeter/domain/usage"
	"github.com/summeter/summeter/ports"
)

// Ledger implements ports.Ledger on SQLite. The admission step is one
// immediate-mode transaction, so the read-check-increment sequence is
// serialized against every other writer on the file.
type Ledger struct {
	db *DB
}

// NewLedger creates a SQLite-backed ledger.
func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db}
}

const selectEvent = `
	SELECT id, user_id, plan_code, unit_count, state, cost,
	       tokens_used, response_time_ms, error_class, requested_at, completed_at
	FROM usage_events`

// State returns the raw monthly counter row; the zero State for unknown
// users.
func (l *Ledger) State(ctx context.Context, userID string) (quota.State, error) {
	st, err := getState(ctx, l.db.DB, userID)
	if err != nil {
		return quota.State{}, unavailable("load quota state", err)
	}
	return st, nil
}

// Counts derives the short-window counts from the user's event log.
func (l *Ledger) Counts(ctx context.Context, userID string, now time.Time) (quota.WindowCounts, error) {
	wc, err := windowCounts(ctx, l.db.DB, userID, now.UTC())
	if err != nil {
		return quota.WindowCounts{}, unavailable("count windows", err)
	}
	return wc, nil
}

// OpenPending runs the whole admission protocol inside one transaction:
// roll the month, re-check every window, price from the pre-increment
// count, spend the quota, and insert the pending event. The immediate
// write lock means no interleaving is possible, so the counter can never
// pass its limit.
func (l *Ledger) OpenPending(ctx context.Context, ev usage.Event, p plan.Plan) (quota.State, usage.Event, error) {
	now := ev.RequestedAt.UTC()
	ev.RequestedAt = now

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.State{}, usage.Event{}, unavailable("open pending", err)
	}
	defer tx.Rollback()

	// Duplicate IDs are caller bugs, not races; reject before touching
	// the counter.
	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM usage_events WHERE id = ?`, ev.ID).Scan(&one)
	switch {
	case err == nil:
		return quota.State{}, usage.Event{}, fmt.Errorf("open event %s: %w: duplicate id", ev.ID, ports.ErrInvalid)
	case err != sql.ErrNoRows:
		return quota.State{}, usage.Event{}, unavailable("open pending", err)
	}

	st, err := getState(ctx, tx, ev.UserID)
	if err != nil {
		return quota.State{}, usage.Event{}, unavailable("open pending", err)
	}
	st = quota.Rolled(st, now)

	counts, err := windowCounts(ctx, tx, ev.UserID, now)
	if err != nil {
		return quota.State{}, usage.Event{}, unavailable("open pending", err)
	}

	d := admission.Evaluate(p, st, counts, ev.UnitCount)
	if !d.Allow {
		return quota.State{}, usage.Event{}, &ports.LimitError{Reason: d.Reason}
	}

	ev.Cost = d.Cost
	st.UserID = ev.UserID
	st.PlanCode = p.Code
	st.MonthlyCalls += ev.UnitCount
	st.LastCallAt = now
	st.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO quota_state (user_id, plan_code, period_start, monthly_calls, last_call_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			plan_code     = excluded.plan_code,
			period_start  = excluded.period_start,
			monthly_calls = excluded.monthly_calls,
			last_call_at  = excluded.last_call_at,
			updated_at    = excluded.updated_at
	`, st.UserID, st.PlanCode, st.PeriodStart, st.MonthlyCalls, st.LastCallAt, st.UpdatedAt)
	if err != nil {
		return quota.State{}, usage.Event{}, unavailable("open pending", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_events (id, user_id, plan_code, unit_count, state, cost, requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.UserID, ev.PlanCode, ev.UnitCount, string(ev.State), ev.Cost.String(), ev.RequestedAt)
	if err != nil {
		return quota.State{}, usage.Event{}, unavailable("open pending", err)
	}

	if err := tx.Commit(); err != nil {
		return quota.State{}, usage.Event{}, unavailable("open pending", err)
	}
	return st, ev, nil
}

// CloseEvent moves a pending event to its terminal state. The guarded
// UPDATE is the compare-and-set: it only fires while the row still reads
// 'pending'.
func (l *Ledger) CloseEvent(ctx context.Context, eventID string, to usage.EventState, c usage.Closure, at time.Time) (usage.Event, error) {
	if !usage.CanTransition(usage.StatePending, to) {
		return usage.Event{}, fmt.Errorf("close event %s: %w: bad target state %q", eventID, ports.ErrInvalid, to)
	}

	var (
		tokens   int64
		errClass string
	)
	switch to {
	case usage.StateCompleted:
		tokens = c.TokensUsed
	case usage.StateFailed:
		errClass = c.ErrorClass
		if errClass == "" {
			errClass = usage.ErrClassInternal
		}
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE usage_events
		SET state = ?, tokens_used = ?, response_time_ms = ?, error_class = ?, completed_at = ?
		WHERE id = ? AND state = 'pending'
	`, string(to), tokens, c.ResponseTimeMs, errClass, at.UTC(), eventID)
	if err != nil {
		return usage.Event{}, unavailable("close event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return usage.Event{}, unavailable("close event", err)
	}
	if n == 0 {
		// Lost the compare-and-set, or no such event; one read tells which.
		if _, err := l.Event(ctx, eventID); err != nil {
			return usage.Event{}, err
		}
		return usage.Event{}, fmt.Errorf("close event %s: %w", eventID, ports.ErrAlreadyClosed)
	}

	// Closed events never move again, so the read-back is stable.
	return l.Event(ctx, eventID)
}

// Refund returns units to the monthly counter when the originating event
// still belongs to the current period. A rolled-over period means the
// counter was already reset; refunding it would corrupt the new month.
func (l *Ledger) Refund(ctx context.Context, userID string, units int64, requestedAt time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("refund", err)
	}
	defer tx.Rollback()

	st, err := getState(ctx, tx, userID)
	if err != nil {
		return unavailable("refund", err)
	}
	if st.PeriodStart.IsZero() || !quota.InPeriod(st, requestedAt) {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE quota_state SET monthly_calls = ?, updated_at = ? WHERE user_id = ?
	`, max(0, st.MonthlyCalls-units), time.Now().UTC(), userID)
	if err != nil {
		return unavailable("refund", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("refund", err)
	}
	return nil
}

// Event retrieves one event by ID.
func (l *Ledger) Event(ctx context.Context, eventID string) (usage.Event, error) {
	ev, err := scanEvent(l.db.QueryRowContext(ctx, selectEvent+` WHERE id = ?`, eventID))
	if err == sql.ErrNoRows {
		return usage.Event{}, fmt.Errorf("event %s: %w", eventID, ports.ErrNotFound)
	}
	if err != nil {
		return usage.Event{}, unavailable("load event", err)
	}
	return ev, nil
}

// RecentEvents returns the user's newest events, newest first. Ties on
// requested_at break by insertion order.
func (l *Ledger) RecentEvents(ctx context.Context, userID string, limit int) ([]usage.Event, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := l.db.QueryContext(ctx, selectEvent+`
		WHERE user_id = ?
		ORDER BY requested_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, unavailable("load recent events", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// StalePending returns pending events requested before olderThan, oldest
// first, capped at limit.
func (l *Ledger) StalePending(ctx context.Context, olderThan time.Time, limit int) ([]usage.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, selectEvent+`
		WHERE state = 'pending' AND requested_at < ?
		ORDER BY requested_at ASC
		LIMIT ?
	`, olderThan.UTC(), limit)
	if err != nil {
		return nil, unavailable("load stale pending", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// Summarize aggregates the user's events with requestedAt in [start, end).
// Rows are aggregated in Go so every backend shares one aggregation and
// costs stay exact decimals.
func (l *Ledger) Summarize(ctx context.Context, userID string, start, end time.Time) (usage.Summary, error) {
	rows, err := l.db.QueryContext(ctx, selectEvent+`
		WHERE user_id = ? AND requested_at >= ? AND requested_at < ?
		ORDER BY requested_at ASC
	`, userID, start.UTC(), end.UTC())
	if err != nil {
		return usage.Summary{}, unavailable("summarize", err)
	}
	defer rows.Close()

	evs, err := collectEvents(rows)
	if err != nil {
		return usage.Summary{}, err
	}

	s := usage.Aggregate(evs, start, end)
	s.UserID = userID
	return s, nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// execer is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// the same reads can run standalone or inside the admission transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getState(ctx context.Context, q execer, userID string) (quota.State, error) {
	var (
		st       quota.State
		lastCall sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		SELECT user_id, plan_code, period_start, monthly_calls, last_call_at, updated_at
		FROM quota_state
		WHERE user_id = ?
	`, userID).Scan(&st.UserID, &st.PlanCode, &st.PeriodStart, &st.MonthlyCalls, &lastCall, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return quota.State{}, nil
	}
	if err != nil {
		return quota.State{}, err
	}
	if lastCall.Valid {
		st.LastCallAt = lastCall.Time
	}
	return st, nil
}

// windowCounts tallies units over the rolling windows. Failed events do
// not occupy short windows.
func windowCounts(ctx context.Context, q execer, userID string, now time.Time) (quota.WindowCounts, error) {
	var wc quota.WindowCounts
	err := q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(unit_count), 0),
			COALESCE(SUM(CASE WHEN requested_at > ? THEN unit_count ELSE 0 END), 0)
		FROM usage_events
		WHERE user_id = ?
		  AND state != 'failed'
		  AND requested_at > ?
		  AND requested_at <= ?
	`, now.Add(-quota.MinuteWindow), userID, now.Add(-quota.DailyWindow), now).Scan(&wc.Daily, &wc.PerMinute)
	return wc, err
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (usage.Event, error) {
	var (
		e         usage.Event
		state     string
		cost      string
		completed sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.PlanCode, &e.UnitCount, &state, &cost,
		&e.TokensUsed, &e.ResponseTimeMs, &e.ErrorClass, &e.RequestedAt, &completed); err != nil {
		return usage.Event{}, err
	}

	e.State = usage.EventState(state)
	c, err := decimal.NewFromString(cost)
	if err != nil {
		return usage.Event{}, fmt.Errorf("parse cost %q: %w", cost, err)
	}
	e.Cost = c
	if completed.Valid {
		e.CompletedAt = completed.Time
	}
	return e, nil
}

func collectEvents(rows *sql.Rows) ([]usage.Event, error) {
	var out []usage.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, unavailable("scan event", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan events", err)
	}
	return out, nil
}

// unavailable tags an infrastructure failure so admission paths can fail
// closed on it.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ports.ErrUnavailable, err)
}

// Ensure interface compliance.
var _ ports.Ledger = (*Ledger)(nil)
