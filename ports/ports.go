// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/summeter/summeter/domain/plan"
	"github.com/summeter/summeter/domain/quota"
	"github.com/summeter/summeter/domain/usage"
)

// -----------------------------------------------------------------------------
// Shared Errors
// -----------------------------------------------------------------------------

// Sentinels shared by every store implementation so callers can branch on
// semantics without knowing the backend.
var (
	// ErrNotFound reports a missing plan, state row, or event.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyClosed reports a close attempt on a non-pending event.
	// Protocol misuse by the caller; ledger state is unaffected.
	ErrAlreadyClosed = errors.New("event already closed")

	// ErrRaceLost reports that an admission check passed but the atomic
	// open lost to concurrent traffic. Transient; the caller retries the
	// whole Admit/Open sequence once.
	ErrRaceLost = errors.New("admission race lost")

	// ErrUnavailable reports an indeterminate storage failure. Admission
	// paths treat it as a deny (fail closed); the reaper skips its sweep
	// (fail open).
	ErrUnavailable = errors.New("store unavailable")

	// ErrInvalid reports a malformed request (zero units, empty user,
	// blank error class).
	ErrInvalid = errors.New("invalid argument")
)

// LimitError is returned by Ledger.OpenPending when a window check fails
// inside the atomic step. It carries the admission reason so callers can
// report which window the open lost on.
type LimitError struct {
	Reason string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limit check failed: %s", e.Reason)
}

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// PlanStore persists the plan catalog. Code is the primary key; exactly
// one row exists per code, so Put is an upsert.
type PlanStore interface {
	// Get retrieves a plan by code, whether active or not.
	Get(ctx context.Context, code string) (plan.Plan, error)

	// List returns all plans, active and inactive.
	List(ctx context.Context) ([]plan.Plan, error)

	// Put creates or replaces a plan.
	Put(ctx context.Context, p plan.Plan) error

	// Delete removes a plan.
	Delete(ctx context.Context, code string) error
}

// Ledger persists per-user quota counters and the usage event log behind
// one surface, because admission must check counters, spend them, and
// record the pending event in a single atomic step.
type Ledger interface {
	// State returns the raw monthly counter row. A user with no history
	// yields the zero State, not ErrNotFound.
	State(ctx context.Context, userID string) (quota.State, error)

	// Counts derives the short-window counts from the event log as of now.
	Counts(ctx context.Context, userID string, now time.Time) (quota.WindowCounts, error)

	// OpenPending is the atomic admission step: roll the monthly window if
	// due, re-check every window limit against p in order (monthly, daily,
	// per-minute), price the event from the pre-increment count, increment
	// the counter by ev.UnitCount, and insert ev as pending. On a failed
	// check it returns *LimitError and changes nothing.
	OpenPending(ctx context.Context, ev usage.Event, p plan.Plan) (quota.State, usage.Event, error)

	// CloseEvent moves a pending event to completed or failed via
	// compare-and-set. ErrAlreadyClosed if the event is not pending,
	// ErrNotFound if it does not exist.
	CloseEvent(ctx context.Context, eventID string, to usage.EventState, c usage.Closure, at time.Time) (usage.Event, error)

	// Refund returns units to the monthly counter (clamped at zero) when
	// requestedAt still falls inside the user's current period. Used by
	// the refund-on-failure policy.
	Refund(ctx context.Context, userID string, units int64, requestedAt time.Time) error

	// Event retrieves one event by ID.
	Event(ctx context.Context, eventID string) (usage.Event, error)

	// RecentEvents returns a user's newest events, newest first.
	RecentEvents(ctx context.Context, userID string, limit int) ([]usage.Event, error)

	// StalePending returns pending events requested before olderThan,
	// oldest first, capped at limit. The reaper's work queue.
	StalePending(ctx context.Context, olderThan time.Time, limit int) ([]usage.Event, error)

	// Summarize aggregates a user's events with requestedAt in [start, end).
	Summarize(ctx context.Context, userID string, start, end time.Time) (usage.Summary, error)
}

// -----------------------------------------------------------------------------
// Observability Ports
// -----------------------------------------------------------------------------

// Audit record kinds.
const (
	AuditAdmit    = "admit"
	AuditOpen     = "open"
	AuditComplete = "complete"
	AuditFail     = "fail"
	AuditReap     = "reap"
	AuditRefund   = "refund"
)

// AuditRecord is one admission decision or lifecycle transition as seen by
// the observability pipeline.
type AuditRecord struct {
	Kind     string // one of the Audit* constants
	UserID   string
	PlanCode string
	EventID  string
	Units    int64
	Allowed  bool
	Reason   string // deny reason or error class
	At       time.Time
}

// AuditSink receives audit records from the hot path. Implementations must
// return immediately: dropping a record under pressure is acceptable,
// blocking admission is not.
type AuditSink interface {
	// Record queues one audit record. Non-blocking.
	Record(rec AuditRecord)

	// Close stops the sink and drains whatever is queued.
	Close() error
}
