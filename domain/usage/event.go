// Package usage provides usage event types and aggregation functions.
// All functions are pure - no side effects.
package usage

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventState is the lifecycle state of a usage event.
type EventState string

const (
	StatePending   EventState = "pending"
	StateCompleted EventState = "completed"
	StateFailed    EventState = "failed"
)

// Error classes recorded on failed events. The field is free-form; these
// constants cover the engine's own failure paths.
const (
	ErrClassTimeout  = "timeout" // reaper-expired pending event
	ErrClassUpstream = "upstream_error"
	ErrClassCanceled = "canceled"
	ErrClassInternal = "internal"
)

// Event is one attempted billable operation (immutable value type).
// Created pending at admission, closed exactly once by Complete, Fail, or
// the reaper; every field is frozen once the state leaves pending.
type Event struct {
	ID             string
	UserID         string
	PlanCode       string
	UnitCount      int64 // >= 1; > 1 for a batch
	State          EventState
	Cost           decimal.Decimal // fixed at admission time
	TokensUsed     int64           // reported on completion
	ResponseTimeMs int64           // reported on close
	ErrorClass     string          // present only when failed
	RequestedAt    time.Time
	CompletedAt    time.Time // zero while pending
}

// Closure carries the caller-reported outcome applied when an event leaves
// the pending state.
type Closure struct {
	TokensUsed     int64
	ResponseTimeMs int64
	ErrorClass     string
}

// NewPending constructs the pending event recorded at admission. Cost is
// filled by the ledger inside the atomic admission step.
func NewPending(id, userID, planCode string, units int64, at time.Time) Event {
	return Event{
		ID:          id,
		UserID:      userID,
		PlanCode:    planCode,
		UnitCount:   units,
		State:       StatePending,
		RequestedAt: at,
	}
}

// Open reports whether the event still occupies the pending state.
func (e Event) Open() bool {
	return e.State == StatePending
}

// CanTransition reports whether from -> to is a legal lifecycle move.
// Only pending -> completed and pending -> failed exist; closed events
// never move again.
// This is a PURE function.
func CanTransition(from, to EventState) bool {
	if from != StatePending {
		return false
	}
	return to == StateCompleted || to == StateFailed
}

// Closed returns the event with a closure applied. Callers must have
// verified the transition with CanTransition; stores enforce it with a
// compare-and-set on the pending state.
// This is a PURE function.
func Closed(e Event, to EventState, c Closure, at time.Time) Event {
	e.State = to
	e.CompletedAt = at
	e.ResponseTimeMs = c.ResponseTimeMs
	switch to {
	case StateCompleted:
		e.TokensUsed = c.TokensUsed
	case StateFailed:
		e.ErrorClass = c.ErrorClass
		if e.ErrorClass == "" {
			e.ErrorClass = ErrClassInternal
		}
	}
	return e
}

// InWindow reports whether the event occupies a short rate window ending
// at now: pending or completed state, requested inside (now-window, now].
// Failed events never occupy short windows.
// This is a PURE function.
func (e Event) InWindow(window time.Duration, now time.Time) bool {
	if e.State == StateFailed {
		return false
	}
	return e.RequestedAt.After(now.Add(-window)) && !e.RequestedAt.After(now)
}
