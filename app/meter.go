// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/summeter/summeter/domain/admission"
	"github.com/summeter/summeter/domain/plan"
	"github.com/summeter/summeter/domain/pricing"
	"github.com/summeter/summeter/domain/quota"
	"github.com/summeter/summeter/domain/usage"
	"github.com/summeter/summeter/ports"
)

// Audit record kinds emitted by the service.
const (
	auditAdmit    = ports.AuditAdmit
	auditOpen     = ports.AuditOpen
	auditComplete = ports.AuditComplete
	auditFail     = ports.AuditFail
	auditReap     = ports.AuditReap
	auditRefund   = ports.AuditRefund
)

// MeterService is the admission and usage-accounting front door. A billable
// call flows through it twice: an advisory Admit that quotes the decision,
// then the binding Open that spends quota and records the pending event.
type MeterService struct {
	catalog *Catalog
	ledger  ports.Ledger
	clock   ports.Clock
	idGen   ports.IDGenerator
	sink    ports.AuditSink
	logger  zerolog.Logger

	refundOnFailure bool
}

// MeterDeps contains dependencies for MeterService.
type MeterDeps struct {
	Catalog *Catalog
	Ledger  ports.Ledger
	Clock   ports.Clock
	IDGen   ports.IDGenerator
	Sink    ports.AuditSink // nil disables audit records
	Logger  zerolog.Logger
}

// MeterConfig contains configuration for MeterService.
type MeterConfig struct {
	// RefundOnFailure returns the monthly spend of failed events. Off by
	// default: a failed call consumed admission capacity like any other.
	RefundOnFailure bool
}

// NewMeterService creates a new meter service.
func NewMeterService(deps MeterDeps, cfg MeterConfig) *MeterService {
	return &MeterService{
		catalog:         deps.Catalog,
		ledger:          deps.Ledger,
		clock:           deps.Clock,
		idGen:           deps.IDGen,
		sink:            deps.Sink,
		logger:          deps.Logger.With().Str("service", "meter").Logger(),
		refundOnFailure: cfg.RefundOnFailure,
	}
}

// Admit runs the advisory admission checks for a single call. It reads the
// counters without spending them, so the decision can go stale under
// concurrent traffic; Open re-checks atomically before recording anything.
func (s *MeterService) Admit(ctx context.Context, userID, planCode string, units int64) (admission.Decision, error) {
	return s.admit(ctx, userID, planCode, units, false)
}

// AdmitBatch is Admit with the batch gates prepended: the plan must carry
// the batch feature and units must fit its batch cap. A batch is quoted
// whole or not at all.
func (s *MeterService) AdmitBatch(ctx context.Context, userID, planCode string, units int64) (admission.Decision, error) {
	return s.admit(ctx, userID, planCode, units, true)
}

func (s *MeterService) admit(ctx context.Context, userID, planCode string, units int64, batch bool) (admission.Decision, error) {
	now := s.clock.Now()

	// 1. Validate arguments (PURE)
	if err := validateRequest(userID, units); err != nil {
		return admission.Decision{}, err
	}

	// 2. Resolve the plan (I/O, cached)
	p, err := s.catalog.Get(ctx, planCode)
	if errors.Is(err, ports.ErrNotFound) {
		d := admission.PlanNotFound()
		s.audit(auditAdmit, userID, planCode, "", units, false, d.Reason, now)
		return d, nil
	}
	if err != nil {
		return admission.Decision{}, err
	}

	// 3. Read the monthly counter and window counts (I/O)
	st, err := s.ledger.State(ctx, userID)
	if err != nil {
		return admission.Decision{}, err
	}
	counts, err := s.ledger.Counts(ctx, userID, now)
	if err != nil {
		return admission.Decision{}, err
	}

	// 4. Evaluate the ordered checks against the rolled view (PURE)
	rolled := quota.Rolled(st, now)
	var d admission.Decision
	if batch {
		d = admission.EvaluateBatch(p, rolled, counts, units)
	} else {
		d = admission.Evaluate(p, rolled, counts, units)
	}

	// 5. Emit the decision (non-blocking)
	s.audit(auditAdmit, userID, planCode, "", units, d.Allow, d.Reason, now)

	return d, nil
}

// Open is the binding admission step: build the pending event and record
// it through the ledger's atomic open. When the atomic re-check loses to
// concurrent traffic after an advisory allow, the error wraps
// ports.ErrRaceLost and the caller restarts the Admit/Open sequence.
func (s *MeterService) Open(ctx context.Context, userID, planCode string, units int64) (usage.Event, quota.State, error) {
	now := s.clock.Now()

	// 1. Validate arguments (PURE)
	if err := validateRequest(userID, units); err != nil {
		return usage.Event{}, quota.State{}, err
	}

	// 2. Resolve the plan (I/O, cached)
	p, err := s.catalog.Get(ctx, planCode)
	if err != nil {
		return usage.Event{}, quota.State{}, err
	}

	// 3. Re-apply the batch gates; the window checks run inside the
	//    atomic step, these two do not (PURE)
	if units > 1 {
		if !p.HasFeature(plan.FeatureBatch) {
			s.audit(auditOpen, userID, planCode, "", units, false, admission.ReasonBatchNotSupported, now)
			return usage.Event{}, quota.State{}, &ports.LimitError{Reason: admission.ReasonBatchNotSupported}
		}
		if units > int64(p.BatchSizeLimit) {
			s.audit(auditOpen, userID, planCode, "", units, false, admission.ReasonBatchTooLarge, now)
			return usage.Event{}, quota.State{}, &ports.LimitError{Reason: admission.ReasonBatchTooLarge}
		}
	}

	// 4. Build the pending event (PURE)
	ev := usage.NewPending(s.idGen.New(), userID, planCode, units, now)

	// 5. Atomic admission: re-check, price, spend, record (I/O)
	st, ev, err := s.ledger.OpenPending(ctx, ev, p)
	if err != nil {
		var le *ports.LimitError
		if errors.As(err, &le) {
			s.audit(auditOpen, userID, planCode, "", units, false, admission.ReasonRaceLost, now)
			return usage.Event{}, quota.State{}, fmt.Errorf("%w: %w", ports.ErrRaceLost, le)
		}
		s.logger.Error().Err(err).Str("user_id", userID).Msg("atomic open failed")
		return usage.Event{}, quota.State{}, err
	}

	// 6. Emit the allow (non-blocking)
	s.audit(auditOpen, userID, ev.PlanCode, ev.ID, units, true, "", now)

	return ev, st, nil
}

// Complete closes a pending event as successful work and freezes the
// caller-reported outcome on it. The cost stays as fixed at open time.
func (s *MeterService) Complete(ctx context.Context, eventID string, c usage.Closure) (usage.Event, error) {
	now := s.clock.Now()

	ev, err := s.ledger.CloseEvent(ctx, eventID, usage.StateCompleted, c, now)
	if err != nil {
		return usage.Event{}, err
	}

	s.audit(auditComplete, ev.UserID, ev.PlanCode, ev.ID, ev.UnitCount, true, "", now)
	return ev, nil
}

// Fail closes a pending event as failed work. The monthly spend stands by
// default; with refund-on-failure the units go back to the counter unless
// the billing month already rolled past the event.
func (s *MeterService) Fail(ctx context.Context, eventID, errorClass string) (usage.Event, error) {
	if errorClass == "" {
		return usage.Event{}, fmt.Errorf("blank error class: %w", ports.ErrInvalid)
	}
	return s.failEvent(ctx, eventID, errorClass, auditFail)
}

// failEvent is the shared pending-to-failed transition behind Fail and the
// reaper: same compare-and-set, same refund policy, distinct audit kind.
func (s *MeterService) failEvent(ctx context.Context, eventID, errorClass, kind string) (usage.Event, error) {
	now := s.clock.Now()

	ev, err := s.ledger.CloseEvent(ctx, eventID, usage.StateFailed, usage.Closure{ErrorClass: errorClass}, now)
	if err != nil {
		return usage.Event{}, err
	}

	s.audit(kind, ev.UserID, ev.PlanCode, ev.ID, ev.UnitCount, true, ev.ErrorClass, now)

	if s.refundOnFailure {
		s.refund(ctx, ev, now)
	}
	return ev, nil
}

// refund returns the event's units to the monthly counter. The ledger
// skips events whose period already rolled. A storage error here is
// logged and swallowed: the event is closed either way, and a refund must
// never un-close it.
func (s *MeterService) refund(ctx context.Context, ev usage.Event, now time.Time) {
	if err := s.ledger.Refund(ctx, ev.UserID, ev.UnitCount, ev.RequestedAt); err != nil {
		s.logger.Error().Err(err).
			Str("event_id", ev.ID).
			Str("user_id", ev.UserID).
			Msg("refund failed")
		s.audit(auditRefund, ev.UserID, ev.PlanCode, ev.ID, ev.UnitCount, false, "refund-error", now)
		return
	}
	s.audit(auditRefund, ev.UserID, ev.PlanCode, ev.ID, ev.UnitCount, true, "", now)
}

// QuotaStatus is the account-facing usage snapshot: where the counters
// stand, what a call costs right now, and when the month resets.
type QuotaStatus struct {
	UserID      string
	PlanCode    string
	MonthlyUsed int64
	Remaining   admission.Remaining
	UnitPrice   decimal.Decimal
	ResetAt     time.Time
}

// Quota reports a user's remaining headroom under a plan without spending
// anything. An empty planCode falls back to the plan recorded on the
// user's counter row.
func (s *MeterService) Quota(ctx context.Context, userID, planCode string) (QuotaStatus, error) {
	now := s.clock.Now()

	if userID == "" {
		return QuotaStatus{}, fmt.Errorf("empty user id: %w", ports.ErrInvalid)
	}

	// 1. Read the counter row first: it may name the plan (I/O)
	st, err := s.ledger.State(ctx, userID)
	if err != nil {
		return QuotaStatus{}, err
	}
	if planCode == "" {
		planCode = st.PlanCode
	}

	// 2. Resolve the plan (I/O, cached)
	p, err := s.catalog.Get(ctx, planCode)
	if err != nil {
		return QuotaStatus{}, err
	}

	// 3. Window counts (I/O)
	counts, err := s.ledger.Counts(ctx, userID, now)
	if err != nil {
		return QuotaStatus{}, err
	}

	// 4. Build the snapshot from the rolled view (PURE)
	rolled := quota.Rolled(st, now)
	return QuotaStatus{
		UserID:      userID,
		PlanCode:    p.Code,
		MonthlyUsed: rolled.MonthlyCalls,
		Remaining: admission.Remaining{
			Monthly:   max(0, p.MonthlyCallLimit-rolled.MonthlyCalls),
			Daily:     max(0, p.DailyCallLimit-counts.Daily),
			PerMinute: max(0, p.PerMinuteLimit-counts.PerMinute),
		},
		UnitPrice: pricing.UnitPrice(p, rolled.MonthlyCalls),
		ResetAt:   quota.NextReset(rolled),
	}, nil
}

// RecentEvents returns a user's newest events for account history views.
func (s *MeterService) RecentEvents(ctx context.Context, userID string, limit int) ([]usage.Event, error) {
	if userID == "" {
		return nil, fmt.Errorf("empty user id: %w", ports.ErrInvalid)
	}
	return s.ledger.RecentEvents(ctx, userID, limit)
}

// Summarize aggregates a user's events with requestedAt in [start, end).
func (s *MeterService) Summarize(ctx context.Context, userID string, start, end time.Time) (usage.Summary, error) {
	if userID == "" {
		return usage.Summary{}, fmt.Errorf("empty user id: %w", ports.ErrInvalid)
	}
	if !end.After(start) {
		return usage.Summary{}, fmt.Errorf("summary window must end after it starts: %w", ports.ErrInvalid)
	}
	return s.ledger.Summarize(ctx, userID, start, end)
}

// audit emits one record to the sink. The sink contract is non-blocking,
// so the hot path never waits on observability.
func (s *MeterService) audit(kind, userID, planCode, eventID string, units int64, allowed bool, reason string, at time.Time) {
	if s.sink == nil {
		return
	}
	s.sink.Record(ports.AuditRecord{
		Kind:     kind,
		UserID:   userID,
		PlanCode: planCode,
		EventID:  eventID,
		Units:    units,
		Allowed:  allowed,
		Reason:   reason,
		At:       at,
	})
}

// validateRequest guards the arguments shared by every metering entry point.
// This is a PURE function.
func validateRequest(userID string, units int64) error {
	if userID == "" {
		return fmt.Errorf("empty user id: %w", ports.ErrInvalid)
	}
	if units < 1 {
		return fmt.Errorf("units must be >= 1, got %d: %w", units, ports.ErrInvalid)
	}
	return nil
}
