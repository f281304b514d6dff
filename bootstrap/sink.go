package bootstrap

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/summeter/summeter/adapters/metrics"
	"github.com/summeter/summeter/domain/admission"
	"github.com/summeter/summeter/domain/usage"
	"github.com/summeter/summeter/ports"
)

// AuditSink fans admission decisions and lifecycle transitions out to the
// log and the metrics collector. Record never blocks: a full buffer drops
// the record and counts the drop.
type AuditSink struct {
	ch      chan ports.AuditRecord
	logger  zerolog.Logger
	metrics *metrics.Collector

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Compile-time check that AuditSink implements ports.AuditSink.
var _ ports.AuditSink = (*AuditSink)(nil)

// NewAuditSink creates an audit sink and starts its consumer goroutine.
// buffer caps how many records may queue before Record starts dropping.
func NewAuditSink(logger zerolog.Logger, m *metrics.Collector, buffer int) *AuditSink {
	if buffer <= 0 {
		buffer = 1024
	}

	s := &AuditSink{
		ch:      make(chan ports.AuditRecord, buffer),
		logger:  logger.With().Str("component", "audit").Logger(),
		metrics: m,
		stopCh:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.consume()

	return s
}

// Record queues one audit record. If the buffer is full the record is
// dropped so the admission path never waits on observability.
func (s *AuditSink) Record(rec ports.AuditRecord) {
	select {
	case s.ch <- rec:
	default:
		s.metrics.AuditDropped.Inc()
	}
}

// Close stops the sink after draining whatever is queued. Safe to call
// more than once.
func (s *AuditSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
	return nil
}

func (s *AuditSink) consume() {
	defer s.wg.Done()

	for {
		select {
		case rec := <-s.ch:
			s.handle(rec)
		case <-s.stopCh:
			// Drain queued records before exiting.
			for {
				select {
				case rec := <-s.ch:
					s.handle(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *AuditSink) handle(rec ports.AuditRecord) {
	s.observe(rec)

	evt := s.logger.Debug().
		Str("kind", rec.Kind).
		Str("user_id", rec.UserID).
		Str("plan", rec.PlanCode).
		Int64("units", rec.Units).
		Bool("allowed", rec.Allowed)
	if rec.EventID != "" {
		evt = evt.Str("event_id", rec.EventID)
	}
	if rec.Reason != "" {
		evt = evt.Str("reason", rec.Reason)
	}
	evt.Time("at", rec.At).Msg("audit")
}

// observe translates one record into metric updates. The reaper keeps its
// own sweep counters; the sink only tracks what every close path shares.
func (s *AuditSink) observe(rec ports.AuditRecord) {
	m := s.metrics

	switch rec.Kind {
	case ports.AuditAdmit:
		m.DecisionsTotal.WithLabelValues(outcomeLabel(rec.Allowed), rec.Reason).Inc()

	case ports.AuditOpen:
		m.DecisionsTotal.WithLabelValues(outcomeLabel(rec.Allowed), rec.Reason).Inc()
		if rec.Allowed {
			m.UnitsAdmitted.WithLabelValues(rec.PlanCode).Add(float64(rec.Units))
			m.OpenEvents.Inc()
		} else if rec.Reason == admission.ReasonRaceLost {
			m.RaceLosses.Inc()
		}

	case ports.AuditComplete:
		m.TransitionsTotal.WithLabelValues(string(usage.StateCompleted)).Inc()
		m.OpenEvents.Dec()

	case ports.AuditFail, ports.AuditReap:
		m.TransitionsTotal.WithLabelValues(string(usage.StateFailed)).Inc()
		m.OpenEvents.Dec()

	case ports.AuditRefund:
		if rec.Allowed {
			m.RefundsTotal.Inc()
		}
	}
}

func outcomeLabel(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
