// Package metrics provides Prometheus metrics collection for summeter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for summeter.
type Collector struct {
	// Admission metrics
	DecisionsTotal *prometheus.CounterVec // outcome, reason
	RaceLosses     prometheus.Counter
	UnitsAdmitted  *prometheus.CounterVec // plan

	// Event lifecycle metrics
	OpenEvents       prometheus.Gauge
	TransitionsTotal *prometheus.CounterVec // to
	RefundsTotal     prometheus.Counter

	// Reaper metrics
	ReaperSweeps prometheus.Counter
	ReaperReaped prometheus.Counter
	ReaperErrors prometheus.Counter

	// Audit sink metrics
	AuditDropped prometheus.Counter

	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec   // method, path, status
	RequestDuration  *prometheus.HistogramVec // method, path
	RequestsInFlight prometheus.Gauge

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a metrics collector registered on the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a metrics collector on a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		// Admission metrics
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "summeter",
				Name:      "admission_decisions_total",
				Help:      "Admission decisions by outcome and deny reason",
			},
			[]string{"outcome", "reason"},
		),
		RaceLosses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "summeter",
				Name:      "admission_races_total",
				Help:      "Opens that passed the advisory check but lost the atomic step",
			},
		),
		UnitsAdmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "summeter",
				Name:      "admission_units_total",
				Help:      "Units admitted (batch requests count each unit)",
			},
			[]string{"plan"},
		),

		// Event lifecycle metrics
		OpenEvents: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "summeter",
				Name:      "events_open",
				Help:      "Usage events currently in the pending state",
			},
		),
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "summeter",
				Name:      "event_transitions_total",
				Help:      "Pending events closed, by terminal state",
			},
			[]string{"to"},
		),
		RefundsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "summeter",
				Name:      "refunds_total",
				Help:      "Monthly-counter refunds issued for failed events",
			},
		),

		// Reaper metrics
		ReaperSweeps: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "summeter",
				Name:      "reaper_sweeps_total",
				Help:      "Reaper sweeps executed",
			},
		),
		ReaperReaped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "summeter",
				Name:      "reaper_reaped_total",
				Help:      "Stale pending events closed as timeouts by the reaper",
			},
		),
		ReaperErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "summeter",
				Name:      "reaper_errors_total",
				Help:      "Reaper sweeps skipped or cut short by storage errors",
			},
		),

		// Audit sink metrics
		AuditDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "summeter",
				Name:      "audit_dropped_total",
				Help:      "Audit records dropped because the sink buffer was full",
			},
		),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "summeter",
				Name:      "http_requests_total",
				Help:      "HTTP requests processed",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "summeter",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "summeter",
				Name:      "http_requests_in_flight",
				Help:      "HTTP requests currently being processed",
			},
		),

		// Config metrics
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "summeter",
				Name:      "config_reloads_total",
				Help:      "Successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "summeter",
				Name:      "config_reload_errors_total",
				Help:      "Config reloads rejected by validation or parse errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "summeter",
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of the last successful config reload",
			},
		),
	}
}
