package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/summeter/summeter/adapters/metrics"
)

func TestNewWithRegistry(t *testing.T) {
	// Use a new registry to avoid conflicts with other tests
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	if m == nil {
		t.Fatal("NewWithRegistry returned nil")
	}

	// Verify all metrics are initialized
	if m.DecisionsTotal == nil {
		t.Error("DecisionsTotal is nil")
	}
	if m.RaceLosses == nil {
		t.Error("RaceLosses is nil")
	}
	if m.UnitsAdmitted == nil {
		t.Error("UnitsAdmitted is nil")
	}
	if m.OpenEvents == nil {
		t.Error("OpenEvents is nil")
	}
	if m.TransitionsTotal == nil {
		t.Error("TransitionsTotal is nil")
	}
	if m.RefundsTotal == nil {
		t.Error("RefundsTotal is nil")
	}
	if m.ReaperSweeps == nil {
		t.Error("ReaperSweeps is nil")
	}
	if m.AuditDropped == nil {
		t.Error("AuditDropped is nil")
	}
	if m.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.ConfigReloads == nil {
		t.Error("ConfigReloads is nil")
	}
}

func TestDecisionsTotal(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.DecisionsTotal.WithLabelValues("allow", "").Inc()
	m.DecisionsTotal.WithLabelValues("deny", "monthly-limit-exceeded").Add(5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "summeter_admission_decisions_total" {
			found = true
			if len(f.GetMetric()) != 2 {
				t.Errorf("expected 2 metric series, got %d", len(f.GetMetric()))
			}
		}
	}
	if !found {
		t.Error("summeter_admission_decisions_total metric not found")
	}
}

func TestOpenEventsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	// Two opens, one close.
	m.OpenEvents.Inc()
	m.OpenEvents.Inc()
	m.OpenEvents.Dec()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "summeter_events_open" {
			found = true
			val := f.GetMetric()[0].GetGauge().GetValue()
			if val != 1 {
				t.Errorf("expected value 1, got %f", val)
			}
		}
	}
	if !found {
		t.Error("summeter_events_open metric not found")
	}
}

func TestTransitionsTotal(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.TransitionsTotal.WithLabelValues("completed").Inc()
	m.TransitionsTotal.WithLabelValues("failed").Inc()
	m.TransitionsTotal.WithLabelValues("failed").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "summeter_event_transitions_total" {
			found = true
			if len(f.GetMetric()) != 2 {
				t.Errorf("expected 2 metric series, got %d", len(f.GetMetric()))
			}
		}
	}
	if !found {
		t.Error("summeter_event_transitions_total metric not found")
	}
}

func TestReaperCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.ReaperSweeps.Inc()
	m.ReaperReaped.Add(3)
	m.ReaperErrors.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}

	want := map[string]bool{
		"summeter_reaper_sweeps_total": false,
		"summeter_reaper_reaped_total": false,
		"summeter_reaper_errors_total": false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("%s metric not found", name)
		}
	}
}

func TestRequestDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.RequestDuration.WithLabelValues("POST", "/v1/events").Observe(0.05)
	m.RequestDuration.WithLabelValues("POST", "/v1/events").Observe(0.1)
	m.RequestDuration.WithLabelValues("GET", "/v1/users/{id}/quota").Observe(0.002)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "summeter_http_request_duration_seconds" {
			found = true
			if len(f.GetMetric()) != 2 {
				t.Errorf("expected 2 metric series, got %d", len(f.GetMetric()))
			}
		}
	}
	if !found {
		t.Error("summeter_http_request_duration_seconds metric not found")
	}
}

func TestConfigReloads(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.ConfigReloads.Inc()
	m.ConfigLastReload.SetToCurrentTime()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}

	foundReloads := false
	foundLastReload := false
	for _, f := range families {
		if f.GetName() == "summeter_config_reloads_total" {
			foundReloads = true
		}
		if f.GetName() == "summeter_config_last_reload_timestamp" {
			foundLastReload = true
		}
	}
	if !foundReloads {
		t.Error("summeter_config_reloads_total metric not found")
	}
	if !foundLastReload {
		t.Error("summeter_config_last_reload_timestamp metric not found")
	}
}
