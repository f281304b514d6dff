package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/summeter/summeter/config"
	"github.com/summeter/summeter/domain/plan"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
server:
  host: "127.0.0.1"
  port: 9090
  service_token: "tok-123"

storage:
  driver: "sqlite"
  dsn: "/tmp/meter.db"

admission:
  refund_on_failure: true

catalog:
  ttl: 30s

reaper:
  interval: 15s
  pending_timeout: 2m
  batch_size: 50

audit:
  buffer: 256

plans:
  - code: "pro"
    name: "Pro"
    monthly_call_limit: 50000
    daily_call_limit: 5000
    per_minute_limit: 60
    batch_size_limit: 25
    price_per_call: "0.008"
    volume_discounts:
      - call_threshold: 10000
        multiplier: "0.9"
    features: ["batch_processing"]

logging:
  level: "debug"
  format: "console"
`

	cfg := writeAndLoad(t, content)

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Host = %s, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ServiceToken != "tok-123" {
		t.Errorf("ServiceToken = %s, want tok-123", cfg.Server.ServiceToken)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %s, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN != "/tmp/meter.db" {
		t.Errorf("Storage.DSN = %s, want /tmp/meter.db", cfg.Storage.DSN)
	}
	if !cfg.Admission.RefundOnFailure {
		t.Error("Admission.RefundOnFailure = false, want true")
	}
	if cfg.Catalog.TTL != 30*time.Second {
		t.Errorf("Catalog.TTL = %v, want 30s", cfg.Catalog.TTL)
	}
	if cfg.Reaper.Interval != 15*time.Second {
		t.Errorf("Reaper.Interval = %v, want 15s", cfg.Reaper.Interval)
	}
	if cfg.Reaper.PendingTimeout != 2*time.Minute {
		t.Errorf("Reaper.PendingTimeout = %v, want 2m", cfg.Reaper.PendingTimeout)
	}
	if cfg.Reaper.BatchSize != 50 {
		t.Errorf("Reaper.BatchSize = %d, want 50", cfg.Reaper.BatchSize)
	}
	if cfg.Audit.Buffer != 256 {
		t.Errorf("Audit.Buffer = %d, want 256", cfg.Audit.Buffer)
	}
	if len(cfg.Plans) != 1 {
		t.Fatalf("len(Plans) = %d, want 1", len(cfg.Plans))
	}
	if cfg.Plans[0].Code != "pro" {
		t.Errorf("Plans[0].Code = %s, want pro", cfg.Plans[0].Code)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
	}
}

func TestLoad_Defaults(t *testing.T) {
	content := `
server:
  port: 9090
`

	cfg := writeAndLoad(t, content)

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Host = %s, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("default Storage.Driver = %s, want memory", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN != "summeter.db" {
		t.Errorf("default Storage.DSN = %s, want summeter.db", cfg.Storage.DSN)
	}
	if cfg.Catalog.TTL != 10*time.Second {
		t.Errorf("default Catalog.TTL = %v, want 10s", cfg.Catalog.TTL)
	}
	if cfg.Reaper.Interval != 30*time.Second {
		t.Errorf("default Reaper.Interval = %v, want 30s", cfg.Reaper.Interval)
	}
	if cfg.Reaper.PendingTimeout != 5*time.Minute {
		t.Errorf("default Reaper.PendingTimeout = %v, want 5m", cfg.Reaper.PendingTimeout)
	}
	if cfg.Reaper.BatchSize != 100 {
		t.Errorf("default Reaper.BatchSize = %d, want 100", cfg.Reaper.BatchSize)
	}
	if !cfg.ReaperEnabled() {
		t.Error("default ReaperEnabled() = false, want true")
	}
	if cfg.Audit.Buffer != 1024 {
		t.Errorf("default Audit.Buffer = %d, want 1024", cfg.Audit.Buffer)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default Logging.Level = %s, want info", cfg.Logging.Level)
	}
	if !cfg.MetricsEnabled() {
		t.Error("default MetricsEnabled() = false, want true")
	}

	// Default catalog should be seeded
	if len(cfg.Plans) != 4 {
		t.Fatalf("len(Plans) = %d, want 4 defaults", len(cfg.Plans))
	}
	codes := map[string]bool{}
	for _, pc := range cfg.Plans {
		codes[pc.Code] = true
	}
	for _, want := range []string{"free", "starter", "pro", "enterprise"} {
		if !codes[want] {
			t.Errorf("default plans missing %q", want)
		}
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	os.Setenv("TEST_METER_TOKEN", "expanded-token")
	defer os.Unsetenv("TEST_METER_TOKEN")

	content := `
server:
  service_token: "${TEST_METER_TOKEN}"
`

	cfg := writeAndLoad(t, content)

	if cfg.Server.ServiceToken != "expanded-token" {
		t.Errorf("ServiceToken = %s, want expanded-token", cfg.Server.ServiceToken)
	}
}

func TestLoad_InvalidDriver(t *testing.T) {
	content := `
storage:
  driver: "postgres"
`
	_, err := writeAndLoadErr(t, content)
	if err == nil {
		t.Fatal("expected error for invalid storage.driver")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	content := `
logging:
  level: "verbose"
`
	_, err := writeAndLoadErr(t, content)
	if err == nil {
		t.Fatal("expected error for invalid logging.level")
	}
}

func TestLoad_PlanMissingCode(t *testing.T) {
	content := `
plans:
  - name: "No Code Plan"
    monthly_call_limit: 100
    price_per_call: "0.01"
`
	_, err := writeAndLoadErr(t, content)
	if err == nil {
		t.Fatal("expected error for plan without code")
	}
}

func TestLoad_DuplicatePlanCode(t *testing.T) {
	content := `
plans:
  - code: "free"
    name: "Free"
    monthly_call_limit: 100
  - code: "free"
    name: "Also Free"
    monthly_call_limit: 200
`
	_, err := writeAndLoadErr(t, content)
	if err == nil {
		t.Fatal("expected error for duplicate plan codes")
	}
}

func TestLoad_InvalidPlanPrice(t *testing.T) {
	content := `
plans:
  - code: "bad"
    name: "Bad"
    monthly_call_limit: 100
    price_per_call: "not-a-number"
`
	_, err := writeAndLoadErr(t, content)
	if err == nil {
		t.Fatal("expected error for unparseable price")
	}
}

func TestLoad_InvalidDiscountMultiplier(t *testing.T) {
	content := `
plans:
  - code: "bad"
    name: "Bad"
    monthly_call_limit: 100
    price_per_call: "0.01"
    volume_discounts:
      - call_threshold: 1000
        multiplier: "1.5"
`
	_, err := writeAndLoadErr(t, content)
	if err == nil {
		t.Fatal("expected error for multiplier above 1")
	}
}

func TestLoad_InvalidReaperInterval(t *testing.T) {
	content := `
reaper:
  interval: -10s
`
	_, err := writeAndLoadErr(t, content)
	if err == nil {
		t.Fatal("expected error for negative reaper.interval")
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("SUMMETER_SERVER_PORT", "9999")
	os.Setenv("SUMMETER_STORAGE_DRIVER", "sqlite")
	os.Setenv("SUMMETER_STORAGE_DSN", "/tmp/env-test.db")
	os.Setenv("SUMMETER_REFUND_ON_FAILURE", "true")
	os.Setenv("SUMMETER_CATALOG_TTL", "45s")
	os.Setenv("SUMMETER_REAPER_INTERVAL", "10s")
	os.Setenv("SUMMETER_LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("SUMMETER_SERVER_PORT")
		os.Unsetenv("SUMMETER_STORAGE_DRIVER")
		os.Unsetenv("SUMMETER_STORAGE_DSN")
		os.Unsetenv("SUMMETER_REFUND_ON_FAILURE")
		os.Unsetenv("SUMMETER_CATALOG_TTL")
		os.Unsetenv("SUMMETER_REAPER_INTERVAL")
		os.Unsetenv("SUMMETER_LOG_LEVEL")
	}()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv error: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %s, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN != "/tmp/env-test.db" {
		t.Errorf("Storage.DSN = %s, want /tmp/env-test.db", cfg.Storage.DSN)
	}
	if !cfg.Admission.RefundOnFailure {
		t.Error("Admission.RefundOnFailure = false, want true")
	}
	if cfg.Catalog.TTL != 45*time.Second {
		t.Errorf("Catalog.TTL = %v, want 45s", cfg.Catalog.TTL)
	}
	if cfg.Reaper.Interval != 10*time.Second {
		t.Errorf("Reaper.Interval = %v, want 10s", cfg.Reaper.Interval)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	os.Setenv("SUMMETER_SERVER_PORT", "7777")
	os.Setenv("SUMMETER_LOG_LEVEL", "error")
	defer func() {
		os.Unsetenv("SUMMETER_SERVER_PORT")
		os.Unsetenv("SUMMETER_LOG_LEVEL")
	}()

	content := `
server:
  host: "10.0.0.1"
  port: 8080
logging:
  level: "info"
`

	cfg := writeAndLoad(t, content)

	// Env should override file
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777 (env override)", cfg.Server.Port)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level = %s, want error (env override)", cfg.Logging.Level)
	}
	// File value should still be used for non-overridden
	if cfg.Server.Host != "10.0.0.1" {
		t.Errorf("Server.Host = %s, want 10.0.0.1", cfg.Server.Host)
	}
}

func TestLoadWithFallback_FileExists(t *testing.T) {
	content := `
server:
  port: 6060
`

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadWithFallback(path)
	if err != nil {
		t.Fatalf("LoadWithFallback error: %v", err)
	}

	if cfg.Server.Port != 6060 {
		t.Errorf("Server.Port = %d, want 6060", cfg.Server.Port)
	}
}

func TestLoadWithFallback_MissingFile(t *testing.T) {
	os.Setenv("SUMMETER_SERVER_PORT", "5050")
	defer os.Unsetenv("SUMMETER_SERVER_PORT")

	cfg, err := config.LoadWithFallback("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("LoadWithFallback error: %v", err)
	}

	if cfg.Server.Port != 5050 {
		t.Errorf("Server.Port = %d, want 5050 (env fallback)", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("Storage.Driver = %s, want memory (default)", cfg.Storage.Driver)
	}
}

func TestParseBoolValues(t *testing.T) {
	tests := []struct {
		value    string
		expected bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"yes", true},
		{"on", true},
		{"false", false},
		{"0", false},
		{"no", false},
		{"off", false},
		{"invalid", false},
	}

	for _, tt := range tests {
		os.Setenv("SUMMETER_REFUND_ON_FAILURE", tt.value)

		cfg, err := config.LoadFromEnv()
		if err != nil {
			t.Fatalf("LoadFromEnv error: %v", err)
		}

		if cfg.Admission.RefundOnFailure != tt.expected {
			t.Errorf("value=%q: RefundOnFailure = %v, want %v", tt.value, cfg.Admission.RefundOnFailure, tt.expected)
		}

		os.Unsetenv("SUMMETER_REFUND_ON_FAILURE")
	}
}

func TestEnvOverrides_DisableFlags(t *testing.T) {
	os.Setenv("SUMMETER_REAPER_ENABLED", "false")
	os.Setenv("SUMMETER_METRICS_ENABLED", "false")
	defer func() {
		os.Unsetenv("SUMMETER_REAPER_ENABLED")
		os.Unsetenv("SUMMETER_METRICS_ENABLED")
	}()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv error: %v", err)
	}

	if cfg.ReaperEnabled() {
		t.Error("ReaperEnabled() = true, want false")
	}
	if cfg.MetricsEnabled() {
		t.Error("MetricsEnabled() = true, want false")
	}
}

func TestEnvOverrides_InvalidValues(t *testing.T) {
	os.Setenv("SUMMETER_SERVER_PORT", "not-a-number")
	os.Setenv("SUMMETER_CATALOG_TTL", "not-a-duration")
	defer func() {
		os.Unsetenv("SUMMETER_SERVER_PORT")
		os.Unsetenv("SUMMETER_CATALOG_TTL")
	}()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv error: %v", err)
	}

	// Should use defaults when env vars are invalid
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080 (default)", cfg.Server.Port)
	}
	if cfg.Catalog.TTL != 10*time.Second {
		t.Errorf("Catalog.TTL = %v, want 10s (default)", cfg.Catalog.TTL)
	}
}

func TestPlanConfig_ToPlan(t *testing.T) {
	now := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)

	pc := config.PlanConfig{
		Code:             "pro",
		Name:             "Pro",
		MonthlyCallLimit: 50000,
		DailyCallLimit:   5000,
		PerMinuteLimit:   60,
		BatchSizeLimit:   25,
		PricePerCall:     "0.008",
		VolumeDiscounts: []config.DiscountConfig{
			{CallThreshold: 10000, Multiplier: "0.9"},
		},
		Features: []string{plan.FeatureBatch},
	}

	p, err := pc.ToPlan(now)
	if err != nil {
		t.Fatalf("ToPlan error: %v", err)
	}

	if p.Code != "pro" {
		t.Errorf("Code = %s, want pro", p.Code)
	}
	if p.PricePerCall.String() != "0.008" {
		t.Errorf("PricePerCall = %s, want 0.008", p.PricePerCall)
	}
	if !p.Active {
		t.Error("Active = false, want true when omitted")
	}
	if !p.HasFeature(plan.FeatureBatch) {
		t.Error("expected batch feature flag")
	}
	if len(p.VolumeDiscounts) != 1 || p.VolumeDiscounts[0].Multiplier.String() != "0.9" {
		t.Errorf("VolumeDiscounts = %v, want one 0.9 tier", p.VolumeDiscounts)
	}
	if !p.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", p.UpdatedAt, now)
	}
}

func TestPlanConfig_ToPlan_Defaults(t *testing.T) {
	now := time.Now().UTC()

	inactive := false
	pc := config.PlanConfig{
		Code:             "legacy",
		Name:             "Legacy",
		MonthlyCallLimit: 100,
		Active:           &inactive,
	}

	p, err := pc.ToPlan(now)
	if err != nil {
		t.Fatalf("ToPlan error: %v", err)
	}

	// Omitted batch size means single calls; omitted price means free.
	if p.BatchSizeLimit != 1 {
		t.Errorf("BatchSizeLimit = %d, want 1", p.BatchSizeLimit)
	}
	if !p.PricePerCall.IsZero() {
		t.Errorf("PricePerCall = %s, want 0", p.PricePerCall)
	}
	if p.Active {
		t.Error("Active = true, want false when explicitly disabled")
	}
}

func TestDefaultPlans_AllValid(t *testing.T) {
	now := time.Now().UTC()
	for _, pc := range config.DefaultPlans() {
		if _, err := pc.ToPlan(now); err != nil {
			t.Errorf("default plan %s invalid: %v", pc.Code, err)
		}
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	content := `
server:
  port: 8080
  this is not valid yaml: [
`
	_, err := writeAndLoadErr(t, content)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := config.Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

// Helpers

func writeAndLoad(t *testing.T, content string) *config.Config {
	t.Helper()
	cfg, err := writeAndLoadErr(t, content)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	return cfg
}

func writeAndLoadErr(t *testing.T, content string) (*config.Config, error) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return config.Load(path)
}
