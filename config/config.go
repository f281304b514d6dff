// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/summeter/summeter/domain/plan"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Admission AdmissionConfig `yaml:"admission"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Audit     AuditConfig     `yaml:"audit"`
	Plans     []PlanConfig    `yaml:"plans"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// ServiceToken guards the /v1 API when set. Empty leaves the API open,
	// which is only sensible behind a trusted network boundary.
	ServiceToken string `yaml:"service_token,omitempty"`
}

// StorageConfig selects and configures the ledger/plan backend.
type StorageConfig struct {
	Driver string      `yaml:"driver"` // "memory", "sqlite" or "redis"
	DSN    string      `yaml:"dsn"`    // sqlite file path
	Redis  RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// AdmissionConfig configures admission policy knobs.
type AdmissionConfig struct {
	// RefundOnFailure returns a failed call's units to the monthly counter.
	// Off by default: failed calls consumed upstream work.
	RefundOnFailure bool `yaml:"refund_on_failure"`
}

// CatalogConfig configures the plan catalog cache.
type CatalogConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// ReaperConfig configures the stale-pending sweeper.
type ReaperConfig struct {
	Enabled        *bool         `yaml:"enabled,omitempty"` // nil means enabled
	Interval       time.Duration `yaml:"interval"`
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	BatchSize      int           `yaml:"batch_size"`
}

// AuditConfig configures the audit sink.
type AuditConfig struct {
	Buffer int `yaml:"buffer"`
}

// PlanConfig configures a subscription plan.
type PlanConfig struct {
	Code             string           `yaml:"code"`
	Name             string           `yaml:"name"`
	MonthlyCallLimit int64            `yaml:"monthly_call_limit"`
	DailyCallLimit   int64            `yaml:"daily_call_limit"`
	PerMinuteLimit   int64            `yaml:"per_minute_limit"`
	BatchSizeLimit   int              `yaml:"batch_size_limit"`
	PricePerCall     string           `yaml:"price_per_call"`
	VolumeDiscounts  []DiscountConfig `yaml:"volume_discounts,omitempty"`
	Features         []string         `yaml:"features,omitempty"`
	Active           *bool            `yaml:"active,omitempty"` // nil means active
}

// DiscountConfig configures one volume discount tier.
type DiscountConfig struct {
	CallThreshold int64  `yaml:"call_threshold"`
	Multiplier    string `yaml:"multiplier"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"` // nil means enabled
}

// ToPlan converts the config entry to a domain plan, validating it.
func (pc PlanConfig) ToPlan(now time.Time) (plan.Plan, error) {
	price := decimal.Zero
	if pc.PricePerCall != "" {
		var err error
		price, err = decimal.NewFromString(pc.PricePerCall)
		if err != nil {
			return plan.Plan{}, fmt.Errorf("plan %s: price_per_call: %w", pc.Code, err)
		}
	}

	batchSize := pc.BatchSizeLimit
	if batchSize == 0 {
		// An omitted batch size means single calls only.
		batchSize = 1
	}

	p := plan.Plan{
		Code:             pc.Code,
		Name:             pc.Name,
		MonthlyCallLimit: pc.MonthlyCallLimit,
		DailyCallLimit:   pc.DailyCallLimit,
		PerMinuteLimit:   pc.PerMinuteLimit,
		BatchSizeLimit:   batchSize,
		PricePerCall:     price,
		Active:           pc.Active == nil || *pc.Active,
		UpdatedAt:        now,
	}
	for _, d := range pc.VolumeDiscounts {
		mult, err := decimal.NewFromString(d.Multiplier)
		if err != nil {
			return plan.Plan{}, fmt.Errorf("plan %s: discount multiplier: %w", pc.Code, err)
		}
		p.VolumeDiscounts = append(p.VolumeDiscounts, plan.DiscountTier{
			CallThreshold: d.CallThreshold,
			Multiplier:    mult,
		})
	}
	if len(pc.Features) > 0 {
		p.Features = make(map[string]bool, len(pc.Features))
		for _, name := range pc.Features {
			p.Features[name] = true
		}
	}

	if err := plan.Validate(p); err != nil {
		return plan.Plan{}, err
	}
	return p, nil
}

// ReaperEnabled reports whether the reaper should run.
func (c *Config) ReaperEnabled() bool {
	return c.Reaper.Enabled == nil || *c.Reaper.Enabled
}

// MetricsEnabled reports whether request metrics should be collected.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(&cfg)

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
// The defaults run a self-contained in-memory engine, so this always
// succeeds with valid overrides; it is the path Docker deployments take.
//
// Environment variables:
//
//	SUMMETER_SERVER_HOST        - Server host (default: 0.0.0.0)
//	SUMMETER_SERVER_PORT        - Server port (default: 8080)
//	SUMMETER_SERVICE_TOKEN      - Bearer token guarding the /v1 API
//	SUMMETER_STORAGE_DRIVER     - memory, sqlite or redis (default: memory)
//	SUMMETER_STORAGE_DSN        - sqlite file path (default: summeter.db)
//	SUMMETER_REDIS_ADDR         - redis address (default: 127.0.0.1:6379)
//	SUMMETER_REDIS_PASSWORD     - redis password
//	SUMMETER_REDIS_DB           - redis database number
//	SUMMETER_REFUND_ON_FAILURE  - refund monthly units on failed calls
//	SUMMETER_CATALOG_TTL        - plan cache TTL (default: 10s)
//	SUMMETER_REAPER_ENABLED     - run the stale-pending sweeper (default: true)
//	SUMMETER_REAPER_INTERVAL    - sweep interval (default: 30s)
//	SUMMETER_REAPER_TIMEOUT     - age after which pending events fail (default: 5m)
//	SUMMETER_REAPER_BATCH       - max events per sweep (default: 100)
//	SUMMETER_AUDIT_BUFFER       - audit sink buffer size (default: 1024)
//	SUMMETER_LOG_LEVEL          - debug, info, warn, error (default: info)
//	SUMMETER_LOG_FORMAT         - json or console (default: json)
//	SUMMETER_METRICS_ENABLED    - collect request metrics (default: true)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback loads from the file when it exists and falls back to
// environment variables plus defaults otherwise.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies SUMMETER_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("SUMMETER_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SUMMETER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SUMMETER_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("SUMMETER_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}
	if v := os.Getenv("SUMMETER_SERVICE_TOKEN"); v != "" {
		cfg.Server.ServiceToken = v
	}

	// Storage configuration
	if v := os.Getenv("SUMMETER_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("SUMMETER_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("SUMMETER_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("SUMMETER_REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("SUMMETER_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.Redis.DB = n
		}
	}

	// Admission configuration
	if v := os.Getenv("SUMMETER_REFUND_ON_FAILURE"); v != "" {
		cfg.Admission.RefundOnFailure = parseBool(v)
	}

	// Catalog configuration
	if v := os.Getenv("SUMMETER_CATALOG_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Catalog.TTL = d
		}
	}

	// Reaper configuration
	if v := os.Getenv("SUMMETER_REAPER_ENABLED"); v != "" {
		b := parseBool(v)
		cfg.Reaper.Enabled = &b
	}
	if v := os.Getenv("SUMMETER_REAPER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reaper.Interval = d
		}
	}
	if v := os.Getenv("SUMMETER_REAPER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reaper.PendingTimeout = d
		}
	}
	if v := os.Getenv("SUMMETER_REAPER_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reaper.BatchSize = n
		}
	}

	// Audit configuration
	if v := os.Getenv("SUMMETER_AUDIT_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Audit.Buffer = n
		}
	}

	// Logging configuration
	if v := os.Getenv("SUMMETER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SUMMETER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("SUMMETER_METRICS_ENABLED"); v != "" {
		b := parseBool(v)
		cfg.Metrics.Enabled = &b
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "summeter.db"
	}
	if cfg.Storage.Redis.Addr == "" {
		cfg.Storage.Redis.Addr = "127.0.0.1:6379"
	}

	if cfg.Catalog.TTL == 0 {
		cfg.Catalog.TTL = 10 * time.Second
	}

	if cfg.Reaper.Interval == 0 {
		cfg.Reaper.Interval = 30 * time.Second
	}
	if cfg.Reaper.PendingTimeout == 0 {
		cfg.Reaper.PendingTimeout = 5 * time.Minute
	}
	if cfg.Reaper.BatchSize == 0 {
		cfg.Reaper.BatchSize = 100
	}

	if cfg.Audit.Buffer == 0 {
		cfg.Audit.Buffer = 1024
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Default plan catalog if none configured
	if len(cfg.Plans) == 0 {
		cfg.Plans = DefaultPlans()
	}
}

// DefaultPlans is the catalog seeded when no plans are configured.
func DefaultPlans() []PlanConfig {
	return []PlanConfig{
		{
			Code:             "free",
			Name:             "Free",
			MonthlyCallLimit: 100,
			DailyCallLimit:   25,
			PerMinuteLimit:   2,
			BatchSizeLimit:   1,
			PricePerCall:     "0",
		},
		{
			Code:             "starter",
			Name:             "Starter",
			MonthlyCallLimit: 2000,
			DailyCallLimit:   200,
			PerMinuteLimit:   10,
			BatchSizeLimit:   1,
			PricePerCall:     "0.01",
		},
		{
			Code:             "pro",
			Name:             "Pro",
			MonthlyCallLimit: 50000,
			DailyCallLimit:   5000,
			PerMinuteLimit:   60,
			BatchSizeLimit:   25,
			PricePerCall:     "0.008",
			VolumeDiscounts: []DiscountConfig{
				{CallThreshold: 10000, Multiplier: "0.9"},
				{CallThreshold: 25000, Multiplier: "0.8"},
			},
			Features: []string{plan.FeatureBatch},
		},
		{
			Code:             "enterprise",
			Name:             "Enterprise",
			MonthlyCallLimit: 1000000000,
			DailyCallLimit:   100000000,
			PerMinuteLimit:   600,
			BatchSizeLimit:   100,
			PricePerCall:     "0.005",
			VolumeDiscounts: []DiscountConfig{
				{CallThreshold: 100000, Multiplier: "0.85"},
				{CallThreshold: 1000000, Multiplier: "0.7"},
			},
			Features: []string{plan.FeatureBatch},
		},
	}
}

func validate(cfg *Config) error {
	validDrivers := map[string]bool{"memory": true, "sqlite": true, "redis": true}
	if !validDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("storage.driver must be 'memory', 'sqlite' or 'redis', got %q", cfg.Storage.Driver)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got %q", cfg.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	if cfg.Catalog.TTL < 0 {
		return fmt.Errorf("catalog.ttl must not be negative")
	}
	if cfg.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper.interval must be positive")
	}
	if cfg.Reaper.PendingTimeout <= 0 {
		return fmt.Errorf("reaper.pending_timeout must be positive")
	}
	if cfg.Reaper.BatchSize <= 0 {
		return fmt.Errorf("reaper.batch_size must be positive")
	}
	if cfg.Audit.Buffer <= 0 {
		return fmt.Errorf("audit.buffer must be positive")
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(cfg.Plans))
	for i, pc := range cfg.Plans {
		if pc.Code == "" {
			return fmt.Errorf("plans[%d].code is required", i)
		}
		if seen[pc.Code] {
			return fmt.Errorf("plans[%d]: duplicate code %q", i, pc.Code)
		}
		seen[pc.Code] = true
		if _, err := pc.ToPlan(now); err != nil {
			return fmt.Errorf("plans[%d]: %w", i, err)
		}
	}

	return nil
}
