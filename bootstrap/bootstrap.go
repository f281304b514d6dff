// Package bootstrap wires configuration, storage, services, and the HTTP
// server into a runnable metering engine.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/summeter/summeter/adapters/clock"
	apihttp "github.com/summeter/summeter/adapters/http"
	"github.com/summeter/summeter/adapters/idgen"
	"github.com/summeter/summeter/adapters/memory"
	"github.com/summeter/summeter/adapters/metrics"
	redisstore "github.com/summeter/summeter/adapters/redis"
	"github.com/summeter/summeter/adapters/sqlite"
	"github.com/summeter/summeter/app"
	"github.com/summeter/summeter/config"
	"github.com/summeter/summeter/ports"
)

// App is the wired engine: storage, meter service, reaper, audit sink,
// and the HTTP server in front of them.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	HTTPServer *http.Server
	Metrics    *metrics.Collector

	Meter   *app.MeterService
	Catalog *app.Catalog

	ledger ports.Ledger
	plans  ports.PlanStore
	reaper *app.Reaper
	sink   *AuditSink
	holder *config.Holder

	// reaperRunning is set by Run; Stop on a never-started reaper would
	// wait forever on its loop.
	reaperRunning bool

	// Backend handles held for cleanup; at most one is non-nil.
	db  *sqlite.DB
	rdb *redisstore.Client
}

// Options tunes wiring that production never overrides.
type Options struct {
	// Version is reported by GET /version. Empty means "dev".
	Version string

	// Registry overrides the Prometheus registry. Tests pass a private
	// registry so repeated bootstraps do not collide on the default one.
	Registry prometheus.Registerer
}

// New wires an engine from configuration.
func New(cfg *config.Config) (*App, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions wires an engine with explicit options.
func NewWithOptions(cfg *config.Config, opts Options) (*App, error) {
	logger := NewLogger(cfg.Logging)

	logger.Info().
		Str("driver", cfg.Storage.Driver).
		Msg("initializing summeter")

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	a := &App{
		Logger:  logger,
		Config:  cfg,
		Metrics: metrics.NewWithRegistry(reg),
	}

	if err := a.initStorage(); err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	a.initServices()

	if err := a.seedPlans(context.Background(), cfg); err != nil {
		a.closeStores()
		return nil, fmt.Errorf("seed plans: %w", err)
	}

	a.initHTTPServer(opts.Version)

	return a, nil
}

// initStorage opens the ledger and plan store named by the storage driver.
func (a *App) initStorage() error {
	st := a.Config.Storage

	switch st.Driver {
	case "memory":
		a.ledger = memory.NewLedger(memory.LedgerConfig{})
		a.plans = memory.NewPlanStore()
		a.Logger.Info().Msg("using in-memory storage")

	case "sqlite":
		db, err := sqlite.Open(st.DSN)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return fmt.Errorf("migrate sqlite: %w", err)
		}
		a.db = db
		a.ledger = sqlite.NewLedger(db)
		a.plans = sqlite.NewPlanStore(db)
		a.Logger.Info().Str("dsn", st.DSN).Msg("sqlite storage ready")

	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client, err := redisstore.Open(ctx, redisstore.Config{
			Addr:     st.Redis.Addr,
			Password: st.Redis.Password,
			DB:       st.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		a.rdb = client
		a.ledger = redisstore.NewLedger(client)
		a.plans = redisstore.NewPlanStore(client)
		a.Logger.Info().Str("addr", st.Redis.Addr).Msg("redis storage ready")

	default:
		return fmt.Errorf("unknown storage driver %q", st.Driver)
	}

	return nil
}

// initServices builds the audit sink, catalog, meter service, and reaper
// on top of the opened stores.
func (a *App) initServices() {
	cfg := a.Config

	a.sink = NewAuditSink(a.Logger, a.Metrics, cfg.Audit.Buffer)
	a.Catalog = app.NewCatalog(a.plans, clock.Real{}, cfg.Catalog.TTL)

	a.Meter = app.NewMeterService(app.MeterDeps{
		Catalog: a.Catalog,
		Ledger:  a.ledger,
		Clock:   clock.Real{},
		IDGen:   idgen.UUID{},
		Sink:    a.sink,
		Logger:  a.Logger,
	}, app.MeterConfig{
		RefundOnFailure: cfg.Admission.RefundOnFailure,
	})

	if cfg.ReaperEnabled() {
		a.reaper = app.NewReaper(a.Meter, a.Logger, a.Metrics, app.ReaperConfig{
			Interval:       cfg.Reaper.Interval,
			PendingTimeout: cfg.Reaper.PendingTimeout,
			BatchSize:      cfg.Reaper.BatchSize,
		})
	} else {
		a.Logger.Info().Msg("reaper disabled")
	}
}

// seedPlans upserts the configured plans into the store and warms the
// catalog. Plans created through the API and absent from the config file
// are left untouched.
func (a *App) seedPlans(ctx context.Context, cfg *config.Config) error {
	now := time.Now().UTC()

	for _, pc := range cfg.Plans {
		p, err := pc.ToPlan(now)
		if err != nil {
			return err
		}
		if err := a.plans.Put(ctx, p); err != nil {
			return fmt.Errorf("seed plan %s: %w", p.Code, err)
		}
	}

	if err := a.Catalog.Reload(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("catalog warm-up failed")
	}

	a.Logger.Info().Int("count", len(cfg.Plans)).Msg("plans seeded")
	return nil
}

// initHTTPServer builds the router and the server in front of it.
func (a *App) initHTTPServer(version string) {
	cfg := a.Config

	handler := apihttp.NewHandler(apihttp.HandlerConfig{
		Meter:   a.Meter,
		Catalog: a.Catalog,
		Plans:   a.plans,
		Logger:  a.Logger,
		Version: version,
	})

	var collector *metrics.Collector
	if cfg.MetricsEnabled() {
		collector = a.Metrics
	}

	router := apihttp.NewRouter(handler, a.Logger, apihttp.RouterConfig{
		ServiceToken: cfg.Server.ServiceToken,
		Metrics:      collector,
	})

	a.HTTPServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// AttachHolder subscribes the app to config reloads. Plan changes reseed
// the store and the log level applies immediately; everything under
// config.NonReloadableFields keeps its boot-time value.
func (a *App) AttachHolder(h *config.Holder) {
	a.holder = h

	h.OnChange(func(cfg *config.Config) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := a.seedPlans(ctx, cfg); err != nil {
			a.Logger.Error().Err(err).Msg("reseed plans after reload")
		}

		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}

		a.Metrics.ConfigReloads.Inc()
		a.Metrics.ConfigLastReload.SetToCurrentTime()
	})

	h.OnError(func(error) {
		a.Metrics.ConfigReloadErrors.Inc()
	})
}

// Run starts the engine and blocks until SIGINT/SIGTERM or a server
// failure, then shuts down cleanly.
func (a *App) Run() error {
	if a.reaper != nil {
		a.reaper.Start()
		a.reaperRunning = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("http server listening")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown()
	})

	return g.Wait()
}

// Shutdown stops the engine in dependency order: stop accepting requests,
// stop the reaper, drain the audit sink, then close the store behind them.
func (a *App) Shutdown() error {
	a.Logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	fail := func(err error, msg string) {
		a.Logger.Error().Err(err).Msg(msg)
		if firstErr == nil {
			firstErr = err
		}
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			fail(err, "http server shutdown")
		}
	}

	if a.holder != nil {
		a.holder.Stop()
	}

	if a.reaper != nil && a.reaperRunning {
		a.reaper.Stop()
	}

	if err := a.sink.Close(); err != nil {
		fail(err, "audit sink close")
	}

	if err := a.closeStores(); err != nil {
		fail(err, "store close")
	}

	a.Logger.Info().Msg("shutdown complete")
	return firstErr
}

func (a *App) closeStores() error {
	if a.db != nil {
		return a.db.Close()
	}
	if a.rdb != nil {
		return a.rdb.Close()
	}
	return nil
}

// NewLogger builds the process logger from logging config.
func NewLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
