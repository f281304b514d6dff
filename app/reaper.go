package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/summeter/summeter/adapters/metrics"
	"github.com/summeter/summeter/domain/usage"
	"github.com/summeter/summeter/ports"
)

// sweepTimeout bounds one reaper pass against a slow store.
const sweepTimeout = 10 * time.Second

// Reaper force-fails events stuck pending past the timeout, so callers
// that opened an event and then crashed cannot hold short-window slots
// forever. Reaped events close with the timeout error class and follow
// the same refund policy as any other failure.
type Reaper struct {
	meter   *MeterService
	ledger  ports.Ledger
	clock   ports.Clock
	logger  zerolog.Logger
	metrics *metrics.Collector

	interval time.Duration
	timeout  time.Duration
	batch    int

	stop chan struct{}
	done chan struct{}
}

// ReaperConfig contains configuration for the Reaper.
type ReaperConfig struct {
	Interval       time.Duration // sweep cadence (default 30s)
	PendingTimeout time.Duration // pending age before force-fail (default 5m)
	BatchSize      int           // max events swept per pass (default 100)
}

// NewReaper creates a reaper over the meter service's ledger.
func NewReaper(meter *MeterService, logger zerolog.Logger, m *metrics.Collector, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	return &Reaper{
		meter:    meter,
		ledger:   meter.ledger,
		clock:    meter.clock,
		logger:   logger.With().Str("service", "reaper").Logger(),
		metrics:  m,
		interval: cfg.Interval,
		timeout:  cfg.PendingTimeout,
		batch:    cfg.BatchSize,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. The first pass runs immediately so a
// restart picks up events orphaned by the previous process.
func (r *Reaper) Start() {
	go r.loop()
}

// Stop halts the loop and waits for an in-flight sweep to finish, so
// shutdown can close the store behind it.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reaper) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.runSweep()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.runSweep()
		}
	}
}

// runSweep wraps one pass with its timeout and logging.
func (r *Reaper) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	reaped, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("sweep skipped")
		return
	}
	if reaped > 0 {
		r.logger.Info().Int("reaped", reaped).Msg("reaped stale pending events")
	}
}

// Sweep force-fails one batch of stale pending events and reports how many
// it closed. Storage errors fail open: the sweep returns early and the
// batch is retried on the next tick. Losing an event to a late Complete or
// Fail between listing and closing is the normal race, not an error.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.clock.Now()
	r.metrics.ReaperSweeps.Inc()

	stale, err := r.ledger.StalePending(ctx, now.Add(-r.timeout), r.batch)
	if err != nil {
		r.metrics.ReaperErrors.Inc()
		return 0, err
	}

	reaped := 0
	for _, ev := range stale {
		_, err := r.meter.failEvent(ctx, ev.ID, usage.ErrClassTimeout, auditReap)
		switch {
		case err == nil:
			reaped++
		case errors.Is(err, ports.ErrAlreadyClosed), errors.Is(err, ports.ErrNotFound):
			// The caller got there first.
			continue
		default:
			r.metrics.ReaperErrors.Inc()
			r.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("reap failed")
		}
	}

	if reaped > 0 {
		r.metrics.ReaperReaped.Add(float64(reaped))
	}
	return reaped, nil
}
