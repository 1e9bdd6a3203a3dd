package ticker

import (
	"context"
	"errors"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/pipeline"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/rs/zerolog"
)

// Runner executes one ingestion run
type Runner interface {
	Run(ctx context.Context, req pipeline.RunRequest) (types.RunSummary, error)
}

// Ticker periodically ingests the trailing window of every configured tenant
type Ticker struct {
	runner   Runner
	tenants  []string
	interval time.Duration
	lookback time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewTicker creates a new Ticker
func NewTicker(runner Runner, cfg config.ScheduleConfig, logger zerolog.Logger) *Ticker {
	return &Ticker{
		runner:   runner,
		tenants:  cfg.Tenants,
		interval: cfg.Interval,
		lookback: cfg.Lookback,
		now:      time.Now,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start runs scheduled ingestion until ctx is done
func (t *Ticker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info().
		Dur("interval", t.interval).
		Dur("lookback", t.lookback).
		Strs("tenants", t.tenants).
		Msg("ticker started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("ticker stopped")
			return

		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick runs every tenant once over the window ending now
func (t *Ticker) Tick(ctx context.Context) {
	end := t.now().UTC().Unix()
	window := types.TimeRange{Start: end - int64(t.lookback/time.Second), End: end}

	for _, tenant := range t.tenants {
		if ctx.Err() != nil {
			return
		}
		sum, err := t.runner.Run(ctx, pipeline.RunRequest{
			Tenant: tenant,
			Window: window,
			Caller: "scheduler:" + tenant,
		})
		switch {
		case errors.Is(err, pipeline.ErrBusy):
			t.logger.Warn().Str("tenant", tenant).Msg("previous scheduled run still active, skipping")
		case err != nil:
			t.logger.Error().Err(err).Str("tenant", tenant).Msg("scheduled run failed")
		default:
			t.logger.Debug().
				Str("tenant", tenant).
				Str("run_id", sum.RunID).
				Str("status", string(sum.Status)).
				Msg("scheduled run finished")
		}
	}
}
