package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/app"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/pipeline"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// CLI flags
	var (
		tenant     = flag.String("tenant", "", "Tenant (account) to ingest")
		start      = flag.String("start", "", "Window start, RFC3339 or epoch seconds")
		end        = flag.String("end", "", "Window end, RFC3339 or epoch seconds (default now)")
		lookback   = flag.Duration("lookback", 24*time.Hour, "Window length when -start is not set")
		includeCDR = flag.Bool("include-cdr", false, "Also fetch the CDR endpoint")
		rebuild    = flag.Bool("rebuild", false, "Rebuild the ledger from stored records without fetching")
		logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Str("service", "ingest").
		Logger()

	window, err := parseWindow(*start, *end, *lookback, time.Now())
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid window")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, nil, nil, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize ledger")
	}
	defer a.Close()
	a.Start(ctx)

	var sum types.RunSummary
	if *rebuild {
		sum, err = a.Service.Rebuild(ctx, "cli", window)
	} else {
		sum, err = a.Service.Run(ctx, pipeline.RunRequest{
			Tenant:     *tenant,
			Window:     window,
			Caller:     "cli",
			IncludeCDR: *includeCDR,
		})
	}

	if sum.RunID != "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(sum); encErr != nil {
			logger.Error().Err(encErr).Msg("failed to write summary")
		}
	}

	if err != nil {
		a.Close()
		logger.Fatal().Err(err).Msg("run failed")
	}
	if sum.Status != types.RunSucceeded {
		a.Close()
		os.Exit(2)
	}
}

// parseWindow builds the run window from flag values. An empty end means now;
// an empty start means end minus lookback.
func parseWindow(start, end string, lookback time.Duration, now time.Time) (types.TimeRange, error) {
	w := types.TimeRange{End: now.Unix()}
	if end != "" {
		ts, err := parseTime(end)
		if err != nil {
			return types.TimeRange{}, fmt.Errorf("end: %w", err)
		}
		w.End = ts
	}
	if start != "" {
		ts, err := parseTime(start)
		if err != nil {
			return types.TimeRange{}, fmt.Errorf("start: %w", err)
		}
		w.Start = ts
	} else {
		w.Start = w.End - int64(lookback/time.Second)
	}
	if !w.Valid() {
		return types.TimeRange{}, errors.New("start must be positive and not after end")
	}
	return w, nil
}

func parseTime(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("%q is neither epoch seconds nor RFC3339", s)
	}
	return t.Unix(), nil
}
