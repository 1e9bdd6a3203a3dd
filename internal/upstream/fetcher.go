package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/metrics"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/storage"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// PageSink receives each page's records before the next page is requested
type PageSink interface {
	BatchInsert(ctx context.Context, st types.SourceType, payloads []json.RawMessage) (storage.BatchResult, error)
}

// Options tunes the page loop
type Options struct {
	PageSize   int
	MaxPages   int
	MaxRetries int
	Backoff    time.Duration
	RatePerSec float64
}

// OptionsFromConfig builds fetch options from upstream configuration
func OptionsFromConfig(cfg config.UpstreamConfig) Options {
	return Options{
		PageSize:   cfg.PageSize,
		MaxPages:   cfg.MaxPages,
		MaxRetries: cfg.MaxRetries,
		Backoff:    cfg.RetryBackoff,
		RatePerSec: cfg.PageRatePerSec,
	}
}

// EndpointResult is the outcome of fetching one endpoint. Duplicates holds
// incoming copies of records the raw store already had.
type EndpointResult struct {
	Summary    types.EndpointSummary
	Duplicates []types.RawRecord
	Err        error
}

// Fetcher pulls endpoints page by page into a sink
type Fetcher struct {
	pages   PageFetcher
	sink    PageSink
	opts    Options
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a Fetcher
func NewFetcher(pages PageFetcher, sink PageSink, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Fetcher {
	if opts.PageSize <= 0 || opts.PageSize > config.MaxPageSize {
		opts.PageSize = config.MaxPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 20000
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	f := &Fetcher{
		pages:   pages,
		sink:    sink,
		opts:    opts,
		metrics: m,
		logger:  logger.With().Str("component", "fetcher").Logger(),
		sleep:   sleepContext,
	}
	if opts.RatePerSec > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}
	return f
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FetchAll fetches every endpoint concurrently. A failing endpoint never
// cancels the others; every endpoint gets a result.
func (f *Fetcher) FetchAll(ctx context.Context, tenant string, window types.TimeRange, endpoints []config.EndpointConfig, stop func() bool) []EndpointResult {
	results := make([]EndpointResult, len(endpoints))

	var g errgroup.Group
	for i, ep := range endpoints {
		i, ep := i, ep
		g.Go(func() error {
			results[i] = f.FetchEndpoint(ctx, tenant, window, ep, stop)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// FetchEndpoint runs the page loop of one endpoint. Paging ends on an empty
// cursor or an empty page; the page ceiling ends it as truncated.
func (f *Fetcher) FetchEndpoint(ctx context.Context, tenant string, window types.TimeRange, ep config.EndpointConfig, stop func() bool) EndpointResult {
	start := time.Now()
	st := types.SourceType(ep.SourceType)
	res := EndpointResult{Summary: types.EndpointSummary{Endpoint: ep.Name, SourceType: st}}
	sum := &res.Summary

	logger := f.logger.With().
		Str("endpoint", ep.Name).
		Str("tenant", tenant).
		Logger()

	req := PageRequest{Tenant: tenant, Window: window, PageSize: f.opts.PageSize}
	for {
		if stop != nil && stop() {
			sum.Cancelled = true
			logger.Info().Int("pages", sum.Pages).Msg("fetch cancelled")
			break
		}
		if sum.Pages >= f.opts.MaxPages {
			sum.Truncated = true
			logger.Warn().Int("max_pages", f.opts.MaxPages).Msg("page ceiling reached")
			break
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				res.Err = err
				sum.Error = err.Error()
				break
			}
		}

		page, retries, err := f.fetchPage(ctx, ep, req)
		sum.Retries += retries
		if err != nil {
			res.Err = err
			sum.Error = err.Error()
			f.metrics.RecordEndpointError(ep.Name)
			logger.Error().Err(err).Int("page", sum.Pages+1).Msg("endpoint fetch failed")
			break
		}
		sum.Pages++
		sum.Fetched += len(page.Records)
		f.metrics.RecordPageFetched(ep.Name)

		if len(page.Records) > 0 {
			stored, err := f.sink.BatchInsert(ctx, st, page.Records)
			sum.Stored += stored.Inserted
			sum.Duplicates += stored.Duplicates
			sum.Skipped += stored.Skipped
			sum.Failed += stored.Failed
			res.Duplicates = append(res.Duplicates, stored.DuplicateRecords...)
			f.metrics.RecordRawRecords(string(st), stored.Inserted, stored.Duplicates, stored.Skipped, stored.Failed)
			if err != nil {
				res.Err = err
				sum.Error = fmt.Sprintf("store page %d: %v", sum.Pages, err)
				logger.Error().Err(err).Int("page", sum.Pages).Msg("failed to store page")
				break
			}
		}

		logger.Debug().
			Int("page", sum.Pages).
			Int("records", len(page.Records)).
			Bool("more", page.NextStartKey != "").
			Msg("page stored")

		if page.NextStartKey == "" || len(page.Records) == 0 {
			break
		}
		req.StartKey = page.NextStartKey
	}

	sum.DurationMs = time.Since(start).Milliseconds()
	logger.Info().
		Int("pages", sum.Pages).
		Int("fetched", sum.Fetched).
		Int("stored", sum.Stored).
		Int("duplicates", sum.Duplicates).
		Bool("truncated", sum.Truncated).
		Str("error", sum.Error).
		Msg("endpoint fetch finished")

	return res
}

// fetchPage drives the retry state machine for a single page
func (f *Fetcher) fetchPage(ctx context.Context, ep config.EndpointConfig, req PageRequest) (*Page, int, error) {
	step := Step{State: StateFetching}
	for {
		if step.State == StateRetrying {
			f.metrics.RecordPageRetry(ep.Name)
			if err := f.sleep(ctx, Backoff(f.opts.Backoff, step.Attempt)); err != nil {
				return nil, step.Attempt, err
			}
		}

		page, err := f.pages.FetchPage(ctx, ep, req)
		step = Transition(step, Classify(err), f.opts.MaxRetries)

		switch step.State {
		case StateSucceeded:
			return page, step.Attempt, nil
		case StateExhausted:
			return nil, step.Attempt, fmt.Errorf("%w after %d retries: %v", ErrRetriesExhausted, step.Attempt, err)
		case StateFailed:
			if Classify(err) == OutcomeUnauthorized {
				return nil, step.Attempt, fmt.Errorf("%w: %v", ErrUnauthorized, err)
			}
			return nil, step.Attempt, err
		}

		f.logger.Debug().
			Err(err).
			Str("endpoint", ep.Name).
			Str("state", step.State.String()).
			Int("attempt", step.Attempt).
			Msg("retrying page")
	}
}
