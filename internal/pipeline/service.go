package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/enrich"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/ledger"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/matcher"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/metrics"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/storage"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/upstream"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidRequest is returned for a run without tenant or a bad window
	ErrInvalidRequest = errors.New("invalid run request")
	// ErrAllEndpointsFailed is returned when no endpoint could be fetched
	ErrAllEndpointsFailed = errors.New("every endpoint failed")
)

// Fetcher pulls every endpoint of a tenant into the raw store
type Fetcher interface {
	FetchAll(ctx context.Context, tenant string, window types.TimeRange, endpoints []config.EndpointConfig, stop func() bool) []upstream.EndpointResult
}

// Notifier announces finished runs
type Notifier interface {
	RunFinished(ctx context.Context, sum types.RunSummary)
}

// Progress receives run state changes
type Progress interface {
	PublishRun(sum types.RunSummary)
}

// RunRequest describes one ingestion run
type RunRequest struct {
	Tenant     string          `json:"tenant"`
	Window     types.TimeRange `json:"window"`
	Caller     string          `json:"-"`
	IncludeCDR bool            `json:"includeCdr"`
}

// Deps are the collaborators of a Service
type Deps struct {
	Fetcher    Fetcher
	Raw        storage.RawStore
	Enricher   *enrich.Enricher
	Matcher    *matcher.Matcher
	Ledger     *ledger.Store
	Endpoints  func(includeCDR bool) []config.EndpointConfig
	Serializer *Serializer
	Jobs       *Jobs
	Admission  *Admission
	Notifier   Notifier
	Progress   Progress
	Metrics    *metrics.Metrics
}

// Service is the single ingestion entry point used by the API, the CLI and
// the scheduler.
type Service struct {
	fetcher    Fetcher
	raw        storage.RawStore
	enricher   *enrich.Enricher
	matcher    *matcher.Matcher
	ledger     *ledger.Store
	endpoints  func(includeCDR bool) []config.EndpointConfig
	serializer *Serializer
	jobs       *Jobs
	admission  *Admission
	notifier   Notifier
	progress   Progress
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewService creates a Service
func NewService(d Deps, logger zerolog.Logger) *Service {
	if d.Jobs == nil {
		d.Jobs = NewJobs(0)
	}
	if d.Admission == nil {
		d.Admission = NewAdmission()
	}
	return &Service{
		fetcher:    d.Fetcher,
		raw:        d.Raw,
		enricher:   d.Enricher,
		matcher:    d.Matcher,
		ledger:     d.Ledger,
		endpoints:  d.Endpoints,
		serializer: d.Serializer,
		jobs:       d.Jobs,
		admission:  d.Admission,
		notifier:   d.Notifier,
		progress:   d.Progress,
		metrics:    d.Metrics,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}
}

// Jobs exposes the run registry
func (s *Service) Jobs() *Jobs { return s.jobs }

// Run executes an ingestion run and waits for it. The error is non-nil only
// for rejected requests or when every endpoint failed; partial failures are
// reported in the summary.
func (s *Service) Run(ctx context.Context, req RunRequest) (types.RunSummary, error) {
	job, release, err := s.begin(req)
	if err != nil {
		return types.RunSummary{}, err
	}
	defer release()
	return s.execute(ctx, job, req)
}

// Submit starts an ingestion run in the background and returns its job.
// The run outlives ctx's cancellation; use Job.Cancel to stop it.
func (s *Service) Submit(ctx context.Context, req RunRequest) (*Job, error) {
	job, release, err := s.begin(req)
	if err != nil {
		return nil, err
	}
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer release()
		_, _ = s.execute(runCtx, job, req)
	}()
	return job, nil
}

// Cancel marks a run cancelled
func (s *Service) Cancel(id string) (types.RunSummary, bool) {
	job, ok := s.jobs.Get(id)
	if !ok {
		return types.RunSummary{}, false
	}
	job.Cancel()
	s.logger.Info().Str("run_id", id).Msg("run cancellation requested")
	return job.Summary(), true
}

// Rebuild re-enriches, re-matches and re-materializes a window from the raw
// store without fetching.
func (s *Service) Rebuild(ctx context.Context, caller string, window types.TimeRange) (types.RunSummary, error) {
	if !window.Valid() {
		return types.RunSummary{}, fmt.Errorf("%w: window %d..%d", ErrInvalidRequest, window.Start, window.End)
	}
	release, err := s.admission.Acquire(caller)
	if err != nil {
		return types.RunSummary{}, err
	}
	defer release()

	job := s.jobs.Create("", caller, window)
	start := time.Now()
	s.metrics.RecordRunStarted()
	s.publish(job.update(func(sum *types.RunSummary) { sum.Status = types.RunRunning }))

	sum := job.Summary()
	sum.Status = types.RunSucceeded
	if err := s.materialize(ctx, window, &sum); err != nil {
		sum.Status = types.RunFailed
		sum.Error = err.Error()
	} else if sum.Materialize.Failed > 0 || sum.Error != "" {
		sum.Status = types.RunPartial
	}

	return s.finish(ctx, job, sum, "rebuild", start), nil
}

func (s *Service) begin(req RunRequest) (*Job, func(), error) {
	if req.Tenant == "" {
		return nil, nil, fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	if !req.Window.Valid() {
		return nil, nil, fmt.Errorf("%w: window %d..%d", ErrInvalidRequest, req.Window.Start, req.Window.End)
	}
	release, err := s.admission.Acquire(req.Caller)
	if err != nil {
		return nil, nil, err
	}
	return s.jobs.Create(req.Tenant, req.Caller, req.Window), release, nil
}

func (s *Service) execute(ctx context.Context, job *Job, req RunRequest) (types.RunSummary, error) {
	start := time.Now()
	logger := s.logger.With().
		Str("run_id", job.ID()).
		Str("tenant", req.Tenant).
		Str("caller", req.Caller).
		Logger()

	s.metrics.RecordRunStarted()
	s.publish(job.update(func(sum *types.RunSummary) { sum.Status = types.RunRunning }))
	logger.Info().
		Int64("start", req.Window.Start).
		Int64("end", req.Window.End).
		Msg("run started")

	results := s.fetcher.FetchAll(ctx, req.Tenant, req.Window, s.endpoints(req.IncludeCDR), job.Cancelled)

	sum := job.Summary()
	var (
		failed     int
		firstErr   error
		duplicates []types.RawRecord
	)
	for _, r := range results {
		sum.Endpoints = append(sum.Endpoints, r.Summary)
		duplicates = append(duplicates, r.Duplicates...)
		if r.Err != nil {
			failed++
			if firstErr == nil {
				firstErr = r.Err
			}
		}
	}

	if len(results) > 0 && failed == len(results) {
		err := fmt.Errorf("%w: %w", ErrAllEndpointsFailed, firstErr)
		sum.Status = types.RunFailed
		sum.Error = err.Error()
		logger.Error().Err(err).Msg("run failed")
		return s.finish(ctx, job, sum, "ingest", start), err
	}

	sum.Backfilled = s.backfill(ctx, duplicates)

	if job.Cancelled() {
		sum.Status = types.RunCancelled
		return s.finish(ctx, job, sum, "ingest", start), nil
	}

	sum.Status = types.RunSucceeded
	if err := s.materialize(ctx, req.Window, &sum); err != nil {
		sum.Error = err.Error()
		sum.Status = types.RunPartial
	}
	if failed > 0 || sum.Materialize.Failed > 0 || sum.Error != "" {
		sum.Status = types.RunPartial
	}
	if failed > 0 && sum.Error == "" {
		sum.Error = firstErr.Error()
	}

	return s.finish(ctx, job, sum, "ingest", start), nil
}

// materialize turns the window's raw records into ledger rows. It runs on
// the serializer so materialization never races with itself.
func (s *Service) materialize(ctx context.Context, window types.TimeRange, sum *types.RunSummary) error {
	if s.serializer == nil {
		return s.materializeWindow(ctx, window, sum)
	}
	return s.serializer.Do(ctx, func(ctx context.Context) error {
		return s.materializeWindow(ctx, window, sum)
	})
}

func (s *Service) materializeWindow(ctx context.Context, window types.TimeRange, sum *types.RunSummary) error {
	sum.Enrich = types.EnrichSummary{BySource: make(map[types.SourceType]int)}

	var records, cdrs, outbound []types.EnrichedRecord
	for _, st := range types.AllSourceTypes {
		raws, err := s.raw.Query(ctx, st, window, storage.RawFilter{})
		if err != nil {
			return fmt.Errorf("query %s records: %w", st, err)
		}
		enriched, es := s.enricher.EnrichAll(raws)
		sum.Enrich.OK += es.OK
		sum.Enrich.Skipped += es.Skipped
		for k, v := range es.BySource {
			sum.Enrich.BySource[k] += v
		}
		s.metrics.RecordEnrichSkipped(string(st), es.Skipped)

		switch st {
		case types.SourceCDR:
			cdrs = enriched
		case types.SourceOutboundQueue:
			outbound = enriched
			records = append(records, enriched...)
		default:
			records = append(records, enriched...)
		}
	}

	if len(cdrs) > 0 {
		res, err := s.matcher.Match(ctx, cdrs, outbound)
		if err != nil {
			// CDRs are retried on the next run or rebuild
			s.logger.Error().Err(err).Int("cdrs", len(cdrs)).Msg("cdr matching failed")
			sum.Error = fmt.Sprintf("match cdrs: %v", err)
		} else {
			sum.Match = res.Summary
			records = append(records, res.Records...)
		}
	}

	ms, err := s.ledger.Materialize(ctx, records)
	sum.Materialize = ms
	if err != nil {
		return fmt.Errorf("materialize: %w", err)
	}
	return nil
}

func (s *Service) finish(ctx context.Context, job *Job, sum types.RunSummary, kind string, start time.Time) types.RunSummary {
	finished := time.Now().UTC()
	sum.FinishedAt = &finished
	job.finish(sum)

	s.metrics.RecordRunFinished(kind, string(sum.Status), time.Since(start))
	s.publish(sum)
	if s.notifier != nil {
		s.notifier.RunFinished(ctx, sum)
	}

	s.logger.Info().
		Str("run_id", sum.RunID).
		Str("kind", kind).
		Str("status", string(sum.Status)).
		Int("endpoints", len(sum.Endpoints)).
		Int("enriched", sum.Enrich.OK).
		Int("matched", sum.Match.Matched).
		Int("inserted", sum.Materialize.Inserted).
		Int("backfilled", sum.Backfilled).
		Dur("duration", time.Since(start)).
		Msg("run finished")
	return sum
}

func (s *Service) publish(sum types.RunSummary) {
	if s.progress != nil {
		s.progress.PublishRun(sum)
	}
}
