package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/enrich"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/ledger"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/matcher"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/metrics"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/notify"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/pipeline"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/query"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/storage"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/upstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// descriptorSweepInterval is how often idle in-memory query descriptors are evicted
const descriptorSweepInterval = time.Minute

// App holds the wired ingestion and query stack shared by the server and the CLI
type App struct {
	Metrics  *metrics.Metrics
	DB       *storage.DB
	Raw      storage.RawStore
	Ledger   *ledger.Store
	Engine   *query.Engine
	Notifier *notify.Notifier
	Service  *pipeline.Service

	serializer  *pipeline.Serializer
	memoryStore *query.MemoryStore
	redis       *redis.Client
	logger      zerolog.Logger
}

// New wires every component from configuration. progress may be nil; a nil
// m gets a fresh registry.
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics, progress pipeline.Progress, logger zerolog.Logger) (*App, error) {
	if err := cfg.ValidateUpstream(); err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.New()
	}

	a := &App{
		Metrics:    m,
		serializer: pipeline.NewSerializer(),
		logger:     logger,
	}

	db, err := storage.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.DB = db

	if a.Raw, err = newRawStore(ctx, cfg, db, logger); err != nil {
		a.Close()
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.Enrich.ReportTimezone)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid REPORT_TIMEZONE: %w", err)
	}
	a.Ledger = ledger.New(db, cfg.Database.LedgerBatchSize, loc, a.Metrics, logger)

	descriptors, err := a.newDescriptorStore(ctx, cfg.Query, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = query.NewEngine(db, descriptors, logger)

	if a.Notifier, err = notify.New(cfg.Notify, a.Metrics, logger); err != nil {
		a.Close()
		return nil, err
	}

	tokens := upstream.NewTokenProvider(
		cfg.Upstream.TokenURL,
		cfg.Upstream.ClientID,
		cfg.Upstream.ClientSecret,
		&http.Client{Timeout: cfg.Upstream.Timeout},
		logger,
	)
	client := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.Timeout, tokens, logger)
	fetcher := upstream.NewFetcher(client, a.Raw, upstream.OptionsFromConfig(cfg.Upstream), a.Metrics, logger)

	deps := pipeline.Deps{
		Fetcher:  fetcher,
		Raw:      a.Raw,
		Enricher: enrich.NewEnricher(enrich.NewCountryResolver(cfg.Enrich.DefaultRegion), logger),
		Matcher: matcher.New(matcher.NewSQLJoiner(db), matcher.Options{
			SQLMin: cfg.Database.MatchSQLMin,
			SQLMax: cfg.Database.MatchSQLMax,
		}, a.Metrics, logger),
		Ledger:     a.Ledger,
		Endpoints:  cfg.ActiveEndpoints,
		Serializer: a.serializer,
		Notifier:   a.Notifier,
		Progress:   progress,
		Metrics:    a.Metrics,
	}
	a.Service = pipeline.NewService(deps, logger)

	return a, nil
}

func newRawStore(ctx context.Context, cfg *config.Config, db *storage.DB, logger zerolog.Logger) (storage.RawStore, error) {
	if cfg.Database.RawStore != "dynamodb" {
		return storage.NewSQLStore(db, cfg.Database.RawChunkSize, logger), nil
	}
	if cfg.Dynamo.Mode != config.DynamoModeLocal && cfg.Dynamo.Mode != config.DynamoModeAWS {
		return nil, fmt.Errorf("RAW_STORE=dynamodb requires DYNAMO_MODE local or aws")
	}
	client, err := storage.NewDynamoClient(ctx, cfg.Dynamo)
	if err != nil {
		return nil, err
	}
	return storage.NewDynamoRawStore(ctx, client, cfg.Dynamo, logger)
}

func (a *App) newDescriptorStore(ctx context.Context, cfg config.QueryConfig, logger zerolog.Logger) (query.DescriptorStore, error) {
	if cfg.Store == "redis" {
		client, err := query.NewRedisClient(ctx, query.RedisOptions{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		a.redis = client
		return query.NewRedisStore(client, cfg.DescriptorTTL, logger), nil
	}
	a.memoryStore = query.NewMemoryStore(cfg.DescriptorTTL, nil, logger)
	return a.memoryStore, nil
}

// Start runs the background workers until ctx is done
func (a *App) Start(ctx context.Context) {
	go a.serializer.Run(ctx)
	if a.memoryStore != nil {
		go a.memoryStore.Run(ctx, descriptorSweepInterval)
	}
}

// Close releases connections
func (a *App) Close() {
	if err := a.Notifier.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close notifier")
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close redis client")
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close database")
		}
	}
}
