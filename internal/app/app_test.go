package app

import (
	"context"
	"testing"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/pipeline"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/query"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:      "http://upstream.invalid",
			TokenURL:     "http://upstream.invalid/token",
			ClientID:     "client",
			ClientSecret: "secret",
			Timeout:      time.Second,
			Endpoints:    config.DefaultEndpoints(),
		},
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:", RawStore: "sql"},
		Enrich:   config.EnrichConfig{DefaultRegion: "AE", ReportTimezone: "UTC"},
		Query:    config.QueryConfig{Store: "memory", DescriptorTTL: time.Minute},
		Notify:   config.NotifyConfig{Driver: "none"},
	}
}

func TestNew(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, testConfig(), nil, nil, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	a.Start(ctx)

	assert.NotNil(t, a.Metrics)
	assert.NotNil(t, a.Service)

	// An empty store answers queries and rebuilds cleanly
	window := types.TimeRange{Start: 1700000000, End: 1700086400}
	res, err := a.Engine.Search(ctx, query.SearchRequest{Range: window})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.TotalCount)

	sum, err := a.Service.Rebuild(ctx, "test", window)
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, sum.Status)
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{
			name:    "missing base url",
			mutate:  func(c *config.Config) { c.Upstream.BaseURL = "" },
			wantErr: config.ErrMissingBaseURL,
		},
		{
			name:    "missing credentials",
			mutate:  func(c *config.Config) { c.Upstream.ClientSecret = "" },
			wantErr: config.ErrMissingCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := New(context.Background(), cfg, nil, nil, zerolog.Nop())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("unknown timezone", func(t *testing.T) {
		cfg := testConfig()
		cfg.Enrich.ReportTimezone = "Mars/Olympus"
		_, err := New(context.Background(), cfg, nil, nil, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("dynamodb without mode", func(t *testing.T) {
		cfg := testConfig()
		cfg.Database.RawStore = "dynamodb"
		_, err := New(context.Background(), cfg, nil, nil, zerolog.Nop())
		assert.Error(t, err)
	})
}

var _ pipeline.Progress = (*recorder)(nil)

type recorder struct{ runs []types.RunSummary }

func (r *recorder) PublishRun(sum types.RunSummary) { r.runs = append(r.runs, sum) }

func TestNewPublishesProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	a, err := New(ctx, testConfig(), nil, rec, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	a.Start(ctx)

	_, err = a.Service.Rebuild(ctx, "test", types.TimeRange{Start: 1700000000, End: 1700086400})
	require.NoError(t, err)
	require.NotEmpty(t, rec.runs)
	assert.Equal(t, types.RunSucceeded, rec.runs[len(rec.runs)-1].Status)
}
