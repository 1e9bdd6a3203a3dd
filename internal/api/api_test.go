package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/auth"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/enrich"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/ledger"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/matcher"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/pipeline"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/query"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/storage"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/upstream"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedFetcher blocks until released and stores nothing
type gatedFetcher struct {
	gate chan struct{}
}

func (f *gatedFetcher) FetchAll(_ context.Context, _ string, _ types.TimeRange, endpoints []config.EndpointConfig, stop func() bool) []upstream.EndpointResult {
	if f.gate != nil {
		<-f.gate
	}
	out := make([]upstream.EndpointResult, len(endpoints))
	for i, ep := range endpoints {
		out[i].Summary = types.EndpointSummary{Endpoint: ep.Name, SourceType: types.SourceType(ep.SourceType), Cancelled: stop()}
	}
	return out
}

type testServer struct {
	handler http.Handler
	ledger  *ledger.Store
	fetcher *gatedFetcher
	claims  *auth.Claims
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := storage.Open(ctx, config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	led := ledger.New(db, 0, time.UTC, nil, zerolog.Nop())
	_, err = led.Materialize(ctx, []types.EnrichedRecord{
		{RecordType: types.RecordOutbound, CallID: "out-1", AgentName: "Sara Ali", Extension: "1068", CalledAt: 1700000000},
		{RecordType: types.RecordOutbound, CallID: "out-2", AgentName: "Sara Ali", Extension: "1068", CalledAt: 1700000600},
		{RecordType: types.RecordInbound, CallID: "in-1", AgentName: "Omar Khan", Extension: "2044", CalledAt: 1700001200},
	})
	require.NoError(t, err)

	serializer := pipeline.NewSerializer()
	go serializer.Run(ctx)

	fetcher := &gatedFetcher{}
	svc := pipeline.NewService(pipeline.Deps{
		Fetcher:    fetcher,
		Raw:        storage.NewSQLStore(db, 500, zerolog.Nop()),
		Enricher:   enrich.NewEnricher(enrich.NewCountryResolver("AE"), zerolog.Nop()),
		Matcher:    matcher.New(nil, matcher.Options{}, nil, zerolog.Nop()),
		Ledger:     led,
		Endpoints:  func(bool) []config.EndpointConfig { return config.DefaultEndpoints() },
		Serializer: serializer,
	}, zerolog.Nop())

	engine := query.NewEngine(db, query.NewMemoryStore(time.Minute, nil, zerolog.Nop()), zerolog.Nop())

	ts := &testServer{
		ledger:  led,
		fetcher: fetcher,
		claims:  &auth.Claims{Email: "sara@example.com", Role: "viewer"},
	}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(auth.WithClaims(req.Context(), ts.claims)))
		})
	})
	Routes(r, NewReportsHandler(engine, led, zerolog.Nop()), NewIngestHandler(svc, zerolog.Nop()))
	ts.handler = r
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSearch(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantTotal  int64
	}{
		{"whole window", "/api/reports/search?start=1700000000&end=1700086400", http.StatusOK, 3},
		{"filter", "/api/reports/search?start=1700000000&end=1700086400&agentName=sara", http.StatusOK, 2},
		{"sorted page", "/api/reports/search?start=1700000000&end=1700086400&sort=-calledAt&pageSize=1&page=2", http.StatusOK, 3},
		{"unknown filter", "/api/reports/search?start=1700000000&end=1700086400&password=x", http.StatusBadRequest, 0},
		{"unknown sort", "/api/reports/search?start=1700000000&end=1700086400&sort=payload", http.StatusBadRequest, 0},
		{"missing start", "/api/reports/search?end=1700086400", http.StatusBadRequest, 0},
		{"reversed range", "/api/reports/search?start=1700086400&end=1700000000", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, tt.path, "")
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusOK {
				assert.Contains(t, decode[map[string]string](t, rec), "error")
				return
			}
			res := decode[query.SearchResult](t, rec)
			assert.Equal(t, tt.wantTotal, res.TotalCount)
		})
	}

	res := decode[query.SearchResult](t, ts.do(t, http.MethodGet, "/api/reports/search?start=1700000000&end=1700086400&sort=-calledAt&pageSize=1&page=2", ""))
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "out-2", res.Rows[0].CallID)
}

func TestProgressiveQuery(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/reports/queries", `{"range":{"start":1700000000,"end":1700086400},"sort":"calledAt","pageSize":2}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decode[query.Descriptor](t, rec)
	assert.Equal(t, int64(3), d.TotalCount)
	assert.Equal(t, 2, d.TotalPages)

	rec = ts.do(t, http.MethodGet, "/api/reports/queries/"+d.ID+"/pages/2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[query.SearchResult](t, rec)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, "in-1", page.Rows[0].CallID)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/reports/queries/nope/pages/1", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/reports/queries/"+d.ID+"/pages/zero", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/reports/queries", `{`).Code)
}

func TestPatch(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPatch, "/api/reports/out-1", `{"recordType":"outbound","disposition":"Sale"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decode[map[string]any](t, rec)["updated"])

	row, err := ts.ledger.Get(context.Background(), types.LedgerKey{CallID: "out-1", RecordType: types.RecordOutbound})
	require.NoError(t, err)
	assert.Equal(t, "Sale", row.Disposition)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPatch, "/api/reports/missing", `{"disposition":"Sale"}`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPatch, "/api/reports/out-1", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPatch, "/api/reports/out-1", `{"recordType":"fax","disposition":"x"}`).Code)
}

func TestClearRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodDelete, "/api/reports", "").Code)

	ts.claims = &auth.Claims{Email: "admin@example.com", Role: auth.RoleAdmin}
	rec := ts.do(t, http.MethodDelete, "/api/reports", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(3), decode[map[string]any](t, rec)["deleted"])
}

func TestIngestRunLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.fetcher.gate = make(chan struct{})

	body := `{"tenant":"acme","window":{"start":1700000000,"end":1700086400}}`
	rec := ts.do(t, http.MethodPost, "/api/ingest/runs", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/api/ingest/runs/"))
	run := decode[types.RunSummary](t, rec)
	assert.Equal(t, "sara@example.com", run.Caller)

	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/ingest/runs", body).Code)

	rec = ts.do(t, http.MethodPost, "/api/ingest/runs/"+run.RunID+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	close(ts.fetcher.gate)

	var status types.RunSummary
	require.Eventually(t, func() bool {
		status = decode[types.RunSummary](t, ts.do(t, http.MethodGet, "/api/ingest/runs/"+run.RunID, ""))
		return status.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.RunCancelled, status.Status)

	runs := decode[[]types.RunSummary](t, ts.do(t, http.MethodGet, "/api/ingest/runs", ""))
	require.Len(t, runs, 1)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/ingest/runs/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/ingest/runs/missing/cancel", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/ingest/runs", `{"window":{"start":1,"end":2}}`).Code)
}

func TestRebuildRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	body := `{"start":1700000000,"end":1700086400}`

	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/api/ingest/rebuild", body).Code)

	ts.claims = &auth.Claims{Email: "admin@example.com", Role: auth.RoleAdmin}
	rec := ts.do(t, http.MethodPost, "/api/ingest/rebuild", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, types.RunSucceeded, decode[types.RunSummary](t, rec).Status)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/ingest/rebuild", `{"start":0,"end":0}`).Code)
}
