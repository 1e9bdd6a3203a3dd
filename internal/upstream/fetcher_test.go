package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/storage"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct {
	mu          sync.Mutex
	token       string
	issued      int
	invalidated int
}

func (s *staticTokens) Token(_ context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued++
	return fmt.Sprintf("%s-%d", s.token, s.invalidated), nil
}

func (s *staticTokens) Invalidate(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
}

// memorySink records every stored page
type memorySink struct {
	mu    sync.Mutex
	pages [][]json.RawMessage
	err   error
}

func (m *memorySink) BatchInsert(_ context.Context, _ types.SourceType, payloads []json.RawMessage) (storage.BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return storage.BatchResult{Failed: len(payloads)}, m.err
	}
	m.pages = append(m.pages, payloads)
	return storage.BatchResult{Inserted: len(payloads)}, nil
}

func newTestFetcher(t *testing.T, srv *httptest.Server, sink PageSink, opts Options) *Fetcher {
	t.Helper()
	client := NewClient(srv.URL, 5*time.Second, &staticTokens{token: "tok"}, zerolog.Nop())
	f := NewFetcher(client, sink, opts, nil, zerolog.Nop())
	f.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return f
}

var inboundEndpoint = config.EndpointConfig{Name: "inbound", SourceType: "inbound_queue", Path: "/reports/inbound"}

func TestFetchStopsOnNullCursor(t *testing.T) {
	var requests int32
	var sawStartKey []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		sawStartKey = append(sawStartKey, r.URL.Query().Get("startKey"))

		assert.Equal(t, "acme", r.URL.Query().Get("account"))
		assert.Equal(t, "2000", r.URL.Query().Get("pageSize"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))

		next := fmt.Sprintf(`"cursor-%d"`, n)
		if n == 3 {
			next = "null"
		}
		fmt.Fprintf(w, `{"data":[{"callid":"c%d","called_time":1700000000}],"next_start_key":%s}`, n, next)
	}))
	defer srv.Close()

	sink := &memorySink{}
	f := newTestFetcher(t, srv, sink, Options{MaxRetries: 3})

	res := f.FetchEndpoint(context.Background(), "acme", types.TimeRange{Start: 1, End: 2}, inboundEndpoint, nil)

	assert.Equal(t, int32(3), atomic.LoadInt32(&requests))
	assert.Equal(t, 3, res.Summary.Pages)
	assert.Equal(t, 3, res.Summary.Stored)
	assert.Empty(t, res.Summary.Error)
	assert.Len(t, sink.pages, 3)
	assert.Equal(t, []string{"", "cursor-1", "cursor-2"}, sawStartKey)
}

func TestFetchStopsOnEmptyPage(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			fmt.Fprint(w, `{"cdrs":[{"call_id":"x","timestamp":1}],"next_start_key":"more"}`)
			return
		}
		fmt.Fprint(w, `{"cdrs":[],"next_start_key":"still-more"}`)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv, &memorySink{}, Options{})
	res := f.FetchEndpoint(context.Background(), "acme", types.TimeRange{}, config.EndpointConfig{Name: "cdrs", SourceType: "cdr", Path: "/cdrs"}, nil)

	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
	assert.Equal(t, 1, res.Summary.Fetched)
}

func TestFetchRetryBound(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv, &memorySink{}, Options{MaxRetries: 3})
	res := f.FetchEndpoint(context.Background(), "acme", types.TimeRange{}, inboundEndpoint, nil)

	assert.Equal(t, int32(4), atomic.LoadInt32(&requests), "one request plus three retries")
	assert.Equal(t, 3, res.Summary.Retries)
	assert.Contains(t, res.Summary.Error, "503")
	assert.ErrorIs(t, res.Err, ErrRetriesExhausted)
	assert.Equal(t, 0, res.Summary.Pages)
}

func TestFetchRecoversFromTransientFailure(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"data":[{"callid":"a","called_time":1}],"next_start_key":null}`)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv, &memorySink{}, Options{MaxRetries: 3})
	res := f.FetchEndpoint(context.Background(), "acme", types.TimeRange{}, inboundEndpoint, nil)

	assert.Empty(t, res.Summary.Error)
	assert.Equal(t, 2, res.Summary.Retries)
	assert.Equal(t, 1, res.Summary.Pages)
}

func TestFetchUnauthorizedRetriesOnce(t *testing.T) {
	t.Run("fresh token accepted", func(t *testing.T) {
		var requests int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requests, 1)
			if r.Header.Get("Authorization") == "Bearer tok-0" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `{"data":[],"next_start_key":null}`)
		}))
		defer srv.Close()

		f := newTestFetcher(t, srv, &memorySink{}, Options{MaxRetries: 0})
		res := f.FetchEndpoint(context.Background(), "acme", types.TimeRange{}, inboundEndpoint, nil)

		assert.Empty(t, res.Summary.Error)
		assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
		assert.Equal(t, 0, res.Summary.Retries, "auth retry does not spend the budget")
	})

	t.Run("fresh token rejected", func(t *testing.T) {
		var requests int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requests, 1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		f := newTestFetcher(t, srv, &memorySink{}, Options{MaxRetries: 3})
		res := f.FetchEndpoint(context.Background(), "acme", types.TimeRange{}, inboundEndpoint, nil)

		assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
		assert.ErrorIs(t, res.Err, ErrUnauthorized)
	})
}

func TestFetchNonTransientAborts(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv, &memorySink{}, Options{MaxRetries: 3})
	res := f.FetchEndpoint(context.Background(), "acme", types.TimeRange{}, inboundEndpoint, nil)

	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
	assert.Contains(t, res.Summary.Error, "400")
}

func TestFetchPageCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"callid":"loop","called_time":1}],"next_start_key":"same"}`)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv, &memorySink{}, Options{MaxPages: 5})
	res := f.FetchEndpoint(context.Background(), "acme", types.TimeRange{}, inboundEndpoint, nil)

	assert.True(t, res.Summary.Truncated)
	assert.Equal(t, 5, res.Summary.Pages)
	assert.Empty(t, res.Summary.Error)
	assert.NoError(t, res.Err)
}

func TestFetchStopBetweenPages(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		fmt.Fprint(w, `{"data":[{"callid":"a","called_time":1}],"next_start_key":"next"}`)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv, &memorySink{}, Options{})
	stop := func() bool { return atomic.LoadInt32(&requests) >= 2 }
	res := f.FetchEndpoint(context.Background(), "acme", types.TimeRange{}, inboundEndpoint, stop)

	assert.True(t, res.Summary.Cancelled)
	assert.Equal(t, 2, res.Summary.Pages)
}

func TestFetchStoreFailureAbortsEndpoint(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		fmt.Fprint(w, `{"data":[{"callid":"a","called_time":1}],"next_start_key":"next"}`)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv, &memorySink{err: errors.New("disk full")}, Options{})
	res := f.FetchEndpoint(context.Background(), "acme", types.TimeRange{}, inboundEndpoint, nil)

	assert.Equal(t, int32(1), atomic.LoadInt32(&requests), "next page is not requested after a store failure")
	assert.Equal(t, 1, res.Summary.Failed)
	assert.Contains(t, res.Summary.Error, "disk full")
}

func TestFetchAllIsolatesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/broken") {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"data":[{"callid":"a","called_time":1}],"next_start_key":null}`)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv, &memorySink{}, Options{})
	results := f.FetchAll(context.Background(), "acme", types.TimeRange{}, []config.EndpointConfig{
		{Name: "broken", SourceType: "campaign", Path: "/broken"},
		{Name: "inbound", SourceType: "inbound_queue", Path: "/inbound"},
		{Name: "outbound", SourceType: "outbound_queue", Path: "/outbound"},
	}, nil)

	require.Len(t, results, 3)
	assert.NotEmpty(t, results[0].Summary.Error)
	assert.Empty(t, results[1].Summary.Error)
	assert.Equal(t, 1, results[1].Summary.Stored)
	assert.Empty(t, results[2].Summary.Error)
}
