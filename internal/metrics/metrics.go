package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing, so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// Fetch metrics
	pagesFetched   *prometheus.CounterVec
	pageRetries    *prometheus.CounterVec
	endpointErrors *prometheus.CounterVec
	rawRecords     *prometheus.CounterVec

	// Pipeline metrics
	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	activeRuns     prometheus.Gauge
	enrichSkipped  *prometheus.CounterVec
	matchOutcomes  *prometheus.CounterVec
	ledgerRows     *prometheus.CounterVec
	backfillsTotal prometheus.Counter

	// Notification metrics
	notificationsTotal *prometheus.CounterVec

	// WebSocket metrics
	activeConnections prometheus.Gauge

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_upstream_pages_fetched_total",
			Help: "Upstream pages fetched",
		}, []string{"endpoint"}),
		pageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_upstream_page_retries_total",
			Help: "Upstream page retries",
		}, []string{"endpoint"}),
		endpointErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_upstream_endpoint_errors_total",
			Help: "Endpoint fetches that ended in error",
		}, []string{"endpoint"}),
		rawRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_raw_records_total",
			Help: "Raw records handed to the raw store by outcome",
		}, []string{"source_type", "outcome"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_runs_total",
			Help: "Pipeline runs by final status",
		}, []string{"kind", "status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_run_duration_seconds",
			Help:    "Pipeline run duration",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_runs_active",
			Help: "Pipeline runs in progress",
		}),
		enrichSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_enrich_skipped_total",
			Help: "Malformed records skipped during enrichment",
		}, []string{"source_type"}),
		matchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_match_cdrs_total",
			Help: "CDRs processed by the interval join",
		}, []string{"result", "strategy"}),
		ledgerRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_final_report_rows_total",
			Help: "Final report rows by materialization outcome",
		}, []string{"outcome"}),
		backfillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_backfills_total",
			Help: "Rows patched from re-fetched records",
		}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_notifications_total",
			Help: "Run notifications published",
		}, []string{"driver", "result"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_websocket_connections_active",
			Help: "Connected progress subscribers",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.pagesFetched, m.pageRetries, m.endpointErrors, m.rawRecords,
		m.runsTotal, m.runDuration, m.activeRuns, m.enrichSkipped,
		m.matchOutcomes, m.ledgerRows, m.backfillsTotal,
		m.notificationsTotal, m.activeConnections,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordPageFetched(endpoint string) {
	if m == nil {
		return
	}
	m.pagesFetched.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) RecordPageRetry(endpoint string) {
	if m == nil {
		return
	}
	m.pageRetries.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) RecordEndpointError(endpoint string) {
	if m == nil {
		return
	}
	m.endpointErrors.WithLabelValues(endpoint).Inc()
}

// RecordRawRecords counts raw store outcomes for one source type
func (m *Metrics) RecordRawRecords(sourceType string, inserted, duplicates, skipped, failed int) {
	if m == nil {
		return
	}
	m.rawRecords.WithLabelValues(sourceType, "inserted").Add(float64(inserted))
	m.rawRecords.WithLabelValues(sourceType, "duplicate").Add(float64(duplicates))
	m.rawRecords.WithLabelValues(sourceType, "skipped").Add(float64(skipped))
	m.rawRecords.WithLabelValues(sourceType, "failed").Add(float64(failed))
}

func (m *Metrics) RecordRunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) RecordRunFinished(kind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(kind, status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordEnrichSkipped(sourceType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.enrichSkipped.WithLabelValues(sourceType).Add(float64(n))
}

func (m *Metrics) RecordMatch(strategy string, matched, dropped int) {
	if m == nil {
		return
	}
	m.matchOutcomes.WithLabelValues("matched", strategy).Add(float64(matched))
	m.matchOutcomes.WithLabelValues("dropped", strategy).Add(float64(dropped))
}

func (m *Metrics) RecordMaterialized(inserted, skipped, failed int) {
	if m == nil {
		return
	}
	m.ledgerRows.WithLabelValues("inserted").Add(float64(inserted))
	m.ledgerRows.WithLabelValues("skipped").Add(float64(skipped))
	m.ledgerRows.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) RecordBackfill(n int) {
	if m == nil {
		return
	}
	m.backfillsTotal.Add(float64(n))
}

func (m *Metrics) RecordNotification(driver string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notificationsTotal.WithLabelValues(driver, result).Inc()
}

func (m *Metrics) RecordWebSocketConnect() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) RecordWebSocketDisconnect() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// RecordHTTPRequest records a completed HTTP request
func (m *Metrics) RecordHTTPRequest(route string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
