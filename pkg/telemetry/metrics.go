package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service. Every recording method
// is safe to call on a nil receiver so components can run without metrics.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Aggregation metrics
	venueCalls    *prometheus.CounterVec
	venueLatency  *prometheus.HistogramVec
	quotesTotal   *prometheus.CounterVec
	quoteNetValue prometheus.Histogram

	// Swap and wallet metrics
	swapsTotal       *prometheus.CounterVec
	walletProvisions *prometheus.CounterVec

	// Session metrics
	sessionsIssued  prometheus.Counter
	sessionsRevoked prometheus.Counter

	// Cache metrics
	cacheOps *prometheus.CounterVec

	// Configuration reload metrics
	configReloads *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenswipe_http_requests_total",
				Help: "Total number of HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenswipe_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		venueCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenswipe_venue_calls_total",
				Help: "Venue adapter calls by venue and outcome",
			},
			[]string{"venue", "outcome"},
		),

		venueLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenswipe_venue_call_duration_seconds",
				Help:    "Venue adapter call latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
			},
			[]string{"venue"},
		),

		quotesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenswipe_quotes_total",
				Help: "Aggregated quotes by outcome",
			},
			[]string{"outcome"},
		),

		quoteNetValue: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tokenswipe_quote_net_value",
				Help:    "Net value of selected quotes in quote currency",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		),

		swapsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenswipe_swaps_total",
				Help: "Swap requests by final state",
			},
			[]string{"state"},
		),

		walletProvisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenswipe_wallet_provisions_total",
				Help: "Wallet directory lookups by result",
			},
			[]string{"result"},
		),

		sessionsIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenswipe_sessions_issued_total",
				Help: "Session tokens issued",
			},
		),

		sessionsRevoked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenswipe_sessions_revoked_total",
				Help: "Session tokens revoked by logout",
			},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenswipe_cache_operations_total",
				Help: "Cache operations by op and result",
			},
			[]string{"op", "result"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenswipe_config_reloads_total",
				Help: "Configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.venueCalls,
		m.venueLatency,
		m.quotesTotal,
		m.quoteNetValue,
		m.swapsTotal,
		m.walletProvisions,
		m.sessionsIssued,
		m.sessionsRevoked,
		m.cacheOps,
		m.configReloads,
		collectors.NewGoCollector(),
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordVenueCall records one venue adapter call.
func (m *Metrics) RecordVenueCall(venue, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.venueCalls.WithLabelValues(venue, outcome).Inc()
	m.venueLatency.WithLabelValues(venue).Observe(duration.Seconds())
}

// RecordQuote records an aggregation result. netValue is ignored on failure.
func (m *Metrics) RecordQuote(outcome string, netValue float64) {
	if m == nil {
		return
	}
	m.quotesTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" && netValue > 0 {
		m.quoteNetValue.Observe(netValue)
	}
}

// RecordSwap records the state a swap request ended in.
func (m *Metrics) RecordSwap(state string) {
	if m == nil {
		return
	}
	m.swapsTotal.WithLabelValues(state).Inc()
}

// RecordWalletLookup records a wallet directory result (hit, created, recovered, not_found, error).
func (m *Metrics) RecordWalletLookup(result string) {
	if m == nil {
		return
	}
	m.walletProvisions.WithLabelValues(result).Inc()
}

// RecordSessionIssued records a new session token.
func (m *Metrics) RecordSessionIssued() {
	if m == nil {
		return
	}
	m.sessionsIssued.Inc()
}

// RecordSessionRevoked records a logout.
func (m *Metrics) RecordSessionRevoked() {
	if m == nil {
		return
	}
	m.sessionsRevoked.Inc()
}

// RecordCacheOp records a cache operation result (hit, miss, ok, error).
func (m *Metrics) RecordCacheOp(op, result string) {
	if m == nil {
		return
	}
	m.cacheOps.WithLabelValues(op, result).Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics.
// Routes are labelled with their mux path template to bound cardinality.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, routeName(r), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unknown"
}
