package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	PermissionChecksTotal  *prometheus.CounterVec
	PermissionCheckLatency *prometheus.HistogramVec
	ScopeDecisionsTotal    *prometheus.CounterVec

	// Permission cache metrics
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	CacheEvictionsTotal *prometheus.CounterVec

	// Spatial lookup metrics
	SpatialLookupsTotal   *prometheus.CounterVec
	SpatialLookupDuration *prometheus.HistogramVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forestwatch_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forestwatch_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forestwatch_permission_checks_total",
				Help: "Total number of permission checks by outcome",
			},
			[]string{"mode", "result"},
		),
		PermissionCheckLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forestwatch_permission_check_duration_seconds",
				Help:    "Permission check duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		ScopeDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forestwatch_scope_decisions_total",
				Help: "Scoped query gate decisions by kind (bypass, empty, attribute, path, denied)",
			},
			[]string{"decision"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forestwatch_permission_cache_hits_total",
				Help: "Permission cache hits by cache tier",
			},
			[]string{"tier"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forestwatch_permission_cache_misses_total",
				Help: "Permission cache misses by cache tier",
			},
			[]string{"tier"},
		),
		CacheEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forestwatch_permission_cache_evictions_total",
				Help: "Permission cache evictions by reason (ttl, explicit, sweep)",
			},
			[]string{"reason"},
		),
		SpatialLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forestwatch_spatial_lookups_total",
				Help: "Boundary attribution lookups by granularity and outcome",
			},
			[]string{"granularity", "result"},
		),
		SpatialLookupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forestwatch_spatial_lookup_duration_seconds",
				Help:    "Boundary attribution lookup duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 120},
			},
			[]string{"granularity"},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forestwatch_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forestwatch_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionChecksTotal,
		m.PermissionCheckLatency,
		m.ScopeDecisionsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheEvictionsTotal,
		m.SpatialLookupsTotal,
		m.SpatialLookupDuration,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with request metrics
func (m *Metrics) InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
