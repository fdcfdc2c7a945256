package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the session-state subsystem.
type Metrics struct {
	registry *prometheus.Registry

	// Cache metrics
	CacheHitsTotal     *prometheus.CounterVec
	CacheMissesTotal   prometheus.Counter
	CacheL2ErrorsTotal *prometheus.CounterVec
	CacheStaleFills    prometheus.Counter

	// Lock metrics
	LockAcquireTotal    *prometheus.CounterVec
	LockAcquireDuration prometheus.Histogram

	// Coordinator metrics
	CacheRollbacksTotal prometheus.Counter
	SeqConflictsTotal   prometheus.Counter

	// Migration metrics
	MigrationSessionsTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freechat_cache_hits_total",
				Help: "Cache hits by tier (l1, l2).",
			},
			[]string{"tier"},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "freechat_cache_misses_total",
				Help: "Lookups that missed both cache tiers.",
			},
		),
		CacheL2ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freechat_cache_l2_errors_total",
				Help: "Shared cache tier failures by operation, degraded to pass-through.",
			},
			[]string{"op"},
		),
		CacheStaleFills: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "freechat_cache_stale_fills_total",
				Help: "Read-through fills refused because a writer invalidated the key meanwhile.",
			},
		),
		LockAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freechat_lock_acquire_total",
				Help: "Distributed lock acquisitions by outcome.",
			},
			[]string{"outcome"},
		),
		LockAcquireDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "freechat_lock_acquire_duration_seconds",
				Help:    "Time spent waiting for a distributed lock.",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
		),
		CacheRollbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "freechat_cache_rollbacks_total",
				Help: "Cache entries invalidated after a failed durable write.",
			},
		),
		SeqConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "freechat_seq_conflicts_total",
				Help: "Message appends retried after a (session_id, seq) collision.",
			},
		),
		MigrationSessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freechat_migration_sessions_total",
				Help: "Legacy sessions processed by the migration runner, by outcome.",
			},
			[]string{"outcome"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freechat_http_requests_total",
				Help: "HTTP requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "freechat_http_request_duration_seconds",
				Help:    "HTTP request latency by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	registry.MustRegister(
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheL2ErrorsTotal,
		m.CacheStaleFills,
		m.LockAcquireTotal,
		m.LockAcquireDuration,
		m.CacheRollbacksTotal,
		m.SeqConflictsTotal,
		m.MigrationSessionsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
