// ABOUTME: Prometheus instrumentation for fetches, coalescing, mutations, and notifications
// ABOUTME: A nil *Metrics is valid and records nothing
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch and mutation outcome labels.
const (
	OutcomeOK           = "ok"
	OutcomeError        = "error"
	OutcomeInvalid      = "invalid"
	OutcomeCommitted    = "committed"
	OutcomeRolledBack   = "rolled_back"
	OutcomeUnauthorized = "unauthorized"
)

type Metrics struct {
	registry *prometheus.Registry

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	coalesced     *prometheus.CounterVec
	mutations     *prometheus.CounterVec
	notifications *prometheus.CounterVec
	cacheItems    *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.fetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schoolsync",
		Name:      "fetches_total",
		Help:      "Collection fetches by outcome",
	}, []string{"collection", "outcome"})
	m.fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "schoolsync",
		Name:      "fetch_duration_seconds",
		Help:      "Time spent fetching a collection including retries",
		Buckets:   prometheus.DefBuckets,
	}, []string{"collection"})
	m.coalesced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schoolsync",
		Name:      "coalesced_requests_total",
		Help:      "Refresh requests that joined an in-flight fetch",
	}, []string{"collection"})
	m.mutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schoolsync",
		Name:      "mutations_total",
		Help:      "Admin mutations by operation and outcome",
	}, []string{"collection", "op", "outcome"})
	m.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schoolsync",
		Name:      "notifications_total",
		Help:      "Change notifications published on page buses",
	}, []string{"collection", "reason"})
	m.cacheItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "schoolsync",
		Name:      "cache_items",
		Help:      "Items in the most recent cache entry",
	}, []string{"collection"})

	m.registry.MustRegister(
		m.fetches,
		m.fetchDuration,
		m.coalesced,
		m.mutations,
		m.notifications,
		m.cacheItems,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FetchDone(collection string, took time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(collection, outcome).Inc()
	m.fetchDuration.WithLabelValues(collection).Observe(took.Seconds())
}

func (m *Metrics) Coalesced(collection string) {
	if m == nil {
		return
	}
	m.coalesced.WithLabelValues(collection).Inc()
}

func (m *Metrics) MutationDone(collection, op, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(collection, op, outcome).Inc()
}

func (m *Metrics) Notified(collection, reason string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(collection, reason).Inc()
}

func (m *Metrics) CacheSize(collection string, n int) {
	if m == nil {
		return
	}
	m.cacheItems.WithLabelValues(collection).Set(float64(n))
}
