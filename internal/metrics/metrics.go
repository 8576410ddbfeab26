// Package metrics owns the Prometheus registry. Every method is safe to call
// on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bunnyhop/internal/apperr"
)

const namespace = "bunnyhop"

type Metrics struct {
	registry       *prometheus.Registry
	syncs          *prometheus.CounterVec
	syncDuration   prometheus.Histogram
	stravaRequests *prometheus.CounterVec
	stravaLatency  *prometheus.HistogramVec
	stravaRetries  *prometheus.CounterVec
	riders         prometheus.Gauge
	cache          *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "syncs_total",
			Help:      "Rider syncs by outcome.",
		}, []string{"outcome"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Wall time of a rider sync.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		stravaRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strava_requests_total",
			Help:      "Strava HTTP attempts by endpoint and status code.",
		}, []string{"endpoint", "code"}),
		stravaLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "strava_request_duration_seconds",
			Help:      "Latency of Strava HTTP attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		stravaRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strava_retries_total",
			Help:      "Strava requests retried after a transient failure.",
		}, []string{"endpoint"}),
		riders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leaderboard_riders",
			Help:      "Riders on the leaderboard at the last read.",
		}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaderboard_cache_total",
			Help:      "Leaderboard cache lookups by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.syncs,
		m.syncDuration,
		m.stravaRequests,
		m.stravaLatency,
		m.stravaRetries,
		m.riders,
		m.cache,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ObserveRequest records one HTTP attempt. Status 0 means a transport error.
func (m *Metrics) ObserveRequest(endpoint string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.stravaRequests.WithLabelValues(endpoint, code).Inc()
	m.stravaLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetry(endpoint string) {
	if m == nil {
		return
	}
	m.stravaRetries.WithLabelValues(endpoint).Inc()
}

// ObserveSync counts a finished sync under "ok" or the error kind.
func (m *Metrics) ObserveSync(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = apperr.Kind(err)
	}
	m.syncs.WithLabelValues(outcome).Inc()
	m.syncDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SetRiders(n int) {
	if m == nil {
		return
	}
	m.riders.Set(float64(n))
}

// ObserveCache records a leaderboard cache lookup: hit, stale or miss.
func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.cache.WithLabelValues(result).Inc()
}
