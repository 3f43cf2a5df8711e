package httpx

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// metrics is shared by the dispatcher and the admin router.
type metrics struct {
	adminRequests   *prometheus.CounterVec
	adminLatency    *prometheus.HistogramVec
	rateLimitHits   *prometheus.CounterVec
	dispatched      *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	activations     *prometheus.CounterVec
	wsSessions      prometheus.Gauge
	panics          prometheus.Counter
}

var (
	metricsOnce sync.Once
	shared      *metrics
)

func loadMetrics() *metrics {
	metricsOnce.Do(func() {
		shared = &metrics{
			adminRequests: register(prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peep",
				Subsystem: "edge",
				Name:      "admin_requests_total",
				Help:      "Count of processed admin HTTP requests",
			}, []string{"method", "route", "status"})),
			adminLatency: register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "peep",
				Subsystem: "edge",
				Name:      "admin_request_duration_seconds",
				Help:      "Latency distribution of admin handlers",
				Buckets:   histogramBuckets,
			}, []string{"method", "route", "status"})),
			rateLimitHits: register(prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peep",
				Subsystem: "edge",
				Name:      "rate_limit_hits_total",
				Help:      "Number of rate-limited admin responses",
			}, []string{"route", "key"})),
			dispatched: register(prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peep",
				Subsystem: "edge",
				Name:      "dispatch_requests_total",
				Help:      "Requests dispatched by route kind and status",
			}, []string{"kind", "status"})),
			dispatchLatency: register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "peep",
				Subsystem: "edge",
				Name:      "dispatch_duration_seconds",
				Help:      "Latency of dispatched requests by route kind",
				Buckets:   histogramBuckets,
			}, []string{"kind"})),
			activations: register(prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peep",
				Subsystem: "edge",
				Name:      "compute_activations_total",
				Help:      "Compute unit activations triggered by traffic",
			}, []string{"outcome"})),
			wsSessions: register(prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "peep",
				Subsystem: "edge",
				Name:      "websocket_sessions",
				Help:      "Currently open proxied WebSocket sessions",
			})),
			panics: register(prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "peep",
				Subsystem: "edge",
				Name:      "dispatch_panics_total",
				Help:      "Dispatch panics recovered into 500 responses",
			})),
		}
	})
	return shared
}

func register[T prometheus.Collector](collector T) T {
	if err := prometheus.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return collector
}

func (m *metrics) recordAdmin(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.adminRequests.With(labels).Inc()
	m.adminLatency.With(labels).Observe(duration.Seconds())
}

func (m *metrics) recordDispatch(kind string, status int, duration time.Duration) {
	m.dispatched.WithLabelValues(kind, strconv.Itoa(status)).Inc()
	m.dispatchLatency.WithLabelValues(kind).Observe(duration.Seconds())
}
