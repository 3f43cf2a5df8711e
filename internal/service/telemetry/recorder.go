package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	runtimetelemetry "github.com/splax/localvercel/edge/pkg/runtime/telemetry"
)

const (
	eventQueueSize      = 1024
	defaultFlushEvery   = 30 * time.Second
	forwardTimeout      = 5 * time.Second
	outcomeOK           = "ok"
	outcomeError        = "error"
	unattributedCompute = "none"
)

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Forwarder ships events and rollups upstream.
type Forwarder interface {
	Emit(ctx context.Context, event runtimetelemetry.Event) error
	EmitRollups(ctx context.Context, rollups []runtimetelemetry.Rollup) error
}

// Recorder is the edge telemetry Sink: Prometheus collectors, a per-compute
// latency rollup, and optional forwarding to the peep API.
type Recorder struct {
	logger     *slog.Logger
	forwarder  Forwarder
	flushEvery time.Duration
	now        func() time.Time
	agg        *rollupAggregator
	events     chan Event

	metricsOnce sync.Once
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	bytes       *prometheus.CounterVec
	eventsTotal *prometheus.CounterVec
	dropped     prometheus.Counter
}

var _ Sink = (*Recorder)(nil)

// NewRecorder constructs a Recorder. forwarder may be nil.
func NewRecorder(logger *slog.Logger, forwarder Forwarder, flushEvery time.Duration) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if flushEvery <= 0 {
		flushEvery = defaultFlushEvery
	}
	r := &Recorder{
		logger:     logger.With("component", "telemetry"),
		forwarder:  forwarder,
		flushEvery: flushEvery,
		now:        time.Now,
		agg:        newRollupAggregator(flushEvery, defaultRollupSamples, time.Now().UnixNano()),
		events:     make(chan Event, eventQueueSize),
	}
	r.initMetrics()
	return r
}

func (r *Recorder) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requests = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "edge",
			Name:      "compute_requests_total",
			Help:      "Requests forwarded to compute units",
		}, []string{"compute_id", "outcome"}))
		r.latency = register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "peep",
			Subsystem: "edge",
			Name:      "compute_request_duration_seconds",
			Help:      "Latency of requests forwarded to compute units",
			Buckets:   latencyBuckets,
		}, []string{"compute_id"}))
		r.bytes = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "edge",
			Name:      "compute_bytes_total",
			Help:      "Bytes exchanged with compute units",
		}, []string{"compute_id", "direction"}))
		r.eventsTotal = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "edge",
			Name:      "events_total",
			Help:      "Lifecycle events recorded by the edge",
		}, []string{"type"}))
		r.dropped = register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "edge",
			Name:      "telemetry_dropped_total",
			Help:      "Events dropped because the forward queue was full",
		}))
	})
}

// register adopts an already registered collector of the same shape so
// multiple recorders in one process share series.
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

// RecordRequest accounts one forwarded request.
func (r *Recorder) RecordRequest(computeID string, latency time.Duration, bytesIn, bytesOut int64, isError bool) {
	if strings.TrimSpace(computeID) == "" {
		computeID = unattributedCompute
	}
	outcome := outcomeOK
	if isError {
		outcome = outcomeError
	}
	r.requests.WithLabelValues(computeID, outcome).Inc()
	r.latency.WithLabelValues(computeID).Observe(latency.Seconds())
	r.bytes.WithLabelValues(computeID, "in").Add(float64(bytesIn))
	r.bytes.WithLabelValues(computeID, "out").Add(float64(bytesOut))
	r.agg.add(computeID, r.now(), latency, bytesIn, bytesOut, isError)
}

// RecordEvent counts the event and queues it for forwarding.
func (r *Recorder) RecordEvent(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now()
	}
	r.eventsTotal.WithLabelValues(event.Type).Inc()
	r.logger.Debug("telemetry event",
		"type", event.Type,
		"domain", event.Domain,
		"deployment_id", event.DeploymentID,
		"compute_id", event.ComputeID,
	)
	if r.forwarder == nil {
		return
	}
	select {
	case r.events <- event:
	default:
		r.dropped.Inc()
	}
}

// Run forwards queued events and closed rollup buckets until ctx is done,
// then flushes whatever remains.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
			r.drainEvents(flushCtx)
			r.forwardRollups(flushCtx, r.agg.flushAll())
			cancel()
			return
		case event := <-r.events:
			r.forwardEvent(ctx, event)
		case <-ticker.C:
			r.forwardRollups(ctx, r.agg.flushBefore(r.now()))
		}
	}
}

// Rollups flushes every open bucket. Intended for admin inspection and tests.
func (r *Recorder) Rollups() []runtimetelemetry.Rollup {
	return r.agg.flushAll()
}

func (r *Recorder) drainEvents(ctx context.Context) {
	for {
		select {
		case event := <-r.events:
			r.forwardEvent(ctx, event)
		default:
			return
		}
	}
}

func (r *Recorder) forwardEvent(ctx context.Context, event Event) {
	if r.forwarder == nil {
		return
	}
	level := event.Level
	if level == "" {
		level = "info"
	}
	callCtx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()
	err := r.forwarder.Emit(callCtx, runtimetelemetry.Event{
		ComputeID:    event.ComputeID,
		DeploymentID: event.DeploymentID,
		Domain:       event.Domain,
		EventType:    event.Type,
		Level:        level,
		Message:      event.Message,
		OccurredAt:   event.OccurredAt,
	})
	if err != nil {
		r.logger.Warn("failed to forward telemetry event", "type", event.Type, "error", err)
	}
}

func (r *Recorder) forwardRollups(ctx context.Context, rollups []runtimetelemetry.Rollup) {
	if r.forwarder == nil || len(rollups) == 0 {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()
	if err := r.forwarder.EmitRollups(callCtx, rollups); err != nil {
		r.logger.Warn("failed to forward telemetry rollups", "count", len(rollups), "error", err)
	}
}
