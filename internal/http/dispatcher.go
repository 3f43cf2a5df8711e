package httpx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/splax/localvercel/edge/internal/domain"
	"github.com/splax/localvercel/edge/internal/service/telemetry"
	"github.com/splax/localvercel/edge/internal/supervisor"
)

// RouteResolver resolves a request host to its route.
type RouteResolver interface {
	GetRoute(ctx context.Context, name string) (*domain.Route, error)
}

// DispatcherOptions tunes upstream behaviour.
type DispatcherOptions struct {
	// UpstreamTimeout bounds dialing and waiting for response headers.
	UpstreamTimeout time.Duration
	Transport       http.RoundTripper
}

// Dispatcher classifies requests by Host and forwards them to the route's
// static tree, reverse-proxy target or compute unit.
type Dispatcher struct {
	routes     RouteResolver
	supervisor supervisor.Supervisor
	sink       telemetry.Sink
	logger     *slog.Logger
	metrics    *metrics
	tracker    *tracker
	upgrader   websocket.Upgrader
	dialer     *websocket.Dialer

	reverseProxy *httputil.ReverseProxy
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(routes RouteResolver, sup supervisor.Supervisor, sink telemetry.Sink, logger *slog.Logger, opts DispatcherOptions) *Dispatcher {
	if sup == nil {
		sup = supervisor.Disabled{}
	}
	if sink == nil {
		sink = telemetry.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.UpstreamTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			DialContext:           (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: time.Second,
		}
	}
	d := &Dispatcher{
		routes:     routes,
		supervisor: sup,
		sink:       sink,
		logger:     logger.With("component", "dispatcher"),
		metrics:    loadMetrics(),
		tracker:    newTracker(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: timeout},
	}
	d.reverseProxy = &httputil.ReverseProxy{
		Rewrite:        d.rewrite,
		Transport:      transport,
		FlushInterval:  -1,
		ModifyResponse: d.complete,
		ErrorHandler:   d.upstreamError,
	}
	return d
}

// ServeHTTP implements http.Handler. It always produces a response.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	recorder := &statusRecorder{ResponseWriter: w}
	start := time.Now()
	requestID := uuid.NewString()
	kind := "unresolved"
	var route *domain.Route

	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				panic(p)
			}
			d.recovered(recorder, req, requestID, route, p)
		}
		status := recorder.statusCode()
		duration := time.Since(start)
		d.metrics.recordDispatch(kind, status, duration)
		extra := []any{"kind", kind}
		if route != nil {
			extra = append(extra, "customer_id", route.CustomerID, "deployment", route.DeploymentName)
		}
		logRequest(d.logger, req, status, recorder.bytes, duration, requestID, extra...)
	}()

	host := domain.NormalizeDomain(req.Host)
	if host == "" {
		writeError(recorder, http.StatusBadRequest, "missing host header")
		return
	}
	resolved, err := d.routes.GetRoute(req.Context(), host)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(recorder, http.StatusNotFound, "no deployment for "+host)
			return
		}
		d.logger.Error("route lookup failed", "domain", host, "error", err)
		writeError(recorder, http.StatusInternalServerError, "route lookup failed")
		return
	}
	route = resolved
	routeKind := route.Framework.Kind()
	kind = routeKind.String()

	if websocket.IsWebSocketUpgrade(req) {
		d.serveWebSocket(recorder, req, route, requestID)
		return
	}
	switch routeKind {
	case domain.KindStatic:
		d.serveStatic(recorder, req, route)
	case domain.KindReverseProxy:
		d.serveProxy(recorder, req, route, requestID)
	case domain.KindCompute:
		d.serveCompute(recorder, req, route, requestID)
	default:
		d.logger.Error("route has unsupported framework", "domain", host, "framework", string(route.Framework))
		writeError(recorder, http.StatusInternalServerError, "unsupported framework")
	}
}

func (d *Dispatcher) recovered(w *statusRecorder, req *http.Request, requestID string, route *domain.Route, p any) {
	d.metrics.panics.Inc()
	d.logger.Error("dispatch panic recovered",
		"host", req.Host,
		"path", req.URL.Path,
		"request_id", requestID,
		"panic", fmt.Sprint(p),
		"stack", string(debug.Stack()),
	)
	event := telemetry.Event{Type: telemetry.EventDispatchRecovered, Domain: domain.NormalizeDomain(req.Host), Level: "error", Message: fmt.Sprint(p)}
	if route != nil {
		event.CustomerID = route.CustomerID
		event.DeploymentID = route.DeploymentName
		event.ComputeID = route.ComputeID
	}
	d.sink.RecordEvent(event)
	if entry := d.tracker.take(requestID); entry != nil {
		d.sink.RecordRequest(entry.computeID, time.Since(entry.start), entry.bytesIn.count(), 0, true)
	}
	if !w.written() {
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ensureActive returns a running compute unit for route, spawning it when
// absent or stopped.
func (d *Dispatcher) ensureActive(ctx context.Context, route *domain.Route) (domain.ComputeState, error) {
	if route.ComputeID == "" {
		return domain.ComputeState{}, fmt.Errorf("%w: route %s has no compute unit", domain.ErrUpstream, route.Domain)
	}
	state, err := d.supervisor.State(ctx, route.ComputeID)
	if err == nil && state.Running && state.Port > 0 {
		if err := d.supervisor.TouchLastAccess(ctx, route.ComputeID); err != nil {
			d.logger.Debug("touch last access failed", "compute_id", route.ComputeID, "error", err)
		}
		return state, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		d.logger.Warn("compute state lookup failed; spawning", "compute_id", route.ComputeID, "error", err)
	}

	state, err = d.supervisor.Spawn(ctx, computeSpec(route))
	if err != nil {
		d.metrics.activations.WithLabelValues("error").Inc()
		if errors.Is(err, domain.ErrUpstream) {
			return domain.ComputeState{}, err
		}
		return domain.ComputeState{}, fmt.Errorf("%w: activate %s: %v", domain.ErrUpstream, route.ComputeID, err)
	}
	d.metrics.activations.WithLabelValues("ok").Inc()
	d.logger.Info("compute unit activated", "compute_id", route.ComputeID, "domain", route.Domain, "port", state.Port)
	d.sink.RecordEvent(telemetry.Event{
		Type:         telemetry.EventComputeActivated,
		Domain:       route.Domain,
		DeploymentID: route.DeploymentName,
		CustomerID:   route.CustomerID,
		ComputeID:    route.ComputeID,
		Message:      "activated on demand",
	})
	return state, nil
}

func computeSpec(route *domain.Route) domain.ComputeSpec {
	spec := domain.ComputeSpec{
		ID:         route.ComputeID,
		CustomerID: route.CustomerID,
		Name:       route.DeploymentName,
		Framework:  route.Framework,
		Path:       route.BuildPath,
		Domains:    []string{route.Domain},
	}
	if cfg := route.Config; cfg != nil {
		spec.StartCommand = cfg.StartCommand
		spec.Port = cfg.Port
		spec.Memory = cfg.Memory
		spec.CPU = cfg.CPU
		spec.Env = cfg.Env
		spec.Development = cfg.Development
	}
	return spec
}

func upstreamHost(state domain.ComputeState) string {
	host := state.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(state.Port))
}
