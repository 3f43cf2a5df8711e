package httpx

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/localvercel/edge/internal/domain"
	"github.com/splax/localvercel/edge/internal/service/archive"
	"github.com/splax/localvercel/edge/internal/workspace"
	"github.com/splax/localvercel/edge/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	defaultUploadMB    = 512
	reasonAdminRemoval = "removed by operator"
)

// RouteAdmin is the slice of the resolver the admin API needs.
type RouteAdmin interface {
	ListRoutes(ctx context.Context) ([]domain.Route, error)
	Lookup(ctx context.Context, name string) (*domain.Route, error)
	RemoveRoute(ctx context.Context, name, reason string) error
}

// DeploymentAdmin is the slice of the watcher the admin API needs.
type DeploymentAdmin interface {
	Status(ctx context.Context, id string) (*domain.DeploymentStatus, error)
	Statuses(ctx context.Context) ([]domain.DeploymentStatus, error)
	Retry(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Trigger(path string) bool
}

// RouterOptions wires the admin Router.
type RouterOptions struct {
	Logger      *slog.Logger
	Routes      RouteAdmin
	Deployments DeploymentAdmin
	Hub         *ws.Hub
	Workspace   *workspace.Manager
	Limiter     RateLimiter
	RateLimit   int
	AdminToken  string
	UploadMaxMB int
	// HealthChecks are probed by /healthz, keyed by component name.
	HealthChecks map[string]func(context.Context) error
}

// Router serves the admin API.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	routes       RouteAdmin
	deployments  DeploymentAdmin
	hub          *ws.Hub
	workspace    *workspace.Manager
	limiter      RateLimiter
	rateLimit    int
	adminToken   string
	uploadMax    int64
	healthChecks map[string]func(context.Context) error
	metrics      *metrics
	upgrader     websocket.Upgrader
}

// NewRouter assembles admin routes.
func NewRouter(opts RouterOptions) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	uploadMB := opts.UploadMaxMB
	if uploadMB <= 0 {
		uploadMB = defaultUploadMB
	}
	r := &Router{
		mux:          http.NewServeMux(),
		logger:       logger.With("component", "admin"),
		routes:       opts.Routes,
		deployments:  opts.Deployments,
		hub:          opts.Hub,
		workspace:    opts.Workspace,
		limiter:      opts.Limiter,
		rateLimit:    opts.RateLimit,
		adminToken:   strings.TrimSpace(opts.AdminToken),
		uploadMax:    int64(uploadMB) << 20,
		healthChecks: opts.HealthChecks,
		metrics:      loadMetrics(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", audit(r.logger, r.metrics, "/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/routes", audit(r.logger, r.metrics, "/routes", r.withRateLimit("/routes", r.handleRoutes)))
	r.mux.HandleFunc("/routes/", audit(r.logger, r.metrics, "/routes/{domain}", r.withRateLimit("/routes/{domain}", r.requireToken(r.handleRoute))))
	r.mux.HandleFunc("/deployments", audit(r.logger, r.metrics, "/deployments", r.withRateLimit("/deployments", r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", audit(r.logger, r.metrics, "/deployments/{id}", r.withRateLimit("/deployments/{id}", r.handleDeployment)))
	r.mux.HandleFunc("/uploads", audit(r.logger, r.metrics, "/uploads", r.withRateLimit("/uploads", r.requireToken(r.handleUpload))))
	r.mux.HandleFunc("/ws/deployments", audit(r.logger, r.metrics, "/ws/deployments", r.withRateLimit("/ws/deployments", r.handleDeploymentsWS)))
	r.mux.HandleFunc("/events/deployments", audit(r.logger, r.metrics, "/events/deployments", r.withRateLimit("/events/deployments", r.handleDeploymentsSSE)))
}

// requireToken guards mutating endpoints when an admin token is configured.
// The token is accepted as a bearer credential or in X-Edge-Token.
func (r *Router) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.adminToken == "" || req.Method == http.MethodGet || req.Method == http.MethodHead {
			next(w, req)
			return
		}
		provided := strings.TrimSpace(req.Header.Get("X-Edge-Token"))
		if provided == "" {
			if token, err := bearerToken(req.Header.Get("Authorization")); err == nil {
				provided = token
			}
		}
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(r.adminToken)) != 1 {
			r.logger.Warn("admin token rejected", "path", req.URL.Path, "ip", remoteIP(req))
			writeError(w, http.StatusUnauthorized, "admin token required")
			return
		}
		next(w, req)
	}
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	for name, check := range r.healthChecks {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleRoutes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	routes, err := r.routes.ListRoutes(req.Context())
	if err != nil {
		r.logger.Error("list routes failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list routes failed")
		return
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Domain < routes[j].Domain })
	writeJSON(w, http.StatusOK, map[string]any{"routes": routes})
}

func (r *Router) handleRoute(w http.ResponseWriter, req *http.Request) {
	name := domain.NormalizeDomain(strings.TrimPrefix(req.URL.Path, "/routes/"))
	if name == "" || strings.Contains(name, "/") {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		route, err := r.routes.Lookup(req.Context(), name)
		if err != nil {
			r.fail(w, "lookup route", err)
			return
		}
		writeJSON(w, http.StatusOK, route)
	case http.MethodDelete:
		if _, err := r.routes.Lookup(req.Context(), name); err != nil {
			r.fail(w, "lookup route", err)
			return
		}
		if err := r.routes.RemoveRoute(req.Context(), name, reasonAdminRemoval); err != nil {
			r.fail(w, "remove route", err)
			return
		}
		r.logger.Info("route removed by operator", "domain", name)
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	statuses, err := r.deployments.Statuses(req.Context())
	if err != nil {
		r.fail(w, "list deployments", err)
		return
	}
	if state := req.URL.Query().Get("state"); state != "" {
		filtered := statuses[:0]
		for _, status := range statuses {
			if string(status.State) == state {
				filtered = append(filtered, status)
			}
		}
		statuses = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": statuses})
}

// handleDeployment serves /deployments/{id}[/retry|/cancel]. Identifiers may
// contain a slash (customer/name).
func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request) {
	id, action := splitDeploymentPath(strings.TrimPrefix(req.URL.Path, "/deployments/"))
	if id == "" {
		r.notFound(w)
		return
	}
	switch {
	case action == "" && req.Method == http.MethodGet:
		status, err := r.deployments.Status(req.Context(), id)
		if err != nil {
			r.fail(w, "get deployment", err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case action == "" && req.Method == http.MethodDelete:
		r.requireToken(func(w http.ResponseWriter, req *http.Request) {
			if err := r.deployments.Remove(req.Context(), id); err != nil {
				r.fail(w, "remove deployment", err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})(w, req)
	case action == "retry" && req.Method == http.MethodPost:
		r.requireToken(func(w http.ResponseWriter, req *http.Request) {
			if err := r.deployments.Retry(req.Context(), id); err != nil {
				r.fail(w, "retry deployment", err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"deployment_id": id, "queued": true})
		})(w, req)
	case action == "cancel" && req.Method == http.MethodPost:
		r.requireToken(func(w http.ResponseWriter, req *http.Request) {
			if err := r.deployments.Cancel(req.Context(), id); err != nil {
				r.fail(w, "cancel deployment", err)
				return
			}
			status, err := r.deployments.Status(req.Context(), id)
			if err != nil {
				writeJSON(w, http.StatusOK, map[string]any{"deployment_id": id, "state": domain.StateFailed})
				return
			}
			writeJSON(w, http.StatusOK, status)
		})(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func splitDeploymentPath(rest string) (id, action string) {
	rest = strings.Trim(rest, "/")
	for _, suffix := range []string{"retry", "cancel"} {
		if trimmed, ok := strings.CutSuffix(rest, "/"+suffix); ok {
			return trimmed, suffix
		}
	}
	return rest, ""
}

// handleUpload streams an archive into the watch root through the scratch
// area and queues it.
func (r *Router) handleUpload(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost && req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	if r.workspace == nil {
		writeError(w, http.StatusServiceUnavailable, "uploads disabled")
		return
	}
	name := strings.TrimSpace(req.URL.Query().Get("name"))
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || !archive.IsArchive(name) {
		writeError(w, http.StatusBadRequest, "name must be an archive file name such as site.zip")
		return
	}

	scratch, err := r.workspace.Scratch("upload")
	if err != nil {
		r.fail(w, "create upload scratch", err)
		return
	}
	defer os.RemoveAll(scratch)

	staged := filepath.Join(scratch, name)
	written, err := r.receive(w, req, staged)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		r.logger.Warn("upload failed", "name", name, "error", err)
		writeError(w, http.StatusBadRequest, "upload failed")
		return
	}
	if written == 0 {
		writeError(w, http.StatusBadRequest, "empty upload")
		return
	}

	dest := filepath.Join(r.workspace.Root(), name)
	if err := os.Rename(staged, dest); err != nil {
		r.fail(w, "promote upload", err)
		return
	}
	queued := r.deployments.Trigger(dest)
	id := archive.Stem(name)
	r.logger.Info("archive uploaded", "deployment_id", id, "name", name, "bytes", written, "queued", queued)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"deployment_id": id,
		"bytes":         written,
		"queued":        queued,
	})
}

func (r *Router) receive(w http.ResponseWriter, req *http.Request, path string) (int64, error) {
	body := http.MaxBytesReader(w, req.Body, r.uploadMax)
	defer body.Close()
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	written, copyErr := io.Copy(file, body)
	closeErr := file.Close()
	if copyErr != nil {
		return written, copyErr
	}
	return written, closeErr
}

func (r *Router) handleDeploymentsWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "status stream disabled")
		return
	}
	topic := streamTopic(req)
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	go func() {
		defer r.hub.Unregister(topic, client)
		client.Serve()
	}()
}

func (r *Router) handleDeploymentsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "status stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	topic := streamTopic(req)
	client := ws.NewSSEClient(w, flusher, "deployment", r.logger)
	r.hub.Register(topic, client)
	defer r.hub.Unregister(topic, client)

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func streamTopic(req *http.Request) string {
	if id := strings.TrimSpace(req.URL.Query().Get("deployment")); id != "" {
		return id
	}
	return ws.AllTopics
}

// fail maps err onto a status code, logging server-side failures.
func (r *Router) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		r.logger.Error(op+" failed", "error", err)
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
