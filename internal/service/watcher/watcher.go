// Package watcher drives deployment directories under the watch root from
// "files appeared" to "route is live" or "deployment failed".
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/splax/localvercel/edge/internal/domain"
	"github.com/splax/localvercel/edge/internal/fswatch"
	"github.com/splax/localvercel/edge/internal/repository"
	"github.com/splax/localvercel/edge/internal/service/archive"
	"github.com/splax/localvercel/edge/internal/service/descriptor"
	"github.com/splax/localvercel/edge/internal/service/registrar"
	"github.com/splax/localvercel/edge/internal/service/telemetry"
	"github.com/splax/localvercel/edge/internal/workspace"
)

const (
	markerDeployed = ".deployed"
	markerFailed   = ".failed"
	triggerFile    = ".deploy"

	// Deployments live at <root>/<name> or <root>/<customer>/<name>.
	maxDepth = 2

	defaultDebounce    = 250 * time.Millisecond
	defaultWorkers     = 4
	defaultHealthEvery = 60 * time.Second
	queueSize          = 256
)

// Registrar claims and releases domains for deployments.
type Registrar interface {
	Register(ctx context.Context, desc *descriptor.Descriptor, dir string) (registrar.Result, error)
	Deregister(ctx context.Context, route domain.Route, reason string) error
	DeregisterOwner(ctx context.Context, owner domain.Owner, reason string) ([]string, error)
}

// Routes lists persisted routes for the health check.
type Routes interface {
	ListRoutes(ctx context.Context) ([]domain.Route, error)
}

// Extractor unpacks an archive into a directory.
type Extractor interface {
	Extract(ctx context.Context, src, dest string) error
}

// Publisher fans status changes out to stream subscribers.
type Publisher interface {
	Broadcast(topic string, payload []byte)
}

// Config tunes the watcher.
type Config struct {
	Debounce     time.Duration
	Workers      int
	BuildTimeout time.Duration
	HealthEvery  time.Duration
	// Notify enables inotify; without it only the startup scan, Trigger
	// and Process start pipelines.
	Notify bool
}

// Dependencies are the collaborators a Watcher drives.
type Dependencies struct {
	Workspace *workspace.Manager
	Registrar Registrar
	Routes    Routes
	Extractor Extractor
	Statuses  repository.StatusRepository
	Publisher Publisher
	Sink      telemetry.Sink
	Logger    *slog.Logger
}

// Watcher owns the in-flight set and the deployment pipeline.
type Watcher struct {
	ws        *workspace.Manager
	registrar Registrar
	routes    Routes
	extractor Extractor
	statuses  repository.StatusRepository
	publisher Publisher
	sink      telemetry.Sink
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	queue chan target
	sem   chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

// target is one unit of pipeline work.
type target struct {
	id  string
	dir string
	// archive is extracted into dir before the descriptor is loaded.
	archive string
}

// New constructs a Watcher.
func New(deps Dependencies, cfg Config) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.HealthEvery <= 0 {
		cfg.HealthEvery = defaultHealthEvery
	}
	if deps.Sink == nil {
		deps.Sink = telemetry.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Watcher{
		ws:        deps.Workspace,
		registrar: deps.Registrar,
		routes:    deps.Routes,
		extractor: deps.Extractor,
		statuses:  deps.Statuses,
		publisher: deps.Publisher,
		sink:      deps.Sink,
		logger:    deps.Logger.With("component", "watcher"),
		cfg:       cfg,
		now:       time.Now,
		queue:     make(chan target, queueSize),
		sem:       make(chan struct{}, cfg.Workers),
		inflight:  make(map[string]struct{}),
	}
}

// Run sweeps orphans, scans the root, then serves filesystem events,
// triggers and health checks until ctx is cancelled. In-progress pipelines
// are awaited before Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	w.sweepOrphans(ctx)

	var events <-chan fswatch.Event
	var watchErrs <-chan error
	if w.cfg.Notify {
		fw, err := fswatch.New(w.ws.Root(), maxDepth)
		if err != nil {
			w.logger.Warn("filesystem notifications unavailable; relying on scans and triggers", "error", err)
		} else {
			defer fw.Close()
			events = fw.Events()
			watchErrs = fw.Errors()
		}
	}

	w.scan(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.consume(ctx)
	}()

	ticker := time.NewTicker(w.cfg.HealthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-done
			w.wg.Wait()
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if t, ok := w.fromEvent(ev); ok {
				w.enqueue(t)
			}
		case err := <-watchErrs:
			w.logger.Error("filesystem watch stopped", "error", err)
			watchErrs = nil
		case <-ticker.C:
			w.checkHealth(ctx)
		}
	}
}

// Trigger queues path for processing. It reports false when path does not
// resolve to a deployment or that deployment is already in flight.
func (w *Watcher) Trigger(path string) bool {
	t, ok := w.resolve(path)
	if !ok || w.busy(t.id) {
		return false
	}
	return w.enqueue(t)
}

// Process runs the pipeline for path synchronously. A deployment already in
// flight is left alone and Process returns nil.
func (w *Watcher) Process(ctx context.Context, path string) error {
	t, ok := w.resolve(path)
	if !ok {
		return workspace.ErrOutsideRoot
	}
	if !w.acquire(t.id) {
		w.logger.Debug("deployment already in flight", "deployment_id", t.id)
		return nil
	}
	defer w.release(t.id)
	return w.pipeline(ctx, t)
}

func (w *Watcher) enqueue(t target) bool {
	select {
	case w.queue <- t:
		return true
	default:
		w.logger.Warn("deployment queue full; trigger dropped", "deployment_id", t.id)
		return false
	}
}

// consume coalesces bursts of triggers per deployment and dispatches them
// once the debounce window has been quiet.
func (w *Watcher) consume(ctx context.Context) {
	pending := make(map[string]target)
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-w.queue:
			if prev, ok := pending[t.id]; ok && prev.archive != "" && t.archive == "" {
				t.archive = prev.archive
			}
			pending[t.id] = t
			fire = time.After(w.cfg.Debounce)
		case <-fire:
			fire = nil
			for id, t := range pending {
				delete(pending, id)
				if t.archive == "" && upToDate(t.dir) {
					continue
				}
				w.dispatch(ctx, t)
			}
		}
	}
}

// dispatch starts t on a worker unless its identifier is already in flight.
func (w *Watcher) dispatch(ctx context.Context, t target) bool {
	if !w.acquire(t.id) {
		w.logger.Debug("deployment already in flight", "deployment_id", t.id)
		return false
	}
	w.queued(ctx, t)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.release(t.id)
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-w.sem }()
		_ = w.pipeline(ctx, t)
	}()
	return true
}

// queued records t as pending while it waits for a worker slot.
func (w *Watcher) queued(ctx context.Context, t target) {
	r := &run{id: t.id, dir: t.dir}
	r.prev, _ = w.statuses.GetStatus(ctx, t.id)
	w.transition(ctx, r, domain.StatePending, "")
}

func (w *Watcher) acquire(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inflight[id]; ok {
		return false
	}
	w.inflight[id] = struct{}{}
	return true
}

func (w *Watcher) release(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, id)
}

func (w *Watcher) busy(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.inflight[id]
	return ok
}

// scan queues every candidate deployment under the root, including archives
// dropped directly into it.
func (w *Watcher) scan(ctx context.Context) {
	dirs, err := w.ws.Deployments(isCandidate)
	if err != nil {
		w.logger.Error("scan watch root failed", "error", err)
		return
	}
	served := w.routesByDomain(ctx)
	started := 0
	for _, dir := range dirs {
		t, ok := w.resolve(dir)
		if !ok {
			continue
		}
		if failedUnchanged(dir) {
			w.logger.Debug("skipping failed deployment with no new input", "deployment_id", t.id)
			continue
		}
		if deployedUnchanged(dir) && w.adopt(ctx, t, served) {
			w.logger.Debug("skipping live deployment with no new input", "deployment_id", t.id)
			continue
		}
		if w.dispatch(ctx, t) {
			started++
		}
	}
	entries, err := os.ReadDir(w.ws.Root())
	if err == nil {
		for _, entry := range entries {
			if !entry.Type().IsRegular() || !archive.IsArchive(entry.Name()) {
				continue
			}
			if t, ok := w.resolve(filepath.Join(w.ws.Root(), entry.Name())); ok && w.dispatch(ctx, t) {
				started++
			}
		}
	}
	w.logger.Info("startup scan complete", "deployments", started)
}

func (w *Watcher) routesByDomain(ctx context.Context) map[string]domain.Route {
	routes, err := w.routes.ListRoutes(ctx)
	if err != nil {
		w.logger.Warn("list routes failed; rebuilding every deployment", "error", err)
		return nil
	}
	byDomain := make(map[string]domain.Route, len(routes))
	for _, route := range routes {
		byDomain[route.Domain] = route
	}
	return byDomain
}

// adopt reports whether every domain t declares is still routed to it. A
// deployment adopted this way keeps its stored status, or gets a success
// status when the status store has none.
func (w *Watcher) adopt(ctx context.Context, t target, served map[string]domain.Route) bool {
	desc, _, err := descriptor.Load(t.dir)
	if err != nil || desc.Validate() != nil {
		return false
	}
	domains := desc.Domains()
	if len(domains) == 0 {
		return false
	}
	for _, name := range domains {
		route, ok := served[domain.NormalizeDomain(name)]
		if !ok || !route.OwnedBy(desc.Owner()) {
			return false
		}
	}
	if _, err := w.statuses.GetStatus(ctx, t.id); err == nil {
		return true
	}
	r := &run{id: t.id, dir: t.dir, desc: desc}
	if desc.FrameworkValue().Kind() == domain.KindCompute {
		r.prev = &domain.DeploymentStatus{ComputeID: desc.ComputeID()}
	}
	w.transition(ctx, r, domain.StateSuccess, "")
	return true
}

// fromEvent maps a filesystem event to a pipeline target. Writes of marker
// and build output files are ignored.
func (w *Watcher) fromEvent(ev fswatch.Event) (target, bool) {
	if w.ws.IsScratch(ev.Path) {
		return target{}, false
	}
	if ev.IsDir {
		if !isCandidate(ev.Path) {
			return target{}, false
		}
		return w.resolve(ev.Path)
	}
	if ev.Created {
		// Wait for IN_CLOSE_WRITE.
		return target{}, false
	}
	return w.resolve(ev.Path)
}

// resolve maps a path to the deployment it belongs to.
func (w *Watcher) resolve(path string) (target, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return target{}, false
	}
	id, err := w.ws.ID(abs)
	if err != nil || hiddenSegment(id) {
		return target{}, false
	}
	info, err := os.Stat(abs)
	if err != nil {
		return target{}, false
	}
	if info.IsDir() {
		return w.dirTarget(abs)
	}
	name := filepath.Base(abs)
	parent := filepath.Dir(abs)
	switch {
	case archive.IsArchive(name) && parent == w.ws.Root():
		stem := archive.Stem(name)
		if stem == "" || strings.HasPrefix(stem, ".") {
			return target{}, false
		}
		dir := filepath.Join(parent, stem)
		return target{id: stem, dir: dir, archive: abs}, true
	case archive.IsArchive(name), descriptor.IsDescriptorName(name), name == triggerFile:
		t, ok := w.dirTarget(parent)
		if ok && archive.IsArchive(name) {
			t.archive = abs
		}
		return t, ok
	}
	return target{}, false
}

func (w *Watcher) dirTarget(dir string) (target, bool) {
	id, err := w.ws.ID(dir)
	if err != nil || hiddenSegment(id) || strings.Count(id, "/") >= maxDepth {
		return target{}, false
	}
	// A subdirectory of a deployment (build output, assets) is not itself
	// a deployment.
	if strings.Contains(id, "/") && isDeployment(filepath.Dir(dir)) {
		return target{}, false
	}
	return target{id: id, dir: dir}, true
}

func (w *Watcher) publish(status domain.DeploymentStatus) {
	if w.publisher == nil {
		return
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return
	}
	w.publisher.Broadcast(status.ID, payload)
}

func hiddenSegment(id string) bool {
	for _, part := range strings.Split(id, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// isCandidate reports whether dir holds something the pipeline can act on.
func isCandidate(dir string) bool {
	if isDeployment(dir) {
		return true
	}
	_, ok := archive.FindSingle(dir)
	return ok
}

// isDeployment reports whether dir holds a descriptor or trigger file.
func isDeployment(dir string) bool {
	if _, ok := descriptor.Find(dir); ok {
		return true
	}
	return fileExists(filepath.Join(dir, triggerFile))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// newestInput returns the latest modification time of the files that start
// a pipeline run in dir.
func newestInput(dir string) time.Time {
	var newest time.Time
	consider := func(path string) {
		if info, err := os.Stat(path); err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	if path, ok := descriptor.Find(dir); ok {
		consider(path)
	}
	consider(filepath.Join(dir, triggerFile))
	if path, ok := archive.FindSingle(dir); ok {
		consider(path)
	}
	return newest
}

// upToDate reports whether dir already has an outcome marker at least as
// new as its inputs.
func upToDate(dir string) bool {
	input := newestInput(dir)
	for _, marker := range []string{markerDeployed, markerFailed} {
		if info, err := os.Stat(filepath.Join(dir, marker)); err == nil && !info.ModTime().Before(input) {
			return true
		}
	}
	return false
}

// failedUnchanged reports whether dir's last outcome was a failure and no
// input changed since.
func failedUnchanged(dir string) bool {
	failed, err := os.Stat(filepath.Join(dir, markerFailed))
	if err != nil {
		return false
	}
	if deployed, err := os.Stat(filepath.Join(dir, markerDeployed)); err == nil && deployed.ModTime().After(failed.ModTime()) {
		return false
	}
	return !failed.ModTime().Before(newestInput(dir))
}

// deployedUnchanged reports whether dir's last outcome was a success and no
// input changed since.
func deployedUnchanged(dir string) bool {
	deployed, err := os.Stat(filepath.Join(dir, markerDeployed))
	if err != nil {
		return false
	}
	if failed, err := os.Stat(filepath.Join(dir, markerFailed)); err == nil && failed.ModTime().After(deployed.ModTime()) {
		return false
	}
	return !deployed.ModTime().Before(newestInput(dir))
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
