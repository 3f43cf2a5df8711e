package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/localvercel/edge/internal/domain"
	"github.com/splax/localvercel/edge/internal/repository/memory"
	"github.com/splax/localvercel/edge/internal/service/archive"
	"github.com/splax/localvercel/edge/internal/service/descriptor"
	"github.com/splax/localvercel/edge/internal/service/registrar"
	"github.com/splax/localvercel/edge/internal/service/routes"
	"github.com/splax/localvercel/edge/internal/workspace"
	"github.com/splax/localvercel/edge/pkg/logger"
)

type fakeSupervisor struct {
	mu      sync.Mutex
	spawned []string
	stopped []string
}

func (f *fakeSupervisor) State(context.Context, string) (domain.ComputeState, error) {
	return domain.ComputeState{}, domain.ErrNotFound
}

func (f *fakeSupervisor) Spawn(_ context.Context, spec domain.ComputeSpec) (domain.ComputeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned = append(f.spawned, spec.ID)
	return domain.ComputeState{ID: spec.ID, Host: "127.0.0.1", Port: 41000, Running: true}, nil
}

func (f *fakeSupervisor) Stop(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeSupervisor) UpdateDomains(context.Context, string, []string) error { return nil }
func (f *fakeSupervisor) TouchLastAccess(context.Context, string) error         { return nil }

func (f *fakeSupervisor) Stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

// gatedRegistrar blocks Register until release is closed.
type gatedRegistrar struct {
	*registrar.Registrar
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedRegistrar) Register(ctx context.Context, desc *descriptor.Descriptor, dir string) (registrar.Result, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
	}
	<-g.release
	return g.Registrar.Register(ctx, desc, dir)
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	states map[string][]domain.DeploymentState
}

func (p *recordingPublisher) Broadcast(topic string, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	var status domain.DeploymentStatus
	if json.Unmarshal(payload, &status) == nil {
		if p.states == nil {
			p.states = make(map[string][]domain.DeploymentState)
		}
		p.states[topic] = append(p.states[topic], status.State)
	}
}

func (p *recordingPublisher) statesFor(id string) []domain.DeploymentState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.DeploymentState(nil), p.states[id]...)
}

type countingRegistrar struct {
	*registrar.Registrar
	calls atomic.Int32
}

func (c *countingRegistrar) Register(ctx context.Context, desc *descriptor.Descriptor, dir string) (registrar.Result, error) {
	c.calls.Add(1)
	return c.Registrar.Register(ctx, desc, dir)
}

type harness struct {
	root      string
	watcher   *Watcher
	resolver  *routes.Resolver
	registrar *registrar.Registrar
	statuses  *memory.StatusStore
	sup       *fakeSupervisor
	publisher *recordingPublisher
}

func newHarness(t *testing.T, wrap func(*registrar.Registrar) Registrar) *harness {
	t.Helper()
	root := t.TempDir()
	ws, err := workspace.New(root)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	log := logger.Discard()
	resolver := routes.NewResolver(memory.NewRouteStore(), nil, log, time.Minute)
	sup := &fakeSupervisor{}
	reg := registrar.New(resolver, sup, log)
	var r Registrar = reg
	if wrap != nil {
		r = wrap(reg)
	}
	statuses := memory.NewStatusStore()
	publisher := &recordingPublisher{}
	w := New(Dependencies{
		Workspace: ws,
		Registrar: r,
		Routes:    resolver,
		Extractor: archive.New(log),
		Statuses:  statuses,
		Publisher: publisher,
		Logger:    log,
	}, Config{Debounce: 10 * time.Millisecond, Workers: 2, HealthEvery: time.Hour})
	return &harness{
		root:      ws.Root(),
		watcher:   w,
		resolver:  resolver,
		registrar: reg,
		statuses:  statuses,
		sup:       sup,
		publisher: publisher,
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func staticSite(t *testing.T, dir, name, customer, host string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, "deploy.yaml"), fmt.Sprintf("name: %s\ndomain: %s\ncustomerId: %s\nframework: static\n", name, host, customer))
	writeFile(t, filepath.Join(dir, "index.html"), "<h1>"+name+"</h1>")
}

func computeApp(t *testing.T, dir, name, customer, host string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, "deploy.json"), fmt.Sprintf(`{
  // compute unit
  "name": %q, "domain": [%q], "customerId": %q,
  "framework": "nodejs",
  "start": {"command": "node index.js", "port": 3000}
}`, name, host, customer))
}

func TestScenarioStaticSiteIsRelocatedAndRouted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	staticSite(t, filepath.Join(h.root, "site"), "site", "c1", "a.example.com")

	if err := h.watcher.Process(ctx, filepath.Join(h.root, "site")); err != nil {
		t.Fatalf("process: %v", err)
	}
	dir := filepath.Join(h.root, "c1", "site")
	if !fileExists(filepath.Join(dir, markerDeployed)) {
		t.Fatalf("expected .deployed marker in %s", dir)
	}
	if dirExists(filepath.Join(h.root, "site")) {
		t.Fatalf("expected top-level folder to be relocated")
	}
	route, err := h.resolver.GetRoute(ctx, "a.example.com")
	if err != nil {
		t.Fatalf("get route: %v", err)
	}
	if route.Framework != domain.FrameworkStatic || route.BuildPath != dir {
		t.Fatalf("unexpected route %+v", route)
	}
	status, err := h.watcher.Status(ctx, "c1/site")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != domain.StateSuccess || status.CustomerID != "c1" {
		t.Fatalf("unexpected status %+v", status)
	}
	if _, err := h.watcher.Status(ctx, "site"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected pre-relocation status dropped, got %v", err)
	}

	var marker deployedMarker
	raw, _ := os.ReadFile(filepath.Join(dir, markerDeployed))
	if err := json.Unmarshal(raw, &marker); err != nil {
		t.Fatalf("decode marker: %v", err)
	}
	if marker.Descriptor == nil || marker.Descriptor.Name != "site" || marker.Timestamp.IsZero() {
		t.Fatalf("unexpected marker %+v", marker)
	}
}

func TestScenarioCorruptedArchiveFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	upload := filepath.Join(h.root, "broken.zip")
	writeFile(t, upload, "definitely not a zip file")

	err := h.watcher.Process(ctx, upload)
	if !errors.Is(err, domain.ErrExtraction) {
		t.Fatalf("expected extraction error, got %v", err)
	}
	dir := filepath.Join(h.root, "broken")
	history, err := readFailed(dir)
	if err != nil {
		t.Fatalf("read failed marker: %v", err)
	}
	if len(history) != 1 || !strings.Contains(history[0].Error, "unsupported or corrupted archive") {
		t.Fatalf("unexpected history %+v", history)
	}
	status, err := h.watcher.Status(ctx, "broken")
	if err != nil || status.State != domain.StateFailed {
		t.Fatalf("expected failed status, got %+v %v", status, err)
	}
	if fileExists(upload) || !fileExists(filepath.Join(dir, "broken.zip")) {
		t.Fatalf("expected rejected archive parked in its deployment folder")
	}
}

func TestConcurrentTriggersRunOnce(t *testing.T) {
	var gate *gatedRegistrar
	h := newHarness(t, func(reg *registrar.Registrar) Registrar {
		gate = &gatedRegistrar{Registrar: reg, entered: make(chan struct{}), release: make(chan struct{})}
		return gate
	})
	ctx := context.Background()
	dir := filepath.Join(h.root, "c1", "site")
	staticSite(t, dir, "site", "c1", "a.example.com")

	errs := make(chan error, 1)
	go func() { errs <- h.watcher.Process(ctx, dir) }()
	<-gate.entered

	if err := h.watcher.Process(ctx, dir); err != nil {
		t.Fatalf("duplicate process should be a no-op, got %v", err)
	}
	if h.watcher.Trigger(dir) {
		t.Fatalf("trigger should be refused while in flight")
	}
	close(gate.release)
	if err := <-errs; err != nil {
		t.Fatalf("first process: %v", err)
	}
	if got := gate.calls.Load(); got != 1 {
		t.Fatalf("expected one pipeline execution, got %d", got)
	}
}

func TestConflictingDeploymentFailsAndKeepsOwner(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first := filepath.Join(h.root, "c1", "one")
	second := filepath.Join(h.root, "c2", "two")
	staticSite(t, first, "one", "c1", "x.example.com")
	staticSite(t, second, "two", "c2", "x.example.com")

	if err := h.watcher.Process(ctx, first); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := h.watcher.Process(ctx, second); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	route, err := h.resolver.GetRoute(ctx, "x.example.com")
	if err != nil || route.DeploymentName != "one" {
		t.Fatalf("expected route kept by first deployment, got %+v %v", route, err)
	}
	status, _ := h.watcher.Status(ctx, "c2/two")
	if status == nil || status.State != domain.StateFailed || len(status.Failures) != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestHooksAndBuildRunInOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dir := filepath.Join(h.root, "c1", "built")
	writeFile(t, filepath.Join(dir, "deploy.yaml"), `name: built
domain: b.example.com
customerId: c1
framework: static
build:
  command: mkdir -p dist && echo "$GREETING" > dist/index.html && cat pre.txt >> dist/index.html
  outputDir: dist
  env:
    GREETING: hello
hooks:
  preDeploy: echo pre > pre.txt
  postDeploy:
    - echo post > post.txt
`)
	if err := h.watcher.Process(ctx, dir); err != nil {
		t.Fatalf("process: %v", err)
	}
	built, err := os.ReadFile(filepath.Join(dir, "dist", "index.html"))
	if err != nil || string(built) != "hello\npre\n" {
		t.Fatalf("unexpected build output %q %v", built, err)
	}
	if !fileExists(filepath.Join(dir, "post.txt")) {
		t.Fatalf("postDeploy hook did not run")
	}
	route, err := h.resolver.GetRoute(ctx, "b.example.com")
	if err != nil || route.BuildPath != filepath.Join(dir, "dist") {
		t.Fatalf("unexpected route %+v %v", route, err)
	}
}

func TestBuildFailureRecordsOutput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dir := filepath.Join(h.root, "c1", "bad")
	writeFile(t, filepath.Join(dir, "deploy.yaml"), "name: bad\ndomain: bad.example.com\ncustomerId: c1\nframework: static\nbuild:\n  command: echo boom && exit 3\n")

	if err := h.watcher.Process(ctx, dir); err == nil {
		t.Fatalf("expected build failure")
	}
	history, _ := readFailed(dir)
	if len(history) != 1 || !strings.Contains(history[0].Error, "boom") {
		t.Fatalf("expected captured output in failure, got %+v", history)
	}
	if _, err := h.resolver.GetRoute(ctx, "bad.example.com"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("failed build must not register a route, got %v", err)
	}
}

func TestHealthCheckSelfHealsVanishedFolder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dir := filepath.Join(h.root, "c1", "api")
	computeApp(t, dir, "api", "c1", "api.example.com")
	if err := h.watcher.Process(ctx, dir); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove: %v", err)
	}

	h.watcher.checkHealth(ctx)

	if _, err := h.resolver.GetRoute(ctx, "api.example.com"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected route removed, got %v", err)
	}
	if stopped := h.sup.Stopped(); len(stopped) != 1 || stopped[0] != "c1-api" {
		t.Fatalf("expected compute stopped once, got %v", stopped)
	}
	status, _ := h.watcher.Status(ctx, "c1/api")
	if status == nil || status.State != domain.StateFailed || status.Error != reasonFolderGone {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestHealthCheckMarksMissingDescriptorUnhealthy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dir := filepath.Join(h.root, "c1", "site")
	staticSite(t, dir, "site", "c1", "a.example.com")
	if err := h.watcher.Process(ctx, dir); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "deploy.yaml")); err != nil {
		t.Fatalf("remove descriptor: %v", err)
	}

	h.watcher.checkHealth(ctx)

	if _, err := h.resolver.GetRoute(ctx, "a.example.com"); err != nil {
		t.Fatalf("route must be kept while unhealthy: %v", err)
	}
	status, _ := h.watcher.Status(ctx, "c1/site")
	if status == nil || status.State != domain.StateUnhealthy {
		t.Fatalf("expected unhealthy, got %+v", status)
	}
}

func TestHealthCheckSkipsInFlight(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dir := filepath.Join(h.root, "c1", "site")
	staticSite(t, dir, "site", "c1", "a.example.com")
	if err := h.watcher.Process(ctx, dir); err != nil {
		t.Fatalf("process: %v", err)
	}
	os.RemoveAll(dir)
	h.watcher.acquire("c1/site")
	h.watcher.checkHealth(ctx)
	h.watcher.release("c1/site")
	if _, err := h.resolver.GetRoute(ctx, "a.example.com"); err != nil {
		t.Fatalf("in-flight deployment must be skipped: %v", err)
	}
}

func TestOrphanSweepRemovesRoutesWithoutDescriptor(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ghost := filepath.Join(h.root, "c1", "ghost")
	if err := os.MkdirAll(ghost, 0o755); err != nil {
		t.Fatal(err)
	}
	outside := t.TempDir()
	for _, route := range []domain.Route{
		{Domain: "ghost.example.com", CustomerID: "c1", DeploymentName: "ghost", BuildPath: ghost, DeploymentPath: ghost, Framework: domain.FrameworkNode, ComputeID: "c1-ghost"},
		{Domain: "elsewhere.example.com", CustomerID: "c9", DeploymentName: "x", BuildPath: outside, Framework: domain.FrameworkStatic},
	} {
		if err := h.resolver.AddRoute(ctx, route); err != nil {
			t.Fatalf("add route: %v", err)
		}
	}

	h.watcher.sweepOrphans(ctx)

	if _, err := h.resolver.GetRoute(ctx, "ghost.example.com"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected orphan removed, got %v", err)
	}
	if _, err := h.resolver.GetRoute(ctx, "elsewhere.example.com"); err != nil {
		t.Fatalf("route outside the root must be kept: %v", err)
	}
	status, _ := h.watcher.Status(ctx, "c1/ghost")
	if status == nil || status.State != domain.StateOrphaned {
		t.Fatalf("expected orphaned status, got %+v", status)
	}
	if stopped := h.sup.Stopped(); len(stopped) != 1 || stopped[0] != "c1-ghost" {
		t.Fatalf("expected orphan compute stopped, got %v", stopped)
	}
}

func waitForState(t *testing.T, w *Watcher, id string, state domain.DeploymentState) *domain.DeploymentStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if status, err := w.Status(context.Background(), id); err == nil && status.State == state && !w.busy(id) {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	status, err := w.Status(context.Background(), id)
	t.Fatalf("deployment %s never reached %s; last %+v %v", id, state, status, err)
	return nil
}

func TestRunScansTriggersAndRetries(t *testing.T) {
	h := newHarness(t, nil)
	staticSite(t, filepath.Join(h.root, "c1", "boot"), "boot", "c1", "boot.example.com")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.watcher.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitForState(t, h.watcher, "c1/boot", domain.StateSuccess)

	dir := filepath.Join(h.root, "c1", "late")
	writeFile(t, filepath.Join(dir, "deploy.yaml"), "name: late\ndomain: late.example.com\ncustomerId: c1\nframework: nope\n")
	if !h.watcher.Trigger(dir) {
		t.Fatalf("trigger refused")
	}
	waitForState(t, h.watcher, "c1/late", domain.StateFailed)

	writeFile(t, filepath.Join(dir, "deploy.yaml"), "name: late\ndomain: late.example.com\ncustomerId: c1\nframework: static\n")
	if err := h.watcher.Retry(context.Background(), "c1/late"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	status := waitForState(t, h.watcher, "c1/late", domain.StateSuccess)
	if len(status.Failures) != 1 {
		t.Fatalf("expected failure history kept in status, got %+v", status.Failures)
	}
	if fileExists(filepath.Join(dir, markerFailed)) {
		t.Fatalf("retry should clear the failed marker")
	}

	h.publisher.mu.Lock()
	published := len(h.publisher.topics)
	h.publisher.mu.Unlock()
	if published == 0 {
		t.Fatalf("expected status changes to be published")
	}
}

func TestCancelIsBookkeepingOnly(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.statuses.PutStatus(ctx, domain.DeploymentStatus{ID: "c1/slow", State: domain.StateBuilding}); err != nil {
		t.Fatal(err)
	}
	if err := h.watcher.Cancel(ctx, "c1/slow"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	status, _ := h.watcher.Status(ctx, "c1/slow")
	if status.State != domain.StateFailed || status.Error != reasonCancelled {
		t.Fatalf("unexpected status %+v", status)
	}
	if err := h.watcher.Cancel(ctx, "c1/slow"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("cancelling a finished deployment should conflict, got %v", err)
	}
	if err := h.watcher.Cancel(ctx, "c1/none"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRemoveTearsDownDeployment(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dir := filepath.Join(h.root, "c1", "api")
	computeApp(t, dir, "api", "c1", "api.example.com")
	if err := h.watcher.Process(ctx, dir); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := h.watcher.Remove(ctx, "c1/api"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if dirExists(dir) {
		t.Fatalf("expected folder deleted")
	}
	if _, err := h.resolver.GetRoute(ctx, "api.example.com"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected route removed, got %v", err)
	}
	if stopped := h.sup.Stopped(); len(stopped) != 1 {
		t.Fatalf("expected compute stopped, got %v", stopped)
	}
	if err := h.watcher.Remove(ctx, "c1/api"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second remove should be not found, got %v", err)
	}
}

func TestFailedHistoryIsCapped(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 12; i++ {
		if _, err := appendFailed(dir, domain.FailureEntry{Timestamp: time.Unix(int64(i), 0), Error: fmt.Sprint(i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	history, err := readFailed(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(history) != domain.MaxFailureHistory || history[0].Error != "2" || history[9].Error != "11" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestResolveIgnoresMarkersAndBuildOutput(t *testing.T) {
	h := newHarness(t, nil)
	dir := filepath.Join(h.root, "site")
	staticSite(t, dir, "site", "c1", "a.example.com")
	writeFile(t, filepath.Join(dir, markerDeployed), "{}")
	writeFile(t, filepath.Join(dir, "dist", "deploy.yaml"), "name: nested\n")

	for _, path := range []string{
		filepath.Join(dir, markerDeployed),
		filepath.Join(dir, "index.html"),
		filepath.Join(dir, "dist", "deploy.yaml"),
	} {
		if _, ok := h.watcher.resolve(path); ok {
			t.Fatalf("expected %s to be ignored", path)
		}
	}
	got, ok := h.watcher.resolve(filepath.Join(dir, "deploy.yaml"))
	if !ok || got.id != "site" || got.dir != dir {
		t.Fatalf("unexpected target %+v %v", got, ok)
	}
	zipPath := filepath.Join(h.root, "upload.tar.gz")
	writeFile(t, zipPath, "x")
	got, ok = h.watcher.resolve(zipPath)
	if !ok || got.id != "upload" || got.archive != zipPath {
		t.Fatalf("unexpected archive target %+v %v", got, ok)
	}
}

func TestDispatchRecordsPendingUntilWorkerFree(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dir := filepath.Join(h.root, "c1", "queued")
	staticSite(t, dir, "queued", "c1", "queued.example.com")

	for i := 0; i < cap(h.watcher.sem); i++ {
		h.watcher.sem <- struct{}{}
	}
	tgt, ok := h.watcher.resolve(dir)
	if !ok || !h.watcher.dispatch(ctx, tgt) {
		t.Fatalf("dispatch refused")
	}
	status, err := h.watcher.Status(ctx, "c1/queued")
	if err != nil || status.State != domain.StatePending {
		t.Fatalf("expected pending while workers are busy, got %+v %v", status, err)
	}
	for i := 0; i < cap(h.watcher.sem); i++ {
		<-h.watcher.sem
	}
	waitForState(t, h.watcher, "c1/queued", domain.StateSuccess)

	want := []domain.DeploymentState{domain.StatePending, domain.StateBuilding, domain.StateSuccess}
	if got := h.publisher.statesFor("c1/queued"); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("published states = %v, want %v", got, want)
	}
}

func TestStartupScanSkipsLiveUnchangedDeployments(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dir := filepath.Join(h.root, "c1", "live")
	staticSite(t, dir, "live", "c1", "live.example.com")
	if err := h.watcher.Process(ctx, dir); err != nil {
		t.Fatalf("process: %v", err)
	}
	// Inputs must look older than the outcome marker.
	past := time.Now().Add(-time.Hour)
	for _, name := range []string{"deploy.yaml", "index.html"} {
		if err := os.Chtimes(filepath.Join(dir, name), past, past); err != nil {
			t.Fatal(err)
		}
	}

	restart := func(resolver *routes.Resolver) (*Watcher, *countingRegistrar, *memory.StatusStore) {
		ws, err := workspace.New(h.root)
		if err != nil {
			t.Fatalf("workspace: %v", err)
		}
		reg := &countingRegistrar{Registrar: registrar.New(resolver, h.sup, logger.Discard())}
		statuses := memory.NewStatusStore()
		w := New(Dependencies{
			Workspace: ws,
			Registrar: reg,
			Routes:    resolver,
			Extractor: archive.New(logger.Discard()),
			Statuses:  statuses,
			Logger:    logger.Discard(),
		}, Config{Debounce: 10 * time.Millisecond, Workers: 1, HealthEvery: time.Hour})
		return w, reg, statuses
	}

	w, reg, statuses := restart(h.resolver)
	w.scan(ctx)
	w.wg.Wait()
	if got := reg.calls.Load(); got != 0 {
		t.Fatalf("live deployment was rebuilt %d times", got)
	}
	status, err := statuses.GetStatus(ctx, "c1/live")
	if err != nil || status.State != domain.StateSuccess || len(status.Domains) != 1 {
		t.Fatalf("adopted deployment should report success, got %+v %v", status, err)
	}

	// Routes lost with the store: the deployment is registered again.
	w, reg, _ = restart(routes.NewResolver(memory.NewRouteStore(), nil, logger.Discard(), time.Minute))
	w.scan(ctx)
	w.wg.Wait()
	if got := reg.calls.Load(); got != 1 {
		t.Fatalf("expected one rebuild when routes are missing, got %d", got)
	}
}
