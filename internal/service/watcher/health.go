package watcher

import (
	"context"
	"sort"

	"github.com/splax/localvercel/edge/internal/domain"
	"github.com/splax/localvercel/edge/internal/service/descriptor"
	"github.com/splax/localvercel/edge/internal/service/telemetry"
)

const (
	reasonFolderGone   = "deployment folder no longer exists"
	reasonNoDescriptor = "descriptor missing from deployment folder"
	reasonOrphaned     = "orphaned route: no descriptor under watch root"
)

// deployedRoutes groups routes under the watch root by deployment directory.
func (w *Watcher) deployedRoutes(ctx context.Context) (map[string][]domain.Route, []string) {
	routes, err := w.routes.ListRoutes(ctx)
	if err != nil {
		w.logger.Error("list routes failed", "error", err)
		return nil, nil
	}
	groups := make(map[string][]domain.Route)
	for _, route := range routes {
		dir := route.DeploymentPath
		if dir == "" {
			dir = route.BuildPath
		}
		if dir == "" || !w.ws.Contains(dir) {
			continue
		}
		groups[dir] = append(groups[dir], route)
	}
	dirs := make([]string, 0, len(groups))
	for dir := range groups {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return groups, dirs
}

// checkHealth self-heals routes whose deployment folder vanished and flags
// folders that lost their descriptor. In-flight deployments are skipped.
func (w *Watcher) checkHealth(ctx context.Context) {
	groups, dirs := w.deployedRoutes(ctx)
	for _, dir := range dirs {
		id, err := w.ws.ID(dir)
		if err != nil || w.busy(id) {
			continue
		}
		routes := groups[dir]
		switch {
		case !dirExists(dir):
			w.teardown(ctx, id, dir, routes, domain.StateFailed, reasonFolderGone, telemetry.EventDeployFailed)
		case !hasDescriptor(dir):
			w.markUnhealthy(ctx, id, dir, routes)
		}
	}
}

// sweepOrphans removes routes under the root whose deployment has no
// descriptor. It runs once before the startup scan.
func (w *Watcher) sweepOrphans(ctx context.Context) {
	groups, dirs := w.deployedRoutes(ctx)
	removed := 0
	for _, dir := range dirs {
		if hasDescriptor(dir) {
			continue
		}
		id, err := w.ws.ID(dir)
		if err != nil {
			continue
		}
		w.teardown(ctx, id, dir, groups[dir], domain.StateOrphaned, reasonOrphaned, telemetry.EventDeployOrphaned)
		removed += len(groups[dir])
	}
	if removed > 0 {
		w.logger.Info("orphaned routes removed", "routes", removed)
	}
}

func (w *Watcher) teardown(ctx context.Context, id, dir string, routes []domain.Route, state domain.DeploymentState, reason, event string) {
	stopped := make(map[string]struct{})
	var domains []string
	for _, route := range routes {
		computeID := route.ComputeID
		if _, done := stopped[computeID]; done {
			route.ComputeID = ""
		}
		if err := w.registrar.Deregister(ctx, route, reason); err != nil {
			w.logger.Warn("deregister route failed", "deployment_id", id, "domain", route.Domain, "error", err)
			continue
		}
		if computeID != "" {
			stopped[computeID] = struct{}{}
		}
		domains = append(domains, route.Domain)
	}

	r := &run{id: id, dir: dir}
	r.prev, _ = w.statuses.GetStatus(ctx, id)
	if r.prev == nil && len(routes) > 0 {
		r.prev = &domain.DeploymentStatus{
			Domains:    domains,
			Framework:  routes[0].Framework,
			CustomerID: routes[0].CustomerID,
			ComputeID:  routes[0].ComputeID,
		}
	}
	w.transition(ctx, r, state, reason)
	w.logger.Warn("deployment torn down", "deployment_id", id, "state", state, "reason", reason, "domains", domains)
	w.sink.RecordEvent(telemetry.Event{
		Type:         event,
		Domain:       firstDomain(domains),
		DeploymentID: id,
		CustomerID:   r.prev.CustomerID,
		Message:      reason,
		Level:        "warn",
		OccurredAt:   w.now().UTC(),
	})
}

func (w *Watcher) markUnhealthy(ctx context.Context, id, dir string, routes []domain.Route) {
	prev, _ := w.statuses.GetStatus(ctx, id)
	if prev != nil && prev.State == domain.StateUnhealthy {
		return
	}
	r := &run{id: id, dir: dir, prev: prev}
	if r.prev == nil {
		r.prev = &domain.DeploymentStatus{Framework: routes[0].Framework, CustomerID: routes[0].CustomerID}
	}
	w.transition(ctx, r, domain.StateUnhealthy, reasonNoDescriptor)
	w.logger.Warn("deployment unhealthy", "deployment_id", id, "reason", reasonNoDescriptor)
	w.sink.RecordEvent(telemetry.Event{
		Type:         telemetry.EventDeployUnhealthy,
		Domain:       routes[0].Domain,
		DeploymentID: id,
		CustomerID:   routes[0].CustomerID,
		Message:      reasonNoDescriptor,
		Level:        "warn",
		OccurredAt:   w.now().UTC(),
	})
}

func hasDescriptor(dir string) bool {
	_, ok := descriptor.Find(dir)
	return ok
}
