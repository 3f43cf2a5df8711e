// Package registrar turns a validated descriptor into routes and, for
// compute frameworks, a running compute unit.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/splax/localvercel/edge/internal/domain"
	"github.com/splax/localvercel/edge/internal/service/descriptor"
	"github.com/splax/localvercel/edge/internal/supervisor"
)

// Routes is the route surface the registrar writes through.
type Routes interface {
	Lookup(ctx context.Context, name string) (*domain.Route, error)
	AddRoute(ctx context.Context, route domain.Route) error
	RemoveRoute(ctx context.Context, name, reason string) error
	ListRoutes(ctx context.Context) ([]domain.Route, error)
}

// Result describes a completed registration.
type Result struct {
	Domains   []string
	ComputeID string
	Redeploy  bool
	Pruned    []string
}

// Registrar applies the domain ownership policy.
type Registrar struct {
	routes     Routes
	supervisor supervisor.Supervisor
	logger     *slog.Logger
}

// New constructs a Registrar.
func New(routes Routes, sup supervisor.Supervisor, logger *slog.Logger) *Registrar {
	if sup == nil {
		sup = supervisor.Disabled{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{routes: routes, supervisor: sup, logger: logger.With("component", "registrar")}
}

// Register claims every domain in desc for the deployment rooted at dir.
// A domain held by another deployment aborts the whole registration with
// domain.ErrConflict before any route or compute change is made; a conflict
// that appears mid-way is rolled back.
func (r *Registrar) Register(ctx context.Context, desc *descriptor.Descriptor, dir string) (Result, error) {
	fw := desc.FrameworkValue()
	kind := fw.Kind()
	if kind == domain.KindUnknown {
		return Result{}, fmt.Errorf("%w: unsupported framework %q", domain.ErrValidation, desc.Framework)
	}
	domains := desc.Domains()
	if len(domains) == 0 {
		return Result{}, fmt.Errorf("%w: domain is required", domain.ErrValidation)
	}
	owner := desc.Owner()

	prior := make(map[string]domain.Route, len(domains))
	for _, name := range domains {
		existing, err := r.routes.Lookup(ctx, name)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("lookup %s: %w", name, err)
		}
		if !existing.OwnedBy(owner) {
			return Result{}, fmt.Errorf("%w: %s held by %s/%s", domain.ErrConflict, name, existing.CustomerID, existing.DeploymentName)
		}
		prior[name] = *existing
	}

	buildPath, err := buildRoot(desc, dir, kind)
	if err != nil {
		return Result{}, err
	}

	result := Result{Domains: domains, Redeploy: len(prior) > 0}
	var spawned string
	if kind == domain.KindCompute {
		computeID := desc.ComputeID()
		for _, id := range priorComputeIDs(prior, computeID) {
			if err := r.supervisor.Stop(ctx, id, "redeploy"); err != nil {
				r.logger.Warn("stop prior compute unit failed", "compute_id", id, "error", err)
			}
		}
		spec := domain.ComputeSpec{
			ID:           computeID,
			CustomerID:   desc.CustomerID,
			Name:         desc.Name,
			Framework:    fw,
			Path:         buildPath,
			StartCommand: desc.Start.Command,
			Port:         desc.Start.Port,
			Memory:       desc.Resources.Memory,
			CPU:          desc.Resources.CPU,
			Env:          desc.Env,
			Domains:      domains,
			Development:  desc.Development(),
		}
		if _, err := r.supervisor.Spawn(ctx, spec); err != nil {
			return Result{}, fmt.Errorf("activate compute %s: %w", computeID, err)
		}
		spawned = computeID
		result.ComputeID = computeID
	}

	var added []string
	for _, name := range domains {
		route := domain.Route{
			Domain:         name,
			CustomerID:     desc.CustomerID,
			DeploymentName: desc.Name,
			ComputeID:      result.ComputeID,
			BuildPath:      buildPath,
			DeploymentPath: dir,
			Framework:      fw,
			Config:         desc.RouteConfig(),
		}
		if old, ok := prior[name]; ok {
			route.CreatedAt = old.CreatedAt
			if err := r.routes.RemoveRoute(ctx, name, "redeploy"); err != nil {
				r.rollback(ctx, added, prior, spawned)
				return Result{}, fmt.Errorf("replace route %s: %w", name, err)
			}
		}
		if err := r.routes.AddRoute(ctx, route); err != nil {
			if old, ok := prior[name]; ok {
				r.restore(ctx, old)
			}
			r.rollback(ctx, added, prior, spawned)
			return Result{}, fmt.Errorf("register %s: %w", name, err)
		}
		added = append(added, name)
	}

	if spawned != "" {
		if err := r.supervisor.UpdateDomains(ctx, spawned, domains); err != nil {
			r.logger.Warn("push domains to supervisor failed", "compute_id", spawned, "error", err)
		}
	}

	result.Pruned = r.prune(ctx, owner, domains)
	r.logger.Info("deployment registered",
		"deployment", owner.CustomerID+"/"+owner.Name,
		"framework", string(fw),
		"domains", domains,
		"compute_id", result.ComputeID,
		"redeploy", result.Redeploy,
	)
	return result, nil
}

// Deregister removes route and stops its compute unit.
func (r *Registrar) Deregister(ctx context.Context, route domain.Route, reason string) error {
	if err := r.routes.RemoveRoute(ctx, route.Domain, reason); err != nil {
		return err
	}
	if route.ComputeID != "" {
		if err := r.supervisor.Stop(ctx, route.ComputeID, reason); err != nil {
			return fmt.Errorf("stop compute %s: %w", route.ComputeID, err)
		}
	}
	return nil
}

// DeregisterOwner removes every route of owner and stops their compute
// units. Returns the removed domains.
func (r *Registrar) DeregisterOwner(ctx context.Context, owner domain.Owner, reason string) ([]string, error) {
	routes, err := r.routes.ListRoutes(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	stopped := make(map[string]struct{})
	var errs []error
	for _, route := range routes {
		if !route.OwnedBy(owner) {
			continue
		}
		if err := r.routes.RemoveRoute(ctx, route.Domain, reason); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, route.Domain)
		if route.ComputeID == "" {
			continue
		}
		if _, done := stopped[route.ComputeID]; done {
			continue
		}
		stopped[route.ComputeID] = struct{}{}
		if err := r.supervisor.Stop(ctx, route.ComputeID, reason); err != nil {
			errs = append(errs, fmt.Errorf("stop compute %s: %w", route.ComputeID, err))
		}
	}
	return removed, errors.Join(errs...)
}

func (r *Registrar) rollback(ctx context.Context, added []string, prior map[string]domain.Route, spawned string) {
	for _, name := range added {
		if err := r.routes.RemoveRoute(ctx, name, "rollback"); err != nil {
			r.logger.Warn("rollback remove failed", "domain", name, "error", err)
		}
		if old, ok := prior[name]; ok {
			r.restore(ctx, old)
		}
	}
	if spawned != "" {
		if err := r.supervisor.Stop(ctx, spawned, "registration aborted"); err != nil {
			r.logger.Warn("rollback stop failed", "compute_id", spawned, "error", err)
		}
	}
}

func (r *Registrar) restore(ctx context.Context, route domain.Route) {
	if err := r.routes.AddRoute(ctx, route); err != nil {
		r.logger.Warn("rollback restore failed", "domain", route.Domain, "error", err)
	}
}

// prune removes routes the deployment held previously but no longer declares.
func (r *Registrar) prune(ctx context.Context, owner domain.Owner, keep []string) []string {
	routes, err := r.routes.ListRoutes(ctx)
	if err != nil {
		r.logger.Warn("list routes for prune failed", "error", err)
		return nil
	}
	wanted := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		wanted[name] = struct{}{}
	}
	var pruned []string
	for _, route := range routes {
		if !route.OwnedBy(owner) {
			continue
		}
		if _, ok := wanted[route.Domain]; ok {
			continue
		}
		if err := r.routes.RemoveRoute(ctx, route.Domain, "domain no longer declared"); err != nil {
			r.logger.Warn("prune route failed", "domain", route.Domain, "error", err)
			continue
		}
		pruned = append(pruned, route.Domain)
	}
	return pruned
}

func priorComputeIDs(prior map[string]domain.Route, current string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, route := range prior {
		if route.ComputeID == "" {
			continue
		}
		if _, ok := seen[route.ComputeID]; ok {
			continue
		}
		seen[route.ComputeID] = struct{}{}
		out = append(out, route.ComputeID)
	}
	if len(out) == 0 && len(prior) > 0 && current != "" {
		out = append(out, current)
	}
	return out
}

// buildRoot is the directory routes serve from: build.outputDir for static
// sites, the deployment directory otherwise.
func buildRoot(desc *descriptor.Descriptor, dir string, kind domain.Kind) (string, error) {
	out := strings.TrimSpace(desc.Build.OutputDir)
	if kind != domain.KindStatic || out == "" || out == "." {
		return dir, nil
	}
	if filepath.IsAbs(out) {
		return "", fmt.Errorf("%w: build.outputDir must be relative", domain.ErrValidation)
	}
	root := filepath.Join(dir, out)
	rel, err := filepath.Rel(dir, root)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: build.outputDir escapes deployment directory", domain.ErrValidation)
	}
	return root, nil
}
