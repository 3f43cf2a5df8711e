// Package routes resolves request domains to route records through a
// process-local cache kept coherent by store invalidations.
package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/splax/localvercel/edge/internal/domain"
	"github.com/splax/localvercel/edge/internal/repository"
	"github.com/splax/localvercel/edge/internal/service/telemetry"
)

// DefaultTTL bounds how long a cached route may be served after a remove
// whose invalidation was missed.
const DefaultTTL = 60 * time.Second

type cacheEntry struct {
	route   domain.Route
	expires time.Time
}

// Resolver is the read/write facade over the route store.
type Resolver struct {
	store  repository.RouteRepository
	sink   telemetry.Sink
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver constructs a Resolver. A non-positive ttl selects DefaultTTL.
func NewResolver(store repository.RouteRepository, sink telemetry.Sink, logger *slog.Logger, ttl time.Duration) *Resolver {
	if sink == nil {
		sink = telemetry.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		store:  store,
		sink:   sink,
		logger: logger.With("component", "route_resolver"),
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

// AddRoute persists route and broadcasts the change.
func (r *Resolver) AddRoute(ctx context.Context, route domain.Route) error {
	route.Domain = domain.NormalizeDomain(route.Domain)
	if !domain.ValidHostname(route.Domain) {
		return fmt.Errorf("%w: invalid domain %q", domain.ErrValidation, route.Domain)
	}
	now := r.now().UTC()
	if route.CreatedAt.IsZero() {
		route.CreatedAt = now
	}
	route.UpdatedAt = now
	route.MatchedPattern = ""
	if err := r.store.PutRoute(ctx, route); err != nil {
		return err
	}
	r.evict(route.Domain)
	r.publish(ctx, repository.TopicRouteChanged, route.Domain)
	r.audit(ctx, "put", route, "")
	r.sink.RecordEvent(telemetry.Event{
		Type:         telemetry.EventRouteAdded,
		Domain:       route.Domain,
		DeploymentID: route.DeploymentName,
		CustomerID:   route.CustomerID,
		ComputeID:    route.ComputeID,
	})
	return nil
}

// GetRoute resolves name to an exact route, falling back to the narrowest
// matching wildcard. Returns domain.ErrNotFound when nothing matches.
func (r *Resolver) GetRoute(ctx context.Context, name string) (*domain.Route, error) {
	name = domain.NormalizeDomain(name)
	if name == "" {
		return nil, domain.ErrNotFound
	}
	if route, ok := r.cached(name); ok {
		return &route, nil
	}

	route, err := r.store.GetRoute(ctx, name)
	if err == nil {
		r.remember(name, *route)
		return route, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	for _, pattern := range wildcardCandidates(name) {
		wildcard, err := r.store.GetRoute(ctx, pattern)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		synth := wildcard.Clone()
		synth.Domain = name
		synth.MatchedPattern = pattern
		r.remember(name, synth)
		return &synth, nil
	}
	return nil, domain.ErrNotFound
}

// wildcardCandidates returns "*.<suffix>" patterns for name, narrowest first.
// A wildcard never matches its bare suffix.
func wildcardCandidates(name string) []string {
	if strings.HasPrefix(name, "*.") {
		return nil
	}
	labels := strings.Split(name, ".")
	out := make([]string, 0, len(labels))
	for i := 1; i < len(labels); i++ {
		out = append(out, "*."+strings.Join(labels[i:], "."))
	}
	return out
}

// RemoveRoute deletes name from the store and every cache.
func (r *Resolver) RemoveRoute(ctx context.Context, name, reason string) error {
	name = domain.NormalizeDomain(name)
	existing, err := r.store.GetRoute(ctx, name)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err := r.store.DeleteRoute(ctx, name); err != nil {
		return err
	}
	r.evict(name)
	r.publish(ctx, repository.TopicRouteRemoved, name)

	event := telemetry.Event{Type: telemetry.EventRouteRemoved, Domain: name, Message: reason}
	audited := domain.Route{Domain: name}
	if existing != nil {
		audited = *existing
		event.DeploymentID = existing.DeploymentName
		event.CustomerID = existing.CustomerID
		event.ComputeID = existing.ComputeID
	}
	r.audit(ctx, "delete", audited, reason)
	r.sink.RecordEvent(event)
	return nil
}

// ValidateRoute checks hostname syntax and that owner may claim name.
func (r *Resolver) ValidateRoute(ctx context.Context, name string, owner domain.Owner) error {
	name = domain.NormalizeDomain(name)
	if !domain.ValidHostname(name) {
		return fmt.Errorf("%w: invalid domain %q", domain.ErrValidation, name)
	}
	existing, err := r.store.GetRoute(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !existing.OwnedBy(owner) {
		return fmt.Errorf("%w: %s held by %s/%s", domain.ErrConflict, name, existing.CustomerID, existing.DeploymentName)
	}
	return nil
}

// ListRoutes returns every stored route.
func (r *Resolver) ListRoutes(ctx context.Context) ([]domain.Route, error) {
	return r.store.ListRoutes(ctx)
}

// Lookup reads the store directly, bypassing cache and wildcard synthesis.
func (r *Resolver) Lookup(ctx context.Context, name string) (*domain.Route, error) {
	return r.store.GetRoute(ctx, domain.NormalizeDomain(name))
}

// Run consumes store invalidations and sweeps expired cache entries until
// ctx is cancelled.
func (r *Resolver) Run(ctx context.Context) error {
	invalidations, err := r.store.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe route invalidations: %w", err)
	}
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.clear()
			return nil
		case msg, ok := <-invalidations:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("route invalidation stream closed")
			}
			r.logger.Debug("route invalidated", "topic", msg.Topic, "domain", msg.Domain)
			r.evict(msg.Domain)
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Resolver) cached(name string) (domain.Route, bool) {
	r.mu.RLock()
	entry, ok := r.cache[name]
	r.mu.RUnlock()
	if !ok || !r.now().Before(entry.expires) {
		return domain.Route{}, false
	}
	return entry.route.Clone(), true
}

func (r *Resolver) remember(name string, route domain.Route) {
	r.mu.Lock()
	r.cache[name] = cacheEntry{route: route.Clone(), expires: r.now().Add(r.ttl)}
	r.mu.Unlock()
}

// evict drops name and, for wildcard patterns, every route synthesized from it.
func (r *Resolver) evict(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, name)
	if !strings.HasPrefix(name, "*.") {
		return
	}
	suffix := name[1:]
	for key, entry := range r.cache {
		if entry.route.MatchedPattern == name || strings.HasSuffix(key, suffix) {
			delete(r.cache, key)
		}
	}
}

func (r *Resolver) sweep() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.cache {
		if !now.Before(entry.expires) {
			delete(r.cache, key)
		}
	}
}

func (r *Resolver) clear() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}

func (r *Resolver) publish(ctx context.Context, topic, name string) {
	if err := r.store.Publish(ctx, repository.Invalidation{Topic: topic, Domain: name}); err != nil {
		r.logger.Warn("failed to publish route invalidation", "topic", topic, "domain", name, "error", err)
	}
}

func (r *Resolver) audit(ctx context.Context, action string, route domain.Route, reason string) {
	err := r.store.AppendAudit(ctx, repository.AuditEvent{
		Action:     action,
		Domain:     route.Domain,
		CustomerID: route.CustomerID,
		ComputeID:  route.ComputeID,
		Reason:     reason,
		OccurredAt: r.now().UTC(),
	})
	if err != nil {
		r.logger.Warn("failed to append route audit", "domain", route.Domain, "error", err)
	}
}
