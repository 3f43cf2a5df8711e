package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/splax/localvercel/edge/internal/domain"
	"github.com/splax/localvercel/edge/internal/repository"
)

const subscriberBuffer = 64

// RouteStore is an in-process RouteRepository for single-node setups and tests.
type RouteStore struct {
	mu     sync.RWMutex
	routes map[string]domain.Route
	audit  []repository.AuditEvent

	subMu sync.Mutex
	subs  map[chan repository.Invalidation]struct{}
}

var _ repository.RouteRepository = (*RouteStore)(nil)

// NewRouteStore constructs an empty RouteStore.
func NewRouteStore() *RouteStore {
	return &RouteStore{
		routes: make(map[string]domain.Route),
		subs:   make(map[chan repository.Invalidation]struct{}),
	}
}

// GetRoute returns the route for an exact domain.
func (s *RouteStore) GetRoute(_ context.Context, name string) (*domain.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	route, ok := s.routes[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := route.Clone()
	return &clone, nil
}

// PutRoute stores a route unless another deployment owns the domain.
func (s *RouteStore) PutRoute(_ context.Context, route domain.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.routes[route.Domain]; ok && !existing.OwnedBy(route.Owner()) {
		return fmt.Errorf("%w: %s held by %s/%s", domain.ErrConflict, route.Domain, existing.CustomerID, existing.DeploymentName)
	}
	s.routes[route.Domain] = route.Clone()
	return nil
}

// DeleteRoute removes a domain. Missing domains are not an error.
func (s *RouteStore) DeleteRoute(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, name)
	return nil
}

// ListRoutes returns every stored route ordered by domain.
func (s *RouteStore) ListRoutes(_ context.Context) ([]domain.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Route, 0, len(s.routes))
	for _, route := range s.routes {
		out = append(out, route.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// ListDomains returns stored domains in order.
func (s *RouteStore) ListDomains(ctx context.Context) ([]string, error) {
	routes, _ := s.ListRoutes(ctx)
	domains := make([]string, 0, len(routes))
	for _, route := range routes {
		domains = append(domains, route.Domain)
	}
	return domains, nil
}

// Publish fans an invalidation out to subscribers without blocking.
func (s *RouteStore) Publish(_ context.Context, msg repository.Invalidation) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx is cancelled.
func (s *RouteStore) Subscribe(ctx context.Context) (<-chan repository.Invalidation, error) {
	ch := make(chan repository.Invalidation, subscriberBuffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.subMu.Unlock()
	}()
	return ch, nil
}

// AppendAudit records an audit event in memory.
func (s *RouteStore) AppendAudit(_ context.Context, event repository.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, event)
	return nil
}

// Audit returns recorded audit events.
func (s *RouteStore) Audit() []repository.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]repository.AuditEvent(nil), s.audit...)
}

// Ping always succeeds.
func (s *RouteStore) Ping(context.Context) error { return nil }
