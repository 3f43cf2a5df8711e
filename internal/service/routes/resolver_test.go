package routes

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/splax/localvercel/edge/internal/domain"
	"github.com/splax/localvercel/edge/internal/repository"
	"github.com/splax/localvercel/edge/internal/repository/memory"
	"github.com/splax/localvercel/edge/internal/service/telemetry"
	"github.com/splax/localvercel/edge/pkg/logger"
)

type recordingSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *recordingSink) RecordRequest(string, time.Duration, int64, int64, bool) {}

func (s *recordingSink) RecordEvent(event telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func newTestResolver(t *testing.T) (*Resolver, *memory.RouteStore, *recordingSink) {
	t.Helper()
	store := memory.NewRouteStore()
	sink := &recordingSink{}
	return NewResolver(store, sink, logger.Discard(), time.Minute), store, sink
}

func TestAddThenGetRoundTrip(t *testing.T) {
	resolver, _, _ := newTestResolver(t)
	ctx := context.Background()
	route := domain.Route{
		Domain:         "a.example.com",
		CustomerID:     "c1",
		DeploymentName: "site",
		BuildPath:      "/srv/c1/site",
		Framework:      domain.FrameworkStatic,
		Config:         &domain.RouteConfig{Env: map[string]string{"A": "1"}},
	}
	if err := resolver.AddRoute(ctx, route); err != nil {
		t.Fatalf("add route: %v", err)
	}
	got, err := resolver.GetRoute(ctx, "A.Example.com:8080")
	if err != nil {
		t.Fatalf("get route: %v", err)
	}
	route.CreatedAt = got.CreatedAt
	route.UpdatedAt = got.UpdatedAt
	if !reflect.DeepEqual(*got, route) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", *got, route)
	}
	if got.MatchedPattern != "" {
		t.Fatalf("exact route should not carry a pattern")
	}
}

func TestWildcardSynthesisNarrowestFirst(t *testing.T) {
	resolver, _, _ := newTestResolver(t)
	ctx := context.Background()
	broad := domain.Route{Domain: "*.example.com", CustomerID: "c1", DeploymentName: "broad", Framework: domain.FrameworkStatic, BuildPath: "/srv/broad"}
	narrow := domain.Route{Domain: "*.eu.example.com", CustomerID: "c1", DeploymentName: "narrow", Framework: domain.FrameworkStatic, BuildPath: "/srv/narrow"}
	for _, r := range []domain.Route{broad, narrow} {
		if err := resolver.AddRoute(ctx, r); err != nil {
			t.Fatalf("add %s: %v", r.Domain, err)
		}
	}

	got, err := resolver.GetRoute(ctx, "shop.eu.example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Domain != "shop.eu.example.com" || got.MatchedPattern != "*.eu.example.com" || got.BuildPath != "/srv/narrow" {
		t.Fatalf("unexpected synthesized route %+v", got)
	}

	got, err = resolver.GetRoute(ctx, "foo.example.com")
	if err != nil || got.BuildPath != "/srv/broad" {
		t.Fatalf("expected broad wildcard, got %+v err %v", got, err)
	}

	if _, err := resolver.GetRoute(ctx, "example.com"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("wildcard must not match bare suffix, got %v", err)
	}
	if _, err := resolver.GetRoute(ctx, "foo.other.org"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConflictLeavesOriginalRoute(t *testing.T) {
	resolver, _, _ := newTestResolver(t)
	ctx := context.Background()
	a := domain.Route{Domain: "x.example.com", CustomerID: "c1", DeploymentName: "a", BuildPath: "/srv/a"}
	b := domain.Route{Domain: "x.example.com", CustomerID: "c2", DeploymentName: "b", BuildPath: "/srv/b"}
	if err := resolver.AddRoute(ctx, a); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := resolver.AddRoute(ctx, b); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := resolver.ValidateRoute(ctx, "x.example.com", b.Owner()); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("validate should report conflict, got %v", err)
	}
	got, _ := resolver.GetRoute(ctx, "x.example.com")
	if got.BuildPath != "/srv/a" {
		t.Fatalf("route modified by conflicting add: %+v", got)
	}
}

func TestValidateRouteRejectsBadHostnames(t *testing.T) {
	resolver, _, _ := newTestResolver(t)
	for _, name := range []string{"", "-bad.example.com", "a..b", "exa mple.com", "*.*.example.com"} {
		if err := resolver.ValidateRoute(context.Background(), name, domain.Owner{}); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error for %q, got %v", name, err)
		}
	}
	if err := resolver.ValidateRoute(context.Background(), "*.example.com", domain.Owner{}); err != nil {
		t.Fatalf("wildcard should validate: %v", err)
	}
}

func TestRemoveRouteEmitsAuditAndEvent(t *testing.T) {
	resolver, store, sink := newTestResolver(t)
	ctx := context.Background()
	_ = resolver.AddRoute(ctx, domain.Route{Domain: "gone.example.com", CustomerID: "c1", DeploymentName: "site", ComputeID: "c1-site"})
	if _, err := resolver.GetRoute(ctx, "gone.example.com"); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	if err := resolver.RemoveRoute(ctx, "gone.example.com", "test"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := resolver.GetRoute(ctx, "gone.example.com"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}

	audit := store.Audit()
	if len(audit) != 2 || audit[1].Action != "delete" || audit[1].ComputeID != "c1-site" {
		t.Fatalf("unexpected audit trail %+v", audit)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	last := sink.events[len(sink.events)-1]
	if last.Type != telemetry.EventRouteRemoved || last.ComputeID != "c1-site" {
		t.Fatalf("unexpected event %+v", last)
	}
}

func TestInvalidationFromPeerEvictsCache(t *testing.T) {
	store := memory.NewRouteStore()
	local := NewResolver(store, nil, logger.Discard(), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = store.PutRoute(ctx, domain.Route{Domain: "*.example.com", CustomerID: "c1", DeploymentName: "site", BuildPath: "/old"})
	if got, err := local.GetRoute(ctx, "foo.example.com"); err != nil || got.BuildPath != "/old" {
		t.Fatalf("prime: %+v %v", got, err)
	}

	go func() { _ = local.Run(ctx) }()
	// Let Run install its subscription.
	time.Sleep(50 * time.Millisecond)

	// A peer process replaces the wildcard directly in the shared store.
	_ = store.PutRoute(ctx, domain.Route{Domain: "*.example.com", CustomerID: "c1", DeploymentName: "site", BuildPath: "/new"})
	_ = store.Publish(ctx, repository.Invalidation{Topic: repository.TopicRouteChanged, Domain: "*.example.com"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := local.GetRoute(ctx, "foo.example.com")
		if err == nil && got.BuildPath == "/new" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("synthesized route not evicted, still %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	store := memory.NewRouteStore()
	resolver := NewResolver(store, nil, logger.Discard(), time.Minute)
	now := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	resolver.now = func() time.Time { return now }
	ctx := context.Background()

	_ = store.PutRoute(ctx, domain.Route{Domain: "a.example.com", BuildPath: "/v1"})
	_, _ = resolver.GetRoute(ctx, "a.example.com")
	// Out-of-band delete with no invalidation.
	_ = store.DeleteRoute(ctx, "a.example.com")

	if _, err := resolver.GetRoute(ctx, "a.example.com"); err != nil {
		t.Fatalf("stale entry should still be served within the TTL: %v", err)
	}
	now = now.Add(time.Minute)
	if _, err := resolver.GetRoute(ctx, "a.example.com"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected expiry after TTL, got %v", err)
	}
}
