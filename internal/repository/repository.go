package repository

import (
	"context"
	"time"

	"github.com/splax/localvercel/edge/internal/domain"
)

// Invalidation channels shared by every edge instance.
const (
	TopicRouteChanged = "route:changed"
	TopicRouteRemoved = "route:removed"
)

// Invalidation tells caches which domain to evict.
type Invalidation struct {
	Topic  string `json:"topic"`
	Domain string `json:"domain"`
}

// AuditEvent records a mutation of the routing table.
type AuditEvent struct {
	Action     string    `json:"action"`
	Domain     string    `json:"domain"`
	CustomerID string    `json:"customer_id,omitempty"`
	ComputeID  string    `json:"compute_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RouteRepository persists the domain routing table.
type RouteRepository interface {
	GetRoute(ctx context.Context, domain string) (*domain.Route, error)
	// PutRoute stores route atomically, failing with domain.ErrConflict when
	// the domain is held by a different deployment.
	PutRoute(ctx context.Context, route domain.Route) error
	DeleteRoute(ctx context.Context, domain string) error
	ListRoutes(ctx context.Context) ([]domain.Route, error)
	ListDomains(ctx context.Context) ([]string, error)
	Publish(ctx context.Context, msg Invalidation) error
	// Subscribe delivers invalidations until ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan Invalidation, error)
	AppendAudit(ctx context.Context, event AuditEvent) error
	Ping(ctx context.Context) error
}

// StatusRepository persists deployment outcome records.
type StatusRepository interface {
	PutStatus(ctx context.Context, status domain.DeploymentStatus) error
	GetStatus(ctx context.Context, id string) (*domain.DeploymentStatus, error)
	ListStatuses(ctx context.Context) ([]domain.DeploymentStatus, error)
	DeleteStatus(ctx context.Context, id string) error
}
