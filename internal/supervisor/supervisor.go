// Package supervisor defines the contract the edge uses to run compute units.
package supervisor

import (
	"context"
	"fmt"

	"github.com/splax/localvercel/edge/internal/domain"
)

// Supervisor owns the lifecycle of compute units. Spawn must guarantee at
// most one running unit per compute id even under concurrent calls.
type Supervisor interface {
	// State returns domain.ErrNotFound when no unit exists for id.
	State(ctx context.Context, id string) (domain.ComputeState, error)
	Spawn(ctx context.Context, spec domain.ComputeSpec) (domain.ComputeState, error)
	Stop(ctx context.Context, id, reason string) error
	UpdateDomains(ctx context.Context, id string, domains []string) error
	TouchLastAccess(ctx context.Context, id string) error
}

// Disabled is used when no compute backend is configured. Static and
// reverse-proxy deployments keep working; compute activation fails.
type Disabled struct{}

var _ Supervisor = Disabled{}

func (Disabled) State(context.Context, string) (domain.ComputeState, error) {
	return domain.ComputeState{}, domain.ErrNotFound
}

func (Disabled) Spawn(_ context.Context, spec domain.ComputeSpec) (domain.ComputeState, error) {
	return domain.ComputeState{}, fmt.Errorf("%w: compute supervisor disabled, cannot run %s", domain.ErrUpstream, spec.ID)
}

func (Disabled) Stop(context.Context, string, string) error { return nil }
func (Disabled) UpdateDomains(context.Context, string, []string) error { return nil }
func (Disabled) TouchLastAccess(context.Context, string) error { return nil }
