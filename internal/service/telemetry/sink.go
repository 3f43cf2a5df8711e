// Package telemetry records edge request metrics and lifecycle events.
package telemetry

import "time"

// Event types emitted by the edge.
const (
	EventRouteAdded        = "route_added"
	EventRouteRemoved      = "route_removed"
	EventDeploySucceeded   = "deployment_succeeded"
	EventDeployFailed      = "deployment_failed"
	EventDeployOrphaned    = "deployment_orphaned"
	EventDeployUnhealthy   = "deployment_unhealthy"
	EventComputeActivated  = "compute_activated"
	EventComputeStopped    = "compute_stopped"
	EventWebSocketSession  = "websocket_session"
	EventDispatchRecovered = "dispatch_panic"
)

// Event is a lifecycle or audit occurrence.
type Event struct {
	Type         string
	Domain       string
	DeploymentID string
	CustomerID   string
	ComputeID    string
	Message      string
	Level        string
	OccurredAt   time.Time
}

// Sink receives request measurements and events. Implementations must not
// block the caller.
type Sink interface {
	RecordRequest(computeID string, latency time.Duration, bytesIn, bytesOut int64, isError bool)
	RecordEvent(event Event)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordRequest(string, time.Duration, int64, int64, bool) {}
func (Nop) RecordEvent(Event) {}
