package domain

import "time"

// DeploymentState is the lifecycle state of a deployment directory.
type DeploymentState string

const (
	StatePending   DeploymentState = "pending"
	StateBuilding  DeploymentState = "building"
	StateSuccess   DeploymentState = "success"
	StateFailed    DeploymentState = "failed"
	StateOrphaned  DeploymentState = "orphaned"
	StateUnhealthy DeploymentState = "unhealthy"
)

// MaxFailureHistory bounds DeploymentStatus.Failures and the .failed marker.
const MaxFailureHistory = 10

// FailureEntry is one recorded pipeline failure.
type FailureEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
}

// DeploymentStatus is the persisted outcome record for a deployment.
type DeploymentStatus struct {
	ID         string          `json:"id"`
	State      DeploymentState `json:"state"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Error      string          `json:"error,omitempty"`
	Domains    []string        `json:"domains,omitempty"`
	Framework  Framework       `json:"framework,omitempty"`
	CustomerID string          `json:"customer_id,omitempty"`
	ComputeID  string          `json:"compute_id,omitempty"`
	Path       string          `json:"path,omitempty"`
	Failures   []FailureEntry  `json:"failures,omitempty"`
}

// AppendFailure records a failure, keeping the newest MaxFailureHistory entries.
func AppendFailure(history []FailureEntry, entry FailureEntry) []FailureEntry {
	history = append(history, entry)
	if len(history) > MaxFailureHistory {
		history = append([]FailureEntry(nil), history[len(history)-MaxFailureHistory:]...)
	}
	return history
}
