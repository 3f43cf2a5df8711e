package domain

import "time"

// ComputeState is the Supervisor's view of a compute unit.
type ComputeState struct {
	ID         string
	Host       string
	Port       int
	Running    bool
	LastAccess time.Time
}

// ComputeSpec is what the edge asks the Supervisor to run.
type ComputeSpec struct {
	ID           string
	CustomerID   string
	Name         string
	Framework    Framework
	Path         string
	StartCommand string
	Port         int
	Memory       string
	CPU          string
	Env          map[string]string
	Domains      []string
	Development  bool
}
