package model

import "time"

// RegistryStatus is the coarse status tracked by the workflow registry.
type RegistryStatus string

// Registry statuses.
const (
	RegistryRunning   RegistryStatus = "running"
	RegistryCompleted RegistryStatus = "completed"
	RegistryFailed    RegistryStatus = "failed"
)

// RegistryEntry maps a business entity (content) to the workflow currently or
// previously processing it. At most one running entry exists per
// (ContentID, WorkflowType).
type RegistryEntry struct {
	WorkflowID   string         `json:"workflow_id"`
	RunID        string         `json:"run_id"`
	ContentID    string         `json:"content_id"`
	WorkflowType string         `json:"workflow_type"`
	Status       RegistryStatus `json:"status"`
	Attempt      int            `json:"attempt"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Version      int            `json:"version"`
}

// RegistryStatusFor maps a closed run status onto the registry's vocabulary.
// A run that continued as new is still running from the registry's view.
func RegistryStatusFor(s RunStatus) RegistryStatus {
	switch s {
	case RunStatusRunning, RunStatusContinuedAsNew:
		return RegistryRunning
	case RunStatusCompleted:
		return RegistryCompleted
	default:
		return RegistryFailed
	}
}
