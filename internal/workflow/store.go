package workflow

import (
	"context"

	"github.com/pitabwire/contentflow/model"
)

// IDReusePolicy decides whether a workflow id may be started again.
type IDReusePolicy string

// ID reuse policies. The zero value behaves as IDReuseAllowAfterClose.
const (
	// IDReuseAllowAfterClose rejects a start while a run with the same id is
	// running and allows it once every earlier run has closed.
	IDReuseAllowAfterClose IDReusePolicy = "allow-after-close"
	// IDReuseAllowFailedOnly allows a new run only when the latest run did
	// not complete successfully.
	IDReuseAllowFailedOnly IDReusePolicy = "allow-failed-only"
	// IDReuseReject rejects a start when any run with the same id exists.
	IDReuseReject IDReusePolicy = "reject"
)

// HistoryStore persists workflow runs and their append-only event history.
type HistoryStore interface {
	// CreateRun persists a new run together with its first history events.
	// Returns WORKFLOW_ALREADY_RUNNING when the reuse policy forbids the
	// start.
	CreateRun(ctx context.Context, run model.WorkflowRun, policy IDReusePolicy, events []model.HistoryEvent) error

	// GetRun retrieves a run by id. Returns NOT_FOUND if it doesn't exist.
	GetRun(ctx context.Context, runID string) (model.WorkflowRun, error)

	// CurrentRun returns the latest run started for a workflow id.
	// Returns WORKFLOW_NOT_FOUND when no run exists.
	CurrentRun(ctx context.Context, workflowID string) (model.WorkflowRun, error)

	// UpdateRun persists run metadata with optimistic locking and appends
	// events in the same step. Returns CONFLICT if the stored version
	// differs, and WORKFLOW_NOT_RUNNING when events are given for a run that
	// has already closed.
	UpdateRun(ctx context.Context, run model.WorkflowRun, events ...model.HistoryEvent) error

	// AppendEvents appends events to a running run's history, assigning
	// event ids. Returns WORKFLOW_NOT_RUNNING once the run has closed.
	AppendEvents(ctx context.Context, runID string, events ...model.HistoryEvent) ([]model.HistoryEvent, error)

	// Events returns a run's history ordered by event id.
	Events(ctx context.Context, runID string) ([]model.HistoryEvent, error)

	// ListRuns returns runs matching the filters, newest first.
	ListRuns(ctx context.Context, filters RunFilters) ([]model.WorkflowRun, error)
}

// RunFilters are optional filters for listing runs.
type RunFilters struct {
	WorkflowID       string
	WorkflowType     string
	Status           model.RunStatus
	ParentWorkflowID string
	Limit            int
}

func (f RunFilters) match(run model.WorkflowRun) bool {
	if f.WorkflowID != "" && run.WorkflowID != f.WorkflowID {
		return false
	}
	if f.WorkflowType != "" && run.WorkflowType != f.WorkflowType {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	if f.ParentWorkflowID != "" && run.ParentWorkflowID != f.ParentWorkflowID {
		return false
	}
	return true
}

// reuseAllowed applies policy to the latest existing run for a workflow id.
func reuseAllowed(policy IDReusePolicy, latest model.WorkflowRun) bool {
	if latest.Status == model.RunStatusRunning {
		return false
	}
	switch policy {
	case IDReuseReject:
		return false
	case IDReuseAllowFailedOnly:
		return latest.Status != model.RunStatusCompleted
	default:
		return true
	}
}
