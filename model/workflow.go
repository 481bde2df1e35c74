package model

import (
	"encoding/json"
	"time"
)

// Workflow types known to the orchestrator.
const (
	WorkflowContentProduction    = "content-production"
	WorkflowEditorialReview      = "editorial-review"
	WorkflowPublishing           = "publishing"
	WorkflowQAGate               = "qa-gate"
	WorkflowResearch             = "research"
	WorkflowBatchProcessing      = "batch-processing"
	WorkflowWebsiteGeneration    = "website-generation"
	WorkflowScheduledMaintenance = "scheduled-maintenance"
)

// WorkflowTypes lists every workflow type in registration order.
var WorkflowTypes = []string{
	WorkflowContentProduction,
	WorkflowEditorialReview,
	WorkflowPublishing,
	WorkflowQAGate,
	WorkflowResearch,
	WorkflowBatchProcessing,
	WorkflowWebsiteGeneration,
	WorkflowScheduledMaintenance,
}

// SignalApproval is the signal carrying a human review decision.
const SignalApproval = "approval"

// RunStatus is the lifecycle status of a single workflow run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning        RunStatus = "running"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusTerminated     RunStatus = "terminated"
	RunStatusTimedOut       RunStatus = "timed-out"
	RunStatusContinuedAsNew RunStatus = "continued-as-new"
)

// Closed reports whether the status is terminal for the run.
func (s RunStatus) Closed() bool {
	return s != RunStatusRunning
}

// WorkflowRun is one execution of a workflow. A logical workflow (WorkflowID)
// may span several runs when it continues as new.
type WorkflowRun struct {
	WorkflowID         string          `json:"workflow_id"`
	RunID              string          `json:"run_id"`
	WorkflowType       string          `json:"workflow_type"`
	TaskQueue          string          `json:"task_queue"`
	Status             RunStatus       `json:"status"`
	Input              json.RawMessage `json:"input,omitempty"`
	Result             json.RawMessage `json:"result,omitempty"`
	Error              string          `json:"error,omitempty"`
	ParentWorkflowID   string          `json:"parent_workflow_id,omitempty"`
	ParentRunID        string          `json:"parent_run_id,omitempty"`
	ContinuedFromRunID string          `json:"continued_from_run_id,omitempty"`
	ContinuedAsRunID   string          `json:"continued_as_run_id,omitempty"`
	ExecutionTimeout   time.Duration   `json:"execution_timeout,omitempty"`
	StartedAt          time.Time       `json:"started_at"`
	ClosedAt           *time.Time      `json:"closed_at,omitempty"`
	Version            int             `json:"version"`
}

// RunRef identifies a started run.
type RunRef struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// HistoryEventType enumerates the entries of a run's event history.
type HistoryEventType string

// History event types.
const (
	EventWorkflowStarted        HistoryEventType = "WorkflowStarted"
	EventActivityCompleted      HistoryEventType = "ActivityCompleted"
	EventActivityFailed         HistoryEventType = "ActivityFailed"
	EventTimerStarted           HistoryEventType = "TimerStarted"
	EventTimerFired             HistoryEventType = "TimerFired"
	EventSignalReceived         HistoryEventType = "SignalReceived"
	EventSignalWaitStarted      HistoryEventType = "SignalWaitStarted"
	EventSignalConsumed         HistoryEventType = "SignalConsumed"
	EventSignalTimedOut         HistoryEventType = "SignalTimedOut"
	EventChildStarted           HistoryEventType = "ChildStarted"
	EventChildCompleted         HistoryEventType = "ChildCompleted"
	EventChildFailed            HistoryEventType = "ChildFailed"
	EventSideEffectRecorded     HistoryEventType = "SideEffectRecorded"
	EventWorkflowCompleted      HistoryEventType = "WorkflowCompleted"
	EventWorkflowFailed         HistoryEventType = "WorkflowFailed"
	EventWorkflowContinuedAsNew HistoryEventType = "WorkflowContinuedAsNew"
	EventWorkflowTerminated     HistoryEventType = "WorkflowTerminated"
	EventWorkflowTimedOut       HistoryEventType = "WorkflowTimedOut"
)

// HistoryEvent is a single append-only entry in a run's history. Seq is the
// position of the workflow command the event belongs to; run-level events and
// received signals carry Seq 0.
type HistoryEvent struct {
	RunID           string           `json:"run_id"`
	EventID         int64            `json:"event_id"`
	Type            HistoryEventType `json:"type"`
	Seq             int64            `json:"seq,omitempty"`
	Name            string           `json:"name,omitempty"`
	Payload         json.RawMessage  `json:"payload,omitempty"`
	Error           string           `json:"error,omitempty"`
	Attempt         int              `json:"attempt,omitempty"`
	RefEventID      int64            `json:"ref_event_id,omitempty"`
	ChildWorkflowID string           `json:"child_workflow_id,omitempty"`
	ChildRunID      string           `json:"child_run_id,omitempty"`
	FireAt          *time.Time       `json:"fire_at,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}
