package model

import (
	"context"
	"encoding/json"
	"time"
)

// AgentRequest asks an LLM agent to perform one task.
type AgentRequest struct {
	AgentID     string         `json:"agent_id"`
	TaskType    string         `json:"task_type"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
}

// AgentResult is the outcome of an agent task. Data carries structured output
// (scores, issue lists, risk levels); Content carries generated text.
type AgentResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Content string          `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// AgentInvoker dispatches tasks to agents.
type AgentInvoker interface {
	Invoke(ctx context.Context, req AgentRequest) (AgentResult, error)
}

// Content is the subset of the content record the orchestrator reads.
type Content struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Body      string         `json:"body,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Content statuses the pipelines branch on.
const (
	ContentBriefCreated = "brief_created"
	ContentDraft        = "draft"
	ContentInReview     = "in_review"
	ContentApproved     = "approved"
	ContentScheduled    = "scheduled"
	ContentPublished    = "published"
)

// Content transition events.
const (
	TransitionCreateDraft      = "create_draft"
	TransitionSubmitForReview  = "submit_for_review"
	TransitionApprove          = "approve"
	TransitionRequestChanges   = "request_changes"
	TransitionSchedule         = "schedule"
	TransitionPublish          = "publish"
	TransitionCompleteResearch = "complete_research"
)

// TransitionRequest asks the content system to move content through its
// state machine.
type TransitionRequest struct {
	ContentID string         `json:"content_id"`
	Event     string         `json:"event"`
	ActorRole string         `json:"actor_role"`
	ActorID   string         `json:"actor_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TransitionResult reports whether a content transition was applied.
type TransitionResult struct {
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ContentRepository is the content system's interface.
type ContentRepository interface {
	FindByID(ctx context.Context, contentID string) (Content, error)
	Update(ctx context.Context, contentID string, fields map[string]any) (Content, error)
	Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error)
}

// ReviewMapping links a content item or escalation to its review artifact.
type ReviewMapping struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// Review artifact kinds accepted by ReviewSync.GetMapping.
const (
	MappingContent    = "content"
	MappingEscalation = "escalation"
)

// ReviewSync mirrors content onto the external review system.
type ReviewSync interface {
	SyncToReview(ctx context.Context, contentID string) (ReviewMapping, error)
	SyncApproval(ctx context.Context, contentID, feedback string) error
	SyncRejection(ctx context.Context, contentID, feedback string) error
	SyncPublish(ctx context.Context, contentID string) error
	AddComment(ctx context.Context, number int, body string) error
	CreateEscalation(ctx context.Context, esc Escalation) (ReviewMapping, error)
	GetMapping(ctx context.Context, kind, id string) (ReviewMapping, error)
}

// EventBus publishes domain events. Publishing is fire-and-forget for
// callers; failures are reported but never block a pipeline.
type EventBus interface {
	Publish(ctx context.Context, name string, payload any) error
}

// Domain event names.
const (
	EventContentCreated            = "content.created"
	EventContentSubmittedForReview = "content.submittedForReview"
	EventContentApproved           = "content.approved"
	EventContentNeedsChanges       = "content.needsChanges"
	EventContentResearched         = "content.researched"
	EventContentStale              = "content.stale"
	EventQAGatePassed              = "content.qaGatePassed"
	EventQAGateFailed              = "content.qaGateFailed"
	EventDeploySucceeded           = "deploy.succeeded"
	EventDeployFailed              = "deploy.failed"
	EventBatchCompleted            = "batch.completed"
)

// ValidationResult is the outcome of validating content before deploy.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Deployment describes a completed site build.
type Deployment struct {
	DeploymentID string `json:"deployment_id"`
	URL          string `json:"url"`
}

// SiteBuilder validates and deploys published content.
type SiteBuilder interface {
	Validate(ctx context.Context, contentID string) (ValidationResult, error)
	BuildAndDeploy(ctx context.Context, contentID string) (Deployment, error)
}

// Batch job states reported by BatchService.Poll.
const (
	BatchPending   = "pending"
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchFailed    = "failed"
)

// BatchStatus reports the progress of a submitted batch job.
type BatchStatus struct {
	BatchID   string `json:"batch_id"`
	State     string `json:"state"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Error     string `json:"error,omitempty"`
}

// BatchService runs bulk agent jobs asynchronously.
type BatchService interface {
	Submit(ctx context.Context, batchType string, items []json.RawMessage) (string, error)
	Poll(ctx context.Context, batchID string) (BatchStatus, error)
	Collect(ctx context.Context, batchID string) ([]json.RawMessage, error)
}

// StaleContent is a published item whose last update exceeds the
// staleness threshold of its content type.
type StaleContent struct {
	ContentID string    `json:"content_id"`
	Type      string    `json:"type"`
	UpdatedAt time.Time `json:"updated_at"`
	AgeDays   int       `json:"age_days"`
}

// ContentCatalog answers queries across content items.
type ContentCatalog interface {
	FindStale(ctx context.Context, entityID string, thresholds map[string]int) ([]StaleContent, error)
}
