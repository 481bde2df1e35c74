// Package activities registers the side-effecting operations pipelines run
// through the workflow engine. Each activity wraps one collaborator call;
// retries, timeouts and history recording are handled by the engine.
package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/pitabwire/contentflow/internal/escalation"
	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

// Activity names.
const (
	AgentInvoke       = "agent.invoke"
	ContentFind       = "content.find"
	ContentUpdate     = "content.update"
	ContentTransition = "content.transition"
	AssessQuality     = "content.assessQuality"
	ReviewSync        = "review.sync"
	ReviewApprove     = "review.approve"
	ReviewReject      = "review.reject"
	ReviewPublish     = "review.publish"
	ReviewComment     = "review.comment"
	Escalate          = "review.escalate"
	EventPublish      = "events.publish"
	SiteValidate      = "site.validate"
	SiteDeploy        = "site.buildAndDeploy"
	BatchSubmit       = "batch.submit"
	BatchPoll         = "batch.poll"
	BatchCollect      = "batch.collect"
	FindStale         = "maintenance.findStale"
)

// Deps are the collaborators activities call. Site, Batches and Catalog may
// be nil when the corresponding pipelines are not deployed; their
// activities then fail without retrying.
type Deps struct {
	Agents      model.AgentInvoker
	Content     model.ContentRepository
	Review      model.ReviewSync
	Events      model.EventBus
	Escalations escalation.Store
	Site        model.SiteBuilder
	Batches     model.BatchService
	Catalog     model.ContentCatalog
	Clock       clockwork.Clock
	Logger      *zap.Logger
}

type impl struct {
	Deps
}

// Register adds every activity to reg.
func Register(reg *workflow.Registry, deps Deps) {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	a := &impl{Deps: deps}

	workflow.RegisterActivity(reg, AgentInvoke, a.invokeAgent)
	workflow.RegisterActivity(reg, ContentFind, a.findContent)
	workflow.RegisterActivity(reg, ContentUpdate, a.updateContent)
	workflow.RegisterActivity(reg, ContentTransition, a.transition)
	workflow.RegisterActivity(reg, AssessQuality, a.assessQuality)
	workflow.RegisterActivity(reg, ReviewSync, a.syncReview)
	workflow.RegisterActivity(reg, ReviewApprove, a.syncApproval)
	workflow.RegisterActivity(reg, ReviewReject, a.syncRejection)
	workflow.RegisterActivity(reg, ReviewPublish, a.syncPublish)
	workflow.RegisterActivity(reg, ReviewComment, a.comment)
	workflow.RegisterActivity(reg, Escalate, a.escalate)
	workflow.RegisterActivity(reg, EventPublish, a.publish)
	workflow.RegisterActivity(reg, SiteValidate, a.validate)
	workflow.RegisterActivity(reg, SiteDeploy, a.deploy)
	workflow.RegisterActivity(reg, BatchSubmit, a.submitBatch)
	workflow.RegisterActivity(reg, BatchPoll, a.pollBatch)
	workflow.RegisterActivity(reg, BatchCollect, a.collectBatch)
	workflow.RegisterActivity(reg, FindStale, a.findStale)
}

// --- Agents ---

func (a *impl) invokeAgent(ctx context.Context, req model.AgentRequest) (model.AgentResult, error) {
	res, err := a.Agents.Invoke(ctx, req)
	if err != nil {
		return model.AgentResult{}, classify(err)
	}
	return res, nil
}

// QualityRequest asks an agent to score content.
type QualityRequest struct {
	ContentID string `json:"content_id"`
	AgentID   string `json:"agent_id"`
}

// QualityAssessment is the score an agent assigned to content.
type QualityAssessment struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback,omitempty"`
}

func (a *impl) assessQuality(ctx context.Context, req QualityRequest) (QualityAssessment, error) {
	res, err := a.Agents.Invoke(ctx, model.AgentRequest{
		AgentID:     req.AgentID,
		TaskType:    "assess_quality",
		Description: "Score the draft from 0 to 100 and list what should be revised.",
		Context:     map[string]any{"content_id": req.ContentID},
	})
	if err != nil {
		return QualityAssessment{}, classify(err)
	}
	if !res.Success {
		return QualityAssessment{}, fmt.Errorf("quality assessment failed: %s", res.Error)
	}
	var out QualityAssessment
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &out); err != nil {
			return QualityAssessment{}, workflow.NonRetryable(fmt.Errorf("decode quality assessment: %w", err))
		}
	}
	if out.Feedback == "" {
		out.Feedback = res.Content
	}
	return out, nil
}

// --- Content ---

func (a *impl) findContent(ctx context.Context, contentID string) (model.Content, error) {
	c, err := a.Content.FindByID(ctx, contentID)
	return c, classify(err)
}

// UpdateRequest patches fields on a content record.
type UpdateRequest struct {
	ContentID string         `json:"content_id"`
	Fields    map[string]any `json:"fields"`
}

func (a *impl) updateContent(ctx context.Context, req UpdateRequest) (model.Content, error) {
	c, err := a.Content.Update(ctx, req.ContentID, req.Fields)
	return c, classify(err)
}

func (a *impl) transition(ctx context.Context, req model.TransitionRequest) (model.TransitionResult, error) {
	res, err := a.Content.Transition(ctx, req)
	return res, classify(err)
}

// --- Review ---

func (a *impl) syncReview(ctx context.Context, contentID string) (model.ReviewMapping, error) {
	m, err := a.Review.SyncToReview(ctx, contentID)
	return m, classify(err)
}

// FeedbackRequest carries reviewer feedback for a content item.
type FeedbackRequest struct {
	ContentID string `json:"content_id"`
	Feedback  string `json:"feedback,omitempty"`
}

func (a *impl) syncApproval(ctx context.Context, req FeedbackRequest) (struct{}, error) {
	return struct{}{}, classify(a.Review.SyncApproval(ctx, req.ContentID, req.Feedback))
}

func (a *impl) syncRejection(ctx context.Context, req FeedbackRequest) (struct{}, error) {
	return struct{}{}, classify(a.Review.SyncRejection(ctx, req.ContentID, req.Feedback))
}

func (a *impl) syncPublish(ctx context.Context, contentID string) (struct{}, error) {
	return struct{}{}, classify(a.Review.SyncPublish(ctx, contentID))
}

// CommentRequest appends a timestamped progress comment to the review
// artifact of a content item.
type CommentRequest struct {
	ContentID string `json:"content_id"`
	Body      string `json:"body"`
}

// CommentResult reports whether a comment was posted. Content without a
// review artifact is skipped.
type CommentResult struct {
	Posted bool `json:"posted"`
	Number int  `json:"number,omitempty"`
}

func (a *impl) comment(ctx context.Context, req CommentRequest) (CommentResult, error) {
	m, err := a.Review.GetMapping(ctx, model.MappingContent, req.ContentID)
	if model.IsCode(err, model.ErrNotFound) || (err == nil && m.Number == 0) {
		a.Logger.Debug("no review artifact, comment skipped", zap.String("content_id", req.ContentID))
		return CommentResult{}, nil
	}
	if err != nil {
		return CommentResult{}, classify(err)
	}
	body := fmt.Sprintf("**%s**\n\n%s", a.Clock.Now().UTC().Format(time.RFC3339), req.Body)
	if err := a.Review.AddComment(ctx, m.Number, body); err != nil {
		return CommentResult{}, classify(err)
	}
	return CommentResult{Posted: true, Number: m.Number}, nil
}

// EscalationRequest raises a question to a human.
type EscalationRequest struct {
	ContentID  string `json:"content_id"`
	WorkflowID string `json:"workflow_id"`
	Question   string `json:"question"`
}

// escalate persists the ticket before opening the issue so the ticket id can
// appear in the issue title. A retry after a failed issue creation reuses
// the open ticket for the same workflow.
func (a *impl) escalate(ctx context.Context, req EscalationRequest) (model.Escalation, error) {
	if a.Escalations == nil {
		return model.Escalation{}, workflow.NonRetryable(fmt.Errorf("escalations are not configured"))
	}

	var esc model.Escalation
	open, err := a.Escalations.ListOpen(ctx, req.ContentID)
	if err != nil {
		return model.Escalation{}, err
	}
	for _, e := range open {
		if e.WorkflowID == req.WorkflowID {
			esc = e
		}
	}
	if esc.TicketID == "" {
		esc, err = a.Escalations.Create(ctx, model.Escalation{
			ContentID:  req.ContentID,
			WorkflowID: req.WorkflowID,
			Question:   req.Question,
			CreatedAt:  a.Clock.Now().UTC(),
		})
		if err != nil {
			return model.Escalation{}, err
		}
	}
	if esc.IssueNumber != 0 {
		return esc, nil
	}

	m, err := a.Review.CreateEscalation(ctx, esc)
	if err != nil {
		return model.Escalation{}, classify(err)
	}
	if err := a.Escalations.SetIssue(ctx, esc.TicketID, m.Number); err != nil {
		return model.Escalation{}, err
	}
	esc.IssueNumber = m.Number
	return esc, nil
}

// --- Events ---

// PublishRequest names a domain event and its payload.
type PublishRequest struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (a *impl) publish(ctx context.Context, req PublishRequest) (struct{}, error) {
	return struct{}{}, a.Events.Publish(ctx, req.Name, req.Payload)
}

// --- Site ---

func (a *impl) validate(ctx context.Context, contentID string) (model.ValidationResult, error) {
	if a.Site == nil {
		return model.ValidationResult{}, notConfigured("site builder")
	}
	v, err := a.Site.Validate(ctx, contentID)
	return v, classify(err)
}

func (a *impl) deploy(ctx context.Context, contentID string) (model.Deployment, error) {
	if a.Site == nil {
		return model.Deployment{}, notConfigured("site builder")
	}
	d, err := a.Site.BuildAndDeploy(ctx, contentID)
	return d, classify(err)
}

// --- Batch ---

// BatchSubmission is a batch of items to process.
type BatchSubmission struct {
	BatchType string            `json:"batch_type"`
	Items     []json.RawMessage `json:"items"`
}

func (a *impl) submitBatch(ctx context.Context, req BatchSubmission) (string, error) {
	if a.Batches == nil {
		return "", notConfigured("batch service")
	}
	id, err := a.Batches.Submit(ctx, req.BatchType, req.Items)
	return id, classify(err)
}

func (a *impl) pollBatch(ctx context.Context, batchID string) (model.BatchStatus, error) {
	if a.Batches == nil {
		return model.BatchStatus{}, notConfigured("batch service")
	}
	st, err := a.Batches.Poll(ctx, batchID)
	return st, classify(err)
}

func (a *impl) collectBatch(ctx context.Context, batchID string) ([]json.RawMessage, error) {
	if a.Batches == nil {
		return nil, notConfigured("batch service")
	}
	res, err := a.Batches.Collect(ctx, batchID)
	return res, classify(err)
}

// --- Maintenance ---

// StaleQuery selects stale content under an entity.
type StaleQuery struct {
	EntityID   string         `json:"entity_id"`
	Thresholds map[string]int `json:"thresholds"`
}

func (a *impl) findStale(ctx context.Context, q StaleQuery) ([]model.StaleContent, error) {
	if a.Catalog == nil {
		return nil, notConfigured("content catalog")
	}
	items, err := a.Catalog.FindStale(ctx, q.EntityID, q.Thresholds)
	return items, classify(err)
}

// classify marks collaborator errors that cannot succeed on retry.
func classify(err error) error {
	switch model.ErrorCode(err) {
	case model.ErrNotFound, model.ErrBadRequest, model.ErrValidationError,
		model.ErrForbidden, model.ErrUnauthorized, model.ErrInvalidTransition:
		return workflow.NonRetryable(err)
	}
	return err
}

func notConfigured(what string) error {
	return workflow.NonRetryable(fmt.Errorf("%s is not configured", what))
}
