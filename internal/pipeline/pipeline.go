// Package pipeline defines the content workflows: production, research,
// editorial review, the QA gate, publishing, website generation, batch
// processing and scheduled maintenance.
//
// Workflow functions run inside the engine and must stay deterministic:
// every collaborator call goes through an activity, and waiting goes
// through the workflow context.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/contentflow/internal/activities"
	"github.com/pitabwire/contentflow/internal/config"
	"github.com/pitabwire/contentflow/internal/observability"
	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

// Agent roles looked up in config.PipelinesConfig.Agents.
const (
	RoleWriter     = "writer"
	RoleEditor     = "editor"
	RoleMedia      = "media"
	RoleLinker     = "linker"
	RoleSEO        = "seo"
	RoleResearcher = "researcher"
	RoleValidator  = "validator"
)

// Actor roles passed to content transitions.
const (
	actorSystem   = "system"
	actorReviewer = "reviewer"
)

const (
	batchActivityTimeout = 24 * time.Hour
	sideEffectTimeout    = 30 * time.Second
)

// Pipelines holds the defaults shared by every workflow.
type Pipelines struct {
	cfg     config.PipelinesConfig
	metrics *observability.Metrics
}

// Register adds every pipeline workflow to reg.
func Register(reg *workflow.Registry, cfg config.PipelinesConfig, metrics *observability.Metrics) *Pipelines {
	p := &Pipelines{cfg: cfg, metrics: metrics}
	workflow.RegisterWorkflow(reg, model.WorkflowContentProduction, p.ContentProduction)
	workflow.RegisterWorkflow(reg, model.WorkflowEditorialReview, p.EditorialReview)
	workflow.RegisterWorkflow(reg, model.WorkflowPublishing, p.Publishing)
	workflow.RegisterWorkflow(reg, model.WorkflowQAGate, p.QAGate)
	workflow.RegisterWorkflow(reg, model.WorkflowResearch, p.Research)
	workflow.RegisterWorkflow(reg, model.WorkflowBatchProcessing, p.BatchProcessing)
	workflow.RegisterWorkflow(reg, model.WorkflowWebsiteGeneration, p.WebsiteGeneration)
	workflow.RegisterWorkflow(reg, model.WorkflowScheduledMaintenance, p.ScheduledMaintenance)
	return p
}

// agent returns override when set, otherwise the configured agent for role.
func (p *Pipelines) agent(override, role string) string {
	if override != "" {
		return override
	}
	return p.cfg.Agents[role]
}

// halted returns the run's cancellation cause once it was terminated, timed
// out or the engine is stopping.
func halted(wctx *workflow.Context) error {
	if err := wctx.Context().Err(); err != nil {
		return context.Cause(wctx.Context())
	}
	return nil
}

// callAgent runs one agent task. An agent that reports Success=false is
// returned as an error together with its result.
func callAgent(wctx *workflow.Context, agentID, taskType, description string, data map[string]any) (model.AgentResult, error) {
	if agentID == "" {
		return model.AgentResult{}, fmt.Errorf("no agent configured for %s", taskType)
	}
	res, err := workflow.ExecuteActivity[model.AgentResult](wctx, activities.AgentInvoke, model.AgentRequest{
		AgentID:     agentID,
		TaskType:    taskType,
		Description: description,
		Context:     data,
	}, workflow.ActivityOptions{})
	if err != nil {
		return res, err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		return res, fmt.Errorf("%s %s: %s", agentID, taskType, msg)
	}
	return res, nil
}

// agentData decodes the structured output of an agent result.
func agentData[T any](res model.AgentResult) (T, error) {
	var out T
	if len(res.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(res.Data, &out); err != nil {
		return out, fmt.Errorf("decode agent output: %w", err)
	}
	return out, nil
}

func findContent(wctx *workflow.Context, contentID string) (model.Content, error) {
	return workflow.ExecuteActivity[model.Content](wctx, activities.ContentFind, contentID, workflow.ActivityOptions{})
}

func updateContent(wctx *workflow.Context, contentID string, fields map[string]any) error {
	_, err := workflow.ExecuteActivity[model.Content](wctx, activities.ContentUpdate, activities.UpdateRequest{
		ContentID: contentID,
		Fields:    fields,
	}, workflow.ActivityOptions{})
	return err
}

// transition applies a content state machine event. A refused transition
// is an error.
func transition(wctx *workflow.Context, contentID, event, actorRole, actorID string, metadata map[string]any) error {
	res, err := workflow.ExecuteActivity[model.TransitionResult](wctx, activities.ContentTransition, model.TransitionRequest{
		ContentID: contentID,
		Event:     event,
		ActorRole: actorRole,
		ActorID:   actorID,
		Metadata:  metadata,
	}, workflow.ActivityOptions{})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("transition %s refused: %s", event, res.Error)
	}
	return nil
}

// note mirrors a step outcome as a comment on the content's review
// artifact. Failures are logged and ignored.
func note(wctx *workflow.Context, contentID, format string, args ...any) {
	_, err := workflow.ExecuteActivity[activities.CommentResult](wctx, activities.ReviewComment, activities.CommentRequest{
		ContentID: contentID,
		Body:      fmt.Sprintf(format, args...),
	}, workflow.ActivityOptions{StartToCloseTimeout: sideEffectTimeout})
	if err != nil {
		wctx.Logger().Warn("review comment failed", zap.String("content_id", contentID), zap.Error(err))
	}
}

// emit publishes a domain event. Failures are logged and ignored.
func emit(wctx *workflow.Context, name string, payload any) {
	raw, err := json.Marshal(payload)
	if err == nil {
		_, err = workflow.ExecuteActivity[struct{}](wctx, activities.EventPublish, activities.PublishRequest{
			Name:    name,
			Payload: raw,
		}, workflow.ActivityOptions{StartToCloseTimeout: sideEffectTimeout})
	}
	if err != nil {
		wctx.Logger().Warn("event publish failed", zap.String("event", name), zap.Error(err))
	}
}

// orDefault returns v unless it is the zero value.
func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
