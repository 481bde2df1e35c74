package pipeline

import (
	"fmt"
	"strings"

	"github.com/pitabwire/contentflow/internal/activities"
	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

// PublishingInput publishes approved content.
type PublishingInput struct {
	ContentID  string `json:"content_id"`
	SEOAgentID string `json:"seo_agent_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
}

// PublishingResult reports the deployment of a content item.
type PublishingResult struct {
	Success       bool   `json:"success"`
	ContentID     string `json:"content_id"`
	DeploymentURL string `json:"deployment_url,omitempty"`
	SEOApplied    bool   `json:"seo_applied"`
	Error         string `json:"error,omitempty"`
}

// Publishing optimizes, validates and deploys content. SEO and the review
// merge are best effort; scheduling, validation, deployment and the final
// publish transition abort the run.
func (p *Pipelines) Publishing(wctx *workflow.Context, in PublishingInput) (PublishingResult, error) {
	result := PublishingResult{ContentID: in.ContentID}
	actor := orDefault(in.ActorID, actorSystem)
	fail := func(step string, err error) (PublishingResult, error) {
		result.Error = fmt.Sprintf("%s: %v", step, err)
		note(wctx, in.ContentID, "❌ Publishing failed at %s: %v", step, err)
		emit(wctx, model.EventDeployFailed, map[string]any{
			"content_id": in.ContentID,
			"step":       step,
			"error":      err.Error(),
		})
		return result, halted(wctx)
	}

	note(wctx, in.ContentID, "🚀 Publishing started")

	seo := p.agent(in.SEOAgentID, RoleSEO)
	if _, err := callAgent(wctx, seo, "optimize", "Optimize metadata and headings for search", map[string]any{
		"content_id": in.ContentID,
	}); err != nil {
		note(wctx, in.ContentID, "⚠️ SEO optimization skipped: %v", err)
	} else {
		result.SEOApplied = true
		note(wctx, in.ContentID, "🔎 SEO optimization applied")
	}

	if err := transition(wctx, in.ContentID, model.TransitionSchedule, actorSystem, actor, nil); err != nil {
		return fail("schedule", err)
	}

	validation, err := workflow.ExecuteActivity[model.ValidationResult](wctx, activities.SiteValidate, in.ContentID, workflow.ActivityOptions{})
	if err != nil {
		return fail("validate", err)
	}
	if !validation.Valid {
		return fail("validate", fmt.Errorf("content is invalid: %s", strings.Join(validation.Errors, "; ")))
	}
	note(wctx, in.ContentID, "✅ Validation passed")

	deployment, err := workflow.ExecuteActivity[model.Deployment](wctx, activities.SiteDeploy, in.ContentID, workflow.ActivityOptions{})
	if err != nil {
		return fail("deploy", err)
	}
	result.DeploymentURL = deployment.URL
	note(wctx, in.ContentID, "🌍 Deployed to %s", deployment.URL)

	if _, err := workflow.ExecuteActivity[struct{}](wctx, activities.ReviewPublish, in.ContentID, workflow.ActivityOptions{}); err != nil {
		note(wctx, in.ContentID, "⚠️ Review merge failed: %v", err)
	}

	if err := transition(wctx, in.ContentID, model.TransitionPublish, actorSystem, actor, map[string]any{
		"deployment_id":  deployment.DeploymentID,
		"deployment_url": deployment.URL,
	}); err != nil {
		return fail("publish", err)
	}

	result.Success = true
	emit(wctx, model.EventDeploySucceeded, map[string]any{
		"content_id":    in.ContentID,
		"deployment_id": deployment.DeploymentID,
		"url":           deployment.URL,
		"seo_applied":   result.SEOApplied,
	})
	note(wctx, in.ContentID, "🎉 Published")
	return result, nil
}
