package pipeline

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/contentflow/internal/activities"
	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

// Pipeline run outcomes reported in Status fields.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ContentProductionInput starts drafting a content item from its brief.
type ContentProductionInput struct {
	ContentID              string  `json:"content_id"`
	WriterAgentID          string  `json:"writer_agent_id,omitempty"`
	EditorAgentID          string  `json:"editor_agent_id,omitempty"`
	Brief                  string  `json:"brief,omitempty"`
	MaxRevisions           int     `json:"max_revisions,omitempty"`
	RevisionScoreThreshold float64 `json:"revision_score_threshold,omitempty"`
}

// ContentProductionResult reports how far the draft got.
type ContentProductionResult struct {
	Success        bool   `json:"success"`
	ContentID      string `json:"content_id"`
	Status         string `json:"status"`
	FinalState     string `json:"final_state,omitempty"`
	RevisionsCount int    `json:"revisions_count"`
	Error          string `json:"error,omitempty"`
}

// ContentProduction drafts content, revises it while its quality score is
// below the threshold and submits it for review.
func (p *Pipelines) ContentProduction(wctx *workflow.Context, in ContentProductionInput) (ContentProductionResult, error) {
	result := ContentProductionResult{ContentID: in.ContentID, Status: StatusFailed}
	writer := p.agent(in.WriterAgentID, RoleWriter)
	fail := func(format string, args ...any) (ContentProductionResult, error) {
		result.Error = fmt.Sprintf(format, args...)
		note(wctx, in.ContentID, "❌ Content production failed: %s", result.Error)
		return result, halted(wctx)
	}

	content, err := findContent(wctx, in.ContentID)
	if err != nil {
		return fail("load content: %v", err)
	}

	brief := in.Brief
	if brief == "" {
		brief = content.Title
	}
	if _, err := callAgent(wctx, writer, "draft", brief, map[string]any{
		"content_id": in.ContentID,
		"type":       content.Type,
	}); err != nil {
		return fail("draft: %v", err)
	}
	note(wctx, in.ContentID, "📝 Draft written by %s", writer)

	if content.Status == model.ContentBriefCreated {
		if err := transition(wctx, in.ContentID, model.TransitionCreateDraft, actorSystem, writer, nil); err != nil {
			return fail("%v", err)
		}
	}
	emit(wctx, model.EventContentCreated, map[string]any{"content_id": in.ContentID, "writer": writer})

	result.RevisionsCount = p.revise(wctx, in, writer)

	if _, err := callAgent(wctx, writer, "submit_for_review", "Submit the draft for editorial review", map[string]any{
		"content_id": in.ContentID,
		"revisions":  result.RevisionsCount,
	}); err != nil {
		return fail("submit for review: %v", err)
	}
	emit(wctx, model.EventContentSubmittedForReview, map[string]any{"content_id": in.ContentID})

	result.FinalState = model.ContentInReview
	if refreshed, err := findContent(wctx, in.ContentID); err == nil && refreshed.Status != "" {
		result.FinalState = refreshed.Status
	}
	result.Success = true
	result.Status = StatusCompleted
	note(wctx, in.ContentID, "📤 Submitted for review after %d revision(s)", result.RevisionsCount)
	return result, nil
}

// revise runs the bounded revision loop and returns the number of applied
// revisions. Any failure ends the loop.
func (p *Pipelines) revise(wctx *workflow.Context, in ContentProductionInput, writer string) int {
	maxRevisions := orDefault(in.MaxRevisions, p.cfg.MaxRevisions)
	threshold := orDefault(in.RevisionScoreThreshold, p.cfg.RevisionScoreThreshold)
	if threshold <= 0 {
		return 0
	}
	assessor := p.agent(in.EditorAgentID, RoleEditor)

	revisions := 0
	for revisions < maxRevisions {
		assessment, err := workflow.ExecuteActivity[activities.QualityAssessment](wctx, activities.AssessQuality,
			activities.QualityRequest{ContentID: in.ContentID, AgentID: assessor}, workflow.ActivityOptions{})
		if err != nil {
			wctx.Logger().Warn("quality assessment failed", zap.String("content_id", in.ContentID), zap.Error(err))
			break
		}
		if assessment.Score >= threshold {
			break
		}

		if _, err := callAgent(wctx, writer, "revise", assessment.Feedback, map[string]any{
			"content_id": in.ContentID,
			"score":      assessment.Score,
			"revision":   revisions + 1,
		}); err != nil {
			note(wctx, in.ContentID, "⚠️ Revision %d failed: %v", revisions+1, err)
			break
		}
		revisions++
		note(wctx, in.ContentID, "✏️ Revision %d applied (score %.1f below %.1f)", revisions, assessment.Score, threshold)
	}
	return revisions
}
