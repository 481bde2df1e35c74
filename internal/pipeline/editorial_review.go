package pipeline

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/contentflow/internal/activities"
	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

// Review outcomes.
const (
	ReviewApproved     = "approved"
	ReviewNeedsChanges = "needs_changes"
)

// RiskHigh marks reviews that need a human decision.
const RiskHigh = "high"

// ApprovalSignal is the payload of the approval signal.
type ApprovalSignal struct {
	Approved   bool   `json:"approved"`
	Feedback   string `json:"feedback,omitempty"`
	ReviewerID string `json:"reviewer_id,omitempty"`
}

// EditorialReviewInput starts an editorial review.
type EditorialReviewInput struct {
	ContentID       string        `json:"content_id"`
	EditorAgentID   string        `json:"editor_agent_id,omitempty"`
	ReviewerID      string        `json:"reviewer_id,omitempty"`
	ApprovalTimeout time.Duration `json:"approval_timeout,omitempty"`
}

// EditorialReviewResult reports the review decision.
type EditorialReviewResult struct {
	Success      bool   `json:"success"`
	ContentID    string `json:"content_id"`
	ReviewResult string `json:"review_result,omitempty"`
	Escalated    bool   `json:"escalated"`
	TicketID     string `json:"ticket_id,omitempty"`
	TimedOut     bool   `json:"timed_out"`
	Feedback     string `json:"feedback,omitempty"`
	Error        string `json:"error,omitempty"`
}

// editorVerdict is the structured output of the editor's review task.
type editorVerdict struct {
	Approved  bool   `json:"approved"`
	RiskLevel string `json:"risk_level"`
	Feedback  string `json:"feedback"`
}

// EditorialReview has the editor agent review content. High-risk content
// waits for a human approval signal; silence until the timeout counts as a
// rejection.
func (p *Pipelines) EditorialReview(wctx *workflow.Context, in EditorialReviewInput) (EditorialReviewResult, error) {
	result := EditorialReviewResult{ContentID: in.ContentID}
	editor := p.agent(in.EditorAgentID, RoleEditor)
	timeout := orDefault(in.ApprovalTimeout, p.cfg.ApprovalTimeout)

	if _, err := workflow.ExecuteActivity[model.ReviewMapping](wctx, activities.ReviewSync, in.ContentID, workflow.ActivityOptions{}); err != nil {
		wctx.Logger().Warn("review sync failed", zap.String("content_id", in.ContentID), zap.Error(err))
	}

	res, err := callAgent(wctx, editor, "review", "Review the draft for accuracy, tone and risk", map[string]any{
		"content_id": in.ContentID,
	})
	if err != nil {
		result.Error = fmt.Sprintf("editor review: %v", err)
		note(wctx, in.ContentID, "❌ Editorial review failed: %v", err)
		return result, halted(wctx)
	}
	verdict, err := agentData[editorVerdict](res)
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	if verdict.Feedback == "" {
		verdict.Feedback = res.Content
	}

	approved := verdict.Approved
	feedback := verdict.Feedback
	reviewer := orDefault(in.ReviewerID, editor)

	if verdict.RiskLevel == RiskHigh {
		result.Escalated = true
		esc, err := workflow.ExecuteActivity[model.Escalation](wctx, activities.Escalate, activities.EscalationRequest{
			ContentID:  in.ContentID,
			WorkflowID: wctx.Info().WorkflowID,
			Question:   fmt.Sprintf("High-risk content needs a decision. Editor notes:\n\n%s", verdict.Feedback),
		}, workflow.ActivityOptions{})
		if err != nil {
			wctx.Logger().Warn("escalation failed", zap.String("content_id", in.ContentID), zap.Error(err))
		} else {
			result.TicketID = esc.TicketID
		}
		note(wctx, in.ContentID, "⏳ High-risk content, waiting up to %s for approval", timeout)

		sig, ok, err := workflow.AwaitSignal[ApprovalSignal](wctx, model.SignalApproval, timeout)
		if err != nil {
			result.Error = err.Error()
			return result, err
		}
		if ok {
			approved = sig.Approved
			feedback = sig.Feedback
			reviewer = orDefault(sig.ReviewerID, reviewer)
		} else {
			result.TimedOut = true
			approved = false
			feedback = fmt.Sprintf("No approval received within %s", timeout)
		}
	}
	result.Feedback = feedback

	if approved {
		if err := transition(wctx, in.ContentID, model.TransitionApprove, actorReviewer, reviewer, map[string]any{"feedback": feedback}); err != nil {
			result.Error = err.Error()
			return result, halted(wctx)
		}
		if _, err := workflow.ExecuteActivity[struct{}](wctx, activities.ReviewApprove,
			activities.FeedbackRequest{ContentID: in.ContentID, Feedback: feedback}, workflow.ActivityOptions{}); err != nil {
			wctx.Logger().Warn("approval sync failed", zap.Error(err))
		}
		emit(wctx, model.EventContentApproved, map[string]any{"content_id": in.ContentID, "reviewer": reviewer})
		note(wctx, in.ContentID, "✅ Approved by %s", reviewer)
		result.ReviewResult = ReviewApproved
	} else {
		if err := transition(wctx, in.ContentID, model.TransitionRequestChanges, actorReviewer, reviewer, map[string]any{"feedback": feedback}); err != nil {
			result.Error = err.Error()
			return result, halted(wctx)
		}
		if _, err := workflow.ExecuteActivity[struct{}](wctx, activities.ReviewReject,
			activities.FeedbackRequest{ContentID: in.ContentID, Feedback: feedback}, workflow.ActivityOptions{}); err != nil {
			wctx.Logger().Warn("rejection sync failed", zap.Error(err))
		}
		emit(wctx, model.EventContentNeedsChanges, map[string]any{
			"content_id": in.ContentID,
			"reviewer":   reviewer,
			"feedback":   feedback,
			"timed_out":  result.TimedOut,
		})
		note(wctx, in.ContentID, "🔁 Changes requested: %s", feedback)
		result.ReviewResult = ReviewNeedsChanges
	}

	result.Success = true
	return result, nil
}
