package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/contentflow/internal/activities/activitytest"
	"github.com/pitabwire/contentflow/model"
)

func editorSays(approved bool, risk, feedback string) activitytest.AgentFunc {
	return activitytest.Respond(activitytest.Data(map[string]any{
		"approved":   approved,
		"risk_level": risk,
		"feedback":   feedback,
	}))
}

func TestEditorialReview_highRiskTimesOut(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Content.Put(model.Content{ID: "c-1", Status: model.ContentInReview})
	h.fakes.Agents.On("editor", "review", editorSays(true, RiskHigh, "claims about ferry safety"))

	res := decodeResult[EditorialReviewResult](t, h.run(t, model.WorkflowEditorialReview, EditorialReviewInput{
		ContentID:       "c-1",
		ApprovalTimeout: 30 * time.Millisecond,
	}))

	assert.True(t, res.Success)
	assert.True(t, res.Escalated)
	assert.True(t, res.TimedOut)
	assert.Equal(t, ReviewNeedsChanges, res.ReviewResult)
	assert.NotEmpty(t, res.TicketID)

	assert.Len(t, h.fakes.Events.Named(model.EventContentNeedsChanges), 1)
	assert.Empty(t, h.fakes.Events.Named(model.EventContentApproved))
	assert.Equal(t, []string{model.TransitionRequestChanges}, h.fakes.Content.Transitions())
	assert.Equal(t, []string{"c-1"}, h.fakes.Review.Rejections())

	escalations := h.fakes.Review.Escalations()
	require.Len(t, escalations, 1)
	assert.Contains(t, escalations[0].Question, "claims about ferry safety")
}

func TestEditorialReview_highRiskApprovedBySignal(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Agents.On("editor", "review", editorSays(false, RiskHigh, "sensitive topic"))

	ref := h.start(t, model.WorkflowEditorialReview, EditorialReviewInput{ContentID: "c-2"})
	eventually(t, "signal wait", func() bool {
		events, err := h.engine.History(testCtx(t), ref.WorkflowID, "")
		if err != nil {
			return false
		}
		for _, evt := range events {
			if evt.Type == model.EventSignalWaitStarted {
				return true
			}
		}
		return false
	})
	require.NoError(t, h.engine.Signal(testCtx(t), ref.WorkflowID, "", model.SignalApproval,
		ApprovalSignal{Approved: true, Feedback: "checked with legal", ReviewerID: "alice"}))

	run, err := h.engine.Await(testCtx(t), ref.WorkflowID, ref.RunID)
	require.NoError(t, err)
	res := decodeResult[EditorialReviewResult](t, run)

	assert.Equal(t, ReviewApproved, res.ReviewResult)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "checked with legal", res.Feedback)
	assert.Len(t, h.fakes.Events.Named(model.EventContentApproved), 1)
	assert.Empty(t, h.fakes.Events.Named(model.EventContentNeedsChanges))
	assert.Equal(t, []string{model.TransitionApprove}, h.fakes.Content.Transitions())
	assert.Equal(t, []string{"c-2"}, h.fakes.Review.Approvals())
}

func TestEditorialReview_lowRiskFollowsEditor(t *testing.T) {
	tests := []struct {
		name       string
		approved   bool
		wantResult string
		wantEvent  string
	}{
		{"approved", true, ReviewApproved, model.EventContentApproved},
		{"rejected", false, ReviewNeedsChanges, model.EventContentNeedsChanges},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testPipelinesConfig())
			h.fakes.Agents.On("editor", "review", editorSays(tt.approved, "low", "fine"))

			res := decodeResult[EditorialReviewResult](t, h.run(t, model.WorkflowEditorialReview, EditorialReviewInput{ContentID: "c-3"}))

			assert.Equal(t, tt.wantResult, res.ReviewResult)
			assert.False(t, res.Escalated)
			assert.Len(t, h.fakes.Events.Named(tt.wantEvent), 1)
			assert.Empty(t, h.fakes.Review.Escalations())
		})
	}
}

func TestEditorialReview_editorFailure(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Agents.On("editor", "review", activitytest.Respond(activitytest.Failed("model overloaded")))

	res := decodeResult[EditorialReviewResult](t, h.run(t, model.WorkflowEditorialReview, EditorialReviewInput{ContentID: "c-4"}))

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "model overloaded")
	assert.Empty(t, h.fakes.Content.Transitions())
}

func TestEditorialReview_refusedTransitionFails(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Agents.On("editor", "review", editorSays(true, "low", ""))
	h.fakes.Content.Refused[model.TransitionApprove] = "content is not in review"

	res := decodeResult[EditorialReviewResult](t, h.run(t, model.WorkflowEditorialReview, EditorialReviewInput{ContentID: "c-5"}))

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "content is not in review")
	assert.Empty(t, h.fakes.Events.Named(model.EventContentApproved))
}
