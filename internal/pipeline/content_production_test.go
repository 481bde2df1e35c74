package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/contentflow/internal/activities/activitytest"
	"github.com/pitabwire/contentflow/model"
)

func TestContentProduction_fromBrief(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Content.Put(model.Content{ID: "c-1", Title: "Vernazza in winter", Status: model.ContentBriefCreated})

	res := decodeResult[ContentProductionResult](t, h.run(t, model.WorkflowContentProduction, ContentProductionInput{ContentID: "c-1"}))

	assert.True(t, res.Success)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 0, res.RevisionsCount)
	assert.Equal(t, model.ContentDraft, res.FinalState)
	assert.Equal(t, []string{model.TransitionCreateDraft}, h.fakes.Content.Transitions())
	assert.Equal(t, []string{model.EventContentCreated, model.EventContentSubmittedForReview}, h.fakes.Events.Names())

	drafts := h.fakes.Agents.Calls("writer", "draft")
	require.Len(t, drafts, 1)
	assert.Equal(t, "Vernazza in winter", drafts[0].Description)
	assert.Len(t, h.fakes.Agents.Calls("writer", "submit_for_review"), 1)
	assert.Empty(t, h.fakes.Agents.Calls("", "revise"), "threshold 0 never revises")
}

func TestContentProduction_existingDraftSkipsTransition(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Content.Put(model.Content{ID: "c-2", Status: model.ContentDraft})

	res := decodeResult[ContentProductionResult](t, h.run(t, model.WorkflowContentProduction, ContentProductionInput{ContentID: "c-2", Brief: "rewrite"}))

	assert.True(t, res.Success)
	assert.Empty(t, h.fakes.Content.Transitions())
}

func TestContentProduction_revisesBelowThreshold(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Content.Put(model.Content{ID: "c-3", Status: model.ContentDraft})
	h.fakes.Agents.On("editor", "assess_quality", activitytest.Sequence(
		activitytest.Data(map[string]any{"score": 55, "feedback": "add ferry times"}),
		activitytest.Data(map[string]any{"score": 91}),
	))

	res := decodeResult[ContentProductionResult](t, h.run(t, model.WorkflowContentProduction, ContentProductionInput{
		ContentID:              "c-3",
		RevisionScoreThreshold: 80,
	}))

	assert.Equal(t, 1, res.RevisionsCount)
	revisions := h.fakes.Agents.Calls("writer", "revise")
	require.Len(t, revisions, 1)
	assert.Equal(t, "add ferry times", revisions[0].Description)
}

func TestContentProduction_revisionsAreCapped(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Content.Put(model.Content{ID: "c-4", Status: model.ContentDraft})
	h.fakes.Agents.On("editor", "assess_quality", activitytest.Respond(activitytest.Data(map[string]any{"score": 10})))

	res := decodeResult[ContentProductionResult](t, h.run(t, model.WorkflowContentProduction, ContentProductionInput{
		ContentID:              "c-4",
		RevisionScoreThreshold: 80,
	}))

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.RevisionsCount)
}

func TestContentProduction_failedRevisionEndsLoop(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Content.Put(model.Content{ID: "c-5", Status: model.ContentDraft})
	h.fakes.Agents.On("editor", "assess_quality", activitytest.Respond(activitytest.Data(map[string]any{"score": 10})))
	h.fakes.Agents.On("writer", "revise", activitytest.Respond(activitytest.Failed("context too long")))

	res := decodeResult[ContentProductionResult](t, h.run(t, model.WorkflowContentProduction, ContentProductionInput{
		ContentID:              "c-5",
		RevisionScoreThreshold: 80,
	}))

	assert.True(t, res.Success, "submission still happens")
	assert.Equal(t, 0, res.RevisionsCount)
	assert.Len(t, h.fakes.Agents.Calls("writer", "revise"), 1)
}

func TestContentProduction_draftFailureAborts(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Content.Put(model.Content{ID: "c-6", Status: model.ContentBriefCreated})
	h.fakes.Agents.On("writer", "draft", activitytest.Respond(activitytest.Failed("no sources")))

	res := decodeResult[ContentProductionResult](t, h.run(t, model.WorkflowContentProduction, ContentProductionInput{ContentID: "c-6"}))

	assert.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "no sources")
	assert.Empty(t, h.fakes.Events.Names())
	assert.Empty(t, h.fakes.Content.Transitions())
}

func TestContentProduction_submissionFailureAborts(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Content.Put(model.Content{ID: "c-7", Status: model.ContentDraft})
	h.fakes.Agents.On("writer", "submit_for_review", activitytest.Respond(activitytest.Failed("review queue closed")))

	res := decodeResult[ContentProductionResult](t, h.run(t, model.WorkflowContentProduction, ContentProductionInput{ContentID: "c-7"}))

	assert.False(t, res.Success)
	assert.Equal(t, []string{model.EventContentCreated}, h.fakes.Events.Names())
}

func TestContentProduction_missingContent(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())

	res := decodeResult[ContentProductionResult](t, h.run(t, model.WorkflowContentProduction, ContentProductionInput{ContentID: "nope"}))

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "load content")
}
