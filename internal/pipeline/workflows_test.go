package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/contentflow/internal/activities/activitytest"
	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

// --- Research ---

func TestResearch_storesNotes(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Content.Put(model.Content{ID: "c-1", Title: "Manarola trails"})
	h.fakes.Agents.On("researcher", "research", activitytest.Respond(model.AgentResult{Success: true, Content: "Trail 531 reopened"}))

	res := decodeResult[ResearchResult](t, h.run(t, model.WorkflowResearch, ResearchInput{ContentID: "c-1"}))

	assert.True(t, res.Success)
	assert.Equal(t, "Trail 531 reopened", res.Notes)
	require.Len(t, h.fakes.Content.Updates(), 1)
	assert.Equal(t, "Trail 531 reopened", h.fakes.Content.Updates()[0]["research_notes"])
	assert.Equal(t, []string{model.TransitionCompleteResearch}, h.fakes.Content.Transitions())
	assert.Len(t, h.fakes.Events.Named(model.EventContentResearched), 1)
	assert.Equal(t, "Manarola trails", h.fakes.Agents.Calls("researcher", "research")[0].Description)
}

func TestResearch_agentFailure(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Agents.On("researcher", "research", activitytest.Respond(activitytest.Failed("search offline")))

	res := decodeResult[ResearchResult](t, h.run(t, model.WorkflowResearch, ResearchInput{ContentID: "c-2", Topic: "ferries"}))

	assert.False(t, res.Success)
	assert.Empty(t, h.fakes.Content.Transitions())
}

// --- Batch processing ---

func TestBatchProcessing_pollsUntilComplete(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Batches.States = []string{model.BatchRunning, model.BatchRunning, model.BatchCompleted}
	h.fakes.Batches.Results = []json.RawMessage{json.RawMessage(`{"id":1}`), json.RawMessage(`{"id":2}`)}

	res := decodeResult[BatchProcessingResult](t, h.run(t, model.WorkflowBatchProcessing, BatchProcessingInput{
		BatchType: "translate",
		Items:     []json.RawMessage{json.RawMessage(`"a"`), json.RawMessage(`"b"`)},
	}))

	assert.True(t, res.Success)
	assert.Equal(t, "batch-1", res.BatchID)
	assert.Equal(t, 3, res.Polls)
	assert.Len(t, res.Results, 2)
	assert.Len(t, h.fakes.Events.Named(model.EventBatchCompleted), 1)
}

func TestBatchProcessing_timesOut(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Batches.States = []string{model.BatchRunning}

	run := h.run(t, model.WorkflowBatchProcessing, BatchProcessingInput{BatchType: "translate", MaxPolls: 3})

	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, model.ErrBatchTimeout)
	assert.Equal(t, 3, h.fakes.Batches.Polls())
}

func TestBatchProcessing_failedBatch(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Batches.States = []string{model.BatchFailed}

	res := decodeResult[BatchProcessingResult](t, h.run(t, model.WorkflowBatchProcessing, BatchProcessingInput{BatchType: "translate"}))

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "failed")
	assert.Empty(t, h.fakes.Events.Named(model.EventBatchCompleted))
}

// --- Website generation ---

func TestWebsiteGeneration_runsChildrenPerPage(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	passAllChecks(h.fakes.Agents)
	for _, id := range []string{"p-1", "p-2"} {
		h.fakes.Content.Put(model.Content{ID: id, Status: model.ContentBriefCreated})
	}

	run := h.run(t, model.WorkflowWebsiteGeneration, WebsiteGenerationInput{
		SiteID:    "cinque-terre",
		Pages:     []PageSpec{{ContentID: "p-1"}, {ContentID: "p-2"}},
		RunQAGate: true,
		Publish:   true,
	})
	res := decodeResult[WebsiteGenerationResult](t, run)

	assert.True(t, res.Success)
	require.Len(t, res.Pages, 2)
	for _, page := range res.Pages {
		assert.True(t, page.Produced, page.ContentID)
		require.NotNil(t, page.QAPassed)
		assert.True(t, *page.QAPassed)
		assert.True(t, page.Published)
	}
	assert.Equal(t, []string{"p-1", "p-2"}, h.fakes.Site.Deployed())

	children, err := h.engine.ListRuns(testCtx(t), workflow.RunFilters{ParentWorkflowID: run.WorkflowID})
	require.NoError(t, err)
	assert.Len(t, children, 6)
}

func TestWebsiteGeneration_qaFailureSkipsPublishing(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	passAllChecks(h.fakes.Agents)
	h.fakes.Agents.On("qa-validator", "check_broken_links", activitytest.Respond(activitytest.Verdict(false, "dead link")))
	h.fakes.Content.Put(model.Content{ID: "p-1", Status: model.ContentDraft})

	res := decodeResult[WebsiteGenerationResult](t, h.run(t, model.WorkflowWebsiteGeneration, WebsiteGenerationInput{
		SiteID:    "s",
		Pages:     []PageSpec{{ContentID: "p-1"}},
		RunQAGate: true,
		Publish:   true,
	}))

	require.Len(t, res.Pages, 1)
	assert.True(t, res.Pages[0].Produced)
	assert.False(t, *res.Pages[0].QAPassed)
	assert.False(t, res.Pages[0].Published)
	assert.Empty(t, h.fakes.Site.Deployed())
}

func TestWebsiteGeneration_failedPageMarksRun(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())

	res := decodeResult[WebsiteGenerationResult](t, h.run(t, model.WorkflowWebsiteGeneration, WebsiteGenerationInput{
		SiteID: "s",
		Pages:  []PageSpec{{ContentID: "missing"}},
	}))

	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Pages[0].Error)
}

// --- Scheduled maintenance ---

func TestScheduledMaintenance_publishesStaleEvents(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Catalog.Stale = []model.StaleContent{
		{ContentID: "c-1", Type: "event", AgeDays: 45},
		{ContentID: "c-2", Type: "guide", AgeDays: 200},
	}
	thresholds := map[string]int{"event": 30, "guide": 120}

	res := decodeResult[ScheduledMaintenanceResult](t, h.run(t, model.WorkflowScheduledMaintenance, ScheduledMaintenanceInput{
		EntityID:            "cinque-terre",
		StalenessThresholds: thresholds,
	}))

	assert.True(t, res.Success)
	assert.Equal(t, TaskStalenessCheck, res.Task)
	assert.Len(t, res.Stale, 2)
	assert.Len(t, h.fakes.Events.Named(model.EventContentStale), 2)
	assert.Equal(t, []map[string]int{thresholds}, h.fakes.Catalog.Queries())
}

func TestScheduledMaintenance_linkAuditUsesLinker(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())
	h.fakes.Catalog.Stale = []model.StaleContent{{ContentID: "c-1"}}

	decodeResult[ScheduledMaintenanceResult](t, h.run(t, model.WorkflowScheduledMaintenance, ScheduledMaintenanceInput{
		EntityID: "e",
		Task:     TaskLinkAudit,
	}))

	assert.Len(t, h.fakes.Agents.Calls("linker", "audit_links"), 1)
	assert.Empty(t, h.fakes.Events.Named(model.EventContentStale))
}

func TestScheduledMaintenance_continuesAsNew(t *testing.T) {
	h := newHarness(t, testPipelinesConfig())

	ref := h.start(t, model.WorkflowScheduledMaintenance, ScheduledMaintenanceInput{
		EntityID:   "e",
		Continuous: true,
		Interval:   time.Millisecond,
	})

	eventually(t, "three passes", func() bool {
		runs, err := h.engine.ListRuns(testCtx(t), workflow.RunFilters{WorkflowID: ref.WorkflowID})
		return err == nil && len(runs) >= 3
	})
	eventually(t, "termination", func() bool {
		return h.engine.Terminate(testCtx(t), ref.WorkflowID, "test done") == nil
	})

	runs, err := h.engine.ListRuns(testCtx(t), workflow.RunFilters{WorkflowID: ref.WorkflowID})
	require.NoError(t, err)
	iterations := make(map[int]bool)
	for _, run := range runs {
		var in ScheduledMaintenanceInput
		require.NoError(t, json.Unmarshal(run.Input, &in))
		iterations[in.Iteration] = true
		if in.Iteration > 0 {
			assert.Equal(t, TaskStalenessCheck, in.Task, "task carried over")
		}
	}
	assert.True(t, iterations[0] && iterations[1] && iterations[2], "iterations = %v", iterations)
}
