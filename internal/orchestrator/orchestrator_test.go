package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/contentflow/internal/config"
	"github.com/pitabwire/contentflow/internal/registry"
	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

type reviewInput struct {
	ContentID string `json:"content_id"`
	Note      string `json:"note"`
}

func newService(t *testing.T) (*Service, *workflow.Engine, *registry.MemoryStore) {
	t.Helper()
	reg := workflow.NewRegistry()
	// Waits for an approval signal; "fail" fails, anything else completes.
	workflow.RegisterWorkflow(reg, model.WorkflowEditorialReview, func(wctx *workflow.Context, in reviewInput) (reviewInput, error) {
		decision, _, err := workflow.AwaitSignal[string](wctx, model.SignalApproval, 0)
		if err != nil {
			return in, err
		}
		if decision == "fail" {
			return in, errors.New("rejected")
		}
		return in, nil
	})
	workflow.RegisterWorkflow(reg, model.WorkflowScheduledMaintenance, func(wctx *workflow.Context, n int) (int, error) {
		if n < 2 {
			return n, wctx.NewContinueAsNewError(n + 1)
		}
		_, _, err := workflow.AwaitSignal[string](wctx, model.SignalApproval, 0)
		return n, err
	})

	engine := workflow.NewEngine(config.EngineConfig{
		DefaultTaskQueue: "test",
		TaskQueues:       map[string]int{"test": 4},
		DefaultActivity:  config.ActivityConfig{StartToCloseTimeout: time.Second, MaximumAttempts: 1},
	}, reg, workflow.NewMemoryHistoryStore(), workflow.WithClock(clockwork.NewRealClock()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Stop(ctx)
	})

	store := registry.NewMemoryStore()
	return New(engine, store), engine, store
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitStatus(t *testing.T, store registry.Store, workflowID string, want model.RegistryStatus) model.RegistryEntry {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entry, err := store.Get(context.Background(), workflowID)
		if err == nil && entry.Status == want {
			return entry
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry entry %s never reached %s", workflowID, want)
	return model.RegistryEntry{}
}

// --- Start ---

func TestService_Start_registersAndInjectsContentID(t *testing.T) {
	svc, engine, store := newService(t)
	ctx := testCtx(t)

	res, err := svc.Start(ctx, StartRequest{
		WorkflowType: model.WorkflowEditorialReview,
		ContentID:    "c-1",
		Input:        json.RawMessage(`{"note":"urgent"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "editorial-review-c-1-1", res.WorkflowID)
	assert.Equal(t, 1, res.Attempt)

	entry, err := store.Get(ctx, res.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, model.RegistryRunning, entry.Status)
	assert.Equal(t, res.RunID, entry.RunID)

	run, err := engine.Describe(ctx, res.WorkflowID)
	require.NoError(t, err)
	var in reviewInput
	require.NoError(t, json.Unmarshal(run.Input, &in))
	assert.Equal(t, reviewInput{ContentID: "c-1", Note: "urgent"}, in)
}

func TestService_Start_rejectsSecondRunningWorkflow(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := testCtx(t)
	req := StartRequest{WorkflowType: model.WorkflowEditorialReview, ContentID: "c-1"}

	_, err := svc.Start(ctx, req)
	require.NoError(t, err)
	_, err = svc.Start(ctx, req)
	assert.True(t, model.IsCode(err, model.ErrWorkflowAlreadyRunning), "got %v", err)
}

func TestService_Start_nextAttemptAfterClose(t *testing.T) {
	svc, engine, store := newService(t)
	ctx := testCtx(t)
	req := StartRequest{WorkflowType: model.WorkflowEditorialReview, ContentID: "c-1"}

	first, err := svc.Start(ctx, req)
	require.NoError(t, err)
	require.NoError(t, engine.Signal(ctx, first.WorkflowID, "", model.SignalApproval, "fail"))
	waitStatus(t, store, first.WorkflowID, model.RegistryFailed)

	second, err := svc.Start(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "editorial-review-c-1-2", second.WorkflowID)
	assert.Equal(t, 2, second.Attempt)

	require.NoError(t, engine.Signal(ctx, second.WorkflowID, "", model.SignalApproval, "ok"))
	waitStatus(t, store, second.WorkflowID, model.RegistryCompleted)

	entries, err := svc.Entries(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestService_Start_validation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := testCtx(t)

	_, err := svc.Start(ctx, StartRequest{WorkflowType: model.WorkflowEditorialReview})
	assert.True(t, model.IsCode(err, model.ErrBadRequest))

	_, err = svc.Start(ctx, StartRequest{WorkflowType: "nope", ContentID: "c-1"})
	assert.True(t, model.IsCode(err, model.ErrBadRequest))

	_, err = svc.Start(ctx, StartRequest{WorkflowType: model.WorkflowEditorialReview, ContentID: "c-1", Input: json.RawMessage(`[1]`)})
	assert.True(t, model.IsCode(err, model.ErrBadRequest))
}

func TestService_Start_inputContentIDMustMatch(t *testing.T) {
	svc, _, store := newService(t)
	ctx := testCtx(t)

	_, err := svc.Start(ctx, StartRequest{
		WorkflowType: model.WorkflowEditorialReview,
		ContentID:    "c-1",
		Input:        json.RawMessage(`{"content_id":"c-2"}`),
	})
	assert.True(t, model.IsCode(err, model.ErrBadRequest), "got %v", err)

	for _, id := range []string{"c-1", "c-2"} {
		entries, err := store.FindRunning(ctx, id, model.WorkflowEditorialReview)
		require.NoError(t, err)
		assert.Empty(t, entries, "content %s", id)
	}

	res, err := svc.Start(ctx, StartRequest{
		WorkflowType: model.WorkflowEditorialReview,
		ContentID:    "c-1",
		Input:        json.RawMessage(`{"content_id":"c-1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "editorial-review-c-1-1", res.WorkflowID)
}

func TestService_Start_unregisteredTypeReleasesEntry(t *testing.T) {
	svc, _, store := newService(t)
	ctx := testCtx(t)

	// Known to the model but not registered with this engine.
	_, err := svc.Start(ctx, StartRequest{WorkflowType: model.WorkflowPublishing, ContentID: "c-1"})
	assert.True(t, model.IsCode(err, model.ErrUnknownWorkflowType), "got %v", err)

	running, err := store.FindRunning(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, running)
}

// --- Close hook ---

func TestService_continueAsNewKeepsEntryRunning(t *testing.T) {
	_, engine, store := newService(t)
	ctx := testCtx(t)

	require.NoError(t, store.Register(ctx, model.RegistryEntry{
		WorkflowID: "loop", ContentID: "e-1", WorkflowType: model.WorkflowScheduledMaintenance,
	}))
	ref, err := engine.Start(ctx, model.WorkflowScheduledMaintenance, 0, workflow.StartOptions{WorkflowID: "loop"})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		entry, err := store.Get(ctx, "loop")
		require.NoError(t, err)
		current, derr := engine.Describe(ctx, "loop")
		if derr == nil && current.ContinuedFromRunID != "" && entry.RunID == current.RunID {
			assert.Equal(t, model.RegistryRunning, entry.Status)
			assert.NotEqual(t, ref.RunID, entry.RunID)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("registry never followed continue-as-new: entry=%+v", entry)
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, engine.Signal(ctx, "loop", "", model.SignalApproval, "done"))
	waitStatus(t, store, "loop", model.RegistryCompleted)
}

// --- Reconcile ---

func TestService_Reconcile(t *testing.T) {
	svc, engine, store := newService(t)
	ctx := testCtx(t)

	// A run that closed without the registry hearing about it.
	ref, err := engine.Start(ctx, model.WorkflowEditorialReview, reviewInput{ContentID: "c-9"}, workflow.StartOptions{WorkflowID: "orphan"})
	require.NoError(t, err)
	require.NoError(t, engine.Signal(ctx, "orphan", "", model.SignalApproval, "ok"))
	_, err = engine.Await(ctx, "orphan", ref.RunID)
	require.NoError(t, err)
	require.NoError(t, store.Register(ctx, model.RegistryEntry{
		WorkflowID: "orphan", RunID: ref.RunID, ContentID: "c-9", WorkflowType: model.WorkflowEditorialReview,
	}))
	// An entry whose run never existed.
	require.NoError(t, store.Register(ctx, model.RegistryEntry{
		WorkflowID: "ghost", ContentID: "c-10", WorkflowType: model.WorkflowEditorialReview,
	}))
	// A healthy running entry.
	live, err := svc.Start(ctx, StartRequest{WorkflowType: model.WorkflowEditorialReview, ContentID: "c-11"})
	require.NoError(t, err)

	repaired, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, repaired)

	orphan, _ := store.Get(ctx, "orphan")
	assert.Equal(t, model.RegistryCompleted, orphan.Status)
	ghost, _ := store.Get(ctx, "ghost")
	assert.Equal(t, model.RegistryFailed, ghost.Status)
	still, _ := store.Get(ctx, live.WorkflowID)
	assert.Equal(t, model.RegistryRunning, still.Status)
}

func TestWorkflowID(t *testing.T) {
	assert.Equal(t, "publishing-c-1-3", WorkflowID(model.WorkflowPublishing, "c-1", 3))
}
