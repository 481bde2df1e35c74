package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/contentflow/internal/activities"
	"github.com/pitabwire/contentflow/internal/activities/activitytest"
	"github.com/pitabwire/contentflow/internal/config"
	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

func testPipelinesConfig() config.PipelinesConfig {
	return config.PipelinesConfig{
		Agents: map[string]string{
			RoleWriter:     "writer",
			RoleEditor:     "editor",
			RoleMedia:      "media",
			RoleLinker:     "linker",
			RoleSEO:        "seo",
			RoleResearcher: "researcher",
			RoleValidator:  "qa-validator",
		},
		MaxFixAttempts:    3,
		QARetryDelay:      time.Millisecond,
		ApprovalTimeout:   5 * time.Second,
		MaxRevisions:      2,
		InterItemDelay:    time.Millisecond,
		BatchPollInterval: time.Millisecond,
		BatchMaxPolls:     5,
	}
}

type harness struct {
	engine *workflow.Engine
	fakes  *activitytest.Fakes
}

func newHarness(t *testing.T, cfg config.PipelinesConfig) *harness {
	t.Helper()
	fakes := activitytest.New()
	reg := workflow.NewRegistry()
	activities.Register(reg, fakes.Deps())
	Register(reg, cfg, nil)

	engine := workflow.NewEngine(config.EngineConfig{
		DefaultTaskQueue: "test",
		TaskQueues:       map[string]int{"test": 16},
		DefaultActivity: config.ActivityConfig{
			StartToCloseTimeout: 10 * time.Second,
			MaximumAttempts:     2,
			InitialInterval:     time.Millisecond,
			BackoffCoefficient:  1,
			MaximumInterval:     time.Millisecond,
		},
	}, reg, workflow.NewMemoryHistoryStore(),
		workflow.WithClock(clockwork.NewRealClock()),
		workflow.WithLogger(zap.NewNop()),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Stop(ctx)
	})
	return &harness{engine: engine, fakes: fakes}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// run starts a workflow and waits for it to close.
func (h *harness) run(t *testing.T, workflowType string, input any) model.WorkflowRun {
	t.Helper()
	ref := h.start(t, workflowType, input)
	run, err := h.engine.Await(testCtx(t), ref.WorkflowID, ref.RunID)
	require.NoError(t, err)
	return run
}

func (h *harness) start(t *testing.T, workflowType string, input any) model.RunRef {
	t.Helper()
	ref, err := h.engine.Start(testCtx(t), workflowType, input, workflow.StartOptions{})
	require.NoError(t, err)
	return ref
}

func decodeResult[T any](t *testing.T, run model.WorkflowRun) T {
	t.Helper()
	require.Equal(t, model.RunStatusCompleted, run.Status, "run error: %s", run.Error)
	var out T
	require.NoError(t, json.Unmarshal(run.Result, &out))
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func decodePayload(t *testing.T, evt activitytest.Event) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(evt.Payload, &out))
	return out
}
