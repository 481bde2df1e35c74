// Package workflow is a durable workflow runtime. Workflow functions are
// plain Go functions whose blocking operations (activities, timers, signal
// waits and child workflows) are recorded in an append-only history, so a
// run interrupted by a restart resumes by replaying that history.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pitabwire/contentflow/internal/config"
	"github.com/pitabwire/contentflow/internal/observability"
	"github.com/pitabwire/contentflow/model"
)

const (
	// awaitPollInterval bounds how long Await trusts in-process close
	// notifications before re-reading the store.
	awaitPollInterval = time.Second
	// awaitMissingPolls is how many polls Await tolerates for a run id that
	// is not yet visible in the store.
	awaitMissingPolls = 10
)

// CloseHook is called after a run reaches a terminal status.
type CloseHook func(ctx context.Context, run model.WorkflowRun)

// StartOptions configure Engine.Start.
type StartOptions struct {
	// WorkflowID defaults to a random id.
	WorkflowID       string
	TaskQueue        string
	IDReusePolicy    IDReusePolicy
	ExecutionTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for timers, signal deadlines and event
// timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine executes workflow runs.
type Engine struct {
	registry *Registry
	store    HistoryStore
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  *observability.Metrics

	defaults     ActivityOptions
	defaultQueue string
	queues       map[string]*semaphore.Weighted

	baseCtx context.Context
	stop    context.CancelCauseFunc
	stopped atomic.Bool
	wg      sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*runState // key: run ID
	closed chan struct{}        // closed and replaced whenever a run closes
	hooks  []CloseHook
}

// NewEngine creates an engine over the given registry and store.
func NewEngine(cfg config.EngineConfig, registry *Registry, store HistoryStore, opts ...Option) *Engine {
	baseCtx, stop := context.WithCancelCause(context.Background())
	e := &Engine{
		registry:     registry,
		store:        store,
		clock:        clockwork.NewRealClock(),
		logger:       zap.NewNop(),
		defaults:     DefaultActivityOptions(cfg.DefaultActivity),
		defaultQueue: cfg.DefaultTaskQueue,
		queues:       make(map[string]*semaphore.Weighted),
		baseCtx:      baseCtx,
		stop:         stop,
		runs:         make(map[string]*runState),
		closed:       make(chan struct{}),
	}
	if e.defaultQueue == "" {
		e.defaultQueue = "default"
	}
	for name, size := range cfg.TaskQueues {
		if size > 0 {
			e.queues[name] = semaphore.NewWeighted(int64(size))
		}
	}
	if _, ok := e.queues[e.defaultQueue]; !ok {
		e.queues[e.defaultQueue] = semaphore.NewWeighted(16)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnClose registers a hook called after every run closes, including runs
// that continue as new.
func (e *Engine) OnClose(hook CloseHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, hook)
}

// Running reports whether the engine accepts new runs.
func (e *Engine) Running() bool {
	return !e.stopped.Load()
}

// Start creates a new run of workflowType and begins executing it.
func (e *Engine) Start(ctx context.Context, workflowType string, input any, opts StartOptions) (model.RunRef, error) {
	if _, ok := e.registry.workflow(workflowType); !ok {
		return model.RunRef{}, &model.ErrorEnvelope{
			Code:    model.ErrUnknownWorkflowType,
			Message: fmt.Sprintf("workflow type %q is not registered", workflowType),
		}
	}

	if e.stopped.Load() {
		return model.RunRef{}, model.NewBackendUnavailableError("workflow engine")
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return model.RunRef{}, model.NewBadRequestError(fmt.Sprintf("encode input: %v", err))
	}

	run := model.WorkflowRun{
		WorkflowID:       opts.WorkflowID,
		RunID:            uuid.NewString(),
		WorkflowType:     workflowType,
		TaskQueue:        opts.TaskQueue,
		Input:            raw,
		ExecutionTimeout: opts.ExecutionTimeout,
	}
	if run.WorkflowID == "" {
		run.WorkflowID = uuid.NewString()
	}
	if err := e.startRun(ctx, run, opts.IDReusePolicy); err != nil {
		return model.RunRef{}, err
	}
	return model.RunRef{WorkflowID: run.WorkflowID, RunID: run.RunID}, nil
}

// startRun persists run with its WorkflowStarted event and launches it. A
// run persisted while the engine is stopping is left for Recover.
func (e *Engine) startRun(ctx context.Context, run model.WorkflowRun, policy IDReusePolicy) error {
	if run.TaskQueue == "" {
		run.TaskQueue = e.defaultQueue
	}
	run.Status = model.RunStatusRunning
	run.StartedAt = e.clock.Now().UTC()

	started := model.HistoryEvent{
		Type:      model.EventWorkflowStarted,
		Name:      run.WorkflowType,
		Payload:   run.Input,
		Timestamp: run.StartedAt,
	}
	if err := e.store.CreateRun(ctx, run, policy, []model.HistoryEvent{started}); err != nil {
		return err
	}

	e.logger.Info("workflow started", observability.RunFields(run.WorkflowID, run.RunID, run.WorkflowType)...)
	e.launch(run)
	return nil
}

// launch registers the run in memory and executes it on its own goroutine.
func (e *Engine) launch(run model.WorkflowRun) {
	e.mu.Lock()
	if _, exists := e.runs[run.RunID]; exists || e.stopped.Load() {
		e.mu.Unlock()
		return
	}
	rs := newRunState(e.baseCtx, run)
	e.runs[run.RunID] = rs
	e.wg.Add(1)
	e.mu.Unlock()

	go e.execute(rs)
}

func (e *Engine) execute(rs *runState) {
	defer e.wg.Done()
	defer e.forget(rs.run.RunID)

	run := rs.run
	fields := observability.RunFields(run.WorkflowID, run.RunID, run.WorkflowType)

	history, err := e.store.Events(rs.ctx, run.RunID)
	if err != nil {
		e.logger.Error("load workflow history", append(fields, zap.Error(err))...)
		return
	}
	rs.seed(history)

	wctx := newContext(rs.ctx, e, rs, history)
	replay := wctx.maxSeq > 0
	e.metrics.RecordWorkflowStart(run.WorkflowType, replay)

	if run.ExecutionTimeout > 0 {
		remaining := run.StartedAt.Add(run.ExecutionTimeout).Sub(e.clock.Now())
		timer := e.clock.AfterFunc(max(remaining, 0), func() {
			e.timeOut(rs)
		})
		defer timer.Stop()
	}

	fn, ok := e.registry.workflow(run.WorkflowType)
	var result json.RawMessage
	if !ok {
		err = &model.ErrorEnvelope{
			Code:    model.ErrUnknownWorkflowType,
			Message: fmt.Sprintf("workflow type %q is not registered", run.WorkflowType),
		}
	} else {
		result, err = invokeWorkflow(fn, wctx, run.Input)
	}

	status := e.finish(rs, result, err)
	e.metrics.RecordWorkflowExit(run.WorkflowType, string(status), e.clock.Since(run.StartedAt))
}

func invokeWorkflow(fn workflowFunc, wctx *Context, input json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panic: %v", r)
		}
	}()
	return fn(wctx, input)
}

// finish closes the run according to how the workflow function returned.
// It returns the final status of the run, or "" when the run stays open for
// recovery.
func (e *Engine) finish(rs *runState, result json.RawMessage, err error) model.RunStatus {
	ctx := context.WithoutCancel(rs.ctx)
	run := rs.run
	fields := observability.RunFields(run.WorkflowID, run.RunID, run.WorkflowType)

	switch cause := context.Cause(rs.ctx); {
	case errors.Is(cause, errEngineStopped):
		e.logger.Info("workflow suspended for recovery", fields...)
		return ""
	case errors.Is(cause, errTerminated):
		return model.RunStatusTerminated
	case errors.Is(cause, errExecutionTimedOut):
		return model.RunStatusTimedOut
	}

	var can *ContinueAsNewError
	switch {
	case errors.As(err, &can):
		if err := e.continueAsNew(ctx, run, can.Input); err != nil {
			e.logger.Error("continue as new", append(fields, zap.Error(err))...)
			return e.closeLogged(ctx, run.RunID, closeRequest{
				status: model.RunStatusFailed,
				event:  model.EventWorkflowFailed,
				errMsg: fmt.Sprintf("continue as new: %v", err),
			})
		}
		return model.RunStatusContinuedAsNew

	case err != nil:
		if model.IsCode(err, model.ErrNonDeterministic) {
			e.metrics.RecordNonDeterminism(run.WorkflowType)
			e.logger.Error("workflow replay diverged from history", append(fields, zap.Error(err))...)
		} else {
			e.logger.Warn("workflow failed", append(fields, zap.Error(err))...)
		}
		return e.closeLogged(ctx, run.RunID, closeRequest{
			status: model.RunStatusFailed,
			event:  model.EventWorkflowFailed,
			errMsg: err.Error(),
		})

	default:
		e.logger.Info("workflow completed", fields...)
		return e.closeLogged(ctx, run.RunID, closeRequest{
			status: model.RunStatusCompleted,
			event:  model.EventWorkflowCompleted,
			result: result,
		})
	}
}

func (e *Engine) timeOut(rs *runState) {
	ctx := context.WithoutCancel(rs.ctx)
	if _, err := e.closeRun(ctx, rs.run.RunID, closeRequest{
		status: model.RunStatusTimedOut,
		event:  model.EventWorkflowTimedOut,
		errMsg: fmt.Sprintf("execution timeout %s exceeded", rs.run.ExecutionTimeout),
	}); err != nil {
		if !model.IsCode(err, model.ErrWorkflowNotRunning) {
			e.logger.Error("close timed-out workflow", zap.String("run_id", rs.run.RunID), zap.Error(err))
		}
		return
	}
	e.logger.Warn("workflow timed out", observability.RunFields(rs.run.WorkflowID, rs.run.RunID, rs.run.WorkflowType)...)
	rs.cancel(errExecutionTimedOut)
}

func (e *Engine) continueAsNew(ctx context.Context, prev model.WorkflowRun, input json.RawMessage) error {
	next := model.WorkflowRun{
		WorkflowID:         prev.WorkflowID,
		RunID:              uuid.NewString(),
		WorkflowType:       prev.WorkflowType,
		TaskQueue:          prev.TaskQueue,
		Input:              input,
		ParentWorkflowID:   prev.ParentWorkflowID,
		ParentRunID:        prev.ParentRunID,
		ContinuedFromRunID: prev.RunID,
		ExecutionTimeout:   prev.ExecutionTimeout,
	}

	if _, err := e.closeRun(ctx, prev.RunID, closeRequest{
		status:      model.RunStatusContinuedAsNew,
		event:       model.EventWorkflowContinuedAsNew,
		result:      input,
		continuedAs: next.RunID,
	}); err != nil {
		return err
	}
	e.logger.Info("workflow continued as new",
		append(observability.RunFields(prev.WorkflowID, prev.RunID, prev.WorkflowType),
			zap.String("next_run_id", next.RunID))...)
	return e.startRun(ctx, next, IDReuseAllowAfterClose)
}

type closeRequest struct {
	status      model.RunStatus
	event       model.HistoryEventType
	result      json.RawMessage
	errMsg      string
	continuedAs string
}

// closeLogged closes the run and returns its resulting status. A run that
// was already closed elsewhere keeps its status.
func (e *Engine) closeLogged(ctx context.Context, runID string, req closeRequest) model.RunStatus {
	run, err := e.closeRun(ctx, runID, req)
	switch {
	case err == nil, model.IsCode(err, model.ErrWorkflowNotRunning):
		return run.Status
	default:
		e.logger.Error("close workflow run", zap.String("run_id", runID), zap.Error(err))
		return ""
	}
}

// closeRun moves a running run to a terminal status and appends the closing
// event. A version conflict is retried once against the reloaded run.
func (e *Engine) closeRun(ctx context.Context, runID string, req closeRequest) (model.WorkflowRun, error) {
	var run model.WorkflowRun
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		run, err = e.store.GetRun(ctx, runID)
		if err != nil {
			return model.WorkflowRun{}, err
		}
		if run.Status.Closed() {
			return run, model.NewWorkflowNotRunningError(run.WorkflowID, run.Status)
		}

		now := e.clock.Now().UTC()
		run.Status = req.status
		run.Result = req.result
		run.Error = req.errMsg
		run.ContinuedAsRunID = req.continuedAs
		run.ClosedAt = &now

		err = e.store.UpdateRun(ctx, run, model.HistoryEvent{
			Type:      req.event,
			Payload:   req.result,
			Error:     req.errMsg,
			Timestamp: now,
		})
		if !model.IsCode(err, model.ErrConflict) {
			break
		}
	}
	if err != nil {
		return model.WorkflowRun{}, err
	}

	run.Version++
	e.notifyClosed()

	e.mu.Lock()
	hooks := append([]CloseHook(nil), e.hooks...)
	e.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, run)
	}
	return run, nil
}

// Signal appends a signal to the current (or given) run of workflowID.
// Signals to a closed run are rejected with WORKFLOW_NOT_RUNNING.
func (e *Engine) Signal(ctx context.Context, workflowID, runID, name string, payload any) error {
	run, err := e.resolveRun(ctx, workflowID, runID)
	if err != nil {
		return err
	}
	if run.Status.Closed() {
		e.metrics.RecordSignal(name, false)
		return model.NewWorkflowNotRunningError(workflowID, run.Status)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return model.NewBadRequestError(fmt.Sprintf("encode signal payload: %v", err))
	}
	stored, err := e.store.AppendEvents(ctx, run.RunID, model.HistoryEvent{
		Type:      model.EventSignalReceived,
		Name:      name,
		Payload:   raw,
		Timestamp: e.clock.Now().UTC(),
	})
	if err != nil {
		if model.IsCode(err, model.ErrWorkflowNotRunning) {
			e.metrics.RecordSignal(name, false)
		}
		return err
	}
	e.metrics.RecordSignal(name, true)

	if rs := e.lookup(run.RunID); rs != nil {
		rs.deliver(stored[0])
	}
	e.logger.Info("signal delivered",
		append(observability.RunFields(run.WorkflowID, run.RunID, run.WorkflowType), zap.String("signal", name))...)
	return nil
}

// Query calls the named query handler of a running workflow.
func (e *Engine) Query(ctx context.Context, workflowID, queryType string, args json.RawMessage) (any, error) {
	run, err := e.store.CurrentRun(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if run.Status.Closed() {
		return nil, model.NewWorkflowNotRunningError(workflowID, run.Status)
	}
	rs := e.lookup(run.RunID)
	if rs == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("run %q is not executing on this engine", run.RunID))
	}
	handler, ok := rs.query(queryType)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("query %q not registered for workflow %q", queryType, workflowID))
	}
	return handler(args)
}

// Terminate closes the current run of workflowID and its running children.
func (e *Engine) Terminate(ctx context.Context, workflowID, reason string) error {
	run, err := e.store.CurrentRun(ctx, workflowID)
	if err != nil {
		return err
	}
	if run.Status.Closed() {
		return model.NewWorkflowNotRunningError(workflowID, run.Status)
	}

	if reason == "" {
		reason = "terminated"
	}
	if _, err := e.closeRun(context.WithoutCancel(ctx), run.RunID, closeRequest{
		status: model.RunStatusTerminated,
		event:  model.EventWorkflowTerminated,
		errMsg: reason,
	}); err != nil {
		return err
	}
	if rs := e.lookup(run.RunID); rs != nil {
		rs.cancel(errTerminated)
	}
	e.logger.Info("workflow terminated",
		append(observability.RunFields(run.WorkflowID, run.RunID, run.WorkflowType), zap.String("reason", reason))...)

	children, err := e.store.ListRuns(ctx, RunFilters{ParentWorkflowID: workflowID, Status: model.RunStatusRunning})
	if err != nil {
		return fmt.Errorf("list child runs: %w", err)
	}
	for _, child := range children {
		if err := e.Terminate(ctx, child.WorkflowID, "parent terminated: "+reason); err != nil &&
			!model.IsCode(err, model.ErrWorkflowNotRunning) {
			e.logger.Warn("terminate child workflow", zap.String("workflow_id", child.WorkflowID), zap.Error(err))
		}
	}
	return nil
}

// Describe returns the current run of workflowID.
func (e *Engine) Describe(ctx context.Context, workflowID string) (model.WorkflowRun, error) {
	return e.store.CurrentRun(ctx, workflowID)
}

// History returns the history of a run; an empty runID selects the current
// run.
func (e *Engine) History(ctx context.Context, workflowID, runID string) ([]model.HistoryEvent, error) {
	run, err := e.resolveRun(ctx, workflowID, runID)
	if err != nil {
		return nil, err
	}
	return e.store.Events(ctx, run.RunID)
}

// ListRuns lists runs matching filters.
func (e *Engine) ListRuns(ctx context.Context, filters RunFilters) ([]model.WorkflowRun, error) {
	return e.store.ListRuns(ctx, filters)
}

// Await blocks until the run closes and returns it, following
// continue-as-new links to the final run. An empty runID starts from the
// current run.
func (e *Engine) Await(ctx context.Context, workflowID, runID string) (model.WorkflowRun, error) {
	missing := 0
	for {
		wait := e.closedCh()
		run, err := e.resolveRun(ctx, workflowID, runID)
		switch {
		case model.IsCode(err, model.ErrNotFound) && runID != "" && missing < awaitMissingPolls:
			// A continued run is created just after its predecessor closes.
			missing++
		case err != nil:
			return model.WorkflowRun{}, err
		case run.Status == model.RunStatusContinuedAsNew && run.ContinuedAsRunID != "":
			runID = run.ContinuedAsRunID
			missing = 0
			continue
		case run.Status.Closed():
			return run, nil
		default:
			runID = run.RunID
		}

		interval := awaitPollInterval
		if missing > 0 {
			interval = awaitPollInterval / awaitMissingPolls
		}
		poll := time.NewTimer(interval)
		select {
		case <-wait:
		case <-poll.C:
		case <-ctx.Done():
			poll.Stop()
			return model.WorkflowRun{}, ctx.Err()
		}
		poll.Stop()
	}
}

// runChild starts the child recorded in started, unless it already exists,
// and waits for it to close.
func (e *Engine) runChild(ctx context.Context, parent Info, started model.HistoryEvent, opts ChildWorkflowOptions) (model.WorkflowRun, error) {
	if _, err := e.store.GetRun(ctx, started.ChildRunID); model.IsCode(err, model.ErrNotFound) {
		queue := opts.TaskQueue
		if queue == "" {
			queue = parent.TaskQueue
		}
		child := model.WorkflowRun{
			WorkflowID:       started.ChildWorkflowID,
			RunID:            started.ChildRunID,
			WorkflowType:     started.Name,
			TaskQueue:        queue,
			Input:            started.Payload,
			ParentWorkflowID: parent.WorkflowID,
			ParentRunID:      parent.RunID,
			ExecutionTimeout: opts.ExecutionTimeout,
		}
		if _, ok := e.registry.workflow(child.WorkflowType); !ok {
			return model.WorkflowRun{}, &model.ErrorEnvelope{
				Code:    model.ErrUnknownWorkflowType,
				Message: fmt.Sprintf("workflow type %q is not registered", child.WorkflowType),
			}
		}
		if err := e.startRun(ctx, child, IDReuseAllowAfterClose); err != nil {
			return model.WorkflowRun{}, err
		}
	} else if err != nil {
		return model.WorkflowRun{}, err
	}
	return e.Await(ctx, started.ChildWorkflowID, started.ChildRunID)
}

// Recover resumes every running run that is not executing on this engine,
// replaying its history. Call it once at startup.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	runs, err := e.store.ListRuns(ctx, RunFilters{Status: model.RunStatusRunning})
	if err != nil {
		return 0, fmt.Errorf("list running workflows: %w", err)
	}
	recovered := 0
	for _, run := range runs {
		if e.lookup(run.RunID) != nil {
			continue
		}
		e.launch(run)
		recovered++
	}
	if recovered > 0 {
		e.logger.Info("recovered running workflows", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Stop suspends all executing runs, leaving them running in the store for
// Recover, and waits for their goroutines to exit.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopped.Store(true)
	e.stop(errEngineStopped)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workflow engine stop: %w", ctx.Err())
	}
}

func (e *Engine) resolveRun(ctx context.Context, workflowID, runID string) (model.WorkflowRun, error) {
	if runID == "" {
		return e.store.CurrentRun(ctx, workflowID)
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return model.WorkflowRun{}, err
	}
	if workflowID != "" && run.WorkflowID != workflowID {
		return model.WorkflowRun{}, model.NewNotFoundError(fmt.Sprintf("run %q does not belong to workflow %q", runID, workflowID))
	}
	return run, nil
}

func (e *Engine) lookup(runID string) *runState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[runID]
}

func (e *Engine) forget(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, runID)
}

func (e *Engine) closedCh() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) notifyClosed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	close(e.closed)
	e.closed = make(chan struct{})
}
