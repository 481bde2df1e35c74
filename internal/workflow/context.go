package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/contentflow/model"
)

// Info describes the run a workflow function is executing in.
type Info struct {
	WorkflowID         string
	RunID              string
	WorkflowType       string
	TaskQueue          string
	ParentWorkflowID   string
	ContinuedFromRunID string
	StartedAt          time.Time
}

// QueryHandler answers a read-only query against live workflow state. It is
// called from the querying goroutine and must be safe for concurrent use.
type QueryHandler func(args json.RawMessage) (any, error)

// Context is handed to workflow functions. Every blocking operation goes
// through it so the run can be persisted and replayed. Workflow code must
// not perform I/O, read the wall clock or use randomness directly.
type Context struct {
	ctx    context.Context
	engine *Engine
	rs     *runState
	info   Info

	recorded map[int64][]model.HistoryEvent
	maxSeq   int64
	seq      int64
	now      time.Time
	logger   *zap.Logger
}

func newContext(ctx context.Context, e *Engine, rs *runState, history []model.HistoryEvent) *Context {
	c := &Context{
		ctx:    ctx,
		engine: e,
		rs:     rs,
		info: Info{
			WorkflowID:         rs.run.WorkflowID,
			RunID:              rs.run.RunID,
			WorkflowType:       rs.run.WorkflowType,
			TaskQueue:          rs.run.TaskQueue,
			ParentWorkflowID:   rs.run.ParentWorkflowID,
			ContinuedFromRunID: rs.run.ContinuedFromRunID,
			StartedAt:          rs.run.StartedAt,
		},
		recorded: make(map[int64][]model.HistoryEvent),
		now:      rs.run.StartedAt,
		logger: e.logger.With(
			zap.String("workflow_id", rs.run.WorkflowID),
			zap.String("run_id", rs.run.RunID),
			zap.String("workflow_type", rs.run.WorkflowType),
		),
	}
	for _, evt := range history {
		if evt.Seq > 0 {
			c.recorded[evt.Seq] = append(c.recorded[evt.Seq], evt)
			c.maxSeq = max(c.maxSeq, evt.Seq)
		}
	}
	return c
}

// Context returns the cancellation context of the run. It is done when the
// run is terminated, times out or the engine stops.
func (c *Context) Context() context.Context { return c.ctx }

// Info returns the identity of the current run.
func (c *Context) Info() Info { return c.info }

// Now returns deterministic workflow time: the timestamp of the most
// recently processed command.
func (c *Context) Now() time.Time { return c.now }

// IsReplaying reports whether the next command will be served from history.
func (c *Context) IsReplaying() bool { return c.seq < c.maxSeq }

// Logger returns a logger that stays silent while the run is replaying.
func (c *Context) Logger() *zap.Logger {
	if c.IsReplaying() {
		return zap.NewNop()
	}
	return c.logger
}

// SetQueryHandler registers handler under name for Engine.Query.
func (c *Context) SetQueryHandler(name string, handler QueryHandler) {
	c.rs.setQuery(name, handler)
}

// NewContinueAsNewError returns an error that, when returned from the
// workflow function, closes this run and starts a new one with input.
func (c *Context) NewContinueAsNewError(input any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode continue-as-new input: %w", err)
	}
	return &ContinueAsNewError{Input: raw}
}

// Sleep blocks the workflow for d using a durable timer.
func (c *Context) Sleep(d time.Duration) error {
	seq, rec, err := c.next("timer", model.EventTimerStarted, "")
	if err != nil {
		return err
	}

	var fireAt time.Time
	switch {
	case len(rec) > 0 && last(rec).Type == model.EventTimerFired:
		c.advance(last(rec))
		return nil
	case len(rec) > 0:
		fireAt = *rec[0].FireAt
	default:
		fireAt = c.engine.clock.Now().UTC().Add(max(d, 0))
		if _, err := c.record(model.HistoryEvent{Type: model.EventTimerStarted, Seq: seq, FireAt: &fireAt}); err != nil {
			return err
		}
	}

	if err := c.waitUntil(fireAt); err != nil {
		return err
	}
	_, err = c.record(model.HistoryEvent{Type: model.EventTimerFired, Seq: seq})
	return err
}

// waitUntil blocks until the engine clock reaches t or the run is cancelled.
func (c *Context) waitUntil(t time.Time) error {
	remaining := t.Sub(c.engine.clock.Now())
	if remaining <= 0 {
		return nil
	}
	timer := c.engine.clock.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	}
}

// next allocates the next command sequence number and returns any events
// recorded for it, verifying they belong to the same kind of command.
func (c *Context) next(kind string, first model.HistoryEventType, name string) (int64, []model.HistoryEvent, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, nil, context.Cause(c.ctx)
	}
	c.seq++
	rec := c.recorded[c.seq]
	if len(rec) == 0 {
		if c.seq <= c.maxSeq {
			return 0, nil, &model.ErrorEnvelope{
				Code:    model.ErrNonDeterministic,
				Message: fmt.Sprintf("command %d: workflow issued %s %q with no recorded history", c.seq, kind, name),
			}
		}
		return c.seq, nil, nil
	}
	if !matches(rec[0], first, name) {
		return 0, nil, nonDeterministicError(c.seq, fmt.Sprintf("%s %q", kind, name), rec[0])
	}
	return c.seq, rec, nil
}

func matches(evt model.HistoryEvent, first model.HistoryEventType, name string) bool {
	if name != "" && evt.Name != name {
		return false
	}
	switch first {
	case model.EventActivityCompleted:
		return evt.Type == model.EventActivityCompleted || evt.Type == model.EventActivityFailed
	default:
		return evt.Type == first
	}
}

// record appends live command events and advances workflow time.
func (c *Context) record(events ...model.HistoryEvent) ([]model.HistoryEvent, error) {
	now := c.engine.clock.Now().UTC()
	for i := range events {
		events[i].Timestamp = now
	}
	stored, err := c.engine.store.AppendEvents(context.WithoutCancel(c.ctx), c.info.RunID, events...)
	if err != nil {
		if c.ctx.Err() != nil {
			return nil, context.Cause(c.ctx)
		}
		return nil, fmt.Errorf("record %s: %w", events[0].Type, err)
	}
	c.advance(last(stored))
	return stored, nil
}

func (c *Context) advance(evt model.HistoryEvent) {
	if evt.Timestamp.After(c.now) {
		c.now = evt.Timestamp
	}
}

func last(events []model.HistoryEvent) model.HistoryEvent {
	return events[len(events)-1]
}

// ExecuteActivity runs a registered activity with at-least-once semantics
// and decodes its result into O. A recorded result is returned on replay
// without running the activity again.
func ExecuteActivity[O any](c *Context, name string, input any, opts ActivityOptions) (O, error) {
	var out O
	seq, rec, err := c.next("activity", model.EventActivityCompleted, name)
	if err != nil {
		return out, err
	}

	if len(rec) > 0 {
		evt := last(rec)
		c.advance(evt)
		if evt.Type == model.EventActivityFailed {
			return out, &ActivityError{Name: name, Attempts: evt.Attempt, Cause: errors.New(evt.Error)}
		}
		return out, decodePayload(evt.Payload, &out)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return out, fmt.Errorf("encode %s input: %w", name, err)
	}

	result, attempts, runErr := c.engine.runActivity(c.ctx, c.info, name, raw, opts)
	if runErr != nil {
		if c.ctx.Err() != nil {
			return out, context.Cause(c.ctx)
		}
		if _, err := c.record(model.HistoryEvent{
			Type:    model.EventActivityFailed,
			Seq:     seq,
			Name:    name,
			Error:   runErr.Error(),
			Attempt: attempts,
		}); err != nil {
			return out, err
		}
		return out, &ActivityError{Name: name, Attempts: attempts, Cause: errors.New(runErr.Error())}
	}

	if _, err := c.record(model.HistoryEvent{
		Type:    model.EventActivityCompleted,
		Seq:     seq,
		Name:    name,
		Payload: result,
		Attempt: attempts,
	}); err != nil {
		return out, err
	}
	return out, decodePayload(result, &out)
}

// ChildWorkflowOptions configure ExecuteChildWorkflow.
type ChildWorkflowOptions struct {
	// WorkflowID defaults to "{parentWorkflowID}-child-{seq}".
	WorkflowID       string
	TaskQueue        string
	ExecutionTimeout time.Duration
}

// ExecuteChildWorkflow starts a child run, waits for it to close and decodes
// its result into O. A child that does not complete yields a
// *ChildWorkflowError.
func ExecuteChildWorkflow[O any](c *Context, workflowType string, input any, opts ChildWorkflowOptions) (O, error) {
	var out O
	seq, rec, err := c.next("child workflow", model.EventChildStarted, workflowType)
	if err != nil {
		return out, err
	}

	var started model.HistoryEvent
	if len(rec) > 0 {
		started = rec[0]
		switch end := last(rec); end.Type {
		case model.EventChildCompleted:
			c.advance(end)
			return out, decodePayload(end.Payload, &out)
		case model.EventChildFailed:
			c.advance(end)
			return out, childError(started, end)
		}
	} else {
		raw, err := json.Marshal(input)
		if err != nil {
			return out, fmt.Errorf("encode %s input: %w", workflowType, err)
		}
		childID := opts.WorkflowID
		if childID == "" {
			childID = fmt.Sprintf("%s-child-%d", c.info.WorkflowID, seq)
		}
		stored, err := c.record(model.HistoryEvent{
			Type:            model.EventChildStarted,
			Seq:             seq,
			Name:            workflowType,
			Payload:         raw,
			ChildWorkflowID: childID,
			ChildRunID:      uuid.NewString(),
		})
		if err != nil {
			return out, err
		}
		started = stored[0]
	}

	final, err := c.engine.runChild(c.ctx, c.info, started, opts)
	if err != nil && c.ctx.Err() != nil {
		return out, context.Cause(c.ctx)
	}

	if err == nil && final.Status == model.RunStatusCompleted {
		if _, err := c.record(model.HistoryEvent{
			Type:            model.EventChildCompleted,
			Seq:             seq,
			Name:            workflowType,
			Payload:         final.Result,
			ChildWorkflowID: final.WorkflowID,
			ChildRunID:      final.RunID,
		}); err != nil {
			return out, err
		}
		return out, decodePayload(final.Result, &out)
	}

	status := final.Status
	msg := final.Error
	if err != nil {
		status = model.RunStatusFailed
		msg = err.Error()
	}
	statusJSON, _ := json.Marshal(status)
	stored, recErr := c.record(model.HistoryEvent{
		Type:            model.EventChildFailed,
		Seq:             seq,
		Name:            workflowType,
		Payload:         statusJSON,
		Error:           msg,
		ChildWorkflowID: started.ChildWorkflowID,
		ChildRunID:      started.ChildRunID,
	})
	if recErr != nil {
		return out, recErr
	}
	return out, childError(started, stored[0])
}

func childError(started, failed model.HistoryEvent) error {
	var status model.RunStatus
	_ = json.Unmarshal(failed.Payload, &status)
	return &ChildWorkflowError{
		WorkflowID:   started.ChildWorkflowID,
		RunID:        started.ChildRunID,
		WorkflowType: started.Name,
		Status:       status,
		Cause:        errors.New(failed.Error),
	}
}

// AwaitSignal waits for the next unconsumed signal called name and decodes
// its payload into T. With timeout > 0 the wait is bounded: on expiry it
// returns ok=false exactly once and the signal is no longer awaited.
func AwaitSignal[T any](c *Context, name string, timeout time.Duration) (T, bool, error) {
	var out T
	seq, rec, err := c.next("signal wait", model.EventSignalWaitStarted, name)
	if err != nil {
		return out, false, err
	}

	var deadline *time.Time
	if len(rec) > 0 {
		switch end := last(rec); end.Type {
		case model.EventSignalConsumed:
			c.advance(end)
			return out, true, decodePayload(end.Payload, &out)
		case model.EventSignalTimedOut:
			c.advance(end)
			return out, false, nil
		}
		deadline = rec[0].FireAt
	} else {
		if timeout > 0 {
			t := c.engine.clock.Now().UTC().Add(timeout)
			deadline = &t
		}
		if _, err := c.record(model.HistoryEvent{
			Type:   model.EventSignalWaitStarted,
			Seq:    seq,
			Name:   name,
			FireAt: deadline,
		}); err != nil {
			return out, false, err
		}
	}

	var expired <-chan time.Time
	if deadline != nil {
		if remaining := deadline.Sub(c.engine.clock.Now()); remaining > 0 {
			timer := c.engine.clock.NewTimer(remaining)
			defer timer.Stop()
			expired = timer.Chan()
		} else {
			fired := make(chan time.Time, 1)
			fired <- *deadline
			expired = fired
		}
	}

	for {
		sig, notify, ok := c.rs.takeSignal(name)
		if ok {
			if _, err := c.record(model.HistoryEvent{
				Type:       model.EventSignalConsumed,
				Seq:        seq,
				Name:       name,
				Payload:    sig.Payload,
				RefEventID: sig.EventID,
			}); err != nil {
				return out, false, err
			}
			return out, true, decodePayload(sig.Payload, &out)
		}

		select {
		case <-notify:
		case <-expired:
			if sig, _, ok := c.rs.takeSignal(name); ok {
				if _, err := c.record(model.HistoryEvent{
					Type:       model.EventSignalConsumed,
					Seq:        seq,
					Name:       name,
					Payload:    sig.Payload,
					RefEventID: sig.EventID,
				}); err != nil {
					return out, false, err
				}
				return out, true, decodePayload(sig.Payload, &out)
			}
			if _, err := c.record(model.HistoryEvent{Type: model.EventSignalTimedOut, Seq: seq, Name: name}); err != nil {
				return out, false, err
			}
			return out, false, nil
		case <-c.ctx.Done():
			return out, false, context.Cause(c.ctx)
		}
	}
}

// SideEffect runs fn once and records its result so replays observe the
// same value. Use it for ids and other non-deterministic values.
func SideEffect[T any](c *Context, fn func() T) (T, error) {
	var out T
	seq, rec, err := c.next("side effect", model.EventSideEffectRecorded, "")
	if err != nil {
		return out, err
	}
	if len(rec) > 0 {
		c.advance(rec[0])
		return out, decodePayload(rec[0].Payload, &out)
	}

	value := fn()
	raw, err := json.Marshal(value)
	if err != nil {
		return out, fmt.Errorf("encode side effect: %w", err)
	}
	if _, err := c.record(model.HistoryEvent{Type: model.EventSideEffectRecorded, Seq: seq, Payload: raw}); err != nil {
		return out, err
	}
	return value, nil
}

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode recorded payload: %w", err)
	}
	return nil
}
