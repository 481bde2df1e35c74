// Package orchestrator starts content workflows on behalf of API callers
// and keeps the workflow registry in step with the engine.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/pitabwire/contentflow/internal/observability"
	"github.com/pitabwire/contentflow/internal/registry"
	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

const updateRetries = 5

// Engine is the part of the workflow engine the orchestrator drives.
type Engine interface {
	Start(ctx context.Context, workflowType string, input any, opts workflow.StartOptions) (model.RunRef, error)
	Describe(ctx context.Context, workflowID string) (model.WorkflowRun, error)
	OnClose(hook workflow.CloseHook)
}

// StartRequest starts a workflow for one content item. Input is the
// workflow input object; content_id is filled in when absent.
type StartRequest struct {
	WorkflowType     string          `json:"workflow_type"`
	ContentID        string          `json:"content_id"`
	Input            json.RawMessage `json:"input,omitempty"`
	TaskQueue        string          `json:"task_queue,omitempty"`
	ExecutionTimeout time.Duration   `json:"execution_timeout,omitempty"`
}

// StartResult identifies the started run.
type StartResult struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	Attempt    int    `json:"attempt"`
}

// Service starts workflows and tracks them in the registry.
type Service struct {
	engine   Engine
	registry registry.Store
	clock    clockwork.Clock
	logger   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for registry timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New creates a Service and subscribes it to run closures.
func New(engine Engine, reg registry.Store, opts ...Option) *Service {
	s := &Service{
		engine:   engine,
		registry: reg,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	engine.OnClose(s.onClose)
	return s
}

// WorkflowID returns the id of the attempt-th run of workflowType for
// contentID.
func WorkflowID(workflowType, contentID string, attempt int) string {
	return fmt.Sprintf("%s-%s-%d", workflowType, contentID, attempt)
}

// Start registers and starts a workflow. It fails with
// WORKFLOW_ALREADY_RUNNING while another run of the same type is active
// for the content item.
func (s *Service) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.start",
		observability.AttrWorkflowType.String(req.WorkflowType),
		observability.AttrContentID.String(req.ContentID),
	)
	res, err := s.start(ctx, req)
	if err == nil {
		span.SetAttributes(observability.AttrWorkflowID.String(res.WorkflowID))
	}
	observability.EndSpanWithError(span, err)
	return res, err
}

func (s *Service) start(ctx context.Context, req StartRequest) (StartResult, error) {
	if req.ContentID == "" {
		return StartResult{}, model.NewBadRequestError("content_id is required")
	}
	if !slices.Contains(model.WorkflowTypes, req.WorkflowType) {
		return StartResult{}, model.NewBadRequestError(fmt.Sprintf("unknown workflow type %q", req.WorkflowType))
	}
	input, err := withContentID(req.Input, req.ContentID)
	if err != nil {
		return StartResult{}, err
	}

	running, err := s.registry.FindRunning(ctx, req.ContentID, req.WorkflowType)
	if err != nil {
		return StartResult{}, err
	}
	if len(running) > 0 {
		return StartResult{}, model.NewWorkflowAlreadyRunningError(running[0].WorkflowID)
	}

	attempts, err := s.registry.CountAttempts(ctx, req.ContentID, req.WorkflowType)
	if err != nil {
		return StartResult{}, err
	}
	now := s.clock.Now().UTC()
	entry := model.RegistryEntry{
		WorkflowID:   WorkflowID(req.WorkflowType, req.ContentID, attempts+1),
		ContentID:    req.ContentID,
		WorkflowType: req.WorkflowType,
		Attempt:      attempts + 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.registry.Register(ctx, entry); err != nil {
		if model.IsCode(err, model.ErrConflict) {
			return StartResult{}, model.NewWorkflowAlreadyRunningError(entry.WorkflowID)
		}
		return StartResult{}, err
	}

	ref, err := s.engine.Start(ctx, req.WorkflowType, input, workflow.StartOptions{
		WorkflowID:       entry.WorkflowID,
		TaskQueue:        req.TaskQueue,
		IDReusePolicy:    workflow.IDReuseReject,
		ExecutionTimeout: req.ExecutionTimeout,
	})
	if err != nil {
		if uerr := s.update(context.WithoutCancel(ctx), entry.WorkflowID, func(e *model.RegistryEntry) bool {
			e.Status = model.RegistryFailed
			return true
		}); uerr != nil {
			s.logger.Error("release registry entry", zap.String("workflow_id", entry.WorkflowID), zap.Error(uerr))
		}
		return StartResult{}, err
	}

	if err := s.update(ctx, entry.WorkflowID, func(e *model.RegistryEntry) bool {
		if e.RunID != "" {
			return false
		}
		e.RunID = ref.RunID
		return true
	}); err != nil {
		s.logger.Warn("record run id", zap.String("workflow_id", entry.WorkflowID), zap.Error(err))
	}

	s.logger.Info("workflow started",
		zap.String("workflow_id", ref.WorkflowID),
		zap.String("run_id", ref.RunID),
		zap.String("content_id", req.ContentID),
		zap.Int("attempt", entry.Attempt),
	)
	return StartResult{WorkflowID: ref.WorkflowID, RunID: ref.RunID, Attempt: entry.Attempt}, nil
}

// Entries returns the registry history of a content item, newest first.
func (s *Service) Entries(ctx context.Context, contentID string) ([]model.RegistryEntry, error) {
	return s.registry.ListByContent(ctx, contentID)
}

// Reconcile repairs running registry entries whose runs closed without the
// close hook firing, e.g. while the process was down. It returns the number
// of repaired entries.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	entries, err := s.registry.ListRunning(ctx)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, entry := range entries {
		run, err := s.engine.Describe(ctx, entry.WorkflowID)
		if model.IsCode(err, model.ErrNotFound) || model.IsCode(err, model.ErrWorkflowNotFound) {
			run = model.WorkflowRun{WorkflowID: entry.WorkflowID, RunID: entry.RunID, Status: model.RunStatusFailed}
		} else if err != nil {
			return repaired, err
		}
		status := model.RegistryStatusFor(run.Status)
		if status == entry.Status && run.RunID == entry.RunID {
			continue
		}
		if err := s.update(ctx, entry.WorkflowID, func(e *model.RegistryEntry) bool {
			e.Status = status
			e.RunID = run.RunID
			return true
		}); err != nil {
			return repaired, err
		}
		repaired++
		s.logger.Info("registry entry reconciled",
			zap.String("workflow_id", entry.WorkflowID), zap.String("status", string(status)))
	}
	return repaired, nil
}

// RunReconciler reconciles every interval until ctx is done.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("registry reconcile failed", zap.Error(err))
			}
		}
	}
}

// onClose mirrors run closures into the registry. Runs that were not
// started through the orchestrator have no entry and are ignored.
func (s *Service) onClose(ctx context.Context, run model.WorkflowRun) {
	err := s.update(ctx, run.WorkflowID, func(e *model.RegistryEntry) bool {
		if run.Status == model.RunStatusContinuedAsNew {
			if run.ContinuedAsRunID == "" {
				return false
			}
			e.RunID = run.ContinuedAsRunID
			e.Status = model.RegistryRunning
			return true
		}
		e.RunID = run.RunID
		e.Status = model.RegistryStatusFor(run.Status)
		return true
	})
	switch {
	case model.IsCode(err, model.ErrNotFound):
	case err != nil:
		s.logger.Error("update registry on close", zap.String("workflow_id", run.WorkflowID), zap.Error(err))
	}
}

// update applies mutate to the current entry, retrying on version
// conflicts. mutate returns false to skip the write.
func (s *Service) update(ctx context.Context, workflowID string, mutate func(*model.RegistryEntry) bool) error {
	var err error
	for range updateRetries {
		var entry model.RegistryEntry
		entry, err = s.registry.Get(ctx, workflowID)
		if err != nil {
			return err
		}
		if !mutate(&entry) {
			return nil
		}
		entry.UpdatedAt = s.clock.Now().UTC()
		err = s.registry.Update(ctx, entry)
		if !model.IsCode(err, model.ErrConflict) {
			return err
		}
	}
	return err
}

func withContentID(raw json.RawMessage, contentID string) (json.RawMessage, error) {
	fields := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, model.NewBadRequestError(fmt.Sprintf("input must be a JSON object: %v", err))
		}
	}
	// The run must work on the content item it is registered under.
	if v, ok := fields["content_id"]; ok && v != contentID {
		return nil, model.NewBadRequestError(fmt.Sprintf("input.content_id %v does not match content_id %q", v, contentID))
	}
	fields["content_id"] = contentID
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	return out, nil
}
