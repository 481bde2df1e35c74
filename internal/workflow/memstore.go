package workflow

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/contentflow/model"
)

// MemoryHistoryStore is an in-memory HistoryStore for tests and
// single-process deployments.
type MemoryHistoryStore struct {
	mu      sync.RWMutex
	runs    map[string]model.WorkflowRun    // key: run ID
	latest  map[string]string               // key: workflow ID, value: run ID
	events  map[string][]model.HistoryEvent // key: run ID
	counter int64
}

// NewMemoryHistoryStore creates a new in-memory history store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{
		runs:   make(map[string]model.WorkflowRun),
		latest: make(map[string]string),
		events: make(map[string][]model.HistoryEvent),
	}
}

// CreateRun persists a new run and its initial events.
func (s *MemoryHistoryStore) CreateRun(_ context.Context, run model.WorkflowRun, policy IDReusePolicy, events []model.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.RunID]; exists {
		return model.NewConflictError(fmt.Sprintf("run %q already exists", run.RunID))
	}
	if prevID, ok := s.latest[run.WorkflowID]; ok {
		if !reuseAllowed(policy, s.runs[prevID]) {
			return model.NewWorkflowAlreadyRunningError(run.WorkflowID)
		}
	}

	s.runs[run.RunID] = run
	s.latest[run.WorkflowID] = run.RunID
	s.events[run.RunID] = nil
	s.appendLocked(run.RunID, events)
	return nil
}

// GetRun retrieves a run by id.
func (s *MemoryHistoryStore) GetRun(_ context.Context, runID string) (model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return model.WorkflowRun{}, model.NewNotFoundError(fmt.Sprintf("run %q not found", runID))
	}
	return run, nil
}

// CurrentRun returns the latest run of a workflow id.
func (s *MemoryHistoryStore) CurrentRun(_ context.Context, workflowID string) (model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runID, ok := s.latest[workflowID]
	if !ok {
		return model.WorkflowRun{}, model.NewWorkflowNotFoundError(workflowID)
	}
	return s.runs[runID], nil
}

// UpdateRun persists run metadata with optimistic locking.
func (s *MemoryHistoryStore) UpdateRun(_ context.Context, run model.WorkflowRun, events ...model.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[run.RunID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("run %q not found", run.RunID))
	}
	if existing.Version != run.Version {
		return model.NewConflictError(
			fmt.Sprintf("run %q version conflict (expected %d, got %d)", run.RunID, run.Version, existing.Version),
		)
	}
	if len(events) > 0 && existing.Status.Closed() {
		return model.NewWorkflowNotRunningError(existing.WorkflowID, existing.Status)
	}

	run.Version++
	s.runs[run.RunID] = run
	s.appendLocked(run.RunID, events)
	return nil
}

// AppendEvents appends events to a running run.
func (s *MemoryHistoryStore) AppendEvents(_ context.Context, runID string, events ...model.HistoryEvent) ([]model.HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("run %q not found", runID))
	}
	if run.Status.Closed() {
		return nil, model.NewWorkflowNotRunningError(run.WorkflowID, run.Status)
	}
	return s.appendLocked(runID, events), nil
}

func (s *MemoryHistoryStore) appendLocked(runID string, events []model.HistoryEvent) []model.HistoryEvent {
	out := make([]model.HistoryEvent, len(events))
	for i, evt := range events {
		s.counter++
		evt.RunID = runID
		evt.EventID = s.counter
		if evt.Timestamp.IsZero() {
			evt.Timestamp = time.Now().UTC()
		}
		out[i] = evt
	}
	s.events[runID] = append(s.events[runID], out...)
	return out
}

// Events returns a copy of a run's history.
func (s *MemoryHistoryStore) Events(_ context.Context, runID string) ([]model.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("run %q not found", runID))
	}
	return slices.Clone(s.events[runID]), nil
}

// ListRuns returns runs matching the filters, newest first.
func (s *MemoryHistoryStore) ListRuns(_ context.Context, filters RunFilters) ([]model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowRun
	for _, run := range s.runs {
		if filters.match(run) {
			result = append(result, run)
		}
	}

	slices.SortFunc(result, func(a, b model.WorkflowRun) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.RunID, a.RunID)
	})

	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryHistoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the total number of runs. For testing.
func (s *MemoryHistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}
