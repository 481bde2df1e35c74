package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

type workflowFunc func(wctx *Context, input json.RawMessage) (json.RawMessage, error)

type activityFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Registry maps workflow types and activity names to their implementations.
// It is safe for concurrent use after initial registration.
type Registry struct {
	mu         sync.RWMutex
	workflows  map[string]workflowFunc
	activities map[string]activityFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows:  make(map[string]workflowFunc),
		activities: make(map[string]activityFunc),
	}
}

// RegisterWorkflow adds a workflow type. Panics if the type is already
// registered, since this indicates a wiring mistake at startup.
func RegisterWorkflow[I, O any](r *Registry, workflowType string, fn func(*Context, I) (O, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[workflowType]; exists {
		panic(fmt.Sprintf("workflow: workflow type %q already registered", workflowType))
	}
	r.workflows[workflowType] = func(wctx *Context, raw json.RawMessage) (json.RawMessage, error) {
		var in I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decode %s input: %w", workflowType, err)
			}
		}
		out, err := fn(wctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}

// RegisterActivity adds an activity. Panics on duplicate names.
func RegisterActivity[I, O any](r *Registry, name string, fn func(context.Context, I) (O, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.activities[name]; exists {
		panic(fmt.Sprintf("workflow: activity %q already registered", name))
	}
	r.activities[name] = func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var in I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, NonRetryable(fmt.Errorf("decode %s input: %w", name, err))
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}

func (r *Registry) workflow(workflowType string) (workflowFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.workflows[workflowType]
	return fn, ok
}

func (r *Registry) activity(name string) (activityFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.activities[name]
	return fn, ok
}

// WorkflowTypes returns all registered workflow types, sorted.
func (r *Registry) WorkflowTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.workflows)
}

// Activities returns all registered activity names, sorted.
func (r *Registry) Activities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.activities)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
