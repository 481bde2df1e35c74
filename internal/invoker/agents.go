package invoker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/pitabwire/contentflow/model"
)

// AgentRegistry maps agent IDs to invokers and dispatches requests by
// AgentRequest.AgentID. It implements model.AgentInvoker and is safe for
// concurrent use after initial registration.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]model.AgentInvoker
}

// NewAgentRegistry creates an empty agent registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]model.AgentInvoker)}
}

// Register adds an invoker under agentID. Panics on duplicates, since this
// indicates a wiring mistake at startup.
func (r *AgentRegistry) Register(agentID string, inv model.AgentInvoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agentID]; exists {
		panic(fmt.Sprintf("invoker: agent %q already registered", agentID))
	}
	r.agents[agentID] = inv
}

// Get returns the invoker registered under agentID.
func (r *AgentRegistry) Get(agentID string) (model.AgentInvoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.agents[agentID]
	return inv, ok
}

// IDs returns all registered agent IDs, sorted.
func (r *AgentRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Invoke dispatches req to the agent named by req.AgentID.
func (r *AgentRegistry) Invoke(ctx context.Context, req model.AgentRequest) (model.AgentResult, error) {
	inv, ok := r.Get(req.AgentID)
	if !ok {
		return model.AgentResult{}, model.NewNotFoundError(fmt.Sprintf("agent %q is not registered", req.AgentID))
	}
	return inv.Invoke(ctx, req)
}

// AgentClient invokes agents hosted behind an HTTP agent service.
type AgentClient struct {
	client *Client
}

// NewAgentClient wraps client as an agent invoker.
func NewAgentClient(client *Client) *AgentClient {
	return &AgentClient{client: client}
}

// Invoke posts req to /agents/{agentId}/tasks. An agent that ran but
// reported failure comes back as Success=false without an error.
func (a *AgentClient) Invoke(ctx context.Context, req model.AgentRequest) (model.AgentResult, error) {
	var res model.AgentResult
	path := "/agents/" + url.PathEscape(req.AgentID) + "/tasks"
	if err := a.client.Do(ctx, "agent."+req.TaskType, http.MethodPost, path, req, &res); err != nil {
		return model.AgentResult{}, err
	}
	return res, nil
}
