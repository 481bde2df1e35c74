// Package activitytest provides scriptable in-memory collaborators for
// exercising activities and pipelines without external services.
package activitytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pitabwire/contentflow/internal/activities"
	"github.com/pitabwire/contentflow/internal/escalation"
	"github.com/pitabwire/contentflow/model"
)

// Fakes bundles one of every collaborator.
type Fakes struct {
	Agents      *Agents
	Content     *Content
	Review      *Review
	Events      *Events
	Escalations *escalation.MemoryStore
	Site        *Site
	Batches     *Batches
	Catalog     *Catalog
}

// New returns a fresh set of collaborators.
func New() *Fakes {
	return &Fakes{
		Agents:      NewAgents(),
		Content:     NewContent(),
		Review:      NewReview(),
		Events:      &Events{},
		Escalations: escalation.NewMemoryStore(),
		Site:        &Site{Valid: true, URL: "https://example.test"},
		Batches:     &Batches{},
		Catalog:     &Catalog{},
	}
}

// Deps wires the fakes into activities.Deps.
func (f *Fakes) Deps() activities.Deps {
	return activities.Deps{
		Agents:      f.Agents,
		Content:     f.Content,
		Review:      f.Review,
		Events:      f.Events,
		Escalations: f.Escalations,
		Site:        f.Site,
		Batches:     f.Batches,
		Catalog:     f.Catalog,
	}
}

// --- Agents ---

// AgentFunc scripts the response to an agent task.
type AgentFunc func(req model.AgentRequest) (model.AgentResult, error)

// Agents is a scriptable AgentInvoker. Unscripted tasks succeed.
type Agents struct {
	mu       sync.Mutex
	handlers map[string]AgentFunc
	calls    []model.AgentRequest
}

// NewAgents creates an invoker with no scripted tasks.
func NewAgents() *Agents {
	return &Agents{handlers: make(map[string]AgentFunc)}
}

// On scripts taskType for agentID. An empty agentID matches any agent.
func (a *Agents) On(agentID, taskType string, fn AgentFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[agentID+"/"+taskType] = fn
}

func (a *Agents) Invoke(_ context.Context, req model.AgentRequest) (model.AgentResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	fn, ok := a.handlers[req.AgentID+"/"+req.TaskType]
	if !ok {
		fn, ok = a.handlers["/"+req.TaskType]
	}
	a.mu.Unlock()
	if !ok {
		return model.AgentResult{Success: true}, nil
	}
	return fn(req)
}

// Calls returns the requests sent for taskType. An empty agentID matches
// any agent.
func (a *Agents) Calls(agentID, taskType string) []model.AgentRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.AgentRequest
	for _, c := range a.calls {
		if c.TaskType == taskType && (agentID == "" || c.AgentID == agentID) {
			out = append(out, c)
		}
	}
	return out
}

// Respond always returns res.
func Respond(res model.AgentResult) AgentFunc {
	return func(model.AgentRequest) (model.AgentResult, error) { return res, nil }
}

// Sequence returns results in order and repeats the last one.
func Sequence(results ...model.AgentResult) AgentFunc {
	var mu sync.Mutex
	i := 0
	return func(model.AgentRequest) (model.AgentResult, error) {
		mu.Lock()
		defer mu.Unlock()
		res := results[min(i, len(results)-1)]
		i++
		return res, nil
	}
}

// Data returns a successful result carrying v as structured output.
func Data(v any) model.AgentResult {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return model.AgentResult{Success: true, Data: raw}
}

// Failed returns an agent-reported failure.
func Failed(msg string) model.AgentResult {
	return model.AgentResult{Success: false, Error: msg}
}

// Verdict returns a validator result.
func Verdict(passed bool, issues ...string) model.AgentResult {
	return Data(map[string]any{"passed": passed, "issues": issues})
}

// --- Content ---

// Content is an in-memory ContentRepository. Transitions move content to
// the status named in Statuses; events listed in Refused are rejected.
type Content struct {
	mu          sync.Mutex
	items       map[string]model.Content
	transitions []model.TransitionRequest
	updates     []map[string]any
	Refused     map[string]string
	Statuses    map[string]string
}

// NewContent creates an empty repository with the default transition
// targets.
func NewContent() *Content {
	return &Content{
		items:   make(map[string]model.Content),
		Refused: make(map[string]string),
		Statuses: map[string]string{
			model.TransitionCreateDraft:     model.ContentDraft,
			model.TransitionSubmitForReview: model.ContentInReview,
			model.TransitionApprove:         model.ContentApproved,
			model.TransitionRequestChanges:  model.ContentDraft,
			model.TransitionSchedule:        model.ContentScheduled,
			model.TransitionPublish:         model.ContentPublished,
		},
	}
}

// Put stores c.
func (c *Content) Put(item model.Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[item.ID] = item
}

func (c *Content) FindByID(_ context.Context, contentID string) (model.Content, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[contentID]
	if !ok {
		return model.Content{}, model.NewNotFoundError(fmt.Sprintf("content %q not found", contentID))
	}
	return item, nil
}

func (c *Content) Update(_ context.Context, contentID string, fields map[string]any) (model.Content, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[contentID]
	if !ok {
		return model.Content{}, model.NewNotFoundError(fmt.Sprintf("content %q not found", contentID))
	}
	if item.Metadata == nil {
		item.Metadata = make(map[string]any)
	}
	for k, v := range fields {
		item.Metadata[k] = v
	}
	c.items[contentID] = item
	c.updates = append(c.updates, fields)
	return item, nil
}

func (c *Content) Transition(_ context.Context, req model.TransitionRequest) (model.TransitionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitions = append(c.transitions, req)
	if msg, ok := c.Refused[req.Event]; ok {
		return model.TransitionResult{Success: false, Error: msg}, nil
	}
	item := c.items[req.ContentID]
	item.ID = req.ContentID
	if status, ok := c.Statuses[req.Event]; ok {
		item.Status = status
	}
	c.items[req.ContentID] = item
	return model.TransitionResult{Success: true, Status: item.Status}, nil
}

// Transitions returns the requested transition events in order.
func (c *Content) Transitions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.transitions))
	for i, t := range c.transitions {
		out[i] = t.Event
	}
	return out
}

// Updates returns the applied field patches in order.
func (c *Content) Updates() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.updates...)
}

// --- Review ---

// Comment is a comment posted on a review artifact.
type Comment struct {
	Number int
	Body   string
}

// Review is an in-memory ReviewSync. Content gets a review artifact when
// it is synced or mapped explicitly.
type Review struct {
	mu          sync.Mutex
	next        int
	mappings    map[string]model.ReviewMapping
	comments    []Comment
	approvals   []string
	rejections  []string
	published   []string
	escalations []model.Escalation
	SyncErr     error
	PublishErr  error
}

// NewReview creates a review system with no artifacts.
func NewReview() *Review {
	return &Review{next: 100, mappings: make(map[string]model.ReviewMapping)}
}

// Map gives contentID a review artifact.
func (r *Review) Map(contentID string, number int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings[model.MappingContent+"/"+contentID] = model.ReviewMapping{Number: number}
}

func (r *Review) SyncToReview(_ context.Context, contentID string) (model.ReviewMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SyncErr != nil {
		return model.ReviewMapping{}, r.SyncErr
	}
	key := model.MappingContent + "/" + contentID
	if m, ok := r.mappings[key]; ok {
		return m, nil
	}
	r.next++
	m := model.ReviewMapping{Number: r.next, URL: fmt.Sprintf("https://review.test/pull/%d", r.next)}
	r.mappings[key] = m
	return m, nil
}

func (r *Review) SyncApproval(_ context.Context, contentID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals = append(r.approvals, contentID)
	return nil
}

func (r *Review) SyncRejection(_ context.Context, contentID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejections = append(r.rejections, contentID)
	return nil
}

func (r *Review) SyncPublish(_ context.Context, contentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PublishErr != nil {
		return r.PublishErr
	}
	r.published = append(r.published, contentID)
	return nil
}

func (r *Review) AddComment(_ context.Context, number int, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comments = append(r.comments, Comment{Number: number, Body: body})
	return nil
}

func (r *Review) CreateEscalation(_ context.Context, esc model.Escalation) (model.ReviewMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.escalations = append(r.escalations, esc)
	m := model.ReviewMapping{Number: r.next}
	r.mappings[model.MappingEscalation+"/"+esc.TicketID] = m
	return m, nil
}

func (r *Review) GetMapping(_ context.Context, kind, id string) (model.ReviewMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mappings[kind+"/"+id]
	if !ok {
		return model.ReviewMapping{}, model.NewNotFoundError(fmt.Sprintf("no %s mapping for %q", kind, id))
	}
	return m, nil
}

// Comments returns the posted comments.
func (r *Review) Comments() []Comment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Comment(nil), r.comments...)
}

// Escalations returns the escalations opened as issues.
func (r *Review) Escalations() []model.Escalation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Escalation(nil), r.escalations...)
}

// Approvals returns the content ids whose approval was synced.
func (r *Review) Approvals() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.approvals...)
}

// Rejections returns the content ids whose rejection was synced.
func (r *Review) Rejections() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.rejections...)
}

// Published returns the content ids whose review artifact was merged.
func (r *Review) Published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.published...)
}

// --- Events ---

// Event is a published domain event.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Events records published events.
type Events struct {
	mu     sync.Mutex
	events []Event
}

func (e *Events) Publish(_ context.Context, name string, payload any) error {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, Event{Name: name, Payload: raw})
	return nil
}

// Named returns the events published under name.
func (e *Events) Named(name string) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, evt := range e.events {
		if evt.Name == name {
			out = append(out, evt)
		}
	}
	return out
}

// Names returns every published event name in order.
func (e *Events) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	for i, evt := range e.events {
		out[i] = evt.Name
	}
	return out
}

// --- Site ---

// Site is a scriptable SiteBuilder.
type Site struct {
	mu        sync.Mutex
	Valid     bool
	Errors    []string
	URL       string
	DeployErr error
	deployed  []string
}

func (s *Site) Validate(_ context.Context, _ string) (model.ValidationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.ValidationResult{Valid: s.Valid, Errors: s.Errors}, nil
}

func (s *Site) BuildAndDeploy(_ context.Context, contentID string) (model.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeployErr != nil {
		return model.Deployment{}, s.DeployErr
	}
	s.deployed = append(s.deployed, contentID)
	return model.Deployment{DeploymentID: "dep-" + contentID, URL: s.URL + "/" + contentID}, nil
}

// Deployed returns the deployed content ids.
func (s *Site) Deployed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deployed...)
}

// --- Batches ---

// Batches is a scriptable BatchService. Poll walks through States and
// repeats the last one; an empty script reports completed.
type Batches struct {
	mu        sync.Mutex
	States    []string
	Results   []json.RawMessage
	submitted [][]json.RawMessage
	polls     int
}

func (b *Batches) Submit(_ context.Context, _ string, items []json.RawMessage) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append(b.submitted, items)
	return fmt.Sprintf("batch-%d", len(b.submitted)), nil
}

func (b *Batches) Poll(_ context.Context, batchID string) (model.BatchStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := model.BatchCompleted
	if len(b.States) > 0 {
		state = b.States[min(b.polls, len(b.States)-1)]
	}
	b.polls++
	return model.BatchStatus{BatchID: batchID, State: state}, nil
}

func (b *Batches) Collect(_ context.Context, _ string) ([]json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Results, nil
}

// Polls returns how often Poll was called.
func (b *Batches) Polls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}

// --- Catalog ---

// Catalog returns a fixed stale set and records the queried thresholds.
type Catalog struct {
	mu         sync.Mutex
	Stale      []model.StaleContent
	thresholds []map[string]int
}

func (c *Catalog) FindStale(_ context.Context, _ string, thresholds map[string]int) ([]model.StaleContent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thresholds = append(c.thresholds, thresholds)
	return c.Stale, nil
}

// Queries returns the thresholds of every FindStale call.
func (c *Catalog) Queries() []map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]int(nil), c.thresholds...)
}
