package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/contentflow/internal/activities/activitytest"
	"github.com/pitabwire/contentflow/internal/transport"
	"github.com/pitabwire/contentflow/model"
)

// Backend serves the collaborator HTTP APIs (agents, content, review, site
// and batch) over scriptable in-memory fakes. Responses can be replaced by
// injected faults per operation, and every request is counted.
type Backend struct {
	t      *testing.T
	server *httptest.Server
	Fakes  *activitytest.Fakes

	mu       sync.Mutex
	faults   map[string][]fault
	received map[string]int
}

// fault replaces one response of an operation.
type fault struct {
	status    int
	code      string
	delay     time.Duration
	connError bool
}

func newBackend(t *testing.T, fakes *activitytest.Fakes) *Backend {
	t.Helper()

	b := &Backend{
		t:        t,
		Fakes:    fakes,
		faults:   make(map[string][]fault),
		received: make(map[string]int),
	}

	r := chi.NewRouter()
	b.route(r, http.MethodPost, "/agents/{agentId}/tasks", "agent", b.agentTask)
	b.route(r, http.MethodGet, "/content/stale", "content.findStale", b.findStale)
	b.route(r, http.MethodGet, "/content/{contentId}", "content.find", b.findContent)
	b.route(r, http.MethodPatch, "/content/{contentId}", "content.update", b.updateContent)
	b.route(r, http.MethodPost, "/content/{contentId}/transitions", "content.transition", b.transition)
	b.route(r, http.MethodPost, "/reviews/content/{contentId}/sync", "review.sync", b.syncReview)
	b.route(r, http.MethodPost, "/reviews/content/{contentId}/approval", "review.approve", b.reviewFeedback(true))
	b.route(r, http.MethodPost, "/reviews/content/{contentId}/rejection", "review.reject", b.reviewFeedback(false))
	b.route(r, http.MethodPost, "/reviews/content/{contentId}/publish", "review.publish", b.publishReview)
	b.route(r, http.MethodPost, "/reviews/{number}/comments", "review.comment", b.addComment)
	b.route(r, http.MethodPost, "/escalations", "review.escalate", b.createEscalation)
	b.route(r, http.MethodGet, "/mappings/{kind}/{id}", "review.mapping", b.getMapping)
	b.route(r, http.MethodPost, "/validations", "site.validate", b.validate)
	b.route(r, http.MethodPost, "/deployments", "site.deploy", b.deploy)
	b.route(r, http.MethodPost, "/batches", "batch.submit", b.submitBatch)
	b.route(r, http.MethodGet, "/batches/{batchId}", "batch.poll", b.pollBatch)
	b.route(r, http.MethodGet, "/batches/{batchId}/results", "batch.collect", b.collectBatch)

	b.server = httptest.NewServer(r)
	t.Cleanup(b.server.Close)
	return b
}

// URL returns the base URL of the backend.
func (b *Backend) URL() string {
	return b.server.URL
}

// FailNext makes the next n calls of operation respond with status and an
// error envelope carrying code.
func (b *Backend) FailNext(operation string, n, status int, code string) {
	b.addFaults(operation, n, fault{status: status, code: code})
}

// DelayNext delays the next n calls of operation before they are served
// normally.
func (b *Backend) DelayNext(operation string, n int, delay time.Duration) {
	b.addFaults(operation, n, fault{delay: delay})
}

// DropNext closes the connection on the next n calls of operation.
func (b *Backend) DropNext(operation string, n int) {
	b.addFaults(operation, n, fault{connError: true})
}

// Calls returns how many requests operation received, faulted ones
// included.
func (b *Backend) Calls(operation string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.received[operation]
}

func (b *Backend) addFaults(operation string, n int, f fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for range n {
		b.faults[operation] = append(b.faults[operation], f)
	}
}

func (b *Backend) nextFault(operation string) (fault, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received[operation]++
	queue := b.faults[operation]
	if len(queue) == 0 {
		return fault{}, false
	}
	b.faults[operation] = queue[1:]
	return queue[0], true
}

func (b *Backend) route(r chi.Router, method, pattern, operation string, h http.HandlerFunc) {
	r.Method(method, pattern, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		f, ok := b.nextFault(operation)
		if ok {
			if f.delay > 0 {
				select {
				case <-time.After(f.delay):
				case <-req.Context().Done():
					return
				}
			}
			if f.connError {
				hj, ok := w.(http.Hijacker)
				if !ok {
					b.t.Errorf("backend: response writer cannot hijack")
					return
				}
				conn, _, err := hj.Hijack()
				if err == nil {
					conn.Close()
				}
				return
			}
			if f.status != 0 {
				transport.WriteJSON(w, f.status, model.ErrorEnvelope{Code: f.code, Message: "injected fault"})
				return
			}
		}
		h(w, req)
	}))
}

func decode[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		transport.WriteError(w, model.NewBadRequestError(err.Error()))
		return v, false
	}
	return v, true
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		transport.WriteJSON(w, statusOf(err), model.ErrorEnvelope{Code: model.ErrorCode(err), Message: err.Error()})
		return
	}
	if v == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	transport.WriteJSON(w, http.StatusOK, v)
}

func statusOf(err error) int {
	switch model.ErrorCode(err) {
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrBadRequest:
		return http.StatusBadRequest
	case model.ErrConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// --- Agents ---

func (b *Backend) agentTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[model.AgentRequest](w, r)
	if !ok {
		return
	}
	req.AgentID = chi.URLParam(r, "agentId")
	res, err := b.Fakes.Agents.Invoke(r.Context(), req)
	respond(w, res, err)
}

// --- Content ---

func (b *Backend) findContent(w http.ResponseWriter, r *http.Request) {
	c, err := b.Fakes.Content.FindByID(r.Context(), chi.URLParam(r, "contentId"))
	respond(w, c, err)
}

func (b *Backend) updateContent(w http.ResponseWriter, r *http.Request) {
	fields, ok := decode[map[string]any](w, r)
	if !ok {
		return
	}
	c, err := b.Fakes.Content.Update(r.Context(), chi.URLParam(r, "contentId"), fields)
	respond(w, c, err)
}

func (b *Backend) transition(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[model.TransitionRequest](w, r)
	if !ok {
		return
	}
	req.ContentID = chi.URLParam(r, "contentId")
	res, err := b.Fakes.Content.Transition(r.Context(), req)
	if err == nil && !res.Success {
		transport.WriteJSON(w, http.StatusUnprocessableEntity, model.ErrorEnvelope{Code: model.ErrInvalidTransition, Message: res.Error})
		return
	}
	respond(w, res, err)
}

func (b *Backend) findStale(w http.ResponseWriter, r *http.Request) {
	thresholds := make(map[string]int)
	for _, v := range r.URL.Query()["threshold"] {
		typ, days, ok := strings.Cut(v, ":")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(days)
		if err != nil {
			transport.WriteError(w, model.NewBadRequestError("bad threshold "+v))
			return
		}
		thresholds[typ] = n
	}
	items, err := b.Fakes.Catalog.FindStale(r.Context(), r.URL.Query().Get("entity_id"), thresholds)
	respond(w, map[string]any{"items": items}, err)
}

// --- Review ---

func (b *Backend) syncReview(w http.ResponseWriter, r *http.Request) {
	m, err := b.Fakes.Review.SyncToReview(r.Context(), chi.URLParam(r, "contentId"))
	respond(w, m, err)
}

func (b *Backend) reviewFeedback(approved bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := decode[struct {
			Feedback string `json:"feedback"`
		}](w, r)
		if !ok {
			return
		}
		contentID := chi.URLParam(r, "contentId")
		var err error
		if approved {
			err = b.Fakes.Review.SyncApproval(r.Context(), contentID, body.Feedback)
		} else {
			err = b.Fakes.Review.SyncRejection(r.Context(), contentID, body.Feedback)
		}
		respond(w, nil, err)
	}
}

func (b *Backend) publishReview(w http.ResponseWriter, r *http.Request) {
	respond(w, nil, b.Fakes.Review.SyncPublish(r.Context(), chi.URLParam(r, "contentId")))
}

func (b *Backend) addComment(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		transport.WriteError(w, model.NewBadRequestError("bad review number"))
		return
	}
	body, ok := decode[struct {
		Body string `json:"body"`
	}](w, r)
	if !ok {
		return
	}
	respond(w, nil, b.Fakes.Review.AddComment(r.Context(), number, body.Body))
}

func (b *Backend) createEscalation(w http.ResponseWriter, r *http.Request) {
	esc, ok := decode[model.Escalation](w, r)
	if !ok {
		return
	}
	m, err := b.Fakes.Review.CreateEscalation(r.Context(), esc)
	respond(w, m, err)
}

func (b *Backend) getMapping(w http.ResponseWriter, r *http.Request) {
	m, err := b.Fakes.Review.GetMapping(r.Context(), chi.URLParam(r, "kind"), chi.URLParam(r, "id"))
	respond(w, m, err)
}

// --- Site ---

type contentRef struct {
	ContentID string `json:"content_id"`
}

func (b *Backend) validate(w http.ResponseWriter, r *http.Request) {
	ref, ok := decode[contentRef](w, r)
	if !ok {
		return
	}
	res, err := b.Fakes.Site.Validate(r.Context(), ref.ContentID)
	respond(w, res, err)
}

func (b *Backend) deploy(w http.ResponseWriter, r *http.Request) {
	ref, ok := decode[contentRef](w, r)
	if !ok {
		return
	}
	dep, err := b.Fakes.Site.BuildAndDeploy(r.Context(), ref.ContentID)
	respond(w, dep, err)
}

// --- Batches ---

func (b *Backend) submitBatch(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[struct {
		Type  string            `json:"type"`
		Items []json.RawMessage `json:"items"`
	}](w, r)
	if !ok {
		return
	}
	id, err := b.Fakes.Batches.Submit(r.Context(), req.Type, req.Items)
	respond(w, map[string]string{"batch_id": id}, err)
}

func (b *Backend) pollBatch(w http.ResponseWriter, r *http.Request) {
	st, err := b.Fakes.Batches.Poll(r.Context(), chi.URLParam(r, "batchId"))
	respond(w, st, err)
}

func (b *Backend) collectBatch(w http.ResponseWriter, r *http.Request) {
	results, err := b.Fakes.Batches.Collect(r.Context(), chi.URLParam(r, "batchId"))
	respond(w, map[string]any{"results": results}, err)
}
