package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/contentflow/internal/orchestrator"
	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

// WorkflowEngine is the engine surface exposed over HTTP.
type WorkflowEngine interface {
	Describe(ctx context.Context, workflowID string) (model.WorkflowRun, error)
	History(ctx context.Context, workflowID, runID string) ([]model.HistoryEvent, error)
	ListRuns(ctx context.Context, filters workflow.RunFilters) ([]model.WorkflowRun, error)
	Signal(ctx context.Context, workflowID, runID, name string, payload any) error
	Query(ctx context.Context, workflowID, queryType string, args json.RawMessage) (any, error)
	Terminate(ctx context.Context, workflowID, reason string) error
}

// WorkflowStarter starts registered content workflows.
type WorkflowStarter interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (orchestrator.StartResult, error)
	Entries(ctx context.Context, contentID string) ([]model.RegistryEntry, error)
}

func handleWorkflowStart(starter WorkflowStarter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req orchestrator.StartRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		res, err := starter.Start(r.Context(), req)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
	}
}

func handleWorkflowList(engine WorkflowEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := workflow.RunFilters{
			WorkflowType:     q.Get("type"),
			Status:           model.RunStatus(q.Get("status")),
			ParentWorkflowID: q.Get("parent"),
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				WriteError(w, model.NewBadRequestError("limit must be a non-negative integer"))
				return
			}
			filters.Limit = n
		}
		runs, err := engine.ListRuns(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
	}
}

func handleWorkflowGet(engine WorkflowEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := engine.Describe(r.Context(), chi.URLParam(r, "workflowId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, run)
	}
}

func handleWorkflowHistory(engine WorkflowEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := engine.History(r.Context(), chi.URLParam(r, "workflowId"), r.URL.Query().Get("run_id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

func handleWorkflowSignal(engine WorkflowEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload json.RawMessage
		if err := decodeBody(r, &payload); err != nil {
			WriteError(w, err)
			return
		}
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		workflowID := chi.URLParam(r, "workflowId")
		name := chi.URLParam(r, "signal")
		if err := engine.Signal(r.Context(), workflowID, r.URL.Query().Get("run_id"), name, payload); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]string{"workflow_id": workflowID, "signal": name})
	}
}

func handleWorkflowQuery(engine WorkflowEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var args json.RawMessage
		if v := r.URL.Query().Get("args"); v != "" {
			if !json.Valid([]byte(v)) {
				WriteError(w, model.NewBadRequestError("args must be JSON"))
				return
			}
			args = json.RawMessage(v)
		}
		result, err := engine.Query(r.Context(), chi.URLParam(r, "workflowId"), chi.URLParam(r, "query"), args)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

func handleWorkflowTerminate(engine WorkflowEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		reason := body.Reason
		if rctx := model.RequestContextFrom(r.Context()); rctx != nil && reason != "" {
			reason = reason + " (by " + rctx.SubjectID + ")"
		}
		workflowID := chi.URLParam(r, "workflowId")
		if err := engine.Terminate(r.Context(), workflowID, reason); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"workflow_id": workflowID, "status": string(model.RunStatusTerminated)})
	}
}

func handleContentWorkflows(starter WorkflowStarter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := starter.Entries(r.Context(), chi.URLParam(r, "contentId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}
