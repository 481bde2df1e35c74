package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/contentflow/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xct := w.Header().Get("X-Content-Type-Options"); xct != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", xct)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewWorkflowNotFoundError("wf-1"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != model.ErrWorkflowNotFound {
		t.Errorf("code = %q, want %s", resp.Error.Code, model.ErrWorkflowNotFound)
	}
}

func TestWriteError_wrappedEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("signal: %w", model.NewWorkflowNotRunningError("wf-1", model.RunStatusCompleted)))

	if w.Code != 409 {
		t.Errorf("status = %d, want 409 for wrapped WORKFLOW_NOT_RUNNING", w.Code)
	}
}

func TestWriteError_non_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("something went wrong"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for non-envelope error", w.Code)
	}
}

func TestStatusForCode_coverage(t *testing.T) {
	codes := []struct {
		code   string
		status int
	}{
		{model.ErrBadRequest, 400},
		{model.ErrUnauthorized, 401},
		{model.ErrForbidden, 403},
		{model.ErrNotFound, 404},
		{model.ErrConflict, 409},
		{model.ErrValidationError, 422},
		{model.ErrInternalError, 500},
		{model.ErrBackendUnavailable, 503},
		{model.ErrBackendTimeout, 504},
		{model.ErrWorkflowNotFound, 404},
		{model.ErrWorkflowNotRunning, 409},
		{model.ErrWorkflowAlreadyRunning, 409},
		{model.ErrUnknownWorkflowType, 400},
		{model.ErrScheduleNotFound, 404},
		{model.ErrNonDeterministic, 500},
	}
	for _, tc := range codes {
		t.Run(tc.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, &model.ErrorEnvelope{Code: tc.code, Message: "test"})
			if w.Code != tc.status {
				t.Errorf("status for %s = %d, want %d", tc.code, w.Code, tc.status)
			}
		})
	}
}

func TestDecodeBody(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}

	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"x"}`))
	if err := decodeBody(r, &v); err != nil || v.Name != "x" {
		t.Fatalf("decodeBody() = %v, name %q", err, v.Name)
	}

	r = httptest.NewRequest("POST", "/", nil)
	if err := decodeBody(r, &v); err != nil {
		t.Errorf("empty body error = %v, want nil", err)
	}

	r = httptest.NewRequest("POST", "/", strings.NewReader(`{"name":`))
	if err := decodeBody(r, &v); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("malformed body error = %v, want BAD_REQUEST", err)
	}
}
