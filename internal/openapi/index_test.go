package openapi

import (
	"errors"
	"testing"

	"github.com/pitabwire/contentflow/model"
)

func loadTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return idx
}

func envelope(t *testing.T, err error) *model.ErrorEnvelope {
	t.Helper()
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		t.Fatalf("error = %v (%T), want *model.ErrorEnvelope", err, err)
	}
	return ee
}

func TestIndex_Load(t *testing.T) {
	idx := loadTestIndex(t)
	ids := idx.OperationIDs()
	if len(ids) != 16 {
		t.Fatalf("OperationIDs() = %v (len %d), want 16 operations", ids, len(ids))
	}
	if len(idx.Document()) == 0 {
		t.Error("Document() is empty")
	}
}

func TestIndex_Operation_found(t *testing.T) {
	idx := loadTestIndex(t)

	op, ok := idx.Operation("startWorkflow")
	if !ok {
		t.Fatal("Operation(startWorkflow) not found")
	}
	if op.Method != "POST" {
		t.Errorf("Method = %q, want POST", op.Method)
	}
	if op.PathTemplate != "/workflows" {
		t.Errorf("PathTemplate = %q, want /workflows", op.PathTemplate)
	}
	if op.RequestBody == nil || !op.RequestBody.Required {
		t.Error("startWorkflow should require a request body")
	}
}

func TestIndex_Operation_with_path_params(t *testing.T) {
	idx := loadTestIndex(t)

	op, ok := idx.Operation("signalWorkflow")
	if !ok {
		t.Fatal("Operation(signalWorkflow) not found")
	}
	names := make(map[string]bool)
	for _, p := range op.Parameters {
		if p.In == "path" {
			names[p.Name] = true
		}
	}
	if !names["workflowId"] || !names["signal"] {
		t.Errorf("path parameters = %v, want workflowId and signal", names)
	}
}

func TestIndex_Operation_not_found(t *testing.T) {
	idx := loadTestIndex(t)

	if _, ok := idx.Operation("nonexistent"); ok {
		t.Error("Operation(nonexistent) should return false")
	}
}

func TestIndex_OperationIDs_sorted(t *testing.T) {
	idx := loadTestIndex(t)

	ids := idx.OperationIDs()
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("OperationIDs() not sorted: %v", ids)
		}
	}
}

// --- ValidateRequest ---

func TestIndex_ValidateRequest_valid(t *testing.T) {
	idx := loadTestIndex(t)
	err := idx.ValidateRequest("startWorkflow", []byte(`{"workflow_type":"editorial-review","content_id":"c-1","input":{"reviewer_id":"ana"}}`))
	if err != nil {
		t.Errorf("ValidateRequest() = %v, want nil", err)
	}
}

func TestIndex_ValidateRequest_missing_required(t *testing.T) {
	idx := loadTestIndex(t)
	err := idx.ValidateRequest("createSchedule", []byte(`{"note":"hello"}`))
	ee := envelope(t, err)
	if ee.Code != model.ErrValidationError {
		t.Fatalf("code = %q, want %s", ee.Code, model.ErrValidationError)
	}
	if len(ee.Details) != 2 {
		t.Fatalf("details = %+v (len %d), want 2", ee.Details, len(ee.Details))
	}
}

func TestIndex_ValidateRequest_wrong_type(t *testing.T) {
	idx := loadTestIndex(t)
	err := idx.ValidateRequest("createSchedule", []byte(`{"entity_id":"site-1","schedule_type":"link-audit","paused":"yes"}`))
	ee := envelope(t, err)
	if len(ee.Details) != 1 || ee.Details[0].Field != "paused" {
		t.Errorf("details = %+v, want one error on paused", ee.Details)
	}
}

func TestIndex_ValidateRequest_enum(t *testing.T) {
	idx := loadTestIndex(t)
	err := idx.ValidateRequest("createSchedule", []byte(`{"entity_id":"site-1","schedule_type":"link-audit","overlap_policy":"QUEUE"}`))
	if ee := envelope(t, err); ee.Code != model.ErrValidationError {
		t.Errorf("code = %q, want %s", ee.Code, model.ErrValidationError)
	}
}

func TestIndex_ValidateRequest_invalid_json(t *testing.T) {
	idx := loadTestIndex(t)
	err := idx.ValidateRequest("startWorkflow", []byte(`{not json`))
	if ee := envelope(t, err); ee.Code != model.ErrBadRequest {
		t.Errorf("code = %q, want %s", ee.Code, model.ErrBadRequest)
	}
}

func TestIndex_ValidateRequest_empty_body(t *testing.T) {
	idx := loadTestIndex(t)

	if err := idx.ValidateRequest("pauseSchedule", nil); err != nil {
		t.Errorf("optional body: ValidateRequest() = %v, want nil", err)
	}
	if ee := envelope(t, idx.ValidateRequest("updateScheduleCron", []byte("  "))); ee.Code != model.ErrValidationError {
		t.Errorf("required body: code = %q, want %s", ee.Code, model.ErrValidationError)
	}
}

func TestIndex_ValidateRequest_no_body(t *testing.T) {
	idx := loadTestIndex(t)
	if err := idx.ValidateRequest("triggerSchedule", []byte(`{"anything":true}`)); err != nil {
		t.Errorf("ValidateRequest(triggerSchedule) = %v, want nil (no request body)", err)
	}
}

func TestIndex_ValidateRequest_any_payload(t *testing.T) {
	idx := loadTestIndex(t)
	for _, body := range []string{`{"approved":true}`, `"text"`, `[1,2]`, `null`} {
		if err := idx.ValidateRequest("signalWorkflow", []byte(body)); err != nil {
			t.Errorf("ValidateRequest(signalWorkflow, %s) = %v, want nil", body, err)
		}
	}
}

func TestIndex_ValidateRequest_unknown_operation(t *testing.T) {
	idx := loadTestIndex(t)
	if err := idx.ValidateRequest("nonexistent", []byte(`{}`)); err == nil {
		t.Error("ValidateRequest(nonexistent) should return an error")
	}
}

func TestLoadData_invalid_document(t *testing.T) {
	_, err := LoadData([]byte("openapi: \"3.0.3\"\ninfo:\n  title: broken\npaths: {}\n"))
	if err == nil {
		t.Fatal("LoadData() with a document missing info.version should return an error")
	}
}
