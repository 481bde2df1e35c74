package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/contentflow/internal/orchestrator"
	"github.com/pitabwire/contentflow/internal/schedule"
	"github.com/pitabwire/contentflow/model"
)

// ==========================================================================
// Authentication Tests
// ==========================================================================

func TestSecurity_NoAuthHeader_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	endpoints := []string{
		"/api/workflows",
		"/api/workflows/editorial-review-c-1-1",
		"/api/content/c-1/workflows",
		"/api/schedules",
	}

	for _, ep := range endpoints {
		t.Run(ep, func(t *testing.T) {
			resp := h.GET(ep, "")
			h.AssertStatus(t, resp, http.StatusUnauthorized)
		})
	}
}

func TestSecurity_ExpiredJWT_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateExpiredToken(AdminClaims())

	resp := h.GET("/api/workflows", token)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_InvalidSignature_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	// Sign with a key the JWKS endpoint does not publish.
	differentKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   "intruder",
		"iss":   h.Config().Auth.Issuer,
		"aud":   h.Config().Auth.Audience,
		"iat":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(now.Add(time.Hour)),
		"roles": []any{"admin"},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key-1"
	signed, err := token.SignedString(differentKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	resp := h.GET("/api/workflows", signed)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_NoneAlgorithm_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(
		`{"sub":"admin","iss":"https://auth.test.contentflow.dev","aud":"contentflow-test","roles":["admin"]}`))

	resp := h.GET("/api/workflows", header+"."+payload+".")
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_WrongAudience_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(TestClaims{
		SubjectID: "user-1",
		Roles:     []string{"admin"},
		Extra:     map[string]any{"aud": "another-service"},
	})

	resp := h.GET("/api/workflows", token)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_MalformedToken_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/api/workflows", "not.a.valid.jwt.token")
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_ValidJWT_Returns200(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ViewerClaims())

	resp := h.GET("/api/workflows", token)
	h.AssertStatus(t, resp, http.StatusOK)
}

// ==========================================================================
// Authorization Tests
// ==========================================================================

func TestSecurity_ViewerCannotStartWorkflow(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ViewerClaims())

	resp := h.POST("/api/workflows", orchestrator.StartRequest{
		WorkflowType: model.WorkflowEditorialReview,
		ContentID:    "c-1",
	}, token)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrForbidden {
		t.Errorf("error code = %q, want %s", code, model.ErrForbidden)
	}
	if n := len(h.Fakes.Agents.Calls("", "review")); n != 0 {
		t.Errorf("agent calls = %d, want none", n)
	}
}

func TestSecurity_EditorCannotTerminateOrManageSchedules(t *testing.T) {
	h := NewTestHarness(t)
	editor := h.GenerateToken(EditorClaims())
	scriptEditor(h, false, "high", "Hold")

	id := startReview(t, h, editor, "c-guarded")
	h.AwaitEvent(t, editor, id, model.EventSignalWaitStarted)

	t.Run("terminate", func(t *testing.T) {
		resp := h.POST("/api/workflows/"+id+"/terminate", map[string]string{"reason": "nope"}, editor)
		h.AssertStatus(t, resp, http.StatusForbidden)
		if run := h.Describe(t, editor, id); run.Status != model.RunStatusRunning {
			t.Errorf("status = %q, want running", run.Status)
		}
	})

	t.Run("create schedule", func(t *testing.T) {
		resp := h.POST("/api/schedules", schedule.CreateRequest{
			EntityID:     "site-1",
			ScheduleType: schedule.TypeSEORefresh,
		}, editor)
		h.AssertStatus(t, resp, http.StatusForbidden)
	})

	t.Run("list schedules", func(t *testing.T) {
		resp := h.GET("/api/schedules", editor)
		h.AssertStatus(t, resp, http.StatusOK)
	})

	t.Run("signal", func(t *testing.T) {
		resp := h.POST("/api/workflows/"+id+"/signals/"+model.SignalApproval, map[string]any{"approved": false}, editor)
		h.AssertStatus(t, resp, http.StatusAccepted)
	})
}

func TestSecurity_RolesFromTokenOnly(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ViewerClaims())

	resp := h.POSTWithHeaders("/api/schedules", schedule.CreateRequest{
		EntityID:     "site-1",
		ScheduleType: schedule.TypeSEORefresh,
	}, token, map[string]string{"X-Roles": "admin"})
	h.AssertStatus(t, resp, http.StatusForbidden)
}

// ==========================================================================
// Webhook Tests
// ==========================================================================

func TestSecurity_WebhookSignature(t *testing.T) {
	h := NewTestHarness(t)
	payload := ReviewPayload("content/c-1", "APPROVED", "ok")

	t.Run("wrong secret", func(t *testing.T) {
		resp := h.Webhook("pull_request_review", "sig-1", payload, "not-the-secret")
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("unsigned", func(t *testing.T) {
		resp := h.Webhook("pull_request_review", "sig-2", payload, "")
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("signed without bearer token", func(t *testing.T) {
		resp := h.Webhook("ping", "sig-3", map[string]any{"zen": "Keep it logically awesome."}, WebhookSecret)
		h.AssertStatus(t, resp, http.StatusOK)
	})
}

func TestSecurity_WebhookForUnknownContentFailsClosed(t *testing.T) {
	h := NewTestHarness(t)

	var res struct {
		Handled bool   `json:"handled"`
		Error   string `json:"error"`
	}
	h.AssertJSON(t, h.Webhook("pull_request_review", "orphan-1",
		ReviewPayload("content/c-nobody", "APPROVED", "ok"), WebhookSecret), http.StatusOK, &res)
	if res.Handled || res.Error == "" {
		t.Errorf("result = %+v, want unhandled with error", res)
	}
}

// ==========================================================================
// Error Response Tests
// ==========================================================================

func TestSecurity_ErrorResponseNoStackTrace(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ViewerClaims())

	resp := h.GET("/api/workflows/does-not-exist", token)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.ParseJSON(resp, &body)
	for _, marker := range []string{"goroutine", ".go:", "panic"} {
		if strings.Contains(body.Error.Message, marker) {
			t.Errorf("error message leaks %q: %s", marker, body.Error.Message)
		}
	}
}

func TestSecurity_InvalidJSONBody(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())

	resp := h.doRaw(http.MethodPost, "/api/workflows", []byte("{not json"), token, nil)
	h.AssertStatus(t, resp, http.StatusBadRequest)
}

func TestSecurity_SchemaViolationRejected(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())

	resp := h.POST("/api/schedules", map[string]any{
		"entity_id":      "site-1",
		"schedule_type":  schedule.TypeSEORefresh,
		"overlap_policy": "QUEUE",
	}, token)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrValidationError {
		t.Errorf("error code = %q, want %s", code, model.ErrValidationError)
	}

	resp = h.POST("/api/workflows", map[string]any{"workflow_type": model.WorkflowEditorialReview}, token)
	h.AssertStatus(t, resp, http.StatusUnprocessableEntity)
	if n := len(h.Fakes.Agents.Calls("", "review")); n != 0 {
		t.Errorf("agent calls = %d, want none", n)
	}
}

func TestSecurity_APIDescriptionIsPublic(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/openapi.yaml", "")
	h.AssertStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "application/yaml" {
		t.Errorf("Content-Type = %q, want application/yaml", ct)
	}
}

// ==========================================================================
// Security Headers Tests
// ==========================================================================

func TestSecurity_HeadersOnAuthenticatedResponse(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ViewerClaims())

	resp := h.GET("/api/workflows", token)
	h.AssertStatus(t, resp, http.StatusOK)

	expectedHeaders := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Cache-Control":             "no-store",
	}

	for name, expected := range expectedHeaders {
		actual := resp.Header.Get(name)
		if actual != expected {
			t.Errorf("header %s = %q, want %q", name, actual, expected)
		}
	}
}

func TestSecurity_HeadersOnErrorResponse(t *testing.T) {
	h := NewTestHarness(t)

	// Even 401 responses should have security headers.
	resp := h.GET("/api/workflows", "")
	h.AssertStatus(t, resp, http.StatusUnauthorized)

	for _, name := range []string{"Strict-Transport-Security", "X-Content-Type-Options", "X-Frame-Options", "Cache-Control"} {
		if resp.Header.Get(name) == "" {
			t.Errorf("security header %s missing on error response", name)
		}
	}
}

func TestSecurity_HeadersOnPublicEndpoint(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/health", "")
	h.AssertStatus(t, resp, http.StatusOK)

	if resp.Header.Get("Strict-Transport-Security") == "" {
		t.Error("HSTS header missing on public endpoint")
	}
	if resp.Header.Get("X-Content-Type-Options") == "" {
		t.Error("X-Content-Type-Options missing on public endpoint")
	}
}

func TestSecurity_CorrelationIDReturned(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ViewerClaims())

	resp1 := h.GET("/api/workflows", token)
	h.AssertStatus(t, resp1, http.StatusOK)
	if resp1.Header.Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id not set in response")
	}

	resp2 := h.doRequest(http.MethodGet, "/api/workflows", nil, token, map[string]string{
		"X-Correlation-Id": "custom-trace-123",
	})
	h.AssertStatus(t, resp2, http.StatusOK)
	if got := resp2.Header.Get("X-Correlation-Id"); got != "custom-trace-123" {
		t.Errorf("X-Correlation-Id = %q, want %q", got, "custom-trace-123")
	}
}
