package integration

import (
	"net/http"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/contentflow/internal/config"
	"github.com/pitabwire/contentflow/internal/pipeline"
	"github.com/pitabwire/contentflow/model"
)

// runLowRiskReview starts an editorial review the editor approves and
// waits for it to close.
func runLowRiskReview(t *testing.T, h *TestHarness, contentID string) pipeline.EditorialReviewResult {
	t.Helper()
	token := h.GenerateToken(EditorClaims())
	scriptEditor(h, true, "low", "ok")
	run := h.AwaitClosed(t, token, startReview(t, h, token, contentID))
	if run.Status != model.RunStatusCompleted {
		t.Fatalf("status = %q (%s), want completed", run.Status, run.Error)
	}
	return DecodeResult[pipeline.EditorialReviewResult](t, run)
}

// ==========================================================================
// Activity retries
// ==========================================================================

func TestResilience_TransientBackendErrorsAreRetried(t *testing.T) {
	h := NewTestHarness(t)
	h.Backend.FailNext("content.transition", 2, http.StatusServiceUnavailable, model.ErrBackendUnavailable)

	res := runLowRiskReview(t, h, "c-flaky")
	if res.ReviewResult != pipeline.ReviewApproved {
		t.Fatalf("result = %+v, want approved after retries", res)
	}
	if n := h.Backend.Calls("content.transition"); n != 3 {
		t.Errorf("transition calls = %d, want 3", n)
	}
}

func TestResilience_RetriesExhausted(t *testing.T) {
	h := NewTestHarness(t, WithActivityAttempts(2))
	h.Backend.FailNext("content.transition", 10, http.StatusServiceUnavailable, model.ErrBackendUnavailable)

	res := runLowRiskReview(t, h, "c-down")
	if res.Success || res.Error == "" {
		t.Fatalf("result = %+v, want failure", res)
	}
	if n := h.Backend.Calls("content.transition"); n != 2 {
		t.Errorf("transition calls = %d, want 2", n)
	}
	if slices.Contains(h.EventNames(), model.EventContentApproved) {
		t.Error("content.approved published although the transition never applied")
	}
}

func TestResilience_DroppedConnectionIsRetried(t *testing.T) {
	h := NewTestHarness(t)
	h.Backend.DropNext("content.transition", 1)

	res := runLowRiskReview(t, h, "c-drop")
	if res.ReviewResult != pipeline.ReviewApproved {
		t.Fatalf("result = %+v, want approved", res)
	}
	if n := h.Backend.Calls("content.transition"); n < 2 {
		t.Errorf("transition calls = %d, want a retry", n)
	}
}

func TestResilience_AgentOutageIsRetried(t *testing.T) {
	h := NewTestHarness(t)
	h.Backend.FailNext("agent", 1, http.StatusBadGateway, model.ErrBackendUnavailable)

	res := runLowRiskReview(t, h, "c-agent")
	if res.ReviewResult != pipeline.ReviewApproved {
		t.Fatalf("result = %+v, want approved", res)
	}
	if n := len(h.Fakes.Agents.Calls("editor", "review")); n != 1 {
		t.Errorf("editor reviews reaching the agent = %d, want 1", n)
	}
}

// ==========================================================================
// Non-retryable failures
// ==========================================================================

func TestResilience_NotFoundIsNotRetried(t *testing.T) {
	h := NewTestHarness(t)
	h.Backend.FailNext("content.transition", 1, http.StatusNotFound, model.ErrNotFound)

	res := runLowRiskReview(t, h, "c-gone")
	if res.Success {
		t.Fatalf("result = %+v, want failure", res)
	}
	if n := h.Backend.Calls("content.transition"); n != 1 {
		t.Errorf("transition calls = %d, want 1", n)
	}
}

func TestResilience_RefusedTransitionFailsRun(t *testing.T) {
	h := NewTestHarness(t)
	h.Fakes.Content.Refused[model.TransitionApprove] = "content is archived"

	res := runLowRiskReview(t, h, "c-archived")
	if res.Success {
		t.Fatalf("result = %+v, want failure", res)
	}
	if !strings.Contains(res.Error, "refused") {
		t.Errorf("error = %q, want refused transition", res.Error)
	}
	if n := h.Backend.Calls("content.transition"); n != 1 {
		t.Errorf("transition calls = %d, want 1", n)
	}
	if len(h.Fakes.Review.Approvals()) != 0 {
		t.Error("approval synced for a refused transition")
	}
}

// ==========================================================================
// Circuit breaker
// ==========================================================================

func TestResilience_CircuitBreakerShortCircuitsRetries(t *testing.T) {
	h := NewTestHarness(t,
		WithActivityAttempts(5),
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		}),
	)
	h.Backend.FailNext("content.transition", 10, http.StatusInternalServerError, model.ErrInternalError)

	res := runLowRiskReview(t, h, "c-breaker")
	if res.Success {
		t.Fatalf("result = %+v, want failure", res)
	}
	// Attempts after the breaker opened never reach the backend.
	if n := h.Backend.Calls("content.transition"); n != 2 {
		t.Errorf("transition calls = %d, want 2", n)
	}

	// Other services keep their own breaker.
	if h.Backend.Calls("review.sync") == 0 {
		t.Error("review service was not called")
	}
}

func TestResilience_ClientErrorsDoNotTripBreaker(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 1,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		}),
	)
	h.Backend.FailNext("content.transition", 1, http.StatusNotFound, model.ErrNotFound)

	if res := runLowRiskReview(t, h, "c-404"); res.Success {
		t.Fatalf("first review = %+v, want failure", res)
	}

	// A fresh review on another item reaches the backend.
	if res := runLowRiskReview(t, h, "c-ok"); res.ReviewResult != pipeline.ReviewApproved {
		t.Fatalf("second review = %+v, want approved", res)
	}
	if n := h.Backend.Calls("content.transition"); n != 2 {
		t.Errorf("transition calls = %d, want 2", n)
	}
}
