package integration

import (
	"net/http"
	"testing"
)

func TestHarness_Startup(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/health", "")
	h.AssertStatus(t, resp, http.StatusOK)
}

func TestHarness_HealthEndpoints(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		resp := h.GET("/health", "")
		h.AssertStatus(t, resp, http.StatusOK)
	})

	t.Run("ready", func(t *testing.T) {
		var body struct {
			Status string                    `json:"status"`
			Checks map[string]map[string]any `json:"checks"`
		}
		h.AssertJSON(t, h.GET("/ready", ""), http.StatusOK, &body)
		if body.Status != "ready" {
			t.Errorf("ready status = %q, want ready", body.Status)
		}
		for _, name := range []string{"history_store", "registry_store"} {
			if _, ok := body.Checks[name]; !ok {
				t.Errorf("readiness checks missing %q: %v", name, body.Checks)
			}
		}
	})

	t.Run("metrics", func(t *testing.T) {
		resp := h.GET("/metrics", "")
		h.AssertStatus(t, resp, http.StatusOK)
	})
}

func TestHarness_AuthenticationRequired(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("no token returns 401", func(t *testing.T) {
		resp := h.GET("/api/workflows", "")
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("expired token returns 401", func(t *testing.T) {
		token := h.GenerateExpiredToken(AdminClaims())
		resp := h.GET("/api/workflows", token)
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("invalid token returns 401", func(t *testing.T) {
		resp := h.GET("/api/workflows", "invalid-token")
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("valid token returns 200", func(t *testing.T) {
		resp := h.GET("/api/workflows", h.GenerateToken(ViewerClaims()))
		h.AssertStatus(t, resp, http.StatusOK)
	})
}
