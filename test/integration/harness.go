// Package integration provides a reusable test harness for end-to-end
// integration testing of the contentflow server. It starts the full HTTP
// API over in-memory stores, the real pipelines and activities, HTTP
// clients talking to a fake collaborator backend, and a test JWT issuer.
package integration

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/contentflow/internal/activities"
	"github.com/pitabwire/contentflow/internal/activities/activitytest"
	"github.com/pitabwire/contentflow/internal/bridge"
	"github.com/pitabwire/contentflow/internal/capability"
	"github.com/pitabwire/contentflow/internal/config"
	"github.com/pitabwire/contentflow/internal/events"
	"github.com/pitabwire/contentflow/internal/invoker"
	"github.com/pitabwire/contentflow/internal/observability"
	"github.com/pitabwire/contentflow/internal/openapi"
	"github.com/pitabwire/contentflow/internal/orchestrator"
	"github.com/pitabwire/contentflow/internal/pipeline"
	"github.com/pitabwire/contentflow/internal/registry"
	"github.com/pitabwire/contentflow/internal/schedule"
	"github.com/pitabwire/contentflow/internal/transport"
	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

// WebhookSecret signs review-system deliveries sent by tests.
const WebhookSecret = "integration-webhook-secret"

// TestHarness encapsulates a fully wired contentflow instance with a fake
// collaborator backend.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Backend      *Backend
	Fakes        *activitytest.Fakes
	Engine       *workflow.Engine
	History      *workflow.MemoryHistoryStore
	Registry     *registry.MemoryStore
	Orchestrator *orchestrator.Service
	Scheduler    *schedule.Scheduler
	Bridge       *bridge.Bridge
	Bus          *events.LocalBus

	cfg *config.Config

	mu     sync.Mutex
	events []events.Event
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policyFile     string
	handlerTimeout time.Duration
	maxAttempts    int
	breaker        config.CircuitBreakerConfig
	pipelines      func(*config.PipelinesConfig)
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithActivityAttempts sets the default activity attempt limit.
func WithActivityAttempts(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.maxAttempts = n
	}
}

// WithCircuitBreaker sets the circuit breaker of every collaborator client.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// WithPipelines adjusts the pipeline tunables.
func WithPipelines(fn func(*config.PipelinesConfig)) HarnessOption {
	return func(c *harnessConfig) {
		c.pipelines = fn
	}
}

// NewTestHarness creates and starts a full contentflow test instance. The
// server and engine are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		maxAttempts:    3,
		breaker:        config.CircuitBreakerConfig{FailureThreshold: 100, SuccessThreshold: 1, Timeout: time.Second},
	}
	for _, opt := range opts {
		opt(hc)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	fakes := activitytest.New()

	h := &TestHarness{
		t:        t,
		Fakes:    fakes,
		Backend:  newBackend(t, fakes),
		History:  workflow.NewMemoryHistoryStore(),
		Registry: registry.NewMemoryStore(),
		issuer:   newTokenIssuer(t),
	}

	// Step 1: Build config.
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Auth = config.AuthConfig{
		Issuer:       h.issuer.Issuer(),
		Audience:     h.issuer.Audience(),
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
		RolesClaim:   "roles",
	}
	cfg.Engine.DefaultActivity = config.ActivityConfig{
		StartToCloseTimeout: 5 * time.Second,
		MaximumAttempts:     hc.maxAttempts,
		InitialInterval:     10 * time.Millisecond,
		BackoffCoefficient:  2,
		MaximumInterval:     50 * time.Millisecond,
	}
	cfg.Pipelines.QARetryDelay = 10 * time.Millisecond
	cfg.Pipelines.InterItemDelay = 0
	cfg.Pipelines.BatchPollInterval = 10 * time.Millisecond
	if hc.pipelines != nil {
		hc.pipelines(&cfg.Pipelines)
	}
	cfg.Services = make(map[string]config.ServiceConfig)
	for _, name := range []string{"agents", "content", "review", "site", "batch"} {
		cfg.Services[name] = config.ServiceConfig{
			BaseURL:        h.Backend.URL(),
			Timeout:        5 * time.Second,
			CircuitBreaker: hc.breaker,
		}
	}
	h.cfg = cfg

	// Step 2: Collaborator clients against the fake backend.
	client := func(name string) *invoker.Client {
		return invoker.NewClient(name, cfg.Services[name])
	}
	agents := invoker.NewAgentRegistry()
	remoteAgents := invoker.NewAgentClient(client("agents"))
	seen := make(map[string]bool)
	for _, id := range cfg.Pipelines.Agents {
		if !seen[id] {
			seen[id] = true
			agents.Register(id, remoteAgents)
		}
	}
	content := invoker.NewContentClient(client("content"))

	h.Bus = events.NewLocalBus(logger)
	h.Bus.Subscribe(events.Wildcard, func(_ context.Context, evt events.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, evt)
	})

	// Step 3: Workflows, activities and the engine.
	reg := workflow.NewRegistry()
	activities.Register(reg, activities.Deps{
		Agents:      agents,
		Content:     content,
		Review:      invoker.NewReviewClient(client("review")),
		Events:      h.Bus,
		Escalations: fakes.Escalations,
		Site:        invoker.NewSiteClient(client("site")),
		Batches:     invoker.NewBatchClient(client("batch")),
		Catalog:     content,
		Logger:      logger,
	})
	pipeline.Register(reg, cfg.Pipelines, nil)

	h.Engine = workflow.NewEngine(cfg.Engine, reg, h.History, workflow.WithLogger(logger))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Engine.Stop(ctx)
	})

	h.Orchestrator = orchestrator.New(h.Engine, h.Registry, orchestrator.WithLogger(logger))
	h.Scheduler = schedule.New(schedule.NewMemoryStore(), h.Engine, cfg.Scheduler, schedule.WithLogger(logger))
	h.Bridge = bridge.New(h.Registry, h.Engine, fakes.Escalations,
		bridge.WithBranchPrefix(cfg.Webhook.BranchPrefix),
		bridge.WithDeliveryStore(bridge.NewMemoryDeliveryStore(nil), time.Hour),
		bridge.WithLogger(logger),
	)

	// Step 4: Capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}

	api, err := openapi.Load()
	if err != nil {
		t.Fatalf("load API description: %v", err)
	}

	// Step 5: Build router with full middleware chain.
	keyFunc, err := transport.NewKeyFunc(cfg.Auth, logger)
	if err != nil {
		t.Fatalf("key func: %v", err)
	}
	router := transport.NewRouter(transport.Dependencies{
		Config: cfg,
		Logger: logger,
		Readiness: observability.ReadinessChecks{
			EngineRunning: h.Engine.Running,
			HistoryStore:  h.History,
			RegistryStore: h.Registry,
		},
		Authenticate:       transport.JWTAuthenticator(cfg.Auth, keyFunc),
		CapabilityResolver: capability.NewResolver(evaluator, 0), // no caching in tests
		Starter:            h.Orchestrator,
		Engine:             h.Engine,
		Schedules:          h.Scheduler,
		Bridge:             h.Bridge,
		WebhookSecret:      []byte(WebhookSecret),
		API:                api,
	})

	// Step 6: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Config returns the configuration the harness runs with.
func (h *TestHarness) Config() *config.Config {
	return h.cfg
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// EventNames returns the names of the domain events published so far.
func (h *TestHarness) EventNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, len(h.events))
	for i, evt := range h.events {
		names[i] = evt.Name
	}
	return names
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

// Webhook delivers a review-system event signed with secret.
func (h *TestHarness) Webhook(event, deliveryID string, payload any, secret string) *http.Response {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		h.t.Fatalf("marshal webhook payload: %v", err)
	}
	headers := map[string]string{
		"Content-Type":      "application/json",
		"X-GitHub-Event":    event,
		"X-GitHub-Delivery": deliveryID,
	}
	// An empty secret sends the delivery unsigned.
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(raw)
		headers["X-Hub-Signature-256"] = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}
	return h.doRaw(http.MethodPost, "/webhooks/github", raw, "", headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var raw []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		raw = data
		if headers == nil {
			headers = make(map[string]string)
		}
		if _, ok := headers["Content-Type"]; !ok {
			headers["Content-Type"] = "application/json"
		}
	}
	return h.doRaw(method, path, raw, token, headers)
}

func (h *TestHarness) doRaw(method, path string, raw []byte, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if raw != nil {
		bodyReader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// ErrorCode parses an error response and returns its code.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.ParseJSON(resp, &body)
	return body.Error.Code
}

// --- Workflow helpers ---

// StartWorkflow starts a workflow through the API and returns its ids.
func (h *TestHarness) StartWorkflow(t *testing.T, token string, req orchestrator.StartRequest) orchestrator.StartResult {
	t.Helper()
	var res orchestrator.StartResult
	h.AssertJSON(t, h.POST("/api/workflows", req, token), http.StatusCreated, &res)
	return res
}

// Describe fetches the latest run of a workflow through the API.
func (h *TestHarness) Describe(t *testing.T, token, workflowID string) model.WorkflowRun {
	t.Helper()
	var run model.WorkflowRun
	h.AssertJSON(t, h.GET("/api/workflows/"+workflowID, token), http.StatusOK, &run)
	return run
}

// AwaitClosed polls the API until the workflow's latest run is closed.
func (h *TestHarness) AwaitClosed(t *testing.T, token, workflowID string) model.WorkflowRun {
	t.Helper()
	var run model.WorkflowRun
	Eventually(t, "workflow "+workflowID+" closed", func() bool {
		run = h.Describe(t, token, workflowID)
		return run.Status != model.RunStatusRunning
	})
	return run
}

// AwaitEvent polls the API until the workflow's history contains an event
// of the given type.
func (h *TestHarness) AwaitEvent(t *testing.T, token, workflowID string, eventType model.HistoryEventType) {
	t.Helper()
	Eventually(t, "history event "+string(eventType), func() bool {
		var body struct {
			Events []model.HistoryEvent `json:"events"`
		}
		h.AssertJSON(t, h.GET("/api/workflows/"+workflowID+"/history", token), http.StatusOK, &body)
		for _, evt := range body.Events {
			if evt.Type == eventType {
				return true
			}
		}
		return false
	})
}

// Eventually polls cond every 10ms for up to 5s.
func Eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// DecodeResult unmarshals a run's result.
func DecodeResult[T any](t *testing.T, run model.WorkflowRun) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(run.Result, &out); err != nil {
		t.Fatalf("decode result of %s: %v (result %s, error %q)", run.WorkflowID, err, string(run.Result), run.Error)
	}
	return out
}

// --- Default test claims ---

// AdminClaims returns TestClaims for an administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		Email:     "admin@contentflow.example.com",
		Roles:     []string{"admin"},
	}
}

// EditorClaims returns TestClaims for an editor: may start and signal
// workflows but not terminate them or manage schedules.
func EditorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-editor",
		Email:     "editor@contentflow.example.com",
		Roles:     []string{"editor"},
	}
}

// ViewerClaims returns TestClaims for a read-only operator.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-viewer",
		Email:     "viewer@contentflow.example.com",
		Roles:     []string{"viewer"},
	}
}

// ReviewPayload builds a pull_request_review webhook body.
func ReviewPayload(branch, state, body string) map[string]any {
	return map[string]any{
		"action": "submitted",
		"review": map[string]any{
			"state": state,
			"body":  body,
			"user":  map[string]any{"login": "ana"},
		},
		"pull_request": map[string]any{
			"number": 42,
			"title":  "Content update",
			"head":   map[string]any{"ref": branch},
		},
	}
}

// EscalationCommentPayload builds an issue_comment webhook body answering
// an escalation ticket.
func EscalationCommentPayload(ticketID, body, association string) map[string]any {
	return map[string]any{
		"action": "created",
		"issue": map[string]any{
			"number": 7,
			"title":  "[" + ticketID + "] High-risk content",
			"labels": []map[string]any{{"name": model.LabelEscalation}},
		},
		"comment": map[string]any{
			"body":               body,
			"author_association": association,
			"user":               map[string]any{"login": "lead"},
		},
	}
}

// containsAll reports whether every want appears in have.
func containsAll(have []string, want ...string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if strings.EqualFold(h, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
