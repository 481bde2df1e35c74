// Package invoker provides HTTP clients for the collaborator services the
// pipelines call: LLM agents, the content repository and the review system.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pitabwire/contentflow/internal/config"
	"github.com/pitabwire/contentflow/internal/observability"
	"github.com/pitabwire/contentflow/model"
)

const maxResponseBytes = 10 << 20

// Client issues JSON requests against one collaborator service with circuit
// breaker protection and trace propagation. Retries are left to the activity
// executor, so every call is a single attempt.
type Client struct {
	serviceID string
	baseURL   string
	token     string
	http      *http.Client
	breaker   *CircuitBreaker
	metrics   *observability.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	clock      clockwork.Clock
	metrics    *observability.Metrics
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithClock sets the clock used by the circuit breaker.
func WithClock(c clockwork.Clock) ClientOption {
	return func(o *clientOptions) { o.clock = c }
}

// WithMetrics records request and breaker metrics.
func WithMetrics(m *observability.Metrics) ClientOption {
	return func(o *clientOptions) { o.metrics = m }
}

// NewClient creates a client for serviceID. The bearer token is read once
// from the environment variable named by cfg.TokenEnv.
func NewClient(serviceID string, cfg config.ServiceConfig, opts ...ClientOption) *Client {
	o := clientOptions{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		o.httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	c := &Client{
		serviceID: serviceID,
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		http:      o.httpClient,
		breaker:   NewCircuitBreaker(cfg.CircuitBreaker, o.clock),
		metrics:   o.metrics,
	}
	if cfg.TokenEnv != "" {
		c.token = sanitizeHeader(os.Getenv(cfg.TokenEnv))
	}
	c.breaker.OnStateChange(func(s BreakerState) {
		c.metrics.SetBackendCircuitBreakerState(serviceID, float64(s))
	})
	return c
}

// ServiceID returns the configured service name.
func (c *Client) ServiceID() string { return c.serviceID }

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// Do sends body (JSON-encoded when non-nil) to path and decodes a 2xx
// response into out (when non-nil). Non-2xx responses become
// *model.ErrorEnvelope values.
func (c *Client) Do(ctx context.Context, operation, method, path string, body, out any) (err error) {
	ctx, span := observability.StartSpan(ctx, "invoke "+c.serviceID+"."+operation,
		observability.AttrServiceID.String(c.serviceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if !c.breaker.Allow() {
		return model.NewBackendUnavailableError(c.serviceID)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("invoker: marshal %s request: %w", operation, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("invoker: build %s request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.metrics.RecordBackendRequest(c.serviceID, operation, 0, time.Since(start))
		switch {
		case ctx.Err() != nil || isTimeout(err):
			return model.NewBackendTimeoutError(c.serviceID)
		case isConnectionError(err):
			return model.NewBackendUnavailableError(c.serviceID)
		}
		return fmt.Errorf("invoker: %s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordBackendRequest(c.serviceID, operation, resp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("invoker: read %s response: %w", operation, err)
	}

	// 4xx responses are caller errors and say nothing about service health.
	if isServerError(resp.StatusCode) {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp.StatusCode, payload)
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("invoker: decode %s response: %w", operation, err)
		}
	}
	return nil
}

// statusError maps an error response onto an envelope, preferring the
// envelope the service returned when it sent one.
func (c *Client) statusError(status int, payload []byte) error {
	var remote model.ErrorEnvelope
	if err := json.Unmarshal(payload, &remote); err == nil && remote.Code != "" {
		return &remote
	}
	msg := strings.TrimSpace(string(payload))
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusNotFound:
		return model.NewNotFoundError(msg)
	case status == http.StatusConflict:
		return model.NewConflictError(msg)
	case status == http.StatusUnprocessableEntity:
		return model.NewInvalidTransitionError(msg)
	case status == http.StatusUnauthorized:
		return model.NewUnauthorizedError(msg)
	case status == http.StatusForbidden:
		return model.NewForbiddenError(msg)
	case status == http.StatusGatewayTimeout:
		return model.NewBackendTimeoutError(c.serviceID)
	case isServerError(status):
		return model.NewBackendUnavailableError(c.serviceID)
	default:
		return model.NewBadRequestError(msg)
	}
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

func isServerError(code int) bool {
	return code >= 500
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
