package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	activityDurationBuckets = []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 600}
	runDurationBuckets      = []float64{1, 10, 60, 300, 900, 3600, 14400, 86400}
)

// Metrics holds all Prometheus metric instruments. All Record* helpers are
// safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowClosedTotal      *prometheus.CounterVec
	WorkflowActiveRuns       *prometheus.GaugeVec
	WorkflowRunDuration      *prometheus.HistogramVec
	WorkflowReplaysTotal     *prometheus.CounterVec
	SignalsDeliveredTotal    *prometheus.CounterVec
	SignalsRejectedTotal     *prometheus.CounterVec
	ActivityAttemptsTotal    *prometheus.CounterVec
	ActivityDuration         *prometheus.HistogramVec
	TaskQueueInFlight        *prometheus.GaugeVec
	NonDeterministicFailures *prometheus.CounterVec

	// Pipeline metrics
	QAVerdictsTotal *prometheus.CounterVec
	QAFixesTotal    *prometheus.CounterVec

	// Scheduler metrics
	ScheduleActionsTotal *prometheus.CounterVec

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec

	// Collaborator metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contentflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentflow_workflow_starts_total",
			Help: "Total number of workflow runs started.",
		}, []string{"workflow_type"}),
		WorkflowClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentflow_workflow_closed_total",
			Help: "Total number of workflow runs closed, by final status.",
		}, []string{"workflow_type", "status"}),
		WorkflowActiveRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "contentflow_workflow_active_runs",
			Help: "Number of workflow runs executing in this process.",
		}, []string{"workflow_type"}),
		WorkflowRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contentflow_workflow_run_duration_seconds",
			Help:    "Wall-clock duration of closed workflow runs.",
			Buckets: runDurationBuckets,
		}, []string{"workflow_type"}),
		WorkflowReplaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentflow_workflow_replays_total",
			Help: "Total number of runs resumed from history.",
		}, []string{"workflow_type"}),
		SignalsDeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentflow_signals_delivered_total",
			Help: "Total number of signals appended to running workflows.",
		}, []string{"signal"}),
		SignalsRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentflow_signals_rejected_total",
			Help: "Total number of signals rejected because the target was not running.",
		}, []string{"signal"}),
		ActivityAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentflow_activity_attempts_total",
			Help: "Total number of activity attempts.",
		}, []string{"activity", "outcome"}),
		ActivityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contentflow_activity_duration_seconds",
			Help:    "Activity attempt duration in seconds.",
			Buckets: activityDurationBuckets,
		}, []string{"activity"}),
		TaskQueueInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "contentflow_task_queue_in_flight",
			Help: "Activities currently executing per task queue.",
		}, []string{"task_queue"}),
		NonDeterministicFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentflow_workflow_nondeterministic_total",
			Help: "Total number of runs failed because replay diverged from history.",
		}, []string{"workflow_type"}),

		QAVerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentflow_qa_verdicts_total",
			Help: "Total number of QA gate verdicts.",
		}, []string{"verdict"}),
		QAFixesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentflow_qa_fixes_total",
			Help: "Total number of fixer invocations per QA check.",
		}, []string{"check"}),

		ScheduleActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentflow_schedule_actions_total",
			Help: "Total number of schedule fires by outcome.",
		}, []string{"schedule_type", "outcome"}),

		WebhookEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentflow_webhook_events_total",
			Help: "Total number of review webhook events by handling result.",
		}, []string{"event", "action", "handled"}),

		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contentflow_backend_requests_total",
			Help: "Total number of collaborator service requests.",
		}, []string{"service_id", "operation", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contentflow_backend_request_duration_seconds",
			Help:    "Collaborator request duration in seconds.",
			Buckets: activityDurationBuckets,
		}, []string{"service_id"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "contentflow_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service_id"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WorkflowStartsTotal,
		m.WorkflowClosedTotal,
		m.WorkflowActiveRuns,
		m.WorkflowRunDuration,
		m.WorkflowReplaysTotal,
		m.SignalsDeliveredTotal,
		m.SignalsRejectedTotal,
		m.ActivityAttemptsTotal,
		m.ActivityDuration,
		m.TaskQueueInFlight,
		m.NonDeterministicFailures,
		m.QAVerdictsTotal,
		m.QAFixesTotal,
		m.ScheduleActionsTotal,
		m.WebhookEventsTotal,
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordWorkflowStart records a run entering execution in this process.
func (m *Metrics) RecordWorkflowStart(workflowType string, replay bool) {
	if m == nil {
		return
	}
	if replay {
		m.WorkflowReplaysTotal.WithLabelValues(workflowType).Inc()
	} else {
		m.WorkflowStartsTotal.WithLabelValues(workflowType).Inc()
	}
	m.WorkflowActiveRuns.WithLabelValues(workflowType).Inc()
}

// RecordWorkflowExit records a run leaving execution in this process. Status
// is empty when the run stopped without closing (engine shutdown).
func (m *Metrics) RecordWorkflowExit(workflowType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowActiveRuns.WithLabelValues(workflowType).Dec()
	if status == "" {
		return
	}
	m.WorkflowClosedTotal.WithLabelValues(workflowType, status).Inc()
	m.WorkflowRunDuration.WithLabelValues(workflowType).Observe(duration.Seconds())
}

// RecordNonDeterminism records a replay divergence.
func (m *Metrics) RecordNonDeterminism(workflowType string) {
	if m == nil {
		return
	}
	m.NonDeterministicFailures.WithLabelValues(workflowType).Inc()
}

// RecordSignal records a signal delivery attempt.
func (m *Metrics) RecordSignal(signal string, delivered bool) {
	if m == nil {
		return
	}
	if delivered {
		m.SignalsDeliveredTotal.WithLabelValues(signal).Inc()
	} else {
		m.SignalsRejectedTotal.WithLabelValues(signal).Inc()
	}
}

// RecordActivityAttempt records one activity attempt.
func (m *Metrics) RecordActivityAttempt(activity, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ActivityAttemptsTotal.WithLabelValues(activity, outcome).Inc()
	m.ActivityDuration.WithLabelValues(activity).Observe(duration.Seconds())
}

// AddTaskQueueInFlight adjusts the in-flight gauge of a task queue.
func (m *Metrics) AddTaskQueueInFlight(queue string, delta float64) {
	if m == nil {
		return
	}
	m.TaskQueueInFlight.WithLabelValues(queue).Add(delta)
}

// RecordQAVerdict records a QA gate verdict.
func (m *Metrics) RecordQAVerdict(passed bool) {
	if m == nil {
		return
	}
	verdict := "failed"
	if passed {
		verdict = "passed"
	}
	m.QAVerdictsTotal.WithLabelValues(verdict).Inc()
}

// RecordQAFix records a fixer invocation for a check.
func (m *Metrics) RecordQAFix(check string) {
	if m == nil {
		return
	}
	m.QAFixesTotal.WithLabelValues(check).Inc()
}

// RecordScheduleAction records a schedule fire outcome.
func (m *Metrics) RecordScheduleAction(scheduleType, outcome string) {
	if m == nil {
		return
	}
	m.ScheduleActionsTotal.WithLabelValues(scheduleType, outcome).Inc()
}

// RecordWebhookEvent records a handled or ignored webhook event.
func (m *Metrics) RecordWebhookEvent(event, action string, handled bool) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(event, action, strconv.FormatBool(handled)).Inc()
}

// RecordBackendRequest records a collaborator service request.
func (m *Metrics) RecordBackendRequest(serviceID, operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(serviceID, operation, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(serviceID string, state float64) {
	if m == nil {
		return
	}
	m.BackendCircuitBreakerState.WithLabelValues(serviceID).Set(state)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to bound label cardinality.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
