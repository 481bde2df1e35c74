package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/contentflow/internal/config"
	"github.com/pitabwire/contentflow/internal/observability"
	"github.com/pitabwire/contentflow/internal/openapi"
	"github.com/pitabwire/contentflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Metrics            *observability.Metrics
	Readiness          observability.ReadinessChecks
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver

	Starter   WorkflowStarter
	Engine    WorkflowEngine
	Schedules ScheduleManager
	Bridge    ReviewBridge

	// API validates request bodies and is served at /openapi.yaml. Nil
	// disables both.
	API *openapi.Index

	// WebhookSecret verifies review-system deliveries. Webhooks are
	// refused while it is empty.
	WebhookSecret []byte
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and webhook endpoints
// bypass operator authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	var validator BodyValidator
	if deps.API != nil {
		validator = deps.API
		doc := deps.API.Document()
		r.Get("/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(doc)
		})
	}
	validate := func(operationID string) func(http.Handler) http.Handler {
		return ValidateBody(validator, operationID)
	}

	if deps.Bridge != nil {
		r.With(RequestLogging(logger)).Post("/webhooks/github", handleGitHubWebhook(deps.Bridge, deps.WebhookSecret, logger))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Auth.RolesClaim))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		if deps.Engine != nil {
			view := RequireCapability(model.CapWorkflowsView)
			r.With(view).Get("/workflows", handleWorkflowList(deps.Engine))
			r.With(view).Get("/workflows/{workflowId}", handleWorkflowGet(deps.Engine))
			r.With(view).Get("/workflows/{workflowId}/history", handleWorkflowHistory(deps.Engine))
			r.With(view).Get("/workflows/{workflowId}/queries/{query}", handleWorkflowQuery(deps.Engine))
			r.With(RequireCapability(model.CapWorkflowsSignal), validate("signalWorkflow")).
				Post("/workflows/{workflowId}/signals/{signal}", handleWorkflowSignal(deps.Engine))
			r.With(RequireCapability(model.CapWorkflowsTerminate), validate("terminateWorkflow")).
				Post("/workflows/{workflowId}/terminate", handleWorkflowTerminate(deps.Engine))
		}
		if deps.Starter != nil {
			r.With(RequireCapability(model.CapWorkflowsStart), validate("startWorkflow")).
				Post("/workflows", handleWorkflowStart(deps.Starter))
			r.With(RequireCapability(model.CapWorkflowsView)).
				Get("/content/{contentId}/workflows", handleContentWorkflows(deps.Starter))
		}

		if deps.Schedules != nil {
			r.Route("/schedules", func(r chi.Router) {
				view := RequireCapability(model.CapSchedulesView)
				manage := RequireCapability(model.CapSchedulesManage)
				r.With(manage, validate("createSchedule")).Post("/", handleScheduleCreate(deps.Schedules))
				r.With(view).Get("/", handleScheduleList(deps.Schedules))
				r.Route("/{entityId}/{scheduleType}", func(r chi.Router) {
					r.With(view).Get("/", handleScheduleGet(deps.Schedules))
					r.With(manage).Delete("/", handleScheduleDelete(deps.Schedules))
					r.With(manage, validate("pauseSchedule")).Post("/pause", handleSchedulePause(deps.Schedules))
					r.With(manage, validate("resumeSchedule")).Post("/resume", handleScheduleResume(deps.Schedules))
					r.With(manage).Post("/trigger", handleScheduleTrigger(deps.Schedules))
					r.With(manage, validate("updateScheduleCron")).Put("/cron", handleScheduleUpdateCron(deps.Schedules))
				})
			})
		}
	})

	return r
}
