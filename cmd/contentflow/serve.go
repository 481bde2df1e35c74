package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/contentflow/internal/activities"
	"github.com/pitabwire/contentflow/internal/bridge"
	"github.com/pitabwire/contentflow/internal/capability"
	"github.com/pitabwire/contentflow/internal/config"
	"github.com/pitabwire/contentflow/internal/escalation"
	"github.com/pitabwire/contentflow/internal/events"
	"github.com/pitabwire/contentflow/internal/invoker"
	"github.com/pitabwire/contentflow/internal/observability"
	"github.com/pitabwire/contentflow/internal/openapi"
	"github.com/pitabwire/contentflow/internal/orchestrator"
	"github.com/pitabwire/contentflow/internal/pipeline"
	"github.com/pitabwire/contentflow/internal/registry"
	"github.com/pitabwire/contentflow/internal/schedule"
	"github.com/pitabwire/contentflow/internal/storage"
	"github.com/pitabwire/contentflow/internal/transport"
	"github.com/pitabwire/contentflow/internal/workflow"
	"github.com/pitabwire/contentflow/model"
)

// Collaborator service names under config.services.
const (
	serviceAgents  = "agents"
	serviceContent = "content"
	serviceReview  = "review"
	serviceSite    = "site"
	serviceBatch   = "batch"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return serve(ctx, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "contentflow", version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	st, err := openStores(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer st.close()

	bus, busRunner, busHealth, err := buildEventBus(cfg.Events, logger)
	if err != nil {
		return err
	}

	deliveries, deliveryHealth, err := buildDeliveryStore(cfg.Idempotency, logger)
	if err != nil {
		return err
	}

	deps, err := buildCollaborators(cfg, metrics)
	if err != nil {
		return err
	}
	deps.Events = bus
	deps.Escalations = st.escalations
	deps.Logger = logger.Named("activities")

	reg := workflow.NewRegistry()
	activities.Register(reg, deps)
	pipeline.Register(reg, cfg.Pipelines, metrics)

	engine := workflow.NewEngine(cfg.Engine, reg, st.history,
		workflow.WithLogger(logger.Named("engine")),
		workflow.WithMetrics(metrics),
	)
	starter := orchestrator.New(engine, st.registry, orchestrator.WithLogger(logger.Named("orchestrator")))
	scheduler := schedule.New(st.schedules, engine, cfg.Scheduler,
		schedule.WithLogger(logger.Named("scheduler")),
		schedule.WithMetrics(metrics),
	)
	reviewBridge := bridge.New(st.registry, engine, st.escalations,
		bridge.WithBranchPrefix(cfg.Webhook.BranchPrefix),
		bridge.WithDeliveryStore(deliveries, cfg.Webhook.DedupeTTL),
		bridge.WithLogger(logger.Named("bridge")),
		bridge.WithMetrics(metrics),
	)

	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		return fmt.Errorf("capability resolver initialization failed: %w", err)
	}

	authenticate, err := buildAuthenticator(cfg.Auth, logger)
	if err != nil {
		return err
	}

	webhookSecret := []byte(os.Getenv(cfg.Webhook.SecretEnv))
	if len(webhookSecret) == 0 {
		logger.Warn("webhook secret not set, review webhooks will be refused", zap.String("env", cfg.Webhook.SecretEnv))
	}

	api, err := openapi.Load()
	if err != nil {
		return err
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
		Readiness: observability.ReadinessChecks{
			EngineRunning:    engine.Running,
			HistoryStore:     st.historyHealth,
			RegistryStore:    st.registryHealth,
			ScheduleStore:    st.scheduleHealth,
			IdempotencyStore: deliveryHealth,
			EventBus:         busHealth,
		},
		Authenticate:       authenticate,
		CapabilityResolver: capability.NewResolver(evaluator, cfg.Capability.CacheTTL),
		Starter:            starter,
		Engine:             engine,
		Schedules:          scheduler,
		Bridge:             reviewBridge,
		WebhookSecret:      webhookSecret,
		API:                api,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Engine.RecoverOnStart {
		n, err := engine.Recover(ctx)
		if err != nil {
			return fmt.Errorf("workflow recovery failed: %w", err)
		}
		logger.Info("workflow runs recovered", zap.Int("runs", n))
	}

	g, gctx := errgroup.WithContext(ctx)
	if busRunner != nil {
		g.Go(func() error {
			if err := busRunner.Run(gctx, nil); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		starter.RunReconciler(gctx, cfg.Engine.ReconcileInterval)
		return nil
	})
	if cfg.Scheduler.Enabled {
		g.Go(func() error {
			scheduler.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", version),
			zap.String("commit", commit),
			zap.String("storage", cfg.Storage.Driver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	<-gctx.Done()
	logger.Info("shutdown initiated")

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting new requests before suspending runs.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", zap.Error(err))
	}
	runErr := g.Wait()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return runErr
}

// stores groups the persistence layer chosen by config.storage.driver.
type stores struct {
	history     workflow.HistoryStore
	registry    registry.Store
	schedules   schedule.Store
	escalations escalation.Store

	historyHealth  observability.HealthChecker
	registryHealth observability.HealthChecker
	scheduleHealth observability.HealthChecker

	pool *pgxpool.Pool
}

func (s *stores) close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func openStores(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*stores, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory stores, workflow state is lost on restart")
		history := workflow.NewMemoryHistoryStore()
		reg := registry.NewMemoryStore()
		return &stores{
			history:        history,
			registry:       reg,
			schedules:      schedule.NewMemoryStore(),
			escalations:    escalation.NewMemoryStore(),
			historyHealth:  history,
			registryHealth: reg,
		}, nil
	case "postgres":
		pool, err := storage.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := storage.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		history := workflow.NewPgHistoryStore(pool)
		reg := registry.NewPgStore(pool)
		return &stores{
			history:        history,
			registry:       reg,
			schedules:      schedule.NewPgStore(pool),
			escalations:    escalation.NewPgStore(pool),
			historyHealth:  history,
			registryHealth: reg,
			scheduleHealth: storage.HealthCheck{Pool: pool},
			pool:           pool,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}

// redisClient connects to the address held in the environment variable
// addrEnv.
func redisClient(addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}
	return redis.NewClient(&redis.Options{Addr: addr, DB: db}), nil
}

func redisHealth(client *redis.Client) observability.HealthChecker {
	return observability.HealthCheckFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// buildEventBus returns the bus pipelines publish to and, for the Redis
// driver, the relay that must run in the background.
func buildEventBus(cfg config.EventsConfig, logger *zap.Logger) (model.EventBus, *events.RedisBus, observability.HealthChecker, error) {
	local := events.NewLocalBus(logger.Named("events"))
	local.Subscribe(events.Wildcard, func(_ context.Context, evt events.Event) {
		logger.Debug("domain event", zap.String("event", evt.Name), zap.String("event_id", evt.ID), zap.String("source", evt.Source))
	})

	switch cfg.Driver {
	case "memory", "":
		return local, nil, nil, nil
	case "redis":
		client, err := redisClient(cfg.AddrEnv, 0)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("event bus: %w", err)
		}
		source, _ := os.Hostname()
		bus := events.NewRedisBus(client, cfg.Channel, fmt.Sprintf("%s-%d", source, os.Getpid()), local, logger.Named("events"))
		return bus, bus, redisHealth(client), nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported events driver: %q", cfg.Driver)
	}
}

func buildDeliveryStore(cfg config.IdempotencyConfig, logger *zap.Logger) (bridge.DeliveryStore, observability.HealthChecker, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory webhook delivery store")
		return bridge.NewMemoryDeliveryStore(nil), nil, nil
	case "redis":
		client, err := redisClient(cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("delivery store: %w", err)
		}
		return bridge.NewRedisDeliveryStore(client), redisHealth(client), nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
}

// buildCollaborators creates HTTP clients for the configured services.
// Content and review services are required; site and batch services are
// optional and their activities fail permanently when absent.
func buildCollaborators(cfg *config.Config, metrics *observability.Metrics) (activities.Deps, error) {
	client := func(name string) (*invoker.Client, bool) {
		svc, ok := cfg.Services[name]
		if !ok {
			return nil, false
		}
		return invoker.NewClient(name, svc, invoker.WithMetrics(metrics)), true
	}

	var deps activities.Deps

	agents := invoker.NewAgentRegistry()
	if c, ok := client(serviceAgents); ok {
		remote := invoker.NewAgentClient(c)
		seen := make(map[string]bool)
		for _, id := range cfg.Pipelines.Agents {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			agents.Register(id, remote)
		}
	}
	deps.Agents = agents

	c, ok := client(serviceContent)
	if !ok {
		return deps, fmt.Errorf("services.%s is required", serviceContent)
	}
	content := invoker.NewContentClient(c)
	deps.Content = content
	deps.Catalog = content

	c, ok = client(serviceReview)
	if !ok {
		return deps, fmt.Errorf("services.%s is required", serviceReview)
	}
	deps.Review = invoker.NewReviewClient(c)

	if c, ok := client(serviceSite); ok {
		deps.Site = invoker.NewSiteClient(c)
	}
	if c, ok := client(serviceBatch); ok {
		deps.Batches = invoker.NewBatchClient(c)
	}
	return deps, nil
}

// buildAuthenticator verifies operator tokens, or attaches fixed admin
// claims when auth is disabled for local development.
func buildAuthenticator(cfg config.AuthConfig, logger *zap.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.Disabled {
		logger.Warn("operator authentication disabled")
		return transport.AnonymousClaims(cfg.RolesClaim, "anonymous", "admin"), nil
	}
	keyFunc, err := transport.NewKeyFunc(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("auth initialization failed: %w", err)
	}
	return transport.JWTAuthenticator(cfg, keyFunc), nil
}
