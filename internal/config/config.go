// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig             `yaml:"server"`
	Auth          AuthConfig               `yaml:"auth"`
	Webhook       WebhookConfig            `yaml:"webhook"`
	Engine        EngineConfig             `yaml:"engine"`
	Storage       StorageConfig            `yaml:"storage"`
	Scheduler     SchedulerConfig          `yaml:"scheduler"`
	Services      map[string]ServiceConfig `yaml:"services"`
	Events        EventsConfig             `yaml:"events"`
	Idempotency   IdempotencyConfig        `yaml:"idempotency"`
	Capability    CapabilityConfig         `yaml:"capability"`
	Pipelines     PipelinesConfig          `yaml:"pipelines"`
	Observability ObservabilityConfig      `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig describes operator API authentication. Either JWKSURL (asymmetric
// keys) or HMACSecretEnv (shared secret) must be set unless Disabled.
type AuthConfig struct {
	Disabled      bool          `yaml:"disabled"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	JWKSURL       string        `yaml:"jwks_url"`
	JWKSCacheTTL  time.Duration `yaml:"jwks_cache_ttl"`
	HMACSecretEnv string        `yaml:"hmac_secret_env"`
	Algorithms    []string      `yaml:"algorithms"`
	RolesClaim    string        `yaml:"roles_claim"`
}

// WebhookConfig describes inbound review-system webhooks.
type WebhookConfig struct {
	SecretEnv    string        `yaml:"secret_env"`
	DedupeTTL    time.Duration `yaml:"dedupe_ttl"`
	BranchPrefix string        `yaml:"branch_prefix"`
}

// EngineConfig describes the durable workflow runtime.
type EngineConfig struct {
	DefaultTaskQueue  string         `yaml:"default_task_queue"`
	TaskQueues        map[string]int `yaml:"task_queues"`
	DefaultActivity   ActivityConfig `yaml:"default_activity"`
	RecoverOnStart    bool           `yaml:"recover_on_start"`
	ReconcileInterval time.Duration  `yaml:"reconcile_interval"`
}

// ActivityConfig holds default activity options.
type ActivityConfig struct {
	StartToCloseTimeout time.Duration `yaml:"start_to_close_timeout"`
	MaximumAttempts     int           `yaml:"maximum_attempts"`
	InitialInterval     time.Duration `yaml:"initial_interval"`
	BackoffCoefficient  float64       `yaml:"backoff_coefficient"`
	MaximumInterval     time.Duration `yaml:"maximum_interval"`
}

// StorageConfig describes persistence for runs, registry, schedules and
// escalations. All stores share one driver.
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// SchedulerConfig describes the cron scheduler.
type SchedulerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TickInterval  time.Duration `yaml:"tick_interval"`
	CatchupWindow time.Duration `yaml:"catchup_window"`
	// StalenessThresholds maps content type to the age in days after which
	// content is considered stale by the staleness-check schedule.
	StalenessThresholds map[string]int `yaml:"staleness_thresholds"`
}

// ServiceConfig describes a collaborator service reached over HTTP.
type ServiceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	TokenEnv       string               `yaml:"token_env"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings per service.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// EventsConfig describes domain event fan-out.
type EventsConfig struct {
	Driver  string `yaml:"driver"`
	AddrEnv string `yaml:"addr_env"`
	Channel string `yaml:"channel"`
}

// IdempotencyConfig describes the webhook delivery dedupe store.
type IdempotencyConfig struct {
	Driver  string `yaml:"driver"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// CapabilityConfig describes operator authorization.
type CapabilityConfig struct {
	StaticPolicyFile string        `yaml:"static_policy_file"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// PipelinesConfig carries per-pipeline tunables.
type PipelinesConfig struct {
	Agents                 map[string]string `yaml:"agents"`
	MaxFixAttempts         int               `yaml:"max_fix_attempts"`
	QARetryDelay           time.Duration     `yaml:"qa_retry_delay"`
	ApprovalTimeout        time.Duration     `yaml:"approval_timeout"`
	MaxRevisions           int               `yaml:"max_revisions"`
	RevisionScoreThreshold float64           `yaml:"revision_score_threshold"`
	InterItemDelay         time.Duration     `yaml:"inter_item_delay"`
	BatchPollInterval      time.Duration     `yaml:"batch_poll_interval"`
	BatchMaxPolls          int               `yaml:"batch_max_polls"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			JWKSCacheTTL: time.Hour,
			Algorithms:   []string{"RS256"},
			RolesClaim:   "roles",
		},
		Webhook: WebhookConfig{
			SecretEnv:    "CONTENTFLOW_WEBHOOK_SECRET",
			DedupeTTL:    24 * time.Hour,
			BranchPrefix: "content/",
		},
		Engine: EngineConfig{
			DefaultTaskQueue: "content-pipeline",
			TaskQueues: map[string]int{
				"content-pipeline": 16,
				"maintenance":      4,
				"batch":            2,
			},
			DefaultActivity: ActivityConfig{
				StartToCloseTimeout: 10 * time.Minute,
				MaximumAttempts:     3,
				InitialInterval:     time.Second,
				BackoffCoefficient:  2.0,
				MaximumInterval:     time.Minute,
			},
			RecoverOnStart:    true,
			ReconcileInterval: 5 * time.Minute,
		},
		Storage: StorageConfig{
			Driver:          "memory",
			DSNEnv:          "CONTENTFLOW_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			TickInterval:  30 * time.Second,
			CatchupWindow: time.Hour,
			StalenessThresholds: map[string]int{
				"destination": 180,
				"itinerary":   90,
				"guide":       120,
				"event":       30,
			},
		},
		Events: EventsConfig{
			Driver:  "memory",
			Channel: "contentflow.events",
		},
		Idempotency: IdempotencyConfig{
			Driver: "memory",
		},
		Capability: CapabilityConfig{
			CacheTTL: 5 * time.Minute,
		},
		Pipelines: PipelinesConfig{
			Agents: map[string]string{
				"writer":     "writer",
				"editor":     "editor",
				"media":      "media",
				"linker":     "linker",
				"seo":        "seo",
				"researcher": "researcher",
				"validator":  "qa-validator",
			},
			MaxFixAttempts:    3,
			QARetryDelay:      5 * time.Second,
			ApprovalTimeout:   24 * time.Hour,
			MaxRevisions:      2,
			InterItemDelay:    30 * time.Second,
			BatchPollInterval: time.Minute,
			BatchMaxPolls:     120,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if !c.Auth.Disabled {
		if c.Auth.JWKSURL == "" && c.Auth.HMACSecretEnv == "" {
			errs = append(errs, "auth.jwks_url or auth.hmac_secret_env is required")
		}
		if c.Auth.Issuer == "" {
			errs = append(errs, "auth.issuer is required")
		}
	}
	switch c.Storage.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not supported (memory, postgres)", c.Storage.Driver))
	}
	if c.Engine.DefaultTaskQueue == "" {
		errs = append(errs, "engine.default_task_queue is required")
	}
	if a := c.Engine.DefaultActivity; a.BackoffCoefficient < 1 {
		errs = append(errs, "engine.default_activity.backoff_coefficient must be >= 1")
	}
	if c.Pipelines.MaxFixAttempts < 1 {
		errs = append(errs, "pipelines.max_fix_attempts must be >= 1")
	}
	for name, svc := range c.Services {
		if svc.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("services.%s.base_url is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CONTENTFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONTENTFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CONTENTFLOW_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("CONTENTFLOW_AUTH_JWKS_URL"); v != "" {
		cfg.Auth.JWKSURL = v
	}
	if v := os.Getenv("CONTENTFLOW_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("CONTENTFLOW_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("CONTENTFLOW_SCHEDULER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Scheduler.Enabled = b
		}
	}
}
