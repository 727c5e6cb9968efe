package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Platform backends.
const (
	BackendGraphQL  = "graphql"
	BackendPostgres = "postgres"
)

// Generator modes.
const (
	GeneratorAction  = "action"
	GeneratorWebhook = "webhook"
)

// Config holds all configuration for the chat-sync service.
type Config struct {
	// Service settings
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"chat-sync"`
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`
	HTTPPort        int           `env:"CHAT_SYNC_PORT" envDefault:"8190"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	CORSOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	// OpenTelemetry
	EnableTracing bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTLPEndpoint  string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`

	// Data platform
	PlatformBackend   string        `env:"PLATFORM_BACKEND" envDefault:"graphql"`
	GraphQLURL        string        `env:"GRAPHQL_URL" envDefault:"http://localhost:8080/v1/graphql"`
	GraphQLWSURL      string        `env:"GRAPHQL_WS_URL"`
	GraphQLSecret     string        `env:"GRAPHQL_ADMIN_SECRET"`
	IdempotencyKeys   bool          `env:"PLATFORM_IDEMPOTENCY_KEYS" envDefault:"false"`
	SubscriptionRetry time.Duration `env:"SUBSCRIPTION_MAX_BACKOFF" envDefault:"30s"`

	// Postgres backend
	DatabaseURL       string        `env:"DATABASE_URL"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"15"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	AutoMigrate       bool          `env:"AUTO_MIGRATE" envDefault:"true"`

	// Reply generation
	GeneratorMode string `env:"GENERATOR_MODE" envDefault:"action"`
	WebhookURL    string `env:"WEBHOOK_URL"`

	// Delivery pipeline
	SendTimeout     time.Duration `env:"SEND_TIMEOUT" envDefault:"15s"`
	GenerateTimeout time.Duration `env:"GENERATE_TIMEOUT" envDefault:"120s"`
	PersistTimeout  time.Duration `env:"PERSIST_TIMEOUT" envDefault:"15s"`
	FetchTimeout    time.Duration `env:"FETCH_TIMEOUT" envDefault:"10s"`
	RefetchDelay    time.Duration `env:"REFETCH_DELAY" envDefault:"1s"`

	// Sessions
	ActionLogCapacity int           `env:"ACTION_LOG_CAPACITY" envDefault:"50"`
	ReconcilePolicy   string        `env:"RECONCILE_POLICY" envDefault:"live-wins"`
	DefaultChatTitle  string        `env:"DEFAULT_CHAT_TITLE" envDefault:"New Chat"`
	MaxOpenSessions   int           `env:"MAX_OPEN_SESSIONS" envDefault:"1000"`
	SessionIdleTTL    time.Duration `env:"SESSION_IDLE_TTL" envDefault:"30m"`
	JanitorInterval   time.Duration `env:"SESSION_JANITOR_INTERVAL" envDefault:"1m"`

	// Cross-replica attempt lock
	RedisURL       string        `env:"REDIS_URL"`
	AttemptLockTTL time.Duration `env:"ATTEMPT_LOCK_TTL" envDefault:"3m"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.PlatformBackend {
	case BackendGraphQL:
		if strings.TrimSpace(c.GraphQLURL) == "" {
			return fmt.Errorf("GRAPHQL_URL is required when PLATFORM_BACKEND is graphql")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required when PLATFORM_BACKEND is postgres")
		}
	default:
		return fmt.Errorf("unsupported PLATFORM_BACKEND %q", c.PlatformBackend)
	}

	switch c.GeneratorMode {
	case GeneratorAction:
		if c.PlatformBackend != BackendGraphQL {
			return fmt.Errorf("GENERATOR_MODE action requires PLATFORM_BACKEND graphql")
		}
	case GeneratorWebhook:
		if strings.TrimSpace(c.WebhookURL) == "" {
			return fmt.Errorf("WEBHOOK_URL is required when GENERATOR_MODE is webhook")
		}
	default:
		return fmt.Errorf("unsupported GENERATOR_MODE %q", c.GeneratorMode)
	}

	for name, d := range map[string]time.Duration{
		"SEND_TIMEOUT":     c.SendTimeout,
		"GENERATE_TIMEOUT": c.GenerateTimeout,
		"PERSIST_TIMEOUT":  c.PersistTimeout,
		"FETCH_TIMEOUT":    c.FetchTimeout,
		"REFETCH_DELAY":    c.RefetchDelay,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if c.ActionLogCapacity <= 0 {
		return fmt.Errorf("ACTION_LOG_CAPACITY must be positive")
	}
	if c.MaxOpenSessions <= 0 {
		return fmt.Errorf("MAX_OPEN_SESSIONS must be positive")
	}
	if c.ReconcilePolicy != "live-wins" && c.ReconcilePolicy != "union" {
		return fmt.Errorf("unsupported RECONCILE_POLICY %q", c.ReconcilePolicy)
	}
	return nil
}

// Addr returns the HTTP server address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// SubscriptionURL returns the websocket endpoint of the GraphQL platform,
// derived from GRAPHQL_URL when not set explicitly.
func (c *Config) SubscriptionURL() string {
	if c.GraphQLWSURL != "" {
		return c.GraphQLWSURL
	}
	u := c.GraphQLURL
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// LockingEnabled reports whether the Redis attempt lock is configured.
func (c *Config) LockingEnabled() bool {
	return strings.TrimSpace(c.RedisURL) != ""
}
