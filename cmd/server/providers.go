package main

import (
	"context"
	"fmt"

	"github.com/google/wire"
	"github.com/rs/zerolog"

	"jan-server/services/chat-sync/internal/config"
	"jan-server/services/chat-sync/internal/domain/delivery"
	"jan-server/services/chat-sync/internal/domain/platform"
	"jan-server/services/chat-sync/internal/domain/reconcile"
	"jan-server/services/chat-sync/internal/domain/session"
	"jan-server/services/chat-sync/internal/infrastructure/database"
	"jan-server/services/chat-sync/internal/infrastructure/graphql"
	"jan-server/services/chat-sync/internal/infrastructure/lock"
	"jan-server/services/chat-sync/internal/infrastructure/logger"
	"jan-server/services/chat-sync/internal/infrastructure/metrics"
	"jan-server/services/chat-sync/internal/infrastructure/webhook"
	"jan-server/services/chat-sync/internal/interfaces"
	"jan-server/services/chat-sync/internal/interfaces/httpserver"
	"jan-server/services/chat-sync/internal/interfaces/httpserver/events"
)

// ProviderSet is the wire provider set for the application.
var ProviderSet = wire.NewSet(
	// Infrastructure providers
	ProvideBackend,
	ProvideRedisLocker,
	ProvideReadinessChecks,

	// Domain providers
	ProvidePipeline,
	ProvideEventHub,
	ProvideSessionManager,

	// Interface providers
	interfaces.InterfacesProvider,

	// Application
	NewApplication,
)

// Backend is the selected data platform and reply generator.
type Backend struct {
	Name      string
	Platform  platform.Platform
	Generator platform.Generator
	Check     httpserver.ReadinessCheck
}

// ProvideBackend connects the configured platform backend.
func ProvideBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Backend, func(), error) {
	switch cfg.PlatformBackend {
	case config.BackendGraphQL:
		return provideGraphQLBackend(cfg, log)
	case config.BackendPostgres:
		return providePostgresBackend(ctx, cfg, log)
	default:
		return nil, nil, fmt.Errorf("unsupported platform backend %q", cfg.PlatformBackend)
	}
}

func provideGraphQLBackend(cfg *config.Config, log zerolog.Logger) (*Backend, func(), error) {
	client := graphql.NewClient(graphql.Config{
		URL:             cfg.GraphQLURL,
		WSURL:           cfg.SubscriptionURL(),
		AdminSecret:     cfg.GraphQLSecret,
		IdempotencyKeys: cfg.IdempotencyKeys,
		MaxBackoff:      cfg.SubscriptionRetry,
	}, log)

	var gen platform.Generator = graphql.NewActionGenerator(client)
	if cfg.GeneratorMode == config.GeneratorWebhook {
		gen = webhook.NewGenerator(cfg.WebhookURL, log)
	}

	log.Info().Str("url", cfg.GraphQLURL).Str("generator", cfg.GeneratorMode).Msg("using graphql platform")
	return &Backend{
		Name:      config.BackendGraphQL,
		Platform:  graphql.NewPlatform(client, log),
		Generator: gen,
		Check:     httpserver.ReadinessCheck{Name: "graphql", Check: client.HealthCheck},
	}, func() {}, nil
}

func providePostgresBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Backend, func(), error) {
	db, err := database.Connect(database.Config{
		DSN:             cfg.DatabaseURL,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	if cfg.AutoMigrate {
		if err := database.AutoMigrate(ctx, db, log); err != nil {
			closeDB()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	notifier, err := database.NewNotifier(cfg.DatabaseURL, nil, log)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	repo := database.NewRepository(db, notifier, log)
	notifier.SetSource(repo)

	cleanup := func() {
		if err := notifier.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close notification listener")
		}
		closeDB()
	}

	log.Info().Str("generator", cfg.GeneratorMode).Msg("using postgres platform")
	return &Backend{
		Name:      config.BackendPostgres,
		Platform:  repo,
		Generator: webhook.NewGenerator(cfg.WebhookURL, log),
		Check:     httpserver.ReadinessCheck{Name: "postgres", Check: repo.HealthCheck},
	}, cleanup, nil
}

// ProvideRedisLocker connects the cross-replica attempt lock. It returns nil
// when REDIS_URL is not set.
func ProvideRedisLocker(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*lock.RedisLocker, func(), error) {
	if !cfg.LockingEnabled() {
		return nil, func() {}, nil
	}
	locker, err := lock.NewRedisLocker(ctx, cfg.RedisURL, cfg.AttemptLockTTL, log)
	if err != nil {
		return nil, nil, err
	}
	return locker, func() { _ = locker.Close() }, nil
}

// ProvideReadinessChecks collects the dependencies /readyz checks.
func ProvideReadinessChecks(backend *Backend, locker *lock.RedisLocker) httpserver.ReadinessChecks {
	checks := httpserver.ReadinessChecks{backend.Check}
	if locker != nil {
		checks = append(checks, httpserver.ReadinessCheck{Name: "redis", Check: locker.HealthCheck})
	}
	return checks
}

// ProvidePipeline creates the delivery pipeline.
func ProvidePipeline(cfg *config.Config, backend *Backend, log zerolog.Logger) *delivery.Pipeline {
	return delivery.New(delivery.Dependencies{
		Writer:        backend.Platform,
		Generator:     backend.Generator,
		Conversations: backend.Platform,
	}, delivery.Config{
		SendTimeout:     cfg.SendTimeout,
		GenerateTimeout: cfg.GenerateTimeout,
		PersistTimeout:  cfg.PersistTimeout,
		RefetchDelay:    cfg.RefetchDelay,
		DefaultTitle:    cfg.DefaultChatTitle,
	}, logger.Component(log, "delivery"), delivery.WithMetrics(metrics.Recorder{}))
}

// ProvideEventHub creates the event fan-out of open sessions.
func ProvideEventHub(log zerolog.Logger) *events.Hub {
	return events.NewHub(0, log)
}

// ProvideSessionManager creates the registry of open sessions.
func ProvideSessionManager(
	cfg *config.Config,
	backend *Backend,
	pipeline *delivery.Pipeline,
	hub *events.Hub,
	redisLocker *lock.RedisLocker,
	log zerolog.Logger,
) (*session.Manager, error) {
	policy, err := reconcile.ParsePolicy(cfg.ReconcilePolicy)
	if err != nil {
		return nil, err
	}

	opts := session.Options{
		Policy:       policy,
		FetchTimeout: cfg.FetchTimeout,
		LogCapacity:  cfg.ActionLogCapacity,
		DefaultTitle: cfg.DefaultChatTitle,
		Diagnostics:  hub,
		Metrics:      metrics.Recorder{},
	}
	if redisLocker != nil {
		opts.Locker = redisLocker
	}

	return session.NewManager(backend.Platform, pipeline, opts, session.ManagerConfig{
		MaxSessions:     cfg.MaxOpenSessions,
		IdleTTL:         cfg.SessionIdleTTL,
		JanitorInterval: cfg.JanitorInterval,
	}, log)
}
