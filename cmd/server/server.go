package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"jan-server/services/chat-sync/internal/config"
	"jan-server/services/chat-sync/internal/domain/session"
	"jan-server/services/chat-sync/internal/infrastructure/logger"
	"jan-server/services/chat-sync/internal/infrastructure/observability"
	"jan-server/services/chat-sync/internal/interfaces/httpserver"
	"jan-server/services/chat-sync/internal/interfaces/httpserver/handlers"
	"jan-server/services/chat-sync/internal/interfaces/httpserver/routes"
)

// Application holds the main application components.
type Application struct {
	httpServer *httpserver.HTTPServer
	sessions   *session.Manager
	log        zerolog.Logger
}

// NewApplication creates a new application instance.
func NewApplication(httpServer *httpserver.HTTPServer, sessions *session.Manager, log zerolog.Logger) *Application {
	return &Application{
		httpServer: httpServer,
		sessions:   sessions,
		log:        log,
	}
}

// Start serves HTTP and runs the session janitor until ctx is cancelled or
// either fails. Open sessions are closed before it returns.
func (a *Application) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.httpServer.Run(gctx)
	})
	g.Go(func() error {
		a.sessions.Start(gctx)
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	a.sessions.Stop()
	return err
}

func main() {
	loadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log := logger.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Setup(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize observability")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown telemetry")
		}
	}()

	app, cleanup, err := buildApplication(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build application")
	}
	defer cleanup()

	log.Info().
		Str("service", cfg.ServiceName).
		Int("port", cfg.HTTPPort).
		Str("environment", cfg.Environment).
		Str("backend", cfg.PlatformBackend).
		Msg("starting application")

	if err := app.Start(ctx); err != nil {
		log.Error().Err(err).Msg("application stopped with error")
		return
	}

	log.Info().Msg("application exited cleanly")
}

// buildApplication wires the application by hand, in the order of the
// wire injector.
func buildApplication(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Application, func(), error) {
	backend, closeBackend, err := ProvideBackend(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	redisLocker, closeLocker, err := ProvideRedisLocker(ctx, cfg, log)
	if err != nil {
		closeBackend()
		return nil, nil, err
	}
	cleanup := func() {
		closeLocker()
		closeBackend()
	}

	pipeline := ProvidePipeline(cfg, backend, log)
	hub := ProvideEventHub(log)
	sessions, err := ProvideSessionManager(cfg, backend, pipeline, hub, redisLocker, log)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	routeProvider := routes.NewProvider(handlers.NewProvider(sessions, hub))
	server := httpserver.New(cfg, log, routeProvider, ProvideReadinessChecks(backend, redisLocker))

	return NewApplication(server, sessions, log), cleanup, nil
}

func loadEnvFiles() {
	paths := []string{".env", "../.env", "../../.env"}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
