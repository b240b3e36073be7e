package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/fieldops/dispatch/internal/api/http"
	"github.com/fieldops/dispatch/internal/api/http/handlers"
	"github.com/fieldops/dispatch/internal/auth"
	"github.com/fieldops/dispatch/internal/config"
	"github.com/fieldops/dispatch/internal/observability"
	"github.com/fieldops/dispatch/internal/persistence"
	"github.com/fieldops/dispatch/internal/presence"
	"github.com/fieldops/dispatch/internal/queue"
	"github.com/fieldops/dispatch/internal/repository"
	"github.com/fieldops/dispatch/internal/service"
	"github.com/fieldops/dispatch/internal/stream"
	"github.com/fieldops/dispatch/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()
	deps := map[string]handlers.Pinger{}

	history, closeHistory := openHistory(ctx, cfg, logger, deps)
	defer closeHistory()

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()
	deps["redis"] = redis

	q := openQueue(cfg, logger)
	deps["queue"] = q

	registry := stream.NewRegistry(cfg.Stream.Buffer, metrics, observability.Component(logger, "stream"))

	notifications := service.NewNotificationService(service.NotificationDependencies{
		History:   history,
		Publisher: q,
		Metrics:   metrics,
		Logger:    observability.Component(logger, "publisher"),
		Retry:     cfg.Retry,
		Limit:     cfg.History.Limit,
	})

	presenceStore := presence.NewRedisStore(redis.Client, cfg.Presence.Root, cfg.Presence.Lease(), observability.Component(logger, "presence"))
	presenceService := service.NewPresenceService(presenceStore, metrics, observability.Component(logger, "presence"))
	reaper := presence.NewReaper(presenceStore, cfg.Presence.ReapInterval(), metrics, observability.Component(logger, "reaper"))

	dispatcher := worker.NewNotificationDispatcher(q, registry, metrics, cfg.Retry, observability.Component(logger, "dispatcher"))
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(ctx)
	}()
	go reaper.Run(ctx)

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
	if !cfg.Auth.Enabled {
		logger.Warn("authentication disabled")
	}

	presenceHandler := handlers.NewPresenceHandler(presenceService, cfg.Presence.Lease(), cfg.Stream.Heartbeat(), observability.Component(logger, "presence"))

	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		DisableStartupMessage: true,
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, deps, metrics, registry),
		Notifications:  handlers.NewNotificationsHandler(notifications),
		Stream:         handlers.NewStreamHandler(registry, cfg.Stream.Heartbeat(), observability.Component(logger, "stream")),
		Presence:       presenceHandler,
		AuthMiddleware: auth.NewAuthMiddleware(tokens, cfg.Auth.Enabled),
	})

	go func() {
		logger.Info("listening", zap.String("addr", cfg.App.Addr()), zap.String("history", cfg.History.Driver), zap.String("queue", cfg.Queue.Driver))
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	// close streams first so their writers return and Shutdown does not wait on them
	registry.Close()
	presenceHandler.Close()
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := notifications.Close(shutdownCtx); err != nil {
		logger.Warn("pending publishes abandoned", zap.Error(err))
	}
	cancel()
	<-dispatcherDone
	if err := q.Close(); err != nil {
		logger.Warn("queue close", zap.Error(err))
	}
}

func openHistory(ctx context.Context, cfg *config.Config, logger *zap.Logger, deps map[string]handlers.Pinger) (repository.NotificationRepository, func()) {
	switch cfg.History.Driver {
	case config.HistoryDriverPostgres:
		pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			logger.Fatal("failed to connect postgres", zap.Error(err))
		}
		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pg.Pool, logger); err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
		}
		deps["postgres"] = pg
		return repository.NewNotificationRepository(pg.Pool), pg.Close
	default:
		db, err := persistence.NewSQLite(ctx, cfg.SQLite.Path, logger)
		if err != nil {
			logger.Fatal("failed to open sqlite", zap.Error(err))
		}
		deps["sqlite"] = db
		return repository.NewSQLiteNotificationRepository(db.DB), db.Close
	}
}

func openQueue(cfg *config.Config, logger *zap.Logger) queue.Queue {
	if cfg.Queue.Driver == config.QueueDriverMemory {
		logger.Warn("using in-process notification queue; live delivery is limited to this instance")
		return queue.NewMemory()
	}
	return queue.NewJetStream(queue.JetStreamConfig{
		URL:        cfg.Queue.URL,
		Name:       cfg.Queue.Name,
		Stream:     cfg.Queue.Stream,
		Subject:    cfg.Queue.Subject,
		Durable:    cfg.Queue.Durable,
		AckWait:    cfg.Queue.AckWait(),
		FetchBatch: cfg.Queue.FetchBatch,
		FetchWait:  cfg.Queue.FetchWait(),
	}, observability.Component(logger, "queue"))
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
