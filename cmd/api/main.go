package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/procurenet/notify-engine/internal/channel"
	"github.com/procurenet/notify-engine/internal/config"
	"github.com/procurenet/notify-engine/internal/dispatch"
	"github.com/procurenet/notify-engine/internal/handler"
	"github.com/procurenet/notify-engine/internal/infra/postgresql"
	"github.com/procurenet/notify-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/procurenet/notify-engine/internal/infra/redis"
	"github.com/procurenet/notify-engine/internal/observability"
	"github.com/procurenet/notify-engine/internal/orchestrator"
	"github.com/procurenet/notify-engine/internal/preference"
	"github.com/procurenet/notify-engine/internal/realtime"
	"github.com/procurenet/notify-engine/internal/repository"
	"github.com/procurenet/notify-engine/internal/template"
	"github.com/procurenet/notify-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	metrics := observability.NewMetrics()

	jobs := repository.NewGormJobRepo(db)
	attempts := repository.NewGormAttemptRepo(db)
	audits := repository.NewGormAuditRepo(db)
	prefs := repository.NewGormPreferenceRepo(db)
	templates := repository.NewGormTemplateRepo(db)
	recipients := repository.NewGormRecipientRepo(db)
	inbox := repository.NewGormInboxRepo(db)
	scheduled := repository.NewGormScheduledRequestRepo(db)

	presence, err := realtime.NewPresence(rdb, uuid.NewString(), time.Duration(cfg.PresenceTTLSec)*time.Second)
	if err != nil {
		return err
	}
	pending, err := realtime.NewPendingBuffer(rdb, cfg.PendingEventCap, time.Duration(cfg.PendingEventTTLSec)*time.Second)
	if err != nil {
		return err
	}
	hub, err := realtime.NewHub(rdb, presence, pending, logger)
	if err != nil {
		return err
	}
	hub.SetMetrics(metrics)

	adapters, err := buildAdapters(cfg, inbox, hub, logger)
	if err != nil {
		return err
	}

	limiter, err := infraredis.NewRateLimiter(rdb, cfg.RateLimitPerMinute)
	if err != nil {
		return err
	}
	deduper, err := infraredis.NewDeduper(rdb, time.Duration(cfg.DedupWindowSec)*time.Second)
	if err != nil {
		return err
	}

	executor, err := dispatch.NewExecutor(
		jobs,
		attempts,
		adapters,
		limiter,
		deduper,
		time.Duration(cfg.SendTimeoutSec)*time.Second,
		cfg.MaxAttempts,
		logger,
	)
	if err != nil {
		return err
	}
	executor.SetMetrics(metrics)

	resolver, err := preference.NewResolver(prefs, logger)
	if err != nil {
		return err
	}
	engine, err := template.NewEngine(templates, logger)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(
		recipients,
		recipients,
		resolver,
		engine,
		jobs,
		audits,
		scheduled,
		executor,
		cfg.GroupBatchSize,
		cfg.GroupFailureThreshold,
		logger,
	)
	if err != nil {
		return err
	}

	auth, err := realtime.NewTokenAuthenticator(cfg.RealtimeAuthSecret)
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())

	if err := handler.RegisterNotificationRoutes(app, orch, audits, jobs); err != nil {
		return err
	}
	if err := handler.RegisterPreferenceRoutes(app, resolver, hub, logger); err != nil {
		return err
	}
	if err := handler.RegisterTemplateRoutes(app, templates, engine); err != nil {
		return err
	}
	if err := handler.RegisterInboxRoutes(app, inbox, hub, logger); err != nil {
		return err
	}
	if err := handler.RegisterRealtimeRoutes(app, hub, auth, logger); err != nil {
		return err
	}
	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(groupCtx)
	})
	g.Go(func() error {
		logger.Info("notify-engine api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down api")
		return app.Shutdown()
	})

	return g.Wait()
}

func buildAdapters(cfg *config.Config, inbox repository.InboxRepository, hub *realtime.Hub, logger *zap.Logger) ([]channel.Adapter, error) {
	emailGateway, err := channel.NewGateway("email", cfg.EmailGatewayURL)
	if err != nil {
		return nil, err
	}
	smsGateway, err := channel.NewGateway("sms", cfg.SMSGatewayURL)
	if err != nil {
		return nil, err
	}
	pushGateway, err := channel.NewGateway("push", cfg.PushGatewayURL)
	if err != nil {
		return nil, err
	}

	email, err := channel.NewEmailAdapter(emailGateway)
	if err != nil {
		return nil, err
	}
	sms, err := channel.NewSMSAdapter(smsGateway, cfg.SMSDefaultCountryCode)
	if err != nil {
		return nil, err
	}
	push, err := channel.NewPushAdapter(pushGateway)
	if err != nil {
		return nil, err
	}
	inApp, err := channel.NewInAppAdapter(inbox, hub, logger)
	if err != nil {
		return nil, err
	}

	return []channel.Adapter{email, sms, push, inApp}, nil
}
