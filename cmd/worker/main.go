package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/procurenet/notify-engine/internal/channel"
	"github.com/procurenet/notify-engine/internal/config"
	"github.com/procurenet/notify-engine/internal/dispatch"
	"github.com/procurenet/notify-engine/internal/infra/postgresql"
	"github.com/procurenet/notify-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/procurenet/notify-engine/internal/infra/redis"
	"github.com/procurenet/notify-engine/internal/observability"
	"github.com/procurenet/notify-engine/internal/orchestrator"
	"github.com/procurenet/notify-engine/internal/preference"
	"github.com/procurenet/notify-engine/internal/queue"
	"github.com/procurenet/notify-engine/internal/realtime"
	"github.com/procurenet/notify-engine/internal/repository"
	"github.com/procurenet/notify-engine/internal/template"
	"github.com/procurenet/notify-engine/internal/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const metricsPort = 9091

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
		logger.Fatal("worker exited with error", zap.Error(err))
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

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer rabbit.Close()

	publisher := queue.NewRabbitMQPublisher(rabbit)
	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.WorkerConcurrency, logger)

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

	// The scheduler re-enters fired requests through the full pipeline, so
	// the worker carries its own orchestrator.
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

	pool, err := worker.New(consumer, executor, cfg.WorkerConcurrency, logger)
	if err != nil {
		return err
	}
	scanner, err := worker.NewRetryScanner(
		jobs,
		publisher,
		time.Duration(cfg.RetryScanIntervalSec)*time.Second,
		0,
		logger,
	)
	if err != nil {
		return err
	}
	scheduler, err := worker.NewScheduler(
		jobs,
		scheduled,
		publisher,
		orch,
		time.Duration(cfg.ScheduleScanIntervalSec)*time.Second,
		0,
		logger,
	)
	if err != nil {
		return err
	}
	scheduler.SetMetrics(metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", metricsPort),
		Handler: mux,
	}

	logger.Info("notify-engine worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("metricsPort", metricsPort),
	)

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Start(groupCtx) })
	g.Go(func() error { return scanner.Start(groupCtx) })
	g.Go(func() error { return scheduler.Start(groupCtx) })
	g.Go(func() error { return hub.Run(groupCtx) })
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
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
