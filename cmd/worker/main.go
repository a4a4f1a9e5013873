package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"batchsender/internal/analytics"
	"batchsender/internal/api"
	"batchsender/internal/batches"
	"batchsender/internal/config"
	"batchsender/internal/db"
	"batchsender/internal/hotstate"
	"batchsender/internal/httpx"
	"batchsender/internal/modules"
	"batchsender/internal/observability"
	"batchsender/internal/orchestrator"
	natsq "batchsender/internal/queue/nats"
	"batchsender/internal/rate"
	batchsync "batchsender/internal/sync"
	"batchsender/internal/webhooks"
	"batchsender/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := observability.GetLoggerFromEnv(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting BatchSender worker",
		zap.String("worker_id", cfg.WorkerID),
		zap.String("log_level", cfg.LogLevel))

	metrics := observability.NewMetrics()

	otelCleanup, err := observability.SetupOpenTelemetry("batchsender-worker", logger)
	if err != nil {
		logger.Fatal("failed to set up OpenTelemetry", zap.Error(err))
	}
	defer otelCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	postgres, err := db.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer postgres.Close()

	redisGeneral, err := db.NewRedis(ctx, cfg.DragonflyURL)
	if err != nil {
		logger.Fatal("failed to connect to dragonfly", zap.Error(err))
	}
	defer redisGeneral.Close()

	redisCritical, err := db.NewRedis(ctx, cfg.CriticalRedisURL())
	if err != nil {
		logger.Fatal("failed to connect to critical dragonfly", zap.Error(err))
	}
	defer redisCritical.Close()

	queue, err := natsq.NewQueue(natsq.Config{
		URL:        cfg.NATSCluster,
		TLSEnabled: cfg.NATSTLSEnabled,
		Replicas:   cfg.NATSReplicas,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer queue.Close()

	if err := queue.EnsureStreams(ctx); err != nil {
		logger.Fatal("failed to ensure streams", zap.Error(err))
	}

	store := batches.NewStore(postgres, logger)
	hot := hotstate.NewManager(redisCritical.Client, logger, metrics, hotstate.DefaultConfig())
	httpClient := httpx.NewClient(redisGeneral.Client, logger, httpx.DefaultRetryConfig())

	sink := analytics.NewSink(analytics.SinkConfig{
		BaseURL:       cfg.ClickHouseURL,
		Database:      cfg.ClickHouseDatabase,
		FlushSize:     cfg.AnalyticsFlushSize,
		FlushInterval: cfg.AnalyticsFlushEvery,
	}, httpClient, logger, metrics)
	index := analytics.NewIndex(redisGeneral.Client, httpClient, cfg.ClickHouseURL, cfg.ClickHouseDatabase, logger)

	limiter := rate.NewRegistry(redisGeneral.Client, logger, rate.RegistryConfig{
		SystemRateLimit:   cfg.SystemRateLimit,
		ProviderRateLimit: cfg.RateLimitPerSecond,
		Disabled:          cfg.DisableRateLimit || cfg.HighThroughputTestMode,
	})

	moduleRegistry := modules.NewRegistry(
		modules.NewEmailModule(httpClient, logger),
		modules.NewSMSModule(httpClient, logger),
		modules.NewPushModule(httpClient, logger),
		modules.NewWebhookModule(httpClient, logger),
	)
	dryRun := modules.NewDryRunExecutor(cfg.DryRunLatencyMinMs, cfg.DryRunLatencyMaxMs, logger)

	runner := worker.NewRunner(store, hot, queue, moduleRegistry, dryRun, limiter,
		sink, index, metrics, logger, worker.Config{
			WorkerID:              cfg.WorkerID,
			MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		})
	runner.Start(ctx)

	orch := orchestrator.New(store, hot, queue, sink, runner, metrics, logger, orchestrator.Config{
		WorkerID:          cfg.WorkerID,
		ConcurrentBatches: cfg.ConcurrentBatches,
	})
	go func() {
		if err := orch.Run(ctx); err != nil {
			logger.Error("orchestrator stopped", zap.Error(err))
		}
	}()

	var pipeline *webhooks.Pipeline
	if cfg.WebhookQueueEnabled {
		pipeline = webhooks.NewPipeline(store, hot, queue, index, sink, redisGeneral.Client,
			metrics, logger, webhooks.PipelineConfig{
				BatchSize:     cfg.WebhookBatchSize,
				FlushInterval: cfg.WebhookFlushInterval,
			})
		go func() {
			if err := pipeline.Run(ctx); err != nil {
				logger.Error("webhook pipeline stopped", zap.Error(err))
			}
		}()
	}

	syncService := batchsync.NewService(store, hot, metrics, logger, batchsync.Config{
		Interval:             cfg.SyncInterval,
		MaxRecipientsPerSync: cfg.MaxRecipientsPerSync,
	})
	syncService.Start(ctx)

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		DisableStartupMessage: true,
	})
	handlers := api.NewHandlers(logger, store, redisGeneral, queue, limiter, metrics)
	api.SetupRoutes(app, logger, handlers, cfg.WebhookSecret)
	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Error("http server stopped", zap.Error(err))
		}
	}()

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("worker running, waiting for batches")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down worker")

	// Shutdown order: stop intake first, stop consumers, run the final
	// sync cycle, flush analytics, release the limiter last so draining
	// jobs can still acquire.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = app.ShutdownWithContext(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	cancel()
	runner.Stop()
	syncService.Stop(shutdownCtx)
	sink.Close()
	index.Close()
	_ = limiter.Close()

	logger.Info("worker shutdown complete")
}
