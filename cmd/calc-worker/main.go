// Package main provides the calculation worker entry point.
// Consumes calculation requests from Redpanda and publishes results.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcalc/internal/api/handlers"
	"github.com/drfirst/go-rxcalc/internal/app"
	"github.com/drfirst/go-rxcalc/internal/config"
	"github.com/drfirst/go-rxcalc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcalc/internal/worker"
	"github.com/drfirst/go-rxcalc/pkg/idempotency"
	"github.com/drfirst/go-rxcalc/pkg/workerpool"
)

const (
	serviceName = "calc-worker"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("failed to load configuration", zap.Error(err))
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required for the worker inbox")
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, serviceName, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}

	// Ensure topics exist; the admin client stays open for lag reporting
	admin, err := redpanda.NewAdmin(cfg.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("failed to ensure topics", zap.Error(err))
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}

	inbox := idempotency.NewInbox(idempotency.NewPGStore(a.DB), idempotency.DefaultConfig(), logger)

	// Create worker pool
	var proc *worker.Processor
	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.WorkerCount
	poolCfg.OnResult = func(r *workerpool.Result) { proc.OnResult(r) }

	workerPool, err := workerpool.New(poolCfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		return proc.Work(ctx, task)
	}, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	proc = worker.NewProcessor(a.Service, inbox, workerPool, producer, a.Metrics, logger)
	workerPool.Start()

	// Create consumer
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers
	consumer, err := redpanda.NewConsumer(consumerCfg, proc.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	scheduler := gocron.NewScheduler(time.UTC)
	if _, err := scheduler.Every(1).Hour().Do(func() {
		n, err := inbox.Cleanup(ctx)
		if err != nil {
			logger.Error("inbox cleanup failed", zap.Error(err))
			return
		}
		logger.Info("inbox cleanup", zap.Int64("deleted", n))
	}); err != nil {
		logger.Fatal("failed to schedule inbox cleanup", zap.Error(err))
	}
	if _, err := scheduler.Every(5).Minutes().Do(func() {
		n, err := inbox.RecoverStaleEntries(ctx)
		if err != nil {
			logger.Error("stale entry recovery failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("recovered stale inbox entries", zap.Int64("count", n))
		}
	}); err != nil {
		logger.Fatal("failed to schedule stale recovery", zap.Error(err))
	}
	groupLag := func(ctx context.Context) (map[string]map[int32]int64, error) {
		return admin.GroupLag(ctx, consumerCfg.GroupID)
	}
	if _, err := scheduler.Every(1).Minute().Do(func() {
		lagCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		refreshConsumerMetrics(lagCtx, a.Metrics, groupLag, consumer.Stats, logger)
	}); err != nil {
		logger.Fatal("failed to schedule consumer metrics", zap.Error(err))
	}
	scheduler.StartAsync()

	health := handlers.NewHealthHandler(serviceName, version, a.Breakers...)
	health.AddCheck("postgres", a.DB.Ping)
	health.AddCheck("redpanda", func(ctx context.Context) error {
		return redpanda.HealthCheck(ctx, cfg.Brokers)
	})

	// Metrics, health and consumer stats
	statusServer := &http.Server{Addr: ":" + cfg.Port, Handler: newStatusRouter(health, func() workerStats {
		return workerStats{Consumer: consumer.Stats(), Producer: producer.Stats()}
	})}
	go func() {
		if err := statusServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("status server error", zap.Error(err))
		}
	}()

	consumer.Start()
	logger.Info("calculation worker started", zap.Int("workers", cfg.WorkerCount))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	scheduler.Stop()
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop error", zap.Error(err))
	}
	if err := workerPool.Stop(); err != nil {
		logger.Error("worker pool stop error", zap.Error(err))
	}
	if err := producer.Close(); err != nil {
		logger.Error("producer close error", zap.Error(err))
	}
	admin.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = statusServer.Shutdown(shutdownCtx)
	a.Close(shutdownCtx)
	logger.Info("calculation worker stopped")
}
