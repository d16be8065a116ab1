// Package main provides the outbox relay service entry point.
// Publishes calculation audit events from the Postgres outbox to Redpanda.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcalc/internal/audit"
	"github.com/drfirst/go-rxcalc/internal/config"
	"github.com/drfirst/go-rxcalc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcalc/internal/observability/metrics"
)

// processedRetention is how long published outbox rows are kept
const processedRetention = 72 * time.Hour

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
		logger.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := audit.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}
	logger.Info("connected to database")

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Brokers))

	m := metrics.New(nil)
	relay := audit.NewRelay(audit.NewPGOutboxStore(pool), producer, audit.DefaultRelayConfig(), m, logger)

	scheduler := gocron.NewScheduler(time.UTC)
	if _, err := scheduler.Every(1).Minute().Do(func() {
		n, err := relay.MoveToDeadLetter(ctx)
		if err != nil {
			logger.Error("dead-letter sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Warn("outbox rows dead-lettered", zap.Int64("count", n))
		}
	}); err != nil {
		logger.Fatal("failed to schedule dead-letter sweep", zap.Error(err))
	}
	if _, err := scheduler.Every(1).Hour().Do(func() {
		n, err := relay.Cleanup(ctx, processedRetention)
		if err != nil {
			logger.Error("outbox cleanup failed", zap.Error(err))
			return
		}
		logger.Info("outbox cleanup", zap.Int64("deleted", n))
	}); err != nil {
		logger.Fatal("failed to schedule outbox cleanup", zap.Error(err))
	}

	metricsServer := &http.Server{Addr: ":" + cfg.Port, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start processing
	relay.Start()
	scheduler.StartAsync()
	logger.Info("outbox relay started")

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	scheduler.Stop()
	relay.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
}
