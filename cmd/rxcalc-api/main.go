// Package main provides the rxcalc API service entry point.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcalc/internal/api/handlers"
	"github.com/drfirst/go-rxcalc/internal/api/middleware"
	"github.com/drfirst/go-rxcalc/internal/app"
	"github.com/drfirst/go-rxcalc/internal/config"
	"github.com/drfirst/go-rxcalc/internal/observability/metrics"
)

const (
	serviceName = "rxcalc-api"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger config is part of what failed to load
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("failed to load configuration", zap.Error(err))
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	a, err := app.New(ctx, cfg, serviceName, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}

	health := handlers.NewHealthHandler(serviceName, version, a.Breakers...)
	if a.DB != nil {
		health.AddCheck("postgres", a.DB.Ping)
	}
	if a.Redis != nil {
		health.AddCheck("redis", func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() })
	}

	calcHandler := handlers.NewCalculationHandler(a.Service, logger)
	limiter := middleware.NewRateLimiter(cfg.APIRatePerSecond, cfg.APIRateBurst)

	// Setup router
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", metrics.Handler())

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Use(middleware.RateLimit(limiter))
		r.Mount("/", calcHandler.Routes())
	})

	if len(cfg.APIKeys) == 0 {
		logger.Warn("API_KEY not set, /api/v1 is unauthenticated")
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*cfg.UpstreamTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting rxcalc API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Close(shutdownCtx)
	logger.Info("server stopped")
}
