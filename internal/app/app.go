// Package app assembles the calculation service and its upstream clients
// from configuration. Shared by rxcalc-api and calc-worker.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcalc/internal/audit"
	"github.com/drfirst/go-rxcalc/internal/cache"
	"github.com/drfirst/go-rxcalc/internal/calculation"
	"github.com/drfirst/go-rxcalc/internal/catalog"
	"github.com/drfirst/go-rxcalc/internal/config"
	"github.com/drfirst/go-rxcalc/internal/observability/metrics"
	"github.com/drfirst/go-rxcalc/internal/observability/tracing"
	"github.com/drfirst/go-rxcalc/internal/rxnorm"
	"github.com/drfirst/go-rxcalc/pkg/circuitbreaker"
)

// App holds the assembled components. DB and Redis are nil when not
// configured.
type App struct {
	Config   config.Config
	Metrics  *metrics.Metrics
	Tracing  *tracing.Provider
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Breakers []*circuitbreaker.CircuitBreaker
	Service  *calculation.Service

	logger *zap.Logger
}

// New connects optional backing services and builds the calculation service
func New(ctx context.Context, cfg config.Config, serviceName string, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.Tracing = tp
	a.Metrics = metrics.New(nil)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			// the memory tier still serves; redis errors are cache misses
			logger.Warn("redis unavailable, continuing with memory cache", zap.Error(err))
		}
	}

	var recorder calculation.Recorder
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.DB = pool
		if err := pool.Ping(ctx); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("database ping: %w", err)
		}
		if err := audit.EnsureSchema(ctx, pool); err != nil {
			a.Close(ctx)
			return nil, err
		}
		recorder = audit.NewRepository(pool, logger)
		logger.Info("connected to database")
	}

	rxBreaker, err := a.breaker("rxnorm", rxnorm.BreakerSuccess)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	fdaBreaker, err := a.breaker("openfda", catalog.BreakerSuccess)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	var rdb redis.Cmdable
	if a.Redis != nil {
		rdb = a.Redis
	}

	normalizer := rxnorm.NewClient(rxnorm.Config{
		BaseURL:   cfg.RxNormBaseURL,
		Timeout:   cfg.UpstreamTimeout,
		RateLimit: cfg.UpstreamRateLimit,
	}, rxBreaker, cache.Build[rxnorm.NormalizeResult](cfg.CacheSize, cfg.CacheTTL, rdb, "rxcalc:rxnorm:", logger), logger)

	fdaCfg := catalog.DefaultOpenFDAConfig()
	fdaCfg.BaseURL = cfg.OpenFDABaseURL
	fdaCfg.APIKey = cfg.OpenFDAAPIKey
	fdaCfg.Timeout = cfg.UpstreamTimeout
	packages := catalog.NewOpenFDAClient(fdaCfg, fdaBreaker,
		cache.Build[[]catalog.PackageInfo](cfg.CacheSize, cfg.CacheTTL, rdb, "rxcalc:openfda:", logger), logger)

	a.Service = calculation.NewService(normalizer, packages, calculation.Options{
		MaxDaysSupply: cfg.MaxDaysSupply,
		Metrics:       a.Metrics,
		Recorder:      recorder,
	}, logger)

	return a, nil
}

func (a *App) breaker(name string, success func(error) bool) (*circuitbreaker.CircuitBreaker, error) {
	bcfg := circuitbreaker.DefaultConfig(name)
	bcfg.IsSuccessful = success
	bcfg.OnStateChange = a.Metrics.ObserveBreaker
	cb, err := circuitbreaker.New(bcfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("create %s breaker: %w", name, err)
	}
	a.Breakers = append(a.Breakers, cb)
	return cb, nil
}

// Close releases backing connections and flushes traces
func (a *App) Close(ctx context.Context) {
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.Tracing != nil {
		if err := a.Tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}
}
