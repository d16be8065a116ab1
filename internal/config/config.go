// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds configuration shared by the rxcalc binaries
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL enables auditing and the worker inbox when set
	DatabaseURL string
	// RedisURL enables the shared response cache when set
	RedisURL string
	Brokers  []string

	RxNormBaseURL     string
	OpenFDABaseURL    string
	OpenFDAAPIKey     string
	UpstreamTimeout   time.Duration
	UpstreamRateLimit float64
	CacheSize         int
	CacheTTL          time.Duration

	// APIKeys maps key to client name
	APIKeys          map[string]string
	APIRatePerSecond float64
	APIRateBurst     int64

	OTLPEndpoint    string
	TraceSampleRate float64

	MaxDaysSupply int
	WorkerCount   int
}

// Load reads an optional .env file and then the environment
func Load() (Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function
func FromEnv(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}

	cfg := Config{
		Port:              p.str("PORT", "8080"),
		LogLevel:          strings.ToLower(p.str("LOG_LEVEL", "info")),
		DatabaseURL:       p.str("DATABASE_URL", ""),
		RedisURL:          p.str("REDIS_URL", ""),
		Brokers:           p.list("KAFKA_BROKERS", "localhost:9092"),
		RxNormBaseURL:     p.str("RXNORM_BASE_URL", "https://rxnav.nlm.nih.gov"),
		OpenFDABaseURL:    p.str("OPENFDA_BASE_URL", "https://api.fda.gov"),
		OpenFDAAPIKey:     p.str("OPENFDA_API_KEY", ""),
		UpstreamTimeout:   p.duration("UPSTREAM_TIMEOUT", 10*time.Second),
		UpstreamRateLimit: p.float("UPSTREAM_RATE_LIMIT", 10),
		CacheSize:         p.int("CACHE_SIZE", 4096),
		CacheTTL:          p.duration("CACHE_TTL", 24*time.Hour),
		APIKeys:           apiKeys(getenv("API_KEY")),
		APIRatePerSecond:  p.float("API_RATE_PER_SECOND", 20),
		APIRateBurst:      int64(p.int("API_RATE_BURST", 40)),
		OTLPEndpoint:      p.str("OTLP_ENDPOINT", ""),
		TraceSampleRate:   p.float("TRACE_SAMPLE_RATE", 1.0),
		MaxDaysSupply:     p.int("MAX_DAYS_SUPPLY", 365),
		WorkerCount:       p.int("WORKER_COUNT", 8),
	}

	errs := p.errs
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("PORT: %q is not a valid port", cfg.Port))
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if cfg.UpstreamRateLimit <= 0 {
		errs = append(errs, errors.New("UPSTREAM_RATE_LIMIT must be positive"))
	}
	if cfg.APIRatePerSecond <= 0 || cfg.APIRateBurst <= 0 {
		errs = append(errs, errors.New("API_RATE_PER_SECOND and API_RATE_BURST must be positive"))
	}
	if cfg.TraceSampleRate < 0 || cfg.TraceSampleRate > 1 {
		errs = append(errs, errors.New("TRACE_SAMPLE_RATE must be between 0 and 1"))
	}
	if cfg.MaxDaysSupply < 1 {
		errs = append(errs, errors.New("MAX_DAYS_SUPPLY must be at least 1"))
	}
	if cfg.WorkerCount < 1 {
		errs = append(errs, errors.New("WORKER_COUNT must be at least 1"))
	}
	if cfg.CacheSize < 1 {
		errs = append(errs, errors.New("CACHE_SIZE must be at least 1"))
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// NewLogger builds the zap logger for the configured level
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	if level == zapcore.DebugLevel {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// apiKeys parses "key" or "key:client" entries separated by commas
func apiKeys(raw string) map[string]string {
	keys := make(map[string]string)
	for i, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, client, found := strings.Cut(item, ":")
		if !found || client == "" {
			client = fmt.Sprintf("client-%d", i+1)
		}
		keys[key] = client
	}
	return keys
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) list(key, def string) []string {
	var out []string
	for _, s := range strings.Split(p.str(key, def), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p *parser) int(key string, def int) int {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
