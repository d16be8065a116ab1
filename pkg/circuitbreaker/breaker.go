// Package circuitbreaker guards calls to upstream drug vocabulary and catalog
// services. Wraps sony/gobreaker with OpenTelemetry instruments and zap logging.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned when the breaker rejects a call
var ErrOpen = errors.New("circuit breaker open")

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies the upstream service
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is how long to stay open before probing again
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker below MinRequests
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests have been seen
	FailureRatio float64
	MinRequests  uint32
	// IsSuccessful decides whether an error counts against the upstream.
	// Defaults to err == nil.
	IsSuccessful func(err error) bool
	// OnStateChange is called after every transition
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns defaults for public REST vocabularies
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         2,
		Interval:            60 * time.Second,
		Timeout:             20 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// CircuitBreaker wraps gobreaker with observability
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	requests metric.Int64Counter
	failures metric.Int64Counter
	rejected metric.Int64Counter

	mu    sync.RWMutex
	state State
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IsSuccessful == nil {
		cfg.IsSuccessful = func(err error) bool { return err == nil }
	}

	c := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		state:  StateClosed,
	}

	meter := otel.Meter("circuit-breaker")
	var err error
	if c.requests, err = meter.Int64Counter("upstream_breaker_requests_total",
		metric.WithDescription("Calls attempted through the breaker")); err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}
	if c.failures, err = meter.Int64Counter("upstream_breaker_failures_total",
		metric.WithDescription("Calls that failed against the upstream")); err != nil {
		return nil, fmt.Errorf("create failure counter: %w", err)
	}
	if c.rejected, err = meter.Int64Counter("upstream_breaker_rejections_total",
		metric.WithDescription("Calls rejected while the breaker was open")); err != nil {
		return nil, fmt.Errorf("create rejection counter: %w", err)
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.transition(mapState(from), mapState(to))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, mapState(from), mapState(to))
			}
		},
		IsSuccessful: cfg.IsSuccessful,
	})

	return c, nil
}

// Do runs fn through the breaker and returns its typed result
func Do[T any](ctx context.Context, c *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	ctx, span := c.tracer.Start(ctx, "circuit_breaker.do",
		trace.WithAttributes(
			attribute.String("breaker", c.name),
			attribute.String("state", string(c.State())),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", c.name))
	c.requests.Add(ctx, 1, attrs)

	out, err := c.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.rejected.Add(ctx, 1, attrs)
			span.SetAttributes(attribute.Bool("circuit_open", true))
			return zero, fmt.Errorf("%s: %w", c.name, ErrOpen)
		}
		c.failures.Add(ctx, 1, attrs)
		span.RecordError(err)
		// fn may return a meaningful value alongside a non-tripping error
		if v, ok := out.(T); ok {
			return v, err
		}
		return zero, err
	}

	v, _ := out.(T)
	return v, nil
}

// Name returns the breaker name
func (c *CircuitBreaker) Name() string { return c.name }

// State returns the current state
func (c *CircuitBreaker) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Counts returns the current gobreaker counts
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

func (c *CircuitBreaker) transition(from, to State) {
	c.mu.Lock()
	c.state = to
	c.mu.Unlock()

	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// HealthStatus summarizes one breaker
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// Health reports the status of the given breakers
func Health(breakers ...*CircuitBreaker) []HealthStatus {
	statuses := make([]HealthStatus, 0, len(breakers))
	for _, b := range breakers {
		if b == nil {
			continue
		}
		counts := b.Counts()
		statuses = append(statuses, HealthStatus{
			Name:     b.name,
			State:    b.State(),
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
			Healthy:  b.State() != StateOpen,
		})
	}
	return statuses
}
