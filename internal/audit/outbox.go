package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcalc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcalc/internal/observability/metrics"
)

// OutboxEntry represents an event to be published via the outbox
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// WriteEntry writes an outbox entry inside the caller's transaction
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// OutboxStore reads and updates outbox rows
type OutboxStore interface {
	// WithLock runs fn while holding the relay lock. It returns false
	// without calling fn when another relay holds the lock.
	WithLock(ctx context.Context, fn func(ctx context.Context) error) (bool, error)
	FetchPending(ctx context.Context, limit, maxRetries int) ([]*OutboxEntry, error)
	FetchExhausted(ctx context.Context, maxRetries int) ([]*OutboxEntry, error)
	MarkProcessed(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	CountPending(ctx context.Context, maxRetries int) (int64, error)
	DeleteProcessed(ctx context.Context, olderThan time.Duration) (int64, error)
}

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries is the number of publish attempts before dead-lettering
	MaxRetries int
}

// DefaultRelayConfig returns sensible defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:    100,
		PollInterval: 500 * time.Millisecond,
		MaxRetries:   5,
	}
}

// Relay publishes outbox rows to Redpanda
type Relay struct {
	store     OutboxStore
	publisher redpanda.Publisher
	config    RelayConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates an outbox relay. m may be nil.
func NewRelay(store OutboxStore, publisher redpanda.Publisher, cfg RelayConfig, m *metrics.Metrics, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultRelayConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		store:     store,
		publisher: publisher,
		config:    cfg,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop stops polling and waits for the current batch
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ProcessBatch(r.ctx); err != nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch publishes one batch of pending rows and returns how many were
// published
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	published := 0
	_, err := r.store.WithLock(ctx, func(ctx context.Context) error {
		entries, err := r.store.FetchPending(ctx, r.config.BatchSize, r.config.MaxRetries)
		if err != nil {
			return fmt.Errorf("fetch outbox entries: %w", err)
		}
		span.SetAttributes(attribute.Int("batch_size", len(entries)))

		for _, entry := range entries {
			if err := r.publish(ctx, entry); err != nil {
				r.logger.Error("failed to process outbox entry",
					zap.Int64("id", entry.ID),
					zap.String("event_type", entry.EventType),
					zap.Error(err))
				continue
			}
			published++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return published, err
	}

	r.refreshPending(ctx)
	return published, nil
}

func (r *Relay) publish(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := r.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := r.publisher.ProduceMessage(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		if markErr := r.store.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
			r.logger.Error("failed to update retry count", zap.Error(markErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish failed: %w", err)
	}

	if err := r.store.MarkProcessed(ctx, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	if r.metrics != nil {
		r.metrics.KafkaMessagesProduced.Inc()
	}
	return nil
}

// DeadLetter is the payload published for rows that exhausted their retries
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoveToDeadLetter publishes exhausted rows to the dead-letter topic and marks
// them processed
func (r *Relay) MoveToDeadLetter(ctx context.Context) (int64, error) {
	var moved int64
	_, err := r.store.WithLock(ctx, func(ctx context.Context) error {
		entries, err := r.store.FetchExhausted(ctx, r.config.MaxRetries)
		if err != nil {
			return fmt.Errorf("fetch exhausted entries: %w", err)
		}

		for _, entry := range entries {
			payload, err := json.Marshal(DeadLetter{
				OriginalTopic: entry.KafkaTopic,
				EventType:     entry.EventType,
				AggregateID:   entry.AggregateID,
				Payload:       entry.Payload,
				RetryCount:    entry.RetryCount,
				LastError:     entry.LastError,
				CreatedAt:     entry.CreatedAt,
			})
			if err != nil {
				continue
			}
			if err := r.publisher.ProduceMessage(ctx, redpanda.TopicDeadLetter, entry.KafkaKey, payload); err != nil {
				r.logger.Error("failed to publish to dead letter", zap.Int64("id", entry.ID), zap.Error(err))
				continue
			}
			if err := r.store.MarkProcessed(ctx, entry.ID); err != nil {
				r.logger.Error("failed to mark dead-lettered entry", zap.Int64("id", entry.ID), zap.Error(err))
				continue
			}
			moved++
		}
		return nil
	})
	return moved, err
}

// Cleanup deletes processed rows older than olderThan
func (r *Relay) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := r.store.DeleteProcessed(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("outbox cleanup: %w", err)
	}
	return n, nil
}

func (r *Relay) refreshPending(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	n, err := r.store.CountPending(ctx, r.config.MaxRetries)
	if err != nil {
		r.logger.Warn("failed to count pending outbox entries", zap.Error(err))
		return
	}
	r.metrics.OutboxPending.Set(float64(n))
}
