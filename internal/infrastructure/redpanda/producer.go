// Package redpanda provides Kafka-compatible streaming for calculation
// requests, results and audit events with franz-go.
package redpanda

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Publisher produces records synchronously
type Publisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	Brokers []string
	// LingerMS is the time to wait before sending a batch
	LingerMS int64
	// Compression is one of lz4, snappy, gzip, zstd or empty for none
	Compression string
	// RequiredAcks sets the required acks level (-1 for all, 1 for leader)
	RequiredAcks int16
	MaxRetries   int
	// RetryBackoffMS is the backoff between retries, multiplied by attempt
	RetryBackoffMS int64
}

// DefaultProducerConfig returns defaults for calculation traffic
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:        []string{"localhost:9092"},
		LingerMS:       10,
		Compression:    "lz4",
		RequiredAcks:   -1,
		MaxRetries:     3,
		RetryBackoffMS: 100,
	}
}

// Producer sends records to Redpanda
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	mu           sync.RWMutex
	messagesSent int64
	errorCount   int64
}

// NewProducer creates a new Redpanda producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(time.Duration(cfg.LingerMS) * time.Millisecond),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return time.Duration(cfg.RetryBackoffMS) * time.Millisecond * time.Duration(attempt+1)
		}),
	}

	switch cfg.RequiredAcks {
	case -1:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	}

	switch cfg.Compression {
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// ProduceMessage sends one record and waits for the broker acknowledgement
func (p *Producer) ProduceMessage(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "produce_message",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("key", key),
			attribute.Int("value_size", len(value)),
		))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	injectTraceHeaders(ctx, record)

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.count(false)
		span.RecordError(err)
		p.logger.Error("failed to produce message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	p.count(true)
	p.logger.Debug("message produced",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	return nil
}

// Record is a message to be produced
type Record struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// ProduceBatch sends records and waits for all acknowledgements
func (p *Producer) ProduceBatch(ctx context.Context, records []*Record) error {
	ctx, span := p.tracer.Start(ctx, "produce_batch",
		trace.WithAttributes(attribute.Int("batch_size", len(records))))
	defer span.End()

	batch := make([]*kgo.Record, 0, len(records))
	for _, rec := range records {
		r := &kgo.Record{Topic: rec.Topic, Key: []byte(rec.Key), Value: rec.Value}
		for k, v := range rec.Headers {
			r.Headers = append(r.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
		injectTraceHeaders(ctx, r)
		batch = append(batch, r)
	}

	var failed []error
	for _, res := range p.client.ProduceSync(ctx, batch...) {
		p.count(res.Err == nil)
		if res.Err != nil {
			failed = append(failed, res.Err)
		}
	}
	if len(failed) > 0 {
		span.RecordError(failed[0])
		return fmt.Errorf("batch produce failed with %d errors, first: %w", len(failed), failed[0])
	}
	return nil
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}

	p.client.Close()
	return nil
}

// ProducerStats holds producer statistics
type ProducerStats struct {
	MessagesSent int64 `json:"messages_sent"`
	ErrorCount   int64 `json:"error_count"`
}

// Stats returns current producer statistics
func (p *Producer) Stats() ProducerStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ProducerStats{MessagesSent: p.messagesSent, ErrorCount: p.errorCount}
}

func (p *Producer) count(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		p.messagesSent++
	} else {
		p.errorCount++
	}
}
