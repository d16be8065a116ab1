// Package worker processes calculation requests consumed from Redpanda.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxcalc/internal/calculation"
	"github.com/drfirst/go-rxcalc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcalc/internal/observability/metrics"
	"github.com/drfirst/go-rxcalc/pkg/idempotency"
	"github.com/drfirst/go-rxcalc/pkg/workerpool"
)

// HandlerName identifies calculation entries in the inbox
const HandlerName = "calculate"

// Calculator runs orchestrated calculations
type Calculator interface {
	Calculate(ctx context.Context, req calculation.Request) (*calculation.Result, error)
}

// Inbox deduplicates messages by key
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Submitter runs tasks on the worker pool
type Submitter interface {
	SubmitWait(ctx context.Context, task *workerpool.Task) (*workerpool.Result, error)
}

// DeadLetter is published for requests that can never succeed
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	Partition     int32           `json:"partition"`
	Offset        int64           `json:"offset"`
	Key           string          `json:"key"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"error"`
	FailedAt      time.Time       `json:"failed_at"`
}

// Processor handles one consumed request message at a time
type Processor struct {
	calc      Calculator
	inbox     Inbox
	pool      Submitter
	publisher redpanda.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessor creates a processor. The pool must run Work.
func NewProcessor(calc Calculator, inbox Inbox, pool Submitter, publisher redpanda.Publisher, m *metrics.Metrics, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		calc:      calc,
		inbox:     inbox,
		pool:      pool,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Work is the worker pool function: it runs one calculation
func (p *Processor) Work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	req, ok := task.Payload.(calculation.Request)
	if !ok {
		return &workerpool.Result{Permanent: true, Error: fmt.Errorf("unexpected payload %T", task.Payload)}
	}

	res, err := p.calc.Calculate(ctx, req)
	switch {
	case errors.Is(err, calculation.ErrInvalidRequest):
		return &workerpool.Result{Permanent: true, Error: err}
	case err != nil:
		return &workerpool.Result{Error: err}
	}
	return &workerpool.Result{Success: true, Data: res}
}

// OnResult counts finished pool tasks
func (p *Processor) OnResult(r *workerpool.Result) {
	if p.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case r.Permanent:
		outcome = "permanent_failure"
	case !r.Success:
		outcome = "failure"
	}
	p.metrics.WorkerTasks.WithLabelValues(outcome).Inc()
}

// Handle processes a consumed message. A nil return commits the offset;
// permanent failures are dead-lettered and committed.
func (p *Processor) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	if p.metrics != nil {
		p.metrics.KafkaMessagesConsumed.Inc()
	}

	var req calculation.Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return p.deadLetter(ctx, msg, fmt.Errorf("decode request: %w", err))
	}

	key := idempotency.Key(req.RequestID, msg.Value)
	if req.RequestID == "" {
		req.RequestID = key
	}

	out, err := p.inbox.Process(ctx, key, HandlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		result, err := p.pool.SubmitWait(ctx, &workerpool.Task{ID: key, Payload: req, Context: ctx})
		if err != nil {
			return nil, err
		}
		if !result.Success {
			if result.Permanent {
				return nil, idempotency.Permanent(result.Error)
			}
			return nil, result.Error
		}
		return json.Marshal(result.Data)
	})

	switch {
	case err == nil:
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		p.logger.Info("skipping previously failed request", zap.String("key", key))
		return nil
	case idempotency.IsPermanent(err):
		return p.deadLetter(ctx, msg, err)
	default:
		return fmt.Errorf("process %s: %w", key, err)
	}

	if !out.IsNew && !out.WasRecovered {
		p.logger.Debug("duplicate request, republishing stored result", zap.String("key", key))
	}

	// results are keyed by request so downstream consumers can deduplicate
	if err := p.publisher.ProduceMessage(ctx, redpanda.TopicCalculationResults, key, out.Result); err != nil {
		return fmt.Errorf("publish result %s: %w", key, err)
	}
	if p.metrics != nil {
		p.metrics.KafkaMessagesProduced.Inc()
	}
	return nil
}

func (p *Processor) deadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	payload := json.RawMessage(msg.Value)
	if !json.Valid(msg.Value) {
		payload, _ = json.Marshal(string(msg.Value))
	}

	dl := DeadLetter{
		OriginalTopic: msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Key:           string(msg.Key),
		Payload:       payload,
		Error:         cause.Error(),
		FailedAt:      p.now().UTC(),
	}
	value, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.publisher.ProduceMessage(ctx, redpanda.TopicDeadLetter, string(msg.Key), value); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}

	p.logger.Warn("request dead-lettered",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))
	return nil
}
