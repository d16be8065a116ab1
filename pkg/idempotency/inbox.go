// Package idempotency provides the Inbox pattern for exactly-once processing
// of calculation requests.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicateMessage indicates the message was already claimed
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress indicates another handler is processing the message
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates the message failed permanently before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
	// ErrEntryNotFound is returned by stores for unknown keys
	ErrEntryNotFound = errors.New("inbox entry not found")
)

// Entry represents an idempotency inbox record
type Entry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// Stats holds inbox statistics
type Stats struct {
	TotalEntries int64
	Started      int64
	Finished     int64
	Recoverable  int64
	Failed       int64
}

// Store persists inbox entries
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	// Claim inserts a STARTED entry or re-claims a RECOVERABLE one. It
	// returns ErrDuplicateMessage when the key exists in any other state.
	Claim(ctx context.Context, key, handlerName string, payload json.RawMessage, expiresAt time.Time) error
	SetStatus(ctx context.Context, key string, status Status, result json.RawMessage) error
	DeleteExpired(ctx context.Context, finishedRetention time.Duration) (int64, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Config holds configuration for the inbox
type Config struct {
	// DefaultTTL is the time-to-live for inbox entries
	DefaultTTL time.Duration
	// RecoveryTimeout is when a STARTED entry is considered stale
	RecoveryTimeout time.Duration
	// FinishedRetention is how long FINISHED entries are kept
	FinishedRetention time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		DefaultTTL:        7 * 24 * time.Hour,
		RecoveryTimeout:   5 * time.Minute,
		FinishedRetention: 7 * 24 * time.Hour,
	}
}

// Inbox manages idempotent message processing
type Inbox struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewInbox creates a new inbox manager
func NewInbox(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.FinishedRetention <= 0 {
		cfg.FinishedRetention = def.FinishedRetention
	}

	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
	}
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn at most once per key. A finished key returns the stored
// result without calling fn.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Result: entry.Result}, nil

		case StatusFailed:
			span.SetAttributes(attribute.Bool("previously_failed", true))
			return nil, fmt.Errorf("%s: %w", key, ErrPreviouslyFailed)

		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.store.SetStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("failed to mark recoverable: %w", err)
			}
			entry.Status = StatusRecoverable

		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.store.Claim(ctx, key, handlerName, payload, i.now().Add(i.config.DefaultTTL)); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to start processing: %w", err)
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if IsPermanent(handlerErr) {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.store.SetStatus(ctx, key, status, errResult); err != nil {
			i.logger.Error("failed to mark error status", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.store.SetStatus(ctx, key, StatusFinished, result); err != nil {
		// the handler succeeded; a redelivery will re-run it
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        entry == nil,
		WasRecovered: entry != nil && entry.Status == StatusRecoverable,
		Result:       result,
	}, nil
}

// Cleanup removes expired entries and old finished ones
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	n, err := i.store.DeleteExpired(ctx, i.config.FinishedRetention)
	if err != nil {
		return 0, fmt.Errorf("inbox cleanup: %w", err)
	}
	if n > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
	}
	return n, nil
}

// RecoverStaleEntries marks stale STARTED entries as RECOVERABLE
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	n, err := i.store.RecoverStale(ctx, i.config.RecoveryTimeout)
	if err != nil {
		return 0, fmt.Errorf("inbox recovery: %w", err)
	}
	if n > 0 {
		i.logger.Warn("recovered stale inbox entries", zap.Int64("recovered", n))
	}
	return n, nil
}

// Stats returns current inbox statistics
func (i *Inbox) Stats(ctx context.Context) (*Stats, error) {
	return i.store.Stats(ctx)
}

// Key returns requestID when set, otherwise a SHA-256 of the message body
func Key(requestID string, body []byte) string {
	if id := strings.TrimSpace(requestID); id != "" {
		return id
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
