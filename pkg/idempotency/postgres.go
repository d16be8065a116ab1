package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by PGStore
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps inbox entries in the calculation_inbox table
type PGStore struct {
	db DB
}

// NewPGStore creates a Postgres-backed store
func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

// Get implements Store
func (s *PGStore) Get(ctx context.Context, key string) (*Entry, error) {
	query := `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM calculation_inbox
		WHERE idempotency_key = $1
	`

	entry := &Entry{}
	err := s.db.QueryRow(ctx, query, key).Scan(
		&entry.IdempotencyKey, &entry.HandlerName, &entry.Status,
		&entry.Payload, &entry.Result, &entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Claim implements Store
func (s *PGStore) Claim(ctx context.Context, key, handlerName string, payload json.RawMessage, expiresAt time.Time) error {
	query := `
		INSERT INTO calculation_inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE calculation_inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`

	var returned string
	err := s.db.QueryRow(ctx, query, key, handlerName, StatusStarted, payload, expiresAt).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateMessage
	}
	return err
}

// SetStatus implements Store
func (s *PGStore) SetStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	query := `
		UPDATE calculation_inbox
		SET status = $1, result = COALESCE($2, result), updated_at = NOW()
		WHERE idempotency_key = $3
	`
	_, err := s.db.Exec(ctx, query, status, result, key)
	return err
}

// DeleteExpired implements Store
func (s *PGStore) DeleteExpired(ctx context.Context, finishedRetention time.Duration) (int64, error) {
	query := `
		DELETE FROM calculation_inbox
		WHERE expires_at < NOW()
		   OR (status = 'FINISHED' AND updated_at < NOW() - make_interval(secs => $1))
	`
	tag, err := s.db.Exec(ctx, query, finishedRetention.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecoverStale implements Store
func (s *PGStore) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE calculation_inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - make_interval(secs => $1)
	`
	tag, err := s.db.Exec(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Stats implements Store
func (s *PGStore) Stats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'STARTED'),
			COUNT(*) FILTER (WHERE status = 'FINISHED'),
			COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM calculation_inbox
	`

	stats := &Stats{}
	err := s.db.QueryRow(ctx, query).Scan(
		&stats.TotalEntries, &stats.Started, &stats.Finished,
		&stats.Recoverable, &stats.Failed,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
