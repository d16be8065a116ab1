package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// relayLockID is the advisory lock key shared by all relay replicas
const relayLockID int64 = 0x72786361 // "rxca"

// PGOutboxStore implements OutboxStore on Postgres
type PGOutboxStore struct {
	pool *pgxpool.Pool
}

// NewPGOutboxStore creates a Postgres outbox store
func NewPGOutboxStore(pool *pgxpool.Pool) *PGOutboxStore {
	return &PGOutboxStore{pool: pool}
}

// WithLock implements OutboxStore. The advisory lock is session scoped, so
// it is taken and released on one dedicated connection.
func (s *PGOutboxStore) WithLock(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return false, nil
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", relayLockID)

	return true, fn(ctx)
}

const entryColumns = `id, aggregate_id, aggregate_type, event_type, payload,
	kafka_topic, kafka_key, created_at, retry_count, last_error`

// FetchPending implements OutboxStore
func (s *PGOutboxStore) FetchPending(ctx context.Context, limit, maxRetries int) ([]*OutboxEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := s.pool.Query(ctx, query, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return scanEntries(rows)
}

// FetchExhausted implements OutboxStore
func (s *PGOutboxStore) FetchExhausted(ctx context.Context, maxRetries int) ([]*OutboxEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := s.pool.Query(ctx, query, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]*OutboxEntry, error) {
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType,
			&e.EventType, &e.Payload, &e.KafkaTopic,
			&e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkProcessed implements OutboxStore
func (s *PGOutboxStore) MarkProcessed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	return err
}

// MarkFailed implements OutboxStore
func (s *PGOutboxStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	query := `
		UPDATE outbox
		SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
		WHERE id = $2
	`
	_, err := s.pool.Exec(ctx, query, errMsg, id)
	return err
}

// CountPending implements OutboxStore
func (s *PGOutboxStore) CountPending(ctx context.Context, maxRetries int) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL AND retry_count < $1", maxRetries).Scan(&n)
	return n, err
}

// DeleteProcessed implements OutboxStore
func (s *PGOutboxStore) DeleteProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)
	`
	tag, err := s.pool.Exec(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
