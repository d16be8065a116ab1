package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcalc/internal/calculation"
	"github.com/drfirst/go-rxcalc/internal/infrastructure/redpanda"
)

// TxBeginner starts transactions; satisfied by *pgxpool.Pool
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository writes calculation audit rows
type Repository struct {
	db     TxBeginner
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db TxBeginner, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, logger: logger}
}

// Record stores the result and its CalculationCompleted outbox entry in one
// transaction. Implements calculation.Recorder.
func (r *Repository) Record(ctx context.Context, res *calculation.Result) error {
	resultJSON, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	payload, err := json.Marshal(NewCalculationCompleted(res))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var totalQuantity int
	if res.Quantity != nil {
		totalQuantity = res.Quantity.TotalQuantity
	}

	query := `
		INSERT INTO calculation_audit
		(id, request_id, drug_query, rxcui, sig_text, days_supply, succeeded, total_quantity, failed_stage, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	if _, err := tx.Exec(ctx, query,
		res.ID,
		res.RequestID,
		res.Drug.Query,
		res.Drug.RxCUI,
		res.Sig,
		res.DaysSupply,
		res.Succeeded,
		totalQuantity,
		string(res.FailedStage),
		resultJSON,
		res.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}

	if err := WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   res.ID,
		AggregateType: AggregateType,
		EventType:     EventCalculationCompleted,
		Payload:       payload,
		KafkaTopic:    redpanda.TopicCalculationEvents,
		KafkaKey:      res.ID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("calculation recorded", zap.String("calculation_id", res.ID))
	return nil
}
