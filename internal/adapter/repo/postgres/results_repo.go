package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/velivolant/gateway/internal/domain"
)

// ResultRepo is the ledger of computation results. request_id is the
// idempotency column: a later result for the same request overwrites the
// earlier row, never duplicates it.
type ResultRepo struct{ Pool PgxPool }

// NewResultRepo constructs a ResultRepo with the given pool.
func NewResultRepo(p PgxPool) *ResultRepo { return &ResultRepo{Pool: p} }

// Upsert inserts or updates a result by request_id. correlation_id is treated
// as immutable per request_id and is not touched on conflict.
func (r *ResultRepo) Upsert(ctx domain.Context, res domain.ResultRecord) error {
	var data any
	if len(res.Payload) > 0 {
		data = string(res.Payload)
	}
	var errMsg any
	if res.ErrorMessage != "" {
		errMsg = res.ErrorMessage
	}
	q := `INSERT INTO computation_results (request_id, correlation_id, status, result_data, computed_at, processing_time_ms, error_message, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (request_id)
	DO UPDATE SET status=EXCLUDED.status, result_data=EXCLUDED.result_data, computed_at=EXCLUDED.computed_at, processing_time_ms=EXCLUDED.processing_time_ms, error_message=EXCLUDED.error_message`
	_, err := r.Pool.Exec(ctx, q, res.RequestID, res.CorrelationID, string(res.Status), data, res.ComputedAt, res.ProcessingTimeMs, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=result.upsert: %w: %v", domain.ErrPersistence, err)
	}
	return nil
}

// GetByRequestID loads the ledger row for a request id.
func (r *ResultRepo) GetByRequestID(ctx domain.Context, requestID string) (domain.ComputationResult, error) {
	q := `SELECT id, request_id, correlation_id, status, result_data, computed_at, processing_time_ms, error_message, created_at
	FROM computation_results WHERE request_id=$1`
	row := r.Pool.QueryRow(ctx, q, requestID)
	var res domain.ComputationResult
	var status string
	if err := row.Scan(&res.ID, &res.RequestID, &res.CorrelationID, &status, &res.ResultData, &res.ComputedAt, &res.ProcessingTimeMs, &res.ErrorMessage, &res.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ComputationResult{}, fmt.Errorf("op=result.get: %w: request %s", domain.ErrNotFound, requestID)
		}
		return domain.ComputationResult{}, fmt.Errorf("op=result.get: %w", err)
	}
	res.Status = domain.ResultStatus(status)
	return res, nil
}

// StatsSince counts ledger rows per status inserted within the window.
func (r *ResultRepo) StatsSince(ctx domain.Context, window time.Duration) ([]domain.StatusCount, error) {
	q := `SELECT status, COUNT(*) FROM computation_results WHERE created_at >= $1 GROUP BY status ORDER BY status`
	rows, err := r.Pool.Query(ctx, q, time.Now().UTC().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("op=result.stats: %w", err)
	}
	defer rows.Close()
	var out []domain.StatusCount
	for rows.Next() {
		var sc domain.StatusCount
		var status string
		if err := rows.Scan(&status, &sc.Count); err != nil {
			return nil, fmt.Errorf("op=result.stats: %w", err)
		}
		sc.Status = domain.ResultStatus(status)
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=result.stats: %w", err)
	}
	return out, nil
}
