package postgres

import (
	"context"
	"fmt"
)

// schemaStatements bootstrap the ledger. All statements are idempotent so a
// restarting gateway can run them unconditionally.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS computation_results (
		id BIGSERIAL PRIMARY KEY,
		request_id TEXT NOT NULL UNIQUE,
		correlation_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('SUCCESS','ERROR','TIMEOUT')),
		result_data TEXT,
		computed_at TIMESTAMPTZ NOT NULL,
		processing_time_ms BIGINT,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_computation_results_correlation_id ON computation_results (correlation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_computation_results_computed_at ON computation_results (computed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_computation_results_status ON computation_results (status)`,
}

// EnsureSchema creates the ledger table and its indices if missing.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=ledger.ensure_schema: %w", err)
		}
	}
	return nil
}
