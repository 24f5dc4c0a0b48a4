package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService prunes ledger rows past the retention window. The ledger is
// the recovery surface for disconnected callers, but only for as long as a
// poll could plausibly arrive.
type CleanupService struct {
	pool          PgxPool
	retentionDays int
}

// NewCleanupService constructs a CleanupService.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	return &CleanupService{pool: pool, retentionDays: retentionDays}
}

// CleanupOnce deletes rows older than the retention window and returns the
// number of rows removed.
func (s *CleanupService) CleanupOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	tag, err := s.pool.Exec(ctx, `DELETE FROM computation_results WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=ledger.cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RunPeriodic runs CleanupOnce on the interval until the context ends.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.CleanupOnce(ctx)
			if err != nil {
				slog.Error("ledger cleanup failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Info("ledger rows pruned", slog.Int64("rows", n), slog.Int("retention_days", s.retentionDays))
			}
		}
	}
}
