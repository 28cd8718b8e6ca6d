package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/tally/internal/model"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedRollups      int64 `json:"purged_rollups"`
	PurgedCacheEntries int64 `json:"purged_cache_entries"`
	PurgedTasks        int64 `json:"purged_tasks"`
}

// RunRetention deletes rollups older than rollupDays, expired cache rows and
// soft-deleted tasks whose deletion is older than deletedTaskDays. A zero
// window disables that category. Re-running is harmless.
func (s *Store) RunRetention(ctx context.Context, now time.Time, rollupDays, deletedTaskDays int) (RetentionResult, error) {
	var result RetentionResult

	if rollupDays > 0 {
		cutoff := model.Day(now.AddDate(0, 0, -rollupDays), time.UTC)
		res, err := s.db.ExecContext(ctx, `DELETE FROM daily_rollups WHERE date < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge daily_rollups: %w", err)
		}
		result.PurgedRollups, _ = res.RowsAffected()
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?;`, toMillis(now))
	if err != nil {
		return result, fmt.Errorf("purge cache_entries: %w", err)
	}
	result.PurgedCacheEntries, _ = res.RowsAffected()

	if deletedTaskDays > 0 {
		cutoff := toMillis(now.AddDate(0, 0, -deletedTaskDays))
		res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE deleted = 1 AND deleted_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge deleted tasks: %w", err)
		}
		result.PurgedTasks, _ = res.RowsAffected()
	}

	return result, nil
}
