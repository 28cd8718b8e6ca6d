package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/tally/internal/bus"
	"github.com/basket/tally/internal/model"
)

const rollupColumns = `user_id, date, tasks_created, tasks_completed, tasks_deleted, completion_rate, productivity_score`

// WriteRollup stores r. A provisional row (final false) belongs to a day
// that is still open and is replaced by every later write. A final row is
// insert-once: it replaces a provisional row for the same (user, date) and
// is never rewritten afterwards. written reports whether a row changed.
func (s *Store) WriteRollup(ctx context.Context, r model.DailyRollup, final bool) (written bool, err error) {
	const conflict = `ON CONFLICT(user_id, date) DO UPDATE SET
			tasks_created=excluded.tasks_created,
			tasks_completed=excluded.tasks_completed,
			tasks_deleted=excluded.tasks_deleted,
			completion_rate=excluded.completion_rate,
			productivity_score=excluded.productivity_score,
			written_at=excluded.written_at,
			final=excluded.final
		WHERE daily_rollups.final = 0`
	finalFlag := 0
	if final {
		finalFlag = 1
	}
	var affected int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO daily_rollups (`+rollupColumns+`, written_at, final)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`+conflict+`;
		`, r.UserID, r.Date, r.TasksCreated, r.TasksCompleted, r.TasksDeleted,
			r.CompletionRate, r.ProductivityScore, toMillis(s.now()), finalFlag)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, unavailable("write rollup", err)
	}
	if affected > 0 {
		s.bus.Publish(bus.TopicRollupWritten, bus.RollupWritten{UserID: r.UserID, Date: r.Date})
	}
	return affected > 0, nil
}

// RollupFinal reports whether the row for (userID, date) is final. ok is
// false when no row exists.
func (s *Store) RollupFinal(ctx context.Context, userID, date string) (final, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT final FROM daily_rollups WHERE user_id = ? AND date = ?;`, userID, date).Scan(&final)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, unavailable("rollup final", err)
	}
	return final, true, nil
}

// GetRollup returns the stored row for (userID, date).
func (s *Store) GetRollup(ctx context.Context, userID, date string) (model.DailyRollup, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rollupColumns+` FROM daily_rollups WHERE user_id = ? AND date = ?;
	`, userID, date)
	if err != nil {
		return model.DailyRollup{}, false, unavailable("get rollup", err)
	}
	out, err := scanRollups(rows)
	if err != nil || len(out) == 0 {
		return model.DailyRollup{}, false, err
	}
	return out[0], true, nil
}

// RollupsForUser returns userID's rows with date in r, ordered by date.
// Missing days are simply absent.
func (s *Store) RollupsForUser(ctx context.Context, userID string, r model.DateRange) ([]model.DailyRollup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rollupColumns+` FROM daily_rollups
		WHERE user_id = ? AND date >= ? AND date <= ?
		ORDER BY date;
	`, userID, r.Start.Format(model.DayLayout), r.End.Format(model.DayLayout))
	if err != nil {
		return nil, unavailable("rollups for user", err)
	}
	return scanRollups(rows)
}

// RollupUsers returns the users with at least one row for date.
func (s *Store) RollupUsers(ctx context.Context, date string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM daily_rollups WHERE date = ? ORDER BY user_id;`, date)
	if err != nil {
		return nil, unavailable("rollup users", err)
	}
	return scanStrings(rows)
}

func scanRollups(rows *sql.Rows) ([]model.DailyRollup, error) {
	defer rows.Close()
	var out []model.DailyRollup
	for rows.Next() {
		var r model.DailyRollup
		if err := rows.Scan(&r.UserID, &r.Date, &r.TasksCreated, &r.TasksCompleted, &r.TasksDeleted,
			&r.CompletionRate, &r.ProductivityScore); err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("rollup rows", err)
	}
	return out, nil
}
