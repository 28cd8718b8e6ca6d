package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/tally/internal/bus"
	"github.com/basket/tally/internal/model"
)

// ErrTaskNotFound is returned for writes and reads against an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

const taskColumns = `id, user_id, status, priority, created_at, due_at, completed_at, deleted, deleted_at`

func scanTask(scanFn func(dest ...any) error) (model.TaskSnapshot, error) {
	var (
		t                         model.TaskSnapshot
		status, priority          string
		created                   int64
		due, completed, deletedAt sql.NullInt64
		deleted                   int
	)
	if err := scanFn(&t.ID, &t.UserID, &status, &priority, &created, &due, &completed, &deleted, &deletedAt); err != nil {
		return model.TaskSnapshot{}, err
	}
	t.Status = model.TaskStatus(status)
	t.Priority = model.TaskPriority(priority)
	t.CreatedAt = fromMillis(created)
	t.DueAt = fromNullMillis(due)
	t.CompletedAt = fromNullMillis(completed)
	t.Deleted = deleted != 0
	t.DeletedAt = fromNullMillis(deletedAt)
	return t, nil
}

// SaveTask inserts or replaces a task row and emits the matching mutation
// event: created for a new id, completed when the task transitions to done,
// updated otherwise.
func (s *Store) SaveTask(ctx context.Context, t model.TaskSnapshot) (model.MutationEvent, error) {
	if t.UserID == "" {
		return model.MutationEvent{}, fmt.Errorf("%w: task %s has no user", model.ErrInvalidSnapshot, t.ID)
	}
	if t.Priority == "" {
		t.Priority = model.PriorityMedium
	}
	if err := t.Validate(); err != nil {
		return model.MutationEvent{}, err
	}

	kind := model.MutationUpdated
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var prevStatus string
		err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, t.ID).Scan(&prevStatus)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			kind = model.MutationCreated
		case err != nil:
			return err
		case prevStatus != string(model.StatusDone) && t.Status == model.StatusDone:
			kind = model.MutationCompleted
		default:
			kind = model.MutationUpdated
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				user_id=excluded.user_id,
				status=excluded.status,
				priority=excluded.priority,
				created_at=excluded.created_at,
				due_at=excluded.due_at,
				completed_at=excluded.completed_at,
				deleted=excluded.deleted,
				deleted_at=excluded.deleted_at,
				updated_at=excluded.updated_at;
		`, t.ID, t.UserID, string(t.Status), string(t.Priority), toMillis(t.CreatedAt),
			toNullMillis(t.DueAt), toNullMillis(t.CompletedAt), boolToInt(t.Deleted), toNullMillis(t.DeletedAt),
			toMillis(s.now())); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return model.MutationEvent{}, unavailable("save task", err)
	}

	at := s.now()
	if kind == model.MutationCreated {
		at = t.CreatedAt
	}
	if kind == model.MutationCompleted {
		at = *t.CompletedAt
	}
	return s.emit(ctx, t.UserID, t.ID, kind, at), nil
}

// CompleteTask marks a task done at at.
func (s *Store) CompleteTask(ctx context.Context, taskID string, at time.Time) error {
	var userID string
	err := retryOnBusy(ctx, 5, func() error {
		return s.db.QueryRowContext(ctx, `
			UPDATE tasks SET status = 'done', completed_at = ?, updated_at = ?
			WHERE id = ? AND status != 'done' AND deleted = 0 AND created_at <= ?
			RETURNING user_id;
		`, toMillis(at), toMillis(s.now()), taskID, toMillis(at)).Scan(&userID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("complete %s: %w", taskID, ErrTaskNotFound)
	}
	if err != nil {
		return unavailable("complete task", err)
	}
	s.emit(ctx, userID, taskID, model.MutationCompleted, at)
	return nil
}

// DeleteTask soft-deletes a task. Its row stays so rollups can count the
// deletion on the day it happened.
func (s *Store) DeleteTask(ctx context.Context, taskID string, at time.Time) error {
	var userID string
	err := retryOnBusy(ctx, 5, func() error {
		return s.db.QueryRowContext(ctx, `
			UPDATE tasks SET deleted = 1, deleted_at = ?, updated_at = ?
			WHERE id = ? AND deleted = 0
			RETURNING user_id;
		`, toMillis(at), toMillis(s.now()), taskID).Scan(&userID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("delete %s: %w", taskID, ErrTaskNotFound)
	}
	if err != nil {
		return unavailable("delete task", err)
	}
	s.emit(ctx, userID, taskID, model.MutationDeleted, at)
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (model.TaskSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TaskSnapshot{}, fmt.Errorf("get %s: %w", taskID, ErrTaskNotFound)
	}
	if err != nil {
		return model.TaskSnapshot{}, unavailable("get task", err)
	}
	return t, nil
}

// TasksForUser returns every task of userID, soft-deleted ones included,
// ordered by creation time.
func (s *Store) TasksForUser(ctx context.Context, userID string) ([]model.TaskSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE user_id = ? ORDER BY created_at, id;
	`, userID)
	if err != nil {
		return nil, unavailable("tasks for user", err)
	}
	defer rows.Close()

	var out []model.TaskSnapshot
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, unavailable("scan task", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("tasks rows", err)
	}
	return out, nil
}

// ActiveUsers returns users with a task created, completed or deleted in
// [from, until), sorted.
func (s *Store) ActiveUsers(ctx context.Context, from, until time.Time) ([]string, error) {
	f, u := toMillis(from), toMillis(until)
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM tasks
		WHERE (created_at >= ? AND created_at < ?)
		   OR (completed_at >= ? AND completed_at < ?)
		   OR (deleted_at >= ? AND deleted_at < ?)
		ORDER BY user_id;
	`, f, u, f, u, f, u)
	if err != nil {
		return nil, unavailable("active users", err)
	}
	return scanStrings(rows)
}

// Users returns every user with at least one task row, sorted.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM tasks ORDER BY user_id;`)
	if err != nil {
		return nil, unavailable("users", err)
	}
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, unavailable("scan", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("rows", err)
	}
	return out, nil
}

// emit runs the synchronous hooks, then publishes on the bus. Hook failures
// are logged; the write has already committed.
func (s *Store) emit(ctx context.Context, userID, taskID string, kind model.MutationKind, at time.Time) model.MutationEvent {
	ev := model.MutationEvent{
		ID:         uuid.NewString(),
		UserID:     userID,
		TaskID:     taskID,
		Kind:       kind,
		OccurredAt: at,
	}
	s.hooksMu.RLock()
	hooks := append([]MutationHook(nil), s.hooks...)
	s.hooksMu.RUnlock()
	for _, h := range hooks {
		if err := h(ctx, ev); err != nil {
			s.logger.Warn("mutation hook failed", "user_id", userID, "task_id", taskID, "event", kind, "error", err)
		}
	}
	s.bus.Publish(bus.TaskTopic(kind), ev)
	return ev
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
