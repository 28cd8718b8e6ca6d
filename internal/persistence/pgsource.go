package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/tally/internal/model"
)

// PGSource reads task rows from an external PostgreSQL record store. The
// engine never writes there; writes come in as NOTIFY payloads.
type PGSource struct {
	pool   *pgxpool.Pool
	table  string
	logger *slog.Logger
}

// PGSourceConfig configures NewPGSource.
type PGSourceConfig struct {
	DSN string
	// Table defaults to "tasks". It must have id, user_id, status, priority,
	// created_at, due_at, completed_at and deleted_at columns.
	Table    string
	MaxConns int32
	Logger   *slog.Logger
}

// NewPGSource connects a pool and verifies it with a ping.
func NewPGSource(ctx context.Context, cfg PGSourceConfig) (*PGSource, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", model.ErrDataUnavailable, err)
	}
	table := cfg.Table
	if table == "" {
		table = "tasks"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PGSource{pool: pool, table: pgx.Identifier{table}.Sanitize(), logger: logger.With("component", "pgsource")}, nil
}

func (p *PGSource) Close() { p.pool.Close() }

func (p *PGSource) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", model.ErrDataUnavailable, err)
	}
	return nil
}

func (p *PGSource) TasksForUser(ctx context.Context, userID string) ([]model.TaskSnapshot, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, status, COALESCE(priority, 'medium'), created_at, due_at, completed_at, deleted_at
		FROM `+p.table+` WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("tasks for user: %w: %v", model.ErrDataUnavailable, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.TaskSnapshot, error) {
		var (
			t                model.TaskSnapshot
			status, priority string
		)
		if err := row.Scan(&t.ID, &t.UserID, &status, &priority, &t.CreatedAt, &t.DueAt, &t.CompletedAt, &t.DeletedAt); err != nil {
			return t, err
		}
		t.Status = model.TaskStatus(status)
		t.Priority = model.TaskPriority(priority)
		t.Deleted = t.DeletedAt != nil
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan tasks: %w: %v", model.ErrDataUnavailable, err)
	}
	return out, nil
}

func (p *PGSource) ActiveUsers(ctx context.Context, from, until time.Time) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT user_id FROM `+p.table+`
		WHERE (created_at >= $1 AND created_at < $2)
		   OR (completed_at >= $1 AND completed_at < $2)
		   OR (deleted_at >= $1 AND deleted_at < $2)
		ORDER BY user_id`, from, until)
	if err != nil {
		return nil, fmt.Errorf("active users: %w: %v", model.ErrDataUnavailable, err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan users: %w: %v", model.ErrDataUnavailable, err)
	}
	return users, nil
}

func (p *PGSource) Users(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT user_id FROM `+p.table+` ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("users: %w: %v", model.ErrDataUnavailable, err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan users: %w: %v", model.ErrDataUnavailable, err)
	}
	return users, nil
}

// Listen subscribes to channel and calls fn with each decoded mutation
// until ctx is done or the connection fails. Payloads are JSON
// model.MutationEvent objects; ones that fail to decode are logged and
// skipped. ready, when set, is called once LISTEN has been issued.
func (p *PGSource) Listen(ctx context.Context, channel string, ready func(), fn func(context.Context, model.MutationEvent)) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	p.logger.Info("listening for task mutations", "channel", channel)
	if ready != nil {
		ready()
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		ev, err := DecodeMutation([]byte(n.Payload))
		if err != nil {
			p.logger.Warn("dropping malformed mutation notification", "channel", channel, "error", err)
			continue
		}
		fn(ctx, ev)
	}
}

// DecodeMutation parses a NOTIFY payload.
func DecodeMutation(payload []byte) (model.MutationEvent, error) {
	var ev model.MutationEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, fmt.Errorf("decode mutation: %w", err)
	}
	if ev.UserID == "" {
		return ev, errors.New("decode mutation: missing user_id")
	}
	switch ev.Kind {
	case model.MutationCreated, model.MutationCompleted, model.MutationUpdated, model.MutationDeleted:
	default:
		return ev, fmt.Errorf("decode mutation: unknown event %q", ev.Kind)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	return ev, nil
}
