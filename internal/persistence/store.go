// Package persistence is tally's SQLite record store: task rows, daily
// rollups, the shared cache table and persisted snapshot generations.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/tally/internal/bus"
	"github.com/basket/tally/internal/model"
)

// migration is one forward-only schema step. Checksums pin the statements
// so a database touched by a different build is refused.
type migration struct {
	version  int
	checksum string
	stmts    []string
}

var migrations = []migration{
	{
		version:  1,
		checksum: "tl-v1-2026-03-02-tasks-rollups",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				status TEXT NOT NULL CHECK(status IN ('pending', 'in_progress', 'done')),
				priority TEXT NOT NULL DEFAULT 'medium' CHECK(priority IN ('low', 'medium', 'high')),
				created_at INTEGER NOT NULL,
				due_at INTEGER,
				completed_at INTEGER,
				deleted INTEGER NOT NULL DEFAULT 0,
				deleted_at INTEGER,
				updated_at INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(completed_at);`,
			`CREATE TABLE IF NOT EXISTS daily_rollups (
				user_id TEXT NOT NULL,
				date TEXT NOT NULL,
				tasks_created INTEGER NOT NULL,
				tasks_completed INTEGER NOT NULL,
				tasks_deleted INTEGER NOT NULL,
				completion_rate REAL NOT NULL,
				productivity_score REAL NOT NULL,
				written_at INTEGER NOT NULL,
				PRIMARY KEY (user_id, date)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_rollups_date ON daily_rollups(date);`,
			`CREATE TABLE IF NOT EXISTS kv_store (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			);`,
		},
	},
	{
		version:  2,
		checksum: "tl-v2-2026-03-09-cache-snapshots",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS cache_entries (
				key TEXT PRIMARY KEY,
				payload BLOB NOT NULL,
				computed_at INTEGER NOT NULL,
				expires_at INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);`,
			`CREATE TABLE IF NOT EXISTS aggregate_snapshots (
				generation INTEGER NOT NULL,
				user_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				PRIMARY KEY (generation, user_id)
			);`,
			`CREATE TABLE IF NOT EXISTS snapshot_head (
				id INTEGER PRIMARY KEY CHECK(id = 1),
				generation INTEGER NOT NULL,
				built_at INTEGER NOT NULL
			);`,
		},
	},
	{
		version:  3,
		checksum: "tl-v3-2026-10-18-rollup-final",
		stmts: []string{
			`ALTER TABLE daily_rollups ADD COLUMN final INTEGER NOT NULL DEFAULT 0;`,
			// Rows written on a later (UTC) day than their date were already closed.
			`UPDATE daily_rollups SET final = 1 WHERE date < date(written_at / 1000, 'unixepoch');`,
		},
	},
}

// MutationHook runs synchronously after a task write commits.
type MutationHook func(ctx context.Context, ev model.MutationEvent) error

type Store struct {
	db     *sql.DB
	bus    *bus.Bus // may be nil in tests
	logger *slog.Logger
	now    func() time.Time

	hooksMu sync.RWMutex
	hooks   []MutationHook
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tally", "tally.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, logger: slog.Default(), now: time.Now}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l.With("component", "persistence")
	}
}

// OnMutation registers hook to run after every committed task write.
func (s *Store) OnMutation(hook MutationHook) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, hook)
	s.hooksMu.Unlock()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", model.ErrDataUnavailable, err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = f(); err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// unavailable wraps a driver error so callers can match ErrDataUnavailable.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, model.ErrDataUnavailable, err)
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func latestSchemaVersion() int { return migrations[len(migrations)-1].version }

// migrate verifies the checksum of every applied migration and applies the
// rest in one transaction.
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > latestSchemaVersion() {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, latestSchemaVersion())
	}

	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing); err != nil {
				return fmt.Errorf("read schema migration checksum v%d: %w", m.version, err)
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
			}
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at;
	`, key, val, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet returns "" when key is absent.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
