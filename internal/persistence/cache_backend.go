package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/tally/internal/cache"
)

// CacheBackend stores cache entries in the cache_entries table so several
// tally processes sharing one database share one cache.
type CacheBackend struct {
	store *Store
}

var _ cache.Backend = (*CacheBackend)(nil)

// CacheBackend returns a cache.Backend over s.
func (s *Store) CacheBackend() *CacheBackend {
	return &CacheBackend{store: s}
}

func (b *CacheBackend) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	var (
		e                   cache.Entry
		computed, expiresAt int64
	)
	err := b.store.db.QueryRowContext(ctx, `
		SELECT key, payload, computed_at, expires_at FROM cache_entries WHERE key = ?;
	`, key).Scan(&e.Key, &e.Payload, &computed, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("cache get: %w", err)
	}
	e.ComputedAt = fromMillis(computed)
	e.TTL = time.Duration(expiresAt-computed) * time.Millisecond
	return e, true, nil
}

func (b *CacheBackend) Set(ctx context.Context, e cache.Entry) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := b.store.db.ExecContext(ctx, `
			INSERT INTO cache_entries (key, payload, computed_at, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				payload=excluded.payload,
				computed_at=excluded.computed_at,
				expires_at=excluded.expires_at;
		`, e.Key, e.Payload, toMillis(e.ComputedAt), toMillis(e.ExpiresAt()))
		if err != nil {
			return fmt.Errorf("cache set: %w", err)
		}
		return nil
	})
}

func (b *CacheBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.store.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?;`, key); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

func (b *CacheBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	res, err := b.store.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key LIKE ? ESCAPE '\';`, likePrefix(prefix))
	if err != nil {
		return 0, fmt.Errorf("cache delete prefix: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *CacheBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.store.db.QueryContext(ctx, `SELECT key FROM cache_entries WHERE key LIKE ? ESCAPE '\' ORDER BY key;`, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("cache keys: %w", err)
	}
	return scanStrings(rows)
}

func (b *CacheBackend) Purge(ctx context.Context, now time.Time) (int, error) {
	res, err := b.store.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?;`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// likePrefix escapes LIKE wildcards in prefix and appends %.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
