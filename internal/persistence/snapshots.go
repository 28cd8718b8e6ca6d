package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/tally/internal/model"
)

// SaveGeneration persists gen and moves the head pointer to it in one
// transaction. Generations older than the previous head are pruned.
func (s *Store) SaveGeneration(ctx context.Context, gen *model.Generation) error {
	if gen == nil {
		return errors.New("save generation: nil generation")
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO aggregate_snapshots (generation, user_id, payload) VALUES (?, ?, ?);
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for userID, snap := range gen.Users {
			payload, err := json.Marshal(snap)
			if err != nil {
				return fmt.Errorf("encode snapshot %s: %w", userID, err)
			}
			if _, err := stmt.ExecContext(ctx, int64(gen.ID), userID, string(payload)); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshot_head (id, generation, built_at) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET generation=excluded.generation, built_at=excluded.built_at;
		`, int64(gen.ID), toMillis(gen.BuiltAt)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM aggregate_snapshots WHERE generation < ?;`, int64(gen.ID)-1); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return unavailable("save generation", err)
	}
	return nil
}

// LoadLatestGeneration returns the generation the head points at, or nil
// when none has been saved.
func (s *Store) LoadLatestGeneration(ctx context.Context) (*model.Generation, error) {
	var id, builtAt int64
	err := s.db.QueryRowContext(ctx, `SELECT generation, built_at FROM snapshot_head WHERE id = 1;`).Scan(&id, &builtAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("load snapshot head", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT user_id, payload FROM aggregate_snapshots WHERE generation = ?;`, id)
	if err != nil {
		return nil, unavailable("load snapshots", err)
	}
	defer rows.Close()

	gen := &model.Generation{ID: uint64(id), BuiltAt: fromMillis(builtAt), Users: map[string]model.AggregateSnapshot{}}
	for rows.Next() {
		var userID, payload string
		if err := rows.Scan(&userID, &payload); err != nil {
			return nil, unavailable("scan snapshot", err)
		}
		var snap model.AggregateSnapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", userID, err)
		}
		gen.Users[userID] = snap
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("snapshot rows", err)
	}
	return gen, nil
}
