package store

import (
	"context"
	"time"
)

// UpsertEntity inserts or updates a tracked collection.
func (d *DB) UpsertEntity(ctx context.Context, e Entity) error {
	_, err := d.sql.ExecContext(ctx, `
	INSERT INTO collections (chain_id, address, handle, complete)
	VALUES (?,?,?,?)
	ON CONFLICT(chain_id, address) DO UPDATE SET handle=excluded.handle, complete=excluded.complete`,
		e.ChainID, e.Address, e.Handle, boolToInt(e.Complete))
	return err
}

// DeleteEntity removes a tracked collection.
func (d *DB) DeleteEntity(ctx context.Context, chainID, address string) error {
	_, err := d.sql.ExecContext(ctx, `DELETE FROM collections WHERE chain_id=? AND address=?`, chainID, address)
	return err
}

// CompleteEntities returns the trackable set: collections whose onboarding
// has completed, oldest first.
func (d *DB) CompleteEntities(ctx context.Context) ([]Entity, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT chain_id, address, handle, complete FROM collections WHERE complete=1 ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entity
	for rows.Next() {
		var e Entity
		var complete int
		if err := rows.Scan(&e.ChainID, &e.Address, &e.Handle, &complete); err != nil {
			return nil, err
		}
		e.Complete = complete != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// WatchCompleteEntities emits deltas for the trackable entity set.
func (d *DB) WatchCompleteEntities(ctx context.Context, interval time.Duration) <-chan []Change[Entity] {
	return runWatch(ctx, interval, d.CompleteEntities, func(e Entity) string { return e.Key() })
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
