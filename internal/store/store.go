// Package store implements the persistent collaborator over SQLite: point
// reads and writes, multi-document transactions, atomic increments, and
// live queries delivering ordered added/modified/removed deltas.
package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	// ErrCapacity is returned when a transactional capacity check fails,
	// e.g. an account already owns its maximum number of lists.
	ErrCapacity = errors.New("store: capacity ceiling reached")
	// ErrNotFound is returned for point reads of absent documents.
	ErrNotFound = errors.New("store: not found")
)

// DB wraps the SQLite database backing the ingestion engine.
type DB struct{ sql *sql.DB }

func Open(path string) (*DB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The store is single-process; one writer connection keeps the
	// read-then-conditional-write transactions serializable.
	d.SetMaxOpenConns(1)
	if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;`); err != nil {
		return nil, err
	}
	db := &DB{sql: d}
	if err := db.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	_, err := d.sql.Exec(`
	CREATE TABLE IF NOT EXISTS accounts (
	  username TEXT PRIMARY KEY,
	  id TEXT NOT NULL DEFAULT '',
	  api_key TEXT NOT NULL DEFAULT '',
	  api_key_secret TEXT NOT NULL DEFAULT '',
	  access_token_v1 TEXT NOT NULL DEFAULT '',
	  access_secret_v1 TEXT NOT NULL DEFAULT '',
	  client_id TEXT NOT NULL DEFAULT '',
	  client_secret TEXT NOT NULL DEFAULT '',
	  access_token TEXT NOT NULL DEFAULT '',
	  refresh_token TEXT NOT NULL DEFAULT '',
	  refresh_token_valid_until INTEGER NOT NULL DEFAULT 0,
	  num_lists INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS lists (
	  id TEXT PRIMARY KEY,
	  account TEXT NOT NULL,
	  name TEXT NOT NULL DEFAULT '',
	  num_members INTEGER NOT NULL DEFAULT 0,
	  tweet_poll_interval_ms INTEGER NOT NULL DEFAULT 60000,
	  most_recent_tweet_id TEXT NOT NULL DEFAULT '',
	  total_tweets INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_lists_account ON lists(account);
	CREATE TABLE IF NOT EXISTS members (
	  user_id TEXT PRIMARY KEY,
	  username TEXT NOT NULL,
	  state TEXT NOT NULL CHECK (state IN ('queued','pending','added')),
	  pending_since INTEGER,
	  list_id TEXT NOT NULL DEFAULT '',
	  list_owner TEXT NOT NULL DEFAULT '',
	  subscriptions TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_members_state ON members(state);
	CREATE INDEX IF NOT EXISTS idx_members_username ON members(username);
	CREATE TABLE IF NOT EXISTS collections (
	  chain_id TEXT NOT NULL,
	  address TEXT NOT NULL,
	  handle TEXT NOT NULL DEFAULT '',
	  complete INTEGER NOT NULL DEFAULT 0,
	  PRIMARY KEY (chain_id, address)
	);
	CREATE TABLE IF NOT EXISTS feed_events (
	  tweet_id TEXT NOT NULL,
	  chain_id TEXT NOT NULL,
	  address TEXT NOT NULL,
	  payload TEXT NOT NULL DEFAULT '',
	  ts INTEGER NOT NULL,
	  PRIMARY KEY (tweet_id, chain_id, address)
	);
	`)
	return err
}

// EntityKey returns the canonical "chainId:address" subscription key.
func EntityKey(chainID, address string) string {
	return chainID + ":" + strings.ToLower(strings.TrimSpace(address))
}

// SplitEntityKey is the inverse of EntityKey.
func SplitEntityKey(key string) (chainID, address string) {
	chainID, address, _ = strings.Cut(key, ":")
	return chainID, address
}

// inTx runs fn inside a transaction, committing on nil error.
func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
