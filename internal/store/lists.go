package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateList runs the account's optimistic-concurrency guard. The platform
// create happens outside any transaction: it can block for a long time
// (rate-limit sleeps, token refresh) and may itself need the store, so it
// must not hold the write connection. Capacity is checked before the call
// and re-checked inside the persisting transaction; a concurrent creation
// that exhausted capacity in between aborts with ErrCapacity and records
// nothing.
func (d *DB) CreateList(ctx context.Context, account string, maxLists int, create func(ctx context.Context) (ListRecord, error)) (ListRecord, error) {
	var rec ListRecord
	if err := d.checkListCapacity(ctx, account, maxLists); err != nil {
		return rec, err
	}

	rec, err := create(ctx)
	if err != nil {
		return rec, err
	}
	rec.Account = account

	err = d.inTx(ctx, func(tx *sql.Tx) error {
		var numLists int
		err := tx.QueryRowContext(ctx, `SELECT num_lists FROM accounts WHERE username=?`, account).Scan(&numLists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("account %q: %w", account, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if numLists+1 > maxLists {
			return fmt.Errorf("account %q has %d lists: %w", account, numLists, ErrCapacity)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO lists (id, account, name, num_members, tweet_poll_interval_ms, most_recent_tweet_id, total_tweets)
			 VALUES (?,?,?,0,?, '', 0)`,
			rec.ID, account, rec.Name, rec.TweetPollInterval.Milliseconds()); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE accounts SET num_lists = num_lists + 1 WHERE username=?`, account)
		return err
	})
	return rec, err
}

func (d *DB) checkListCapacity(ctx context.Context, account string, maxLists int) error {
	var numLists int
	err := d.sql.QueryRowContext(ctx, `SELECT num_lists FROM accounts WHERE username=?`, account).Scan(&numLists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("account %q: %w", account, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if numLists+1 > maxLists {
		return fmt.Errorf("account %q has %d lists: %w", account, numLists, ErrCapacity)
	}
	return nil
}

// ListsForAccount returns the account's lists, oldest first.
func (d *DB) ListsForAccount(ctx context.Context, account string) ([]ListRecord, error) {
	rows, err := d.sql.QueryContext(ctx, listSelect+` WHERE account=? ORDER BY rowid`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ListRecord
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetList reads one list by id.
func (d *DB) GetList(ctx context.Context, id string) (ListRecord, error) {
	row := d.sql.QueryRowContext(ctx, listSelect+` WHERE id=?`, id)
	l, err := scanList(row)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	return l, err
}

// AdvanceListWatermark atomically persists the new watermark and adds the
// emitted count to the list's running total.
func (d *DB) AdvanceListWatermark(ctx context.Context, listID, watermark string, emitted int) error {
	_, err := d.sql.ExecContext(ctx,
		`UPDATE lists SET most_recent_tweet_id=?, total_tweets=total_tweets+? WHERE id=?`,
		watermark, emitted, listID)
	return err
}

// WatchListsForAccount emits deltas for one account's list sub-collection.
func (d *DB) WatchListsForAccount(ctx context.Context, account string, interval time.Duration) <-chan []Change[ListRecord] {
	load := func(ctx context.Context) ([]ListRecord, error) { return d.ListsForAccount(ctx, account) }
	return runWatch(ctx, interval, load, func(l ListRecord) string { return l.ID })
}

const listSelect = `SELECT id, account, name, num_members, tweet_poll_interval_ms, most_recent_tweet_id, total_tweets FROM lists`

func scanList(r rowScanner) (ListRecord, error) {
	var l ListRecord
	var intervalMs int64
	err := r.Scan(&l.ID, &l.Account, &l.Name, &l.NumMembers, &intervalMs, &l.MostRecentTweetID, &l.TotalTweets)
	l.TweetPollInterval = time.Duration(intervalMs) * time.Millisecond
	return l, err
}
