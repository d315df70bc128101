package store

import (
	"context"
)

// WriteFeedEvent appends one attributed event to the feed. The write is
// idempotent on (tweet id, entity); replays are dropped.
func (d *DB) WriteFeedEvent(ctx context.Context, ev FeedEvent) error {
	_, err := d.sql.ExecContext(ctx, `
	INSERT OR IGNORE INTO feed_events (tweet_id, chain_id, address, payload, ts)
	VALUES (?,?,?,?,?)`,
		ev.TweetID, ev.ChainID, ev.Address, ev.Payload, ev.Timestamp.Unix())
	return err
}

// CountFeedEvents reports the feed size, used by tests and diagnostics.
func (d *DB) CountFeedEvents(ctx context.Context) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM feed_events`).Scan(&n)
	return n, err
}
