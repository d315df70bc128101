package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// PutMember inserts or replaces a list member document.
func (d *DB) PutMember(ctx context.Context, m ListMember) error {
	subs, err := encodeSubs(m.Subscriptions)
	if err != nil {
		return err
	}
	_, err = d.sql.ExecContext(ctx, `
	INSERT INTO members (user_id, username, state, pending_since, list_id, list_owner, subscriptions)
	VALUES (?,?,?,?,?,?,?)
	ON CONFLICT(user_id) DO UPDATE SET
	  username=excluded.username, state=excluded.state, pending_since=excluded.pending_since,
	  list_id=excluded.list_id, list_owner=excluded.list_owner, subscriptions=excluded.subscriptions`,
		m.UserID, strings.ToLower(m.Username), string(m.State), nullableUnix(m.PendingSince), m.ListID, m.ListOwner, subs)
	return err
}

// GetMember reads one member by platform user id.
func (d *DB) GetMember(ctx context.Context, userID string) (ListMember, error) {
	row := d.sql.QueryRowContext(ctx, memberSelect+` WHERE user_id=?`, userID)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}

// GetMemberByUsername reads one member by its (case-insensitive) username.
func (d *DB) GetMemberByUsername(ctx context.Context, username string) (ListMember, error) {
	row := d.sql.QueryRowContext(ctx, memberSelect+` WHERE username=?`, strings.ToLower(strings.TrimSpace(username)))
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}

// MembersByState returns members in a given state, oldest first.
func (d *DB) MembersByState(ctx context.Context, state MemberState) ([]ListMember, error) {
	rows, err := d.sql.QueryContext(ctx, memberSelect+` WHERE state=? ORDER BY rowid`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMembers(rows)
}

// MembersSubscribedTo returns every member whose subscription map contains
// the given entity key.
func (d *DB) MembersSubscribedTo(ctx context.Context, entityKey string) ([]ListMember, error) {
	rows, err := d.sql.QueryContext(ctx, memberSelect+
		` WHERE EXISTS (SELECT 1 FROM json_each(members.subscriptions) WHERE json_each.key = ?) ORDER BY rowid`,
		entityKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMembers(rows)
}

// WatchMembersByState emits deltas for the filtered member collection. The
// account queue feeds on the queued state.
func (d *DB) WatchMembersByState(ctx context.Context, state MemberState, interval time.Duration) <-chan []Change[ListMember] {
	load := func(ctx context.Context) ([]ListMember, error) { return d.MembersByState(ctx, state) }
	return runWatch(ctx, interval, load, func(m ListMember) string { return m.UserID })
}

// ClaimMemberPending marks a member pending with the claim timestamp before
// the platform add-member call goes out.
func (d *DB) ClaimMemberPending(ctx context.Context, userID string, now time.Time) error {
	res, err := d.sql.ExecContext(ctx,
		`UPDATE members SET state=?, pending_since=? WHERE user_id=?`,
		string(MemberPending), now.Unix(), userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// ConfirmMemberAdded transactionally records a confirmed platform membership:
// the member becomes added with its list linkage and the list's member count
// is incremented.
func (d *DB) ConfirmMemberAdded(ctx context.Context, userID, listID, listOwner string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE members SET state=?, pending_since=NULL, list_id=?, list_owner=? WHERE user_id=?`,
			string(MemberAdded), listID, listOwner, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE lists SET num_members = num_members + 1 WHERE id=?`, listID)
		return err
	})
}

// ResetMemberQueued sends a member back to the queue after a failed add, so
// it re-enters assignment rather than being lost.
func (d *DB) ResetMemberQueued(ctx context.Context, userID string) error {
	_, err := d.sql.ExecContext(ctx,
		`UPDATE members SET state=?, pending_since=NULL, list_id='', list_owner='' WHERE user_id=?`,
		string(MemberQueued), userID)
	return err
}

// DeleteMemberFromList transactionally removes the member document and
// decrements the owning list's member count.
func (d *DB) DeleteMemberFromList(ctx context.Context, userID, listID string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE user_id=?`, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE lists SET num_members = num_members - 1 WHERE id=?`, listID)
		return err
	})
}

// DeleteMember removes a member document that never reached a list.
func (d *DB) DeleteMember(ctx context.Context, userID string) error {
	_, err := d.sql.ExecContext(ctx, `DELETE FROM members WHERE user_id=?`, userID)
	return err
}

// AddSubscription idempotently adds an entity key to a member's subscription
// map. It reports whether the key was newly added.
func (d *DB) AddSubscription(ctx context.Context, userID, entityKey string, at time.Time) (bool, error) {
	added := false
	err := d.mutateSubs(ctx, userID, func(subs map[string]int64) {
		if _, ok := subs[entityKey]; !ok {
			subs[entityKey] = at.Unix()
			added = true
		}
	})
	return added, err
}

// RemoveSubscription removes an entity key from a member's subscription map
// and returns the number of subscriptions remaining.
func (d *DB) RemoveSubscription(ctx context.Context, userID, entityKey string) (int, error) {
	remaining := 0
	err := d.mutateSubs(ctx, userID, func(subs map[string]int64) {
		delete(subs, entityKey)
		remaining = len(subs)
	})
	return remaining, err
}

func (d *DB) mutateSubs(ctx context.Context, userID string, mutate func(map[string]int64)) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT subscriptions FROM members WHERE user_id=?`, userID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		subs := map[string]int64{}
		if err := json.Unmarshal([]byte(raw), &subs); err != nil {
			return err
		}
		mutate(subs)
		b, err := json.Marshal(subs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE members SET subscriptions=? WHERE user_id=?`, string(b), userID)
		return err
	})
}

// SweepStuckPending resets members that have been pending since before the
// cutoff back to queued, returning how many were swept.
func (d *DB) SweepStuckPending(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.sql.ExecContext(ctx,
		`UPDATE members SET state=?, pending_since=NULL, list_id='', list_owner='' WHERE state=? AND pending_since < ?`,
		string(MemberQueued), string(MemberPending), before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const memberSelect = `SELECT user_id, username, state, pending_since, list_id, list_owner, subscriptions FROM members`

func scanMember(r rowScanner) (ListMember, error) {
	var m ListMember
	var state, subs string
	var pendingSince sql.NullInt64
	if err := r.Scan(&m.UserID, &m.Username, &state, &pendingSince, &m.ListID, &m.ListOwner, &subs); err != nil {
		return m, err
	}
	m.State = MemberState(state)
	if pendingSince.Valid {
		m.PendingSince = time.Unix(pendingSince.Int64, 0).UTC()
	}
	raw := map[string]int64{}
	if err := json.Unmarshal([]byte(subs), &raw); err != nil {
		return m, err
	}
	m.Subscriptions = make(map[string]time.Time, len(raw))
	for k, v := range raw {
		m.Subscriptions[k] = time.Unix(v, 0).UTC()
	}
	return m, nil
}

func collectMembers(rows *sql.Rows) ([]ListMember, error) {
	var out []ListMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func encodeSubs(subs map[string]time.Time) (string, error) {
	raw := make(map[string]int64, len(subs))
	for k, v := range subs {
		raw[k] = v.Unix()
	}
	b, err := json.Marshal(raw)
	return string(b), err
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
