package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SaveAccount inserts or replaces a bot account's credentials.
func (d *DB) SaveAccount(ctx context.Context, a BotAccountCredentials) error {
	_, err := d.sql.ExecContext(ctx, `
	INSERT INTO accounts (username, id, api_key, api_key_secret, access_token_v1, access_secret_v1,
	  client_id, client_secret, access_token, refresh_token, refresh_token_valid_until, num_lists)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(username) DO UPDATE SET
	  id=excluded.id, api_key=excluded.api_key, api_key_secret=excluded.api_key_secret,
	  access_token_v1=excluded.access_token_v1, access_secret_v1=excluded.access_secret_v1,
	  client_id=excluded.client_id, client_secret=excluded.client_secret,
	  access_token=excluded.access_token, refresh_token=excluded.refresh_token,
	  refresh_token_valid_until=excluded.refresh_token_valid_until`,
		a.Username, a.ID, a.APIKey, a.APIKeySecret, a.AccessTokenV1, a.AccessSecretV1,
		a.ClientID, a.ClientSecret, a.AccessToken, a.RefreshToken,
		unixOrZero(a.RefreshTokenValidUntil), a.NumLists)
	return err
}

// UpdateAccountTokens persists refreshed OAuth2 tokens.
func (d *DB) UpdateAccountTokens(ctx context.Context, username, accessToken, refreshToken string, validUntil time.Time) error {
	res, err := d.sql.ExecContext(ctx,
		`UPDATE accounts SET access_token=?, refresh_token=?, refresh_token_valid_until=? WHERE username=?`,
		accessToken, refreshToken, unixOrZero(validUntil), username)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// GetAccount reads one bot account by username.
func (d *DB) GetAccount(ctx context.Context, username string) (BotAccountCredentials, error) {
	row := d.sql.QueryRowContext(ctx, accountSelect+` WHERE username=?`, username)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

// Accounts returns every provisioned bot account, oldest first.
func (d *DB) Accounts(ctx context.Context) ([]BotAccountCredentials, error) {
	rows, err := d.sql.QueryContext(ctx, accountSelect+` ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BotAccountCredentials
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// WatchAccounts emits deltas for the account collection.
func (d *DB) WatchAccounts(ctx context.Context, interval time.Duration) <-chan []Change[BotAccountCredentials] {
	return runWatch(ctx, interval, d.Accounts, func(a BotAccountCredentials) string { return a.Username })
}

const accountSelect = `SELECT username, id, api_key, api_key_secret, access_token_v1, access_secret_v1,
  client_id, client_secret, access_token, refresh_token, refresh_token_valid_until, num_lists FROM accounts`

type rowScanner interface{ Scan(dest ...any) error }

func scanAccount(r rowScanner) (BotAccountCredentials, error) {
	var a BotAccountCredentials
	var validUntil int64
	err := r.Scan(&a.Username, &a.ID, &a.APIKey, &a.APIKeySecret, &a.AccessTokenV1, &a.AccessSecretV1,
		&a.ClientID, &a.ClientSecret, &a.AccessToken, &a.RefreshToken, &validUntil, &a.NumLists)
	if validUntil > 0 {
		a.RefreshTokenValidUntil = time.Unix(validUntil, 0).UTC()
	}
	return a, err
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
