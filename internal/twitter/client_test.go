package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"socialfeed/internal/logging"
	"socialfeed/internal/store"
)

func newTestClient(t *testing.T, ts *httptest.Server, creds store.BotAccountCredentials) *Client {
	t.Helper()
	c := NewClient(creds, nil, logging.Nop())
	c.baseURL = ts.URL
	c.tokenURL = ts.URL + "/oauth2/token"
	c.httpClient = ts.Client()
	c.dispatchGap = time.Millisecond
	c.backoffSeed = 20 * time.Millisecond
	return c
}

func TestGetUsersParsesDataAndErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users/by", r.URL.Path)
		require.Equal(t, "alice,bob", r.URL.Query().Get("usernames"))
		fmt.Fprint(w, `{
			"data": [{"id":"1","username":"alice","name":"Alice"}],
			"errors": [{"value":"bob","title":"Not Found Error","detail":"Could not find user with usernames: [bob]."}]
		}`)
	}))
	defer ts.Close()

	c := newTestClient(t, ts, store.BotAccountCredentials{Username: "feedbot1", AccessToken: "tok"})
	users, apiErrs, err := c.GetUsers(context.Background(), []string{"alice", "bob"})
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "alice", users[0].Username)
	require.Len(t, apiErrs, 1)
	require.Equal(t, "bob", apiErrs[0].Value)
}

func TestRateLimitWaitsForReset(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("x-rate-limit-remaining", "0")
			w.Header().Set("x-rate-limit-reset", strconv.FormatInt(time.Now().Add(2*time.Second).Unix(), 10))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":"1","username":"alice"}]}`)
	}))
	defer ts.Close()

	c := newTestClient(t, ts, store.BotAccountCredentials{Username: "feedbot1"})
	start := time.Now()
	users, _, err := c.GetUsers(context.Background(), []string{"alice"})
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, int64(2), calls.Load())
	// The retry must have waited for the advertised reset, not the backoff.
	require.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestRateLimitBackoffWithoutHeaders(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":"1","username":"alice"}]}`)
	}))
	defer ts.Close()

	c := newTestClient(t, ts, store.BotAccountCredentials{Username: "feedbot1"})
	start := time.Now()
	_, _, err := c.GetUsers(context.Background(), []string{"alice"})
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), c.backoffSeed)
}

func TestTerminalFailureAfterRetryCap(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c := newTestClient(t, ts, store.BotAccountCredentials{Username: "feedbot1"})
	_, _, err := c.GetUsers(context.Background(), []string{"alice"})
	var reqErr *RequestFailedError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, http.StatusTooManyRequests, reqErr.StatusCode)
	require.Equal(t, c.maxAttempts, reqErr.Attempts)
}

func TestUnauthorizedRefreshesAndRetries(t *testing.T) {
	var refreshes atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		require.Equal(t, "rt-old", r.Form.Get("refresh_token"))
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "cid", user)
		require.Equal(t, "csecret", pass)
		refreshes.Add(1)
		_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: "at-new", RefreshToken: "rt-new", ExpiresIn: 7200})
	})
	mux.HandleFunc("/users/by", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":"1","username":"alice"}]}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	var saved atomic.Value
	creds := store.BotAccountCredentials{
		Username: "feedbot1", ClientID: "cid", ClientSecret: "csecret",
		AccessToken: "at-old", RefreshToken: "rt-old",
	}
	c := newTestClient(t, ts, creds)
	c.saveCreds = func(ctx context.Context, c store.BotAccountCredentials) error {
		saved.Store(c)
		return nil
	}

	users, _, err := c.GetUsers(context.Background(), []string{"alice"})
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, int64(1), refreshes.Load())

	got, ok := saved.Load().(store.BotAccountCredentials)
	require.True(t, ok, "refreshed credentials were not persisted")
	require.Equal(t, "at-new", got.AccessToken)
	require.Equal(t, "rt-new", got.RefreshToken)
	require.True(t, got.RefreshTokenValidUntil.After(time.Now().Add(time.Hour)))
}

func TestForbiddenSuppressesEndpoint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	c := newTestClient(t, ts, store.BotAccountCredentials{Username: "feedbot1"})
	_, err := c.AddListMember(context.Background(), "l1", "u1")
	var reqErr *RequestFailedError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, http.StatusForbidden, reqErr.StatusCode)

	until := c.RateLimitedUntil(EndpointAddListMember)
	require.True(t, until.After(time.Now().Add(23*time.Hour)), "403 must suppress the endpoint for a day")
}

func TestUnknownStatusIsTerminal(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c := newTestClient(t, ts, store.BotAccountCredentials{Username: "feedbot1"})
	_, err := c.CreateList(context.Background(), "feed-x")
	var reqErr *RequestFailedError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, http.StatusBadGateway, reqErr.StatusCode)
	require.Equal(t, int64(1), calls.Load(), "unknown statuses are not retried")
}

func TestCloseStopsDispatchWorkers(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"1","username":"alice"}]}`)
	}))
	defer ts.Close()

	c := newTestClient(t, ts, store.BotAccountCredentials{Username: "feedbot1"})
	_, _, err := c.GetUsers(context.Background(), []string{"alice"})
	require.NoError(t, err)

	c.Close()
	c.Close() // idempotent

	done := make(chan error, 1)
	go func() {
		_, _, err := c.GetUsers(context.Background(), []string{"alice"})
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("call against a closed client never returned")
	}
}
