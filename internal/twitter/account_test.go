package twitter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"socialfeed/internal/batch"
	"socialfeed/internal/config"
	"socialfeed/internal/logging"
	"socialfeed/internal/store"
)

func usersByHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}
}

func newTestAccount(t *testing.T, ts *httptest.Server, cfg config.Config) (*BotAccount, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "account.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.SaveAccount(context.Background(), store.BotAccountCredentials{Username: "feedbot1"}))

	tweetc := make(chan TweetEvent, 16)
	a, err := NewBotAccount(db, cfg, store.BotAccountCredentials{Username: "feedbot1"}, NewAccountQueue(logging.Nop()), tweetc, logging.Nop())
	require.NoError(t, err)
	a.client = newTestClient(t, ts, store.BotAccountCredentials{Username: "feedbot1"})
	a.resolver, err = batch.New(5*time.Millisecond, userLookupBatchSize, a.resolveUsernames)
	require.NoError(t, err)
	return a, db
}

func TestGetUserBatchesLookups(t *testing.T) {
	var requests atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		fmt.Fprint(w, `{
			"data": [{"id":"1","username":"Alice","name":"Alice"}],
			"errors": [
				{"value":"bob","title":"Forbidden","detail":"User has been suspended: [bob]."},
				{"value":"ghost","title":"Not Found Error","detail":"Could not find user"}
			]
		}`)
	}))
	defer ts.Close()

	a, _ := newTestAccount(t, ts, config.Default())
	ctx := context.Background()

	var wg sync.WaitGroup
	var aliceErr, bobErr, ghostErr error
	var alice User
	wg.Add(3)
	go func() { defer wg.Done(); alice, aliceErr = a.GetUser(ctx, "ALICE") }()
	go func() { defer wg.Done(); _, bobErr = a.GetUser(ctx, "bob") }()
	go func() { defer wg.Done(); _, ghostErr = a.GetUser(ctx, "ghost") }()
	wg.Wait()

	require.NoError(t, aliceErr)
	require.Equal(t, "1", alice.ID)

	var suspended *UserSuspendedError
	require.ErrorAs(t, bobErr, &suspended)
	require.Equal(t, "bob", suspended.Username)

	var notFound *UserNotFoundError
	require.ErrorAs(t, ghostErr, &notFound)
	require.Equal(t, "ghost", notFound.Username)

	require.Equal(t, int64(1), requests.Load(), "lookups within one window must share a request")
}

func TestCreateListSurvivesAuthRefresh(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"at-new","refresh_token":"rt-new","expires_in":7200}`)
	})
	mux.HandleFunc("/lists", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"data":{"id":"l1","name":"x"}}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	db, err := store.Open(filepath.Join(t.TempDir(), "refresh.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	creds := store.BotAccountCredentials{
		Username: "feedbot1", ClientID: "cid", ClientSecret: "csecret",
		AccessToken: "at-old", RefreshToken: "rt-old",
	}
	require.NoError(t, db.SaveAccount(ctx, creds))

	a, err := NewBotAccount(db, config.Default(), creds, NewAccountQueue(logging.Nop()), make(chan TweetEvent, 1), logging.Nop())
	require.NoError(t, err)
	// Keep the real token-persisting save callback; only point the
	// client at the fake platform.
	a.client.baseURL = ts.URL
	a.client.tokenURL = ts.URL + "/oauth2/token"
	a.client.httpClient = ts.Client()
	a.client.dispatchGap = time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := a.createList(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("createList never returned while refreshing tokens mid-call")
	}

	acct, err := db.GetAccount(ctx, "feedbot1")
	require.NoError(t, err)
	require.Equal(t, "at-new", acct.AccessToken)
	require.Equal(t, 1, acct.NumLists)
}

func TestGetListWithMinMembersCreatesUntilCeiling(t *testing.T) {
	var created atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":{"id":"l%d","name":"x"}}`, created.Add(1))
	}))
	defer ts.Close()

	cfg := config.Default()
	cfg.Twitter.MaxListsPerAccount = 2
	a, db := newTestAccount(t, ts, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l1, err := a.getListWithMinMembers(ctx)
	require.NoError(t, err)
	l2, err := a.getListWithMinMembers(ctx)
	require.NoError(t, err)
	require.NotEqual(t, l1.ID(), l2.ID())
	require.Equal(t, int64(2), created.Load())

	// At the list ceiling the platform is not asked again; the least
	// loaded existing list is reused.
	l3, err := a.getListWithMinMembers(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), created.Load())
	require.Contains(t, []string{l1.ID(), l2.ID()}, l3.ID())

	acct, err := db.GetAccount(ctx, "feedbot1")
	require.NoError(t, err)
	require.Equal(t, 2, acct.NumLists)
}

func TestGetListWithMinMembersFullAccount(t *testing.T) {
	var created atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":{"id":"l%d","name":"x"}}`, created.Add(1))
	}))
	defer ts.Close()

	cfg := config.Default()
	cfg.Twitter.MaxListsPerAccount = 1
	cfg.Twitter.MaxMembersPerList = 1
	a, _ := newTestAccount(t, ts, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := a.getListWithMinMembers(ctx)
	require.NoError(t, err)

	full := store.ListRecord{ID: l.ID(), NumMembers: 1}
	l.updateRecord(full)

	_, err = a.getListWithMinMembers(ctx)
	require.ErrorIs(t, err, ErrAccountFull)
}
