package twitter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"socialfeed/internal/batch"
	"socialfeed/internal/config"
	"socialfeed/internal/store"
)

const userLookupBatchSize = 100

// BotAccount owns one platform identity: its credential lifecycle, its set
// of lists, a batched username resolver, and a drain loop pulling pending
// members off the shared account queue.
type BotAccount struct {
	log    zerolog.Logger
	db     *store.DB
	cfg    config.Config
	client *Client
	queue  *AccountQueue
	tweetc chan<- TweetEvent

	username string
	id       string

	mu          sync.Mutex
	lists       map[string]*List
	listCancels map[string]context.CancelFunc

	resolver *batch.Debouncer[string, User]
}

// NewBotAccount wires a bot account from its stored credentials. Discovered
// tweets are forwarded to tweetc.
func NewBotAccount(db *store.DB, cfg config.Config, creds store.BotAccountCredentials, queue *AccountQueue, tweetc chan<- TweetEvent, log zerolog.Logger) (*BotAccount, error) {
	a := &BotAccount{
		log:         log.With().Str("component", "bot-account").Str("account", creds.Username).Logger(),
		db:          db,
		cfg:         cfg,
		queue:       queue,
		tweetc:      tweetc,
		username:    creds.Username,
		id:          creds.ID,
		lists:       make(map[string]*List),
		listCancels: make(map[string]context.CancelFunc),
	}
	a.client = NewClient(creds, func(ctx context.Context, c store.BotAccountCredentials) error {
		return db.UpdateAccountTokens(ctx, c.Username, c.AccessToken, c.RefreshToken, c.RefreshTokenValidUntil)
	}, log)

	resolver, err := batch.New(cfg.UserLookupDebounce(), userLookupBatchSize, a.resolveUsernames)
	if err != nil {
		return nil, err
	}
	a.resolver = resolver
	return a, nil
}

// Username returns the account's stable platform username.
func (a *BotAccount) Username() string { return a.username }

// Client exposes the account's platform client.
func (a *BotAccount) Client() *Client { return a.client }

// UpdateCredentials reacts to externally persisted credential changes.
func (a *BotAccount) UpdateCredentials(creds store.BotAccountCredentials) {
	a.client.UpdateCredentials(creds)
}

// Start launches the account's long-running loops: token refresh, the live
// query over its list sub-collection, and the queue drain. They run until
// ctx is cancelled, which also closes the client so its per-endpoint
// dispatch workers exit.
func (a *BotAccount) Start(ctx context.Context) {
	go a.client.KeepTokenFresh(ctx)
	go a.watchLists(ctx)
	go a.drainQueue(ctx)
	go func() {
		<-ctx.Done()
		a.client.Close()
	}()
}

// watchLists mirrors the account's list sub-collection: new records start a
// poller, removed records stop one, modifications refresh the local mirror.
func (a *BotAccount) watchLists(ctx context.Context) {
	for changes := range a.db.WatchListsForAccount(ctx, a.username, a.cfg.WatchInterval()) {
		for _, ch := range changes {
			switch ch.Type {
			case store.Added:
				a.registerList(ctx, ch.Doc)
			case store.Modified:
				a.mu.Lock()
				if l, ok := a.lists[ch.Doc.ID]; ok {
					l.updateRecord(ch.Doc)
				}
				a.mu.Unlock()
			case store.Removed:
				a.mu.Lock()
				if cancel, ok := a.listCancels[ch.Doc.ID]; ok {
					cancel()
					delete(a.listCancels, ch.Doc.ID)
				}
				delete(a.lists, ch.Doc.ID)
				a.mu.Unlock()
				a.log.Info().Str("list", ch.Doc.ID).Msg("list removed")
			}
		}
	}
}

// registerList instantiates a poller for a list record, once.
func (a *BotAccount) registerList(ctx context.Context, rec store.ListRecord) *List {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.lists[rec.ID]; ok {
		return l
	}
	l := newList(a.db, a.client, rec, a.username, a.cfg, a.tweetc, a.log)
	a.lists[rec.ID] = l
	listCtx, cancel := context.WithCancel(ctx)
	a.listCancels[rec.ID] = cancel
	go l.run(listCtx)
	a.log.Info().Str("list", rec.ID).Int("members", rec.NumMembers).Msg("list loaded")
	return l
}

// ListByID returns the in-memory list poller, if loaded.
func (a *BotAccount) ListByID(id string) (*List, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.lists[id]
	return l, ok
}

// GetUser resolves a username to its platform user through the batched
// lookup endpoint: case-insensitive, one debounce window of latency, up to
// 100 usernames per request. A per-username miss is a typed not-found error.
func (a *BotAccount) GetUser(ctx context.Context, username string) (User, error) {
	key := strings.ToLower(strings.TrimSpace(username))
	return a.resolver.Enqueue(ctx, key, key)
}

// resolveUsernames is the resolver's batch handler.
func (a *BotAccount) resolveUsernames(ctx context.Context, inputs []batch.Input[string]) ([]batch.Result[User], error) {
	usernames := make([]string, len(inputs))
	for i, in := range inputs {
		usernames[i] = in.Value
	}
	users, apiErrs, err := a.client.GetUsers(ctx, usernames)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]User, len(users))
	for _, u := range users {
		byName[strings.ToLower(u.Username)] = u
	}
	missReason := make(map[string]APIError, len(apiErrs))
	for _, e := range apiErrs {
		missReason[strings.ToLower(e.Value)] = e
	}

	results := make([]batch.Result[User], 0, len(inputs))
	for _, in := range inputs {
		if u, ok := byName[in.Value]; ok {
			results = append(results, batch.Result[User]{ID: in.ID, Output: u})
			continue
		}
		results = append(results, batch.Result[User]{ID: in.ID, Err: classifyLookupMiss(in.Value, missReason[in.Value])})
	}
	return results, nil
}

func classifyLookupMiss(username string, e APIError) error {
	if strings.Contains(strings.ToLower(e.Detail), "suspended") {
		return &UserSuspendedError{Username: username, Detail: e.Detail}
	}
	return &UserNotFoundError{Username: username, Detail: e.Detail}
}

// getListWithMinMembers returns the list with fewest members, creating a new
// list first while the account is under its list ceiling so load spreads
// across lists before any list is considered full.
func (a *BotAccount) getListWithMinMembers(ctx context.Context) (*List, error) {
	a.mu.Lock()
	numLists := len(a.lists)
	var min *List
	for _, l := range a.lists {
		if min == nil || l.Size() < min.Size() {
			min = l
		}
	}
	a.mu.Unlock()

	if numLists < a.cfg.Twitter.MaxListsPerAccount {
		l, err := a.createList(ctx)
		if err == nil {
			return l, nil
		}
		// Lost a capacity race with a concurrent creation: fall back to
		// the existing lists.
		if !errors.Is(err, store.ErrCapacity) {
			return nil, err
		}
	}
	if min == nil {
		return nil, ErrAccountFull
	}
	if a.cfg.Twitter.MaxMembersPerList > 0 && min.Size() >= a.cfg.Twitter.MaxMembersPerList {
		return nil, ErrAccountFull
	}
	return min, nil
}

// createList creates the platform-side list and persists its record inside
// the account's transactional capacity guard.
func (a *BotAccount) createList(ctx context.Context) (*List, error) {
	name := "feed-" + uuid.NewString()[:8]
	rec, err := a.db.CreateList(ctx, a.username, a.cfg.Twitter.MaxListsPerAccount, func(ctx context.Context) (store.ListRecord, error) {
		id, err := a.client.CreateList(ctx, name)
		if err != nil {
			return store.ListRecord{}, fmt.Errorf("create platform list: %w", err)
		}
		return store.ListRecord{
			ID:                id,
			Name:              name,
			TweetPollInterval: a.cfg.TweetPollInterval(),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	a.log.Info().Str("list", rec.ID).Str("name", name).Msg("created list")
	return a.registerList(ctx, rec), nil
}

// drainQueue continuously claims pending members from the shared queue and
// assigns them to this account's least-loaded list. A failed assignment puts
// the member back in the queued state so it is never lost.
func (a *BotAccount) drainQueue(ctx context.Context) {
	for {
		member, err := a.queue.GetAccount(ctx)
		if err != nil {
			return
		}
		list, err := a.getListWithMinMembers(ctx)
		if err != nil {
			a.log.Warn().Err(err).Str("user", member.Username).Msg("no list capacity, re-queueing member")
			_ = a.db.ResetMemberQueued(ctx, member.UserID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(30 * time.Second):
			}
			continue
		}
		if err := list.AddMember(ctx, member); err != nil {
			a.log.Warn().Err(err).Str("user", member.Username).Str("list", list.ID()).Msg("failed to add member, re-queued")
		}
	}
}
