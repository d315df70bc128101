package twitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"socialfeed/internal/config"
	"socialfeed/internal/metrics"
	"socialfeed/internal/store"
)

// AccountManager supervises the pool of bot accounts, mediates the
// subscribe/unsubscribe protocol between tracked entities and platform
// users, and attributes discovered tweets to the entities subscribed to
// their author.
type AccountManager struct {
	log   zerolog.Logger
	db    *store.DB
	cfg   config.Config
	queue *AccountQueue

	tweetc chan TweetEvent
	events chan ManagerEvent

	mu       sync.Mutex
	accounts map[string]*BotAccount
	cancels  map[string]context.CancelFunc
}

// NewAccountManager builds a manager over the stored account pool.
func NewAccountManager(db *store.DB, cfg config.Config, log zerolog.Logger) *AccountManager {
	return &AccountManager{
		log:      log.With().Str("component", "account-manager").Logger(),
		db:       db,
		cfg:      cfg,
		queue:    NewAccountQueue(log),
		tweetc:   make(chan TweetEvent, 256),
		events:   make(chan ManagerEvent, 256),
		accounts: make(map[string]*BotAccount),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Events returns the manager's outbound event stream: subscriptions,
// unsubscriptions, subscription errors and attributed tweets.
func (m *AccountManager) Events() <-chan ManagerEvent { return m.events }

// Run starts the manager's loops and blocks until ctx is cancelled.
func (m *AccountManager) Run(ctx context.Context) {
	go m.queue.Run(ctx, m.db, m.cfg.WatchInterval())
	go m.watchAccounts(ctx)
	go m.sweepStuckPending(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.tweetc:
			if err := m.handleTweet(ctx, ev); err != nil {
				m.log.Warn().Err(err).Str("tweet", ev.ID).Msg("tweet handling failed")
			}
		}
	}
}

// watchAccounts mirrors the stored account pool into running BotAccounts.
func (m *AccountManager) watchAccounts(ctx context.Context) {
	for changes := range m.db.WatchAccounts(ctx, m.cfg.WatchInterval()) {
		for _, ch := range changes {
			switch ch.Type {
			case store.Added:
				m.startAccount(ctx, ch.Doc)
			case store.Modified:
				m.mu.Lock()
				if a, ok := m.accounts[ch.Doc.Username]; ok {
					a.UpdateCredentials(ch.Doc)
				}
				m.mu.Unlock()
			case store.Removed:
				m.stopAccount(ch.Doc.Username)
			}
		}
	}
}

func (m *AccountManager) startAccount(ctx context.Context, creds store.BotAccountCredentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[creds.Username]; ok {
		return
	}
	a, err := NewBotAccount(m.db, m.cfg, creds, m.queue, m.tweetc, m.log)
	if err != nil {
		m.log.Error().Err(err).Str("account", creds.Username).Msg("failed to initialize bot account")
		return
	}
	acctCtx, cancel := context.WithCancel(ctx)
	m.accounts[creds.Username] = a
	m.cancels[creds.Username] = cancel
	a.Start(acctCtx)
	go m.logClientEvents(acctCtx, a)
	m.log.Info().Str("account", creds.Username).Msg("bot account started")
}

func (m *AccountManager) stopAccount(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[username]; ok {
		cancel()
		delete(m.cancels, username)
	}
	delete(m.accounts, username)
	m.log.Info().Str("account", username).Msg("bot account stopped")
}

// logClientEvents drains one account's client event stream into the log
// and metrics.
func (m *AccountManager) logClientEvents(ctx context.Context, a *BotAccount) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.Client().Events():
			switch e := ev.(type) {
			case RateLimitExceededEvent:
				m.log.Warn().Str("account", a.Username()).Str("endpoint", string(e.Endpoint)).Time("until", e.RateLimitedUntil).Msg("rate limited")
			case UnknownResponseEvent:
				m.log.Warn().Str("account", a.Username()).Str("endpoint", string(e.Endpoint)).Int("status", e.StatusCode).Str("body", e.Body).Msg("unexpected platform response")
			case TokenRefreshedEvent:
				m.log.Debug().Str("account", a.Username()).Dur("expires_in", e.ExpiresIn).Msg("token refreshed")
			case TokenRefreshErrorEvent:
				m.log.Error().Str("account", a.Username()).Err(e.Err).Msg("token refresh failed")
			}
		}
	}
}

// anyAccount returns some running account, used for lookups that are not
// tied to a particular account's lists.
func (m *AccountManager) anyAccount() (*BotAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		return a, nil
	}
	return nil, errors.New("no bot accounts available")
}

func (m *AccountManager) accountByUsername(username string) (*BotAccount, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[username]
	return a, ok
}

// Subscribe subscribes one tracked entity to a platform user, given a
// handle or profile URL. A user already tracked gains the subscription
// in place; an unknown user is resolved and enqueued for list assignment.
// Either way the entity is first detached from every other tracked user,
// so an entity that switched handles stops following the old one.
func (m *AccountManager) Subscribe(ctx context.Context, handleOrURL, chainID, address string) error {
	username := ExtractHandle(handleOrURL)
	if username == "" {
		m.emitSubscriptionError(username, chainID, address, ReasonInvalidUsername, fmt.Errorf("no handle in %q", handleOrURL))
		return fmt.Errorf("no handle in %q", handleOrURL)
	}
	key := store.EntityKey(chainID, address)

	member, err := m.db.GetMemberByUsername(ctx, username)
	switch {
	case err == nil:
		if err := m.detachEntityExcept(ctx, key, member.UserID); err != nil {
			return err
		}
		added, err := m.db.AddSubscription(ctx, member.UserID, key, time.Now())
		if err != nil {
			return err
		}
		if added {
			metrics.Subscriptions.Inc()
			m.emit(SubscriptionEvent{Username: username, ChainID: chainID, Address: address})
		}
		return nil
	case errors.Is(err, store.ErrNotFound):
		return m.subscribeNewUser(ctx, username, key, chainID, address)
	default:
		return err
	}
}

// subscribeNewUser resolves an untracked username and creates its queued
// member document carrying the first subscription.
func (m *AccountManager) subscribeNewUser(ctx context.Context, username, key, chainID, address string) error {
	acct, err := m.anyAccount()
	if err != nil {
		return err
	}
	user, err := acct.GetUser(ctx, username)
	if err != nil {
		reason := ClassifySubscriptionError(err)
		m.emitSubscriptionError(username, chainID, address, reason, err)
		return fmt.Errorf("resolve %s: %w", username, err)
	}
	if err := m.detachEntityExcept(ctx, key, user.ID); err != nil {
		return err
	}
	member := store.ListMember{
		UserID:        user.ID,
		Username:      user.Username,
		State:         store.MemberQueued,
		Subscriptions: map[string]time.Time{key: time.Now()},
	}
	if err := m.db.PutMember(ctx, member); err != nil {
		return err
	}
	metrics.Subscriptions.Inc()
	m.emit(SubscriptionEvent{Username: username, ChainID: chainID, Address: address})
	m.log.Info().Str("user", username).Str("entity", key).Msg("queued new subscription")
	return nil
}

// Unsubscribe detaches an entity from every tracked user.
func (m *AccountManager) Unsubscribe(ctx context.Context, chainID, address string) error {
	return m.detachEntityExcept(ctx, store.EntityKey(chainID, address), "")
}

// detachEntityExcept removes an entity's subscription from every member
// other than exceptUserID, evicting members left with no subscriptions.
func (m *AccountManager) detachEntityExcept(ctx context.Context, key, exceptUserID string) error {
	members, err := m.db.MembersSubscribedTo(ctx, key)
	if err != nil {
		return err
	}
	chainID, address := store.SplitEntityKey(key)
	var firstErr error
	for _, member := range members {
		if member.UserID == exceptUserID {
			continue
		}
		remaining, err := m.db.RemoveSubscription(ctx, member.UserID, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.emit(UnsubscriptionEvent{Username: member.Username, ChainID: chainID, Address: address, SubscriptionsRemaining: remaining})
		if remaining == 0 {
			if err := m.evictMember(ctx, member); err != nil {
				m.log.Warn().Err(err).Str("user", member.Username).Msg("eviction failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// evictMember removes a subscription-less member from its list, if it made
// it onto one, and deletes its document.
func (m *AccountManager) evictMember(ctx context.Context, member store.ListMember) error {
	if member.State == store.MemberAdded && member.ListID != "" {
		if acct, ok := m.accountByUsername(member.ListOwner); ok {
			if list, ok := acct.ListByID(member.ListID); ok {
				return list.RemoveMember(ctx, member)
			}
		}
	}
	return m.db.DeleteMember(ctx, member.UserID)
}

// handleTweet attributes one discovered tweet to the entities subscribed
// to its author, fanning out one event per entity. An author nobody
// subscribes to anymore is evicted from its list.
func (m *AccountManager) handleTweet(ctx context.Context, ev TweetEvent) error {
	member, err := m.db.GetMember(ctx, ev.AuthorID)
	if errors.Is(err, store.ErrNotFound) {
		m.log.Debug().Str("author", ev.Username).Msg("tweet from untracked author, ignoring")
		return nil
	}
	if err != nil {
		return err
	}
	if len(member.Subscriptions) == 0 {
		m.log.Info().Str("user", member.Username).Msg("author has no subscriptions, evicting")
		return m.evictMember(ctx, member)
	}
	for key := range member.Subscriptions {
		chainID, address := store.SplitEntityKey(key)
		err := m.deliver(ctx, AttributedTweet{Event: AttributedTweetEvent{
			Tweet:   ev,
			ChainID: chainID,
			Address: address,
		}})
		if err != nil {
			return err
		}
	}
	return nil
}

// sweepStuckPending periodically returns members stranded in the pending
// state to the queue so a crashed assignment is eventually retried.
func (m *AccountManager) sweepStuckPending(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.db.SweepStuckPending(ctx, time.Now().Add(-m.cfg.StuckPendingAfter()))
			if err != nil {
				m.log.Warn().Err(err).Msg("stuck-pending sweep failed")
				continue
			}
			if n > 0 {
				m.log.Info().Int64("members", n).Msg("re-queued stuck pending members")
			}
		}
	}
}

func (m *AccountManager) emitSubscriptionError(username, chainID, address string, reason SubscriptionErrorReason, err error) {
	metrics.SubscriptionErrors.WithLabelValues(string(reason)).Inc()
	m.emit(ErroredSubscriptionEvent{Username: username, ChainID: chainID, Address: address, Reason: reason, Err: err})
}

// deliver blocks until the event is consumed. Attributed tweets use it:
// the list watermark has already advanced, so a dropped event would never
// be re-emitted.
func (m *AccountManager) deliver(ctx context.Context, ev ManagerEvent) error {
	select {
	case m.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit is the lossy path for diagnostic events.
func (m *AccountManager) emit(ev ManagerEvent) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn().Msg("manager event dropped, consumer lagging")
	}
}
