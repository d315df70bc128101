package twitter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"socialfeed/internal/config"
	"socialfeed/internal/metrics"
	"socialfeed/internal/store"
)

const (
	defaultMaxPollPages = 8
	pollPageSize        = 50
	retweetPrefix       = "RT @"
)

// List polls one platform list's timeline for tweets newer than a persisted
// watermark and handles membership changes for that list.
type List struct {
	log    zerolog.Logger
	db     *store.DB
	client *Client
	cfg    config.Config
	owner  string
	tweetc chan<- TweetEvent

	mu  sync.Mutex
	rec store.ListRecord
}

func newList(db *store.DB, client *Client, rec store.ListRecord, owner string, cfg config.Config, tweetc chan<- TweetEvent, log zerolog.Logger) *List {
	return &List{
		log:    log.With().Str("component", "list").Str("list", rec.ID).Logger(),
		db:     db,
		client: client,
		cfg:    cfg,
		owner:  owner,
		tweetc: tweetc,
		rec:    rec,
	}
}

// ID returns the platform list id.
func (l *List) ID() string {
	return l.rec.ID
}

// Size returns the current member count.
func (l *List) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec.NumMembers
}

// updateRecord refreshes the local mirror from a store change.
func (l *List) updateRecord(rec store.ListRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rec = rec
}

// run is the poll loop: sleep one interval, then fetch whatever arrived
// since the watermark. The interval is re-read every iteration so a store
// update to the list record takes effect on the next sleep. It exits when
// ctx is cancelled.
func (l *List) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.pollInterval()):
		}
		if _, err := l.pollOnce(ctx); err != nil {
			l.log.Warn().Err(err).Msg("tweet poll failed")
		}
	}
}

// pollInterval returns the list's configured poll cadence, falling back to
// the global default when the record carries none.
func (l *List) pollInterval() time.Duration {
	l.mu.Lock()
	interval := l.rec.TweetPollInterval
	l.mu.Unlock()
	if interval <= 0 {
		interval = l.cfg.TweetPollInterval()
	}
	return interval
}

// AddMember moves a queued member through pending into this list. Any
// failure past the claim resets the member to queued so it is retried, and
// the member document only records the list linkage after the platform
// confirmed the membership.
func (l *List) AddMember(ctx context.Context, m store.ListMember) error {
	if err := l.db.ClaimMemberPending(ctx, m.UserID, time.Now()); err != nil {
		return fmt.Errorf("claim member %s: %w", m.UserID, err)
	}
	isMember, err := l.client.AddListMember(ctx, l.rec.ID, m.UserID)
	if err != nil {
		_ = l.db.ResetMemberQueued(ctx, m.UserID)
		return fmt.Errorf("add member %s to list %s: %w", m.Username, l.rec.ID, err)
	}
	if !isMember {
		_ = l.db.ResetMemberQueued(ctx, m.UserID)
		return fmt.Errorf("add member %s to list %s: %w", m.Username, l.rec.ID, ErrMembershipNotConfirmed)
	}
	if err := l.db.ConfirmMemberAdded(ctx, m.UserID, l.rec.ID, l.owner); err != nil {
		return fmt.Errorf("confirm member %s: %w", m.UserID, err)
	}
	l.mu.Lock()
	l.rec.NumMembers++
	l.mu.Unlock()
	l.log.Info().Str("user", m.Username).Msg("added member")
	return nil
}

// RemoveMember removes a user from this list on the platform and in the
// store. The member must actually belong to this list.
func (l *List) RemoveMember(ctx context.Context, m store.ListMember) error {
	if m.ListID != l.rec.ID {
		return ErrNotListMember
	}
	stillMember, err := l.client.RemoveListMember(ctx, l.rec.ID, m.UserID)
	if err != nil {
		return fmt.Errorf("remove member %s from list %s: %w", m.Username, l.rec.ID, err)
	}
	if stillMember {
		return fmt.Errorf("platform still reports %s as member of list %s", m.Username, l.rec.ID)
	}
	if err := l.db.DeleteMemberFromList(ctx, m.UserID, l.rec.ID); err != nil {
		return err
	}
	l.mu.Lock()
	if l.rec.NumMembers > 0 {
		l.rec.NumMembers--
	}
	l.mu.Unlock()
	l.log.Info().Str("user", m.Username).Msg("removed member")
	return nil
}

// pollOnce fetches timeline pages newer than the watermark, emits each
// non-retweet once, and atomically advances the watermark. The candidate
// watermark is the head of the first page, captured before any filtering,
// so skipped retweets still move the high-water mark. Without a prior
// watermark only a bounded number of cold-start pages is read.
func (l *List) pollOnce(ctx context.Context) (int, error) {
	defer metrics.ObservePollDuration(time.Now())
	metrics.PollRuns.WithLabelValues(l.rec.ID).Inc()

	l.mu.Lock()
	prev := l.rec.MostRecentTweetID
	l.mu.Unlock()

	maxPages := defaultMaxPollPages
	if prev == "" {
		maxPages = l.cfg.Twitter.ColdStartPages
		if maxPages <= 0 {
			maxPages = 1
		}
	}

	var (
		watermark = prev
		cursor    string
		emitted   int
		scanned   int
		pages     int
	)
	for page := 0; page < maxPages; page++ {
		resp, err := l.client.GetListTweets(ctx, l.rec.ID, cursor, pollPageSize)
		if err != nil {
			return emitted, err
		}
		pages++
		scanned += len(resp.Data)
		users := make(map[string]rawUser, len(resp.Includes.Users))
		for _, u := range resp.Includes.Users {
			users[u.ID] = u
		}
		media := make(map[string]rawMedia, len(resp.Includes.Media))
		for _, m := range resp.Includes.Media {
			media[m.MediaKey] = m
		}

		if cursor == "" && len(resp.Data) > 0 {
			watermark = resp.Data[0].ID
		}

		reachedWatermark := false
		for _, t := range resp.Data {
			if prev != "" && t.ID == prev {
				reachedWatermark = true
				break
			}
			if strings.HasPrefix(t.Text, retweetPrefix) {
				continue
			}
			ev := l.buildEvent(t, users, media)
			select {
			case <-ctx.Done():
				return emitted, ctx.Err()
			case l.tweetc <- ev:
			}
			emitted++
		}

		cursor = resp.Meta.NextToken
		if reachedWatermark || cursor == "" {
			break
		}
	}

	if err := l.db.AdvanceListWatermark(ctx, l.rec.ID, watermark, emitted); err != nil {
		return emitted, err
	}
	l.mu.Lock()
	l.rec.MostRecentTweetID = watermark
	l.rec.TotalTweets += emitted
	l.mu.Unlock()
	if emitted > 0 {
		metrics.TweetsEmitted.WithLabelValues(l.rec.ID).Add(float64(emitted))
	}
	l.log.Debug().Int("pages", pages).Int("scanned", scanned).Int("new", emitted).Msg("polled tweets")
	return emitted, nil
}

// buildEvent denormalizes one raw tweet with its author and media
// expansions into a TweetEvent.
func (l *List) buildEvent(t rawTweet, users map[string]rawUser, media map[string]rawMedia) TweetEvent {
	ev := TweetEvent{
		ID:          t.ID,
		AuthorID:    t.AuthorID,
		Text:        t.Text,
		Source:      t.Source,
		Language:    t.Lang,
		IsSensitive: t.PossiblySensitive,
		ListID:      l.rec.ID,
		ListOwner:   l.owner,
	}
	if ts, err := time.Parse(time.RFC3339, t.CreatedAt); err == nil {
		ev.Timestamp = ts
	} else {
		ev.Timestamp = time.Now().UTC()
	}
	if u, ok := users[t.AuthorID]; ok {
		ev.Username = u.Username
		ev.AuthorName = u.Name
		ev.AuthorProfileImage = u.ProfileImageURL
		ev.AuthorVerified = u.Verified
		ev.ExternalLink = tweetLink(u.Username, t.ID)
	}
	if n := len(t.Attachments.MediaKeys); n > 0 {
		if m, ok := media[t.Attachments.MediaKeys[n-1]]; ok {
			if m.PreviewImageURL != "" {
				ev.Image = m.PreviewImageURL
			} else {
				ev.Image = m.URL
			}
		}
	}
	return ev
}
