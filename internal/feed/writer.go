// Package feed persists attributed tweets as feed events for downstream
// consumers.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"socialfeed/internal/metrics"
	"socialfeed/internal/store"
	"socialfeed/internal/twitter"
)

// Writer serializes attributed tweets into the feed event log. Writes are
// keyed by tweet and entity, so replays of the same tweet are no-ops.
type Writer struct {
	log zerolog.Logger
	db  *store.DB
}

func NewWriter(db *store.DB, log zerolog.Logger) *Writer {
	return &Writer{
		log: log.With().Str("component", "feed-writer").Logger(),
		db:  db,
	}
}

// payload is the denormalized tweet document stored with each feed event.
type payload struct {
	TweetID            string    `json:"tweet_id"`
	Text               string    `json:"text"`
	Username           string    `json:"username"`
	AuthorName         string    `json:"author_name"`
	AuthorProfileImage string    `json:"author_profile_image,omitempty"`
	AuthorVerified     bool      `json:"author_verified"`
	Source             string    `json:"source,omitempty"`
	Image              string    `json:"image,omitempty"`
	Language           string    `json:"language,omitempty"`
	IsSensitive        bool      `json:"is_sensitive"`
	ExternalLink       string    `json:"external_link,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// Write persists one attributed tweet.
func (w *Writer) Write(ctx context.Context, ev twitter.AttributedTweetEvent) error {
	body, err := json.Marshal(payload{
		TweetID:            ev.Tweet.ID,
		Text:               ev.Tweet.Text,
		Username:           ev.Tweet.Username,
		AuthorName:         ev.Tweet.AuthorName,
		AuthorProfileImage: ev.Tweet.AuthorProfileImage,
		AuthorVerified:     ev.Tweet.AuthorVerified,
		Source:             ev.Tweet.Source,
		Image:              ev.Tweet.Image,
		Language:           ev.Tweet.Language,
		IsSensitive:        ev.Tweet.IsSensitive,
		ExternalLink:       ev.Tweet.ExternalLink,
		Timestamp:          ev.Tweet.Timestamp,
	})
	if err != nil {
		return err
	}
	err = w.db.WriteFeedEvent(ctx, store.FeedEvent{
		TweetID:   ev.Tweet.ID,
		ChainID:   ev.ChainID,
		Address:   ev.Address,
		Payload:   string(body),
		Timestamp: ev.Tweet.Timestamp,
	})
	if err != nil {
		return err
	}
	metrics.FeedWrites.Inc()
	w.log.Debug().Str("tweet", ev.Tweet.ID).Str("entity", store.EntityKey(ev.ChainID, ev.Address)).Msg("feed event written")
	return nil
}
