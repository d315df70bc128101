package feed

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"socialfeed/internal/logging"
	"socialfeed/internal/store"
	"socialfeed/internal/twitter"
)

func TestWriteIsIdempotentPerEntity(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	w := NewWriter(db, logging.Nop())
	ctx := context.Background()

	ev := twitter.AttributedTweetEvent{
		Tweet: twitter.TweetEvent{
			ID: "t1", AuthorID: "u1", Username: "alice", AuthorName: "Alice",
			Text: "gm", Timestamp: time.Now(),
		},
		ChainID: "eth",
		Address: "0xabc",
	}
	require.NoError(t, w.Write(ctx, ev))
	require.NoError(t, w.Write(ctx, ev))

	n, err := db.CountFeedEvents(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The same tweet attributed to a second collection is a new event.
	ev.ChainID = "sol"
	ev.Address = "mint9"
	require.NoError(t, w.Write(ctx, ev))
	n, err = db.CountFeedEvents(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
