package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"socialfeed/internal/config"
	"socialfeed/internal/logging"
	"socialfeed/internal/store"
)

func TestEntityCatalogDrivesSubscriptions(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	cfg.Storage.WatchIntervalMs = 10

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The tracked user already exists as a member, so subscribing needs
	// no platform lookup.
	require.NoError(t, db.PutMember(ctx, store.ListMember{UserID: "u1", Username: "alice", State: store.MemberAdded, ListID: "l1"}))

	svc := New(db, cfg, logging.Nop())
	go func() { _ = svc.Run(ctx) }()

	require.NoError(t, db.UpsertEntity(ctx, store.Entity{ChainID: "eth", Address: "0xAbc", Handle: "https://twitter.com/alice", Complete: true}))

	key := store.EntityKey("eth", "0xAbc")
	waitFor(t, func() bool {
		m, err := db.GetMember(ctx, "u1")
		if err != nil {
			return false
		}
		_, ok := m.Subscriptions[key]
		return ok
	}, "entity was never subscribed to its member")

	// Removing the collection detaches it and evicts the now
	// subscription-less member.
	require.NoError(t, db.DeleteEntity(ctx, "eth", "0xAbc"))
	waitFor(t, func() bool {
		_, err := db.GetMember(ctx, "u1")
		return err != nil
	}, "member was never evicted after losing its last subscription")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
