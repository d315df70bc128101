package twitter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"socialfeed/internal/logging"
	"socialfeed/internal/store"
)

func queuedMember(id, username string) store.Change[store.ListMember] {
	return store.Change[store.ListMember]{
		Type: store.Added,
		Doc:  store.ListMember{UserID: id, Username: username, State: store.MemberQueued},
	}
}

func TestQueuePairsFIFO(t *testing.T) {
	q := NewAccountQueue(logging.Nop())
	q.Apply([]store.Change[store.ListMember]{
		queuedMember("u1", "alice"),
		queuedMember("u2", "bob"),
	})
	require.Equal(t, 2, q.Depth())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m, err := q.GetAccount(ctx)
	require.NoError(t, err)
	require.Equal(t, "u1", m.UserID)
	m, err = q.GetAccount(ctx)
	require.NoError(t, err)
	require.Equal(t, "u2", m.UserID)
	require.Equal(t, 0, q.Depth())
}

func TestQueueBlocksUntilMemberArrives(t *testing.T) {
	q := NewAccountQueue(logging.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan store.ListMember, 1)
	go func() {
		m, err := q.GetAccount(ctx)
		if err == nil {
			got <- m
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Apply([]store.Change[store.ListMember]{queuedMember("u1", "alice")})

	select {
	case m := <-got:
		require.Equal(t, "u1", m.UserID)
	case <-time.After(time.Second):
		t.Fatal("waiter was never paired")
	}
}

func TestQueueReplacesModifiedMember(t *testing.T) {
	q := NewAccountQueue(logging.Nop())
	q.Apply([]store.Change[store.ListMember]{queuedMember("u1", "alice")})

	key := store.EntityKey("eth", "0xabc")
	q.Apply([]store.Change[store.ListMember]{{
		Type: store.Modified,
		Doc: store.ListMember{
			UserID: "u1", Username: "alice", State: store.MemberQueued,
			Subscriptions: map[string]time.Time{key: time.Now()},
		},
	}})
	require.Equal(t, 1, q.Depth())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := q.GetAccount(ctx)
	require.NoError(t, err)
	require.Contains(t, m.Subscriptions, key, "a waiter must receive the updated document")
}

func TestQueueDeduplicatesAndRemoves(t *testing.T) {
	q := NewAccountQueue(logging.Nop())
	q.Apply([]store.Change[store.ListMember]{queuedMember("u1", "alice")})
	q.Apply([]store.Change[store.ListMember]{queuedMember("u1", "alice")})
	require.Equal(t, 1, q.Depth())

	q.Apply([]store.Change[store.ListMember]{{
		Type: store.Removed,
		Doc:  store.ListMember{UserID: "u1"},
	}})
	require.Equal(t, 0, q.Depth())
}

func TestQueueGetAccountHonorsContext(t *testing.T) {
	q := NewAccountQueue(logging.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.GetAccount(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
