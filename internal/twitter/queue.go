package twitter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"socialfeed/internal/metrics"
	"socialfeed/internal/store"
)

// AccountQueue pairs queued list members with bot accounts that have spare
// capacity. Members arrive via live-query deltas over the queued state;
// accounts arrive as blocked GetAccount callers. Pairing happens at exactly
// one point so a member is handed to at most one account.
type AccountQueue struct {
	log zerolog.Logger

	mu      sync.Mutex
	members []store.ListMember
	tracked map[string]struct{}
	waiters []chan store.ListMember
}

// NewAccountQueue returns an empty queue.
func NewAccountQueue(log zerolog.Logger) *AccountQueue {
	return &AccountQueue{
		log:     log.With().Str("component", "account-queue").Logger(),
		tracked: make(map[string]struct{}),
	}
}

// Run consumes the queued-member live query until ctx is cancelled.
func (q *AccountQueue) Run(ctx context.Context, db *store.DB, interval time.Duration) {
	for changes := range db.WatchMembersByState(ctx, store.MemberQueued, interval) {
		q.Apply(changes)
	}
}

// Apply feeds one batch of queued-state deltas into the queue. Added
// members enter the FIFO, modified members are replaced in place so a
// waiter never receives a stale document, and removed members (claimed,
// deleted or state changed elsewhere) leave it if still waiting.
func (q *AccountQueue) Apply(changes []store.Change[store.ListMember]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range changes {
		switch ch.Type {
		case store.Added:
			q.push(ch.Doc)
		case store.Modified:
			q.replace(ch.Doc)
		case store.Removed:
			q.remove(ch.Doc.UserID)
		}
	}
	q.pair()
	metrics.QueueDepth.Set(float64(len(q.members)))
}

// GetAccount blocks until a queued member is available for the calling
// account and returns it. The returned member is no longer tracked by the
// queue.
func (q *AccountQueue) GetAccount(ctx context.Context) (store.ListMember, error) {
	q.mu.Lock()
	w := make(chan store.ListMember, 1)
	q.waiters = append(q.waiters, w)
	q.pair()
	metrics.QueueDepth.Set(float64(len(q.members)))
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		q.mu.Lock()
		for i, other := range q.waiters {
			if other == w {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				break
			}
		}
		// The pairing may have raced the cancellation: put a delivered
		// member back at the head so it is not lost.
		select {
		case m := <-w:
			q.members = append([]store.ListMember{m}, q.members...)
			q.tracked[m.UserID] = struct{}{}
		default:
		}
		q.mu.Unlock()
		return store.ListMember{}, ctx.Err()
	case m := <-w:
		return m, nil
	}
}

// Depth returns the number of members currently waiting.
func (q *AccountQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.members)
}

// push appends a member unless it is already tracked. Callers hold q.mu.
func (q *AccountQueue) push(m store.ListMember) {
	if _, ok := q.tracked[m.UserID]; ok {
		return
	}
	q.tracked[m.UserID] = struct{}{}
	q.members = append(q.members, m)
	q.log.Debug().Str("user", m.Username).Msg("member queued")
}

// replace swaps in the updated document for a still-waiting member.
// Callers hold q.mu.
func (q *AccountQueue) replace(m store.ListMember) {
	if _, ok := q.tracked[m.UserID]; !ok {
		return
	}
	for i := range q.members {
		if q.members[i].UserID == m.UserID {
			q.members[i] = m
			return
		}
	}
}

// remove drops a waiting member by user id. Callers hold q.mu.
func (q *AccountQueue) remove(userID string) {
	if _, ok := q.tracked[userID]; !ok {
		return
	}
	delete(q.tracked, userID)
	for i, m := range q.members {
		if m.UserID == userID {
			q.members = append(q.members[:i], q.members[i+1:]...)
			return
		}
	}
}

// pair hands members to waiters FIFO on both sides. Callers hold q.mu.
func (q *AccountQueue) pair() {
	for len(q.members) > 0 && len(q.waiters) > 0 {
		m := q.members[0]
		q.members = q.members[1:]
		delete(q.tracked, m.UserID)
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w <- m
	}
}
