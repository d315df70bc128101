package store

import (
	"context"
	"encoding/json"
	"time"
)

// ChangeType tags one delta of a live query.
type ChangeType int

const (
	Added ChangeType = iota
	Modified
	Removed
)

func (t ChangeType) String() string {
	switch t {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change is one delta of a live query over a filtered document set. Removed
// changes carry the document's last observed value.
type Change[T any] struct {
	Type ChangeType
	Doc  T
}

type snapshotEntry[T any] struct {
	fp  string
	doc T
}

// runWatch polls load on the given interval and diffs consecutive snapshots
// into ordered added/modified/removed deltas. The first snapshot is delivered
// entirely as added. The channel closes when ctx is cancelled.
func runWatch[T any](ctx context.Context, interval time.Duration, load func(context.Context) ([]T, error), key func(T) string) <-chan []Change[T] {
	out := make(chan []Change[T], 16)
	go func() {
		defer close(out)
		known := map[string]snapshotEntry[T]{}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			docs, err := load(ctx)
			if err == nil {
				changes := diffSnapshot(known, docs, key)
				if len(changes) > 0 {
					select {
					case out <- changes:
					case <-ctx.Done():
						return
					}
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return out
}

// diffSnapshot compares docs against the previous snapshot in known,
// mutating known in place. Deltas preserve the snapshot's order: additions
// and modifications in document order, removals last.
func diffSnapshot[T any](known map[string]snapshotEntry[T], docs []T, key func(T) string) []Change[T] {
	var changes []Change[T]
	seen := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		k := key(doc)
		seen[k] = struct{}{}
		fp := fingerprint(doc)
		prev, ok := known[k]
		switch {
		case !ok:
			changes = append(changes, Change[T]{Type: Added, Doc: doc})
		case prev.fp != fp:
			changes = append(changes, Change[T]{Type: Modified, Doc: doc})
		}
		known[k] = snapshotEntry[T]{fp: fp, doc: doc}
	}
	for k, entry := range known {
		if _, ok := seen[k]; !ok {
			delete(known, k)
			changes = append(changes, Change[T]{Type: Removed, Doc: entry.doc})
		}
	}
	return changes
}

func fingerprint[T any](doc T) string {
	b, _ := json.Marshal(doc)
	return string(b)
}
