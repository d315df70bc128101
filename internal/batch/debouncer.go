// Package batch provides a generic request debouncer that coalesces keyed
// work items into bounded batches.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoResult is returned for an enqueued id the handler produced no result
// for, so every Enqueue call resolves exactly once.
var ErrNoResult = errors.New("batch: handler returned no result for id")

// Input is one buffered work item handed to the batch handler.
type Input[I any] struct {
	ID    string
	Value I
}

// Result is the handler's outcome for a single id.
type Result[O any] struct {
	ID     string
	Output O
	Err    error
}

// Handler processes one batch of at most maxBatchSize items. It reports a
// per-id result list; returning an error fails every item in the batch.
type Handler[I, O any] func(ctx context.Context, inputs []Input[I]) ([]Result[O], error)

// Debouncer buffers keyed items and flushes them to the handler after a
// debounce window, oldest first, at most maxBatchSize per flush. A single
// driver goroutine is active while the queue is non-empty; Enqueue starts it
// on demand.
type Debouncer[I, O any] struct {
	timeout      time.Duration
	maxBatchSize int
	fn           Handler[I, O]

	mu      sync.Mutex
	running bool
	queue   []item[I, O]
}

type item[I, O any] struct {
	id    string
	value I
	done  chan Result[O]
}

// New builds a Debouncer flushing after timeout with at most maxBatchSize
// items per handler invocation.
func New[I, O any](timeout time.Duration, maxBatchSize int, fn Handler[I, O]) (*Debouncer[I, O], error) {
	if maxBatchSize <= 0 {
		return nil, fmt.Errorf("batch: maxBatchSize must be positive, got %d", maxBatchSize)
	}
	if fn == nil {
		return nil, errors.New("batch: nil handler")
	}
	return &Debouncer[I, O]{timeout: timeout, maxBatchSize: maxBatchSize, fn: fn}, nil
}

// Size reports the number of buffered items.
func (d *Debouncer[I, O]) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Enqueue buffers (id, value) and blocks until the batch containing it has
// been processed, returning that id's result. Multiple callers may enqueue
// concurrently; each call is satisfied independently.
func (d *Debouncer[I, O]) Enqueue(ctx context.Context, id string, value I) (O, error) {
	it := item[I, O]{id: id, value: value, done: make(chan Result[O], 1)}

	d.mu.Lock()
	d.queue = append(d.queue, it)
	start := !d.running
	if start {
		d.running = true
	}
	d.mu.Unlock()

	if start {
		go d.drain()
	}

	select {
	case res := <-it.done:
		return res.Output, res.Err
	case <-ctx.Done():
		var zero O
		return zero, ctx.Err()
	}
}

// drain flushes batches until the queue is empty, then exits. The running
// flag guarantees at most one drain goroutine at a time.
func (d *Debouncer[I, O]) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		time.Sleep(d.timeout)

		d.mu.Lock()
		n := len(d.queue)
		if n > d.maxBatchSize {
			n = d.maxBatchSize
		}
		pending := make([]item[I, O], n)
		copy(pending, d.queue[:n])
		d.queue = d.queue[n:]
		d.mu.Unlock()

		if len(pending) == 0 {
			continue
		}
		d.flush(pending)
	}
}

func (d *Debouncer[I, O]) flush(pending []item[I, O]) {
	inputs := make([]Input[I], len(pending))
	for i, it := range pending {
		inputs[i] = Input[I]{ID: it.id, Value: it.value}
	}

	results, err := d.fn(context.Background(), inputs)
	if err != nil {
		for _, it := range pending {
			it.done <- Result[O]{ID: it.id, Err: err}
		}
		return
	}

	byID := make(map[string]Result[O], len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	for _, it := range pending {
		r, ok := byID[it.id]
		if !ok {
			r = Result[O]{ID: it.id, Err: ErrNoResult}
		}
		it.done <- r
	}
}
