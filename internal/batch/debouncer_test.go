package batch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnqueueResolvesEveryCaller(t *testing.T) {
	d, err := New(10*time.Millisecond, 100, func(ctx context.Context, inputs []Input[int]) ([]Result[string], error) {
		out := make([]Result[string], len(inputs))
		for i, in := range inputs {
			out[i] = Result[string]{ID: in.ID, Output: strconv.Itoa(in.Value * 2)}
		}
		return out, nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := d.Enqueue(context.Background(), strconv.Itoa(i), i)
			require.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()

	for i, out := range results {
		require.Equal(t, strconv.Itoa(i*2), out)
	}
	require.Equal(t, 0, d.Size())
}

func TestDuplicateIDsEachResolve(t *testing.T) {
	d, err := New(5*time.Millisecond, 100, func(ctx context.Context, inputs []Input[string]) ([]Result[string], error) {
		out := make([]Result[string], len(inputs))
		for i, in := range inputs {
			out[i] = Result[string]{ID: in.ID, Output: "hit"}
		}
		return out, nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := d.Enqueue(context.Background(), "same", "same")
			require.NoError(t, err)
			require.Equal(t, "hit", out)
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("duplicate-id callers did not all resolve")
	}
}

func TestBatchSizeBound(t *testing.T) {
	var maxSeen atomic.Int64
	d, err := New(5*time.Millisecond, 3, func(ctx context.Context, inputs []Input[int]) ([]Result[int], error) {
		if n := int64(len(inputs)); n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		out := make([]Result[int], len(inputs))
		for i, in := range inputs {
			out[i] = Result[int]{ID: in.ID, Output: in.Value}
		}
		return out, nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Enqueue(context.Background(), strconv.Itoa(i), i)
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, maxSeen.Load(), int64(3))
}

func TestHandlerErrorFailsWholeBatch(t *testing.T) {
	boom := errors.New("upstream down")
	d, err := New(5*time.Millisecond, 10, func(ctx context.Context, inputs []Input[int]) ([]Result[int], error) {
		return nil, boom
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Enqueue(context.Background(), strconv.Itoa(i), i)
			require.ErrorIs(t, err, boom)
		}(i)
	}
	wg.Wait()
}

func TestMissingResultID(t *testing.T) {
	d, err := New(5*time.Millisecond, 10, func(ctx context.Context, inputs []Input[int]) ([]Result[int], error) {
		return nil, nil
	})
	require.NoError(t, err)

	_, err = d.Enqueue(context.Background(), "orphan", 1)
	require.ErrorIs(t, err, ErrNoResult)
}

func TestEnqueueHonorsContext(t *testing.T) {
	d, err := New(time.Hour, 10, func(ctx context.Context, inputs []Input[int]) ([]Result[int], error) {
		out := make([]Result[int], len(inputs))
		for i, in := range inputs {
			out[i] = Result[int]{ID: in.ID, Output: in.Value}
		}
		return out, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Enqueue(ctx, "slow", 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRejectsInvalidConstruction(t *testing.T) {
	_, err := New[int, int](time.Second, 0, func(ctx context.Context, inputs []Input[int]) ([]Result[int], error) { return nil, nil })
	require.Error(t, err)
	_, err = New[int, int](time.Second, 1, nil)
	require.Error(t, err)
}
