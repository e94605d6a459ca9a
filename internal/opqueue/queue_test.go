package opqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsOpsInOrder(t *testing.T) {
	q := New(4)
	q.Start()
	defer q.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, q.Enqueue(Func(func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 10)
	for i, v := range order {
		assert.Equal(t, i, v, "a single worker goroutine must preserve submission order")
	}
}

func TestQueueCloseWaitsForWorkerExit(t *testing.T) {
	q := New(1)
	q.Start()

	var ran atomic.Bool
	require.NoError(t, q.Enqueue(Func(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})))

	q.Close()
	assert.True(t, ran.Load())

	_, stillOpen := <-q.Done()
	assert.False(t, stillOpen, "Done's channel is closed once Close has run")
}

func TestQueueEnqueueAfterCloseFails(t *testing.T) {
	q := New(1)
	q.Start()
	q.Close()

	err := q.Enqueue(Func(func(ctx context.Context) error { return nil }))
	assert.Error(t, err)
}

// TestQueueConcurrentEnqueueNeverRacesApply exercises many goroutines
// enqueueing concurrently while the worker applies them (run with
// -race).
func TestQueueConcurrentEnqueueNeverRacesApply(t *testing.T) {
	q := New(16)
	q.Start()
	defer q.Close()

	var counter atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = q.Enqueue(Func(func(ctx context.Context) error {
					counter.Add(1)
					return nil
				}))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return counter.Load() == 1000
	}, time.Second, time.Millisecond)
}

func TestQueueLenReflectsBacklog(t *testing.T) {
	q := New(4)
	assert.Equal(t, 0, q.Len())

	block := make(chan struct{})
	require.NoError(t, q.Enqueue(Func(func(ctx context.Context) error { <-block; return nil })))
	require.NoError(t, q.Enqueue(Func(func(ctx context.Context) error { return nil })))
	require.NoError(t, q.Enqueue(Func(func(ctx context.Context) error { return nil })))

	// Nothing has been picked up by a worker yet: all three ops queued.
	assert.Equal(t, 3, q.Len())

	q.Start()
	close(block)
	q.Close()
	assert.Equal(t, 0, q.Len(), "Len must drop back to zero once the worker drains the backlog")
}

func TestQueueStartIsIdempotent(t *testing.T) {
	q := New(1)
	q.Start()
	q.Start()
	defer q.Close()

	require.NoError(t, q.Enqueue(Func(func(ctx context.Context) error { return nil })))
}
