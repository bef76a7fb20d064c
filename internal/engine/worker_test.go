package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var current, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := pool.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
		}, nil)
		require.NoError(t, err)
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestWorkerPoolSubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) {}, nil)
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPoolSubmitHonorsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) {
		<-release
	}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(ctx context.Context) {}, nil)
	assert.Error(t, err)
	close(release)
	pool.Wait()
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	recovered := make(chan any, 1)
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) {
		panic("node exploded")
	}, func(r any) {
		recovered <- r
	}))

	select {
	case r := <-recovered:
		assert.Equal(t, "node exploded", r)
	case <-time.After(time.Second):
		t.Fatal("panic was not reported")
	}
	pool.Wait()

	// The pool slot is released, so later work still runs.
	done := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) {
		close(done)
	}, nil))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool stopped accepting work after a panic")
	}
}
