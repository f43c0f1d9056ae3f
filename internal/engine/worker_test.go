package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(size int) *WorkerPool {
	return NewWorkerPool("test", size, nil)
}

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := newTestPool(2)
	defer pool.Shutdown()

	var ran int64
	require.NoError(t, pool.Submit(context.Background(), "deliver evt-1", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}))
	pool.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
	assert.Equal(t, int64(1), pool.Metrics().Completed)
	assert.Equal(t, "test", pool.Name())
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	const poolSize = 3
	pool := newTestPool(poolSize)
	defer pool.Shutdown()

	var maxConcurrent, current int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), "task", func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, maxConcurrent, int64(poolSize))
	assert.Greater(t, maxConcurrent, int64(0))
}

func TestWorkerPool_Backpressure(t *testing.T) {
	pool := newTestPool(1)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "blocker", func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started

	submitted := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), "second", func(ctx context.Context) error { return nil })
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("second submit should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("second submit did not unblock after first task completed")
	}
	pool.Wait()
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	pool := newTestPool(2)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), "boom", func(ctx context.Context) error {
		panic("test panic")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)

	var ran int64
	require.NoError(t, pool.Submit(context.Background(), "after", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}))
	pool.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
}

func TestWorkerPool_ContextCancellation(t *testing.T) {
	pool := newTestPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "blocker", func(ctx context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, "waiting", func(ctx context.Context) error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("submit did not return after context cancellation")
	}

	close(block)
	pool.Wait()
}

func TestWorkerPool_Shutdown(t *testing.T) {
	t.Run("drains submitted work", func(t *testing.T) {
		pool := newTestPool(2)
		var completed int64
		for i := 0; i < 5; i++ {
			require.NoError(t, pool.Submit(context.Background(), "task", func(ctx context.Context) error {
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt64(&completed, 1)
				return nil
			}))
		}
		pool.Shutdown()
		assert.Equal(t, int64(5), atomic.LoadInt64(&completed))
	})

	t.Run("rejects after shutdown", func(t *testing.T) {
		pool := newTestPool(2)
		pool.Shutdown()
		err := pool.Submit(context.Background(), "late", func(ctx context.Context) error { return nil })
		assert.ErrorIs(t, err, ErrPoolShutdown)
	})

	t.Run("double shutdown", func(t *testing.T) {
		pool := newTestPool(2)
		pool.Shutdown()
		assert.NotPanics(t, pool.Shutdown)
	})
}

func TestWorkerPool_MetricsAccuracy(t *testing.T) {
	pool := newTestPool(4)
	defer pool.Shutdown()

	errTarget := errors.New("intentional error")
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(context.Background(), "ok", func(ctx context.Context) error { return nil }))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Submit(context.Background(), "fail", func(ctx context.Context) error { return errTarget }))
	}
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(3), m.Completed)
	assert.Equal(t, int64(2), m.Failed)
	assert.Equal(t, int64(0), m.Active)
}
