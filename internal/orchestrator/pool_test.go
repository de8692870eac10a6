package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestPool(t *testing.T, size int) *WorkerPool {
	t.Helper()
	pool, err := NewWorkerPool(size, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestNewWorkerPoolRejectsZeroSize(t *testing.T) {
	_, err := NewWorkerPool(0, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceExhausted))
}

func TestWorkerPoolRunsJobs(t *testing.T) {
	pool := newTestPool(t, 3)

	var wg sync.WaitGroup
	var count atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(context.Background(), func() {
			defer wg.Done()
			count.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(20), count.Load())
	assert.LessOrEqual(t, pool.Peak(), 3)
}

func TestWorkerPoolSubmitBlocksWhenSaturated(t *testing.T) {
	pool := newTestPool(t, 1)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func() {
		close(started)
		<-release
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestWorkerPoolRecoversFromPanic(t *testing.T) {
	pool := newTestPool(t, 1)

	require.NoError(t, pool.Submit(context.Background(), func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestWorkerPoolStop(t *testing.T) {
	pool, err := NewWorkerPool(2, nil)
	require.NoError(t, err)

	var finished atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), func() {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	}))

	require.NoError(t, pool.Stop(context.Background()))
	assert.True(t, finished.Load(), "stop should wait for running jobs")
	assert.ErrorIs(t, pool.Submit(context.Background(), func() {}), ErrPoolStopped)

	// Stopping twice is a no-op.
	require.NoError(t, pool.Stop(context.Background()))
}

func TestWorkerPoolStats(t *testing.T) {
	pool := newTestPool(t, 2)

	done := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func() { close(done) }))
	<-done

	require.Eventually(t, func() bool { return pool.Completed() == 1 }, time.Second, 5*time.Millisecond)
	stats := pool.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, 1, stats.Peak)
}
