package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/observability"
)

func TestSafeGo_SurvivesParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(contextkeys.WithRequestID(context.Background(), "req-1"))
	cancel()

	done := make(chan string, 1)
	SafeGo(parent, observability.NewNopLogger(), time.Second, "test", func(ctx context.Context) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		done <- contextkeys.GetRequestID(ctx)
		return nil
	})

	select {
	case id := <-done:
		assert.Equal(t, "req-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	SafeGo(context.Background(), observability.NewNopLogger(), time.Second, "panicky", func(ctx context.Context) error {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()
}

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 3, "test", time.Second, nil)

	var count int32
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			atomic.AddInt32(&count, 1)
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown(2*time.Second))
	assert.Equal(t, int32(20), atomic.LoadInt32(&count))
}

func TestWorkerPool_ReportsErrorsAndPanics(t *testing.T) {
	var mu sync.Mutex
	var errs []error
	pool := NewWorkerPool(context.Background(), 1, "test", time.Second, nil, WithErrorHandler(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}))

	require.NoError(t, pool.Submit(func(ctx context.Context) error { return errors.New("failed") }))
	require.NoError(t, pool.Submit(func(ctx context.Context) error { panic("exploded") }))
	require.NoError(t, pool.Shutdown(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 2)
	assert.EqualError(t, errs[0], "failed")
	assert.Contains(t, errs[1].Error(), "exploded")
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "test", time.Second, nil)
	require.NoError(t, pool.Shutdown(time.Second))
	require.NoError(t, pool.Shutdown(time.Second))

	assert.ErrorIs(t, pool.Submit(func(ctx context.Context) error { return nil }), ErrPoolClosed)
	assert.ErrorIs(t, pool.TrySubmit(func(ctx context.Context) error { return nil }), ErrPoolClosed)
}

func TestWorkerPool_TrySubmitFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewWorkerPool(context.Background(), 1, "test", 5*time.Second, nil, WithQueueSize(1))
	defer func() {
		close(block)
		_ = pool.Shutdown(time.Second)
	}()

	started := make(chan struct{})
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started
	require.NoError(t, pool.TrySubmit(func(ctx context.Context) error { return nil }))

	assert.ErrorIs(t, pool.TrySubmit(func(ctx context.Context) error { return nil }), ErrPoolFull)
}
