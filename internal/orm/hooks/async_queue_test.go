package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func job(run func(ctx context.Context) error) Job {
	return Job{Event: AfterCreate, Entity: "Post", Run: run}
}

func TestQueueRunsEveryJob(t *testing.T) {
	queue := NewQueue(4, nil)
	queue.Start()

	var mu sync.Mutex
	seen := 0
	for i := 0; i < 20; i++ {
		require.NoError(t, queue.Enqueue(job(func(ctx context.Context) error {
			mu.Lock()
			seen++
			mu.Unlock()
			return nil
		})))
	}

	require.NoError(t, queue.Close(context.Background()))
	assert.Equal(t, 20, seen)
	assert.Equal(t, QueueStats{Completed: 20}, queue.Stats())
}

func TestQueueLogsFailuresAndPanics(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	queue := NewQueue(1, zap.New(core))
	queue.Start()

	require.NoError(t, queue.Enqueue(job(func(ctx context.Context) error {
		return errors.New("boom")
	})))
	require.NoError(t, queue.Enqueue(job(func(ctx context.Context) error {
		panic("kaboom")
	})))
	require.NoError(t, queue.Enqueue(job(func(ctx context.Context) error {
		return nil
	})))
	require.NoError(t, queue.Close(context.Background()))

	assert.Equal(t, QueueStats{Completed: 1, Failed: 2}, queue.Stats())

	failed := logs.FilterMessage("async hook failed")
	require.Equal(t, 1, failed.Len())
	assert.Equal(t, "after_create", failed.All()[0].ContextMap()["event"])
	assert.Equal(t, "Post", failed.All()[0].ContextMap()["entity"])
	assert.Equal(t, 1, logs.FilterMessage("async hook panicked").Len())
}

func TestQueueLifecycle(t *testing.T) {
	queue := NewQueue(0, nil)
	noop := job(func(ctx context.Context) error { return nil })

	assert.ErrorIs(t, queue.Enqueue(noop), ErrQueueNotStarted)

	queue.Start()
	queue.Start()
	assert.NoError(t, queue.Enqueue(noop))

	require.NoError(t, queue.Close(context.Background()))
	assert.NoError(t, queue.Close(context.Background()))
	assert.ErrorIs(t, queue.Enqueue(noop), ErrQueueClosed)
}

func TestQueueCloseDeadlineCancelsJobs(t *testing.T) {
	queue := NewQueue(1, nil)
	queue.Start()

	running := make(chan struct{})
	require.NoError(t, queue.Enqueue(job(func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	})))
	require.NoError(t, queue.Enqueue(job(func(ctx context.Context) error {
		t.Error("job after the deadline must not run")
		return nil
	})))
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, queue.Close(ctx), context.DeadlineExceeded)
	assert.Equal(t, QueueStats{Failed: 2}, queue.Stats())
}
