package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrQueueNotStarted is returned by Enqueue before Start
	ErrQueueNotStarted = errors.New("hook queue not started")

	// ErrQueueClosed is returned by Enqueue after Close
	ErrQueueClosed = errors.New("hook queue closed")
)

// Job is one deferred hook invocation for one entity
type Job struct {
	Event  Event
	Entity string
	Run    func(ctx context.Context) error
}

// QueueStats counts finished jobs
type QueueStats struct {
	Completed int64
	Failed    int64
}

// Queue runs async hooks on a fixed pool of workers. Jobs never see the
// caller's context; they share a queue context that Close cancels once its
// own deadline passes.
type Queue struct {
	jobs    chan Job
	logger  *zap.Logger
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool

	completed atomic.Int64
	failed    atomic.Int64
}

// NewQueue creates a queue with the given number of workers (4 when not
// positive) and a buffer of 100 jobs
func NewQueue(workers int, logger *zap.Logger) *Queue {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		jobs:    make(chan Job, 100),
		logger:  logger,
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	q.wg.Add(q.workers)
	for i := 0; i < q.workers; i++ {
		go q.work()
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for job := range q.jobs {
		if q.ctx.Err() != nil {
			q.failed.Add(1)
			continue
		}
		q.run(job)
	}
}

func (q *Queue) run(job Job) {
	fields := []zap.Field{zap.String("event", job.Event.String()), zap.String("entity", job.Entity)}
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.logger.Error("async hook panicked", append(fields, zap.Any("panic", r))...)
		}
	}()

	if err := job.Run(q.ctx); err != nil {
		q.failed.Add(1)
		q.logger.Warn("async hook failed", append(fields, zap.Error(err))...)
		return
	}
	q.completed.Add(1)
}

// Enqueue hands a job to the workers, blocking while the buffer is full
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case q.closed:
		return ErrQueueClosed
	case !q.started:
		return ErrQueueNotStarted
	}

	select {
	case q.jobs <- job:
		return nil
	case <-q.ctx.Done():
		return ErrQueueClosed
	}
}

// Close stops accepting jobs and waits for queued ones. When ctx ends first
// the running jobs see a cancelled context, the rest are dropped and
// ctx.Err() is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	close(q.jobs)
	q.mu.Unlock()

	if !started {
		q.cancel()
		return nil
	}

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-drained
		return ctx.Err()
	}
}

// Stats returns the number of completed and failed jobs so far
func (q *Queue) Stats() QueueStats {
	return QueueStats{Completed: q.completed.Load(), Failed: q.failed.Load()}
}
