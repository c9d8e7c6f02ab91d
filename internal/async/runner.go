package async

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultPoolSize = 1000
	defaultTimeout  = 30 * time.Second
)

// Task is a unit of detached work, typically a store write.
type Task func(ctx context.Context) error

type Config struct {
	// PoolSize bounds how many keys are drained concurrently.
	PoolSize int
	// Timeout bounds a single task.
	Timeout time.Duration
	// OnFailure is called after a task returned an error or panicked.
	OnFailure func(name string)
}

// Runner executes detached tasks. Tasks submitted with the same key run one
// at a time in submission order; tasks with different keys run concurrently.
type Runner struct {
	pool      chan struct{}
	wg        *sync.WaitGroup
	timeout   time.Duration
	onFailure func(name string)

	mu     sync.Mutex
	queues map[string]*queue
}

type queue struct {
	tasks   []job
	waiters []chan struct{}
}

type job struct {
	ctx  context.Context
	name string
	fn   Task
}

// NewRunner creates a runner. Caller should call Stop for graceful shutdown.
func NewRunner(c Config) *Runner {
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}

	return &Runner{
		pool:      make(chan struct{}, c.PoolSize),
		wg:        new(sync.WaitGroup),
		timeout:   c.Timeout,
		onFailure: c.OnFailure,
		queues:    make(map[string]*queue),
	}
}

// Go schedules fn under key and returns immediately. The caller's context
// values are kept but its cancellation is not: a task is never aborted
// because the caller went away.
func (r *Runner) Go(ctx context.Context, key, name string, fn Task) {
	r.mu.Lock()
	q, ok := r.queues[key]
	if !ok {
		q = &queue{}
		r.queues[key] = q
		r.wg.Add(1)
	}
	q.tasks = append(q.tasks, job{ctx: context.WithoutCancel(ctx), name: name, fn: fn})
	r.mu.Unlock()

	if !ok {
		go r.drain(key, q)
	}
}

// Flush blocks until every task queued under key so far, and any queued
// after it while draining, has finished.
func (r *Runner) Flush(ctx context.Context, key string) error {
	r.mu.Lock()
	q, ok := r.queues[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	q.waiters = append(q.waiters, done)
	r.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) drain(key string, q *queue) {
	defer r.wg.Done()

	r.pool <- struct{}{}
	defer func() { <-r.pool }()

	for {
		r.mu.Lock()
		if len(q.tasks) == 0 {
			delete(r.queues, key)
			for _, w := range q.waiters {
				close(w)
			}
			r.mu.Unlock()
			return
		}
		j := q.tasks[0]
		q.tasks = q.tasks[1:]
		r.mu.Unlock()

		r.run(j)
	}
}

func (r *Runner) run(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, r.timeout)
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "async: task panic",
				"task", j.name,
				"error", fmt.Errorf("%v, stack: %s", rec, debug.Stack()),
			)
			r.failed(j.name)
		}

		cancel()
	}()

	if err := j.fn(ctx); err != nil {
		slog.ErrorContext(ctx, "async: task failed",
			"task", j.name,
			"error", err,
		)
		r.failed(j.name)
	}
}

func (r *Runner) failed(name string) {
	if r.onFailure != nil {
		r.onFailure(name)
	}
}

// Stop waits for all queued tasks to finish.
func (r *Runner) Stop() {
	r.wg.Wait()
}
