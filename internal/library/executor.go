package library

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultWorkers is the size of the library executor.
const DefaultWorkers = 4

// Task is one unit of library work.
type Task func(ctx context.Context)

// Executor runs library tasks in submission order on a fixed set of
// workers. Tasks still queued when the executor stops are dropped.
type Executor struct {
	workers int
	tasks   chan Task
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	mu      sync.RWMutex
	started bool
}

// NewExecutor creates an executor with the given number of workers and
// queue capacity.
func NewExecutor(workers, queueSize int, logger *zap.Logger) *Executor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Executor{
		workers: workers,
		tasks:   make(chan Task, queueSize),
		logger:  logger,
	}
}

// Start spawns the workers.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("executor already started")
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	e.started = true
	return nil
}

func (e *Executor) worker(id int) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			e.logger.Debug("Library worker stopping", zap.Int("worker", id))
			return
		case task := <-e.tasks:
			task(e.ctx)
		}
	}
}

// Submit enqueues task. It blocks while the queue is full, until the
// executor stops or ctx is done.
func (e *Executor) Submit(ctx context.Context, task Task) error {
	stopped, err := e.stopped()
	if err != nil {
		return err
	}

	select {
	case <-stopped:
		return fmt.Errorf("executor is shutting down")
	default:
	}

	select {
	case e.tasks <- task:
		return nil
	case <-stopped:
		return fmt.Errorf("executor is shutting down")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopped returns the channel closed when the current run of the executor
// ends. The lock is not held while callers wait on it.
func (e *Executor) stopped() (<-chan struct{}, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.started {
		return nil, fmt.Errorf("executor not started")
	}
	return e.ctx.Done(), nil
}

// Stop cancels running tasks and waits for the workers to exit.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// Workers returns the number of workers.
func (e *Executor) Workers() int {
	return e.workers
}

// call runs fn on the executor and waits for its result.
func call[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)

	stopped, err := e.stopped()
	if err != nil {
		var zero T
		return zero, err
	}

	err = e.Submit(ctx, func(workerCtx context.Context) {
		taskCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(workerCtx, cancel)
		defer stop()

		value, err := fn(taskCtx)
		done <- result{value, err}
	})
	if err != nil {
		var zero T
		return zero, err
	}

	select {
	case r := <-done:
		return r.value, r.err
	case <-stopped:
		var zero T
		return zero, fmt.Errorf("executor is shutting down")
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
