package download

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job is one scheduled download of a track. The same job survives retries.
type Job struct {
	Handle     string
	TrackID    string
	DownloadID int64
	Attempt    int

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	outcome  Outcome
	finished bool
	done     chan struct{}
}

// Done is closed once the job will not run again.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Outcome returns the final outcome. Valid after Done is closed.
func (j *Job) Outcome() Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome
}

// JobHandler runs one attempt of a job.
type JobHandler func(ctx context.Context, job *Job) Outcome

// RetryPolicy decides whether a retryable outcome is attempted again after
// attempt failures, and after what delay.
type RetryPolicy func(attempt int) (time.Duration, bool)

// NoRetry never retries.
func NoRetry(int) (time.Duration, bool) { return 0, false }

// WorkerPool runs download jobs on a fixed number of workers and retries
// jobs whose attempt ended with OutcomeRetry.
type WorkerPool struct {
	maxWorkers int
	jobs       chan *Job
	activeJobs sync.Map // handle -> *Job, queued, running or waiting to retry
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	handler    JobHandler
	retry      RetryPolicy
	logger     *zap.Logger
	mu         sync.RWMutex
	started    bool
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(maxWorkers int, handler JobHandler, retry RetryPolicy, logger *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 2
	}
	if retry == nil {
		retry = NoRetry
	}

	return &WorkerPool{
		maxWorkers: maxWorkers,
		jobs:       make(chan *Job, 10000),
		handler:    handler,
		retry:      retry,
		logger:     logger,
	}
}

// Start spawns worker goroutines and begins processing jobs
func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.started {
		return fmt.Errorf("worker pool already started")
	}
	if wp.handler == nil {
		return fmt.Errorf("job handler not set")
	}

	wp.ctx, wp.cancel = context.WithCancel(ctx)

	for i := 0; i < wp.maxWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.started = true
	return nil
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	wp.logger.Debug("Worker started", zap.Int("worker", id))

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug("Worker stopping", zap.Int("worker", id))
			return

		case job := <-wp.jobs:
			wp.processJob(job)
		}
	}
}

func (wp *WorkerPool) processJob(job *Job) {
	if job.ctx.Err() != nil {
		wp.finish(job, Outcome{Kind: OutcomeCancelled})
		return
	}

	outcome := wp.handler(job.ctx, job)

	if outcome.Kind == OutcomeRetry && job.ctx.Err() == nil {
		if delay, ok := wp.retry(job.Attempt + 1); ok {
			job.Attempt++
			wp.logger.Info("Retrying download",
				zap.String("track_id", job.TrackID),
				zap.Int("attempt", job.Attempt),
				zap.Duration("delay", delay),
				zap.String("reason", outcome.Reason))
			wp.requeueAfter(job, delay)
			return
		}
	}

	wp.finish(job, outcome)
}

// requeueAfter puts job back on the queue once delay has passed, unless it
// is cancelled first.
func (wp *WorkerPool) requeueAfter(job *Job, delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-job.ctx.Done():
			wp.finish(job, Outcome{Kind: OutcomeCancelled})
			return
		}

		if job.ctx.Err() != nil {
			wp.finish(job, Outcome{Kind: OutcomeCancelled})
			return
		}
		select {
		case wp.jobs <- job:
		case <-job.ctx.Done():
			wp.finish(job, Outcome{Kind: OutcomeCancelled})
		}
	}()
}

func (wp *WorkerPool) finish(job *Job, outcome Outcome) {
	wp.activeJobs.Delete(job.Handle)
	job.cancel()

	job.mu.Lock()
	if job.finished {
		job.mu.Unlock()
		return
	}
	job.finished = true
	job.outcome = outcome
	job.mu.Unlock()

	wp.logger.Debug("Job finished",
		zap.String("handle", job.Handle),
		zap.String("track_id", job.TrackID),
		zap.Stringer("outcome", outcome.Kind))
	close(job.done)
}

// Submit schedules a download of trackID and returns its job.
func (wp *WorkerPool) Submit(trackID string, downloadID int64) (*Job, error) {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.started {
		return nil, fmt.Errorf("worker pool not started")
	}

	job := &Job{
		Handle:     uuid.NewString(),
		TrackID:    trackID,
		DownloadID: downloadID,
		done:       make(chan struct{}),
	}
	job.ctx, job.cancel = context.WithCancel(wp.ctx)
	wp.activeJobs.Store(job.Handle, job)

	select {
	case wp.jobs <- job:
		return job, nil
	case <-wp.ctx.Done():
		wp.activeJobs.Delete(job.Handle)
		job.cancel()
		return nil, fmt.Errorf("worker pool is shutting down")
	default:
		wp.activeJobs.Delete(job.Handle)
		job.cancel()
		return nil, fmt.Errorf("job queue is full")
	}
}

// Stop cancels every job and waits for the workers to exit.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.started {
		wp.mu.Unlock()
		return
	}
	wp.started = false
	wp.mu.Unlock()

	wp.CancelAll()
	wp.cancel()
	wp.wg.Wait()

	for {
		select {
		case job := <-wp.jobs:
			wp.finish(job, Outcome{Kind: OutcomeCancelled})
		default:
			return
		}
	}
}

// CancelJob cancels a queued, running or retry-pending job.
func (wp *WorkerPool) CancelJob(handle string) error {
	value, ok := wp.activeJobs.Load(handle)
	if !ok {
		return fmt.Errorf("job not found: %s", handle)
	}
	value.(*Job).cancel()
	return nil
}

// Job returns the job with handle, if it has not finished.
func (wp *WorkerPool) Job(handle string) (*Job, bool) {
	value, ok := wp.activeJobs.Load(handle)
	if !ok {
		return nil, false
	}
	return value.(*Job), true
}

// CancelAll cancels every job. Queued jobs are dropped as workers reach them.
func (wp *WorkerPool) CancelAll() {
	wp.activeJobs.Range(func(_, value any) bool {
		value.(*Job).cancel()
		return true
	})
}

// GetActiveJobCount returns the number of unfinished jobs
func (wp *WorkerPool) GetActiveJobCount() int {
	count := 0
	wp.activeJobs.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// IsJobActive checks if a job has not finished yet
func (wp *WorkerPool) IsJobActive(handle string) bool {
	_, ok := wp.activeJobs.Load(handle)
	return ok
}

// GetMaxWorkers returns the maximum number of workers
func (wp *WorkerPool) GetMaxWorkers() int {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.maxWorkers
}
