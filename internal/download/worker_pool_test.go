package download

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func waitDone(t *testing.T, job *Job) Outcome {
	t.Helper()
	select {
	case <-job.Done():
		return job.Outcome()
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout waiting for job %s", job.Handle)
		return Outcome{}
	}
}

func TestWorkerPoolCreation(t *testing.T) {
	handler := func(ctx context.Context, job *Job) Outcome {
		return Outcome{Kind: OutcomeSuccess}
	}

	pool := NewWorkerPool(4, handler, nil, zaptest.NewLogger(t))
	if pool.GetMaxWorkers() != 4 {
		t.Errorf("Expected 4 workers, got %d", pool.GetMaxWorkers())
	}

	if _, err := pool.Submit("a", 1); err == nil {
		t.Error("Expected error when submitting to a pool that is not started")
	}
}

func TestWorkerPoolStartStop(t *testing.T) {
	handler := func(ctx context.Context, job *Job) Outcome {
		time.Sleep(10 * time.Millisecond)
		return Outcome{Kind: OutcomeSuccess}
	}

	pool := NewWorkerPool(2, handler, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	if err := pool.Start(ctx); err == nil {
		t.Error("Expected error when starting already started pool")
	}

	pool.Stop()
	pool.Stop()
}

func TestWorkerPoolJobProcessing(t *testing.T) {
	var processed atomic.Int32
	handler := func(ctx context.Context, job *Job) Outcome {
		processed.Add(1)
		return Outcome{Kind: OutcomeSuccess, Bytes: int64(len(job.TrackID))}
	}

	pool := NewWorkerPool(2, handler, nil, zaptest.NewLogger(t))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer pool.Stop()

	var jobs []*Job
	handles := map[string]bool{}
	for i := 0; i < 5; i++ {
		job, err := pool.Submit(string(rune('A'+i)), int64(i))
		if err != nil {
			t.Fatalf("Failed to submit job: %v", err)
		}
		if handles[job.Handle] {
			t.Fatalf("Duplicate handle %s", job.Handle)
		}
		handles[job.Handle] = true
		jobs = append(jobs, job)
	}

	for _, job := range jobs {
		if outcome := waitDone(t, job); outcome.Kind != OutcomeSuccess || outcome.Bytes != 1 {
			t.Errorf("Unexpected outcome %+v", outcome)
		}
		if pool.IsJobActive(job.Handle) {
			t.Errorf("Finished job %s should not be active", job.Handle)
		}
	}
	if processed.Load() != 5 {
		t.Errorf("Expected 5 processed jobs, got %d", processed.Load())
	}
}

func TestWorkerPoolJobCancellation(t *testing.T) {
	started := make(chan struct{})
	handler := func(ctx context.Context, job *Job) Outcome {
		close(started)
		select {
		case <-time.After(5 * time.Second):
			return Outcome{Kind: OutcomeSuccess}
		case <-ctx.Done():
			return Outcome{Kind: OutcomeCancelled}
		}
	}

	pool := NewWorkerPool(1, handler, nil, zaptest.NewLogger(t))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer pool.Stop()

	job, err := pool.Submit("abc", 1)
	if err != nil {
		t.Fatalf("Failed to submit job: %v", err)
	}
	<-started

	if err := pool.CancelJob(job.Handle); err != nil {
		t.Errorf("Failed to cancel job: %v", err)
	}
	if outcome := waitDone(t, job); outcome.Kind != OutcomeCancelled {
		t.Errorf("Expected cancelled outcome, got %v", outcome.Kind)
	}

	if err := pool.CancelJob(job.Handle); err == nil {
		t.Error("Expected error cancelling a finished job")
	}
}

func TestWorkerPoolCancelQueuedJob(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	handler := func(ctx context.Context, job *Job) Outcome {
		calls.Add(1)
		<-release
		return Outcome{Kind: OutcomeSuccess}
	}

	pool := NewWorkerPool(1, handler, nil, zaptest.NewLogger(t))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer pool.Stop()

	first, _ := pool.Submit("a", 1)
	queued, _ := pool.Submit("b", 2)

	if err := pool.CancelJob(queued.Handle); err != nil {
		t.Fatalf("Failed to cancel queued job: %v", err)
	}
	close(release)

	waitDone(t, first)
	if outcome := waitDone(t, queued); outcome.Kind != OutcomeCancelled {
		t.Errorf("Expected queued job to be cancelled, got %v", outcome.Kind)
	}
	if calls.Load() != 1 {
		t.Errorf("Cancelled queued job must not run, handler ran %d times", calls.Load())
	}
}

func TestWorkerPoolRetries(t *testing.T) {
	var attempts atomic.Int32
	handler := func(ctx context.Context, job *Job) Outcome {
		if int(attempts.Add(1)) != job.Attempt+1 {
			t.Errorf("Attempt counter out of sync: %d", job.Attempt)
		}
		if job.Attempt < 2 {
			return Outcome{Kind: OutcomeRetry, Reason: "HTTP 503"}
		}
		return Outcome{Kind: OutcomeSuccess}
	}
	retry := func(attempt int) (time.Duration, bool) {
		return time.Millisecond, attempt <= 3
	}

	pool := NewWorkerPool(1, handler, retry, zaptest.NewLogger(t))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer pool.Stop()

	job, _ := pool.Submit("abc", 1)
	if outcome := waitDone(t, job); outcome.Kind != OutcomeSuccess {
		t.Errorf("Expected success after retries, got %v", outcome.Kind)
	}
	if attempts.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts.Load())
	}
}

func TestWorkerPoolGivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	handler := func(ctx context.Context, job *Job) Outcome {
		attempts.Add(1)
		return Outcome{Kind: OutcomeRetry, Reason: "No internet connection"}
	}
	retry := func(attempt int) (time.Duration, bool) {
		return time.Millisecond, attempt <= 2
	}

	pool := NewWorkerPool(1, handler, retry, zaptest.NewLogger(t))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer pool.Stop()

	job, _ := pool.Submit("abc", 1)
	outcome := waitDone(t, job)
	if outcome.Kind != OutcomeRetry || outcome.Reason != "No internet connection" {
		t.Errorf("Expected final retry outcome, got %+v", outcome)
	}
	if attempts.Load() != 3 {
		t.Errorf("Expected 1 attempt plus 2 retries, got %d", attempts.Load())
	}
}

func TestWorkerPoolCancelDuringBackoff(t *testing.T) {
	ran := make(chan struct{}, 1)
	handler := func(ctx context.Context, job *Job) Outcome {
		ran <- struct{}{}
		return Outcome{Kind: OutcomeRetry}
	}
	retry := func(int) (time.Duration, bool) { return time.Hour, true }

	pool := NewWorkerPool(1, handler, retry, zaptest.NewLogger(t))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	defer pool.Stop()

	job, _ := pool.Submit("abc", 1)
	<-ran
	time.Sleep(20 * time.Millisecond)

	if !pool.IsJobActive(job.Handle) {
		t.Fatal("Job waiting for retry should be active")
	}

	pool.CancelJob(job.Handle)
	if outcome := waitDone(t, job); outcome.Kind != OutcomeCancelled {
		t.Errorf("Expected cancelled, got %v", outcome.Kind)
	}
}

func TestWorkerPoolStopCancelsJobs(t *testing.T) {
	handler := func(ctx context.Context, job *Job) Outcome {
		<-ctx.Done()
		return Outcome{Kind: OutcomeCancelled}
	}

	pool := NewWorkerPool(1, handler, nil, zaptest.NewLogger(t))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}

	running, _ := pool.Submit("a", 1)
	queued, _ := pool.Submit("b", 2)

	pool.Stop()

	for _, job := range []*Job{running, queued} {
		if outcome := waitDone(t, job); outcome.Kind != OutcomeCancelled {
			t.Errorf("Expected cancelled after stop, got %v", outcome.Kind)
		}
	}
	if pool.GetActiveJobCount() != 0 {
		t.Errorf("Expected no active jobs, got %d", pool.GetActiveJobCount())
	}
}

func TestRetryPolicyFrom(t *testing.T) {
	policy := RetryPolicyFrom(retryConfig(2))

	if d, ok := policy(1); !ok || d != 10*time.Millisecond {
		t.Errorf("Expected first retry after 10ms, got %v %v", d, ok)
	}
	if d, ok := policy(2); !ok || d != 20*time.Millisecond {
		t.Errorf("Expected second retry after 20ms, got %v %v", d, ok)
	}
	if _, ok := policy(3); ok {
		t.Error("Expected no third retry")
	}
}
