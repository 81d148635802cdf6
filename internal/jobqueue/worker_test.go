package jobqueue

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/coursehub/backend/internal/errors"
	"github.com/coursehub/backend/internal/logger"
	"github.com/coursehub/backend/internal/metrics"
)

func newTestPool(q *Queue) *WorkerPool {
	return NewWorkerPool(q, &WorkerPoolConfig{
		WorkerCount:  1,
		JobTimeout:   5 * time.Second,
		ScanInterval: 20 * time.Millisecond,
		Metrics:      metrics.New(),
		Logger:       logger.New(&logger.Config{Output: io.Discard}),
	})
}

func waitForState(t *testing.T, q *Queue, id string, want State) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Job(context.Background(), id)
		if err == nil && job.State == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := q.Job(context.Background(), id)
	t.Fatalf("job %s never reached %s (last: %+v)", id, want, job)
	return nil
}

func stopPool(t *testing.T, pool *WorkerPool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Errorf("Failed to stop pool: %v", err)
	}
}

var fastRetry = Options{Backoff: Backoff{Type: BackoffExponential, Delay: 10 * time.Millisecond}}

func TestWorkerPool_StartStop(t *testing.T) {
	q, _ := setupQueue(t)
	pool := newTestPool(q)
	pool.RegisterWorker("process-video", HandlerFuncs{
		ProcessFunc: func(ctx context.Context, job *Job) error { return nil },
	})

	if pool.IsRunning() {
		t.Error("Pool should not be running before Start()")
	}

	pool.Start()
	if !pool.IsRunning() {
		t.Error("Pool should be running after Start()")
	}

	// Start again should be idempotent
	pool.Start()

	stopPool(t, pool)
	if pool.IsRunning() {
		t.Error("Pool should not be running after Stop()")
	}

	// Stop again is a no-op
	if err := pool.Stop(context.Background()); err != nil {
		t.Errorf("Second Stop() returned %v", err)
	}
}

func TestWorkerPool_ProcessJob(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	var processed int32
	pool := newTestPool(q)
	pool.RegisterWorker("process-video", HandlerFuncs{
		ProcessFunc: func(ctx context.Context, job *Job) error {
			atomic.AddInt32(&processed, 1)
			if apperrors.GetJobID(ctx) != job.ID {
				t.Errorf("Expected job ID in context")
			}
			return job.UpdateProgress(ctx, 50)
		},
	})

	h, err := q.Enqueue(ctx, "process-video", testPayload{VideoID: "v1"}, Options{})
	if err != nil {
		t.Fatalf("Failed to enqueue job: %v", err)
	}

	pool.Start()
	job := waitForState(t, q, h.ID, StateCompleted)
	stopPool(t, pool)

	if atomic.LoadInt32(&processed) != 1 {
		t.Errorf("Expected 1 processed job, got %d", processed)
	}
	if job.Progress != 100 || job.AttemptsMade != 1 || job.FinishedAt == nil {
		t.Errorf("Unexpected completed job: %+v", job)
	}
}

func TestWorkerPool_RetryThenFail(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	var attempts, failedCalls int32
	pool := newTestPool(q)
	pool.RegisterWorker("process-video", HandlerFuncs{
		ProcessFunc: func(ctx context.Context, job *Job) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("connection reset by peer")
		},
		FailedFunc: func(ctx context.Context, job *Job, err error) error {
			atomic.AddInt32(&failedCalls, 1)
			return nil
		},
	})

	h, _ := q.Enqueue(ctx, "process-video", testPayload{VideoID: "v1"}, fastRetry)

	pool.Start()
	job := waitForState(t, q, h.ID, StateFailed)
	stopPool(t, pool)

	if got := atomic.LoadInt32(&attempts); got != DefaultMaxAttempts {
		t.Errorf("Expected %d attempts, got %d", DefaultMaxAttempts, got)
	}
	if got := atomic.LoadInt32(&failedCalls); got != 1 {
		t.Errorf("Expected failure handler once, got %d", got)
	}
	if job.AttemptsMade != DefaultMaxAttempts || job.FailedReason != "connection reset by peer" {
		t.Errorf("Unexpected failed job: %+v", job)
	}
}

func TestWorkerPool_PermanentErrorSkipsRetries(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
	}{
		{"wrapped", Permanent(errors.New("bad payload"))},
		{"non-retryable app error", apperrors.ProviderUnauthorized("token rejected")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			pool := newTestPool(q)
			pool.RegisterWorker("process-video", HandlerFuncs{
				ProcessFunc: func(ctx context.Context, job *Job) error {
					atomic.AddInt32(&attempts, 1)
					return tt.err
				},
			})

			h, _ := q.Enqueue(ctx, "process-video", testPayload{VideoID: tt.name}, fastRetry)

			pool.Start()
			waitForState(t, q, h.ID, StateFailed)
			stopPool(t, pool)

			if got := atomic.LoadInt32(&attempts); got != 1 {
				t.Errorf("Expected a single attempt, got %d", got)
			}
		})
	}
}

func TestWorkerPool_RetryAfterDoesNotConsumeAttempts(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	var calls int32
	pool := newTestPool(q)
	pool.RegisterWorker("process-video", HandlerFuncs{
		ProcessFunc: func(ctx context.Context, job *Job) error {
			if atomic.AddInt32(&calls, 1) < 4 {
				return RetryAfter(10 * time.Millisecond)
			}
			return nil
		},
	})

	h, _ := q.Enqueue(ctx, "process-video", testPayload{VideoID: "v1"}, Options{MaxAttempts: 1})

	pool.Start()
	job := waitForState(t, q, h.ID, StateCompleted)
	stopPool(t, pool)

	if job.Polls != 3 || job.AttemptsMade != 1 {
		t.Errorf("Expected 3 polls and 1 attempt, got %d polls / %d attempts", job.Polls, job.AttemptsMade)
	}
}

func TestWorkerPool_PanicIsRetried(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	var calls int32
	pool := newTestPool(q)
	pool.RegisterWorker("process-video", HandlerFuncs{
		ProcessFunc: func(ctx context.Context, job *Job) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				panic("nil map")
			}
			return nil
		},
	})

	h, _ := q.Enqueue(ctx, "process-video", testPayload{VideoID: "v1"}, fastRetry)

	pool.Start()
	job := waitForState(t, q, h.ID, StateCompleted)
	stopPool(t, pool)

	if job.AttemptsMade != 2 {
		t.Errorf("Expected 2 attempts, got %d", job.AttemptsMade)
	}
}

func TestWorkerPool_StopTimeoutRequeues(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	started := make(chan struct{})
	pool := newTestPool(q)
	pool.RegisterWorker("process-video", HandlerFuncs{
		ProcessFunc: func(ctx context.Context, job *Job) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	})

	h, _ := q.Enqueue(ctx, "process-video", testPayload{VideoID: "v1"}, Options{})

	pool.Start()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := pool.Stop(stopCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	job, err := q.Job(ctx, h.ID)
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if job.State != StateWaiting || job.AttemptsMade != 0 {
		t.Errorf("Expected waiting job with no attempts, got %s / %d", job.State, job.AttemptsMade)
	}

	counts, _ := q.Counts(ctx, "process-video")
	if counts.Waiting != 1 || counts.Active != 0 {
		t.Errorf("Unexpected counts: %+v", counts)
	}
}

func TestWorkerPool_ReapsStalledJob(t *testing.T) {
	q, mr := setupQueue(t)
	ctx := context.Background()

	h, _ := q.Enqueue(ctx, "process-video", testPayload{VideoID: "v1"}, Options{})

	// Simulate a worker that crashed after claiming.
	if _, err := q.claim(ctx, "process-video", "dead-worker", time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	mr.Del(q.lockKey(h.ID))

	var processed int32
	pool := newTestPool(q)
	pool.RegisterWorker("process-video", HandlerFuncs{
		ProcessFunc: func(ctx context.Context, job *Job) error {
			atomic.AddInt32(&processed, 1)
			return nil
		},
	})

	pool.Start()
	waitForState(t, q, h.ID, StateCompleted)
	stopPool(t, pool)

	if atomic.LoadInt32(&processed) != 1 {
		t.Errorf("Expected stalled job to run once, got %d", processed)
	}
}

func TestWorkerPool_StalledJobFailsAfterMaxAttempts(t *testing.T) {
	q, mr := setupQueue(t)
	ctx := context.Background()

	h, _ := q.Enqueue(ctx, "process-video", testPayload{VideoID: "v1"}, Options{MaxAttempts: 3})

	var failedWith error
	pool := newTestPool(q)
	pool.RegisterWorker("process-video", HandlerFuncs{
		ProcessFunc: func(ctx context.Context, job *Job) error { return nil },
		FailedFunc: func(ctx context.Context, job *Job, err error) error {
			failedWith = err
			return nil
		},
	})

	// Every delivery goes to a worker that dies holding the job.
	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := q.claim(ctx, "process-video", "dead-worker", time.Second); err != nil {
			t.Fatalf("claim %d: %v", attempt, err)
		}
		mr.Del(q.lockKey(h.ID))

		pool.scan(ctx, "process-video")
		pool.scan(ctx, "process-video")

		if attempt == 3 {
			break
		}
		snap, err := q.GetJob(ctx, h.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if snap.State != StateWaiting || snap.AttemptsMade != attempt {
			t.Fatalf("After crash %d expected waiting with %d attempts, got %+v", attempt, attempt, snap)
		}
	}

	job, err := q.Job(ctx, h.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.State != StateFailed || job.AttemptsMade != 3 {
		t.Errorf("Expected failed after 3 attempts, got %s with %d", job.State, job.AttemptsMade)
	}
	if job.FailedReason != ErrStalled.Error() {
		t.Errorf("Unexpected failure reason %q", job.FailedReason)
	}
	if !errors.Is(failedWith, ErrStalled) {
		t.Errorf("Expected failure handler to see ErrStalled, got %v", failedWith)
	}

	counts, _ := q.Counts(ctx, "process-video")
	if counts.Waiting != 0 || counts.Active != 0 {
		t.Errorf("Unexpected counts: %+v", counts)
	}
}
