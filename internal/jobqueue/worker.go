package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/coursehub/backend/internal/errors"
	"github.com/coursehub/backend/internal/logger"
	"github.com/coursehub/backend/internal/metrics"
)

const (
	DefaultWorkerCount  = 3
	DefaultJobTimeout   = 2 * time.Minute
	DefaultPollTimeout  = time.Second
	DefaultScanInterval = time.Second

	promoteBatch = 100
)

// WorkerPoolConfig holds configuration for the worker pool
type WorkerPoolConfig struct {
	// WorkerCount is the number of concurrent handlers per job name.
	WorkerCount int
	JobTimeout  time.Duration

	// PollTimeout bounds each blocking claim so Stop is noticed promptly.
	PollTimeout time.Duration

	// ScanInterval is how often delayed jobs are promoted and stalled
	// active jobs are looked for.
	ScanInterval time.Duration

	Metrics *metrics.Metrics
	Logger  *logger.Logger
}

// WorkerPool runs registered handlers against a Queue.
type WorkerPool struct {
	queue        *Queue
	workerCount  int
	jobTimeout   time.Duration
	pollTimeout  time.Duration
	scanInterval time.Duration
	metrics      *metrics.Metrics
	log          *logger.Logger

	handlers map[string]Handler
	// suspects holds, per queue, active ids seen without a lease on the
	// previous scan. Only the maintain goroutine touches it.
	suspects map[string]map[string]bool

	wg          sync.WaitGroup
	stopChan    chan struct{}
	claimCtx    context.Context
	claimCancel context.CancelFunc
	jobCtx      context.Context
	jobCancel   context.CancelFunc
	mu          sync.RWMutex
	running     bool
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(queue *Queue, config *WorkerPoolConfig) *WorkerPool {
	if config == nil {
		config = &WorkerPoolConfig{}
	}

	wp := &WorkerPool{
		queue:        queue,
		workerCount:  config.WorkerCount,
		jobTimeout:   config.JobTimeout,
		pollTimeout:  config.PollTimeout,
		scanInterval: config.ScanInterval,
		metrics:      config.Metrics,
		log:          config.Logger,
		handlers:     make(map[string]Handler),
		suspects:     make(map[string]map[string]bool),
	}
	if wp.workerCount <= 0 {
		wp.workerCount = DefaultWorkerCount
	}
	if wp.jobTimeout <= 0 {
		wp.jobTimeout = DefaultJobTimeout
	}
	if wp.pollTimeout < time.Second {
		// BLMOVE timeouts have one second resolution.
		wp.pollTimeout = DefaultPollTimeout
	}
	if wp.scanInterval <= 0 {
		wp.scanInterval = DefaultScanInterval
	}
	if wp.metrics == nil {
		wp.metrics = metrics.Default()
	}
	if wp.log == nil {
		wp.log = logger.Default()
	}
	wp.log = wp.log.WithComponent("jobqueue")

	return wp
}

// RegisterWorker attaches the handler for jobs named name. It must be called
// before Start.
func (wp *WorkerPool) RegisterWorker(name string, h Handler) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.handlers[name] = h
}

// Start launches the worker pool
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return
	}

	wp.running = true
	wp.stopChan = make(chan struct{})
	wp.claimCtx, wp.claimCancel = context.WithCancel(context.Background())
	wp.jobCtx, wp.jobCancel = context.WithCancel(context.Background())

	for name, h := range wp.handlers {
		for i := 0; i < wp.workerCount; i++ {
			wp.wg.Add(1)
			go wp.worker(name, h, i)
		}
	}

	wp.wg.Add(1)
	go wp.maintain()

	wp.log.Info(context.Background(), "worker pool started", map[string]interface{}{
		"workers": wp.workerCount,
		"queues":  len(wp.handlers),
	})
}

// Stop stops claiming new jobs and waits for in-flight handlers. When ctx
// expires first the handlers are cancelled and their jobs go back to the
// wait list without consuming an attempt.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return nil
	}
	wp.running = false
	close(wp.stopChan)
	wp.claimCancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.jobCancel()
		wp.log.Info(context.Background(), "worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		wp.jobCancel()
		<-done
		wp.log.Warn(context.Background(), "worker pool shutdown timed out, in-flight jobs requeued")
		return ctx.Err()
	}
}

// IsRunning returns whether the worker pool is currently running
func (wp *WorkerPool) IsRunning() bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.running
}

func (wp *WorkerPool) stopping() bool {
	select {
	case <-wp.stopChan:
		return true
	default:
		return false
	}
}

// worker is the main loop for a single worker
func (wp *WorkerPool) worker(name string, h Handler, id int) {
	defer wp.wg.Done()

	token := uuid.New().String()
	wp.log.Debug(context.Background(), "worker started", map[string]interface{}{"queue": name, "worker": id})

	for !wp.stopping() {
		job, err := wp.queue.claim(wp.claimCtx, name, token, wp.pollTimeout)
		if err != nil {
			if wp.stopping() {
				return
			}
			wp.log.WarnErr(context.Background(), "failed to claim job", err, map[string]interface{}{"queue": name})
			select {
			case <-wp.stopChan:
				return
			case <-time.After(wp.pollTimeout):
			}
			continue
		}
		if job == nil {
			continue
		}
		wp.processJob(h, job, token)
	}
}

// processJob runs one attempt and settles the outcome.
func (wp *WorkerPool) processJob(h Handler, job *Job, token string) {
	ctx := apperrors.WithJobID(wp.jobCtx, job.ID)
	runCtx, cancel := context.WithTimeout(ctx, wp.jobTimeout)
	defer cancel()

	wp.log.Info(ctx, "processing job", map[string]interface{}{
		"queue":   job.Name,
		"attempt": job.AttemptsMade + 1,
		"polls":   job.Polls,
	})

	beat := make(chan struct{})
	go wp.heartbeat(runCtx, job.ID, token, beat)

	err := safeProcess(runCtx, h, job)
	close(beat)

	// Bookkeeping must survive the shutdown cancellation.
	wp.settle(context.WithoutCancel(ctx), h, job, err)
}

func safeProcess(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Process(ctx, job)
}

// heartbeat renews the lease while the handler runs.
func (wp *WorkerPool) heartbeat(ctx context.Context, id, token string, done <-chan struct{}) {
	ticker := time.NewTicker(wp.queue.lockDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := wp.queue.extendLock(ctx, id, token)
			if err != nil {
				wp.log.WarnErr(ctx, "failed to extend job lease", err)
				continue
			}
			if !ok {
				wp.log.Warn(ctx, "job lease lost, another worker may pick it up")
			}
		}
	}
}

// settle records the outcome of one attempt.
func (wp *WorkerPool) settle(ctx context.Context, h Handler, job *Job, procErr error) {
	fields := map[string]interface{}{"queue": job.Name}

	if procErr == nil {
		job.AttemptsMade++
		job.Progress = 100
		if err := wp.queue.finish(ctx, job, StateCompleted, ""); err != nil {
			wp.log.Error(ctx, "failed to record job completion", err, fields)
			return
		}
		wp.metrics.RecordJob(job.Name, metrics.OutcomeCompleted)
		wp.log.Info(ctx, "job completed", fields)
		return
	}

	if wp.jobCtx.Err() != nil {
		if err := wp.queue.release(ctx, job); err != nil {
			wp.log.Error(ctx, "failed to requeue interrupted job", err, fields)
			return
		}
		wp.metrics.RecordJob(job.Name, metrics.OutcomeRequeued)
		wp.log.Info(ctx, "job interrupted by shutdown, requeued", fields)
		return
	}

	if delay, ok := IsRetryAfter(procErr); ok {
		job.Polls++
		if err := wp.queue.schedule(ctx, job, delay); err != nil {
			wp.log.Error(ctx, "failed to requeue job", err, fields)
			return
		}
		wp.metrics.RecordJob(job.Name, metrics.OutcomeRequeued)
		fields["delay"] = delay.String()
		wp.log.Debug(ctx, "job requeued", fields)
		return
	}

	job.AttemptsMade++
	fields["attempt"] = job.AttemptsMade
	fields["max_attempts"] = job.MaxAttempts

	permanent := IsPermanent(procErr) || apperrors.IsPermanent(procErr)
	if !permanent && job.AttemptsMade < job.MaxAttempts {
		delay := job.nextBackoff(wp.queue.maxBackoff)
		job.FailedReason = procErr.Error()
		if err := wp.queue.schedule(ctx, job, delay); err != nil {
			wp.log.Error(ctx, "failed to schedule retry", err, fields)
			return
		}
		wp.metrics.RecordJob(job.Name, metrics.OutcomeRetried)
		fields["delay"] = delay.String()
		wp.log.WarnErr(ctx, "job attempt failed, retrying", procErr, fields)
		return
	}

	fields["permanent"] = permanent
	wp.fail(ctx, h, job, procErr, fields)
}

// fail hands an exhausted job to its failure handler and records the
// terminal state.
func (wp *WorkerPool) fail(ctx context.Context, h Handler, job *Job, cause error, fields map[string]interface{}) {
	if err := h.Failed(ctx, job, cause); err != nil {
		wp.log.Error(ctx, "failure handler returned an error", err, fields)
	}

	if err := wp.queue.finish(ctx, job, StateFailed, cause.Error()); err != nil {
		wp.log.Error(ctx, "failed to record job failure", err, fields)
		return
	}
	wp.metrics.RecordJob(job.Name, metrics.OutcomeFailed)
	wp.log.Error(ctx, "job failed", cause, fields)
}

// maintain promotes due delayed jobs and requeues stalled active jobs.
func (wp *WorkerPool) maintain() {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.stopChan:
			return
		case <-ticker.C:
			for name := range wp.handlers {
				wp.scan(wp.claimCtx, name)
			}
		}
	}
}

func (wp *WorkerPool) scan(ctx context.Context, name string) {
	fields := map[string]interface{}{"queue": name}

	if n, err := wp.queue.promoteDue(ctx, name, promoteBatch); err != nil {
		if !errors.Is(err, context.Canceled) {
			wp.log.WarnErr(ctx, "failed to promote delayed jobs", err, fields)
		}
	} else if n > 0 {
		wp.log.Debug(ctx, "promoted delayed jobs", map[string]interface{}{"queue": name, "count": n})
	}

	// A job is requeued only when seen without a lease on two consecutive
	// scans, since claim sets the lease just after moving the id.
	stalled, err := wp.queue.activeWithoutLease(ctx, name)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			wp.log.WarnErr(ctx, "failed to scan active jobs", err, fields)
		}
		return
	}

	seen := wp.suspects[name]
	next := make(map[string]bool, len(stalled))
	for _, id := range stalled {
		if !seen[id] {
			next[id] = true
			continue
		}
		job, result, err := wp.queue.requeueStalled(ctx, name, id)
		if err != nil {
			wp.log.WarnErr(ctx, "failed to requeue stalled job", err, fields)
			next[id] = true
			continue
		}
		jctx := apperrors.WithJobID(ctx, id)
		switch result {
		case reapRequeued:
			wp.metrics.RecordJob(name, metrics.OutcomeRequeued)
			wp.log.Warn(jctx, "stalled job requeued", map[string]interface{}{
				"queue":   name,
				"attempt": job.AttemptsMade,
			})
		case reapExhausted:
			h, ok := wp.handlers[name]
			if !ok {
				continue
			}
			wp.fail(jctx, h, job, ErrStalled, map[string]interface{}{
				"queue":        name,
				"attempt":      job.AttemptsMade,
				"max_attempts": job.MaxAttempts,
			})
		}
	}
	wp.suspects[name] = next

	if n, err := wp.queue.Waiting(ctx, name); err == nil {
		wp.metrics.SetQueueWaiting(name, n)
	}
}
