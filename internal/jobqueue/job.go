package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IsTerminal returns true if the job will never run again.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Backoff types
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
	DefaultMaxBackoff  = 10 * time.Minute
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrDuplicateJob = errors.New("an unfinished job already holds this dedup key")
	// ErrStalled is the failure cause of a job whose worker lost its lease.
	ErrStalled = errors.New("job stalled: worker lost its lease")
)

// Backoff controls the delay between failed attempts.
type Backoff struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Job is the stored record of one unit of work.
type Job struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`

	State        State   `json:"state"`
	Progress     int     `json:"progress"`
	AttemptsMade int     `json:"attemptsMade"`
	MaxAttempts  int     `json:"maxAttempts"`
	Backoff      Backoff `json:"backoff"`
	FailedReason string  `json:"failedReason,omitempty"`
	DedupKey     string  `json:"dedupKey,omitempty"`

	// Polls counts RetryAfter requeues, which never consume an attempt.
	Polls int `json:"polls"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	RunAt       *time.Time `json:"runAt,omitempty"`

	queue *Queue
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("decode job %s payload: %w", j.ID, err)
	}
	return nil
}

// UpdateProgress records handler progress on a claimed job, clamped to
// 0..100.
func (j *Job) UpdateProgress(ctx context.Context, progress int) error {
	j.Progress = max(0, min(progress, 100))
	if j.queue == nil {
		return nil
	}
	j.UpdatedAt = j.queue.now()
	return j.queue.save(ctx, j, redis.KeepTTL)
}

// Snapshot returns the introspection view of the job.
func (j *Job) Snapshot(now time.Time) *Snapshot {
	state := j.State
	// Promotion moves the id without rewriting the record.
	if state == StateDelayed && j.RunAt != nil && !j.RunAt.After(now) {
		state = StateWaiting
	}
	return &Snapshot{
		ID:           j.ID,
		State:        state,
		Progress:     j.Progress,
		FailedReason: j.FailedReason,
		AttemptsMade: j.AttemptsMade,
	}
}

// nextBackoff is the delay before attempt AttemptsMade+1.
func (j *Job) nextBackoff(ceiling time.Duration) time.Duration {
	delay := j.Backoff.Delay
	if delay <= 0 {
		delay = DefaultBackoff
	}
	if j.Backoff.Type == BackoffFixed || j.AttemptsMade <= 1 {
		return min(delay, ceiling)
	}
	shift := j.AttemptsMade - 1
	if shift > 30 {
		return ceiling
	}
	return min(delay*time.Duration(1<<shift), ceiling)
}

// Options configure a single enqueue.
type Options struct {
	MaxAttempts int
	Backoff     Backoff

	// DedupKey rejects the enqueue with ErrDuplicateJob while another
	// unfinished job holds the same key.
	DedupKey string

	// Delay postpones the first attempt.
	Delay time.Duration
}

// Handle identifies an enqueued job.
type Handle struct {
	ID string `json:"id"`
}

// Snapshot is the public view of a job's progress.
type Snapshot struct {
	ID           string `json:"id"`
	State        State  `json:"status"`
	Progress     int    `json:"progress"`
	FailedReason string `json:"failedReason,omitempty"`
	AttemptsMade int    `json:"attemptsMade"`
}

// Handler processes jobs of one name.
type Handler interface {
	// Process runs one attempt. Returning RetryAfter requeues without
	// consuming an attempt; Permanent or a non-retryable error fails the
	// job immediately.
	Process(ctx context.Context, job *Job) error

	// Failed runs once when the job fails for good, before the queue
	// records the failure.
	Failed(ctx context.Context, job *Job, err error) error
}

// HandlerFuncs adapts plain functions to Handler.
type HandlerFuncs struct {
	ProcessFunc func(ctx context.Context, job *Job) error
	FailedFunc  func(ctx context.Context, job *Job, err error) error
}

func (h HandlerFuncs) Process(ctx context.Context, job *Job) error {
	return h.ProcessFunc(ctx, job)
}

func (h HandlerFuncs) Failed(ctx context.Context, job *Job, err error) error {
	if h.FailedFunc == nil {
		return nil
	}
	return h.FailedFunc(ctx, job, err)
}

// retryAfterError asks the queue to run the job again later.
type retryAfterError struct {
	delay time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("requeue after %s", e.delay)
}

// RetryAfter requeues the job after d without counting an attempt. It is how
// a handler waits on an external process without holding a worker.
func RetryAfter(d time.Duration) error {
	return &retryAfterError{delay: d}
}

// IsRetryAfter reports the requested delay if err came from RetryAfter.
func IsRetryAfter(err error) (time.Duration, bool) {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return ra.delay, true
	}
	return 0, false
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so the job fails without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
