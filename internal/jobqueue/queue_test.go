package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/coursehub/backend/internal/errors"
)

type testPayload struct {
	VideoID string `json:"videoId"`
}

func setupQueue(t *testing.T, opts ...Option) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := New(client, opts...)
	t.Cleanup(func() { q.Close() })
	return q, mr
}

func TestNew_NonPositiveOptionsKeepDefaults(t *testing.T) {
	q := New(nil,
		WithLockDuration(0),
		WithRetention(-time.Second, 0),
		WithMaxBackoff(0),
	)
	if q.lockDuration != DefaultLockDuration {
		t.Errorf("Expected lock duration %s, got %s", DefaultLockDuration, q.lockDuration)
	}
	if q.completedRetention != DefaultCompletedRetention || q.failedRetention != DefaultFailedRetention {
		t.Errorf("Expected default retention, got %s / %s", q.completedRetention, q.failedRetention)
	}
	if q.maxBackoff != DefaultMaxBackoff {
		t.Errorf("Expected max backoff %s, got %s", DefaultMaxBackoff, q.maxBackoff)
	}

	q = New(nil, WithLockDuration(3*time.Second), WithRetention(time.Minute, 0))
	if q.lockDuration != 3*time.Second || q.completedRetention != time.Minute || q.failedRetention != DefaultFailedRetention {
		t.Errorf("Unexpected settings: lock=%s completed=%s failed=%s", q.lockDuration, q.completedRetention, q.failedRetention)
	}
}

func TestQueue_EnqueueAndGetJob(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	h, err := q.Enqueue(ctx, "process-video", testPayload{VideoID: "v1"}, Options{})
	if err != nil {
		t.Fatalf("Failed to enqueue job: %v", err)
	}
	if h.ID == "" {
		t.Fatal("Expected job ID to be set")
	}

	snap, err := q.GetJob(ctx, h.ID)
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if snap.State != StateWaiting {
		t.Errorf("Expected state %s, got %s", StateWaiting, snap.State)
	}
	if snap.Progress != 0 {
		t.Errorf("Expected progress 0, got %d", snap.Progress)
	}

	job, err := q.Job(ctx, h.ID)
	if err != nil {
		t.Fatalf("Failed to load job: %v", err)
	}
	if job.MaxAttempts != DefaultMaxAttempts || job.Backoff.Delay != DefaultBackoff {
		t.Errorf("Expected default retry policy, got %d attempts / %s", job.MaxAttempts, job.Backoff.Delay)
	}

	var p testPayload
	if err := job.Decode(&p); err != nil || p.VideoID != "v1" {
		t.Errorf("Decode: %+v, %v", p, err)
	}

	counts, err := q.Counts(ctx, "process-video")
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if counts.Waiting != 1 || counts.Active != 0 || counts.Delayed != 0 {
		t.Errorf("Unexpected counts: %+v", counts)
	}
}

func TestQueue_GetJobMissing(t *testing.T) {
	q, _ := setupQueue(t)

	if _, err := q.GetJob(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestQueue_EnqueueBrokerDown(t *testing.T) {
	q, mr := setupQueue(t)
	mr.Close()

	_, err := q.Enqueue(context.Background(), "process-video", testPayload{VideoID: "v1"}, Options{})
	if !apperrors.HasCode(err, apperrors.CodeQueueUnavailable) {
		t.Fatalf("Expected QUEUE_UNAVAILABLE, got %v", err)
	}
}

func TestQueue_Dedup(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "process-video", testPayload{VideoID: "v1"}, Options{DedupKey: "v1"})
	if err != nil {
		t.Fatalf("Failed to enqueue job: %v", err)
	}

	if _, err := q.Enqueue(ctx, "process-video", testPayload{VideoID: "v1"}, Options{DedupKey: "v1"}); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("Expected ErrDuplicateJob, got %v", err)
	}

	// A different key is unaffected
	if _, err := q.Enqueue(ctx, "process-video", testPayload{VideoID: "v2"}, Options{DedupKey: "v2"}); err != nil {
		t.Fatalf("Unexpected error for other key: %v", err)
	}

	job, err := q.claim(ctx, "process-video", "token", time.Second)
	if err != nil || job == nil || job.ID != first.ID {
		t.Fatalf("claim: %+v, %v", job, err)
	}
	if err := q.finish(ctx, job, StateCompleted, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if _, err := q.Enqueue(ctx, "process-video", testPayload{VideoID: "v1"}, Options{DedupKey: "v1"}); err != nil {
		t.Errorf("Expected enqueue after completion to succeed, got %v", err)
	}
}

func TestQueue_ClaimAndProgress(t *testing.T) {
	q, mr := setupQueue(t)
	ctx := context.Background()

	h, _ := q.Enqueue(ctx, "process-video", testPayload{VideoID: "v1"}, Options{})

	job, err := q.claim(ctx, "process-video", "token", time.Second)
	if err != nil || job == nil {
		t.Fatalf("claim: %+v, %v", job, err)
	}
	if job.State != StateActive || job.ProcessedAt == nil {
		t.Errorf("Expected active job with processedAt, got %+v", job)
	}

	lock, err := mr.Get(q.lockKey(h.ID))
	if err != nil || lock != "token" {
		t.Errorf("Expected lease held by token, got %q (%v)", lock, err)
	}

	if err := job.UpdateProgress(ctx, 150); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	snap, _ := q.GetJob(ctx, h.ID)
	if snap.State != StateActive || snap.Progress != 100 {
		t.Errorf("Expected active/100, got %s/%d", snap.State, snap.Progress)
	}

	ok, err := q.extendLock(ctx, h.ID, "other")
	if err != nil || ok {
		t.Errorf("Foreign token must not extend the lease: ok=%v err=%v", ok, err)
	}
}

func TestQueue_ClaimEmpty(t *testing.T) {
	q, _ := setupQueue(t)

	job, err := q.claim(context.Background(), "process-video", "token", time.Second)
	if err != nil || job != nil {
		t.Errorf("Expected nil job, got %+v, %v", job, err)
	}
}

func TestQueue_DelayedPromotion(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	base := time.Now()
	q.now = func() time.Time { return base }

	h, err := q.Enqueue(ctx, "process-video", testPayload{VideoID: "v1"}, Options{Delay: time.Minute})
	if err != nil {
		t.Fatalf("Failed to enqueue job: %v", err)
	}

	snap, _ := q.GetJob(ctx, h.ID)
	if snap.State != StateDelayed {
		t.Errorf("Expected delayed, got %s", snap.State)
	}

	n, err := q.promoteDue(ctx, "process-video", 10)
	if err != nil || n != 0 {
		t.Fatalf("Nothing should be due yet: n=%d err=%v", n, err)
	}

	q.now = func() time.Time { return base.Add(2 * time.Minute) }
	n, err = q.promoteDue(ctx, "process-video", 10)
	if err != nil || n != 1 {
		t.Fatalf("Expected one promotion, got n=%d err=%v", n, err)
	}

	snap, _ = q.GetJob(ctx, h.ID)
	if snap.State != StateWaiting {
		t.Errorf("Expected waiting after promotion, got %s", snap.State)
	}

	waiting, _ := q.Waiting(ctx, "process-video")
	if waiting != 1 {
		t.Errorf("Expected 1 waiting, got %d", waiting)
	}
}

func TestQueue_Retention(t *testing.T) {
	q, mr := setupQueue(t, WithRetention(time.Hour, 24*time.Hour))
	ctx := context.Background()

	q.Enqueue(ctx, "process-video", testPayload{VideoID: "ok"}, Options{})
	q.Enqueue(ctx, "process-video", testPayload{VideoID: "bad"}, Options{})

	done, _ := q.claim(ctx, "process-video", "t1", time.Second)
	failed, _ := q.claim(ctx, "process-video", "t2", time.Second)

	if err := q.finish(ctx, done, StateCompleted, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := q.finish(ctx, failed, StateFailed, "boom"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	snap, err := q.GetJob(ctx, failed.ID)
	if err != nil || snap.State != StateFailed || snap.FailedReason != "boom" {
		t.Fatalf("Expected failed snapshot, got %+v, %v", snap, err)
	}

	mr.FastForward(time.Hour + time.Second)

	if _, err := q.GetJob(ctx, done.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Completed job should expire after retention, got %v", err)
	}
	if _, err := q.GetJob(ctx, failed.ID); err != nil {
		t.Errorf("Failed job should still be retained, got %v", err)
	}

	mr.FastForward(24 * time.Hour)
	if _, err := q.GetJob(ctx, failed.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Failed job should expire after retention, got %v", err)
	}

	counts, _ := q.Counts(ctx, "process-video")
	if counts.Active != 0 {
		t.Errorf("Expected no active jobs, got %d", counts.Active)
	}
}

func TestQueue_RequeueStalled(t *testing.T) {
	q, mr := setupQueue(t)
	ctx := context.Background()

	h, _ := q.Enqueue(ctx, "process-video", testPayload{VideoID: "v1"}, Options{})
	if _, err := q.claim(ctx, "process-video", "token", time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, result, err := q.requeueStalled(ctx, "process-video", h.ID)
	if err != nil || result != reapSkipped {
		t.Fatalf("A leased job must not be requeued: result=%v err=%v", result, err)
	}

	mr.Del(q.lockKey(h.ID))

	stalled, err := q.activeWithoutLease(ctx, "process-video")
	if err != nil || len(stalled) != 1 || stalled[0] != h.ID {
		t.Fatalf("Expected %s to be stalled, got %v (%v)", h.ID, stalled, err)
	}

	job, result, err := q.requeueStalled(ctx, "process-video", h.ID)
	if err != nil || result != reapRequeued {
		t.Fatalf("Expected requeue: result=%v err=%v", result, err)
	}
	if job.AttemptsMade != 1 {
		t.Errorf("Expected the lost lease to count as an attempt, got %d", job.AttemptsMade)
	}

	counts, _ := q.Counts(ctx, "process-video")
	if counts.Waiting != 1 || counts.Active != 0 {
		t.Errorf("Unexpected counts after requeue: %+v", counts)
	}

	snap, err := q.GetJob(ctx, h.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if snap.State != StateWaiting {
		t.Errorf("Expected requeued job to report %s, got %s", StateWaiting, snap.State)
	}
}

func TestQueue_RequeueStalledExhausted(t *testing.T) {
	q, mr := setupQueue(t)
	ctx := context.Background()

	h, _ := q.Enqueue(ctx, "process-video", testPayload{VideoID: "v1"}, Options{MaxAttempts: 1})
	if _, err := q.claim(ctx, "process-video", "token", time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	mr.Del(q.lockKey(h.ID))

	job, result, err := q.requeueStalled(ctx, "process-video", h.ID)
	if err != nil || result != reapExhausted {
		t.Fatalf("Expected exhausted job: result=%v err=%v", result, err)
	}
	if job.AttemptsMade != 1 || job.FailedReason != ErrStalled.Error() {
		t.Errorf("Unexpected exhausted job: %+v", job)
	}

	// Left active for the pool to fail through its handler.
	counts, _ := q.Counts(ctx, "process-video")
	if counts.Waiting != 0 || counts.Active != 1 {
		t.Errorf("Unexpected counts: %+v", counts)
	}
}

func TestJob_NextBackoff(t *testing.T) {
	tests := []struct {
		name     string
		backoff  Backoff
		attempts int
		want     time.Duration
	}{
		{"first retry", Backoff{Type: BackoffExponential, Delay: 2 * time.Second}, 1, 2 * time.Second},
		{"second retry", Backoff{Type: BackoffExponential, Delay: 2 * time.Second}, 2, 4 * time.Second},
		{"third retry", Backoff{Type: BackoffExponential, Delay: 2 * time.Second}, 3, 8 * time.Second},
		{"capped", Backoff{Type: BackoffExponential, Delay: 2 * time.Second}, 20, time.Minute},
		{"fixed", Backoff{Type: BackoffFixed, Delay: 5 * time.Second}, 4, 5 * time.Second},
		{"zero delay uses default", Backoff{}, 1, DefaultBackoff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &Job{Backoff: tt.backoff, AttemptsMade: tt.attempts}
			if got := j.nextBackoff(time.Minute); got != tt.want {
				t.Errorf("nextBackoff() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryAfterAndPermanent(t *testing.T) {
	d, ok := IsRetryAfter(RetryAfter(10 * time.Second))
	if !ok || d != 10*time.Second {
		t.Errorf("IsRetryAfter = %v, %v", d, ok)
	}
	if _, ok := IsRetryAfter(errors.New("x")); ok {
		t.Error("Plain error is not RetryAfter")
	}

	base := errors.New("bad credential")
	err := Permanent(base)
	if !IsPermanent(err) || !errors.Is(err, base) {
		t.Errorf("Permanent should wrap and mark: %v", err)
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestSnapshot_DueDelayedReportsWaiting(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	j := &Job{ID: "j", State: StateDelayed, RunAt: &past}

	if got := j.Snapshot(now).State; got != StateWaiting {
		t.Errorf("Expected waiting, got %s", got)
	}
}
