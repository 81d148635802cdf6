package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/coursehub/backend/internal/errors"
)

const (
	DefaultPrefix             = "jobqueue"
	DefaultCompletedRetention = time.Hour
	DefaultFailedRetention    = 24 * time.Hour
	DefaultLockDuration       = 30 * time.Second
)

// Queue is a Redis-backed job queue. Each job id lives in exactly one of
// the wait list, the active list or the delayed set of its queue name.
type Queue struct {
	client *redis.Client
	prefix string

	completedRetention time.Duration
	failedRetention    time.Duration
	lockDuration       time.Duration
	maxBackoff         time.Duration

	now func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

func WithPrefix(prefix string) Option {
	return func(q *Queue) { q.prefix = prefix }
}

// WithRetention sets how long finished records stay readable. Non-positive
// values keep the defaults.
func WithRetention(completed, failed time.Duration) Option {
	return func(q *Queue) {
		if completed > 0 {
			q.completedRetention = completed
		}
		if failed > 0 {
			q.failedRetention = failed
		}
	}
}

// WithLockDuration sets the lease a worker holds on a claimed job. Non-positive
// values keep the default.
func WithLockDuration(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.lockDuration = d
		}
	}
}

func WithMaxBackoff(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.maxBackoff = d
		}
	}
}

// New wraps an existing Redis client.
func New(client *redis.Client, opts ...Option) *Queue {
	q := &Queue{
		client:             client,
		prefix:             DefaultPrefix,
		completedRetention: DefaultCompletedRetention,
		failedRetention:    DefaultFailedRetention,
		lockDuration:       DefaultLockDuration,
		maxBackoff:         DefaultMaxBackoff,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Connect creates a queue with the given Redis URL and verifies the broker
// is reachable.
func Connect(ctx context.Context, redisURL string, opts ...Option) (*Queue, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	// Status lookups rely on per-call deadlines.
	redisOpts.ContextTimeoutEnabled = true
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return New(client, opts...), nil
}

// Client returns the underlying Redis client for pub/sub operations
func (q *Queue) Client() *redis.Client {
	return q.client
}

// Close closes the Redis connection
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) waitKey(name string) string    { return q.prefix + ":" + name + ":wait" }
func (q *Queue) activeKey(name string) string  { return q.prefix + ":" + name + ":active" }
func (q *Queue) delayedKey(name string) string { return q.prefix + ":" + name + ":delayed" }
func (q *Queue) jobKeyPrefix() string          { return q.prefix + ":job:" }
func (q *Queue) jobKey(id string) string       { return q.jobKeyPrefix() + id }
func (q *Queue) lockKey(id string) string      { return q.prefix + ":lock:" + id }

// dedupKey is always a real key so scripts can declare it; jobs without a
// dedup key point at a slot nobody writes.
func (q *Queue) dedupKey(name, key string) string {
	if key == "" {
		return q.prefix + ":" + name + ":dedup"
	}
	return q.prefix + ":" + name + ":dedup:" + key
}

func unavailable(op string, err error) error {
	return apperrors.QueueUnavailable(fmt.Sprintf("job queue unavailable: %s", op)).WithCause(err)
}

// enqueueScript claims the dedup key unless an unfinished job holds it,
// stores the job and makes it runnable in one step. Returns the holder id
// on conflict, "" on success.
var enqueueScript = redis.NewScript(`
if ARGV[5] == '1' then
	local holder = redis.call('GET', KEYS[4])
	if holder then
		local raw = redis.call('GET', ARGV[4] .. holder)
		if raw then
			local state = cjson.decode(raw)['state']
			if state ~= 'completed' and state ~= 'failed' then
				return holder
			end
		end
	end
	redis.call('SET', KEYS[4], ARGV[1])
end
redis.call('SET', KEYS[1], ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
else
	redis.call('LPUSH', KEYS[2], ARGV[1])
end
return ''
`)

// Enqueue adds a job. Broker errors are returned as QueueUnavailable so the
// caller never believes a job exists when it does not.
func (q *Queue) Enqueue(ctx context.Context, name string, data any, opts Options) (*Handle, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, apperrors.ValidationError("job payload is not serializable").WithCause(err)
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff.Type == "" {
		opts.Backoff.Type = BackoffExponential
	}
	if opts.Backoff.Delay <= 0 {
		opts.Backoff.Delay = DefaultBackoff
	}

	now := q.now()
	job := &Job{
		ID:          uuid.New().String(),
		Name:        name,
		Data:        payload,
		State:       StateWaiting,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		DedupKey:    opts.DedupKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var runAt int64
	if opts.Delay > 0 {
		at := now.Add(opts.Delay)
		job.State = StateDelayed
		job.RunAt = &at
		runAt = at.UnixMilli()
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	dedup := "0"
	if opts.DedupKey != "" {
		dedup = "1"
	}

	holder, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.waitKey(name), q.delayedKey(name), q.dedupKey(name, opts.DedupKey)},
		job.ID, raw, runAt, q.jobKeyPrefix(), dedup,
	).Text()
	if err != nil {
		return nil, unavailable("enqueue", err)
	}
	if holder != "" {
		return nil, fmt.Errorf("%w: job %s", ErrDuplicateJob, holder)
	}

	return &Handle{ID: job.ID}, nil
}

// Job returns the full stored record.
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, unavailable("get job", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// GetJob returns the introspection snapshot of a job. Jobs past their
// retention window return ErrJobNotFound.
func (q *Queue) GetJob(ctx context.Context, id string) (*Snapshot, error) {
	job, err := q.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	return job.Snapshot(q.now()), nil
}

// UpdateProgress records handler progress, clamped to 0..100.
func (q *Queue) UpdateProgress(ctx context.Context, id string, progress int) error {
	job, err := q.Job(ctx, id)
	if err != nil {
		return err
	}
	job.queue = q
	return job.UpdateProgress(ctx, progress)
}

// Counts is the number of jobs per live state.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
}

// Counts reports queue depth for name.
func (q *Queue) Counts(ctx context.Context, name string) (*Counts, error) {
	pipe := q.client.Pipeline()
	wait := pipe.LLen(ctx, q.waitKey(name))
	active := pipe.LLen(ctx, q.activeKey(name))
	delayed := pipe.ZCard(ctx, q.delayedKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("counts", err)
	}
	return &Counts{Waiting: wait.Val(), Active: active.Val(), Delayed: delayed.Val()}, nil
}

// Waiting returns the number of runnable jobs, including delayed jobs.
func (q *Queue) Waiting(ctx context.Context, name string) (int64, error) {
	c, err := q.Counts(ctx, name)
	if err != nil {
		return 0, err
	}
	return c.Waiting + c.Delayed, nil
}

func (q *Queue) save(ctx context.Context, job *Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.client.Set(ctx, q.jobKey(job.ID), data, ttl).Err()
}

// claim moves the next waiting job to the active list and takes its lease.
// It returns nil, nil when nothing arrived within timeout.
func (q *Queue) claim(ctx context.Context, name, token string, timeout time.Duration) (*Job, error) {
	id, err := q.client.BLMove(ctx, q.waitKey(name), q.activeKey(name), "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	if err := q.client.Set(ctx, q.lockKey(id), token, q.lockDuration).Err(); err != nil {
		// The reaper returns the id to the wait list once the lease is seen missing.
		return nil, fmt.Errorf("failed to lock job %s: %w", id, err)
	}

	job, err := q.Job(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			q.client.LRem(ctx, q.activeKey(name), 0, id)
			q.client.Del(ctx, q.lockKey(id))
			return nil, nil
		}
		return nil, err
	}

	now := q.now()
	job.queue = q
	job.State = StateActive
	job.RunAt = nil
	job.UpdatedAt = now
	if job.ProcessedAt == nil {
		job.ProcessedAt = &now
	}
	if err := q.save(ctx, job, 0); err != nil {
		return nil, err
	}
	return job, nil
}

var extendLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// extendLock renews the lease if token still owns it.
func (q *Queue) extendLock(ctx context.Context, id, token string) (bool, error) {
	n, err := extendLockScript.Run(ctx, q.client, []string{q.lockKey(id)}, token, q.lockDuration.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var finishScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('LREM', KEYS[2], 0, ARGV[3])
redis.call('DEL', KEYS[3])
if redis.call('GET', KEYS[4]) == ARGV[3] then
	redis.call('DEL', KEYS[4])
end
return 1
`)

// finish records a terminal state, starts the retention clock and frees the
// dedup key.
func (q *Queue) finish(ctx context.Context, job *Job, state State, reason string) error {
	now := q.now()
	job.State = state
	job.FailedReason = reason
	job.FinishedAt = &now
	job.UpdatedAt = now

	ttl := q.completedRetention
	if state == StateFailed {
		ttl = q.failedRetention
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return finishScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.activeKey(job.Name), q.lockKey(job.ID), q.dedupKey(job.Name, job.DedupKey)},
		data, ttl.Milliseconds(), job.ID,
	).Err()
}

// schedule moves an active job to the delayed set.
func (q *Queue) schedule(ctx context.Context, job *Job, delay time.Duration) error {
	now := q.now()
	at := now.Add(delay)
	job.State = StateDelayed
	job.RunAt = &at
	job.UpdatedAt = now

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), data, 0)
		pipe.LRem(ctx, q.activeKey(job.Name), 0, job.ID)
		pipe.ZAdd(ctx, q.delayedKey(job.Name), redis.Z{Score: float64(at.UnixMilli()), Member: job.ID})
		pipe.Del(ctx, q.lockKey(job.ID))
		return nil
	})
	return err
}

// release hands an interrupted job back to the front of the wait list
// without touching its attempt count.
func (q *Queue) release(ctx context.Context, job *Job) error {
	job.State = StateWaiting
	job.UpdatedAt = q.now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), data, 0)
		pipe.LRem(ctx, q.activeKey(job.Name), 0, job.ID)
		pipe.RPush(ctx, q.waitKey(job.Name), job.ID)
		pipe.Del(ctx, q.lockKey(job.ID))
		return nil
	})
	return err
}

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// promoteDue moves delayed jobs whose time has come to the wait list.
func (q *Queue) promoteDue(ctx context.Context, name string, limit int) (int, error) {
	return promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey(name), q.waitKey(name)},
		q.now().UnixMilli(), limit,
	).Int()
}

// activeWithoutLease lists active ids whose lease is missing.
func (q *Queue) activeWithoutLease(ctx context.Context, name string) ([]string, error) {
	ids, err := q.client.LRange(ctx, q.activeKey(name), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	var stalled []string
	for _, id := range ids {
		n, err := q.client.Exists(ctx, q.lockKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			stalled = append(stalled, id)
		}
	}
	return stalled, nil
}

type reapResult int

const (
	reapSkipped reapResult = iota
	reapRequeued
	reapExhausted
)

// requeueStalled counts a lost lease as a spent attempt. Under the attempt
// budget the job goes back to waiting. Once the budget is spent the job is
// left in the active list and returned for the caller to fail.
func (q *Queue) requeueStalled(ctx context.Context, name, id string) (*Job, reapResult, error) {
	var (
		job    *Job
		result reapResult
	)
	lockKey, jobKey := q.lockKey(id), q.jobKey(id)

	err := q.client.Watch(ctx, func(tx *redis.Tx) error {
		job, result = nil, reapSkipped

		n, err := tx.Exists(ctx, lockKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		data, err := tx.Get(ctx, jobKey).Bytes()
		if errors.Is(err, redis.Nil) {
			// Record expired under us; only the id is left to clean up.
			return tx.LRem(ctx, q.activeKey(name), 0, id).Err()
		}
		if err != nil {
			return err
		}

		var stalled Job
		if err := json.Unmarshal(data, &stalled); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		stalled.queue = q
		stalled.AttemptsMade++
		stalled.FailedReason = ErrStalled.Error()
		stalled.UpdatedAt = q.now()

		if stalled.AttemptsMade >= stalled.MaxAttempts {
			job, result = &stalled, reapExhausted
			return nil
		}

		stalled.State = StateWaiting
		stalled.RunAt = nil
		updated, err := json.Marshal(&stalled)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey, updated, 0)
			pipe.LRem(ctx, q.activeKey(name), 0, id)
			pipe.RPush(ctx, q.waitKey(name), id)
			return nil
		})
		if err != nil {
			return err
		}
		job, result = &stalled, reapRequeued
		return nil
	}, lockKey, jobKey)

	if errors.Is(err, redis.TxFailedErr) {
		// A worker touched the job mid-check; the next scan decides.
		return nil, reapSkipped, nil
	}
	if err != nil {
		return nil, reapSkipped, err
	}
	return job, result, nil
}
