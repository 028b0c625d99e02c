// Package queue implements the durable embedding job queue on Redis
// Streams. Delivery is at-least-once: a consumer group tracks in-flight
// jobs, crashed or failed deliveries are reclaimed after an exponential
// backoff, and jobs that exhaust their attempt budget move to a dead-letter
// stream for operator inspection.
package queue

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	recallerrors "github.com/cadre-oss/recall/internal/errors"
	"github.com/cadre-oss/recall/internal/memory"
)

// Options configures the queue's streams and retry policy.
type Options struct {
	Stream      string
	Group       string
	DeadLetter  string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Block       time.Duration
}

// Queue is the Redis Streams job queue.
type Queue struct {
	rdb  redis.UniversalClient
	opts Options

	mu      sync.Mutex
	grouped bool
}

// New creates a queue on an existing Redis client. The consumer group is
// created lazily on first use so construction does not require a live
// connection.
func New(rdb redis.UniversalClient, opts Options) *Queue {
	return &Queue{rdb: rdb, opts: opts}
}

// MaxAttempts returns the configured retry budget.
func (q *Queue) MaxAttempts() int {
	return q.opts.MaxAttempts
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.grouped {
		return nil
	}
	err := q.rdb.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return unavailable("create consumer group", err)
	}
	q.grouped = true
	return nil
}

// forgetGroup drops the lazily-created marker when Redis reports the group
// gone (stream flushed, or a restart without persistence), so the next call
// recreates it instead of failing NOGROUP until the process restarts.
func (q *Queue) forgetGroup(err error) {
	if err == nil || !strings.Contains(err.Error(), "NOGROUP") {
		return
	}
	q.mu.Lock()
	q.grouped = false
	q.mu.Unlock()
}

// Enqueue durably adds a job to the stream.
func (q *Queue) Enqueue(ctx context.Context, job memory.EmbeddingJob) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: jobValues(job, "", time.Time{}),
	}).Err()
	if err != nil {
		return unavailable("enqueue job "+job.ID, err)
	}
	return nil
}

// Dequeue returns one job for the consumer, or nil when nothing became
// available within the block window. Stale in-flight deliveries are
// reclaimed first, once their backoff window has passed.
func (q *Queue) Dequeue(ctx context.Context, consumer string) (*memory.EmbeddingJob, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}

	if job, err := q.reclaim(ctx, consumer); err != nil || job != nil {
		return job, err
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: consumer,
		Streams:  []string{q.opts.Stream, ">"},
		Count:    1,
		Block:    q.opts.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		q.forgetGroup(err)
		return nil, unavailable("read stream", err)
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			job := jobFromValues(msg.Values)
			job.Receipt = msg.ID
			job.Attempt = 1
			return &job, nil
		}
	}
	return nil, nil
}

// reclaim takes over one pending delivery whose consumer went quiet, but
// only after the backoff for its delivery count has elapsed. This is both
// crash recovery and the retry mechanism: a nacked job simply stays pending
// until its backoff passes.
func (q *Queue) reclaim(ctx context.Context, consumer string) (*memory.EmbeddingJob, error) {
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.opts.Stream,
		Group:  q.opts.Group,
		Start:  "-",
		End:    "+",
		Count:  16,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		q.forgetGroup(err)
		return nil, unavailable("inspect pending jobs", err)
	}

	for _, p := range pending {
		wait := q.backoff(p.RetryCount)
		if p.Idle < wait {
			continue
		}
		msgs, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.opts.Stream,
			Group:    q.opts.Group,
			Consumer: consumer,
			MinIdle:  wait,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			q.forgetGroup(err)
			return nil, unavailable("claim pending job", err)
		}
		if len(msgs) == 0 {
			// Another consumer won the claim.
			continue
		}
		job := jobFromValues(msgs[0].Values)
		job.Receipt = msgs[0].ID
		job.Attempt = int(p.RetryCount) + 1
		return &job, nil
	}
	return nil, nil
}

// backoff returns how long a delivery must sit idle before redelivery,
// doubling per prior attempt up to the cap.
func (q *Queue) backoff(retryCount int64) time.Duration {
	wait := q.opts.BackoffBase
	for i := int64(1); i < retryCount; i++ {
		wait *= 2
		if wait >= q.opts.BackoffCap {
			return q.opts.BackoffCap
		}
	}
	if wait > q.opts.BackoffCap {
		return q.opts.BackoffCap
	}
	return wait
}

// Ack confirms processing and removes the job from the stream.
func (q *Queue) Ack(ctx context.Context, job *memory.EmbeddingJob) error {
	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, q.opts.Stream, q.opts.Group, job.Receipt)
	pipe.XDel(ctx, q.opts.Stream, job.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("ack job "+job.ID, err)
	}
	return nil
}

// Nack leaves the delivery pending; the broker redelivers it through
// reclaim once the backoff for its delivery count elapses. Nothing to do
// server-side.
func (q *Queue) Nack(ctx context.Context, job *memory.EmbeddingJob) error {
	return nil
}

// DeadLetter moves the job to the dead-letter stream and acknowledges the
// original delivery so it is never redelivered.
func (q *Queue) DeadLetter(ctx context.Context, job *memory.EmbeddingJob, reason string) error {
	values := jobValues(*job, reason, time.Now().UTC())
	values["attempt"] = strconv.Itoa(job.Attempt)
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.DeadLetter,
		Values: values,
	}).Err()
	if err != nil {
		return unavailable("dead-letter job "+job.ID, err)
	}
	return q.Ack(ctx, job)
}

// Stats returns a point-in-time view of the queue.
func (q *Queue) Stats(ctx context.Context) (memory.QueueStats, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return memory.QueueStats{}, err
	}

	total, err := q.rdb.XLen(ctx, q.opts.Stream).Result()
	if err != nil {
		return memory.QueueStats{}, unavailable("stream length", err)
	}
	pending, err := q.rdb.XPending(ctx, q.opts.Stream, q.opts.Group).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return memory.QueueStats{}, unavailable("pending summary", err)
	}
	var inFlight int64
	if pending != nil {
		inFlight = pending.Count
	}
	dead, err := q.rdb.XLen(ctx, q.opts.DeadLetter).Result()
	if err != nil {
		return memory.QueueStats{}, unavailable("dead-letter length", err)
	}

	depth := total - inFlight
	if depth < 0 {
		depth = 0
	}
	return memory.QueueStats{Depth: depth, InFlight: inFlight, DeadLetter: dead}, nil
}

// DeadLetters lists dead-lettered jobs, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]memory.DeadJob, error) {
	msgs, err := q.rdb.XRangeN(ctx, q.opts.DeadLetter, "-", "+", limit).Result()
	if err != nil {
		return nil, unavailable("read dead-letter stream", err)
	}

	dead := make([]memory.DeadJob, 0, len(msgs))
	for _, msg := range msgs {
		entry := memory.DeadJob{Job: jobFromValues(msg.Values)}
		if attempt, ok := msg.Values["attempt"].(string); ok {
			if n, err := strconv.Atoi(attempt); err == nil {
				entry.Job.Attempt = n
			}
		}
		if reason, ok := msg.Values["reason"].(string); ok {
			entry.Reason = reason
		}
		if failed, ok := msg.Values["failed_at"].(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, failed); err == nil {
				entry.FailedAt = ts
			}
		}
		dead = append(dead, entry)
	}
	return dead, nil
}

// RequeueDead moves every dead-lettered job back onto the main stream with
// a fresh retry budget.
func (q *Queue) RequeueDead(ctx context.Context) (int, error) {
	msgs, err := q.rdb.XRange(ctx, q.opts.DeadLetter, "-", "+").Result()
	if err != nil {
		return 0, unavailable("read dead-letter stream", err)
	}

	requeued := 0
	for _, msg := range msgs {
		job := jobFromValues(msg.Values)
		if err := q.Enqueue(ctx, job); err != nil {
			return requeued, err
		}
		if err := q.rdb.XDel(ctx, q.opts.DeadLetter, msg.ID).Err(); err != nil {
			return requeued, unavailable("remove requeued job", err)
		}
		requeued++
	}
	return requeued, nil
}

func (q *Queue) Close() error {
	return nil
}

func jobValues(job memory.EmbeddingJob, reason string, failedAt time.Time) map[string]interface{} {
	values := map[string]interface{}{
		"job_id":      job.ID,
		"user_id":     job.UserID,
		"session_id":  job.SessionID,
		"version":     strconv.FormatInt(job.Version, 10),
		"enqueued_at": job.EnqueuedAt.Format(time.RFC3339Nano),
	}
	if job.TraceID != "" {
		values["trace_id"] = job.TraceID
	}
	if reason != "" {
		values["reason"] = reason
	}
	if !failedAt.IsZero() {
		values["failed_at"] = failedAt.Format(time.RFC3339Nano)
	}
	return values
}

func jobFromValues(values map[string]interface{}) memory.EmbeddingJob {
	str := func(key string) string {
		if v, ok := values[key].(string); ok {
			return v
		}
		return ""
	}

	job := memory.EmbeddingJob{
		ID:        str("job_id"),
		UserID:    str("user_id"),
		SessionID: str("session_id"),
		TraceID:   str("trace_id"),
	}
	if v, err := strconv.ParseInt(str("version"), 10, 64); err == nil {
		job.Version = v
	}
	if ts, err := time.Parse(time.RFC3339Nano, str("enqueued_at")); err == nil {
		job.EnqueuedAt = ts
	}
	return job
}

func unavailable(op string, err error) error {
	return recallerrors.Wrap(recallerrors.CodeQueueUnavailable, "job queue: "+op, err).
		WithSuggestion("check that Redis is reachable; queued jobs resume once it returns")
}
