// Package queue implements the FIFO job Queue over the K/V store (spec.md
// §4.4): job identity is the idempotency key, retries follow a configured
// backoff schedule, and a failure sink (grounded on
// core/infra/memory/dlq_store.go) holds permanently-failed or
// retries-exhausted jobs for operators.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/govisually/webhookd/internal/kvstore"
)

const (
	readyListKey   = "queue:ready"
	delayedSetKey  = "queue:delayed"
	inflightPrefix = "queue:inflight:"
	dlqListKey     = "queue:dlq"
	dlqIndexKey    = "queue:dlq:index"
)

// Job is one queue entry (spec.md §3).
type Job struct {
	JobID   string // == idempotency key
	EventID string
	Attempt int
}

// RetryPolicy bounds retry count and the backoff schedule between attempts.
type RetryPolicy struct {
	MaxRetries int
	Intervals  []time.Duration
}

// DefaultRetryPolicy is spec.md's [60s,120s,240s] / max 3 schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Intervals:  []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second},
	}
}

// intervalFor returns the backoff delay before the given (1-based) retry attempt.
func (p RetryPolicy) intervalFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Intervals) {
		idx = len(p.Intervals) - 1
	}
	if idx < 0 {
		return 0
	}
	return p.Intervals[idx]
}

// Queue is the Queue component interface.
type Queue interface {
	// Enqueue is a no-op if jobID already has a non-terminal inflight marker.
	Enqueue(ctx context.Context, jobID, eventID string) (enqueued bool, err error)
	// Pull blocks up to timeout for the next ready job.
	Pull(ctx context.Context, timeout time.Duration) (*Job, error)
	// PromoteDue moves any delayed retries whose ready time has passed onto
	// the ready list. Callers invoke this periodically from the worker loop.
	PromoteDue(ctx context.Context) (int, error)
	// Retry reschedules jobID after its backoff interval, or moves it to the
	// failure sink if attempt exceeds the policy's MaxRetries.
	Retry(ctx context.Context, job Job, policy RetryPolicy, reason string) (movedToDLQ bool, err error)
	// Fail moves jobID directly to the failure sink (permanent error).
	Fail(ctx context.Context, job Job, reason string) error
	// Release clears jobID's inflight marker after a terminal outcome.
	Release(ctx context.Context, jobID string) error
}

type queue struct {
	kv kvstore.Store
}

// New constructs a Queue backed by kv.
func New(kv kvstore.Store) Queue {
	return &queue{kv: kv}
}

func inflightKey(jobID string) string { return inflightPrefix + jobID }

func encodeJob(j Job) string {
	return strings.Join([]string{j.JobID, j.EventID, strconv.Itoa(j.Attempt)}, "\x1f")
}

func decodeJob(s string) (Job, error) {
	parts := strings.Split(s, "\x1f")
	if len(parts) != 3 {
		return Job{}, fmt.Errorf("queue: malformed job record")
	}
	attempt, err := strconv.Atoi(parts[2])
	if err != nil {
		return Job{}, fmt.Errorf("queue: malformed attempt: %w", err)
	}
	return Job{JobID: parts[0], EventID: parts[1], Attempt: attempt}, nil
}

func (q *queue) Enqueue(ctx context.Context, jobID, eventID string) (bool, error) {
	// A marker with no TTL records "this job_id has a non-terminal entry".
	// It's cleared by Release once the job reaches a terminal outcome.
	ok, err := q.kv.SetNX(ctx, inflightKey(jobID), eventID, 0)
	if err != nil {
		return false, fmt.Errorf("queue: enqueue marker: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := q.kv.RPush(ctx, readyListKey, encodeJob(Job{JobID: jobID, EventID: eventID, Attempt: 0})); err != nil {
		return false, fmt.Errorf("queue: enqueue push: %w", err)
	}
	return true, nil
}

func (q *queue) Pull(ctx context.Context, timeout time.Duration) (*Job, error) {
	raw, err := q.kv.BLPop(ctx, timeout, readyListKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: pull: %w", err)
	}
	job, err := decodeJob(raw)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *queue) PromoteDue(ctx context.Context) (int, error) {
	now := float64(time.Now().Unix())
	due, err := q.kv.ZRangeByScore(ctx, delayedSetKey, "-inf", fmtFloat(now))
	if err != nil {
		return 0, fmt.Errorf("queue: promote due: %w", err)
	}
	for _, member := range due {
		if err := q.kv.ZRem(ctx, delayedSetKey, member); err != nil {
			return 0, err
		}
		if err := q.kv.RPush(ctx, readyListKey, member); err != nil {
			return 0, err
		}
	}
	return len(due), nil
}

func (q *queue) Retry(ctx context.Context, job Job, policy RetryPolicy, reason string) (bool, error) {
	nextAttempt := job.Attempt + 1
	if nextAttempt > policy.MaxRetries {
		return true, q.moveToDLQ(ctx, job, reason)
	}
	readyAt := time.Now().Add(policy.intervalFor(nextAttempt)).Unix()
	member := encodeJob(Job{JobID: job.JobID, EventID: job.EventID, Attempt: nextAttempt})
	if err := q.kv.ZAdd(ctx, delayedSetKey, float64(readyAt), member); err != nil {
		return false, fmt.Errorf("queue: retry schedule: %w", err)
	}
	return false, nil
}

func (q *queue) Fail(ctx context.Context, job Job, reason string) error {
	return q.moveToDLQ(ctx, job, reason)
}

func (q *queue) moveToDLQ(ctx context.Context, job Job, reason string) error {
	entry := strings.Join([]string{job.JobID, job.EventID, strconv.Itoa(job.Attempt), reason}, "\x1f")
	if err := q.kv.RPush(ctx, dlqListKey, entry); err != nil {
		return fmt.Errorf("queue: move to dlq: %w", err)
	}
	return q.kv.ZAdd(ctx, dlqIndexKey, float64(time.Now().Unix()), job.JobID)
}

func (q *queue) Release(ctx context.Context, jobID string) error {
	return q.kv.Del(ctx, inflightKey(jobID))
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 0, 64)
}
