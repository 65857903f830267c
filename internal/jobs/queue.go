package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/deployfix/internal/database"
	"github.com/odvcencio/deployfix/internal/models"
)

const (
	defaultRetryBaseDelay = 5 * time.Second
	defaultRetryMaxDelay  = 5 * time.Minute
	defaultMaxAttempts    = 3
	defaultIdempotencyTTL = 24 * time.Hour
)

// Idempotency scopes an enqueue to a key. A live key returns the existing
// job instead of creating a new one; an expired, finished key row is
// recycled.
type Idempotency struct {
	Key       string
	ExpiresIn time.Duration
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job fails immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Queue persists pipeline jobs and their status transitions in the database.
type Queue struct {
	db             database.DB
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	maxAttempts    int
	idempotencyTTL time.Duration
	notifier       Notifier
	metrics        *Metrics
}

type QueueOptions struct {
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxAttempts    int
	IdempotencyTTL time.Duration
	Notifier       Notifier
	Metrics        *Metrics
}

func NewQueue(db database.DB, opts QueueOptions) *Queue {
	q := &Queue{
		db:             db,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		maxAttempts:    opts.MaxAttempts,
		idempotencyTTL: opts.IdempotencyTTL,
		notifier:       opts.Notifier,
		metrics:        opts.Metrics,
	}
	if q.retryBaseDelay <= 0 {
		q.retryBaseDelay = defaultRetryBaseDelay
	}
	if q.retryMaxDelay < q.retryBaseDelay {
		q.retryMaxDelay = defaultRetryMaxDelay
		if q.retryMaxDelay < q.retryBaseDelay {
			q.retryMaxDelay = q.retryBaseDelay
		}
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = defaultMaxAttempts
	}
	if q.idempotencyTTL <= 0 {
		q.idempotencyTTL = defaultIdempotencyTTL
	}
	return q
}

// Enqueue stores a job of kind carrying payload. created is false when a live
// job already holds the idempotency key; the returned job is that existing job.
func (q *Queue) Enqueue(ctx context.Context, kind models.JobKind, payload any, idem Idempotency) (*models.PipelineJob, bool, error) {
	key := strings.TrimSpace(idem.Key)
	if key == "" {
		return nil, false, fmt.Errorf("idempotency key is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	ttl := idem.ExpiresIn
	if ttl <= 0 {
		ttl = q.idempotencyTTL
	}
	now := time.Now().UTC()
	job := &models.PipelineJob{
		Kind:           kind,
		IdempotencyKey: key,
		Payload:        raw,
		Status:         models.JobQueued,
		MaxAttempts:    q.maxAttempts,
		NextAttemptAt:  now,
		ExpiresAt:      now.Add(ttl),
	}
	created, err := q.db.EnqueueJob(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	if created {
		q.metrics.enqueued(kind)
		q.notify(ctx, kind)
	}
	return job, created, nil
}

func (q *Queue) Claim(ctx context.Context, kind models.JobKind) (*models.PipelineJob, error) {
	return q.db.ClaimJob(ctx, kind)
}

// Checkpoint records step as completed with its state. The job's attempt
// counter resets so the next step gets its own retry budget.
func (q *Queue) Checkpoint(ctx context.Context, job *models.PipelineJob, step string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", step, err)
	}
	if err := q.db.SaveJobCheckpoint(ctx, job.ID, step, raw); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", step, err)
	}
	job.Step = step
	job.Checkpoint = raw
	job.AttemptCount = 1
	return nil
}

func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	return q.db.CompleteJob(ctx, jobID, models.JobCompleted, "")
}

// RetryOrFail requeues job with backoff, or fails it when runErr is permanent
// or the current step has used its attempts. failed reports which happened.
func (q *Queue) RetryOrFail(ctx context.Context, job *models.PipelineJob, runErr error) (failed bool, err error) {
	if job == nil {
		return false, fmt.Errorf("pipeline job is nil")
	}
	message := failureMessage(runErr)
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	if IsPermanent(runErr) || job.AttemptCount >= maxAttempts {
		return true, q.db.CompleteJob(ctx, job.ID, models.JobFailed, message)
	}
	nextAttempt := time.Now().UTC().Add(q.Backoff(job.AttemptCount))
	return false, q.db.RequeueJob(ctx, job.ID, message, nextAttempt)
}

// Backoff returns the delay before retry number attempt (1-based), doubling
// from the base delay and capped at the max delay.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := q.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.retryMaxDelay {
			return q.retryMaxDelay
		}
	}
	return delay
}

// Status returns the job holding key, or nil when none exists.
func (q *Queue) Status(ctx context.Context, key string) (*models.PipelineJob, error) {
	job, err := q.db.GetJobByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// IsLive reports whether the job holding key is queued or running.
func (q *Queue) IsLive(ctx context.Context, key string) (bool, error) {
	job, err := q.Status(ctx, key)
	if err != nil || job == nil {
		return false, err
	}
	return job.Status == models.JobQueued || job.Status == models.JobInProgress, nil
}

// ReleaseStale returns jobs whose lease expired to the queue.
func (q *Queue) ReleaseStale(ctx context.Context, lease time.Duration) (int64, error) {
	released, err := q.db.ReleaseStaleJobs(ctx, time.Now().UTC().Add(-lease))
	if err != nil {
		return 0, err
	}
	if released > 0 {
		for _, kind := range models.JobKinds {
			q.notify(ctx, kind)
		}
	}
	return released, nil
}

// DecodePayload unmarshals a job payload into dst.
func DecodePayload(job *models.PipelineJob, dst any) error {
	if err := json.Unmarshal(job.Payload, dst); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", job.Kind, err))
	}
	return nil
}

// DecodeCheckpoint unmarshals the job checkpoint into dst. An empty checkpoint
// leaves dst untouched.
func DecodeCheckpoint(job *models.PipelineJob, dst any) error {
	if len(job.Checkpoint) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Checkpoint, dst); err != nil {
		return Permanent(fmt.Errorf("decode %s checkpoint: %w", job.Kind, err))
	}
	return nil
}

func (q *Queue) notify(ctx context.Context, kind models.JobKind) {
	if q.notifier == nil {
		return
	}
	_ = q.notifier.Notify(ctx, kind)
}

func failureMessage(err error) string {
	if err == nil {
		return "job failed"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "job failed"
	}
	return msg
}
