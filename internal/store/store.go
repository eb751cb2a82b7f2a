// Package store declares repository interfaces for crawl platform state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists signals an insert conflicting with an existing id.
var ErrAlreadyExists = errors.New("record already exists")

// JobRepository persists crawl jobs and serializes the claim step.
type JobRepository interface {
	// Create inserts a new job row; ErrAlreadyExists on duplicate id.
	Create(ctx context.Context, job crawl.Job) error
	// Get loads a single job or returns ErrNotFound.
	Get(ctx context.Context, id string) (crawl.Job, error)
	// ClaimNext atomically flips the best eligible Queued job to Running,
	// stamping started_at on the first claim only. ErrNotFound when the
	// queue is empty.
	ClaimNext(ctx context.Context, now time.Time) (crawl.Job, error)
	// Transition conditionally moves a job from one of the given statuses,
	// recording the error text. ErrNotFound when no row matched.
	Transition(ctx context.Context, id string, from []crawl.JobStatus, to crawl.JobStatus, errText string, at time.Time) (crawl.Job, error)
	// MarkForRetry stamps the backoff window on a freshly failed job.
	MarkForRetry(ctx context.Context, id string, nextAttempt time.Time) error
	// Requeue moves a Failed job back to Queued with an incremented retry
	// count, guarded by the retry budget. ErrNotFound when ineligible.
	Requeue(ctx context.Context, id string, maxRetries int, at time.Time) (crawl.Job, error)
	// ExhaustRetries burns the remaining retry budget of a Failed job so
	// it can never re-enter the queue. ErrNotFound when no row matched.
	ExhaustRetries(ctx context.Context, id string) error
	// UpdatePriority changes priority while the job is Pending/Queued.
	// ErrNotFound when the job is running or terminal.
	UpdatePriority(ctx context.Context, id string, priority int) error
	// ApplyResultDelta atomically bumps the per-URL counters.
	ApplyResultDelta(ctx context.Context, id string, succeeded, failed int, bytes int64) error
	// QueueLength counts Queued and Pending jobs, optionally by priority.
	QueueLength(ctx context.Context, priority *int) (int, error)
	// ListRetryable returns Failed jobs with remaining budget whose backoff
	// window has elapsed.
	ListRetryable(ctx context.Context, now time.Time, limit int) ([]crawl.Job, error)
}

// ResultRepository persists write-once per-URL crawl outcomes.
type ResultRepository interface {
	Record(ctx context.Context, result crawl.Result) error
	ListByJob(ctx context.Context, jobID string) ([]crawl.Result, error)
}

// AgentRepository tracks worker agent registrations and heartbeats.
type AgentRepository interface {
	UpsertHeartbeat(ctx context.Context, rec crawl.AgentRecord) error
	List(ctx context.Context) ([]crawl.AgentRecord, error)
}

// OutboxRepository persists pending domain events for reliable delivery.
type OutboxRepository interface {
	// Add appends a pending message; callers wrap it in the same
	// transaction as the state change producing the event where possible.
	Add(ctx context.Context, msg crawl.OutboxMessage) error
	// ClaimBatch atomically claims up to limit eligible messages, oldest
	// first. Messages whose previous claim is older than lease are
	// eligible again.
	ClaimBatch(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]crawl.OutboxMessage, error)
	// MarkProcessed is idempotent: a processed_at already set is kept.
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	// MarkFailed records the delivery failure and the next retry window.
	MarkFailed(ctx context.Context, id string, errText string, nextRetry time.Time) error
	// Unprocessed returns eligible messages without claiming them.
	Unprocessed(ctx context.Context, now time.Time, limit int) ([]crawl.OutboxMessage, error)
}
