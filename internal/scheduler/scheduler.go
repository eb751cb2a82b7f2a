// Package scheduler owns the crawl job lifecycle state machine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
	"github.com/crawlgrid/crawlgrid/internal/progress"
	"github.com/crawlgrid/crawlgrid/internal/store"
)

// ErrNotRetryable signals that a job cannot re-enter the queue: its retry
// budget is exhausted, it is not in Failed, or it was cancelled.
var ErrNotRetryable = errors.New("job is not retryable")

// ErrPriorityLocked signals a priority update on a job that already started.
var ErrPriorityLocked = errors.New("job priority can no longer change")

// Config controls retry/backoff behavior.
type Config struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Service drives job state transitions against the job repository. Claiming
// is delegated to the store's conditional update so concurrent workers can
// never double-claim; everything above that is plain bookkeeping.
type Service struct {
	jobs    store.JobRepository
	clock   crawl.Clock
	emitter progress.Emitter
	logger  *zap.Logger
	cfg     Config
}

// New constructs a Service.
func New(jobs store.JobRepository, clock crawl.Clock, emitter progress.Emitter, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Minute
	}
	return &Service{
		jobs:    jobs,
		clock:   clock,
		emitter: emitter,
		logger:  logger,
		cfg:     cfg,
	}
}

// ScheduleJob inserts the job as Queued. Re-submission of an existing job id
// is ignored rather than duplicated.
func (s *Service) ScheduleJob(ctx context.Context, job crawl.Job) error {
	if job.ID == "" {
		return crawl.NewStructural("schedule job", errors.New("job id required"))
	}
	if len(job.URLs) == 0 {
		return crawl.NewStructural("schedule job", errors.New("at least one URL required"))
	}
	job.Status = crawl.JobStatusQueued
	job.CreatedAt = s.clock.Now()
	if job.MaxRetries == 0 {
		job.MaxRetries = s.cfg.MaxRetries
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			s.logger.Debug("duplicate job submission ignored", zap.String("job_id", job.ID))
			return nil
		}
		return fmt.Errorf("schedule job: %w", err)
	}
	s.broadcast(job.ID, crawl.JobStatusQueued, "")
	return nil
}

// NextJob claims the highest-priority, oldest eligible Queued job. The claim
// is the Queued->Running compare-and-swap inside the store; two workers can
// never both see ok=true for the same job.
func (s *Service) NextJob(ctx context.Context) (crawl.Job, bool, error) {
	job, err := s.jobs.ClaimNext(ctx, s.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return crawl.Job{}, false, nil
		}
		return crawl.Job{}, false, fmt.Errorf("claim next job: %w", err)
	}
	s.broadcast(job.ID, crawl.JobStatusRunning, "")
	return job, true, nil
}

// ApplyResult folds one URL outcome into the job counters. Increments are
// atomic in the store so parallel URL fetches within a job stay consistent.
func (s *Service) ApplyResult(ctx context.Context, jobID string, result crawl.Result) error {
	succeeded, failed := 0, 1
	if result.Success {
		succeeded, failed = 1, 0
	}
	bytes := int64(len(result.Body))
	if err := s.jobs.ApplyResultDelta(ctx, jobID, succeeded, failed, bytes); err != nil {
		return fmt.Errorf("apply result: %w", err)
	}
	if s.emitter != nil {
		s.emitter.Emit(progress.Event{
			JobID:   jobID,
			TS:      s.clock.Now(),
			Stage:   progress.StageURLDone,
			URL:     result.URL,
			Bytes:   bytes,
			Success: result.Success,
			Message: result.ErrorText,
		})
	}
	return nil
}

// Complete transitions a Running job to Completed.
func (s *Service) Complete(ctx context.Context, jobID string) error {
	_, err := s.jobs.Transition(ctx, jobID,
		[]crawl.JobStatus{crawl.JobStatusRunning},
		crawl.JobStatusCompleted, "", s.clock.Now())
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	s.broadcast(jobID, crawl.JobStatusCompleted, "")
	return nil
}

// Fail transitions a Running job to Failed. Retryable failures get their
// backoff window stamped from the current retry count; structural failures
// burn the remaining budget so the state is terminal immediately.
func (s *Service) Fail(ctx context.Context, jobID, errText string, retryable bool) error {
	job, err := s.jobs.Transition(ctx, jobID,
		[]crawl.JobStatus{crawl.JobStatusRunning},
		crawl.JobStatusFailed, errText, s.clock.Now())
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	switch {
	case retryable && job.RetryCount < job.MaxRetries:
		// The attempt that just failed is RetryCount+1; the window grows
		// with it: base*2, base*4, base*8, ...
		next := s.clock.Now().Add(s.Backoff(job.RetryCount + 1))
		if err := s.jobs.MarkForRetry(ctx, jobID, next); err != nil {
			s.logger.Warn("stamp retry window failed", zap.String("job_id", jobID), zap.Error(err))
		}
	case !retryable:
		// Burn the remaining budget so the retry scan never picks this
		// job up: retrying cannot fix a structural failure.
		if err := s.jobs.ExhaustRetries(ctx, jobID); err != nil {
			s.logger.Warn("exhaust retry budget failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	s.broadcast(jobID, crawl.JobStatusFailed, errText)
	return nil
}

// Cancel transitions any non-terminal job to Cancelled. A Failed job is
// cancellable only while it still has retry budget (mid-backoff); once the
// budget is gone the failure is terminal and Cancel is a no-op, as it is
// for Completed and Cancelled jobs.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if job.Terminal() {
		return nil
	}
	_, err = s.jobs.Transition(ctx, jobID,
		[]crawl.JobStatus{crawl.JobStatusPending, crawl.JobStatusQueued, crawl.JobStatusRunning, crawl.JobStatusFailed},
		crawl.JobStatusCancelled, "cancelled", s.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost a race with another transition into a terminal state.
			return nil
		}
		return fmt.Errorf("cancel job: %w", err)
	}
	s.broadcast(jobID, crawl.JobStatusCancelled, "")
	return nil
}

// RescheduleFailedJob moves a Failed job with remaining budget back to
// Queued, incrementing its retry count. ErrNotRetryable otherwise.
func (s *Service) RescheduleFailedJob(ctx context.Context, jobID string) error {
	job, err := s.jobs.Requeue(ctx, jobID, s.cfg.MaxRetries, s.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotRetryable
		}
		return fmt.Errorf("reschedule job: %w", err)
	}
	s.broadcast(job.ID, crawl.JobStatusQueued, fmt.Sprintf("retry %d/%d", job.RetryCount, job.MaxRetries))
	return nil
}

// JobsForRetry lists Failed jobs whose backoff window has elapsed and which
// still have retry budget.
func (s *Service) JobsForRetry(ctx context.Context, limit int) ([]crawl.Job, error) {
	jobs, err := s.jobs.ListRetryable(ctx, s.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs for retry: %w", err)
	}
	return jobs, nil
}

// UpdateJobPriority changes priority while the job is still waiting.
func (s *Service) UpdateJobPriority(ctx context.Context, jobID string, priority int) error {
	if err := s.jobs.UpdatePriority(ctx, jobID, priority); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The guarded update can't tell a missing job from one that
			// already started; only the latter is "locked".
			if _, getErr := s.jobs.Get(ctx, jobID); getErr != nil {
				return fmt.Errorf("update job priority: %w", getErr)
			}
			return ErrPriorityLocked
		}
		return fmt.Errorf("update job priority: %w", err)
	}
	return nil
}

// QueueLength counts waiting jobs, optionally filtered by priority.
func (s *Service) QueueLength(ctx context.Context, priority *int) (int, error) {
	n, err := s.jobs.QueueLength(ctx, priority)
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// GetJob loads one job.
func (s *Service) GetJob(ctx context.Context, jobID string) (crawl.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return crawl.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Backoff returns the reschedule delay after the given attempt number
// (1-based): base * 2^attempt, capped at the configured maximum. With a
// 2s base that is 4s, 8s, 16s, ...
func (s *Service) Backoff(attempt int) time.Duration {
	delay := float64(s.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.cfg.RetryMaxDelay) {
		delay = float64(s.cfg.RetryMaxDelay)
	}
	return time.Duration(delay)
}

// RunRetryLoop periodically requeues eligible failed jobs until ctx ends.
func (s *Service) RunRetryLoop(ctx context.Context, interval time.Duration, batch int) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := s.JobsForRetry(ctx, batch)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("retry scan failed", zap.Error(err))
				}
				continue
			}
			for _, job := range jobs {
				if err := s.RescheduleFailedJob(ctx, job.ID); err != nil && !errors.Is(err, ErrNotRetryable) {
					s.logger.Error("reschedule failed", zap.String("job_id", job.ID), zap.Error(err))
				}
			}
		}
	}
}

// broadcast is fire-and-forget: the hub never blocks, and a full buffer
// drops the event rather than stalling the transition.
func (s *Service) broadcast(jobID string, status crawl.JobStatus, message string) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(progress.Event{
		JobID:   jobID,
		TS:      s.clock.Now(),
		Stage:   progress.StageStatusChanged,
		Status:  string(status),
		Message: message,
	})
}
