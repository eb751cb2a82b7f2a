package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
	"github.com/crawlgrid/crawlgrid/internal/store"
)

// JobStore implements store.JobRepository on Postgres.
//
// Expected schema:
//
//	CREATE TABLE crawl_jobs (
//		id              UUID PRIMARY KEY,
//		user_id         TEXT NOT NULL,
//		urls            TEXT[] NOT NULL,
//		crawler_type    TEXT NOT NULL,
//		template_id     TEXT,
//		priority        INT NOT NULL DEFAULT 0,
//		status          TEXT NOT NULL,
//		urls_processed  INT NOT NULL DEFAULT 0,
//		urls_succeeded  INT NOT NULL DEFAULT 0,
//		urls_failed     INT NOT NULL DEFAULT 0,
//		content_bytes   BIGINT NOT NULL DEFAULT 0,
//		retry_count     INT NOT NULL DEFAULT 0,
//		max_retries     INT NOT NULL DEFAULT 3,
//		next_attempt_at TIMESTAMPTZ,
//		error_text      TEXT NOT NULL DEFAULT '',
//		created_at      TIMESTAMPTZ NOT NULL,
//		started_at      TIMESTAMPTZ,
//		completed_at    TIMESTAMPTZ
//	);
type JobStore struct {
	db Querier
}

// NewJobStore creates a JobStore over the given pool.
func NewJobStore(db Querier) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, user_id, urls, crawler_type, COALESCE(template_id, ''), priority, status,
	urls_processed, urls_succeeded, urls_failed, content_bytes,
	retry_count, max_retries, next_attempt_at, error_text, created_at, started_at, completed_at`

// Create inserts a new job row.
func (s *JobStore) Create(ctx context.Context, job crawl.Job) error {
	query := `
		INSERT INTO crawl_jobs (id, user_id, urls, crawler_type, template_id, priority, status,
			retry_count, max_retries, error_text, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11);
	`
	_, err := s.db.Exec(ctx, query,
		job.ID,
		job.UserID,
		job.URLs,
		string(job.CrawlerType),
		job.TemplateID,
		job.Priority,
		string(job.Status),
		job.RetryCount,
		job.MaxRetries,
		job.ErrorText,
		job.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get loads a single job.
func (s *JobStore) Get(ctx context.Context, id string) (crawl.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM crawl_jobs WHERE id = $1;`
	job, err := scanJob(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Job{}, store.ErrNotFound
		}
		return crawl.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ClaimNext flips the best eligible Queued job to Running in one statement.
// Highest priority first, oldest first within a priority; SKIP LOCKED keeps
// concurrent workers from blocking on each other's claim.
func (s *JobStore) ClaimNext(ctx context.Context, now time.Time) (crawl.Job, error) {
	query := `
		UPDATE crawl_jobs SET status = $1, started_at = COALESCE(started_at, $2)
		WHERE id = (
			SELECT id FROM crawl_jobs
			WHERE status = $3 AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns + `;`
	job, err := scanJob(s.db.QueryRow(ctx, query, string(crawl.JobStatusRunning), now, string(crawl.JobStatusQueued)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Job{}, store.ErrNotFound
		}
		return crawl.Job{}, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// Transition conditionally moves a job between statuses.
func (s *JobStore) Transition(
	ctx context.Context,
	id string,
	from []crawl.JobStatus,
	to crawl.JobStatus,
	errText string,
	at time.Time,
) (crawl.Job, error) {
	fromSet := make([]string, 0, len(from))
	for _, st := range from {
		fromSet = append(fromSet, string(st))
	}
	query := `
		UPDATE crawl_jobs SET status = $1, error_text = $2,
			completed_at = CASE WHEN $1 IN ('completed', 'failed', 'cancelled') THEN $3 ELSE completed_at END
		WHERE id = $4 AND status = ANY($5)
		RETURNING ` + jobColumns + `;`
	job, err := scanJob(s.db.QueryRow(ctx, query, string(to), errText, at, id, fromSet))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Job{}, store.ErrNotFound
		}
		return crawl.Job{}, fmt.Errorf("transition job: %w", err)
	}
	return job, nil
}

// MarkForRetry stamps the backoff window on a failed job.
func (s *JobStore) MarkForRetry(ctx context.Context, id string, nextAttempt time.Time) error {
	query := `UPDATE crawl_jobs SET next_attempt_at = $1 WHERE id = $2 AND status = $3;`
	tag, err := s.db.Exec(ctx, query, nextAttempt, id, string(crawl.JobStatusFailed))
	if err != nil {
		return fmt.Errorf("mark job for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Requeue moves an eligible Failed job back to Queued with retry_count + 1.
func (s *JobStore) Requeue(ctx context.Context, id string, maxRetries int, at time.Time) (crawl.Job, error) {
	query := `
		UPDATE crawl_jobs SET status = $1, retry_count = retry_count + 1, next_attempt_at = NULL, error_text = ''
		WHERE id = $2 AND status = $3 AND retry_count < $4
		RETURNING ` + jobColumns + `;`
	job, err := scanJob(s.db.QueryRow(ctx, query, string(crawl.JobStatusQueued), id, string(crawl.JobStatusFailed), maxRetries))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Job{}, store.ErrNotFound
		}
		return crawl.Job{}, fmt.Errorf("requeue job: %w", err)
	}
	return job, nil
}

// ExhaustRetries burns the remaining retry budget of a Failed job, making
// the failure terminal regardless of how many attempts were left.
func (s *JobStore) ExhaustRetries(ctx context.Context, id string) error {
	query := `UPDATE crawl_jobs SET retry_count = max_retries WHERE id = $1 AND status = $2;`
	tag, err := s.db.Exec(ctx, query, id, string(crawl.JobStatusFailed))
	if err != nil {
		return fmt.Errorf("exhaust job retries: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdatePriority adjusts priority for jobs that have not started yet.
func (s *JobStore) UpdatePriority(ctx context.Context, id string, priority int) error {
	query := `UPDATE crawl_jobs SET priority = $1 WHERE id = $2 AND status = ANY($3);`
	tag, err := s.db.Exec(ctx, query, priority, id, []string{
		string(crawl.JobStatusPending),
		string(crawl.JobStatusQueued),
	})
	if err != nil {
		return fmt.Errorf("update job priority: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ApplyResultDelta bumps the per-URL counters atomically.
func (s *JobStore) ApplyResultDelta(ctx context.Context, id string, succeeded, failed int, bytes int64) error {
	query := `
		UPDATE crawl_jobs SET
			urls_processed = urls_processed + $1,
			urls_succeeded = urls_succeeded + $2,
			urls_failed = urls_failed + $3,
			content_bytes = content_bytes + $4
		WHERE id = $5;`
	tag, err := s.db.Exec(ctx, query, succeeded+failed, succeeded, failed, bytes, id)
	if err != nil {
		return fmt.Errorf("apply result delta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// QueueLength counts Queued and Pending jobs, optionally filtered by priority.
func (s *JobStore) QueueLength(ctx context.Context, priority *int) (int, error) {
	query := `
		SELECT COUNT(*) FROM crawl_jobs
		WHERE status = ANY($1) AND ($2::int IS NULL OR priority = $2);`
	var count int
	err := s.db.QueryRow(ctx, query, []string{
		string(crawl.JobStatusPending),
		string(crawl.JobStatusQueued),
	}, priority).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count queue length: %w", err)
	}
	return count, nil
}

// ListRetryable returns failed jobs whose backoff window has elapsed.
func (s *JobStore) ListRetryable(ctx context.Context, now time.Time, limit int) ([]crawl.Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM crawl_jobs
		WHERE status = $1 AND retry_count < max_retries
			AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		ORDER BY next_attempt_at ASC NULLS FIRST
		LIMIT $3;`
	rows, err := s.db.Query(ctx, query, string(crawl.JobStatusFailed), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []crawl.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retryable job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retryable jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (crawl.Job, error) {
	var (
		job         crawl.Job
		crawlerType string
		status      string
	)
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.URLs,
		&crawlerType,
		&job.TemplateID,
		&job.Priority,
		&status,
		&job.Counters.URLsProcessed,
		&job.Counters.URLsSucceeded,
		&job.Counters.URLsFailed,
		&job.Counters.ContentBytes,
		&job.RetryCount,
		&job.MaxRetries,
		&job.NextAttemptAt,
		&job.ErrorText,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return crawl.Job{}, err
	}
	job.CrawlerType = crawl.CrawlerType(crawlerType)
	job.Status = crawl.JobStatus(status)
	return job, nil
}
