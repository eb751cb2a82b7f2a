package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
	"github.com/crawlgrid/crawlgrid/internal/store"
)

func jobRow(job crawl.Job) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "user_id", "urls", "crawler_type", "template_id", "priority", "status",
		"urls_processed", "urls_succeeded", "urls_failed", "content_bytes",
		"retry_count", "max_retries", "next_attempt_at", "error_text",
		"created_at", "started_at", "completed_at",
	}).AddRow(
		job.ID, job.UserID, job.URLs, string(job.CrawlerType), job.TemplateID,
		job.Priority, string(job.Status),
		job.Counters.URLsProcessed, job.Counters.URLsSucceeded, job.Counters.URLsFailed,
		job.Counters.ContentBytes,
		job.RetryCount, job.MaxRetries, job.NextAttemptAt, job.ErrorText,
		job.CreatedAt, job.StartedAt, job.CompletedAt,
	)
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	job := crawl.Job{
		ID:          "job-1",
		UserID:      "user-1",
		URLs:        []string{"https://example.com/a"},
		CrawlerType: crawl.CrawlerAuto,
		Priority:    5,
		Status:      crawl.JobStatusQueued,
		MaxRetries:  3,
		CreatedAt:   now,
	}

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs(
			job.ID, job.UserID, job.URLs, string(job.CrawlerType), job.TemplateID,
			job.Priority, string(job.Status), job.RetryCount, job.MaxRetries,
			job.ErrorText, job.CreatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = NewJobStore(mock).Create(context.Background(), job)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobDuplicateID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err = NewJobStore(mock).Create(context.Background(), crawl.Job{ID: "job-1"})
	require.ErrorIs(t, err, store.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextReturnsJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	job := crawl.Job{
		ID:          "job-1",
		UserID:      "user-1",
		URLs:        []string{"https://example.com/a"},
		CrawlerType: crawl.CrawlerHTTP,
		Status:      crawl.JobStatusRunning,
		MaxRetries:  3,
		CreatedAt:   now,
		StartedAt:   &now,
	}

	mock.ExpectQuery("UPDATE crawl_jobs SET status").
		WithArgs(string(crawl.JobStatusRunning), now, string(crawl.JobStatusQueued)).
		WillReturnRows(jobRow(job))

	got, err := NewJobStore(mock).ClaimNext(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, crawl.JobStatusRunning, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextEmptyQueue(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("UPDATE crawl_jobs SET status").
		WithArgs(string(crawl.JobStatusRunning), now, string(crawl.JobStatusQueued)).
		WillReturnError(pgx.ErrNoRows)

	_, err = NewJobStore(mock).ClaimNext(context.Background(), now)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionGuardsSourceStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	job := crawl.Job{
		ID:          "job-1",
		UserID:      "user-1",
		URLs:        []string{"https://example.com/a"},
		CrawlerType: crawl.CrawlerHTTP,
		Status:      crawl.JobStatusCompleted,
		MaxRetries:  3,
		CreatedAt:   now,
		CompletedAt: &now,
	}

	mock.ExpectQuery("UPDATE crawl_jobs SET status").
		WithArgs(string(crawl.JobStatusCompleted), "", now, "job-1", []string{string(crawl.JobStatusRunning)}).
		WillReturnRows(jobRow(job))

	got, err := NewJobStore(mock).Transition(
		context.Background(), "job-1",
		[]crawl.JobStatus{crawl.JobStatusRunning}, crawl.JobStatusCompleted, "", now)
	require.NoError(t, err)
	require.Equal(t, crawl.JobStatusCompleted, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkForRetryUnknownJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE crawl_jobs SET next_attempt_at").
		WithArgs(now, "missing", string(crawl.JobStatusFailed)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = NewJobStore(mock).MarkForRetry(context.Background(), "missing", now)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExhaustRetriesBurnsBudget(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE crawl_jobs SET retry_count = max_retries").
		WithArgs("job-1", string(crawl.JobStatusFailed)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = NewJobStore(mock).ExhaustRetries(context.Background(), "job-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyResultDeltaBumpsCounters(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE crawl_jobs SET").
		WithArgs(2, 1, 1, int64(2048), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = NewJobStore(mock).ApplyResultDelta(context.Background(), "job-1", 1, 1, 2048)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueLengthCountsBacklog(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs([]string{
			string(crawl.JobStatusPending),
			string(crawl.JobStatusQueued),
		}, (*int)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(12))

	count, err := NewJobStore(mock).QueueLength(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 12, count)
	require.NoError(t, mock.ExpectationsWereMet())
}
