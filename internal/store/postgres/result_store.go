package postgres

import (
	"context"
	"fmt"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
)

// ResultStore implements store.ResultRepository on Postgres.
//
// Expected schema:
//
//	CREATE TABLE crawl_results (
//		job_id        UUID NOT NULL,
//		url           TEXT NOT NULL,
//		payload       JSONB,
//		blob_uri      TEXT NOT NULL DEFAULT '',
//		response_ms   BIGINT NOT NULL,
//		success       BOOLEAN NOT NULL,
//		error_text    TEXT NOT NULL DEFAULT '',
//		fetched_at    TIMESTAMPTZ NOT NULL,
//		PRIMARY KEY (job_id, url, fetched_at)
//	);
type ResultStore struct {
	db Querier
}

// NewResultStore creates a ResultStore over the given pool.
func NewResultStore(db Querier) *ResultStore {
	return &ResultStore{db: db}
}

// Record inserts one per-URL outcome. Results are write-once.
func (s *ResultStore) Record(ctx context.Context, result crawl.Result) error {
	query := `
		INSERT INTO crawl_results (job_id, url, payload, blob_uri, response_ms, success, error_text, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`
	_, err := s.db.Exec(ctx, query,
		result.JobID,
		result.URL,
		[]byte(result.Payload),
		result.BlobURI,
		result.ResponseTime.Milliseconds(),
		result.Success,
		result.ErrorText,
		result.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// ListByJob returns all recorded outcomes for a job.
func (s *ResultStore) ListByJob(ctx context.Context, jobID string) ([]crawl.Result, error) {
	query := `
		SELECT job_id, url, payload, blob_uri, response_ms, success, error_text, fetched_at
		FROM crawl_results
		WHERE job_id = $1
		ORDER BY fetched_at ASC;`
	rows, err := s.db.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []crawl.Result
	for rows.Next() {
		var (
			result     crawl.Result
			payload    []byte
			responseMs int64
		)
		err := rows.Scan(
			&result.JobID,
			&result.URL,
			&payload,
			&result.BlobURI,
			&responseMs,
			&result.Success,
			&result.ErrorText,
			&result.FetchedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		result.Payload = payload
		result.ResponseTime = msToDuration(responseMs)
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return results, nil
}
