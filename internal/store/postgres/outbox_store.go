package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
)

// OutboxStore implements store.OutboxRepository on Postgres.
//
// Expected schema:
//
//	CREATE TABLE outbox_messages (
//		id            UUID PRIMARY KEY,
//		event_type    TEXT NOT NULL,
//		payload       JSONB NOT NULL,
//		occurred_at   TIMESTAMPTZ NOT NULL,
//		processed_at  TIMESTAMPTZ,
//		claimed_at    TIMESTAMPTZ,
//		retry_count   INT NOT NULL DEFAULT 0,
//		max_retries   INT NOT NULL DEFAULT 10,
//		next_retry_at TIMESTAMPTZ,
//		last_error    TEXT NOT NULL DEFAULT ''
//	);
type OutboxStore struct {
	db Querier
}

// NewOutboxStore creates an OutboxStore over the given pool.
func NewOutboxStore(db Querier) *OutboxStore {
	return &OutboxStore{db: db}
}

const outboxColumns = `id, event_type, payload, occurred_at, processed_at, retry_count, max_retries, next_retry_at, last_error`

// Add appends a pending message. Callers wanting atomicity with a domain
// write run this inside their own transaction.
func (s *OutboxStore) Add(ctx context.Context, msg crawl.OutboxMessage) error {
	query := `
		INSERT INTO outbox_messages (id, event_type, payload, occurred_at, retry_count, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6);`
	_, err := s.db.Exec(ctx, query, msg.ID, msg.EventType, msg.Payload, msg.OccurredAt, msg.RetryCount, msg.MaxRetries)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

// ClaimBatch atomically flags eligible messages as in-flight and returns
// them oldest first. A claim older than the lease is considered abandoned,
// so a crashed processor's batch becomes eligible again.
func (s *OutboxStore) ClaimBatch(
	ctx context.Context,
	now time.Time,
	lease time.Duration,
	limit int,
) ([]crawl.OutboxMessage, error) {
	query := `
		UPDATE outbox_messages SET claimed_at = $1
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE processed_at IS NULL
				AND retry_count < max_retries
				AND (next_retry_at IS NULL OR next_retry_at <= $1)
				AND (claimed_at IS NULL OR claimed_at <= $2)
			ORDER BY occurred_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxColumns + `;`
	rows, err := s.db.Query(ctx, query, now, now.Add(-lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// MarkProcessed sets the terminal processed_at stamp exactly once.
func (s *OutboxStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE outbox_messages SET processed_at = $1 WHERE id = $2 AND processed_at IS NULL;`
	if _, err := s.db.Exec(ctx, query, at, id); err != nil {
		return fmt.Errorf("mark outbox message processed: %w", err)
	}
	return nil
}

// MarkFailed records a delivery failure and schedules the next attempt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, errText string, nextRetry time.Time) error {
	query := `
		UPDATE outbox_messages
		SET retry_count = retry_count + 1, last_error = $1, next_retry_at = $2, claimed_at = NULL
		WHERE id = $3 AND processed_at IS NULL;`
	if _, err := s.db.Exec(ctx, query, errText, nextRetry, id); err != nil {
		return fmt.Errorf("mark outbox message failed: %w", err)
	}
	return nil
}

// Unprocessed returns eligible messages without claiming them.
func (s *OutboxStore) Unprocessed(ctx context.Context, now time.Time, limit int) ([]crawl.OutboxMessage, error) {
	query := `
		SELECT ` + outboxColumns + ` FROM outbox_messages
		WHERE processed_at IS NULL
			AND retry_count < max_retries
			AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY occurred_at ASC
		LIMIT $2;`
	rows, err := s.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed outbox messages: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

func scanOutboxRows(rows pgx.Rows) ([]crawl.OutboxMessage, error) {
	var msgs []crawl.OutboxMessage
	for rows.Next() {
		var msg crawl.OutboxMessage
		err := rows.Scan(
			&msg.ID,
			&msg.EventType,
			&msg.Payload,
			&msg.OccurredAt,
			&msg.ProcessedAt,
			&msg.RetryCount,
			&msg.MaxRetries,
			&msg.NextRetryAt,
			&msg.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return msgs, nil
}
