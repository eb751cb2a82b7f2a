// Package outbox implements reliable at-least-once event delivery over a
// persisted message table.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
	"github.com/crawlgrid/crawlgrid/internal/store"
	"github.com/crawlgrid/crawlgrid/internal/telemetry"
)

// Publisher pushes one event to the downstream broker.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
}

// Config tunes the delivery loop.
type Config struct {
	BatchSize    int
	MaxRetries   int
	ClaimLease   time.Duration
	PollInterval time.Duration
}

// Service stages domain events in the outbox repository and drains them to
// the broker. Messages survive broker outages; consumers must deduplicate,
// since redelivery after a crash between publish and mark is possible.
type Service struct {
	repo      store.OutboxRepository
	publisher Publisher
	ids       crawl.IDGenerator
	clock     crawl.Clock
	logger    *zap.Logger
	cfg       Config
}

// New constructs a Service.
func New(repo store.OutboxRepository, publisher Publisher, ids crawl.IDGenerator, clock crawl.Clock, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		ids:       ids,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
	}
}

// Add stages an event for delivery. The payload is marshaled to JSON; pass a
// json.RawMessage to stage pre-encoded bytes as-is.
func (s *Service) Add(ctx context.Context, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate outbox message id: %w", err)
	}
	msg := crawl.OutboxMessage{
		ID:         id,
		EventType:  eventType,
		Payload:    body,
		OccurredAt: s.clock.Now(),
		MaxRetries: s.cfg.MaxRetries,
	}
	if err := s.repo.Add(ctx, msg); err != nil {
		return fmt.Errorf("stage outbox message: %w", err)
	}
	return nil
}

// Process claims one batch of eligible messages and attempts delivery.
// Returns how many were delivered. A publish failure bumps the retry count
// and stamps the next retry window without aborting the rest of the batch.
func (s *Service) Process(ctx context.Context) (int, error) {
	batch, err := s.repo.ClaimBatch(ctx, s.clock.Now(), s.cfg.ClaimLease, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim outbox batch: %w", err)
	}
	delivered := 0
	for _, msg := range batch {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if err := s.publisher.Publish(ctx, msg.EventType, msg.Payload); err != nil {
			telemetry.ObserveOutboxPublish(false)
			next := s.clock.Now().Add(Backoff(msg.RetryCount))
			if markErr := s.repo.MarkFailed(ctx, msg.ID, err.Error(), next); markErr != nil {
				s.logger.Error("mark outbox failure failed",
					zap.String("message_id", msg.ID), zap.Error(markErr))
			}
			s.logger.Warn("outbox publish failed",
				zap.String("message_id", msg.ID),
				zap.String("event_type", msg.EventType),
				zap.Int("retry_count", msg.RetryCount),
				zap.Error(err))
			continue
		}
		telemetry.ObserveOutboxPublish(true)
		if err := s.repo.MarkProcessed(ctx, msg.ID, s.clock.Now()); err != nil {
			// The event went out; redelivery is the consumer's problem now.
			s.logger.Error("mark outbox processed failed",
				zap.String("message_id", msg.ID), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Unprocessed lists eligible messages without claiming them.
func (s *Service) Unprocessed(ctx context.Context, limit int) ([]crawl.OutboxMessage, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	msgs, err := s.repo.Unprocessed(ctx, s.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed outbox messages: %w", err)
	}
	return msgs, nil
}

// Run drains the outbox on an interval until ctx ends.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Process(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("outbox drain failed", zap.Error(err))
			}
		}
	}
}

// Backoff returns the delivery retry delay for the given retry count:
// 2^retryCount minutes.
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 10 {
		retryCount = 10
	}
	return time.Duration(1<<uint(retryCount)) * time.Minute
}
