package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
	"github.com/crawlgrid/crawlgrid/internal/telemetry"
)

// ErrNoQuotaData signals that no quota record could be obtained: nothing
// cached and no access token available to refresh from the authority.
var ErrNoQuotaData = errors.New("no quota data available")

// EventStager stages domain events for reliable delivery.
type EventStager interface {
	Add(ctx context.Context, eventType string, payload any) error
}

// Config tunes the quota service.
type Config struct {
	CacheTTL time.Duration
}

// Service answers quota admission checks from cache, refreshing from the
// authority read-through. Counting here is best-effort: short-lived drift
// self-heals on TTL expiry, and the authority remains the ledger of record.
type Service struct {
	cache     Cache
	authority Authority
	events    EventStager
	ids       crawl.IDGenerator
	clock     crawl.Clock
	logger    *zap.Logger
	cfg       Config
}

// New constructs a Service.
func New(cache Cache, authority Authority, events EventStager, ids crawl.IDGenerator, clock crawl.Clock, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 60 * time.Minute
	}
	return &Service{
		cache:     cache,
		authority: authority,
		events:    events,
		ids:       ids,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
	}
}

// CheckQuota reports whether the user may spend requiredUnits. Zero or
// negative requirements pass trivially. Absence of quota data fails closed:
// no record is never permission.
func (s *Service) CheckQuota(ctx context.Context, userID string, requiredUnits int64) bool {
	if requiredUnits <= 0 {
		return true
	}
	info, err := s.fetch(ctx, userID)
	if err != nil {
		telemetry.ObserveQuotaDecision(false)
		return false
	}
	allowed := info.Remaining >= requiredUnits
	telemetry.ObserveQuotaDecision(allowed)
	return allowed
}

// Deduct optimistically decrements the cached balance (floored at zero) and
// stages the reconciliation events. Cache update failures are logged, not
// surfaced: once initiated, deduction is fire-and-forget for the caller.
func (s *Service) Deduct(ctx context.Context, userID string, units int64, jobID string) {
	if units <= 0 {
		return
	}
	key := CacheKey(userID)
	if info, err := s.cache.Get(ctx, key); err == nil {
		info.Remaining -= units
		if info.Remaining < 0 {
			info.Remaining = 0
		}
		info.UpdatedAt = s.clock.Now()
		if err := s.cache.Set(ctx, key, info, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("quota cache decrement failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	}

	correlationID := jobID
	if correlationID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			s.logger.Warn("generate correlation id failed", zap.Error(err))
			id = "unknown"
		}
		correlationID = id
	}
	if err := s.events.Add(ctx, "quota.deducted", map[string]any{
		"user_id":     userID,
		"units":       units,
		"occurred_at": s.clock.Now(),
	}); err != nil {
		s.logger.Error("stage quota deduction event failed",
			zap.String("user_id", userID), zap.Error(err))
	}
	if err := s.events.Add(ctx, "usage.recorded", map[string]any{
		"user_id":        userID,
		"units":          units,
		"correlation_id": correlationID,
		"occurred_at":    s.clock.Now(),
	}); err != nil {
		s.logger.Error("stage usage event failed",
			zap.String("user_id", userID), zap.Error(err))
	}
}

// GetRemainingQuota returns the user's remaining balance.
func (s *Service) GetRemainingQuota(ctx context.Context, userID string) (int64, error) {
	info, err := s.fetch(ctx, userID)
	if err != nil {
		return 0, err
	}
	return info.Remaining, nil
}

// GetQuotaInfo returns the full quota snapshot.
func (s *Service) GetQuotaInfo(ctx context.Context, userID string) (crawl.QuotaInfo, error) {
	return s.fetch(ctx, userID)
}

// Invalidate evicts the cached record so the next read refreshes.
func (s *Service) Invalidate(ctx context.Context, userID string) error {
	if err := s.cache.Del(ctx, CacheKey(userID)); err != nil {
		return fmt.Errorf("invalidate quota: %w", err)
	}
	return nil
}

// fetch is the read-through: cache first, then the authority with the
// context's access token, populating the cache on success.
func (s *Service) fetch(ctx context.Context, userID string) (crawl.QuotaInfo, error) {
	key := CacheKey(userID)
	info, err := s.cache.Get(ctx, key)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		s.logger.Warn("quota cache read failed",
			zap.String("user_id", userID), zap.Error(err))
	}

	token, ok := TokenFromContext(ctx)
	if !ok {
		// Not an error: the user must re-authenticate to refresh quota.
		s.logger.Debug("no access token for quota refresh", zap.String("user_id", userID))
		return crawl.QuotaInfo{}, ErrNoQuotaData
	}

	info, err = s.authority.FetchQuota(ctx, userID, token)
	if err != nil {
		s.logger.Warn("quota authority fetch failed",
			zap.String("user_id", userID), zap.Error(err))
		return crawl.QuotaInfo{}, ErrNoQuotaData
	}
	if err := s.cache.Set(ctx, key, info, s.cfg.CacheTTL); err != nil {
		s.logger.Warn("quota cache populate failed",
			zap.String("user_id", userID), zap.Error(err))
	}
	return info, nil
}
