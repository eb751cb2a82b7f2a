package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
)

type stubClock struct{ now time.Time }

func (c *stubClock) Now() time.Time { return c.now }

type stubIDs struct{}

func (stubIDs) NewID() (string, error) { return "generated-id", nil }

type memCache struct {
	mu      sync.Mutex
	entries map[string]crawl.QuotaInfo
	getErr  error
	setErr  error
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]crawl.QuotaInfo)}
}

func (c *memCache) Get(_ context.Context, key string) (crawl.QuotaInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return crawl.QuotaInfo{}, c.getErr
	}
	info, ok := c.entries[key]
	if !ok {
		return crawl.QuotaInfo{}, ErrCacheMiss
	}
	return info, nil
}

func (c *memCache) Set(_ context.Context, key string, info crawl.QuotaInfo, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.entries[key] = info
	return nil
}

func (c *memCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

type stubAuthority struct {
	mu    sync.Mutex
	info  crawl.QuotaInfo
	err   error
	calls int
}

func (a *stubAuthority) FetchQuota(_ context.Context, _, _ string) (crawl.QuotaInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return crawl.QuotaInfo{}, a.err
	}
	return a.info, nil
}

type recordingStager struct {
	mu     sync.Mutex
	events []string
	bodies []map[string]any
}

func (s *recordingStager) Add(_ context.Context, eventType string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
	if body, ok := payload.(map[string]any); ok {
		s.bodies = append(s.bodies, body)
	}
	return nil
}

func newTestService(cache Cache, authority Authority, stager EventStager) *Service {
	return New(cache, authority, stager, stubIDs{}, &stubClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		Config{CacheTTL: time.Hour}, zap.NewNop())
}

func TestCheckQuotaTrivialForNonPositiveUnits(t *testing.T) {
	t.Parallel()

	svc := newTestService(newMemCache(), &stubAuthority{}, &recordingStager{})

	require.True(t, svc.CheckQuota(context.Background(), "u1", 0))
	require.True(t, svc.CheckQuota(context.Background(), "u1", -5))
}

func TestCheckQuotaFromCache(t *testing.T) {
	t.Parallel()

	cache := newMemCache()
	cache.entries[CacheKey("u1")] = crawl.QuotaInfo{Remaining: 10, Total: 100}
	authority := &stubAuthority{}
	svc := newTestService(cache, authority, &recordingStager{})

	require.True(t, svc.CheckQuota(context.Background(), "u1", 10))
	require.False(t, svc.CheckQuota(context.Background(), "u1", 11))
	require.Zero(t, authority.calls)
}

func TestCheckQuotaFailsClosedWithoutToken(t *testing.T) {
	t.Parallel()

	svc := newTestService(newMemCache(), &stubAuthority{info: crawl.QuotaInfo{Remaining: 100}}, &recordingStager{})

	// No token in context, nothing cached: deny.
	require.False(t, svc.CheckQuota(context.Background(), "u1", 1))
}

func TestCheckQuotaReadThroughPopulatesCache(t *testing.T) {
	t.Parallel()

	cache := newMemCache()
	authority := &stubAuthority{info: crawl.QuotaInfo{Remaining: 50, Total: 100, Plan: "pro"}}
	svc := newTestService(cache, authority, &recordingStager{})

	ctx := WithToken(context.Background(), "tok-123")
	require.True(t, svc.CheckQuota(ctx, "u1", 25))
	require.Equal(t, 1, authority.calls)

	// Second check served from cache.
	require.True(t, svc.CheckQuota(ctx, "u1", 25))
	require.Equal(t, 1, authority.calls)
}

func TestCheckQuotaFailsClosedOnAuthorityError(t *testing.T) {
	t.Parallel()

	authority := &stubAuthority{err: errors.New("authority down")}
	svc := newTestService(newMemCache(), authority, &recordingStager{})

	ctx := WithToken(context.Background(), "tok-123")
	require.False(t, svc.CheckQuota(ctx, "u1", 1))
}

func TestDeductDecrementsFlooredAtZero(t *testing.T) {
	t.Parallel()

	cache := newMemCache()
	cache.entries[CacheKey("u1")] = crawl.QuotaInfo{Remaining: 3, Total: 100}
	svc := newTestService(cache, &stubAuthority{}, &recordingStager{})

	svc.Deduct(context.Background(), "u1", 5, "job-1")

	got := cache.entries[CacheKey("u1")]
	require.Zero(t, got.Remaining)
}

func TestDeductStagesBothEventsOnCacheMiss(t *testing.T) {
	t.Parallel()

	stager := &recordingStager{}
	svc := newTestService(newMemCache(), &stubAuthority{}, stager)

	svc.Deduct(context.Background(), "u1", 2, "job-9")

	require.Equal(t, []string{"quota.deducted", "usage.recorded"}, stager.events)
	require.Equal(t, "job-9", stager.bodies[1]["correlation_id"])
}

func TestDeductGeneratesCorrelationIDWithoutJob(t *testing.T) {
	t.Parallel()

	stager := &recordingStager{}
	svc := newTestService(newMemCache(), &stubAuthority{}, stager)

	svc.Deduct(context.Background(), "u1", 2, "")

	require.Equal(t, "generated-id", stager.bodies[1]["correlation_id"])
}

func TestGetRemainingQuota(t *testing.T) {
	t.Parallel()

	cache := newMemCache()
	cache.entries[CacheKey("u1")] = crawl.QuotaInfo{Remaining: 42, Total: 100}
	svc := newTestService(cache, &stubAuthority{}, &recordingStager{})

	got, err := svc.GetRemainingQuota(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(42), got)

	_, err = svc.GetRemainingQuota(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrNoQuotaData)
}

func TestInvalidateEvictsCachedRecord(t *testing.T) {
	t.Parallel()

	cache := newMemCache()
	cache.entries[CacheKey("u1")] = crawl.QuotaInfo{Remaining: 42}
	svc := newTestService(cache, &stubAuthority{}, &recordingStager{})

	require.NoError(t, svc.Invalidate(context.Background(), "u1"))
	_, err := svc.GetQuotaInfo(context.Background(), "u1")
	require.ErrorIs(t, err, ErrNoQuotaData)
}
