package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/crawlgrid/crawlgrid/internal/telemetry"
)

// pacer spaces provider requests out. It layers a token bucket (burst
// smoothing) under a serialized minimum gap between consecutive requests,
// so N requests per minute are spread evenly instead of front-loaded.
type pacer struct {
	limiter  *rate.Limiter
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// newPacer builds a pacer for the given requests-per-minute budget.
func newPacer(requestsPerMinute int) *pacer {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 30
	}
	interval := time.Minute / time.Duration(requestsPerMinute)
	return &pacer{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// Wait blocks until the next request slot, respecting ctx. The observed
// delay feeds the rate limit telemetry.
func (p *pacer) Wait(ctx context.Context, providerName string) error {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	p.mu.Lock()
	gap := p.interval - time.Since(p.last)
	if gap > 0 {
		p.mu.Unlock()
		timer := time.NewTimer(gap)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
		p.mu.Lock()
	}
	p.last = time.Now()
	p.mu.Unlock()

	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay(providerName, waited)
	}
	return nil
}
