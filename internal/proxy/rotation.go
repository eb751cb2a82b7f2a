// Package proxy rotates outbound requests across regional proxy pools.
package proxy

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrNoProxies signals an empty or unknown region pool.
var ErrNoProxies = errors.New("no proxies available for region")

// failurePenalty pushes a proxy to the back of the rotation for this many
// selections after a failed request.
const failurePenalty = 3

// Endpoint is one proxy in a regional pool. Success/failure feedback adjusts
// its score so unhealthy endpoints drift out of the rotation without being
// removed outright.
type Endpoint struct {
	URL string

	failures  atomic.Int64
	successes atomic.Int64
	penalty   atomic.Int64
	latencyNS atomic.Int64
}

// MarkSuccess records a successful request through this proxy.
func (e *Endpoint) MarkSuccess(latency time.Duration) {
	e.successes.Add(1)
	e.latencyNS.Store(int64(latency))
	if e.penalty.Load() > 0 {
		e.penalty.Store(0)
	}
}

// MarkFailure records a failed request; the endpoint is deprioritized for
// the next few selections.
func (e *Endpoint) MarkFailure() {
	e.failures.Add(1)
	e.penalty.Store(failurePenalty)
}

// Healthy reports whether the endpoint is currently in good standing.
func (e *Endpoint) Healthy() bool {
	return e.penalty.Load() == 0
}

// Stats returns cumulative success/failure counts and the last latency.
func (e *Endpoint) Stats() (successes, failures int64, latency time.Duration) {
	return e.successes.Load(), e.failures.Load(), time.Duration(e.latencyNS.Load())
}

// Rotator hands out proxies round-robin per region, skipping penalized
// endpoints while any healthy ones remain.
type Rotator struct {
	mu     sync.RWMutex
	pools  map[string][]*Endpoint
	cursor map[string]int
	logger *zap.Logger
}

// NewRotator builds a Rotator from region -> proxy URL lists.
func NewRotator(regions map[string][]string, logger *zap.Logger) *Rotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	pools := make(map[string][]*Endpoint, len(regions))
	for region, urls := range regions {
		eps := make([]*Endpoint, 0, len(urls))
		for _, u := range urls {
			eps = append(eps, &Endpoint{URL: u})
		}
		pools[region] = eps
	}
	return &Rotator{
		pools:  pools,
		cursor: make(map[string]int, len(pools)),
		logger: logger,
	}
}

// Next returns the next proxy for the region. Penalized endpoints are
// skipped unless the whole pool is penalized, in which case the least
// recently penalized one is served anyway: a degraded proxy beats none.
func (r *Rotator) Next(region string) (*Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pool := r.pools[region]
	if len(pool) == 0 {
		return nil, ErrNoProxies
	}
	start := r.cursor[region]
	for i := 0; i < len(pool); i++ {
		idx := (start + i) % len(pool)
		ep := pool[idx]
		if ep.Healthy() {
			r.cursor[region] = (idx + 1) % len(pool)
			return ep, nil
		}
	}
	// Every endpoint penalized; decay penalties and serve round-robin.
	for _, ep := range pool {
		if p := ep.penalty.Load(); p > 0 {
			ep.penalty.Store(p - 1)
		}
	}
	idx := start % len(pool)
	r.cursor[region] = (idx + 1) % len(pool)
	r.logger.Warn("all proxies penalized for region", zap.String("region", region))
	return pool[idx], nil
}

// Regions lists configured regions with at least one endpoint.
func (r *Rotator) Regions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pools))
	for region, pool := range r.pools {
		if len(pool) > 0 {
			out = append(out, region)
		}
	}
	return out
}
