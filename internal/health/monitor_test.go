package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
	"github.com/crawlgrid/crawlgrid/internal/store"
)

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

type fakeAgentRepo struct {
	mu   sync.Mutex
	recs map[string]crawl.AgentRecord
}

func newFakeAgentRepo() *fakeAgentRepo {
	return &fakeAgentRepo{recs: make(map[string]crawl.AgentRecord)}
}

func (r *fakeAgentRepo) UpsertHeartbeat(_ context.Context, rec crawl.AgentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs[rec.ID] = rec
	return nil
}

func (r *fakeAgentRepo) List(context.Context) ([]crawl.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]crawl.AgentRecord, 0, len(r.recs))
	for _, rec := range r.recs {
		out = append(out, rec)
	}
	return out, nil
}

type fakeJobRepo struct {
	job crawl.Job
}

func (r *fakeJobRepo) Create(context.Context, crawl.Job) error { return nil }

func (r *fakeJobRepo) Get(_ context.Context, id string) (crawl.Job, error) {
	if r.job.ID != id {
		return crawl.Job{}, store.ErrNotFound
	}
	return r.job, nil
}

func (r *fakeJobRepo) ClaimNext(context.Context, time.Time) (crawl.Job, error) {
	return crawl.Job{}, store.ErrNotFound
}

func (r *fakeJobRepo) Transition(context.Context, string, []crawl.JobStatus, crawl.JobStatus, string, time.Time) (crawl.Job, error) {
	return crawl.Job{}, store.ErrNotFound
}

func (r *fakeJobRepo) MarkForRetry(context.Context, string, time.Time) error { return nil }

func (r *fakeJobRepo) Requeue(context.Context, string, int, time.Time) (crawl.Job, error) {
	return crawl.Job{}, store.ErrNotFound
}

func (r *fakeJobRepo) ExhaustRetries(context.Context, string) error { return nil }

func (r *fakeJobRepo) UpdatePriority(context.Context, string, int) error { return nil }

func (r *fakeJobRepo) ApplyResultDelta(context.Context, string, int, int, int64) error { return nil }

func (r *fakeJobRepo) QueueLength(context.Context, *int) (int, error) { return 0, nil }

func (r *fakeJobRepo) ListRetryable(context.Context, time.Time, int) ([]crawl.Job, error) {
	return nil, nil
}

func newTestMonitor(agents *fakeAgentRepo, jobs *fakeJobRepo, now time.Time) *Monitor {
	return New(agents, jobs, stubClock{now: now}, Config{
		HeartbeatInterval:  10 * time.Second,
		UnhealthyThreshold: 30 * time.Second,
		OfflineThreshold:   2 * time.Minute,
	}, zap.NewNop())
}

func TestAgentHealthDerivedFromHeartbeatAge(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	agents := newFakeAgentRepo()
	agents.recs["fresh"] = crawl.AgentRecord{ID: "fresh", LastHeartbeat: now.Add(-5 * time.Second)}
	agents.recs["stale"] = crawl.AgentRecord{ID: "stale", LastHeartbeat: now.Add(-time.Minute)}
	agents.recs["gone"] = crawl.AgentRecord{ID: "gone", LastHeartbeat: now.Add(-time.Hour)}

	m := newTestMonitor(agents, &fakeJobRepo{}, now)
	recs, err := m.AgentHealth(context.Background())
	require.NoError(t, err)

	byID := make(map[string]crawl.AgentStatus, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec.Status
	}
	require.Equal(t, crawl.AgentActive, byID["fresh"])
	require.Equal(t, crawl.AgentUnhealthy, byID["stale"])
	require.Equal(t, crawl.AgentOffline, byID["gone"])
}

func TestHeartbeatUpserts(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	agents := newFakeAgentRepo()
	m := newTestMonitor(agents, &fakeJobRepo{}, now)

	require.NoError(t, m.Heartbeat(context.Background(), "agent-1", "worker-pool", 4))

	rec := agents.recs["agent-1"]
	require.Equal(t, crawl.AgentActive, rec.Status)
	require.Equal(t, 4, rec.ActiveJobs)
	require.Equal(t, now, rec.LastHeartbeat)
}

func TestProgressComputesPercentAndETA(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-time.Minute)
	jobs := &fakeJobRepo{job: crawl.Job{
		ID:        "job-1",
		URLs:      []string{"a", "b", "c", "d"},
		Status:    crawl.JobStatusRunning,
		StartedAt: &started,
		Counters:  crawl.JobCounters{URLsProcessed: 2, URLsSucceeded: 1, URLsFailed: 1},
	}}

	m := newTestMonitor(newFakeAgentRepo(), jobs, now)
	p, err := m.Progress(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, 50.0, p.PercentDone)
	// 1 minute for 2 URLs leaves 1 minute for the remaining 2.
	require.Equal(t, time.Minute, p.EstimatedLeft)
}

func TestProgressUnknownJob(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(newFakeAgentRepo(), &fakeJobRepo{}, time.Now().UTC())
	_, err := m.Progress(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}
