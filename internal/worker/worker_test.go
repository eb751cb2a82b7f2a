package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
)

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

type stubHasher struct{}

func (stubHasher) Hash(data []byte) (string, error) {
	return fmt.Sprintf("h%x", len(data)), nil
}

type fakeScheduler struct {
	mu        sync.Mutex
	queue     []crawl.Job
	results   []crawl.Result
	completed []string
	failed    map[string]string
	retryable map[string]bool
	cancelled []string
}

func newFakeScheduler(jobs ...crawl.Job) *fakeScheduler {
	return &fakeScheduler{
		queue:     jobs,
		failed:    make(map[string]string),
		retryable: make(map[string]bool),
	}
}

func (s *fakeScheduler) NextJob(context.Context) (crawl.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return crawl.Job{}, false, nil
	}
	job := s.queue[0]
	s.queue = s.queue[1:]
	return job, true, nil
}

func (s *fakeScheduler) ApplyResult(_ context.Context, _ string, result crawl.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *fakeScheduler) Complete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, jobID)
	return nil
}

func (s *fakeScheduler) Fail(_ context.Context, jobID, errText string, retryable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[jobID] = errText
	s.retryable[jobID] = retryable
	return nil
}

func (s *fakeScheduler) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, jobID)
	return nil
}

type fakeAgent struct {
	kind    crawl.CrawlerType
	execute func(url string) (crawl.Result, error)
}

func (a *fakeAgent) Kind() crawl.CrawlerType               { return a.kind }
func (a *fakeAgent) CanHandle(context.Context, string) bool { return true }

func (a *fakeAgent) Execute(_ context.Context, job crawl.Job, url string) (crawl.Result, error) {
	if a.execute != nil {
		return a.execute(url)
	}
	return crawl.Result{JobID: job.ID, URL: url, Body: []byte("ok"), Success: true}, nil
}

type fakeSelector struct {
	agent crawl.Agent
	err   error
}

func (s *fakeSelector) GetAgent(context.Context, crawl.Job) (crawl.Agent, error) {
	return s.agent, s.err
}

type fakeQuota struct {
	mu       sync.Mutex
	allow    bool
	deducted int64
	jobID    string
}

func (q *fakeQuota) CheckQuota(context.Context, string, int64) bool { return q.allow }

func (q *fakeQuota) Deduct(_ context.Context, _ string, units int64, jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deducted += units
	q.jobID = jobID
}

type fakeResults struct {
	mu      sync.Mutex
	results []crawl.Result
}

func (r *fakeResults) Record(_ context.Context, result crawl.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}

func (r *fakeResults) ListByJob(context.Context, string) ([]crawl.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]crawl.Result(nil), r.results...), nil
}

type fakeBlobs struct {
	mu   sync.Mutex
	puts map[string][]byte
	err  error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{puts: make(map[string][]byte)}
}

func (b *fakeBlobs) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.puts[path] = append([]byte(nil), data...)
	return "mem://" + path, nil
}

func testJob(urls ...string) crawl.Job {
	return crawl.Job{
		ID:         "job-1",
		UserID:     "user-1",
		URLs:       urls,
		MaxRetries: 3,
		Status:     crawl.JobStatusRunning,
	}
}

func newTestWorker(sched *fakeScheduler, sel AgentSelector, fallback crawl.Agent, quota QuotaGate, results *fakeResults, blobs *fakeBlobs) *Worker {
	return New(sched, sel, fallback, quota, results, blobs, stubHasher{},
		stubClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		Config{PollInterval: time.Millisecond, BlobPrefix: "crawls"}, zap.NewNop())
}

func TestProcessJobHappyPath(t *testing.T) {
	t.Parallel()

	sched := newFakeScheduler()
	quota := &fakeQuota{allow: true}
	results := &fakeResults{}
	blobs := newFakeBlobs()
	agent := &fakeAgent{kind: crawl.CrawlerHTTP}
	w := newTestWorker(sched, &fakeSelector{agent: agent}, nil, quota, results, blobs)

	w.processJob(context.Background(), testJob("https://a.example.com", "https://b.example.com"))

	require.Equal(t, []string{"job-1"}, sched.completed)
	require.Len(t, results.results, 2)
	require.Len(t, blobs.puts, 1) // identical bodies share a hash path
	require.Equal(t, int64(2), quota.deducted)
	require.Equal(t, "job-1", quota.jobID)
	for _, res := range results.results {
		require.True(t, res.Success)
		require.NotEmpty(t, res.BlobURI)
	}
}

func TestProcessJobQuotaExhaustedIsTerminal(t *testing.T) {
	t.Parallel()

	sched := newFakeScheduler()
	w := newTestWorker(sched, &fakeSelector{agent: &fakeAgent{}}, nil, &fakeQuota{allow: false}, &fakeResults{}, newFakeBlobs())

	w.processJob(context.Background(), testJob("https://a.example.com"))

	require.Equal(t, "quota exhausted", sched.failed["job-1"])
	require.False(t, sched.retryable["job-1"])
}

func TestProcessJobPartialFailureStillCompletes(t *testing.T) {
	t.Parallel()

	sched := newFakeScheduler()
	results := &fakeResults{}
	agent := &fakeAgent{execute: func(url string) (crawl.Result, error) {
		if url == "https://bad.example.com" {
			return crawl.Result{}, crawl.NewRetryable("http fetch", errors.New("503"))
		}
		return crawl.Result{JobID: "job-1", URL: url, Body: []byte("ok"), Success: true}, nil
	}}
	quota := &fakeQuota{allow: true}
	w := newTestWorker(sched, &fakeSelector{agent: agent}, nil, quota, results, newFakeBlobs())

	w.processJob(context.Background(), testJob("https://good.example.com", "https://bad.example.com"))

	require.Equal(t, []string{"job-1"}, sched.completed)
	require.Empty(t, sched.failed)
	require.Len(t, results.results, 2)
	require.Equal(t, int64(1), quota.deducted)
}

func TestProcessJobAllFailedFailsRetryable(t *testing.T) {
	t.Parallel()

	sched := newFakeScheduler()
	agent := &fakeAgent{execute: func(string) (crawl.Result, error) {
		return crawl.Result{}, crawl.NewRetryable("http fetch", errors.New("timeout"))
	}}
	w := newTestWorker(sched, &fakeSelector{agent: agent}, nil, &fakeQuota{allow: true}, &fakeResults{}, newFakeBlobs())

	w.processJob(context.Background(), testJob("https://a.example.com"))

	require.NotEmpty(t, sched.failed["job-1"])
	require.True(t, sched.retryable["job-1"])
}

func TestProcessJobStructuralFailureNotRetryable(t *testing.T) {
	t.Parallel()

	sched := newFakeScheduler()
	agent := &fakeAgent{execute: func(string) (crawl.Result, error) {
		return crawl.Result{}, crawl.NewStructural("http fetch", errors.New("404"))
	}}
	w := newTestWorker(sched, &fakeSelector{agent: agent}, nil, &fakeQuota{allow: true}, &fakeResults{}, newFakeBlobs())

	w.processJob(context.Background(), testJob("https://a.example.com"))

	require.False(t, sched.retryable["job-1"])
}

func TestProcessJobCancelledContext(t *testing.T) {
	t.Parallel()

	sched := newFakeScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	agent := &fakeAgent{execute: func(string) (crawl.Result, error) {
		cancel()
		return crawl.Result{JobID: "job-1", Body: []byte("ok"), Success: true}, nil
	}}
	w := newTestWorker(sched, &fakeSelector{agent: agent}, nil, &fakeQuota{allow: true}, &fakeResults{}, newFakeBlobs())

	w.processJob(ctx, testJob("https://a.example.com", "https://b.example.com"))

	require.Equal(t, []string{"job-1"}, sched.cancelled)
	require.Empty(t, sched.completed)
}

func TestProcessJobFallbackAgentWhenNoMatch(t *testing.T) {
	t.Parallel()

	sched := newFakeScheduler()
	fallback := &fakeAgent{kind: crawl.CrawlerHTTP}
	w := newTestWorker(sched, &fakeSelector{agent: nil}, fallback, &fakeQuota{allow: true}, &fakeResults{}, newFakeBlobs())

	w.processJob(context.Background(), testJob("https://a.example.com"))

	require.Equal(t, []string{"job-1"}, sched.completed)
}

func TestProcessJobSelectorErrorRetryable(t *testing.T) {
	t.Parallel()

	sched := newFakeScheduler()
	w := newTestWorker(sched, &fakeSelector{err: errors.New("template store down")}, nil, &fakeQuota{allow: true}, &fakeResults{}, newFakeBlobs())

	w.processJob(context.Background(), testJob("https://a.example.com"))

	require.Contains(t, sched.failed["job-1"], "agent selection")
	require.True(t, sched.retryable["job-1"])
}

func TestProcessJobSelectorStructuralErrorIsTerminal(t *testing.T) {
	t.Parallel()

	sched := newFakeScheduler()
	selErr := crawl.NewStructural("load template", errors.New("template tpl-gone: record not found"))
	w := newTestWorker(sched, &fakeSelector{err: selErr}, nil, &fakeQuota{allow: true}, &fakeResults{}, newFakeBlobs())

	w.processJob(context.Background(), testJob("https://a.example.com"))

	require.Contains(t, sched.failed["job-1"], "agent selection")
	require.False(t, sched.retryable["job-1"])
}

func TestProcessJobBlobFailureCountsAsURLFailure(t *testing.T) {
	t.Parallel()

	sched := newFakeScheduler()
	blobs := newFakeBlobs()
	blobs.err = errors.New("bucket unavailable")
	w := newTestWorker(sched, &fakeSelector{agent: &fakeAgent{}}, nil, &fakeQuota{allow: true}, &fakeResults{}, blobs)

	w.processJob(context.Background(), testJob("https://a.example.com"))

	require.NotEmpty(t, sched.failed["job-1"])
}

func TestRunDrainsQueueUntilCancelled(t *testing.T) {
	t.Parallel()

	sched := newFakeScheduler(testJob("https://a.example.com"))
	w := newTestWorker(sched, &fakeSelector{agent: &fakeAgent{}}, nil, &fakeQuota{allow: true}, &fakeResults{}, newFakeBlobs())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return len(sched.completed) == 1
	}, time.Second, 5*time.Millisecond)
}
