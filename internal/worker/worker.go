// Package worker implements the crawl job execution loop.
package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
	"github.com/crawlgrid/crawlgrid/internal/store"
	"github.com/crawlgrid/crawlgrid/internal/telemetry"
)

// Scheduler is the job lifecycle surface the worker drives.
type Scheduler interface {
	NextJob(ctx context.Context) (crawl.Job, bool, error)
	ApplyResult(ctx context.Context, jobID string, result crawl.Result) error
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, errText string, retryable bool) error
	Cancel(ctx context.Context, jobID string) error
}

// AgentSelector picks the agent for a job; (nil, nil) means no specialized
// agent matched and the worker falls back to its default executor.
type AgentSelector interface {
	GetAgent(ctx context.Context, job crawl.Job) (crawl.Agent, error)
}

// QuotaGate admits jobs against the user's crawl quota.
type QuotaGate interface {
	CheckQuota(ctx context.Context, userID string, requiredUnits int64) bool
	Deduct(ctx context.Context, userID string, units int64, jobID string)
}

// Config controls Worker behavior.
type Config struct {
	PollInterval time.Duration
	BlobPrefix   string
	ContentType  string
}

// Worker claims jobs and runs the crawl pipeline: quota gate, agent
// selection, per-URL execution, blob persistence, counter updates, final
// status.
type Worker struct {
	scheduler Scheduler
	agents    AgentSelector
	fallback  crawl.Agent
	quota     QuotaGate
	results   store.ResultRepository
	blobs     crawl.BlobStore
	hasher    crawl.Hasher
	clock     crawl.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	scheduler Scheduler,
	agents AgentSelector,
	fallback crawl.Agent,
	quota QuotaGate,
	results store.ResultRepository,
	blobs crawl.BlobStore,
	hasher crawl.Hasher,
	clock crawl.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &Worker{
		scheduler: scheduler,
		agents:    agents,
		fallback:  fallback,
		quota:     quota,
		results:   results,
		blobs:     blobs,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run polls for jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := w.scheduler.NextJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim job failed", zap.Error(err))
			w.sleep(ctx)
			continue
		}
		if !ok {
			w.sleep(ctx)
			continue
		}
		w.logger.Debug("claimed job", zap.String("job_id", job.ID))
		w.processJob(ctx, job)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (w *Worker) processJob(ctx context.Context, job crawl.Job) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	required := int64(len(job.URLs))
	if w.quota != nil && !w.quota.CheckQuota(ctx, job.UserID, required) {
		// Quota exhaustion is terminal: retrying will not grow the budget.
		w.fail(ctx, job.ID, "quota exhausted", false)
		return
	}

	agent, err := w.selectAgent(ctx, job)
	if err != nil {
		// Infra errors (template store down) stay retryable; a structurally
		// bad job (dangling template reference) must not burn the budget.
		w.fail(ctx, job.ID, fmt.Sprintf("agent selection: %v", err), crawl.Retryable(err))
		return
	}
	if agent == nil {
		w.fail(ctx, job.ID, "no agent available for job", false)
		return
	}

	var (
		succeeded int
		lastErr   error
	)
	for _, url := range job.URLs {
		if ctx.Err() != nil {
			break
		}
		if err := w.handleURL(ctx, agent, job, url); err != nil {
			lastErr = err
			w.logger.Warn("url crawl failed",
				zap.String("job_id", job.ID),
				zap.String("url", url),
				zap.Error(err))
			continue
		}
		succeeded++
	}

	if w.quota != nil && succeeded > 0 {
		w.quota.Deduct(ctx, job.UserID, int64(succeeded), job.ID)
	}

	w.finish(ctx, job, succeeded, lastErr)
}

func (w *Worker) selectAgent(ctx context.Context, job crawl.Job) (crawl.Agent, error) {
	if w.agents == nil {
		return w.fallback, nil
	}
	agent, err := w.agents.GetAgent(ctx, job)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		agent = w.fallback
	}
	return agent, nil
}

// handleURL executes one URL and persists the outcome. Failed attempts are
// recorded too: a result row exists for every URL the job touched.
func (w *Worker) handleURL(ctx context.Context, agent crawl.Agent, job crawl.Job, url string) error {
	urlCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result, err := agent.Execute(urlCtx, job, url)
	if err != nil {
		failure := crawl.Result{
			JobID:     job.ID,
			URL:       url,
			Success:   false,
			ErrorText: err.Error(),
			FetchedAt: w.clock.Now(),
		}
		w.record(ctx, job.ID, failure)
		return err
	}

	if w.blobs != nil && len(result.Body) > 0 {
		uri, err := w.persistBody(ctx, job.ID, result.Body)
		if err != nil {
			result.Success = false
			result.ErrorText = err.Error()
			w.record(ctx, job.ID, result)
			return err
		}
		result.BlobURI = uri
	}

	w.record(ctx, job.ID, result)
	return nil
}

func (w *Worker) persistBody(ctx context.Context, jobID string, body []byte) (string, error) {
	hash, err := w.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash body: %w", err)
	}
	uri, err := w.blobs.PutObject(ctx, w.blobPath(jobID, hash), w.cfg.ContentType, body)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

func (w *Worker) blobPath(jobID, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

func (w *Worker) record(ctx context.Context, jobID string, result crawl.Result) {
	if err := w.results.Record(ctx, result); err != nil {
		w.logger.Error("record result failed",
			zap.String("job_id", jobID),
			zap.String("url", result.URL),
			zap.Error(err))
	}
	if err := w.scheduler.ApplyResult(ctx, jobID, result); err != nil {
		w.logger.Error("apply result failed",
			zap.String("job_id", jobID),
			zap.String("url", result.URL),
			zap.Error(err))
	}
}

// finish derives the terminal outcome. Partial failure is still success;
// only a job with zero successful URLs fails, and cancellation wins over
// both.
func (w *Worker) finish(ctx context.Context, job crawl.Job, succeeded int, lastErr error) {
	// Status writes happen on a fresh context: the job context may already
	// be cancelled and the final state must still land.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case ctx.Err() != nil:
		if err := w.scheduler.Cancel(finishCtx, job.ID); err != nil {
			w.logger.Error("cancel job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	case succeeded == 0:
		errText := "no urls were crawled"
		retryable := true
		if lastErr != nil {
			errText = lastErr.Error()
			retryable = crawl.Retryable(lastErr)
		}
		w.fail(finishCtx, job.ID, errText, retryable)
	default:
		if err := w.scheduler.Complete(finishCtx, job.ID); err != nil {
			w.logger.Error("complete job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func (w *Worker) fail(ctx context.Context, jobID, errText string, retryable bool) {
	if err := w.scheduler.Fail(ctx, jobID, errText, retryable); err != nil {
		w.logger.Error("fail job status update failed",
			zap.String("job_id", jobID), zap.Error(err))
	}
}
