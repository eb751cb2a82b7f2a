// Package health tracks agent liveness, queue depth, and job progress.
package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crawlgrid/crawlgrid/internal/crawl"
	"github.com/crawlgrid/crawlgrid/internal/store"
	"github.com/crawlgrid/crawlgrid/internal/telemetry"
)

// Config tunes staleness thresholds and the sampling interval.
type Config struct {
	HeartbeatInterval  time.Duration
	UnhealthyThreshold time.Duration
	OfflineThreshold   time.Duration
	SampleInterval     time.Duration
}

// Monitor reports agent health from heartbeats and keeps the queue depth
// gauge current.
type Monitor struct {
	agents store.AgentRepository
	jobs   store.JobRepository
	clock  crawl.Clock
	logger *zap.Logger
	cfg    Config
}

// New constructs a Monitor.
func New(agents store.AgentRepository, jobs store.JobRepository, clock crawl.Clock, cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3 * cfg.HeartbeatInterval
	}
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = 10 * cfg.HeartbeatInterval
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 30 * time.Second
	}
	return &Monitor{
		agents: agents,
		jobs:   jobs,
		clock:  clock,
		logger: logger,
		cfg:    cfg,
	}
}

// Heartbeat records this instance's liveness and current load.
func (m *Monitor) Heartbeat(ctx context.Context, agentID, name string, activeJobs int) error {
	rec := crawl.AgentRecord{
		ID:            agentID,
		Name:          name,
		Status:        crawl.AgentActive,
		ActiveJobs:    activeJobs,
		LastHeartbeat: m.clock.Now(),
	}
	if err := m.agents.UpsertHeartbeat(ctx, rec); err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// AgentHealth lists registered agents with staleness-derived status: a
// heartbeat older than the unhealthy threshold degrades the agent, older
// than the offline threshold marks it offline.
func (m *Monitor) AgentHealth(ctx context.Context) ([]crawl.AgentRecord, error) {
	recs, err := m.agents.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	now := m.clock.Now()
	for i := range recs {
		age := now.Sub(recs[i].LastHeartbeat)
		switch {
		case age >= m.cfg.OfflineThreshold:
			recs[i].Status = crawl.AgentOffline
		case age >= m.cfg.UnhealthyThreshold:
			recs[i].Status = crawl.AgentUnhealthy
		default:
			recs[i].Status = crawl.AgentActive
		}
	}
	return recs, nil
}

// JobProgress summarizes completion for one job, with a naive ETA from the
// observed processing rate.
type JobProgress struct {
	JobID         string          `json:"job_id"`
	Status        crawl.JobStatus `json:"status"`
	URLsTotal     int             `json:"urls_total"`
	URLsProcessed int             `json:"urls_processed"`
	URLsSucceeded int             `json:"urls_succeeded"`
	URLsFailed    int             `json:"urls_failed"`
	PercentDone   float64         `json:"percent_done"`
	EstimatedLeft time.Duration   `json:"estimated_left,omitempty"`
}

// Progress computes the progress view for a job.
func (m *Monitor) Progress(ctx context.Context, jobID string) (JobProgress, error) {
	job, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return JobProgress{}, fmt.Errorf("load job: %w", err)
	}
	p := JobProgress{
		JobID:         job.ID,
		Status:        job.Status,
		URLsTotal:     len(job.URLs),
		URLsProcessed: job.Counters.URLsProcessed,
		URLsSucceeded: job.Counters.URLsSucceeded,
		URLsFailed:    job.Counters.URLsFailed,
	}
	if p.URLsTotal > 0 {
		p.PercentDone = float64(p.URLsProcessed) / float64(p.URLsTotal) * 100
	}
	if job.StartedAt != nil && p.URLsProcessed > 0 && p.URLsProcessed < p.URLsTotal {
		elapsed := m.clock.Now().Sub(*job.StartedAt)
		perURL := elapsed / time.Duration(p.URLsProcessed)
		p.EstimatedLeft = perURL * time.Duration(p.URLsTotal-p.URLsProcessed)
	}
	return p, nil
}

// Run samples the queue depth on an interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := m.jobs.QueueLength(ctx, nil)
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Error("sample queue depth failed", zap.Error(err))
				}
				continue
			}
			telemetry.SetQueueDepth(depth)
		}
	}
}
