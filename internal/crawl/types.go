// Package crawl defines core types shared across subsystems.
package crawl

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// CrawlerType selects the agent family a job should run on.
type CrawlerType string

// Supported crawler types. Auto defers the choice to URL sniffing.
const (
	CrawlerHTTP     CrawlerType = "http"
	CrawlerBrowser  CrawlerType = "browser"
	CrawlerProvider CrawlerType = "provider_api"
	CrawlerMobile   CrawlerType = "mobile_automation"
	CrawlerAuto     CrawlerType = "auto"
)

// Job represents the metadata persisted for each submitted crawl request.
type Job struct {
	ID            string      `json:"id"`
	UserID        string      `json:"user_id"`
	URLs          []string    `json:"urls"`
	CrawlerType   CrawlerType `json:"crawler_type"`
	TemplateID    string      `json:"template_id,omitempty"`
	Priority      int         `json:"priority"`
	Status        JobStatus   `json:"status"`
	Counters      JobCounters `json:"counters"`
	RetryCount    int         `json:"retry_count"`
	MaxRetries    int         `json:"max_retries"`
	NextAttemptAt *time.Time  `json:"next_attempt_at,omitempty"`
	ErrorText     string      `json:"error_text,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// Terminal reports whether the status can never be left again. Failed is
// terminal only once the retry budget is exhausted, which the job knows.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCancelled:
		return true
	case JobStatusFailed:
		return j.RetryCount >= j.MaxRetries
	default:
		return false
	}
}

// JobCounters tracks per-URL outcome stats for a job. Processed is always the
// sum of Succeeded and Failed.
type JobCounters struct {
	URLsProcessed int   `json:"urls_processed"`
	URLsSucceeded int   `json:"urls_succeeded"`
	URLsFailed    int   `json:"urls_failed"`
	ContentBytes  int64 `json:"content_bytes"`
}

// Result is the write-once outcome of crawling one URL within a job.
type Result struct {
	JobID        string          `json:"job_id"`
	URL          string          `json:"url"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Body         []byte          `json:"-"`
	BlobURI      string          `json:"blob_uri,omitempty"`
	ResponseTime time.Duration   `json:"response_time"`
	Success      bool            `json:"success"`
	ErrorText    string          `json:"error_text,omitempty"`
	FetchedAt    time.Time       `json:"fetched_at"`
}

// AgentStatus describes the health of a registered agent instance.
type AgentStatus string

// Agent health states reported via heartbeats.
const (
	AgentActive    AgentStatus = "active"
	AgentUnhealthy AgentStatus = "unhealthy"
	AgentOffline   AgentStatus = "offline"
)

// AgentRecord is the registration/health row for a worker agent instance.
type AgentRecord struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Status        AgentStatus `json:"status"`
	ActiveJobs    int         `json:"active_jobs"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

// OutboxMessage is the at-least-once delivery envelope for a domain event.
type OutboxMessage struct {
	ID          string     `json:"id"`
	EventType   string     `json:"event_type"`
	Payload     []byte     `json:"payload"`
	OccurredAt  time.Time  `json:"occurred_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Eligible reports whether the message may be (re)delivered at now.
func (m OutboxMessage) Eligible(now time.Time) bool {
	if m.ProcessedAt != nil {
		return false
	}
	if m.RetryCount >= m.MaxRetries {
		return false
	}
	return m.NextRetryAt == nil || !m.NextRetryAt.After(now)
}

// QuotaInfo mirrors the external quota ledger for one user. It is a hint:
// the authority remains the source of truth.
type QuotaInfo struct {
	Remaining int64     `json:"remaining"`
	Total     int64     `json:"total"`
	Plan      string    `json:"plan"`
	ResetDate time.Time `json:"reset_date"`
	UpdatedAt time.Time `json:"updated_at"`
}
