// Package progress defines the status/log events broadcast for crawl jobs.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageStatusChanged Stage = "STATUS_CHANGED"
	StageLogLine       Stage = "LOG_LINE"
	StageURLDone       Stage = "URL_DONE"
)

// Event captures one job status change or log line pushed to subscribers.
// Delivery is best-effort: late subscribers get no replay.
type Event struct {
	// JobID identifies the job the event belongs to.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Status carries the new job status for STATUS_CHANGED events.
	Status string
	// URL optionally scopes URL_DONE events.
	URL string
	// Bytes carries the payload size delta for URL_DONE events.
	Bytes int64
	// Success flags the URL outcome for URL_DONE events.
	Success bool
	// Message lets emitters attach human-readable context.
	Message string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageStatusChanged:
		if e.Status == "" {
			return errors.New("status change requires status")
		}
	case StageLogLine:
		if e.Message == "" {
			return errors.New("log line requires message")
		}
	case StageURLDone:
		if e.URL == "" {
			return errors.New("url done requires url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}
