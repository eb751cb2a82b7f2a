// Package sinks provides Sink implementations for the progress hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/crawlgrid/crawlgrid/internal/progress"
)

// Log writes progress events to a zap logger. Useful in development and as
// a durable trace of status transitions.
type Log struct {
	logger *zap.Logger
}

// NewLog builds a Log sink.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Consume logs every event in the batch.
func (s *Log) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.logger.Info("job progress",
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.String("status", evt.Status),
			zap.String("url", evt.URL),
			zap.String("message", evt.Message),
			zap.Time("ts", evt.TS),
		)
	}
	return nil
}

// Close is a no-op for the log sink.
func (s *Log) Close(context.Context) error {
	return nil
}
