package sinks

import (
	"context"

	"github.com/crawlgrid/crawlgrid/internal/progress"
	"github.com/crawlgrid/crawlgrid/internal/telemetry"
)

// Prometheus feeds progress events into the shared telemetry collectors.
type Prometheus struct{}

// NewPrometheus builds a Prometheus sink.
func NewPrometheus() *Prometheus {
	return &Prometheus{}
}

// Consume records counters for status changes and URL completions.
func (s *Prometheus) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageStatusChanged:
			telemetry.ObserveJob(evt.Status)
		case progress.StageURLDone:
			telemetry.ObserveURL(evt.URL, evt.Success, evt.Bytes)
		}
	}
	return nil
}

// Close is a no-op for the Prometheus sink.
func (s *Prometheus) Close(context.Context) error {
	return nil
}
