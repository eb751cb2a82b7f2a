package crawl

import (
	"context"
	"time"
)

// Agent executes crawl work for a class of targets. Implementations are
// selected by the agent factory; CanHandle probes must be side-effect free
// and honor ctx cancellation.
type Agent interface {
	Kind() CrawlerType
	CanHandle(ctx context.Context, url string) bool
	Execute(ctx context.Context, job Job, url string) (Result, error)
}

// BlobStore writes raw fetched payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and message IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
