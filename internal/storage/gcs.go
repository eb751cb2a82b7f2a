// Package storage provides blob stores for raw crawl payloads.
package storage

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// GCSStore stores crawl payloads in a Google Cloud Storage bucket.
// Authentication comes from Application Default Credentials.
type GCSStore struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

// NewGCSStore initializes the client and verifies bucket access so a bad
// configuration fails at startup, not on the first crawl.
func NewGCSStore(ctx context.Context, bucket string, logger *zap.Logger) (*GCSStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close gcs client after attrs failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("access gcs bucket %q: %w", bucket, err)
	}
	return &GCSStore{client: client, bucket: bucket, logger: logger}, nil
}

// PutObject uploads data and returns the object's gs:// URI.
func (s *GCSStore) PutObject(ctx context.Context, objectName string, contentType string, data []byte) (string, error) {
	wc := s.client.Bucket(s.bucket).Object(objectName).NewWriter(ctx)
	if contentType != "" {
		wc.ContentType = contentType
	}
	if _, err := wc.Write(data); err != nil {
		if closeErr := wc.Close(); closeErr != nil {
			s.logger.Warn("close gcs writer after write failure", zap.Error(closeErr))
		}
		return "", fmt.Errorf("write gcs object %s: %w", objectName, err)
	}
	// Close finalizes the upload; the object does not exist until it returns.
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("finalize gcs object %s: %w", objectName, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, objectName), nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
