package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStorage defines the blob store consumed by the orchestrator: input
// payloads go in at submission, full result sets come out at completion,
// and both are deleted on job expiry.
type ObjectStorage interface {
	// Upload stores an object under key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens an object for reading.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the keys under a prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// PresignGet returns a time-limited URL for direct object retrieval.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}
