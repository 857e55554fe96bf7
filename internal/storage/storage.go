// Package storage persists a derived image somewhere the user keeps it:
// a local pictures directory or an S3-compatible bucket.
package storage

import (
	"context"
	"fmt"

	"pngoptimiser-go/internal/config"
)

// SaveResult describes where a file was persisted.
type SaveResult struct {
	// Location is a filesystem path or an s3:// URI.
	Location string
	Name     string
	Size     int64
	ETag     string
}

// Saver persists the file at path under the given name.
type Saver interface {
	Save(ctx context.Context, path, name string) (*SaveResult, error)
}

// New returns the Saver selected by the storage configuration.
func New(ctx context.Context, cfg config.StorageConfig) (Saver, error) {
	switch cfg.Backend {
	case "", config.StorageBackendLocal:
		return NewLocal(cfg.LocalDirectory), nil
	case config.StorageBackendS3:
		return NewS3FromConfig(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
