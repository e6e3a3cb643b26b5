// Package storage selects the artifact backend for automation screenshots.
package storage

import (
	"context"
	"fmt"

	"github.com/itpcc/deka-supremecourt/internal/config"
	"github.com/itpcc/deka-supremecourt/internal/deka"
	"github.com/itpcc/deka-supremecourt/internal/storage/gcs"
	"github.com/itpcc/deka-supremecourt/internal/storage/local"
	"github.com/itpcc/deka-supremecourt/internal/storage/memory"
)

// Open builds the configured backend. The returned close function is never
// nil.
func Open(ctx context.Context, cfg config.StorageConfig) (deka.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "", config.StorageMemory:
		return memory.NewBlobStore(), noop, nil
	case config.StorageLocal:
		store, err := local.New(local.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, noop, fmt.Errorf("open local storage: %w", err)
		}
		return store, noop, nil
	case config.StorageGCS:
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, noop, fmt.Errorf("open gcs storage: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
