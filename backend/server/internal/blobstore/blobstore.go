// Package blobstore holds the original bytes of ingested assets. Keys are content addressed
// (see shared.StoragePath), so writing the same key twice is harmless.
//   - LocalStore: a directory on the server's filesystem (default)
//   - S3Store: an S3 or S3-compatible bucket
package blobstore

import (
	"context"
	"fmt"
	"io"
)

type Store interface {
	// Put stores size bytes from r under key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Exists reports whether key is already stored.
	Exists(ctx context.Context, key string) (bool, error)

	// Ping checks that the store is reachable and writable.
	Ping(ctx context.Context) error

	// Type returns the store type identifier ("local" or "s3").
	Type() string
}

type StoreType string

const (
	StoreTypeLocal StoreType = "local"
	StoreTypeS3    StoreType = "s3"
)

type Config struct {
	// Type is either "local" (default) or "s3"
	Type string `json:"type"`

	// LocalPath is the root directory for the local store
	LocalPath string `json:"local_path"`

	// S3 configuration (only used when Type is "s3")
	S3 S3Config `json:"s3"`
}

func NewFromConfig(ctx context.Context, cfg Config) (Store, error) {
	switch StoreType(cfg.Type) {
	case StoreTypeS3:
		return NewS3Store(ctx, &cfg.S3)
	case StoreTypeLocal, "":
		return NewLocalStore(cfg.LocalPath)
	default:
		return nil, fmt.Errorf("unknown blob store type: %q", cfg.Type)
	}
}
