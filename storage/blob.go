// Package storage holds Binary resource payloads outside the relational
// store: a local-filesystem backend for development and an S3-compatible
// backend for deployments.
package storage

import (
	"context"
	"fmt"

	"github.com/vitalbase/vitalbase/config"
	"github.com/vitalbase/vitalbase/fhir"
)

// Blob is one stored payload.
type Blob struct {
	Data        []byte
	ContentType string
}

// BlobStore persists raw Binary payloads keyed by resource id.
type BlobStore interface {
	Put(ctx context.Context, id string, blob Blob) error
	Get(ctx context.Context, id string) (*Blob, error)
	Delete(ctx context.Context, id string) error
}

// New builds the configured blob store backend.
func New(ctx context.Context, cfg config.StorageConfig) (BlobStore, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.Path)
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// notFound is the shared missing-payload error, aligned with the resource
// error taxonomy.
func notFound(id string) error {
	return fhir.NotFound("Binary", id)
}
