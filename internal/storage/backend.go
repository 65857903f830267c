package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get for a missing object.
var ErrNotFound = errors.New("object not found")

// Backend abstracts object storage. Implemented by local FS and S3.
type Backend interface {
	// Put stores data at key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the object at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Options selects and configures a backend.
type Options struct {
	Driver string // "local" or "s3"
	Path   string
	S3     S3Config
}

// Open returns the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Driver {
	case "", "local":
		return NewLocalBackend(opts.Path)
	case "s3":
		return NewS3Backend(ctx, opts.S3)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", opts.Driver)
	}
}
