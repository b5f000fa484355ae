package storage

import (
	"context"
	"io"
)

// Store is a backend for uploaded attachments, addressed by relative path.
type Store interface {
	Save(ctx context.Context, path string, reader io.Reader) (int64, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}
