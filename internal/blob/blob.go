// Package blob defines the object storage abstraction backing the response
// cache and media archive.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by GetObject when no object exists at the
// given path.
var ErrObjectNotFound = errors.New("blob: object not found")

// Store reads and writes raw artifacts addressed by path.
type Store interface {
	// PutObject persists data at path and returns a backend URI.
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	// GetObject returns the content stored at path, or ErrObjectNotFound.
	GetObject(ctx context.Context, path string) ([]byte, error)
}
