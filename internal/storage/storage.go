// Package storage abstracts where prepared avatar bundles live. Bundle
// artifacts are addressed by forward-slash paths of the form
// "<identity>/<artifact>", so one identity maps to one prefix.
package storage

import (
	"context"
	"io"
)

// FileStore is a minimal interface for file-oriented storage.
// Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens the named file for reading.
	// If the file does not exist, an error wrapping os.ErrNotExist is returned.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write opens the named file for writing, truncating any existing file.
	// The caller must close the returned WriteCloser to flush data.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Exists reports whether the named file exists.
	Exists(ctx context.Context, path string) (bool, error)

	// DeleteAll removes every file under prefix. Missing prefixes are not an error.
	DeleteAll(ctx context.Context, prefix string) error

	// URI describes the store root, e.g. "file:///data/avatars" or "s3://bucket/prefix".
	URI() string
}
