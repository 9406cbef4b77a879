// Package bundlestore abstracts the object store holding bundle payloads.
// Bundles are immutable and content-addressed: the URL/hash pair is a
// complete identity.
package bundlestore

import (
	"context"
	"io"
)

type Store interface {
	// Open returns the bundle bytes for an opaque bundle URL handle.
	Open(ctx context.Context, url string) (io.ReadCloser, error)
	// Put stores bundle bytes and returns the handle to retrieve them.
	Put(ctx context.Context, hash string, r io.Reader) (string, error)
}
