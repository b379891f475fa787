// Package blobstore abstracts binary object storage for routed payloads.
package blobstore

import (
	"context"
)

// BlobStore abstracts raw object I/O. Keys are deterministic paths built
// by the router, so a Put retried with the same key and data is a no-op.
type BlobStore interface {
	// Put writes data to the given key. Writing the same key twice is
	// idempotent; the second write is ignored.
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves data for the given key.
	// Returns errors.ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object at the given key.
	// Returns errors.ErrNotFound if the key does not exist.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks whether an object exists at the given key.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases resources held by the store.
	Close() error
}
