package easytsdb

import "context"

// RemoteBackend stores backup archives outside the local filesystem, in S3
// or any S3-compatible object store. All operations are blocking and take a
// context for cancellation.
type RemoteBackend interface {
	// Read reads an archive by key.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write uploads an archive.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes an archive.
	Delete(ctx context.Context, key string) error

	// List returns all archive keys matching a prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks whether an archive exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources.
	Close() error
}
