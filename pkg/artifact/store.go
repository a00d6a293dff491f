// Package artifact collects the files produced by pipeline stages and
// publishes them to an artifact store.
//
// Stores are opaque to the orchestrator: they accept an object key, the
// artifact bytes and metadata, and report success or failure.
package artifact

import (
	"context"
	"io"
)

// Provider identifies an artifact store implementation.
type Provider string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 Provider = "s3"

	// ProviderFile represents a local directory.
	ProviderFile Provider = "file"
)

// String returns the string representation of the provider type.
func (p Provider) String() string {
	return string(p)
}

// Object describes an artifact being written.
type Object struct {
	// Key is the full object key, including any store prefix.
	Key string

	// Size is the content length in bytes.
	Size int64

	// ContentType is the MIME type, if known.
	ContentType string

	// Metadata is attached to the stored object.
	Metadata map[string]string
}

// Store accepts artifacts.
//
// Implementations must be safe for concurrent use: jobs publish in parallel.
type Store interface {
	// Put writes body under obj.Key, replacing any existing object.
	Put(ctx context.Context, obj Object, body io.Reader) error

	// Close releases resources held by the store.
	Close() error
}
