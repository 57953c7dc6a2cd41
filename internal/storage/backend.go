// Package storage defines the Backend interface for object storage and the
// pieces shared by its implementations: error classification, chunked batch
// deletes, instrumentation and signed links.
package storage

import (
	"context"
	"io"
	"time"
)

// MaxBatchSize is the largest number of keys sent in one batch delete call.
const MaxBatchSize = 1000

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// IsFolder reports whether the object is a folder marker.
func (o ObjectInfo) IsFolder() bool {
	return len(o.Key) > 0 && o.Key[len(o.Key)-1] == '/'
}

// Listing is the result of a one-level listing under a folder prefix.
// Objects excludes the prefix's own marker and anything nested deeper;
// Prefixes holds the immediate child folder keys.
type Listing struct {
	Prefixes []string
	Objects  []ObjectInfo
}

// Backend is the interface for object storage backends.
// Implementations handle raw object I/O (S3-compatible stores, local
// filesystem). Records are handled separately by metadata.Store.
//
// Keys ending in "/" are folder markers. Every call is bounded by the
// backend's per-operation timeout.
type Backend interface {
	// Put uploads body to key. A folder key creates an empty marker.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// Get opens the object at key. Missing objects yield ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes one object. Deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error

	// DeleteBatch removes many objects in chunks of at most MaxBatchSize and
	// reports a per-key outcome. A failing key or chunk never stops the rest.
	DeleteBatch(ctx context.Context, keys []string) (map[string]bool, error)

	// Copy duplicates srcKey at dstKey.
	Copy(ctx context.Context, srcKey, dstKey string) error

	// List returns the immediate children of a folder prefix.
	List(ctx context.Context, prefix string) (*Listing, error)

	// Walk visits every object under prefix recursively, one page at a time.
	Walk(ctx context.Context, prefix string, fn func([]ObjectInfo) error) error

	// Exists checks if an object exists at key.
	Exists(ctx context.Context, key string) (bool, error)

	// Size returns the byte size of the object at key and whether it exists.
	Size(ctx context.Context, key string) (int64, bool, error)

	// PresignedURL returns a time-limited download link for key.
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
