package storage

import (
	"context"
	"io"
	"time"

	"github.com/fruitsalade/assetspace/internal/metrics"
)

// instrumented records prometheus metrics around every call of a Backend.
type instrumented struct {
	next Backend
	name string
}

// Instrument wraps b so that every call is counted and timed.
func Instrument(b Backend) Backend {
	if _, ok := b.(*instrumented); ok {
		return b
	}
	return &instrumented{next: b, name: b.Type()}
}

// Unwrap returns the wrapped backend.
func (i *instrumented) Unwrap() Backend { return i.next }

func (i *instrumented) observe(op string, start time.Time, err error) {
	metrics.RecordStorageOp(i.name, op, err, time.Since(start))
}

func (i *instrumented) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	start := time.Now()
	err := i.next.Put(ctx, key, body, size, contentType)
	i.observe("put", start, err)
	if err == nil {
		metrics.RecordUploadBytes(size)
	}
	return err
}

func (i *instrumented) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := i.next.Get(ctx, key)
	i.observe("get", start, err)
	return rc, err
}

func (i *instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.next.Delete(ctx, key)
	i.observe("delete", start, err)
	return err
}

func (i *instrumented) DeleteBatch(ctx context.Context, keys []string) (map[string]bool, error) {
	start := time.Now()
	res, err := i.next.DeleteBatch(ctx, keys)
	i.observe("delete_batch", start, err)
	return res, err
}

func (i *instrumented) Copy(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()
	err := i.next.Copy(ctx, srcKey, dstKey)
	i.observe("copy", start, err)
	return err
}

func (i *instrumented) List(ctx context.Context, prefix string) (*Listing, error) {
	start := time.Now()
	l, err := i.next.List(ctx, prefix)
	i.observe("list", start, err)
	return l, err
}

func (i *instrumented) Walk(ctx context.Context, prefix string, fn func([]ObjectInfo) error) error {
	start := time.Now()
	err := i.next.Walk(ctx, prefix, fn)
	i.observe("walk", start, err)
	return err
}

func (i *instrumented) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := i.next.Exists(ctx, key)
	i.observe("exists", start, err)
	return ok, err
}

func (i *instrumented) Size(ctx context.Context, key string) (int64, bool, error) {
	start := time.Now()
	n, ok, err := i.next.Size(ctx, key)
	i.observe("size", start, err)
	return n, ok, err
}

func (i *instrumented) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	start := time.Now()
	u, err := i.next.PresignedURL(ctx, key, ttl)
	i.observe("presign", start, err)
	return u, err
}

func (i *instrumented) Type() string { return i.next.Type() }

func (i *instrumented) Close() error { return i.next.Close() }
