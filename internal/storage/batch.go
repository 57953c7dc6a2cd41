package storage

import (
	"context"
	"errors"
	"fmt"
)

// DeleteChunkFunc deletes one chunk of keys and reports which succeeded.
// Keys missing from the returned map count as failed.
type DeleteChunkFunc func(ctx context.Context, chunk []string) (map[string]bool, error)

// ChunkedDelete splits keys into chunks of at most size and merges the
// per-chunk outcomes. A chunk that fails outright marks all of its keys
// failed and the remaining chunks still run. The returned error joins the
// chunk-level failures.
func ChunkedDelete(ctx context.Context, keys []string, size int, fn DeleteChunkFunc) (map[string]bool, error) {
	if size <= 0 || size > MaxBatchSize {
		size = MaxBatchSize
	}

	results := make(map[string]bool, len(keys))
	var errs []error

	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		if err := ctx.Err(); err != nil {
			for _, k := range chunk {
				results[k] = false
			}
			errs = append(errs, err)
			continue
		}

		out, err := fn(ctx, chunk)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete chunk %d-%d: %w", start, end, err))
		}
		for _, k := range chunk {
			results[k] = out[k]
		}
	}

	return results, errors.Join(errs...)
}

// Failed returns the keys whose outcome is false, in input order.
func Failed(keys []string, results map[string]bool) []string {
	var failed []string
	for _, k := range keys {
		if !results[k] {
			failed = append(failed, k)
		}
	}
	return failed
}
