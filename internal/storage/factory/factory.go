// Package factory selects the storage backend for the process.
package factory

import (
	"context"
	"fmt"

	"github.com/fruitsalade/assetspace/internal/config"
	"github.com/fruitsalade/assetspace/internal/logging"
	"github.com/fruitsalade/assetspace/internal/storage"
	"github.com/fruitsalade/assetspace/internal/storage/local"
	s3backend "github.com/fruitsalade/assetspace/internal/storage/s3"
)

// Select builds the backend once at startup: the remote object store when
// access key, secret key and bucket are all set, otherwise the local
// filesystem. Either way the result is instrumented.
func Select(ctx context.Context, cfg config.StorageConfig) (storage.Backend, error) {
	var (
		b   storage.Backend
		err error
	)

	if cfg.RemoteComplete() {
		b, err = s3backend.New(ctx, s3backend.Config{
			Endpoint:  cfg.EndpointURL,
			Bucket:    cfg.BucketName,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Region:    cfg.Region,
			OpTimeout: cfg.OpTimeout,
		})
	} else {
		b, err = local.New(local.Config{
			RootPath:      cfg.BaseDirectory,
			CreateDirs:    true,
			PublicBaseURL: cfg.PublicBaseURL,
			Signer:        storage.NewURLSigner(cfg.SigningSecret),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("init storage backend: %w", err)
	}

	logging.Info("storage backend selected", logging.String("type", b.Type()))
	return storage.Instrument(b), nil
}

// Local returns the local filesystem backend behind b, if any, so the API
// can serve its signed links.
func Local(b storage.Backend) (*local.Backend, bool) {
	for {
		switch v := b.(type) {
		case *local.Backend:
			return v, true
		case interface{ Unwrap() storage.Backend }:
			b = v.Unwrap()
		default:
			return nil, false
		}
	}
}
