// Package app wires the storage backend, record store and services shared by
// the server, worker and CLI binaries.
package app

import (
	"context"
	"fmt"

	"github.com/fruitsalade/assetspace/internal/config"
	"github.com/fruitsalade/assetspace/internal/logging"
	"github.com/fruitsalade/assetspace/internal/metadata"
	"github.com/fruitsalade/assetspace/internal/namespace"
	"github.com/fruitsalade/assetspace/internal/storage"
	"github.com/fruitsalade/assetspace/internal/storage/factory"
	"github.com/fruitsalade/assetspace/internal/sweeper"
)

// App holds the long-lived dependencies of a process.
type App struct {
	Config  *config.Config
	Backend storage.Backend
	Store   *metadata.Store
	Service *namespace.Service
	Sweeper *sweeper.Sweeper
}

// Open connects the record store, runs migrations and selects the backend.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	logging.Info("connecting to record store...")
	store, err := metadata.Open(cfg.DatabaseURL, cfg.AssetPrefix)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	backend, err := factory.Select(ctx, cfg.Storage)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &App{
		Config:  cfg,
		Backend: backend,
		Store:   store,
		Service: namespace.New(backend, store, namespace.Options{
			AssetPrefix:   cfg.AssetPrefix,
			StagingPrefix: cfg.StagingPrefix,
			MaxEntrySize:  cfg.MaxImportEntrySize,
		}),
		Sweeper: sweeper.New(backend, sweeper.Config{
			AssetPrefix:   cfg.AssetPrefix,
			RatePerSecond: cfg.SweepRate,
		}),
	}, nil
}

// Close releases the backend and the record store.
func (a *App) Close() error {
	berr := a.Backend.Close()
	if err := a.Store.Close(); err != nil {
		return err
	}
	return berr
}
