// Package namespace keeps a tenant's object keys and asset records in step
// across uploads, folder creation, cascade rename, cascade delete and bulk
// import.
//
// Creates write the backend first and the records second. Deletes remove
// records independently of the backend outcome. Objects left behind by a
// failed step are reclaimed by the retention sweeper.
package namespace

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/fruitsalade/assetspace/internal/keys"
	"github.com/fruitsalade/assetspace/internal/logging"
	"github.com/fruitsalade/assetspace/internal/metadata"
	"github.com/fruitsalade/assetspace/internal/retry"
	"github.com/fruitsalade/assetspace/internal/storage"
	"github.com/fruitsalade/assetspace/internal/tree"
)

// DefaultMaxEntrySize caps the unpacked size of one archive entry.
const DefaultMaxEntrySize = 100 * 1024 * 1024

// Options configures a Service.
type Options struct {
	AssetPrefix   string
	StagingPrefix string
	MaxEntrySize  int64
	Retry         retry.Config
}

// Service orchestrates the storage backend and the record store.
type Service struct {
	backend storage.Backend
	store   *metadata.Store
	builder *tree.Builder
	locks   *TenantLocks
	opts    Options
}

// New creates a Service.
func New(backend storage.Backend, store *metadata.Store, opts Options) *Service {
	if opts.AssetPrefix == "" {
		opts.AssetPrefix = "assets"
	}
	if opts.StagingPrefix == "" {
		opts.StagingPrefix = "imports"
	}
	if opts.MaxEntrySize <= 0 {
		opts.MaxEntrySize = DefaultMaxEntrySize
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	return &Service{
		backend: backend,
		store:   store,
		builder: tree.NewBuilder(backend, opts.AssetPrefix),
		locks:   NewTenantLocks(),
		opts:    opts,
	}
}

// Backend returns the storage backend the service writes to.
func (s *Service) Backend() storage.Backend { return s.backend }

// TenantRoot returns the folder key all of the tenant's keys live under.
func (s *Service) TenantRoot(tenantID string) (string, error) {
	return keys.TenantRoot(s.opts.AssetPrefix, tenantID)
}

// Get returns one of the tenant's assets.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*metadata.Asset, error) {
	a, err := s.store.Get(ctx, tenantID, id)
	return a, recordErr(err)
}

// Children lists the records directly inside a folder asset, folders first.
func (s *Service) Children(ctx context.Context, tenantID, id string) ([]*metadata.Asset, error) {
	folder, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !folder.IsFolder {
		return nil, fmt.Errorf("%w: %s is not a folder", keys.ErrInvalidPath, folder.Key)
	}
	return s.store.ListChildren(ctx, tenantID, strings.TrimSuffix(folder.Key, keys.Separator))
}

// CreateFolder creates the folder at relPath and any missing ancestors.
func (s *Service) CreateFolder(ctx context.Context, tenantID, relPath string) (*metadata.Asset, error) {
	root, err := s.TenantRoot(tenantID)
	if err != nil {
		return nil, err
	}
	key, err := keys.Join(root, keys.NormalizeFolderKey(relPath))
	if err != nil {
		return nil, err
	}
	if key == root {
		return nil, fmt.Errorf("%w: folder path is empty", keys.ErrInvalidPath)
	}
	folderKeys := append(keys.Ancestors(root, key), key)
	if err := s.checkFolderKeys(ctx, tenantID, folderKeys); err != nil {
		return nil, err
	}

	folders, err := s.ensureFolders(ctx, tenantID, folderKeys, nil)
	if err != nil {
		return nil, err
	}
	return folders[len(folders)-1], nil
}

// ensureFolders puts a marker and upserts a record for each folder key, in
// order, skipping keys already in seen. Returns the stored records.
func (s *Service) ensureFolders(ctx context.Context, tenantID string, folderKeys []string, seen map[string]bool) ([]*metadata.Asset, error) {
	var out []*metadata.Asset
	for _, fk := range folderKeys {
		if seen != nil {
			if seen[fk] {
				continue
			}
			seen[fk] = true
		}
		if err := s.checkFolderKeys(ctx, tenantID, []string{fk}); err != nil {
			return out, err
		}

		err := retry.Do(ctx, s.opts.Retry, func() error {
			return s.backend.Put(ctx, fk, nil, 0, "")
		})
		if err != nil {
			return out, fmt.Errorf("create folder marker %s: %w", fk, err)
		}

		a, created, err := s.store.UpsertFolder(ctx, tenantID, fk)
		if err != nil {
			return out, fmt.Errorf("upsert folder %s: %w", fk, err)
		}
		if created {
			logging.Info("folder created", logging.Tenant(tenantID), logging.Key(fk))
		}
		out = append(out, a)
	}
	return out, nil
}

// checkFolderKeys fails with ErrAssetExists when a file record already uses
// one of the folder keys under its file spelling.
func (s *Service) checkFolderKeys(ctx context.Context, tenantID string, folderKeys []string) error {
	for _, fk := range folderKeys {
		exists, err := s.store.KeyExists(ctx, tenantID, keys.NormalizeFileKey(fk))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: a file already uses %s", ErrAssetExists, keys.NormalizeFileKey(fk))
		}
	}
	return nil
}

// Upload stores body at relPath and records it. The object is written
// before any record; missing ancestor folders are created afterwards.
func (s *Service) Upload(ctx context.Context, tenantID, relPath string, body io.Reader, size int64, contentType string) (*metadata.Asset, error) {
	root, err := s.TenantRoot(tenantID)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(relPath, keys.Separator) {
		return nil, fmt.Errorf("%w: file path %q ends with %q", keys.ErrInvalidPath, relPath, keys.Separator)
	}
	key, err := keys.Join(root, keys.NormalizeFileKey(relPath))
	if err != nil {
		return nil, err
	}
	if key == root {
		return nil, fmt.Errorf("%w: file path is empty", keys.ErrInvalidPath)
	}
	if exists, err := s.store.KeyExists(ctx, tenantID, key+keys.Separator); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: a folder already uses %s", ErrAssetExists, key)
	}
	ancestors := keys.Ancestors(root, key)
	if err := s.checkFolderKeys(ctx, tenantID, ancestors); err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(strings.ToLower(path.Ext(key)))
	}

	counter := &countingReader{r: body}
	if err := s.backend.Put(ctx, key, counter, size, contentType); err != nil {
		return nil, err
	}
	if size < 0 {
		size = counter.n
	}

	if _, err := s.ensureFolders(ctx, tenantID, ancestors, nil); err != nil {
		return nil, err
	}
	a, err := s.store.UpsertFile(ctx, &metadata.Asset{
		TenantID:    tenantID,
		Key:         key,
		SizeBytes:   size,
		ContentType: contentType,
	})
	if err != nil {
		return nil, err
	}

	logging.Info("asset uploaded", logging.Tenant(tenantID), logging.Key(key), logging.Int64("size", size))
	return a, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// PresignedURL returns a time-limited download link for a file asset.
func (s *Service) PresignedURL(ctx context.Context, tenantID, id string, ttl time.Duration) (string, error) {
	a, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return "", err
	}
	if a.IsFolder {
		return "", fmt.Errorf("%w: %s is a folder", keys.ErrInvalidPath, a.Key)
	}
	return s.backend.PresignedURL(ctx, a.Key, ttl)
}

// Tree builds the tenant's tree below relRoot, from backend listings or,
// when fromRecords is set, from the record store.
func (s *Service) Tree(ctx context.Context, tenantID, relRoot string, exts []string, fromRecords bool) (*tree.Node, error) {
	if !fromRecords {
		return s.builder.Build(ctx, tenantID, relRoot, exts)
	}

	root, err := s.TenantRoot(tenantID)
	if err != nil {
		return nil, err
	}
	rootKey, err := keys.Join(root, keys.NormalizeFolderKey(relRoot))
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListByPrefix(ctx, tenantID, rootKey)
	if err != nil {
		return nil, err
	}
	return tree.FromRecords(tenantID, root, rootKey, records, exts), nil
}
