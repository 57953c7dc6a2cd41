// Package local provides a local filesystem storage backend.
//
// Object keys map to paths under a root directory. A folder key ("a/b/")
// maps to a directory, so the tree mirrors what an object store would show.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fruitsalade/assetspace/internal/storage"
)

const tempPattern = ".assetspace-*.tmp"

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string
	CreateDirs bool

	// PublicBaseURL and Signer produce links served by the API's /files route.
	PublicBaseURL string
	Signer        *storage.URLSigner
}

// Backend implements storage.Backend using the local filesystem.
type Backend struct {
	rootPath      string
	createDirs    bool
	publicBaseURL string
	signer        *storage.URLSigner
}

// New creates a new local filesystem backend.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	// Ensure root exists
	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	abs, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	return &Backend{
		rootPath:      abs,
		createDirs:    cfg.CreateDirs,
		publicBaseURL: cfg.PublicBaseURL,
		signer:        cfg.Signer,
	}, nil
}

// Root returns the absolute root directory.
func (b *Backend) Root() string { return b.rootPath }

func (b *Backend) fullPath(key string) (string, error) {
	p := filepath.Join(b.rootPath, filepath.FromSlash(key))
	if p != b.rootPath && !strings.HasPrefix(p, b.rootPath+string(filepath.Separator)) {
		return "", storage.Terminal("resolve", key, fmt.Errorf("key escapes root"))
	}
	return p, nil
}

func (b *Backend) keyFor(p string, dir bool) string {
	rel, _ := filepath.Rel(b.rootPath, p)
	key := filepath.ToSlash(rel)
	if dir {
		key += "/"
	}
	return key
}

func isFolder(key string) bool { return strings.HasSuffix(key, "/") }

// classify maps filesystem errors onto storage errors.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return storage.NotFound(op, key)
	}
	var se *storage.Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return storage.Transient(op, key, err)
	}
	return storage.Terminal(op, key, err)
}

// Put writes content to the local filesystem atomically. A folder key
// creates the directory.
func (b *Backend) Put(ctx context.Context, key string, body io.Reader, _ int64, _ string) error {
	if err := ctx.Err(); err != nil {
		return classify("put", key, err)
	}
	p, err := b.fullPath(key)
	if err != nil {
		return err
	}

	if isFolder(key) {
		if err := os.MkdirAll(p, 0755); err != nil {
			return classify("put", key, err)
		}
		return nil
	}

	dir := filepath.Dir(p)
	if b.createDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return classify("put", key, fmt.Errorf("create dirs: %w", err))
		}
	}
	if body == nil {
		body = strings.NewReader("")
	}
	return classify("put", key, writeAtomic(dir, p, body))
}

// writeAtomic writes to a temp file then renames it into place.
func writeAtomic(dir, dst string, src io.Reader) error {
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

// Get opens a file. A folder key yields an empty body when the directory exists.
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("get", key, err)
	}
	p, err := b.fullPath(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(p)
	if err != nil {
		return nil, classify("get", key, err)
	}
	if info.IsDir() != isFolder(key) {
		return nil, storage.NotFound("get", key)
	}
	if info.IsDir() {
		return io.NopCloser(strings.NewReader("")), nil
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, classify("get", key, err)
	}
	return f, nil
}

// Delete removes a file. A folder key removes the directory only when it is
// empty, matching object stores where deleting a marker leaves its children.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return classify("delete", key, err)
	}
	p, err := b.fullPath(key)
	if err != nil {
		return err
	}
	if p == b.rootPath {
		return nil
	}

	// A file and a directory of the same name are different keys.
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return classify("delete", key, err)
	}
	if info.IsDir() != isFolder(key) {
		return nil
	}

	err = os.Remove(p)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	if isFolder(key) {
		if entries, rerr := os.ReadDir(p); rerr == nil && len(entries) > 0 {
			return nil
		}
	}
	return classify("delete", key, err)
}

// DeleteBatch removes keys one by one, chunked like a remote batch delete.
func (b *Backend) DeleteBatch(ctx context.Context, keys []string) (map[string]bool, error) {
	return storage.ChunkedDelete(ctx, keys, storage.MaxBatchSize, func(ctx context.Context, chunk []string) (map[string]bool, error) {
		out := make(map[string]bool, len(chunk))
		for _, k := range chunk {
			out[k] = b.Delete(ctx, k) == nil
		}
		return out, nil
	})
}

// Copy copies a file on the local filesystem. A folder key creates the
// destination directory.
func (b *Backend) Copy(ctx context.Context, srcKey, dstKey string) error {
	if err := ctx.Err(); err != nil {
		return classify("copy", srcKey, err)
	}
	srcPath, err := b.fullPath(srcKey)
	if err != nil {
		return err
	}
	dstPath, err := b.fullPath(dstKey)
	if err != nil {
		return err
	}

	info, err := os.Stat(srcPath)
	if err != nil {
		return classify("copy", srcKey, err)
	}
	if info.IsDir() != isFolder(srcKey) {
		return storage.NotFound("copy", srcKey)
	}
	if info.IsDir() {
		return classify("copy", dstKey, os.MkdirAll(dstPath, 0755))
	}

	if b.createDirs {
		if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
			return classify("copy", dstKey, fmt.Errorf("create dirs: %w", err))
		}
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return classify("copy", srcKey, err)
	}
	defer src.Close()

	if err := writeAtomic(filepath.Dir(dstPath), dstPath, src); err != nil {
		return classify("copy", dstKey, fmt.Errorf("copy from %s: %w", srcKey, err))
	}
	return nil
}

// List returns the immediate children of a folder prefix. A missing
// directory lists as empty.
func (b *Backend) List(ctx context.Context, prefix string) (*storage.Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("list", prefix, err)
	}
	dir, err := b.fullPath(prefix)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &storage.Listing{}, nil
		}
		return nil, classify("list", prefix, err)
	}

	listing := &storage.Listing{}
	for _, e := range entries {
		if isTemp(e.Name()) {
			continue
		}
		full := filepath.Join(dir, e.Name())
		if e.IsDir() {
			listing.Prefixes = append(listing.Prefixes, b.keyFor(full, true))
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed while listing
		}
		listing.Objects = append(listing.Objects, b.objectInfo(full, info))
	}
	return listing, nil
}

// Walk visits every file and directory under prefix, directories reported
// as folder markers. Pages hold at most storage.MaxBatchSize entries.
func (b *Backend) Walk(ctx context.Context, prefix string, fn func([]storage.ObjectInfo) error) error {
	// Walk from the deepest directory the prefix names, then filter.
	base := prefix
	if !isFolder(base) {
		base = path.Dir(base)
		if base == "." {
			base = ""
		}
	}
	dir, err := b.fullPath(base)
	if err != nil {
		return err
	}

	page := make([]storage.ObjectInfo, 0, storage.MaxBatchSize)
	flush := func() error {
		if len(page) == 0 {
			return nil
		}
		sort.Slice(page, func(i, j int) bool { return page[i].Key < page[j].Key })
		err := fn(page)
		page = make([]storage.ObjectInfo, 0, storage.MaxBatchSize)
		return err
	}

	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == b.rootPath || isTemp(d.Name()) {
			return nil
		}

		key := b.keyFor(p, d.IsDir())
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}

		page = append(page, b.objectInfo(p, info))
		if len(page) >= storage.MaxBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return classify("walk", prefix, err)
	}
	if err := flush(); err != nil {
		return classify("walk", prefix, err)
	}
	return nil
}

func (b *Backend) objectInfo(p string, info fs.FileInfo) storage.ObjectInfo {
	if info.IsDir() {
		return storage.ObjectInfo{
			Key:          b.keyFor(p, true),
			LastModified: info.ModTime().UTC(),
		}
	}
	return storage.ObjectInfo{
		Key:          b.keyFor(p, false),
		Size:         info.Size(),
		LastModified: info.ModTime().UTC(),
		ContentType:  mime.TypeByExtension(strings.ToLower(filepath.Ext(p))),
	}
}

// Exists checks if a file (or, for folder keys, a directory) exists.
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.stat(ctx, "exists", key)
	return ok, err
}

// Size returns the byte size of a file.
func (b *Backend) Size(ctx context.Context, key string) (int64, bool, error) {
	info, ok, err := b.stat(ctx, "size", key)
	if !ok || err != nil {
		return 0, ok, err
	}
	if info.IsDir() {
		return 0, true, nil
	}
	return info.Size(), true, nil
}

func (b *Backend) stat(ctx context.Context, op, key string) (fs.FileInfo, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, classify(op, key, err)
	}
	p, err := b.fullPath(key)
	if err != nil {
		return nil, false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, classify(op, key, err)
	}
	if info.IsDir() != isFolder(key) {
		return nil, false, nil
	}
	return info, true, nil
}

// PresignedURL returns a signed link served by the API's /files route.
func (b *Backend) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if b.signer == nil {
		return "", storage.Terminal("presign", key, fmt.Errorf("no signer configured"))
	}
	ok, err := b.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", storage.NotFound("presign", key)
	}
	link, err := b.signer.Link(b.publicBaseURL, key, ttl)
	if err != nil {
		return "", storage.Terminal("presign", key, err)
	}
	return link, nil
}

// Open returns the file for key for serving signed links.
func (b *Backend) Open(key string) (*os.File, fs.FileInfo, error) {
	p, err := b.fullPath(key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, classify("open", key, err)
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		return nil, nil, storage.NotFound("open", key)
	}
	return f, info, nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }

func isTemp(name string) bool {
	return strings.HasPrefix(name, ".assetspace-") && strings.HasSuffix(name, ".tmp")
}
