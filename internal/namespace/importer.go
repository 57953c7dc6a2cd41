package namespace

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/fruitsalade/assetspace/internal/keys"
	"github.com/fruitsalade/assetspace/internal/logging"
	"github.com/fruitsalade/assetspace/internal/metadata"
	"github.com/fruitsalade/assetspace/internal/metrics"
	"github.com/fruitsalade/assetspace/internal/retry"
)

// ImportSkip is an archive entry that was not imported.
type ImportSkip struct {
	Entry  string `json:"entry"`
	Key    string `json:"key,omitempty"`
	Reason string `json:"reason"`
}

// ImportReport summarizes an archive import.
type ImportReport struct {
	Folders int          `json:"folders"`
	Files   int          `json:"files"`
	Skipped []ImportSkip `json:"skipped,omitempty"`
}

func (r *ImportReport) skip(entry, key string, err error) {
	r.Skipped = append(r.Skipped, ImportSkip{Entry: entry, Key: key, Reason: err.Error()})
}

type importEntry struct {
	file *zip.File
	key  string
}

// ImportArchive unpacks a zip archive below destFolder. Every folder the
// archive needs is created before any file is uploaded. A failed entry is
// recorded and skipped; the records returned all have a stored object (files)
// or an upserted record (folders). The import runs to completion even if ctx
// is cancelled.
func (s *Service) ImportArchive(ctx context.Context, tenantID string, archive []byte, destFolder string) ([]*metadata.Asset, *ImportReport, error) {
	return s.importArchive(ctx, tenantID, archive, destFolder, true)
}

// importArchive implements ImportArchive. Without detach it stops between
// entries once ctx is done and returns ctx's error; imports are upserts, so a
// rerun picks up where this one stopped.
func (s *Service) importArchive(ctx context.Context, tenantID string, archive []byte, destFolder string, detach bool) ([]*metadata.Asset, *ImportReport, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	// Insecure entry names are rejected one by one below.
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	root, err := s.TenantRoot(tenantID)
	if err != nil {
		return nil, nil, err
	}
	dest, err := keys.Join(root, keys.NormalizeFolderKey(destFolder))
	if err != nil {
		return nil, nil, err
	}

	unlock := s.locks.Lock(tenantID)
	defer unlock()

	if detach {
		ctx = context.WithoutCancel(ctx)
	}
	log := logging.WithContext(ctx).With(logging.Tenant(tenantID), logging.Key(dest))
	report := &ImportReport{}

	// Resolve every entry up front so the folder pass sees the whole archive.
	folderKeys := keys.Ancestors(root, dest)
	if dest != root {
		folderKeys = append(folderKeys, dest)
	}
	var files []importEntry
	for _, f := range zr.File {
		key, err := entryKey(dest, f.Name)
		if err != nil {
			report.skip(f.Name, "", err)
			metrics.RecordImportEntry("entry", "skipped")
			continue
		}
		if key == dest {
			continue
		}
		if f.FileInfo().IsDir() || keys.IsFolderKey(key) {
			folderKeys = append(folderKeys, keys.Ancestors(dest, key)...)
			folderKeys = append(folderKeys, keys.NormalizeFolderKey(key))
			continue
		}
		folderKeys = append(folderKeys, keys.Ancestors(dest, key)...)
		files = append(files, importEntry{file: f, key: key})
	}

	var out []*metadata.Asset
	seen := make(map[string]bool)
	failedFolders := make(map[string]error)
	for _, fk := range folderKeys {
		if err := ctx.Err(); err != nil {
			log.Warn("import interrupted", logging.Err(err))
			return out, report, err
		}
		folders, err := s.ensureFolders(ctx, tenantID, []string{fk}, seen)
		if err != nil {
			failedFolders[fk] = err
			report.skip(keys.Rel(dest, fk), fk, err)
			metrics.RecordImportEntry("folder", "failed")
			log.Warn("import folder failed", logging.String("folder", fk), logging.Err(err))
			continue
		}
		if len(folders) > 0 {
			out = append(out, folders...)
			report.Folders++
			metrics.RecordImportEntry("folder", "ok")
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].key < files[j].key })
	for _, e := range files {
		if err := ctx.Err(); err != nil {
			log.Warn("import interrupted", logging.Err(err))
			return out, report, err
		}
		if err := folderFailure(failedFolders, root, e.key); err != nil {
			report.skip(e.file.Name, e.key, err)
			metrics.RecordImportEntry("file", "skipped")
			continue
		}
		a, err := s.importFile(ctx, tenantID, e)
		if err != nil {
			report.skip(e.file.Name, e.key, err)
			metrics.RecordImportEntry("file", "failed")
			log.Warn("import file failed", logging.String("entry", e.file.Name), logging.Err(err))
			continue
		}
		out = append(out, a)
		report.Files++
		metrics.RecordImportEntry("file", "ok")
	}

	if err := ctx.Err(); err != nil {
		log.Warn("import interrupted", logging.Err(err))
		return out, report, err
	}

	log.Info("archive imported",
		logging.Int("folders", report.Folders),
		logging.Int("files", report.Files),
		logging.Int("skipped", len(report.Skipped)))

	if len(report.Skipped) > 0 {
		failed := make([]string, 0, len(report.Skipped))
		for _, sk := range report.Skipped {
			failed = append(failed, sk.Entry)
		}
		return out, report, &PartialFailureError{Op: "import", Failed: failed, Report: report}
	}
	return out, report, nil
}

// entryKey maps an archive entry name onto a key below dest.
func entryKey(dest, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", keys.Separator)
	if strings.HasPrefix(name, keys.Separator) || (len(name) > 1 && name[1] == ':') {
		return "", fmt.Errorf("%w: absolute entry %q", keys.ErrInvalidPath, name)
	}
	return keys.Join(dest, name)
}

// folderFailure returns the error of the first enclosing folder of key that
// could not be created.
func folderFailure(failed map[string]error, root, key string) error {
	for _, anc := range keys.Ancestors(root, key) {
		if err, ok := failed[anc]; ok {
			return fmt.Errorf("folder %s not created: %w", anc, err)
		}
	}
	return nil
}

func (s *Service) importFile(ctx context.Context, tenantID string, e importEntry) (*metadata.Asset, error) {
	data, err := readEntry(e.file, s.opts.MaxEntrySize)
	if err != nil {
		return nil, err
	}

	contentType := mime.TypeByExtension(strings.ToLower(path.Ext(e.key)))
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}

	err = retry.Do(ctx, s.opts.Retry, func() error {
		return s.backend.Put(ctx, e.key, bytes.NewReader(data), int64(len(data)), contentType)
	})
	if err != nil {
		return nil, err
	}

	a, err := s.store.UpsertFile(ctx, &metadata.Asset{
		TenantID:    tenantID,
		Key:         e.key,
		SizeBytes:   int64(len(data)),
		ContentType: contentType,
	})
	return a, recordErr(err)
}

// readEntry unpacks f, refusing entries larger than limit whether the
// header declares it or the stream runs past it.
func readEntry(f *zip.File, limit int64) ([]byte, error) {
	if f.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrEntryTooLarge, f.UncompressedSize64, limit)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read entry: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: over %d bytes", ErrEntryTooLarge, limit)
	}
	return data, nil
}

// StageArchive stores an archive under the staging prefix for a later
// ImportStaged and returns its key.
func (s *Service) StageArchive(ctx context.Context, tenantID string, archive []byte) (string, error) {
	if _, err := s.TenantRoot(tenantID); err != nil {
		return "", err
	}
	key := keys.NormalizeFolderKey(s.opts.StagingPrefix) + tenantID + keys.Separator + uuid.NewString() + ".zip"
	err := retry.Do(ctx, s.opts.Retry, func() error {
		return s.backend.Put(ctx, key, bytes.NewReader(archive), int64(len(archive)), "application/zip")
	})
	if err != nil {
		return "", fmt.Errorf("stage archive: %w", err)
	}
	return key, nil
}

// ImportStaged imports an archive previously stored by StageArchive and
// removes the staged copy once the import has run. A staged archive that
// cannot be read is removed too, since retrying it would fail the same way.
// Unlike ImportArchive it honours ctx, leaving the staged copy in place when
// interrupted.
func (s *Service) ImportStaged(ctx context.Context, tenantID, stagingKey, destFolder string) ([]*metadata.Asset, *ImportReport, error) {
	if !strings.HasPrefix(stagingKey, keys.NormalizeFolderKey(s.opts.StagingPrefix)) {
		return nil, nil, fmt.Errorf("%w: %q is not a staging key", keys.ErrInvalidPath, stagingKey)
	}

	archive, err := retry.DoWithResult(ctx, s.opts.Retry, func() ([]byte, error) {
		rc, err := s.backend.Get(ctx, stagingKey)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch staged archive: %w", err)
	}

	records, report, err := s.importArchive(ctx, tenantID, archive, destFolder, false)
	var pfe *PartialFailureError
	if err == nil || errors.As(err, &pfe) || errors.Is(err, ErrInvalidArchive) {
		if derr := s.backend.Delete(context.WithoutCancel(ctx), stagingKey); derr != nil {
			logging.Warn("staged archive not removed", logging.Key(stagingKey), logging.Err(derr))
		}
	}
	return records, report, err
}
