package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/assetspace/internal/keys"
	"github.com/fruitsalade/assetspace/internal/logging"
	"github.com/fruitsalade/assetspace/internal/metrics"
)

// Asset is one folder or file record owned by a tenant.
type Asset struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Key         string    `json:"key"`
	DisplayName string    `json:"display_name"`
	IsFolder    bool      `json:"is_folder"`
	ParentKey   string    `json:"parent_key"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `json:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Move relocates one record to a new key within a rename.
type Move struct {
	ID          string
	NewKey      string
	DisplayName string
}

const assetColumns = `id, tenant_id, object_key, display_name, is_folder, parent_key, size_bytes, content_type, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAsset(row scanner) (*Asset, error) {
	var a Asset
	if err := row.Scan(&a.ID, &a.TenantID, &a.Key, &a.DisplayName, &a.IsFolder,
		&a.ParentKey, &a.SizeBytes, &a.ContentType, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func (s *Store) prepare(a *Asset) error {
	if a.IsFolder {
		a.Key = keys.NormalizeFolderKey(a.Key)
	} else {
		a.Key = keys.NormalizeFileKey(a.Key)
	}
	parent, err := s.parentOf(a.TenantID, a.Key)
	if err != nil {
		return err
	}
	a.ParentKey = parent
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.DisplayName == "" {
		a.DisplayName = keys.Leaf(a.Key)
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.IsFolder {
		a.SizeBytes = 0
		a.ContentType = ""
	}
	return nil
}

// UpsertFolder inserts a folder record unless one already exists for the
// key, and returns the stored record. created reports whether a row was
// inserted.
func (s *Store) UpsertFolder(ctx context.Context, tenantID, key string) (*Asset, bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert_folder", time.Since(start)) }()

	a := &Asset{TenantID: tenantID, Key: key, IsFolder: true}
	if err := s.prepare(a); err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (`+assetColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (tenant_id, object_key) DO NOTHING`,
		a.ID, a.TenantID, a.Key, a.DisplayName, true, a.ParentKey,
		0, "", a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("upsert folder %s: %w", a.Key, err)
	}
	n, _ := res.RowsAffected()

	stored, err := s.GetByKey(ctx, tenantID, a.Key)
	if err != nil {
		return nil, false, err
	}
	if n > 0 {
		logging.Debug("created folder record", logging.Tenant(tenantID), logging.Key(a.Key))
	}
	return stored, n > 0, nil
}

// UpsertFile inserts a file record, or updates size and content type of the
// existing record for the key, keeping its id.
func (s *Store) UpsertFile(ctx context.Context, a *Asset) (*Asset, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert_file", time.Since(start)) }()

	a.IsFolder = false
	if err := s.prepare(a); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (`+assetColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (tenant_id, object_key) DO UPDATE SET
			size_bytes = EXCLUDED.size_bytes,
			content_type = EXCLUDED.content_type,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.TenantID, a.Key, a.DisplayName, false, a.ParentKey,
		a.SizeBytes, a.ContentType, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert file %s: %w", a.Key, err)
	}

	logging.Debug("upserted file record",
		zap.String("key", a.Key),
		zap.Int64("size", a.SizeBytes))
	return s.GetByKey(ctx, a.TenantID, a.Key)
}

// Get returns the tenant's record with the given id.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Asset, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_asset", time.Since(start)) }()

	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: id %q", ErrNotFound, id)
	}

	a, err := scanAsset(s.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE tenant_id = $1 AND id = $2`,
		tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query asset: %w", err)
	}
	return a, nil
}

// GetByKey returns the tenant's record for an object key.
func (s *Store) GetByKey(ctx context.Context, tenantID, key string) (*Asset, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_asset_by_key", time.Since(start)) }()

	a, err := scanAsset(s.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE tenant_id = $1 AND object_key = $2`,
		tenantID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: key %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("query asset: %w", err)
	}
	return a, nil
}

// KeyExists checks whether the tenant already has a record at key.
func (s *Store) KeyExists(ctx context.Context, tenantID, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM assets WHERE tenant_id = $1 AND object_key = $2)`,
		tenantID, key).Scan(&exists)
	return exists, err
}

// ListChildren returns the direct children of a folder. An empty parentKey
// lists the tenant root.
func (s *Store) ListChildren(ctx context.Context, tenantID, parentKey string) ([]*Asset, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_children", time.Since(start)) }()

	return s.query(ctx,
		`SELECT `+assetColumns+` FROM assets
		 WHERE tenant_id = $1 AND parent_key = $2
		 ORDER BY is_folder DESC, object_key`,
		tenantID, parentKey)
}

// ListByPrefix returns every record whose key starts with prefix, the
// prefix's own record included.
func (s *Store) ListByPrefix(ctx context.Context, tenantID, prefix string) ([]*Asset, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_by_prefix", time.Since(start)) }()

	return s.query(ctx,
		`SELECT `+assetColumns+` FROM assets
		 WHERE tenant_id = $1 AND object_key LIKE $2 ESCAPE '\'
		 ORDER BY object_key`,
		tenantID, escapeLike(prefix)+"%")
}

// Descendants returns every record strictly below a folder key.
func (s *Store) Descendants(ctx context.Context, tenantID, folderKey string) ([]*Asset, error) {
	folderKey = keys.NormalizeFolderKey(folderKey)
	all, err := s.ListByPrefix(ctx, tenantID, folderKey)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.Key != folderKey {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*Asset, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var out []*Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// ApplyMoves rewrites keys, display names and parent keys of many records
// in one transaction. Either every move commits or none does.
func (s *Store) ApplyMoves(ctx context.Context, tenantID string, moves []Move) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("apply_moves", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, m := range moves {
		parent, err := s.parentOf(tenantID, m.NewKey)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE assets SET object_key = $1, parent_key = $2, display_name = $3, updated_at = $4
			 WHERE tenant_id = $5 AND id = $6`,
			m.NewKey, parent, m.DisplayName, now, tenantID, m.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicate, m.NewKey)
			}
			return fmt.Errorf("move %s: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: id %s", ErrNotFound, m.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit moves: %w", err)
	}
	logging.Debug("applied moves", logging.Tenant(tenantID), zap.Int("count", len(moves)))
	return nil
}

// DeleteByPrefix removes every record whose key starts with prefix.
func (s *Store) DeleteByPrefix(ctx context.Context, tenantID, prefix string) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_by_prefix", time.Since(start)) }()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM assets WHERE tenant_id = $1 AND object_key LIKE $2 ESCAPE '\'`,
		tenantID, escapeLike(prefix)+"%")
	if err != nil {
		return 0, fmt.Errorf("delete by prefix: %w", err)
	}
	rows, _ := result.RowsAffected()
	logging.Debug("deleted tree", logging.Tenant(tenantID), zap.String("prefix", prefix), zap.Int64("rows", rows))
	return rows, nil
}

// Delete removes one record by id.
func (s *Store) Delete(ctx context.Context, tenantID, id string) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_asset", time.Since(start)) }()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM assets WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return false, fmt.Errorf("delete asset: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}
