// Package metadata provides the relational record store mirroring every
// stored object, on PostgreSQL or SQLite.
package metadata

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fruitsalade/assetspace/internal/keys"
	"github.com/fruitsalade/assetspace/internal/logging"
	"github.com/fruitsalade/assetspace/internal/metrics"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when a key is already taken within a tenant.
	ErrDuplicate = errors.New("record key already exists")
)

// Store is the asset record store.
type Store struct {
	db          *sql.DB
	dialect     string
	assetPrefix string
}

// Open connects to databaseURL: postgres://... (or postgresql://) for
// PostgreSQL, sqlite://path or sqlite://:memory: for SQLite. Records'
// parent keys are computed relative to <assetPrefix>/<tenant>/.
func Open(databaseURL, assetPrefix string) (*Store, error) {
	dialect, dsn, err := parseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	switch dialect {
	case DialectPostgres:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	case DialectSQLite:
		// One writer; also keeps :memory: databases on a single connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, dialect: dialect, assetPrefix: assetPrefix}, nil
}

// sqlitePragmas are applied by the driver to every new connection. Keys are
// case-sensitive; SQLite's LIKE is not by default.
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=case_sensitive_like(1)"

func parseURL(databaseURL string) (dialect, dsn string, err error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return DialectPostgres, databaseURL, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		dsn = strings.TrimPrefix(databaseURL, "sqlite://")
		if dsn == "" || strings.HasPrefix(dsn, "?") {
			return "", "", fmt.Errorf("sqlite url has no path: %q", databaseURL)
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return DialectSQLite, dsn + sep + sqlitePragmas, nil
	default:
		return "", "", fmt.Errorf("unsupported database url %q (want postgres:// or sqlite://)", databaseURL)
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect returns "postgres" or "sqlite".
func (s *Store) Dialect() string {
	return s.dialect
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs the embedded migrations for the store's dialect in name
// order. Every migration is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	dir := path.Join("migrations", s.dialect)
	files, err := fs.Glob(migrationsFS, path.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", path.Base(f)), zap.String("dialect", s.dialect))
		content, err := migrationsFS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

// parentOf derives a record's parent key from its object key.
func (s *Store) parentOf(tenantID, key string) (string, error) {
	root, err := keys.TenantRoot(s.assetPrefix, tenantID)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(key, root) || key == root {
		return "", fmt.Errorf("%w: key %q is outside tenant root %q", keys.ErrInvalidPath, key, root)
	}
	return keys.ParentOf(root, key), nil
}

// isUniqueViolation matches duplicate-key errors from either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// escapeLike escapes LIKE wildcards so a key prefix matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
