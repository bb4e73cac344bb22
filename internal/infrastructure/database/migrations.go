package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Migrations holds the *.up.sql files applied by Migrate. The migrations
// package sets it from its embedded files.
var Migrations fs.FS

// ErrBadMigrationName is returned for an up file not named
// YYYYMMDD_HHMMSS_description.up.sql.
var ErrBadMigrationName = errors.New("database: bad migration filename")

const upSuffix = ".up.sql"

// migration is one schema step. Down files stay next to the up files for
// manual rollback and are not loaded.
type migration struct {
	version string
	name    string
	sql     string
}

// Migrate applies every pending migration in version order, each in its
// own transaction. A failed step is rolled back and stops the run; steps
// before it stay applied, so a rerun resumes from the failure.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
	) STRICT`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	steps, err := loadMigrations(Migrations)
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range steps {
		if applied[m.version] {
			continue
		}
		if err := db.apply(ctx, m); err != nil {
			return fmt.Errorf("migration %s_%s: %w", m.version, m.name, err)
		}
	}
	return nil
}

// SchemaVersion returns the newest applied migration version, or "" on a
// database that was never migrated.
func (db *DB) SchemaVersion(ctx context.Context) (string, error) {
	var version string
	err := db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), '') FROM schema_migrations").Scan(&version)
	if err != nil {
		return "", fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

func (db *DB) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning applied migration: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (db *DB) apply(ctx context.Context, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.version, m.name); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}

// loadMigrations reads the up files at the root of fsys, sorted by version.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	if fsys == nil {
		return nil, nil
	}

	files, err := fs.Glob(fsys, "*"+upSuffix)
	if err != nil {
		return nil, err
	}

	steps := make([]migration, 0, len(files))
	for _, file := range files {
		version, name, err := parseMigrationName(file)
		if err != nil {
			return nil, err
		}
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}
		steps = append(steps, migration{version: version, name: name, sql: string(body)})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// parseMigrationName splits "20260301_120000_relay_state_history.up.sql"
// into version "20260301_120000" and name "relay_state_history".
func parseMigrationName(file string) (version, name string, err error) {
	base := strings.TrimSuffix(path.Base(file), upSuffix)
	parts := strings.SplitN(base, "_", 3)
	if len(parts) != 3 || len(parts[0]) != 8 || len(parts[1]) != 6 || parts[2] == "" {
		return "", "", fmt.Errorf("%w: %s", ErrBadMigrationName, file)
	}
	return parts[0] + "_" + parts[1], parts[2], nil
}
