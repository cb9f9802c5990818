package dbstore

import (
	"context"
	"database/sql"
	"embed"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationFilenameRE matches "<NNN>_<name>.sql".
var migrationFilenameRE = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_]+)\.sql$`)

// Migration is one discovered, ordered migration script.
type Migration struct {
	Version int64
	Name    string
	Up      string
}

// DiscoverMigrations reads the embedded migrations directory and returns all
// scripts ordered by version, parsed from filenames of the form
// "<NNN>_<name>.sql".
func DiscoverMigrations() ([]Migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read embedded migrations dir")
	}

	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := migrationFilenameRE.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse migration version from %q", entry.Name())
		}
		content, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, errors.Wrapf(err, "read migration %q", entry.Name())
		}
		migrations = append(migrations, Migration{
			Version: version,
			Name:    strings.TrimSuffix(m[2], ".sql"),
			Up:      string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// Migrator applies pending migrations and tracks applied versions in
// schema_migrations.
type Migrator struct {
	db *sqlx.DB
}

// NewMigrator builds a Migrator bound to db.
func NewMigrator(db *sqlx.DB) *Migrator {
	return &Migrator{db: db}
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`)
	return errors.Wrap(err, "ensure schema_migrations table")
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int64]bool, error) {
	rows, err := m.db.QueryxContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "query applied migrations")
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan applied version")
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Run discovers embedded migrations and applies every pending one, each in
// its own transaction, recording it into schema_migrations on success.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	migrations, err := DiscoverMigrations()
	if err != nil {
		return err
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return errors.Wrapf(err, "apply migration %d_%s", mig.Version, mig.Name)
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	return withTx(ctx, m.db, func(tx *sqlx.Tx) error {
		for _, stmt := range splitStatements(mig.Up) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			mig.Version, mig.Name, nowUnix())
		return err
	})
}

// Rollback removes version records greater than target. This is advisory
// bookkeeping only: it does not undo schema changes, matching the spec's
// "destructive for data; advisory only" contract.
func (m *Migrator) Rollback(ctx context.Context, target int64) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version > ?`, target)
	return errors.Wrap(err, "rollback schema_migrations")
}

// CurrentVersion returns max(version) or 0 if no migration has been applied.
func (m *Migrator) CurrentVersion(ctx context.Context) (int64, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}
	var version sql.NullInt64
	err := m.db.GetContext(ctx, &version, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err != nil {
		return 0, errors.Wrap(err, "query current version")
	}
	return version.Int64, nil
}

// splitStatements splits a migration file on every ";", trimming
// empty statements. Migration scripts in this codebase never embed a
// semicolon inside a string literal or trigger body.
func splitStatements(script string) []string {
	parts := strings.Split(script, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
