package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const createDBMigrationsSQL = "" +
	"CREATE TABLE IF NOT EXISTS db_migrations (" +
	" version TEXT PRIMARY KEY NOT NULL," +
	" time TEXT NOT NULL" +
	");"

const insertVersionSQL = "" +
	"INSERT INTO db_migrations (version, time)" +
	" VALUES ($1, $2)"

const selectDBMigrationsSQL = "SELECT version FROM db_migrations"

// Migration defines a migration to be run once per database.
type Migration struct {
	// Version is a simple description/name of this migration.
	Version string
	// Up defines the migration itself.
	Up func(ctx context.Context, txn *sql.Tx) error
}

// Migrator runs not-yet-executed migrations in the order they were added.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	knownDBs   map[string]struct{}
}

func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{
		db:       db,
		knownDBs: make(map[string]struct{}),
	}
}

// AddMigrations appends migrations to the list to run. Migrations are
// executed in the order they are added.
func (m *Migrator) AddMigrations(migrations ...Migration) {
	m.migrations = append(m.migrations, migrations...)
}

// Up executes all migrations in order they were added, skipping any that
// have already run.
func (m *Migrator) Up(ctx context.Context) error {
	executed, err := m.ExecutedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("unable to fetch executed migrations: %w", err)
	}
	return WithTransaction(m.db, func(txn *sql.Tx) error {
		for i := range m.migrations {
			migration := m.migrations[i]
			if _, ok := executed[migration.Version]; ok {
				continue
			}
			if err := migration.Up(ctx, txn); err != nil {
				return fmt.Errorf("unable to execute migration '%s': %w", migration.Version, err)
			}
			if _, err := txn.ExecContext(ctx, insertVersionSQL,
				migration.Version,
				time.Now().Format(time.RFC3339),
			); err != nil {
				return fmt.Errorf("unable to insert executed migration '%s': %w", migration.Version, err)
			}
		}
		return nil
	})
}

// ExecutedMigrations returns the set of migration versions already run.
func (m *Migrator) ExecutedMigrations(ctx context.Context) (map[string]struct{}, error) {
	result := make(map[string]struct{})
	if _, err := m.db.ExecContext(ctx, createDBMigrationsSQL); err != nil {
		return nil, fmt.Errorf("unable to create db_migrations: %w", err)
	}
	rows, err := m.db.QueryContext(ctx, selectDBMigrationsSQL)
	if err != nil {
		return nil, fmt.Errorf("unable to query db_migrations: %w", err)
	}
	defer rows.Close() // nolint: errcheck
	var version string
	for rows.Next() {
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("unable to scan version: %w", err)
		}
		result[version] = struct{}{}
	}
	return result, rows.Err()
}
