package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations brings the schema of the database at dbPath up to date.
func RunMigrations(dbPath string) error {
	m, closeDB, err := newMigrator(dbPath)
	if err != nil {
		return err
	}
	defer closeDB()
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty", version)
	}
	slog.Debug("Database schema ready", "path", dbPath, "version", version)
	return nil
}

// newMigrator uses its own connection so migrations never share the
// repository's single pooled connection.
func newMigrator(dbPath string) (*migrate.Migrate, func(), error) {
	migrateDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open migration database: %w", err)
	}
	closeDB := func() { migrateDB.Close() }

	driver, err := sqlite.WithInstance(migrateDB, &sqlite.Config{})
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("create sqlite driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, closeDB, nil
}
