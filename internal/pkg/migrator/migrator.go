// Package migrator applies the embedded schema migrations.
package migrator

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bissquit/signup-approval/migrations"
	"github.com/golang-migrate/migrate/v4"
	// Registers the postgres:// scheme.
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	// Registers the sqlite:// scheme.
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Up applies all pending migrations for driver against databaseURL.
func Up(driver, databaseURL string) error {
	m, err := newMigrate(driver, databaseURL)
	if err != nil {
		return err
	}
	defer closeMigrate(m)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	slog.Info("database migrated", "driver", driver, "version", version, "dirty", dirty)
	return nil
}

// Down rolls back all migrations for driver.
func Down(driver, databaseURL string) error {
	m, err := newMigrate(driver, databaseURL)
	if err != nil {
		return err
	}
	defer closeMigrate(m)

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("roll back migrations: %w", err)
	}
	return nil
}

func newMigrate(driver, databaseURL string) (*migrate.Migrate, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported migration driver %q", driver)
	}

	source, err := iofs.New(migrations.FS, driver)
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

func closeMigrate(m *migrate.Migrate) {
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		slog.Warn("close migration source", "error", srcErr)
	}
	if dbErr != nil {
		slog.Warn("close migration database", "error", dbErr)
	}
}
