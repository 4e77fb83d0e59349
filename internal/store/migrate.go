package store

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/eventtel/yrouted/pkg/logger"
)

//go:embed migrations/mysql/*.sql migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations for the active driver.
func (s *Store) Migrate() error {
	var (
		driver database.Driver
		err    error
		dir    string
	)

	switch s.driver {
	case "postgres", "pgx":
		driver, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
		dir = "migrations/postgres"
	case "sqlite", "sqlite3":
		driver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
		dir = "migrations/sqlite"
	default:
		driver, err = migratemysql.WithInstance(s.db, &migratemysql.Config{})
		dir = "migrations/mysql"
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, s.driver, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, _, _ := m.Version()
	logger.WithField("version", version).Info("Store migrations completed")

	return nil
}
