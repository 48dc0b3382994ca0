package repo

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

const migrationsTable = "cascade_schema_migrations"

// Драйверы БД для миграций.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Migrate применяет встроенные миграции схемы к db.
//
// Драйвер миграций закрывает db вместе с собой, поэтому экземпляр migrate
// не закрывается: db остаётся во владении вызывающего.
func Migrate(db *sql.DB, driver string) error {
	_, err := migrateUp(db, driver)
	return err
}

func migrateUp(db *sql.DB, driver string) (*migrate.Migrate, error) {
	var (
		dbDriver database.Driver
		err      error
	)
	switch driver {
	case DriverPostgres:
		dbDriver, err = postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	case DriverSQLite:
		dbDriver, err = sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: migrationsTable})
	default:
		return nil, fmt.Errorf("unsupported migration driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("migration driver %s: %w", driver, err)
	}

	source, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driver, dbDriver)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return m, fmt.Errorf("migrate up (%s): %w", driver, err)
	}
	return m, nil
}
