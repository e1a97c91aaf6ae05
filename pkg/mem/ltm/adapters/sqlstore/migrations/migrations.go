// Package migrations embeds the relational schema of the memory stores and
// applies it with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
)

//go:embed sqlite/*.sql
var sqliteFS embed.FS

//go:embed postgres/*.sql
var postgresFS embed.FS

// Dialect selects the schema flavour.
type Dialect string

// Supported dialects
const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

func newMigrator(db *sql.DB, dialect Dialect) (*migrate.Migrate, error) {
	var (
		fsys   embed.FS
		driver database.Driver
		err    error
	)
	switch dialect {
	case SQLite:
		fsys = sqliteFS
		driver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	case Postgres:
		fsys = postgresFS
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	default:
		return nil, fmt.Errorf("%w: unsupported migration dialect %q", errors.ErrInvalidInput, dialect)
	}
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(fsys, dirFor(dialect))
	if err != nil {
		return nil, err
	}
	return migrate.NewWithInstance("iofs", source, string(dialect), driver)
}

func dirFor(dialect Dialect) string {
	if dialect == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// Up applies all pending migrations. It takes ownership of db and closes it.
func Up(db *sql.DB, dialect Dialect) error {
	m, err := newMigrator(db, dialect)
	if err != nil {
		db.Close()
		return errors.Wrap(err, "failed to create %s migrator", dialect)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "failed to apply %s migrations", dialect)
	}
	version, dirty, _ := m.Version()
	log.Debug("Schema migrations applied", "dialect", dialect, "version", version, "dirty", dirty)
	return nil
}

// Down rolls back every migration. It takes ownership of db and closes it.
func Down(db *sql.DB, dialect Dialect) error {
	m, err := newMigrator(db, dialect)
	if err != nil {
		db.Close()
		return errors.Wrap(err, "failed to create %s migrator", dialect)
	}
	defer m.Close()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "failed to roll back %s migrations", dialect)
	}
	return nil
}
