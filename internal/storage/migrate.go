package storage

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migrator interface {
	Up() error
	Version() (version uint, dirty bool, err error)
	Close() (source error, database error)
}

// Migrate applies every pending embedded migration to the database at dbURL.
// postgres:// and postgresql:// URLs are accepted.
func Migrate(dbURL string) error {
	const op = "storage.Migrate"

	m, err := newMigrator(dbURL)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := runMigrations(m); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func newMigrator(dbURL string) (migrator, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(dbURL))
	if err != nil {
		_ = source.Close()
		return nil, err
	}

	return m, nil
}

func runMigrations(m migrator) error {
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	_, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	if dirty {
		return errors.New("database schema is dirty")
	}

	return nil
}

// migrateURL rewrites the scheme for the golang-migrate pgx/v5 driver.
func migrateURL(dbURL string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if rest, found := strings.CutPrefix(dbURL, prefix); found {
			return "pgx5://" + rest
		}
	}
	return dbURL
}
