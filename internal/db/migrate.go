package db

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationScheme is the golang-migrate URL scheme of the pgx/v5 driver
const MigrationScheme = "pgx5"

// ruleSchema mirrors the slice of the rules database this tool reads and
// writes. It backs local sandboxes and integration tests; production schemas
// are owned elsewhere.
//
//go:embed schema/*.sql
var ruleSchema embed.FS

// RuleSchema returns the embedded rule tables migrations
func RuleSchema() fs.FS {
	sub, err := fs.Sub(ruleSchema, "schema")
	if err != nil {
		panic(err)
	}
	return sub
}

// RunMigrations applies every pending *.up.sql migration in source
func RunMigrations(source fs.FS, config Config) error {
	driver, err := iofs.New(source, ".")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", driver, config.URL(MigrationScheme))
	if err != nil {
		return fmt.Errorf("failed to initialise migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
