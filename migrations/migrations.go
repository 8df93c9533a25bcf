// Package migrations embeds SQL migration files and provides functions to apply them.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// FS contains the embedded SQL migration files.
//
//go:embed *.sql
var FS embed.FS

// Goose dialect names of the supported databases.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

func setup(dialect string) error {
	goose.SetBaseFS(FS)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	return nil
}

// Run applies all pending migrations to the given database.
func Run(db *sql.DB, dialect string) error {
	if err := setup(dialect); err != nil {
		return err
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Recreate rolls back every migration and applies them again, dropping all data.
func Recreate(db *sql.DB, dialect string) error {
	if err := setup(dialect); err != nil {
		return err
	}
	if err := goose.Reset(db, "."); err != nil {
		return fmt.Errorf("reset migrations: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
