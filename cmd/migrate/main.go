package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/jessevdk/go-flags"
	_ "github.com/lib/pq"  // PostgreSQL driver registration.
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"dogwatch/internal/storage"
	"dogwatch/migrations"
)

type options struct {
	DB  string `long:"db" env:"DATABASE_PATH" default:"./data/dogwatch.db" description:"Path to the SQLite database"`
	DSN string `long:"dsn" env:"STORAGE_DSN" description:"Storage URL, overrides --db (postgres://, mongodb://, sqlite://)"`
	Yes bool   `long:"yes" description:"Confirm destructive commands"`

	Args struct {
		Command string `positional-arg-name:"command" description:"up, up-one, down, status, version or reset"`
	} `positional-args:"yes" required:"yes"`
}

const usage = `[OPTIONS] <command>

Commands:
  up          Migrate to the latest version
  up-one      Migrate one version up
  down        Roll back one version
  status      Show migration status
  version     Show current version
  reset       Drop and recreate the items table (requires --yes)`

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Usage = usage
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(1)
	}

	target := opts.DB
	if opts.DSN != "" {
		target = opts.DSN
	}

	cmd := opts.Args.Command
	var err error
	if cmd == "reset" {
		err = reset(target, opts.Yes)
	} else {
		err = migrate(target, cmd)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func reset(target string, confirmed bool) error {
	if !confirmed {
		return errors.New("reset destroys all stored items, rerun with --yes")
	}
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Options{DSN: target, AllowReset: true})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	r, ok := store.(storage.Resetter)
	if !ok {
		return fmt.Errorf("storage %T cannot be reset", store)
	}
	return r.Reset(ctx)
}

func migrate(target, cmd string) error {
	backend, err := storage.Backend(target)
	if err != nil {
		return err
	}

	driver, dialect := "sqlite", migrations.DialectSQLite
	switch backend {
	case storage.BackendPostgres:
		driver, dialect = "postgres", migrations.DialectPostgres
	case storage.BackendMongo:
		return errors.New("mongodb needs no migrations")
	}

	if backend == storage.BackendSQLite {
		target = storage.SQLitePath(target)
	}
	db, err := sql.Open(driver, target)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	switch cmd {
	case "up":
		return goose.Up(db, ".")
	case "up-one":
		return goose.UpByOne(db, ".")
	case "down":
		return goose.Down(db, ".")
	case "status":
		return goose.Status(db, ".")
	case "version":
		return goose.Version(db, ".")
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}
