package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Options selects and configures a backend.
type Options struct {
	// DSN picks the backend by scheme. Empty, file:// and sqlite:// URLs as
	// well as plain paths open SQLite; postgres:// opens PostgreSQL and
	// mongodb:// opens MongoDB.
	DSN string
	// AllowReset enables the destructive Reset operation.
	AllowReset bool
}

// Backend names reported by Backend.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Backend returns the backend name dsn resolves to.
func Backend(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || !strings.Contains(dsn, "://") {
		return BackendSQLite, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse storage dsn: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "file", "sqlite", "sqlite3":
		return BackendSQLite, nil
	case "postgres", "postgresql":
		return BackendPostgres, nil
	case "mongodb", "mongodb+srv":
		return BackendMongo, nil
	default:
		return "", fmt.Errorf("unsupported storage scheme %q", u.Scheme)
	}
}

// Open creates the Storage described by opts.
func Open(ctx context.Context, opts Options) (Storage, error) {
	backend, err := Backend(opts.DSN)
	if err != nil {
		return nil, err
	}
	switch backend {
	case BackendPostgres:
		return NewPostgres(ctx, opts.DSN, opts.AllowReset)
	case BackendMongo:
		return NewMongo(ctx, opts.DSN, opts.AllowReset)
	default:
		path := SQLitePath(opts.DSN)
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		return NewSQLite(path, opts.AllowReset)
	}
}

// SQLitePath strips a sqlite://, sqlite3:// or file:// prefix from dsn.
func SQLitePath(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	for _, prefix := range []string{"sqlite3://", "sqlite://", "file://"} {
		if strings.HasPrefix(strings.ToLower(dsn), prefix) {
			return dsn[len(prefix):]
		}
	}
	return dsn
}

func ensureDir(path string) error {
	if path == "" || strings.HasPrefix(path, ":memory:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return nil
}
