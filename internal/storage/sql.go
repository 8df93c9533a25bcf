package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver registration.
	_ "modernc.org/sqlite" // SQLite driver registration.

	"dogwatch/internal/model"
	"dogwatch/migrations"
)

const connectTimeout = 5 * time.Second

// SQLStore implements Storage on top of database/sql.
// It serves both SQLite and PostgreSQL.
type SQLStore struct {
	db         *sql.DB
	dialect    string
	allowReset bool
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string, allowReset bool) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db, migrations.DialectSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLStore{db: db, dialect: migrations.DialectSQLite, allowReset: allowReset}, nil
}

// NewPostgres connects to PostgreSQL at dsn and runs pending migrations.
func NewPostgres(ctx context.Context, dsn string, allowReset bool) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrations.Run(db, migrations.DialectPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLStore{db: db, dialect: migrations.DialectPostgres, allowReset: allowReset}, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Put inserts item, leaving an existing record with the same key untouched.
func (s *SQLStore) Put(ctx context.Context, item model.Item) error {
	id, createdAt := item.Key()
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO items (id, created_at, text, notified) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id, created_at) DO NOTHING`),
		id, createdAt, item.Text, item.Notified,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// Get returns the item stored under (id, createdAt), or nil if there is none.
func (s *SQLStore) Get(ctx context.Context, id string, createdAt time.Time) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx, s.bind(
		`SELECT id, created_at, text, notified FROM items WHERE id = ? AND created_at = ?`),
		id, model.FormatTimestamp(createdAt),
	)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// MarkNotified sets the notified flag of an existing item.
func (s *SQLStore) MarkNotified(ctx context.Context, id string, createdAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.bind(
		`UPDATE items SET notified = ? WHERE id = ? AND created_at = ?`),
		true, id, model.FormatTimestamp(createdAt),
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mark notified %s@%s: %w", id, model.FormatTimestamp(createdAt), ErrNotFound)
	}
	return nil
}

// QueryNewerThan returns items created after t, oldest first.
func (s *SQLStore) QueryNewerThan(ctx context.Context, t time.Time) ([]model.Item, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(
		`SELECT id, created_at, text, notified FROM items WHERE created_at > ? ORDER BY created_at, id`),
		model.FormatTimestamp(t),
	)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Reset drops and recreates the items table.
func (s *SQLStore) Reset(ctx context.Context) error {
	if !s.allowReset {
		return ErrResetDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return migrations.Recreate(s.db, s.dialect)
}

// bind rewrites "?" placeholders into the "$n" form PostgreSQL expects.
func (s *SQLStore) bind(query string) string {
	if s.dialect != migrations.DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanItem(row scannable) (model.Item, error) {
	var item model.Item
	var createdAt string
	if err := row.Scan(&item.ID, &createdAt, &item.Text, &item.Notified); err != nil {
		return item, fmt.Errorf("scan item: %w", err)
	}
	t, err := model.ParseTimestamp(createdAt)
	if err != nil {
		return item, fmt.Errorf("scan item %s: %w", item.ID, err)
	}
	item.CreatedAt = t
	return item, nil
}
