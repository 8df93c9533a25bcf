// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"dogwatch/internal/model"
)

// Errors returned by every backend.
var (
	ErrNotFound      = errors.New("item not found")
	ErrResetDisabled = errors.New("reset is disabled for this store")
)

// Storage is the interface for all persistence operations.
type Storage interface {
	// Put stores item unless a record with the same key exists. Repeating
	// a Put is not an error and never clears the notified flag.
	Put(ctx context.Context, item model.Item) error
	// Get returns nil and no error when the key is absent.
	Get(ctx context.Context, id string, createdAt time.Time) (*model.Item, error)
	// MarkNotified returns ErrNotFound when the key is absent.
	MarkNotified(ctx context.Context, id string, createdAt time.Time) error
	// QueryNewerThan returns items with created_at strictly after t.
	QueryNewerThan(ctx context.Context, t time.Time) ([]model.Item, error)

	Close() error
}

// Resetter is implemented by stores that can drop and recreate their table.
// It destroys all data and is refused unless the store was opened with
// Options.AllowReset.
type Resetter interface {
	Reset(ctx context.Context) error
}
