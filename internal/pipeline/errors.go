package pipeline

import (
	"fmt"
	"time"

	"dogwatch/internal/model"
)

// FetchError reports that the upstream feed was unreachable or returned
// something unusable. The run is aborted before ingestion completes.
type FetchError struct {
	Account string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Account, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StorageError reports a failed storage operation. The current phase is aborted.
// ItemID is empty for operations that are not tied to one item.
type StorageError struct {
	Op        string
	ItemID    string
	CreatedAt time.Time
	Err       error
}

func (e *StorageError) Error() string {
	if e.ItemID == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s@%s: %v", e.Op, e.ItemID, model.FormatTimestamp(e.CreatedAt), e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// DeliveryError reports a failed notification. The item stays unsent.
type DeliveryError struct {
	ItemID    string
	CreatedAt time.Time
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s@%s: %v", e.ItemID, model.FormatTimestamp(e.CreatedAt), e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
