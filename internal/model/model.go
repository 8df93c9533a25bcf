// Package model defines the domain types used across the application.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the fixed-width UTC layout used for persisted timestamps.
// Lexicographic order of formatted values equals chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Errors returned when building an Item from upstream data.
var (
	ErrMissingID        = errors.New("item id is required")
	ErrMissingTimestamp = errors.New("item created_at is required")
)

var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// RawItem is a feed item as delivered by a fetcher, before validation.
type RawItem struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
	// Notified is nil when the source carries no flag.
	Notified *bool `json:"notified,omitempty"`
}

// Item is one post of the watched feed.
// Only Notified changes after the item has been persisted.
type Item struct {
	ID        string
	Text      string
	CreatedAt time.Time
	Notified  bool
}

// NewItem validates raw and converts it into an Item.
// An absent notified flag becomes false.
func NewItem(raw RawItem) (Item, error) {
	if strings.TrimSpace(raw.ID) == "" {
		return Item{}, ErrMissingID
	}
	createdAt, err := ParseTimestamp(raw.CreatedAt)
	if err != nil {
		return Item{}, fmt.Errorf("item %s: %w", raw.ID, err)
	}
	notified := false
	if raw.Notified != nil {
		notified = *raw.Notified
	}
	return Item{
		ID:        raw.ID,
		Text:      raw.Text,
		CreatedAt: createdAt,
		Notified:  notified,
	}, nil
}

// Key returns the persisted form of the item's composite key.
func (i Item) Key() (string, string) {
	return i.ID, FormatTimestamp(i.CreatedAt)
}

// ParseTimestamp parses an ISO-8601 timestamp and normalizes it to UTC.
// A trailing "Z" (any case) means UTC; a value without an offset is taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrMissingTimestamp
	}
	if n := len(s); s[n-1] == 'z' {
		s = s[:n-1] + "Z"
	}
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return NormalizeTime(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: unsupported format", s)
}

// NormalizeTime converts t to UTC with millisecond precision.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
