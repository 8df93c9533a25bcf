package fetcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"dogwatch/internal/model"
)

// RSS reads an RSS or Atom feed. The account ID is the feed URL.
// Entries without a published or updated date are skipped.
type RSS struct {
	client HTTPClient
	log    *slog.Logger
}

// NewRSS creates an RSS fetcher with the given HTTP client. A nil logger
// uses slog.Default.
func NewRSS(client HTTPClient, log *slog.Logger) *RSS {
	if log == nil {
		log = slog.Default()
	}
	return &RSS{client: client, log: log}
}

// FetchRecent implements Fetcher.
func (r *RSS) FetchRecent(ctx context.Context, feedURL string, maxResults int) ([]model.RawItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "dogwatch/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	items := make([]model.RawItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		if maxResults > 0 && len(items) == maxResults {
			break
		}
		created := itemTime(it)
		if created == "" {
			r.log.Warn("skipping feed entry without date", "feed", feedURL, "guid", ItemGUID(it))
			continue
		}
		items = append(items, model.RawItem{
			ID:        ItemGUID(it),
			Text:      itemText(it),
			CreatedAt: created,
		})
	}
	return items, nil
}

// ItemGUID returns the GUID for an RSS item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

func itemText(item *gofeed.Item) string {
	if s := strings.TrimSpace(item.Description); s != "" {
		return s
	}
	return strings.TrimSpace(item.Title)
}

// itemTime returns an empty string when the item carries no date.
func itemTime(item *gofeed.Item) string {
	var t *time.Time
	switch {
	case item.PublishedParsed != nil:
		t = item.PublishedParsed
	case item.UpdatedParsed != nil:
		t = item.UpdatedParsed
	default:
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
