// Package fetcher retrieves the most recent items of the watched feed.
package fetcher

import (
	"context"
	"net/http"

	"dogwatch/internal/model"
)

// DefaultPageSize is the number of items requested per run.
const DefaultPageSize = 20

const maxBodySize = 5 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher returns up to maxResults recent items of an account, newest first.
type Fetcher interface {
	FetchRecent(ctx context.Context, accountID string, maxResults int) ([]model.RawItem, error)
}
