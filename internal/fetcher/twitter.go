package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/michimani/gotwi"
	"github.com/michimani/gotwi/fields"
	"github.com/michimani/gotwi/resources"
	"github.com/michimani/gotwi/tweet/timeline"
	"github.com/michimani/gotwi/tweet/timeline/types"

	"dogwatch/internal/endpoint"
	"dogwatch/internal/model"
)

// The user timeline endpoint accepts max_results in this range.
const (
	twitterMinResults = 5
	twitterMaxResults = 100
)

// Twitter reads a user's timeline through the v2 API.
type Twitter struct {
	client *gotwi.Client
}

// NewTwitter creates a Twitter fetcher authenticated with an app bearer
// token. A non-empty baseURL replaces the public API host.
func NewTwitter(client *http.Client, baseURL, bearerToken string) (*Twitter, error) {
	hc, err := endpoint.Client(client, baseURL)
	if err != nil {
		return nil, err
	}
	c, err := gotwi.NewClientWithAccessToken(&gotwi.NewClientWithAccessTokenInput{
		AccessToken: bearerToken,
		HTTPClient:  hc,
	})
	if err != nil {
		return nil, fmt.Errorf("create twitter client: %w", err)
	}
	return &Twitter{client: c}, nil
}

// FetchRecent implements Fetcher.
func (t *Twitter) FetchRecent(ctx context.Context, accountID string, maxResults int) ([]model.RawItem, error) {
	out, err := timeline.ListTweets(ctx, t.client, &types.ListTweetsInput{
		ID:          accountID,
		MaxResults:  types.ListMaxResults(clamp(maxResults, twitterMinResults, twitterMaxResults)),
		TweetFields: fields.TweetFieldList{fields.TweetFieldCreatedAt},
	})
	if err != nil {
		return nil, fmt.Errorf("list tweets: %w", err)
	}
	if len(out.Data) == 0 && len(out.Errors) > 0 {
		return nil, timelineError(out.Errors[0])
	}

	tweets := out.Data
	if len(tweets) > maxResults && maxResults > 0 {
		tweets = tweets[:maxResults]
	}
	items := make([]model.RawItem, 0, len(tweets))
	for _, tw := range tweets {
		items = append(items, tweetItem(tw))
	}
	return items, nil
}

// tweetItem leaves CreatedAt empty when the tweet carries no date, which
// makes the item invalid further down.
func tweetItem(tw resources.Tweet) model.RawItem {
	item := model.RawItem{
		ID:   gotwi.StringValue(tw.ID),
		Text: gotwi.StringValue(tw.Text),
	}
	if tw.CreatedAt != nil {
		item.CreatedAt = tw.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return item
}

func timelineError(e resources.PartialError) error {
	title := gotwi.StringValue(e.Title)
	if title == "" {
		return errors.New("timeline error")
	}
	return fmt.Errorf("timeline error: %s: %s", title, gotwi.StringValue(e.Detail))
}

func clamp(v, lo, hi int) int {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
