package feed

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mmcdole/gofeed"

	"github.com/ignite/yaf2m/internal/config"
	"github.com/ignite/yaf2m/internal/pkg/httpretry"
)

const userAgent = "yaf2m/1.0 (+https://github.com/ignite/yaf2m)"

// Fetcher downloads and parses feeds. Safe for concurrent use.
type Fetcher struct {
	client httpretry.HTTPDoer
}

// NewFetcher returns a Fetcher with retrying transport. Per-group timeouts
// come from the request context, not the underlying client.
func NewFetcher() *Fetcher {
	return &Fetcher{client: httpretry.NewRetryClient(&http.Client{}, 3)}
}

// Fetch downloads one URL with the group's timeout and headers, parses it,
// and sanitizes text fields when the group asks for it.
func (f *Fetcher) Fetch(ctx context.Context, url string, settings *config.Settings) (*Feed, error) {
	ctx, cancel := context.WithTimeout(ctx, settings.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range settings.HTTPHeaders {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to fetch feed from %s: status %d", url, resp.StatusCode)
	}

	parsed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed from %s: %w", url, err)
	}

	out := convertFeed(parsed)
	if settings.Sanitize {
		sanitizeFeed(out)
	}
	return out, nil
}

func convertFeed(src *gofeed.Feed) *Feed {
	out := &Feed{
		ID:          src.FeedLink,
		Title:       src.Title,
		Description: src.Description,
		Link:        src.Link,
		Published:   src.PublishedParsed,
		Updated:     src.UpdatedParsed,
	}
	if out.ID == "" {
		out.ID = src.Link
	}
	out.Items = make([]*Item, 0, len(src.Items))
	for _, it := range src.Items {
		out.Items = append(out.Items, convertItem(it))
	}
	return out
}

func convertItem(src *gofeed.Item) *Item {
	item := &Item{
		ID:         src.GUID,
		Title:      src.Title,
		Summary:    src.Description,
		Content:    src.Content,
		Link:       src.Link,
		Categories: src.Categories,
		Published:  src.PublishedParsed,
		Updated:    src.UpdatedParsed,
	}
	if item.ID == "" {
		item.ID = src.Link
	}
	if len(src.Authors) > 0 && src.Authors[0] != nil {
		item.Author = src.Authors[0].Name
	}
	return item
}
