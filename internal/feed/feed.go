// Package feed fetches and parses RSS and Atom documents.
package feed

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"newsbrief/internal/ingest"
)

// Feeds larger than this are rejected rather than buffered.
const maxFeedBytes = 10 << 20

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:130.0) Gecko/20100101 Firefox/130.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
}

// Client retrieves feed documents over HTTP and parses them. Each fetch uses
// a freshly picked browser User-Agent so repeated polls do not present a
// stable fingerprint.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// New builds a feed client with a bounded request timeout.
func New(logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// FetchFeed downloads the feed document at url.
func (c *Client) FetchFeed(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	ua := userAgents[rand.Intn(len(userAgents))]
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Referer", "https://www.google.com/")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch feed %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read feed body %s: %w", url, err)
	}
	if len(body) > maxFeedBytes {
		return nil, fmt.Errorf("feed %s exceeds %d bytes", url, maxFeedBytes)
	}

	c.logger.Debug("fetched feed",
		zap.String("url", url),
		zap.Int("bytes", len(body)),
		zap.String("user_agent", ua),
	)
	return body, nil
}

// ParseFeed parses a feed document into the normalized representation.
// Entries with neither guid nor link are dropped.
func (c *Client) ParseFeed(body []byte) (ingest.Feed, error) {
	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return ingest.Feed{}, fmt.Errorf("parse feed: %w", err)
	}

	out := ingest.Feed{Title: strings.TrimSpace(parsed.Title)}
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		entry := ingest.FeedItem{
			GUID:  strings.TrimSpace(item.GUID),
			Link:  strings.TrimSpace(item.Link),
			Title: strings.TrimSpace(item.Title),
		}
		if entry.SourceItemID() == "" {
			continue
		}
		if item.PublishedParsed != nil {
			t := item.PublishedParsed.UTC()
			entry.PublishedAt = &t
		} else if item.UpdatedParsed != nil {
			t := item.UpdatedParsed.UTC()
			entry.PublishedAt = &t
		}
		out.Items = append(out.Items, entry)
	}
	return out, nil
}
