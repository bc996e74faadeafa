// Package extract turns raw page HTML into clean article text.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"

	"newsbrief/internal/ingest"
)

// Readability implements ingest.Extractor using the go-shiori port of
// Mozilla's readability algorithm.
type Readability struct{}

// New builds an extractor.
func New() *Readability {
	return &Readability{}
}

// Extract parses html fetched from pageURL. An article with no usable text
// content is an error so callers record the item as failed instead of
// persisting an empty body.
func (Readability) Extract(html []byte, pageURL string) (ingest.ExtractedContent, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return ingest.ExtractedContent{}, fmt.Errorf("parse article url: %w", err)
	}

	article, err := readability.FromReader(bytes.NewReader(html), parsed)
	if err != nil {
		return ingest.ExtractedContent{}, fmt.Errorf("extract article %s: %w", pageURL, err)
	}

	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return ingest.ExtractedContent{}, fmt.Errorf("extract article %s: no text content", pageURL)
	}

	out := ingest.ExtractedContent{
		Title: strings.TrimSpace(article.Title),
		Text:  text,
	}
	if article.PublishedTime != nil {
		t := article.PublishedTime.UTC()
		out.PublishedAt = &t
	}
	return out, nil
}
