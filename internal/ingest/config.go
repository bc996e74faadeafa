package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// RSSConfigSchemaVersion is the only RSS config shape this build understands.
const RSSConfigSchemaVersion = "1.0"

// SourceConfig is a tagged union keyed by source type. Only the variant
// matching SourceType may be set.
type SourceConfig struct {
	SourceType string     `json:"source_type"`
	RSS        *RSSConfig `json:"config,omitempty"`
}

// RSSConfig is the versioned RSS variant.
type RSSConfig struct {
	URL            string `json:"url"`
	RequiresRender bool   `json:"requires_render"`
	SchemaVersion  string `json:"config_schema_version"`
}

// Validate checks the union tag and the variant's schema. A mismatched
// version or shape is a validation error, never a panic.
func (c SourceConfig) Validate() error {
	switch c.SourceType {
	case "RSS":
		if c.RSS == nil {
			return fmt.Errorf("source type RSS requires an rss config block")
		}
		return c.RSS.validate()
	default:
		return fmt.Errorf("unsupported source type %q", c.SourceType)
	}
}

func (c RSSConfig) validate() error {
	if c.SchemaVersion != RSSConfigSchemaVersion {
		return fmt.Errorf("unsupported rss config schema version %q", c.SchemaVersion)
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("parse feed url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("feed url must be http(s), got %q", c.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("feed url %q has no host", c.URL)
	}
	return nil
}

// Fingerprint returns a stable hash of the config used for drift detection
// between the stored actor state and the source of record.
func (c SourceConfig) Fingerprint() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ActorState is the durable per-source scheduler state. Each scheduler actor
// exclusively owns its row; nothing else reads or writes it.
type ActorState struct {
	SourceID            int64        `json:"source_id"`
	SourceType          string       `json:"source_type"`
	Config              SourceConfig `json:"config"`
	ConfigFingerprint   string       `json:"config_fingerprint"`
	ScrapeFrequencyTier int          `json:"scrape_frequency_tier"`
	LastChecked         *time.Time   `json:"last_checked"`
}

// Validate guards against corrupted persisted state. A failure here
// quarantines the actor rather than crashing it.
func (s ActorState) Validate() error {
	if s.SourceID <= 0 {
		return fmt.Errorf("source id must be positive, got %d", s.SourceID)
	}
	if s.SourceType == "" {
		return fmt.Errorf("source type is empty")
	}
	if s.ScrapeFrequencyTier <= 0 {
		return fmt.Errorf("scrape frequency tier must be positive, got %d", s.ScrapeFrequencyTier)
	}
	if err := s.Config.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
