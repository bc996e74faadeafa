// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	DB         DBConfig         `mapstructure:"db"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Render     RenderConfig     `mapstructure:"render"`
	Processor  ProcessorConfig  `mapstructure:"processor"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Clustering ClusteringConfig `mapstructure:"clustering"`
	Brief      BriefConfig      `mapstructure:"brief"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the primary store.
type DBConfig struct {
	// Provider selects postgres or memory.
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// StorageConfig selects and configures the blob store.
type StorageConfig struct {
	// Provider selects gcs, local, or memory.
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// PubSubConfig holds the downstream item queue wiring.
type PubSubConfig struct {
	// Provider selects pubsub or memory.
	Provider       string `mapstructure:"provider"`
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
	// SubBatchSize bounds the per-workflow chunk taken from one inbound batch.
	SubBatchSize int `mapstructure:"sub_batch_size"`
}

// RateLimitConfig paces outbound article fetches.
type RateLimitConfig struct {
	MaxConcurrent    int `mapstructure:"max_concurrent"`
	GlobalCooldownMs int `mapstructure:"global_cooldown_ms"`
	DomainCooldownMs int `mapstructure:"domain_cooldown_ms"`
}

// FetchConfig configures the lightweight article fetcher.
type FetchConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// RenderConfig configures the headless rendering fallback.
type RenderConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// ProcessorConfig bounds the enrichment pipeline.
type ProcessorConfig struct {
	InlineThresholdBytes  int `mapstructure:"inline_threshold_bytes"`
	SerialCooldownSeconds int `mapstructure:"serial_cooldown_seconds"`
}

// SchedulerConfig tunes per-source actors.
type SchedulerConfig struct {
	QueueChunkSize int `mapstructure:"queue_chunk_size"`
}

// LLMConfig is the compile-time fallback for the runtime LLM settings.
type LLMConfig struct {
	Provider   string `mapstructure:"provider"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	EmbedModel string `mapstructure:"embed_model"`
}

// ClusteringConfig locates the external clustering service.
type ClusteringConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Token          string `mapstructure:"token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// BriefConfig bounds brief generation.
type BriefConfig struct {
	LookbackHours  int    `mapstructure:"lookback_hours"`
	MinClusterSize int    `mapstructure:"min_cluster_size"`
	ModelAuthor    string `mapstructure:"model_author"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEWSBRIEF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("pubsub.provider", "memory")
	v.SetDefault("pubsub.sub_batch_size", 20)
	v.SetDefault("ratelimit.max_concurrent", 8)
	v.SetDefault("ratelimit.global_cooldown_ms", 1000)
	v.SetDefault("ratelimit.domain_cooldown_ms", 5000)
	v.SetDefault("fetch.timeout_seconds", 120)
	v.SetDefault("render.enabled", true)
	v.SetDefault("render.max_parallel", 2)
	v.SetDefault("render.nav_timeout_seconds", 45)
	v.SetDefault("processor.inline_threshold_bytes", 10240)
	v.SetDefault("processor.serial_cooldown_seconds", 2)
	v.SetDefault("scheduler.queue_chunk_size", 100)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.embed_model", "text-embedding-3-small")
	v.SetDefault("clustering.base_url", "http://localhost:8000")
	v.SetDefault("clustering.timeout_seconds", 120)
	v.SetDefault("brief.lookback_hours", 24)
	v.SetDefault("brief.min_cluster_size", 2)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.DB.Provider {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.provider is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("db.provider must be postgres or memory, got %q", c.DB.Provider)
	}
	switch c.Storage.Provider {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is gcs")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.provider is local")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.provider must be gcs, local, or memory, got %q", c.Storage.Provider)
	}
	switch c.PubSub.Provider {
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.TopicID == "" || c.PubSub.SubscriptionID == "" {
			return fmt.Errorf("pubsub.project_id, pubsub.topic_id, and pubsub.subscription_id must be set when pubsub.provider is pubsub")
		}
	case "memory":
	default:
		return fmt.Errorf("pubsub.provider must be pubsub or memory, got %q", c.PubSub.Provider)
	}
	if c.RateLimit.MaxConcurrent <= 0 {
		return fmt.Errorf("ratelimit.max_concurrent must be > 0")
	}
	if c.Render.Enabled && c.Render.MaxParallel <= 0 {
		return fmt.Errorf("render.max_parallel must be > 0 when rendering is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Brief.MinClusterSize < 2 {
		return fmt.Errorf("brief.min_cluster_size must be >= 2")
	}
	return nil
}

// FetchTimeout converts the fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}
