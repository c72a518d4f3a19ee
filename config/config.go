// Package config provides configuration structures for the scraper engine
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ScraperConfig holds configuration for the scrape queue and the continuity
// scheduler. All values have sane defaults and are independently overridable
// through SCRAPER_* environment variables.
type ScraperConfig struct {
	// Queue runner configuration
	ChunkSize    int           `yaml:"chunk_size" json:"chunk_size"`         // Targets fetched concurrently per chunk
	ChunkDelay   time.Duration `yaml:"chunk_delay" json:"chunk_delay"`       // Pause between chunks
	MaxChunkSize int           `yaml:"max_chunk_size" json:"max_chunk_size"` // Hard cap on chunk size

	// Fetch configuration
	PostLimits map[string]int `yaml:"post_limits" json:"post_limits"` // Per-platform post fetch bound

	// Continuity scheduler configuration
	PollInterval        time.Duration `yaml:"poll_interval" json:"poll_interval"`                 // Due-job poll frequency
	MinContinuityPeriod time.Duration `yaml:"min_continuity_period" json:"min_continuity_period"` // Interval floor
	MaxCompetitors      int           `yaml:"max_competitors" json:"max_competitors"`             // Competitor targets per cycle
	DueBatchSize        int           `yaml:"due_batch_size" json:"due_batch_size"`               // Due jobs handled per tick

	// Backend selection
	StoreBackend  string `yaml:"store_backend" json:"store_backend"`   // "memory" or "dapr"
	EventsBackend string `yaml:"events_backend" json:"events_backend"` // "log", "dapr" or "nop"

	// Dapr configuration
	PubSubName     string `yaml:"pubsub_name" json:"pubsub_name"`
	EventsTopic    string `yaml:"events_topic" json:"events_topic"`
	StateStoreName string `yaml:"state_store_name" json:"state_store_name"`
}

// DefaultScraperConfig returns a configuration with sensible defaults
func DefaultScraperConfig() *ScraperConfig {
	return &ScraperConfig{
		ChunkSize:    3,
		ChunkDelay:   1000 * time.Millisecond,
		MaxChunkSize: 10,
		PostLimits: map[string]int{
			"instagram": 30,
			"tiktok":    30,
		},
		PollInterval:        60 * time.Second,
		MinContinuityPeriod: 2 * time.Hour,
		MaxCompetitors:      10,
		DueBatchSize:        10,
		StoreBackend:        "memory",
		EventsBackend:       "log",
		PubSubName:          "pubsub",
		EventsTopic:         "scrape-events",
		StateStoreName:      "statestore",
	}
}

// Load reads SCRAPER_* environment overrides on top of the defaults.
func Load() (*ScraperConfig, error) {
	cfg := DefaultScraperConfig()

	v := viper.New()
	v.SetEnvPrefix("scraper")
	v.AutomaticEnv()

	v.SetDefault("chunk_size", cfg.ChunkSize)
	v.SetDefault("chunk_delay_ms", int(cfg.ChunkDelay/time.Millisecond))
	v.SetDefault("poll_interval_ms", int(cfg.PollInterval/time.Millisecond))
	v.SetDefault("post_limit_instagram", cfg.PostLimits["instagram"])
	v.SetDefault("post_limit_tiktok", cfg.PostLimits["tiktok"])
	v.SetDefault("min_continuity_hours", int(cfg.MinContinuityPeriod/time.Hour))
	v.SetDefault("max_competitors_per_cycle", cfg.MaxCompetitors)
	v.SetDefault("due_batch_size", cfg.DueBatchSize)
	v.SetDefault("store", cfg.StoreBackend)
	v.SetDefault("events", cfg.EventsBackend)
	v.SetDefault("pubsub_name", cfg.PubSubName)
	v.SetDefault("events_topic", cfg.EventsTopic)
	v.SetDefault("state_store_name", cfg.StateStoreName)

	cfg.ChunkSize = v.GetInt("chunk_size")
	cfg.ChunkDelay = time.Duration(v.GetInt("chunk_delay_ms")) * time.Millisecond
	cfg.PollInterval = time.Duration(v.GetInt("poll_interval_ms")) * time.Millisecond
	cfg.PostLimits["instagram"] = v.GetInt("post_limit_instagram")
	cfg.PostLimits["tiktok"] = v.GetInt("post_limit_tiktok")
	cfg.MinContinuityPeriod = time.Duration(v.GetInt("min_continuity_hours")) * time.Hour
	cfg.MaxCompetitors = v.GetInt("max_competitors_per_cycle")
	cfg.DueBatchSize = v.GetInt("due_batch_size")
	cfg.StoreBackend = v.GetString("store")
	cfg.EventsBackend = v.GetString("events")
	cfg.PubSubName = v.GetString("pubsub_name")
	cfg.EventsTopic = v.GetString("events_topic")
	cfg.StateStoreName = v.GetString("state_store_name")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *ScraperConfig) Validate() error {
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be at least 1")
	}

	if c.MaxChunkSize < 1 {
		return fmt.Errorf("max_chunk_size must be at least 1")
	}

	if c.ChunkDelay < 0 {
		return fmt.Errorf("chunk_delay cannot be negative")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}

	if c.MinContinuityPeriod <= 0 {
		return fmt.Errorf("min_continuity_period must be positive")
	}

	if c.MaxCompetitors < 0 {
		return fmt.Errorf("max_competitors cannot be negative")
	}

	if c.DueBatchSize < 1 {
		return fmt.Errorf("due_batch_size must be at least 1")
	}

	for platform, limit := range c.PostLimits {
		if limit < 1 {
			return fmt.Errorf("post limit for %s must be at least 1", platform)
		}
	}

	validStores := map[string]bool{"memory": true, "dapr": true}
	if !validStores[c.StoreBackend] {
		return fmt.Errorf("invalid store backend '%s', must be one of: memory, dapr", c.StoreBackend)
	}

	validEvents := map[string]bool{"log": true, "dapr": true, "nop": true}
	if !validEvents[c.EventsBackend] {
		return fmt.Errorf("invalid events backend '%s', must be one of: log, dapr, nop", c.EventsBackend)
	}

	if c.StoreBackend == "dapr" && c.StateStoreName == "" {
		return fmt.Errorf("state_store_name cannot be empty when using the dapr store")
	}

	if c.EventsBackend == "dapr" && c.PubSubName == "" {
		return fmt.Errorf("pubsub_name cannot be empty when using dapr events")
	}

	return nil
}

// EffectiveChunkSize returns the configured chunk size bounded by the hard cap.
func (c *ScraperConfig) EffectiveChunkSize() int {
	if c.ChunkSize > c.MaxChunkSize {
		return c.MaxChunkSize
	}
	return c.ChunkSize
}

// PostLimit returns the fetch bound for a platform, falling back to a
// conservative default for unknown platforms.
func (c *ScraperConfig) PostLimit(platform string) int {
	if limit, ok := c.PostLimits[platform]; ok {
		return limit
	}
	return 30
}
