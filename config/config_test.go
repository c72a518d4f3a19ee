package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultScraperConfig(t *testing.T) {
	cfg := DefaultScraperConfig()

	assert.Equal(t, 3, cfg.ChunkSize)
	assert.Equal(t, 10, cfg.MaxChunkSize)
	assert.Equal(t, 1000*time.Millisecond, cfg.ChunkDelay)
	assert.Equal(t, 60*time.Second, cfg.PollInterval)
	assert.Equal(t, 2*time.Hour, cfg.MinContinuityPeriod)
	assert.Equal(t, 10, cfg.MaxCompetitors)
	assert.Equal(t, 30, cfg.PostLimits["instagram"])
	assert.Equal(t, 30, cfg.PostLimits["tiktok"])
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.NoError(t, cfg.Validate())
}

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	t.Setenv("SCRAPER_CHUNK_SIZE", "5")
	t.Setenv("SCRAPER_CHUNK_DELAY_MS", "250")
	t.Setenv("SCRAPER_POST_LIMIT_INSTAGRAM", "12")
	t.Setenv("SCRAPER_EVENTS", "nop")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.ChunkSize)
	assert.Equal(t, 250*time.Millisecond, cfg.ChunkDelay)
	assert.Equal(t, 12, cfg.PostLimits["instagram"])
	assert.Equal(t, 30, cfg.PostLimits["tiktok"])
	assert.Equal(t, "nop", cfg.EventsBackend)
}

func TestLoadRejectsInvalidOverrides(t *testing.T) {
	t.Setenv("SCRAPER_STORE", "cassandra")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ScraperConfig)
		wantErr bool
	}{
		{"defaults pass", func(c *ScraperConfig) {}, false},
		{"zero chunk size", func(c *ScraperConfig) { c.ChunkSize = 0 }, true},
		{"negative chunk delay", func(c *ScraperConfig) { c.ChunkDelay = -time.Second }, true},
		{"zero poll interval", func(c *ScraperConfig) { c.PollInterval = 0 }, true},
		{"zero continuity floor", func(c *ScraperConfig) { c.MinContinuityPeriod = 0 }, true},
		{"zero due batch", func(c *ScraperConfig) { c.DueBatchSize = 0 }, true},
		{"zero post limit", func(c *ScraperConfig) { c.PostLimits["instagram"] = 0 }, true},
		{"bad store backend", func(c *ScraperConfig) { c.StoreBackend = "redis" }, true},
		{"bad events backend", func(c *ScraperConfig) { c.EventsBackend = "kafka" }, true},
		{"dapr store without name", func(c *ScraperConfig) {
			c.StoreBackend = "dapr"
			c.StateStoreName = ""
		}, true},
		{"dapr events without pubsub", func(c *ScraperConfig) {
			c.EventsBackend = "dapr"
			c.PubSubName = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultScraperConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEffectiveChunkSize(t *testing.T) {
	cfg := DefaultScraperConfig()
	assert.Equal(t, 3, cfg.EffectiveChunkSize())

	cfg.ChunkSize = 50
	assert.Equal(t, 10, cfg.EffectiveChunkSize())
}

func TestPostLimitFallback(t *testing.T) {
	cfg := DefaultScraperConfig()
	assert.Equal(t, 30, cfg.PostLimit("instagram"))
	assert.Equal(t, 30, cfg.PostLimit("unknown"))

	cfg.PostLimits["instagram"] = 7
	assert.Equal(t, 7, cfg.PostLimit("instagram"))
}
