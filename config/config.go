// Package config loads pipeline configuration from the environment with
// sensible defaults for local development.
package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Providers ProvidersConfig
	Embedding EmbeddingConfig
	Normalize NormalizeConfig
	Queue     QueueConfig
	Search    SearchConfig
	Store     StoreConfig
}

type ProvidersConfig struct {
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIModel     string

	RequestTimeout time.Duration
	RatePerMinute  int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

type EmbeddingConfig struct {
	ServerURL  string
	Dimensions int
	BatchSize  int
	BatchPause time.Duration
}

type NormalizeConfig struct {
	MaxBytes     int
	MaxDimension int
}

type QueueConfig struct {
	Concurrency int
	GroupPause  time.Duration
}

type SearchConfig struct {
	MinSimilarity float64
	Limit         int
}

// StoreConfig selects the persistence backend. Driver is "sqlite" or
// "postgres"; Path is the sqlite file, DSN the postgres connection string.
type StoreConfig struct {
	Driver string
	Path   string
	DSN    string
}

// Load reads configuration from TV_-prefixed environment variables,
// falling back to the defaults below.
func Load() (*Config, error) {
	viper.SetDefault("ANTHROPIC_API_KEY", "")
	viper.SetDefault("ANTHROPIC_MODEL", "claude-3-5-sonnet-20241022")
	viper.SetDefault("OPENAI_API_KEY", "")
	viper.SetDefault("OPENAI_MODEL", "gpt-4o")
	viper.SetDefault("PROVIDER_TIMEOUT", "30s")
	viper.SetDefault("PROVIDER_RATE_PER_MINUTE", 20)
	viper.SetDefault("PROVIDER_MAX_ATTEMPTS", 3)
	viper.SetDefault("PROVIDER_RETRY_BASE_DELAY", "1s")
	viper.SetDefault("EMBED_SERVER_URL", "http://localhost:8000")
	viper.SetDefault("EMBED_DIMENSIONS", 512)
	viper.SetDefault("EMBED_BATCH_SIZE", 8)
	viper.SetDefault("EMBED_BATCH_PAUSE", "200ms")
	viper.SetDefault("NORMALIZE_MAX_BYTES", 4<<20)
	viper.SetDefault("NORMALIZE_MAX_DIMENSION", 2200)
	viper.SetDefault("QUEUE_CONCURRENCY", 3)
	viper.SetDefault("QUEUE_GROUP_PAUSE", "2s")
	viper.SetDefault("SEARCH_MIN_SIMILARITY", 0.2)
	viper.SetDefault("SEARCH_LIMIT", 20)
	viper.SetDefault("STORE_DRIVER", "sqlite")
	viper.SetDefault("STORE_PATH", "./targetvision.db")
	viper.SetDefault("STORE_DSN", "")

	viper.SetEnvPrefix("tv")
	viper.AutomaticEnv()

	cfg := &Config{
		Providers: ProvidersConfig{
			AnthropicAPIKey: viper.GetString("ANTHROPIC_API_KEY"),
			AnthropicModel:  viper.GetString("ANTHROPIC_MODEL"),
			OpenAIAPIKey:    viper.GetString("OPENAI_API_KEY"),
			OpenAIModel:     viper.GetString("OPENAI_MODEL"),
			RequestTimeout:  viper.GetDuration("PROVIDER_TIMEOUT"),
			RatePerMinute:   viper.GetInt("PROVIDER_RATE_PER_MINUTE"),
			MaxAttempts:     viper.GetInt("PROVIDER_MAX_ATTEMPTS"),
			RetryBaseDelay:  viper.GetDuration("PROVIDER_RETRY_BASE_DELAY"),
		},
		Embedding: EmbeddingConfig{
			ServerURL:  viper.GetString("EMBED_SERVER_URL"),
			Dimensions: viper.GetInt("EMBED_DIMENSIONS"),
			BatchSize:  viper.GetInt("EMBED_BATCH_SIZE"),
			BatchPause: viper.GetDuration("EMBED_BATCH_PAUSE"),
		},
		Normalize: NormalizeConfig{
			MaxBytes:     viper.GetInt("NORMALIZE_MAX_BYTES"),
			MaxDimension: viper.GetInt("NORMALIZE_MAX_DIMENSION"),
		},
		Queue: QueueConfig{
			Concurrency: viper.GetInt("QUEUE_CONCURRENCY"),
			GroupPause:  viper.GetDuration("QUEUE_GROUP_PAUSE"),
		},
		Search: SearchConfig{
			MinSimilarity: viper.GetFloat64("SEARCH_MIN_SIMILARITY"),
			Limit:         viper.GetInt("SEARCH_LIMIT"),
		},
		Store: StoreConfig{
			Driver: viper.GetString("STORE_DRIVER"),
			Path:   viper.GetString("STORE_PATH"),
			DSN:    viper.GetString("STORE_DSN"),
		},
	}

	return cfg, nil
}

// HasAnthropic reports whether the Anthropic provider is configured.
func (c *Config) HasAnthropic() bool { return c.Providers.AnthropicAPIKey != "" }

// HasOpenAI reports whether the OpenAI provider is configured.
func (c *Config) HasOpenAI() bool { return c.Providers.OpenAIAPIKey != "" }
