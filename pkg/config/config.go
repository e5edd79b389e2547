package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all recall configuration.
type Config struct {
	Listen    string           `yaml:"listen"`
	DBPath    string           `yaml:"db_path"`
	Providers []ProviderConfig `yaml:"providers"`
	Embedding EmbeddingConfig  `yaml:"embedding"`
	Cache     CacheConfig      `yaml:"cache"`
	Stats     StatsConfig      `yaml:"stats"`
	Log       LogConfig        `yaml:"log"`
}

// ProviderConfig defines an upstream chat-completions provider.
// Providers are tried in order on upstream failure.
type ProviderConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// EmbeddingConfig points at an OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	RPS        float64       `yaml:"rps"`
	Burst      int           `yaml:"burst"`
	MaxRetries int           `yaml:"max_retries"`
}

// CacheConfig controls the answer cache.
type CacheConfig struct {
	MaxEntries          int           `yaml:"max_entries"`
	DefaultTTL          time.Duration `yaml:"default_ttl"`
	MaxMemoryMB         float64       `yaml:"max_memory_mb"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	FreshnessThreshold  float64       `yaml:"freshness_threshold"`
	// Semantic enables similarity lookups; it needs an embedding endpoint.
	Semantic bool `yaml:"semantic"`
}

// StatsConfig controls the stats history recorder.
type StatsConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Retention time.Duration `yaml:"retention"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// envOverrides are applied on top of the file. Durations are in seconds.
type envOverrides struct {
	Listen              *string  `env:"RECALL_LISTEN"`
	LogLevel            *string  `env:"RECALL_LOG_LEVEL"`
	MaxEntries          *int     `env:"RECALL_CACHE_MAX_ENTRIES"`
	DefaultTTL          *float64 `env:"RECALL_CACHE_DEFAULT_TTL"`
	MaxMemoryMB         *float64 `env:"RECALL_CACHE_MAX_MEMORY_MB"`
	CleanupInterval     *float64 `env:"RECALL_CACHE_CLEANUP_INTERVAL"`
	SimilarityThreshold *float64 `env:"RECALL_CACHE_SIMILARITY_THRESHOLD"`
	FreshnessThreshold  *float64 `env:"RECALL_CACHE_FRESHNESS_THRESHOLD"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "recall.db",
		Embedding: EmbeddingConfig{
			Model:      "text-embedding-3-small",
			Timeout:    10 * time.Second,
			MaxRetries: 3,
		},
		Cache: CacheConfig{
			MaxEntries:          1000,
			DefaultTTL:          time.Hour,
			MaxMemoryMB:         100,
			CleanupInterval:     5 * time.Minute,
			SimilarityThreshold: 0.85,
			FreshnessThreshold:  0.7,
		},
		Stats: StatsConfig{
			Interval:  time.Minute,
			Retention: 7 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file, expands environment variables, and
// applies RECALL_* overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv returns the defaults with RECALL_* overrides applied, for
// running without a config file.
func FromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays RECALL_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	if o.Listen != nil {
		c.Listen = *o.Listen
	}
	if o.LogLevel != nil {
		c.Log.Level = *o.LogLevel
	}
	if o.MaxEntries != nil {
		c.Cache.MaxEntries = *o.MaxEntries
	}
	if o.DefaultTTL != nil {
		c.Cache.DefaultTTL = seconds(*o.DefaultTTL)
	}
	if o.MaxMemoryMB != nil {
		c.Cache.MaxMemoryMB = *o.MaxMemoryMB
	}
	if o.CleanupInterval != nil {
		c.Cache.CleanupInterval = seconds(*o.CleanupInterval)
	}
	if o.SimilarityThreshold != nil {
		c.Cache.SimilarityThreshold = *o.SimilarityThreshold
	}
	if o.FreshnessThreshold != nil {
		c.Cache.FreshnessThreshold = *o.FreshnessThreshold
	}
	return nil
}

// Validate reports configuration values the cache cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Cache.MaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries))
	}
	if c.Cache.DefaultTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.default_ttl must be positive, got %v", c.Cache.DefaultTTL))
	}
	if c.Cache.MaxMemoryMB <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_memory_mb must be positive, got %v", c.Cache.MaxMemoryMB))
	}
	if c.Cache.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("cache.cleanup_interval must be positive, got %v", c.Cache.CleanupInterval))
	}
	if !unit(c.Cache.SimilarityThreshold) {
		errs = append(errs, fmt.Errorf("cache.similarity_threshold must be within (0,1], got %v", c.Cache.SimilarityThreshold))
	}
	if !unit(c.Cache.FreshnessThreshold) {
		errs = append(errs, fmt.Errorf("cache.freshness_threshold must be within (0,1], got %v", c.Cache.FreshnessThreshold))
	}
	if c.Embedding.Enabled && c.Embedding.URL == "" {
		errs = append(errs, errors.New("embedding.url is required when embedding is enabled"))
	}
	if c.Stats.Enabled && c.Stats.Interval <= 0 {
		errs = append(errs, fmt.Errorf("stats.interval must be positive, got %v", c.Stats.Interval))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SemanticEnabled reports whether similarity lookups can run.
func (c *Config) SemanticEnabled() bool {
	return c.Cache.Semantic && c.Embedding.Enabled
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// unit reports whether v is within (0,1]. The cache treats a zero
// threshold as unset.
func unit(v float64) bool {
	return v > 0 && v <= 1
}
