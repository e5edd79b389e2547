package cache

import (
	"log/slog"
	"time"

	"github.com/supportbot/recall/pkg/embedding"
)

// DefaultNamespace is used when a call does not name a namespace.
const DefaultNamespace = "default"

// MetadataTTL is the metadata key holding a per-entry TTL override. Values
// may be a time.Duration, a duration string, or a number of seconds.
const MetadataTTL = "ttl"

// Config configures a Cache. Zero fields take the value from DefaultConfig.
type Config struct {
	MaxEntries          int
	DefaultTTL          time.Duration
	MaxMemoryMB         float64
	CleanupInterval     time.Duration
	// Thresholds are in (0,1]; zero selects the default.
	SimilarityThreshold float64
	FreshnessThreshold  float64

	// Embedder enables semantic lookups. Nil disables them.
	Embedder embedding.Embedder
	Logger   *slog.Logger
	// Now is the clock used for freshness; defaults to time.Now.
	Now func() time.Time
	// TextOf extracts the text of a value for token-saving estimates.
	TextOf func(v any) string

	// Semantic search heuristics.
	AdaptiveRelaxation  float64
	AdaptiveMinAccesses int
	SemanticMemoTTL     time.Duration
	MemoSize            int
	PrefilterDims       int
	PrefilterMargin     float64
}

// DefaultConfig returns the configuration used for zero-valued fields.
func DefaultConfig() Config {
	return Config{
		MaxEntries:          1000,
		DefaultTTL:          time.Hour,
		MaxMemoryMB:         100,
		CleanupInterval:     5 * time.Minute,
		SimilarityThreshold: 0.85,
		FreshnessThreshold:  0.7,
		AdaptiveRelaxation:  0.05,
		AdaptiveMinAccesses: 5,
		SemanticMemoTTL:     time.Minute,
		MemoSize:            1024,
		PrefilterDims:       100,
		PrefilterMargin:     0.25,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	if c.MaxMemoryMB <= 0 {
		c.MaxMemoryMB = d.MaxMemoryMB
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.FreshnessThreshold <= 0 {
		c.FreshnessThreshold = d.FreshnessThreshold
	}
	if c.AdaptiveRelaxation <= 0 {
		c.AdaptiveRelaxation = d.AdaptiveRelaxation
	}
	if c.AdaptiveMinAccesses <= 0 {
		c.AdaptiveMinAccesses = d.AdaptiveMinAccesses
	}
	if c.SemanticMemoTTL <= 0 {
		c.SemanticMemoTTL = d.SemanticMemoTTL
	}
	if c.MemoSize <= 0 {
		c.MemoSize = d.MemoSize
	}
	if c.PrefilterDims <= 0 {
		c.PrefilterDims = d.PrefilterDims
	}
	if c.PrefilterMargin <= 0 {
		c.PrefilterMargin = d.PrefilterMargin
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.TextOf == nil {
		c.TextOf = defaultTextOf
	}
	return c
}

// Option customizes a single Set, Get, Lookup or Delete call.
type Option func(*callOptions)

type callOptions struct {
	namespace     string
	ttl           time.Duration
	metadata      map[string]any
	embeddingText string
	embed         bool
	semantic      bool
}

func newCallOptions(opts []Option) callOptions {
	o := callOptions{namespace: DefaultNamespace}
	for _, opt := range opts {
		opt(&o)
	}
	if o.namespace == "" {
		o.namespace = DefaultNamespace
	}
	return o
}

// Namespace selects the namespace a call operates on.
func Namespace(ns string) Option {
	return func(o *callOptions) { o.namespace = ns }
}

// TTL overrides the default TTL for the entry being set.
func TTL(d time.Duration) Option {
	return func(o *callOptions) { o.ttl = d }
}

// Metadata attaches caller side data to the entry being set.
func Metadata(m map[string]any) Option {
	return func(o *callOptions) { o.metadata = m }
}

// EmbeddingText sets the text embedded on Set, or the lookup text for a
// semantic Get. It defaults to the key.
func EmbeddingText(text string) Option {
	return func(o *callOptions) { o.embeddingText = text }
}

// Embed asks Set to compute and store an embedding for the entry.
func Embed() Option {
	return func(o *callOptions) { o.embed = true }
}

// AllowSemantic lets Get fall back to embedding-similarity matching.
func AllowSemantic() Option {
	return func(o *callOptions) { o.semantic = true }
}
