package models

import "time"

// CacheSource tags how a cached answer was produced or served.
type CacheSource string

const (
	SourceDirect   CacheSource = "direct"
	SourceSemantic CacheSource = "semantic"
	SourceFallback CacheSource = "fallback"
)

// NamespaceStats reports the footprint of a single cache namespace.
type NamespaceStats struct {
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries          int64                     `json:"entries"`
	Hits             int64                     `json:"hits"`
	SemanticHits     int64                     `json:"semantic_hits"`
	Misses           int64                     `json:"misses"`
	SemanticSearches int64                     `json:"semantic_searches"`
	Sets             int64                     `json:"sets"`
	Deletes          int64                     `json:"deletes"`
	Evictions        int64                     `json:"evictions"`
	Expirations      int64                     `json:"expirations"`
	MemoryBytes      int64                     `json:"memory_bytes"`
	MemoryMB         float64                   `json:"memory_mb"`
	HitRate          float64                   `json:"hit_rate"`
	SemanticRate     float64                   `json:"semantic_match_rate"`
	TokensSaved      float64                   `json:"tokens_saved"`
	TokenSavingsRate float64                   `json:"token_savings_rate"`
	Namespaces       map[string]NamespaceStats `json:"namespaces"`
}

// StatsSnapshot is a point-in-time copy of CacheStats kept for dashboards.
type StatsSnapshot struct {
	ID        int64      `json:"id"`
	Stats     CacheStats `json:"stats"`
	CreatedAt time.Time  `json:"created_at"`
}
