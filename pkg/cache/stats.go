package cache

import "github.com/supportbot/recall/pkg/models"

// Stats returns a snapshot of the cache's counters and footprint.
func (c *Cache[V]) Stats() models.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := models.CacheStats{
		Entries:          int64(c.entries),
		Hits:             c.stats.hits,
		SemanticHits:     c.stats.semanticHits,
		Misses:           c.stats.misses,
		SemanticSearches: c.stats.semanticSearches,
		Sets:             c.stats.sets,
		Deletes:          c.stats.deletes,
		Evictions:        c.stats.evictions,
		Expirations:      c.stats.expirations,
		MemoryBytes:      c.memory,
		MemoryMB:         float64(c.memory) / bytesPerMB,
		TokensSaved:      c.stats.tokensSaved,
		Namespaces:       make(map[string]models.NamespaceStats, len(c.namespaces)),
	}

	lookups := c.stats.hits + c.stats.semanticHits + c.stats.misses
	if lookups > 0 {
		s.HitRate = float64(c.stats.hits+c.stats.semanticHits) / float64(lookups)
		s.TokenSavingsRate = c.stats.tokensSaved / float64(lookups)
	}
	if c.stats.semanticSearches > 0 {
		s.SemanticRate = float64(c.stats.semanticHits) / float64(c.stats.semanticSearches)
	}

	for name, slots := range c.namespaces {
		var ns models.NamespaceStats
		for _, e := range slots {
			ns.Entries++
			ns.SizeBytes += e.sizeBytes
		}
		s.Namespaces[name] = ns
	}
	return s
}
