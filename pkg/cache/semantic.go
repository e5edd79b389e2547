package cache

import (
	"context"
	"math"
	"time"

	"github.com/supportbot/recall/pkg/embedding"
	"github.com/supportbot/recall/pkg/models"
)

// memoHit remembers the winner of a recent semantic search. The entry
// pointer ties the memo to one write of the slot; an overwrite invalidates it.
type memoHit[V any] struct {
	hash       string
	entry      *entry[V]
	similarity float64
	at         time.Time
}

// memoVector remembers a recently computed query embedding.
type memoVector struct {
	vec []float32
	at  time.Time
}

func memoKey(ns, text string) string {
	return ns + "\x00" + normalizeKey(text)
}

// semanticLookup finds the fresh entry in ns most similar to text. It does
// not count misses; the caller does.
func (c *Cache[V]) semanticLookup(ctx context.Context, ns, text string) (Hit[V], bool) {
	mk := memoKey(ns, text)

	c.mu.Lock()
	c.stats.semanticSearches++
	if m, ok := c.memo.Get(mk); ok {
		now := c.cfg.Now()
		if now.Sub(m.at) < c.cfg.SemanticMemoTTL {
			if e, ok := c.namespaces[ns][m.hash]; ok && e == m.entry &&
				e.fresh(now, c.ttlOf(e), c.cfg.FreshnessThreshold) {
				hit := c.serveSemanticLocked(e, m.similarity, now)
				c.mu.Unlock()
				return hit, true
			}
		}
		c.memo.Remove(mk)
	}
	c.mu.Unlock()

	vec, ok := c.queryVector(ctx, text)
	if !ok {
		return Hit[V]{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Now()
	hash, sim, ok := c.bestMatchLocked(ns, vec, now)
	if !ok {
		return Hit[V]{}, false
	}
	e := c.namespaces[ns][hash]
	c.memo.Add(mk, memoHit[V]{hash: hash, entry: e, similarity: sim, at: now})
	return c.serveSemanticLocked(e, sim, now), true
}

func (c *Cache[V]) serveSemanticLocked(e *entry[V], sim float64, now time.Time) Hit[V] {
	c.touchLocked(e, now)
	c.stats.semanticHits++
	return Hit[V]{
		Value:      e.value,
		Metadata:   copyMetadata(e.metadata),
		Source:     models.SourceSemantic,
		Similarity: sim,
	}
}

// queryVector embeds text, reusing a recent result for the same text.
func (c *Cache[V]) queryVector(ctx context.Context, text string) ([]float32, bool) {
	key := normalizeKey(text)

	c.mu.Lock()
	if m, ok := c.queryVecs.Get(key); ok && c.cfg.Now().Sub(m.at) < c.cfg.SemanticMemoTTL {
		c.mu.Unlock()
		return m.vec, true
	}
	c.mu.Unlock()

	res := embedding.Compute(ctx, c.cfg.Embedder, text)
	if !res.Ok() {
		c.log.Warn("semantic lookup skipped, embedding unavailable", "error", res.Reason)
		return nil, false
	}

	c.mu.Lock()
	c.queryVecs.Add(key, memoVector{vec: res.Vector, at: c.cfg.Now()})
	c.mu.Unlock()
	return res.Vector, true
}

// bestMatchLocked scans ns for the highest-scoring fresh entry at or above
// its adaptive threshold.
func (c *Cache[V]) bestMatchLocked(ns string, vec []float32, now time.Time) (string, float64, bool) {
	var (
		bestHash string
		bestSim  = -1.0
		found    bool
		n        = c.cfg.PrefilterDims
	)
	for hash, e := range c.namespaces[ns] {
		if len(e.embedding) == 0 {
			continue
		}
		if !e.fresh(now, c.ttlOf(e), c.cfg.FreshnessThreshold) {
			continue
		}
		threshold := c.thresholdFor(e)
		if len(vec) > n && len(e.embedding) > n {
			if cosineSimilarity(vec[:n], e.embedding[:n]) < threshold-c.cfg.PrefilterMargin {
				continue
			}
		}
		sim := cosineSimilarity(vec, e.embedding)
		if sim >= threshold && sim > bestSim {
			bestHash, bestSim, found = hash, sim, true
		}
	}
	return bestHash, bestSim, found
}

// thresholdFor relaxes the similarity threshold for popular entries.
func (c *Cache[V]) thresholdFor(e *entry[V]) float64 {
	if e.accessCount > c.cfg.AdaptiveMinAccesses {
		return c.cfg.SimilarityThreshold * (1 - c.cfg.AdaptiveRelaxation)
	}
	return c.cfg.SimilarityThreshold
}

// cosineSimilarity returns 0 for vectors of different length or zero norm.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
