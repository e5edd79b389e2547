// Package cache implements the answer cache: a namespace-partitioned,
// TTL- and memory-bounded store whose lookups can fall back to
// embedding similarity when no exact key matches.
//
// A Cache never returns errors. Embedding failures, unserializable values
// and failing background sweeps all degrade to a cache miss or a coarser
// estimate, so a caching fault cannot fail the caller's request.
package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/supportbot/recall/pkg/embedding"
	"github.com/supportbot/recall/pkg/models"
)

const bytesPerMB = 1024 * 1024

// Hit is a successful lookup.
type Hit[V any] struct {
	Value      V
	Metadata   map[string]any
	Source     models.CacheSource
	Similarity float64
}

type counters struct {
	hits             int64
	semanticHits     int64
	misses           int64
	semanticSearches int64
	sets             int64
	deletes          int64
	evictions        int64
	expirations      int64
	tokensSaved      float64
}

// Cache is an in-memory answer cache over values of type V. It is safe for
// concurrent use; all bookkeeping is serialized by a single mutex and
// embedding calls are made outside it.
type Cache[V any] struct {
	cfg       Config
	log       *slog.Logger
	maxMemory int64

	mu         sync.Mutex
	namespaces map[string]map[string]*entry[V]
	entries    int
	memory     int64
	seq        uint64
	stats      counters
	memo       *lru.Cache[string, memoHit[V]]
	queryVecs  *lru.Cache[string, memoVector]

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Cache. Call Open to start background cleanup.
func New[V any](cfg Config) *Cache[V] {
	cfg = cfg.withDefaults()
	// lru.New only fails for a non-positive size, which withDefaults rules out.
	memo, _ := lru.New[string, memoHit[V]](cfg.MemoSize)
	queryVecs, _ := lru.New[string, memoVector](cfg.MemoSize)
	return &Cache[V]{
		cfg:        cfg,
		log:        cfg.Logger.With("component", "cache"),
		maxMemory:  int64(cfg.MaxMemoryMB * bytesPerMB),
		namespaces: make(map[string]map[string]*entry[V]),
		memo:       memo,
		queryVecs:  queryVecs,
	}
}

// Set stores value under key. With Embed, the embedding is computed from
// EmbeddingText (or the key) before the store is locked; a failed
// embedding stores the entry without one. If the store exceeds its entry
// or memory budget afterwards, eviction runs before Set returns.
func (c *Cache[V]) Set(ctx context.Context, key string, value V, opts ...Option) {
	o := newCallOptions(opts)

	meta := copyMetadata(o.metadata)
	if o.ttl > 0 {
		if meta == nil {
			meta = make(map[string]any, 1)
		}
		meta[MetadataTTL] = o.ttl.Seconds()
	}

	var vec []float32
	if o.embed && c.cfg.Embedder != nil {
		text := o.embeddingText
		if text == "" {
			text = key
		}
		res := embedding.Compute(ctx, c.cfg.Embedder, text)
		if res.Ok() {
			vec = res.Vector
		} else {
			c.log.Warn("embedding unavailable, storing entry without vector",
				"namespace", o.namespace, "error", res.Reason)
		}
	}

	hash := hashKey(key)
	now := c.cfg.Now()
	e := &entry[V]{
		value:        value,
		createdAt:    now,
		lastAccessed: now,
		embedding:    vec,
		metadata:     meta,
		source:       models.SourceDirect,
	}
	e.sizeBytes = estimateSize(hash, value, meta, vec)

	c.mu.Lock()
	defer c.mu.Unlock()

	ns, ok := c.namespaces[o.namespace]
	if !ok {
		ns = make(map[string]*entry[V])
		c.namespaces[o.namespace] = ns
	}
	if old, ok := ns[hash]; ok {
		c.entries--
		c.memory -= old.sizeBytes
	}
	c.seq++
	e.seq = c.seq
	ns[hash] = e
	c.entries++
	c.memory += e.sizeBytes
	c.stats.sets++

	if c.overBudgetLocked() {
		c.evictLocked()
	}
}

// Get returns the value cached under key.
func (c *Cache[V]) Get(ctx context.Context, key string, opts ...Option) (V, bool) {
	hit, ok := c.Lookup(ctx, key, opts...)
	return hit.Value, ok
}

// Lookup is Get that also reports metadata, provenance and similarity.
// An exact, fresh entry is served first. A stale exact entry is expired on
// the spot. With AllowSemantic and a configured Embedder, the namespace is
// then searched for the most similar fresh entry.
func (c *Cache[V]) Lookup(ctx context.Context, key string, opts ...Option) (Hit[V], bool) {
	o := newCallOptions(opts)
	hash := hashKey(key)

	c.mu.Lock()
	if hit, ok := c.exactLocked(o.namespace, hash); ok {
		c.mu.Unlock()
		return hit, true
	}
	if !o.semantic || c.cfg.Embedder == nil {
		c.stats.misses++
		c.mu.Unlock()
		return Hit[V]{}, false
	}
	c.mu.Unlock()

	text := o.embeddingText
	if text == "" {
		text = key
	}
	if hit, ok := c.semanticLookup(ctx, o.namespace, text); ok {
		return hit, true
	}

	c.mu.Lock()
	c.stats.misses++
	c.mu.Unlock()
	return Hit[V]{}, false
}

func (c *Cache[V]) exactLocked(ns, hash string) (Hit[V], bool) {
	e, ok := c.namespaces[ns][hash]
	if !ok {
		return Hit[V]{}, false
	}
	now := c.cfg.Now()
	if !e.fresh(now, c.ttlOf(e), c.cfg.FreshnessThreshold) {
		c.removeLocked(ns, hash)
		c.stats.expirations++
		return Hit[V]{}, false
	}
	c.touchLocked(e, now)
	c.stats.hits++
	return Hit[V]{
		Value:      e.value,
		Metadata:   copyMetadata(e.metadata),
		Source:     models.SourceDirect,
		Similarity: 1,
	}, true
}

func (c *Cache[V]) touchLocked(e *entry[V], now time.Time) {
	c.seq++
	e.touch(now, c.seq)
	c.stats.tokensSaved += estimateTokens(c.cfg.TextOf(e.value))
}

// ttlOf returns the effective TTL of e.
func (c *Cache[V]) ttlOf(e *entry[V]) time.Duration {
	if v, ok := e.metadata[MetadataTTL]; ok {
		if d, ok := ttlOf(v); ok {
			return d
		}
	}
	return c.cfg.DefaultTTL
}

// Delete removes key from its namespace and reports whether it existed.
func (c *Cache[V]) Delete(key string, opts ...Option) bool {
	o := newCallOptions(opts)
	hash := hashKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.namespaces[o.namespace][hash]; !ok {
		return false
	}
	c.removeLocked(o.namespace, hash)
	c.stats.deletes++
	return true
}

// Clear empties the named namespaces, or the whole store when none are
// given. Statistics counters are kept.
func (c *Cache[V]) Clear(namespaces ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(namespaces) == 0 {
		c.namespaces = make(map[string]map[string]*entry[V])
		c.entries = 0
		c.memory = 0
	} else {
		for _, ns := range namespaces {
			for hash := range c.namespaces[ns] {
				c.removeLocked(ns, hash)
			}
		}
	}
	c.purgeMemoLocked(namespaces)
}

// purgeMemoLocked forgets semantic results for the given namespaces, or
// for all of them when none are given. Query vectors do not depend on the
// store contents and are kept.
func (c *Cache[V]) purgeMemoLocked(namespaces []string) {
	if len(namespaces) == 0 {
		c.memo.Purge()
		return
	}
	for _, mk := range c.memo.Keys() {
		for _, ns := range namespaces {
			if strings.HasPrefix(mk, ns+"\x00") {
				c.memo.Remove(mk)
				break
			}
		}
	}
}

// removeLocked drops a slot and deletes its namespace once empty.
func (c *Cache[V]) removeLocked(ns, hash string) {
	slots := c.namespaces[ns]
	e, ok := slots[hash]
	if !ok {
		return
	}
	delete(slots, hash)
	c.entries--
	c.memory -= e.sizeBytes
	if len(slots) == 0 {
		delete(c.namespaces, ns)
	}
}

// Len returns the number of entries across all namespaces.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries
}
