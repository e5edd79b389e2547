package cache

import "sort"

// evictionTarget is the fraction of the memory budget eviction frees down to.
const evictionTarget = 0.9

func (c *Cache[V]) overBudgetLocked() bool {
	return c.entries > c.cfg.MaxEntries || c.memory > c.maxMemory
}

type evictionCandidate[V any] struct {
	ns   string
	hash string
	e    *entry[V]
}

// evictLocked removes globally least-recently-used entries until the entry
// count fits and, under memory pressure, usage is at most 90% of budget.
func (c *Cache[V]) evictLocked() {
	memoryPressure := c.memory > c.maxMemory
	target := int64(float64(c.maxMemory) * evictionTarget)

	all := make([]evictionCandidate[V], 0, c.entries)
	for ns, slots := range c.namespaces {
		for hash, e := range slots {
			all = append(all, evictionCandidate[V]{ns: ns, hash: hash, e: e})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].e, all[j].e
		if !a.lastAccessed.Equal(b.lastAccessed) {
			return a.lastAccessed.Before(b.lastAccessed)
		}
		return a.seq < b.seq
	})

	var evicted int
	var freed int64
	for _, cand := range all {
		countOK := c.entries <= c.cfg.MaxEntries
		memoryOK := !memoryPressure || c.memory <= target
		if countOK && memoryOK {
			break
		}
		freed += cand.e.sizeBytes
		c.removeLocked(cand.ns, cand.hash)
		c.stats.evictions++
		evicted++
	}

	c.log.Debug("evicted cache entries",
		"evicted", evicted,
		"freed_bytes", freed,
		"entries", c.entries,
		"memory_bytes", c.memory,
	)
}
