// Package metrics exposes answer cache statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/supportbot/recall/pkg/models"
)

// StatsSource is anything that can report cache statistics.
type StatsSource interface {
	Stats() models.CacheStats
}

// Collector reads cache statistics at scrape time.
type Collector struct {
	src StatsSource

	lookups     *prometheus.Desc
	evictions   *prometheus.Desc
	expirations *prometheus.Desc
	sets        *prometheus.Desc
	searches    *prometheus.Desc
	tokensSaved *prometheus.Desc
	entries     *prometheus.Desc
	memoryBytes *prometheus.Desc
	hitRate     *prometheus.Desc
	nsEntries   *prometheus.Desc
	nsBytes     *prometheus.Desc
}

// NewCollector returns a Collector over src.
func NewCollector(src StatsSource) *Collector {
	return &Collector{
		src: src,
		lookups: prometheus.NewDesc("recall_cache_lookups_total",
			"Cache lookups by result (hit, semantic_hit, miss).", []string{"result"}, nil),
		evictions: prometheus.NewDesc("recall_cache_evictions_total",
			"Entries removed to enforce entry or memory budgets.", nil, nil),
		expirations: prometheus.NewDesc("recall_cache_expirations_total",
			"Entries removed because they were no longer fresh.", nil, nil),
		sets: prometheus.NewDesc("recall_cache_sets_total",
			"Entries written.", nil, nil),
		searches: prometheus.NewDesc("recall_cache_semantic_searches_total",
			"Semantic similarity searches attempted.", nil, nil),
		tokensSaved: prometheus.NewDesc("recall_cache_tokens_saved_total",
			"Estimated model tokens not generated thanks to cache hits.", nil, nil),
		entries: prometheus.NewDesc("recall_cache_entries",
			"Entries currently cached.", nil, nil),
		memoryBytes: prometheus.NewDesc("recall_cache_memory_bytes",
			"Estimated memory used by cached entries.", nil, nil),
		hitRate: prometheus.NewDesc("recall_cache_hit_rate",
			"Fraction of lookups served from cache.", nil, nil),
		nsEntries: prometheus.NewDesc("recall_cache_namespace_entries",
			"Entries per namespace.", []string{"namespace"}, nil),
		nsBytes: prometheus.NewDesc("recall_cache_namespace_bytes",
			"Estimated bytes per namespace.", []string{"namespace"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.lookups, c.evictions, c.expirations, c.sets, c.searches, c.tokensSaved,
		c.entries, c.memoryBytes, c.hitRate, c.nsEntries, c.nsBytes,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	ch <- prometheus.MustNewConstMetric(c.lookups, prometheus.CounterValue, float64(s.Hits), "hit")
	ch <- prometheus.MustNewConstMetric(c.lookups, prometheus.CounterValue, float64(s.SemanticHits), "semantic_hit")
	ch <- prometheus.MustNewConstMetric(c.lookups, prometheus.CounterValue, float64(s.Misses), "miss")
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(c.expirations, prometheus.CounterValue, float64(s.Expirations))
	ch <- prometheus.MustNewConstMetric(c.sets, prometheus.CounterValue, float64(s.Sets))
	ch <- prometheus.MustNewConstMetric(c.searches, prometheus.CounterValue, float64(s.SemanticSearches))
	ch <- prometheus.MustNewConstMetric(c.tokensSaved, prometheus.CounterValue, s.TokensSaved)
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries))
	ch <- prometheus.MustNewConstMetric(c.memoryBytes, prometheus.GaugeValue, float64(s.MemoryBytes))
	ch <- prometheus.MustNewConstMetric(c.hitRate, prometheus.GaugeValue, s.HitRate)
	for name, ns := range s.Namespaces {
		ch <- prometheus.MustNewConstMetric(c.nsEntries, prometheus.GaugeValue, float64(ns.Entries), name)
		ch <- prometheus.MustNewConstMetric(c.nsBytes, prometheus.GaugeValue, float64(ns.SizeBytes), name)
	}
}
