package cache

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/supportbot/recall/pkg/models"
)

const (
	// entryOverhead approximates timestamps, counters and map slots.
	entryOverhead = 200

	// usageSaturation is the access count at which the usage bonus maxes out.
	usageSaturation = 10
	usageBonus      = 1.0
	idlePenalty     = 0.5

	tokensPerWord = 1.3
)

type entry[V any] struct {
	value        V
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int
	embedding    []float32
	metadata     map[string]any
	sizeBytes    int64
	source       models.CacheSource

	// seq orders entries by access for LRU ties.
	seq uint64
}

// fresh reports whether e is still valid under ttl. Entries younger than
// ttl*threshold are always fresh; older ones survive while their usage
// outweighs their age and idle time.
func (e *entry[V]) fresh(now time.Time, ttl time.Duration, threshold float64) bool {
	if ttl <= 0 {
		return false
	}
	age := now.Sub(e.createdAt)
	if float64(age) < float64(ttl)*threshold {
		return true
	}
	return e.freshnessScore(now, ttl) > threshold
}

func (e *entry[V]) freshnessScore(now time.Time, ttl time.Duration) float64 {
	ageRatio := float64(now.Sub(e.createdAt)) / float64(ttl)
	idleRatio := float64(now.Sub(e.lastAccessed)) / float64(ttl)
	usage := math.Min(1, float64(e.accessCount)/usageSaturation)
	return (1 - ageRatio) + usageBonus*usage - idlePenalty*idleRatio
}

func (e *entry[V]) touch(now time.Time, seq uint64) {
	if now.After(e.lastAccessed) {
		e.lastAccessed = now
	}
	e.accessCount++
	e.seq = seq
}

// estimateSize approximates the serialized footprint of an entry. Values
// that cannot be marshaled fall back to the length of their fmt form.
func estimateSize(hash string, value any, metadata map[string]any, vec []float32) int64 {
	size := int64(len(hash)) + entryOverhead + int64(4*len(vec))
	size += serializedLen(value)
	if len(metadata) > 0 {
		size += serializedLen(metadata)
	}
	return size
}

func serializedLen(v any) int64 {
	if b, err := json.Marshal(v); err == nil {
		return int64(len(b))
	}
	return int64(len(fmt.Sprintf("%v", v)))
}

// ttlOf parses a metadata TTL override.
func ttlOf(v any) (time.Duration, bool) {
	switch t := v.(type) {
	case time.Duration:
		return t, t > 0
	case int:
		return time.Duration(t) * time.Second, t > 0
	case int64:
		return time.Duration(t) * time.Second, t > 0
	case float64:
		return time.Duration(t * float64(time.Second)), t > 0
	case float32:
		return time.Duration(float64(t) * float64(time.Second)), t > 0
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return ttlOf(f)
	case string:
		if d, err := time.ParseDuration(t); err == nil {
			return d, d > 0
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return ttlOf(f)
		}
	}
	return 0, false
}

func copyMetadata(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func defaultTextOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	}
	return ""
}

func estimateTokens(text string) float64 {
	return float64(len(strings.Fields(text))) * tokensPerWord
}
