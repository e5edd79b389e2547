package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// vectorEmbedder returns fixed vectors per text and counts calls.
type vectorEmbedder struct {
	vectors map[string][]float32
	calls   atomic.Int32
}

func (v *vectorEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v.calls.Add(1)
	vec, ok := v.vectors[normalizeKey(text)]
	if !ok {
		return nil, errors.New("no vector for text")
	}
	return vec, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache[V any](t *testing.T, clock *fakeClock, cfg Config) *Cache[V] {
	t.Helper()
	cfg.Now = clock.Now
	cfg.Logger = discardLogger()
	c := New[V](cfg)
	t.Cleanup(func() { _ = c.Close() })
	return c
}
