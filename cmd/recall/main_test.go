package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportbot/recall/pkg/cache"
	"github.com/supportbot/recall/pkg/config"
	"github.com/supportbot/recall/pkg/models"
	"github.com/supportbot/recall/pkg/proxy"
	"github.com/supportbot/recall/pkg/statslog"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func startServer(t *testing.T) (*httptest.Server, *cache.Cache[proxy.Answer]) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	c := cache.New[proxy.Answer](cacheConfig(cfg, logger))
	t.Cleanup(func() { _ = c.Close() })

	ts := httptest.NewServer(proxy.New(cfg, c, logger))
	t.Cleanup(ts.Close)
	return ts, c
}

func TestCacheCommands(t *testing.T) {
	ts, c := startServer(t)
	ctx := context.Background()
	c.Set(ctx, "where is my order?", proxy.Answer{Content: "Check the tracking page."}, cache.Namespace("shipping"))
	c.Set(ctx, "how do refunds work?", proxy.Answer{Content: "Within 30 days."}, cache.Namespace("billing"))

	out, err := runCLI(t, "cache", "stats", "--addr", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Entries:")
	assert.Contains(t, out, "shipping")

	out, err = runCLI(t, "cache", "delete", "Where is my order?", "--namespace", "shipping", "--addr", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Entry deleted.")
	assert.Equal(t, 1, c.Len())

	_, err = runCLI(t, "cache", "delete", "where is my order?", "--namespace", "shipping", "--addr", ts.URL)
	assert.ErrorContains(t, err, "no cache entry")

	out, err = runCLI(t, "cache", "clear", "--addr", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "All cache entries cleared.")
	assert.Zero(t, c.Len())
}

func TestStatsLive(t *testing.T) {
	ts, c := startServer(t)
	c.Set(context.Background(), "hi", proxy.Answer{Content: "hello"})
	_, _ = c.Get(context.Background(), "hi")

	out, err := runCLI(t, "stats", "--addr", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Hit rate:")
	assert.Contains(t, out, "100.0%")
}

func TestStatsHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "stats.db")
	rec, err := statslog.New(dbPath, nil)
	require.NoError(t, err)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, rec.Record(context.Background(), models.CacheStats{Entries: 7, Hits: 3, Misses: 1, HitRate: 0.75}, at))
	require.NoError(t, rec.Close())

	out, err := runCLI(t, "stats", "--history", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "2026-03-01T12:00:00")
	assert.Contains(t, out, "75.0%")
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("RECALL_CACHE_MAX_ENTRIES", "42")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Cache.MaxEntries)

	cc := cacheConfig(cfg, nil)
	assert.Equal(t, 42, cc.MaxEntries)
	assert.Nil(t, cc.Embedder)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
