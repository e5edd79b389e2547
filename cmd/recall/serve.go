package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/supportbot/recall/pkg/cache"
	"github.com/supportbot/recall/pkg/config"
	"github.com/supportbot/recall/pkg/embedding"
	"github.com/supportbot/recall/pkg/proxy"
	"github.com/supportbot/recall/pkg/statslog"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the caching chat-completions proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := newLogger(os.Stderr, cfg.Log)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c := cache.New[proxy.Answer](cacheConfig(cfg, logger))
			c.Open(ctx)
			defer func() { _ = c.Close() }()

			if cfg.Stats.Enabled {
				rec, err := statslog.New(cfg.DBPath, logger)
				if err != nil {
					return fmt.Errorf("init stats recorder: %w", err)
				}
				defer func() { _ = rec.Close() }()
				rec.Start(c, cfg.Stats.Interval, cfg.Stats.Retention)
			}

			srv := proxy.New(cfg, c, logger)
			logger.Info("starting recall", "config", configPath, "version", version)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults plus RECALL_* env when empty)")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}

// cacheConfig maps the file configuration onto the cache.
func cacheConfig(cfg *config.Config, logger *slog.Logger) cache.Config {
	cc := cache.DefaultConfig()
	cc.MaxEntries = cfg.Cache.MaxEntries
	cc.DefaultTTL = cfg.Cache.DefaultTTL
	cc.MaxMemoryMB = cfg.Cache.MaxMemoryMB
	cc.CleanupInterval = cfg.Cache.CleanupInterval
	cc.SimilarityThreshold = cfg.Cache.SimilarityThreshold
	cc.FreshnessThreshold = cfg.Cache.FreshnessThreshold
	cc.Logger = logger
	if cfg.SemanticEnabled() {
		cc.Embedder = embedding.NewClient(embedding.ClientConfig{
			URL:        cfg.Embedding.URL,
			APIKey:     cfg.Embedding.APIKey,
			Model:      cfg.Embedding.Model,
			Timeout:    cfg.Embedding.Timeout,
			RPS:        cfg.Embedding.RPS,
			Burst:      cfg.Embedding.Burst,
			MaxRetries: cfg.Embedding.MaxRetries,
		})
	}
	return cc
}

func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
