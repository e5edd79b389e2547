package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Open starts the background sweep that expires stale entries every
// CleanupInterval. It runs until ctx is cancelled or Close is called.
// Calling Open on an open cache does nothing.
func (c *Cache[V]) Open(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.cleanupLoop(ctx, c.done)

	c.log.Info("cache cleanup started", "interval", c.cfg.CleanupInterval)
}

// Close stops the background sweep and waits for it to exit. Contents are
// kept in memory until the process exits.
func (c *Cache[V]) Close() error {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (c *Cache[V]) cleanupLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	interval := c.cfg.CleanupInterval
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * interval
	bo.MaxInterval = 10 * interval
	bo.MaxElapsedTime = 0

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := interval
		removed, err := c.sweep()
		if err != nil {
			wait = bo.NextBackOff()
			c.log.Error("cache sweep failed", "error", err, "retry_in", wait)
		} else {
			bo.Reset()
			if removed > 0 {
				c.log.Debug("cache sweep expired entries", "removed", removed)
			}
		}
		timer.Reset(wait)
	}
}

// sweep expires every entry that is no longer fresh under its TTL.
func (c *Cache[V]) sweep() (removed int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sweep panicked: %v", p)
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Now()
	for ns, slots := range c.namespaces {
		for hash, e := range slots {
			if e.fresh(now, c.ttlOf(e), c.cfg.FreshnessThreshold) {
				continue
			}
			c.removeLocked(ns, hash)
			c.stats.expirations++
			removed++
		}
	}
	return removed, nil
}
