package attache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/singleflight"
)

// ConfigCache shields the per-message hot path from a network round-trip
// to the endpoint on every message. A snapshot fetched from the endpoint
// is served for the TTL; once stale, the next caller triggers a refresh.
// Concurrent refreshes are collapsed into a single fetch. A failed fetch
// degrades to the last good snapshot - or the compiled-in defaults before
// the first success - and never surfaces an error to the caller.
type ConfigCache struct {
	client *EndpointClient
	ttl    time.Duration
	logger *slog.Logger

	// onError is invoked for each failed fetch, so the health tracker
	// can count it. May be nil.
	onError func(error)

	mu        sync.RWMutex
	snapshot  *BotConfig
	lastFetch time.Time
	fetched   bool

	hits   atomic.Int64
	misses atomic.Int64

	fetchGroup singleflight.Group
}

// NewConfigCache creates a cache over the given endpoint client.
func NewConfigCache(
	client *EndpointClient,
	ttl time.Duration,
	logger *slog.Logger,
	onError func(error),
) *ConfigCache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultConfigCacheTTL
	}
	return &ConfigCache{
		client:   client,
		ttl:      ttl,
		logger:   logger.With(loggerNameKey, "config_cache"),
		onError:  onError,
		snapshot: defaultBotConfig(),
	}
}

// Get returns the current configuration snapshot. Within the TTL of the
// last successful fetch the cached value is returned; otherwise a fetch
// is issued, falling back to the previous value on failure. Get never
// returns nil and never fails.
func (c *ConfigCache) Get(ctx context.Context) *BotConfig {
	c.mu.RLock()
	fresh := c.fetched && time.Since(c.lastFetch) < c.ttl
	snapshot := c.snapshot
	c.mu.RUnlock()

	if fresh {
		c.hits.Add(1)
		return snapshot
	}

	c.misses.Add(1)

	// Collapse concurrent refreshes into one request; every waiter gets
	// the same result.
	rv, err, _ := c.fetchGroup.Do(
		"config", func() (any, error) {
			fetched, fetchErr := c.client.FetchConfig(ctx)
			if fetchErr != nil {
				return nil, fetchErr
			}
			c.mu.Lock()
			c.snapshot = fetched
			c.lastFetch = time.Now()
			c.fetched = true
			c.mu.Unlock()
			return fetched, nil
		},
	)
	if err != nil {
		c.logger.WarnContext(
			ctx,
			"config fetch failed, using previous snapshot",
			tint.Err(err),
		)
		if c.onError != nil {
			c.onError(err)
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.snapshot
	}

	return rv.(*BotConfig)
}

// Age returns the time since the last successful fetch, or zero when no
// fetch has succeeded yet.
func (c *ConfigCache) Age() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.fetched {
		return 0
	}
	return time.Since(c.lastFetch)
}

// Hits returns the number of cache hits.
func (c *ConfigCache) Hits() int64 {
	return c.hits.Load()
}

// Misses returns the number of cache misses.
func (c *ConfigCache) Misses() int64 {
	return c.misses.Load()
}
