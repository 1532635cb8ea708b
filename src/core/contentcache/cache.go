package contentcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"webrag/src/core/retry"
	"webrag/src/infrastructure/log"
)

const DefaultTTL = 24 * time.Hour

// Stats is the observable state of the cache. Counters are monotonic for the
// life of the process.
type Stats struct {
	HitCount     int64   `json:"hit_count"`
	MissCount    int64   `json:"miss_count"`
	TotalEntries int64   `json:"total_entries"`
	HitRate      float64 `json:"hit_rate"`
}

// Cache avoids refetching the same URL within its freshness window.
// Store failures never fail the caller: reads degrade to misses and writes are logged.
type Cache struct {
	store    Store
	ttl      time.Duration
	now      func() time.Time
	policy   retry.Policy
	observer Observer
	logger   logr.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

type Option func(c *Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Cache) { c.policy = p }
}

func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

func WithLogger(l logr.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		ttl:      DefaultTTL,
		now:      time.Now,
		observer: noopObserver{},
		logger:   log.WithName("contentcache"),
		policy: retry.Policy{
			MaxAttempts:    2,
			BaseDelay:      100 * time.Millisecond,
			AttemptTimeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	// Every store error except a plain miss is treated as a connectivity problem.
	c.policy.Classify = func(err error) (bool, time.Duration) {
		return !errors.Is(err, ErrNotFound), 0
	}
	return c
}

// Get returns the live entry for url and bumps its hit count. Expired entries,
// absent entries and store failures all read as a miss.
func (c *Cache) Get(ctx context.Context, url string) (*Entry, bool) {
	var entry *Entry
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		entry, err = c.store.Get(ctx, url)
		return err
	})
	switch {
	case errors.Is(err, ErrNotFound):
		c.miss()
		return nil, false
	case err != nil:
		c.logger.Error(err, "cache read failed, treating as miss", "url", url)
		c.miss()
		return nil, false
	}

	if entry.Expired(c.now()) {
		c.miss()
		return nil, false
	}

	if err := c.store.Touch(ctx, url); err != nil {
		c.logger.Error(err, "failed to record cache hit", "url", url)
	}
	entry.HitCount++
	c.hit()
	return entry, true
}

// Put inserts or overwrites the entry for url with expires_at = now + ttl.
// A non-positive ttl uses the cache default.
func (c *Cache) Put(ctx context.Context, url, content string, ttl time.Duration) (*Entry, error) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	entry := Entry{
		URL:       url,
		Content:   content,
		FetchedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	err := c.policy.Do(ctx, func(ctx context.Context) error {
		return c.store.Put(ctx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store cache entry: %w", err)
	}
	return &entry, nil
}

func (c *Cache) Invalidate(ctx context.Context, url string) error {
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		err := c.store.Delete(ctx, url)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate cache entry: %w", err)
	}
	return nil
}

// Load is the read-through path. Unless forceRefresh is set, a live entry is
// returned without calling fetch. Otherwise fetch runs and its result is stored
// for future reads; a failed store write is logged and does not fail Load.
func (c *Cache) Load(ctx context.Context, url string, forceRefresh bool, fetch func(ctx context.Context) (string, error)) (string, bool, error) {
	if !forceRefresh {
		if entry, ok := c.Get(ctx, url); ok {
			return entry.Content, true, nil
		}
	} else {
		c.miss()
	}

	content, err := fetch(ctx)
	if err != nil {
		return "", false, err
	}

	if _, err := c.Put(ctx, url, content, 0); err != nil {
		c.logger.Error(err, "cache write failed, continuing without cache", "url", url)
	}
	return content, false, nil
}

// Sweep removes expired entries and returns how many were deleted.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	removed, err := c.store.DeleteExpired(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep cache: %w", err)
	}
	if removed > 0 {
		c.logger.V(1).Info("swept expired cache entries", "removed", removed)
	}
	return removed, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				c.logger.Error(err, "cache sweep failed")
			}
		}
	}
}

// Stats returns the counters. If the store cannot be counted the counters are
// still returned together with the error.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		HitCount:  c.hits.Load(),
		MissCount: c.misses.Load(),
	}
	if total := stats.HitCount + stats.MissCount; total > 0 {
		stats.HitRate = float64(stats.HitCount) / float64(total)
	}

	count, err := c.store.Count(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to count cache entries: %w", err)
	}
	stats.TotalEntries = count
	return stats, nil
}

func (c *Cache) hit() {
	c.hits.Add(1)
	c.observer.CacheHit()
}

func (c *Cache) miss() {
	c.misses.Add(1)
	c.observer.CacheMiss()
}
