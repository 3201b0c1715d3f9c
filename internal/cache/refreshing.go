package cache

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Loader produces a fresh value for a RefreshingCache
type Loader[T any] func(ctx context.Context) (T, error)

// RefreshingCache holds a single value that is reloaded on a schedule and
// served stale in between. Concurrent reloads collapse into one load, except
// across an Invalidate: loads started after it never reuse an earlier one.
type RefreshingCache[T any] struct {
	name    string
	load    Loader[T]
	timeout time.Duration

	mu       sync.RWMutex
	value    T
	asOf     time.Time
	loaded   bool
	valueGen uint64

	gen   atomic.Uint64
	group singleflight.Group
}

// NewRefreshingCache creates a cache that calls load on every refresh
func NewRefreshingCache[T any](name string, timeout time.Duration, load func(ctx context.Context) (T, error)) *RefreshingCache[T] {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RefreshingCache[T]{name: name, load: load, timeout: timeout}
}

// Get returns the cached value and when it was loaded. The first call loads
// synchronously; later calls never wait for the loader.
func (c *RefreshingCache[T]) Get(ctx context.Context) (T, time.Time, error) {
	c.mu.RLock()
	if c.loaded {
		v, asOf := c.value, c.asOf
		c.mu.RUnlock()
		return v, asOf, nil
	}
	c.mu.RUnlock()

	if err := c.Refresh(ctx); err != nil {
		var zero T
		return zero, time.Time{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.asOf, nil
}

// Refresh reloads the value now. A load that finishes after a load of a
// later generation is dropped.
func (c *RefreshingCache[T]) Refresh(ctx context.Context) error {
	gen := c.gen.Load()
	_, err, _ := c.group.Do(c.name+":"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		v, err := c.load(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if !c.loaded || gen >= c.valueGen {
			c.value = v
			c.asOf = time.Now()
			c.loaded = true
			c.valueGen = gen
		}
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// Invalidate schedules an immediate background reload. The previous value
// keeps being served until the reload completes.
func (c *RefreshingCache[T]) Invalidate() {
	c.gen.Add(1)
	go func() {
		if err := c.Refresh(context.Background()); err != nil {
			log.Warn().Err(err).Str("cache", c.name).Msg("Failed to refresh cache after invalidation")
		}
	}()
}
