// Package filecache keeps parsed site files in memory and reloads them when
// the underlying file changes.
//
// A cached entry is trusted without any filesystem access for StaleAfter after
// its last check. Past that window, the source is asked whether the file was
// modified since the last check; an unmodified file only refreshes the check
// time, a modified one is loaded again. Loads for the same path are shared
// between concurrent callers, and a failed load evicts the entry.
package filecache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

// StaleAfter is how long an entry is served without checking its file.
const StaleAfter = 100 * time.Millisecond

// SweepSchedule is the cron spec of the sweeper removing deleted files.
const SweepSchedule = "@every 1m"

// Source is what the cache needs to know about files.
type Source interface {
	ModifiedSince(ctx context.Context, path string, since time.Time) (bool, error)
	Contains(ctx context.Context, path string) (bool, error)
}

// Loader reads and parses the file at path.
type Loader[T any] func(ctx context.Context, path string) (*T, error)

type entry[T any] struct {
	value     *T
	static    bool
	checkedAt atomic.Int64
}

func (e *entry[T]) lastCheck() time.Time { return time.Unix(0, e.checkedAt.Load()) }

// Cache maps file paths to parsed values.
type Cache[T any] struct {
	name string
	src  Source
	load Loader[T]
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry[T]
	group   singleflight.Group

	cron *cron.Cron
}

// New creates an empty cache. name only appears in logs.
func New[T any](name string, src Source, load Loader[T]) *Cache[T] {
	return &Cache[T]{
		name:    name,
		src:     src,
		load:    load,
		now:     time.Now,
		entries: make(map[string]*entry[T]),
	}
}

// AddStatic inserts a value that is never checked against the filesystem,
// such as an embedded default template.
func (c *Cache[T]) AddStatic(path string, value *T) {
	e := &entry[T]{value: value, static: true}
	c.mu.Lock()
	c.entries[path] = e
	c.mu.Unlock()
}

// Get returns the cached value for path, loading it if needed.
func (c *Cache[T]) Get(ctx context.Context, path string) (*T, error) {
	c.mu.RLock()
	e := c.entries[path]
	c.mu.RUnlock()

	if e != nil {
		if e.static {
			return e.value, nil
		}
		now := c.now()
		last := e.lastCheck()
		if now.Sub(last) < StaleAfter {
			return e.value, nil
		}
		modified, err := c.src.ModifiedSince(ctx, path, last)
		if err == nil && !modified {
			e.checkedAt.Store(now.UnixNano())
			return e.value, nil
		}
	}

	v, err, _ := c.group.Do(path, func() (any, error) {
		started := c.now()
		value, err := c.load(ctx, path)
		if err != nil {
			slog.Debug("evicting cache entry", "cache", c.name, "path", path, "err", err)
			c.Remove(path)
			return nil, err
		}
		fresh := &entry[T]{value: value}
		fresh.checkedAt.Store(started.UnixNano())
		c.mu.Lock()
		if cur, ok := c.entries[path]; !ok || !cur.static {
			c.entries[path] = fresh
		}
		c.mu.Unlock()
		slog.Debug("loaded into cache", "cache", c.name, "path", path)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}

// Remove drops path from the cache.
func (c *Cache[T]) Remove(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

// Len is the number of cached entries.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep evicts entries whose file no longer exists and returns how many were removed.
func (c *Cache[T]) Sweep(ctx context.Context) int {
	c.mu.RLock()
	paths := make([]string, 0, len(c.entries))
	for p, e := range c.entries {
		if !e.static {
			paths = append(paths, p)
		}
	}
	c.mu.RUnlock()

	removed := 0
	for _, p := range paths {
		if ctx.Err() != nil {
			break
		}
		exists, err := c.src.Contains(ctx, p)
		if err != nil {
			slog.Warn("cache sweep: unable to check file", "cache", c.name, "path", p, "err", err)
			continue
		}
		if !exists {
			c.Remove(p)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("cache sweep removed deleted files", "cache", c.name, "removed", removed)
	}
	return removed
}

// StartSweeper schedules Sweep on SweepSchedule until StopSweeper is called.
func (c *Cache[T]) StartSweeper() error {
	c.cron = cron.New(cron.WithLocation(time.UTC))
	if _, err := c.cron.AddFunc(SweepSchedule, func() { c.Sweep(context.Background()) }); err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

// StopSweeper stops the sweeper and waits for a running sweep to finish.
func (c *Cache[T]) StopSweeper() {
	if c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
}
