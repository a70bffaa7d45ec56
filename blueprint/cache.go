package blueprint

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	lifecycle "github.com/goliatone/go-lifecycle"
)

// Loader loads a blueprint on a cache miss.
type Loader func(ctx context.Context) (*Blueprint, error)

// Cache memoizes blueprints by (environment, definition name) and by version id.
// Entries are evicted only through explicit invalidation.
type Cache interface {
	Latest(ctx context.Context, envCode, name string, load Loader) (*Blueprint, error)
	Version(ctx context.Context, versionID int64, load Loader) (*Blueprint, error)
	InvalidateDefinition(envCode, name string)
	InvalidateVersion(versionID int64)
	Clear()
}

// CacheStats counts cache traffic.
type CacheStats struct {
	Hits   int64
	Misses int64
	Loads  int64
}

// MemoryCache is a process-wide cache safe for concurrent use.
// Concurrent misses on one key share a single load.
type MemoryCache struct {
	mu       sync.RWMutex
	latest   map[string]*Blueprint
	versions map[int64]*Blueprint
	gen      uint64
	group    singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
	loads  atomic.Int64
}

// NewMemoryCache constructs an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		latest:   make(map[string]*Blueprint),
		versions: make(map[int64]*Blueprint),
	}
}

func latestKey(envCode, name string) string {
	return strings.ToLower(strings.TrimSpace(envCode)) + "::" + lifecycle.NormalizeName(name)
}

func (c *MemoryCache) Latest(ctx context.Context, envCode, name string, load Loader) (*Blueprint, error) {
	key := latestKey(envCode, name)
	c.mu.RLock()
	bp, ok := c.latest[key]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return bp, nil
	}
	return c.fill(ctx, "latest:"+key, load, func(bp *Blueprint) {
		c.latest[key] = bp
		c.versions[bp.VersionID()] = bp
	})
}

func (c *MemoryCache) Version(ctx context.Context, versionID int64, load Loader) (*Blueprint, error) {
	c.mu.RLock()
	bp, ok := c.versions[versionID]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return bp, nil
	}
	return c.fill(ctx, "version:"+strconv.FormatInt(versionID, 10), load, func(bp *Blueprint) {
		c.versions[versionID] = bp
	})
}

// fill runs load once per key. Results loaded across an invalidation are returned but not stored.
func (c *MemoryCache) fill(ctx context.Context, key string, load Loader, put func(*Blueprint)) (*Blueprint, error) {
	c.misses.Add(1)
	if load == nil {
		return nil, lifecycle.NewError(lifecycle.ErrNotFound, "blueprint not cached", nil, map[string]any{"key": key})
	}
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	ch := c.group.DoChan(key, func() (any, error) {
		c.loads.Add(1)
		bp, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen == gen {
			put(bp)
		}
		c.mu.Unlock()
		return bp, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Blueprint), nil
	}
}

func (c *MemoryCache) InvalidateDefinition(envCode, name string) {
	key := latestKey(envCode, name)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.latest, key)
	c.gen++
	c.group.Forget("latest:" + key)
}

// InvalidateVersion evicts the version and any latest entry pointing at it.
func (c *MemoryCache) InvalidateVersion(versionID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.versions, versionID)
	for key, bp := range c.latest {
		if bp.VersionID() == versionID {
			delete(c.latest, key)
		}
	}
	c.gen++
	c.group.Forget("version:" + strconv.FormatInt(versionID, 10))
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = make(map[string]*Blueprint)
	c.versions = make(map[int64]*Blueprint)
	c.gen++
}

// Stats returns a snapshot of cache counters.
func (c *MemoryCache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Loads: c.loads.Load()}
}

// Len returns the number of cached latest and version entries.
func (c *MemoryCache) Len() (latest, versions int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.latest), len(c.versions)
}

// NoopCache always loads.
type NoopCache struct{}

func (NoopCache) Latest(ctx context.Context, _, _ string, load Loader) (*Blueprint, error) {
	return load(ctx)
}

func (NoopCache) Version(ctx context.Context, _ int64, load Loader) (*Blueprint, error) {
	return load(ctx)
}

func (NoopCache) InvalidateDefinition(string, string) {}
func (NoopCache) InvalidateVersion(int64)             {}
func (NoopCache) Clear()                              {}
