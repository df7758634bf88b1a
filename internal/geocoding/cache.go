// File path: internal/geocoding/cache.go
package geocoding

import (
	"sync"
	"time"

	"github.com/railforge/tracklayout/internal/layout"
)

// CacheKey identifies one geocoding context: the addressing of a track number
// on a branch as it stood at a moment.
type CacheKey struct {
	TrackNumberID layout.AssetID
	Branch        string
	Moment        int64
}

// NewCacheKey builds the cache key for a track number at a moment.
func NewCacheKey(trackNumberID layout.AssetID, branch layout.Branch, moment time.Time) CacheKey {
	return CacheKey{
		TrackNumberID: trackNumberID,
		Branch:        branch.String(),
		Moment:        moment.UnixNano(),
	}
}

type cacheEntry struct {
	ctx *Context
	err error
}

// ContextCache memoizes built geocoding contexts, including the absent (nil)
// result for track numbers with no addressable reference line. It is meant to
// be request-scoped: one cache per validation or cascade run, passed by
// reference, never shared across runs.
type ContextCache struct {
	mu      sync.Mutex
	entries map[CacheKey]cacheEntry
}

// NewContextCache returns an empty cache.
func NewContextCache() *ContextCache {
	return &ContextCache{entries: make(map[CacheKey]cacheEntry)}
}

// Get returns the cached context for the key, building and caching it on the
// first call. Build errors are cached too so a failing lookup is not retried
// within the same run.
func (c *ContextCache) Get(key CacheKey, build func() (*Context, error)) (*Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		return entry.ctx, entry.err
	}
	ctx, err := build()
	c.entries[key] = cacheEntry{ctx: ctx, err: err}
	return ctx, err
}

// Len returns the number of memoized contexts, absent results included.
func (c *ContextCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
