package layerfs

import (
	"sync"
	"time"
)

// resolutionCache maps clean merged paths to the layer that supplies them,
// or records that nothing does. A nil cache is disabled. Entries are only
// as fresh as the host layers: changes made behind the engine's back stay
// invisible until the TTL runs out or the caller invalidates.
type resolutionCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	found   int // entries with missing == false
	cfg     CacheConfig
}

type cacheEntry struct {
	res     resolution
	missing bool
	expires time.Time
}

// CacheStats is a snapshot of the resolution cache.
type CacheStats struct {
	Enabled           bool
	StatCacheSize     int
	NegativeCacheSize int
	MaxEntries        int
	StatTTL           time.Duration
	NegativeTTL       time.Duration
}

func newResolutionCache(cfg CacheConfig) *resolutionCache {
	if !cfg.Enabled {
		return nil
	}
	return &resolutionCache{entries: make(map[string]cacheEntry), cfg: cfg}
}

// lookup returns a live entry for p. missing reports a cached absence.
func (c *resolutionCache) lookup(p string) (res resolution, missing, ok bool) {
	if c == nil {
		return resolution{}, false, false
	}
	c.mu.RLock()
	e, hit := c.entries[p]
	c.mu.RUnlock()
	if !hit || !time.Now().Before(e.expires) {
		return resolution{}, false, false
	}
	return e.res, e.missing, true
}

func (c *resolutionCache) store(p string, res resolution) {
	c.put(p, cacheEntry{res: res, expires: time.Now().Add(c.ttl(false))})
}

func (c *resolutionCache) storeMissing(p string) {
	c.put(p, cacheEntry{missing: true, expires: time.Now().Add(c.ttl(true))})
}

func (c *resolutionCache) ttl(missing bool) time.Duration {
	if c == nil {
		return 0
	}
	if missing {
		return c.cfg.NegativeTTL
	}
	return c.cfg.StatTTL
}

func (c *resolutionCache) put(p string, e cacheEntry) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropLocked(p)
	// Each kind is bounded separately so a flood of misses cannot push
	// out the positive entries.
	if c.cfg.MaxEntries > 0 && c.countLocked(e.missing) >= c.cfg.MaxEntries {
		c.evictLocked(e.missing)
	}
	c.entries[p] = e
	if !e.missing {
		c.found++
	}
}

func (c *resolutionCache) countLocked(missing bool) int {
	if missing {
		return len(c.entries) - c.found
	}
	return c.found
}

// evictLocked drops the entry of the given kind that expires first.
func (c *resolutionCache) evictLocked(missing bool) {
	var victim string
	var first time.Time
	for p, e := range c.entries {
		if e.missing != missing {
			continue
		}
		if victim == "" || e.expires.Before(first) {
			victim, first = p, e.expires
		}
	}
	if victim != "" {
		c.dropLocked(victim)
	}
}

func (c *resolutionCache) dropLocked(p string) {
	if e, ok := c.entries[p]; ok {
		if !e.missing {
			c.found--
		}
		delete(c.entries, p)
	}
}

// forget drops p.
func (c *resolutionCache) forget(p string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.dropLocked(p)
	c.mu.Unlock()
}

// forgetTree drops p and everything below it.
func (c *resolutionCache) forgetTree(p string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for q := range c.entries {
		if isWithin(q, p) {
			c.dropLocked(q)
		}
	}
}

func (c *resolutionCache) reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.found = 0
	c.mu.Unlock()
}

func (c *resolutionCache) stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Enabled:           true,
		StatCacheSize:     c.found,
		NegativeCacheSize: len(c.entries) - c.found,
		MaxEntries:        c.cfg.MaxEntries,
		StatTTL:           c.cfg.StatTTL,
		NegativeTTL:       c.cfg.NegativeTTL,
	}
}
