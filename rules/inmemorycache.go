package rules

import (
	"sync"
	"sync/atomic"
	"time"
)

// InMemoryRulesCache is an in-memory RulesCache. Rules are cloned on the way in and out.
type InMemoryRulesCache struct {
	rules    []*Rule
	cachedAt time.Time
	config   CacheConfig
	valid    bool
	mu       sync.RWMutex

	hits   atomic.Int64
	misses atomic.Int64
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &InMemoryRulesCache{config: config}
}

// Get returns the cached rules, or nil when the cache is invalid or expired
func (c *InMemoryRulesCache) Get() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.freshLocked() {
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)

	out := make([]*Rule, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.Clone()
	}
	return out
}

// Set stores rules in cache
func (c *InMemoryRulesCache) Set(rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = make([]*Rule, len(rules))
	for i, r := range rules {
		c.rules[i] = r.Clone()
	}
	c.cachedAt = c.config.Now()
	c.valid = true
}

// Invalidate clears the cache
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.valid = false
	c.rules = nil
}

// IsValid returns true if cache contains unexpired data
func (c *InMemoryRulesCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.freshLocked()
}

// Stats returns cache hit and miss counts
func (c *InMemoryRulesCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *InMemoryRulesCache) freshLocked() bool {
	if !c.valid {
		return false
	}
	if c.config.TTL > 0 {
		return c.config.Now().Sub(c.cachedAt) <= c.config.TTL
	}
	return true
}
