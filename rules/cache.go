package rules

import "time"

// RulesCache holds one tenant's active rules between mutations.
// The engine invalidates it on every add, update, activation change and delete.
type RulesCache interface {
	// Get returns the cached active rules, or nil on a miss or after expiry
	Get() []*Rule

	Set(rules []*Rule)
	Invalidate()

	// IsValid reports whether Get would return a cached list
	IsValid() bool
}

// CacheConfig controls expiry of cached active rules
type CacheConfig struct {
	// TTL bounds staleness when another process edits the same tenant's rules; 0 never expires
	TTL time.Duration

	// Now is the expiry clock; nil means time.Now
	Now func() time.Time
}

// DefaultCacheConfig relies on mutation invalidation alone
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{}
}
