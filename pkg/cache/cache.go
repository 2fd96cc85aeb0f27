// Package cache implements the TTL key/value store shared by reference
// across every Watch and every Plugin invocation in a supervisor. It
// correlates paired events (e.g. matching a MovedFrom with a later
// MovedTo) and memoizes work across handler invocations.
package cache

import (
	"sync"
	"time"
)

// entry is a stored value together with its insertion stamp. A zero
// Stamp means the entry is persistent and exempt from age-based purge.
type entry struct {
	value      any
	stamp      time.Time
	persistent bool
}

// Cache is a process-wide, mutex-serialized key/value store with
// per-entry time-to-live and an amortised purge policy. All operations
// are non-blocking outside of mutex acquisition; ordering of concurrent
// push/pop/get is unspecified but each operation is atomic.
type Cache struct {
	mu                  sync.Mutex
	entries             map[string]entry
	maxAge              time.Duration
	purgeIntervalPushes int
	pushCounter         int
}

// New creates a Cache. purgeIntervalPushes must be >= 1; a purge sweep
// runs once push_counter exceeds it, and the counter then resets.
func New(maxAge time.Duration, purgeIntervalPushes int) *Cache {
	if purgeIntervalPushes < 1 {
		purgeIntervalPushes = 1
	}
	return &Cache{
		entries:             make(map[string]entry),
		maxAge:              maxAge,
		purgeIntervalPushes: purgeIntervalPushes,
	}
}

// Push stores value under key. If persistent, the entry is never
// expired by age regardless of maxAge. A push of an absent key
// creates it; a re-push overwrites the value and the persistent flag.
// The entry being pushed is stored after any purge sweep this push
// triggers, so that sweep never removes it.
func (c *Cache) Push(key string, value any, persistent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pushCounter++
	if c.pushCounter > c.purgeIntervalPushes {
		c.purgeLocked()
		c.pushCounter = 0
	}

	e := entry{value: value, persistent: persistent}
	if !persistent {
		e.stamp = time.Now()
	}
	c.entries[key] = e
}

// Pop atomically removes and returns the value stored under key. The
// second return value reports whether key was present.
func (c *Cache) Pop(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	delete(c.entries, key)
	return e.value, true
}

// Get performs a non-removing lookup of key.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Purge sweeps the cache, removing every non-persistent entry whose
// age exceeds maxAge. It is called automatically by Push every
// purgeIntervalPushes+1 pushes, but may also be called directly.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
}

func (c *Cache) purgeLocked() {
	now := time.Now()
	for key, e := range c.entries {
		if e.persistent {
			continue
		}
		if now.Sub(e.stamp) > c.maxAge {
			delete(c.entries, key)
		}
	}
}

// Len reports the current number of stored entries, persistent or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close is a no-op provided for symmetry with the rest of the module's
// resource-owning types; the in-memory cache owns nothing external.
func (c *Cache) Close() error {
	return nil
}
