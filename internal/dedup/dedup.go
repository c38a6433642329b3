// Package dedup suppresses redundant deliveries of Slack events. The Events
// API retries on slow acknowledgments, so the same event can arrive more than
// once; membership here means "already handled or currently being handled".
package dedup

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// unknownUserID stands in for events whose author could not be determined,
// so that redeliveries of the same authorless event still collide.
const unknownUserID = "unknown"

// EventKey uniquely identifies one platform-delivered event within the dedup
// window. Two deliveries of the same underlying event produce the same key.
type EventKey struct {
	Channel   string
	Timestamp string
	UserID    string
}

// NewEventKey builds an EventKey, substituting a fixed marker when the author
// is unknown.
func NewEventKey(channel, timestamp, userID string) EventKey {
	if userID == "" {
		userID = unknownUserID
	}
	return EventKey{Channel: channel, Timestamp: timestamp, UserID: userID}
}

// Cache is a bounded, time-expiring membership set of event keys. Entries
// leave only by TTL expiry or capacity pressure, never on completion of the
// associated work, so an in-flight event cannot be "un-seen".
//
// The guarantee is best-effort at-least-once suppression: two deliveries
// racing ahead of the first MarkProcessed can both pass the gate, which is
// acceptable because the downstream effect is a visible (and tolerable)
// duplicate message, not corruption.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	clk      clock.Clock

	entries map[EventKey]*clock.Timer
	order   []EventKey // insertion order, oldest first
}

// New creates a Cache with the given capacity bound and per-entry TTL.
// The clock is injectable so tests can drive expiry deterministically.
func New(capacity int, ttl time.Duration, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		clk:      clk,
		entries:  make(map[EventKey]*clock.Timer, capacity),
	}
}

// IsProcessed reports whether the event has already been seen within the
// dedup window.
func (c *Cache) IsProcessed(key EventKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// MarkProcessed records the event as seen and schedules its expiry. Calling
// it again for the same key is a no-op; the original TTL keeps running.
// When the cache is full the oldest entry is evicted first - an insert is
// never rejected.
func (c *Cache) MarkProcessed(key EventKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}

	c.entries[key] = c.clk.AfterFunc(c.ttl, func() {
		c.expire(key)
	})
	c.order = append(c.order, key)
}

// Len returns the current number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldestLocked removes the oldest live entry. Callers must hold c.mu.
func (c *Cache) evictOldestLocked() {
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if timer, ok := c.entries[oldest]; ok {
			timer.Stop()
			delete(c.entries, oldest)
			return
		}
		// Stale order entry for a key the TTL already removed; keep scanning.
	}
}

// expire is the TTL callback for one entry.
func (c *Cache) expire(key EventKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
