// ABOUTME: TTL window of recently handled inbound events, keyed per frontend
// ABOUTME: Frontends reserve a key before handling and release it if the handler fails

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type entry struct {
	key    string
	marked time.Time
}

// Cache remembers event keys for a fixed TTL, holding at most capacity keys.
// Entries are kept in mark order, oldest at the front, so both capacity
// eviction and expiry sweeps only touch the front of the list.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// New creates a Cache. Call Run to sweep expired entries in the background;
// without it expired keys are still ignored by CheckAndMark and pushed out by capacity.
func New(ttl time.Duration, capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}
}

// Key namespaces an event ID by frontend, e.g. Key("telegram", "1001").
func Key(frontend, eventID string) string {
	return frontend + ":" + eventID
}

// CheckAndMark reports whether key was already marked within the TTL. A new or
// expired key is marked in the same step, so two concurrent deliveries of one
// event cannot both get false.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seenLocked(key) {
		return true
	}
	c.markLocked(key)
	return false
}

// seenLocked must be called with mu held.
func (c *Cache) seenLocked(key string) bool {
	el, ok := c.entries[key]
	if !ok {
		return false
	}
	return c.now().Sub(el.Value.(*entry).marked) < c.ttl
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := c.now()
	if el, ok := c.entries[key]; ok {
		el.Value.(*entry).marked = now
		c.order.MoveToBack(el)
		return
	}

	for len(c.entries) >= c.capacity {
		c.removeFront()
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, marked: now})
}

// Forget drops key so a redelivery is handled again. Frontends call it when
// the handler fails after CheckAndMark.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes expired keys and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*entry).marked) < c.ttl {
			break
		}
		c.removeFront()
		removed++
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// removeFront must be called with mu held.
func (c *Cache) removeFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.entries, front.Value.(*entry).key)
}
