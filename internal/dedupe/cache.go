// ABOUTME: Thread-safe TTL cache for tracking recently seen delivery keys.
// ABOUTME: Webhook handlers use it to drop retried deliveries of the same payload.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	at   time.Time
	elem *list.Element
}

// Cache remembers keys for a TTL window, bounded by maxSize. When full, the
// oldest key is evicted. A background goroutine sweeps expired entries.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	queue   *list.List // insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache that remembers keys for ttl, holding at most maxSize.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		queue:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen reports whether key was recorded within the TTL window, recording it
// if not. The check and record are atomic, so for concurrent callers with the
// same key exactly one sees false.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.entries[key]; ok && now.Sub(e.at) < c.ttl {
		e.at = now
		c.queue.MoveToBack(e.elem)
		return true
	}

	c.record(key, now)
	return false
}

// record inserts or refreshes key. Must be called with mu held.
func (c *Cache) record(key string, now time.Time) {
	if e, ok := c.entries[key]; ok {
		e.at = now
		c.queue.MoveToBack(e.elem)
		return
	}

	if len(c.entries) >= c.maxSize {
		if front := c.queue.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.queue.Remove(front)
			delete(c.entries, oldest)
		}
	}

	c.entries[key] = &entry{at: now, elem: c.queue.PushBack(key)}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes all expired entries.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.entries {
		if now.Sub(e.at) > c.ttl {
			c.queue.Remove(e.elem)
			delete(c.entries, key)
		}
	}
}

// Close stops the background sweep. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
