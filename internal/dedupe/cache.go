// ABOUTME: Thread-safe TTL cache that claims idempotency keys
// ABOUTME: Used by email ingest so a redelivered message is processed once

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	claimedAt time.Time
	element   *list.Element
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Size       int           `json:"size"`
	MaxSize    int           `json:"max_size"`
	TTL        time.Duration `json:"ttl"`
	Claims     uint64        `json:"claims"`
	Duplicates uint64        `json:"duplicates"`
	Released   uint64        `json:"released"`
	Evicted    uint64        `json:"evicted"`
}

// Cache remembers claimed keys for a TTL, bounded by maxSize. When full, the
// oldest claim is evicted. Keys are held in claim order in a linked list so
// eviction is O(1).
type Cache struct {
	mu      sync.Mutex
	claimed map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	stats   Stats
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background expiry sweep.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.cleanup(time.Minute)
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		claimed: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

// Claim marks key as taken. It returns false when the key was already
// claimed within the TTL, meaning the caller must skip it.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.claimed[key]; ok {
		if now.Sub(e.claimedAt) < c.ttl {
			c.stats.Duplicates++
			return false
		}
		c.order.Remove(e.element)
		delete(c.claimed, key)
	}

	if len(c.claimed) >= c.maxSize {
		c.evictOldest()
	}

	c.claimed[key] = &entry{
		claimedAt: now,
		element:   c.order.PushBack(key),
	}
	c.stats.Claims++
	return true
}

// Release forgets a claim so a later delivery of key is processed again.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.claimed[key]
	if !ok {
		return
	}
	c.order.Remove(e.element)
	delete(c.claimed, key)
	c.stats.Released++
}

// Seen reports whether key holds a live claim.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.claimed[key]
	return ok && c.now().Sub(e.claimedAt) < c.ttl
}

// Len returns the number of claims held, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claimed)
}

// Stats returns counters and the current size.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size = len(c.claimed)
	s.MaxSize = c.maxSize
	s.TTL = c.ttl
	return s
}

// Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.claimed, key)
	c.stats.Evicted++
}

func (c *Cache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
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

// sweep drops expired claims. Claims are in time order, so it stops at the
// first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		if now.Sub(c.claimed[key].claimedAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.claimed, key)
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
