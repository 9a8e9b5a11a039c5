package store

import (
	"container/list"
	"sync"
	"time"

	"github.com/conclave-run/conclave/internal/core"
)

// evalCache is a capacity-bounded, TTL-expiring LRU cache of evaluation
// decisions, keyed by a precomputed hash string. Eviction order is tracked
// via container/list so the least-recently-used entry is the one dropped
// when the cache is at capacity, rather than the teacher's simpler
// "prune anything mostly idle" heuristic in ratelimit.Limiter.
type evalCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	entries  map[string]*list.Element
}

type cacheEntry struct {
	key       string
	decision  core.Decision
	expiresAt time.Time
}

func newEvalCache(capacity int, ttl time.Duration) *evalCache {
	if capacity <= 0 {
		capacity = 4096
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &evalCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *evalCache) get(key string) (core.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return core.Decision{}, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return core.Decision{}, false
	}
	c.order.MoveToFront(el)
	return entry.decision, true
}

func (c *evalCache) put(key string, d core.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).decision = d
		el.Value.(*cacheEntry).expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	entry := &cacheEntry{key: key, decision: d, expiresAt: time.Now().Add(c.ttl)}
	el := c.order.PushFront(entry)
	c.entries[key] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// clear drops every cached entry, used on any policy mutation.
func (c *evalCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}
