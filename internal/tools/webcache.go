package tools

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultCacheTTL        = 5 * time.Minute
	defaultCacheMaxEntries = 100
)

// webCache is a small TTL+LRU cache for search results, keyed by the
// full parameter tuple. Repeat queries inside one conversation are
// common; upstream quotas are not free.
type webCache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	entries map[string]*list.Element
	order   *list.List // front = most recent
	now     func() time.Time
}

type webCacheEntry struct {
	key     string
	value   interface{}
	expires time.Time
}

func newWebCache(max int, ttl time.Duration) *webCache {
	return &webCache{
		max:     max,
		ttl:     ttl,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

func (c *webCache) get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*webCacheEntry)
	if c.now().After(entry.expires) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return entry.value, true
}

func (c *webCache) set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*webCacheEntry)
		entry.value = value
		entry.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}
	for c.order.Len() >= c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*webCacheEntry).key)
	}
	elem := c.order.PushFront(&webCacheEntry{
		key:     key,
		value:   value,
		expires: c.now().Add(c.ttl),
	})
	c.entries[key] = elem
}
