package auth

import (
	"sync"
	"time"
)

// Cache is a short-TTL map from a credential digest to the identity it
// resolved to. It spares an Argon2id verification on every request.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]cachedIdentity
	ttl      time.Duration
	nowFn    func() time.Time
	done     chan struct{}
	stopOnce sync.Once
}

type cachedIdentity struct {
	identity  Identity
	expiresAt time.Time
}

// NewCache creates a cache with the given TTL. Call Close to stop the
// background eviction goroutine.
func NewCache(ttl time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]cachedIdentity),
		ttl:     ttl,
		nowFn:   time.Now,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

func (c *Cache) Get(key string) (Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || c.nowFn().After(entry.expiresAt) {
		return Identity{}, false
	}
	return entry.identity, true
}

func (c *Cache) Set(key string, id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedIdentity{identity: id, expiresAt: c.nowFn().Add(c.ttl)}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the eviction goroutine. It is safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Cache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
