package cache

import (
	"strings"
	"sync"
	"time"
)

// Item represents a cached item with expiration
type Item struct {
	Value      any
	Expiration int64
}

// Expired checks if the cache item has expired
func (item Item) Expired(now int64) bool {
	if item.Expiration == 0 {
		return false
	}
	return now > item.Expiration
}

// Options configures a Cache
type Options struct {
	// TTL is the default lifetime of an entry; zero keeps entries until evicted
	TTL time.Duration
	// MaxItems bounds the number of entries; zero means unbounded
	MaxItems int
	// CleanupInterval is how often expired entries are purged
	CleanupInterval time.Duration
}

// Cache is a thread-safe in-memory cache with expiration
type Cache struct {
	items             map[string]Item
	mu                sync.RWMutex
	defaultExpiration time.Duration
	maxItems          int
	onEvicted         func(string, any)
	now               func() time.Time
	stop              chan struct{}
	stopOnce          sync.Once
}

// New creates a cache and starts its purge loop when CleanupInterval > 0
func New(opts Options) *Cache {
	c := &Cache{
		items:             make(map[string]Item),
		defaultExpiration: opts.TTL,
		maxItems:          opts.MaxItems,
		now:               time.Now,
		stop:              make(chan struct{}),
	}

	if opts.CleanupInterval > 0 {
		go c.startCleanupTimer(opts.CleanupInterval)
	}

	return c
}

// Set adds an item to the cache with the default expiration
func (c *Cache) Set(key string, value any) {
	c.SetWithExpiration(key, value, c.defaultExpiration)
}

// SetWithExpiration adds an item to the cache with a specific expiration time
func (c *Cache) SetWithExpiration(key string, value any, d time.Duration) {
	var exp int64
	if d > 0 {
		exp = c.now().Add(d).UnixNano()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.maxItems > 0 && len(c.items) >= c.maxItems {
		c.evictOldest()
	}

	c.items[key] = Item{
		Value:      value,
		Expiration: exp,
	}
}

// Get retrieves an unexpired item from the cache
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, found := c.items[key]
	if !found || item.Expired(c.now().UnixNano()) {
		return nil, false
	}
	return item.Value, true
}

// Delete removes an item from the cache
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(key)
}

// DeletePrefix removes every item whose key starts with prefix and
// returns how many were removed
func (c *Cache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.deleteLocked(k)
			n++
		}
	}
	return n
}

func (c *Cache) deleteLocked(key string) {
	if item, found := c.items[key]; found && c.onEvicted != nil {
		c.onEvicted(key, item.Value)
	}
	delete(c.items, key)
}

// Flush removes all items from the cache
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for k, v := range c.items {
			c.onEvicted(k, v.Value)
		}
	}
	c.items = make(map[string]Item)
}

// Count returns the number of items in the cache (including expired items)
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// SetOnEvicted sets the callback to be called when an item is evicted
func (c *Cache) SetOnEvicted(f func(string, any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvicted = f
}

// Stop ends the purge loop
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) startCleanupTimer(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) deleteExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UnixNano()
	for k, v := range c.items {
		if v.Expired(now) {
			c.deleteLocked(k)
		}
	}
}

// evictOldest removes the entry closest to expiry; entries without an
// expiration go last
func (c *Cache) evictOldest() {
	var (
		oldestKey  string
		oldestTime int64
		found      bool
	)
	for k, v := range c.items {
		if !found || (v.Expiration != 0 && (oldestTime == 0 || v.Expiration < oldestTime)) {
			oldestKey = k
			oldestTime = v.Expiration
			found = true
		}
	}
	if found {
		c.deleteLocked(oldestKey)
	}
}
