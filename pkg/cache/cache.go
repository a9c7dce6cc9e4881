// Package cache provides a small in-process TTL cache used to debounce
// repeated work, such as low-balance notifications. Concurrent lookups
// for the same key share a single loader call.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Options configure a Cache. A zero NegativeTTL disables caching of
// loader errors; a zero MaxEntries disables eviction.
type Options struct {
	TTL         time.Duration
	NegativeTTL time.Duration
	MaxEntries  int
}

type entry struct {
	value     interface{}
	err       error
	negative  bool
	expiresAt time.Time
}

type Cache struct {
	mu    sync.RWMutex
	items map[string]*entry
	order []string
	opts  Options
	sf    singleflight.Group
}

func New(opts Options) *Cache {
	return &Cache{
		items: make(map[string]*entry),
		order: make([]string, 0, 64),
		opts:  opts,
	}
}

// Loader fetches the value for a key on a miss. ok=false marks a
// negative result carrying err.
type Loader func(ctx context.Context, key string) (interface{}, bool, error)

type loadResult struct {
	val interface{}
	ok  bool
	err error
}

// Get returns the cached value for key, loading it on a miss. Expired
// entries are reloaded synchronously.
func (c *Cache) Get(ctx context.Context, key string, loader Loader) (interface{}, bool, error) {
	now := time.Now()
	c.mu.RLock()
	if e, ok := c.items[key]; ok && now.Before(e.expiresAt) {
		c.mu.RUnlock()
		if e.negative {
			return nil, false, e.err
		}
		return e.value, true, nil
	}
	c.mu.RUnlock()

	result, _, _ := c.sf.Do(key, func() (interface{}, error) {
		val, ok, err := loader(ctx, key)
		c.store(key, val, ok, err)
		return loadResult{val: val, ok: ok, err: err}, nil
	})
	res := result.(loadResult)
	if !res.ok {
		return nil, false, res.err
	}
	return res.val, true, nil
}

func (c *Cache) store(key string, val interface{}, ok bool, err error) {
	now := time.Now()
	e := &entry{}
	if ok {
		e.value = val
		e.expiresAt = now.Add(c.opts.TTL)
	} else {
		if c.opts.NegativeTTL <= 0 {
			return
		}
		e.err = err
		e.negative = true
		e.expiresAt = now.Add(c.opts.NegativeTTL)
	}
	c.put(key, e)
}

// Set stores a value with an explicit TTL, bypassing the loader path.
func (c *Cache) Set(key string, val interface{}, ttl time.Duration) {
	c.put(key, &entry{value: val, expiresAt: time.Now().Add(ttl)})
}

// Peek returns a cached value without triggering a load.
func (c *Cache) Peek(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || e.negative || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.removeFromOrder(key)
	c.mu.Unlock()
}

func (c *Cache) put(key string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = e
	c.evictIfNeeded()
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// FIFO eviction; insertion order is good enough for a debounce cache.
func (c *Cache) evictIfNeeded() {
	if c.opts.MaxEntries <= 0 {
		return
	}
	for len(c.items) > c.opts.MaxEntries && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
	}
}
