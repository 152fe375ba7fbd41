package policy

import (
	"expvar"
	"sync"
	"time"
)

type cacheEntry[T any] struct {
	key        string
	val        T
	exp        time.Time
	prev, next *cacheEntry[T]
}

// lruCache is a size-bounded LRU whose entries also expire after ttl.
type lruCache[T any] struct {
	mu     sync.Mutex
	items  map[string]*cacheEntry[T]
	head   *cacheEntry[T]
	tail   *cacheEntry[T]
	ttl    time.Duration
	maxEnt int
	now    func() time.Time

	name      string
	hits      uint64
	misses    uint64
	evictions uint64
	stats     *expvar.Map
}

func newLRU[T any](ttl time.Duration, maxEnt int, name string, stats bool) *lruCache[T] {
	if maxEnt <= 0 {
		maxEnt = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &lruCache[T]{
		items:  make(map[string]*cacheEntry[T], min(maxEnt, 1024)),
		ttl:    ttl,
		maxEnt: maxEnt,
		now:    time.Now,
		name:   name,
	}
	if stats {
		cacheVarsOnce.Do(func() {
			cacheVars = expvar.NewMap("nservers_policy_cache")
		})
		c.stats = new(expvar.Map).Init()
		cacheVars.Set(name, c.stats)
	}
	return c
}

// publish must be called with c.mu held.
func (c *lruCache[T]) publish() {
	if c.stats == nil {
		return
	}
	set := func(k string, v int64) {
		i := new(expvar.Int)
		i.Set(v)
		c.stats.Set(k, i)
	}
	set("hits", int64(c.hits))
	set("misses", int64(c.misses))
	set("evictions", int64(c.evictions))
	set("size", int64(len(c.items)))
	set("ttl_seconds", int64(c.ttl.Seconds()))
	set("max_entries", int64(c.maxEnt))
}

func (c *lruCache[T]) get(key string) (v T, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.publish()
	e, ok := c.items[key]
	if !ok {
		c.misses++
		return v, false
	}
	if c.now().After(e.exp) {
		c.unlink(e)
		delete(c.items, key)
		c.misses++
		return v, false
	}
	c.moveToFront(e)
	c.hits++
	return e.val, true
}

func (c *lruCache[T]) set(key string, val T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.publish()
	exp := c.now().Add(c.ttl)
	if e, ok := c.items[key]; ok {
		e.val, e.exp = val, exp
		c.moveToFront(e)
		return
	}
	e := &cacheEntry[T]{key: key, val: val, exp: exp}
	c.items[key] = e
	c.pushFront(e)
	if len(c.items) > c.maxEnt && c.tail != nil {
		old := c.tail
		c.unlink(old)
		delete(c.items, old.key)
		c.evictions++
	}
}

func (c *lruCache[T]) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *lruCache[T]) pushFront(e *cacheEntry[T]) {
	e.prev, e.next = nil, c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache[T]) moveToFront(e *cacheEntry[T]) {
	if c.head == e {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

func (c *lruCache[T]) unlink(e *cacheEntry[T]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}
