// Package replay — cache.go
//
// Two time-to-idle (TTI) caches back the Replay Engine: a Reader cache
// (session name -> *store.Reader, default 5 min idle) and a Response
// cache (session+request hash -> decoded response, default 1 min idle,
// bounded by total byte weight rather than entry count). Both use an
// in-memory map plus a doubly linked list for idle-time eviction: every
// Get moves its entry to the back of the list, so the front is always the
// least-recently-touched entry, and a lazy sweep (run on every Get/Put,
// no background goroutine) evicts from the front while its idle deadline
// has passed.
//
// Neither general-purpose cache library available fits: patrickmn/go-cache
// expires on a fixed TTL from insertion, not from last access, and
// kofalt/go-memoize deduplicates concurrent calls to a single function
// rather than caching keyed values at all. Time-to-idle with byte-weight
// eviction is hand-rolled here instead.
package replay

import (
	"container/list"
	"sync"
	"time"

	"ouli/internal/format"
	"ouli/internal/metrics"
	"ouli/internal/store"
)

// readerCacheEntry is the in-memory state for one cached *store.Reader.
type readerCacheEntry struct {
	name     string
	reader   *store.Reader
	lastUsed time.Time
}

// readerCache is a TTI cache of open recordings, keyed by session name.
type readerCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	order *list.List // front = least recently used
	index map[string]*list.Element
	m     *metrics.Metrics
}

func newReaderCache(ttl time.Duration, m *metrics.Metrics) *readerCache {
	return &readerCache{
		ttl:   ttl,
		order: list.New(),
		index: make(map[string]*list.Element),
		m:     m,
	}
}

// Get returns the cached Reader for name, refreshing its idle deadline.
func (c *readerCache) Get(name string) (*store.Reader, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictIdleLocked()

	elem, ok := c.index[name]
	if !ok {
		if c.m != nil {
		c.m.ReaderCacheMisses.Add(1)
	}
		return nil, false
	}
	entry := elem.Value.(*readerCacheEntry)
	entry.lastUsed = time.Now()
	c.order.MoveToBack(elem)
	if c.m != nil {
		c.m.ReaderCacheHits.Add(1)
	}
	return entry.reader, true
}

// Put inserts or replaces the cached Reader for name. If a Reader is
// already cached under name, it is closed before being replaced.
func (c *readerCache) Put(name string, r *store.Reader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictIdleLocked()

	if elem, ok := c.index[name]; ok {
		old := elem.Value.(*readerCacheEntry)
		old.reader.Close()
		c.order.Remove(elem)
		delete(c.index, name)
	}

	entry := &readerCacheEntry{name: name, reader: r, lastUsed: time.Now()}
	elem := c.order.PushBack(entry)
	c.index[name] = elem
}

// Evict removes and closes the cached Reader for name, if present.
func (c *readerCache) Evict(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.index[name]
	if !ok {
		return
	}
	entry := elem.Value.(*readerCacheEntry)
	entry.reader.Close()
	c.order.Remove(elem)
	delete(c.index, name)
}

// evictIdleLocked closes and drops every entry whose idle deadline has
// passed. Must be called with c.mu held.
func (c *readerCache) evictIdleLocked() {
	now := time.Now()
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*readerCacheEntry)
		if now.Sub(entry.lastUsed) < c.ttl {
			return
		}
		entry.reader.Close()
		c.order.Remove(front)
		delete(c.index, entry.name)
	}
}

// Names returns every session name currently resident in the cache.
func (c *readerCache) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.index))
	for n := range c.index {
		names = append(names, n)
	}
	return names
}

// responseCacheKey disambiguates hashes across different sessions' files;
// request_hash is only guaranteed unique within one recording, not
// globally.
type responseCacheKey struct {
	session string
	hash    format.Hash32
}

type responseCacheEntry struct {
	key      responseCacheKey
	resp     *format.Response
	handle   *store.Handle
	status   uint16
	prevHash format.Hash32
	weight   int64
	lastUsed time.Time
}

// responseCache is a TTI, byte-weighted cache of decoded responses.
type responseCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	maxBytes  int64
	curBytes  int64
	order     *list.List
	index     map[responseCacheKey]*list.Element
	m         *metrics.Metrics
}

func newResponseCache(ttl time.Duration, maxBytes int64, m *metrics.Metrics) *responseCache {
	return &responseCache{
		ttl:      ttl,
		maxBytes: maxBytes,
		order:    list.New(),
		index:    make(map[responseCacheKey]*list.Element),
		m:        m,
	}
}

// Get returns the cached response for (session, hash), refreshing its idle
// deadline.
func (c *responseCache) Get(session string, hash format.Hash32) (*format.Response, uint16, format.Hash32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()

	key := responseCacheKey{session: session, hash: hash}
	elem, ok := c.index[key]
	if !ok {
		if c.m != nil {
		c.m.ResponseCacheMisses.Add(1)
	}
		return nil, 0, format.Hash32{}, false
	}
	entry := elem.Value.(*responseCacheEntry)
	entry.lastUsed = time.Now()
	c.order.MoveToBack(elem)
	if c.m != nil {
		c.m.ResponseCacheHits.Add(1)
	}
	return entry.resp, entry.status, entry.prevHash, true
}

// Put inserts a decoded response into the cache, taking ownership of
// handle (released on eviction).
func (c *responseCache) Put(session string, hash format.Hash32, resp *format.Response, status uint16, prevHash format.Hash32, handle *store.Handle, weight int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := responseCacheKey{session: session, hash: hash}
	if elem, ok := c.index[key]; ok {
		old := elem.Value.(*responseCacheEntry)
		c.curBytes -= old.weight
		old.handle.Release()
		c.order.Remove(elem)
		delete(c.index, key)
	}

	entry := &responseCacheEntry{
		key: key, resp: resp, handle: handle, status: status,
		prevHash: prevHash, weight: weight, lastUsed: time.Now(),
	}
	elem := c.order.PushBack(entry)
	c.index[key] = elem
	c.curBytes += weight

	c.evictLocked()
}

// evictLocked drops idle-expired entries and, if still over the byte
// budget, evicts least-recently-used entries until under it. Must be
// called with c.mu held.
func (c *responseCache) evictLocked() {
	now := time.Now()
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*responseCacheEntry)
		if now.Sub(entry.lastUsed) >= c.ttl || (c.maxBytes > 0 && c.curBytes > c.maxBytes) {
			entry.handle.Release()
			c.curBytes -= entry.weight
			c.order.Remove(front)
			delete(c.index, entry.key)
			continue
		}
		return
	}
}

// EvictSession drops every cached response belonging to session, e.g.
// when its Reader is evicted or the recording is replaced.
func (c *responseCache) EvictSession(session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, elem := range c.index {
		if key.session != session {
			continue
		}
		entry := elem.Value.(*responseCacheEntry)
		entry.handle.Release()
		c.curBytes -= entry.weight
		c.order.Remove(elem)
		delete(c.index, key)
	}
}
