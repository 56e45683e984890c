package stac

import (
	"context"
	"sync"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/observability"
)

// source is the subset of the pipeline's Source that the cache decorates.
type source interface {
	ListItems(ctx context.Context, tier domain.Tier) ([]domain.SourceItem, error)
	StationsItem(ctx context.Context) (domain.SourceItem, error)
	Fetch(ctx context.Context, item domain.SourceItem) ([]byte, error)
}

// CachedSource wraps a source with an in-memory LRU of historical files keyed by href.
// Historical decade files are immutable once published, so a weekly refresh only
// downloads files it has not seen. Recent, now and metadata files always go upstream.
type CachedSource struct {
	inner   source
	cache   *lruCache[[]byte]
	metrics *observability.Metrics
}

// NewCachedSource creates a cache decorator around a source.
func NewCachedSource(inner source, maxEntries int, metrics *observability.Metrics) *CachedSource {
	return &CachedSource{
		inner:   inner,
		cache:   newLRUCache[[]byte](maxEntries),
		metrics: metrics,
	}
}

func (c *CachedSource) ListItems(ctx context.Context, tier domain.Tier) ([]domain.SourceItem, error) {
	return c.inner.ListItems(ctx, tier)
}

func (c *CachedSource) StationsItem(ctx context.Context) (domain.SourceItem, error) {
	return c.inner.StationsItem(ctx)
}

func (c *CachedSource) Fetch(ctx context.Context, item domain.SourceItem) ([]byte, error) {
	if item.Tier != domain.TierHistorical {
		return c.inner.Fetch(ctx, item)
	}
	if data, ok := c.cache.get(item.Href); ok {
		c.metrics.SourceCache.WithLabelValues("hit").Inc()
		return data, nil
	}
	c.metrics.SourceCache.WithLabelValues("miss").Inc()
	data, err := c.inner.Fetch(ctx, item)
	if err != nil {
		return nil, err
	}
	c.cache.put(item.Href, data)
	return data, nil
}

// Len reports the number of cached files.
func (c *CachedSource) Len() int {
	return c.cache.size()
}

// lruCache is a small thread-safe LRU cache.
type lruCache[V any] struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry[V]
	head       *entry[V] // most recently used
	tail       *entry[V] // least recently used
}

type entry[V any] struct {
	key   string
	value V
	prev  *entry[V]
	next  *entry[V]
}

func newLRUCache[V any](maxEntries int) *lruCache[V] {
	return &lruCache[V]{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry[V]),
	}
}

func (c *lruCache[V]) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache[V]) put(key string, value V) {
	if c.maxEntries <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry[V]{key: key, value: value}
	c.entries[key] = e
	c.pushFront(e)

	for len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache[V]) moveToFront(e *entry[V]) {
	if e == c.head {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

func (c *lruCache[V]) pushFront(e *entry[V]) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache[V]) unlink(e *entry[V]) {
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
}

func (c *lruCache[V]) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlink(c.tail)
}
