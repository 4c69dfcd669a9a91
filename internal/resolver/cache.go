package resolver

import (
	"container/list"
	"sync"
)

// Cache keeps built graphs keyed by fingerprint with LRU eviction.
//
// Building the graph walks the whole operation catalog, so the façade caches
// it across requests that share a node universe. The cache is explicit
// process state: construct it, share it, and call Invalidate after a catalog
// reload. Entries whose registry revision changed never match, because the
// revision is part of the fingerprint.
type Cache struct {
	maxEntries int
	graphs     map[string]*cacheEntry
	lru        *list.List // most recent at front
	mu         sync.Mutex
}

type cacheEntry struct {
	fp      string
	graph   *Graph
	element *list.Element
}

// NewCache creates a cache holding up to maxEntries graphs. maxEntries <= 0
// means unbounded.
func NewCache(maxEntries int) *Cache {
	return &Cache{
		maxEntries: maxEntries,
		graphs:     make(map[string]*cacheEntry),
		lru:        list.New(),
	}
}

// Get returns the cached graph for a fingerprint, or builds one with the
// loader and caches it. The loader runs outside the lock only on miss.
func (c *Cache) Get(fp string, loader func() (*Graph, error)) (*Graph, error) {
	c.mu.Lock()
	if entry, ok := c.graphs[fp]; ok {
		c.lru.MoveToFront(entry.element)
		g := entry.graph
		c.mu.Unlock()
		return g, nil
	}
	c.mu.Unlock()

	g, err := loader()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.graphs[fp]; ok {
		// Lost a race with another builder; keep the first.
		c.lru.MoveToFront(entry.element)
		return entry.graph, nil
	}
	entry := &cacheEntry{fp: fp, graph: g}
	entry.element = c.lru.PushFront(entry)
	c.graphs[fp] = entry
	for c.maxEntries > 0 && len(c.graphs) > c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(*cacheEntry)
		c.lru.Remove(oldest)
		delete(c.graphs, evicted.fp)
	}
	return g, nil
}

// Invalidate drops every cached graph. Call after mutating the registry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.graphs = make(map[string]*cacheEntry)
	c.lru.Init()
}

// Len returns the number of cached graphs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.graphs)
}
