package store

import (
	"encoding/json"
	"sync"

	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
)

// discoveryCache remembers discovery results per table until a change invalidates the table.
type discoveryCache struct {
	mu      sync.Mutex
	tables  map[string]map[string][]objects.Version
	hits    int
	misses  int
	maxKeys int
}

func newDiscoveryCache(maxKeys int) *discoveryCache {
	return &discoveryCache{tables: make(map[string]map[string][]objects.Version), maxKeys: maxKeys}
}

func cacheKey(criteria objects.Criteria) (string, bool) {
	// encoding/json sorts map keys, so equal criteria encode identically.
	encoded, err := json.Marshal(criteria)
	if err != nil {
		return "", false
	}
	return string(encoded), true
}

func (c *discoveryCache) get(table string, criteria objects.Criteria) ([]objects.Version, bool) {
	key, ok := cacheKey(criteria)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	versions, ok := c.tables[table][key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return append([]objects.Version(nil), versions...), true
}

func (c *discoveryCache) put(table string, criteria objects.Criteria, versions []objects.Version) {
	key, ok := cacheKey(criteria)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.tables[table]
	if entries == nil {
		entries = make(map[string][]objects.Version)
		c.tables[table] = entries
	}
	if c.maxKeys > 0 && len(entries) >= c.maxKeys {
		// TODO: evict least recently used entries instead of the whole table.
		clear(entries)
	}
	entries[key] = append([]objects.Version(nil), versions...)
}

func (c *discoveryCache) invalidate(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tables, table)
}

func (c *discoveryCache) stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
