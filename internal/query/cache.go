package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// resultCache memoizes query results keyed by the canonical spec encoding.
// Entries expire after a TTL; insertion order drives eviction when full.
// Cached tables are treated as immutable by all readers.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	order   []string
	cap     int
	ttl     time.Duration
}

type cacheEntry struct {
	table   *Table
	expires time.Time
}

func newResultCache(capacity int, ttl time.Duration) *resultCache {
	return &resultCache{
		entries: make(map[string]cacheEntry, capacity),
		cap:     capacity,
		ttl:     ttl,
	}
}

// cacheKey digests the spec's canonical JSON encoding.
func cacheKey(spec *Spec) string {
	data, err := json.Marshal(spec)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (c *resultCache) get(key string) (*Table, bool) {
	if c == nil || key == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.table, true
}

func (c *resultCache) put(key string, table *Table) {
	if c == nil || key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		for len(c.entries) >= c.cap && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{table: table, expires: time.Now().Add(c.ttl)}
}
