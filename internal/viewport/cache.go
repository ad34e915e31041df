package viewport

import (
	"bytes"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cidadeops/viewport-cache/internal/geo"
)

type cacheEntry struct {
	payload   []byte
	region    geo.Region
	fetchedAt time.Time
	items     int
}

func (e *cacheEntry) valid(now time.Time, validity time.Duration) bool {
	return now.Sub(e.fetchedAt) < validity
}

// regionCache is the per-layer bounded cache. Entries are keyed by the coarse
// region key; lookups also accept any fresh entry whose region contains the
// requested one, so a broader fetch keeps serving narrower views.
type regionCache struct {
	validity time.Duration
	lru      *lru.Cache[string, *cacheEntry]
}

func newRegionCache(capacity int, validity time.Duration) *regionCache {
	c, _ := lru.New[string, *cacheEntry](capacity)
	return &regionCache{validity: validity, lru: c}
}

func (c *regionCache) lookup(region geo.Region, now time.Time) (*cacheEntry, bool) {
	key := region.Key()
	if e, ok := c.lru.Get(key); ok {
		if e.valid(now, c.validity) {
			return e, true
		}
		c.lru.Remove(key)
	}

	// containment path, scanning oldest to newest
	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if !ok {
			continue
		}
		if !e.valid(now, c.validity) {
			c.lru.Remove(k)
			continue
		}
		if e.region.Contains(region) {
			c.lru.Get(k) // promote to most recently used
			return e, true
		}
	}
	return nil, false
}

// put inserts or replaces the entry for the region's bucket; the LRU evicts
// its oldest entry when over capacity.
func (c *regionCache) put(region geo.Region, payload []byte, now time.Time) {
	c.lru.Add(region.Key(), &cacheEntry{
		payload:   payload,
		region:    region,
		fetchedAt: now,
		items:     countItems(payload),
	})
}

func (c *regionCache) purge() { c.lru.Purge() }

func (c *regionCache) len() int { return c.lru.Len() }

// countItems derives a diagnostic item count from the payload shape: a
// top-level JSON array, or an items/features array inside an object.
// Returns -1 when the shape is opaque.
func countItems(payload []byte) int {
	t := bytes.TrimSpace(payload)
	if len(t) == 0 {
		return -1
	}
	switch t[0] {
	case '[':
		var arr []json.RawMessage
		if json.Unmarshal(t, &arr) == nil {
			return len(arr)
		}
	case '{':
		var obj struct {
			Items    []json.RawMessage `json:"items"`
			Features []json.RawMessage `json:"features"`
		}
		if json.Unmarshal(t, &obj) == nil {
			if obj.Items != nil {
				return len(obj.Items)
			}
			if obj.Features != nil {
				return len(obj.Features)
			}
		}
	}
	return -1
}
