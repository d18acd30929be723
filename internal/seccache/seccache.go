// Package seccache implements the optional Secondary Page Cache consumed
// interface from spec.md 6 (cache_page/evict_page), backed by
// github.com/dgraph-io/ristretto/v2. The primary page cache
// (internal/pagecache) stays the direct-mapped design spec.md 4.2
// mandates; this is what internal/nodemap's usage-list eviction offers a
// clean page to instead of letting it fall on the floor.
package seccache

import (
	"github.com/dgraph-io/ristretto/v2"
)

// Cache adapts a ristretto instance to the cache_page/evict_page shape.
type Cache struct {
	rc *ristretto.Cache[uint64, []byte]
}

// New builds a secondary cache sized to hold roughly maxBytes worth of
// pages, assuming pages average pageSize bytes (ristretto's cost model is
// byte-based, not count-based).
func New(maxBytes int64, pageSize int) (*Cache, error) {
	numCounters := (maxBytes / int64(pageSize)) * 10
	if numCounters < 100 {
		numCounters = 100
	}
	rc, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: numCounters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{rc: rc}, nil
}

// CachePage offers a clean, about-to-be-discarded page for later
// retrieval. The cache is free to drop it under memory pressure.
func (c *Cache) CachePage(id uint64, bytes []byte) {
	cp := make([]byte, len(bytes))
	copy(cp, bytes)
	c.rc.Set(id, cp, int64(len(cp)))
}

// EvictPage looks up id and, if present, copies its bytes into out and
// removes it from the cache, letting the caller reuse a buffer instead of
// allocating fresh on every hit — matching spec.md 6's evict_page(id,
// bytes) -> bytes contract, where the passed-in buffer is what gets
// filled and handed back.
func (c *Cache) EvictPage(id uint64, out []byte) ([]byte, bool) {
	v, ok := c.rc.Get(id)
	if !ok {
		return out, false
	}
	c.rc.Del(id)
	if cap(out) < len(v) {
		out = make([]byte, len(v))
	}
	out = out[:len(v)]
	copy(out, v)
	return out, true
}

func (c *Cache) Close() {
	c.rc.Close()
}
