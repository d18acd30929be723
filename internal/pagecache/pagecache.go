// Package pagecache implements the primary page cache: a fixed-capacity,
// direct-buffer LRU of raw page bytes keyed by 64-bit page id (spec.md
// 4.2). It is grounded in Tupl's DirectPageCache (original_source) and
// kept in the teacher's contiguous-index style (buffer_pool.go's
// accessOrder slice, generalised to fixed-size intrusive records so the
// structure stays O(1) instead of buffer_pool's O(n) slice surgery).
package pagecache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const zeroID = ^uint64(0) // distinguished id that can never collide with a real page id

// record is one 4-int-equivalent node in Tupl's DirectPageCache: page id,
// less-recent/more-recent LRU links, and a hash-chain link. Using index
// pointers into a flat array instead of *record avoids one more GC root
// per cached page, the same rationale the teacher's buffer pool rejected
// (plain object pointers) but Tupl's design explicitly calls out.
type record struct {
	pageID     uint64
	lessRecent int32
	moreRecent int32
	chainNext  int32
}

// Cache is a fixed-capacity LRU of raw page bytes. A single latch (here, a
// plain mutex — the primary cache is the one contended structure the spec
// deliberately keeps un-partitioned, see spec.md 5) guards the whole
// structure; callers get O(1) amortised Add/Remove.
type Cache struct {
	mu sync.Mutex

	pageSize int
	records  []record
	data     []byte // flat arena: slot i occupies data[i*pageSize:(i+1)*pageSize]
	buckets  []int32

	leastRecent int32
	mostRecent  int32

	closed bool
}

// New builds a cache sized to hold capacityBytes worth of pageSize pages
// (at least 2 slots).
func New(capacityBytes, pageSize int) *Cache {
	entries := capacityBytes / (24 + pageSize)
	if entries < 2 {
		entries = 2
	}

	c := &Cache{
		pageSize: pageSize,
		records:  make([]record, entries),
		data:     make([]byte, entries*pageSize),
		buckets:  make([]int32, entries),
	}

	for i := range c.records {
		c.records[i] = record{
			pageID:     zeroID,
			lessRecent: int32(i - 1),
			moreRecent: int32(i + 1),
			chainNext:  -1,
		}
	}
	c.leastRecent = 0
	c.mostRecent = int32(entries - 1)
	for i := range c.buckets {
		c.buckets[i] = -1
	}

	return c
}

func bucket(pageID uint64, nbuckets int) int {
	return int(xxhash.Sum64(encodeID(pageID)) & 0x7fffffff % uint64(nbuckets))
}

func encodeID(id uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (8 * i))
	}
	return b[:]
}

func (c *Cache) unchain(pageID uint64) {
	idx := bucket(pageID, len(c.buckets))
	ptr := c.buckets[idx]
	prev := int32(-1)
	for ptr >= 0 {
		next := c.records[ptr].chainNext
		if c.records[ptr].pageID == pageID {
			if prev < 0 {
				c.buckets[idx] = next
			} else {
				c.records[prev].chainNext = next
			}
			return
		}
		prev = ptr
		ptr = next
	}
}

func (c *Cache) chain(ptr int32) {
	idx := bucket(c.records[ptr].pageID, len(c.buckets))
	c.records[ptr].chainNext = c.buckets[idx]
	c.buckets[idx] = ptr
}

// Add admits a page, evicting the least-recently-used slot if full. The
// evicted slot's previous occupant is unlinked from the chaining hash
// table using the distinguished zeroID, which never collides with a real
// page id.
func (c *Cache) Add(pageID uint64, page []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	ptr := c.leastRecent
	c.leastRecent = c.records[ptr].moreRecent
	c.records[c.mostRecent].moreRecent = ptr
	c.records[ptr].lessRecent = c.mostRecent
	c.mostRecent = ptr

	copy(c.data[int(ptr)*c.pageSize:], page)

	if old := c.records[ptr].pageID; old != zeroID {
		c.unchain(old)
	}
	c.records[ptr].pageID = pageID
	c.chain(ptr)
}

// Remove copies the cached bytes for pageID into out and reports whether
// the page was present. A successful Remove promotes the slot to the LRU
// head — the opposite of what "remove" ordinarily implies — because
// callers call Remove right before installing the bytes into a live Node,
// at which point the cached copy is redundant and should be evicted
// first on the next round of pressure.
func (c *Cache) Remove(pageID uint64, out []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	idx := bucket(pageID, len(c.buckets))
	ptr := c.buckets[idx]
	for ptr >= 0 {
		if c.records[ptr].pageID == pageID {
			copy(out, c.data[int(ptr)*c.pageSize:(int(ptr)+1)*c.pageSize])

			if ptr != c.leastRecent {
				less := c.records[ptr].lessRecent
				if ptr == c.mostRecent {
					c.mostRecent = less
				} else {
					more := c.records[ptr].moreRecent
					c.records[less].moreRecent = more
					c.records[more].lessRecent = less
				}
				c.records[c.leastRecent].lessRecent = ptr
				c.records[ptr].moreRecent = c.leastRecent
				c.leastRecent = ptr
			}

			c.unchain(pageID)
			c.records[ptr].pageID = zeroID
			return true
		}
		ptr = c.records[ptr].chainNext
	}
	return false
}

// Capacity returns the number of page-sized slots the cache holds.
func (c *Cache) Capacity() int {
	return len(c.records)
}

// Close releases the cache's backing arena. Subsequent Add/Remove are
// no-ops returning false.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.data = nil
	c.records = nil
	c.buckets = nil
}
