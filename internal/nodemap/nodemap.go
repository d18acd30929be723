// Package nodemap implements the process-wide node map and the per-tree
// usage list described in spec.md 4.3. Both operate on an Entry interface
// rather than a concrete *btree.Node so that btree can depend on nodemap
// without a cycle; btree.Node implements Entry.
package nodemap

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Entry is anything the node map can register: a loaded B-tree node
// identified by a stable page id.
type Entry interface {
	PageID() uint64
}

const partitionCount = 16

// Map is the process-wide concurrent hashtable from page id to in-memory
// node. Partitioned latching (spec.md 4.3) keeps lookups from contending
// with the primary page cache's single latch under high churn.
type Map struct {
	partitions [partitionCount]partition
}

type partition struct {
	mu      sync.Mutex
	entries map[uint64]Entry
}

func New() *Map {
	m := &Map{}
	for i := range m.partitions {
		m.partitions[i].entries = make(map[uint64]Entry)
	}
	return m
}

func partitionFor(id uint64) int {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (8 * i))
	}
	return int(xxhash.Sum64(b[:]) % partitionCount)
}

// Get returns the loaded node for id, if any.
func (m *Map) Get(id uint64) (Entry, bool) {
	p := &m.partitions[partitionFor(id)]
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	return e, ok
}

// Put inserts e, enforcing the "exactly one live Node per id" invariant.
// Returns the entry that is now registered and whether e was the one
// accepted (false means another entry already occupied that id and e was
// rejected; callers discard e in that case).
func (m *Map) Put(e Entry) (Entry, bool) {
	p := &m.partitions[partitionFor(e.PageID())]
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.entries[e.PageID()]; ok {
		return existing, false
	}
	p.entries[e.PageID()] = e
	return e, true
}

// Remove deletes e by identity: it is a no-op if a different entry now
// occupies e's id (e.g. it was already replaced).
func (m *Map) Remove(e Entry) {
	p := &m.partitions[partitionFor(e.PageID())]
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.entries[e.PageID()]; ok && cur == e {
		delete(p.entries, e.PageID())
	}
}
