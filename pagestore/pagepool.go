package pagestore

import "github.com/shubhamn/emberdb/internal/latch"

// PagePool is a fixed-size pool of spare page buffers, grounded in Tupl's
// PagePool.java: callers borrow a buffer with Remove (blocking if the
// pool is momentarily empty) and must hand it back with Add once done,
// instead of letting the garbage collector reclaim it. btree's
// compaction pass uses this to get its scratch page without going
// through the page array's own allocator on every pass.
type PagePool struct {
	l     *latch.Latch
	cond  *latch.Condition
	pages [][]byte
	pos   int
}

func NewPagePool(pageSize, poolSize int) *PagePool {
	p := &PagePool{l: latch.New(), pages: make([][]byte, poolSize)}
	p.cond = latch.NewCondition(p.l)
	for i := range p.pages {
		p.pages[i] = make([]byte, pageSize)
	}
	p.pos = poolSize
	return p
}

// Remove borrows a buffer from the pool, waiting if none are free.
func (p *PagePool) Remove() []byte {
	p.l.AcquireExclusive()
	for p.pos == 0 {
		p.cond.Await(-1)
	}
	p.pos--
	page := p.pages[p.pos]
	p.l.ReleaseExclusive()
	return page
}

// Add returns a previously removed buffer to the pool.
func (p *PagePool) Add(page []byte) {
	p.l.AcquireExclusive()
	p.pages[p.pos] = page
	p.pos++
	p.cond.Signal()
	p.l.ReleaseExclusive()
}
