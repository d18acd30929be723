// Package latch implements the one-writer/many-reader primitive used by
// B-tree nodes, lock entries, and the spare-page pool. It is built on
// sync.Mutex and sync.Cond rather than sync.RWMutex, because RWMutex cannot
// express try_upgrade or a bound condition that releases the latch while
// parked.
package latch

import "sync"

// Latch is a fair-ish reader/writer lock. Pending exclusive acquirers block
// new shared acquirers, matching the spec's fairness policy: once a writer
// is waiting, readers queue up behind it instead of starving it forever.
type Latch struct {
	mu sync.Mutex

	readers      int32
	writerHeld   bool
	writersQueue int32 // number of goroutines blocked in AcquireExclusive

	readerCond sync.Cond
	writerCond sync.Cond
}

func New() *Latch {
	l := &Latch{}
	l.readerCond.L = &l.mu
	l.writerCond.L = &l.mu
	return l
}

// AcquireShared blocks until a shared hold is granted. Denied while a
// writer holds the latch or one is queued.
func (l *Latch) AcquireShared() {
	l.mu.Lock()
	for l.writerHeld || l.writersQueue > 0 {
		l.readerCond.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

// TryAcquireShared is the non-blocking variant; returns false immediately
// instead of queuing.
func (l *Latch) TryAcquireShared() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writerHeld || l.writersQueue > 0 {
		return false
	}
	l.readers++
	return true
}

func (l *Latch) ReleaseShared() {
	l.mu.Lock()
	l.readers--
	if l.readers == 0 {
		l.writerCond.Signal()
	}
	l.mu.Unlock()
}

// AcquireExclusive blocks until no readers and no other writer hold the
// latch.
func (l *Latch) AcquireExclusive() {
	l.mu.Lock()
	l.writersQueue++
	for l.writerHeld || l.readers > 0 {
		l.writerCond.Wait()
	}
	l.writersQueue--
	l.writerHeld = true
	l.mu.Unlock()
}

// TryAcquireExclusive is the non-blocking variant used by rebalance
// (spec 4.4d), which must never park on a sibling while holding the
// parent, and by usage-list eviction, which skips nodes it cannot latch
// at once.
func (l *Latch) TryAcquireExclusive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writerHeld || l.readers > 0 {
		return false
	}
	l.writerHeld = true
	return true
}

func (l *Latch) ReleaseExclusive() {
	l.mu.Lock()
	l.writerHeld = false
	l.readerCond.Broadcast()
	l.writerCond.Signal()
	l.mu.Unlock()
}

// Downgrade converts an exclusive hold into a shared hold without ever
// releasing the latch to another acquirer in between. Never fails.
func (l *Latch) Downgrade() {
	l.mu.Lock()
	l.writerHeld = false
	l.readers++
	l.readerCond.Broadcast()
	l.mu.Unlock()
}

// TryUpgrade attempts to convert a shared hold into exclusive without
// blocking. Only legal when this goroutine is the sole reader; the caller
// is responsible for that invariant (the latch itself cannot tell which
// reader is calling). Used instead of a blocking upgrade specifically to
// avoid reader-to-writer deadlocks between two shared holders both trying
// to upgrade.
func (l *Latch) TryUpgrade() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writerHeld || l.readers != 1 {
		return false
	}
	l.readers = 0
	l.writerHeld = true
	return true
}
