package nodemap

import "sync"

// Evictable is the subset of Node behaviour the usage list needs: intrusive
// doubly-linked list pointers, and the checks spec.md 4.3 lists for
// eviction eligibility (bound cursors, mid-split, exclusively-latchable).
type Evictable interface {
	Entry

	LessRecent() Evictable
	MoreRecent() Evictable
	SetLessRecent(Evictable)
	SetMoreRecent(Evictable)

	HasBoundCursors() bool
	Splitting() bool

	// TryExclusive attempts (non-blocking) to latch the node exclusively
	// for eviction. On success the caller must call ReleaseExclusive.
	TryExclusive() bool
	ReleaseExclusive()

	IsDirty() bool
	// WriteBack persists a dirty node's page through the page array and
	// marks it clean. Called only while exclusively latched.
	WriteBack() error
	// OfferClean hands a clean node's bytes to the (optional) secondary
	// cache before the node map entry is cleared.
	OfferClean()
}

// UsageList is the per-tree (or shared) LRU of evictable nodes.
type UsageList struct {
	mu          sync.Mutex
	leastRecent Evictable
	mostRecent  Evictable
}

func NewUsageList() *UsageList {
	return &UsageList{}
}

// Used moves n to the most-recent end, inserting it if not already
// linked.
func (u *UsageList) Used(n Evictable) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.unlink(n)
	u.pushMostRecent(n)
}

// Unused moves n to the least-recent end and releases n's latch, per
// spec.md 4.3 ("unused(n) moves n to the least-recent end and releases
// n's latch").
func (u *UsageList) Unused(n Evictable) {
	u.mu.Lock()
	u.unlink(n)
	u.pushLeastRecent(n)
	u.mu.Unlock()
	n.ReleaseExclusive()
}

// MakeEvictable / MakeUnevictable flip a node's pin status by linking or
// unlinking it from the list entirely; an unlinked node is never visited
// by Evict.
func (u *UsageList) MakeEvictable(n Evictable) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.unlink(n)
	u.pushMostRecent(n)
}

func (u *UsageList) MakeUnevictable(n Evictable) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.unlink(n)
}

func (u *UsageList) unlink(n Evictable) {
	less := n.LessRecent()
	more := n.MoreRecent()
	if less == nil && more == nil && u.leastRecent != n && u.mostRecent != n {
		return // not linked
	}
	if less != nil {
		less.SetMoreRecent(more)
	} else if u.leastRecent == n {
		u.leastRecent = more
	}
	if more != nil {
		more.SetLessRecent(less)
	} else if u.mostRecent == n {
		u.mostRecent = less
	}
	n.SetLessRecent(nil)
	n.SetMoreRecent(nil)
}

func (u *UsageList) pushMostRecent(n Evictable) {
	if u.mostRecent == nil {
		u.leastRecent = n
		u.mostRecent = n
		return
	}
	n.SetLessRecent(u.mostRecent)
	u.mostRecent.SetMoreRecent(n)
	u.mostRecent = n
}

func (u *UsageList) pushLeastRecent(n Evictable) {
	if u.leastRecent == nil {
		u.leastRecent = n
		u.mostRecent = n
		return
	}
	n.SetMoreRecent(u.leastRecent)
	u.leastRecent.SetLessRecent(n)
	u.leastRecent = n
}

// Evict walks from the least-recent end, skipping nodes with bound
// cursors, nodes mid-split, or nodes that cannot be latched exclusively
// without blocking. It evicts up to budget nodes (or until the list is
// exhausted) and returns the count actually evicted.
func (u *UsageList) Evict(registry *Map, budget int) int {
	evicted := 0
	u.mu.Lock()
	cur := u.leastRecent
	u.mu.Unlock()

	for cur != nil && evicted < budget {
		u.mu.Lock()
		next := cur.MoreRecent()
		u.mu.Unlock()

		if cur.HasBoundCursors() || cur.Splitting() {
			cur = next
			continue
		}
		if !cur.TryExclusive() {
			cur = next
			continue
		}

		var err error
		if cur.IsDirty() {
			err = cur.WriteBack()
		} else {
			cur.OfferClean()
		}
		if err == nil {
			u.mu.Lock()
			u.unlink(cur)
			u.mu.Unlock()
			registry.Remove(cur)
			evicted++
		}
		cur.ReleaseExclusive()
		cur = next
	}
	return evicted
}
