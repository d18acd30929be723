package lock

import (
	"github.com/shubhamn/emberdb/internal/latch"
)

// key identifies a lockable row: an index id plus a key.
type key struct {
	indexID uint64
	key     string // keys are small and immutable once locked; string avoids a second copy
}

// lockEntry is the per-(indexId, key) record from spec.md 3 ("Lock"):
// owning upgradable/exclusive locker, shared owners, and the ghosted flag
// delete-at-commit uses. Waiters are not queued explicitly; every waiter
// blocks on the shared cond and rechecks the state table on wake, which
// is simpler than tracking separate shared/exclusive queues and is still
// correct because tryGrant is idempotent.
type lockEntry struct {
	l *latch.Latch

	indexID uint64
	key     []byte

	sharedOwners map[*Locker]struct{}
	upgradable   *Locker // also counts as a shared owner when non-nil
	exclusive    *Locker

	ghosted bool

	// cond wakes every waiter on any release; each waiter rechecks its
	// own condition against the new state on wake (spec.md 4.1's
	// await/signal contract).
	cond *latch.Condition
}

func newLockEntry(indexID uint64, k []byte) *lockEntry {
	return &lockEntry{l: latch.New(), indexID: indexID, key: k, sharedOwners: make(map[*Locker]struct{})}
}

func (e *lockEntry) isOwner(lk *Locker) bool {
	if e.exclusive == lk || e.upgradable == lk {
		return true
	}
	_, ok := e.sharedOwners[lk]
	return ok
}

// bytesKey copies b into an immutable string suitable for use as a map
// key; spec.md's key encoding treats keys as opaque byte strings compared
// unsigned-lexicographically, which Go's native string comparison already
// implements for byte-for-byte equality purposes (ordering is handled
// separately by the B-tree, not here).
func bytesKey(b []byte) string {
	return string(b)
}
