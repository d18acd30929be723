package lock

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shubhamn/emberdb/internal/latch"
)

const partitionCount = 16

// Manager is the lock manager from spec.md 4.6: per-(indexId, key) lock
// state plus the acquisition API Lockers call through.
type Manager struct {
	partitions [partitionCount]lockPartition
}

type lockPartition struct {
	mu      sync.Mutex
	entries map[key]*lockEntry
}

func NewManager() *Manager {
	m := &Manager{}
	for i := range m.partitions {
		m.partitions[i].entries = make(map[key]*lockEntry)
	}
	return m
}

func partitionHash(indexID uint64, k []byte) uint64 {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(indexID >> (8 * i))
	}
	h := xxhash.New()
	h.Write(b[:])
	h.Write(k)
	return h.Sum64()
}

// entryFor returns the lock entry for (indexID, k), creating it on demand
// when create is true. Entries are never removed from the partition map:
// the working set of distinct locked keys in an OLTP workload is bounded
// by the keyspace actually touched, and reclaiming entries eagerly would
// need the same refcounting Tupl's Lock objects avoid by living inside
// the same hash table for the process lifetime.
func (m *Manager) entryFor(indexID uint64, k []byte, create bool) (*lockEntry, key) {
	h := partitionHash(indexID, k)
	p := &m.partitions[h%partitionCount]
	lk := key{indexID: indexID, key: bytesKey(k)}

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[lk]
	if !ok {
		if !create {
			return nil, lk
		}
		e = newLockEntry(indexID, k)
		p.entries[lk] = e
	}
	return e, lk
}

type mode int

const (
	modeShared mode = iota
	modeUpgradable
	modeExclusive
)

func deadline(nanosTimeout int64) (time.Time, bool) {
	if nanosTimeout < 0 {
		return time.Time{}, false
	}
	return time.Now().Add(time.Duration(nanosTimeout)), true
}

// TryLockShared acquires a shared lock, denying exclusive locks.
func (m *Manager) TryLockShared(lk *Locker, indexID uint64, k []byte, nanosTimeout int64) Result {
	return m.acquire(lk, indexID, k, nanosTimeout, modeShared)
}

// TryLockUpgradable acquires an upgradable lock, denying exclusive and
// additional upgradable locks.
func (m *Manager) TryLockUpgradable(lk *Locker, indexID uint64, k []byte, nanosTimeout int64) Result {
	return m.acquire(lk, indexID, k, nanosTimeout, modeUpgradable)
}

// TryLockExclusive acquires an exclusive lock, denying any other lock.
func (m *Manager) TryLockExclusive(lk *Locker, indexID uint64, k []byte, nanosTimeout int64) Result {
	return m.acquire(lk, indexID, k, nanosTimeout, modeExclusive)
}

func (m *Manager) acquire(lk *Locker, indexID uint64, k []byte, nanosTimeout int64, md mode) Result {
	e, _ := m.entryFor(indexID, k, true)
	e.l.AcquireExclusive()

	deadlineAt, hasDeadline := deadline(nanosTimeout)

	for {
		result, granted := tryGrant(e, lk, md)
		if result != TimedOut {
			if granted && result == Acquired {
				lk.push(indexID, k, e, md, false)
			} else if result == Upgraded {
				lk.push(indexID, k, e, md, true)
			}
			e.l.ReleaseExclusive()
			lk.waitingFor = nil
			return result
		}

		// Must wait: register intent for deadlock detection, then park on
		// the entry's own latch via a condition that any release signals.
		lk.waitingFor = e
		if e.cond == nil {
			e.cond = latch.NewCondition(e.l)
		}
		var waitNanos int64 = -1
		if hasDeadline {
			waitNanos = int64(time.Until(deadlineAt))
			if waitNanos <= 0 {
				e.l.ReleaseExclusive()
				// lk.waitingFor stays set: the caller runs deadlock
				// detection against it before clearing it itself.
				return TimedOut
			}
		}
		if !e.cond.Await(waitNanos) {
			e.l.ReleaseExclusive()
			return TimedOut
		}
	}
}

// tryGrant evaluates the current state of e against the lock-state table
// in spec.md 4.6 and either grants md to lk (returning Acquired/Upgraded/
// Owned*) or reports that the caller must wait (TimedOut, reused here as
// the "must wait" sentinel before any timeout has actually elapsed) or
// that the request is illegal.
func tryGrant(e *lockEntry, lk *Locker, md mode) (Result, bool) {
	switch md {
	case modeShared:
		if e.exclusive == lk {
			return OwnedExclusive, false
		}
		if e.upgradable == lk {
			return OwnedUpgradable, false
		}
		if _, ok := e.sharedOwners[lk]; ok {
			return OwnedShared, false
		}
		if e.exclusive != nil {
			return TimedOut, false
		}
		e.sharedOwners[lk] = struct{}{}
		return Acquired, true

	case modeUpgradable:
		if e.exclusive == lk {
			return OwnedExclusive, false
		}
		if e.upgradable == lk {
			return OwnedUpgradable, false
		}
		if e.upgradable != nil {
			return TimedOut, false
		}
		if e.exclusive != nil {
			return TimedOut, false
		}
		e.upgradable = lk
		return Acquired, true

	case modeExclusive:
		if e.exclusive == lk {
			return OwnedExclusive, false
		}
		if e.upgradable == lk {
			// Upgrading: legal only once every other shared owner has
			// drained.
			if len(otherSharedOwners(e, lk)) > 0 {
				return TimedOut, false
			}
			e.exclusive = lk
			delete(e.sharedOwners, lk)
			return Upgraded, false
		}
		if _, ok := e.sharedOwners[lk]; ok {
			// Shared-to-exclusive upgrade would deadlock against any
			// concurrent shared owner and is always illegal.
			return Illegal, false
		}
		if e.exclusive != nil || e.upgradable != nil || len(e.sharedOwners) > 0 {
			return TimedOut, false
		}
		e.exclusive = lk
		return Acquired, true
	}
	panic("unreachable")
}

func otherSharedOwners(e *lockEntry, self *Locker) []*Locker {
	var others []*Locker
	for o := range e.sharedOwners {
		if o != self {
			others = append(others, o)
		}
	}
	return others
}

// unlock fully releases lk's hold on e, downgrading/clearing whichever
// field it occupies.
func (m *Manager) unlock(lk *Locker, indexID uint64, k []byte) {
	e, _ := m.entryFor(indexID, k, false)
	if e == nil {
		return
	}
	e.l.AcquireExclusive()
	if e.exclusive == lk {
		e.exclusive = nil
	}
	if e.upgradable == lk {
		e.upgradable = nil
	}
	delete(e.sharedOwners, lk)
	if e.cond != nil {
		e.cond.Signal()
	}
	e.l.ReleaseExclusive()
}

// unlockToUpgradable releases an exclusive hold back down to upgradable.
func (m *Manager) unlockToUpgradable(lk *Locker, indexID uint64, k []byte) {
	e, _ := m.entryFor(indexID, k, false)
	if e == nil {
		return
	}
	e.l.AcquireExclusive()
	if e.exclusive == lk {
		e.exclusive = nil
		e.upgradable = lk
	}
	if e.cond != nil {
		e.cond.Signal()
	}
	e.l.ReleaseExclusive()
}

// unlockToShared releases an upgradable (or exclusive) hold back down to
// plain shared.
func (m *Manager) unlockToShared(lk *Locker, indexID uint64, k []byte) {
	e, _ := m.entryFor(indexID, k, false)
	if e == nil {
		return
	}
	e.l.AcquireExclusive()
	if e.exclusive == lk {
		e.exclusive = nil
	}
	if e.upgradable == lk {
		e.upgradable = nil
	}
	e.sharedOwners[lk] = struct{}{}
	if e.cond != nil {
		e.cond.Signal()
	}
	e.l.ReleaseExclusive()
}

// Ghost marks e as ghosted: a delete pending commit, per spec.md 4.4's
// "mark the key as ghosted in the lock manager". Ghost(true) creates the
// entry when the key has never been locked; Ghost(false) on such a key
// does nothing.
func (m *Manager) Ghost(indexID uint64, k []byte, ghosted bool) {
	e, _ := m.entryFor(indexID, k, ghosted)
	if e == nil {
		return
	}
	e.l.AcquireExclusive()
	e.ghosted = ghosted
	e.l.ReleaseExclusive()
}

func (m *Manager) IsGhosted(indexID uint64, k []byte) bool {
	e, _ := m.entryFor(indexID, k, false)
	if e == nil {
		return false
	}
	e.l.AcquireExclusive()
	defer e.l.ReleaseExclusive()
	return e.ghosted
}
