package lock

import "fmt"

// DeadlockError reports that waiting for a lock would complete a cycle in
// the wait-for graph. The caller's lock request has already failed with
// TimedOut; detect never mutates lock state, it only explains the
// timeout.
type DeadlockError struct {
	IndexID uint64
	Key     []byte
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("lock: deadlock detected waiting on index %d", e.IndexID)
}

// detect walks the wait-for graph starting at the entry lk was blocked on,
// following each current owner's own waitingFor pointer, looking for a
// path back to lk. Every lockEntry visited is latched shared (try-only, to
// avoid the detector itself blocking) just long enough to copy out its
// owner set, per spec.md 4.6 / 7.
func detect(lk *Locker, start *lockEntry) error {
	visited := make(map[*lockEntry]bool)
	// lk may itself own start (an upgradable hold waiting to become
	// exclusive); that hold is not a path back to lk, so start's owners
	// are expanded here without the owner == lk check.
	owners, _, _ := snapshotOwners(start)
	for _, owner := range owners {
		if owner == lk || owner.waitingFor == nil {
			continue
		}
		if err := walk(lk, owner.waitingFor, visited); err != nil {
			return err
		}
	}
	return nil
}

func walk(lk *Locker, e *lockEntry, visited map[*lockEntry]bool) error {
	if visited[e] {
		return nil
	}
	visited[e] = true

	owners, indexID, key := snapshotOwners(e)
	for _, owner := range owners {
		if owner == lk {
			return &DeadlockError{IndexID: indexID, Key: key}
		}
		next := owner.waitingFor
		if next == nil {
			continue
		}
		if err := walk(lk, next, visited); err != nil {
			return err
		}
	}
	return nil
}

// snapshotOwners returns every Locker currently holding any strength of
// lock on e, plus the (indexID, key) the entry belongs to for error
// reporting. Best-effort: if the entry is exclusively latched elsewhere
// the owner set is read without blocking, since staleness only weakens
// detection (a missed cycle resolves itself once the real timeout fires
// again) and never produces a false positive.
func snapshotOwners(e *lockEntry) ([]*Locker, uint64, []byte) {
	if !e.l.TryAcquireShared() {
		return nil, e.indexID, e.key
	}
	defer e.l.ReleaseShared()

	owners := make([]*Locker, 0, len(e.sharedOwners)+2)
	if e.exclusive != nil {
		owners = append(owners, e.exclusive)
	}
	if e.upgradable != nil {
		owners = append(owners, e.upgradable)
	}
	for o := range e.sharedOwners {
		owners = append(owners, o)
	}
	return owners, e.indexID, e.key
}
