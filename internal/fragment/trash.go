package fragment

import "sync"

// trashKey mirrors FragmentedTrash.java's key format: a transaction id
// plus a per-transaction sequence number. Entries are held in a map, so
// they are kept in no particular order.
type trashKey struct {
	txnID int64
	seq   uint64
}

// Trash is a durable-in-intent queue of fragment pointers pending
// deletion on commit or reinsertion on rollback. Add is called with the
// commit lock held (mirroring FragmentedTrash.add's contract); Empty is
// called once a transaction with HAS_TRASH set finishes committing.
type Trash struct {
	mu      sync.Mutex
	nextSeq map[int64]uint64
	entries map[trashKey][]byte
}

func newTrash() *Trash {
	return &Trash{
		nextSeq: make(map[int64]uint64),
		entries: make(map[trashKey][]byte),
	}
}

// Add records a fragment pointer as pending deletion for txnID, returning
// the sequence number assigned (needed by the undo entry that can
// reverse this on rollback).
func (t *Trash) Add(txnID int64, pointer []byte) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq := t.nextSeq[txnID]
	t.nextSeq[txnID] = seq + 1
	cp := append([]byte(nil), pointer...)
	t.entries[trashKey{txnID: txnID, seq: seq}] = cp
	return seq
}

// Remove undoes Add: used when a transaction that added a trash entry is
// rolled back, restoring the original value instead of letting it be
// deleted.
func (t *Trash) Remove(txnID int64, seq uint64) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := trashKey{txnID: txnID, seq: seq}
	p, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	return p, ok
}

// Empty deletes every fragment chain queued for txnID via svc, used once
// the transaction's commit is durable and HAS_TRASH was set.
func (t *Trash) Empty(txnID int64, svc Service) error {
	t.mu.Lock()
	var pointers [][]byte
	for key, p := range t.entries {
		if key.txnID == txnID {
			pointers = append(pointers, p)
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()

	for _, p := range pointers {
		if err := svc.DeleteFragments(p); err != nil {
			return err
		}
	}
	return nil
}

// EmptyAll deletes every queued fragment chain regardless of owning
// transaction, mirroring FragmentedTrash.emptyAllTrash. Recovery does not
// call it.
func (t *Trash) EmptyAll(svc Service) (bool, error) {
	t.mu.Lock()
	var pointers [][]byte
	for key, p := range t.entries {
		pointers = append(pointers, p)
		delete(t.entries, key)
	}
	t.mu.Unlock()

	for _, p := range pointers {
		if err := svc.DeleteFragments(p); err != nil {
			return true, err
		}
	}
	return len(pointers) > 0, nil
}
