package emberdb

import (
	"github.com/shubhamn/emberdb/btree"
	"github.com/shubhamn/emberdb/internal/redo"
	"github.com/shubhamn/emberdb/internal/undo"
	"github.com/shubhamn/emberdb/pagestore"
)

// Index is one named ordered key/value collection: its own B-tree, its
// own dedicated file, and (for ordinary, non-temporary indexes) the
// database's shared redo writer. Grounded in Tupl's Index/Tree split,
// collapsed here since emberdb gives every Tree its own backing store.
type Index struct {
	db        *Database
	id        uint64
	name      string
	temporary bool

	tree *btree.Tree
	file *pagestore.FileArray

	// redoWriter is db.redo for an ordinary index, or a disabled Writer
	// for a temporary one — Tupl's TempTree never reaches durable redo
	// regardless of which transaction touches it.
	redoWriter *redo.Writer
}

func (ix *Index) ID() uint64        { return ix.id }
func (ix *Index) Name() string      { return ix.name }
func (ix *Index) IsTemporary() bool { return ix.temporary }

// NewCursor returns a cursor over this index's current contents. It is
// not transaction-scoped: it observes whatever committed or
// in-progress-but-not-yet-rolled-back state the tree holds at each step.
func (ix *Index) NewCursor() *btree.Cursor {
	return ix.tree.NewCursor()
}

// Get reads key under txn's lock mode, or under a throwaway auto-commit
// transaction if txn is nil.
func (ix *Index) Get(txn *Transaction, key []byte) ([]byte, bool, error) {
	if txn == nil {
		t := ix.db.NewTransaction()
		defer t.Reset()
		return ix.getLocked(t, key)
	}
	if err := txn.checkNotBorked(); err != nil {
		return nil, false, err
	}
	return ix.getLocked(txn, key)
}

func (ix *Index) getLocked(txn *Transaction, key []byte) ([]byte, bool, error) {
	if err := txn.lockShared(ix.id, key); err != nil {
		return nil, false, err
	}
	return ix.tree.Get(key)
}

// Store inserts or updates key, auto-committing immediately if txn is
// nil. Per spec.md 4.9: acquire the exclusive lock, push an undo entry
// capturing whatever Store is about to overwrite, mutate the tree, then
// append the redo record — in that order, so a crash at any point still
// leaves either the old value (undo never ran) or the new one (redo
// already durable), never something in between.
func (ix *Index) Store(txn *Transaction, key, value []byte) error {
	if txn == nil {
		t := ix.db.NewTransaction()
		defer t.Reset()
		if err := ix.storeLocked(t, key, value); err != nil {
			return err
		}
		return t.CommitAll()
	}
	if err := txn.checkNotBorked(); err != nil {
		return err
	}
	return ix.storeLocked(txn, key, value)
}

func (ix *Index) storeLocked(txn *Transaction, key, value []byte) error {
	if err := txn.lockExclusive(ix.id, key); err != nil {
		return err
	}

	ix.db.commitLock.RLock()
	defer ix.db.commitLock.RUnlock()

	old, existed, err := ix.tree.Get(key)
	if err != nil {
		return txn.bork(err)
	}

	op := undo.UnInsert
	payload := key
	if existed {
		op = undo.UnUpdate
		payload = encodeKeyValue(key, old)
	}
	if err := txn.undo.Push(op, ix.id, payload); err != nil {
		return txn.bork(err)
	}
	txn.hasState |= hasCommit

	if err := ix.tree.Store(key, value); err != nil {
		return txn.bork(err)
	}
	if err := ix.redoWriter.Store(txn.id, ix.id, key, value); err != nil {
		return txn.bork(err)
	}
	return nil
}

// Delete removes key if present, auto-committing immediately if txn is
// nil. A removed entry is left as a ghost (locked, invisible to new
// readers acquiring a fresh lock) until the owning transaction commits,
// at which point reapGhosts physically removes it — mirroring spec.md
// 4.7's deferred-ghost-reaping rule so a rolled-back delete can still
// restore the old value without racing a concurrent reader.
func (ix *Index) Delete(txn *Transaction, key []byte) (bool, error) {
	if txn == nil {
		t := ix.db.NewTransaction()
		defer t.Reset()
		deleted, err := ix.deleteLocked(t, key)
		if err != nil {
			return false, err
		}
		if err := t.CommitAll(); err != nil {
			return false, err
		}
		return deleted, nil
	}
	if err := txn.checkNotBorked(); err != nil {
		return false, err
	}
	return ix.deleteLocked(txn, key)
}

func (ix *Index) deleteLocked(txn *Transaction, key []byte) (bool, error) {
	if err := txn.lockExclusive(ix.id, key); err != nil {
		return false, err
	}

	ix.db.commitLock.RLock()
	defer ix.db.commitLock.RUnlock()

	old, existed, err := ix.tree.Get(key)
	if err != nil {
		return false, txn.bork(err)
	}
	if !existed {
		return false, nil
	}

	if err := txn.undo.Push(undo.UnDelete, ix.id, encodeKeyValue(key, old)); err != nil {
		return false, txn.bork(err)
	}
	txn.hasState |= hasCommit

	if _, err := ix.tree.Delete(key, true); err != nil {
		return false, txn.bork(err)
	}
	ix.db.lockMgr.Ghost(ix.id, key, true)
	txn.ghosted = append(txn.ghosted, ghostedKey{indexID: ix.id, key: append([]byte(nil), key...)})

	if err := ix.redoWriter.Store(txn.id, ix.id, key, nil); err != nil {
		return false, txn.bork(err)
	}
	return true, nil
}
