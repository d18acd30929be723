package emberdb

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/shubhamn/emberdb/internal/config"
	"github.com/shubhamn/emberdb/internal/errs"
	"github.com/shubhamn/emberdb/internal/lock"
	"github.com/shubhamn/emberdb/internal/redo"
	"github.com/shubhamn/emberdb/internal/undo"
)

// hasState bits mirror LocalTransaction.java's mHasState: HAS_SCOPE marks
// a scope entered but not yet logged, HAS_COMMIT marks committable
// changes, HAS_TRASH marks fragments queued for deletion once the
// top-level commit is durable.
const (
	hasScope = 1 << iota
	hasCommit
	hasTrash
)

// parentScope is the savepoint Enter pushes: the state a nested scope's
// Exit or Commit restores into (or merges into) the resuming scope.
type parentScope struct {
	parent           *parentScope
	hasState         int
	savepoint        undo.Savepoint
	lockTimeoutNanos int64
}

type ghostedKey struct {
	indexID uint64
	key     []byte
}

// Transaction composes the three substrates spec.md 4.9 names: a Locker
// for 2PL, an undo Log for rollback, and the database's shared redo
// Writer for durability. Grounded in Tupl's LocalTransaction.java
// (original_source), trimmed to what emberdb's Index operations need.
type Transaction struct {
	db  *Database
	id  int64
	*lock.Locker

	undo       *undo.Log
	redo       *redo.Writer
	durability config.DurabilityMode

	lockTimeoutNanos int64
	hasState         int
	savepoint        undo.Savepoint
	parent           *parentScope

	ghosted []ghostedKey
	borked  error
}

func (txn *Transaction) checkNotBorked() error {
	if txn.borked != nil {
		return &errs.InvalidTransactionError{Reason: txn.borked.Error()}
	}
	return txn.db.checkOpen()
}

// bork marks the transaction permanently unusable and panics the database
// closed, per spec.md 7: "undo failures during rollback panic the
// database and discard locks" — locks are deliberately left held rather
// than released, since their state can no longer be trusted.
func (txn *Transaction) bork(cause error) error {
	if txn.borked == nil {
		txn.borked = cause
	}
	txn.db.panicClosed(cause)
	return cause
}

func lockFailure(indexID uint64, result lock.Result, err error) error {
	if err != nil {
		var de *lock.DeadlockError
		if errors.As(err, &de) {
			return &errs.LockFailureError{Kind: errs.Deadlock, IndexID: indexID}
		}
		return err
	}
	if !result.Granted() {
		return &errs.LockFailureError{Kind: errs.TimedOut, IndexID: indexID}
	}
	return nil
}

func (txn *Transaction) lockExclusive(indexID uint64, key []byte) error {
	result, err := txn.TryLockExclusive(indexID, key, txn.lockTimeoutNanos)
	return lockFailure(indexID, result, err)
}

func (txn *Transaction) lockShared(indexID uint64, key []byte) error {
	result, err := txn.TryLockShared(indexID, key, txn.lockTimeoutNanos)
	return lockFailure(indexID, result, err)
}

// Enter begins a nested scope: a later Commit of this scope only promotes
// its locks and undo position into the parent rather than finalizing the
// whole transaction, and a later Exit without an intervening Commit rolls
// back only what happened since Enter.
func (txn *Transaction) Enter() error {
	if err := txn.checkNotBorked(); err != nil {
		return err
	}
	ps := &parentScope{
		parent:           txn.parent,
		hasState:         txn.hasState,
		savepoint:        txn.savepoint,
		lockTimeoutNanos: txn.lockTimeoutNanos,
	}
	txn.Locker.ScopeEnter()
	if txn.undo != nil {
		ps.savepoint = txn.savepoint
		txn.savepoint = txn.undo.Savepoint()
	}
	txn.hasState &^= hasScope | hasCommit
	txn.parent = ps
	return nil
}

// Commit finalizes the current scope. At the top scope this writes
// COMMIT_FINAL to redo, applies the durability mode, releases every lock
// (reaping ghosts in the process), and truncates the undo log. Within a
// nested scope it records a scoped COMMIT, promotes locks into the
// parent scope via Locker.Promote, and snapshots a new undo savepoint —
// the nested scope's writes remain uncommitted until an ancestor's top
// commit runs. Exactly spec.md 4.9's commit algorithm.
func (txn *Transaction) Commit() error {
	if txn.borked != nil {
		return txn.borked
	}
	if err := txn.db.checkOpen(); err != nil {
		return err
	}

	if txn.parent == nil {
		if txn.hasState&hasCommit != 0 {
			pos, err := txn.redo.CommitFinal(txn.id, txn.durability)
			if err != nil {
				return txn.bork(err)
			}
			txn.hasState &^= hasScope | hasCommit
			_ = pos // SyncMode has already fsynced by the time CommitFinal returns
		}

		// Releasing every lock reaps any ghost this transaction created,
		// since commit is the point those deletes become visible.
		txn.Locker.ScopeUnlockAll()
		if err := txn.reapGhosts(); err != nil {
			return txn.bork(err)
		}
		txn.undo.Truncate()

		if txn.hasState&hasTrash != 0 {
			if err := txn.db.fragments.Trash().Empty(txn.id, txn.db.fragments); err != nil {
				return txn.bork(err)
			}
			txn.hasState &^= hasTrash
		}
		return nil
	}

	if txn.hasState&hasCommit != 0 {
		if err := txn.redo.Commit(txn.id); err != nil {
			return txn.bork(err)
		}
		txn.hasState &^= hasScope | hasCommit
		txn.parent.hasState |= hasCommit
	}
	txn.Locker.Promote()
	if txn.undo != nil {
		txn.savepoint = txn.undo.Savepoint()
	}
	return nil
}

// CommitAll commits the current scope and every enclosing one, exiting
// each nested scope along the way.
func (txn *Transaction) CommitAll() error {
	for {
		if err := txn.Commit(); err != nil {
			return err
		}
		if txn.parent == nil {
			return nil
		}
		if err := txn.Exit(); err != nil {
			return err
		}
	}
}

// Exit rolls back whatever was not committed in the current scope and
// pops it. Calling Exit after Commit is the normal defer-cleanup
// pattern: HAS_SCOPE is already cleared by Commit, so Exit just pops the
// scope without re-rolling-back anything.
func (txn *Transaction) Exit() error {
	if txn.borked != nil {
		txn.Locker.ScopeExit()
		if txn.parent != nil {
			txn.parent = txn.parent.parent
		}
		return nil
	}

	if txn.parent == nil {
		if txn.hasState&hasScope != 0 {
			_ = txn.redo.RollbackFinal(txn.id)
		}
		if err := txn.undo.FullRollback(txn.applyUndo); err != nil {
			return txn.bork(err)
		}
		txn.hasState = 0
		txn.Locker.ScopeExit()
		txn.savepoint = undo.Savepoint{}
		return nil
	}

	if txn.hasState&hasScope != 0 {
		_ = txn.redo.Rollback(txn.id)
		if err := txn.undo.Rollback(txn.savepoint, txn.applyUndo); err != nil {
			return txn.bork(err)
		}
		txn.hasState &^= hasScope | hasCommit
	}
	txn.Locker.ScopeExit()

	p := txn.parent
	txn.hasState |= p.hasState
	txn.savepoint = p.savepoint
	txn.lockTimeoutNanos = p.lockTimeoutNanos
	txn.parent = p.parent
	return nil
}

// Reset unwinds every open scope, rolling back the whole transaction.
func (txn *Transaction) Reset() error {
	var last error
	for txn.parent != nil {
		if err := txn.Exit(); err != nil {
			last = err
		}
	}
	if err := txn.Exit(); err != nil {
		last = err
	}
	return last
}

func (txn *Transaction) reapGhosts() error {
	for _, g := range txn.ghosted {
		idx := txn.db.indexByID(g.indexID)
		if idx == nil {
			continue
		}
		if err := idx.tree.ReapGhost(g.key); err != nil {
			return err
		}
		txn.db.lockMgr.Ghost(g.indexID, g.key, false)
	}
	txn.ghosted = nil
	return nil
}

// applyUndo reverses a single undo entry during rollback, per spec.md
// 4.7's UNINSERT/UNUPDATE/UNDELETE semantics.
func (txn *Transaction) applyUndo(e undo.Entry) error {
	switch e.Op {
	case undo.UnInsert:
		idx := txn.db.indexByID(e.IndexID)
		if idx == nil {
			return errors.Errorf("emberdb: undo entry for unknown index %d", e.IndexID)
		}
		_, err := idx.tree.Delete(e.Payload, false)
		return err

	case undo.UnUpdate:
		idx := txn.db.indexByID(e.IndexID)
		if idx == nil {
			return errors.Errorf("emberdb: undo entry for unknown index %d", e.IndexID)
		}
		key, oldValue := decodeKeyValue(e.Payload)
		return idx.tree.Store(key, oldValue)

	case undo.UnDelete, undo.UnDeleteFragmented:
		idx := txn.db.indexByID(e.IndexID)
		if idx == nil {
			return errors.Errorf("emberdb: undo entry for unknown index %d", e.IndexID)
		}
		key, oldValue := decodeKeyValue(e.Payload)
		if err := idx.tree.Store(key, oldValue); err != nil {
			return err
		}
		txn.db.lockMgr.Ghost(e.IndexID, key, false)
		return nil

	case undo.Commit, undo.CommitTruncate, undo.Custom:
		return nil
	}
	return nil
}

// encodeKeyValue packs a length-prefixed key followed by a value into one
// undo payload, used by UNUPDATE/UNDELETE entries that must restore both
// on rollback.
func encodeKeyValue(key, value []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(key)))
	buf := make([]byte, 0, n+len(key)+len(value))
	buf = append(buf, tmp[:n]...)
	buf = append(buf, key...)
	buf = append(buf, value...)
	return buf
}

func decodeKeyValue(payload []byte) (key, value []byte) {
	klen, n := binary.Uvarint(payload)
	key = payload[n : n+int(klen)]
	value = payload[n+int(klen):]
	return key, value
}
