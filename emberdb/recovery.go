package emberdb

import (
	"path/filepath"

	"github.com/shubhamn/emberdb/btree"
	"github.com/shubhamn/emberdb/internal/redo"
)

func (db *Database) redoPath() string {
	return filepath.Join(db.dir, "redo.log")
}

// committedTxnIDs scans the redo log once, returning the set of
// transactions that reached a final commit. A Store/Delete record is
// only worth replaying if its own txn id is 0 (auto-committed, e.g. a
// catalog change) or appears in this set — everything else belongs to a
// transaction that never committed before the crash, and skipping it is
// exactly the rollback that transaction would otherwise have performed.
func committedTxnIDs(path string) (map[int64]bool, error) {
	committed := make(map[int64]bool)
	err := redo.Scan(path, func(r redo.Record) error {
		if r.Op == redo.OpCommitFinal {
			committed[r.TxnID] = true
		}
		return nil
	})
	return committed, err
}

func replayRecord(tr *btree.Tree, r redo.Record, committed map[int64]bool) error {
	if r.TxnID != 0 && !committed[r.TxnID] {
		return nil
	}
	switch r.Op {
	case redo.OpStore:
		return tr.Store(r.Key, r.Value)
	case redo.OpDelete:
		_, err := tr.Delete(r.Key, false)
		return err
	}
	return nil
}

// recoverCatalog replays only the records logged against the catalog
// tree itself (index creation and deletion), bringing it fully
// up to date before loadCatalog scans it. The catalog file is opened
// before recovery runs, so this can apply directly against db.catalog.
func (db *Database) recoverCatalog() error {
	path := db.redoPath()
	committed, err := committedTxnIDs(path)
	if err != nil {
		return err
	}
	return redo.Scan(path, func(r redo.Record) error {
		if r.IndexID != catalogIndexID {
			return nil
		}
		return replayRecord(db.catalog, r, committed)
	})
}

// recoverIndexes replays every record logged against a user index. It
// must run after loadCatalog, since an index has to already be open
// (via its catalog entry, itself just recovered by recoverCatalog) for
// db.indexByID to find it; records for an index that no longer appears
// in the catalog (dropped, possibly mid-recovery) are silently skipped,
// which is correct: DropIndex's own catalog deletion is what recovery
// of the catalog tree already reproduced.
func (db *Database) recoverIndexes() error {
	path := db.redoPath()
	committed, err := committedTxnIDs(path)
	if err != nil {
		return err
	}
	return redo.Scan(path, func(r redo.Record) error {
		if r.IndexID == catalogIndexID {
			return nil
		}
		idx := db.indexByID(r.IndexID)
		if idx == nil {
			return nil
		}
		return replayRecord(idx.tree, r, committed)
	})
}
