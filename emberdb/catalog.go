package emberdb

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/shubhamn/emberdb/internal/config"
)

// catalogIndexID is the reserved index that every Database opens first:
// a btree.Tree, exactly like any user index, whose keys are index names
// and whose values map a name to its numeric id. Grounded in Tupl's own
// bootstrap (LocalDatabase registers its "_ix" tree the same way any
// other tree is opened, just at a fixed id) rather than a bespoke
// metadata format.
const catalogIndexID = 0

func indexFileName(id uint64) string { return fmt.Sprintf("idx-%d.db", id) }

// catalogValue packs an index id and its temporary flag into a catalog
// entry. Temporary indexes are recorded only so a live Database can look
// one up by name within the same process; loadCatalog skips them on
// reopen, matching Tupl's TempTree not surviving a restart.
func catalogValue(indexID uint64, temporary bool) []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint64(buf[:8], indexID)
	if temporary {
		buf[8] = 1
	}
	return buf
}

func decodeCatalogValue(v []byte) (indexID uint64, temporary bool) {
	return binary.LittleEndian.Uint64(v[:8]), v[8] == 1
}

// loadCatalog scans the (already recovered) catalog tree, opening every
// non-temporary index it names and advancing nextIndexID past the
// highest id on record.
func (db *Database) loadCatalog() error {
	c := db.catalog.NewCursor()
	defer c.Close()

	err := c.First()
	for err == nil {
		key, kerr := c.Key()
		if kerr != nil {
			return kerr
		}
		val, verr := c.Value()
		if verr != nil {
			return verr
		}

		name := string(key)
		id, temporary := decodeCatalogValue(val)
		if id >= db.nextIndexID {
			db.nextIndexID = id + 1
		}

		if !temporary {
			tr, fa, oerr := db.openIndexFile(id, indexFileName(id))
			if oerr != nil {
				return oerr
			}
			idx := &Index{db: db, id: id, name: name, tree: tr, file: fa, redoWriter: db.redo}
			db.indexesByName[name] = idx
			db.indexesByID[id] = idx
		}

		err = c.Next()
	}
	if err == io.EOF {
		return nil
	}
	return err
}

// OpenIndex returns the named index, creating and durably registering it
// in the catalog if it doesn't already exist.
func (db *Database) OpenIndex(name string) (*Index, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if idx, ok := db.indexesByName[name]; ok {
		return idx, nil
	}

	id := db.nextIndexID
	db.nextIndexID++

	tr, fa, err := db.openIndexFile(id, indexFileName(id))
	if err != nil {
		return nil, err
	}
	idx := &Index{db: db, id: id, name: name, tree: tr, file: fa, redoWriter: db.redo}

	value := catalogValue(id, false)
	if err := db.catalog.Store([]byte(name), value); err != nil {
		return nil, err
	}
	// Catalog changes are metadata, not ordinary data: they're logged
	// auto-committed (txn id 0, never rolled back by a user transaction)
	// and flushed synchronously regardless of the database's configured
	// default durability, mirroring how rarely they happen and how badly
	// a lost create/drop would confuse a later reopen.
	if err := db.redo.Store(0, catalogIndexID, []byte(name), value); err != nil {
		return nil, err
	}
	if _, err := db.redo.CommitFlush(config.SyncMode); err != nil {
		return nil, err
	}

	db.indexesByName[name] = idx
	db.indexesByID[id] = idx
	return idx, nil
}

// DropIndex removes a named index from the catalog and deletes its
// backing file. Any *Index handles already obtained for it become
// invalid; the caller is responsible for not using one afterward.
func (db *Database) DropIndex(name string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}

	db.mu.Lock()
	idx, ok := db.indexesByName[name]
	if !ok {
		db.mu.Unlock()
		return errIndexNotFound(name)
	}
	delete(db.indexesByName, name)
	delete(db.indexesByID, idx.id)
	db.mu.Unlock()

	if _, err := db.catalog.Delete([]byte(name), false); err != nil {
		return err
	}
	if err := db.redo.Store(0, catalogIndexID, []byte(name), nil); err != nil {
		return err
	}
	if _, err := db.redo.DeleteIndex(0, idx.id, config.SyncMode); err != nil {
		return err
	}

	if err := idx.file.Close(); err != nil {
		return err
	}
	return removeIndexFile(db.dir, idx.id)
}

func (db *Database) indexByID(id uint64) *Index {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.indexesByID[id]
}
