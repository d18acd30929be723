package emberdb

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shubhamn/emberdb/btree"
	"github.com/shubhamn/emberdb/internal/config"
	"github.com/shubhamn/emberdb/internal/fragment"
	"github.com/shubhamn/emberdb/internal/lock"
	"github.com/shubhamn/emberdb/internal/nodemap"
	"github.com/shubhamn/emberdb/internal/pagecache"
	"github.com/shubhamn/emberdb/internal/redo"
	"github.com/shubhamn/emberdb/internal/seccache"
	"github.com/shubhamn/emberdb/internal/undo"
	"github.com/shubhamn/emberdb/internal/xlog"
	"github.com/shubhamn/emberdb/pagestore"
)

const fragmentChunkSize = 4096

var errDatabaseClosed = errors.New("emberdb: database closed")

func errIndexNotFound(name string) error {
	return errors.Errorf("emberdb: index %q not found", name)
}

// Database is one directory's worth of on-disk state: a dedicated file
// per index (the reserved catalog included), one shared redo stream, and
// the structures spec.md 4 treats as process-wide rather than per-tree —
// the lock manager, the primary page cache, and the optional secondary
// cache. Grounded in Tupl's LocalDatabase (original_source), adapted to
// one-file-per-tree since pagestore.FileArray.PageCount is a cached
// field that would otherwise let two Trees sharing one file race to
// allocate the same page id.
type Database struct {
	dir string
	cfg config.Config
	log *xlog.Logger

	cache     *pagecache.Cache
	secondary *seccache.Cache
	fragments fragment.Service
	lockMgr   *lock.Manager
	redo      *redo.Writer

	catalog     *btree.Tree
	catalogFile *pagestore.FileArray

	// commitLock serialises Checkpoint against ordinary writes: Store
	// and Delete hold it shared for the duration of their
	// mutate-then-log step (reads do not take it), Checkpoint takes it exclusive just long
	// enough to snapshot every tree's root into its superblock.
	commitLock sync.RWMutex

	mu            sync.Mutex
	indexesByName map[string]*Index
	indexesByID   map[uint64]*Index
	nextIndexID   uint64
	nextTxnID     int64

	panicErr error
}

// Open opens (creating if absent) the database rooted at dir, replaying
// its redo log to recover any committed work not yet checkpointed. A nil
// logger defaults to a no-op one.
func Open(dir string, cfg config.Config, logger *xlog.Logger) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = xlog.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "emberdb: create directory")
	}

	secondary, err := seccache.New(cfg.CacheBytes/4, int(cfg.PageSize))
	if err != nil {
		return nil, errors.Wrap(err, "emberdb: open secondary cache")
	}

	db := &Database{
		dir:           dir,
		cfg:           cfg,
		log:           logger,
		cache:         pagecache.New(int(cfg.CacheBytes), int(cfg.PageSize)),
		secondary:     secondary,
		fragments:     fragment.NewDefaultService(fragmentChunkSize),
		lockMgr:       lock.NewManager(),
		indexesByName: make(map[string]*Index),
		indexesByID:   make(map[uint64]*Index),
		nextIndexID:   1,
	}

	redoWriter, err := redo.Open(filepath.Join(dir, "redo.log"))
	if err != nil {
		return nil, err
	}
	db.redo = redoWriter

	catalog, catalogFile, err := db.openIndexFile(catalogIndexID, indexFileName(catalogIndexID))
	if err != nil {
		return nil, err
	}
	db.catalog = catalog
	db.catalogFile = catalogFile

	if err := db.recoverCatalog(); err != nil {
		return nil, errors.Wrap(err, "emberdb: recover catalog")
	}
	if err := db.loadCatalog(); err != nil {
		return nil, errors.Wrap(err, "emberdb: load catalog")
	}
	if err := db.recoverIndexes(); err != nil {
		return nil, errors.Wrap(err, "emberdb: recover indexes")
	}

	db.log.For("database").Info("opened", zap.String("dir", dir), zap.Int("indexes", len(db.indexesByID)))
	return db, nil
}

// openIndexFile opens id's dedicated file, creating it and reserving its
// page-0 superblock if it's new, or reading that superblock's persisted
// root id if it already existed. The returned Tree reads and writes
// through the Database's shared primary page cache.
func (db *Database) openIndexFile(id uint64, filename string) (*btree.Tree, *pagestore.FileArray, error) {
	path := filepath.Join(db.dir, filename)
	fa, err := pagestore.Open(path, db.cfg.PageSize)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "emberdb: open %s", filename)
	}

	fresh := fa.PageCount() == 0
	var rootID uint64
	if fresh {
		if err := fa.SetPageCount(1); err != nil {
			return nil, nil, err
		}
	} else {
		buf := make([]byte, db.cfg.PageSize)
		if err := fa.ReadPage(0, buf, 0, len(buf)); err != nil {
			return nil, nil, err
		}
		rootID = binary.LittleEndian.Uint64(buf[:8])
	}

	cached := newCachedPageArray(id, db.cache, fa)
	tcfg := btree.Config{
		MaxKeySize:             int(db.cfg.MaxKeySize),
		MaxEntrySize:           int(db.cfg.MaxEntrySize),
		MaxFragmentedEntrySize: int(db.cfg.MaxFragmentedEntrySize),
	}
	tr, err := btree.Open(id, rootID, cached, nodemap.New(), nodemap.NewUsageList(), db.fragments, db.secondary, tcfg)
	if err != nil {
		return nil, nil, err
	}
	if fresh {
		if err := writeSuperblock(fa, tr.RootID()); err != nil {
			return nil, nil, err
		}
	}
	return tr, fa, nil
}

func writeSuperblock(fa *pagestore.FileArray, rootID uint64) error {
	buf := make([]byte, fa.PageSize())
	binary.LittleEndian.PutUint64(buf[:8], rootID)
	return fa.WritePage(0, buf, 0)
}

func removeIndexFile(dir string, id uint64) error {
	err := os.Remove(filepath.Join(dir, indexFileName(id)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// NewTransaction starts a transaction using the database's configured
// default durability mode.
func (db *Database) NewTransaction() *Transaction {
	return db.newTransaction(db.cfg.Durability)
}

func (db *Database) newTransaction(mode config.DurabilityMode) *Transaction {
	id := atomic.AddInt64(&db.nextTxnID, 1)
	return &Transaction{
		db:               db,
		id:               id,
		Locker:           lock.NewLocker(db.lockMgr),
		undo:             undo.NewLog(int(db.cfg.PageSize)),
		redo:             db.redo,
		durability:       mode,
		lockTimeoutNanos: db.cfg.LockTimeout.Nanoseconds(),
	}
}

// OpenTemporaryIndex returns a scratch index that is never registered in
// the catalog and never logged to redo, matching Tupl's TempTree: its
// writes are undo-logged like any other (so a transaction touching it
// still rolls back correctly) but never survive a restart.
func (db *Database) OpenTemporaryIndex() (*Index, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	db.mu.Lock()
	id := db.nextIndexID
	db.nextIndexID++
	db.mu.Unlock()

	filename := "tmp-" + indexFileName(id)
	path := filepath.Join(db.dir, filename)
	fa, err := pagestore.Open(path, db.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	if err := fa.SetPageCount(1); err != nil {
		return nil, err
	}

	cached := newCachedPageArray(id, db.cache, fa)
	tcfg := btree.Config{
		MaxKeySize:             int(db.cfg.MaxKeySize),
		MaxEntrySize:           int(db.cfg.MaxEntrySize),
		MaxFragmentedEntrySize: int(db.cfg.MaxFragmentedEntrySize),
	}
	tr, err := btree.Open(id, 0, cached, nodemap.New(), nodemap.NewUsageList(), db.fragments, db.secondary, tcfg)
	if err != nil {
		return nil, err
	}

	idx := &Index{db: db, id: id, name: filename, temporary: true, tree: tr, file: fa, redoWriter: redo.Disabled()}

	db.mu.Lock()
	db.indexesByID[id] = idx
	db.mu.Unlock()
	return idx, nil
}

// Checkpoint snapshots every open tree's current root into its
// superblock and syncs every file, so a later reopen starts from these
// roots. Truncating the redo log itself isn't implemented; recovery
// still rescans and replays from the start of the file, which is correct but not as cheap as Tupl's real
// checkpoint (documented in DESIGN.md).
func (db *Database) Checkpoint() error {
	if err := db.checkOpen(); err != nil {
		return err
	}

	db.commitLock.Lock()
	defer db.commitLock.Unlock()

	db.mu.Lock()
	indexes := make([]*Index, 0, len(db.indexesByID))
	for _, idx := range db.indexesByID {
		if !idx.temporary {
			indexes = append(indexes, idx)
		}
	}
	catalogFile, catalogRoot := db.catalogFile, db.catalog.RootID()
	db.mu.Unlock()

	if err := writeSuperblock(catalogFile, catalogRoot); err != nil {
		return err
	}
	if err := catalogFile.Sync(false); err != nil {
		return err
	}

	for _, idx := range indexes {
		if err := writeSuperblock(idx.file, idx.tree.RootID()); err != nil {
			return err
		}
		if err := idx.file.Sync(false); err != nil {
			return err
		}
	}

	if _, err := db.redo.CommitFlush(config.SyncMode); err != nil {
		return err
	}
	if err := db.redo.EndFile(); err != nil {
		return err
	}
	db.log.For("database").Info("checkpoint complete", zap.Int("indexes", len(indexes)))
	return nil
}

// Close checkpoints best-effort and releases every resource the
// Database holds. Further use of the Database or any Index/Transaction
// obtained from it fails with errDatabaseClosed.
func (db *Database) Close() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.Checkpoint(); err != nil {
		db.log.For("database").Warn("checkpoint on close failed", zap.Error(err))
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, idx := range db.indexesByID {
		record(idx.file.Close())
	}
	record(db.catalogFile.Close())
	record(db.redo.Close())
	db.cache.Close()
	db.secondary.Close()

	db.panicErr = errDatabaseClosed
	return first
}

func (db *Database) checkOpen() error {
	db.mu.Lock()
	err := db.panicErr
	db.mu.Unlock()
	if err != nil {
		return err
	}
	return nil
}

// panicClosed marks the database permanently unusable. Per spec.md 7, a
// failure the undo log can't recover from (or a B-tree split it can't
// complete) leaves lock state untrustworthy, so every later operation
// must fail rather than silently continue against corrupted structure.
func (db *Database) panicClosed(cause error) {
	db.mu.Lock()
	if db.panicErr == nil {
		db.panicErr = errors.Wrap(cause, "emberdb: database closed")
		db.log.For("database").Error("panicked closed", zap.Error(cause))
	}
	db.mu.Unlock()
}
