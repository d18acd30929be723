// Tree owns a root Node and drives search, insertion, deletion, and the
// split cascade toward the root (spec.md 4.5). Grounded in Tupl's
// Node.java-adjacent Tree responsibilities described in spec.md, since
// Tree.java/TreeCursor.java were not present in the retrieved source
// set; the child-loading discipline below follows spec.md 4.5's prose,
// but descend keeps every ancestor latched rather than searching
// hand-over-hand (see descend).
package btree

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/shubhamn/emberdb/internal/fragment"
	"github.com/shubhamn/emberdb/internal/nodemap"
	"github.com/shubhamn/emberdb/internal/seccache"
	"github.com/shubhamn/emberdb/pagestore"
)

// PageArray is the subset of pagestore.PageArray the tree needs: reading
// and writing whole pages by id, and allocating fresh ones.
type PageArray interface {
	PageSize() uint32
	PageCount() uint64
	SetPageCount(uint64) error
	ReadPage(index uint64, out []byte, offset, length int) error
	WritePage(index uint64, buf []byte, offset int) error
}

// Tree is a single named ordered index.
type Tree struct {
	id        uint64
	pageArray PageArray
	nodeMap   *nodemap.Map
	usage     *nodemap.UsageList
	fragments fragment.Service
	secondary *seccache.Cache

	maxKeySize             int
	maxEntrySize           int
	maxFragmentedEntrySize int

	mu       sync.RWMutex
	root     *Node
	nextPage uint64

	spares *pagestore.PagePool

	pageSize int
}

// Config is the subset of internal/config.Config a Tree needs, passed in
// rather than importing internal/config directly so btree never depends
// on the ambient configuration surface.
type Config struct {
	MaxKeySize             int
	MaxEntrySize           int
	MaxFragmentedEntrySize int
}

// Open loads (or, for an empty page array, creates) the tree identified
// by rootID.
func Open(id uint64, rootID uint64, pa PageArray, nm *nodemap.Map, ul *nodemap.UsageList, frags fragment.Service, sec *seccache.Cache, cfg Config) (*Tree, error) {
	t := &Tree{
		id:                     id,
		pageArray:              pa,
		nodeMap:                nm,
		usage:                  ul,
		fragments:              frags,
		secondary:              sec,
		maxKeySize:             cfg.MaxKeySize,
		maxEntrySize:           cfg.MaxEntrySize,
		maxFragmentedEntrySize: cfg.MaxFragmentedEntrySize,
		pageSize:               int(pa.PageSize()),
		nextPage:               pa.PageCount(),
		spares:                 pagestore.NewPagePool(int(pa.PageSize()), sparePoolSize),
	}

	if rootID == 0 || rootID >= pa.PageCount() {
		root := newNode(t, t.allocatePageID(), TypeLeaf, t.pageSize)
		root.flags = flagLowExtremity | flagHighExtremity
		t.root = root
		t.nodeMap.Put(root)
		return t, nil
	}

	root, err := t.loadPage(rootID)
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

func (t *Tree) allocatePageID() uint64 {
	id := atomic.AddUint64(&t.nextPage, 1)
	return id
}

// loadPage reads a page from the page array (or the node map / secondary
// cache first) and returns it registered in the node map.
func (t *Tree) loadPage(id uint64) (*Node, error) {
	if e, ok := t.nodeMap.Get(id); ok {
		return e.(*Node), nil
	}

	buf := make([]byte, t.pageSize)
	if t.secondary != nil {
		if got, ok := t.secondary.EvictPage(id, buf); ok {
			buf = got
			n := decodeNode(t, id, buf)
			if accepted, ok := t.nodeMap.Put(n); ok {
				return accepted.(*Node), nil
			}
			return t.reload(id)
		}
	}

	if err := t.pageArray.ReadPage(id, buf, 0, t.pageSize); err != nil {
		return nil, errors.Wrapf(err, "btree: load page %d", id)
	}
	n := decodeNode(t, id, buf)
	if accepted, ok := t.nodeMap.Put(n); ok {
		return accepted.(*Node), nil
	}
	return t.reload(id)
}

func (t *Tree) reload(id uint64) (*Node, error) {
	if e, ok := t.nodeMap.Get(id); ok {
		return e.(*Node), nil
	}
	return nil, errors.Errorf("btree: page %d vanished from node map", id)
}

// loadedChild returns the child at parent.ChildID(idx) only if it is
// already resident in the node map, matching the try-only spirit of
// spec.md 4.4d's rebalance (never forces I/O while holding a latch).
func (t *Tree) loadedChild(parent *Node, idx int) *Node {
	if idx < 0 || idx >= len(parent.childIDs) {
		return nil
	}
	e, ok := t.nodeMap.Get(parent.ChildID(idx))
	if !ok {
		return nil
	}
	return e.(*Node)
}

// loadChild loads (allocating I/O if necessary) the child at index idx
// of parent, called only while parent is held exclusively (spec.md 4.5:
// "a child not yet loaded must be loaded by first upgrading to exclusive
// on the parent").
func (t *Tree) loadChild(parent *Node, idx int) (*Node, error) {
	n, err := t.loadPage(parent.ChildID(idx))
	if err != nil {
		return nil, err
	}
	t.usage.Used(n)
	return n, nil
}

func (t *Tree) allocateNode(typ byte) *Node {
	n := newNode(t, t.allocatePageID(), typ, t.pageSize)
	t.nodeMap.Put(n)
	t.usage.MakeUnevictable(n)
	return n
}

// sparePoolSize bounds how many scratch pages Node.compact can have
// borrowed at once; compaction only ever holds one at a time per node, so
// this just needs to cover concurrent compactions across different nodes.
const sparePoolSize = 8

// takeSparePage/releaseSparePage borrow and return a scratch buffer from
// the tree's pagestore.PagePool (grounded on Tupl's PagePool.java), used
// by Node.compact so compaction never needs to go through the page
// array's own allocator.
func (t *Tree) takeSparePage() []byte {
	return t.spares.Remove()
}

func (t *Tree) releaseSparePage(buf []byte) {
	t.spares.Add(buf)
}

// RootID returns the current root page id, needed by the owning database
// to persist the catalog entry pointing at this tree.
func (t *Tree) RootID() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.id
}

// descend walks from the root to the leaf that should contain key,
// returning the full parent chain with every node's exclusive latch
// still held (unlike Cursor's traversal, which is genuinely
// hand-over-hand: it releases a parent's latch as soon as its child is
// pinned). Store and Delete need the whole path held because a split
// can cascade back up it — cascadeSplit walks path in reverse attaching
// a Split descriptor to each parent in turn, which requires that
// parent's latch still be exclusive. The caller releases everything via
// unwind once the mutation (and any resulting splits) are complete.
func (t *Tree) descend(key []byte) ([]*Node, []int, error) {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()

	var path []*Node
	var idx []int

	cur := root
	cur.latch.AcquireExclusive()
	for cur.isInternal() {
		slot, found, err := cur.search(key)
		if err != nil {
			t.unwind(path, cur)
			return nil, nil, err
		}
		childAt := slot
		if !found {
			// slot is the insertion point; the child that would hold
			// key at this level is the one to its left.
		} else {
			childAt = slot + 1
		}
		path = append(path, cur)
		idx = append(idx, childAt)

		child, err := t.loadChild(cur, childAt)
		if err != nil {
			t.unwind(path, nil)
			return nil, nil, err
		}
		child.latch.AcquireExclusive()
		cur = child
	}
	path = append(path, cur)
	idx = append(idx, -1)
	return path, idx, nil
}

func (t *Tree) unwind(path []*Node, extra *Node) {
	for _, n := range path {
		n.latch.ReleaseExclusive()
	}
	if extra != nil {
		extra.latch.ReleaseExclusive()
	}
}

// Get looks up key, returning (value, true) if present and not ghosted.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	path, _, err := t.descend(key)
	if err != nil {
		return nil, false, err
	}
	leaf := path[len(path)-1]
	defer t.unwind(path, nil)

	slot, found, err := leaf.search(key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	e := leaf.decodeEntryAt(leaf.slotOffset(slot))
	if e.ghost {
		return nil, false, nil
	}
	v, err := leaf.materialisedValue(e)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Store inserts or updates key with value. Ghost markers for
// transactional deletes are written by Delete, not by Store.
func (t *Tree) Store(key, value []byte) error {
	path, idx, err := t.descend(key)
	if err != nil {
		return err
	}
	defer t.unwind(path, nil)
	leaf := path[len(path)-1]

	slot, found, err := leaf.search(key)
	if err != nil {
		return err
	}

	akey, keyFrag, err := t.encodeKeyMaybeFragment(key)
	if err != nil {
		return err
	}
	aval, valFrag, err := t.encodeValueMaybeFragment(value)
	if err != nil {
		return err
	}
	encKey := encodeKeyHeader(len(akey), keyFrag)
	encVal := encodeValueHeader(len(aval), valFrag)

	if found {
		if leaf.quickUpdate(slot, encVal, aval) {
			return nil
		}
		if leaf.replaceLeaf(slot, encKey, akey, encVal, aval) {
			return nil
		}
	} else if leaf.tryInsertLeaf(slot, encKey, akey, encVal, aval) {
		return nil
	}

	return t.splitAndRetry(path, idx, slot, encKey, akey, encVal, aval, found)
}

// Delete removes key. If ghost is true the value is replaced with a
// ghost marker rather than physically removed (spec.md 4.4's
// transactional delete path); the caller (emberdb.Transaction) is
// responsible for informing the lock manager the key is ghosted.
func (t *Tree) Delete(key []byte, ghost bool) (bool, error) {
	path, _, err := t.descend(key)
	if err != nil {
		return false, err
	}
	defer t.unwind(path, nil)
	leaf := path[len(path)-1]

	slot, found, err := leaf.search(key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if ghost {
		leaf.ghostLeaf(slot)
	} else {
		leaf.deletePhysical(slot)
	}
	return true, nil
}

// ReapGhost physically removes a ghosted slot for key, called by the
// locker on commit once other transactions may observe the delete
// (spec.md 4.5 "ghost reaping").
func (t *Tree) ReapGhost(key []byte) error {
	path, _, err := t.descend(key)
	if err != nil {
		return err
	}
	defer t.unwind(path, nil)
	leaf := path[len(path)-1]

	slot, found, err := leaf.search(key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	e := leaf.decodeEntryAt(leaf.slotOffset(slot))
	if e.ghost {
		leaf.deletePhysical(slot)
	}
	return nil
}

func (t *Tree) encodeKeyMaybeFragment(key []byte) ([]byte, bool, error) {
	if len(key) <= t.maxKeySize {
		return key, false, nil
	}
	ptr := t.fragments.FragmentKey(key)
	return ptr, true, nil
}

func (t *Tree) encodeValueMaybeFragment(value []byte) ([]byte, bool, error) {
	total := len(value)
	if total <= t.maxEntrySize {
		return value, false, nil
	}
	ptr, err := t.fragments.Fragment(value, len(value), t.maxEntrySize)
	if err != nil {
		return nil, false, err
	}
	return ptr, true, nil
}

// splitAndRetry runs when the leaf had no room even after compaction and
// rebalance. It performs the two-phase split (spec.md 4.4e), then
// cascades the resulting Split descriptor up the parent chain, finally
// promoting a new root if the split reached the top.
func (t *Tree) splitAndRetry(path []*Node, idx []int, slot int, encKey, akey, encVal, aval []byte, wasUpdate bool) error {
	leaf := path[len(path)-1]

	if !wasUpdate {
		if leaf.tryRebalanceForInsert(t, path, idx, len(path)-1) {
			s2, found2, err := leaf.search(akey)
			if err == nil && !found2 && leaf.tryInsertLeaf(s2, encKey, akey, encVal, aval) {
				return nil
			}
		}
	}

	if wasUpdate {
		// Drop the old entry so the split inserts a replacement rather
		// than a second entry with the same key.
		leaf.deletePhysical(slot)
		if leaf.tryInsertLeaf(slot, encKey, akey, encVal, aval) {
			return nil
		}
	}

	if err := leaf.splitLeaf(slot, encKey, akey, encVal, aval); err != nil {
		return err
	}

	return t.cascadeSplit(path, idx, len(path)-1)
}

// cascadeSplit walks from level up to the root attaching each pending
// Split descriptor to its parent (spec.md 4.4e phase two), allocating a
// new root if the split reaches the top.
func (t *Tree) cascadeSplit(path []*Node, idx []int, level int) error {
	child := path[level]
	sp := child.split
	if sp == nil {
		return nil
	}

	if level == 0 {
		return t.finishRootSplit(child, sp)
	}

	parent := path[level-1]
	childAt := idx[level-1]

	encKey := encodeKeyHeader(len(sp.SplitKey), false)
	newChildAt := childAt + 1

	child.split = nil
	t.nodeMap.Put(sp.NewNode)
	t.usage.MakeEvictable(sp.NewNode)

	if parent.tryInsertInternal(childAt, encKey, sp.SplitKey, newChildAt, sp.NewNode.id) {
		return nil
	}

	if err := parent.splitInternal(childAt, encKey, sp.SplitKey, newChildAt, sp.NewNode.id); err != nil {
		return err
	}
	return t.cascadeSplit(path, idx, level-1)
}

// finishRootSplit promotes a new internal root over the current root and
// its new sibling, per spec.md 4.4e's "at the root, the split is
// finished by copying the root's state into a new child, and promoting
// the split key into the (now internal) root".
func (t *Tree) finishRootSplit(oldRoot *Node, sp *Split) error {
	newLeftID := t.allocatePageID()
	leftCopy := newNode(t, newLeftID, oldRoot.typ, t.pageSize)
	leftCopy.flags = oldRoot.flags
	leftCopy.page = append([]byte(nil), oldRoot.page...)
	leftCopy.garbage = oldRoot.garbage
	leftCopy.leftSegTail = oldRoot.leftSegTail
	leftCopy.rightSegTail = oldRoot.rightSegTail
	leftCopy.searchVecStart = oldRoot.searchVecStart
	leftCopy.searchVecEnd = oldRoot.searchVecEnd
	leftCopy.childIDs = append([]uint64(nil), oldRoot.childIDs...)
	leftCopy.frames = oldRoot.frames
	for _, f := range leftCopy.frames {
		f.node = leftCopy
	}
	leftCopy.markDirty()

	t.nodeMap.Put(leftCopy)
	t.usage.MakeEvictable(leftCopy)
	t.nodeMap.Put(sp.NewNode)
	t.usage.MakeEvictable(sp.NewNode)

	oldRoot.typ = TypeInternal
	oldRoot.flags = flagLowExtremity | flagHighExtremity
	oldRoot.frames = nil
	oldRoot.split = nil
	oldRoot.resetEmpty()
	oldRoot.childIDs = []uint64{leftCopy.id, sp.NewNode.id}
	encKey := encodeKeyHeader(len(sp.SplitKey), false)
	off := oldRoot.allocate(len(encKey) + len(sp.SplitKey))
	pos := off
	pos = oldRoot.writeAt(pos, encKey)
	oldRoot.writeAt(pos, sp.SplitKey)
	oldRoot.insertSlot(0, off)
	oldRoot.markDirty()

	t.mu.Lock()
	t.root = oldRoot
	t.mu.Unlock()
	return nil
}
