package btree

import "github.com/shubhamn/emberdb/internal/nodemap"

// The methods in this file make *Node satisfy nodemap.Entry and
// nodemap.Evictable (spec.md 4.3) without nodemap importing btree.

func (n *Node) LessRecent() nodemap.Evictable        { return n.lessRecent }
func (n *Node) MoreRecent() nodemap.Evictable        { return n.moreRecent }
func (n *Node) SetLessRecent(e nodemap.Evictable)    { n.lessRecent = e }
func (n *Node) SetMoreRecent(e nodemap.Evictable)    { n.moreRecent = e }

// HasBoundCursors reports whether any Cursor frame is currently bound to
// this node (spec.md 4.3's eviction-eligibility check (i)).
func (n *Node) HasBoundCursors() bool {
	return len(n.frames) > 0
}

// Splitting reports whether this node is mid two-phase split (spec.md
// 4.3's eviction-eligibility check (ii)).
func (n *Node) Splitting() bool {
	return n.split != nil
}

// TryExclusive attempts a non-blocking exclusive latch for eviction
// (spec.md 4.3's eligibility check (iii)).
func (n *Node) TryExclusive() bool {
	return n.latch.TryAcquireExclusive()
}

func (n *Node) ReleaseExclusive() {
	n.latch.ReleaseExclusive()
}

// IsDirty reports whether the node must be written before the next
// checkpoint completes (spec.md 3 invariant).
func (n *Node) IsDirty() bool {
	return n.cacheState != StateClean
}

// WriteBack persists a dirty node through the page array and marks it
// clean, called only while the caller holds this node's exclusive latch
// (spec.md 4.3's eviction path for a dirty node).
func (n *Node) WriteBack() error {
	if err := n.tree.pageArray.WritePage(n.id, n.encode(), 0); err != nil {
		return err
	}
	n.cacheState = StateClean
	return nil
}

// OfferClean hands a clean node's bytes to the optional secondary cache
// before the node map entry is cleared (spec.md 4.3's eviction path for
// a clean node).
func (n *Node) OfferClean() {
	if n.tree.secondary != nil {
		n.tree.secondary.CachePage(n.id, n.encode())
	}
}

// bindFrame / unbindFrame maintain the node's cursor-frame list, kept as
// a slice (spec.md 4.5), consulted by split/merge/rebalance to relocate
// frames atomically under the node's latch.
func (n *Node) bindFrame(f *Frame) {
	n.frames = append(n.frames, f)
}

func (n *Node) unbindFrame(f *Frame) {
	for i, fr := range n.frames {
		if fr == f {
			n.frames = append(n.frames[:i], n.frames[i+1:]...)
			return
		}
	}
}

// rebindFrames moves every frame bound to old onto nw, adjusting each
// frame's recorded position by delta (used when entries shift between
// siblings during split or rebalance).
func rebindFrames(old, nw *Node, fromPos int, delta int) {
	kept := old.frames[:0]
	for _, f := range old.frames {
		if f.pos >= fromPos {
			f.node = nw
			f.pos += delta
			nw.bindFrame(f)
		} else {
			kept = append(kept, f)
		}
	}
	old.frames = kept
}
