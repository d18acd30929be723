package btree

// Two-phase split (spec.md 4.4e). Phase one runs here, under only the
// splitting node's own exclusive latch: a new, unevictable sibling is
// allocated and roughly the upper half of the entries move onto it,
// leaving a Split descriptor attached to the old node describing what
// still needs attaching to the parent. Phase two (Tree.finishSplit)
// requires the parent's exclusive latch and is invoked once the caller
// has climbed back up to it.

// splitLeaf divides a leaf that has no room for a pending insert at
// insertSlot. The new sibling always takes the upper half of the
// existing entries; whichever side insertSlot falls in receives the
// pending entry once its own half has room (this collapses Tupl's
// separate left-split/right-split cases, which exist to minimise which
// side is rewritten, into a single always-rebuild-both-halves path).
func (n *Node) splitLeaf(insertSlot int, encKey, key, encVal, value []byte) error {
	all := n.entries()
	mid := len(all) / 2

	newNode := n.tree.allocateNode(TypeLeaf)
	newNode.flags = n.flags &^ flagLowExtremity
	n.flags = n.flags &^ flagHighExtremity

	upper := append([]entry(nil), all[mid:]...)
	lower := append([]entry(nil), all[:mid]...)

	n.rebuildLeaf(lower)
	newNode.rebuildLeaf(upper)

	rebindFrames(n, newNode, mid, -mid)

	if insertSlot <= mid {
		if !n.tryInsertLeaf(insertSlot, encKey, key, encVal, value) {
			return errEntryTooLarge
		}
	} else {
		if !newNode.tryInsertLeaf(insertSlot-mid, encKey, key, encVal, value) {
			return errEntryTooLarge
		}
	}

	splitKey := append([]byte(nil), upper[0].key...)
	n.split = &Split{NewNode: newNode, SplitKey: splitKey, Right: true}
	return nil
}

// splitInternal divides an internal node that has no room for a pending
// (separator key, child id) pair. Unlike a leaf split, the middle key is
// promoted to the parent and does not survive in either half (standard
// B+tree internal split).
func (n *Node) splitInternal(insertSlot int, encKey, key []byte, childAt int, childID uint64) error {
	all := n.entries()
	childIDs := append([]uint64(nil), n.childIDs...)
	mid := len(all) / 2

	promoted := append([]byte(nil), all[mid].key...)

	lowerEntries := append([]entry(nil), all[:mid]...)
	lowerChildren := append([]uint64(nil), childIDs[:mid+1]...)
	upperEntries := append([]entry(nil), all[mid+1:]...)
	upperChildren := append([]uint64(nil), childIDs[mid+1:]...)

	newNode := n.tree.allocateNode(n.typ)
	newNode.flags = n.flags &^ flagLowExtremity
	n.flags = n.flags &^ flagHighExtremity

	n.rebuildInternal(lowerEntries, lowerChildren)
	newNode.rebuildInternal(upperEntries, upperChildren)

	rebindFrames(n, newNode, mid+1, -(mid + 1))

	if insertSlot <= mid {
		if !n.tryInsertInternal(insertSlot, encKey, key, childAt, childID) {
			return errEntryTooLarge
		}
	} else {
		newSlot := insertSlot - mid - 1
		newChildAt := childAt - mid - 1
		if !newNode.tryInsertInternal(newSlot, encKey, key, newChildAt, childID) {
			return errEntryTooLarge
		}
	}

	n.split = &Split{NewNode: newNode, SplitKey: promoted, Right: true}
	return nil
}
