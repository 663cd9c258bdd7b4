package btree

import (
	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/journal"
	"github.com/distr1/bfs/internal/bfs/ondisk"
)

// Remove deletes (key, value). For a duplicate-bearing key, value picks
// which member of the chain to drop; the key itself is only removed from the
// leaf once its chain is empty.
func (t *Tree) Remove(tx *journal.Transaction, key []byte, value int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, err := t.descend(key)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1].n
	idx := path[len(path)-1].idx
	if idx >= len(leaf.keys) || t.compareKeys(leaf.keys[idx], key) != 0 {
		return bfserr.New("btree.Remove", bfserr.EntryNotFound, nil)
	}

	if tagOf(leaf.values[idx]) == ondisk.TagInline {
		if leaf.values[idx] != value {
			return bfserr.New("btree.Remove", bfserr.EntryNotFound, nil)
		}
		return t.removeKeyFromLeaf(tx, path)
	}
	return t.removeDuplicate(tx, path, value)
}

// removeKeyFromLeaf drops the key the descent path points at.
func (t *Tree) removeKeyFromLeaf(tx *journal.Transaction, path []pathEntry) error {
	frame := path[len(path)-1]
	leaf, idx := frame.n, frame.idx

	leaf.keys = append(leaf.keys[:idx], leaf.keys[idx+1:]...)
	leaf.values = append(leaf.values[:idx], leaf.values[idx+1:]...)
	t.notifyRemove(leaf.offset, idx)

	if len(leaf.keys) > 0 || leaf.offset == t.hdr.RootNodeOffset {
		return t.writeNode(tx, leaf)
	}

	// Empty non-root leaf: unlink from its siblings, return it to the free-node
	// chain, and drop the parent's routing entry for it.
	if err := t.unlinkSiblings(tx, leaf); err != nil {
		return err
	}
	if err := t.freeNode(tx, leaf.offset); err != nil {
		return err
	}
	return t.removeEntryFromParent(tx, path, len(path)-2)
}

// unlinkSiblings splices a node out of its level's left/right chain.
func (t *Tree) unlinkSiblings(tx *journal.Transaction, n *node) error {
	if n.hdr.LeftLink != ondisk.LinkNull {
		if left, err := t.readNode(n.hdr.LeftLink); err == nil {
			left.hdr.RightLink = n.hdr.RightLink
			if err := t.writeNode(tx, left); err != nil {
				return err
			}
		}
	}
	if n.hdr.RightLink != ondisk.LinkNull {
		if right, err := t.readNode(n.hdr.RightLink); err == nil {
			right.hdr.LeftLink = n.hdr.LeftLink
			if err := t.writeNode(tx, right); err != nil {
				return err
			}
		}
	}
	return nil
}

// removeEntryFromParent removes the routing entry for a freed child recorded
// at path[level], freeing internal nodes that empty out in turn and
// collapsing the root when only its overflow child remains.
func (t *Tree) removeEntryFromParent(tx *journal.Transaction, path []pathEntry, level int) error {
	if level < 0 {
		return nil
	}
	n := path[level].n
	idx := path[level].idx

	switch {
	case idx < len(n.keys):
		n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
		n.values = append(n.values[:idx], n.values[idx+1:]...)
	case len(n.keys) > 0:
		// The freed child was the overflow: the last keyed child takes over
		// everything past the remaining keys, its separator no longer needed.
		last := len(n.keys) - 1
		n.hdr.OverflowLink = n.values[last]
		n.keys = n.keys[:last]
		n.values = n.values[:last]
	default:
		// Only the overflow pointer remained and it was just freed.
		if n.offset == t.hdr.RootNodeOffset {
			// The whole tree emptied out: the root reverts to one empty leaf.
			n.hdr.OverflowLink = ondisk.LinkNull
			n.keys, n.values = nil, nil
			t.hdr.MaxNumberOfLevels = 1
			if err := t.writeHeader(tx); err != nil {
				return err
			}
			return t.writeNode(tx, n)
		}
		if err := t.unlinkSiblings(tx, n); err != nil {
			return err
		}
		if err := t.freeNode(tx, n.offset); err != nil {
			return err
		}
		return t.removeEntryFromParent(tx, path, level-1)
	}

	if n.offset == t.hdr.RootNodeOffset && len(n.keys) == 0 {
		// The root routes everything through its overflow child: drop this level
		// entirely.
		child := n.hdr.OverflowLink
		if err := t.freeNode(tx, n.offset); err != nil {
			return err
		}
		t.hdr.RootNodeOffset = child
		if t.hdr.MaxNumberOfLevels > 1 {
			t.hdr.MaxNumberOfLevels--
		}
		return t.writeHeader(tx)
	}
	return t.writeNode(tx, n)
}
