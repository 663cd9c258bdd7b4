package btree

import (
	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/journal"
	"github.com/distr1/bfs/internal/bfs/ondisk"
)

// Insert adds (key, value) to the tree. When the key already exists and
// allowDuplicates is set (the owning directory has S_ALLOW_DUPS, or the tree
// is an index), the new value joins the existing key's duplicate chain
// instead of replacing it.
func (t *Tree) Insert(tx *journal.Transaction, key []byte, value int64, allowDuplicates bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, err := t.descend(key)
	if err != nil {
		return err
	}
	leaf := &path[len(path)-1]

	if leaf.idx < len(leaf.n.keys) && t.compareKeys(leaf.n.keys[leaf.idx], key) == 0 {
		if !allowDuplicates {
			return bfserr.New("btree.Insert", bfserr.NameInUse, nil)
		}
		return t.insertDuplicate(tx, leaf.n, leaf.idx, value)
	}

	return t.insertIntoLeaf(tx, path, key, value)
}

// insertIntoLeaf places (key, value) at path's leaf, splitting and bubbling
// up through every ancestor frame as needed.
func (t *Tree) insertIntoLeaf(tx *journal.Transaction, path []pathEntry, key []byte, value int64) error {
	frame := path[len(path)-1]
	n := frame.n

	if fits(n, len(key)) {
		insertAt(n, frame.idx, key, value)
		if err := t.writeNode(tx, n); err != nil {
			return err
		}
		t.notifyInsert(n.offset, frame.idx)
		return nil
	}

	right, sep, err := t.splitLeaf(tx, n, frame.idx, key, value)
	if err != nil {
		return err
	}
	return t.bubbleUp(tx, path[:len(path)-1], sep, n.offset, right.offset)
}

// splitLeaf splits a full leaf: redistribute keys around roughly
// node_size/2, emit a new right sibling, relink left/right pointers. The
// returned separator is the left half's last key: a child stored at
// values[i] of an internal node covers keys <= keys[i], so everything that
// stays in the left node must compare <= the separator the parent records
// for it.
func (t *Tree) splitLeaf(tx *journal.Transaction, left *node, insertAt_ int, key []byte, value int64) (*node, []byte, error) {
	keys := append(append([][]byte{}, left.keys[:insertAt_]...), append([][]byte{key}, left.keys[insertAt_:]...)...)
	values := append(append([]int64{}, left.values[:insertAt_]...), append([]int64{value}, left.values[insertAt_:]...)...)

	splitIdx := splitPoint(keys)
	if splitIdx >= len(keys) {
		splitIdx = len(keys) - 1
	}

	right, err := t.allocateNode(tx)
	if err != nil {
		return nil, nil, err
	}

	leftKeys, rightKeys := keys[:splitIdx], keys[splitIdx:]
	leftValues, rightValues := values[:splitIdx], values[splitIdx:]

	right.hdr = ondisk.NodeHeader{LeftLink: left.offset, RightLink: left.hdr.RightLink, OverflowLink: ondisk.LinkNull}
	right.keys = append([][]byte{}, rightKeys...)
	right.values = append([]int64{}, rightValues...)

	if left.hdr.RightLink != ondisk.LinkNull {
		oldRight, err := t.readNode(left.hdr.RightLink)
		if err == nil {
			oldRight.hdr.LeftLink = right.offset
			t.writeNode(tx, oldRight)
		}
	}

	left.keys = append([][]byte{}, leftKeys...)
	left.values = append([]int64{}, leftValues...)
	left.hdr.RightLink = right.offset

	if err := t.writeNode(tx, left); err != nil {
		return nil, nil, err
	}
	if err := t.writeNode(tx, right); err != nil {
		return nil, nil, err
	}
	t.notifySplit(left.offset, right.offset, splitIdx)

	sep := append([]byte(nil), left.keys[len(left.keys)-1]...)
	return right, sep, nil
}

// splitPoint picks the index at which the left half first reaches about half
// the node's byte budget.
func splitPoint(keys [][]byte) int {
	target := (nodeHeaderSize + int(nodeSize)) / 2
	acc := nodeHeaderSize
	for i, k := range keys {
		acc += len(k) + 10
		if acc >= target {
			return i + 1
		}
	}
	return len(keys) / 2
}

func insertAt(n *node, idx int, key []byte, value int64) {
	n.keys = append(n.keys, nil)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key

	n.values = append(n.values, 0)
	copy(n.values[idx+1:], n.values[idx:])
	n.values[idx] = value
}

// bubbleUp inserts a freshly split node's separator key into its parent,
// recursing up through path and allocating a new root if the root itself
// splits. leftOffset is the split node (now covering keys <= key),
// rightOffset its new sibling.
func (t *Tree) bubbleUp(tx *journal.Transaction, path []pathEntry, key []byte, leftOffset, rightOffset int64) error {
	if len(path) == 0 {
		return t.growRoot(tx, key, leftOffset, rightOffset)
	}

	frame := path[len(path)-1]
	n := frame.n

	if fits(n, len(key)) {
		insertInternal(n, frame.idx, key, leftOffset, rightOffset)
		return t.writeNode(tx, n)
	}

	// Build the merged arrays the same way insertInternal would, then split
	// them around the pivot.
	keys := append(append([][]byte{}, n.keys[:frame.idx]...), append([][]byte{key}, n.keys[frame.idx:]...)...)
	values := append(append([]int64{}, n.values[:frame.idx]...), append([]int64{leftOffset}, n.values[frame.idx:]...)...)
	if frame.idx+1 < len(values) {
		values[frame.idx+1] = rightOffset
	} else {
		n.hdr.OverflowLink = rightOffset
	}

	splitIdx := splitPoint(keys)
	if splitIdx >= len(keys) {
		splitIdx = len(keys) - 1
	}
	// The pivot key is dropped from both halves and promoted to the parent; its
	// child becomes the left node's overflow-link, covering everything up to
	// the pivot.
	pivotKey := keys[splitIdx]

	right, err := t.allocateNode(tx)
	if err != nil {
		return err
	}
	right.hdr = ondisk.NodeHeader{LeftLink: n.offset, RightLink: n.hdr.RightLink, OverflowLink: n.hdr.OverflowLink}
	right.keys = append([][]byte{}, keys[splitIdx+1:]...)
	right.values = append([]int64{}, values[splitIdx+1:]...)

	n.hdr.OverflowLink = values[splitIdx]
	n.hdr.RightLink = right.offset
	n.keys = append([][]byte{}, keys[:splitIdx]...)
	n.values = append([]int64{}, values[:splitIdx]...)

	if err := t.writeNode(tx, n); err != nil {
		return err
	}
	if err := t.writeNode(tx, right); err != nil {
		return err
	}

	return t.bubbleUp(tx, path[:len(path)-1], pivotKey, n.offset, right.offset)
}

func insertInternal(n *node, idx int, key []byte, leftOffset, rightOffset int64) {
	// The slot that routed to the now-split child gets retargeted at its new
	// right half (it covers the keys above the separator), and the separator
	// itself is inserted routing to the left half.
	n.keys = append(n.keys, nil)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key

	n.values = append(n.values, 0)
	copy(n.values[idx+1:], n.values[idx:])
	n.values[idx] = leftOffset
	if idx+1 < len(n.values) {
		n.values[idx+1] = rightOffset
	} else {
		n.hdr.OverflowLink = rightOffset
	}
}

// growRoot allocates a fresh root over the two halves of the old one,
// bumping MaxNumberOfLevels.
func (t *Tree) growRoot(tx *journal.Transaction, key []byte, leftOffset, rightOffset int64) error {
	newRoot, err := t.allocateNode(tx)
	if err != nil {
		return err
	}
	newRoot.hdr = ondisk.NodeHeader{LeftLink: ondisk.LinkNull, RightLink: ondisk.LinkNull, OverflowLink: rightOffset}
	newRoot.keys = [][]byte{append([]byte(nil), key...)}
	newRoot.values = []int64{leftOffset}
	if err := t.writeNode(tx, newRoot); err != nil {
		return err
	}
	t.hdr.RootNodeOffset = newRoot.offset
	t.hdr.MaxNumberOfLevels++
	return t.writeHeader(tx)
}

// Replace overwrites the value stored for an existing, non-duplicate key.
func (t *Tree) Replace(tx *journal.Transaction, key []byte, value int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	path, err := t.descend(key)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	if leaf.idx >= len(leaf.n.keys) || t.compareKeys(leaf.n.keys[leaf.idx], key) != 0 {
		return bfserr.New("btree.Replace", bfserr.EntryNotFound, nil)
	}
	leaf.n.values[leaf.idx] = value
	return t.writeNode(tx, leaf.n)
}
