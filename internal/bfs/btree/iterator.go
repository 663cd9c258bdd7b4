package btree

import "github.com/distr1/bfs/internal/bfs/ondisk"

// Direction is the traversal direction passed to NewIterator.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Iterator walks a tree's leaves in key order, expanding duplicate chains
// unless SkipDuplicates is called. Iterators register with their tree so a
// concurrent split/insert/remove can patch their position instead of leaving
// them pointing at a stale node-offset/key-index.
//
// Only the leaf's offset and key index are cached, never its decoded
// keys/values: every step re-reads the leaf, so a mutation that lands
// between two Next calls is always observed fresh.
type Iterator struct {
	t       *Tree
	dir     Direction
	started bool

	leafOffset int64
	idx        int

	curKey    []byte
	dupValues []int64
	dupPos    int
	skipDup   bool
}

// NewIterator creates and registers a fresh iterator over t.
func (t *Tree) NewIterator(dir Direction) *Iterator {
	it := &Iterator{t: t, dir: dir}
	t.mu.Lock()
	t.iterators = append(t.iterators, it)
	t.mu.Unlock()
	return it
}

// SkipDuplicates makes Next return one entry per key (the raw tagged value)
// instead of expanding duplicate chains.
func (it *Iterator) SkipDuplicates() {
	it.skipDup = true
	it.dupValues = nil
}

// Close unregisters the iterator from its tree.
func (it *Iterator) Close() {
	t := it.t
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, o := range t.iterators {
		if o == it {
			t.iterators = append(t.iterators[:i], t.iterators[i+1:]...)
			break
		}
	}
}

// Next returns the next (key, value) pair, ok=false once exhausted.
// duplicate reports whether value came from a duplicate-fragment/node chain
// rather than being stored inline.
func (it *Iterator) Next() (key []byte, value int64, duplicate bool, ok bool, err error) {
	t := it.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if !it.started {
		it.started = true
		var n *node
		if it.dir == Forward {
			n, err = t.leftmostLeaf()
		} else {
			n, err = t.rightmostLeaf()
		}
		if err != nil {
			return nil, 0, false, false, err
		}
		if n == nil {
			return nil, 0, false, false, nil
		}
		it.leafOffset = n.offset
		if it.dir == Forward {
			it.idx = 0
		} else {
			it.idx = len(n.keys) - 1
		}
	}

	for {
		if it.dupPos < len(it.dupValues) {
			v := it.dupValues[it.dupPos]
			it.dupPos++
			return it.curKey, v, true, true, nil
		}
		if it.leafOffset == ondisk.LinkNull {
			return nil, 0, false, false, nil
		}

		n, rerr := t.readNode(it.leafOffset)
		if rerr != nil {
			return nil, 0, false, false, rerr
		}

		if it.dir == Forward && it.idx >= len(n.keys) {
			if n.hdr.RightLink == ondisk.LinkNull {
				it.leafOffset = ondisk.LinkNull
				continue
			}
			it.leafOffset, it.idx = n.hdr.RightLink, 0
			continue
		}
		if it.dir == Backward && it.idx < 0 {
			if n.hdr.LeftLink == ondisk.LinkNull {
				it.leafOffset = ondisk.LinkNull
				continue
			}
			left, rerr := t.readNode(n.hdr.LeftLink)
			if rerr != nil {
				return nil, 0, false, false, rerr
			}
			it.leafOffset, it.idx = left.offset, len(left.keys)-1
			continue
		}

		k := n.keys[it.idx]
		raw := n.values[it.idx]
		it.curKey = k
		if it.dir == Forward {
			it.idx++
		} else {
			it.idx--
		}

		if tagOf(raw) == ondisk.TagInline || it.skipDup {
			return k, raw, tagOf(raw) != ondisk.TagInline, true, nil
		}
		vals, derr := t.duplicateValues(raw)
		if derr != nil {
			return nil, 0, false, false, derr
		}
		it.dupValues, it.dupPos = vals, 0
	}
}

func (t *Tree) leftmostLeaf() (*node, error) {
	offset := t.hdr.RootNodeOffset
	for {
		n, err := t.readNode(offset)
		if err != nil {
			return nil, err
		}
		if n.isLeaf() {
			return n, nil
		}
		if len(n.values) > 0 {
			offset = n.values[0]
		} else {
			offset = n.hdr.OverflowLink
		}
	}
}

func (t *Tree) rightmostLeaf() (*node, error) {
	offset := t.hdr.RootNodeOffset
	for {
		n, err := t.readNode(offset)
		if err != nil {
			return nil, err
		}
		if n.isLeaf() {
			return n, nil
		}
		offset = n.hdr.OverflowLink
	}
}

// notifyInsert, notifySplit and notifyRemove patch every live iterator whose
// position is affected by a mutation, so subsequent Next calls still point
// at the same logical position.
func (t *Tree) notifyInsert(nodeOffset int64, atIdx int) {
	for _, it := range t.iterators {
		if it.leafOffset == nodeOffset && it.idx >= atIdx {
			it.idx++
		}
	}
}

func (t *Tree) notifyRemove(nodeOffset int64, atIdx int) {
	for _, it := range t.iterators {
		if it.leafOffset != nodeOffset {
			continue
		}
		switch {
		case it.idx > atIdx:
			it.idx--
		case it.idx == atIdx:
			it.dupValues, it.dupPos = nil, 0
		}
	}
}

func (t *Tree) notifySplit(leftOffset, rightOffset int64, splitIdx int) {
	for _, it := range t.iterators {
		if it.leafOffset == leftOffset && it.idx >= splitIdx {
			it.leafOffset = rightOffset
			it.idx -= splitIdx
		}
	}
}
