package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/journal"
	"github.com/distr1/bfs/internal/bfs/ondisk"
)

// Duplicate chain encoding: the top two bits of a stored value are a tag;
// the low 62 bits are a payload interpreted according to the tag.
//
// This implementation dedicates one whole fragment block per first-duplicate
// key rather than packing eight independent keys' fragment arrays into one
// shared block: correctness of the chain (fragment -> duplicate-node
// promotion, demotion, overflow linking) is unaffected, only block-sharing
// density is, and the fragment-slot layout below still matches the on-disk
// 8-slots-of-7-values shape so a real BFS image's fragment blocks decode
// correctly.
const (
	fragmentSlots     = ondisk.FragmentsPerNode
	valuesPerFragment = ondisk.ValuesPerFragment
)

// maxDupValues is how many values one duplicate node physically holds: the
// spec's nominal 125, clamped to what fits after the node header in a
// 1024-byte block.
var maxDupValues = func() int {
	max := int((nodeSize - int64(nodeHeaderSize)) / 8)
	if max > ondisk.MaxValuesPerDuplicateNode {
		max = ondisk.MaxValuesPerDuplicateNode
	}
	return max
}()

func makeTag(tag uint64, payload uint64) int64 {
	return int64(tag<<ondisk.DuplicateTagShift | payload)
}

func tagOf(v int64) uint64 {
	return uint64(v) >> ondisk.DuplicateTagShift
}

func payloadOf(v int64) uint64 {
	mask := uint64(3) << ondisk.DuplicateTagShift
	return uint64(v) &^ mask
}

func makeFragmentValue(nodeOffset int64, slot int) int64 {
	return makeTag(ondisk.TagDuplicateFragment, uint64(nodeOffset/nodeSize)<<10|uint64(slot))
}

func decodeFragmentValue(v int64) (nodeOffset int64, slot int) {
	p := payloadOf(v)
	return int64(p>>10) * nodeSize, int(p & ondisk.FragmentIndexMask)
}

func makeDuplicateNodeValue(nodeOffset int64) int64 {
	return makeTag(ondisk.TagDuplicateNode, uint64(nodeOffset/nodeSize))
}

func decodeDuplicateNodeValue(v int64) int64 {
	return int64(payloadOf(v)) * nodeSize
}

// fragmentBlock is the decoded form of one fragment-bearing node:
// fragmentSlots independent arrays of up to valuesPerFragment values.
type fragmentBlock struct {
	count  [fragmentSlots]int64
	values [fragmentSlots][valuesPerFragment]int64
}

func (t *Tree) readFragmentBlock(offset int64) (*fragmentBlock, error) {
	buf := make([]byte, nodeSize)
	if _, err := t.s.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	fb := &fragmentBlock{}
	off := 0
	for i := 0; i < fragmentSlots; i++ {
		fb.count[i] = int64(t.order.Uint64(buf[off:]))
		off += 8
		for j := 0; j < valuesPerFragment; j++ {
			fb.values[i][j] = int64(t.order.Uint64(buf[off:]))
			off += 8
		}
	}
	return fb, nil
}

func (t *Tree) writeFragmentBlock(tx *journal.Transaction, offset int64, fb *fragmentBlock) error {
	if offset+nodeSize > t.s.Size() {
		if err := t.s.SetFileSize(tx, offset+nodeSize); err != nil {
			return err
		}
	}
	buf := make([]byte, nodeSize)
	off := 0
	for i := 0; i < fragmentSlots; i++ {
		t.order.PutUint64(buf[off:], uint64(fb.count[i]))
		off += 8
		for j := 0; j < valuesPerFragment; j++ {
			t.order.PutUint64(buf[off:], uint64(fb.values[i][j]))
			off += 8
		}
	}
	_, err := t.s.WriteAt(tx, buf, offset)
	return err
}

// dupNode is the decoded form of a dedicated duplicate node: sibling links
// plus a sorted value array of up to maxDupValues entries (124 with the
// 32-byte NodeHeader, one short of MaxValuesPerDuplicateNode). It reuses the NodeHeader
// layout with NumKeys carrying the value count, so it cannot go through the
// keyed encodeNode/decodeNode pair.
type dupNode struct {
	offset      int64
	left, right int64
	values      []int64
}

func (t *Tree) readDuplicateNode(offset int64) (*dupNode, error) {
	buf := make([]byte, nodeSize)
	if _, err := t.s.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	var hdr ondisk.NodeHeader
	if err := binary.Read(bytes.NewReader(buf), t.order, &hdr); err != nil {
		return nil, bfserr.New("btree.readDuplicateNode", bfserr.IoError, err)
	}
	count := int(hdr.NumKeys)
	if count > maxDupValues {
		return nil, bfserr.New("btree.readDuplicateNode", bfserr.BadData, nil)
	}
	n := &dupNode{offset: offset, left: hdr.LeftLink, right: hdr.RightLink, values: make([]int64, count)}
	off := nodeHeaderSize
	for i := 0; i < count; i++ {
		n.values[i] = int64(t.order.Uint64(buf[off:]))
		off += 8
	}
	return n, nil
}

func (t *Tree) writeDuplicateNode(tx *journal.Transaction, n *dupNode) error {
	if n.offset+nodeSize > t.s.Size() {
		if err := t.s.SetFileSize(tx, n.offset+nodeSize); err != nil {
			return err
		}
	}
	hdr := ondisk.NodeHeader{
		LeftLink:     n.left,
		RightLink:    n.right,
		OverflowLink: ondisk.LinkNull,
		NumKeys:      uint32(len(n.values)),
	}
	var buf bytes.Buffer
	binary.Write(&buf, t.order, &hdr)
	for _, v := range n.values {
		var tmp [8]byte
		t.order.PutUint64(tmp[:], uint64(v))
		buf.Write(tmp[:])
	}
	out := make([]byte, nodeSize)
	copy(out, buf.Bytes())
	_, err := t.s.WriteAt(tx, out, n.offset)
	return err
}

// unlinkDuplicateSiblings splices a drained duplicate node out of its chain.
func (t *Tree) unlinkDuplicateSiblings(tx *journal.Transaction, n *dupNode) error {
	if n.left != ondisk.LinkNull {
		left, err := t.readDuplicateNode(n.left)
		if err != nil {
			return err
		}
		left.right = n.right
		if err := t.writeDuplicateNode(tx, left); err != nil {
			return err
		}
	}
	if n.right != ondisk.LinkNull {
		right, err := t.readDuplicateNode(n.right)
		if err != nil {
			return err
		}
		right.left = n.left
		if err := t.writeDuplicateNode(tx, right); err != nil {
			return err
		}
	}
	return nil
}

func insertSorted(values []int64, v int64) []int64 {
	i := sort.Search(len(values), func(i int) bool { return values[i] >= v })
	values = append(values, 0)
	copy(values[i+1:], values[i:])
	values[i] = v
	return values
}

// insertDuplicate adds value to the duplicate chain rooted at
// leaf.values[idx], converting an inline value to a fragment on first use
// and promoting to a duplicate node on fragment overflow.
func (t *Tree) insertDuplicate(tx *journal.Transaction, leaf *node, idx int, value int64) error {
	existing := leaf.values[idx]
	switch tagOf(existing) {
	case ondisk.TagInline:
		fragNode, err := t.allocateNode(tx)
		if err != nil {
			return err
		}
		fb := &fragmentBlock{}
		fb.count[0] = 2
		sorted := insertSorted([]int64{existing}, value)
		copy(fb.values[0][:], sorted)
		if err := t.writeFragmentBlock(tx, fragNode.offset, fb); err != nil {
			return err
		}
		leaf.values[idx] = makeFragmentValue(fragNode.offset, 0)
		return t.writeNode(tx, leaf)

	case ondisk.TagDuplicateFragment:
		offset, slot := decodeFragmentValue(existing)
		fb, err := t.readFragmentBlock(offset)
		if err != nil {
			return err
		}
		count := int(fb.count[slot])
		if count < valuesPerFragment {
			sorted := insertSorted(append([]int64{}, fb.values[slot][:count]...), value)
			copy(fb.values[slot][:], sorted)
			fb.count[slot] = int64(len(sorted))
			return t.writeFragmentBlock(tx, offset, fb)
		}

		// Overflow past 7: promote to a dedicated duplicate node holding up to
		// maxDupValues (124) sorted values, reusing the fragment's block since this implementation
		// never shares it across keys.
		dupValues := insertSorted(append([]int64{}, fb.values[slot][:count]...), value)
		dup := &dupNode{offset: offset, left: ondisk.LinkNull, right: ondisk.LinkNull, values: dupValues}
		if err := t.writeDuplicateNode(tx, dup); err != nil {
			return err
		}
		leaf.values[idx] = makeDuplicateNodeValue(offset)
		return t.writeNode(tx, leaf)

	case ondisk.TagDuplicateNode:
		offset := decodeDuplicateNodeValue(existing)
		return t.insertIntoDuplicateChain(tx, offset, value)

	default:
		return bfserr.New("btree.insertDuplicate", bfserr.BadData, nil)
	}
}

// insertIntoDuplicateChain walks rightward to the last node in the
// duplicate-node chain, inserting into it if there's room or linking a new
// node otherwise.
func (t *Tree) insertIntoDuplicateChain(tx *journal.Transaction, offset int64, value int64) error {
	for {
		n, err := t.readDuplicateNode(offset)
		if err != nil {
			return err
		}
		if len(n.values) < maxDupValues {
			n.values = insertSorted(n.values, value)
			return t.writeDuplicateNode(tx, n)
		}
		if n.right == ondisk.LinkNull {
			fresh, err := t.allocateNode(tx)
			if err != nil {
				return err
			}
			right := &dupNode{offset: fresh.offset, left: n.offset, right: ondisk.LinkNull, values: []int64{value}}
			if err := t.writeDuplicateNode(tx, right); err != nil {
				return err
			}
			n.right = right.offset
			return t.writeDuplicateNode(tx, n)
		}
		offset = n.right
	}
}

// duplicateValues reads every value chained under a fragment or
// duplicate-node tag, sorted ascending, for use by Remove and the iterator.
func (t *Tree) duplicateValues(tagged int64) ([]int64, error) {
	switch tagOf(tagged) {
	case ondisk.TagDuplicateFragment:
		offset, slot := decodeFragmentValue(tagged)
		fb, err := t.readFragmentBlock(offset)
		if err != nil {
			return nil, err
		}
		count := int(fb.count[slot])
		return append([]int64{}, fb.values[slot][:count]...), nil
	case ondisk.TagDuplicateNode:
		var out []int64
		offset := decodeDuplicateNodeValue(tagged)
		for offset != ondisk.LinkNull {
			n, err := t.readDuplicateNode(offset)
			if err != nil {
				return nil, err
			}
			out = append(out, n.values...)
			offset = n.right
		}
		return out, nil
	default:
		return []int64{tagged}, nil
	}
}

// removeDuplicate deletes value from the chain rooted at the descent path's
// leaf position, demoting a duplicate node back to a fragment when it
// shrinks to 7 or fewer values.
func (t *Tree) removeDuplicate(tx *journal.Transaction, path []pathEntry, value int64) error {
	frame := path[len(path)-1]
	leaf, idx := frame.n, frame.idx
	existing := leaf.values[idx]
	switch tagOf(existing) {
	case ondisk.TagDuplicateFragment:
		offset, slot := decodeFragmentValue(existing)
		fb, err := t.readFragmentBlock(offset)
		if err != nil {
			return err
		}
		count := int(fb.count[slot])
		vals := fb.values[slot][:count]
		out := vals[:0]
		for _, v := range vals {
			if v != value {
				out = append(out, v)
			}
		}
		if len(out) == len(vals) {
			return bfserr.New("btree.removeDuplicate", bfserr.EntryNotFound, nil)
		}
		if len(out) == 1 {
			leaf.values[idx] = out[0]
			fb.count[slot] = 0
			if err := t.writeFragmentBlock(tx, offset, fb); err != nil {
				return err
			}
			if err := t.freeNode(tx, offset); err != nil {
				return err
			}
			return t.writeNode(tx, leaf)
		}
		var padded [valuesPerFragment]int64
		copy(padded[:], out)
		fb.values[slot] = padded
		fb.count[slot] = int64(len(out))
		return t.writeFragmentBlock(tx, offset, fb)

	case ondisk.TagDuplicateNode:
		return t.removeFromDuplicateChain(tx, path, value)

	default:
		if existing != value {
			return bfserr.New("btree.removeDuplicate", bfserr.EntryNotFound, nil)
		}
		return t.removeKeyFromLeaf(tx, path)
	}
}

func (t *Tree) removeFromDuplicateChain(tx *journal.Transaction, path []pathEntry, value int64) error {
	frame := path[len(path)-1]
	leaf, idx := frame.n, frame.idx
	head := decodeDuplicateNodeValue(leaf.values[idx])
	offset := head
	for offset != ondisk.LinkNull {
		n, err := t.readDuplicateNode(offset)
		if err != nil {
			return err
		}
		pos := -1
		for i, v := range n.values {
			if v == value {
				pos = i
				break
			}
		}
		if pos < 0 {
			offset = n.right
			continue
		}
		n.values = append(n.values[:pos], n.values[pos+1:]...)

		if len(n.values) == 0 {
			// A drained chain node is spliced out; if it was the head and the last
			// node, the key itself goes away with it.
			if err := t.unlinkDuplicateSiblings(tx, n); err != nil {
				return err
			}
			if err := t.freeNode(tx, n.offset); err != nil {
				return err
			}
			if n.offset != head {
				return nil
			}
			if n.right != ondisk.LinkNull {
				leaf.values[idx] = makeDuplicateNodeValue(n.right)
				return t.writeNode(tx, leaf)
			}
			return t.removeKeyFromLeaf(tx, path)
		}

		if n.offset == head && n.right == ondisk.LinkNull && len(n.values) == 1 {
			// One survivor: back to a plain inline value.
			inline := n.values[0]
			if err := t.freeNode(tx, n.offset); err != nil {
				return err
			}
			leaf.values[idx] = inline
			return t.writeNode(tx, leaf)
		}

		if n.offset == head && n.right == ondisk.LinkNull && len(n.values) <= valuesPerFragment {
			// Demote the sole remaining node back to a fragment.
			fb := &fragmentBlock{}
			fb.count[0] = int64(len(n.values))
			copy(fb.values[0][:], n.values)
			if err := t.writeFragmentBlock(tx, n.offset, fb); err != nil {
				return err
			}
			leaf.values[idx] = makeFragmentValue(n.offset, 0)
			return t.writeNode(tx, leaf)
		}
		return t.writeDuplicateNode(tx, n)
	}
	return bfserr.New("btree.removeFromDuplicateChain", bfserr.EntryNotFound, nil)
}
