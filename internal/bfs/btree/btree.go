// Package btree implements BFS's variable-length-key B+tree: the keyed
// lookup structure backing every directory, index, and attribute directory.
// A tree is always backed by another package's data stream (an inode)
// extended on demand in node-size (1024 byte) units; the tree borrows the
// stream for its whole lifetime and never owns the bytes.
package btree

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/journal"
	"github.com/distr1/bfs/internal/bfs/ondisk"
)

// Stream is the narrow slice of *inode.Inode the tree needs: random access
// to the bytes backing the tree plus the ability to grow them. Defined here
// (rather than imported from package inode) so btree has no dependency on
// inode, matching the same import-inversion package inode uses for its own
// Volume interface.
type Stream interface {
	ReadAt(p []byte, pos int64) (int, error)
	WriteAt(tx *journal.Transaction, p []byte, pos int64) (int, error)
	SetFileSize(tx *journal.Transaction, newSize int64) error
	Size() int64
}

const nodeSize = int64(ondisk.BPlusTreeNodeSize)

var nodeHeaderSize = binary.Size(ondisk.NodeHeader{})

// node is the decoded in-memory form of one 1024-byte tree node.
type node struct {
	offset int64
	hdr    ondisk.NodeHeader
	keys   [][]byte
	values []int64
}

func (n *node) isLeaf() bool { return n.hdr.OverflowLink == ondisk.LinkNull }

// Tree is one mounted B+tree, bound to its backing stream for the lifetime
// of the owning inode.
type Tree struct {
	s       Stream
	order   binary.ByteOrder
	keyType ondisk.KeyType

	mu        sync.Mutex // guards the header, the iterator list and the free-node list
	hdr       ondisk.BPlusTreeHeader
	iterators []*Iterator
}

// Create initializes a fresh, empty tree on s: a header block followed by
// one empty leaf root.
func Create(tx *journal.Transaction, s Stream, order binary.ByteOrder, keyType ondisk.KeyType) (*Tree, error) {
	t := &Tree{
		s:       s,
		order:   order,
		keyType: keyType,
		hdr: ondisk.BPlusTreeHeader{
			Magic:             ondisk.BPlusTreeMagic,
			NodeSize:          uint32(nodeSize),
			MaxNumberOfLevels: 1,
			KeyType:           uint32(keyType),
			RootNodeOffset:    nodeSize,
			FreeNodeOffset:    ondisk.LinkNull,
		},
	}
	if err := s.SetFileSize(tx, 2*nodeSize); err != nil {
		return nil, err
	}
	root := &node{offset: nodeSize, hdr: ondisk.NodeHeader{LeftLink: ondisk.LinkNull, RightLink: ondisk.LinkNull, OverflowLink: ondisk.LinkNull}}
	if err := t.writeNode(tx, root); err != nil {
		return nil, err
	}
	t.hdr.MaximumSize = s.Size()
	if err := t.writeHeader(tx); err != nil {
		return nil, err
	}
	return t, nil
}

// Open reads an existing tree's header off s.
func Open(s Stream, order binary.ByteOrder) (*Tree, error) {
	t := &Tree{s: s, order: order}
	buf := make([]byte, binary.Size(ondisk.BPlusTreeHeader{}))
	if _, err := s.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	if err := binary.Read(bytes.NewReader(buf), order, &t.hdr); err != nil {
		return nil, bfserr.New("btree.Open", bfserr.IoError, err)
	}
	if t.hdr.Magic != ondisk.BPlusTreeMagic {
		return nil, bfserr.New("btree.Open", bfserr.BadData, nil)
	}
	t.keyType = ondisk.KeyType(t.hdr.KeyType)
	return t, nil
}

func (t *Tree) KeyType() ondisk.KeyType { return t.keyType }

func (t *Tree) writeHeader(tx *journal.Transaction) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, t.order, &t.hdr); err != nil {
		return bfserr.New("btree.writeHeader", bfserr.IoError, err)
	}
	_, err := t.s.WriteAt(tx, buf.Bytes(), 0)
	return err
}

func (t *Tree) readNode(offset int64) (*node, error) {
	buf := make([]byte, nodeSize)
	if _, err := t.s.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return decodeNode(t.order, offset, buf)
}

func decodeNode(order binary.ByteOrder, offset int64, buf []byte) (*node, error) {
	n := &node{offset: offset}
	r := bytes.NewReader(buf)
	if err := binary.Read(r, order, &n.hdr); err != nil {
		return nil, bfserr.New("btree.decodeNode", bfserr.IoError, err)
	}
	// A node's keys, key-end offsets and values all have to fit in one block;
	// counts beyond that mean the block isn't a tree node at all.
	if int64(n.hdr.TotalKeyLength) > nodeSize || int64(n.hdr.NumKeys)*(2+8) > nodeSize {
		return nil, bfserr.New("btree.decodeNode", bfserr.BadData, nil)
	}
	if n.hdr.NumKeys == 0 {
		return n, nil
	}
	keyBlob := make([]byte, n.hdr.TotalKeyLength)
	if _, err := r.Read(keyBlob); err != nil {
		return nil, bfserr.New("btree.decodeNode", bfserr.IoError, err)
	}
	ends := make([]uint16, n.hdr.NumKeys)
	if err := binary.Read(r, order, &ends); err != nil {
		return nil, bfserr.New("btree.decodeNode", bfserr.IoError, err)
	}
	values := make([]int64, n.hdr.NumKeys)
	if err := binary.Read(r, order, &values); err != nil {
		return nil, bfserr.New("btree.decodeNode", bfserr.IoError, err)
	}
	n.values = values
	n.keys = make([][]byte, n.hdr.NumKeys)
	start := uint16(0)
	for i, end := range ends {
		n.keys[i] = append([]byte(nil), keyBlob[start:end]...)
		start = end
	}
	return n, nil
}

func encodeNode(order binary.ByteOrder, n *node) []byte {
	n.hdr.NumKeys = uint32(len(n.keys))
	total := 0
	ends := make([]uint16, len(n.keys))
	for i, k := range n.keys {
		total += len(k)
		ends[i] = uint16(total)
	}
	n.hdr.TotalKeyLength = uint32(total)

	var buf bytes.Buffer
	binary.Write(&buf, order, &n.hdr)
	for _, k := range n.keys {
		buf.Write(k)
	}
	binary.Write(&buf, order, ends)
	binary.Write(&buf, order, n.values)

	out := make([]byte, nodeSize)
	copy(out, buf.Bytes())
	return out
}

// fits reports whether the node, with one more key/value pair of keyLen
// bytes added, still fits in one node-size block.
func fits(n *node, keyLen int) bool {
	total := int(n.hdr.TotalKeyLength) + keyLen
	numKeys := len(n.keys) + 1
	return nodeHeaderSize+total+numKeys*(2+8) < int(nodeSize)
}

func (t *Tree) writeNode(tx *journal.Transaction, n *node) error {
	if n.offset+nodeSize > t.s.Size() {
		if err := t.s.SetFileSize(tx, n.offset+nodeSize); err != nil {
			return err
		}
	}
	_, err := t.s.WriteAt(tx, encodeNode(t.order, n), n.offset)
	return err
}

// allocateNode pulls a block from the free-node chain if one exists,
// otherwise extends the stream.
func (t *Tree) allocateNode(tx *journal.Transaction) (*node, error) {
	if t.hdr.FreeNodeOffset != ondisk.LinkNull {
		offset := t.hdr.FreeNodeOffset
		free, err := t.readNode(offset)
		if err != nil {
			return nil, err
		}
		t.hdr.FreeNodeOffset = free.hdr.LeftLink
		if err := t.writeHeader(tx); err != nil {
			return nil, err
		}
		return &node{offset: offset}, nil
	}
	offset := t.s.Size()
	if err := t.s.SetFileSize(tx, offset+nodeSize); err != nil {
		return nil, err
	}
	if t.s.Size() > t.hdr.MaximumSize {
		t.hdr.MaximumSize = t.s.Size()
	}
	return &node{offset: offset}, nil
}

// freeNode prepends offset to the free-node chain.
func (t *Tree) freeNode(tx *journal.Transaction, offset int64) error {
	n := &node{offset: offset, hdr: ondisk.NodeHeader{LeftLink: t.hdr.FreeNodeOffset, OverflowLink: ondisk.LinkFree}}
	if err := t.writeNode(tx, n); err != nil {
		return err
	}
	t.hdr.FreeNodeOffset = offset
	return t.writeHeader(tx)
}

// compareKeys orders keys: strings by memcmp with a NUL-sensitivity rule
// ("foo\0" == "foo"); numeric keys by native ordering on their fixed width.
func (t *Tree) compareKeys(a, b []byte) int {
	switch t.keyType {
	case ondisk.KeyTypeString:
		return compareStringKeys(a, b)
	case ondisk.KeyTypeInt32:
		return compareFixed(int32(t.order.Uint32(a)), int32(t.order.Uint32(b)))
	case ondisk.KeyTypeUint32:
		return compareFixed(t.order.Uint32(a), t.order.Uint32(b))
	case ondisk.KeyTypeInt64:
		return compareFixed(int64(t.order.Uint64(a)), int64(t.order.Uint64(b)))
	case ondisk.KeyTypeFloat:
		return compareFixed(math.Float32frombits(t.order.Uint32(a)), math.Float32frombits(t.order.Uint32(b)))
	case ondisk.KeyTypeDouble:
		return compareFixed(math.Float64frombits(t.order.Uint64(a)), math.Float64frombits(t.order.Uint64(b)))
	default:
		return compareFixed(t.order.Uint64(a), t.order.Uint64(b))
	}
}

func compareStringKeys(a, b []byte) int {
	a = bytes.TrimSuffix(a, []byte{0})
	b = bytes.TrimSuffix(b, []byte{0})
	return bytes.Compare(a, b)
}

func compareFixed[T int32 | int64 | uint32 | uint64 | float32 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// pathEntry is one (node, keyIndex) frame on the descent stack used to
// bubble inserts/splits back up to the root.
type pathEntry struct {
	n   *node
	idx int
}

// descend walks from the root to the leaf that would contain key, recording
// the path taken. idx in each internal frame is the child index chosen at
// that level.
func (t *Tree) descend(key []byte) ([]pathEntry, error) {
	var path []pathEntry
	offset := t.hdr.RootNodeOffset
	for depth := uint32(0); ; depth++ {
		if depth > t.hdr.MaxNumberOfLevels+1 {
			return nil, bfserr.New("btree.descend", bfserr.BadData, nil)
		}
		n, err := t.readNode(offset)
		if err != nil {
			return nil, err
		}
		idx, _ := slices.BinarySearchFunc(n.keys, key, t.compareKeys)
		path = append(path, pathEntry{n: n, idx: idx})
		if n.isLeaf() {
			return path, nil
		}
		if idx < len(n.values) {
			offset = n.values[idx]
		} else {
			offset = n.hdr.OverflowLink
		}
	}
}

// Find looks up key, returning its stored value and duplicate tag. For a
// duplicate-bearing entry the caller gets the raw tagged value back; higher
// layers that want every duplicate use NewIterator instead.
func (t *Tree) Find(key []byte) (int64, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	path, err := t.descend(key)
	if err != nil {
		return 0, false, err
	}
	leaf := path[len(path)-1]
	if leaf.idx >= len(leaf.n.keys) || t.compareKeys(leaf.n.keys[leaf.idx], key) != 0 {
		return 0, false, nil
	}
	return leaf.n.values[leaf.idx], true, nil
}
