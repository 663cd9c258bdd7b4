// Package index maintains BFS's name/size/last-modified/user-attribute
// B+tree indices in step with namespace mutations: every attribute change
// fans out through Update, which first broadcasts to live queries (package
// query) and then keeps the matching index's B+tree consistent.
//
// The last-modified key uses the low TimeShift bits as an in-memory
// collision counter rather than true sub-second resolution, keeping
// duplicate density in that index low.
package index

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/btree"
	"github.com/distr1/bfs/internal/bfs/inode"
	"github.com/distr1/bfs/internal/bfs/journal"
	"github.com/distr1/bfs/internal/bfs/ondisk"
)

// Built-in index names.
const (
	NameIndex         = "name"
	SizeIndex         = "size"
	LastModifiedIndex = "last_modified"
)

// Listener receives every Update broadcast, whether or not a matching index
// exists. Package query implements this to drive live-query notifications.
type Listener interface {
	IndexUpdated(name string, oldKey, newKey []byte, inodeID uint64)
}

// Clock is an injectable time source for the last-modified index's
// uniquifier.
type Clock interface {
	Now() int64 // whole seconds, unshifted
}

type systemClock struct{}

func (systemClock) Now() int64 { return time.Now().Unix() }

// Index binds one index name to its backing inode and B+tree.
type Index struct {
	name    string
	keyType ondisk.KeyType
	order   binary.ByteOrder
	in      *inode.Inode
	tree    *btree.Tree
}

// NewIndex wraps an already-open (or freshly created) index inode and tree.
// Package volume calls this after btree.Create/btree.Open.
func NewIndex(name string, keyType ondisk.KeyType, order binary.ByteOrder, in *inode.Inode, tree *btree.Tree) *Index {
	return &Index{name: name, keyType: keyType, order: order, in: in, tree: tree}
}

func (ix *Index) Name() string            { return ix.name }
func (ix *Index) KeyType() ondisk.KeyType { return ix.keyType }
func (ix *Index) Inode() *inode.Inode     { return ix.in }
func (ix *Index) Tree() *btree.Tree       { return ix.tree }

// NewIterator returns a forward/backward iterator over the index's B+tree,
// the primitive the query engine drives.
func (ix *Index) NewIterator(dir btree.Direction) *btree.Iterator {
	return ix.tree.NewIterator(dir)
}

// Manager owns every index inode mounted under a volume's indices-root
// directory, fanning out Update notifications to registered listeners.
// There is exactly one Manager per mounted volume.
type Manager struct {
	mu     sync.RWMutex
	byName map[string]*Index

	listenersMu sync.Mutex
	listeners   []Listener

	clock Clock
	uniq  uint32
}

// NewManager constructs an empty Manager. clock may be nil, in which case
// wall-clock time is used.
func NewManager(clock Clock) *Manager {
	if clock == nil {
		clock = systemClock{}
	}
	return &Manager{byName: make(map[string]*Index), clock: clock}
}

// Register binds ix under its name, replacing mount-time placeholder or
// reloaded state.
func (m *Manager) Register(ix *Index) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byName[ix.name] = ix
}

// Unregister drops name, e.g. once its index inode is removed.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byName, name)
}

// Lookup returns the index bound to name, if any.
func (m *Manager) Lookup(name string) (*Index, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ix, ok := m.byName[name]
	return ix, ok
}

// Names lists every currently registered index, e.g. for fsck's rebuild
// pass.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byName))
	for n := range m.byName {
		out = append(out, n)
	}
	return out
}

// AddListener registers l to receive every future Update broadcast.
func (m *Manager) AddListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RemoveListener undoes AddListener.
func (m *Manager) RemoveListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	for i, o := range m.listeners {
		if o == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Manager) broadcast(name string, oldKey, newKey []byte, inodeID uint64) {
	m.listenersMu.Lock()
	ls := append([]Listener(nil), m.listeners...)
	m.listenersMu.Unlock()
	for _, l := range ls {
		l.IndexUpdated(name, oldKey, newKey, inodeID)
	}
}

// Rebuild truncates name's backing B+tree to empty and registers the fresh
// tree in its place, returning it so the caller can repopulate it. Used by
// fsck's index-rebuild pass when Validate finds an index's tree internally
// inconsistent.
func (m *Manager) Rebuild(tx *journal.Transaction, name string) (*Index, error) {
	ix, ok := m.Lookup(name)
	if !ok {
		return nil, bfserr.New("index.Rebuild", bfserr.BadIndex, nil)
	}
	tree, err := btree.Create(tx, ix.in, ix.order, ix.keyType)
	if err != nil {
		return nil, err
	}
	fresh := NewIndex(ix.name, ix.keyType, ix.order, ix.in, tree)
	m.Register(fresh)
	return fresh, nil
}

// Update broadcasts to every live query watching name, looks up the index
// (BadIndex if missing, non-fatal), removes the old (key, inodeID) pair if
// oldKey is set, and inserts the new pair if newKey is set.
func (m *Manager) Update(tx *journal.Transaction, name string, oldKey, newKey []byte, inodeID uint64) error {
	m.broadcast(name, oldKey, newKey, inodeID)

	ix, ok := m.Lookup(name)
	if !ok {
		return bfserr.New("index.Update", bfserr.BadIndex, nil)
	}

	if oldKey != nil {
		if err := ix.tree.Remove(tx, oldKey, int64(inodeID)); err != nil && !bfserr.Is(err, bfserr.EntryNotFound) {
			return err
		}
	}
	if newKey != nil {
		if err := ix.tree.Insert(tx, newKey, int64(inodeID), true); err != nil {
			return err
		}
	}
	return nil
}

// swallow logs and drops BadIndex/EntryNotFound failures: index maintenance
// is best-effort, and the namespace operation that caused it still succeeds.
func swallow(op string, err error) error {
	if err == nil {
		return nil
	}
	if bfserr.Is(err, bfserr.BadIndex) || bfserr.Is(err, bfserr.EntryNotFound) {
		bfserr.Report(op, err)
		return nil
	}
	return err
}

// InsertName adds (name, inodeID) to the name index.
func (m *Manager) InsertName(tx *journal.Transaction, name string, inodeID uint64) error {
	return swallow("index.InsertName", m.Update(tx, NameIndex, nil, []byte(name), inodeID))
}

// RemoveName drops (name, inodeID) from the name index.
func (m *Manager) RemoveName(tx *journal.Transaction, name string, inodeID uint64) error {
	return swallow("index.RemoveName", m.Update(tx, NameIndex, []byte(name), nil, inodeID))
}

func int64Key(order binary.ByteOrder, v int64) []byte {
	buf := make([]byte, 8)
	order.PutUint64(buf, uint64(v))
	return buf
}

func (m *Manager) orderFor(name string) binary.ByteOrder {
	if ix, ok := m.Lookup(name); ok {
		return ix.order
	}
	return binary.LittleEndian
}

// InsertSize adds (size, inodeID) to the size index.
func (m *Manager) InsertSize(tx *journal.Transaction, size int64, inodeID uint64) error {
	order := m.orderFor(SizeIndex)
	return swallow("index.InsertSize", m.Update(tx, SizeIndex, nil, int64Key(order, size), inodeID))
}

// RemoveSize drops (size, inodeID) from the size index.
func (m *Manager) RemoveSize(tx *journal.Transaction, size int64, inodeID uint64) error {
	order := m.orderFor(SizeIndex)
	return swallow("index.RemoveSize", m.Update(tx, SizeIndex, int64Key(order, size), nil, inodeID))
}

// UpdateSize moves (oldSize, inodeID) to (newSize, inodeID) atomically from
// the caller's point of view.
func (m *Manager) UpdateSize(tx *journal.Transaction, oldSize, newSize int64, inodeID uint64) error {
	if oldSize == newSize {
		return nil
	}
	order := m.orderFor(SizeIndex)
	return swallow("index.UpdateSize", m.Update(tx, SizeIndex, int64Key(order, oldSize), int64Key(order, newSize), inodeID))
}

// nextUniquifier returns the low TimeShift bits used to keep otherwise
// colliding last-modified timestamps distinct in the B+tree.
func (m *Manager) nextUniquifier() uint16 {
	return uint16(atomic.AddUint32(&m.uniq, 1))
}

// PackNow returns the current wall-clock time (via Clock) packed with a
// fresh uniquifier, BFS's on-disk last-modified key encoding.
func (m *Manager) PackNow() int64 {
	return ondisk.PackTime(m.clock.Now(), m.nextUniquifier())
}

// InsertLastModified adds (shiftedTime, inodeID) to the last-modified index.
func (m *Manager) InsertLastModified(tx *journal.Transaction, shiftedTime int64, inodeID uint64) error {
	order := m.orderFor(LastModifiedIndex)
	return swallow("index.InsertLastModified", m.Update(tx, LastModifiedIndex, nil, int64Key(order, shiftedTime), inodeID))
}

// RemoveLastModified drops (shiftedTime, inodeID) from the last-modified
// index.
func (m *Manager) RemoveLastModified(tx *journal.Transaction, shiftedTime int64, inodeID uint64) error {
	order := m.orderFor(LastModifiedIndex)
	return swallow("index.RemoveLastModified", m.Update(tx, LastModifiedIndex, int64Key(order, shiftedTime), nil, inodeID))
}

// UpdateLastModified replaces oldShifted with a freshly packed timestamp (or
// newShifted, if the caller already computed one) in the last-modified
// index.
func (m *Manager) UpdateLastModified(tx *journal.Transaction, oldShifted int64, newShifted *int64, inodeID uint64) (int64, error) {
	next := m.PackNow()
	if newShifted != nil {
		next = *newShifted
	}
	order := m.orderFor(LastModifiedIndex)
	err := swallow("index.UpdateLastModified", m.Update(tx, LastModifiedIndex, int64Key(order, oldShifted), int64Key(order, next), inodeID))
	return next, err
}
