// Package cache implements the block-cache client contract BFS's core
// assumes: scoped handles that pin a block for reading or writing and
// release it on scope exit, backed by a pluggable Device.
//
// The core never talks to a block device directly; it goes through
// Block/WritableBlock. The handles are released explicitly via Release:
// every caller pins in a narrow function and defers the release immediately
// after a successful pin.
package cache

import (
	"io"
	"sync"

	"github.com/distr1/bfs/internal/bfs/bfserr"
)

// Device is the external collaborator the core assumes exists. A real mount
// would back it with the kernel's block cache; BFS ships MemDevice and
// MmapDevice so the core is testable without one.
type Device interface {
	BlockSize() uint32
	NumBlocks() uint64
	ReadBlock(block uint64, buf []byte) error
	WriteBlock(block uint64, buf []byte) error
	Sync() error
	ReadOnly() bool
}

// Listener is notified once a block it was registered for is written
// through, either by WritableBlock.Release or by the next Sync. The journal
// arms one per logged block to learn when an entry may retire.
type Listener func(block uint64)

// Cache wraps a Device with pinning bookkeeping, dirty tracking, and
// listener dispatch. One Cache serves one mounted volume.
type Cache struct {
	dev Device

	mu        sync.Mutex
	listeners map[uint64][]Listener
}

func New(dev Device) *Cache {
	return &Cache{dev: dev, listeners: make(map[uint64][]Listener)}
}

func (c *Cache) Device() Device { return c.dev }

// RegisterListener arranges for fn to be called the next time block is
// written through by Sync/WriteBlock; it fires at most once.
func (c *Cache) RegisterListener(block uint64, fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[block] = append(c.listeners[block], fn)
}

func (c *Cache) fireListeners(block uint64) {
	c.mu.Lock()
	fns := c.listeners[block]
	delete(c.listeners, block)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(block)
	}
}

// Block is a scoped read-only pin on one block.
type Block struct {
	c     *Cache
	block uint64
	buf   []byte
}

// Get pins block for reading. If empty is true the device read is skipped
// and the returned buffer is zeroed, for freshly allocated blocks.
func (c *Cache) Get(block uint64, empty bool) (*Block, error) {
	buf := make([]byte, c.dev.BlockSize())
	if !empty {
		if err := c.dev.ReadBlock(block, buf); err != nil {
			return nil, bfserr.New("cache.Get", bfserr.IoError, err)
		}
	}
	return &Block{c: c, block: block, buf: buf}, nil
}

// Bytes returns the read-only view of the pinned block's contents.
func (b *Block) Bytes() []byte { return b.buf }

// Number returns the pinned block number.
func (b *Block) Number() uint64 { return b.block }

// Release drops the pin. A plain Block never dirties its block.
func (b *Block) Release() {}

// WritableBlock is a scoped writable pin acquired inside a transaction;
// releasing it marks the block dirty and hands it to the cache.
type WritableBlock struct {
	Block
	dirty bool
}

// GetWritable pins block for writing inside the scope of a transaction. If
// the device is read-only this fails with ReadOnlyDevice.
func (c *Cache) GetWritable(block uint64, empty bool) (*WritableBlock, error) {
	if c.dev.ReadOnly() {
		return nil, bfserr.New("cache.GetWritable", bfserr.ReadOnlyDevice, nil)
	}
	b, err := c.Get(block, empty)
	if err != nil {
		return nil, err
	}
	return &WritableBlock{Block: *b}, nil
}

// MakeWritable upgrades an already-pinned read handle in place.
func (c *Cache) MakeWritable(b *Block) (*WritableBlock, error) {
	if c.dev.ReadOnly() {
		return nil, bfserr.New("cache.MakeWritable", bfserr.ReadOnlyDevice, nil)
	}
	return &WritableBlock{Block: *b}, nil
}

// MarkDirty flags the block for write-back on Release.
func (wb *WritableBlock) MarkDirty() { wb.dirty = true }

// Release writes the block through if it was marked dirty, then drops the
// pin. Releasing without dirtying returns the block clean.
func (wb *WritableBlock) Release() error {
	if !wb.dirty {
		return nil
	}
	if err := wb.c.dev.WriteBlock(wb.block, wb.buf); err != nil {
		return bfserr.New("cache.Release", bfserr.IoError, err)
	}
	wb.c.fireListeners(wb.block)
	wb.dirty = false
	return nil
}

// Sync flushes the whole device, then fires every listener still registered:
// after a successful device sync all previously written-through blocks are
// durable, which is the condition listeners wait on.
func (c *Cache) Sync() error {
	if err := c.dev.Sync(); err != nil {
		return bfserr.New("cache.Sync", bfserr.IoError, err)
	}
	c.mu.Lock()
	pending := c.listeners
	c.listeners = make(map[uint64][]Listener)
	c.mu.Unlock()
	for block, fns := range pending {
		for _, fn := range fns {
			fn(block)
		}
	}
	return nil
}

// ReaderAt adapts the whole device, from byte offset 0 of block 0, to
// io.ReaderAt, for callers that want to do their own offset arithmetic
// rather than go block by block.
func (c *Cache) ReaderAt() io.ReaderAt {
	return deviceReaderAt{c.dev}
}

type deviceReaderAt struct{ dev Device }

func (d deviceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	bs := int64(d.dev.BlockSize())
	block := uint64(off / bs)
	within := int(off % bs)
	n := 0
	buf := make([]byte, bs)
	for n < len(p) {
		if uint64(block) >= d.dev.NumBlocks() {
			return n, io.EOF
		}
		if err := d.dev.ReadBlock(block, buf); err != nil {
			return n, err
		}
		c := copy(p[n:], buf[within:])
		n += c
		within = 0
		block++
	}
	return n, nil
}
