package cache

import (
	"fmt"
	"sync"
)

// MemDevice is an in-memory Device, standing in for the external block cache
// in tests; no temp file needed.
type MemDevice struct {
	mu        sync.RWMutex
	blockSize uint32
	blocks    [][]byte
	readOnly  bool
}

// NewMemDevice allocates a zero-filled device of numBlocks blocks of
// blockSize bytes each.
func NewMemDevice(blockSize uint32, numBlocks uint64) *MemDevice {
	blocks := make([][]byte, numBlocks)
	for i := range blocks {
		blocks[i] = make([]byte, blockSize)
	}
	return &MemDevice{blockSize: blockSize, blocks: blocks}
}

func (d *MemDevice) BlockSize() uint32   { return d.blockSize }
func (d *MemDevice) NumBlocks() uint64   { return uint64(len(d.blocks)) }
func (d *MemDevice) ReadOnly() bool      { return d.readOnly }
func (d *MemDevice) SetReadOnly(ro bool) { d.readOnly = ro }

func (d *MemDevice) ReadBlock(block uint64, buf []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if block >= uint64(len(d.blocks)) {
		return fmt.Errorf("cache: block %d out of range (%d blocks)", block, len(d.blocks))
	}
	copy(buf, d.blocks[block])
	return nil
}

func (d *MemDevice) WriteBlock(block uint64, buf []byte) error {
	if d.readOnly {
		return fmt.Errorf("cache: device is read-only")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if block >= uint64(len(d.blocks)) {
		return fmt.Errorf("cache: block %d out of range (%d blocks)", block, len(d.blocks))
	}
	copy(d.blocks[block], buf)
	return nil
}

func (d *MemDevice) Sync() error { return nil }
