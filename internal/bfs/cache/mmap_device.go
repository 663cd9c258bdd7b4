package cache

import (
	"fmt"

	"golang.org/x/exp/mmap"
)

// MmapDevice is a read-only Device backed by golang.org/x/exp/mmap. It is
// the right choice for large read-mostly volumes (fsck scans, read-only
// mounts) where avoiding a syscall per block read matters.
type MmapDevice struct {
	ra        *mmap.ReaderAt
	blockSize uint32
}

// OpenMmap opens path read-only and mmaps it for random access.
func OpenMmap(path string, blockSize uint32) (*MmapDevice, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	return &MmapDevice{ra: ra, blockSize: blockSize}, nil
}

func (d *MmapDevice) BlockSize() uint32 { return d.blockSize }
func (d *MmapDevice) NumBlocks() uint64 { return uint64(d.ra.Len()) / uint64(d.blockSize) }
func (d *MmapDevice) ReadOnly() bool    { return true }

func (d *MmapDevice) ReadBlock(block uint64, buf []byte) error {
	off := int64(block) * int64(d.blockSize)
	n, err := d.ra.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	return err
}

func (d *MmapDevice) WriteBlock(block uint64, buf []byte) error {
	return fmt.Errorf("cache: MmapDevice is read-only")
}

func (d *MmapDevice) Sync() error { return nil }

func (d *MmapDevice) Close() error { return d.ra.Close() }
