package cache

import (
	"fmt"
	"os"
)

// FileDevice is a read-write Device backed by an ordinary file or block
// device node. cmd/mkbfs and cmd/bfsmount open the volume image through it;
// tests and read-only mounts can prefer MemDevice/MmapDevice.
type FileDevice struct {
	f         *os.File
	blockSize uint32
	numBlocks uint64
	readOnly  bool
}

// OpenFile opens path as a FileDevice. The file's current size must be a
// multiple of blockSize.
func OpenFile(path string, blockSize uint32, readOnly bool) (*FileDevice, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size()%int64(blockSize) != 0 {
		f.Close()
		return nil, fmt.Errorf("cache: %s: size %d is not a multiple of block size %d", path, fi.Size(), blockSize)
	}
	return &FileDevice{
		f:         f,
		blockSize: blockSize,
		numBlocks: uint64(fi.Size()) / uint64(blockSize),
		readOnly:  readOnly,
	}, nil
}

// NewFileDevice wraps an already-open file, e.g. a renameio.PendingFile
// mkbfs is still assembling. numBlocks fixes the device geometry; the caller
// is responsible for having truncated f to the right size.
func NewFileDevice(f *os.File, blockSize uint32, numBlocks uint64) *FileDevice {
	return &FileDevice{f: f, blockSize: blockSize, numBlocks: numBlocks}
}

func (d *FileDevice) BlockSize() uint32 { return d.blockSize }
func (d *FileDevice) NumBlocks() uint64 { return d.numBlocks }
func (d *FileDevice) ReadOnly() bool    { return d.readOnly }

// File exposes the underlying descriptor so callers can flock it (cmd/mkbfs,
// cmd/bfsmount take an exclusive lock on the image before touching it).
func (d *FileDevice) File() *os.File { return d.f }

func (d *FileDevice) ReadBlock(block uint64, buf []byte) error {
	if block >= d.numBlocks {
		return fmt.Errorf("cache: block %d out of range (%d blocks)", block, d.numBlocks)
	}
	_, err := d.f.ReadAt(buf[:d.blockSize], int64(block)*int64(d.blockSize))
	return err
}

func (d *FileDevice) WriteBlock(block uint64, buf []byte) error {
	if d.readOnly {
		return fmt.Errorf("cache: device is read-only")
	}
	if block >= d.numBlocks {
		return fmt.Errorf("cache: block %d out of range (%d blocks)", block, d.numBlocks)
	}
	_, err := d.f.WriteAt(buf[:d.blockSize], int64(block)*int64(d.blockSize))
	return err
}

func (d *FileDevice) Sync() error { return d.f.Sync() }

func (d *FileDevice) Close() error { return d.f.Close() }
