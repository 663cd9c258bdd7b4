// Package inode implements BFS's inode and data-stream engine: the on-disk
// inode header, the three-tier (direct/indirect/double-indirect) extent map
// that turns a logical byte offset into a block-run, and the packed
// small-data area that holds short inline attributes including the filename.
//
// Small-data records are packed (type, name-size, data-size, name, data,
// NUL) sequences in the inode block's trailing bytes.
package inode

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/distr1/bfs/internal/bfs/alloc"
	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/cache"
	"github.com/distr1/bfs/internal/bfs/journal"
	"github.com/distr1/bfs/internal/bfs/ondisk"
)

// Volume is the narrow slice of volume state the inode engine needs. package
// volume implements it; kept as an interface to avoid a circular import
// (volume wires inode, btree, index together).
type Volume interface {
	Cache() *cache.Cache
	Allocator() *alloc.Allocator
	Endian() ondisk.Endian
	BlockSize() uint32
	BlocksPerGroup() uint32

	// Now returns the current BFS-packed timestamp (seconds<<16 |
	// uniquifier).
	Now() int64

	// NotifySizeChanged and NotifyTimeChanged maintain the size/last-modified
	// indices. Implementations are expected to tolerate a nil transaction
	// (mount-time bookkeeping) by skipping the index update.
	NotifySizeChanged(tx *journal.Transaction, id uint64, oldSize, newSize int64)
	NotifyTimeChanged(tx *journal.Transaction, id uint64, oldTime, newTime int64)

	// PromoteSmallData spills an oversized small-data record out to a real
	// attribute file; it returns only an error, and the attribute is reached
	// afterwards by name. ReadAttribute/RemoveAttribute are its counterparts.
	PromoteSmallData(tx *journal.Transaction, owner uint64, name string, typ uint32, data []byte) error
	ReadAttribute(owner uint64, name string) ([]byte, uint32, bool, error)
	RemoveAttribute(tx *journal.Transaction, owner uint64, name string) error
}

// headerSize is computed once; every struct field of ondisk.InodeHeader is
// fixed-size so binary.Size is exact.
var headerSize = binary.Size(ondisk.InodeHeader{})

// Inode is one in-memory handle on an on-disk inode block. The original's
// CachedBlock-derived inheritance collapses here into "an Inode owns a
// pinned block number and decodes/encodes its header on demand"; no base
// class, no inheritance.
type Inode struct {
	vol Volume

	self      ondisk.BlockRun
	selfBlock uint64

	mu sync.RWMutex // write mode for the duration of a mutating transaction, read mode for I/O

	hdr ondisk.InodeHeader
}

// ID is the inode identifier used throughout the index/namespace layers: the
// absolute device block number of the inode's own block, which is unique and
// stable for the inode's lifetime.
func (in *Inode) ID() uint64 { return in.selfBlock }

func (in *Inode) Self() ondisk.BlockRun       { return in.self }
func (in *Inode) Mode() uint32                { return in.hdr.Mode }
func (in *Inode) Flags() uint32               { return in.hdr.Flags }
func (in *Inode) Parent() ondisk.BlockRun     { return in.hdr.Parent }
func (in *Inode) Attributes() ondisk.BlockRun { return in.hdr.Attributes }
func (in *Inode) Size() int64                 { return int64(in.hdr.DataSize) }
func (in *Inode) UID() uint32                 { return in.hdr.UID }
func (in *Inode) GID() uint32                 { return in.hdr.GID }
func (in *Inode) CreateTime() int64           { return in.hdr.CreateTime }
func (in *Inode) LastModifiedTime() int64     { return in.hdr.LastModifiedTime }
func (in *Inode) StatusChangeTime() int64     { return in.hdr.StatusChangeTime }
func (in *Inode) IsDirectory() bool           { return in.hdr.Mode&ondisk.TypeMaskPosix == ondisk.TypeDir }
func (in *Inode) IsSymlink() bool             { return in.hdr.Mode&ondisk.TypeMaskPosix == ondisk.TypeSymlink }
func (in *Inode) IsDeleted() bool             { return in.hdr.Flags&ondisk.InodeDeleted != 0 }
func (in *Inode) AllowsDuplicates() bool      { return in.hdr.Mode&ondisk.AllowDups != 0 }

// indexed reports whether this inode participates in the size and
// last-modified indices: regular files only, never attribute files,
// attribute directories or index directories.
func (in *Inode) indexed() bool {
	return in.hdr.Mode&ondisk.TypeMaskPosix == ondisk.TypeRegular &&
		in.hdr.Mode&(ondisk.TypeAttr|ondisk.TypeAttrDir|ondisk.TypeIndexDir) == 0
}

func (in *Inode) Lock()    { in.mu.Lock() }
func (in *Inode) Unlock()  { in.mu.Unlock() }
func (in *Inode) RLock()   { in.mu.RLock() }
func (in *Inode) RUnlock() { in.mu.RUnlock() }

// Read loads the inode at block-run run, validating its magic number.
func Read(vol Volume, run ondisk.BlockRun) (*Inode, error) {
	block := run.Absolute(vol.BlocksPerGroup())
	b, err := vol.Cache().Get(block, false)
	if err != nil {
		return nil, err
	}
	defer b.Release()

	var hdr ondisk.InodeHeader
	if err := binary.Read(bytes.NewReader(b.Bytes()), vol.Endian().Order(), &hdr); err != nil {
		return nil, bfserr.New("inode.Read", bfserr.IoError, err)
	}
	if hdr.Magic1 != ondisk.InodeMagic1 {
		return nil, bfserr.New("inode.Read", bfserr.BadData, nil)
	}
	return &Inode{vol: vol, self: run, selfBlock: block, hdr: hdr}, nil
}

// Create allocates a fresh inode block near parentGroup and initializes its
// header. The caller is responsible for everything downstream of that first
// step (parent tree insert, index updates).
func Create(vol Volume, tx *journal.Transaction, parentGroup int32, mode uint32, uid, gid uint32) (*Inode, error) {
	run, err := vol.Allocator().AllocateForInode(tx, parentGroup, mode&ondisk.TypeMaskPosix == ondisk.TypeDir)
	if err != nil {
		return nil, err
	}
	block := run.Absolute(vol.BlocksPerGroup())

	now := vol.Now()
	in := &Inode{
		vol:       vol,
		self:      run,
		selfBlock: block,
		hdr: ondisk.InodeHeader{
			Magic1:           ondisk.InodeMagic1,
			Self:             run,
			Mode:             mode,
			Flags:            ondisk.InodeInUse,
			UID:              uid,
			GID:              gid,
			CreateTime:       now,
			LastModifiedTime: now,
			StatusChangeTime: now,
		},
	}
	if err := in.writeHeaderLocked(tx, true); err != nil {
		vol.Allocator().Free(tx, run)
		return nil, err
	}
	return in, nil
}

// SetParent records the owning directory's block-run; called once by the
// namespace layer right after Create, before the new inode is visible to any
// other reader.
func (in *Inode) SetParent(tx *journal.Transaction, parent ondisk.BlockRun) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.hdr.Parent = parent
	return in.writeHeaderLocked(tx, false)
}

// SetAttributes records the block-run of this inode's attribute directory.
func (in *Inode) SetAttributes(tx *journal.Transaction, attrs ondisk.BlockRun) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.hdr.Attributes = attrs
	return in.writeHeaderLocked(tx, false)
}

// SetMode overwrites the inode's mode bits, used when promoting an attribute
// file to record its value type or otherwise changing type/permission bits
// after creation.
func (in *Inode) SetMode(tx *journal.Transaction, mode uint32) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.hdr.Mode = mode
	return in.writeHeaderLocked(tx, false)
}

// WriteHeader re-encodes the in-memory header to its block and logs the
// write with tx.
func (in *Inode) WriteHeader(tx *journal.Transaction) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.writeHeaderLocked(tx, false)
}

func (in *Inode) writeHeaderLocked(tx *journal.Transaction, empty bool) error {
	wb, err := in.vol.Cache().GetWritable(in.selfBlock, empty)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, in.vol.Endian().Order(), &in.hdr); err != nil {
		return bfserr.New("inode.writeHeader", bfserr.IoError, err)
	}
	copy(wb.Bytes(), buf.Bytes())
	wb.MarkDirty()
	if tx != nil {
		tx.LogBlocks(wb.Number())
	}
	return wb.Release()
}

// Touch advances a timestamp field, notifying the last-modified index unless
// the inode has already been unlinked.
func (in *Inode) Touch(tx *journal.Transaction, modified bool) error {
	in.mu.Lock()
	now := in.vol.Now()
	old := in.hdr.LastModifiedTime
	in.hdr.StatusChangeTime = now
	if modified {
		in.hdr.LastModifiedTime = now
	}
	err := in.writeHeaderLocked(tx, false)
	in.mu.Unlock()
	if err == nil && modified && !in.IsDeleted() && in.indexed() {
		in.vol.NotifyTimeChanged(tx, in.ID(), old, now)
	}
	return err
}

// MarkDeleted sets INODE_DELETED; storage release is deferred to Free,
// called once the last reference drops.
func (in *Inode) MarkDeleted(tx *journal.Transaction) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.hdr.Flags |= ondisk.InodeDeleted
	return in.writeHeaderLocked(tx, false)
}

// Free releases every resource owned by the inode: its data stream, its
// attributes, and finally its own block.
func (in *Inode) Free(tx *journal.Transaction) error {
	in.mu.Lock()
	if err := in.shrinkStreamLocked(tx, 0); err != nil {
		in.mu.Unlock()
		return err
	}
	in.hdr.DataSize = 0
	names := in.smallDataNamesLocked()
	in.mu.Unlock()

	for _, name := range names {
		if err := in.RemoveSmallData(tx, name); err != nil && !bfserr.Is(err, bfserr.EntryNotFound) {
			return err
		}
	}

	if !in.hdr.Attributes.IsZero() {
		// The attribute directory inode itself is owned by the volume's namespace
		// layer, which frees it as a regular subtree; the inode engine only needs
		// to drop its own reference here.
		in.mu.Lock()
		in.hdr.Attributes = ondisk.BlockRun{}
		in.mu.Unlock()
	}

	if err := in.WriteHeader(tx); err != nil {
		return err
	}
	return in.vol.Allocator().Free(tx, in.self)
}
