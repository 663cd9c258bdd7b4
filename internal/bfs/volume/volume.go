// Package volume wires every lower layer (cache, allocator, journal,
// inode/stream, B+tree, index manager, query engine) into one mounted BFS
// volume, and implements the namespace operations a host surface (package
// vfs, cmd/bfsck) drives.
//
// Open runs the superblock read, allocator/journal bring-up, log replay and
// index bring-up in that order; the lock ordering is documented on Volume.
package volume

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/distr1/bfs/internal/bfs/alloc"
	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/btree"
	"github.com/distr1/bfs/internal/bfs/cache"
	"github.com/distr1/bfs/internal/bfs/index"
	"github.com/distr1/bfs/internal/bfs/inode"
	"github.com/distr1/bfs/internal/bfs/journal"
	"github.com/distr1/bfs/internal/bfs/ondisk"
	"github.com/distr1/bfs/internal/bfs/query"
)

// Volume is one mounted BFS filesystem. Its exported methods satisfy
// inode.Volume, alloc.SuperBlockIO, journal.SuperBlockIO and fsck.Volume, so
// every lower package can treat it as their shared collaborator without an
// import cycle.
//
// Lock ordering: Volume.mu (namespace/superblock) -> journal lock ->
// per-inode rwlock -> allocator lock -> small-data lock (held inside the
// inode rwlock) -> B+tree iterator lock. Namespace operations below always
// acquire in this order.
type Volume struct {
	dev cache.Device
	c   *cache.Cache
	a   *alloc.Allocator
	j   *journal.Journal
	idx *index.Manager
	qe  *query.Engine

	mu       sync.Mutex // the volume/superblock lock, first in the ordering above
	sb       ondisk.SuperBlock
	endian   ondisk.Endian
	readOnly bool
	panicked bool
	clockSeq uint32

	listenersMu sync.Mutex
	listeners   []Listener
}

// Clock lets tests substitute a deterministic time source; nil uses
// wall-clock time via index.systemClock's twin here.
type Clock interface {
	Now() int64
}

type wallClock struct{}

func (wallClock) Now() int64 { return time.Now().Unix() }

// Options configures Open/Initialize.
type Options struct {
	ReadOnly bool
	Clock    Clock
}

func (o Options) clock() Clock {
	if o.Clock != nil {
		return o.Clock
	}
	return wallClock{}
}

// Open reads an existing volume's superblock off dev, replays its journal,
// and brings every subsystem up.
func Open(dev cache.Device, opts Options) (*Volume, error) {
	c := cache.New(dev)
	v := &Volume{dev: dev, c: c, readOnly: opts.ReadOnly || dev.ReadOnly()}

	b, err := c.Get(0, false)
	if err != nil {
		return nil, err
	}
	raw := append([]byte(nil), b.Bytes()[:4]...)
	b.Release()
	var magicBytes [4]byte
	copy(magicBytes[:], raw)
	endian, ok := ondisk.DetectEndian(magicBytes)
	if !ok {
		return nil, bfserr.New("volume.Open", bfserr.BadData, nil)
	}
	v.endian = endian

	if err := v.readSuperBlock(); err != nil {
		return nil, err
	}
	if v.sb.Magic1 != ondisk.SuperBlockMagic1 || v.sb.Magic2 != ondisk.SuperBlockMagic2 || v.sb.Magic3 != ondisk.SuperBlockMagic3 {
		return nil, bfserr.New("volume.Open", bfserr.BadData, nil)
	}

	v.a = alloc.New(c, v)
	if err := v.a.Initialize(); err != nil {
		return nil, err
	}
	v.j = journal.New(c, v)
	if !v.readOnly {
		if err := v.j.Replay(); err != nil {
			return nil, err
		}
	}

	v.idx = index.NewManager(opts.clock())
	v.qe = query.NewEngine(v.idx, v.lookupAttribute)
	if err := v.openIndices(); err != nil {
		return nil, err
	}

	if !v.readOnly {
		v.sb.Flags = ondisk.VolumeDirty
		if err := v.WriteSuperBlock(); err != nil {
			return nil, err
		}
	}

	return v, nil
}

// Unmount flushes every pending transaction and marks the volume clean.
func (v *Volume) Unmount() error {
	if v.readOnly {
		return nil
	}
	if err := v.j.Flush(); err != nil {
		return err
	}
	if err := v.c.Sync(); err != nil {
		return err
	}
	v.sb.Flags = ondisk.VolumeClean
	return v.WriteSuperBlock()
}

func (v *Volume) readSuperBlock() error {
	raw := make([]byte, binary.Size(ondisk.SuperBlock{}))
	if _, err := v.c.ReaderAt().ReadAt(raw, 0); err != nil {
		return bfserr.New("volume.readSuperBlock", bfserr.IoError, err)
	}
	return binary.Read(bytes.NewReader(raw), v.endian.Order(), &v.sb)
}

// WriteSuperBlock re-encodes the in-memory superblock to block 0
// (journal.SuperBlockIO).
func (v *Volume) WriteSuperBlock() error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, v.endian.Order(), &v.sb); err != nil {
		return bfserr.New("volume.WriteSuperBlock", bfserr.IoError, err)
	}
	wb, err := v.c.GetWritable(0, false)
	if err != nil {
		return err
	}
	copy(wb.Bytes(), buf.Bytes())
	wb.MarkDirty()
	if err := wb.Release(); err != nil {
		return err
	}
	return v.c.Sync()
}

func (v *Volume) openIndices() error {
	if v.sb.IndicesDir.IsZero() {
		return nil
	}
	in, err := inode.Read(v, v.sb.IndicesDir)
	if err != nil {
		return err
	}
	tree, err := btree.Open(in, v.endian.Order())
	if err != nil {
		return err
	}
	it := tree.NewIterator(btree.Forward)
	defer it.Close()
	for {
		name, val, _, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		run := ondisk.BlockRunFromAbsolute(uint64(val), v.BlocksPerGroup())
		idxIn, err := inode.Read(v, run)
		if err != nil {
			return err
		}
		idxTree, err := btree.Open(idxIn, v.endian.Order())
		if err != nil {
			return err
		}
		v.idx.Register(index.NewIndex(string(name), idxTree.KeyType(), v.endian.Order(), idxIn, idxTree))
	}
	return nil
}

// --- inode.Volume / alloc.SuperBlockIO / journal.SuperBlockIO ---

func (v *Volume) Cache() *cache.Cache             { return v.c }
func (v *Volume) Allocator() *alloc.Allocator     { return v.a }
func (v *Volume) Endian() ondisk.Endian           { return v.endian }
func (v *Volume) BlockSize() uint32               { return v.sb.BlockSize }
func (v *Volume) BlocksPerGroup() uint32          { return v.sb.BlocksPerAG }
func (v *Volume) AllocationGroups() int32         { return int32(v.sb.AllocationGroups) }
func (v *Volume) NumBlocks() uint64               { return v.sb.TotalBlocks }
func (v *Volume) LogExtent() ondisk.BlockRun      { return v.sb.LogBlocks }
func (v *Volume) LogStart() int64                 { return v.sb.LogStart }
func (v *Volume) LogEnd() int64                   { return v.sb.LogEnd }
func (v *Volume) SetLogPointers(start, end int64) { v.sb.LogStart, v.sb.LogEnd = start, end }
func (v *Volume) SetDirty(dirty bool) {
	if dirty {
		v.sb.Flags = ondisk.VolumeDirty
	} else {
		v.sb.Flags = ondisk.VolumeClean
	}
}
func (v *Volume) AddUsedBlocks(delta int64) { v.sb.UsedBlocks = uint64(int64(v.sb.UsedBlocks) + delta) }

func (v *Volume) RootDir() ondisk.BlockRun    { return v.sb.RootDir }
func (v *Volume) IndicesDir() ondisk.BlockRun { return v.sb.IndicesDir }
func (v *Volume) Indices() *index.Manager     { return v.idx }
func (v *Volume) Query() *query.Engine        { return v.qe }
func (v *Volume) ReadOnly() bool              { return v.readOnly }

// Now returns the current BFS-packed timestamp, delegating to the index
// manager's clock so mount-time and namespace-time agree.
func (v *Volume) Now() int64 { return v.idx.PackNow() }

// StartTransaction begins a transaction. Unlike the namespace entry points,
// it does not check whether the volume is read-only or panicked.
func (v *Volume) StartTransaction() *journal.Transaction {
	return v.j.Start()
}

// Panic marks the volume permanently read-only after an invariant violation;
// subsequent writes are rejected until a fresh Open.
func (v *Volume) Panic(op string, err error) error {
	v.mu.Lock()
	v.panicked = true
	v.readOnly = true
	v.mu.Unlock()
	bfserr.Report(op, err)
	return err
}

func (v *Volume) checkWritable(op string) error {
	v.mu.Lock()
	ro := v.readOnly
	v.mu.Unlock()
	if ro {
		return bfserr.New(op, bfserr.ReadOnlyDevice, nil)
	}
	return nil
}
