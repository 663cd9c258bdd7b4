package volume

import (
	"math/bits"

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

// defaultLogBlocks picks a journal size scaled to the volume: roughly a
// quarter of the volume up to a cap, clamped to the allocator's
// single-group, uint16-addressed extents.
func defaultLogBlocks(dataBlocks uint64) uint16 {
	n := dataBlocks / 4
	if n > 2048 {
		n = 2048
	}
	if n < 16 {
		n = 16
	}
	if max := uint64(^uint16(0)); n > max {
		n = max
	}
	return uint16(n)
}

// Initialize formats a blank device as a brand-new BFS volume: superblock,
// every allocation group's bitmap, the journal's log extent, the root
// directory, the indices directory and its three built-in indices (name,
// size, last_modified). cmd/mkbfs is this function's only caller.
//
// The superblock is written first, then the allocator is brought up over the
// still-empty bitmap, then the root and indices directories are created
// through the ordinary inode/btree APIs exactly as a running mount would
// create any other directory.
func Initialize(dev cache.Device, volumeName string, opts Options) (*Volume, error) {
	if dev.ReadOnly() {
		return nil, bfserr.New("volume.Initialize", bfserr.ReadOnlyDevice, nil)
	}
	c := cache.New(dev)
	blockSize := dev.BlockSize()
	totalBlocks := dev.NumBlocks()
	bitsPerBlock := uint64(blockSize) * 8

	dataBlocks := totalBlocks - 1 // block 0 holds the superblock

	// Every allocation group's bit-offset fields (BlockRun.Start, scanForRun's
	// uint16 positions) are 16-bit, so no group may span more than 65536
	// blocks.
	const maxBlocksPerGroup = 1 << 16
	blocksPerGroup := dataBlocks
	if blocksPerGroup > maxBlocksPerGroup {
		blocksPerGroup = maxBlocksPerGroup
	}
	numGroups := (dataBlocks + blocksPerGroup - 1) / blocksPerGroup

	bitmapBlocks := (blocksPerGroup + bitsPerBlock - 1) / bitsPerBlock
	logBlocks := defaultLogBlocks(dataBlocks)

	sb := ondisk.SuperBlock{
		Magic1:               ondisk.SuperBlockMagic1,
		BlockSize:            blockSize,
		BlockShift:           uint32(bits.TrailingZeros32(blockSize)),
		Magic2:               ondisk.SuperBlockMagic2,
		TotalBlocks:          totalBlocks,
		InodeSize:            blockSize,
		Magic3:               ondisk.SuperBlockMagic3,
		BlocksPerAG:          uint32(blocksPerGroup),
		AllocationGroups:     uint32(numGroups),
		AllocationGroupShift: uint32(bits.Len64(blocksPerGroup - 1)),
		LogBlocks:            ondisk.BlockRun{Group: 0, Start: uint16(bitmapBlocks), Length: logBlocks},
		Flags:                ondisk.VolumeDirty,
	}
	sb.SetVolumeName(volumeName)

	v := &Volume{dev: dev, c: c, endian: ondisk.LittleEndian, sb: sb}
	if err := v.WriteSuperBlock(); err != nil {
		return nil, err
	}

	v.a = alloc.New(c, v)
	if err := v.a.Initialize(); err != nil {
		return nil, err
	}
	v.j = journal.New(c, v)
	v.idx = index.NewManager(opts.clock())
	v.qe = query.NewEngine(v.idx, v.lookupAttribute)

	tx := v.j.Start()
	rootIn, err := inode.Create(v, tx, 0, ondisk.TypeDir, 0, 0)
	if err != nil {
		tx.Done(false)
		return nil, err
	}
	if err := rootIn.SetParent(tx, rootIn.Self()); err != nil {
		tx.Done(false)
		return nil, err
	}
	if _, err := btree.Create(tx, rootIn, v.endian.Order(), ondisk.KeyTypeString); err != nil {
		tx.Done(false)
		return nil, err
	}

	indicesIn, err := inode.Create(v, tx, 0, ondisk.TypeDir|ondisk.TypeIndexDir, 0, 0)
	if err != nil {
		tx.Done(false)
		return nil, err
	}
	if err := indicesIn.SetParent(tx, rootIn.Self()); err != nil {
		tx.Done(false)
		return nil, err
	}
	indicesTree, err := btree.Create(tx, indicesIn, v.endian.Order(), ondisk.KeyTypeString)
	if err != nil {
		tx.Done(false)
		return nil, err
	}

	builtins := []struct {
		name    string
		keyType ondisk.KeyType
	}{
		{index.NameIndex, ondisk.KeyTypeString},
		{index.SizeIndex, ondisk.KeyTypeInt64},
		{index.LastModifiedIndex, ondisk.KeyTypeInt64},
	}
	for _, bi := range builtins {
		idxIn, err := inode.Create(v, tx, 0, ondisk.TypeIndexDir, 0, 0)
		if err != nil {
			tx.Done(false)
			return nil, err
		}
		if err := idxIn.SetParent(tx, indicesIn.Self()); err != nil {
			tx.Done(false)
			return nil, err
		}
		idxTree, err := btree.Create(tx, idxIn, v.endian.Order(), bi.keyType)
		if err != nil {
			tx.Done(false)
			return nil, err
		}
		if err := indicesTree.Insert(tx, []byte(bi.name), int64(idxIn.ID()), false); err != nil {
			tx.Done(false)
			return nil, err
		}
		v.idx.Register(index.NewIndex(bi.name, bi.keyType, v.endian.Order(), idxIn, idxTree))
	}

	v.sb.RootDir = rootIn.Self()
	v.sb.IndicesDir = indicesIn.Self()

	if err := tx.Done(true); err != nil {
		return nil, err
	}

	v.sb.Flags = ondisk.VolumeClean
	if err := v.WriteSuperBlock(); err != nil {
		return nil, err
	}
	return v, nil
}
