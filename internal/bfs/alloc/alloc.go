// Package alloc implements BFS's block allocator: one bitmap bit per block,
// grouped into allocation groups so large volumes never require reading the
// whole bitmap into memory at once.
//
// Allocation state is three per-group hints (first-free, largest known free
// run, free-bit count) computed by one bitmap scan at mount time;
// AllocateBlocks runs a two-pass sweep (first pass looks for the wanted
// maximum across every group, second pass settles for the minimum).
package alloc

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/cache"
	"github.com/distr1/bfs/internal/bfs/journal"
	"github.com/distr1/bfs/internal/bfs/ondisk"
	"github.com/distr1/bfs/internal/trace"
)

// SuperBlockIO is the narrow slice of volume geometry the allocator needs;
// package volume implements it.
type SuperBlockIO interface {
	AllocationGroups() int32
	BlocksPerGroup() uint32
	BlockSize() uint32
	NumBlocks() uint64
	LogExtent() ondisk.BlockRun
	AddUsedBlocks(delta int64)
}

// group tracks the free-range hints computed by scanning a group's
// bitmap blocks once at mount time.
type group struct {
	numBits      int32 // bits that are meaningful in this group (last group may be short)
	start        int64 // absolute block number of this group's first bitmap block
	firstFree    int32 // first bit known (or suspected) free; advances as allocations land there
	largest      int32
	largestFirst int32
	freeBits     int32
}

func (g *group) addFreeRange(start, blocks int32) {
	if g.firstFree == -1 {
		g.firstFree = start
	}
	if g.largest < blocks {
		g.largest = blocks
		g.largestFirst = start
	}
	g.freeBits += blocks
}

func (g *group) isFull() bool { return g.freeBits == 0 }

// Allocator is the per-volume block allocator.
type Allocator struct {
	c  *cache.Cache
	sb SuperBlockIO

	mu     sync.Mutex // the volume's block-allocator lock
	groups []*group

	numGroups      int32
	blocksPerGroup uint32
	bitsPerBlock   uint32
}

// New constructs an Allocator; call Initialize before using it.
func New(c *cache.Cache, sb SuperBlockIO) *Allocator {
	return &Allocator{
		c:              c,
		sb:             sb,
		numGroups:      sb.AllocationGroups(),
		blocksPerGroup: sb.BlocksPerGroup(),
		bitsPerBlock:   sb.BlockSize() * 8,
	}
}

// Initialize scans every allocation group's bitmap once, building the
// free-range hints later allocations consult.
func (a *Allocator) Initialize() error {
	a.groups = make([]*group, a.numGroups)
	dataBlocks := int64(a.sb.NumBlocks()) - 1 // block 0 holds the superblock, outside bit space

	for i := int32(0); i < a.numGroups; i++ {
		g := &group{
			start:     1 + int64(i)*int64(a.blocksPerGroup),
			firstFree: -1,
			largest:   -1,
		}
		// One bit per data block; the last group holds fewer valid bits than
		// capacity (the trailing-bits invariant).
		g.numBits = int32(a.blocksPerGroup)
		if remaining := dataBlocks - int64(i)*int64(a.blocksPerGroup); remaining < int64(g.numBits) {
			g.numBits = int32(remaining)
		}
		a.groups[i] = g

		if err := a.scanGroup(g); err != nil {
			return err
		}
	}

	// Each group's own bitmap blocks sit at its start, and group 0 additionally
	// carries the journal's log extent right after them. None of that may ever
	// be handed out; mark it used if the on-disk bitmap does not already (e.g.
	// a freshly zeroed volume image).
	for i := int32(0); i < a.numGroups; i++ {
		g := a.groups[i]
		reserved := int32(a.bitmapBlocks(g))
		if i == 0 {
			logRun := a.sb.LogExtent()
			if end := int32(logRun.Start) + int32(logRun.Length); end > reserved {
				reserved = end
			}
		}
		if reserved > g.numBits {
			reserved = g.numBits
		}
		if reserved <= 0 {
			continue
		}
		used, err := a.rangeUsed(i, 0, reserved)
		if err != nil {
			return err
		}
		if used {
			continue
		}
		tx := (*journal.Transaction)(nil)
		if err := g.allocate(a.c, tx, 0, reserved); err != nil {
			return err
		}
		g.freeBits -= reserved
		if g.firstFree < reserved {
			g.firstFree = reserved
		}
	}

	return nil
}

// bitmapBlocks returns how many device blocks at g's start hold its bitmap.
func (a *Allocator) bitmapBlocks(g *group) int64 {
	return (int64(g.numBits) + int64(a.bitsPerBlock) - 1) / int64(a.bitsPerBlock)
}

// BitmapExtents returns every group's bitmap block run. fsck marks these in
// its shadow bitmap: they are in use but owned by no inode.
func (a *Allocator) BitmapExtents() []ondisk.BlockRun {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ondisk.BlockRun, 0, len(a.groups))
	for i, g := range a.groups {
		out = append(out, ondisk.BlockRun{Group: int32(i), Start: 0, Length: uint16(a.bitmapBlocks(g))})
	}
	return out
}

func (a *Allocator) rangeUsed(group int32, start, length int32) (bool, error) {
	b, err := a.blockFor(group, start/int32(a.bitsPerBlock))
	if err != nil {
		return false, err
	}
	defer b.Release()
	bit := start % int32(a.bitsPerBlock)
	return isUsed(b.Bytes(), bit), nil
}

func (a *Allocator) scanGroup(g *group) error {
	blocks := a.bitmapBlocks(g)
	var start, run int32
	var num int32
	for blk := int64(0); blk < blocks && num < g.numBits; blk++ {
		b, err := a.c.Get(uint64(g.start+int64(blk)), false)
		if err != nil {
			return err
		}
		words := bytesAsUint32(b.Bytes())
		for _, w := range words {
			for bit := 0; bit < 32 && num < g.numBits; bit, num = bit+1, num+1 {
				if w&(1<<uint(bit)) != 0 {
					if run > 0 {
						g.addFreeRange(start, run)
						run = 0
					}
				} else if run == 0 {
					start = num
					run = 1
				} else {
					run++
				}
			}
		}
		b.Release()
	}
	if run > 0 {
		g.addFreeRange(start, run)
	}
	return nil
}

func bytesAsUint32(buf []byte) []uint32 {
	out := make([]uint32, len(buf)/4)
	for i := range out {
		out[i] = uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
	}
	return out
}

func putUint32(buf []byte, i int, v uint32) {
	buf[i*4] = byte(v)
	buf[i*4+1] = byte(v >> 8)
	buf[i*4+2] = byte(v >> 16)
	buf[i*4+3] = byte(v >> 24)
}

func isUsed(buf []byte, bit int32) bool {
	i := bit / 32
	if int(i)*4+4 > len(buf) {
		return true
	}
	word := uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
	return word&(1<<uint(bit%32)) != 0
}

func (a *Allocator) blockFor(groupIdx, blockInGroup int32) (*cache.Block, error) {
	g := a.groups[groupIdx]
	return a.c.Get(uint64(g.start+int64(blockInGroup)), false)
}

// allocate marks [start, start+length) used within this group, writing
// through whichever bitmap blocks it spans. A nil transaction means
// "mount-time bookkeeping, write immediately" (used only by Initialize's
// reserved-space fixup, before the journal exists).
func (g *group) allocate(c *cache.Cache, tx *journal.Transaction, start, length int32) error {
	return g.mutate(c, tx, start, length, true)
}

func (g *group) free(c *cache.Cache, tx *journal.Transaction, start, length int32) error {
	return g.mutate(c, tx, start, length, false)
}

func (g *group) mutate(c *cache.Cache, tx *journal.Transaction, start, length int32, setBits bool) error {
	bitsPerBlock := int32(c.Device().BlockSize() * 8)
	block := start / bitsPerBlock
	start = start % bitsPerBlock

	for length > 0 {
		wb, err := c.GetWritable(uint64(g.start+int64(block)), false)
		if err != nil {
			return bfserr.New("alloc.mutate", bfserr.IoError, err)
		}
		n := length
		if start+n > bitsPerBlock {
			n = bitsPerBlock - start
		}
		setRange(wb.Bytes(), start, n, setBits)
		wb.MarkDirty()
		if tx != nil {
			tx.LogBlocks(wb.Number())
		}
		if err := wb.Release(); err != nil {
			return err
		}

		length -= n
		start = 0
		block++
	}
	return nil
}

func setRange(buf []byte, start, n int32, set bool) {
	word := start / 32
	for n > 0 {
		v := uint32(buf[word*4]) | uint32(buf[word*4+1])<<8 | uint32(buf[word*4+2])<<16 | uint32(buf[word*4+3])<<24
		var mask uint32
		for bit := start % 32; bit < 32 && n > 0; bit, n = bit+1, n-1 {
			mask |= 1 << uint(bit)
		}
		if set {
			v |= mask
		} else {
			v &^= mask
		}
		putUint32(buf, int(word), v)
		start = 0
		word++
	}
}

// AllocateBlocks runs the two-pass group scan: the first pass over every
// group looks for a run of at least `maximum` blocks starting at `group`; if
// nothing qualifies, a second pass over every group settles for `minimum`.
func (a *Allocator) AllocateBlocks(tx *journal.Transaction, startGroup int32, start, maximum, minimum uint16) (ondisk.BlockRun, error) {
	if maximum == 0 {
		return ondisk.BlockRun{}, bfserr.New("alloc.AllocateBlocks", bfserr.BadValue, nil)
	}
	ev := trace.Event("alloc.AllocateBlocks", 0)
	defer ev.Done()

	a.mu.Lock()
	defer a.mu.Unlock()

	numBlocks := maximum
	group := startGroup

	for i := int32(0); i < a.numGroups*2; i, group = i+1, group+1 {
		g := group % a.numGroups
		pos := start
		if i >= a.numGroups {
			if maximum == minimum {
				return ondisk.BlockRun{}, bfserr.New("alloc.AllocateBlocks", bfserr.DeviceFull, nil)
			}
			numBlocks = minimum
			pos = 0
		}

		gr := a.groups[g]
		if int32(pos) >= gr.numBits || gr.isFull() {
			start = 0
			continue
		}
		if int32(pos) < gr.firstFree {
			pos = uint16(gr.firstFree)
		}

		run, rangeStart, found, err := a.scanForRun(gr, g, pos, numBlocks, minimum, i >= a.numGroups)
		if err != nil {
			return ondisk.BlockRun{}, err
		}
		if found {
			if numBlocks < maximum {
				numBlocks = uint16(run)
			}
			if rangeStart == gr.firstFree {
				gr.firstFree = rangeStart + int32(numBlocks)
			}
			gr.freeBits -= int32(numBlocks)

			if err := gr.allocate(a.c, tx, rangeStart, int32(numBlocks)); err != nil {
				return ondisk.BlockRun{}, err
			}
			a.sb.AddUsedBlocks(int64(numBlocks))

			return ondisk.BlockRun{Group: g, Start: uint16(rangeStart), Length: numBlocks}, nil
		}
		start = 0
	}
	return ondisk.BlockRun{}, bfserr.New("alloc.AllocateBlocks", bfserr.DeviceFull, nil)
}

// scanForRun walks block by block within group g looking for a bit-run of
// length >= target (maximum on the first pass, minimum on the second),
// returning the run length found and its starting bit.
func (a *Allocator) scanForRun(g *group, groupIdx int32, start uint16, target uint16, minimum uint16, secondPass bool) (int32, int32, bool, error) {
	bitsPerBlock := int32(a.bitsPerBlock)
	block := int32(start) / bitsPerBlock
	bitStart := int32(start) % bitsPerBlock

	var run, rangeStart int32

	for block < int32(a.bitmapBlocks(g)) {
		blockBits := bitsPerBlock
		if rem := g.numBits - block*bitsPerBlock; rem < blockBits {
			blockBits = rem
		}
		b, err := a.blockFor(groupIdx, block)
		if err != nil {
			return 0, 0, false, err
		}
		buf := b.Bytes()

		for bit := bitStart; bit < blockBits; bit++ {
			if !isUsed(buf, bit) {
				if run == 0 {
					rangeStart = block*bitsPerBlock + bit
				}
				run++
				if run >= int32(target) {
					b.Release()
					return run, rangeStart, true, nil
				}
			} else if secondPass && run >= int32(minimum) {
				b.Release()
				return run, rangeStart, true, nil
			} else {
				run = 0
			}
		}
		b.Release()

		if run >= int32(target) {
			return run, rangeStart, true, nil
		}
		bitStart = 0
		block++
	}
	if secondPass && run >= int32(minimum) {
		return run, rangeStart, true, nil
	}
	return 0, 0, false, nil
}

// PlacementHint carries the parts of an inode's state AllocateForInode and
// Allocate use to pick a starting group, generalizing the original's direct
// Inode/data_stream access into an explicit value passed by package inode.
type PlacementHint struct {
	Group       int32 // the new blocks' parent inode's block_run.allocation_group
	IsDirectory bool
	HasData     bool
	LastRun     ondisk.BlockRun // last occupied direct-block entry, if HasData and not yet indirect
	InIndirect  bool            // data stream already extends into indirect/double-indirect range
	InodeStart  uint16          // the inode's own block_run.start, for directory data placement
}

// AllocateForInode implements the parent-group-plus-offset placement policy
// for a brand-new inode.
func (a *Allocator) AllocateForInode(tx *journal.Transaction, parentGroup int32, isDirectory bool) (ondisk.BlockRun, error) {
	group := parentGroup
	if isDirectory {
		group += 8
	}
	return a.AllocateBlocks(tx, group, 0, 1, 1)
}

// Allocate implements the data-stream placement policy: directories grow
// after their own inode block, files with no allocation yet start in the
// next group over, and files that already have direct blocks continue right
// after the last one.
func (a *Allocator) Allocate(tx *journal.Transaction, hint PlacementHint, numBlocks int64, minimum uint16) (ondisk.BlockRun, error) {
	if numBlocks <= 0 {
		return ondisk.BlockRun{}, bfserr.New("alloc.Allocate", bfserr.BadValue, nil)
	}
	if numBlocks > int64(a.groups[0].numBits) {
		numBlocks = int64(a.groups[0].numBits)
	}
	if numBlocks == 65536 {
		numBlocks = 65535
	}

	group := hint.Group
	var start uint16

	switch {
	case hint.HasData && !hint.InIndirect:
		group = hint.LastRun.Group
		start = hint.LastRun.Start + hint.LastRun.Length
	case hint.HasData:
		// already grown into indirect ranges; indirect-range placement doesn't
		// chase the last extent, the parent group is fine.
	case hint.IsDirectory:
		start = hint.InodeStart
	default:
		group = hint.Group + 1
	}

	return a.AllocateBlocks(tx, group, start, uint16(numBlocks), minimum)
}

// Free releases run back to its group's bitmap.
func (a *Allocator) Free(tx *journal.Transaction, run ondisk.BlockRun) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if run.Group < 0 || run.Group >= a.numGroups {
		return bfserr.New("alloc.Free", bfserr.BadValue, nil)
	}
	g := a.groups[run.Group]
	if int32(run.Start) > g.numBits || int32(run.Start)+int32(run.Length) > g.numBits || run.Length == 0 {
		return bfserr.New("alloc.Free", bfserr.BadValue, nil)
	}
	logRun := a.sb.LogExtent()
	if run.Group == 0 && int32(run.Start) < int32(logRun.Start)+int32(logRun.Length) {
		return bfserr.New("alloc.Free", bfserr.BadValue, nil)
	}

	if g.firstFree > int32(run.Start) || g.firstFree == -1 {
		g.firstFree = int32(run.Start)
	}
	g.freeBits += int32(run.Length)

	if err := g.free(a.c, tx, int32(run.Start), int32(run.Length)); err != nil {
		return err
	}
	a.sb.AddUsedBlocks(-int64(run.Length))
	return nil
}

// CorrectBitmap sets one block's bitmap bit to used or free, as used says, adjusting the
// group hints and the superblock's used-block count to match. fsck's
// bitmap-repair pass is the only caller.
func (a *Allocator) CorrectBitmap(tx *journal.Transaction, block uint64, used bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if block == 0 || block >= a.sb.NumBlocks() {
		return bfserr.New("alloc.CorrectBitmap", bfserr.BadValue, nil)
	}
	rel := block - 1
	g := int32(rel / uint64(a.blocksPerGroup))
	bit := int32(rel % uint64(a.blocksPerGroup))
	if g >= a.numGroups || bit >= a.groups[g].numBits {
		return bfserr.New("alloc.CorrectBitmap", bfserr.BadValue, nil)
	}
	grp := a.groups[g]
	if used {
		if err := grp.allocate(a.c, tx, bit, 1); err != nil {
			return err
		}
		grp.freeBits--
		a.sb.AddUsedBlocks(1)
	} else {
		if err := grp.free(a.c, tx, bit, 1); err != nil {
			return err
		}
		grp.freeBits++
		if grp.firstFree > bit || grp.firstFree == -1 {
			grp.firstFree = bit
		}
		a.sb.AddUsedBlocks(-1)
	}
	return nil
}

// CheckBitmap is a second, in-memory shadow bitmap fsck builds up while
// walking every live data structure, then diffs against the real on-disk
// bitmap to find leaked or double-allocated blocks. It is intentionally
// independent of Allocator's own group state.
type CheckBitmap struct {
	mu   sync.Mutex
	bits []byte
}

// NewCheckBitmap allocates a zeroed shadow bitmap sized for numBlocks.
func NewCheckBitmap(numBlocks uint64) *CheckBitmap {
	return &CheckBitmap{bits: make([]byte, (numBlocks+7)/8)}
}

// Mark records block as in-use; it returns false if the block was already
// marked, the signature of a cross-linked (doubly allocated) block.
func (cb *CheckBitmap) Mark(block uint64) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	i, bit := block/8, block%8
	if int(i) >= len(cb.bits) {
		return false
	}
	if cb.bits[i]&(1<<bit) != 0 {
		return false
	}
	cb.bits[i] |= 1 << bit
	return true
}

// DiffAgainst compares the shadow bitmap to the real on-disk bitmap, calling
// report(block, onDisk, shadow) for every block whose state disagrees. Each
// allocation group is independent on-disk storage, so groups are diffed
// concurrently via errgroup, the way fsck parallelizes its directory-tree
// walk across subtrees.
func (a *Allocator) DiffAgainst(cb *CheckBitmap, report func(block uint64, onDiskUsed, shadowUsed bool)) error {
	var mu sync.Mutex
	var g errgroup.Group
	for gi, grp := range a.groups {
		gi, grp := gi, grp
		g.Go(func() error {
			return a.diffGroup(gi, grp, cb, func(block uint64, onDisk, shadowUsed bool) {
				mu.Lock()
				defer mu.Unlock()
				report(block, onDisk, shadowUsed)
			})
		})
	}
	return g.Wait()
}

func (a *Allocator) diffGroup(gi int, grp *group, cb *CheckBitmap, report func(block uint64, onDiskUsed, shadowUsed bool)) error {
	base := uint64(1) + uint64(gi)*uint64(a.blocksPerGroup)
	for blk := int64(0); blk < a.bitmapBlocks(grp); blk++ {
		bitBase := blk * int64(a.bitsPerBlock)
		b, err := a.blockFor(int32(gi), int32(blk))
		if err != nil {
			return err
		}
		buf := b.Bytes()
		limit := int64(a.bitsPerBlock)
		if bitBase+limit > int64(grp.numBits) {
			limit = int64(grp.numBits) - bitBase
		}
		for bit := int64(0); bit < limit; bit++ {
			onDisk := isUsed(buf, int32(bit))
			// Bit n of group g addresses device block 1 + g*blocksPerGroup + n, the
			// same mapping BlockRun.Absolute uses.
			absoluteBlock := base + uint64(bitBase+bit)
			shadowUsed := cb.bitSet(absoluteBlock)
			if onDisk != shadowUsed {
				report(absoluteBlock, onDisk, shadowUsed)
			}
		}
		b.Release()
	}
	return nil
}

func (cb *CheckBitmap) bitSet(block uint64) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	i, bit := block/8, block%8
	if int(i) >= len(cb.bits) {
		return false
	}
	return cb.bits[i]&(1<<bit) != 0
}

// GroupFreeBlocks returns each allocation group's current free-block count,
// in group order. fsck's allocation-group health report summarizes these
// with gonum/stat.
func (a *Allocator) GroupFreeBlocks() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int64, len(a.groups))
	for i, g := range a.groups {
		out[i] = int64(g.freeBits)
	}
	return out
}
