package alloc

import (
	"testing"

	"github.com/distr1/bfs/internal/bfs/cache"
	"github.com/distr1/bfs/internal/bfs/ondisk"
)

// fakeSuperBlock is a minimal SuperBlockIO for exercising the allocator
// in isolation, the way journal_test's fake would stand in for package
// volume.
type fakeSuperBlock struct {
	groups         int32
	blocksPerGroup uint32
	blockSize      uint32
	numBlocks      uint64
	log            ondisk.BlockRun
	used           int64
}

func (f *fakeSuperBlock) AllocationGroups() int32    { return f.groups }
func (f *fakeSuperBlock) BlocksPerGroup() uint32     { return f.blocksPerGroup }
func (f *fakeSuperBlock) BlockSize() uint32          { return f.blockSize }
func (f *fakeSuperBlock) NumBlocks() uint64          { return f.numBlocks }
func (f *fakeSuperBlock) LogExtent() ondisk.BlockRun { return f.log }
func (f *fakeSuperBlock) AddUsedBlocks(delta int64)  { f.used += delta }

func newTestAllocator(t *testing.T) (*Allocator, *fakeSuperBlock) {
	t.Helper()
	// 64-byte blocks hold 512 bitmap bits, so 128-block groups need one
	// bitmap block each; group 0's reserved prefix is its bitmap block
	// plus a 4-block log extent right after it.
	const blockSize = 64
	const blocksPerGroup = 128
	const groups = 4
	numBlocks := uint64(1 + blocksPerGroup*groups)

	dev := cache.NewMemDevice(blockSize, numBlocks)
	c := cache.New(dev)
	sb := &fakeSuperBlock{
		groups:         groups,
		blocksPerGroup: blocksPerGroup,
		blockSize:      blockSize,
		numBlocks:      numBlocks,
		log:            ondisk.BlockRun{Group: 0, Start: 1, Length: 4},
	}
	a := New(c, sb)
	if err := a.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return a, sb
}

func TestInitializeReservesBitmapAndLog(t *testing.T) {
	a, _ := newTestAllocator(t)
	// Bits 0..4 of group 0 cover the group's bitmap block plus the log
	// extent; every group's bit 0 covers its own bitmap block.
	for bit := int32(0); bit < 5; bit++ {
		used, err := a.rangeUsed(0, bit, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !used {
			t.Errorf("group 0 bit %d should be reserved", bit)
		}
	}
	for g := int32(1); g < a.numGroups; g++ {
		used, err := a.rangeUsed(g, 0, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !used {
			t.Errorf("group %d bit 0 (its bitmap block) should be reserved", g)
		}
	}
}

func TestAllocateThenFreeRoundTrips(t *testing.T) {
	a, sb := newTestAllocator(t)

	run, err := a.AllocateBlocks(nil, 1, 0, 10, 10)
	if err != nil {
		t.Fatalf("AllocateBlocks: %v", err)
	}
	if run.Length != 10 {
		t.Errorf("run.Length = %d, want 10", run.Length)
	}
	if sb.used != 10 {
		t.Errorf("used blocks = %d, want 10", sb.used)
	}

	used, err := a.rangeUsed(run.Group, int32(run.Start), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !used {
		t.Error("newly allocated block should read as used")
	}

	if err := a.Free(nil, run); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if sb.used != 0 {
		t.Errorf("used blocks after Free = %d, want 0", sb.used)
	}
	used, err = a.rangeUsed(run.Group, int32(run.Start), 1)
	if err != nil {
		t.Fatal(err)
	}
	if used {
		t.Error("freed block should read as unused")
	}
}

func TestAllocateForInodeDirectoryOffsetsGroup(t *testing.T) {
	a, _ := newTestAllocator(t)

	run, err := a.AllocateForInode(nil, 1, true)
	if err != nil {
		t.Fatalf("AllocateForInode: %v", err)
	}
	// Directories land 8 groups past the parent, modulo the group count.
	if want := int32((1 + 8) % a.numGroups); run.Group != want {
		t.Errorf("directory inode group = %d, want %d", run.Group, want)
	}
	if run.Length != 1 {
		t.Errorf("inode run length = %d, want 1", run.Length)
	}
}

func TestLastGroupTrailingBits(t *testing.T) {
	// A volume whose data blocks don't divide evenly into groups: the
	// last group's bitmap block has capacity for 512 bits but only 64
	// are valid, and allocations must never cross that boundary.
	const blockSize = 64
	const blocksPerGroup = 128
	dev := cache.NewMemDevice(blockSize, 1+blocksPerGroup+64)
	c := cache.New(dev)
	sb := &fakeSuperBlock{
		groups:         2,
		blocksPerGroup: blocksPerGroup,
		blockSize:      blockSize,
		numBlocks:      1 + blocksPerGroup + 64,
		log:            ondisk.BlockRun{Group: 0, Start: 1, Length: 4},
	}
	a := New(c, sb)
	if err := a.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := a.groups[1].numBits; got != 64 {
		t.Fatalf("last group numBits = %d, want 64", got)
	}

	// Drain the short group; every returned run must stay inside it.
	var got int32
	for {
		run, err := a.AllocateBlocks(nil, 1, 0, 1, 1)
		if err != nil || run.Group != 1 {
			break
		}
		if int32(run.Start)+int32(run.Length) > 64 {
			t.Fatalf("run [%d, %d) crosses the trailing-bits boundary", run.Start, int32(run.Start)+int32(run.Length))
		}
		got += int32(run.Length)
	}
	// 64 bits minus the group's own bitmap block.
	if want := int32(63); got != want {
		t.Fatalf("allocated %d blocks from the short group, want %d", got, want)
	}
}

func TestAllocateBlocksDeviceFullWhenExhausted(t *testing.T) {
	a, _ := newTestAllocator(t)

	// Drain every group's free space; the reserved prefixes already
	// consumed a handful of bits.
	for {
		_, err := a.AllocateBlocks(nil, 0, 0, 1, 1)
		if err != nil {
			break
		}
	}

	if _, err := a.AllocateBlocks(nil, 0, 0, 1, 1); err == nil {
		t.Fatal("expected allocation to fail once the volume is full")
	}
}

func TestCheckBitmapDetectsDiscrepancy(t *testing.T) {
	a, _ := newTestAllocator(t)

	run, err := a.AllocateBlocks(nil, 0, 0, 5, 5)
	if err != nil {
		t.Fatal(err)
	}

	shadow := NewCheckBitmap(a.sb.NumBlocks())
	// Deliberately don't mark the allocated run as seen, simulating a
	// leaked allocation fsck should flag.
	var mismatches int
	if err := a.DiffAgainst(shadow, func(block uint64, onDisk, shadowUsed bool) {
		mismatches++
	}); err != nil {
		t.Fatal(err)
	}
	if mismatches < int(run.Length) {
		t.Errorf("DiffAgainst found %d mismatches, want at least %d", mismatches, run.Length)
	}
}
