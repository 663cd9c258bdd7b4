package inode

import (
	"bytes"
	"testing"

	"github.com/distr1/bfs/internal/bfs/alloc"
	"github.com/distr1/bfs/internal/bfs/cache"
	"github.com/distr1/bfs/internal/bfs/journal"
	"github.com/distr1/bfs/internal/bfs/ondisk"
)

// testVolume is the minimal inode.Volume + alloc.SuperBlockIO fake used
// by this package's tests, mirroring the cache/alloc/journal packages'
// own small in-memory test harnesses.
type testVolume struct {
	c              *cache.Cache
	a              *alloc.Allocator
	blockSize      uint32
	blocksPerGroup uint32
	groups         int32
	numBlocks      uint64
	used           int64
	clock          int64
	logStart       int64
	logEnd         int64
	dirty          bool

	promoted map[uint64]map[string][]byte
}

func newTestVolume(t *testing.T, blockSize uint32, groups int32, blocksPerGroup uint32) *testVolume {
	t.Helper()
	numBlocks := uint64(groups)*uint64(blocksPerGroup) + 1
	dev := cache.NewMemDevice(blockSize, numBlocks)
	tv := &testVolume{
		c:              cache.New(dev),
		blockSize:      blockSize,
		blocksPerGroup: blocksPerGroup,
		groups:         groups,
		numBlocks:      numBlocks,
		promoted:       make(map[uint64]map[string][]byte),
	}
	tv.a = alloc.New(tv.c, tv)
	if err := tv.a.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return tv
}

func (tv *testVolume) AllocationGroups() int32 { return tv.groups }
func (tv *testVolume) BlocksPerGroup() uint32  { return tv.blocksPerGroup }
func (tv *testVolume) BlockSize() uint32       { return tv.blockSize }
func (tv *testVolume) NumBlocks() uint64       { return tv.numBlocks }

// LogExtent places the log past the largest bitmap any geometry used in
// these tests needs (16 bitmap blocks for the 65000-block group), and makes
// it long enough (48 blocks) for the largest single transaction the tests
// log, while still ending inside a 64-block group.
func (tv *testVolume) LogExtent() ondisk.BlockRun {
	return ondisk.BlockRun{Group: 0, Start: 16, Length: 48}
}
func (tv *testVolume) AddUsedBlocks(delta int64) { tv.used += delta }

func (tv *testVolume) LogStart() int64                  { return tv.logStart }
func (tv *testVolume) LogEnd() int64                    { return tv.logEnd }
func (tv *testVolume) SetLogPointers(start, end int64)  { tv.logStart, tv.logEnd = start, end }
func (tv *testVolume) SetDirty(dirty bool)              { tv.dirty = dirty }
func (tv *testVolume) WriteSuperBlock() error           { return nil }
func (tv *testVolume) Panic(op string, err error) error { return err }

func (tv *testVolume) Cache() *cache.Cache         { return tv.c }
func (tv *testVolume) Allocator() *alloc.Allocator { return tv.a }
func (tv *testVolume) Endian() ondisk.Endian       { return ondisk.LittleEndian }
func (tv *testVolume) Now() int64 {
	tv.clock++
	return ondisk.PackTime(tv.clock, 0)
}
func (tv *testVolume) NotifySizeChanged(tx *journal.Transaction, id uint64, oldSize, newSize int64) {}
func (tv *testVolume) NotifyTimeChanged(tx *journal.Transaction, id uint64, oldTime, newTime int64) {}
func (tv *testVolume) PromoteSmallData(tx *journal.Transaction, owner uint64, name string, typ uint32, data []byte) error {
	if tv.promoted[owner] == nil {
		tv.promoted[owner] = make(map[string][]byte)
	}
	tv.promoted[owner][name] = append([]byte(nil), data...)
	return nil
}
func (tv *testVolume) ReadAttribute(owner uint64, name string) ([]byte, uint32, bool, error) {
	data, ok := tv.promoted[owner][name]
	return data, ondisk.FileNameType, ok, nil
}
func (tv *testVolume) RemoveAttribute(tx *journal.Transaction, owner uint64, name string) error {
	delete(tv.promoted[owner], name)
	return nil
}

func TestInodeLifecycle(t *testing.T) {
	tv := newTestVolume(t, 1024, 4, 64)
	j := journal.New(tv.c, tv)
	tx := j.Start()

	in, err := Create(tv, tx, 0, ondisk.TypeRegular|0644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := in.SetFileName(tx, "hello"); err != nil {
		t.Fatalf("SetFileName: %v", err)
	}

	data := []byte("hello world")
	n, err := in.WriteAt(tx, data, 0)
	if err != nil || n != len(data) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}
	if in.Size() != int64(len(data)) {
		t.Fatalf("Size = %d, want %d", in.Size(), len(data))
	}

	buf := make([]byte, len(data))
	if _, err := in.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("ReadAt = %q, want %q", buf, data)
	}

	name, err := in.FileName()
	if err != nil || name != "hello" {
		t.Fatalf("FileName = %q, %v", name, err)
	}

	if err := tx.Done(true); err != nil {
		t.Fatalf("Done: %v", err)
	}
}

func TestInodeCrossTierGrowth(t *testing.T) {
	tv := newTestVolume(t, 1024, 8, 4096)
	j := journal.New(tv.c, tv)
	tx := j.Start()

	in, err := Create(tv, tx, 0, ondisk.TypeRegular|0644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const size = 2 * 1024 * 1024
	if err := in.SetFileSize(tx, size); err != nil {
		t.Fatalf("SetFileSize: %v", err)
	}
	if err := tx.Done(true); err != nil {
		t.Fatalf("Done: %v", err)
	}
	if in.Size() != size {
		t.Fatalf("Size = %d, want %d", in.Size(), size)
	}

	tx2 := j.Start()
	payload := []byte("cross-tier-marker")
	if _, err := in.WriteAt(tx2, payload, size-int64(len(payload))); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := tx2.Done(true); err != nil {
		t.Fatalf("Done: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := in.ReadAt(got, size-int64(len(payload))); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadAt = %q, want %q", got, payload)
	}
}

func TestTierTransitionsUnderFragmentation(t *testing.T) {
	// Contiguous free space merges into one direct extent, so to push a
	// stream through the direct -> indirect -> double-indirect
	// transitions the free space is first fragmented: allocate a long
	// sequence of 4-block runs, free every other one, and swallow the
	// remaining contiguous tail. What's left is a checkerboard of
	// 4-block holes that forces one extent per hole.
	tv := newTestVolume(t, 512, 1, 65000)
	j := journal.New(tv.c, tv)
	tx := j.Start()

	var runs []ondisk.BlockRun
	for i := 0; i < 2000; i++ {
		run, err := tv.a.AllocateBlocks(tx, 0, 0, 4, 4)
		if err != nil {
			t.Fatalf("fragmenting allocation %d: %v", i, err)
		}
		runs = append(runs, run)
	}
	for i := 1; i < len(runs); i += 2 {
		if err := tv.a.Free(tx, runs[i]); err != nil {
			t.Fatalf("fragmenting free %d: %v", i, err)
		}
	}
	for {
		if _, err := tv.a.AllocateBlocks(tx, 0, 0, 65535, 8); err != nil {
			break // only the 4-block holes remain
		}
	}

	in, err := Create(tv, tx, 0, ondisk.TypeRegular|0644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	const size = 1200 * 512
	if err := in.SetFileSize(tx, size); err != nil {
		t.Fatalf("SetFileSize: %v", err)
	}
	if in.hdr.MaxIndirectRange == 0 {
		t.Fatal("stream never grew into the indirect tier")
	}
	if in.hdr.MaxDoubleIndirectRange == 0 {
		t.Fatal("stream never grew into the double-indirect tier")
	}

	// A write/read pair across the last tier boundary must round-trip.
	payload := []byte("double-indirect payload")
	pos := int64(in.hdr.MaxIndirectRange)
	if _, err := in.WriteAt(tx, payload, pos); err != nil {
		t.Fatalf("WriteAt in double-indirect tier: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := in.ReadAt(got, pos); err != nil {
		t.Fatalf("ReadAt in double-indirect tier: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round-trip = %q, want %q", got, payload)
	}

	// Shrinking back below the tier boundaries must drop the tier
	// descriptors again.
	if err := in.SetFileSize(tx, 4*512); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if in.hdr.MaxDoubleIndirectRange != 0 || !in.hdr.DoubleIndirect.IsZero() {
		t.Fatal("double-indirect descriptor survived the shrink")
	}
	if in.hdr.MaxIndirectRange != 0 || !in.hdr.Indirect.IsZero() {
		t.Fatal("indirect descriptor survived the shrink")
	}

	if err := tx.Done(true); err != nil {
		t.Fatalf("Done: %v", err)
	}
}

func TestSmallDataOverflowPromotes(t *testing.T) {
	tv := newTestVolume(t, 512, 2, 64)
	j := journal.New(tv.c, tv)
	tx := j.Start()

	in, err := Create(tv, tx, 0, ondisk.TypeRegular|0644, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := in.SetFileName(tx, "f"); err != nil {
		t.Fatalf("SetFileName: %v", err)
	}

	big := bytes.Repeat([]byte("x"), 400)
	if err := in.AddSmallData(tx, "big", 1, big, true); err != nil {
		t.Fatalf("AddSmallData: %v", err)
	}
	if err := tx.Done(true); err != nil {
		t.Fatalf("Done: %v", err)
	}

	if len(tv.promoted[in.ID()]) == 0 {
		t.Fatalf("expected an attribute to be promoted out of small-data")
	}
}
