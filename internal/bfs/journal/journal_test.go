package journal

import (
	"testing"

	"github.com/distr1/bfs/internal/bfs/cache"
	"github.com/distr1/bfs/internal/bfs/ondisk"
)

// fakeSuperBlock is a minimal SuperBlockIO that keeps the log pointers
// and dirty flag in memory, standing in for package volume.
type fakeSuperBlock struct {
	log                  ondisk.BlockRun
	start, end           int64
	dirty                bool
	writeSuperBlockCalls int
}

func (f *fakeSuperBlock) LogExtent() ondisk.BlockRun { return f.log }
func (f *fakeSuperBlock) BlocksPerGroup() uint32     { return 29 }
func (f *fakeSuperBlock) NumBlocks() uint64          { return 30 }
func (f *fakeSuperBlock) LogStart() int64            { return f.start }
func (f *fakeSuperBlock) LogEnd() int64              { return f.end }
func (f *fakeSuperBlock) SetLogPointers(start, end int64) {
	f.start, f.end = start, end
}
func (f *fakeSuperBlock) SetDirty(dirty bool) { f.dirty = dirty }
func (f *fakeSuperBlock) WriteSuperBlock() error {
	f.writeSuperBlockCalls++
	return nil
}
func (f *fakeSuperBlock) Panic(op string, err error) error { return err }

func newTestJournal(t *testing.T) (*Journal, *cache.Cache, *fakeSuperBlock) {
	t.Helper()
	const blockSize = 64
	// data area: blocks 0-9; log extent: blocks 10-29 (20 blocks,
	// group-relative start 9 since bit n of group 0 is block 1+n)
	dev := cache.NewMemDevice(blockSize, 30)
	c := cache.New(dev)
	sb := &fakeSuperBlock{
		log: ondisk.BlockRun{Start: 9, Length: 20},
	}
	j := New(c, sb)
	return j, c, sb
}

func TestTransactionCommitFlushesAndUpdatesSuperBlock(t *testing.T) {
	j, c, sb := newTestJournal(t)

	tx := j.Start()
	wb, err := c.GetWritable(3, false)
	if err != nil {
		t.Fatal(err)
	}
	copy(wb.Bytes(), []byte("payload"))
	wb.MarkDirty()
	if err := wb.Release(); err != nil {
		t.Fatal(err)
	}
	tx.LogBlocks(3)

	if err := tx.Done(true); err != nil {
		t.Fatalf("Done: %v", err)
	}
	if err := j.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if !sb.dirty {
		t.Error("superblock should be marked dirty after a flush")
	}
	if sb.writeSuperBlockCalls == 0 {
		t.Error("expected WriteSuperBlock to be called")
	}
}

func TestNestedTransactionMergesIntoOutermost(t *testing.T) {
	j, c, _ := newTestJournal(t)

	outer := j.Start()
	inner := outer.Nested()

	wb, _ := c.GetWritable(1, false)
	wb.MarkDirty()
	wb.Release()
	inner.LogBlocks(1)
	if err := inner.Done(true); err != nil {
		t.Fatal(err)
	}

	wb2, _ := c.GetWritable(2, false)
	wb2.MarkDirty()
	wb2.Release()
	outer.LogBlocks(2)
	if err := outer.Done(true); err != nil {
		t.Fatal(err)
	}

	if err := j.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestDiscardedTransactionLeavesNoEntry(t *testing.T) {
	j, c, sb := newTestJournal(t)

	tx := j.Start()
	wb, _ := c.GetWritable(5, false)
	wb.MarkDirty()
	wb.Release()
	tx.LogBlocks(5)

	if err := tx.Done(false); err != nil {
		t.Fatalf("Done(false): %v", err)
	}
	if err := j.Flush(); err != nil {
		t.Fatal(err)
	}
	if sb.dirty {
		t.Error("a discarded transaction should never mark the superblock dirty")
	}
}

func TestReplayAppliesLoggedBlocks(t *testing.T) {
	j, c, sb := newTestJournal(t)

	tx := j.Start()
	wb, err := c.GetWritable(4, false)
	if err != nil {
		t.Fatal(err)
	}
	copy(wb.Bytes(), []byte("recovered"))
	wb.MarkDirty()
	if err := wb.Release(); err != nil {
		t.Fatal(err)
	}
	tx.LogBlocks(4)
	if err := tx.Done(true); err != nil {
		t.Fatal(err)
	}
	if err := j.Flush(); err != nil {
		t.Fatal(err)
	}

	// Simulate an unclean unmount: overwrite the real block with
	// garbage, as if the write-through after logging never completed,
	// then replay from the recorded log pointers.
	wb2, err := c.GetWritable(4, false)
	if err != nil {
		t.Fatal(err)
	}
	copy(wb2.Bytes(), make([]byte, 64))
	wb2.MarkDirty()
	if err := wb2.Release(); err != nil {
		t.Fatal(err)
	}

	j2 := New(c, sb)
	if err := j2.Replay(); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	b, err := c.Get(4, false)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b.Bytes()[:9]), "recovered"; got != want {
		t.Errorf("after replay, block 4 = %q, want %q", got, want)
	}
	if sb.start != sb.end {
		t.Errorf("replay should leave log-start == log-end, got %d != %d", sb.start, sb.end)
	}
}
