package fsck

import (
	"fmt"
	"testing"

	"github.com/distr1/bfs/internal/bfs/alloc"
	"github.com/distr1/bfs/internal/bfs/cache"
	"github.com/distr1/bfs/internal/bfs/volume"
)

type tickingClock struct{ sec int64 }

func (c *tickingClock) Now() int64 {
	c.sec++
	return c.sec
}

func newPopulatedVolume(t *testing.T) *volume.Volume {
	t.Helper()
	dev := cache.NewMemDevice(2048, 4096)
	v, err := volume.Initialize(dev, "fscktest", volume.Options{Clock: &tickingClock{}})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	dirID, err := v.CreateDir(v.RootID(), "docs", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("file%02d", i)
		id, err := v.CreateFile(dirID, name, 0, 0)
		if err != nil {
			t.Fatalf("CreateFile(%s): %v", name, err)
		}
		if _, err := v.WriteFile(id, []byte("some contents for "+name), 0); err != nil {
			t.Fatalf("WriteFile(%s): %v", name, err)
		}
		if err := v.SetAttribute(id, "note", 0, []byte("n")); err != nil {
			t.Fatalf("SetAttribute(%s): %v", name, err)
		}
	}
	return v
}

func TestCleanVolumePasses(t *testing.T) {
	v := newPopulatedVolume(t)
	c := NewChecker(v)
	cb := NewControlBlock()
	c.SetControl(cb)

	res, err := c.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if errs := res.Errors(); len(errs) != 0 {
		t.Fatalf("clean volume reported %d errors, first: %s", len(errs), errs[0])
	}
	if len(res.IndicesRebuilt) != 0 {
		t.Fatalf("clean volume rebuilt indices: %v", res.IndicesRebuilt)
	}
	if got, want := len(res.GroupHealth), int(v.AllocationGroups()); got != want {
		t.Fatalf("GroupHealth has %d entries, want %d", got, want)
	}
	if cb.Status != StatusDone {
		t.Fatalf("control status = %v, want StatusDone", cb.Status)
	}
}

func TestDetectsLeakedBlocks(t *testing.T) {
	v := newPopulatedVolume(t)

	// Allocate a run nobody references: the shadow bitmap won't cover
	// it, so the diff pass must flag every one of its blocks.
	tx := v.StartTransaction()
	run, err := v.Allocator().Allocate(tx, alloc.PlacementHint{Group: 0}, 4, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := tx.Done(true); err != nil {
		t.Fatal(err)
	}

	res, err := NewChecker(v).Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(res.Errors()); got < int(run.Length) {
		t.Fatalf("leaked %d blocks but checker reported %d errors", run.Length, got)
	}
}

func TestFixBitmapErrorsReclaimsLeakedBlocks(t *testing.T) {
	v := newPopulatedVolume(t)

	tx := v.StartTransaction()
	run, err := v.Allocator().Allocate(tx, alloc.PlacementHint{Group: 0}, 6, 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := tx.Done(true); err != nil {
		t.Fatal(err)
	}

	c := NewChecker(v)
	cb := NewControlBlock()
	cb.Flags |= FlagFixErrors
	c.SetControl(cb)
	res, err := c.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.BitmapFixes < int(run.Length) {
		t.Fatalf("repaired %d bitmap bits, want at least %d", res.BitmapFixes, run.Length)
	}

	// A second, check-only pass over the repaired volume must be clean.
	res2, err := NewChecker(v).Run()
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if errs := res2.Errors(); len(errs) != 0 {
		t.Fatalf("volume still inconsistent after repair, first: %s", errs[0])
	}
}

func TestRebuildsCorruptedIndex(t *testing.T) {
	v := newPopulatedVolume(t)
	ix, ok := v.Indices().Lookup("name")
	if !ok {
		t.Fatal("name index missing")
	}

	// Scribble over the index's root node: Validate must flag the tree
	// and the second pass must rebuild it from the namespace walk.
	garbage := make([]byte, 1024)
	for i := range garbage {
		garbage[i] = 0xa5
	}
	tx := v.StartTransaction()
	if _, err := ix.Inode().WriteAt(tx, garbage, 1024); err != nil {
		t.Fatalf("corrupting index: %v", err)
	}
	if err := tx.Done(true); err != nil {
		t.Fatal(err)
	}

	res, err := NewChecker(v).Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	found := false
	for _, name := range res.IndicesRebuilt {
		if name == "name" {
			found = true
		}
	}
	if !found {
		t.Fatalf("IndicesRebuilt = %v, want it to include name", res.IndicesRebuilt)
	}

	// The rebuilt index must answer queries again.
	got, err := v.RunQuery(`name == "file03"`)
	if err != nil {
		t.Fatalf("query after rebuild: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("query after rebuild returned %d ids, want 1", len(got))
	}
}
