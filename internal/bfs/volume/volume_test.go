package volume

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/cache"
	"github.com/distr1/bfs/internal/bfs/ondisk"
	"github.com/distr1/bfs/internal/bfs/query"
)

// fakeClock hands out monotonically increasing seconds so tests get
// deterministic (but still strictly advancing) timestamps.
type fakeClock struct{ sec int64 }

func (c *fakeClock) Now() int64 {
	c.sec++
	return c.sec
}

func newTestVolume(t *testing.T, blockSize uint32, numBlocks uint64) (*Volume, *cache.MemDevice) {
	t.Helper()
	dev := cache.NewMemDevice(blockSize, numBlocks)
	v, err := Initialize(dev, "TestVol", Options{Clock: &fakeClock{}})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return v, dev
}

func TestInitializeMountRoundTrip(t *testing.T) {
	v, dev := newTestVolume(t, 2048, 4096)
	if got := v.Name(); got != "TestVol" {
		t.Fatalf("Name = %q, want %q", got, "TestVol")
	}
	if err := v.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	v2, err := Open(dev, Options{Clock: &fakeClock{}})
	if err != nil {
		t.Fatalf("Open after Unmount: %v", err)
	}
	if got := v2.Name(); got != "TestVol" {
		t.Fatalf("Name after reopen = %q, want %q", got, "TestVol")
	}
	entries, err := v2.ReadDir(v2.RootID())
	if err != nil {
		t.Fatalf("ReadDir(root): %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("fresh root contains %d entries, want 0: %+v", len(entries), entries)
	}
	if err := v2.Unmount(); err != nil {
		t.Fatalf("second Unmount: %v", err)
	}
	// mount(unmount(FS)) == FS: a third open must see the same state.
	if _, err := Open(dev, Options{Clock: &fakeClock{}}); err != nil {
		t.Fatalf("third Open: %v", err)
	}
}

func TestFileLifecycle(t *testing.T) {
	v, _ := newTestVolume(t, 2048, 4096)

	id, err := v.CreateFile(v.RootID(), "hello", 0, 0)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	payload := []byte("hello world")
	if _, err := v.WriteFile(id, payload, 0); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	buf := make([]byte, len(payload))
	if _, err := v.ReadFile(id, buf, 0); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("ReadFile = %q, want %q", buf, payload)
	}

	st, err := v.Stat(id)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size != int64(len(payload)) {
		t.Fatalf("Size = %d, want %d", st.Size, len(payload))
	}
	if st.LastModifiedTime <= st.CreateTime {
		t.Fatalf("last-modified (%d) did not advance past creation (%d)", st.LastModifiedTime, st.CreateTime)
	}

	got, err := v.RunQuery(`name == "hello"`)
	if err != nil {
		t.Fatalf("name query: %v", err)
	}
	if diff := cmp.Diff([]uint64{id}, got); diff != "" {
		t.Fatalf("name query diff (-want +got):\n%s", diff)
	}
	got, err = v.RunQuery(fmt.Sprintf("size == %d", len(payload)))
	if err != nil {
		t.Fatalf("size query: %v", err)
	}
	if diff := cmp.Diff([]uint64{id}, got); diff != "" {
		t.Fatalf("size query diff (-want +got):\n%s", diff)
	}

	if err := v.Remove(v.RootID(), "hello"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := v.Lookup(v.RootID(), "hello"); !bfserr.Is(err, bfserr.EntryNotFound) {
		t.Fatalf("Lookup after Remove = %v, want EntryNotFound", err)
	}
	got, err = v.RunQuery(`name == "hello"`)
	if err != nil {
		t.Fatalf("name query after Remove: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("name query after Remove returned %v, want none", got)
	}
	got, err = v.RunQuery(fmt.Sprintf("size == %d", len(payload)))
	if err != nil {
		t.Fatalf("size query after Remove: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("size query after Remove returned %v, want none", got)
	}
}

func TestCrossTierGrowthSurvivesRemount(t *testing.T) {
	// 1024-byte blocks keep the direct tier small enough that a few MB
	// of stream data exercises the indirect tiers.
	v, dev := newTestVolume(t, 1024, 16384)

	id, err := v.CreateFile(v.RootID(), "big", 0, 0)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	const size = 4 << 20
	if err := v.Truncate(id, size); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	marker := []byte("end-of-stream-marker")
	if _, err := v.WriteFile(id, marker, size-int64(len(marker))); err != nil {
		t.Fatalf("WriteFile at tail: %v", err)
	}
	if err := v.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	v2, err := Open(dev, Options{Clock: &fakeClock{}})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	id2, err := v2.Lookup(v2.RootID(), "big")
	if err != nil {
		t.Fatalf("Lookup(big): %v", err)
	}
	st, err := v2.Stat(id2)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size != size {
		t.Fatalf("size after remount = %d, want %d", st.Size, size)
	}
	got := make([]byte, len(marker))
	if _, err := v2.ReadFile(id2, got, size-int64(len(marker))); err != nil {
		t.Fatalf("ReadFile at tail: %v", err)
	}
	if !bytes.Equal(got, marker) {
		t.Fatalf("tail = %q, want %q", got, marker)
	}
}

func TestUserIndexDuplicatesAndQuery(t *testing.T) {
	v, _ := newTestVolume(t, 2048, 8192)

	if err := v.CreateIndex("tag", ondisk.KeyTypeString, 0); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := v.CreateIndex("tag", ondisk.KeyTypeString, 0); !bfserr.Is(err, bfserr.FileExists) {
		t.Fatalf("second CreateIndex = %v, want FileExists", err)
	}
	if err := v.CreateIndex("other", ondisk.KeyTypeString, 1000); !bfserr.Is(err, bfserr.NotAllowed) {
		t.Fatalf("unprivileged CreateIndex = %v, want NotAllowed", err)
	}

	const n = 300
	ids := make(map[string]uint64, n)
	var names []string
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("f%03d", i)
		id, err := v.CreateFile(v.RootID(), name, 0, 0)
		if err != nil {
			t.Fatalf("CreateFile(%s): %v", name, err)
		}
		if err := v.SetAttribute(id, "tag", 0, []byte("same")); err != nil {
			t.Fatalf("SetAttribute(%s): %v", name, err)
		}
		ids[name] = id
		names = append(names, name)
	}

	got, err := v.RunQuery(`tag == "same"`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != n {
		t.Fatalf("query returned %d ids, want %d", len(got), n)
	}

	// Delete half at random; the survivors must be exactly what the
	// query returns afterwards.
	rng := rand.New(rand.NewSource(4))
	rng.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })
	for _, name := range names[:n/2] {
		if err := v.Remove(v.RootID(), name); err != nil {
			t.Fatalf("Remove(%s): %v", name, err)
		}
	}
	var want []uint64
	for _, name := range names[n/2:] {
		want = append(want, ids[name])
	}
	got, err = v.RunQuery(`tag == "same"`)
	if err != nil {
		t.Fatalf("query after removal: %v", err)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("survivors diff (-want +got):\n%s", diff)
	}
}

func TestRename(t *testing.T) {
	v, _ := newTestVolume(t, 2048, 4096)

	dirID, err := v.CreateDir(v.RootID(), "sub", 0, 0)
	if err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	id, err := v.CreateFile(v.RootID(), "a", 0, 0)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	if err := v.Rename(v.RootID(), "a", v.RootID(), "b"); err != nil {
		t.Fatalf("Rename in place: %v", err)
	}
	if _, err := v.Lookup(v.RootID(), "a"); !bfserr.Is(err, bfserr.EntryNotFound) {
		t.Fatalf("old name still resolves: %v", err)
	}
	if got, err := v.Lookup(v.RootID(), "b"); err != nil || got != id {
		t.Fatalf("Lookup(b) = %d, %v; want %d", got, err, id)
	}

	if err := v.Rename(v.RootID(), "b", dirID, "c"); err != nil {
		t.Fatalf("Rename across directories: %v", err)
	}
	if got, err := v.Lookup(dirID, "c"); err != nil || got != id {
		t.Fatalf("Lookup(sub/c) = %d, %v; want %d", got, err, id)
	}

	// The name index must track the rename.
	got, err := v.RunQuery(`name == "c"`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if diff := cmp.Diff([]uint64{id}, got); diff != "" {
		t.Fatalf("name query diff (-want +got):\n%s", diff)
	}
}

func TestRemoveRefusesNonEmptyDirectory(t *testing.T) {
	v, _ := newTestVolume(t, 2048, 4096)
	dirID, err := v.CreateDir(v.RootID(), "d", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.CreateFile(dirID, "child", 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := v.Remove(v.RootID(), "d"); !bfserr.Is(err, bfserr.DirectoryNotEmpty) {
		t.Fatalf("Remove(non-empty dir) = %v, want DirectoryNotEmpty", err)
	}
	if err := v.Remove(dirID, "child"); err != nil {
		t.Fatal(err)
	}
	if err := v.Remove(v.RootID(), "d"); err != nil {
		t.Fatalf("Remove(emptied dir): %v", err)
	}
}

func TestSymlink(t *testing.T) {
	v, _ := newTestVolume(t, 2048, 4096)
	id, err := v.CreateSymlink(v.RootID(), "link", "/target/path", 0, 0)
	if err != nil {
		t.Fatalf("CreateSymlink: %v", err)
	}
	target, err := v.ReadSymlink(id)
	if err != nil {
		t.Fatalf("ReadSymlink: %v", err)
	}
	if target != "/target/path" {
		t.Fatalf("target = %q, want %q", target, "/target/path")
	}
}

func TestAttributePromotionRoundTrip(t *testing.T) {
	v, _ := newTestVolume(t, 2048, 4096)
	id, err := v.CreateFile(v.RootID(), "f", 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	small := []byte("small value")
	if err := v.SetAttribute(id, "note", 0, small); err != nil {
		t.Fatalf("SetAttribute(small): %v", err)
	}
	_, got, ok, err := v.GetAttribute(id, "note")
	if err != nil || !ok || !bytes.Equal(got, small) {
		t.Fatalf("GetAttribute(small) = %q, %v, %v", got, ok, err)
	}

	// Larger than the inode's small-data area: must spill into a real
	// attribute file and still read back identically.
	big := bytes.Repeat([]byte("0123456789abcdef"), 512)
	if err := v.SetAttribute(id, "blob", 0, big); err != nil {
		t.Fatalf("SetAttribute(big): %v", err)
	}
	_, got, ok, err = v.GetAttribute(id, "blob")
	if err != nil || !ok || !bytes.Equal(got, big) {
		t.Fatalf("GetAttribute(big): len=%d ok=%v err=%v, want len=%d", len(got), ok, err, len(big))
	}

	attrs, err := v.ListAttributes(id)
	if err != nil {
		t.Fatalf("ListAttributes: %v", err)
	}
	seen := map[string]bool{}
	for _, a := range attrs {
		seen[a] = true
	}
	if !seen["note"] || !seen["blob"] {
		t.Fatalf("ListAttributes = %v, want note and blob", attrs)
	}

	if err := v.DeleteAttribute(id, "blob"); err != nil {
		t.Fatalf("DeleteAttribute: %v", err)
	}
	if _, _, ok, _ := v.GetAttribute(id, "blob"); ok {
		t.Fatal("blob still present after DeleteAttribute")
	}
	if err := v.DeleteAttribute(id, "blob"); !bfserr.Is(err, bfserr.EntryNotFound) {
		t.Fatalf("second DeleteAttribute = %v, want EntryNotFound", err)
	}
}

func TestLiveQuery(t *testing.T) {
	v, _ := newTestVolume(t, 2048, 4096)

	lq, err := v.OpenLiveQuery(`name == "match"`, 8)
	if err != nil {
		t.Fatalf("OpenLiveQuery: %v", err)
	}
	defer lq.Close()

	mustRecv := func(wantOp query.EventOp, wantID uint64) {
		t.Helper()
		select {
		case n := <-lq.Notifications():
			if n.Op != wantOp || n.InodeID != wantID {
				t.Fatalf("notification = {%v %d}, want {%v %d}", n.Op, n.InodeID, wantOp, wantID)
			}
		default:
			t.Fatal("no notification pending")
		}
	}
	mustNotRecv := func() {
		t.Helper()
		select {
		case n := <-lq.Notifications():
			t.Fatalf("unexpected notification %+v", n)
		default:
		}
	}

	id, err := v.CreateFile(v.RootID(), "match", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	mustRecv(query.EventAdded, id)
	mustNotRecv()

	if err := v.Rename(v.RootID(), "match", v.RootID(), "nomatch"); err != nil {
		t.Fatal(err)
	}
	mustRecv(query.EventRemoved, id)
	mustNotRecv()

	if err := v.Rename(v.RootID(), "nomatch", v.RootID(), "match"); err != nil {
		t.Fatal(err)
	}
	mustRecv(query.EventAdded, id)
	mustNotRecv()
}

func TestReadOnlyVolumeRejectsWrites(t *testing.T) {
	v, dev := newTestVolume(t, 2048, 4096)
	if _, err := v.CreateFile(v.RootID(), "f", 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := v.Unmount(); err != nil {
		t.Fatal(err)
	}

	ro, err := Open(dev, Options{ReadOnly: true, Clock: &fakeClock{}})
	if err != nil {
		t.Fatalf("read-only Open: %v", err)
	}
	if _, err := ro.CreateFile(ro.RootID(), "g", 0, 0); !bfserr.Is(err, bfserr.ReadOnlyDevice) {
		t.Fatalf("CreateFile on read-only volume = %v, want ReadOnlyDevice", err)
	}
	if err := ro.Remove(ro.RootID(), "f"); !bfserr.Is(err, bfserr.ReadOnlyDevice) {
		t.Fatalf("Remove on read-only volume = %v, want ReadOnlyDevice", err)
	}
	if _, err := ro.Lookup(ro.RootID(), "f"); err != nil {
		t.Fatalf("Lookup on read-only volume: %v", err)
	}
}

func TestReopenWithoutUnmountReplays(t *testing.T) {
	v, dev := newTestVolume(t, 2048, 4096)
	id, err := v.CreateFile(v.RootID(), "survivor", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.WriteFile(id, []byte("durable"), 0); err != nil {
		t.Fatal(err)
	}

	// No Unmount: this is the crash. Reopening runs journal replay
	// against whatever the log recorded; replaying must be idempotent
	// with the already-written-through state.
	v2, err := Open(dev, Options{Clock: &fakeClock{}})
	if err != nil {
		t.Fatalf("Open after simulated crash: %v", err)
	}
	id2, err := v2.Lookup(v2.RootID(), "survivor")
	if err != nil {
		t.Fatalf("Lookup after replay: %v", err)
	}
	buf := make([]byte, 7)
	if _, err := v2.ReadFile(id2, buf, 0); err != nil {
		t.Fatalf("ReadFile after replay: %v", err)
	}
	if string(buf) != "durable" {
		t.Fatalf("content after replay = %q, want %q", buf, "durable")
	}
}
