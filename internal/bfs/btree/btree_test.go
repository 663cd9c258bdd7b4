package btree

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/distr1/bfs/internal/bfs/journal"
	"github.com/distr1/bfs/internal/bfs/ondisk"
)

// memStream is an in-memory Stream, standing in for the inode data
// stream that backs a real tree.
type memStream struct {
	buf []byte
}

func (s *memStream) ReadAt(p []byte, pos int64) (int, error) {
	if pos >= int64(len(s.buf)) {
		return 0, fmt.Errorf("read at %d past end %d", pos, len(s.buf))
	}
	return copy(p, s.buf[pos:]), nil
}

func (s *memStream) WriteAt(tx *journal.Transaction, p []byte, pos int64) (int, error) {
	if end := pos + int64(len(p)); end > int64(len(s.buf)) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	return copy(s.buf[pos:], p), nil
}

func (s *memStream) SetFileSize(tx *journal.Transaction, n int64) error {
	if n <= int64(len(s.buf)) {
		s.buf = s.buf[:n]
		return nil
	}
	grown := make([]byte, n)
	copy(grown, s.buf)
	s.buf = grown
	return nil
}

func (s *memStream) Size() int64 { return int64(len(s.buf)) }

func newStringTree(t *testing.T) *Tree {
	t.Helper()
	tree, err := Create(nil, &memStream{}, binary.LittleEndian, ondisk.KeyTypeString)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tree
}

func mustValidate(t *testing.T, tree *Tree) {
	t.Helper()
	rep, err := tree.Validate(ValidateOptions{})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(rep.Errors) > 0 {
		t.Fatalf("Validate found %d errors, first: %s", len(rep.Errors), rep.Errors[0])
	}
}

func TestInsertFindRemove(t *testing.T) {
	tree := newStringTree(t)

	const n = 100
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		if err := tree.Insert(nil, key, int64(1000+i), false); err != nil {
			t.Fatalf("Insert(%s): %v", key, err)
		}
	}
	mustValidate(t, tree)

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		v, ok, err := tree.Find(key)
		if err != nil || !ok {
			t.Fatalf("Find(%s): ok=%v err=%v", key, ok, err)
		}
		if v != int64(1000+i) {
			t.Fatalf("Find(%s) = %d, want %d", key, v, 1000+i)
		}
	}

	if _, ok, err := tree.Find([]byte("nope")); err != nil || ok {
		t.Fatalf("Find(nope): ok=%v err=%v, want absent", ok, err)
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		if err := tree.Remove(nil, key, int64(1000+i)); err != nil {
			t.Fatalf("Remove(%s): %v", key, err)
		}
	}
	mustValidate(t, tree)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		if _, ok, _ := tree.Find(key); ok {
			t.Fatalf("Find(%s) still present after Remove", key)
		}
	}
}

func TestDuplicateKeyRejectedWithoutAllowDuplicates(t *testing.T) {
	tree := newStringTree(t)
	if err := tree.Insert(nil, []byte("dup"), 1, false); err != nil {
		t.Fatal(err)
	}
	if err := tree.Insert(nil, []byte("dup"), 2, false); err == nil {
		t.Fatal("second Insert of the same key should fail on a duplicate-free tree")
	}
}

func TestRootSplitAndOrderedTraversal(t *testing.T) {
	tree := newStringTree(t)

	// Enough keys to force several levels of splits at 1024-byte nodes.
	var want []string
	for i := 0; i < 500; i++ {
		want = append(want, fmt.Sprintf("entry-%04d", i))
	}
	ins := append([]string(nil), want...)
	rand.New(rand.NewSource(1)).Shuffle(len(ins), func(i, j int) { ins[i], ins[j] = ins[j], ins[i] })
	for i, k := range ins {
		if err := tree.Insert(nil, []byte(k), int64(i), false); err != nil {
			t.Fatalf("Insert(%s): %v", k, err)
		}
	}
	mustValidate(t, tree)

	it := tree.NewIterator(Forward)
	defer it.Close()
	var got []string
	for {
		k, _, _, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("traversal returned %d keys, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("traversal[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBackwardTraversal(t *testing.T) {
	tree := newStringTree(t)
	for i := 0; i < 50; i++ {
		if err := tree.Insert(nil, []byte(fmt.Sprintf("k%02d", i)), int64(i), false); err != nil {
			t.Fatal(err)
		}
	}
	it := tree.NewIterator(Backward)
	defer it.Close()
	prev := ""
	count := 0
	for {
		k, _, _, ok, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		if prev != "" && string(k) >= prev {
			t.Fatalf("backward traversal not descending: %q after %q", k, prev)
		}
		prev = string(k)
		count++
	}
	if count != 50 {
		t.Fatalf("backward traversal returned %d keys, want 50", count)
	}
}

func TestStringKeyTrailingNulIgnored(t *testing.T) {
	tree := newStringTree(t)
	if err := tree.Insert(nil, []byte("name"), 7, false); err != nil {
		t.Fatal(err)
	}
	v, ok, err := tree.Find([]byte("name\x00"))
	if err != nil || !ok || v != 7 {
		t.Fatalf("Find(name NUL) = %d, %v, %v; want 7, true, nil", v, ok, err)
	}
	// And the other way around: a stored trailing NUL must not hide the
	// entry from a clean lookup.
	if err := tree.Insert(nil, []byte("other\x00"), 8, false); err != nil {
		t.Fatal(err)
	}
	v, ok, err = tree.Find([]byte("other"))
	if err != nil || !ok || v != 8 {
		t.Fatalf("Find(other) = %d, %v, %v; want 8, true, nil", v, ok, err)
	}
}

func TestDeleteToEmptyRootCollapses(t *testing.T) {
	tree := newStringTree(t)
	keys := make([]string, 300)
	for i := range keys {
		keys[i] = fmt.Sprintf("victim-%04d", i)
		if err := tree.Insert(nil, []byte(keys[i]), int64(i), false); err != nil {
			t.Fatal(err)
		}
	}
	for i, k := range keys {
		if err := tree.Remove(nil, []byte(k), int64(i)); err != nil {
			t.Fatalf("Remove(%s): %v", k, err)
		}
	}
	mustValidate(t, tree)

	it := tree.NewIterator(Forward)
	_, _, _, ok, err := it.Next()
	it.Close()
	if err != nil || ok {
		t.Fatalf("emptied tree still yields entries (ok=%v err=%v)", ok, err)
	}

	// The collapsed tree must accept inserts again, reusing freed nodes.
	if err := tree.Insert(nil, []byte("reborn"), 42, false); err != nil {
		t.Fatalf("Insert after collapse: %v", err)
	}
	v, ok, _ := tree.Find([]byte("reborn"))
	if !ok || v != 42 {
		t.Fatalf("Find(reborn) = %d, %v", v, ok)
	}
}

// collectValues expands key's duplicate chain via a fresh iterator.
func collectValues(t *testing.T, tree *Tree, key string) []int64 {
	t.Helper()
	it := tree.NewIterator(Forward)
	defer it.Close()
	var out []int64
	for {
		k, v, _, ok, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		if string(k) == key {
			out = append(out, v)
		}
	}
	return out
}

func TestDuplicateGrowthAndShrinkage(t *testing.T) {
	// Crosses both duplicate-storage boundaries: 7 values in a shared
	// fragment, then a dedicated duplicate node (maxDupValues, 124
	// values), then a chained second node, which n=125 already needs.
	for _, n := range []int{2, 7, 8, 125, 126, 300} {
		n := n
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			tree := newStringTree(t)
			for i := 0; i < n; i++ {
				if err := tree.Insert(nil, []byte("tag"), int64(i+1), true); err != nil {
					t.Fatalf("Insert dup %d: %v", i, err)
				}
			}
			vals := collectValues(t, tree, "tag")
			if len(vals) != n {
				t.Fatalf("duplicate chain holds %d values, want %d", len(vals), n)
			}
			seen := map[int64]bool{}
			for _, v := range vals {
				seen[v] = true
			}
			if len(seen) != n {
				t.Fatalf("duplicate chain returned repeated values: %d distinct of %d", len(seen), n)
			}
			mustValidate(t, tree)

			// Remove every second value; the chain must shrink without
			// losing the survivors (demotion back to a fragment included).
			removed := 0
			for i := 0; i < n; i += 2 {
				if err := tree.Remove(nil, []byte("tag"), int64(i+1)); err != nil {
					t.Fatalf("Remove dup %d: %v", i, err)
				}
				removed++
			}
			vals = collectValues(t, tree, "tag")
			if len(vals) != n-removed {
				t.Fatalf("after removal chain holds %d values, want %d", len(vals), n-removed)
			}
			mustValidate(t, tree)
		})
	}
}

func TestInt64Keys(t *testing.T) {
	tree, err := Create(nil, &memStream{}, binary.LittleEndian, ondisk.KeyTypeInt64)
	if err != nil {
		t.Fatal(err)
	}
	key := func(v int64) []byte {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(v))
		return buf
	}
	sizes := []int64{0, 11, 1024, 65536, 1 << 40}
	for i, s := range sizes {
		if err := tree.Insert(nil, key(s), int64(100+i), false); err != nil {
			t.Fatal(err)
		}
	}
	it := tree.NewIterator(Forward)
	defer it.Close()
	var got []int64
	for {
		k, _, _, ok, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, int64(binary.LittleEndian.Uint64(k)))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("int64 keys not ascending: %v", got)
		}
	}
	if len(got) != len(sizes) {
		t.Fatalf("traversal returned %d keys, want %d", len(got), len(sizes))
	}
}

func TestReplace(t *testing.T) {
	tree := newStringTree(t)
	if err := tree.Insert(nil, []byte("k"), 1, false); err != nil {
		t.Fatal(err)
	}
	if err := tree.Replace(nil, []byte("k"), 2); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	v, ok, _ := tree.Find([]byte("k"))
	if !ok || v != 2 {
		t.Fatalf("Find after Replace = %d, %v; want 2, true", v, ok)
	}
}

func TestIteratorSurvivesConcurrentInsert(t *testing.T) {
	tree := newStringTree(t)
	for i := 0; i < 20; i++ {
		if err := tree.Insert(nil, []byte(fmt.Sprintf("s%02d", i)), int64(i), false); err != nil {
			t.Fatal(err)
		}
	}

	it := tree.NewIterator(Forward)
	defer it.Close()
	var got []string
	for i := 0; i < 10; i++ {
		k, _, _, ok, err := it.Next()
		if err != nil || !ok {
			t.Fatalf("Next %d: ok=%v err=%v", i, ok, err)
		}
		got = append(got, string(k))
	}

	// Insert ahead of and behind the iterator's position mid-traversal;
	// the live-iterator patching must keep the logical position stable.
	if err := tree.Insert(nil, []byte("s00a"), 100, false); err != nil {
		t.Fatal(err)
	}
	if err := tree.Insert(nil, []byte("s15a"), 101, false); err != nil {
		t.Fatal(err)
	}

	for {
		k, _, _, ok, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	// All 20 original keys must appear exactly once, in order; the key
	// inserted ahead ("s15a") is picked up, the one behind is not.
	want := map[string]bool{}
	for i := 0; i < 20; i++ {
		want[fmt.Sprintf("s%02d", i)] = true
	}
	want["s15a"] = true
	seen := map[string]bool{}
	for _, k := range got {
		if seen[k] {
			t.Fatalf("key %q returned twice", k)
		}
		seen[k] = true
	}
	for k := range want {
		if !seen[k] {
			t.Fatalf("key %q missing from traversal", k)
		}
	}
}
