package btree

import (
	"fmt"

	"github.com/distr1/bfs/internal/bfs/ondisk"
	"github.com/distr1/bfs/internal/trace"
)

// ValidateOptions customizes Validate's leaf-value check: fsck (package
// fsck) supplies IsValidValue so the tree doesn't need to know anything
// about inodes.
type ValidateOptions struct {
	IsValidValue func(value int64) bool
}

// Report collects everything Validate found wrong. An empty Errors slice
// means the tree is internally consistent.
type Report struct {
	NodesVisited int
	Errors       []string
}

func (r *Report) fail(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Validate recursively descends the tree, maintaining a visited-node set:
// it verifies key ordering against each parent's bounding key, validates
// every leaf value through opts.IsValidValue, checks duplicate-chain
// integrity, and finally walks the free-node list ensuring no block is both
// reachable and free.
func (t *Tree) Validate(opts ValidateOptions) (*Report, error) {
	ev := trace.Event("btree.Validate", 0)
	defer ev.Done()

	t.mu.Lock()
	defer t.mu.Unlock()

	rep := &Report{}
	visited := map[int64]bool{}

	var walk func(offset int64, bound []byte, hasBound bool, depth int) error
	walk = func(offset int64, bound []byte, hasBound bool, depth int) error {
		if depth > int(t.hdr.MaxNumberOfLevels)+1 {
			rep.fail("node %d: depth exceeds max_number_of_levels", offset)
			return nil
		}
		if visited[offset] {
			rep.fail("node %d: reachable from more than one parent", offset)
			return nil
		}
		visited[offset] = true
		rep.NodesVisited++

		n, err := t.readNode(offset)
		if err != nil {
			rep.fail("node %d: unreadable: %v", offset, err)
			return nil
		}

		var prev []byte
		havePrev := false
		for i, k := range n.keys {
			if havePrev && t.compareKeys(prev, k) >= 0 {
				rep.fail("node %d: key %d not strictly greater than previous", offset, i)
			}
			prev, havePrev = k, true
			if hasBound && t.compareKeys(k, bound) > 0 {
				rep.fail("node %d: key %d exceeds parent bounding key", offset, i)
			}
		}

		if n.isLeaf() {
			for i, v := range n.values {
				if tagOf(v) == ondisk.TagInline {
					if opts.IsValidValue != nil && !opts.IsValidValue(v) {
						rep.fail("node %d: leaf value %d at key %d does not reference a live inode", offset, v, i)
					}
					continue
				}
				t.validateDuplicateChain(v, rep, opts)
			}
			return nil
		}

		for i, v := range n.values {
			if err := walk(v, n.keys[i], true, depth+1); err != nil {
				return err
			}
		}
		return walk(n.hdr.OverflowLink, nil, false, depth+1)
	}

	if err := walk(t.hdr.RootNodeOffset, nil, false, 0); err != nil {
		return nil, err
	}

	freeSeen := map[int64]bool{}
	for off := t.hdr.FreeNodeOffset; off != ondisk.LinkNull; {
		if freeSeen[off] {
			rep.fail("free-node list: cycle at node %d", off)
			break
		}
		freeSeen[off] = true
		if visited[off] {
			rep.fail("node %d: both reachable and on the free-node list", off)
		}
		n, err := t.readNode(off)
		if err != nil {
			return nil, err
		}
		if n.hdr.OverflowLink != ondisk.LinkFree {
			rep.fail("node %d: on free-node list but overflow-link isn't FREE", off)
		}
		off = n.hdr.LeftLink
	}

	return rep, nil
}

// validateDuplicateChain checks a fragment/duplicate-node chain's values are
// strictly ascending and, when they reference inodes, live.
func (t *Tree) validateDuplicateChain(tagged int64, rep *Report, opts ValidateOptions) {
	vals, err := t.duplicateValues(tagged)
	if err != nil {
		rep.fail("duplicate chain at %d: %v", tagged, err)
		return
	}
	if len(vals) < 2 {
		rep.fail("duplicate chain at %d: fewer than 2 values", tagged)
	}
	for i, v := range vals {
		if i > 0 && vals[i-1] >= v {
			rep.fail("duplicate chain at %d: values not strictly ascending", tagged)
		}
		if opts.IsValidValue != nil && !opts.IsValidValue(v) {
			rep.fail("duplicate chain at %d: value %d does not reference a live inode", tagged, v)
		}
	}
}
