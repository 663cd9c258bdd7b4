// Package fsck implements BFS's two-pass consistency checker: a bitmap pass
// that walks every reachable inode from the root and indices directories,
// marking its blocks in a shadow bitmap and validating every B+tree it owns,
// followed by an index rebuild pass that repopulates any index flagged
// inconsistent.
//
// Independent subtrees and allocation groups are checked concurrently via
// errgroup; only indices that failed validation are rebuilt.
package fsck

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/distr1/bfs/internal/bfs/alloc"
	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/btree"
	"github.com/distr1/bfs/internal/bfs/index"
	"github.com/distr1/bfs/internal/bfs/inode"
	"github.com/distr1/bfs/internal/bfs/journal"
	"github.com/distr1/bfs/internal/bfs/ondisk"
)

// Volume is the narrow slice of volume state the checker needs. Package
// volume implements it.
type Volume interface {
	inode.Volume

	RootDir() ondisk.BlockRun
	IndicesDir() ondisk.BlockRun
	LogExtent() ondisk.BlockRun
	NumBlocks() uint64
	AllocationGroups() int32
	Indices() *index.Manager
	ReadOnly() bool

	// StartTransaction begins a transaction the rebuild pass can log its writes
	// into; checking alone (no rebuild needed) never calls it.
	StartTransaction() *journal.Transaction
}

// Report collects every inconsistency Validate/Run found. An empty Errors
// slice means the volume is internally consistent.
type Report struct {
	mu   sync.Mutex
	errs []string
}

func (r *Report) fail(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, fmt.Sprintf(format, args...))
}

func (r *Report) merge(errs []string) {
	if len(errs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, errs...)
}

// Errors returns every inconsistency found, in no particular order across
// concurrently-checked subtrees.
func (r *Report) Errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errs...)
}

// GroupHealth summarizes one allocation group's free-space state.
type GroupHealth struct {
	Group      int32
	FreeBlocks int64
}

// Result is Run's full outcome.
type Result struct {
	*Report
	IndicesRebuilt []string
	BitmapFixes    int
	GroupHealth    []GroupHealth
	// FreeBlocksMean/FreeBlocksStdDev summarize GroupHealth across every
	// allocation group: a group many standard deviations below the mean is
	// running low relative to its peers even if it isn't yet full.
	FreeBlocksMean   float64
	FreeBlocksStdDev float64
}

// liveEntry is one namespace entry discovered during the bitmap pass, kept
// around so the rebuild pass doesn't need a second namespace walk.
type liveEntry struct {
	id           uint64
	name         string
	mode         uint32
	size         int64
	lastModified int64
}

// Checker runs both passes against one mounted (or freshly-opened,
// pre-mount) Volume.
type Checker struct {
	vol Volume

	mu      sync.Mutex
	entries []liveEntry

	control *ControlBlock
}

// NewChecker binds a Checker to vol.
func NewChecker(vol Volume) *Checker {
	return &Checker{vol: vol}
}

// SetControl attaches a ControlBlock Run keeps updated as it progresses, so
// a concurrent reader (cmd/bfsck's progress display, an ioctl caller) can
// observe which pass is running.
func (c *Checker) SetControl(cb *ControlBlock) { c.control = cb }

func (c *Checker) setStatus(s ControlStatus) {
	if c.control != nil {
		c.control.Status = s
	}
}

func (c *Checker) addEntry(e liveEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *Checker) order() binary.ByteOrder { return c.vol.Endian().Order() }

func (c *Checker) isValidInodeBlock(v int64) bool {
	if v <= 0 {
		return false
	}
	return uint64(v) < c.vol.NumBlocks()
}

// Run executes both passes and returns the combined result.
func (c *Checker) Run() (*Result, error) {
	c.setStatus(StatusBitmapPass)
	rep := &Report{}
	cb := alloc.NewCheckBitmap(c.vol.NumBlocks())

	// Block 0 (boot block + superblock), every group's bitmap blocks and the
	// journal's log extent are always in use but owned by no inode.
	cb.Mark(0)
	for _, run := range c.vol.Allocator().BitmapExtents() {
		c.markRun(cb, rep, run)
	}
	c.markRun(cb, rep, c.vol.LogExtent())

	if root := c.vol.RootDir(); root.IsZero() {
		rep.fail("root directory block-run is unset")
	} else if err := c.walkDirectory(cb, rep, root, ""); err != nil {
		return nil, err
	}

	broken, err := c.checkIndices(cb, rep)
	if err != nil {
		return nil, err
	}

	type bitmapFix struct {
		block uint64
		used  bool
	}
	var fixes []bitmapFix
	var fixesMu sync.Mutex
	if err := c.vol.Allocator().DiffAgainst(cb, func(block uint64, onDisk, shadow bool) {
		rep.fail("block %d: on-disk used=%v, reachable=%v (leaked or cross-linked block)", block, onDisk, shadow)
		fixesMu.Lock()
		fixes = append(fixes, bitmapFix{block: block, used: shadow})
		fixesMu.Unlock()
	}); err != nil {
		return nil, err
	}

	// With bitmap repair requested, the reachability walk is
	// authoritative: rewrite every disagreeing bit, at most 512 blocks
	// per transaction so one repair can't blow the log.
	fixBitmap := c.control != nil && c.control.Flags&FlagFixErrors != 0 && !c.vol.ReadOnly()
	if fixBitmap {
		for start := 0; start < len(fixes); start += 512 {
			end := start + 512
			if end > len(fixes) {
				end = len(fixes)
			}
			tx := c.vol.StartTransaction()
			for _, f := range fixes[start:end] {
				if err := c.vol.Allocator().CorrectBitmap(tx, f.block, f.used); err != nil {
					tx.Done(false)
					return nil, err
				}
			}
			if err := tx.Done(true); err != nil {
				return nil, err
			}
		}
	}

	c.setStatus(StatusIndexRebuildPass)
	var rebuilt []string
	if !c.vol.ReadOnly() {
		rebuilt, err = c.rebuildIndices(broken)
		if err != nil {
			return nil, err
		}
	} else if len(broken) > 0 {
		rep.fail("volume is read-only, leaving %d broken indices unrepaired", len(broken))
	}
	c.setStatus(StatusDone)
	if c.control != nil {
		c.control.ErrorCount = int32(len(rep.Errors()))
	}

	health := c.groupHealth()
	var free []float64
	for _, h := range health {
		free = append(free, float64(h.FreeBlocks))
	}
	var mean, stddev float64
	if len(free) > 0 {
		mean = stat.Mean(free, nil)
		stddev = stat.StdDev(free, nil)
	}

	bitmapFixes := 0
	if fixBitmap {
		bitmapFixes = len(fixes)
	}
	return &Result{
		Report:           rep,
		IndicesRebuilt:   rebuilt,
		BitmapFixes:      bitmapFixes,
		GroupHealth:      health,
		FreeBlocksMean:   mean,
		FreeBlocksStdDev: stddev,
	}, nil
}

func (c *Checker) groupHealth() []GroupHealth {
	free := c.vol.Allocator().GroupFreeBlocks()
	out := make([]GroupHealth, len(free))
	for i, f := range free {
		out[i] = GroupHealth{Group: int32(i), FreeBlocks: f}
	}
	return out
}

// markRun marks every block run spans, flagging any block already marked as
// a cross-link.
func (c *Checker) markRun(cb *alloc.CheckBitmap, rep *Report, run ondisk.BlockRun) {
	if run.IsZero() {
		return
	}
	base := run.Absolute(c.vol.BlocksPerGroup())
	for i := uint64(0); i < uint64(run.Length); i++ {
		if !cb.Mark(base + i) {
			rep.fail("block %d: referenced by more than one structure (cross-linked)", base+i)
		}
	}
}

// markInode marks an inode's own block and every block of its data stream,
// then recurses into its attribute directory, if any.
func (c *Checker) markInode(cb *alloc.CheckBitmap, rep *Report, in *inode.Inode) error {
	c.markRun(cb, rep, in.Self())
	exts, err := in.Extents()
	if err != nil {
		return err
	}
	for _, r := range exts {
		c.markRun(cb, rep, r)
	}
	if attrs := in.Attributes(); !attrs.IsZero() {
		if err := c.walkAttributeDir(cb, rep, attrs, in.ID()); err != nil {
			return err
		}
	}
	return nil
}

// listEntries drains tree's forward iterator into (key, value) pairs,
// transparently flattening duplicate-value chains.
func listEntries(tree *btree.Tree) ([][]byte, []int64, error) {
	it := tree.NewIterator(btree.Forward)
	defer it.Close()

	var keys [][]byte
	var values []int64
	for {
		k, v, _, ok, err := it.Next()
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		keys = append(keys, k)
		values = append(values, v)
	}
	return keys, values, nil
}

// walkDirectory validates dirRun's B+tree and recurses into every child,
// fanning independent subtrees out across goroutines the way package alloc's
// DiffAgainst parallelizes across allocation groups.
func (c *Checker) walkDirectory(cb *alloc.CheckBitmap, rep *Report, dirRun ondisk.BlockRun, name string) error {
	in, err := inode.Read(c.vol, dirRun)
	if err != nil {
		rep.fail("directory at block %d: %v", dirRun.Absolute(c.vol.BlocksPerGroup()), err)
		return nil
	}
	if err := c.markInode(cb, rep, in); err != nil {
		return err
	}
	c.addEntry(liveEntry{id: in.ID(), name: name, mode: in.Mode(), size: in.Size(), lastModified: in.LastModifiedTime()})

	if !in.IsDirectory() {
		return nil
	}

	tree, err := btree.Open(in, c.order())
	if err != nil {
		rep.fail("directory tree at block %d: %v", in.ID(), err)
		return nil
	}
	vrep, err := tree.Validate(btree.ValidateOptions{IsValidValue: c.isValidInodeBlock})
	if err != nil {
		return err
	}
	rep.merge(vrep.Errors)

	keys, values, err := listEntries(tree)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for i := range keys {
		childName := string(keys[i])
		childValue := values[i]
		g.Go(func() error {
			if !c.isValidInodeBlock(childValue) {
				rep.fail("directory %d entry %q: value %d is not a valid inode block", in.ID(), childName, childValue)
				return nil
			}
			run := ondisk.BlockRunFromAbsolute(uint64(childValue), c.vol.BlocksPerGroup())
			return c.walkDirectory(cb, rep, run, childName)
		})
	}
	return g.Wait()
}

// walkAttributeDir mirrors walkDirectory for an inode's attribute directory:
// attribute files are leaves, so their own children are never recursed into.
func (c *Checker) walkAttributeDir(cb *alloc.CheckBitmap, rep *Report, dirRun ondisk.BlockRun, owner uint64) error {
	in, err := inode.Read(c.vol, dirRun)
	if err != nil {
		rep.fail("attribute directory of inode %d: %v", owner, err)
		return nil
	}
	c.markRun(cb, rep, in.Self())
	exts, err := in.Extents()
	if err != nil {
		return err
	}
	for _, r := range exts {
		c.markRun(cb, rep, r)
	}

	tree, err := btree.Open(in, c.order())
	if err != nil {
		rep.fail("attribute directory tree of inode %d: %v", owner, err)
		return nil
	}
	vrep, err := tree.Validate(btree.ValidateOptions{IsValidValue: c.isValidInodeBlock})
	if err != nil {
		return err
	}
	rep.merge(vrep.Errors)

	keys, values, err := listEntries(tree)
	if err != nil {
		return err
	}
	for i, v := range values {
		if !c.isValidInodeBlock(v) {
			rep.fail("attribute %q of inode %d: value %d is not a valid inode block", keys[i], owner, v)
			continue
		}
		attrIn, err := inode.Read(c.vol, ondisk.BlockRunFromAbsolute(uint64(v), c.vol.BlocksPerGroup()))
		if err != nil {
			rep.fail("attribute %q of inode %d: %v", keys[i], owner, err)
			continue
		}
		if err := c.markInode(cb, rep, attrIn); err != nil {
			return err
		}
	}
	return nil
}

// checkIndices validates the indices directory and every index tree it
// names, returning the names of any index whose tree failed validation.
func (c *Checker) checkIndices(cb *alloc.CheckBitmap, rep *Report) ([]string, error) {
	run := c.vol.IndicesDir()
	if run.IsZero() {
		return nil, nil
	}
	in, err := inode.Read(c.vol, run)
	if err != nil {
		rep.fail("indices directory: %v", err)
		return nil, nil
	}
	if err := c.markInode(cb, rep, in); err != nil {
		return nil, err
	}

	tree, err := btree.Open(in, c.order())
	if err != nil {
		rep.fail("indices directory tree: %v", err)
		return nil, nil
	}
	vrep, err := tree.Validate(btree.ValidateOptions{IsValidValue: c.isValidInodeBlock})
	if err != nil {
		return nil, err
	}
	rep.merge(vrep.Errors)

	keys, values, err := listEntries(tree)
	if err != nil {
		return nil, err
	}

	var broken []string
	for i, v := range values {
		name := string(keys[i])
		if !c.isValidInodeBlock(v) {
			rep.fail("index %q: value %d is not a valid inode block", name, v)
			broken = append(broken, name)
			continue
		}
		idxIn, err := inode.Read(c.vol, ondisk.BlockRunFromAbsolute(uint64(v), c.vol.BlocksPerGroup()))
		if err != nil {
			rep.fail("index %q: %v", name, err)
			broken = append(broken, name)
			continue
		}
		if err := c.markInode(cb, rep, idxIn); err != nil {
			return nil, err
		}
		idxTree, err := btree.Open(idxIn, c.order())
		if err != nil {
			rep.fail("index %q tree: %v", name, err)
			broken = append(broken, name)
			continue
		}
		idxRep, err := idxTree.Validate(btree.ValidateOptions{IsValidValue: c.isValidInodeBlock})
		if err != nil {
			return nil, err
		}
		if len(idxRep.Errors) > 0 {
			rep.merge(idxRep.Errors)
			broken = append(broken, name)
		}
	}
	return broken, nil
}

// rebuildIndices implements fsck's pass 2: empty every flagged index's tree
// and reinsert every live inode's relevant attribute into it, drawn from the
// entries the bitmap pass already visited.
func (c *Checker) rebuildIndices(names []string) (rebuilt []string, err error) {
	if len(names) == 0 {
		return nil, nil
	}
	tx := c.vol.StartTransaction()
	defer func() {
		if doneErr := tx.Done(err == nil); err == nil {
			err = doneErr
		}
	}()

	for _, name := range names {
		fresh, ferr := c.vol.Indices().Rebuild(tx, name)
		if ferr != nil {
			bfserr.Report("fsck.rebuildIndices", ferr)
			continue
		}
		for _, e := range c.entries {
			key := c.rebuildKey(fresh, name, e)
			if key == nil {
				continue
			}
			if ferr := fresh.Tree().Insert(tx, key, int64(e.id), true); ferr != nil {
				return nil, ferr
			}
		}
		rebuilt = append(rebuilt, name)
	}
	return rebuilt, nil
}

func (c *Checker) rebuildKey(ix *index.Index, name string, e liveEntry) []byte {
	order := ix.Order()
	isFile := e.mode&ondisk.TypeMaskPosix == ondisk.TypeRegular
	switch name {
	case index.NameIndex:
		if e.name == "" { // the root directory has no entry of its own
			return nil
		}
		return []byte(e.name)
	case index.SizeIndex:
		if !isFile {
			return nil
		}
		buf := make([]byte, 8)
		order.PutUint64(buf, uint64(e.size))
		return buf
	case index.LastModifiedIndex:
		if !isFile {
			return nil
		}
		buf := make([]byte, 8)
		order.PutUint64(buf, uint64(e.lastModified))
		return buf
	default:
		// A user-attribute index: the attribute's stored bytes are already in the
		// index's native key encoding, so no re-encoding is needed. The read has
		// to go through the inode so small-data attributes are seen too.
		in, err := inode.Read(c.vol, ondisk.BlockRunFromAbsolute(e.id, c.vol.BlocksPerGroup()))
		if err != nil {
			return nil
		}
		_, data, ok, err := in.GetAttribute(name)
		if err != nil || !ok {
			return nil
		}
		return data
	}
}
