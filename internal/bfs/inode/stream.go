package inode

import (
	"bytes"
	"encoding/binary"

	"github.com/distr1/bfs/internal/bfs/alloc"
	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/journal"
	"github.com/distr1/bfs/internal/bfs/ondisk"
)

// indirectArrayBlocks is the fixed size of the indirect extent array: four
// consecutive blocks. Keeping it constant rather than variable simplifies
// the tier-transition bookkeeping without changing the byte-range math the
// rest of the engine relies on.
const indirectArrayBlocks = 4

// blockRunBytes is the on-disk size of one ondisk.BlockRun (8 bytes: a
// 4-byte group plus two 2-byte fields).
const blockRunBytes = 8

// Double-indirect extents always use a stride of one block per entry. The
// on-disk format permits longer, uniform strides to pack more data behind
// one lower-level array; fixing the stride at one block keeps FindBlockRun's
// arithmetic an exact index/sub-index closed form while avoiding the
// bookkeeping for a variable, tree-wide stride.
func (in *Inode) doubleIndirectIndexBytes() uint32 {
	if in.vol.BlockSize() < 16384 {
		return in.vol.BlockSize()
	}
	return 16384
}

func (in *Inode) doubleIndexEntries() int {
	return int(in.doubleIndirectIndexBytes() / blockRunBytes)
}

func (in *Inode) indirectEntries() int {
	return int(indirectArrayBlocks * in.vol.BlockSize() / blockRunBytes)
}

func (in *Inode) allocatedEnd() int64 {
	switch {
	case in.hdr.MaxDoubleIndirectRange > 0:
		return int64(in.hdr.MaxDoubleIndirectRange)
	case in.hdr.MaxIndirectRange > 0:
		return int64(in.hdr.MaxIndirectRange)
	default:
		return int64(in.hdr.MaxDirectRange)
	}
}

// FindBlockRun translates a logical byte offset into the block-run that
// covers it and the byte offset that run starts at, descending through the
// direct/indirect/double-indirect tiers in order.
func (in *Inode) FindBlockRun(pos int64) (ondisk.BlockRun, int64, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.findBlockRunLocked(pos)
}

func (in *Inode) findBlockRunLocked(pos int64) (ondisk.BlockRun, int64, error) {
	blockSize := int64(in.vol.BlockSize())

	if pos < int64(in.hdr.MaxDirectRange) {
		var offset int64
		for _, r := range in.hdr.Direct {
			if r.IsZero() {
				break
			}
			length := int64(r.Length) * blockSize
			if pos < offset+length {
				return r, offset, nil
			}
			offset += length
		}
		return ondisk.BlockRun{}, 0, bfserr.New("inode.FindBlockRun", bfserr.BadData, nil)
	}
	if pos < int64(in.hdr.MaxIndirectRange) {
		return in.findInIndirectLocked(pos)
	}
	if pos < int64(in.hdr.MaxDoubleIndirectRange) {
		return in.findInDoubleIndirectLocked(pos)
	}
	return ondisk.BlockRun{}, 0, bfserr.New("inode.FindBlockRun", bfserr.BadValue, nil)
}

func (in *Inode) readBlockRunArray(base uint64, count int) ([]ondisk.BlockRun, error) {
	perBlock := int(in.vol.BlockSize()) / blockRunBytes
	out := make([]ondisk.BlockRun, 0, count)
	for i := 0; len(out) < count; i++ {
		b, err := in.vol.Cache().Get(base+uint64(i), false)
		if err != nil {
			return nil, err
		}
		n := perBlock
		if len(out)+n > count {
			n = count - len(out)
		}
		for j := 0; j < n; j++ {
			var r ondisk.BlockRun
			off := j * blockRunBytes
			if err := binary.Read(bytes.NewReader(b.Bytes()[off:off+blockRunBytes]), in.vol.Endian().Order(), &r); err != nil {
				b.Release()
				return nil, bfserr.New("inode.readBlockRunArray", bfserr.IoError, err)
			}
			out = append(out, r)
		}
		b.Release()
	}
	return out, nil
}

func (in *Inode) writeBlockRunArray(tx *journal.Transaction, base uint64, entries []ondisk.BlockRun) error {
	perBlock := int(in.vol.BlockSize()) / blockRunBytes
	for i := 0; i*perBlock < len(entries); i++ {
		wb, err := in.vol.Cache().GetWritable(base+uint64(i), false)
		if err != nil {
			return err
		}
		end := (i + 1) * perBlock
		if end > len(entries) {
			end = len(entries)
		}
		var buf bytes.Buffer
		for _, e := range entries[i*perBlock : end] {
			e := e
			if err := binary.Write(&buf, in.vol.Endian().Order(), &e); err != nil {
				return bfserr.New("inode.writeBlockRunArray", bfserr.IoError, err)
			}
		}
		copy(wb.Bytes(), buf.Bytes())
		wb.MarkDirty()
		if tx != nil {
			tx.LogBlocks(wb.Number())
		}
		if err := wb.Release(); err != nil {
			return err
		}
	}
	return nil
}

func (in *Inode) findInIndirectLocked(pos int64) (ondisk.BlockRun, int64, error) {
	entries, err := in.readBlockRunArray(in.hdr.Indirect.Absolute(in.vol.BlocksPerGroup()), in.indirectEntries())
	if err != nil {
		return ondisk.BlockRun{}, 0, err
	}
	blockSize := int64(in.vol.BlockSize())
	offset := int64(in.hdr.MaxDirectRange)
	for _, r := range entries {
		if r.IsZero() {
			break
		}
		length := int64(r.Length) * blockSize
		if pos < offset+length {
			return r, offset, nil
		}
		offset += length
	}
	return ondisk.BlockRun{}, 0, bfserr.New("inode.FindBlockRun", bfserr.BadData, nil)
}

func (in *Inode) findInDoubleIndirectLocked(pos int64) (ondisk.BlockRun, int64, error) {
	blockSize := int64(in.vol.BlockSize())
	perBlock := int64(in.vol.BlockSize()) / blockRunBytes
	indirectSize := perBlock * blockSize

	rel := pos - int64(in.hdr.MaxIndirectRange)
	idx := rel / indirectSize
	within := rel % indirectSize
	subIdx := within / blockSize

	top, err := in.readBlockRunArray(in.hdr.DoubleIndirect.Absolute(in.vol.BlocksPerGroup()), in.doubleIndexEntries())
	if err != nil {
		return ondisk.BlockRun{}, 0, err
	}
	if idx < 0 || int(idx) >= len(top) || top[idx].IsZero() {
		return ondisk.BlockRun{}, 0, bfserr.New("inode.FindBlockRun", bfserr.BadData, nil)
	}
	lower, err := in.readBlockRunArray(top[idx].Absolute(in.vol.BlocksPerGroup()), int(perBlock))
	if err != nil {
		return ondisk.BlockRun{}, 0, err
	}
	if int(subIdx) >= len(lower) || lower[subIdx].IsZero() {
		return ondisk.BlockRun{}, 0, bfserr.New("inode.FindBlockRun", bfserr.BadData, nil)
	}
	runOffset := int64(in.hdr.MaxIndirectRange) + idx*indirectSize + subIdx*blockSize
	return lower[subIdx], runOffset, nil
}

// placementHint builds the alloc.PlacementHint describing where the next
// extent for this stream should land.
func (in *Inode) placementHint() alloc.PlacementHint {
	h := alloc.PlacementHint{Group: in.self.Group, IsDirectory: in.IsDirectory(), InodeStart: in.self.Start}
	switch {
	case in.hdr.MaxIndirectRange > 0 || in.hdr.MaxDoubleIndirectRange > 0:
		h.HasData = true
		h.InIndirect = true
	default:
		if last, ok := in.lastDirectExtent(); ok {
			h.HasData = true
			h.LastRun = last
		}
	}
	return h
}

func (in *Inode) lastDirectExtent() (ondisk.BlockRun, bool) {
	var last ondisk.BlockRun
	found := false
	for _, r := range in.hdr.Direct {
		if r.IsZero() {
			break
		}
		last = r
		found = true
	}
	return last, found
}

// GrowStream extends the allocated extent map until it covers at least
// target bytes, distributing new extents across tiers in order.
func (in *Inode) GrowStream(tx *journal.Transaction, target int64) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.growStreamLocked(tx, target)
}

func (in *Inode) growStreamLocked(tx *journal.Transaction, target int64) error {
	blockSize := int64(in.vol.BlockSize())
	for in.allocatedEnd() < target {
		remaining := target - in.allocatedEnd()
		wantBlocks := (remaining + blockSize - 1) / blockSize
		if wantBlocks > 65535 {
			wantBlocks = 65535
		}
		run, err := in.vol.Allocator().Allocate(tx, in.placementHint(), wantBlocks, 1)
		if err != nil {
			return err
		}
		if err := in.appendExtentLocked(tx, run); err != nil {
			in.vol.Allocator().Free(tx, run)
			return err
		}
	}

	// Preallocate beyond the requested size to smooth out append workloads;
	// best-effort, trimmed again by TrimPreallocation on last close.
	padded := target + in.preallocBytes(target)
	for in.allocatedEnd() < padded {
		remaining := padded - in.allocatedEnd()
		wantBlocks := (remaining + blockSize - 1) / blockSize
		if wantBlocks > 65535 {
			wantBlocks = 65535
		}
		run, err := in.vol.Allocator().Allocate(tx, in.placementHint(), wantBlocks, 1)
		if err != nil {
			break
		}
		if err := in.appendExtentLocked(tx, run); err != nil {
			in.vol.Allocator().Free(tx, run)
			break
		}
	}
	return in.writeHeaderLocked(tx, false)
}

// preallocBytes is the preallocation policy for a stream growing to size
// bytes: 64 KB for index directories, 4 KB for ordinary directories, then 64
// KB / 512 KB / size/16 for files by size class.
func (in *Inode) preallocBytes(size int64) int64 {
	const kb = 1024
	switch {
	case in.hdr.Mode&ondisk.TypeIndexDir != 0:
		return 64 * kb
	case in.IsDirectory():
		return 4 * kb
	case size <= 1024*kb:
		return 64 * kb
	case size <= 32*1024*kb:
		return 512 * kb
	default:
		return size / 16
	}
}

// TrimPreallocation shrinks the allocated extent map back to the stream's
// logical size, called on last close. Index inodes never trim.
func (in *Inode) TrimPreallocation(tx *journal.Transaction) error {
	if in.hdr.Mode&ondisk.TypeIndexDir != 0 {
		return nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	blockSize := int64(in.vol.BlockSize())
	keep := (int64(in.hdr.DataSize) + blockSize - 1) / blockSize * blockSize
	if in.allocatedEnd() <= keep {
		return nil
	}
	return in.shrinkStreamLocked(tx, keep)
}

func mergeable(d, run ondisk.BlockRun) bool {
	return !d.IsZero() && d.Group == run.Group && int(d.Start)+int(d.Length) == int(run.Start) && int(d.Length)+int(run.Length) <= 0xFFFF
}

func (in *Inode) appendExtentLocked(tx *journal.Transaction, run ondisk.BlockRun) error {
	added := uint64(run.Length) * uint64(in.vol.BlockSize())

	switch {
	case in.hdr.MaxDoubleIndirectRange > 0:
		if err := in.appendRunToDoubleIndirectLocked(tx, run); err != nil {
			return err
		}
		in.hdr.MaxDoubleIndirectRange += added
	case in.hdr.MaxIndirectRange > 0:
		placed, err := in.appendToIndirectLocked(tx, run)
		if err != nil {
			return err
		}
		if placed {
			in.hdr.MaxIndirectRange += added
		} else {
			if err := in.startDoubleIndirectLocked(tx); err != nil {
				return err
			}
			in.hdr.MaxDoubleIndirectRange = in.hdr.MaxIndirectRange
			if err := in.appendRunToDoubleIndirectLocked(tx, run); err != nil {
				return err
			}
			in.hdr.MaxDoubleIndirectRange += added
		}
	default:
		if in.appendToDirectLocked(run) {
			in.hdr.MaxDirectRange += added
		} else {
			if err := in.startIndirectLocked(tx, run); err != nil {
				return err
			}
			in.hdr.MaxIndirectRange = in.hdr.MaxDirectRange + added
		}
	}
	return nil
}

func (in *Inode) appendToDirectLocked(run ondisk.BlockRun) bool {
	for i := range in.hdr.Direct {
		if mergeable(in.hdr.Direct[i], run) {
			in.hdr.Direct[i].Length += run.Length
			return true
		}
	}
	for i := range in.hdr.Direct {
		if in.hdr.Direct[i].IsZero() {
			in.hdr.Direct[i] = run
			return true
		}
	}
	return false
}

func (in *Inode) startIndirectLocked(tx *journal.Transaction, run ondisk.BlockRun) error {
	desc, err := in.vol.Allocator().Allocate(tx, alloc.PlacementHint{Group: in.self.Group}, indirectArrayBlocks, indirectArrayBlocks)
	if err != nil {
		return err
	}
	if int(desc.Length) != indirectArrayBlocks {
		in.vol.Allocator().Free(tx, desc)
		return bfserr.New("inode.startIndirect", bfserr.DeviceFull, nil)
	}
	base := desc.Absolute(in.vol.BlocksPerGroup())
	if err := in.zeroMetaBlocks(tx, base, indirectArrayBlocks); err != nil {
		return err
	}
	in.hdr.Indirect = desc

	entries := make([]ondisk.BlockRun, in.indirectEntries())
	entries[0] = run
	return in.writeBlockRunArray(tx, base, entries)
}

func (in *Inode) appendToIndirectLocked(tx *journal.Transaction, run ondisk.BlockRun) (bool, error) {
	base := in.hdr.Indirect.Absolute(in.vol.BlocksPerGroup())
	entries, err := in.readBlockRunArray(base, in.indirectEntries())
	if err != nil {
		return false, err
	}
	placed := false
	for i := range entries {
		if mergeable(entries[i], run) {
			entries[i].Length += run.Length
			placed = true
			break
		}
	}
	if !placed {
		for i := range entries {
			if entries[i].IsZero() {
				entries[i] = run
				placed = true
				break
			}
		}
	}
	if !placed {
		return false, nil
	}
	if err := in.writeBlockRunArray(tx, base, entries); err != nil {
		return false, err
	}
	return true, nil
}

func (in *Inode) startDoubleIndirectLocked(tx *journal.Transaction) error {
	idxBytes := in.doubleIndirectIndexBytes()
	idxBlocks := (idxBytes + in.vol.BlockSize() - 1) / in.vol.BlockSize()

	desc, err := in.vol.Allocator().Allocate(tx, alloc.PlacementHint{Group: in.self.Group}, int64(idxBlocks), uint16(idxBlocks))
	if err != nil {
		return err
	}
	base := desc.Absolute(in.vol.BlocksPerGroup())
	if err := in.zeroMetaBlocks(tx, base, int64(idxBlocks)); err != nil {
		return err
	}
	in.hdr.DoubleIndirect = desc

	lower, err := in.vol.Allocator().Allocate(tx, alloc.PlacementHint{Group: in.self.Group}, 1, 1)
	if err != nil {
		return err
	}
	lowerBase := lower.Absolute(in.vol.BlocksPerGroup())
	if err := in.zeroMetaBlocks(tx, lowerBase, 1); err != nil {
		return err
	}

	topEntries := make([]ondisk.BlockRun, in.doubleIndexEntries())
	topEntries[0] = lower
	return in.writeBlockRunArray(tx, base, topEntries)
}

// appendRunToDoubleIndirectLocked splits run into single-block entries
// before storing it: every extent in the double-indirect tier has the same
// one-block stride, which keeps FindBlockRun's index/sub-index arithmetic
// closed-form.
func (in *Inode) appendRunToDoubleIndirectLocked(tx *journal.Transaction, run ondisk.BlockRun) error {
	for i := uint16(0); i < run.Length; i++ {
		single := ondisk.BlockRun{Group: run.Group, Start: run.Start + i, Length: 1}
		if err := in.appendOneToDoubleIndirectLocked(tx, single); err != nil {
			return err
		}
	}
	return nil
}

func (in *Inode) appendOneToDoubleIndirectLocked(tx *journal.Transaction, run ondisk.BlockRun) error {
	topBase := in.hdr.DoubleIndirect.Absolute(in.vol.BlocksPerGroup())
	top, err := in.readBlockRunArray(topBase, in.doubleIndexEntries())
	if err != nil {
		return err
	}
	topIdx := -1
	for i, e := range top {
		if e.IsZero() {
			break
		}
		topIdx = i
	}
	if topIdx < 0 {
		return bfserr.New("inode.appendDoubleIndirect", bfserr.BadData, nil)
	}

	perBlock := int(in.vol.BlockSize()) / blockRunBytes
	lowerBase := top[topIdx].Absolute(in.vol.BlocksPerGroup())
	lower, err := in.readBlockRunArray(lowerBase, perBlock)
	if err != nil {
		return err
	}

	for i := range lower {
		if lower[i].IsZero() {
			lower[i] = run
			return in.writeBlockRunArray(tx, lowerBase, lower)
		}
	}

	if topIdx+1 >= len(top) {
		return bfserr.New("inode.appendDoubleIndirect", bfserr.DeviceFull, nil)
	}
	newLowerRun, err := in.vol.Allocator().Allocate(tx, alloc.PlacementHint{Group: in.self.Group}, 1, 1)
	if err != nil {
		return err
	}
	newLowerBase := newLowerRun.Absolute(in.vol.BlocksPerGroup())
	if err := in.zeroMetaBlocks(tx, newLowerBase, 1); err != nil {
		return err
	}
	newLower := make([]ondisk.BlockRun, perBlock)
	newLower[0] = run
	if err := in.writeBlockRunArray(tx, newLowerBase, newLower); err != nil {
		return err
	}
	top[topIdx+1] = newLowerRun
	return in.writeBlockRunArray(tx, topBase, top)
}

func (in *Inode) zeroMetaBlocks(tx *journal.Transaction, base uint64, count int64) error {
	for i := int64(0); i < count; i++ {
		wb, err := in.vol.Cache().GetWritable(base+uint64(i), true)
		if err != nil {
			return err
		}
		wb.MarkDirty()
		if tx != nil {
			tx.LogBlocks(wb.Number())
		}
		if err := wb.Release(); err != nil {
			return err
		}
	}
	return nil
}

// ShrinkStream releases extents from the top tier down until the allocated
// range matches target bytes.
func (in *Inode) ShrinkStream(tx *journal.Transaction, target int64) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.shrinkStreamLocked(tx, target)
}

func (in *Inode) shrinkStreamLocked(tx *journal.Transaction, target int64) error {
	guard := 0
	for in.allocatedEnd() > target {
		guard++
		if guard > 1<<20 {
			return bfserr.New("inode.ShrinkStream", bfserr.BadData, nil)
		}
		var err error
		switch {
		case in.hdr.MaxDoubleIndirectRange > 0:
			err = in.shrinkDoubleIndirectLocked(tx, target)
		case in.hdr.MaxIndirectRange > 0:
			err = in.shrinkIndirectLocked(tx, target)
		default:
			err = in.shrinkDirectLocked(tx, target)
		}
		if err != nil {
			return err
		}
	}
	return in.writeHeaderLocked(tx, false)
}

func (in *Inode) shrinkDirectLocked(tx *journal.Transaction, target int64) error {
	blockSize := int64(in.vol.BlockSize())
	for i := len(in.hdr.Direct) - 1; i >= 0; i-- {
		d := &in.hdr.Direct[i]
		if d.IsZero() {
			continue
		}
		entryBytes := int64(d.Length) * blockSize
		entryStart := int64(in.hdr.MaxDirectRange) - entryBytes
		if entryStart >= target {
			if err := in.vol.Allocator().Free(tx, *d); err != nil {
				return err
			}
			*d = ondisk.BlockRun{}
			in.hdr.MaxDirectRange = uint64(entryStart)
			return nil
		}
		keepBytes := target - entryStart
		keepBlocks := (keepBytes + blockSize - 1) / blockSize
		freeBlocks := int64(d.Length) - keepBlocks
		if freeBlocks > 0 {
			freed := ondisk.BlockRun{Group: d.Group, Start: d.Start + uint16(keepBlocks), Length: uint16(freeBlocks)}
			if err := in.vol.Allocator().Free(tx, freed); err != nil {
				return err
			}
			d.Length = uint16(keepBlocks)
		}
		in.hdr.MaxDirectRange = uint64(entryStart + keepBlocks*blockSize)
		return nil
	}
	in.hdr.MaxDirectRange = 0
	return nil
}

func (in *Inode) shrinkIndirectLocked(tx *journal.Transaction, target int64) error {
	blockSize := int64(in.vol.BlockSize())
	base := in.hdr.Indirect.Absolute(in.vol.BlocksPerGroup())
	entries, err := in.readBlockRunArray(base, in.indirectEntries())
	if err != nil {
		return err
	}
	tierStart := int64(in.hdr.MaxDirectRange)
	offset := tierStart
	last := -1
	for i, e := range entries {
		if e.IsZero() {
			break
		}
		last = i
		offset += int64(e.Length) * blockSize
	}
	if last >= 0 {
		e := &entries[last]
		entryBytes := int64(e.Length) * blockSize
		entryStart := offset - entryBytes
		if entryStart >= target {
			if err := in.vol.Allocator().Free(tx, *e); err != nil {
				return err
			}
			*e = ondisk.BlockRun{}
			offset = entryStart
		} else {
			keepBytes := target - entryStart
			keepBlocks := (keepBytes + blockSize - 1) / blockSize
			freeBlocks := int64(e.Length) - keepBlocks
			if freeBlocks > 0 {
				freed := ondisk.BlockRun{Group: e.Group, Start: e.Start + uint16(keepBlocks), Length: uint16(freeBlocks)}
				if err := in.vol.Allocator().Free(tx, freed); err != nil {
					return err
				}
				e.Length = uint16(keepBlocks)
			}
			offset = entryStart + keepBlocks*blockSize
		}
		if err := in.writeBlockRunArray(tx, base, entries); err != nil {
			return err
		}
	}
	in.hdr.MaxIndirectRange = uint64(offset)
	if offset <= tierStart {
		if err := in.vol.Allocator().Free(tx, in.hdr.Indirect); err != nil {
			return err
		}
		in.hdr.Indirect = ondisk.BlockRun{}
		in.hdr.MaxIndirectRange = 0
	}
	return nil
}

func (in *Inode) shrinkDoubleIndirectLocked(tx *journal.Transaction, target int64) error {
	blockSize := int64(in.vol.BlockSize())
	perBlock := int(in.vol.BlockSize()) / blockRunBytes
	topBase := in.hdr.DoubleIndirect.Absolute(in.vol.BlocksPerGroup())
	top, err := in.readBlockRunArray(topBase, in.doubleIndexEntries())
	if err != nil {
		return err
	}

	topIdx := -1
	for i, e := range top {
		if e.IsZero() {
			break
		}
		topIdx = i
	}
	tierStart := int64(in.hdr.MaxIndirectRange)

	if topIdx < 0 {
		in.hdr.MaxDoubleIndirectRange = uint64(tierStart)
	} else {
		lowerBase := top[topIdx].Absolute(in.vol.BlocksPerGroup())
		lower, err := in.readBlockRunArray(lowerBase, perBlock)
		if err != nil {
			return err
		}

		offset := tierStart + int64(topIdx)*int64(perBlock)*blockSize
		lastLower := -1
		for i, e := range lower {
			if e.IsZero() {
				break
			}
			lastLower = i
			offset += int64(e.Length) * blockSize
		}

		if lastLower < 0 {
			if err := in.vol.Allocator().Free(tx, top[topIdx]); err != nil {
				return err
			}
			top[topIdx] = ondisk.BlockRun{}
		} else {
			e := &lower[lastLower]
			entryBytes := int64(e.Length) * blockSize
			entryStart := offset - entryBytes
			if entryStart >= target {
				if err := in.vol.Allocator().Free(tx, *e); err != nil {
					return err
				}
				*e = ondisk.BlockRun{}
				offset = entryStart
			} else {
				keepBytes := target - entryStart
				keepBlocks := (keepBytes + blockSize - 1) / blockSize
				freeBlocks := int64(e.Length) - keepBlocks
				if freeBlocks > 0 {
					freed := ondisk.BlockRun{Group: e.Group, Start: e.Start + uint16(keepBlocks), Length: uint16(freeBlocks)}
					if err := in.vol.Allocator().Free(tx, freed); err != nil {
						return err
					}
					e.Length = uint16(keepBlocks)
				}
				offset = entryStart + keepBlocks*blockSize
			}
			if err := in.writeBlockRunArray(tx, lowerBase, lower); err != nil {
				return err
			}
		}
		in.hdr.MaxDoubleIndirectRange = uint64(offset)
	}

	if int64(in.hdr.MaxDoubleIndirectRange) <= tierStart {
		if err := in.vol.Allocator().Free(tx, in.hdr.DoubleIndirect); err != nil {
			return err
		}
		in.hdr.DoubleIndirect = ondisk.BlockRun{}
		in.hdr.MaxDoubleIndirectRange = 0
	} else {
		if err := in.writeBlockRunArray(tx, topBase, top); err != nil {
			return err
		}
	}
	return nil
}

// ReadAt reads up to len(p) bytes starting at pos, clamped to the stream's
// current size.
func (in *Inode) ReadAt(p []byte, pos int64) (int, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	size := int64(in.hdr.DataSize)
	if pos >= size {
		return 0, nil
	}
	if pos+int64(len(p)) > size {
		p = p[:size-pos]
	}
	n := 0
	for n < len(p) {
		run, runStart, err := in.findBlockRunLocked(pos + int64(n))
		if err != nil {
			return n, err
		}
		within := pos + int64(n) - runStart
		avail := int64(run.Length)*int64(in.vol.BlockSize()) - within
		want := int64(len(p) - n)
		if want > avail {
			want = avail
		}
		read, err := in.readRangeLocked(run.Absolute(in.vol.BlocksPerGroup()), within, p[n:n+int(want)])
		n += read
		if err != nil {
			return n, err
		}
		if int64(read) < want {
			break
		}
	}
	return n, nil
}

func (in *Inode) readRangeLocked(base uint64, within int64, out []byte) (int, error) {
	blockSize := int64(in.vol.BlockSize())
	n := 0
	block := base + uint64(within/blockSize)
	off := int(within % blockSize)
	for n < len(out) {
		b, err := in.vol.Cache().Get(block, false)
		if err != nil {
			return n, err
		}
		c := copy(out[n:], b.Bytes()[off:])
		b.Release()
		n += c
		off = 0
		block++
	}
	return n, nil
}

func (in *Inode) writeRangeLocked(tx *journal.Transaction, base uint64, within int64, data []byte) (int, error) {
	blockSize := int64(in.vol.BlockSize())
	n := 0
	block := base + uint64(within/blockSize)
	off := int(within % blockSize)
	for n < len(data) {
		wb, err := in.vol.Cache().GetWritable(block, false)
		if err != nil {
			return n, err
		}
		c := copy(wb.Bytes()[off:], data[n:])
		wb.MarkDirty()
		if tx != nil {
			tx.LogBlocks(wb.Number())
		}
		if err := wb.Release(); err != nil {
			return n, err
		}
		n += c
		off = 0
		block++
	}
	return n, nil
}

func (in *Inode) zeroFillLocked(tx *journal.Transaction, from, to int64) error {
	blockSize := int64(in.vol.BlockSize())
	zero := make([]byte, blockSize)
	pos := from
	for pos < to {
		run, runStart, err := in.findBlockRunLocked(pos)
		if err != nil {
			return err
		}
		within := pos - runStart
		avail := int64(run.Length)*blockSize - within
		want := to - pos
		if want > avail {
			want = avail
		}
		base := run.Absolute(in.vol.BlocksPerGroup())
		for want > 0 {
			chunk := want
			if chunk > blockSize {
				chunk = blockSize
			}
			if _, err := in.writeRangeLocked(tx, base, within, zero[:chunk]); err != nil {
				return err
			}
			within += chunk
			want -= chunk
			pos += chunk
		}
	}
	return nil
}

// WriteAt writes p at pos, growing the stream (zero-filling any gap) first
// if necessary.
func (in *Inode) WriteAt(tx *journal.Transaction, p []byte, pos int64) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	end := pos + int64(len(p))
	oldSize := int64(in.hdr.DataSize)
	if end > oldSize {
		if pos > oldSize {
			if err := in.growStreamLocked(tx, pos); err != nil {
				return 0, err
			}
			if err := in.zeroFillLocked(tx, oldSize, pos); err != nil {
				return 0, err
			}
		}
		if err := in.growStreamLocked(tx, end); err != nil {
			return 0, err
		}
	}

	n := 0
	for n < len(p) {
		run, runStart, err := in.findBlockRunLocked(pos + int64(n))
		if err != nil {
			return n, err
		}
		within := pos + int64(n) - runStart
		avail := int64(run.Length)*int64(in.vol.BlockSize()) - within
		want := int64(len(p) - n)
		if want > avail {
			want = avail
		}
		written, err := in.writeRangeLocked(tx, run.Absolute(in.vol.BlocksPerGroup()), within, p[n:n+int(want)])
		n += written
		if err != nil {
			return n, err
		}
	}

	if end > oldSize {
		in.hdr.DataSize = uint64(end)
		if err := in.writeHeaderLocked(tx, false); err != nil {
			return n, err
		}
		if !in.IsDeleted() && in.indexed() {
			in.vol.NotifySizeChanged(tx, in.ID(), oldSize, end)
		}
	}
	return n, nil
}

// SetFileSize grows or shrinks the stream to exactly newSize, writing the
// inode back in the same transaction.
func (in *Inode) SetFileSize(tx *journal.Transaction, newSize int64) error {
	in.mu.Lock()
	oldSize := int64(in.hdr.DataSize)
	var err error
	if newSize > oldSize {
		if err = in.growStreamLocked(tx, newSize); err != nil {
			_ = in.shrinkStreamLocked(tx, oldSize)
		}
	} else if newSize < oldSize {
		err = in.shrinkStreamLocked(tx, newSize)
	}
	if err == nil {
		in.hdr.DataSize = uint64(newSize)
		err = in.writeHeaderLocked(tx, false)
	}
	in.mu.Unlock()

	if err == nil && !in.IsDeleted() && in.indexed() {
		in.vol.NotifySizeChanged(tx, in.ID(), oldSize, newSize)
	}
	return err
}

// Sync flushes every block the extent tree touches by flushing the whole
// device.
func (in *Inode) Sync() error {
	return in.vol.Cache().Sync()
}
