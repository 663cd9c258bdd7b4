package inode

import (
	"bytes"
	"encoding/binary"

	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/journal"
	"github.com/distr1/bfs/internal/bfs/ondisk"
)

var smallDataHeaderSize = binary.Size(ondisk.SmallDataHeader{})

func align4(n int) int { return (n + 3) &^ 3 }

// recordSize is the total on-disk footprint of a small-data record: header,
// name, data, and padding to the next 4-byte boundary with at least one
// guaranteed NUL byte so a linear scan can always find the all-zero
// terminator record.
func recordSize(nameSize, dataSize int) int {
	return align4(smallDataHeaderSize + nameSize + dataSize + 1)
}

type smallDataRecord struct {
	typ    uint32
	name   string
	data   []byte
	size   int
	offset int
}

func (in *Inode) trailerSize() int { return int(in.vol.BlockSize()) - headerSize }

func (in *Inode) readTrailerLocked() ([]byte, error) {
	b, err := in.vol.Cache().Get(in.selfBlock, false)
	if err != nil {
		return nil, err
	}
	defer b.Release()
	out := make([]byte, in.trailerSize())
	copy(out, b.Bytes()[headerSize:])
	return out, nil
}

func (in *Inode) writeTrailerLocked(tx *journal.Transaction, trailer []byte) error {
	wb, err := in.vol.Cache().GetWritable(in.selfBlock, false)
	if err != nil {
		return err
	}
	copy(wb.Bytes()[headerSize:], trailer)
	wb.MarkDirty()
	if tx != nil {
		tx.LogBlocks(wb.Number())
	}
	return wb.Release()
}

func parseRecords(trailer []byte, order binary.ByteOrder) ([]smallDataRecord, error) {
	var recs []smallDataRecord
	off := 0
	for off+smallDataHeaderSize <= len(trailer) {
		var hdr ondisk.SmallDataHeader
		if err := binary.Read(bytes.NewReader(trailer[off:off+smallDataHeaderSize]), order, &hdr); err != nil {
			return nil, bfserr.New("inode.parseRecords", bfserr.IoError, err)
		}
		if hdr.Type == 0 {
			break
		}
		size := recordSize(int(hdr.NameSize), int(hdr.DataSize))
		if off+size > len(trailer) {
			return nil, bfserr.New("inode.parseRecords", bfserr.BadData, nil)
		}
		nameStart := off + smallDataHeaderSize
		dataStart := nameStart + int(hdr.NameSize)
		recs = append(recs, smallDataRecord{
			typ:    hdr.Type,
			name:   string(trailer[nameStart : nameStart+int(hdr.NameSize)]),
			data:   append([]byte(nil), trailer[dataStart:dataStart+int(hdr.DataSize)]...),
			size:   size,
			offset: off,
		})
		off += size
	}
	return recs, nil
}

func encodeRecord(order binary.ByteOrder, typ uint32, name string, data []byte) []byte {
	size := recordSize(len(name), len(data))
	buf := make([]byte, size)
	hdr := ondisk.SmallDataHeader{Type: typ, NameSize: uint16(len(name)), DataSize: uint16(len(data))}
	var hb bytes.Buffer
	binary.Write(&hb, order, &hdr)
	copy(buf, hb.Bytes())
	copy(buf[smallDataHeaderSize:], name)
	copy(buf[smallDataHeaderSize+len(name):], data)
	return buf
}

// nameTag is the single-byte record name that tags the well-known filename
// record.
var nameTag = string([]byte{ondisk.FileNameName})

// FindSmallData looks up name by linear scan.
func (in *Inode) FindSmallData(name string) (uint32, []byte, bool, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	trailer, err := in.readTrailerLocked()
	if err != nil {
		return 0, nil, false, err
	}
	recs, err := parseRecords(trailer, in.vol.Endian().Order())
	if err != nil {
		return 0, nil, false, err
	}
	for _, r := range recs {
		if r.name == name {
			return r.typ, r.data, true, nil
		}
	}
	return 0, nil, false, nil
}

// AttributeNames returns every small-data record name on in, excluding the
// reserved filename record.
func (in *Inode) AttributeNames() ([]string, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	trailer, err := in.readTrailerLocked()
	if err != nil {
		return nil, err
	}
	recs, err := parseRecords(trailer, in.vol.Endian().Order())
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		if r.name == nameTag {
			continue
		}
		names = append(names, r.name)
	}
	return names, nil
}

func (in *Inode) smallDataNamesLocked() []string {
	trailer, err := in.readTrailerLocked()
	if err != nil {
		return nil
	}
	recs, err := parseRecords(trailer, in.vol.Endian().Order())
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		names = append(names, r.name)
	}
	return names
}

func (in *Inode) removeRecordLocked(tx *journal.Transaction, trailer *[]byte, r smallDataRecord) error {
	t := *trailer
	copy(t[r.offset:], t[r.offset+r.size:])
	for i := len(t) - r.size; i < len(t); i++ {
		t[i] = 0
	}
	*trailer = t
	return in.writeTrailerLocked(tx, t)
}

// AddSmallData inserts or overwrites the record named name. When the record
// doesn't fit and force is set, the largest non-filename record is promoted
// to a real attribute file to make room.
func (in *Inode) AddSmallData(tx *journal.Transaction, name string, typ uint32, data []byte, force bool) error {
	// A record larger than the whole small-data area can never live inline:
	// spill it straight to an attribute file, dropping any stale inline copy.
	// The filename is the one record that must fit inline, so it falls through
	// to the overflow error below.
	if recordSize(len(name), len(data)) > in.trailerSize() && name != nameTag {
		if err := in.vol.PromoteSmallData(tx, in.ID(), name, typ, data); err != nil {
			return err
		}
		if err := in.RemoveSmallData(tx, name); err != nil && !bfserr.Is(err, bfserr.EntryNotFound) {
			return err
		}
		return nil
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	trailer, err := in.readTrailerLocked()
	if err != nil {
		return err
	}
	order := in.vol.Endian().Order()
	recs, err := parseRecords(trailer, order)
	if err != nil {
		return err
	}

	newSize := recordSize(len(name), len(data))

	for _, r := range recs {
		if r.name != name {
			continue
		}
		if newSize <= r.size {
			rec := encodeRecord(order, typ, name, data)
			copy(trailer[r.offset:r.offset+r.size], make([]byte, r.size))
			copy(trailer[r.offset:r.offset+len(rec)], rec)
			return in.writeTrailerLocked(tx, trailer)
		}
		// Doesn't fit in the existing slot: drop it and re-insert at the end below
		// (simpler than shifting every later record, and scan order never matters
		// for correctness).
		if err := in.removeRecordLocked(tx, &trailer, r); err != nil {
			return err
		}
		recs, err = parseRecords(trailer, order)
		if err != nil {
			return err
		}
		break
	}

	usedEnd := 0
	for _, r := range recs {
		if r.offset+r.size > usedEnd {
			usedEnd = r.offset + r.size
		}
	}

	if usedEnd+newSize > len(trailer) {
		if !force {
			return bfserr.New("inode.AddSmallData", bfserr.BufferOverflow, nil)
		}
		if err := in.makeSpaceForSmallDataLocked(tx, usedEnd+newSize-len(trailer)); err != nil {
			return err
		}
		trailer, err = in.readTrailerLocked()
		if err != nil {
			return err
		}
		recs, err = parseRecords(trailer, order)
		if err != nil {
			return err
		}
		usedEnd = 0
		for _, r := range recs {
			if r.offset+r.size > usedEnd {
				usedEnd = r.offset + r.size
			}
		}
		if usedEnd+newSize > len(trailer) {
			return bfserr.New("inode.AddSmallData", bfserr.BufferOverflow, nil)
		}
	}

	rec := encodeRecord(order, typ, name, data)
	copy(trailer[usedEnd:usedEnd+len(rec)], rec)
	for i := usedEnd + len(rec); i < usedEnd+newSize; i++ {
		trailer[i] = 0
	}
	return in.writeTrailerLocked(tx, trailer)
}

// RemoveSmallData deletes the record named name, shifting successors left.
func (in *Inode) RemoveSmallData(tx *journal.Transaction, name string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	trailer, err := in.readTrailerLocked()
	if err != nil {
		return err
	}
	recs, err := parseRecords(trailer, in.vol.Endian().Order())
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.name == name {
			return in.removeRecordLocked(tx, &trailer, r)
		}
	}
	return bfserr.New("inode.RemoveSmallData", bfserr.EntryNotFound, nil)
}

// makeSpaceForSmallDataLocked promotes non-filename records, largest first,
// to attribute files until at least need bytes are free.
func (in *Inode) makeSpaceForSmallDataLocked(tx *journal.Transaction, need int) error {
	for need > 0 {
		trailer, err := in.readTrailerLocked()
		if err != nil {
			return err
		}
		order := in.vol.Endian().Order()
		recs, err := parseRecords(trailer, order)
		if err != nil {
			return err
		}

		best := -1
		for i, r := range recs {
			if r.typ == ondisk.FileNameType && r.name == nameTag {
				continue
			}
			if best < 0 || r.size > recs[best].size {
				best = i
			}
		}
		if best < 0 {
			return bfserr.New("inode.makeSpaceForSmallData", bfserr.BufferOverflow, nil)
		}
		r := recs[best]
		if err := in.vol.PromoteSmallData(tx, in.ID(), r.name, r.typ, r.data); err != nil {
			return err
		}
		if err := in.removeRecordLocked(tx, &trailer, r); err != nil {
			return err
		}
		need -= r.size
	}
	return nil
}

// SetFileName stores name in the well-known filename record. Creating a file
// without enough room for its own filename is a creation failure, which is
// why force is always true here.
func (in *Inode) SetFileName(tx *journal.Transaction, name string) error {
	return in.AddSmallData(tx, nameTag, ondisk.FileNameType, []byte(name), true)
}

// FileName returns the name stored by SetFileName.
func (in *Inode) FileName() (string, error) {
	_, data, ok, err := in.FindSmallData(nameTag)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", bfserr.New("inode.FileName", bfserr.EntryNotFound, nil)
	}
	return string(data), nil
}

// GetAttribute reads a user attribute, checking small-data first and falling
// back to a real attribute file.
func (in *Inode) GetAttribute(name string) (uint32, []byte, bool, error) {
	typ, data, ok, err := in.FindSmallData(name)
	if err != nil || ok {
		return typ, data, ok, err
	}
	data, typ, ok, err = in.vol.ReadAttribute(in.ID(), name)
	return typ, data, ok, err
}
