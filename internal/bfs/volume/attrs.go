package volume

import (
	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/btree"
	"github.com/distr1/bfs/internal/bfs/inode"
	"github.com/distr1/bfs/internal/bfs/journal"
	"github.com/distr1/bfs/internal/bfs/ondisk"
	"github.com/distr1/bfs/internal/bfs/query"
)

// attributeDir opens (creating if necessary) owner's attribute directory
// B+tree.
func (v *Volume) attributeDir(tx *journal.Transaction, owner *inode.Inode, create bool) (*inode.Inode, *btree.Tree, error) {
	if run := owner.Attributes(); !run.IsZero() {
		in, err := inode.Read(v, run)
		if err != nil {
			return nil, nil, err
		}
		tree, err := btree.Open(in, v.endian.Order())
		if err != nil {
			return nil, nil, err
		}
		return in, tree, nil
	}
	if !create {
		return nil, nil, nil
	}
	dirIn, err := inode.Create(v, tx, owner.Self().Group, ondisk.TypeAttrDir, owner.UID(), owner.GID())
	if err != nil {
		return nil, nil, err
	}
	if err := dirIn.SetParent(tx, owner.Self()); err != nil {
		return nil, nil, err
	}
	tree, err := btree.Create(tx, dirIn, v.endian.Order(), ondisk.KeyTypeString)
	if err != nil {
		return nil, nil, err
	}
	if err := owner.SetAttributes(tx, dirIn.Self()); err != nil {
		return nil, nil, err
	}
	return dirIn, tree, nil
}

// PromoteSmallData implements inode.Volume: it spills an oversized
// small-data record out to a real attribute file.
func (v *Volume) PromoteSmallData(tx *journal.Transaction, owner uint64, name string, typ uint32, data []byte) error {
	ownerIn, err := inode.Read(v, ondisk.BlockRunFromAbsolute(owner, v.BlocksPerGroup()))
	if err != nil {
		return err
	}
	dirIn, tree, err := v.attributeDir(tx, ownerIn, true)
	if err != nil {
		return err
	}

	// Re-promoting an attribute that already lives in file form overwrites the
	// existing attribute file in place.
	if val, ok, err := tree.Find([]byte(name)); err != nil {
		return err
	} else if ok {
		attrIn, err := inode.Read(v, ondisk.BlockRunFromAbsolute(uint64(val), v.BlocksPerGroup()))
		if err != nil {
			return err
		}
		if err := attrIn.SetFileSize(tx, 0); err != nil {
			return err
		}
		if _, err := attrIn.WriteAt(tx, data, 0); err != nil {
			return err
		}
		v.emit(Event{Kind: AttributeChanged, InodeID: owner, Attribute: name})
		return nil
	}

	attrIn, err := inode.Create(v, tx, dirIn.Self().Group, ondisk.TypeAttr|typ, ownerIn.UID(), ownerIn.GID())
	if err != nil {
		return err
	}
	if err := attrIn.SetParent(tx, dirIn.Self()); err != nil {
		return err
	}
	if _, err := attrIn.WriteAt(tx, data, 0); err != nil {
		return err
	}
	if err := tree.Insert(tx, []byte(name), int64(attrIn.ID()), false); err != nil {
		return err
	}
	v.emit(Event{Kind: AttributeChanged, InodeID: owner, Attribute: name})
	return nil
}

// ReadAttribute implements inode.Volume: it reads a promoted attribute's
// current bytes and type. Inode.GetAttribute calls this only once the
// small-data area has already been checked.
func (v *Volume) ReadAttribute(owner uint64, name string) ([]byte, uint32, bool, error) {
	ownerIn, err := inode.Read(v, ondisk.BlockRunFromAbsolute(owner, v.BlocksPerGroup()))
	if err != nil {
		return nil, 0, false, err
	}
	_, tree, err := v.attributeDir(nil, ownerIn, false)
	if err != nil {
		return nil, 0, false, err
	}
	if tree == nil {
		return nil, 0, false, nil
	}
	val, ok, err := tree.Find([]byte(name))
	if err != nil {
		return nil, 0, false, err
	}
	if !ok {
		return nil, 0, false, nil
	}
	attrIn, err := inode.Read(v, ondisk.BlockRunFromAbsolute(uint64(val), v.BlocksPerGroup()))
	if err != nil {
		return nil, 0, false, err
	}
	data := make([]byte, attrIn.Size())
	if _, err := attrIn.ReadAt(data, 0); err != nil {
		return nil, 0, false, err
	}
	return data, attrIn.Mode() &^ ondisk.TypeAttr, true, nil
}

// RemoveAttribute implements inode.Volume: it deletes a promoted attribute
// file and its directory entry.
func (v *Volume) RemoveAttribute(tx *journal.Transaction, owner uint64, name string) error {
	ownerIn, err := inode.Read(v, ondisk.BlockRunFromAbsolute(owner, v.BlocksPerGroup()))
	if err != nil {
		return err
	}
	_, tree, err := v.attributeDir(tx, ownerIn, false)
	if err != nil {
		return err
	}
	if tree == nil {
		return bfserr.New("volume.RemoveAttribute", bfserr.EntryNotFound, nil)
	}
	val, ok, err := tree.Find([]byte(name))
	if err != nil {
		return err
	}
	if !ok {
		return bfserr.New("volume.RemoveAttribute", bfserr.EntryNotFound, nil)
	}
	attrIn, err := inode.Read(v, ondisk.BlockRunFromAbsolute(uint64(val), v.BlocksPerGroup()))
	if err != nil {
		return err
	}
	if err := attrIn.Free(tx); err != nil {
		return err
	}
	if err := tree.Remove(tx, []byte(name), val); err != nil {
		return err
	}
	v.emit(Event{Kind: AttributeChanged, InodeID: owner, Attribute: name})
	return nil
}

// removeAllAttributes drops every index entry recorded for in's attributes
// and frees its promoted attribute files along with the attribute directory
// itself. Remove calls this before releasing the inode's own storage, so a
// deleted file vanishes from user-attribute indices the same way it vanishes
// from name/size/last-modified.
func (v *Volume) removeAllAttributes(tx *journal.Transaction, in *inode.Inode) error {
	type attr struct {
		name string
		id   uint64 // 0 for small-data attributes
	}
	var attrs []attr
	names, err := in.AttributeNames()
	if err != nil {
		return err
	}
	for _, n := range names {
		attrs = append(attrs, attr{name: n})
	}

	dirIn, tree, err := v.attributeDir(nil, in, false)
	if err != nil {
		return err
	}
	if tree != nil {
		it := tree.NewIterator(btree.Forward)
		for {
			k, val, _, ok, err := it.Next()
			if err != nil {
				it.Close()
				return err
			}
			if !ok {
				break
			}
			attrs = append(attrs, attr{name: string(k), id: uint64(val)})
		}
		it.Close()
	}

	for _, a := range attrs {
		_, data, ok, err := in.GetAttribute(a.name)
		if err != nil || !ok {
			continue
		}
		if err := v.idx.Update(tx, a.name, data, nil, in.ID()); err != nil && !bfserr.Is(err, bfserr.BadIndex) {
			return err
		}
	}

	for _, a := range attrs {
		if a.id == 0 {
			continue
		}
		attrIn, err := v.openByID(a.id)
		if err != nil {
			return err
		}
		if err := attrIn.Free(tx); err != nil {
			return err
		}
	}
	if dirIn != nil {
		if err := dirIn.Free(tx); err != nil {
			return err
		}
	}
	return nil
}

// SetAttribute is the host-facing attribute-write entry point: small values
// stay inline via AddSmallData (promoting through PromoteSmallData
// automatically if they overflow); this also fans the write out to any index
// registered under name so a live query watching a user attribute observes
// it.
func (v *Volume) SetAttribute(owner uint64, name string, typ uint32, data []byte) error {
	if err := v.checkWritable("volume.SetAttribute"); err != nil {
		return err
	}
	ownerIn, err := inode.Read(v, ondisk.BlockRunFromAbsolute(owner, v.BlocksPerGroup()))
	if err != nil {
		return err
	}
	tx := v.j.Start()
	_, oldData, hadOld, err := ownerIn.GetAttribute(name)
	if err != nil {
		tx.Done(false)
		return err
	}
	if err := ownerIn.AddSmallData(tx, name, typ, data, true); err != nil {
		tx.Done(false)
		return err
	}
	var oldKey []byte
	if hadOld {
		oldKey = oldData
	}
	if err := v.idx.Update(tx, name, oldKey, data, owner); err != nil && !bfserr.Is(err, bfserr.BadIndex) {
		tx.Done(false)
		return err
	}
	return tx.Done(true)
}

// DeleteAttribute is the host-facing attribute-removal entry point: it drops
// the small-data record or the promoted attribute file, whichever form the
// attribute currently lives in, and fans the removal out to any index
// registered under name.
func (v *Volume) DeleteAttribute(owner uint64, name string) error {
	if err := v.checkWritable("volume.DeleteAttribute"); err != nil {
		return err
	}
	ownerIn, err := inode.Read(v, ondisk.BlockRunFromAbsolute(owner, v.BlocksPerGroup()))
	if err != nil {
		return err
	}
	_, oldData, hadOld, err := ownerIn.GetAttribute(name)
	if err != nil {
		return err
	}
	if !hadOld {
		return bfserr.New("volume.DeleteAttribute", bfserr.EntryNotFound, nil)
	}
	tx := v.j.Start()
	if err := ownerIn.RemoveSmallData(tx, name); err != nil {
		if !bfserr.Is(err, bfserr.EntryNotFound) {
			tx.Done(false)
			return err
		}
		if err := v.RemoveAttribute(tx, owner, name); err != nil {
			tx.Done(false)
			return err
		}
	}
	if err := v.idx.Update(tx, name, oldData, nil, owner); err != nil && !bfserr.Is(err, bfserr.BadIndex) {
		tx.Done(false)
		return err
	}
	if err := tx.Done(true); err != nil {
		return err
	}
	v.emit(Event{Kind: AttributeChanged, InodeID: owner, Attribute: name})
	return nil
}

// GetAttribute is the host-facing attribute-read entry point.
func (v *Volume) GetAttribute(owner uint64, name string) (uint32, []byte, bool, error) {
	ownerIn, err := inode.Read(v, ondisk.BlockRunFromAbsolute(owner, v.BlocksPerGroup()))
	if err != nil {
		return 0, nil, false, err
	}
	return ownerIn.GetAttribute(name)
}

// ListAttributes returns every small-data and promoted attribute name on
// owner, excluding the reserved filename record.
func (v *Volume) ListAttributes(owner uint64) ([]string, error) {
	ownerIn, err := inode.Read(v, ondisk.BlockRunFromAbsolute(owner, v.BlocksPerGroup()))
	if err != nil {
		return nil, err
	}
	names, err := ownerIn.AttributeNames()
	if err != nil {
		return nil, err
	}
	_, tree, err := v.attributeDir(nil, ownerIn, false)
	if err != nil {
		return nil, err
	}
	if tree == nil {
		return names, nil
	}
	it := tree.NewIterator(btree.Forward)
	defer it.Close()
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	for {
		k, _, _, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if n := string(k); !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}
	return names, nil
}

// lookupAttribute adapts GetAttribute to query.AttributeLookup, decoding the
// raw stored bytes via the registered index's key type when one exists so
// predicate comparisons see typed values.
func (v *Volume) lookupAttribute(id uint64, attr string) (query.Value, bool) {
	_, data, ok, err := v.GetAttribute(id, attr)
	if err != nil || !ok {
		return query.Value{}, false
	}
	if ix, ok := v.idx.Lookup(attr); ok {
		return query.DecodeKey(ix.KeyType(), ix.Order(), data), true
	}
	return query.StringValue(string(data)), true
}
