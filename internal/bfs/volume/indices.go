package volume

import (
	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/btree"
	"github.com/distr1/bfs/internal/bfs/index"
	"github.com/distr1/bfs/internal/bfs/inode"
	"github.com/distr1/bfs/internal/bfs/ondisk"
)

// keyTypeModeBits maps a B+tree key type to the inode mode bits an index
// inode advertises it with.
func keyTypeModeBits(kt ondisk.KeyType) uint32 {
	switch kt {
	case ondisk.KeyTypeInt32, ondisk.KeyTypeInt64:
		return ondisk.TypeIndexInt
	case ondisk.KeyTypeUint32, ondisk.KeyTypeUint64:
		return ondisk.TypeIndexUint
	case ondisk.KeyTypeFloat:
		return ondisk.TypeIndexFloat
	case ondisk.KeyTypeDouble:
		return ondisk.TypeIndexDouble
	default:
		return ondisk.TypeIndexString
	}
}

// CreateIndex creates a user-defined attribute index: a fresh inode under
// the indices-root directory with an empty B+tree on its stream. uid 0
// stands in for the privileged caller the spec requires; everyone else is
// refused.
func (v *Volume) CreateIndex(name string, keyType ondisk.KeyType, uid uint32) error {
	if err := v.checkWritable("volume.CreateIndex"); err != nil {
		return err
	}
	if uid != 0 {
		return bfserr.New("volume.CreateIndex", bfserr.NotAllowed, nil)
	}
	if _, ok := v.idx.Lookup(name); ok {
		return bfserr.New("volume.CreateIndex", bfserr.FileExists, nil)
	}
	indicesIn, err := inode.Read(v, v.sb.IndicesDir)
	if err != nil {
		return err
	}
	indicesTree, err := btree.Open(indicesIn, v.endian.Order())
	if err != nil {
		return err
	}

	tx := v.j.Start()
	idxIn, err := inode.Create(v, tx, indicesIn.Self().Group, ondisk.TypeIndexDir|keyTypeModeBits(keyType), uid, 0)
	if err != nil {
		tx.Done(false)
		return err
	}
	if err := idxIn.SetParent(tx, indicesIn.Self()); err != nil {
		tx.Done(false)
		return err
	}
	idxTree, err := btree.Create(tx, idxIn, v.endian.Order(), keyType)
	if err != nil {
		tx.Done(false)
		return err
	}
	if err := indicesTree.Insert(tx, []byte(name), int64(idxIn.ID()), false); err != nil {
		tx.Done(false)
		return err
	}
	if err := tx.Done(true); err != nil {
		return err
	}
	v.idx.Register(index.NewIndex(name, keyType, v.endian.Order(), idxIn, idxTree))
	return nil
}

// RemoveIndex deletes a user-defined index and its backing inode. The three
// built-in indices are permanent.
func (v *Volume) RemoveIndex(name string, uid uint32) error {
	if err := v.checkWritable("volume.RemoveIndex"); err != nil {
		return err
	}
	if uid != 0 {
		return bfserr.New("volume.RemoveIndex", bfserr.NotAllowed, nil)
	}
	switch name {
	case index.NameIndex, index.SizeIndex, index.LastModifiedIndex:
		return bfserr.New("volume.RemoveIndex", bfserr.NotAllowed, nil)
	}
	ix, ok := v.idx.Lookup(name)
	if !ok {
		return bfserr.New("volume.RemoveIndex", bfserr.EntryNotFound, nil)
	}
	indicesIn, err := inode.Read(v, v.sb.IndicesDir)
	if err != nil {
		return err
	}
	indicesTree, err := btree.Open(indicesIn, v.endian.Order())
	if err != nil {
		return err
	}

	tx := v.j.Start()
	if err := indicesTree.Remove(tx, []byte(name), int64(ix.Inode().ID())); err != nil {
		tx.Done(false)
		return err
	}
	if err := ix.Inode().Free(tx); err != nil {
		tx.Done(false)
		return err
	}
	if err := tx.Done(true); err != nil {
		return err
	}
	v.idx.Unregister(name)
	return nil
}
