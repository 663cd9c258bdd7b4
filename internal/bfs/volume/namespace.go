package volume

import (
	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/btree"
	"github.com/distr1/bfs/internal/bfs/inode"
	"github.com/distr1/bfs/internal/bfs/ondisk"
)

// DirEntry is one name/inode pair returned by ReadDir.
type DirEntry struct {
	Name    string
	InodeID uint64
}

// Stat summarizes an inode's metadata for a host surface (package vfs).
type Stat struct {
	InodeID          uint64
	Mode             uint32
	UID, GID         uint32
	Size             int64
	CreateTime       int64
	LastModifiedTime int64
	StatusChangeTime int64
}

func (v *Volume) openByID(id uint64) (*inode.Inode, error) {
	run := ondisk.BlockRunFromAbsolute(id, v.BlocksPerGroup())
	return inode.Read(v, run)
}

func (v *Volume) openDirTree(dirIn *inode.Inode) (*btree.Tree, error) {
	if !dirIn.IsDirectory() {
		return nil, bfserr.New("volume.openDirTree", bfserr.NotADirectory, nil)
	}
	return btree.Open(dirIn, v.endian.Order())
}

// RootID returns the root directory's inode id.
func (v *Volume) RootID() uint64 {
	return v.sb.RootDir.Absolute(v.BlocksPerGroup())
}

// Stat reads id's metadata.
func (v *Volume) Stat(id uint64) (Stat, error) {
	in, err := v.openByID(id)
	if err != nil {
		return Stat{}, err
	}
	return Stat{
		InodeID:          in.ID(),
		Mode:             in.Mode(),
		UID:              in.UID(),
		GID:              in.GID(),
		Size:             in.Size(),
		CreateTime:       in.CreateTime(),
		LastModifiedTime: in.LastModifiedTime(),
		StatusChangeTime: in.StatusChangeTime(),
	}, nil
}

// Lookup resolves name inside the directory dirID.
func (v *Volume) Lookup(dirID uint64, name string) (uint64, error) {
	dirIn, err := v.openByID(dirID)
	if err != nil {
		return 0, err
	}
	tree, err := v.openDirTree(dirIn)
	if err != nil {
		return 0, err
	}
	val, ok, err := tree.Find([]byte(name))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, bfserr.New("volume.Lookup", bfserr.EntryNotFound, nil)
	}
	return uint64(val), nil
}

// ReadDir lists every entry in dirID in key order.
func (v *Volume) ReadDir(dirID uint64) ([]DirEntry, error) {
	dirIn, err := v.openByID(dirID)
	if err != nil {
		return nil, err
	}
	tree, err := v.openDirTree(dirIn)
	if err != nil {
		return nil, err
	}
	it := tree.NewIterator(btree.Forward)
	defer it.Close()
	var out []DirEntry
	for {
		name, val, _, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, DirEntry{Name: string(name), InodeID: uint64(val)})
	}
	return out, nil
}

// create is the shared body of CreateFile/CreateDir/CreateSymlink: it
// allocates a fresh inode, links it into parent's directory tree, and
// notifies listeners.
func (v *Volume) create(parentID uint64, name string, mode uint32, uid, gid uint32) (*inode.Inode, error) {
	if err := v.checkWritable("volume.create"); err != nil {
		return nil, err
	}
	parentIn, err := v.openByID(parentID)
	if err != nil {
		return nil, err
	}
	tree, err := v.openDirTree(parentIn)
	if err != nil {
		return nil, err
	}
	if _, ok, err := tree.Find([]byte(name)); err != nil {
		return nil, err
	} else if ok {
		return nil, bfserr.New("volume.create", bfserr.FileExists, nil)
	}

	tx := v.j.Start()
	in, err := inode.Create(v, tx, parentIn.Self().Group, mode, uid, gid)
	if err != nil {
		tx.Done(false)
		return nil, err
	}
	if err := in.SetParent(tx, parentIn.Self()); err != nil {
		tx.Done(false)
		return nil, err
	}
	if err := in.SetFileName(tx, name); err != nil {
		tx.Done(false)
		return nil, err
	}
	if mode&ondisk.TypeMaskPosix == ondisk.TypeDir {
		if _, err := btree.Create(tx, in, v.endian.Order(), ondisk.KeyTypeString); err != nil {
			tx.Done(false)
			return nil, err
		}
	}
	if err := tree.Insert(tx, []byte(name), int64(in.ID()), false); err != nil {
		tx.Done(false)
		return nil, err
	}
	if err := v.idx.InsertName(tx, name, in.ID()); err != nil && !bfserr.Is(err, bfserr.BadIndex) {
		tx.Done(false)
		return nil, err
	}
	if mode&ondisk.TypeMaskPosix == ondisk.TypeRegular {
		if err := v.idx.InsertSize(tx, 0, in.ID()); err != nil {
			tx.Done(false)
			return nil, err
		}
		if err := v.idx.InsertLastModified(tx, in.LastModifiedTime(), in.ID()); err != nil {
			tx.Done(false)
			return nil, err
		}
	}
	if err := tx.Done(true); err != nil {
		return nil, err
	}
	v.emit(Event{Kind: EntryCreated, Directory: parentID, Name: name, InodeID: in.ID()})
	return in, nil
}

// CreateFile creates a new regular file entry.
func (v *Volume) CreateFile(parentID uint64, name string, uid, gid uint32) (uint64, error) {
	in, err := v.create(parentID, name, ondisk.TypeRegular, uid, gid)
	if err != nil {
		return 0, err
	}
	return in.ID(), nil
}

// CreateDir creates a new subdirectory entry.
func (v *Volume) CreateDir(parentID uint64, name string, uid, gid uint32) (uint64, error) {
	in, err := v.create(parentID, name, ondisk.TypeDir, uid, gid)
	if err != nil {
		return 0, err
	}
	return in.ID(), nil
}

// CreateSymlink creates a symlink entry whose target is stored inline as the
// inode's small-data payload under the reserved link-target name.
func (v *Volume) CreateSymlink(parentID uint64, name, target string, uid, gid uint32) (uint64, error) {
	in, err := v.create(parentID, name, ondisk.TypeSymlink, uid, gid)
	if err != nil {
		return 0, err
	}
	tx := v.j.Start()
	if err := in.AddSmallData(tx, symlinkTargetName, ondisk.FileNameType, []byte(target), true); err != nil {
		tx.Done(false)
		return 0, err
	}
	if err := tx.Done(true); err != nil {
		return 0, err
	}
	return in.ID(), nil
}

// symlinkTargetName names the small-data record holding a symlink's target
// path; distinct from the reserved filename record.
const symlinkTargetName = "__bfs_symlink_target"

// ReadSymlink returns a symlink's target.
func (v *Volume) ReadSymlink(id uint64) (string, error) {
	in, err := v.openByID(id)
	if err != nil {
		return "", err
	}
	if !in.IsSymlink() {
		return "", bfserr.New("volume.ReadSymlink", bfserr.BadData, nil)
	}
	_, data, ok, err := in.FindSmallData(symlinkTargetName)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", bfserr.New("volume.ReadSymlink", bfserr.EntryNotFound, nil)
	}
	return string(data), nil
}

// Remove unlinks name from parentID and frees the target inode: BFS has no
// hard links, so every entry removal is immediately terminal.
func (v *Volume) Remove(parentID uint64, name string) error {
	if err := v.checkWritable("volume.Remove"); err != nil {
		return err
	}
	parentIn, err := v.openByID(parentID)
	if err != nil {
		return err
	}
	tree, err := v.openDirTree(parentIn)
	if err != nil {
		return err
	}
	val, ok, err := tree.Find([]byte(name))
	if err != nil {
		return err
	}
	if !ok {
		return bfserr.New("volume.Remove", bfserr.EntryNotFound, nil)
	}
	targetIn, err := v.openByID(uint64(val))
	if err != nil {
		return err
	}
	if targetIn.IsDirectory() {
		childTree, err := v.openDirTree(targetIn)
		if err != nil {
			return err
		}
		it := childTree.NewIterator(btree.Forward)
		_, _, _, hasChild, err := it.Next()
		it.Close()
		if err != nil {
			return err
		}
		if hasChild {
			return bfserr.New("volume.Remove", bfserr.DirectoryNotEmpty, nil)
		}
	}

	tx := v.j.Start()
	if err := tree.Remove(tx, []byte(name), val); err != nil {
		tx.Done(false)
		return err
	}
	if err := v.idx.RemoveName(tx, name, uint64(val)); err != nil && !bfserr.Is(err, bfserr.BadIndex) {
		tx.Done(false)
		return err
	}
	if err := v.idx.RemoveSize(tx, targetIn.Size(), uint64(val)); err != nil && !bfserr.Is(err, bfserr.BadIndex) {
		tx.Done(false)
		return err
	}
	if err := v.idx.RemoveLastModified(tx, targetIn.LastModifiedTime(), uint64(val)); err != nil && !bfserr.Is(err, bfserr.BadIndex) {
		tx.Done(false)
		return err
	}
	if err := v.removeAllAttributes(tx, targetIn); err != nil {
		tx.Done(false)
		return err
	}
	if err := targetIn.MarkDeleted(tx); err != nil {
		tx.Done(false)
		return err
	}
	if err := targetIn.Free(tx); err != nil {
		tx.Done(false)
		return err
	}
	if err := tx.Done(true); err != nil {
		return err
	}
	v.emit(Event{Kind: EntryRemoved, Directory: parentID, Name: name, InodeID: uint64(val)})
	return nil
}

// Rename moves (or renames in place) a directory entry, updating the moved
// inode's parent pointer and filename record.
func (v *Volume) Rename(oldParentID uint64, oldName string, newParentID uint64, newName string) error {
	if err := v.checkWritable("volume.Rename"); err != nil {
		return err
	}
	oldParentIn, err := v.openByID(oldParentID)
	if err != nil {
		return err
	}
	oldTree, err := v.openDirTree(oldParentIn)
	if err != nil {
		return err
	}
	val, ok, err := oldTree.Find([]byte(oldName))
	if err != nil {
		return err
	}
	if !ok {
		return bfserr.New("volume.Rename", bfserr.EntryNotFound, nil)
	}

	newParentIn := oldParentIn
	newTree := oldTree
	if newParentID != oldParentID {
		newParentIn, err = v.openByID(newParentID)
		if err != nil {
			return err
		}
		newTree, err = v.openDirTree(newParentIn)
		if err != nil {
			return err
		}
	}
	if _, exists, err := newTree.Find([]byte(newName)); err != nil {
		return err
	} else if exists {
		return bfserr.New("volume.Rename", bfserr.FileExists, nil)
	}

	movedIn, err := v.openByID(uint64(val))
	if err != nil {
		return err
	}

	tx := v.j.Start()
	if err := oldTree.Remove(tx, []byte(oldName), val); err != nil {
		tx.Done(false)
		return err
	}
	if err := newTree.Insert(tx, []byte(newName), val, false); err != nil {
		tx.Done(false)
		return err
	}
	if err := movedIn.SetParent(tx, newParentIn.Self()); err != nil {
		tx.Done(false)
		return err
	}
	if err := movedIn.SetFileName(tx, newName); err != nil {
		tx.Done(false)
		return err
	}
	if err := v.idx.RemoveName(tx, oldName, uint64(val)); err != nil && !bfserr.Is(err, bfserr.BadIndex) {
		tx.Done(false)
		return err
	}
	if err := v.idx.InsertName(tx, newName, uint64(val)); err != nil && !bfserr.Is(err, bfserr.BadIndex) {
		tx.Done(false)
		return err
	}
	if err := tx.Done(true); err != nil {
		return err
	}
	v.emit(Event{
		Kind: EntryMoved, Directory: oldParentID, NewDirectory: newParentID,
		Name: oldName, NewName: newName, InodeID: uint64(val),
	})
	return nil
}

// ReadFile reads len(p) bytes from id's data stream starting at pos.
func (v *Volume) ReadFile(id uint64, p []byte, pos int64) (int, error) {
	in, err := v.openByID(id)
	if err != nil {
		return 0, err
	}
	return in.ReadAt(p, pos)
}

// WriteFile writes p to id's data stream at pos, journaling the write and
// notifying the size index through inode.WriteAt's own NotifySizeChanged
// call and the last-modified index through inode.Touch.
func (v *Volume) WriteFile(id uint64, p []byte, pos int64) (int, error) {
	if err := v.checkWritable("volume.WriteFile"); err != nil {
		return 0, err
	}
	in, err := v.openByID(id)
	if err != nil {
		return 0, err
	}
	tx := v.j.Start()
	n, err := in.WriteAt(tx, p, pos)
	if err != nil {
		tx.Done(false)
		return 0, err
	}
	if err := in.Touch(tx, true); err != nil {
		tx.Done(false)
		return 0, err
	}
	if err := tx.Done(true); err != nil {
		return 0, err
	}
	v.emit(Event{Kind: StatChanged, InodeID: id})
	return n, nil
}

// TrimPreallocation gives back the blocks preallocated past id's logical
// size, called when the last open file descriptor on id closes.
func (v *Volume) TrimPreallocation(id uint64) error {
	if err := v.checkWritable("volume.TrimPreallocation"); err != nil {
		return err
	}
	in, err := v.openByID(id)
	if err != nil {
		return err
	}
	tx := v.j.Start()
	if err := in.TrimPreallocation(tx); err != nil {
		tx.Done(false)
		return err
	}
	return tx.Done(true)
}

// Truncate resizes id's data stream.
func (v *Volume) Truncate(id uint64, size int64) error {
	if err := v.checkWritable("volume.Truncate"); err != nil {
		return err
	}
	in, err := v.openByID(id)
	if err != nil {
		return err
	}
	tx := v.j.Start()
	if err := in.SetFileSize(tx, size); err != nil {
		tx.Done(false)
		return err
	}
	if err := tx.Done(true); err != nil {
		return err
	}
	v.emit(Event{Kind: StatChanged, InodeID: id})
	return nil
}
