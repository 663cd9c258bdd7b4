// Package vfs bridges a mounted BFS volume to the kernel via FUSE. It is the
// VFS-integration collaborator the filesystem core deliberately excludes:
// everything in here translates fuseops traffic into volume.Volume calls and
// back, and nothing below package volume knows it exists.
package vfs

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/distr1/bfs/internal/addrfd"
	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/cache"
	"github.com/distr1/bfs/internal/bfs/ondisk"
	"github.com/distr1/bfs/internal/bfs/volume"
)

const help = `bfsmount [-flags] <image> <mountpoint>

Mount a BFS volume image via FUSE.

Example:
  % bfsmount -block_size=2048 /tmp/vol.img /mnt/bfs
`

// attrTypeRaw is the small-data type code recorded for attributes written
// through the xattr surface, which carries no type information of its own.
const attrTypeRaw = 0x52415744 // 'RAWD'

// Mount opens the volume image named by args, mounts it at the given
// mountpoint and returns a join function that blocks until the filesystem is
// unmounted.
func Mount(ctx context.Context, args []string) (join func(context.Context) error, _ error) {
	fset := flag.NewFlagSet("mount", flag.ExitOnError)
	var (
		blockSize = fset.Uint("block_size", 2048, "volume block size in bytes (must match mkbfs -block_size)")
		readOnly  = fset.Bool("readonly", false, "mount the volume read-only")
		readiness = fset.Int("readiness", -1, "file descriptor on which to send readiness notification")
	)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		fmt.Fprintf(os.Stderr, "Flags for bfs %s:\n", fset.Name())
		fset.PrintDefaults()
	}
	fset.Parse(args)
	if fset.NArg() != 2 {
		return nil, xerrors.Errorf("syntax: mount <image> <mountpoint>")
	}
	image := fset.Arg(0)
	mountpoint := fset.Arg(1)

	dev, err := cache.OpenFile(image, uint32(*blockSize), *readOnly)
	if err != nil {
		return nil, xerrors.Errorf("opening %s: %w", image, err)
	}
	// An exclusive lock on the image keeps a second mount (or a concurrent
	// mkbfs) from scribbling over the journal.
	if err := unix.Flock(int(dev.File().Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		dev.Close()
		return nil, xerrors.Errorf("flock %s: %w", image, err)
	}

	vol, err := volume.Open(dev, volume.Options{ReadOnly: *readOnly})
	if err != nil {
		dev.Close()
		return nil, xerrors.Errorf("opening volume: %w", err)
	}

	fs := &fuseFS{vol: vol, dev: dev}
	server := fuseutil.NewFileSystemServer(fs)

	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "bfs",
		ReadOnly: *readOnly,
		Options: map[string]string{
			"allow_other": "",
		},
		EnableSymlinkCaching: false, // targets change on rename
	})
	if err != nil {
		vol.Unmount()
		dev.Close()
		return nil, xerrors.Errorf("fuse.Mount: %v", err)
	}

	join = func(ctx context.Context) error {
		defer func() {
			if err := fuse.Unmount(mountpoint); err != nil {
				fmt.Fprintf(os.Stderr, "fuse.Unmount: %v\n", err)
			}
		}()
		return mfs.Join(ctx)
	}

	addrfd.MustWrite(mountpoint)
	if *readiness != -1 {
		os.NewFile(uintptr(*readiness), "").Close()
	}

	return join, nil
}

type fuseFS struct {
	fuseutil.NotImplementedFileSystem

	vol *volume.Volume
	dev *cache.FileDevice
}

// attrCacheExpiration bounds how long the kernel may cache attributes. BFS
// inodes are mutable, so the window is short.
const attrCacheExpiration = 1 * time.Second

// fuseInode maps a BFS inode id to a FUSE inode id. FUSE fixes the root at
// 1; BFS never allocates an inode at device block 1 (the first inode sits
// above the log extent), so the root is the only id that needs remapping.
func (fs *fuseFS) fuseInode(id uint64) fuseops.InodeID {
	if id == fs.vol.RootID() {
		return fuseops.RootInodeID
	}
	return fuseops.InodeID(id)
}

func (fs *fuseFS) bfsInode(i fuseops.InodeID) uint64 {
	if i == fuseops.RootInodeID {
		return fs.vol.RootID()
	}
	return uint64(i)
}

// errno translates a bfserr kind into the errno FUSE reports to the kernel.
func errno(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case bfserr.Is(err, bfserr.EntryNotFound):
		return fuse.ENOENT
	case bfserr.Is(err, bfserr.NameInUse), bfserr.Is(err, bfserr.FileExists):
		return syscall.EEXIST
	case bfserr.Is(err, bfserr.NotADirectory):
		return syscall.ENOTDIR
	case bfserr.Is(err, bfserr.IsADirectory):
		return syscall.EISDIR
	case bfserr.Is(err, bfserr.DirectoryNotEmpty):
		return syscall.ENOTEMPTY
	case bfserr.Is(err, bfserr.NotAllowed), bfserr.Is(err, bfserr.ReadOnlyDevice):
		return syscall.EROFS
	case bfserr.Is(err, bfserr.DeviceFull):
		return syscall.ENOSPC
	case bfserr.Is(err, bfserr.BadValue):
		return fuse.EINVAL
	default:
		log.Println(err)
		return fuse.EIO
	}
}

func mode(m uint32) os.FileMode {
	fm := os.FileMode(m & 0777)
	switch m & ondisk.TypeMaskPosix {
	case ondisk.TypeDir:
		fm |= os.ModeDir
	case ondisk.TypeSymlink:
		fm |= os.ModeSymlink
	}
	return fm
}

func bfsTime(t int64) time.Time {
	secs, _ := ondisk.UnpackTime(t)
	return time.Unix(secs, 0)
}

func (fs *fuseFS) attributes(st volume.Stat) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  uint64(st.Size),
		Nlink: 1,
		Mode:  mode(st.Mode),
		Uid:   st.UID,
		Gid:   st.GID,
		Atime: bfsTime(st.LastModifiedTime),
		Mtime: bfsTime(st.LastModifiedTime),
		Ctime: bfsTime(st.StatusChangeTime),
	}
}

func (fs *fuseFS) childEntry(id uint64, entry *fuseops.ChildInodeEntry) error {
	st, err := fs.vol.Stat(id)
	if err != nil {
		return errno(err)
	}
	entry.Child = fs.fuseInode(id)
	entry.Attributes = fs.attributes(st)
	entry.AttributesExpiration = time.Now().Add(attrCacheExpiration)
	entry.EntryExpiration = time.Now().Add(attrCacheExpiration)
	return nil
}

func (fs *fuseFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	total := fs.vol.NumBlocks()
	used := fs.vol.UsedBlocks()
	op.BlockSize = fs.vol.BlockSize()
	op.Blocks = total
	op.BlocksFree = total - used
	op.BlocksAvailable = total - used
	op.IoSize = 65536
	return nil
}

func (fs *fuseFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	id, err := fs.vol.Lookup(fs.bfsInode(op.Parent), op.Name)
	if err != nil {
		return errno(err)
	}
	return fs.childEntry(id, &op.Entry)
}

func (fs *fuseFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	st, err := fs.vol.Stat(fs.bfsInode(op.Inode))
	if err != nil {
		return errno(err)
	}
	op.Attributes = fs.attributes(st)
	op.AttributesExpiration = time.Now().Add(attrCacheExpiration)
	return nil
}

func (fs *fuseFS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	id := fs.bfsInode(op.Inode)
	if op.Size != nil {
		if err := fs.vol.Truncate(id, int64(*op.Size)); err != nil {
			return errno(err)
		}
	}
	st, err := fs.vol.Stat(id)
	if err != nil {
		return errno(err)
	}
	op.Attributes = fs.attributes(st)
	op.AttributesExpiration = time.Now().Add(attrCacheExpiration)
	return nil
}

func (fs *fuseFS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	id, err := fs.vol.CreateDir(fs.bfsInode(op.Parent), op.Name, currentUID(), currentGID())
	if err != nil {
		return errno(err)
	}
	return fs.childEntry(id, &op.Entry)
}

func (fs *fuseFS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	id, err := fs.vol.CreateFile(fs.bfsInode(op.Parent), op.Name, currentUID(), currentGID())
	if err != nil {
		return errno(err)
	}
	return fs.childEntry(id, &op.Entry)
}

func (fs *fuseFS) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	id, err := fs.vol.CreateSymlink(fs.bfsInode(op.Parent), op.Name, op.Target, currentUID(), currentGID())
	if err != nil {
		return errno(err)
	}
	return fs.childEntry(id, &op.Entry)
}

func (fs *fuseFS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	return errno(fs.vol.Rename(fs.bfsInode(op.OldParent), op.OldName, fs.bfsInode(op.NewParent), op.NewName))
}

func (fs *fuseFS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return errno(fs.vol.Remove(fs.bfsInode(op.Parent), op.Name))
}

func (fs *fuseFS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return errno(fs.vol.Remove(fs.bfsInode(op.Parent), op.Name))
}

func (fs *fuseFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	return nil
}

func (fs *fuseFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	dirID := fs.bfsInode(op.Inode)
	entries, err := fs.vol.ReadDir(dirID)
	if err != nil {
		return errno(err)
	}
	// "." and ".." are synthesized here rather than stored: the B+tree holds
	// only real entries, and the parent is in the inode header.
	if int(op.Offset) > len(entries) {
		return nil
	}
	for i, e := range entries[op.Offset:] {
		typ := fuseutil.DT_File
		if st, err := fs.vol.Stat(e.InodeID); err == nil {
			switch st.Mode & ondisk.TypeMaskPosix {
			case ondisk.TypeDir:
				typ = fuseutil.DT_Directory
			case ondisk.TypeSymlink:
				typ = fuseutil.DT_Link
			}
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: op.Offset + fuseops.DirOffset(i) + 1,
			Inode:  fs.fuseInode(e.InodeID),
			Name:   e.Name,
			Type:   typ,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *fuseFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	return nil
}

func (fs *fuseFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	n, err := fs.vol.ReadFile(fs.bfsInode(op.Inode), op.Dst, op.Offset)
	op.BytesRead = n
	if err != nil && !bfserr.Is(err, bfserr.BadValue) {
		return errno(err)
	}
	return nil
}

func (fs *fuseFS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	_, err := fs.vol.WriteFile(fs.bfsInode(op.Inode), op.Data, op.Offset)
	return errno(err)
}

func (fs *fuseFS) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return errno(fs.vol.Cache().Sync())
}

func (fs *fuseFS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	if !fs.vol.ReadOnly() {
		if err := fs.vol.TrimPreallocation(fs.bfsInode(op.Inode)); err != nil {
			return errno(err)
		}
	}
	return errno(fs.vol.Cache().Sync())
}

func (fs *fuseFS) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	target, err := fs.vol.ReadSymlink(fs.bfsInode(op.Inode))
	if err != nil {
		return errno(err)
	}
	op.Target = target
	return nil
}

func (fs *fuseFS) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	names, err := fs.vol.ListAttributes(fs.bfsInode(op.Inode))
	if err != nil {
		return errno(err)
	}
	for _, name := range names {
		op.BytesRead += len(name) + 1
	}
	if op.BytesRead > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}
	copied := 0
	for _, name := range names {
		copy(op.Dst[copied:], name)
		copied += len(name) + 1
		op.Dst[copied-1] = 0
	}
	return nil
}

func (fs *fuseFS) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	_, val, ok, err := fs.vol.GetAttribute(fs.bfsInode(op.Inode), op.Name)
	if err != nil {
		return errno(err)
	}
	if !ok {
		return syscall.ENODATA
	}
	op.BytesRead = len(val)
	if op.BytesRead > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}
	copy(op.Dst, val)
	return nil
}

func (fs *fuseFS) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	return errno(fs.vol.SetAttribute(fs.bfsInode(op.Inode), op.Name, attrTypeRaw, op.Value))
}

func (fs *fuseFS) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	err := fs.vol.DeleteAttribute(fs.bfsInode(op.Inode), op.Name)
	if bfserr.Is(err, bfserr.EntryNotFound) {
		return syscall.ENODATA
	}
	return errno(err)
}

func (fs *fuseFS) Destroy() {
	if err := fs.vol.Unmount(); err != nil {
		log.Printf("unmounting volume: %v", err)
	}
	fs.dev.Close()
}

func currentUID() uint32 { return uint32(os.Getuid()) }
func currentGID() uint32 { return uint32(os.Getgid()) }
