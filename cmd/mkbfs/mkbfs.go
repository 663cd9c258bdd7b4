// mkbfs creates a new BFS volume, either atomically as a fresh image
// file (written to a temp file and renamed into place) or in-place on
// an existing block device.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"

	bfs "github.com/distr1/bfs"
	"github.com/distr1/bfs/internal/bfs/cache"
	"github.com/distr1/bfs/internal/bfs/volume"
	"github.com/distr1/bfs/internal/trace"
)

const help = `mkbfs [-flags] <image-or-device>

Initialize a BFS volume.

Example:
  % mkbfs -name=TestVol -size=$((64*1024*1024)) /tmp/vol.img
`

func main() {
	fset := flag.NewFlagSet("mkbfs", flag.ExitOnError)
	var (
		name       = fset.String("name", "Unnamed", "volume name (at most 31 bytes)")
		blockSize  = fset.Uint("block_size", 2048, "block size in bytes (power of two, 512..16384)")
		size       = fset.Int64("size", 0, "volume size in bytes; 0 keeps an existing file/device size")
		ctracefile = fset.String("ctracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
	)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		fmt.Fprintf(os.Stderr, "Flags for %s:\n", fset.Name())
		fset.PrintDefaults()
	}
	fset.Parse(os.Args[1:])
	if fset.NArg() != 1 {
		fset.Usage()
		os.Exit(2)
	}
	target := fset.Arg(0)

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			log.Fatal(err)
		}
		trace.Sink(f)
	}

	if err := mkfs(target, *name, uint32(*blockSize), *size); err != nil {
		log.Fatal(err)
	}
	if err := bfs.RunAtExit(); err != nil {
		log.Fatal(err)
	}
}

func mkfs(target, name string, blockSize uint32, size int64) error {
	fi, err := os.Stat(target)
	switch {
	case err == nil && fi.Mode()&os.ModeDevice != 0:
		return mkfsInPlace(target, name, blockSize)
	case err == nil && size == 0:
		size = fi.Size()
	case err != nil && size == 0:
		return fmt.Errorf("%s does not exist; -size is required to create it", target)
	}
	return mkfsAtomic(target, name, blockSize, size)
}

// mkfsAtomic builds the volume in a temp file next to target and
// renames it into place, so a crashed mkfs never leaves a half-written
// image behind.
func mkfsAtomic(target, name string, blockSize uint32, size int64) error {
	if size%int64(blockSize) != 0 {
		return fmt.Errorf("size %d is not a multiple of block size %d", size, blockSize)
	}
	t, err := renameio.TempFile("", target)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if err := t.Truncate(size); err != nil {
		return err
	}

	dev := cache.NewFileDevice(t.File, blockSize, uint64(size)/uint64(blockSize))
	vol, err := volume.Initialize(dev, name, volume.Options{})
	if err != nil {
		return err
	}
	if err := vol.Unmount(); err != nil {
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return err
	}
	log.Printf("initialized %q (%d blocks of %d bytes) at %s", name, uint64(size)/uint64(blockSize), blockSize, target)
	return nil
}

// mkfsInPlace formats an existing block device under an exclusive
// flock, refusing to race a concurrent mount.
func mkfsInPlace(target, name string, blockSize uint32) error {
	dev, err := cache.OpenFile(target, blockSize, false)
	if err != nil {
		return err
	}
	defer dev.Close()
	if err := unix.Flock(int(dev.File().Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("flock %s: %v (is the device mounted?)", target, err)
	}
	vol, err := volume.Initialize(dev, name, volume.Options{})
	if err != nil {
		return err
	}
	if err := vol.Unmount(); err != nil {
		return err
	}
	log.Printf("initialized %q (%d blocks of %d bytes) on %s", name, dev.NumBlocks(), blockSize, target)
	return nil
}
