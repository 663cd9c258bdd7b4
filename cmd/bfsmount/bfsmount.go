// bfsmount mounts a BFS volume image via FUSE (see internal/vfs).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/s-urbaniak/uevent"

	bfs "github.com/distr1/bfs"
	"github.com/distr1/bfs/internal/oninterrupt"
	"github.com/distr1/bfs/internal/trace"
	"github.com/distr1/bfs/internal/vfs"
)

const help = `bfsmount [-flags] <image> <mountpoint>

Mount a BFS volume image via FUSE.

Example:
  % bfsmount -block_size=2048 /tmp/vol.img /mnt/bfs
`

func main() {
	fset := flag.NewFlagSet("bfsmount", flag.ExitOnError)
	var (
		blockSize     = fset.Uint("block_size", 2048, "volume block size in bytes (must match mkbfs -block_size)")
		readOnly      = fset.Bool("readonly", false, "mount the volume read-only")
		readiness     = fset.Int("readiness", -1, "file descriptor on which to send readiness notification")
		waitForDevice = fset.Bool("wait_for_device", false, "block until the kernel announces the backing block device via a netlink uevent before mounting")
		ctracefile    = fset.String("ctracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
	)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		fmt.Fprintf(os.Stderr, "Flags for %s:\n", fset.Name())
		fset.PrintDefaults()
	}
	fset.Parse(os.Args[1:])
	if fset.NArg() != 2 {
		fset.Usage()
		os.Exit(2)
	}
	image := fset.Arg(0)
	mountpoint := fset.Arg(1)

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			log.Fatal(err)
		}
		trace.Sink(f)
	}

	if *waitForDevice {
		if err := awaitDevice(image); err != nil {
			log.Fatal(err)
		}
	}

	mountArgs := []string{
		fmt.Sprintf("-block_size=%d", *blockSize),
		fmt.Sprintf("-readonly=%v", *readOnly),
		fmt.Sprintf("-readiness=%d", *readiness),
		image,
		mountpoint,
	}

	ctx := context.Background()
	join, err := vfs.Mount(ctx, mountArgs)
	if err != nil {
		log.Fatal(err)
	}

	bfs.RegisterAtExit(func() error {
		return fuse.Unmount(mountpoint)
	})
	oninterrupt.Register(func() {
		if err := bfs.RunAtExit(); err != nil {
			log.Printf("unmount: %v", err)
		}
	})

	if err := join(ctx); err != nil {
		log.Fatal(err)
	}
}

// awaitDevice blocks until the backing device node exists, listening
// for kernel add uevents so a mount unit ordered before device
// enumeration still comes up.
func awaitDevice(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if !strings.HasPrefix(path, "/dev/") {
		return fmt.Errorf("%s does not exist", path)
	}
	r, err := uevent.NewReader()
	if err != nil {
		return err
	}
	defer r.Close()
	dec := uevent.NewDecoder(r)
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		ev, err := dec.Decode()
		if err != nil {
			return err
		}
		devname, ok := ev.Vars["DEVNAME"]
		if !ok || ev.Action != "add" {
			continue
		}
		if "/dev/"+devname != path {
			continue
		}
		// The node may appear slightly after the event.
		for i := 0; i < 100; i++ {
			if _, err := os.Stat(path); err == nil {
				return nil
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	return fmt.Errorf("%s did not appear within 30s", path)
}
