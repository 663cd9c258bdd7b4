package vfs

import (
	"os"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse"

	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/ondisk"
)

func TestModeTranslation(t *testing.T) {
	for _, tt := range []struct {
		in   uint32
		want os.FileMode
	}{
		{ondisk.TypeRegular | 0644, 0644},
		{ondisk.TypeDir | 0755, os.ModeDir | 0755},
		{ondisk.TypeSymlink | 0777, os.ModeSymlink | 0777},
	} {
		if got := mode(tt.in); got != tt.want {
			t.Errorf("mode(%o) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBFSTime(t *testing.T) {
	packed := ondisk.PackTime(1700000000, 42)
	if got := bfsTime(packed).Unix(); got != 1700000000 {
		t.Errorf("bfsTime seconds = %d, want 1700000000", got)
	}
}

func TestErrnoMapping(t *testing.T) {
	for _, tt := range []struct {
		kind bfserr.Kind
		want error
	}{
		{bfserr.EntryNotFound, fuse.ENOENT},
		{bfserr.FileExists, syscall.EEXIST},
		{bfserr.NotADirectory, syscall.ENOTDIR},
		{bfserr.DirectoryNotEmpty, syscall.ENOTEMPTY},
		{bfserr.ReadOnlyDevice, syscall.EROFS},
		{bfserr.DeviceFull, syscall.ENOSPC},
	} {
		if got := errno(bfserr.New("test", tt.kind, nil)); got != tt.want {
			t.Errorf("errno(%v) = %v, want %v", tt.kind, got, tt.want)
		}
	}
	if got := errno(nil); got != nil {
		t.Errorf("errno(nil) = %v, want nil", got)
	}
}
