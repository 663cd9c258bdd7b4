package cache

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGetWritableRelease(t *testing.T) {
	dev := NewMemDevice(512, 4)
	c := New(dev)

	wb, err := c.GetWritable(1, false)
	if err != nil {
		t.Fatal(err)
	}
	copy(wb.Bytes(), []byte("hello"))
	wb.MarkDirty()
	if err := wb.Release(); err != nil {
		t.Fatal(err)
	}

	b, err := c.Get(1, false)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b.Bytes()[:5]), "hello"; got != want {
		t.Errorf("Bytes() = %q, want %q", got, want)
	}
}

func TestReleaseWithoutDirtyLeavesBlockClean(t *testing.T) {
	dev := NewMemDevice(512, 2)
	c := New(dev)

	wb, err := c.GetWritable(0, false)
	if err != nil {
		t.Fatal(err)
	}
	copy(wb.Bytes(), []byte("untouched"))
	if err := wb.Release(); err != nil { // not marked dirty
		t.Fatal(err)
	}

	b, err := c.Get(0, false)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]byte, 512)
	if diff := cmp.Diff(want, b.Bytes()); diff != "" {
		t.Errorf("unexpected write-through despite no MarkDirty (-want +got):\n%s", diff)
	}
}

func TestListenerFiresOnRelease(t *testing.T) {
	dev := NewMemDevice(512, 2)
	c := New(dev)

	fired := make(chan uint64, 1)
	c.RegisterListener(0, func(block uint64) { fired <- block })

	wb, err := c.GetWritable(0, false)
	if err != nil {
		t.Fatal(err)
	}
	wb.MarkDirty()
	if err := wb.Release(); err != nil {
		t.Fatal(err)
	}

	select {
	case b := <-fired:
		if b != 0 {
			t.Errorf("listener fired for block %d, want 0", b)
		}
	default:
		t.Fatal("listener did not fire")
	}
}

func TestReadOnlyDeviceRejectsWritable(t *testing.T) {
	dev := NewMemDevice(512, 1)
	dev.SetReadOnly(true)
	c := New(dev)

	if _, err := c.GetWritable(0, false); err == nil {
		t.Fatal("GetWritable on read-only device should fail")
	}
}
