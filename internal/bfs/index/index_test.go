package index

import (
	"testing"

	"github.com/distr1/bfs/internal/bfs/bfserr"
)

type fixedClock struct{ sec int64 }

func (c *fixedClock) Now() int64 { return c.sec }

func TestPackNowUniquifierAvoidsCollisions(t *testing.T) {
	m := NewManager(&fixedClock{sec: 1000})
	a := m.PackNow()
	b := m.PackNow()
	if a == b {
		t.Fatalf("two PackNow calls in the same second collided: %d", a)
	}
	if a>>16 != 1000 || b>>16 != 1000 {
		t.Fatalf("seconds part mangled: %d, %d", a>>16, b>>16)
	}
}

type recordingListener struct {
	calls []string
}

func (l *recordingListener) IndexUpdated(name string, oldKey, newKey []byte, inodeID uint64) {
	l.calls = append(l.calls, name)
}

func TestUpdateBroadcastsEvenWithoutIndex(t *testing.T) {
	m := NewManager(&fixedClock{})
	l := &recordingListener{}
	m.AddListener(l)

	// No index named "tag" exists: the update must still fan out to
	// listeners before failing with BadIndex, so live queries observe
	// attributes nobody indexed.
	err := m.Update(nil, "tag", nil, []byte("v"), 42)
	if !bfserr.Is(err, bfserr.BadIndex) {
		t.Fatalf("Update = %v, want BadIndex", err)
	}
	if len(l.calls) != 1 || l.calls[0] != "tag" {
		t.Fatalf("listener calls = %v, want [tag]", l.calls)
	}

	m.RemoveListener(l)
	if err := m.Update(nil, "tag", nil, []byte("w"), 42); !bfserr.Is(err, bfserr.BadIndex) {
		t.Fatalf("Update after RemoveListener = %v, want BadIndex", err)
	}
	if len(l.calls) != 1 {
		t.Fatalf("removed listener still called: %v", l.calls)
	}
}

func TestBuiltinWrappersSwallowMissingIndex(t *testing.T) {
	m := NewManager(&fixedClock{})
	// Index mutations failing with BadIndex are logged and ignored;
	// the namespace operation still succeeds.
	if err := m.InsertName(nil, "f", 1); err != nil {
		t.Fatalf("InsertName without an index = %v, want nil", err)
	}
	if err := m.RemoveSize(nil, 11, 1); err != nil {
		t.Fatalf("RemoveSize without an index = %v, want nil", err)
	}
	if _, err := m.UpdateLastModified(nil, 0, nil, 1); err != nil {
		t.Fatalf("UpdateLastModified without an index = %v, want nil", err)
	}
}
