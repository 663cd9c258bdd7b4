package volume

import (
	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/journal"
)

// EventKind distinguishes the five notification hooks a mounted volume
// delivers on namespace mutations.
type EventKind int

const (
	EntryCreated EventKind = iota
	EntryRemoved
	EntryMoved
	StatChanged
	AttributeChanged
)

// Event is one namespace-change notification.
type Event struct {
	Kind EventKind

	Directory    uint64 // containing directory's inode id
	NewDirectory uint64 // EntryMoved only: the destination directory
	Name         string
	NewName      string // EntryMoved only
	InodeID      uint64
	Attribute    string // AttributeChanged only
}

// Listener receives every Event a mounted volume emits. No package in this
// repository registers one; live queries listen independently for
// attribute-level changes through index.Manager's own Update broadcasts.
type Listener interface {
	HandleEvent(Event)
}

// AddListener registers l for every future Event.
func (v *Volume) AddListener(l Listener) {
	v.listenersMu.Lock()
	defer v.listenersMu.Unlock()
	v.listeners = append(v.listeners, l)
}

// RemoveListener undoes AddListener.
func (v *Volume) RemoveListener(l Listener) {
	v.listenersMu.Lock()
	defer v.listenersMu.Unlock()
	for i, o := range v.listeners {
		if o == l {
			v.listeners = append(v.listeners[:i], v.listeners[i+1:]...)
			return
		}
	}
}

func (v *Volume) emit(e Event) {
	v.listenersMu.Lock()
	ls := append([]Listener(nil), v.listeners...)
	v.listenersMu.Unlock()
	for _, l := range ls {
		l.HandleEvent(e)
	}
}

// NotifySizeChanged implements inode.Volume: it keeps the size index in step
// and emits a stat-changed event.
func (v *Volume) NotifySizeChanged(tx *journal.Transaction, id uint64, oldSize, newSize int64) {
	if tx != nil {
		if err := v.idx.UpdateSize(tx, oldSize, newSize, id); err != nil {
			bfserr.Report("volume.NotifySizeChanged", err)
		}
	}
	v.emit(Event{Kind: StatChanged, InodeID: id})
}

// NotifyTimeChanged implements inode.Volume: it keeps the last-modified
// index in step and emits a stat-changed event.
func (v *Volume) NotifyTimeChanged(tx *journal.Transaction, id uint64, oldTime, newTime int64) {
	if tx != nil {
		if _, err := v.idx.UpdateLastModified(tx, oldTime, &newTime, id); err != nil {
			bfserr.Report("volume.NotifyTimeChanged", err)
		}
	}
	v.emit(Event{Kind: StatChanged, InodeID: id})
}
