// Package bfserr defines the error vocabulary shared by every BFS component
// and the Report helper that logs an error once at the point of failure
// before handing it back to the caller.
package bfserr

import (
	"log"

	"golang.org/x/xerrors"
)

// Kind classifies a BFS error.
type Kind int

const (
	_ Kind = iota
	BadValue
	BadData
	IoError
	NoMemory
	EntryNotFound
	NameInUse
	IsADirectory
	NotADirectory
	DirectoryNotEmpty
	FileExists
	NotAllowed
	ReadOnlyDevice
	DeviceFull
	BufferOverflow
	BadType
	BadIndex
)

func (k Kind) String() string {
	switch k {
	case BadValue:
		return "bad value"
	case BadData:
		return "bad data"
	case IoError:
		return "I/O error"
	case NoMemory:
		return "no memory"
	case EntryNotFound:
		return "entry not found"
	case NameInUse:
		return "name in use"
	case IsADirectory:
		return "is a directory"
	case NotADirectory:
		return "not a directory"
	case DirectoryNotEmpty:
		return "directory not empty"
	case FileExists:
		return "file exists"
	case NotAllowed:
		return "not allowed"
	case ReadOnlyDevice:
		return "read-only device"
	case DeviceFull:
		return "device full"
	case BufferOverflow:
		return "buffer overflow"
	case BadType:
		return "bad type"
	case BadIndex:
		return "bad index"
	default:
		return "unknown error"
	}
}

// Error is the concrete error type returned by every exported BFS operation.
// It carries the failing operation's name, the error Kind, and an optional
// underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return xerrors.Errorf("%s: %s: %w", e.Op, e.Kind, e.Err).Error()
	}
	return xerrors.Errorf("%s: %s", e.Op, e.Kind).Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error for op failing with kind, optionally wrapping a
// lower-level cause.
func New(op string, kind Kind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err is a *Error of the given kind, looking through
// xerrors/fmt wrapping.
func Is(err error, kind Kind) bool {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Report logs err once (with op as context) and returns it unchanged, so the
// diagnostic side effect stays at the point of failure while propagation
// flows through normal Go error returns.
func Report(op string, err error) error {
	if err == nil {
		return nil
	}
	log.Printf("bfs: %s: %v", op, err)
	return err
}
