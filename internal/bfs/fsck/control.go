package fsck

import "github.com/distr1/bfs/internal/bfs/ondisk"

// ControlFlags requests a specific checking behavior, mirroring the original
// bfs_control ioctl's flag bits.
const (
	FlagFixErrors ControlFlags = 1 << iota
	FlagCheckOnly
	FlagVerbose
)

type ControlFlags uint32

// ControlBlock is BFS's bfs_control ioctl structure: the host-facing handle
// a running checker reports live progress through, and the caller uses to
// steer it (fix vs. check-only).
type ControlBlock struct {
	Magic uint32

	Flags        ControlFlags
	Status       ControlStatus
	CurrentBlock uint64
	LastBlock    uint64

	ErrorCount int32
}

// ControlStatus reports which pass a running check is currently in.
type ControlStatus int32

const (
	StatusIdle ControlStatus = iota
	StatusBitmapPass
	StatusIndexRebuildPass
	StatusDone
)

// NewControlBlock returns a zeroed control block stamped with the on-disk
// magic.
func NewControlBlock() *ControlBlock {
	return &ControlBlock{Magic: ondisk.ControlMagic, Status: StatusIdle}
}
