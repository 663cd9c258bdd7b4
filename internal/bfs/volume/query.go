package volume

import (
	"github.com/distr1/bfs/internal/bfs/query"
)

// RunQuery parses and executes a predicate expression against the volume's
// indices, returning every matching inode id.
func (v *Volume) RunQuery(q string) ([]uint64, error) {
	expr, err := query.Parse(q)
	if err != nil {
		return nil, err
	}
	return v.qe.Evaluate(expr)
}

// OpenLiveQuery runs q and additionally registers it for streaming
// notifications on matching attribute/name mutations. The caller owns the
// returned LiveQuery and must Close it.
func (v *Volume) OpenLiveQuery(q string, bufSize int) (*query.LiveQuery, error) {
	return query.NewLiveQuery(v.idx, v.lookupAttribute, q, bufSize)
}

// Name returns the volume label recorded at Initialize time.
func (v *Volume) Name() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sb.VolumeName()
}

// UsedBlocks reports the superblock's current used-block count.
func (v *Volume) UsedBlocks() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sb.UsedBlocks
}
