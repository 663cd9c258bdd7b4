// Package journal implements BFS's write-ahead log: transactions are grouped
// into log entries, flushed as a descriptor-plus-payload-blocks record, and
// replayed on mount after an unclean shutdown.
package journal

import (
	"encoding/binary"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/orcaman/writerseeker"
	"golang.org/x/exp/slices"

	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/cache"
	"github.com/distr1/bfs/internal/bfs/ondisk"
	"github.com/distr1/bfs/internal/trace"
)

// SuperBlockIO is the narrow slice of superblock state/persistence the
// journal needs, implemented by package volume. Keeping it as an interface
// (rather than importing volume, which would be circular) keeps the package
// dependency direction acyclic.
type SuperBlockIO interface {
	LogExtent() ondisk.BlockRun
	BlocksPerGroup() uint32
	NumBlocks() uint64
	LogStart() int64
	LogEnd() int64
	SetLogPointers(start, end int64)
	SetDirty(dirty bool)
	WriteSuperBlock() error

	// Panic marks the volume read-only after an unrecoverable journal
	// failure and returns err for the caller to propagate.
	Panic(op string, err error) error
}

// entry is one batch of transactions flushed together.
type entry struct {
	blocks []uint64 // sorted, distinct, the union footprint of every transaction in this entry

	pending int32 // blocks not yet confirmed written back by a cache listener
	retired bool

	committedCount int // number of transactions that reached Done(true)
	openCount      int // transactions currently open against this entry
}

func (e *entry) addBlocks(blocks []uint64) {
	set := make(map[uint64]bool, len(e.blocks)+len(blocks))
	for _, b := range e.blocks {
		set[b] = true
	}
	for _, b := range blocks {
		set[b] = true
	}
	out := make([]uint64, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	slices.Sort(out)
	e.blocks = out
}

// Journal serialises metadata writes for one volume into transactions and
// flushes them as log entries.
type Journal struct {
	c  *cache.Cache
	sb SuperBlockIO

	mu      sync.Mutex // the volume's journal lock
	current *entry
	queue   []*entry // entries awaiting retirement, FIFO

	logSizeBlocks int64
}

// New creates a Journal bound to cache c and superblock accessor sb.
func New(c *cache.Cache, sb SuperBlockIO) *Journal {
	run := sb.LogExtent()
	return &Journal{
		c:             c,
		sb:            sb,
		logSizeBlocks: int64(run.Length),
	}
}

// Transaction is one logical mutating operation. Nested transactions are
// modeled explicitly: call Nested on an already-open Transaction rather than
// Journal.Start again, since Go has no implicit per-thread reentrance to
// detect nesting automatically.
type Transaction struct {
	j         *Journal
	e         *entry
	footprint []uint64 // this transaction's own touched block numbers, sorted distinct
	done      bool
}

// Start begins a new outermost transaction, acquiring the journal lock for
// the duration of this call only; the lock is not held for the whole
// transaction lifetime.
func (j *Journal) Start() *Transaction {
	j.mu.Lock()
	if j.current == nil {
		j.current = &entry{}
	}
	j.current.openCount++
	e := j.current
	j.mu.Unlock()
	return &Transaction{j: j, e: e}
}

// Nested returns a child transaction merged into t's log entry.
func (t *Transaction) Nested() *Transaction {
	t.j.mu.Lock()
	t.e.openCount++
	t.j.mu.Unlock()
	return &Transaction{j: t.j, e: t.e}
}

// LogBlocks records that blockNumber was modified as part of this
// transaction. The caller is expected to have already written the new
// contents through a cache.WritableBlock; LogBlocks only needs the block
// number, since Flush re-reads current cache contents at flush time.
func (t *Transaction) LogBlocks(blockNumber uint64) {
	i := sort.Search(len(t.footprint), func(i int) bool { return t.footprint[i] >= blockNumber })
	if i < len(t.footprint) && t.footprint[i] == blockNumber {
		return
	}
	t.footprint = append(t.footprint, 0)
	copy(t.footprint[i+1:], t.footprint[i:])
	t.footprint[i] = blockNumber
}

// flushThresholdBlocks is the logged-block count (a quarter of the log
// capacity, at least 1) at which an entry flushes eagerly.
func (j *Journal) flushThresholdBlocks() int64 {
	quarter := j.logSizeBlocks / 4
	half := j.logSizeBlocks / 2
	if quarter > half {
		return half
	}
	if quarter == 0 {
		return 1
	}
	return quarter
}

// Done releases this transaction's reference on its log entry. If success is
// false and no sibling transaction of this entry has committed yet, the
// entry is discarded outright; once any sibling has committed, failure is
// forced to success, because partial rollback of a shared entry is not
// supported.
func (t *Transaction) Done(success bool) error {
	if t.done {
		return nil
	}
	t.done = true

	t.j.mu.Lock()
	e := t.e
	e.openCount--
	if success {
		e.committedCount++
		e.addBlocks(t.footprint)
	} else if e.committedCount == 0 {
		// Nothing durable depends on this entry yet: drop it.
		if t.j.current == e {
			t.j.current = nil
		}
		t.j.mu.Unlock()
		return nil
	} else {
		// Partial rollback is not supported once a sibling committed; force
		// success.
		e.committedCount++
		e.addBlocks(t.footprint)
	}
	flushNow := e.openCount == 0 && int64(len(e.blocks)) >= t.j.flushThresholdBlocks()
	if flushNow && t.j.current == e {
		// Claim the entry for flushing so new transactions accumulate into a fresh
		// one instead of racing this flush.
		t.j.current = nil
	}
	t.j.mu.Unlock()

	if flushNow {
		if err := t.j.flush(e); err != nil {
			// A failed flush leaves the disk recoverable by replay, but
			// this mount must not write any further.
			return t.j.sb.Panic("journal.flush", err)
		}
	}
	return nil
}

// Flush forces any currently-accumulating entry to be written out now, e.g.
// before unmount.
func (j *Journal) Flush() error {
	j.mu.Lock()
	e := j.current
	if e != nil && e.openCount == 0 {
		j.current = nil
	} else {
		e = nil
	}
	j.mu.Unlock()
	if e == nil || len(e.blocks) == 0 {
		return nil
	}
	if err := j.flush(e); err != nil {
		return j.sb.Panic("journal.flush", err)
	}
	return nil
}

// descriptorBlocks returns how many log blocks the (count + block-id array)
// descriptor for n block references occupies; descriptors always end on a
// block boundary.
func (j *Journal) descriptorBlocks(n int) int64 {
	blockSize := int64(j.c.Device().BlockSize())
	bytes := int64(8 + n*8) // count word + n 64-bit block numbers, padded below
	return (bytes + blockSize - 1) / blockSize
}

// flush writes one log entry out: reserve log space, write the descriptor,
// copy the payload blocks, arm the retirement listeners, force durability,
// then publish the new log-end in the superblock.
func (j *Journal) flush(e *entry) error {
	ev := trace.Event("journal.flush", 0)
	defer ev.Done()

	descBlocks := j.descriptorBlocks(len(e.blocks))
	total := descBlocks + int64(len(e.blocks))

	// (1) Ensure free log space >= transaction size; if short, the real
	// implementation requests a cache flush to let previous entries retire and
	// retries up to half the log length. Our queue already only grows by
	// retiring entries from the head, so we simply wait for enough of it to
	// drain.
	for attempt := int64(0); j.freeLogBlocks() < total; attempt++ {
		if attempt > j.logSizeBlocks/2 {
			return bfserr.New("journal.flush", bfserr.DeviceFull, nil)
		}
		if err := j.c.Sync(); err != nil {
			return err
		}
		j.retireCompleted()
	}

	// (2) Compute log position = current log-end.
	pos := j.sb.LogEnd()
	startPos := pos
	wrapped := false

	// (3) Write descriptor blocks.
	if err := j.writeDescriptor(pos, e.blocks); err != nil {
		return err
	}
	pos = j.advance(pos, descBlocks, &wrapped)

	// (4) For every block-id, copy its current cached contents into the log
	// extent at the next position.
	for _, blockNum := range e.blocks {
		b, err := j.c.Get(blockNum, false)
		if err != nil {
			return err
		}
		if err := j.writeLogBlock(pos, b.Bytes()); err != nil {
			return err
		}
		pos = j.advance(pos, 1, &wrapped)
	}

	// (5) Install a per-block listener: when the block is later written through
	// for real, decrement pending; retire the entry at zero.
	e.pending = int32(len(e.blocks))
	for _, blockNum := range e.blocks {
		bn := blockNum
		j.c.RegisterListener(bn, func(uint64) {
			j.onBlockWrittenThrough(e, bn)
		})
	}

	j.mu.Lock()
	j.queue = append(j.queue, e)
	j.mu.Unlock()

	// (6) Force media-side durability before announcing success.
	if err := j.c.Sync(); err != nil {
		return err
	}

	// (7) If the write wrapped past the end of the log, force a full cache
	// flush so no block a live entry still needs is overwritten.
	if wrapped {
		if err := j.c.Sync(); err != nil {
			return err
		}
	}

	// (8) Set superblock flags = DIRTY; update log-end; rewrite the superblock.
	j.sb.SetDirty(true)
	j.sb.SetLogPointers(startPos, pos)
	if err := j.sb.WriteSuperBlock(); err != nil {
		return err
	}
	return nil
}

// Replay re-applies every log entry between the superblock's recorded
// log-start and log-end, for recovery after an unclean unmount. Descriptor
// blocks are read first to learn the entry's footprint, then that many data
// blocks are copied verbatim to their recorded destinations, ignoring what
// kind of structure (bitmap, inode, B+tree node) they belong to: the journal
// never interprets payload contents.
func (j *Journal) Replay() error {
	start, end := j.sb.LogStart(), j.sb.LogEnd()
	if start == end {
		return nil
	}

	pos := start
	for pos != end {
		n, err := j.readDescriptorCount(pos)
		if err != nil {
			return err
		}
		// A count that cannot fit in the log means the descriptor is garbage, not
		// a half-written entry; refuse to replay it.
		if int64(n) >= j.logSizeBlocks {
			return bfserr.New("journal.Replay", bfserr.BadData, nil)
		}
		descBlocks := j.descriptorBlocks(int(n))
		blocks, err := j.readDescriptorBlocks(pos, int(n), descBlocks)
		if err != nil {
			return err
		}
		for _, target := range blocks {
			if target == 0 || target >= j.sb.NumBlocks() {
				return bfserr.New("journal.Replay", bfserr.BadData, nil)
			}
		}

		wrapped := false
		dataPos := j.advance(pos, descBlocks, &wrapped)
		for _, target := range blocks {
			wb, err := j.c.GetWritable(target, true)
			if err != nil {
				return err
			}
			logWb, err := j.c.Get(j.logBlockAddr(dataPos), false)
			if err != nil {
				return err
			}
			copy(wb.Bytes(), logWb.Bytes())
			wb.MarkDirty()
			if err := wb.Release(); err != nil {
				return err
			}
			dataPos = j.advance(dataPos, 1, &wrapped)
		}
		pos = dataPos
	}

	j.sb.SetLogPointers(end, end)
	j.sb.SetDirty(false)
	return j.sb.WriteSuperBlock()
}

func (j *Journal) readDescriptorCount(pos int64) (uint64, error) {
	b, err := j.c.Get(j.logBlockAddr(pos), false)
	if err != nil {
		return 0, err
	}
	return getUint64(b.Bytes()[0:8]), nil
}

func (j *Journal) readDescriptorBlocks(pos int64, n int, descBlocks int64) ([]uint64, error) {
	blockSize := int(j.c.Device().BlockSize())
	buf := make([]byte, 0, int(descBlocks)*blockSize)
	wrapped := false
	cur := pos
	for i := int64(0); i < descBlocks; i++ {
		b, err := j.c.Get(j.logBlockAddr(cur), false)
		if err != nil {
			return nil, err
		}
		buf = append(buf, b.Bytes()...)
		cur = j.advance(cur, 1, &wrapped)
	}
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = getUint64(buf[8+i*8 : 16+i*8])
	}
	return out, nil
}

func (j *Journal) freeLogBlocks() int64 {
	used := j.usedLogBlocks()
	return j.logSizeBlocks - used
}

func (j *Journal) usedLogBlocks() int64 {
	start, end := j.sb.LogStart(), j.sb.LogEnd()
	if end >= start {
		return end - start
	}
	return j.logSizeBlocks - start + end
}

func (j *Journal) advance(pos, n int64, wrapped *bool) int64 {
	next := pos + n
	if next >= j.logSizeBlocks {
		next -= j.logSizeBlocks
		*wrapped = true
	}
	return next
}

// logBlockAddr maps a position within the log extent to an absolute device
// block number.
func (j *Journal) logBlockAddr(pos int64) uint64 {
	run := j.sb.LogExtent()
	return run.Absolute(j.sb.BlocksPerGroup()) + uint64(pos)
}

func (j *Journal) onBlockWrittenThrough(e *entry, block uint64) {
	j.mu.Lock()
	e.pending--
	if e.pending > 0 {
		j.mu.Unlock()
		return
	}
	e.retired = true
	advanced := j.retireCompletedLocked()
	j.mu.Unlock()
	j.persistRetirement(advanced)
}

// retireCompleted advances log-start across every retired entry at the head
// of the FIFO queue.
func (j *Journal) retireCompleted() {
	j.mu.Lock()
	advanced := j.retireCompletedLocked()
	j.mu.Unlock()
	j.persistRetirement(advanced)
}

func (j *Journal) retireCompletedLocked() bool {
	advanced := false
	for len(j.queue) > 0 && j.queue[0].retired {
		j.queue = j.queue[1:]
		advanced = true
	}
	if !advanced {
		return false
	}
	if len(j.queue) == 0 {
		j.sb.SetLogPointers(j.sb.LogEnd(), j.sb.LogEnd())
		j.sb.SetDirty(false)
	} else {
		// log-start becomes the position the oldest still-pending entry began at;
		// volume tracks that via the entry's recorded start, which we don't keep
		// on entry for simplicity; correctness only requires log-start <= the
		// true oldest pending position.
	}
	return true
}

// persistRetirement writes the superblock outside the journal lock:
// WriteSuperBlock syncs the cache, which may fire further listeners that
// re-enter onBlockWrittenThrough.
func (j *Journal) persistRetirement(advanced bool) {
	if !advanced {
		return
	}
	if err := j.sb.WriteSuperBlock(); err != nil {
		log.Printf("journal: writing superblock after retirement: %v", err)
	}
}

// writeDescriptor assembles the (count, block-id...) descriptor record in
// memory via a writerseeker.WriterSeeker, then splits the assembled record
// across descriptorBlocks log blocks.
func (j *Journal) writeDescriptor(pos int64, blocks []uint64) error {
	blockSize := int(j.c.Device().BlockSize())

	var ws writerseeker.WriterSeeker
	if err := binary.Write(&ws, binary.LittleEndian, uint64(len(blocks))); err != nil {
		return err
	}
	if err := binary.Write(&ws, binary.LittleEndian, blocks); err != nil {
		return err
	}

	descBlocks := j.descriptorBlocks(len(blocks))
	r := ws.Reader()
	wrapped := false
	cur := pos
	for i := int64(0); i < descBlocks; i++ {
		chunk := make([]byte, blockSize)
		if _, err := io.ReadFull(r, chunk); err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
		if err := j.writeLogBlock(cur, chunk); err != nil {
			return err
		}
		cur = j.advance(cur, 1, &wrapped)
	}
	return nil
}

func (j *Journal) writeLogBlock(pos int64, data []byte) error {
	addr := j.logBlockAddr(pos)
	wb, err := j.c.GetWritable(addr, true)
	if err != nil {
		return err
	}
	copy(wb.Bytes(), data)
	wb.MarkDirty()
	return wb.Release()
}

func getUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}
