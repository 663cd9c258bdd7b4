// Package query implements BFS's live query engine: parsing a predicate
// expression, executing it against package index's B+trees by driving the
// cheapest indexed equation and filtering the rest, and streaming add/remove
// notifications to live queries registered as index.Listeners.
package query

import (
	"sync"

	"github.com/distr1/bfs/internal/bfs/bfserr"
	"github.com/distr1/bfs/internal/bfs/btree"
	"github.com/distr1/bfs/internal/bfs/index"
)

// AttributeLookup reads the current value of a named attribute for one
// inode, used to filter candidates by every equation that isn't driving the
// scan, and to evaluate live-query membership for attributes other than the
// one that just changed. Package volume supplies this.
type AttributeLookup func(inodeID uint64, attr string) (Value, bool)

// Engine executes parsed predicate expressions against a volume's indices.
type Engine struct {
	mgr    *index.Manager
	lookup AttributeLookup
}

// NewEngine binds an Engine to mgr's indices; lookup resolves non-driving
// predicate attributes (may be nil if every query this engine runs is a
// single equation).
func NewEngine(mgr *index.Manager, lookup AttributeLookup) *Engine {
	return &Engine{mgr: mgr, lookup: lookup}
}

// opWeight approximates an operator's selectivity: equality narrows the
// most, inequality the least.
func opWeight(op Op) int64 {
	switch op {
	case Eq:
		return 1
	case Gt, Ge, Lt, Le:
		return 4
	case Ne:
		return 16
	default:
		return 16
	}
}

// pickDriver chooses the cheapest indexed equation in expr to drive the
// scan, weighing each index's size against its equation's plausible
// selectivity.
func (e *Engine) pickDriver(expr Expr) (*Equation, *index.Index) {
	var best *Equation
	var bestIx *index.Index
	var bestCost int64 = -1
	for _, eq := range Equations(expr) {
		ix, ok := e.mgr.Lookup(eq.Attr)
		if !ok {
			continue
		}
		cost := (ix.Tree().StreamSize() + 1) * opWeight(eq.Op)
		if bestCost < 0 || cost < bestCost {
			best, bestIx, bestCost = eq, ix, cost
		}
	}
	return best, bestIx
}

// Evaluate executes expr, returning every matching inode ID.
func (e *Engine) Evaluate(expr Expr) ([]uint64, error) {
	driver, ix := e.pickDriver(expr)
	if driver == nil {
		return nil, bfserr.New("query.Evaluate", bfserr.BadIndex, nil)
	}

	it := ix.NewIterator(btree.Forward)
	defer it.Close()

	var out []uint64
	for {
		k, v, _, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		have := DecodeKey(ix.KeyType(), ix.Order(), k)
		if !compareValues(have, driver.Op, driver.Val) {
			continue
		}
		id := uint64(v)
		if e.lookup == nil {
			out = append(out, id)
			continue
		}
		if Matches(expr, func(attr string) (Value, bool) {
			if attr == driver.Attr {
				return have, true
			}
			return e.lookup(id, attr)
		}) {
			out = append(out, id)
		}
	}
	return out, nil
}

// EventOp distinguishes a live query's two notification kinds.
type EventOp int

const (
	EventAdded EventOp = iota
	EventRemoved
)

// Notification is one live-query membership change.
type Notification struct {
	Op      EventOp
	InodeID uint64
}

// LiveQuery registers with a volume's index.Manager and streams
// Notifications whenever a monitored attribute mutation changes whether an
// inode matches its predicate.
type LiveQuery struct {
	mgr    *index.Manager
	expr   Expr
	lookup AttributeLookup
	attrs  map[string]bool

	mu     sync.Mutex
	ch     chan Notification
	closed bool
}

// NewLiveQuery parses query, registers the resulting predicate with mgr, and
// returns a LiveQuery whose Notifications channel delivers add/remove events
// as matching mutations occur. bufSize bounds pending notifications the way
// a fixed-size message port would.
func NewLiveQuery(mgr *index.Manager, lookup AttributeLookup, queryStr string, bufSize int) (*LiveQuery, error) {
	expr, err := Parse(queryStr)
	if err != nil {
		return nil, err
	}
	if bufSize <= 0 {
		bufSize = 64
	}
	lq := &LiveQuery{
		mgr:    mgr,
		expr:   expr,
		lookup: lookup,
		attrs:  map[string]bool{},
		ch:     make(chan Notification, bufSize),
	}
	for _, eq := range Equations(expr) {
		lq.attrs[eq.Attr] = true
	}
	mgr.AddListener(lq)
	return lq, nil
}

// Notifications returns the channel live query events are delivered on.
func (lq *LiveQuery) Notifications() <-chan Notification { return lq.ch }

// Close unregisters the query and closes its notification channel.
func (lq *LiveQuery) Close() {
	lq.mgr.RemoveListener(lq)
	lq.mu.Lock()
	defer lq.mu.Unlock()
	if !lq.closed {
		lq.closed = true
		close(lq.ch)
	}
}

func (lq *LiveQuery) send(n Notification) {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	if lq.closed {
		return
	}
	select {
	case lq.ch <- n:
	default:
		bfserr.Report("query.LiveQuery", bfserr.New("query.send", bfserr.NoMemory, nil))
	}
}

func (lq *LiveQuery) valueFor(overrideAttr string, overrideKey []byte, inodeID uint64) func(string) (Value, bool) {
	return func(attr string) (Value, bool) {
		if attr == overrideAttr {
			if overrideKey == nil {
				return Value{}, false
			}
			if ix, ok := lq.mgr.Lookup(attr); ok {
				return DecodeKey(ix.KeyType(), ix.Order(), overrideKey), true
			}
			return StringValue(string(overrideKey)), true
		}
		if lq.lookup == nil {
			return Value{}, false
		}
		return lq.lookup(inodeID, attr)
	}
}

// IndexUpdated implements index.Listener. It re-evaluates the query's
// predicate for inodeID using the attribute's old and new values in turn; a
// membership flip emits exactly one Notification.
func (lq *LiveQuery) IndexUpdated(name string, oldKey, newKey []byte, inodeID uint64) {
	if !lq.attrs[name] {
		return
	}
	was := Matches(lq.expr, lq.valueFor(name, oldKey, inodeID))
	is := Matches(lq.expr, lq.valueFor(name, newKey, inodeID))
	switch {
	case !was && is:
		lq.send(Notification{Op: EventAdded, InodeID: inodeID})
	case was && !is:
		lq.send(Notification{Op: EventRemoved, InodeID: inodeID})
	}
}
