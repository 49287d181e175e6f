package bus1

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// Queue is the per-peer ordered message queue.
//
// Entries are ordered by (timestamp, sender). Timestamps are allocated from
// the queue's own monotonic clock, which only ever advances in steps of two
// so that committed timestamps are always even. A staged entry carries an odd
// timestamp (its stage flag) and blocks every reader behind it until the
// owning transaction commits or removes it.
//
// The front pointer caches the first readable entry: the minimum of the
// ordered set iff that minimum is committed, nil otherwise. It is published
// with atomic stores so readers may snapshot it without the lock; everything
// else is guarded by the queue lock.
type Queue struct {
	lock  sync.Mutex
	clock uint64
	seq   uint64

	messages *btree.BTreeG[*Node]
	front    atomic.Pointer[Node]
	waitq    *waiter
}

const queueTreeDegree = 8

func (q *Queue) init(waitq *waiter) {
	q.clock = 0
	q.seq = 0
	q.messages = btree.NewG[*Node](queueTreeDegree, nodeLess)
	q.front.Store(nil)
	q.waitq = waitq
}

// destroy checks that the queue was drained. It is safe to call multiple
// times.
func (q *Queue) destroy() {
	if q.messages != nil && q.messages.Len() > 0 {
		logWarn("queue destroyed with linked entries", "len", q.messages.Len())
	}
	if q.front.Load() != nil {
		logWarn("queue destroyed with front set")
	}
}

// tickLocked advances the clock by two and returns the new, even value.
func (q *Queue) tickLocked() (uint64, error) {
	if q.clock >= maxClock {
		return 0, ErrOverflow
	}
	q.clock += 2
	return q.clock, nil
}

// syncLocked raises the clock to at least ts, rounded up to even, and
// returns the resulting clock value. Syncing to a past value is a no-op.
func (q *Queue) syncLocked(ts uint64) (uint64, error) {
	ts = (ts + 1) &^ 1
	if ts > maxClock {
		return 0, ErrOverflow
	}
	if ts > q.clock {
		q.clock = ts
	}
	return q.clock, nil
}

// Tick advances the queue clock and returns the fresh, even timestamp. The
// transaction driver ticks every destination at commit time and takes the
// maximum as the commit timestamp.
func (q *Queue) Tick() (uint64, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.tickLocked()
}

// Sync raises the queue clock to at least ts. The transaction driver uses it
// to propagate the commit timestamp to every participating queue before the
// first commit.
func (q *Queue) Sync(ts uint64) (uint64, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.syncLocked(ts)
}

// Clock returns a snapshot of the queue clock.
func (q *Queue) Clock() uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.clock
}

// Len returns the number of linked entries, staged ones included.
func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.messages.Len()
}

// IsReadable reports whether a dequeue would find an entry. Lock-free.
func (q *Queue) IsReadable() bool {
	return q.front.Load() != nil
}

// PeekFrontRCU returns a snapshot of the front entry without acquiring a
// reference, or nil. The snapshot may be stale the moment it is returned; it
// is only good for pre-flight size hints, never for dereferencing payload
// state that a concurrent dequeue could reclaim.
func (q *Queue) PeekFrontRCU() *Node {
	return q.front.Load()
}

func (q *Queue) isMinLocked(n *Node) bool {
	min, ok := q.messages.Min()
	return ok && min == n
}

// successorLocked returns the entry ordered immediately after n, or nil.
func (q *Queue) successorLocked(n *Node) *Node {
	var succ *Node
	q.messages.AscendGreaterOrEqual(n, func(it *Node) bool {
		if it == n {
			return true
		}
		succ = it
		return false
	})
	return succ
}

// addLocked links or re-stamps n with the given timestamp and restores the
// front invariant. It is the single place entries enter or move within the
// ordered set.
func (q *Queue) addLocked(n *Node, timestamp uint64) {
	readable := q.front.Load() != nil
	ts := n.timestamp()

	// Validity checks mirror the staging protocol: the timestamp must have
	// been allocated from this clock, an unstamped node must be unlinked,
	// and a stamped node may only move forward from a staging slot.
	if timestamp == 0 || timestamp > q.clock+1 {
		logWarn("queue add with invalid timestamp", "timestamp", timestamp, "clock", q.clock)
		return
	}
	if (ts == 0) == n.linked {
		logWarn("queue add with inconsistent linkage", "timestamp", ts, "linked", n.linked)
		return
	}
	if ts != 0 && (ts&1 == 0 || timestamp < ts) {
		logWarn("queue add would move entry backwards", "from", ts, "to", timestamp)
		return
	}
	if ts == timestamp {
		return
	}

	// On re-stamping we remove the entry and re-insert it with a higher
	// timestamp. Iff we were the first entry, that might uncover a new
	// front. Our own entry is marked staging, so it cannot be the front
	// itself; if a front exists it is some other node.
	front := q.front.Load()
	if front != nil {
		if front == n {
			logWarn("staged entry marked as front")
			return
		}
		if timestamp <= front.timestamp() {
			logWarn("entry would order before front", "timestamp", timestamp, "front", front.timestamp())
			return
		}
	} else if n.linked && q.isMinLocked(n) {
		// We are linked as the first entry. If the following entry is
		// already committed and orders before our new position, it
		// becomes the new front. An equal key is a sibling part of our
		// own transaction that committed first; it precedes us by
		// staging order and becomes front just the same.
		if succ := q.successorLocked(n); succ != nil &&
			!succ.isStaging() &&
			succ.compare(timestamp, n.sender) <= 0 {
			q.front.Store(succ)
		}
	}

	if !n.linked {
		n.get()
		q.seq++
		n.seq = q.seq
	} else {
		q.messages.Delete(n)
	}

	n.setTimestamp(timestamp)
	n.linked = true
	q.messages.ReplaceOrInsert(n)

	if timestamp&1 == 0 && q.isMinLocked(n) {
		q.front.Store(n)
	}

	if !readable && q.front.Load() != nil {
		q.waitq.wake()
	}
}

// Stage links an unstamped entry with a fresh staging timestamp of at least
// minTS (which must be even). The staged entry blocks all entries with later
// timestamps on this queue, but none already committed before it.
//
// The queue takes its own reference to the node; the caller keeps theirs.
//
// Returns the even timestamp the caller should fold into the transaction
// maximum.
func (q *Queue) Stage(n *Node, minTS uint64) (uint64, error) {
	if n.linked {
		logWarn("staging a linked entry")
		return 0, ErrInvalidArgument
	}
	if minTS&1 == 1 {
		logWarn("staging with odd minimum timestamp", "minTS", minTS)
		return 0, ErrInvalidArgument
	}

	q.lock.Lock()
	defer q.lock.Unlock()

	ts, err := q.syncLocked(minTS)
	if err != nil {
		return 0, err
	}
	q.addLocked(n, ts+1)
	return ts, nil
}

// CommitStaged re-stamps a previously staged entry with its final timestamp
// (which must be even) and sorts it into place. If the entry is no longer
// linked, the queue was flushed concurrently and false is returned: the
// caller must drop its reference and treat the destination as gone.
//
// The queue clock must have been synced to ts on every participating queue
// before the first commit; that is the transaction driver's contract.
func (q *Queue) CommitStaged(n *Node, ts uint64) bool {
	if ts&1 == 1 {
		logWarn("committing with odd timestamp", "timestamp", ts)
		return false
	}

	q.lock.Lock()
	defer q.lock.Unlock()

	if ts > q.clock {
		logWarn("commit ahead of clock", "timestamp", ts, "clock", q.clock)
		return false
	}
	if !n.linked {
		return false
	}
	q.addLocked(n, ts)
	return true
}

// CommitUnstaged ticks the clock and commits an unstamped entry directly.
// This is the unicast fast path: with a single destination there is nothing
// to synchronize across queues.
func (q *Queue) CommitUnstaged(n *Node) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	if n.linked {
		return nil
	}
	ts, err := q.tickLocked()
	if err != nil {
		return err
	}
	q.addLocked(n, ts)
	return nil
}

// Remove unlinks n from the queue. Removing the first entry may uncover a
// new front and thus turn the queue readable.
//
// The queue drops its reference; the caller must hold one of their own.
// Returns true iff this call did the removal.
func (q *Queue) Remove(n *Node) bool {
	if n == nil {
		return false
	}

	q.lock.Lock()
	defer q.lock.Unlock()

	if !n.linked {
		return false
	}

	readable := q.front.Load() != nil

	if q.isMinLocked(n) {
		// We are the first entry. Whether or not we are the front, our
		// removal may uncover a new one: the next entry becomes front
		// iff it is committed.
		succ := q.successorLocked(n)
		if succ != nil && succ.isStaging() {
			succ = nil
		}
		q.front.Store(succ)
	}

	q.messages.Delete(n)
	n.linked = false
	n.putNoFree()

	if !readable && q.front.Load() != nil {
		q.waitq.wake()
	}
	return true
}

// Peek returns the first readable entry with an acquired reference, or nil.
// The entry stays linked. continuation is true iff the next entry carries
// the same (timestamp, sender) key, meaning it is a further part of the same
// transaction delivered to this peer.
func (q *Queue) Peek() (n *Node, continuation bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.peekLocked()
}

func (q *Queue) peekLocked() (*Node, bool) {
	n := q.front.Load()
	if n == nil {
		return nil, false
	}
	n.get()

	continuation := false
	if succ := q.successorLocked(n); succ != nil {
		continuation = n.compare(succ.timestamp(), succ.sender) == 0
	}
	return n, continuation
}

// Flush removes every entry from the queue and returns the committed ones.
//
// A committed entry is fully owned by the queue, so its reference transfers
// to the caller as if dequeued, for the caller to dispose. A staged entry is
// still owned by its transaction: it is unlinked in place and the queue
// reference dropped, so a later CommitStaged observes the missing linkage
// and fails. The queue reference cannot be the last one there, since the
// transaction could not commit otherwise.
func (q *Queue) Flush() []*Node {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.flushLocked()
}

func (q *Queue) flushLocked() []*Node {
	var out []*Node
	q.messages.Ascend(func(n *Node) bool {
		n.linked = false
		if n.isStaging() {
			n.putNoFree()
		} else {
			out = append(out, n)
		}
		return true
	})
	q.messages.Clear(false)
	q.front.Store(nil)
	return out
}
