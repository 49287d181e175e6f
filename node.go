package bus1

import "sync/atomic"

// Node kinds, stored in the low bits of the timestamp word.
const (
	nodeKindMessage       = 1
	nodeKindMessageSilent = 2

	nodeKindShift = 2
	nodeKindMask  = uint64(1<<nodeKindShift - 1)
)

// maxClock is the largest committed timestamp a queue clock may reach. The
// kind tag shares the timestamp word, so the counter itself is 62 bits wide;
// its least-significant bit is the stage flag. Ticking past maxClock is
// refused with ErrOverflow.
const maxClock = uint64(1)<<62 - 2

// Node is a single queue entry. It carries the sender identity used for
// tie-breaking, a reference count shared between the queue and the owning
// transaction, and the combined timestamp word.
//
// A node is either unlinked, or linked into exactly one queue's ordered set.
// While its stage flag is set the node is owned by both the queue and a
// transaction; once committed it is owned by the queue alone.
type Node struct {
	// tt packs timestamp<<nodeKindShift | kind. The timestamp includes the
	// stage flag in its own least-significant bit: odd values are staged,
	// even values committed, zero means unstamped.
	tt     uint64
	sender uint64

	// seq orders entries with equal (timestamp, sender) keys by staging
	// order. Assigned once, when the node is first linked.
	seq uint64

	// linked mirrors membership in a queue's ordered set. Guarded by the
	// owning queue's lock.
	linked bool

	ref atomic.Int32

	msg *Message
}

func (n *Node) initNode(kind uint64, sender uint64) {
	if kind&^nodeKindMask != 0 {
		logWarn("node kind out of range", "kind", kind)
		kind &= nodeKindMask
	}
	n.tt = kind
	n.sender = sender
	n.ref.Store(1)
}

// timestamp returns the timestamp portion of the combined word, stage flag
// included. Zero means the node was never stamped.
func (n *Node) timestamp() uint64 {
	return n.tt >> nodeKindShift
}

func (n *Node) kind() uint64 {
	return n.tt & nodeKindMask
}

func (n *Node) setTimestamp(ts uint64) {
	n.tt = n.tt&nodeKindMask | ts<<nodeKindShift
}

// isStaging reports whether the stage flag is set. Unstamped nodes are not
// staging.
func (n *Node) isStaging() bool {
	return n.timestamp()&1 == 1
}

// isCommitted reports whether the node carries a final, even timestamp.
func (n *Node) isCommitted() bool {
	ts := n.timestamp()
	return ts != 0 && ts&1 == 0
}

// Sender returns the identity of the producing peer.
func (n *Node) Sender() uint64 {
	return n.sender
}

// Message returns the message payload this node belongs to.
func (n *Node) Message() *Message {
	return n.msg
}

func (n *Node) get() {
	n.ref.Add(1)
}

// putNoFree drops a reference that must not be the last one. The queue uses
// it wherever the owning transaction or caller is known to hold another
// reference.
func (n *Node) putNoFree() {
	if n.ref.Add(-1) == 0 {
		logWarn("queue node released unexpectedly", "sender", n.sender, "timestamp", n.timestamp())
	}
}

// put drops a reference and reports whether it was the last one. The caller
// owning the last reference is responsible for disposing the message.
func (n *Node) put() bool {
	return n.ref.Add(-1) == 0
}

// compareKey orders nodes by (timestamp, sender), timestamp ascending then
// sender ascending, with the stage flag participating in the timestamp
// comparison. This is the queue's sort key.
func compareKey(ats, asender, bts, bsender uint64) int {
	switch {
	case ats < bts:
		return -1
	case ats > bts:
		return 1
	case asender < bsender:
		return -1
	case asender > bsender:
		return 1
	}
	return 0
}

func (n *Node) compare(ts, sender uint64) int {
	return compareKey(n.timestamp(), n.sender, ts, sender)
}

// nodeLess is the ordering used by the queue's tree. Nodes with equal
// (timestamp, sender) keys are kept in staging order via seq, so a multiset
// of key-equal entries has a stable, unique position for every node.
func nodeLess(a, b *Node) bool {
	if c := a.compare(b.timestamp(), b.sender); c != 0 {
		return c < 0
	}
	return a.seq < b.seq
}
