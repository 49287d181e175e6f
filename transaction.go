package bus1

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Transaction is the multicast send driver. It stages one message per
// destination queue, collects the staging timestamps, and finally commits
// every staged entry with one timestamp: the maximum of those and of a fresh
// tick on every participating queue. Because every participating clock
// is synced to that maximum before the first commit, the committed batch is
// totally ordered consistently with causality across all destinations.
//
// Failures partition per destination: a destination that disappeared or ran
// out of quota fails alone, and a successful commit elsewhere is never
// rolled back.
type Transaction struct {
	mu     sync.Mutex
	id     uuid.UUID
	seq    uint64
	domain *Domain
	sender uint64

	entries  []*txEntry
	maxTS    uint64
	failures map[uint64]error

	// releaseIDs are sender handle ids to drop after a successful commit.
	releaseIDs []uint64
}

type txEntry struct {
	peer *Peer
	info *peerInfo
	msg  *Message
}

func newTransaction(d *Domain, sender uint64) *Transaction {
	return &Transaction{
		id:       uuid.New(),
		seq:      d.nextTxSeq(),
		domain:   d,
		sender:   sender,
		failures: make(map[uint64]error),
	}
}

func (tx *Transaction) fail(dest uint64, err error) {
	// Keep the first error per destination.
	if _, ok := tx.failures[dest]; !ok {
		tx.failures[dest] = err
	}
}

// instantiate resolves one destination, acquires it, charges it and copies
// the payload into its pool. The entry keeps the destination acquired until
// commit or cancel.
func (tx *Transaction) instantiate(dest uint64, kind uint64, vecs [][]byte, caps []uint64, files []*os.File) *txEntry {
	peer, ok := tx.domain.Peer(dest)
	if !ok {
		tx.fail(dest, ErrNoSuchPeer)
		return nil
	}
	if !peer.active.acquire() {
		tx.fail(dest, ErrShutdown)
		return nil
	}
	info := peer.info.Load()

	m := newMessage(kind, tx.sender)
	info.lock.Lock()
	err := m.instantiate(info, vecs, caps, files)
	info.lock.Unlock()
	if err != nil {
		peer.active.release(peer.waitq)
		tx.fail(dest, err)
		return nil
	}

	e := &txEntry{peer: peer, info: info, msg: m}
	tx.entries = append(tx.entries, e)
	return e
}

// AddPart stages one message part on every destination. Parts added before
// Commit share the final commit timestamp, so multiple parts landing on the
// same peer are delivered back to back with the continuation flag set.
func (tx *Transaction) AddPart(kind uint64, dests []uint64, vecs [][]byte, caps []uint64, files []*os.File) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	for _, dest := range dests {
		e := tx.instantiate(dest, kind, vecs, caps, files)
		if e == nil {
			continue
		}
		ts, err := e.info.queue.Stage(&e.msg.Node, 0)
		if err != nil {
			tx.dropEntry(e)
			tx.entries = tx.entries[:len(tx.entries)-1]
			tx.fail(dest, err)
			continue
		}
		logDebug("staged message",
			"tx", tx.id, "seq", tx.seq, "dest", dest, "stamp", ts)
		if ts > tx.maxTS {
			tx.maxTS = ts
		}
	}
}

// dropEntry disposes a message that will not be delivered: the slice goes
// back to the destination pool and the transaction reference is dropped.
func (tx *Transaction) dropEntry(e *txEntry) {
	e.info.lock.Lock()
	e.msg.deallocateLocked(e.info)
	e.info.lock.Unlock()
	e.msg.putFinal()
	e.peer.active.release(e.peer.waitq)
}

// Commit finishes the transaction. The commit timestamp is the maximum of a
// fresh tick on every participating queue, so it is strictly greater than
// every timestamp any destination handed out before the commit; every queue
// is then synced to it before the first entry commits. An entry whose
// destination queue was flushed in the meantime observes a failed commit and
// is disposed; the destination is reported as shut down.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	ts := tx.maxTS
	for _, e := range tx.entries {
		t, err := e.info.queue.Tick()
		if err != nil {
			logWarn("commit tick failed", "tx", tx.id, "err", err)
			continue
		}
		if t > ts {
			ts = t
		}
	}
	for _, e := range tx.entries {
		if _, err := e.info.queue.Sync(ts); err != nil {
			logWarn("commit sync failed", "tx", tx.id, "err", err)
		}
	}
	for _, e := range tx.entries {
		if e.info.queue.CommitStaged(&e.msg.Node, ts) {
			logDebug("committed message",
				"tx", tx.id, "seq", tx.seq, "dest", e.peer.id, "stamp", ts)
			// The queue solely owns the committed entry now.
			e.msg.putFinal()
			e.peer.active.release(e.peer.waitq)
		} else {
			tx.fail(e.peer.id, ErrShutdown)
			tx.dropEntry(e)
		}
	}
	tx.entries = nil

	return tx.multicastError()
}

// CommitUnicast is the fast path for a single-destination send: the
// destination clock is ticked and the entry committed directly, with no
// staging round.
func (tx *Transaction) CommitUnicast(dest uint64, kind uint64, vecs [][]byte, caps []uint64, files []*os.File) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	e := tx.instantiate(dest, kind, vecs, caps, files)
	if e == nil {
		return tx.multicastError()
	}
	tx.entries = tx.entries[:len(tx.entries)-1]

	if err := e.info.queue.CommitUnstaged(&e.msg.Node); err != nil {
		tx.dropEntry(e)
		tx.fail(dest, err)
		return tx.multicastError()
	}
	logDebug("committed unicast message", "tx", tx.id, "seq", tx.seq, "dest", dest)
	e.msg.putFinal()
	e.peer.active.release(e.peer.waitq)
	return nil
}

// Cancel removes every staged, uncommitted entry. Entries already unlinked
// by a destination flush only need the transaction reference dropped.
func (tx *Transaction) Cancel() {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	for _, e := range tx.entries {
		e.info.queue.Remove(&e.msg.Node)
		tx.dropEntry(e)
	}
	tx.entries = nil
}

func (tx *Transaction) noteRelease(ids []uint64) {
	tx.mu.Lock()
	tx.releaseIDs = append(tx.releaseIDs, ids...)
	tx.mu.Unlock()
}

func (tx *Transaction) multicastError() error {
	if len(tx.failures) == 0 {
		return nil
	}
	failures := make(map[uint64]error, len(tx.failures))
	for dest, err := range tx.failures {
		failures[dest] = err
	}
	return &MulticastError{Failures: failures}
}

// MulticastError aggregates per-destination send failures. Destinations not
// listed received the message.
type MulticastError struct {
	Failures map[uint64]error
}

func (e *MulticastError) Error() string {
	dests := make([]uint64, 0, len(e.Failures))
	for d := range e.Failures {
		dests = append(dests, d)
	}
	sort.Slice(dests, func(i, j int) bool { return dests[i] < dests[j] })

	if len(dests) == 1 {
		return fmt.Sprintf("bus1: send to peer %d failed: %v", dests[0], e.Failures[dests[0]])
	}
	return fmt.Sprintf("bus1: send failed for %d of the destinations (first: peer %d: %v)",
		len(dests), dests[0], e.Failures[dests[0]])
}

// Unwrap exposes the single underlying error when exactly one destination
// failed, so errors.Is works for unicast callers.
func (e *MulticastError) Unwrap() error {
	if len(e.Failures) == 1 {
		for _, err := range e.Failures {
			return err
		}
	}
	return nil
}
