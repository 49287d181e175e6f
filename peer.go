package bus1

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
)

// Connect modes. Exactly one must be set per Connect call.
type ConnectFlags uint32

const (
	ConnectFlagClient ConnectFlags = 1 << iota
	ConnectFlagQuery
	ConnectFlagReset
)

// Send flags.
type SendFlags uint32

const (
	// SendFlagContinue keeps the sender's transaction open: the staged
	// parts are committed together by the next send without the flag.
	SendFlagContinue SendFlags = 1 << iota
	// SendFlagSilent marks the message silent; receivers see the flag in
	// the recv result.
	SendFlagSilent
	// SendFlagRelease drops the sender's listed handles after a
	// successful commit.
	SendFlagRelease
)

// Recv flags.
type RecvFlags uint32

const (
	// RecvFlagPeek returns the front message without dequeuing it.
	RecvFlagPeek RecvFlags = 1 << iota
)

// Message limits.
const (
	VecMax = 512
	FdMax  = 256

	poolAlign = 4096
)

// ConnectParams configures a Connect call. PoolSize must be nonzero and
// page-aligned for a client connect, and zero for query and reset.
type ConnectParams struct {
	Flags    ConnectFlags
	PoolSize uint64
}

// SendParams describes one send: the destination peer ids, the payload
// vectors, and the handles and files transferred along.
type SendParams struct {
	Flags        SendFlags
	Destinations []uint64
	Vecs         [][]byte
	Handles      []uint64
	Files        []*os.File
}

// RecvParams configures a Recv call.
type RecvParams struct {
	Flags RecvFlags
}

// RecvResult describes a received message: the published slice, attachment
// counts, the installed fd numbers, and delivery metadata.
type RecvResult struct {
	Offset uint64
	Size   uint64

	NHandles int
	NFDs     int
	FDs      []int

	Sender       uint64
	Silent       bool
	Continuation bool

	// Dropped is the number of messages discarded on this peer since a
	// receive last reported it. A receive that fails with
	// ErrMessageDropped reports the count too.
	Dropped uint32
}

// Peer is an endpoint of the bus: one queue, one pool, one handle table.
//
// A peer is created in the new state, enters connected via Connect with the
// client flag, and leaves it via Disconnect. The runtime state is published
// through an atomic pointer paired with an activation counter, so operations
// and disconnectors coordinate without a peer-wide lock.
type Peer struct {
	id     uint64
	domain *Domain

	waitq  *waiter
	ws     *waitStrategy
	active active
	info   atomic.Pointer[peerInfo]
}

// peerInfo is the runtime state of a connected peer. The lock serializes
// pool, quota and pending-transaction access; the queue carries its own.
type peerInfo struct {
	lock    sync.Mutex
	queue   Queue
	pool    pool
	quota   quota
	handles *handleTable

	pendingTx *Transaction
	nDropped  atomic.Uint32
}

func newPeer(d *Domain, id uint64) *Peer {
	p := &Peer{id: id, domain: d, waitq: newWaiter(), ws: newWaitStrategy()}
	p.active.init()
	return p
}

// ID returns the peer's bus-wide identity.
func (p *Peer) ID() uint64 {
	return p.id
}

func (p *Peer) newPeerInfo(poolSize uint64) *peerInfo {
	info := &peerInfo{handles: newHandleTable()}
	info.queue.init(p.waitq)
	info.pool.create(poolSize)
	info.quota.init()
	return info
}

// reset drains the queue and pool without disturbing connection identity.
// Committed entries are disposed, staged entries are invalidated in place
// so their transactions observe failed commits, and the handle table is
// zeroed. The clock is not wound back.
func (pi *peerInfo) reset() {
	pi.lock.Lock()
	tx := pi.pendingTx
	pi.pendingTx = nil

	for _, n := range pi.queue.Flush() {
		m := n.Message()
		m.deallocateLocked(pi)
		m.putFinal()
	}
	pi.pool.flush()
	pi.handles.zero()
	pi.quota.reset()
	pi.lock.Unlock()

	// The pending transaction touches other peers' locks; cancel it
	// outside ours.
	if tx != nil {
		tx.Cancel()
	}
}

// Connect establishes, queries or resets the peer, depending on the flags.
// Returns the pool size for all three modes.
func (p *Peer) Connect(params ConnectParams) (uint64, error) {
	if params.Flags&^(ConnectFlagClient|ConnectFlagQuery|ConnectFlagReset) != 0 {
		return 0, ErrInvalidArgument
	}
	modes := 0
	for _, f := range []ConnectFlags{ConnectFlagClient, ConnectFlagQuery, ConnectFlagReset} {
		if params.Flags&f != 0 {
			modes++
		}
	}
	if modes != 1 {
		return 0, ErrInvalidArgument
	}

	switch {
	case params.Flags&ConnectFlagClient != 0:
		return p.connectNew(params)
	case params.Flags&ConnectFlagReset != 0:
		return p.connectReset(params)
	default:
		return p.connectQuery(params)
	}
}

func (p *Peer) connectNew(params ConnectParams) (uint64, error) {
	if params.PoolSize == 0 || params.PoolSize%poolAlign != 0 {
		return 0, ErrInvalidArgument
	}

	info := p.newPeerInfo(params.PoolSize)

	// Publishing the runtime state and flipping the activation counter
	// must appear atomic to concurrent connectors and disconnectors; the
	// waitq lock is borrowed as the critical section.
	p.waitq.mu.Lock()
	defer p.waitq.mu.Unlock()

	if p.active.isDeactivated() {
		return 0, ErrShutdown
	}
	if p.info.Load() != nil {
		return 0, ErrAlreadyConnected
	}
	p.info.Store(info)
	if !p.active.activate() {
		p.info.Store(nil)
		return 0, ErrShutdown
	}
	logInfo("peer connected", "peer", p.id, "pool_size", params.PoolSize)
	return params.PoolSize, nil
}

func (p *Peer) connectReset(params ConnectParams) (uint64, error) {
	if p.active.isNew() {
		return 0, ErrNotConnected
	}
	if params.PoolSize != 0 {
		return 0, ErrInvalidArgument
	}
	if !p.active.acquire() {
		return 0, ErrShutdown
	}
	defer p.active.release(p.waitq)

	info := p.info.Load()
	info.reset()
	logInfo("peer reset", "peer", p.id)
	return info.pool.size, nil
}

func (p *Peer) connectQuery(params ConnectParams) (uint64, error) {
	if p.active.isNew() {
		return 0, ErrNotConnected
	}
	if params.PoolSize != 0 {
		return 0, ErrInvalidArgument
	}
	info := p.info.Load()
	if info == nil {
		return 0, ErrShutdown
	}
	return info.pool.size, nil
}

// Disconnect tears the peer down: it deactivates, waits for in-flight
// operations to drain, then frees the queue, pool and handle tables.
// Safe to call concurrently and repeatedly; every caller blocks until the
// teardown finished, and all but the first observe ErrShutdown.
func (p *Peer) Disconnect() error {
	p.active.deactivate()
	p.waitq.wake()
	p.active.drain(p.waitq)

	if !p.active.cleanup(p.waitq, func() {
		p.waitq.mu.Lock()
		info := p.info.Load()
		p.info.Store(nil)
		p.waitq.mu.Unlock()

		if info != nil {
			info.reset()
			info.queue.destroy()
			info.pool.destroy()
		}
		logInfo("peer disconnected", "peer", p.id)
	}) {
		return ErrShutdown
	}
	return nil
}

// acquireConnected gates a runtime operation on the peer state.
func (p *Peer) acquireConnected() (*peerInfo, error) {
	if p.active.isNew() {
		return nil, ErrNotConnected
	}
	if !p.active.acquire() {
		return nil, ErrShutdown
	}
	return p.info.Load(), nil
}

// Send delivers one message to every destination. A multi-destination send
// runs the staging transaction; a plain single-destination send commits
// directly. With SendFlagContinue the transaction stays open and the parts
// accumulate until a send without the flag commits them all at once.
//
// Per-destination failures are reported via *MulticastError; committed
// destinations are never rolled back.
func (p *Peer) Send(params SendParams) error {
	if params.Flags&^(SendFlagContinue|SendFlagSilent|SendFlagRelease) != 0 {
		return ErrInvalidArgument
	}
	if len(params.Destinations) == 0 {
		return ErrInvalidArgument
	}
	if len(params.Vecs) > VecMax || len(params.Files) > FdMax {
		return ErrMessageTooLarge
	}

	info, err := p.acquireConnected()
	if err != nil {
		return err
	}
	defer p.active.release(p.waitq)

	caps, err := info.handles.snapshot(params.Handles)
	if err != nil {
		return err
	}

	kind := uint64(nodeKindMessage)
	if params.Flags&SendFlagSilent != 0 {
		kind = nodeKindMessageSilent
	}

	info.lock.Lock()
	tx := info.pendingTx
	info.pendingTx = nil
	fresh := tx == nil
	if fresh {
		tx = newTransaction(p.domain, p.id)
	}
	if params.Flags&SendFlagContinue != 0 {
		info.pendingTx = tx
	}
	info.lock.Unlock()

	if params.Flags&SendFlagRelease != 0 {
		tx.noteRelease(params.Handles)
	}

	// Unicast fast path: nothing to synchronize across queues.
	if fresh && params.Flags&SendFlagContinue == 0 && len(params.Destinations) == 1 {
		err = tx.CommitUnicast(params.Destinations[0], kind, params.Vecs, caps, params.Files)
	} else {
		tx.AddPart(kind, params.Destinations, params.Vecs, caps, params.Files)
		if params.Flags&SendFlagContinue != 0 {
			return nil
		}
		err = tx.Commit()
	}

	if err == nil {
		for _, id := range tx.releaseIDs {
			info.handles.drop(id)
		}
	}
	return err
}

// Recv returns the front message of the peer's queue, or ErrWouldBlock when
// nothing is readable. With RecvFlagPeek the message stays queued and the
// same slice is published again on the next call; otherwise the message is
// dequeued, its handles are installed into the peer's table, and its files
// are installed as fresh descriptors.
func (p *Peer) Recv(params RecvParams) (RecvResult, error) {
	var res RecvResult

	if params.Flags&^RecvFlagPeek != 0 {
		return res, ErrInvalidArgument
	}

	info, err := p.acquireConnected()
	if err != nil {
		return res, err
	}
	defer p.active.release(p.waitq)

	// Lock-free pre-flight: bail out early on an unreadable queue and
	// fetch the fd count of the front message so the descriptors can be
	// pre-allocated outside the lock. Anyone might race us for the
	// message, so the count is re-checked under the lock below.
	front := info.queue.PeekFrontRCU()
	if front == nil {
		return res, ErrWouldBlock
	}
	wanted := front.Message().nFiles()

	if params.Flags&RecvFlagPeek != 0 {
		return p.recvPeek(info)
	}

	var slots []int
	var m *Message

	for {
		if wanted > len(slots) {
			slots, err = reserveFDs(slots, wanted)
			if err != nil {
				releaseFDs(slots)
				return res, err
			}
		}

		info.lock.Lock()
		n, continuation := info.queue.Peek()
		if n == nil {
			info.lock.Unlock()
			releaseFDs(slots)
			return res, ErrWouldBlock
		}
		mm := n.Message()
		if mm.nFiles() > len(slots) {
			// Someone raced us; the new front needs more
			// descriptors. Re-allocate and retry.
			wanted = mm.nFiles()
			n.putNoFree()
			info.lock.Unlock()
			continue
		}

		info.queue.Remove(n)
		res.Offset, res.Size = info.pool.publish(mm.slice)
		if mm.nFiles() == 0 {
			// Fastpath: no fd copy ahead, release the bus
			// reference on the slice in the same critical section.
			mm.deallocateLocked(info)
		}
		if ids := info.handles.installAll(mm.caps); len(ids) > 0 {
			if werr := mm.writeHandleIDs(info, ids); werr != nil {
				logWarn("handle id write failed", "peer", p.id, "err", werr)
			}
		}
		info.lock.Unlock()

		m = mm
		res.Continuation = continuation
		break
	}

	if len(slots) > m.nFiles() {
		releaseFDs(slots[m.nFiles():])
		slots = slots[:m.nFiles()]
	}

	if m.nFiles() > 0 {
		err = m.writeFDNums(info, slots)
		if err == nil {
			for i, f := range m.files {
				if err = installFD(slots[i], f); err != nil {
					break
				}
			}
		}

		info.lock.Lock()
		m.deallocateLocked(info)
		info.lock.Unlock()

		if err != nil {
			// The message cannot go back on the queue without
			// breaking ordering; it is dropped, and the drop is
			// reported rather than swallowed.
			releaseFDs(slots)
			m.putFinal()
			info.nDropped.Add(1)
			logWarn("message dropped on fd install failure", "peer", p.id, "err", err)
			return RecvResult{Dropped: info.nDropped.Swap(0)}, ErrMessageDropped
		}
		res.FDs = slots
	}

	res.NHandles = m.nHandles()
	res.NFDs = m.nFiles()
	res.Sender = m.Sender()
	res.Silent = m.kind() == nodeKindMessageSilent
	res.Dropped = info.nDropped.Swap(0)
	m.putFinal()
	return res, nil
}

func (p *Peer) recvPeek(info *peerInfo) (RecvResult, error) {
	var res RecvResult

	info.lock.Lock()
	n, continuation := info.queue.Peek()
	if n == nil {
		info.lock.Unlock()
		return res, ErrWouldBlock
	}
	m := n.Message()
	res.Offset, res.Size = info.pool.publish(m.slice)
	res.NHandles = m.nHandles()
	res.NFDs = m.nFiles()
	res.Sender = m.Sender()
	res.Silent = m.kind() == nodeKindMessageSilent
	res.Continuation = continuation
	info.lock.Unlock()

	n.putNoFree()
	res.Dropped = info.nDropped.Swap(0)
	return res, nil
}

// RecvWait blocks until a message arrives, the context is cancelled, or the
// peer goes away. Readers spin adaptively before parking on the peer's
// wakeup object; wakeups are edge-triggered, so the readable state is always
// re-checked through a full Recv.
func (p *Peer) RecvWait(ctx context.Context, params RecvParams) (RecvResult, error) {
	for {
		res, err := p.Recv(params)
		if !errors.Is(err, ErrWouldBlock) {
			return res, err
		}

		readable := func() bool {
			info := p.info.Load()
			return info == nil || info.queue.IsReadable()
		}
		if _, err := p.ws.wait(readable, func() error { return p.waitq.park(ctx) }); err != nil {
			return RecvResult{}, err
		}
	}
}

// SliceRelease returns a previously published slice to the pool.
func (p *Peer) SliceRelease(offset uint64) error {
	info, err := p.acquireConnected()
	if err != nil {
		return err
	}
	defer p.active.release(p.waitq)

	info.lock.Lock()
	defer info.lock.Unlock()
	return info.pool.releaseUser(offset)
}

// HandleCreate installs a fresh capability handle on the peer and returns
// its local id.
func (p *Peer) HandleCreate(capability uint64) (uint64, error) {
	info, err := p.acquireConnected()
	if err != nil {
		return 0, err
	}
	defer p.active.release(p.waitq)
	return info.handles.install(capability), nil
}

// PeerStats is an inspection snapshot of one peer.
type PeerStats struct {
	ID       uint64 `json:"id"`
	State    string `json:"state"`
	Clock    uint64 `json:"clock"`
	QueueLen int    `json:"queue_len"`
	Readable bool   `json:"readable"`

	PoolSize      uint64 `json:"pool_size"`
	PoolAllocated uint64 `json:"pool_allocated"`

	QuotaMessages uint32 `json:"quota_messages"`
	Handles       int    `json:"handles"`
	Dropped       uint32 `json:"dropped"`
}

// Stats snapshots the peer for inspection. Counters are read best-effort;
// a peer mid-teardown reports its state only.
func (p *Peer) Stats() PeerStats {
	st := PeerStats{ID: p.id, State: "connected"}

	if p.active.isNew() {
		st.State = "new"
		return st
	}
	if !p.active.acquire() {
		st.State = "shutdown"
		return st
	}
	defer p.active.release(p.waitq)

	info := p.info.Load()
	st.Clock = info.queue.Clock()
	st.QueueLen = info.queue.Len()
	st.Readable = info.queue.IsReadable()
	st.Handles = info.handles.size()
	st.Dropped = info.nDropped.Load()

	info.lock.Lock()
	st.PoolSize = info.pool.size
	st.PoolAllocated = info.pool.allocated
	st.QuotaMessages = info.quota.messages
	info.lock.Unlock()
	return st
}
