package bus1

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Domain is the scope peers live in: it owns the peer registry and the
// counters peer ids and transaction sequence numbers are allocated from.
// Messages only ever travel between peers of the same domain.
type Domain struct {
	id    uuid.UUID
	peers *xsync.MapOf[uint64, *Peer]

	peerIDs atomic.Uint64
	txSeq   atomic.Uint64
}

// NewDomain creates an empty domain.
func NewDomain() *Domain {
	return &Domain{
		id:    uuid.New(),
		peers: xsync.NewMapOf[uint64, *Peer](),
	}
}

// ID returns the domain identity.
func (d *Domain) ID() uuid.UUID {
	return d.id
}

// CreatePeer allocates a new peer in the new state and links it into the
// registry. The peer is not connected; see Peer.Connect.
func (d *Domain) CreatePeer() *Peer {
	p := newPeer(d, d.peerIDs.Add(1))
	d.peers.Store(p.id, p)
	logDebug("peer created", "domain", d.id, "peer", p.id)
	return p
}

// Peer resolves a peer id.
func (d *Domain) Peer(id uint64) (*Peer, bool) {
	return d.peers.Load(id)
}

// RemovePeer disconnects a peer and unlinks it from the registry.
func (d *Domain) RemovePeer(id uint64) error {
	p, ok := d.peers.LoadAndDelete(id)
	if !ok {
		return ErrNoSuchPeer
	}
	return p.Disconnect()
}

// Range calls fn for every registered peer until it returns false.
func (d *Domain) Range(fn func(*Peer) bool) {
	d.peers.Range(func(_ uint64, p *Peer) bool {
		return fn(p)
	})
}

// Len returns the number of registered peers.
func (d *Domain) Len() int {
	return d.peers.Size()
}

// TxCount returns the number of transactions started so far.
func (d *Domain) TxCount() uint64 {
	return d.txSeq.Load()
}

func (d *Domain) nextTxSeq() uint64 {
	return d.txSeq.Add(1)
}

// Close disconnects every peer and empties the registry.
func (d *Domain) Close() {
	d.peers.Range(func(id uint64, p *Peer) bool {
		p.Disconnect()
		d.peers.Delete(id)
		return true
	})
}
