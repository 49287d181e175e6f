package bus1

// pool is the receive-side memory of a connected peer. Message payloads are
// copied into slices carved out of one contiguous buffer; the receiver is
// handed (offset, size) pairs and releases slices explicitly once done.
//
// A slice stays allocated while either the bus still accounts for it (the
// message was not deallocated yet) or the receiver holds it published. All
// pool operations are serialized by the owning peer's lock.
type pool struct {
	size      uint64
	buf       []byte
	head      *slice
	published map[uint64]*slice
	allocated uint64
}

// slice is a contiguous region of the pool. The segment list always covers
// the whole buffer, busy and free segments alternating as allocation
// patterns dictate.
type slice struct {
	offset uint64
	size   uint64 // bytes requested
	extent uint64 // bytes occupied, aligned

	free    bool
	busRef  bool // the bus still accounts for the slice
	userRef bool // published to the receiver

	prev, next *slice
}

const sliceAlign = 8

func alignSlice(n uint64) uint64 {
	if n == 0 {
		return sliceAlign
	}
	return (n + sliceAlign - 1) &^ (sliceAlign - 1)
}

func (p *pool) create(size uint64) {
	p.size = size
	p.buf = make([]byte, size)
	p.head = &slice{offset: 0, size: size, extent: size, free: true}
	p.published = make(map[uint64]*slice)
	p.allocated = 0
}

func (p *pool) destroy() {
	if p.allocated != 0 {
		logWarn("pool destroyed with allocated slices", "allocated", p.allocated)
	}
	p.buf = nil
	p.head = nil
	p.published = nil
}

// alloc carves a slice of the given size out of the first free segment that
// fits. The slice starts out bus-referenced and unpublished.
func (p *pool) alloc(size uint64) (*slice, error) {
	extent := alignSlice(size)
	for s := p.head; s != nil; s = s.next {
		if !s.free || s.extent < extent {
			continue
		}
		if s.extent > extent {
			rest := &slice{
				offset: s.offset + extent,
				size:   s.extent - extent,
				extent: s.extent - extent,
				free:   true,
				prev:   s,
				next:   s.next,
			}
			if s.next != nil {
				s.next.prev = rest
			}
			s.next = rest
		}
		s.size = size
		s.extent = extent
		s.free = false
		s.busRef = true
		s.userRef = false
		p.allocated += extent
		return s, nil
	}
	return nil, ErrQuotaExceeded
}

// publish hands the slice to the receiver and returns its user-visible
// location. Publishing is idempotent; a peeked slice may be published many
// times before the receiver consumes it.
func (p *pool) publish(s *slice) (offset, size uint64) {
	s.userRef = true
	p.published[s.offset] = s
	return s.offset, s.size
}

// releaseUser drops the receiver's reference on a published slice.
func (p *pool) releaseUser(offset uint64) error {
	s := p.published[offset]
	if s == nil || !s.userRef {
		return ErrFault
	}
	s.userRef = false
	delete(p.published, offset)
	if !s.busRef {
		p.reclaim(s)
	}
	return nil
}

// deallocate drops the bus reference. The memory is reclaimed once the
// receiver has released the slice too. Deallocating a slice the pool has
// flushed away is a no-op; the flush already reclaimed it.
func (p *pool) deallocate(s *slice) {
	if s.free || !s.busRef {
		return
	}
	s.busRef = false
	if !s.userRef {
		p.reclaim(s)
	}
}

func (p *pool) reclaim(s *slice) {
	s.free = true
	s.size = s.extent
	p.allocated -= s.extent

	// Merge with free neighbors so the segment list stays minimal.
	if n := s.next; n != nil && n.free {
		s.extent += n.extent
		s.size = s.extent
		s.next = n.next
		if n.next != nil {
			n.next.prev = s
		}
	}
	if pr := s.prev; pr != nil && pr.free {
		pr.extent += s.extent
		pr.size = pr.extent
		pr.next = s.next
		if s.next != nil {
			s.next.prev = pr
		}
	}
}

// write copies data into the slice at the given relative offset.
func (p *pool) write(s *slice, offset uint64, data []byte) error {
	if s.free || offset+uint64(len(data)) > s.size {
		return ErrFault
	}
	copy(p.buf[s.offset+offset:], data)
	return nil
}

// writeVec copies a vector of buffers into the slice back to back, starting
// at the given relative offset.
func (p *pool) writeVec(s *slice, offset uint64, vecs [][]byte) error {
	for _, v := range vecs {
		if err := p.write(s, offset, v); err != nil {
			return err
		}
		offset += uint64(len(v))
	}
	return nil
}

// bytes exposes the published contents of a slice.
func (p *pool) bytes(s *slice) []byte {
	return p.buf[s.offset : s.offset+s.size]
}

// flush drops every slice, published or not, and resets the pool to a single
// free segment. Fresh allocations start at offset zero again. Stale slice
// handles held by in-flight messages observe free=true and deallocate as a
// no-op.
func (p *pool) flush() {
	for s := p.head; s != nil; s = s.next {
		s.free = true
		s.busRef = false
		s.userRef = false
	}
	p.head = &slice{offset: 0, size: p.size, extent: p.size, free: true}
	p.published = make(map[uint64]*slice)
	p.allocated = 0
}
