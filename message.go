package bus1

import (
	"encoding/binary"
	"os"
)

// Message is one queue entry's payload: the destination-pool slice the
// payload bytes were copied into, the capabilities being transferred, and
// the duplicated files to be installed at receive time.
//
// A message is created by a transaction (one per destination), staged onto
// the destination queue, and disposed either by the receiver after dequeue
// or by the flush path after the destination went away.
type Message struct {
	Node

	slice    *slice
	payload  uint64
	caps     []uint64
	files    []*os.File
	released bool
}

// Slice layout: payload vecs back to back at offset 0, 8-byte capability
// ids at payloadSize, 4-byte fd numbers at the tail (size - 4*nFiles).
func messageSliceSize(payload uint64, nHandles, nFiles int) uint64 {
	return payload + 8*uint64(nHandles) + 4*uint64(nFiles)
}

func newMessage(kind uint64, sender uint64) *Message {
	m := &Message{}
	m.initNode(kind, sender)
	m.msg = m
	return m
}

// instantiate binds the message to its destination: charges the quota,
// allocates the slice and copies the payload vectors in. Called with the
// destination peer's lock held.
func (m *Message) instantiate(info *peerInfo, vecs [][]byte, caps []uint64, files []*os.File) error {
	var payload uint64
	for _, v := range vecs {
		payload += uint64(len(v))
	}

	if err := info.quota.charge(uint32(len(caps)), uint32(len(files))); err != nil {
		return err
	}

	s, err := info.pool.alloc(messageSliceSize(payload, len(caps), len(files)))
	if err != nil {
		info.quota.uncharge(uint32(len(caps)), uint32(len(files)))
		return err
	}
	if err := info.pool.writeVec(s, 0, vecs); err != nil {
		info.pool.deallocate(s)
		info.quota.uncharge(uint32(len(caps)), uint32(len(files)))
		return err
	}

	dups, err := dupFiles(files)
	if err != nil {
		info.pool.deallocate(s)
		info.quota.uncharge(uint32(len(caps)), uint32(len(files)))
		return err
	}

	m.slice = s
	m.payload = payload
	m.caps = caps
	m.files = dups
	return nil
}

func (m *Message) nFiles() int {
	return len(m.files)
}

func (m *Message) nHandles() int {
	return len(m.caps)
}

// writeHandleIDs stores the receiver-local handle ids into the slice,
// between payload and fd numbers.
func (m *Message) writeHandleIDs(info *peerInfo, ids []uint64) error {
	buf := make([]byte, 8*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[8*i:], id)
	}
	return info.pool.write(m.slice, m.payload, buf)
}

// writeFDNums stores the installed fd numbers at the tail of the slice.
func (m *Message) writeFDNums(info *peerInfo, fds []int) error {
	buf := make([]byte, 4*len(fds))
	for i, fd := range fds {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(fd))
	}
	return info.pool.write(m.slice, m.slice.size-uint64(len(buf)), buf)
}

// deallocateLocked releases the slice back to the pool and uncharges the
// quota. Idempotent; called with the destination peer's lock held. If the
// pool was flushed underneath the message (peer reset), both the slice and
// the quota charge are gone already and there is nothing left to release.
func (m *Message) deallocateLocked(info *peerInfo) {
	if m.released || m.slice == nil {
		return
	}
	m.released = true
	if m.slice.free && !m.slice.busRef {
		return
	}
	info.pool.deallocate(m.slice)
	info.quota.uncharge(uint32(len(m.caps)), uint32(len(m.files)))
}

// destroy closes the message's duplicated files. Called by whoever drops the
// last reference. The files slice header stays untouched so concurrent
// lock-free peeks can still read the count.
func (m *Message) destroy() {
	for _, f := range m.files {
		f.Close()
	}
}

// putFinal drops a reference and destroys the message if it was the last.
func (m *Message) putFinal() {
	if m.put() {
		m.destroy()
	}
}
