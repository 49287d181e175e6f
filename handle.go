package bus1

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// handleTable maps a peer's local handle ids to the capabilities they name.
// Lookups happen on the send fast path without the peer lock, so the table
// is a concurrent map; id allocation is a plain atomic counter.
type handleTable struct {
	ids     atomic.Uint64
	entries *xsync.MapOf[uint64, uint64]
}

func newHandleTable() *handleTable {
	return &handleTable{entries: xsync.NewMapOf[uint64, uint64]()}
}

// install maps a fresh local id to the given capability and returns the id.
func (t *handleTable) install(capability uint64) uint64 {
	id := t.ids.Add(1)
	t.entries.Store(id, capability)
	return id
}

// resolve returns the capability a local id names.
func (t *handleTable) resolve(id uint64) (uint64, bool) {
	return t.entries.Load(id)
}

// drop removes a local id. Used by release-on-send.
func (t *handleTable) drop(id uint64) bool {
	_, ok := t.entries.LoadAndDelete(id)
	return ok
}

// snapshot resolves a batch of sender ids into capabilities. Fails as a
// whole if any id is unknown.
func (t *handleTable) snapshot(ids []uint64) ([]uint64, error) {
	caps := make([]uint64, len(ids))
	for i, id := range ids {
		c, ok := t.resolve(id)
		if !ok {
			return nil, ErrInvalidArgument
		}
		caps[i] = c
	}
	return caps, nil
}

// installAll installs a batch of capabilities under fresh receiver ids.
func (t *handleTable) installAll(caps []uint64) []uint64 {
	ids := make([]uint64, len(caps))
	for i, c := range caps {
		ids[i] = t.install(c)
	}
	return ids
}

// size returns the number of live entries.
func (t *handleTable) size() int {
	return t.entries.Size()
}

// zero drops every entry. Id allocation is not rewound, so ids stay unique
// across a reset.
func (t *handleTable) zero() {
	t.entries.Clear()
}
