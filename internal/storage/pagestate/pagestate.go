// Package pagestate implements the packed atomic page-state word shared by
// the buffer manager and file handle, and the append-only concurrent vector
// those words live in.
package pagestate

import (
	"sync/atomic"
)

// State is the low-byte lock state of a page frame.
type State uint8

const (
	Unlocked State = iota
	Locked
	Marked
	Evicted
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "UNLOCKED"
	case Locked:
		return "LOCKED"
	case Marked:
		return "MARKED"
	case Evicted:
		return "EVICTED"
	default:
		return "INVALID"
	}
}

// Word layout of the packed uint64:
//
//	bits [0:8)    state      (State)
//	bits [8:56)   version    (48-bit monotonic counter, bumped on every
//	                          load/unlock cycle so stale optimistic reads
//	                          can be detected)
//	bits [56:64)  dirty flag (non-zero byte means dirty)
const (
	stateShift   = 0
	stateMask    = 0xFF
	versionShift = 8
	versionMask  = 0xFFFFFFFFFFFF // 48 bits
	dirtyShift   = 56
	dirtyMask    = 0xFF
)

func pack(state State, version uint64, dirty bool) uint64 {
	var d uint64
	if dirty {
		d = 1
	}
	return ((uint64(state) & stateMask) << stateShift) |
		((version & versionMask) << versionShift) |
		(d << dirtyShift)
}

func unpackState(w uint64) State    { return State((w >> stateShift) & stateMask) }
func unpackVersion(w uint64) uint64 { return (w >> versionShift) & versionMask }
func unpackDirty(w uint64) bool     { return (w>>dirtyShift)&dirtyMask != 0 }

// PageState is the CAS-guarded state of a single page's residency in the
// buffer pool. The zero value is a valid Unlocked, clean, version-0 state;
// use NewEvicted for a page with no frame.
//
// pins counts concurrent readers/writers holding the page resident; it is
// tracked separately from the state/version/dirty word because many
// goroutines can validly pin the same resident page at once, while
// state/version/dirty only need exclusivity for the brief structural
// transitions (claiming a frame, evicting one).
type PageState struct {
	word atomic.Uint64
	pins atomic.Int32
}

// NewEvicted returns a PageState in the Evicted state with a given starting
// version, matching BMFileHandle's initial fill of its PageState vector.
func NewEvicted(version uint64) *PageState {
	ps := &PageState{}
	ps.word.Store(pack(Evicted, version, false))
	return ps
}

// Load returns the current state, version, and dirty flag as one atomic
// snapshot, used by optimistic readers.
func (ps *PageState) Load() (state State, version uint64, dirty bool) {
	w := ps.word.Load()
	return unpackState(w), unpackVersion(w), unpackDirty(w)
}

// Version returns only the version, for optimistic-read validation.
func (ps *PageState) Version() uint64 {
	return unpackVersion(ps.word.Load())
}

// TryLock attempts an Unlocked/Marked → Locked CAS transition. Returns false
// if the page was not in a lockable state (already Locked, or Evicted).
func (ps *PageState) TryLock() bool {
	for {
		w := ps.word.Load()
		state := unpackState(w)
		if state != Unlocked && state != Marked {
			return false
		}
		version := unpackVersion(w)
		dirty := unpackDirty(w)
		nw := pack(Locked, version, dirty)
		if ps.word.CompareAndSwap(w, nw) {
			return true
		}
	}
}

// TryLockEvicted attempts an Evicted → Locked CAS transition, used when the
// buffer manager claims a frame for a page that is not currently resident.
func (ps *PageState) TryLockEvicted() bool {
	for {
		w := ps.word.Load()
		if unpackState(w) != Evicted {
			return false
		}
		version := unpackVersion(w)
		nw := pack(Locked, version, false)
		if ps.word.CompareAndSwap(w, nw) {
			return true
		}
	}
}

// Unlock transitions Locked → Unlocked and bumps the version, making any
// optimistic reader that observed the old version retry.
func (ps *PageState) Unlock() {
	for {
		w := ps.word.Load()
		if unpackState(w) != Locked {
			panic("pagestate: Unlock of a non-Locked page")
		}
		dirty := unpackDirty(w)
		version := unpackVersion(w)
		nw := pack(Unlocked, version+1, dirty)
		if ps.word.CompareAndSwap(w, nw) {
			return
		}
	}
}

// ResetToEvicted transitions Locked → Evicted, used once a frame has been
// madvise'd away and the page truly has no backing frame.
func (ps *PageState) ResetToEvicted() {
	for {
		w := ps.word.Load()
		if unpackState(w) != Locked {
			panic("pagestate: ResetToEvicted of a non-Locked page")
		}
		version := unpackVersion(w)
		nw := pack(Evicted, version+1, false)
		if ps.word.CompareAndSwap(w, nw) {
			return
		}
	}
}

// TryMark attempts an Unlocked → Marked CAS transition, used by the buffer
// manager's tryEvictOne to flag a candidate for eviction before locking it.
func (ps *PageState) TryMark() bool {
	w := ps.word.Load()
	if unpackState(w) != Unlocked {
		return false
	}
	version := unpackVersion(w)
	dirty := unpackDirty(w)
	nw := pack(Marked, version, dirty)
	return ps.word.CompareAndSwap(w, nw)
}

// TryClearMark attempts a Marked → Unlocked CAS transition, used when a page
// is pinned again before the eviction queue gets to it.
func (ps *PageState) TryClearMark() bool {
	w := ps.word.Load()
	if unpackState(w) != Marked {
		return false
	}
	version := unpackVersion(w)
	dirty := unpackDirty(w)
	nw := pack(Unlocked, version, dirty)
	return ps.word.CompareAndSwap(w, nw)
}

// SetDirty sets the dirty flag without touching state or version. Caller
// must hold the page's lock (Locked state) or otherwise guarantee exclusive
// access; the CAS retry loop guards against racing concurrent dirty-setters.
func (ps *PageState) SetDirty() {
	for {
		w := ps.word.Load()
		state := unpackState(w)
		version := unpackVersion(w)
		nw := pack(state, version, true)
		if ps.word.CompareAndSwap(w, nw) {
			return
		}
	}
}

// ClearDirty clears the dirty flag, used after a successful flush.
func (ps *PageState) ClearDirty() {
	for {
		w := ps.word.Load()
		state := unpackState(w)
		version := unpackVersion(w)
		nw := pack(state, version, false)
		if ps.word.CompareAndSwap(w, nw) {
			return
		}
	}
}

// IsDirty reports the dirty flag without locking.
func (ps *PageState) IsDirty() bool {
	return unpackDirty(ps.word.Load())
}

// IncPin records one more reader/writer holding this page resident. The
// frame-claim path must call this only after the page is confirmed
// resident (Unlocked/Marked/Locked-by-self), never on an Evicted page.
func (ps *PageState) IncPin() int32 {
	return ps.pins.Add(1)
}

// DecPin releases one pin and returns the resulting count. A count of zero
// makes the page eligible for the eviction queue.
func (ps *PageState) DecPin() int32 {
	n := ps.pins.Add(-1)
	if n < 0 {
		panic("pagestate: DecPin underflow")
	}
	return n
}

// Pins returns the current pin count.
func (ps *PageState) Pins() int32 {
	return ps.pins.Load()
}
