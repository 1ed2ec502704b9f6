package bufmgr

import (
	"sync/atomic"

	"github.com/driftgraph/storage/internal/storage/filehandle"
	"github.com/driftgraph/storage/internal/storage/pagestate"
)

// EvictionCandidate names one page that was unpinned to zero pins at some
// point in the past; it may have been re-pinned since, which tryEvictOne
// detects from the page's pin count and state before doing any work.
type EvictionCandidate struct {
	FileHandle *filehandle.BMFileHandle
	PageIdx    uint64
	State      *pagestate.PageState
	Timestamp  uint64
}

// evictionQueue is a bounded MPMC queue of eviction candidates. Go's
// channels are the idiomatic concurrent-queue primitive and replace the
// original design's lock-free ring buffer; a channel close-free buffered
// channel already gives lock-free-ish contention characteristics under the
// Go runtime's internal scheduling without hand-rolling CAS-based ring
// buffer bookkeeping.
type evictionQueue struct {
	ch  chan EvictionCandidate
	seq atomic.Uint64
}

func newEvictionQueue(capacity int) *evictionQueue {
	return &evictionQueue{ch: make(chan EvictionCandidate, capacity)}
}

// Push enqueues a candidate, stamping it with a monotonic sequence number.
// Nothing reads the stamp: stale entries are only detected when
// tryEvictOne pops them, and there is no separate purge pass.
func (q *evictionQueue) Push(fh *filehandle.BMFileHandle, pageIdx uint64, ps *pagestate.PageState) {
	ts := q.seq.Add(1)
	select {
	case q.ch <- EvictionCandidate{FileHandle: fh, PageIdx: pageIdx, State: ps, Timestamp: ts}:
	default:
		// Queue full: the candidate is dropped. The page is queued again
		// the next time its pin count drops to zero.
	}
}

// Pop removes and returns one candidate, or ok=false if the queue is empty.
func (q *evictionQueue) Pop() (EvictionCandidate, bool) {
	select {
	case c := <-q.ch:
		return c, true
	default:
		return EvictionCandidate{}, false
	}
}

// Len reports the approximate number of queued candidates.
func (q *evictionQueue) Len() int {
	return len(q.ch)
}
