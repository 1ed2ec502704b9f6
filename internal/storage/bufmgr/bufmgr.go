// Package bufmgr implements the buffer manager: the component that maps
// (file, pageIdx) pairs onto resident frames inside one vmr.Region per
// page-size class, evicting unpinned pages under memory pressure.
package bufmgr

import (
	"fmt"
	"log"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/driftgraph/storage/internal/storage/filehandle"
	"github.com/driftgraph/storage/internal/storage/pagestate"
	"github.com/driftgraph/storage/internal/storage/vmr"
)

// maxClaimAttempts bounds how many eviction candidates claimFrameGroup will
// pop from the eviction queue looking for room before giving up with
// ErrBufferPoolOOM, matching the original design's decision to fail
// a pin outright rather than spin forever when every resident page is
// pinned.
const maxClaimAttempts = 4096

// BufferManager owns one vmr.Region per page-size class and the eviction
// queue shared across all of them.
type BufferManager struct {
	logger *log.Logger

	bufferPoolSize uint64
	usedMemory     *pinnedCounter

	regionsMu sync.RWMutex
	regions   map[int]*vmr.Region // pageSize -> region
	queue     *evictionQueue
}

// New creates a BufferManager with the given pool budget (bytes). logger
// may be nil, in which case log.Default() is used.
func New(bufferPoolSize uint64, logger *log.Logger) *BufferManager {
	if logger == nil {
		logger = log.Default()
	}
	return &BufferManager{
		logger:         logger,
		bufferPoolSize: bufferPoolSize,
		usedMemory:     newPinnedCounter(),
		regions:        make(map[int]*vmr.Region),
		queue:          newEvictionQueue(8192),
	}
}

// RegisterPageSize reserves a vmr.Region able to hold the pool's full
// memory budget as frames of pageSize bytes, so every page size the caller
// plans to use has its own address space carved out up front.
func (bm *BufferManager) RegisterPageSize(pageSize int) error {
	bm.regionsMu.Lock()
	defer bm.regionsMu.Unlock()
	if _, ok := bm.regions[pageSize]; ok {
		return nil
	}
	maxFrames := int(bm.bufferPoolSize / uint64(pageSize))
	if maxFrames < vmr.FrameGroupSize {
		maxFrames = vmr.FrameGroupSize
	}
	r, err := vmr.New(pageSize, maxFrames)
	if err != nil {
		return fmt.Errorf("bufmgr: register page size %d: %w", pageSize, err)
	}
	bm.regions[pageSize] = r
	return nil
}

func (bm *BufferManager) region(pageSize int) (*vmr.Region, bool) {
	bm.regionsMu.RLock()
	defer bm.regionsMu.RUnlock()
	r, ok := bm.regions[pageSize]
	return r, ok
}

// Pin brings page pageIdx of fh into residency (claiming and possibly
// evicting a frame if it is not already resident) and returns its backing
// byte slice, pinned against eviction until Unpin is called.
func (bm *BufferManager) Pin(fh *filehandle.BMFileHandle, pageIdx uint64) ([]byte, error) {
	ps := fh.PageState(pageIdx)
	state, _, _ := ps.Load()

	switch state {
	case pagestate.Unlocked, pagestate.Marked:
		// Already resident. Bump the pin count first so a concurrent
		// eviction attempt (which checks Pins()==0 before evicting) backs
		// off once it observes this pin, then clear any stale Marked flag
		// left by an earlier tryEvictOne that never got to evict it.
		ps.IncPin()
		ps.TryClearMark()
		frame, err := bm.frameFor(fh, pageIdx)
		if err != nil {
			ps.DecPin()
			return nil, err
		}
		return frame, nil
	default:
		frame, err := bm.claimAFrame(fh, pageIdx)
		if err != nil {
			return nil, err
		}
		ps.IncPin()
		return frame, nil
	}
}

// frameFor returns the byte slice for an already-resident page.
func (bm *BufferManager) frameFor(fh *filehandle.BMFileHandle, pageIdx uint64) ([]byte, error) {
	groupIdx := fh.FrameGroupOf(pageIdx)
	if groupIdx < 0 {
		return nil, fmt.Errorf("bufmgr: page %d marked resident but has no frame group", pageIdx)
	}
	region, ok := bm.region(fh.PageSize())
	if !ok {
		return nil, fmt.Errorf("bufmgr: no region registered for page size %d", fh.PageSize())
	}
	localIdx := int(pageIdx) % pagestate.GroupSize
	frameIdx := groupIdx*vmr.FrameGroupSize + localIdx
	return region.Frame(frameIdx), nil
}

// claimAFrame brings an Evicted page into residency, evicting queued
// candidates from the shared queue as needed to stay within the pool's
// memory budget.
func (bm *BufferManager) claimAFrame(fh *filehandle.BMFileHandle, pageIdx uint64) ([]byte, error) {
	ps := fh.PageState(pageIdx)
	region, ok := bm.region(fh.PageSize())
	if !ok {
		return nil, fmt.Errorf("bufmgr: no region registered for page size %d", fh.PageSize())
	}

	if !ps.TryLockEvicted() {
		// Someone else is concurrently claiming/locking this page; the
		// caller should retry via Pin.
		return nil, fmt.Errorf("bufmgr: page %d is concurrently being claimed", pageIdx)
	}

	groupIdx := fh.FrameGroupOf(pageIdx)
	if groupIdx < 0 {
		newGroupIdx, err := bm.claimFrameGroup(region)
		if err != nil {
			ps.ResetToEvicted()
			return nil, err
		}
		fh.SetFrameGroup(pageIdx, newGroupIdx)
		groupIdx = newGroupIdx
	}

	localIdx := int(pageIdx) % pagestate.GroupSize
	frameIdx := groupIdx*vmr.FrameGroupSize + localIdx
	frame := region.Frame(frameIdx)

	if err := fh.ReadPageFromDisk(pageIdx, frame); err != nil {
		ps.ResetToEvicted()
		return nil, fmt.Errorf("bufmgr: populate frame for page %d: %w", pageIdx, err)
	}

	bm.usedMemory.add(int64(fh.PageSize()))
	ps.Unlock()
	return frame, nil
}

// claimFrameGroup finds room for a new frame group in region, evicting
// candidates from the shared queue if the region is at capacity.
func (bm *BufferManager) claimFrameGroup(region *vmr.Region) (int, error) {
	groupIdx, err := region.AddNewFrameGroup()
	if err == nil {
		return groupIdx, nil
	}

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		if !bm.tryEvictOne() {
			break
		}
		if groupIdx, err = region.AddNewFrameGroup(); err == nil {
			return groupIdx, nil
		}
	}
	return 0, fmt.Errorf("bufmgr: %w (requested page size %d, pool budget %s)",
		ErrBufferPoolOOM, region.PageSize(), humanize.Bytes(bm.bufferPoolSize))
}

// tryEvictOne pops one candidate from the eviction queue and evicts it if
// it is still genuinely unpinned and in the expected state; stale entries
// (re-pinned since being queued) are discarded without counting as
// progress. Returns true if it made any progress draining the queue.
func (bm *BufferManager) tryEvictOne() bool {
	cand, ok := bm.queue.Pop()
	if !ok {
		return false
	}
	if cand.State.Pins() > 0 {
		return true // stale; re-pinned since queued, but we did make progress
	}
	if !cand.State.TryMark() && !cand.State.TryClearMark() {
		return true
	}
	if !cand.State.TryLock() {
		return true
	}

	if cand.State.Pins() > 0 {
		cand.State.Unlock()
		return true
	}
	if cand.State.IsDirty() {
		if err := bm.flushOne(cand.FileHandle, cand.PageIdx); err != nil {
			bm.logger.Printf("bufmgr: eviction flush of page %d failed: %v", cand.PageIdx, err)
			cand.State.Unlock()
			return true
		}
	}
	groupIdx := cand.FileHandle.FrameGroupOf(cand.PageIdx)
	if groupIdx >= 0 {
		region, _ := bm.region(cand.FileHandle.PageSize())
		localIdx := int(cand.PageIdx) % pagestate.GroupSize
		frameIdx := groupIdx*vmr.FrameGroupSize + localIdx
		if err := region.Release(frameIdx); err != nil {
			bm.logger.Printf("bufmgr: release frame for page %d: %v", cand.PageIdx, err)
		}
		bm.usedMemory.add(-int64(cand.FileHandle.PageSize()))
	}
	cand.State.ResetToEvicted()
	return true
}

func (bm *BufferManager) flushOne(fh *filehandle.BMFileHandle, pageIdx uint64) error {
	frame, err := bm.frameFor(fh, pageIdx)
	if err != nil {
		return err
	}
	if err := fh.WritePageToDisk(pageIdx, frame); err != nil {
		return err
	}
	fh.PageState(pageIdx).ClearDirty()
	return nil
}

// Unpin releases one pin on pageIdx; once its pin count reaches zero the
// page becomes an eviction candidate and is pushed onto the shared queue.
func (bm *BufferManager) Unpin(fh *filehandle.BMFileHandle, pageIdx uint64) {
	ps := fh.PageState(pageIdx)
	if ps.DecPin() == 0 {
		bm.queue.Push(fh, pageIdx, ps)
	}
}

// SetPinnedPageDirty marks a currently-pinned page dirty.
func (bm *BufferManager) SetPinnedPageDirty(fh *filehandle.BMFileHandle, pageIdx uint64) {
	fh.PageState(pageIdx).SetDirty()
}

// OptimisticRead calls fn with the frame backing pageIdx without taking any
// lock, then verifies the page's version did not change during fn,
// retrying the whole call if it did. A page that is evicted when an attempt
// starts is read through Pin/Unpin instead. fn must not retain the slice it
// is given beyond the call.
func (bm *BufferManager) OptimisticRead(fh *filehandle.BMFileHandle, pageIdx uint64, fn func([]byte) error) error {
	ps := fh.PageState(pageIdx)
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		state, before, _ := ps.Load()
		if state == pagestate.Evicted {
			// No frame to read optimistically: take the pin/unpin path.
			frame, err := bm.Pin(fh, pageIdx)
			if err != nil {
				return err
			}
			defer bm.Unpin(fh, pageIdx)
			return fn(frame)
		}
		frame, err := bm.frameFor(fh, pageIdx)
		if err != nil {
			return err
		}
		if err := fn(frame); err != nil {
			return err
		}
		_, after, _ := ps.Load()
		if after == before {
			return nil
		}
	}
	return fmt.Errorf("bufmgr: optimistic read of page %d did not stabilize", pageIdx)
}

// FlushAllDirtyPages writes every dirty resident page of fh to disk.
func (bm *BufferManager) FlushAllDirtyPages(fh *filehandle.BMFileHandle) error {
	n := fh.NumPages()
	for idx := uint64(0); idx < n; idx++ {
		ps := fh.PageState(idx)
		state, _, dirty := ps.Load()
		if state == pagestate.Evicted || !dirty {
			continue
		}
		if err := bm.flushOne(fh, idx); err != nil {
			return fmt.Errorf("bufmgr: flush page %d: %w", idx, err)
		}
	}
	return nil
}

// RemoveFilePagesFromFrames evicts every resident page of fh without
// flushing (used when a file is being deleted or replaced wholesale, e.g.
// after a rollback discards an in-memory temp file).
func (bm *BufferManager) RemoveFilePagesFromFrames(fh *filehandle.BMFileHandle) error {
	n := fh.NumPages()
	for idx := uint64(0); idx < n; idx++ {
		ps := fh.PageState(idx)
		state, _, _ := ps.Load()
		if state == pagestate.Evicted {
			continue
		}
		if !ps.TryLock() {
			return fmt.Errorf("bufmgr: page %d still pinned during removal", idx)
		}
		groupIdx := fh.FrameGroupOf(idx)
		if groupIdx >= 0 {
			region, _ := bm.region(fh.PageSize())
			localIdx := int(idx) % pagestate.GroupSize
			frameIdx := groupIdx*vmr.FrameGroupSize + localIdx
			if err := region.Release(frameIdx); err != nil {
				return err
			}
			bm.usedMemory.add(-int64(fh.PageSize()))
		}
		ps.ResetToEvicted()
	}
	return nil
}

// UsedMemory returns the buffer pool's current memory usage estimate.
func (bm *BufferManager) UsedMemory() uint64 {
	return bm.usedMemory.get()
}
