package filehandle

import (
	"sync"

	"github.com/driftgraph/storage/internal/storage/pagestate"
)

// walGroupSize groups WAL page-index redirects the same way pagestate.Vector
// groups PageStates, so a transaction touching many adjacent pages doesn't
// take one map-entry lock per page.
const walGroupSize = pagestate.GroupSize

// BMFileHandle is the buffer-manager-facing view of a file: on top of
// FileHandle's page count and disk I/O, it tracks one PageState per page,
// which VMR frame group currently backs each page group, and a redirect map
// from page index to the WAL's shadow copy of that page (the "versioned"
// part of the original VersionedFileHandle).
type BMFileHandle struct {
	*FileHandle

	pageStates *pagestate.Vector

	frameGroupMu sync.RWMutex
	frameGroupOf []int // page-group index -> VMR frame-group index, -1 = unmapped

	walMu           sync.RWMutex
	walPageIdxGroup map[uint64]map[uint64]uint64 // page-group idx -> (page idx -> WAL page idx)
	shadowBuf       map[uint64][]byte            // page idx -> in-flight shadow page content
}

// NewBMFileHandle wraps fh with buffer-manager bookkeeping, pre-populating
// one PageState per existing page.
func NewBMFileHandle(fh *FileHandle) *BMFileHandle {
	bmfh := &BMFileHandle{
		FileHandle:      fh,
		pageStates:      pagestate.NewVector(),
		walPageIdxGroup: make(map[uint64]map[uint64]uint64),
		shadowBuf:       make(map[uint64][]byte),
	}
	n := fh.NumPages()
	for i := uint64(0); i < n; i++ {
		bmfh.pageStates.PushBack(pagestate.NewEvicted(0))
	}
	return bmfh
}

// AddNewPage extends the file and returns the new page's PageState along
// with its index.
func (bmfh *BMFileHandle) AddNewPage() (idx uint64, ps *pagestate.PageState) {
	idx = bmfh.FileHandle.AddNewPage()
	ps = pagestate.NewEvicted(0)
	got := bmfh.pageStates.PushBack(ps)
	if uint64(got) != idx {
		panic("filehandle: page-state vector and page count diverged")
	}
	return idx, ps
}

// PageState returns the PageState tracking residency of page idx.
func (bmfh *BMFileHandle) PageState(idx uint64) *pagestate.PageState {
	return bmfh.pageStates.Get(int(idx))
}

// FrameGroupOf returns the VMR frame-group index backing the page group
// containing idx, or -1 if that page group has never been mapped to a
// frame group.
func (bmfh *BMFileHandle) FrameGroupOf(idx uint64) int {
	groupIdx := int(idx) / pagestate.GroupSize
	bmfh.frameGroupMu.RLock()
	defer bmfh.frameGroupMu.RUnlock()
	if groupIdx >= len(bmfh.frameGroupOf) {
		return -1
	}
	return bmfh.frameGroupOf[groupIdx]
}

// SetFrameGroup records that the page group containing idx is now backed by
// VMR frame group frameGroupIdx, growing the index vector one group at a
// time as pageStates grows.
func (bmfh *BMFileHandle) SetFrameGroup(idx uint64, frameGroupIdx int) {
	groupIdx := int(idx) / pagestate.GroupSize
	bmfh.frameGroupMu.Lock()
	defer bmfh.frameGroupMu.Unlock()
	for groupIdx >= len(bmfh.frameGroupOf) {
		bmfh.frameGroupOf = append(bmfh.frameGroupOf, -1)
	}
	bmfh.frameGroupOf[groupIdx] = frameGroupIdx
}

// HasWALPageVersion reports whether page idx has been shadowed into the WAL
// by an in-flight transaction.
func (bmfh *BMFileHandle) HasWALPageVersion(idx uint64) (walPageIdx uint64, ok bool) {
	groupIdx := idx / walGroupSize
	bmfh.walMu.RLock()
	defer bmfh.walMu.RUnlock()
	group, exists := bmfh.walPageIdxGroup[groupIdx]
	if !exists {
		return 0, false
	}
	walPageIdx, ok = group[idx]
	return walPageIdx, ok
}

// SetWALPageVersion records that idx is currently shadowed at walPageIdx in
// the WAL file.
func (bmfh *BMFileHandle) SetWALPageVersion(idx, walPageIdx uint64) {
	groupIdx := idx / walGroupSize
	bmfh.walMu.Lock()
	defer bmfh.walMu.Unlock()
	group, exists := bmfh.walPageIdxGroup[groupIdx]
	if !exists {
		group = make(map[uint64]uint64)
		bmfh.walPageIdxGroup[groupIdx] = group
	}
	group[idx] = walPageIdx
}

// ClearWALPageVersions drops all WAL redirects and shadow buffers, called on
// commit checkpoint (the shadow copies have now been applied to the main
// file) or on rollback (where they are simply discarded) once the
// originating transaction is finished.
func (bmfh *BMFileHandle) ClearWALPageVersions() {
	bmfh.walMu.Lock()
	defer bmfh.walMu.Unlock()
	bmfh.walPageIdxGroup = make(map[uint64]map[uint64]uint64)
	bmfh.shadowBuf = make(map[uint64][]byte)
}

// ShadowFrame returns the in-flight shadow content staged for page idx by
// the active write transaction, if any.
func (bmfh *BMFileHandle) ShadowFrame(idx uint64) ([]byte, bool) {
	bmfh.walMu.RLock()
	defer bmfh.walMu.RUnlock()
	buf, ok := bmfh.shadowBuf[idx]
	return buf, ok
}

// SetShadowFrame records data as page idx's current shadow content,
// replacing whatever was staged for it earlier in the same transaction.
func (bmfh *BMFileHandle) SetShadowFrame(idx uint64, data []byte) {
	bmfh.walMu.Lock()
	defer bmfh.walMu.Unlock()
	if bmfh.shadowBuf == nil {
		bmfh.shadowBuf = make(map[uint64][]byte)
	}
	bmfh.shadowBuf[idx] = data
}
