// Package diskarray implements the Disk Array: a resizable array of
// fixed-size elements, packed many-per-page, addressed through a chain of
// Page Indices Pages (PIPs) so the array can grow to many pages without a
// single huge index structure.
package diskarray

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/driftgraph/storage/internal/storage/bufmgr"
	"github.com/driftgraph/storage/internal/storage/dbfile"
	"github.com/driftgraph/storage/internal/storage/filehandle"
	"github.com/driftgraph/storage/internal/storage/wal"
)

// NilPageIdx marks an unallocated PIP slot or chain terminator.
const NilPageIdx = ^uint64(0)

// pipHdrSize is the fixed header of a PIP page: the next PIP's page index.
const pipHdrSize = 8

// headerPageIdx is the array's page 0, always the DiskArrayHeader per the
// on-disk layout (spec §6: "page 0 is the DiskArrayHeader").
const headerPageIdx = 0

// hdrWireSize is Header's marshaled size: NumElements, FirstPIPPageIdx,
// NumPIPPages, each a uint64.
const hdrWireSize = 24

// Header describes an array's shape. Two live copies are kept —
// read-transaction and write-transaction — so readers see a consistent
// view while a writer's in-flight changes are staged separately, matching
// the original design's headerForReadTrx/headerForWriteTrx split.
type Header struct {
	NumElements     uint64
	FirstPIPPageIdx uint64
	NumPIPPages     uint64
}

// DiskArray is one resizable array of elemSize-byte elements backed by fh.
type DiskArray struct {
	mu sync.Mutex

	fh       *filehandle.BMFileHandle
	file     dbfile.ID
	bm       *bufmgr.BufferManager
	wal      *wal.Coordinator // nil in in-memory mode: Update then writes the base frame directly
	elemSize int

	elemsPerPage   int
	pageIdxsPerPIP int

	headerRead  Header
	headerWrite Header

	pending pendingPIPs
}

// pendingPIPs holds every PIP page touched by the in-flight write
// transaction. Data pages freshly allocated via fh.AddNewPage() are not
// tracked separately: on RollbackInMemory they simply stay allocated but
// unreferenced by any committed PIP slot, a small space cost traded for not
// needing file-truncation-on-abort bookkeeping.
type pendingPIPs struct {
	pips map[uint64]*pipPage // pageIdx -> staged PIP contents
}

type pipPage struct {
	nextPIPPageIdx uint64
	pageIdxs       []uint64
}

// Open attaches a DiskArray to fh at the given element size. If fh has no
// pages yet, page 0 is allocated and initialized as a fresh DiskArrayHeader;
// otherwise the existing header is read back from page 0 so the array
// survives a process restart. coord may be nil (in-memory mode), in which
// case Update writes straight into the base-file frame instead of routing
// through a WAL shadow.
func Open(fh *filehandle.BMFileHandle, file dbfile.ID, bm *bufmgr.BufferManager, elemSize int, coord *wal.Coordinator) (*DiskArray, error) {
	pageSize := fh.PageSize()
	if elemSize <= 0 || elemSize > pageSize {
		return nil, fmt.Errorf("diskarray: invalid elemSize %d for page size %d", elemSize, pageSize)
	}
	if hdrWireSize > pageSize {
		return nil, fmt.Errorf("diskarray: page size %d too small for header", pageSize)
	}
	da := &DiskArray{
		fh:             fh,
		file:           file,
		bm:             bm,
		wal:            coord,
		elemSize:       elemSize,
		elemsPerPage:   pageSize / elemSize,
		pageIdxsPerPIP: (pageSize - pipHdrSize) / 8,
	}
	da.resetPending()

	if fh.NumPages() == 0 {
		idx, _ := fh.AddNewPage()
		if idx != headerPageIdx {
			return nil, fmt.Errorf("diskarray: expected header at page 0, got page %d", idx)
		}
		da.headerRead = Header{FirstPIPPageIdx: NilPageIdx}
		da.headerWrite = da.headerRead
		if err := da.writeHeaderPage(da.headerRead); err != nil {
			return nil, err
		}
		return da, nil
	}

	hdr, err := da.readHeaderPage()
	if err != nil {
		return nil, err
	}
	da.headerRead = hdr
	da.headerWrite = hdr
	return da, nil
}

func (da *DiskArray) readHeaderPage() (Header, error) {
	frame, err := da.bm.Pin(da.fh, headerPageIdx)
	if err != nil {
		return Header{}, fmt.Errorf("diskarray: pin header page: %w", err)
	}
	defer da.bm.Unpin(da.fh, headerPageIdx)
	return Header{
		NumElements:     binary.LittleEndian.Uint64(frame[0:8]),
		FirstPIPPageIdx: binary.LittleEndian.Uint64(frame[8:16]),
		NumPIPPages:     binary.LittleEndian.Uint64(frame[16:24]),
	}, nil
}

func (da *DiskArray) writeHeaderPage(hdr Header) error {
	frame, err := da.bm.Pin(da.fh, headerPageIdx)
	if err != nil {
		return fmt.Errorf("diskarray: pin header page for write: %w", err)
	}
	defer da.bm.Unpin(da.fh, headerPageIdx)
	binary.LittleEndian.PutUint64(frame[0:8], hdr.NumElements)
	binary.LittleEndian.PutUint64(frame[8:16], hdr.FirstPIPPageIdx)
	binary.LittleEndian.PutUint64(frame[16:24], hdr.NumPIPPages)
	da.bm.SetPinnedPageDirty(da.fh, headerPageIdx)
	return nil
}

func (da *DiskArray) resetPending() {
	da.pending = pendingPIPs{pips: make(map[uint64]*pipPage)}
}

// NumElements returns the array's current length as observed by readers
// (the last checkpointed header, not any in-flight write).
func (da *DiskArray) NumElements() uint64 {
	da.mu.Lock()
	defer da.mu.Unlock()
	return da.headerRead.NumElements
}

func (da *DiskArray) dataPageForElement(header *Header, idx uint64) (pageIdx uint64, offset int, err error) {
	if idx >= header.NumElements {
		return 0, 0, fmt.Errorf("diskarray: index %d out of range (len %d)", idx, header.NumElements)
	}
	pageSlot := idx / uint64(da.elemsPerPage)
	offset = int(idx%uint64(da.elemsPerPage)) * da.elemSize
	pageIdx, err = da.pipSlotValue(header, pageSlot)
	return pageIdx, offset, err
}

// pipSlotValue returns the data-page index stored at pageSlot in header's
// PIP chain, preferring any version staged in da.pending.
func (da *DiskArray) pipSlotValue(header *Header, pageSlot uint64) (uint64, error) {
	pipIdx := pageSlot / uint64(da.pageIdxsPerPIP)
	slotInPIP := int(pageSlot % uint64(da.pageIdxsPerPIP))
	if pipIdx >= header.NumPIPPages {
		return 0, fmt.Errorf("diskarray: PIP chain too short for page slot %d", pageSlot)
	}
	pipPageIdx, err := da.pipPageIdxAt(header, pipIdx)
	if err != nil {
		return 0, err
	}
	pip, err := da.loadPIP(pipPageIdx)
	if err != nil {
		return 0, err
	}
	return pip.pageIdxs[slotInPIP], nil
}

// pipPageIdxAt walks the chain starting at header.FirstPIPPageIdx and
// returns the on-disk page index of the pipIdx'th PIP page.
func (da *DiskArray) pipPageIdxAt(header *Header, pipIdx uint64) (uint64, error) {
	cur := header.FirstPIPPageIdx
	for i := uint64(0); i < pipIdx; i++ {
		if cur == NilPageIdx {
			return 0, fmt.Errorf("diskarray: PIP chain ended before position %d", pipIdx)
		}
		pip, err := da.loadPIP(cur)
		if err != nil {
			return 0, err
		}
		cur = pip.nextPIPPageIdx
	}
	if cur == NilPageIdx {
		return 0, fmt.Errorf("diskarray: PIP chain ended before position %d", pipIdx)
	}
	return cur, nil
}

// loadPIP returns the PIP page at pipPageIdx, preferring an in-flight
// staged copy so a writer sees its own not-yet-committed edits.
func (da *DiskArray) loadPIP(pipPageIdx uint64) (*pipPage, error) {
	if pip, ok := da.pending.pips[pipPageIdx]; ok {
		return pip, nil
	}
	frame, err := da.bm.Pin(da.fh, pipPageIdx)
	if err != nil {
		return nil, fmt.Errorf("diskarray: pin PIP page %d: %w", pipPageIdx, err)
	}
	defer da.bm.Unpin(da.fh, pipPageIdx)
	return unmarshalPIP(frame, da.pageIdxsPerPIP), nil
}

func newEmptyPIP(capacity int) *pipPage {
	pip := &pipPage{nextPIPPageIdx: NilPageIdx, pageIdxs: make([]uint64, capacity)}
	for i := range pip.pageIdxs {
		pip.pageIdxs[i] = NilPageIdx
	}
	return pip
}

func unmarshalPIP(buf []byte, capacity int) *pipPage {
	pip := &pipPage{nextPIPPageIdx: binary.LittleEndian.Uint64(buf[0:8])}
	pip.pageIdxs = make([]uint64, capacity)
	for i := 0; i < capacity; i++ {
		off := pipHdrSize + i*8
		pip.pageIdxs[i] = binary.LittleEndian.Uint64(buf[off : off+8])
	}
	return pip
}

func marshalPIP(pip *pipPage, buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], pip.nextPIPPageIdx)
	for i, pageIdx := range pip.pageIdxs {
		off := pipHdrSize + i*8
		binary.LittleEndian.PutUint64(buf[off:off+8], pageIdx)
	}
}

// Get copies element idx into dst, which must be at least elemSize bytes.
// It always returns the pre-transaction, base-file contents — equivalent to
// get(i, READ) — even while a write transaction holds a shadow for idx's
// page. Callers that are themselves the active writer and want to observe
// their own uncommitted Update must use GetForWrite instead.
func (da *DiskArray) Get(idx uint64, dst []byte) error {
	da.mu.Lock()
	defer da.mu.Unlock()
	pageIdx, offset, err := da.dataPageForElement(&da.headerRead, idx)
	if err != nil {
		return err
	}
	frame, err := da.bm.Pin(da.fh, pageIdx)
	if err != nil {
		return fmt.Errorf("diskarray: pin data page %d: %w", pageIdx, err)
	}
	defer da.bm.Unpin(da.fh, pageIdx)
	copy(dst, frame[offset:offset+da.elemSize])
	return nil
}

// GetForWrite copies element idx into dst the way the active write
// transaction sees it: idx's page's WAL shadow if one has been staged by an
// earlier Update in the same transaction, otherwise the base-file contents.
// Equivalent to get(i, WRITE).
func (da *DiskArray) GetForWrite(idx uint64, dst []byte) error {
	da.mu.Lock()
	defer da.mu.Unlock()
	pageIdx, offset, err := da.dataPageForElement(&da.headerWrite, idx)
	if err != nil {
		return err
	}
	if shadow, ok := da.fh.ShadowFrame(pageIdx); ok {
		copy(dst, shadow[offset:offset+da.elemSize])
		return nil
	}
	frame, err := da.bm.Pin(da.fh, pageIdx)
	if err != nil {
		return fmt.Errorf("diskarray: pin data page %d: %w", pageIdx, err)
	}
	defer da.bm.Unpin(da.fh, pageIdx)
	copy(dst, frame[offset:offset+da.elemSize])
	return nil
}

// Update overwrites element idx with src (exactly elemSize bytes). With a
// WAL coordinator configured, the write never touches the live base-file
// frame: it creates idx's page's WAL shadow if one is not already staged
// (copying the current base-file contents first), mutates the shadow, and
// logs the result via LogPageShadow, so concurrent Get calls keep seeing
// pre-transaction bytes until Checkpoint. Without a coordinator (in-memory
// mode has none), it falls back to mutating the base frame directly.
func (da *DiskArray) Update(txID uint64, idx uint64, src []byte) error {
	da.mu.Lock()
	defer da.mu.Unlock()
	pageIdx, offset, err := da.dataPageForElement(&da.headerWrite, idx)
	if err != nil {
		return err
	}

	if da.wal == nil {
		frame, err := da.bm.Pin(da.fh, pageIdx)
		if err != nil {
			return fmt.Errorf("diskarray: pin data page %d: %w", pageIdx, err)
		}
		defer da.bm.Unpin(da.fh, pageIdx)
		copy(frame[offset:offset+da.elemSize], src)
		da.bm.SetPinnedPageDirty(da.fh, pageIdx)
		return nil
	}

	shadow, ok := da.fh.ShadowFrame(pageIdx)
	if !ok {
		frame, err := da.bm.Pin(da.fh, pageIdx)
		if err != nil {
			return fmt.Errorf("diskarray: pin data page %d: %w", pageIdx, err)
		}
		shadow = append([]byte(nil), frame...)
		da.bm.Unpin(da.fh, pageIdx)
	}
	copy(shadow[offset:offset+da.elemSize], src)

	walPageIdx, err := da.wal.LogPageShadow(txID, da.file, pageIdx, shadow)
	if err != nil {
		return fmt.Errorf("diskarray: log shadow for page %d: %w", pageIdx, err)
	}
	da.fh.SetWALPageVersion(pageIdx, walPageIdx)
	da.fh.SetShadowFrame(pageIdx, shadow)
	return nil
}

// PushBack appends one element, allocating a new data page (and, if
// necessary, a new PIP page) in the in-memory pending staging area —
// nothing is visible to readers until PrepareCommit. It writes the new
// page's bytes straight into the base-file frame rather than through a WAL
// shadow: this is the "bypass WAL for new pages" option, safe because the
// page is unreferenced by any PIP slot a reader can reach until
// PrepareCommit publishes headerWrite, regardless of what the base file
// holds in the meantime.
func (da *DiskArray) PushBack(src []byte) (uint64, error) {
	da.mu.Lock()
	defer da.mu.Unlock()

	idx := da.headerWrite.NumElements
	pageSlot := idx / uint64(da.elemsPerPage)
	offsetInPage := int(idx%uint64(da.elemsPerPage)) * da.elemSize

	var pageIdx uint64
	if offsetInPage == 0 {
		newIdx, _ := da.fh.AddNewPage()
		pageIdx = newIdx
		if err := da.setPIPSlot(pageSlot, pageIdx); err != nil {
			return 0, err
		}
	} else {
		var err error
		pageIdx, err = da.pipSlotValue(&da.headerWrite, pageSlot)
		if err != nil {
			return 0, err
		}
	}

	frame, err := da.bm.Pin(da.fh, pageIdx)
	if err != nil {
		return 0, fmt.Errorf("diskarray: pin new data page %d: %w", pageIdx, err)
	}
	copy(frame[offsetInPage:offsetInPage+da.elemSize], src)
	da.bm.SetPinnedPageDirty(da.fh, pageIdx)
	da.bm.Unpin(da.fh, pageIdx)

	da.headerWrite.NumElements++
	return idx, nil
}

// setPIPSlot records pageIdx at pageSlot in the PIP chain, extending the
// chain by exactly one PIP page if pageSlot's PIP does not exist yet.
func (da *DiskArray) setPIPSlot(pageSlot uint64, pageIdx uint64) error {
	pipIdx := pageSlot / uint64(da.pageIdxsPerPIP)
	slotInPIP := int(pageSlot % uint64(da.pageIdxsPerPIP))

	switch {
	case pipIdx < da.headerWrite.NumPIPPages:
		pipPageIdx, err := da.pipPageIdxAt(&da.headerWrite, pipIdx)
		if err != nil {
			return err
		}
		pip, err := da.loadPIP(pipPageIdx)
		if err != nil {
			return err
		}
		pip.pageIdxs[slotInPIP] = pageIdx
		da.pending.pips[pipPageIdx] = pip
		return nil

	case pipIdx == da.headerWrite.NumPIPPages:
		newPIP := newEmptyPIP(da.pageIdxsPerPIP)
		newPIP.pageIdxs[slotInPIP] = pageIdx
		newPIPPageIdx, _ := da.fh.AddNewPage()
		da.pending.pips[newPIPPageIdx] = newPIP

		if da.headerWrite.NumPIPPages == 0 {
			da.headerWrite.FirstPIPPageIdx = newPIPPageIdx
		} else {
			tailIdx, err := da.pipPageIdxAt(&da.headerWrite, da.headerWrite.NumPIPPages-1)
			if err != nil {
				return err
			}
			tail, err := da.loadPIP(tailIdx)
			if err != nil {
				return err
			}
			tail.nextPIPPageIdx = newPIPPageIdx
			da.pending.pips[tailIdx] = tail
		}
		da.headerWrite.NumPIPPages++
		return nil

	default:
		return fmt.Errorf("diskarray: PIP chain gap at position %d (have %d)", pipIdx, da.headerWrite.NumPIPPages)
	}
}

// PrepareCommit flushes every staged PIP page to disk and publishes
// headerWrite as the new headerRead, making PushBack'd elements visible to
// readers.
func (da *DiskArray) PrepareCommit() error {
	da.mu.Lock()
	defer da.mu.Unlock()

	for pageIdx, pip := range da.pending.pips {
		if err := da.writePIP(pageIdx, pip); err != nil {
			return err
		}
	}
	if err := da.writeHeaderPage(da.headerWrite); err != nil {
		return err
	}
	da.headerRead = da.headerWrite
	da.resetPending()
	return nil
}

func (da *DiskArray) writePIP(pipPageIdx uint64, pip *pipPage) error {
	frame, err := da.bm.Pin(da.fh, pipPageIdx)
	if err != nil {
		return fmt.Errorf("diskarray: pin PIP page %d for write: %w", pipPageIdx, err)
	}
	defer da.bm.Unpin(da.fh, pipPageIdx)
	marshalPIP(pip, frame)
	da.bm.SetPinnedPageDirty(da.fh, pipPageIdx)
	return nil
}

// CheckpointInMemory must be called after the owning Database's WAL
// coordinator has applied this array's PAGE_SHADOW/PAGE_INSERT records to
// the base file at Checkpoint: it drops the now-redundant shadow buffers so
// later Get calls read the (now up to date) base frames directly again.
// Call it for every open DiskArray, whether or not this particular
// transaction touched it.
func (da *DiskArray) CheckpointInMemory() {
	da.mu.Lock()
	defer da.mu.Unlock()
	da.fh.ClearWALPageVersions()
}

// RollbackInMemory discards any staged-but-not-yet-prepared PIP updates and
// resets headerWrite to the last published headerRead, and drops any
// shadow buffers Update staged for this array during the rolled-back
// transaction — the base file was never mutated, so there is nothing to
// undo there, only the shadow bookkeeping to discard.
func (da *DiskArray) RollbackInMemory() {
	da.mu.Lock()
	defer da.mu.Unlock()
	da.headerWrite = da.headerRead
	da.resetPending()
	da.fh.ClearWALPageVersions()
}

// WriteIterator sequentially appends elements to a DiskArray, for bulk-load
// paths. It keeps no cached page or PIP position: each Write is one
// PushBack call, with the same lookup and pin/unpin.
type WriteIterator struct {
	da *DiskArray
}

// NewWriteIterator returns an iterator appending to da.
func (da *DiskArray) NewWriteIterator() *WriteIterator {
	return &WriteIterator{da: da}
}

// Write appends one element via the iterator.
func (it *WriteIterator) Write(src []byte) (uint64, error) {
	return it.da.PushBack(src)
}

// Done flushes staged PIP updates, equivalent to calling PrepareCommit.
func (it *WriteIterator) Done() error {
	return it.da.PrepareCommit()
}
