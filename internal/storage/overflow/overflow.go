// Package overflow implements the Disk Overflow File: an append-only byte
// store backing values too large to inline in a ShortString, grounded on
// the original design's DiskOverflowFile (disk_overflow_file.h/.cpp).
package overflow

import (
	"fmt"
	"sync"

	"github.com/driftgraph/storage/internal/storage/bufmgr"
	"github.com/driftgraph/storage/internal/storage/dbfile"
	"github.com/driftgraph/storage/internal/storage/filehandle"
	"github.com/driftgraph/storage/internal/storage/wal"
)

// MaxStringLen bounds a single overflow value before truncation or
// rejection kicks in, matching the original's PAGE_256KB_SIZE threshold.
const MaxStringLen = 256 * 1024

// DiskOverflowFile appends variable-length byte payloads to a dedicated
// file, handing back a ShortString pointer callers store inline in their
// own records. Because this file holds nothing but sequentially appended
// overflow payloads, pages are always consumed in increasing order, so
// (unlike the original's general-purpose page layout) no trailing
// next-page pointer needs to be reserved per page: the next page of a
// payload is simply the next page index.
type DiskOverflowFile struct {
	mu sync.Mutex

	fh       *filehandle.BMFileHandle
	file     dbfile.ID
	bm       *bufmgr.BufferManager
	wal      *wal.Coordinator
	pageSize int

	nextBytePosToWriteTo uint64
	cursorLogged         bool // see LogOverflowNextBytePos; reset per transaction

	truncateOverLarge bool
}

// Open attaches a DiskOverflowFile to fh, resuming the append cursor at the
// end of whatever pages already exist.
func Open(fh *filehandle.BMFileHandle, file dbfile.ID, bm *bufmgr.BufferManager, coord *wal.Coordinator, truncateOverLarge bool) *DiskOverflowFile {
	pageSize := fh.PageSize()
	return &DiskOverflowFile{
		fh:                   fh,
		file:                 file,
		bm:                   bm,
		wal:                  coord,
		pageSize:             pageSize,
		nextBytePosToWriteTo: fh.NumPages() * uint64(pageSize),
		truncateOverLarge:    truncateOverLarge,
	}
}

// ResetTransactionCursor must be called once per new transaction so the
// next WriteString within it logs a fresh OVERFLOW_NEXT_BYTE_POS record
// instead of reusing a stale one logged by an earlier, already-committed
// transaction.
func (f *DiskOverflowFile) ResetTransactionCursor() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursorLogged = false
}

// SetNextBytePosToWriteTo fast-forwards (or rewinds) the append cursor,
// called by recovery when replaying an OVERFLOW_NEXT_BYTE_POS record so the
// file resumes appending from exactly where the crashed transaction left
// off rather than wherever AddNewPage bookkeeping landed.
func (f *DiskOverflowFile) SetNextBytePosToWriteTo(pos uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextBytePosToWriteTo = pos
}

// WriteString stores raw either inline (if it fits in MaxInlineLen) or by
// appending it to the overflow file, returning the ShortString pointer the
// caller should persist. txID must be an active transaction on f's WAL
// coordinator whenever the write is non-inline.
func (f *DiskOverflowFile) WriteString(txID uint64, raw string) (ShortString, error) {
	if len(raw) <= MaxInlineLen {
		return NewInlineShortString(raw), nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	data := []byte(raw)
	if len(data) > MaxStringLen {
		if !f.truncateOverLarge {
			return ShortString{}, fmt.Errorf("overflow: value of %d bytes: %w", len(data), ErrOverLargeValue)
		}
		data = data[:MaxStringLen]
	}

	result := ShortString{Len: uint32(len(data))}
	copy(result.Prefix[:], data[:PrefixLen])

	if err := f.logCursorOnce(txID); err != nil {
		return ShortString{}, err
	}

	startPageIdx, startPos, err := f.appendBytes(txID, data)
	if err != nil {
		return ShortString{}, err
	}
	result.setOverflowPtr(uint32(startPageIdx), uint32(startPos))
	return result, nil
}

// logCursorOnce logs the append cursor's position before the first
// overflow-file mutation of txID, so recovery knows where to resume
// appending and a crash mid-write cannot silently reuse bytes that were
// already handed out as part of a committed string.
func (f *DiskOverflowFile) logCursorOnce(txID uint64) error {
	if f.cursorLogged {
		return nil
	}
	if err := f.wal.LogOverflowNextBytePos(txID, f.file, f.nextBytePosToWriteTo); err != nil {
		return fmt.Errorf("overflow: log next-byte-pos: %w", err)
	}
	f.cursorLogged = true
	return nil
}

// appendBytes writes data starting at the current cursor, allocating new
// pages as needed, and returns the page/offset the first byte landed at.
// Every touched page is routed through its WAL shadow (created on first
// touch from the current base-file or already-shadowed contents) and
// re-logged via LogPageShadow/LogPageInsert — the base-file frame is never
// mutated directly, so a concurrent reader using trxType READ keeps seeing
// whatever was there before this transaction until Checkpoint applies the
// shadow.
func (f *DiskOverflowFile) appendBytes(txID uint64, data []byte) (startPageIdx uint64, startPos int, err error) {
	startPageIdx = f.nextBytePosToWriteTo / uint64(f.pageSize)
	startPos = int(f.nextBytePosToWriteTo % uint64(f.pageSize))

	remaining := data
	for len(remaining) > 0 {
		pageIdx := f.nextBytePosToWriteTo / uint64(f.pageSize)
		posInPage := int(f.nextBytePosToWriteTo % uint64(f.pageSize))
		isNewPage := pageIdx >= f.fh.NumPages()
		if isNewPage {
			f.fh.AddNewPage()
		}

		page, ok := f.fh.ShadowFrame(pageIdx)
		if !ok {
			page = make([]byte, f.pageSize)
			if !isNewPage {
				frame, err := f.bm.Pin(f.fh, pageIdx)
				if err != nil {
					return 0, 0, fmt.Errorf("overflow: pin page %d: %w", pageIdx, err)
				}
				copy(page, frame)
				f.bm.Unpin(f.fh, pageIdx)
			}
		}

		n := f.pageSize - posInPage
		if n > len(remaining) {
			n = len(remaining)
		}
		copy(page[posInPage:posInPage+n], remaining[:n])

		var walPageIdx uint64
		var logErr error
		if isNewPage {
			walPageIdx, logErr = f.wal.LogPageInsert(txID, f.file, pageIdx, page)
		} else {
			walPageIdx, logErr = f.wal.LogPageShadow(txID, f.file, pageIdx, page)
		}
		if logErr != nil {
			return 0, 0, fmt.Errorf("overflow: log page %d: %w", pageIdx, logErr)
		}
		f.fh.SetWALPageVersion(pageIdx, walPageIdx)
		f.fh.SetShadowFrame(pageIdx, page)

		remaining = remaining[n:]
		f.nextBytePosToWriteTo += uint64(n)
	}
	return startPageIdx, startPos, nil
}

// ReadString returns the value a ShortString refers to, reading from the
// overflow file if it is not stored inline. trxType selects whose view of a
// shadowed page to read: wal.TrxWrite consults the active writer's own
// shadow first (read-your-own-write), while wal.TrxRead always reads the
// base file's pre-transaction bytes, matching readString(handle, trxType).
func (f *DiskOverflowFile) ReadString(s ShortString, trxType wal.TrxType) (string, error) {
	if s.IsInline() {
		return s.InlineString(), nil
	}

	pageIdx32, pos32 := s.OverflowPtr()
	pageIdx := uint64(pageIdx32)
	posInPage := int(pos32)

	buf := make([]byte, 0, s.Len)
	remaining := int(s.Len)
	for remaining > 0 {
		n := f.pageSize - posInPage
		if n > remaining {
			n = remaining
		}

		var chunk []byte
		if trxType == wal.TrxWrite {
			if shadow, ok := f.fh.ShadowFrame(pageIdx); ok {
				chunk = append(chunk, shadow[posInPage:posInPage+n]...)
			}
		}
		if chunk == nil {
			err := f.bm.OptimisticRead(f.fh, pageIdx, func(frame []byte) error {
				chunk = append(chunk, frame[posInPage:posInPage+n]...)
				return nil
			})
			if err != nil {
				return "", fmt.Errorf("overflow: read page %d: %w", pageIdx, err)
			}
		}
		buf = append(buf, chunk...)
		remaining -= n
		pageIdx++
		posInPage = 0
	}
	return string(buf), nil
}
