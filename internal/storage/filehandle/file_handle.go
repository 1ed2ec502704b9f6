// Package filehandle implements the on-disk file abstraction the buffer
// manager pins pages against: FileHandle wraps an *os.File with page-count
// bookkeeping, and BMFileHandle adds the concurrent per-page state and
// WAL-redirect map that make it safe to pin/evict pages from many
// goroutines at once.
package filehandle

import (
	"fmt"
	"os"
	"sync"
)

// OpenFlags mirrors FileHandle's file-open intent from the original design:
// a persistent file that must already exist, one that may be created, or a
// purely in-memory temporary file backed by no path at all.
type OpenFlags uint8

const (
	PersistentNoCreate OpenFlags = iota
	PersistentCreateIfNotExists
	InMemoryTemp
)

// FileHandle owns the *os.File (or, for in-memory files, nothing on disk)
// and the page-count bookkeeping shared by every page in it. No separate
// page capacity is tracked.
type FileHandle struct {
	mu sync.RWMutex // guards numPages against concurrent resize

	path      string
	file      *os.File // nil for InMemoryTemp
	pageSize  int
	numPages  uint64
	isInMem   bool
}

// Open opens or creates the file named by path per flags. For InMemoryTemp,
// path is used only as a debug label and no file is opened.
func Open(path string, pageSize int, flags OpenFlags) (*FileHandle, error) {
	fh := &FileHandle{path: path, pageSize: pageSize}

	switch flags {
	case InMemoryTemp:
		fh.isInMem = true
		return fh, nil
	case PersistentNoCreate:
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("filehandle: open %s: %w", path, err)
		}
		fh.file = f
	case PersistentCreateIfNotExists:
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("filehandle: open-or-create %s: %w", path, err)
		}
		fh.file = f
	default:
		return nil, fmt.Errorf("filehandle: unknown OpenFlags %d", flags)
	}

	info, err := fh.file.Stat()
	if err != nil {
		fh.file.Close()
		return nil, fmt.Errorf("filehandle: stat %s: %w", path, err)
	}
	fh.numPages = uint64(info.Size()) / uint64(pageSize)
	return fh, nil
}

// Path returns the path the handle was opened with; for in-memory handles
// it is only a label.
func (fh *FileHandle) Path() string { return fh.path }

// IsInMemory reports whether this handle has no on-disk backing.
func (fh *FileHandle) IsInMemory() bool { return fh.isInMem }

// PageSize returns the fixed page size of this file.
func (fh *FileHandle) PageSize() int { return fh.pageSize }

// NumPages returns the current page count.
func (fh *FileHandle) NumPages() uint64 {
	fh.mu.RLock()
	defer fh.mu.RUnlock()
	return fh.numPages
}

// AddNewPage extends the file by one page and returns its index. The
// physical file is not pre-extended; ReadPageFromDisk of a page beyond
// actual file length returns a zeroed page, and WritePageToDisk grows the
// file on first write (matching addNewPage's lazy-allocation behavior).
func (fh *FileHandle) AddNewPage() uint64 {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	idx := fh.numPages
	fh.numPages++
	return idx
}

// RemoveLastPageIfFree truncates the file by one page when idx is exactly
// the last page, mirroring removePageIdxAndTruncateIfNecessary. Returns
// false if idx was not the last page (caller should instead record it on a
// free list without shrinking the file).
func (fh *FileHandle) RemoveLastPageIfFree(idx uint64) bool {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if idx != fh.numPages-1 {
		return false
	}
	fh.numPages--
	if fh.file != nil {
		_ = fh.file.Truncate(int64(fh.numPages) * int64(fh.pageSize))
	}
	return true
}

// ReadPageFromDisk reads one page at idx into buf, which must be exactly
// PageSize() bytes. Reading beyond the current physical file length yields
// a zeroed page rather than an error, since AddNewPage does not eagerly
// extend the file.
func (fh *FileHandle) ReadPageFromDisk(idx uint64, buf []byte) error {
	if fh.isInMem {
		return fmt.Errorf("filehandle: ReadPageFromDisk called on in-memory file")
	}
	n, err := fh.file.ReadAt(buf, int64(idx)*int64(fh.pageSize))
	if err != nil && n == 0 {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("filehandle: read page %d: %w", idx, err)
	}
	return nil
}

// WritePageToDisk writes buf (exactly PageSize() bytes) to page idx.
func (fh *FileHandle) WritePageToDisk(idx uint64, buf []byte) error {
	if fh.isInMem {
		return fmt.Errorf("filehandle: WritePageToDisk called on in-memory file")
	}
	if _, err := fh.file.WriteAt(buf, int64(idx)*int64(fh.pageSize)); err != nil {
		return fmt.Errorf("filehandle: write page %d: %w", idx, err)
	}
	return nil
}

// Sync fsyncs the underlying file.
func (fh *FileHandle) Sync() error {
	if fh.isInMem {
		return nil
	}
	if err := fh.file.Sync(); err != nil {
		return fmt.Errorf("filehandle: sync %s: %w", fh.path, err)
	}
	return nil
}

// Close closes the underlying file, if any.
func (fh *FileHandle) Close() error {
	if fh.isInMem || fh.file == nil {
		return nil
	}
	return fh.file.Close()
}
