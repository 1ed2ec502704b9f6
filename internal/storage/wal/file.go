package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// File format (first 32 bytes):
//
//	[0:8]   Magic      "DGWAL\x00\x00\x00"
//	[8:12]  Version    uint32 LE
//	[12:16] PageSize   uint32 LE
//	[16:24] Reserved   8 bytes
//	[24:28] HeaderCRC  uint32 LE (CRC of bytes 0:24)
//	[28:32] Padding
const (
	magic      = "DGWAL\x00\x00\x00"
	version    = uint32(1)
	fileHdrLen = 32
)

// File manages the append-only on-disk WAL.
type File struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	pageSize int
	nextLSN  uint64
	writePos int64
}

// openFile opens or creates the WAL file at path.
func openFile(path string, pageSize int) (*File, error) {
	_, statErr := os.Stat(path)
	exists := statErr == nil

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	wf := &File{f: f, path: path, pageSize: pageSize, nextLSN: 1}
	if exists {
		if err := wf.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := wf.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: seek end of %s: %w", path, err)
	}
	wf.writePos = end
	return wf, nil
}

func (wf *File) writeHeader() error {
	var hdr [fileHdrLen]byte
	copy(hdr[0:8], magic)
	binary.LittleEndian.PutUint32(hdr[8:12], version)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(wf.pageSize))
	c := crc32.Checksum(hdr[:24], crcTable)
	binary.LittleEndian.PutUint32(hdr[24:28], c)
	if _, err := wf.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	return wf.f.Sync()
}

func (wf *File) validateHeader() error {
	var hdr [fileHdrLen]byte
	n, err := wf.f.ReadAt(hdr[:], 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("wal: read header: %w", err)
	}
	if n < fileHdrLen {
		return fmt.Errorf("wal: header too short (%d bytes): %w", n, ErrCorruptWAL)
	}
	if string(hdr[0:8]) != magic {
		return fmt.Errorf("wal: bad magic: %w", ErrCorruptWAL)
	}
	ver := binary.LittleEndian.Uint32(hdr[8:12])
	if ver != version {
		return fmt.Errorf("wal: unsupported version %d", ver)
	}
	ps := binary.LittleEndian.Uint32(hdr[12:16])
	if int(ps) != wf.pageSize {
		return fmt.Errorf("wal: page size %d != expected %d", ps, wf.pageSize)
	}
	stored := binary.LittleEndian.Uint32(hdr[24:28])
	if computed := crc32.Checksum(hdr[:24], crcTable); stored != computed {
		return fmt.Errorf("wal: header CRC mismatch: %w", ErrCorruptWAL)
	}
	return nil
}

// Append writes rec, assigning it the next LSN, and returns that LSN.
func (wf *File) Append(rec *Record) (uint64, error) {
	wf.mu.Lock()
	defer wf.mu.Unlock()

	lsn := wf.nextLSN
	wf.nextLSN++
	rec.LSN = lsn

	data := marshalRecord(rec)
	n, err := wf.f.WriteAt(data, wf.writePos)
	if err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	wf.writePos += int64(n)
	return lsn, nil
}

// Sync fsyncs the WAL file.
func (wf *File) Sync() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.f.Sync()
}

// Truncate resets the WAL to just its header, called after a checkpoint.
func (wf *File) Truncate() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if err := wf.f.Truncate(fileHdrLen); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	wf.writePos = fileHdrLen
	return wf.f.Sync()
}

// NextLSN returns the LSN that will be assigned to the next Append.
func (wf *File) NextLSN() uint64 {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.nextLSN
}

// SetNextLSN lets recovery fast-forward the LSN counter past replayed
// records.
func (wf *File) SetNextLSN(lsn uint64) {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	wf.nextLSN = lsn
}

// Close closes the WAL file.
func (wf *File) Close() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.f.Close()
}

// ReadAll reads every well-formed record from path, stopping silently at a
// corrupt or partial tail record (the signature of a crash mid-append).
func ReadAll(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s for read: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(fileHdrLen, io.SeekStart); err != nil {
		return nil, fmt.Errorf("wal: seek past header: %w", err)
	}

	var records []*Record
	for {
		rec, err := unmarshalRecord(f)
		if err != nil {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}
