// Package wal implements the write-ahead log coordinator: record framing,
// the append/commit-checkpoint/rollback protocols, and crash recovery.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/driftgraph/storage/internal/storage/dbfile"
)

// RecordType tags the kind of a WAL record. PageShadow, PageInsert and
// OverflowNextBytePos are the three "content" record types named by the
// storage design; Begin/Commit/Abort bound a transaction the same way the
// teacher's wal.go brackets one, and Checkpoint marks that everything
// before it has already been applied to the main files.
type RecordType uint8

const (
	RecordBegin RecordType = iota + 1
	RecordPageShadow
	RecordPageInsert
	RecordOverflowNextBytePos
	RecordCommit
	RecordAbort
	RecordCheckpoint
)

func (t RecordType) String() string {
	switch t {
	case RecordBegin:
		return "BEGIN"
	case RecordPageShadow:
		return "PAGE_SHADOW"
	case RecordPageInsert:
		return "PAGE_INSERT"
	case RecordOverflowNextBytePos:
		return "OVERFLOW_NEXT_BYTE_POS"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	case RecordCheckpoint:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Record is the in-memory form of one WAL entry. Not every field is
// meaningful for every Type: PageShadow/PageInsert use File/PageIdx/Data;
// OverflowNextBytePos uses File/NextBytePos; Begin/Commit/Abort/Checkpoint
// use only TxID.
type Record struct {
	Type        RecordType
	LSN         uint64
	TxID        uint64
	File        dbfile.ID
	PageIdx     uint64
	NextBytePos uint64
	Data        []byte // full page image, for PageShadow/PageInsert
}

// recHdrSize is the fixed portion of a marshalled record, before Data:
//
//	[0]     Type          (1 byte)
//	[1:5]   Reserved       (4 bytes)
//	[5:13]  LSN            (uint64 LE)
//	[13:21] TxID           (uint64 LE)
//	[21]    DBFileKind     (1 byte)
//	[22:30] DBFileNumber   (uint64 LE)
//	[30:38] PageIdx        (uint64 LE)
//	[38:46] NextBytePos    (uint64 LE)
//	[46:50] DataLen        (uint32 LE)
//	[50:54] CRC            (uint32 LE, over the record with this field zeroed)
const recHdrSize = 54

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func marshalRecord(r *Record) []byte {
	dataLen := len(r.Data)
	buf := make([]byte, recHdrSize+dataLen)
	buf[0] = byte(r.Type)
	binary.LittleEndian.PutUint64(buf[5:13], r.LSN)
	binary.LittleEndian.PutUint64(buf[13:21], r.TxID)
	buf[21] = byte(r.File.Kind)
	binary.LittleEndian.PutUint64(buf[22:30], r.File.Number)
	binary.LittleEndian.PutUint64(buf[30:38], r.PageIdx)
	binary.LittleEndian.PutUint64(buf[38:46], r.NextBytePos)
	binary.LittleEndian.PutUint32(buf[46:50], uint32(dataLen))
	if dataLen > 0 {
		copy(buf[recHdrSize:], r.Data)
	}

	h := crc32.New(crcTable)
	h.Write(buf[:50])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(buf[recHdrSize:])
	binary.LittleEndian.PutUint32(buf[50:54], h.Sum32())
	return buf
}

func unmarshalRecord(r io.Reader) (*Record, error) {
	var hdr [recHdrSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	rec := &Record{
		Type: RecordType(hdr[0]),
		LSN:  binary.LittleEndian.Uint64(hdr[5:13]),
		TxID: binary.LittleEndian.Uint64(hdr[13:21]),
		File: dbfile.ID{
			Kind:   dbfile.Kind(hdr[21]),
			Number: binary.LittleEndian.Uint64(hdr[22:30]),
		},
		PageIdx:     binary.LittleEndian.Uint64(hdr[30:38]),
		NextBytePos: binary.LittleEndian.Uint64(hdr[38:46]),
	}
	dataLen := int(binary.LittleEndian.Uint32(hdr[46:50]))
	storedCRC := binary.LittleEndian.Uint32(hdr[50:54])

	var data []byte
	if dataLen > 0 {
		data = make([]byte, dataLen)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("wal: record data: %w", err)
		}
		rec.Data = data
	}

	h := crc32.New(crcTable)
	h.Write(hdr[:50])
	h.Write([]byte{0, 0, 0, 0})
	if data != nil {
		h.Write(data)
	}
	if h.Sum32() != storedCRC {
		return nil, fmt.Errorf("wal: record CRC mismatch at LSN %d: %w", rec.LSN, ErrCorruptWAL)
	}
	return rec, nil
}
