package overflow

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/driftgraph/storage/internal/storage/bufmgr"
	"github.com/driftgraph/storage/internal/storage/dbfile"
	"github.com/driftgraph/storage/internal/storage/filehandle"
	"github.com/driftgraph/storage/internal/storage/wal"
)

func newTestOverflow(t *testing.T, pageSize int, truncate bool) (*DiskOverflowFile, *wal.Coordinator) {
	t.Helper()
	dir := t.TempDir()

	fh, err := filehandle.Open(filepath.Join(dir, "strings.ovf"), pageSize, filehandle.PersistentCreateIfNotExists)
	if err != nil {
		t.Fatalf("filehandle.Open: %v", err)
	}
	bmfh := filehandle.NewBMFileHandle(fh)

	bm := bufmgr.New(4*1024*1024, log.New(os.Stderr, "", 0))
	if err := bm.RegisterPageSize(pageSize); err != nil {
		t.Fatalf("RegisterPageSize: %v", err)
	}

	coord, err := wal.Open(filepath.Join(dir, "test.wal"), pageSize)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}

	file := dbfile.ID{Kind: dbfile.OverflowFile, Number: 1}
	return Open(bmfh, file, bm, coord, truncate), coord
}

func TestWriteReadInlineString(t *testing.T) {
	f, coord := newTestOverflow(t, 4096, false)
	defer coord.Close()

	short := "hello" // 5 bytes, fits inline (<=12)
	ss, err := f.WriteString(0, short)
	if err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if !ss.IsInline() {
		t.Fatalf("expected inline ShortString for %q", short)
	}
	got, err := f.ReadString(ss, wal.TrxRead)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if got != short {
		t.Fatalf("ReadString = %q, want %q", got, short)
	}
}

func TestWriteReadOverflowString(t *testing.T) {
	f, coord := newTestOverflow(t, 4096, false)
	defer coord.Close()

	txID, err := coord.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	long := strings.Repeat("ab", 100) // 200 bytes, well past MaxInlineLen
	ss, err := f.WriteString(txID, long)
	if err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if ss.IsInline() {
		t.Fatalf("expected non-inline ShortString for a %d-byte value", len(long))
	}
	got, err := f.ReadString(ss, wal.TrxWrite)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if got != long {
		t.Fatalf("ReadString round trip mismatch: got %d bytes, want %d", len(got), len(long))
	}
}

func TestWriteStringSpanningMultiplePages(t *testing.T) {
	const pageSize = 256
	f, coord := newTestOverflow(t, pageSize, false)
	defer coord.Close()

	txID, err := coord.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	long := strings.Repeat("x", pageSize*3+17) // spans at least 4 pages
	ss, err := f.WriteString(txID, long)
	if err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	got, err := f.ReadString(ss, wal.TrxWrite)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if got != long {
		t.Fatalf("ReadString round trip mismatch: got %d bytes, want %d", len(got), len(long))
	}
}

func TestWriteStringLogsCursorOnceerPerTransaction(t *testing.T) {
	f, coord := newTestOverflow(t, 4096, false)
	defer coord.Close()

	txID, err := coord.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	long := strings.Repeat("z", 100)
	if _, err := f.WriteString(txID, long); err != nil {
		t.Fatalf("WriteString 1: %v", err)
	}
	if !f.cursorLogged {
		t.Fatalf("expected cursorLogged to be set after first non-inline write")
	}
	if _, err := f.WriteString(txID, long); err != nil {
		t.Fatalf("WriteString 2: %v", err)
	}
	// No direct way to count WAL records from here without reaching into
	// wal internals; cursorLogged staying true across both calls is the
	// behavior under test — a second OVERFLOW_NEXT_BYTE_POS record is never
	// logged for the same transaction.
	if !f.cursorLogged {
		t.Fatalf("cursorLogged must remain set for the duration of one transaction")
	}
}

func TestWriteStringRejectsOverLargeWithoutTruncate(t *testing.T) {
	f, coord := newTestOverflow(t, 4096, false)
	defer coord.Close()

	txID, err := coord.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	huge := strings.Repeat("q", MaxStringLen+1)
	if _, err := f.WriteString(txID, huge); err == nil {
		t.Fatalf("expected ErrOverLargeValue for a value exceeding MaxStringLen without truncation")
	}
}

func TestWriteStringTruncatesWhenEnabled(t *testing.T) {
	f, coord := newTestOverflow(t, 4096, true)
	defer coord.Close()

	txID, err := coord.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	huge := strings.Repeat("q", MaxStringLen+1)
	ss, err := f.WriteString(txID, huge)
	if err != nil {
		t.Fatalf("WriteString with truncation enabled: %v", err)
	}
	got, err := f.ReadString(ss, wal.TrxRead)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if len(got) != MaxStringLen {
		t.Fatalf("truncated read length = %d, want %d", len(got), MaxStringLen)
	}
}
