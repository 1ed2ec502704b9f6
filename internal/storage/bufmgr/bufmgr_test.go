package bufmgr

import (
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/driftgraph/storage/internal/storage/filehandle"
)

func newTestFile(t *testing.T, pageSize int) *filehandle.BMFileHandle {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.bin")
	fh, err := filehandle.Open(path, pageSize, filehandle.PersistentCreateIfNotExists)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return filehandle.NewBMFileHandle(fh)
}

func testLogger() *log.Logger {
	return log.New(os.Stderr, "", 0)
}

func TestPinPopulatesFromDisk(t *testing.T) {
	const pageSize = 4096
	bmfh := newTestFile(t, pageSize)
	idx, _ := bmfh.AddNewPage()

	bm := New(64*1024*1024, testLogger())
	if err := bm.RegisterPageSize(pageSize); err != nil {
		t.Fatalf("RegisterPageSize: %v", err)
	}

	frame, err := bm.Pin(bmfh, idx)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if len(frame) != pageSize {
		t.Fatalf("frame len = %d, want %d", len(frame), pageSize)
	}
	frame[0] = 0x42
	bm.SetPinnedPageDirty(bmfh, idx)
	bm.Unpin(bmfh, idx)

	if err := bm.FlushAllDirtyPages(bmfh); err != nil {
		t.Fatalf("FlushAllDirtyPages: %v", err)
	}

	// Re-pin after eviction path: remove from frames, re-pin, confirm byte
	// survived the round trip to disk.
	if err := bm.RemoveFilePagesFromFrames(bmfh); err != nil {
		t.Fatalf("RemoveFilePagesFromFrames: %v", err)
	}
	frame2, err := bm.Pin(bmfh, idx)
	if err != nil {
		t.Fatalf("re-Pin: %v", err)
	}
	if frame2[0] != 0x42 {
		t.Fatalf("frame2[0] = %x, want 0x42 (byte should have been flushed to disk)", frame2[0])
	}
	bm.Unpin(bmfh, idx)
}

func TestOptimisticReadRetriesOnConcurrentWrite(t *testing.T) {
	const pageSize = 4096
	bmfh := newTestFile(t, pageSize)
	idx, _ := bmfh.AddNewPage()

	bm := New(16*1024*1024, testLogger())
	if err := bm.RegisterPageSize(pageSize); err != nil {
		t.Fatalf("RegisterPageSize: %v", err)
	}
	if _, err := bm.Pin(bmfh, idx); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	bm.Unpin(bmfh, idx)

	calls := 0
	err := bm.OptimisticRead(bmfh, idx, func(frame []byte) error {
		calls++
		if calls == 1 {
			// Simulate a concurrent writer bumping the version mid-read.
			bmfh.PageState(idx).TryLock()
			bmfh.PageState(idx).Unlock()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("OptimisticRead: %v", err)
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 calls (one retry after version bump), got %d", calls)
	}
}
