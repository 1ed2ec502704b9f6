package database

import (
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/driftgraph/storage/internal/config"
	"github.com/driftgraph/storage/internal/storage/dbfile"
	"github.com/driftgraph/storage/internal/storage/wal"
)

func testConfig(t *testing.T, inMemory bool) *config.Config {
	t.Helper()
	cfg := &config.Config{BufferPoolSize: "16MiB", InMemoryMode: inMemory}
	if err := cfg.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return cfg
}

func testLogger() *log.Logger {
	return log.New(os.Stderr, "", 0)
}

func TestOpenCreatesDirectoryAndWALFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "db")
	db, err := Open(dir, testConfig(t, false), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected directory to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "wal.wal")); err != nil {
		t.Fatalf("expected a WAL file: %v", err)
	}
}

func TestOpenColumnFilePushBackGetRoundTripSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	colID := dbfile.ID{Kind: dbfile.ColumnFile, Number: 1}

	db, err := Open(dir, testConfig(t, false), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	da, err := db.OpenColumnFile(colID, 8)
	if err != nil {
		t.Fatalf("OpenColumnFile: %v", err)
	}
	if _, err := da.PushBack([]byte("12345678")); err != nil {
		t.Fatalf("PushBack: %v", err)
	}
	if err := da.PrepareCommit(); err != nil {
		t.Fatalf("PrepareCommit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(dir, testConfig(t, false), testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	da2, err := db2.OpenColumnFile(colID, 8)
	if err != nil {
		t.Fatalf("reopen OpenColumnFile: %v", err)
	}
	if got := da2.NumElements(); got != 1 {
		t.Fatalf("NumElements after reopen = %d, want 1", got)
	}
	buf := make([]byte, 8)
	if err := da2.Get(0, buf); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(buf) != "12345678" {
		t.Fatalf("Get = %q, want %q", buf, "12345678")
	}
}

func TestOverflowWriteReadThroughCheckpoint(t *testing.T) {
	dir := t.TempDir()
	ovfID := dbfile.ID{Kind: dbfile.OverflowFile, Number: 1}

	db, err := Open(dir, testConfig(t, false), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	of, err := db.OpenOverflowFile(ovfID)
	if err != nil {
		t.Fatalf("OpenOverflowFile: %v", err)
	}
	txID, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	long := "this string is definitely longer than the twelve inline bytes"
	ss, err := of.WriteString(txID, long)
	if err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if err := db.Commit(txID); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	got, err := of.ReadString(ss, wal.TrxRead)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if got != long {
		t.Fatalf("ReadString = %q, want %q", got, long)
	}
}

func TestRecoverReplaysCommittedWritesAfterUncleanShutdown(t *testing.T) {
	dir := t.TempDir()
	colID := dbfile.ID{Kind: dbfile.ColumnFile, Number: 7}

	db, err := Open(dir, testConfig(t, false), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	da, err := db.OpenColumnFile(colID, 8)
	if err != nil {
		t.Fatalf("OpenColumnFile: %v", err)
	}
	if _, err := da.PushBack([]byte("abcdefgh")); err != nil {
		t.Fatalf("PushBack: %v", err)
	}
	if err := da.PrepareCommit(); err != nil {
		t.Fatalf("PrepareCommit: %v", err)
	}
	// Flush the pre-transaction state to disk so it forms a realistic
	// durable baseline: AddNewPage/PrepareCommit only update in-memory
	// bookkeeping, and nothing before this point has actually reached the
	// column file on disk yet.
	if err := db.bm.FlushAllDirtyPages(db.bmFiles[colID]); err != nil {
		t.Fatalf("FlushAllDirtyPages: %v", err)
	}

	txID, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	want := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0, 0, 0, 0}
	if err := da.Update(txID, 0, want); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := db.Commit(txID); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// No Checkpoint: simulate a crash after Commit but before the WAL's
	// shadow was ever applied to the column file's own on-disk image, then
	// drop this Database (and its in-memory shadow buffer) without
	// flushing or checkpointing.

	db2, err := Open(dir, testConfig(t, false), testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	da2, err := db2.OpenColumnFile(colID, 8)
	if err != nil {
		t.Fatalf("reopen OpenColumnFile: %v", err)
	}

	// Before recovery, the column file's on-disk image still holds the
	// pre-transaction bytes: the committed Update was never applied.
	pre := make([]byte, 8)
	if err := da2.Get(0, pre); err != nil {
		t.Fatalf("Get before recover: %v", err)
	}
	if string(pre) != "abcdefgh" {
		t.Fatalf("Get before recover = %q, want the pre-transaction value %q", pre, "abcdefgh")
	}

	if err := db2.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	buf := make([]byte, 8)
	if err := da2.Get(0, buf); err != nil {
		t.Fatalf("Get: %v", err)
	}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("Get after recover = %v, want %v", buf, want)
		}
	}
}

func TestInMemoryModeRejectsWALOperations(t *testing.T) {
	db, err := Open(t.TempDir(), testConfig(t, true), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := db.Begin(); err == nil {
		t.Fatalf("expected Begin to fail in in-memory mode")
	}
	ovfID := dbfile.ID{Kind: dbfile.OverflowFile, Number: 1}
	if _, err := db.OpenOverflowFile(ovfID); err == nil {
		t.Fatalf("expected OpenOverflowFile to fail in in-memory mode")
	}
}

func TestOpenColumnFileAndOpenOverflowFileAreIdempotent(t *testing.T) {
	db, err := Open(t.TempDir(), testConfig(t, false), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	colID := dbfile.ID{Kind: dbfile.ColumnFile, Number: 1}
	da1, err := db.OpenColumnFile(colID, 8)
	if err != nil {
		t.Fatalf("OpenColumnFile: %v", err)
	}
	da2, err := db.OpenColumnFile(colID, 8)
	if err != nil {
		t.Fatalf("OpenColumnFile again: %v", err)
	}
	if da1 != da2 {
		t.Fatalf("expected the same *diskarray.DiskArray instance on repeated OpenColumnFile")
	}

	ovfID := dbfile.ID{Kind: dbfile.OverflowFile, Number: 1}
	of1, err := db.OpenOverflowFile(ovfID)
	if err != nil {
		t.Fatalf("OpenOverflowFile: %v", err)
	}
	of2, err := db.OpenOverflowFile(ovfID)
	if err != nil {
		t.Fatalf("OpenOverflowFile again: %v", err)
	}
	if of1 != of2 {
		t.Fatalf("expected the same *overflow.DiskOverflowFile instance on repeated OpenOverflowFile")
	}
}
