package wal

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/driftgraph/storage/internal/storage/dbfile"
)

func TestCommitThenCheckpointAppliesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	c, err := Open(path, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	applied := make(map[uint64][]byte)
	apply := func(rec *Record) error {
		if rec.Type == RecordPageInsert {
			applied[rec.PageIdx] = rec.Data
		}
		return nil
	}

	txID, err := c.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	file := dbfile.ID{Kind: dbfile.ColumnFile, Number: 1}
	page := bytes.Repeat([]byte{0x7a}, 4096)
	if _, err := c.LogPageInsert(txID, file, 3, page); err != nil {
		t.Fatalf("LogPageInsert: %v", err)
	}
	if err := c.Commit(txID); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := c.Checkpoint(apply); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if got, ok := applied[3]; !ok || !bytes.Equal(got, page) {
		t.Fatalf("page 3 was not applied correctly during checkpoint")
	}
}

func TestRollbackNeverAppliesItsShadowRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	c, err := Open(path, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	applied := 0
	apply := func(rec *Record) error {
		applied++
		return nil
	}

	txID, err := c.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	file := dbfile.ID{Kind: dbfile.ColumnFile, Number: 1}
	shadow := bytes.Repeat([]byte{0x11}, 4096)
	if _, err := c.LogPageShadow(txID, file, 7, shadow); err != nil {
		t.Fatalf("LogPageShadow: %v", err)
	}
	if err := c.Rollback(txID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	// A rolled-back transaction never touched the base file, so its
	// buffered PAGE_SHADOW record must never reach apply, whether via an
	// explicit Checkpoint or a later Recover.
	if err := c.Checkpoint(apply); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if applied != 0 {
		t.Fatalf("Checkpoint applied %d records from a rolled-back tx, want 0", applied)
	}

	// A new transaction must be allowed to start after rollback.
	if _, err := c.Begin(); err != nil {
		t.Fatalf("Begin after rollback: %v", err)
	}
}

func TestBeginWhileActiveConflicts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	c, err := Open(path, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if _, err := c.Begin(); err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	if _, err := c.Begin(); err == nil {
		t.Fatalf("expected ErrTransactionConflict on second concurrent Begin")
	}
}

func TestRecoverReplaysOnlyCommittedTx(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	c, err := Open(path, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	file := dbfile.ID{Kind: dbfile.ColumnFile, Number: 1}
	txA, _ := c.Begin()
	pageA := bytes.Repeat([]byte{0xAA}, 4096)
	if _, err := c.LogPageInsert(txA, file, 1, pageA); err != nil {
		t.Fatalf("LogPageInsert A: %v", err)
	}
	if err := c.Commit(txA); err != nil {
		t.Fatalf("Commit A: %v", err)
	}

	txB, _ := c.Begin()
	pageB := bytes.Repeat([]byte{0xBB}, 4096)
	if _, err := c.LogPageInsert(txB, file, 2, pageB); err != nil {
		t.Fatalf("LogPageInsert B: %v", err)
	}
	// txB never commits — simulates a crash before commit.
	c.Close()

	c2, err := Open(path, 4096)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()

	applied := make(map[uint64]bool)
	err = c2.Recover(func(rec *Record) error {
		applied[rec.PageIdx] = true
		return nil
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !applied[1] {
		t.Fatalf("committed tx A's page 1 should have been replayed")
	}
	if applied[2] {
		t.Fatalf("uncommitted tx B's page 2 must not be replayed")
	}
}
