// Package database owns the process-wide lifecycle of one storage-engine
// instance: the buffer manager, WAL coordinator, and every open file, built
// up in dependency order (BM before anything backed by it, WAL before any
// transactional write) and torn down in reverse.
package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/driftgraph/storage/internal/config"
	"github.com/driftgraph/storage/internal/storage/bufmgr"
	"github.com/driftgraph/storage/internal/storage/dbfile"
	"github.com/driftgraph/storage/internal/storage/diskarray"
	"github.com/driftgraph/storage/internal/storage/filehandle"
	"github.com/driftgraph/storage/internal/storage/overflow"
	"github.com/driftgraph/storage/internal/storage/wal"
)

// Page-size classes per spec §4.1: "small" for column/index/WAL/overflow
// pages, "large" for big batch-oriented allocations.
const (
	SmallPageSize = 4096
	LargePageSize = 256 * 1024
)

// ParseSessionID parses a session id previously rendered by Database.ID's
// String method, e.g. from a log line or an admin tool's --session flag.
func ParseSessionID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// Database is one open storage-engine instance rooted at a directory.
type Database struct {
	ID     uuid.UUID
	logger *log.Logger

	cfg *config.Config
	dir string

	bm  *bufmgr.BufferManager
	wal *wal.Coordinator // nil when cfg.InMemoryMode

	checkpointer *wal.AutoCheckpointer

	filesMu   sync.Mutex
	bmFiles   map[dbfile.ID]*filehandle.BMFileHandle
	arrays    map[dbfile.ID]*diskarray.DiskArray
	overflows map[dbfile.ID]*overflow.DiskOverflowFile
}

// Open constructs a Database rooted at dir: buffer manager first, then (for
// persistent mode) the WAL coordinator. It does not open any column, index,
// or overflow file and does not run recovery — callers register the files
// they need via OpenColumnFile/OpenOverflowFile/etc., then call Recover
// once every file their workload touches has been opened.
func Open(dir string, cfg *config.Config, logger *log.Logger) (*Database, error) {
	if logger == nil {
		logger = log.Default()
	}
	if !cfg.InMemoryMode {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("database: create directory %s: %w", dir, err)
		}
	}

	bm := bufmgr.New(cfg.BufferPoolBytes(), logger)
	if err := bm.RegisterPageSize(SmallPageSize); err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if err := bm.RegisterPageSize(LargePageSize); err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	db := &Database{
		ID:        uuid.New(),
		logger:    logger,
		cfg:       cfg,
		dir:       dir,
		bm:        bm,
		bmFiles:   make(map[dbfile.ID]*filehandle.BMFileHandle),
		arrays:    make(map[dbfile.ID]*diskarray.DiskArray),
		overflows: make(map[dbfile.ID]*overflow.DiskOverflowFile),
	}

	if !cfg.InMemoryMode {
		coord, err := wal.Open(filepath.Join(dir, "wal.wal"), SmallPageSize)
		if err != nil {
			return nil, fmt.Errorf("database: open WAL: %w", err)
		}
		db.wal = coord
	}

	logger.Printf("database: opened %s (id=%s, bufferPool=%s)", dir, db.ID, cfg.BufferPoolSizeHuman())
	return db, nil
}

func (db *Database) openFlags() filehandle.OpenFlags {
	if db.cfg.InMemoryMode {
		return filehandle.InMemoryTemp
	}
	return filehandle.PersistentCreateIfNotExists
}

// openBMFile opens (or returns the already-open) BMFileHandle for id at the
// small page size, naming the backing file per suffix.
func (db *Database) openBMFile(id dbfile.ID, suffix string) (*filehandle.BMFileHandle, error) {
	db.filesMu.Lock()
	defer db.filesMu.Unlock()
	if fh, ok := db.bmFiles[id]; ok {
		return fh, nil
	}
	path := filepath.Join(db.dir, fmt.Sprintf("%s_%d.%s", id.Kind, id.Number, suffix))
	fh, err := filehandle.Open(path, SmallPageSize, db.openFlags())
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", path, err)
	}
	bmfh := filehandle.NewBMFileHandle(fh)
	db.bmFiles[id] = bmfh
	return bmfh, nil
}

// OpenColumnFile opens the Disk Array backing column/index file id, whose
// elements are elemSize bytes.
func (db *Database) OpenColumnFile(id dbfile.ID, elemSize int) (*diskarray.DiskArray, error) {
	db.filesMu.Lock()
	if da, ok := db.arrays[id]; ok {
		db.filesMu.Unlock()
		return da, nil
	}
	db.filesMu.Unlock()

	bmfh, err := db.openBMFile(id, "col")
	if err != nil {
		return nil, err
	}
	da, err := diskarray.Open(bmfh, id, db.bm, elemSize, db.wal)
	if err != nil {
		return nil, fmt.Errorf("database: open disk array %s: %w", id, err)
	}
	db.filesMu.Lock()
	db.arrays[id] = da
	db.filesMu.Unlock()
	return da, nil
}

// OpenOverflowFile opens the Disk Overflow File backing id, creating it on
// first use. txID/WAL logging inside the returned file requires db's WAL
// coordinator, so this is unavailable in InMemoryMode.
func (db *Database) OpenOverflowFile(id dbfile.ID) (*overflow.DiskOverflowFile, error) {
	db.filesMu.Lock()
	if of, ok := db.overflows[id]; ok {
		db.filesMu.Unlock()
		return of, nil
	}
	db.filesMu.Unlock()

	if db.wal == nil {
		return nil, fmt.Errorf("database: overflow files require a WAL, unavailable in in-memory mode: %w", ErrInvalidArgument)
	}
	bmfh, err := db.openBMFile(id, "ovf")
	if err != nil {
		return nil, err
	}
	of := overflow.Open(bmfh, id, db.bm, db.wal, db.cfg.TruncateOverLargeStrings)
	db.filesMu.Lock()
	db.overflows[id] = of
	db.filesMu.Unlock()
	return of, nil
}

// Begin starts a new WAL transaction and resets every open overflow file's
// per-transaction cursor flag. Not valid in InMemoryMode, where writes
// bypass the WAL entirely.
func (db *Database) Begin() (uint64, error) {
	if db.wal == nil {
		return 0, fmt.Errorf("database: no WAL in in-memory mode: %w", ErrInvalidArgument)
	}
	txID, err := db.wal.Begin()
	if err != nil {
		return 0, err
	}
	db.filesMu.Lock()
	for _, of := range db.overflows {
		of.ResetTransactionCursor()
	}
	db.filesMu.Unlock()
	return txID, nil
}

// Commit durably records txID's success in the WAL. Every open DiskArray is
// given a chance to flush its own in-memory PIP staging (PrepareCommit)
// first, so a crash between the two steps never leaves the WAL record of a
// commit whose DiskArray-level bookkeeping never made it out.
func (db *Database) Commit(txID uint64) error {
	if db.wal == nil {
		return nil
	}
	db.filesMu.Lock()
	for _, da := range db.arrays {
		if err := da.PrepareCommit(); err != nil {
			db.filesMu.Unlock()
			return fmt.Errorf("database: prepare commit: %w", err)
		}
	}
	db.filesMu.Unlock()
	return db.wal.Commit(txID)
}

// Rollback discards txID. Every open DiskArray discards its staged PIP
// updates and any WAL shadow it created for this transaction, and every
// open file's WAL redirects are dropped — the base files were never
// mutated live, so there is nothing on disk to undo.
func (db *Database) Rollback(txID uint64) error {
	if db.wal == nil {
		return nil
	}
	if err := db.wal.Rollback(txID); err != nil {
		return err
	}
	db.filesMu.Lock()
	defer db.filesMu.Unlock()
	for _, da := range db.arrays {
		da.RollbackInMemory()
	}
	for _, fh := range db.bmFiles {
		fh.ClearWALPageVersions()
	}
	return nil
}

// Checkpoint applies every committed WAL record to its owning file and
// truncates the log, then lets every open DiskArray publish the
// now-durable state and every open file drop its (now redundant) WAL
// shadow bookkeeping.
func (db *Database) Checkpoint() error {
	if db.wal == nil {
		return nil
	}
	if err := db.wal.Checkpoint(db.applyRecord); err != nil {
		return err
	}
	db.filesMu.Lock()
	defer db.filesMu.Unlock()
	for _, da := range db.arrays {
		da.CheckpointInMemory()
	}
	for _, fh := range db.bmFiles {
		fh.ClearWALPageVersions()
	}
	return nil
}

// Recover replays committed WAL records left over from an unclean
// shutdown. Call once, after every file the workload will touch has been
// opened via OpenColumnFile/OpenOverflowFile.
func (db *Database) Recover() error {
	if db.wal == nil {
		return nil
	}
	if err := db.wal.Recover(db.applyRecord); err != nil {
		return fmt.Errorf("database: recover: %w", err)
	}
	return nil
}

// StartAutoCheckpoint runs the WAL coordinator's Checkpoint with db's record
// applier on the given cron schedule (second-resolution, e.g.
// "*/30 * * * * *") until Close. The per-array and per-file in-memory steps
// of Database.Checkpoint are not run by it.
func (db *Database) StartAutoCheckpoint(cronSpec string) error {
	if db.wal == nil {
		return fmt.Errorf("database: no WAL in in-memory mode: %w", ErrInvalidArgument)
	}
	if db.checkpointer == nil {
		db.checkpointer = wal.NewAutoCheckpointer(db.wal, db.applyRecord, db.logger)
	}
	return db.checkpointer.Start(cronSpec)
}

// applyRecord is the Applier passed to Checkpoint/Recover: it
// dispatches a committed WAL record to the real on-disk structure it
// addresses.
func (db *Database) applyRecord(rec *wal.Record) error {
	switch rec.Type {
	case wal.RecordPageShadow, wal.RecordPageInsert:
		return db.applyPageRecord(rec)
	case wal.RecordOverflowNextBytePos:
		return db.applyOverflowCursor(rec)
	default:
		return nil
	}
}

func (db *Database) applyPageRecord(rec *wal.Record) error {
	db.filesMu.Lock()
	fh, ok := db.bmFiles[rec.File]
	db.filesMu.Unlock()
	if !ok {
		return fmt.Errorf("database: record for %s: %w", rec.File, ErrUnknownFile)
	}
	for fh.NumPages() <= rec.PageIdx {
		fh.AddNewPage()
	}
	frame, err := db.bm.Pin(fh, rec.PageIdx)
	if err != nil {
		return fmt.Errorf("database: pin page %d of %s: %w", rec.PageIdx, rec.File, err)
	}
	defer db.bm.Unpin(fh, rec.PageIdx)
	copy(frame, rec.Data)
	db.bm.SetPinnedPageDirty(fh, rec.PageIdx)
	return nil
}

func (db *Database) applyOverflowCursor(rec *wal.Record) error {
	db.filesMu.Lock()
	of, ok := db.overflows[rec.File]
	db.filesMu.Unlock()
	if !ok {
		return fmt.Errorf("database: record for %s: %w", rec.File, ErrUnknownFile)
	}
	of.SetNextBytePosToWriteTo(rec.NextBytePos)
	of.ResetTransactionCursor()
	return nil
}

// Close flushes every dirty page, stops the auto-checkpointer, and closes
// every open file, reversing the dependency order Open built up in.
func (db *Database) Close() error {
	if db.checkpointer != nil {
		db.checkpointer.Stop()
	}

	db.filesMu.Lock()
	defer db.filesMu.Unlock()

	var firstErr error
	for id, fh := range db.bmFiles {
		if err := db.bm.FlushAllDirtyPages(fh); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("database: flush %s: %w", id, err)
		}
		if err := fh.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("database: close %s: %w", id, err)
		}
	}

	if db.wal != nil {
		if err := db.wal.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("database: close WAL: %w", err)
		}
	}
	db.logger.Printf("database: closed %s (id=%s)", db.dir, db.ID)
	return firstErr
}
