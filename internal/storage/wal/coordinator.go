package wal

import (
	"fmt"
	"sync"

	"github.com/driftgraph/storage/internal/storage/dbfile"
)

// Applier applies one already-committed WAL record to the real on-disk
// structure it addresses (column file, index file, overflow file...). The
// WAL coordinator itself never touches those files directly; Checkpoint and
// Recover call back into whatever owns the addressed dbfile.ID.
type Applier func(rec *Record) error

// TrxType distinguishes a plain reader's view of a page from the single
// active writer's own view. Per the redirect rule, only TrxWrite consults a
// page's WAL shadow; TrxRead always sees the base file's pre-transaction
// bytes, matching get(i, trxType) in the storage design.
type TrxType int

const (
	TrxRead TrxType = iota
	TrxWrite
)

// Coordinator is the WAL: it owns the on-disk log file and the
// append/commit/rollback/checkpoint protocol around it. Only one writer
// transaction may be open at a time, mirroring the single fhSharedMutex
// writer-exclusion the storage design relies on elsewhere.
type Coordinator struct {
	mu   sync.Mutex
	file *File

	activeTx   bool
	currentTx  uint64
	nextTxID   uint64
	bufferedTx []*Record // records appended by the current tx, dropped at Commit/Rollback; Checkpoint re-reads the log file instead
}

// Open opens (or creates) the WAL file at path and returns a Coordinator
// ready to accept transactions. Recovery, if needed, is the caller's
// responsibility via Recover — Open does not replay automatically so the
// caller can apply recovered records against its own already-opened files.
func Open(path string, pageSize int) (*Coordinator, error) {
	f, err := openFile(path, pageSize)
	if err != nil {
		return nil, err
	}
	return &Coordinator{file: f, nextTxID: 1}, nil
}

// Begin starts a new writer transaction, failing with ErrTransactionConflict
// if one is already open.
func (c *Coordinator) Begin() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeTx {
		return 0, ErrTransactionConflict
	}
	txID := c.nextTxID
	c.nextTxID++
	if _, err := c.file.Append(&Record{Type: RecordBegin, TxID: txID}); err != nil {
		return 0, err
	}
	c.activeTx = true
	c.currentTx = txID
	c.bufferedTx = nil
	return txID, nil
}

func (c *Coordinator) requireActive(txID uint64) error {
	if !c.activeTx || c.currentTx != txID {
		return fmt.Errorf("wal: tx %d is not the active transaction", txID)
	}
	return nil
}

// LogPageShadow appends the after-image of a page a write transaction has
// just staged in its own shadow buffer (never the live base-file frame —
// see filehandle.BMFileHandle.ShadowFrame). The returned LSN is the WAL
// page-index callers record via BMFileHandle.SetWALPageVersion so reads
// within the same transaction can be redirected to it. Checkpoint copies
// this image into the base file; Rollback never touches the base file at
// all, since it was never written to live.
func (c *Coordinator) LogPageShadow(txID uint64, file dbfile.ID, pageIdx uint64, afterImage []byte) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActive(txID); err != nil {
		return 0, err
	}
	rec := &Record{Type: RecordPageShadow, TxID: txID, File: file, PageIdx: pageIdx, Data: append([]byte(nil), afterImage...)}
	lsn, err := c.file.Append(rec)
	if err != nil {
		return 0, err
	}
	c.bufferedTx = append(c.bufferedTx, rec)
	return lsn, nil
}

// LogPageInsert appends the after-image of a brand-new page, redone at
// checkpoint/recovery. A rolled-back PageInsert is simply dropped: the page
// it describes was allocated but never published through any header, so it
// is invisible to every reader regardless.
func (c *Coordinator) LogPageInsert(txID uint64, file dbfile.ID, pageIdx uint64, afterImage []byte) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActive(txID); err != nil {
		return 0, err
	}
	rec := &Record{Type: RecordPageInsert, TxID: txID, File: file, PageIdx: pageIdx, Data: append([]byte(nil), afterImage...)}
	lsn, err := c.file.Append(rec)
	if err != nil {
		return 0, err
	}
	c.bufferedTx = append(c.bufferedTx, rec)
	return lsn, nil
}

// LogOverflowNextBytePos checkpoints the overflow file's append cursor
// exactly once per transaction; callers should call this at most once per
// (txID, file) pair — see overflow.DiskOverflowFile.cursorLogged.
func (c *Coordinator) LogOverflowNextBytePos(txID uint64, file dbfile.ID, nextBytePos uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActive(txID); err != nil {
		return err
	}
	rec := &Record{Type: RecordOverflowNextBytePos, TxID: txID, File: file, NextBytePos: nextBytePos}
	if _, err := c.file.Append(rec); err != nil {
		return err
	}
	c.bufferedTx = append(c.bufferedTx, rec)
	return nil
}

// Commit durably records that txID succeeded. The records are not yet
// applied to their target files — that happens at Checkpoint — so a crash
// between Commit and Checkpoint must still redo them from the WAL.
func (c *Coordinator) Commit(txID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActive(txID); err != nil {
		return err
	}
	if _, err := c.file.Append(&Record{Type: RecordCommit, TxID: txID}); err != nil {
		return err
	}
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync after commit: %w", err)
	}
	c.activeTx = false
	c.bufferedTx = nil
	return nil
}

// Rollback discards the open transaction. Its buffered PAGE_SHADOW and
// PAGE_INSERT records describe only a shadow buffer a writer staged off to
// the side (see filehandle.BMFileHandle.ShadowFrame) — the base file was
// never touched live — so there is nothing to restore there; appending
// ABORT and dropping the buffered records is enough. Checkpoint's
// committedTxSet check (an aborted tx is never in the committed set) keeps
// these records from ever being applied even if they are read back from a
// WAL file that was never truncated after the abort.
func (c *Coordinator) Rollback(txID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActive(txID); err != nil {
		return err
	}
	if _, err := c.file.Append(&Record{Type: RecordAbort, TxID: txID}); err != nil {
		return err
	}
	c.activeTx = false
	c.bufferedTx = nil
	return nil
}

// Checkpoint applies every committed-but-not-yet-checkpointed record to its
// target file via apply, fsyncs, then truncates the WAL. Call this after
// Commit once the caller is ready to make the transaction's effects durable
// outside the log.
func (c *Coordinator) Checkpoint(apply Applier) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeTx {
		return fmt.Errorf("wal: cannot checkpoint with an open transaction")
	}

	records, err := ReadAll(c.path())
	if err != nil {
		return fmt.Errorf("wal: checkpoint read: %w", err)
	}
	committed := committedTxSet(records)

	var maxLSN uint64
	for _, rec := range records {
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		if rec.Type != RecordPageShadow && rec.Type != RecordPageInsert && rec.Type != RecordOverflowNextBytePos {
			continue
		}
		if !committed[rec.TxID] {
			continue
		}
		if err := apply(rec); err != nil {
			return fmt.Errorf("wal: checkpoint apply tx %d: %w", rec.TxID, err)
		}
	}

	if _, err := c.file.Append(&Record{Type: RecordCheckpoint}); err != nil {
		return err
	}
	if err := c.file.Sync(); err != nil {
		return err
	}
	return c.file.Truncate()
}

// Recover replays every committed transaction found in the WAL (used when
// opening a database after an unclean shutdown, before any new transaction
// begins) and truncates the log once done.
func (c *Coordinator) Recover(apply Applier) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := ReadAll(c.path())
	if err != nil {
		return fmt.Errorf("wal: recover read: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	committed := committedTxSet(records)

	var maxLSN, maxTxID uint64
	for _, rec := range records {
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		if rec.TxID > maxTxID {
			maxTxID = rec.TxID
		}
		if rec.Type != RecordPageShadow && rec.Type != RecordPageInsert && rec.Type != RecordOverflowNextBytePos {
			continue
		}
		if !committed[rec.TxID] {
			continue
		}
		if err := apply(rec); err != nil {
			return fmt.Errorf("wal: recover apply tx %d: %w", rec.TxID, err)
		}
	}

	c.nextTxID = maxTxID + 1
	c.file.SetNextLSN(maxLSN + 1)
	return c.file.Truncate()
}

func committedTxSet(records []*Record) map[uint64]bool {
	committed := make(map[uint64]bool)
	aborted := make(map[uint64]bool)
	for _, rec := range records {
		switch rec.Type {
		case RecordCommit:
			committed[rec.TxID] = true
		case RecordAbort:
			aborted[rec.TxID] = true
		}
	}
	for txID := range aborted {
		delete(committed, txID)
	}
	return committed
}

func (c *Coordinator) path() string { return c.file.path }

// Close closes the underlying WAL file.
func (c *Coordinator) Close() error {
	return c.file.Close()
}
