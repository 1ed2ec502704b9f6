package wal

import "errors"

// ErrCorruptWAL is returned when a WAL file's header or a record's checksum
// fails to validate. A corrupt tail (a partially-written final record from
// a crash mid-append) is not an error: recovery simply stops reading there.
var ErrCorruptWAL = errors.New("wal: corrupt write-ahead log")

// ErrTransactionConflict is returned by Begin when a second writer
// transaction attempts to start while one is already open; this storage
// layer serializes writer transactions one at a time, matching the single
// fhSharedMutex writer-exclusion the original design relies on.
var ErrTransactionConflict = errors.New("wal: a writer transaction is already open")
