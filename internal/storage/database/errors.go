package database

import "errors"

// ErrInvalidArgument is returned for operations the Database cannot perform
// in its current mode: Begin, OpenOverflowFile and StartAutoCheckpoint in
// InMemoryMode, which has no WAL.
var ErrInvalidArgument = errors.New("database: invalid argument")

// ErrUnknownFile is returned when a WAL record addresses a dbfile.ID that
// was never opened against this Database.
var ErrUnknownFile = errors.New("database: record addresses an unopened file")
