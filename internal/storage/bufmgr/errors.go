package bufmgr

import "errors"

// ErrBufferPoolOOM is returned when no frame could be claimed after a
// bounded number of eviction attempts, matching the original design's
// decision to fail a pin rather than block forever when every resident
// page is pinned.
var ErrBufferPoolOOM = errors.New("bufmgr: buffer pool exhausted")

// ErrPageNotResident names a page that has no resident frame.
// OptimisticRead does not return it: it reads an evicted page through Pin.
var ErrPageNotResident = errors.New("bufmgr: page evicted during optimistic read")
