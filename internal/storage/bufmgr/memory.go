package bufmgr

import "sync/atomic"

// pinnedCounter tracks the buffer pool's estimated memory usage in bytes.
type pinnedCounter struct {
	v atomic.Int64
}

func newPinnedCounter() *pinnedCounter {
	return &pinnedCounter{}
}

func (c *pinnedCounter) add(delta int64) {
	c.v.Add(delta)
}

func (c *pinnedCounter) get() uint64 {
	v := c.v.Load()
	if v < 0 {
		return 0
	}
	return uint64(v)
}
