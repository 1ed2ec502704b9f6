package pagestate

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestLockUnlockBumpsVersion(t *testing.T) {
	ps := NewEvicted(0)
	if !ps.TryLockEvicted() {
		t.Fatalf("expected TryLockEvicted to succeed on a fresh Evicted page")
	}
	state, _, _ := ps.Load()
	if state != Locked {
		t.Fatalf("state = %v, want Locked", state)
	}
	ps.Unlock()
	state, version, dirty := ps.Load()
	if state != Unlocked {
		t.Fatalf("state = %v, want Unlocked", state)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1 after one lock/unlock cycle", version)
	}
	if dirty {
		t.Fatalf("dirty should remain false across lock/unlock")
	}
}

func TestSetDirtyPreservesStateAndVersion(t *testing.T) {
	ps := NewEvicted(5)
	ps.TryLockEvicted()
	ps.SetDirty()
	state, version, dirty := ps.Load()
	if state != Locked || version != 5 || !dirty {
		t.Fatalf("got state=%v version=%d dirty=%v, want Locked/5/true", state, version, dirty)
	}
	ps.Unlock()
	if !ps.IsDirty() {
		t.Fatalf("dirty flag should survive unlock")
	}
	ps.ClearDirty()
	if ps.IsDirty() {
		t.Fatalf("ClearDirty should clear the flag")
	}
}

func TestMarkClearMark(t *testing.T) {
	ps := NewEvicted(0)
	ps.TryLockEvicted()
	ps.Unlock() // now Unlocked
	if !ps.TryMark() {
		t.Fatalf("TryMark should succeed from Unlocked")
	}
	if !ps.TryClearMark() {
		t.Fatalf("TryClearMark should succeed from Marked")
	}
	if state, _, _ := ps.Load(); state != Unlocked {
		t.Fatalf("state = %v after TryClearMark, want Unlocked", state)
	}
	if !ps.TryMark() {
		t.Fatalf("TryMark should succeed again after TryClearMark")
	}
	if ps.TryLockEvicted() {
		t.Fatalf("TryLockEvicted must not succeed on a Marked page")
	}
	if !ps.TryLock() {
		t.Fatalf("TryLock should succeed from Marked")
	}
}

func TestConcurrentLockAttemptsAreExclusive(t *testing.T) {
	ps := NewEvicted(0)
	const n = 64
	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ps.TryLockEvicted() {
				successes.Add(1)
				ps.Unlock()
			}
		}()
	}
	wg.Wait()
	if successes.Load() != 1 {
		t.Fatalf("exactly one goroutine should win the initial Evicted->Locked CAS, got %d", successes.Load())
	}
}

func TestVectorPushBackStableAddresses(t *testing.T) {
	v := NewVector()
	var first *PageState
	for i := 0; i < GroupSize+10; i++ {
		ps := NewEvicted(0)
		if i == 0 {
			first = ps
		}
		v.PushBack(ps)
	}
	if v.Len() != GroupSize+10 {
		t.Fatalf("Len() = %d, want %d", v.Len(), GroupSize+10)
	}
	if v.Get(0) != first {
		t.Fatalf("Get(0) must return the exact pointer pushed, regardless of later group growth")
	}
	if v.NumGroups() != 2 {
		t.Fatalf("NumGroups() = %d, want 2 after crossing one group boundary", v.NumGroups())
	}
}
