package worker

import (
	"sync"
	"testing"
	"time"
)

func TestLockRegistry_MutualExclusionPerOrder(t *testing.T) {
	r := NewLockRegistry(time.Minute)

	l1, ok := r.Acquire("o1")
	if !ok {
		t.Fatalf("first acquire must succeed")
	}
	if _, ok := r.Acquire("o1"); ok {
		t.Fatalf("second acquire for same order must report busy")
	}
	if _, ok := r.Acquire("o2"); !ok {
		t.Fatalf("distinct orders must not contend")
	}
	r.Release(l1)
	if _, ok := r.Acquire("o1"); !ok {
		t.Fatalf("acquire after release must succeed")
	}
}

func TestLockRegistry_ExpiredLeaseIsReclaimed(t *testing.T) {
	r := NewLockRegistry(time.Minute)
	now := time.Now()
	r.clock = func() time.Time { return now }

	stale, ok := r.Acquire("o1")
	if !ok {
		t.Fatalf("acquire: busy")
	}

	// Simulate the holder crashing and the lease aging past its ttl.
	now = now.Add(2 * time.Minute)
	fresh, ok := r.Acquire("o1")
	if !ok {
		t.Fatalf("expired lease must be reclaimable")
	}

	// The stale holder's release must not free the fresh lease.
	r.Release(stale)
	if _, ok := r.Acquire("o1"); ok {
		t.Fatalf("stale release freed a reclaimed lock")
	}
	r.Release(fresh)
	if _, ok := r.Acquire("o1"); !ok {
		t.Fatalf("fresh release must free the lock")
	}
}

// TestLockRegistry_NoOverlappingWindows hammers one order id from many
// goroutines and asserts the handler execution windows never overlap.
func TestLockRegistry_NoOverlappingWindows(t *testing.T) {
	r := NewLockRegistry(time.Minute)

	type window struct{ enter, exit int64 }
	var mu sync.Mutex
	var windows []window
	var inCritical int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				lease, ok := r.Acquire("o1")
				if !ok {
					time.Sleep(time.Microsecond)
					continue
				}
				mu.Lock()
				inCritical++
				if inCritical != 1 {
					t.Errorf("overlapping handler windows: %d in critical section", inCritical)
				}
				enter := time.Now().UnixNano()
				mu.Unlock()

				time.Sleep(50 * time.Microsecond)

				mu.Lock()
				inCritical--
				windows = append(windows, window{enter: enter, exit: time.Now().UnixNano()})
				mu.Unlock()
				r.Release(lease)
			}
		}()
	}
	wg.Wait()

	for i := 1; i < len(windows); i++ {
		if windows[i].enter < windows[i-1].exit {
			t.Fatalf("window %d enters before window %d exits", i, i-1)
		}
	}
}
