package worker

import (
	"sync"
	"time"
)

// Lease is a held order lock. The deadline matches the per-job timeout
// so a worker that dies mid-job cannot block its order forever: the
// next Acquire past the deadline reclaims it.
type Lease struct {
	orderID string
	token   uint64
	expires time.Time
}

// LockRegistry guarantees at most one in-flight handler per order id
// across the worker pool. Jobs for distinct orders never contend.
type LockRegistry struct {
	mu    sync.Mutex
	held  map[string]*Lease
	ttl   time.Duration
	next  uint64
	clock func() time.Time
}

// NewLockRegistry creates a registry whose leases expire after ttl.
func NewLockRegistry(ttl time.Duration) *LockRegistry {
	return &LockRegistry{
		held:  make(map[string]*Lease),
		ttl:   ttl,
		clock: time.Now,
	}
}

// Acquire takes the lock for orderID. It returns (nil, false) when a
// live lease exists; an expired lease is force-released and replaced.
func (r *LockRegistry) Acquire(orderID string) (*Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	if existing, ok := r.held[orderID]; ok && now.Before(existing.expires) {
		return nil, false
	}
	r.next++
	lease := &Lease{orderID: orderID, token: r.next, expires: now.Add(r.ttl)}
	r.held[orderID] = lease
	return lease, true
}

// Release frees the lock if the lease is still the current holder.
// Releasing a reclaimed lease is a no-op so a timed-out worker cannot
// free someone else's lock.
func (r *LockRegistry) Release(l *Lease) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.held[l.orderID]; ok && current.token == l.token {
		delete(r.held, l.orderID)
	}
}
