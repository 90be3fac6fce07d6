// Package locks serializes operations on named resources within the
// process. The installer holds a pack-id lock for the whole install and
// the lifecycle manager holds an instance-id lock for each transition.
package locks

import "sync"

// Keyed hands out one mutex per resource name.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyed constructs an empty lock table.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*entry)}
}

// Acquire blocks until the named resource lock is held.
func (k *Keyed) Acquire(resource string) {
	e := k.ref(resource)
	e.mu.Lock()
}

// TryAcquire attempts to take the named resource lock without blocking.
// It reports whether the lock was acquired.
func (k *Keyed) TryAcquire(resource string) bool {
	e := k.ref(resource)
	if e.mu.TryLock() {
		return true
	}
	k.unref(resource)
	return false
}

// Release drops the named resource lock. The entry is removed from the
// table once no caller holds or awaits it.
func (k *Keyed) Release(resource string) {
	k.mu.Lock()
	e, ok := k.locks[resource]
	k.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Unlock()
	k.unref(resource)
}

func (k *Keyed) ref(resource string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[resource]
	if !ok {
		e = &entry{}
		k.locks[resource] = e
	}
	e.refs++
	return e
}

func (k *Keyed) unref(resource string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[resource]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(k.locks, resource)
	}
}
