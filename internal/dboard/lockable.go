package dboard

import "sync"

// Lockable is a handle over the mutex guarding a shared physical bus.
// Construction only wires the handle; acquire and release are deferred to
// call sites that need a critical section spanning several transactions.
type Lockable struct {
	mu *sync.Mutex
}

// NewLockable wraps an existing mutex. The handle does not own the mutex;
// its lifetime is governed by the longest-lived holder.
func NewLockable(mu *sync.Mutex) *Lockable {
	return &Lockable{mu: mu}
}

// Lock takes the bus.
func (l *Lockable) Lock() { l.mu.Lock() }

// Unlock releases the bus.
func (l *Lockable) Unlock() { l.mu.Unlock() }

// Mutex returns the underlying mutex for identity checks and for wiring
// additional controllers onto the same bus.
func (l *Lockable) Mutex() *sync.Mutex { return l.mu }
