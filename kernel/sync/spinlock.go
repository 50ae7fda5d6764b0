// Package sync provides the spinlock used by every kernel subsystem to
// protect its shared state.
package sync

import "sync/atomic"

var (
	// yieldFn is invoked while spinning on a held lock. With a single
	// processor and interrupts masked the owner cannot make progress, so a
	// contended acquire only happens in tests.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Acquiring the lock raises the IRQL to
// IrqlDispatch which masks interrupts for as long as the lock is held.
type Spinlock struct {
	state uint32
}

// Acquire raises the IRQL, blocks until the lock can be acquired and returns
// the previous IRQL which must be passed to Release. Any attempt to re-acquire
// a lock already held by the current task will cause a deadlock.
func (l *Spinlock) Acquire() Irql {
	old := RaiseIrql(IrqlDispatch)
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		if yieldFn != nil {
			yieldFn()
		}
	}
	return old
}

// TryToAcquire attempts to acquire the lock without spinning. On success it
// returns the previous IRQL and true. On failure the IRQL is left unchanged.
func (l *Spinlock) TryToAcquire() (Irql, bool) {
	old := RaiseIrql(IrqlDispatch)
	if !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		LowerIrql(old)
		return old, false
	}
	return old, true
}

// Release relinquishes a held lock and restores the IRQL that was active
// before Acquire. Calling Release while the lock is free only restores the
// IRQL.
func (l *Spinlock) Release(oldIrql Irql) {
	atomic.StoreUint32(&l.state, 0)
	LowerIrql(oldIrql)
}

// IsHeld returns true if the lock is currently owned.
func (l *Spinlock) IsHeld() bool {
	return atomic.LoadUint32(&l.state) != 0
}
