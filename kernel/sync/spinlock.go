// Package sync provides a spinlock synchronization primitive.
package sync

import (
	"memcore/kernel/cpu"
	"sync/atomic"
)

var (
	// TODO: replace with real yield function when context-switching is implemented.
	yieldFn func()

	// InterruptsEnabledFn, DisableInterruptsFn and EnableInterruptsFn back
	// the interrupt-masking side of Acquire/Release. They default to the
	// real cpu primitives and are automatically inlined by the compiler
	// when building the kernel. They are exported so that any package
	// whose tests exercise a Spinlock on a hosted GOOS/GOARCH can swap
	// them out for no-ops, since the real instructions are privileged and
	// fault outside of kernel mode.
	InterruptsEnabledFn = cpu.InterruptsEnabled
	DisableInterruptsFn = cpu.DisableInterrupts
	EnableInterruptsFn  = cpu.EnableInterrupts
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Acquire additionally disables interrupts
// on the current core and records whether they were enabled beforehand;
// Release restores that flag. This prevents an interrupt handler that also
// touches the protected state from deadlocking against code running with
// the lock already held on the same core.
type Spinlock struct {
	state      uint32
	irqsWereOn bool
}

// Acquire blocks until the lock can be acquired by the currently active
// task. Any attempt to re-acquire a lock already held by the current task
// will cause a deadlock.
func (l *Spinlock) Acquire() {
	irqsWereOn := InterruptsEnabledFn()
	DisableInterruptsFn()

	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		if yieldFn != nil {
			yieldFn()
		}
	}

	l.irqsWereOn = irqsWereOn
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise. On success it applies the same
// interrupt-masking discipline as Acquire.
func (l *Spinlock) TryToAcquire() bool {
	irqsWereOn := InterruptsEnabledFn()
	DisableInterruptsFn()

	if !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		if irqsWereOn {
			EnableInterruptsFn()
		}
		return false
	}

	l.irqsWereOn = irqsWereOn
	return true
}

// Release relinquishes a held lock, restoring the interrupt-enable state
// that was active when the matching Acquire/TryToAcquire call was made.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	irqsWereOn := l.irqsWereOn
	if !atomic.CompareAndSwapUint32(&l.state, 1, 0) {
		return
	}
	if irqsWereOn {
		EnableInterruptsFn()
	}
}
