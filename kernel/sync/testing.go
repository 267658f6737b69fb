package sync

// StubInterrupts replaces InterruptsEnabledFn, DisableInterruptsFn and
// EnableInterruptsFn with a small in-memory flag so that code using a
// Spinlock can be exercised on a hosted GOOS/GOARCH, where the real cli/sti
// instructions are privileged and would fault. It returns a restore
// function that callers should defer. Intended for use from _test.go files
// in packages that embed a Spinlock.
func StubInterrupts(initiallyEnabled bool) (restore func()) {
	origEnabled, origDisable, origEnable := InterruptsEnabledFn, DisableInterruptsFn, EnableInterruptsFn

	enabled := initiallyEnabled
	InterruptsEnabledFn = func() bool { return enabled }
	DisableInterruptsFn = func() { enabled = false }
	EnableInterruptsFn = func() { enabled = true }

	return func() {
		InterruptsEnabledFn, DisableInterruptsFn, EnableInterruptsFn = origEnabled, origDisable, origEnable
	}
}
