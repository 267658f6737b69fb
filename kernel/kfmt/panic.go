package kfmt

import (
	"memcore/kernel"
	"memcore/kernel/cpu"
)

// Level identifies the severity of a message passed to Log.
type Level uint8

// The supported log levels.
const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarning
	LevelFail
	LevelPanic
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	// A single hlt resumes on the next interrupt, so the real implementation
	// halts in a loop and never returns.
	cpuHaltFn = func() {
		for {
			cpu.Halt()
		}
	}

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

	levelPrefix = map[Level]string{
		LevelInfo:    "[ info]",
		LevelSuccess: "[ ok  ]",
		LevelWarning: "[warn ]",
		LevelFail:    "[fail ]",
		LevelPanic:   "[panic]",
	}
)

// Log writes a level-tagged, formatted message to the console. Unlike
// Printf, Log prefixes the message with a bracketed tag identifying its
// severity; a LevelPanic message additionally halts the CPU after being
// printed, same as Panic.
func Log(level Level, format string, args ...interface{}) {
	prefix, ok := levelPrefix[level]
	if !ok {
		prefix = "[ ?? ]"
	}

	Printf("%s ", prefix)
	Printf(format, args...)
	Printf("\n")

	if level == LevelPanic {
		cpuHaltFn()
	}
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return. Panic also works as a redirection target
// for calls to panic() (resolved via runtime.gopanic)
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// panicString serves as a redirect target for runtime.throw
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
