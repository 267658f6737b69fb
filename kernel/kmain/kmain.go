// Package kmain wires the memory core's subsystems together in the order
// rt0 expects them: physical frames, then virtual mappings, then the
// allocators callers actually use.
package kmain

import (
	"memcore/kernel"
	"memcore/kernel/hal/bootinfo"
	"memcore/kernel/kfmt"
	"memcore/kernel/mem/heap"
	"memcore/kernel/mem/pmm"
	"memcore/kernel/mem/vmm"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain is the only Go symbol rt0's assembly stub calls into once it has set
// up the GDT and a minimal g0 struct. info is assembled by that same glue
// from whatever boot protocol the bootloader speaks.
//
// Kmain is not expected to return. If it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(info bootinfo.Info) {
	var err *kernel.Error
	if err = pmm.Init(info); err != nil {
		kfmt.Panic(err)
	} else if err = vmm.Init(info); err != nil {
		kfmt.Panic(err)
	} else if err = heap.Init(); err != nil {
		kfmt.Panic(err)
	}

	kfmt.Log(kfmt.LevelSuccess, "memory core initialized")

	// Use kfmt.Panic instead of panic so the compiler can't treat this
	// branch as dead code and eliminate it.
	kfmt.Panic(errKmainReturned)
}
