package slab

import (
	"memcore/kernel"
	"memcore/kernel/mem"
	"memcore/kernel/mem/pmm"
	"unsafe"
)

// StubHostMemory redirects this package's frame allocator and internal
// address-resolution hooks to run against ordinary host memory instead of
// physical frames reached through their HHDM alias. at maps a physical
// address (as returned by allocZeroed) to the address of the real,
// dereferenceable host memory backing it. It returns a restore function
// that callers should defer. Intended for use from _test.go files, either
// in this package or in a consumer package (such as heap) that drives
// slab's exported API and needs it to run on a hosted GOOS/GOARCH.
func StubHostMemory(allocZeroed func(uint32) (pmm.Frame, *kernel.Error), free func(pmm.Frame, uint32), at func(physAddr uintptr) uintptr) (restore func()) {
	origAlloc, origFree, origCtrl, origHeader, origBufctl, origFrameBase :=
		allocZeroedFn, freeFn, ctrlPtrFn, headerPtrFn, bufctlPtrFn, frameBaseFn

	allocZeroedFn = allocZeroed
	freeFn = free
	ctrlPtrFn = func(frame pmm.Frame) *cacheControl {
		return (*cacheControl)(unsafe.Pointer(at(frame.Address())))
	}
	headerPtrFn = func(frame pmm.Frame) *slabHeader {
		off := frame.Address() + uintptr(mem.PageSize) - unsafe.Sizeof(slabHeader{})
		return (*slabHeader)(unsafe.Pointer(at(off)))
	}
	bufctlPtrFn = func(addr uintptr) *bufctl {
		return (*bufctl)(unsafe.Pointer(addr))
	}
	frameBaseFn = func(frame pmm.Frame) uintptr {
		return at(frame.Address())
	}

	return func() {
		allocZeroedFn, freeFn, ctrlPtrFn, headerPtrFn, bufctlPtrFn, frameBaseFn =
			origAlloc, origFree, origCtrl, origHeader, origBufctl, origFrameBase
	}
}
