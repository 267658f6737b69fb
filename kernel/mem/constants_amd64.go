// +build amd64

package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = 3

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// HHDM is the virtual base at which all physical memory is linearly
	// addressable (the higher-half direct map).
	HHDM = uintptr(0xffff800000000000)

	// HeapBase is the virtual window exposed to heap.Malloc callers. An
	// address handed back by the heap equals the backing physical frame
	// address plus HeapBase.
	HeapBase = uintptr(0xffff880000000000)

	// KernelCodeBase is the virtual address the kernel image is linked
	// and mapped at.
	KernelCodeBase = uintptr(0xffffffff80000000)
)
