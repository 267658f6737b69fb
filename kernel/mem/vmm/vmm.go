package vmm

import (
	"memcore/kernel"
	"memcore/kernel/cpu"
	"memcore/kernel/hal/bootinfo"
	"memcore/kernel/mem"
	"memcore/kernel/mem/pmm"
)

const (
	// patMSR is the model-specific register that holds the PAT cache-type table.
	patMSR = 0x277

	gib = uintptr(1) << 30
)

var (
	errAllocFailed = &kernel.Error{Module: "vmm", Message: "could not allocate a frame for an intermediate page table level"}

	// allocZeroedFn supplies zeroed frames for the root table and every
	// intermediate level created on demand. It is mocked by tests so
	// they can back the page table hierarchy with ordinary memory
	// instead of real physical frames.
	allocZeroedFn = pmm.AllocZeroed

	// writeMSRFn, loadPageTableFn and flushTLBEntryFn wrap the
	// privileged cpu primitives this package relies on. They are
	// kept as vars rather than called directly so that tests
	// running on a hosted GOOS/GOARCH never execute them for real.
	writeMSRFn      = cpu.WriteMSR
	loadPageTableFn = cpu.LoadPageTable
	flushTLBEntryFn = cpu.FlushTLBEntry

	// mapRangeFn backs Init's calls to MapRange. Init's standard
	// mappings span several GiB at 4K granularity, which is far too
	// much real work to exercise in a hosted test; tests replace this
	// var to record the ranges Init requested instead of mapping them.
	mapRangeFn = MapRange

	// KernelRoot is the page table installed by Init. The slab allocator
	// and the heap do not map anything into it; the frames they use are
	// already covered by Init's fixed windows.
	KernelRoot Root

	// kernelCodeSize is the length of the kernel code window. It is a
	// variable rather than a constant because KernelCodeBase plus this
	// size wraps to zero at the top of the address space, which a
	// constant expression rejects as an overflow.
	kernelCodeSize = 2 * gib
)

// Root identifies an address space by the physical frame that hosts its
// top-level (PML4) table.
type Root struct {
	frame pmm.Frame
}

// Rights describes the access permissions granted to a mapped page.
type Rights PageTableEntryFlag

const (
	// KernelRead grants read-only access to kernel-mode code.
	KernelRead Rights = Rights(FlagPresent)

	// KernelReadWrite grants read-write access to kernel-mode code.
	KernelReadWrite Rights = Rights(FlagPresent | FlagRW)

	// UserRead grants read-only access to user-mode code.
	UserRead Rights = Rights(FlagPresent | FlagUserAccessible)

	// UserReadWrite grants read-write access to user-mode code.
	UserReadWrite Rights = Rights(FlagPresent | FlagRW | FlagUserAccessible)
)

func alignDown(v, to uintptr) uintptr { return v &^ (to - 1) }
func alignUp(v, to uintptr) uintptr   { return (v + to - 1) &^ (to - 1) }

// levelIndex returns the 9-bit index this virtual address contributes to
// the given page table level (0 is the root PML4, pageLevels-1 is the leaf PT).
func levelIndex(virt uintptr, level int) uint16 {
	return uint16((virt >> pageLevelShifts[level]) & 0x1ff)
}

// nextTable returns the frame hosting the table one level below parent at
// the given index, allocating and installing a fresh zeroed frame if the
// entry is not yet present.
func nextTable(parent pmm.Frame, index uint16, rights Rights) (pmm.Frame, *kernel.Error) {
	entries := entrySliceFn(parent)
	pte := &entries[index]

	if pte.HasFlags(FlagPresent) {
		return pte.Frame(), nil
	}

	frame, err := allocZeroedFn(1)
	if err != nil {
		return pmm.InvalidFrame, errAllocFailed
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(PageTableEntryFlag(rights))

	return frame, nil
}

// lookupTable returns the frame hosting the table one level below parent at
// the given index, or ok=false if that entry is not present.
func lookupTable(parent pmm.Frame, index uint16) (frame pmm.Frame, ok bool) {
	pte := &entrySliceFn(parent)[index]
	if !pte.HasFlags(FlagPresent) {
		return pmm.InvalidFrame, false
	}
	return pte.Frame(), true
}

// Init enables PAT caching, allocates a fresh root table and installs the
// standard kernel mappings described by info, then loads the root into the
// page-table-base register.
func Init(info bootinfo.Info) *kernel.Error {
	writeMSRFn(patMSR, patMSRValue())

	rootFrame, err := allocZeroedFn(1)
	if err != nil {
		return errAllocFailed
	}
	root := Root{frame: rootFrame}

	if err := mapRangeFn(root, 0, 4*gib, 0, KernelReadWrite, CacheUncacheable); err != nil {
		return err
	}
	if err := mapRangeFn(root, mem.HHDM, mem.HHDM+4*gib, 0, KernelReadWrite, CacheUncacheable); err != nil {
		return err
	}
	if err := mapRangeFn(root, mem.HeapBase, mem.HeapBase+4*gib, 0, KernelReadWrite, CacheUncacheable); err != nil {
		return err
	}
	if err := mapRangeFn(root, mem.KernelCodeBase, mem.KernelCodeBase+kernelCodeSize, 0, KernelRead, CacheUncacheable); err != nil {
		return err
	}
	for _, e := range info.MemoryMap {
		base, length := uintptr(e.Base), uintptr(e.Length)
		if length == 0 {
			continue
		}
		if err := mapRangeFn(root, mem.HHDM+base, mem.HHDM+base+length, base, KernelReadWrite, CacheUncacheable); err != nil {
			return err
		}
	}

	loadPageTableFn(rootFrame.Address())
	KernelRoot = root

	return nil
}

// MapPage maps the frame-aligned page containing virt to the frame-aligned
// page containing phys, allocating any missing intermediate table level
// along the way.
func MapPage(root Root, phys, virt uintptr, rights Rights, cache CacheType) *kernel.Error {
	pageSize := uintptr(mem.PageSize)
	virt = alignDown(virt, pageSize)
	phys = alignDown(phys, pageSize)

	table := root.frame
	for level := 0; level < pageLevels-1; level++ {
		next, err := nextTable(table, levelIndex(virt, level), rights)
		if err != nil {
			return err
		}
		table = next
	}

	pte := &entrySliceFn(table)[levelIndex(virt, pageLevels-1)]
	*pte = 0
	pte.SetFrame(pmm.FrameFromAddress(phys))
	pte.SetFlags(PageTableEntryFlag(rights) | cacheFlags(cache))

	flushTLBEntryFn(virt)

	return nil
}

// UnmapPage clears the leaf entry for the frame-aligned page containing
// virt. It is a no-op if any level of the hierarchy above the leaf is not
// present. Intermediate levels are never freed.
func UnmapPage(root Root, virt uintptr) *kernel.Error {
	virt = alignDown(virt, uintptr(mem.PageSize))

	table := root.frame
	for level := 0; level < pageLevels-1; level++ {
		next, ok := lookupTable(table, levelIndex(virt, level))
		if !ok {
			return nil
		}
		table = next
	}

	entrySliceFn(table)[levelIndex(virt, pageLevels-1)] = 0
	flushTLBEntryFn(virt)

	return nil
}

// MapRange maps every frame-aligned page in [start, end) to the
// correspondingly offset physical page starting at offset. start is aligned
// down and end is aligned up to the page size before iterating. end may
// wrap to zero, so a range can reach the top of the address space.
func MapRange(root Root, start, end, offset uintptr, rights Rights, cache CacheType) *kernel.Error {
	pageSize := uintptr(mem.PageSize)
	start = alignDown(start, pageSize)
	end = alignUp(end, pageSize)

	for virt := start; virt != end; virt += pageSize {
		phys := offset + (virt - start)
		if err := MapPage(root, phys, virt, rights, cache); err != nil {
			return err
		}
	}

	return nil
}

// UnmapRange unmaps every frame-aligned page in [start, end).
func UnmapRange(root Root, start, end uintptr) *kernel.Error {
	pageSize := uintptr(mem.PageSize)
	start = alignDown(start, pageSize)
	end = alignUp(end, pageSize)

	for virt := start; virt < end; virt += pageSize {
		if err := UnmapPage(root, virt); err != nil {
			return err
		}
	}

	return nil
}

// Load installs root as the active page table by writing its physical
// address into the page-table-base register.
func Load(root Root) {
	loadPageTableFn(root.frame.Address())
}
