// Package vmm implements a 4-level x86_64 virtual memory mapper. Unlike a
// recursively self-mapped page table, this mapper keeps an explicit root
// frame per address space and reaches every level of the hierarchy through
// its HHDM alias, so no virtual address ever has to be reserved for
// self-reference.
package vmm

import (
	"memcore/kernel/mem"
	"memcore/kernel/mem/pmm"
	"unsafe"
)

// pageLevels is the number of nested tables an amd64 virtual address walks
// through before reaching a leaf entry (PML4, PDPT, PD, PT).
const pageLevels = 4

// pageLevelShifts holds the bit offset of each level's 9-bit index within a
// virtual address, ordered from the root (PML4) down to the leaf (PT).
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

// ptePhysPageMask extracts the physical frame address encoded in a page
// table entry; bits 12-51 carry the address on this architecture.
const ptePhysPageMask = uintptr(0x000ffffffffff000)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

const (
	// FlagPresent is set when the page is resident in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching is the PWT bit of the entry.
	FlagWriteThroughCaching

	// FlagDoNotCache is the PCD bit of the entry.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when the page is written to.
	FlagDirty

	// FlagPAT selects the upper half of the PAT MSR's cache-type table
	// when set, in combination with FlagWriteThroughCaching/FlagDoNotCache.
	FlagPAT

	// FlagGlobal prevents the TLB entry from being flushed on a CR3 reload.
	FlagGlobal
)

// pageTableEntry is a single 64-bit slot of a page table, encoding flags in
// its low bits and a physical frame address in the middle bits.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// SetFlags sets the input flags on the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags))
}

// ClearFlags clears the input flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical frame that this page table entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.FrameFromAddress(uintptr(pte) & ptePhysPageMask)
}

// SetFrame updates the page table entry to point at the given physical frame.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = pageTableEntry((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// entrySliceFn exposes the 512 entries of the table hosted at the given
// physical frame as a Go slice. The real implementation reaches the table
// through its HHDM alias; it is mocked by tests that back tables with
// ordinary byte slices instead of real physical memory.
var entrySliceFn = func(tableFrame pmm.Frame) []pageTableEntry {
	return unsafe.Slice((*pageTableEntry)(unsafe.Pointer(mem.HHDM+tableFrame.Address())), 512)
}
