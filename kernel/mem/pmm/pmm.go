package pmm

import (
	"memcore/kernel"
	"memcore/kernel/hal/bootinfo"
	"memcore/kernel/mem"
	"memcore/kernel/sync"
	"unsafe"
)

var (
	errOutOfMemory    = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errNoBitmapRegion = &kernel.Error{Module: "pmm", Message: "no usable region large enough to host the frame bitmap"}

	lock sync.Spinlock

	bitmap      []byte
	bitmapBase  uintptr
	totalFrames uint64

	// mapStorageFn exposes the byte range backing the bitmap through its
	// HHDM alias. It is mocked by tests since they cannot dereference
	// real physical addresses.
	mapStorageFn = func(physBase uintptr, size uint64) []byte {
		return unsafe.Slice((*byte)(unsafe.Pointer(mem.HHDM+physBase)), size)
	}

	// zeroFrameFn zeroes a single physical frame through its HHDM alias.
	// It is mocked by tests for the same reason as mapStorageFn.
	zeroFrameFn = func(phys uintptr) {
		mem.Memset(mem.HHDM+phys, 0, mem.PageSize)
	}
)

// alignUp rounds v up to the nearest multiple of to (to must be a power of two).
func alignUp(v, to uint64) uint64 {
	return (v + to - 1) &^ (to - 1)
}

// Init builds the frame bitmap from the bootloader-supplied memory map. It
// picks the first usable entry whose length can host the bitmap, places the
// bitmap there (accessed through its HHDM alias), marks every frame as used,
// then clears the bits covered by usable entries. Bit 0 is always left set
// so that Alloc never returns physical address zero.
func Init(info bootinfo.Info) *kernel.Error {
	highestTop := info.UsableTop()
	totalFrames = highestTop / uint64(mem.PageSize)

	bitmapSize := alignUp(highestTop/uint64(mem.PageSize)/8, uint64(mem.PageSize))

	entries := make([]bootinfo.Entry, len(info.MemoryMap))
	copy(entries, info.MemoryMap)

	placed := -1
	for i := range entries {
		if entries[i].Type != bootinfo.EntryUsable {
			continue
		}
		if entries[i].Length >= bitmapSize {
			placed = i
			break
		}
	}

	if placed == -1 {
		return errNoBitmapRegion
	}

	bitmapBase = uintptr(entries[placed].Base)
	bitmap = mapStorageFn(bitmapBase, bitmapSize)

	entries[placed].Base += bitmapSize
	entries[placed].Length -= bitmapSize

	for i := range bitmap {
		bitmap[i] = 0xff
	}

	for _, e := range entries {
		if e.Type != bootinfo.EntryUsable {
			continue
		}
		clearBitRange(e.Base/uint64(mem.PageSize), e.Length/uint64(mem.PageSize))
	}

	setBit(0)

	return nil
}

func bitSet(index uint64) bool {
	return bitmap[index/8]&(1<<(index%8)) != 0
}

func setBit(index uint64) {
	bitmap[index/8] |= 1 << (index % 8)
}

func clearBit(index uint64) {
	bitmap[index/8] &^= 1 << (index % 8)
}

func clearBitRange(start, count uint64) {
	for i := start; i < start+count; i++ {
		clearBit(i)
	}
}

// findFreeRun returns the lowest frame index i such that frames i..i+n-1 are
// all free, or false if no such run exists.
func findFreeRun(n uint64) (uint64, bool) {
	var run uint64
	for i := uint64(0); i < totalFrames; i++ {
		if bitSet(i) {
			run = 0
			continue
		}

		run++
		if run == n {
			return i - n + 1, true
		}
	}

	return 0, false
}

// Alloc reserves n contiguous frames and returns the first one. It returns
// errOutOfMemory if no run of n free frames exists.
func Alloc(n uint32) (Frame, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	start, ok := findFreeRun(uint64(n))
	if !ok {
		return InvalidFrame, errOutOfMemory
	}

	for i := uint64(0); i < uint64(n); i++ {
		setBit(start + i)
	}

	return Frame(start), nil
}

// AllocZeroed behaves like Alloc but additionally zero-fills the returned
// frames through their HHDM alias before returning.
func AllocZeroed(n uint32) (Frame, *kernel.Error) {
	frame, err := Alloc(n)
	if err != nil {
		return InvalidFrame, err
	}

	for i := uint32(0); i < n; i++ {
		zeroFrameFn(frame.Address() + uintptr(i)*uintptr(mem.PageSize))
	}

	return frame, nil
}

// Free releases n contiguous frames starting at f. Freeing frames that are
// already free is silently tolerated.
func Free(f Frame, n uint32) {
	lock.Acquire()
	defer lock.Release()

	start := uint64(f)
	for i := uint64(0); i < uint64(n); i++ {
		clearBit(start + i)
	}
}
