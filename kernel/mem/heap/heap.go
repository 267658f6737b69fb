// Package heap implements malloc/realloc/free on top of the slab allocator
// and the frame allocator. Every allocation is prefixed with a small header
// that records enough information for free/realloc to find their way back
// to the cache or frame run the memory came from.
package heap

import (
	"memcore/kernel"
	"memcore/kernel/kfmt"
	"memcore/kernel/mem"
	"memcore/kernel/mem/pmm"
	"memcore/kernel/mem/slab"
	"unsafe"
)

// classSizes are the object sizes of the slab caches backing small
// allocations. The original source's drafts start as low as 4 and 8 bytes;
// those are dropped here because they are smaller than header, leaving six
// caches wide enough to host it.
var classSizes = [6]uintptr{16, 32, 64, 128, 256, 512}

var classNames = [6]string{
	"heap-16", "heap-32", "heap-64", "heap-128", "heap-256", "heap-512",
}

// header is the 16-byte prefix in front of every allocation HF hands out.
// size carries a slab cache index for slab-origin allocations or a page
// count for frame-origin ones; the two are told apart by whether the
// allocation's address is frame-aligned once the header is peeled off.
type header struct {
	size uintptr
	_    uintptr
}

const headerSize = unsafe.Sizeof(header{})

var (
	caches [6]slab.Cache

	// allocZeroedFn and freeFramesFn back the frame-origin path. Mocked by
	// tests so they don't need real physical memory.
	allocZeroedFn = pmm.AllocZeroed
	freeFramesFn  = pmm.Free

	// headerAtFn resolves a byte address to a header pointer. Production
	// code always calls it with an HHDM address; tests back it with
	// ordinary host memory instead.
	headerAtFn = func(addr uintptr) *header {
		return (*header)(unsafe.Pointer(addr))
	}

	// memcopyFn moves bytes between two addresses in HF's own address
	// space (HEAP_BASE-relative). In production that space is mapped and
	// a raw copy works directly; tests mock this to translate through
	// their own host-memory backing instead.
	memcopyFn = kernel.Memcopy
)

// Init creates the six slab caches that back small allocations. Every cache
// is created with Panic set, so a bootstrap-time failure here is fatal
// rather than something callers need to handle.
func Init() *kernel.Error {
	for i, size := range classSizes {
		cache, err := slab.Create(classNames[i], uint64(size), slab.Panic|slab.AutoGrow|slab.NoAlign)
		if err != nil {
			return err
		}
		caches[i] = cache
	}
	return nil
}

func alignUp(v, to uintptr) uintptr { return (v + to - 1) &^ (to - 1) }

// roundToClassSize rounds raw up to the next class size, not less than the
// smallest cache and not more than the largest. Callers only invoke this
// once request has already been established to be <=512, so the cap is
// only ever exercised by requests whose header pushes raw past 512 — those
// still land in the top cache, absorbing the overflow the same way the
// repository's original allocator does.
func roundToClassSize(raw uintptr) uintptr {
	size := classSizes[0]
	top := classSizes[len(classSizes)-1]
	for size < raw && size < top {
		size <<= 1
	}
	return size
}

func classIndexForSize(size uintptr) int {
	for i, s := range classSizes {
		if s == size {
			return i
		}
	}
	return -1
}

// classify decides whether request is satisfied from a slab cache or from
// raw frames, matching the repository's size_to_slab_cache_index gate: the
// comparison runs against the caller's requested size, not the
// header-inclusive size, so a request right at the top of the largest cache
// still lands there even though its header pushes the total past 512.
func classify(request uintptr) (useFrame bool, slabSize uintptr, pageCount uintptr) {
	raw := request + headerSize
	if request <= uintptr(classSizes[len(classSizes)-1]) {
		return false, roundToClassSize(raw), 0
	}
	pageSize := uintptr(mem.PageSize)
	return true, 0, alignUp(raw, pageSize) / pageSize
}

// Malloc allocates request bytes and returns the address of the first byte
// available to the caller, or 0 on allocator failure. A request of 0 is
// satisfied from the smallest cache and returns a unique non-null address.
func Malloc(request uintptr) uintptr {
	useFrame, slabSize, pageCount := classify(request)

	if !useFrame {
		idx := classIndexForSize(slabSize)
		ptr, err := slab.Alloc(caches[idx], slab.Panic|slab.AutoGrow)
		if err != nil {
			return 0
		}

		physical := ptr - mem.HHDM
		hdr := headerAtFn(ptr)
		hdr.size = uintptr(idx)
		return mem.HeapBase + physical + headerSize
	}

	frame, err := allocZeroedFn(uint32(pageCount))
	if err != nil {
		return 0
	}

	physical := frame.Address()
	hdr := headerAtFn(mem.HHDM + physical)
	hdr.size = pageCount
	return mem.HeapBase + physical + headerSize
}

// origin reports the physical offset an allocation's header was written at
// together with whether that offset is frame-aligned, and returns the
// header itself so callers don't have to resolve it twice.
func origin(pointer uintptr) (physical uintptr, frameAligned bool, hdr *header) {
	physical = pointer - mem.HeapBase - headerSize
	hdr = headerAtFn(mem.HHDM + physical)
	return physical, physical&(uintptr(mem.PageSize)-1) == 0, hdr
}

// sizeOf returns the usable byte count of an outstanding allocation, as
// derived from its header.
func sizeOf(physical uintptr, frameAligned bool, hdr *header) uintptr {
	if frameAligned {
		return hdr.size*uintptr(mem.PageSize) - headerSize
	}
	return classSizes[hdr.size] - headerSize
}

// Free releases an allocation previously returned by Malloc or Realloc. A
// null pointer is a no-op.
func Free(pointer uintptr) {
	if pointer == 0 {
		return
	}

	physical, frameAligned, hdr := origin(pointer)

	if frameAligned {
		freeFramesFn(pmm.FrameFromAddress(physical), uint32(hdr.size))
		return
	}

	idx := int(hdr.size)
	if idx < 0 || idx >= len(caches) {
		kfmt.Log(kfmt.LevelPanic, "heap free: corrupt allocation header, cache index %d out of range", idx)
		return
	}
	slab.Free(caches[idx], mem.HHDM+physical, slab.Panic)
}

// Realloc resizes an allocation, preserving min(old size, new size) bytes
// of its contents. A null pointer behaves as Malloc(newSize); a newSize of
// zero behaves as Free(pointer) and returns 0. On failure to allocate the
// new region the original allocation is left untouched.
func Realloc(pointer uintptr, newSize uintptr) uintptr {
	if pointer == 0 {
		return Malloc(newSize)
	}
	if newSize == 0 {
		Free(pointer)
		return 0
	}

	physical, frameAligned, hdr := origin(pointer)
	oldSize := sizeOf(physical, frameAligned, hdr)

	fresh := Malloc(newSize)
	if fresh == 0 {
		return 0
	}

	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	memcopyFn(pointer, fresh, copySize)

	Free(pointer)
	return fresh
}
