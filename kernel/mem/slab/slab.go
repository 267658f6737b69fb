// Package slab implements a small-object allocator: named caches of
// fixed, power-of-two-sized buffers carved out of single physical frames.
// Each frame holds as many buffers as fit plus a trailing header that
// threads the free buffers into an intrusive singly-linked list.
package slab

import (
	"memcore/kernel"
	"memcore/kernel/kfmt"
	"memcore/kernel/mem"
	"memcore/kernel/mem/pmm"
	"memcore/kernel/sync"
	"unsafe"
)

// Flag controls how a cache reacts to exhaustion and misuse. The flags are
// orthogonal and may be combined.
type Flag uint8

const (
	// Panic treats a failed allocation, a Free that finds no slab with
	// room, or a Destroy of a cache with outstanding allocations as fatal
	// instead of returning an error.
	Panic Flag = 1 << iota

	// AutoGrow grows the cache by one slab and retries exactly once
	// when Alloc finds no slab with a free buffer.
	AutoGrow

	// NoAlign is accepted for parity with the heap facade's flag set.
	// Every object size this allocator supports is already a power of
	// two and naturally aligned within its slab, so NoAlign changes no
	// observable layout; it exists so callers can pass the same flag
	// combination the heap facade's original source used.
	NoAlign
)

const minObjectSize = 16

var (
	errNotPowerOfTwo  = &kernel.Error{Module: "slab", Message: "object size must be a power of two"}
	errObjectTooLarge = &kernel.Error{Module: "slab", Message: "object size must be <= 512 bytes"}
	errObjectTooSmall = &kernel.Error{Module: "slab", Message: "object size must be >= 16 bytes to host a bufctl"}
	errOutOfMemory    = &kernel.Error{Module: "slab", Message: "out of memory while growing cache"}
	errGrowFailed     = &kernel.Error{Module: "slab", Message: "cache exhausted and AutoGrow is not set"}

	// allocZeroedFn supplies the zeroed frames backing both the cache
	// control block and every slab. It is mocked by tests.
	allocZeroedFn = pmm.AllocZeroed

	// freeFn releases a frame back to the frame allocator.
	freeFn = pmm.Free

	// ctrlPtrFn resolves a Cache's control-block frame to a pointer
	// through its HHDM alias. Mocked by tests that back frames with
	// ordinary memory instead of real physical pages.
	ctrlPtrFn = func(frame pmm.Frame) *cacheControl {
		return (*cacheControl)(unsafe.Pointer(mem.HHDM + frame.Address()))
	}

	// headerPtrFn resolves a slab's frame to a pointer to its trailing
	// header through its HHDM alias.
	headerPtrFn = func(frame pmm.Frame) *slabHeader {
		addr := mem.HHDM + frame.Address() + uintptr(mem.PageSize) - unsafe.Sizeof(slabHeader{})
		return (*slabHeader)(unsafe.Pointer(addr))
	}

	// bufctlPtrFn resolves an address already computed by frameBaseFn
	// plus an object-size stride into a bufctl pointer. It is a plain
	// identity cast in production, since frameBaseFn already resolves to
	// a dereferenceable address there; tests that back frames with
	// ordinary memory instead keep the two consistent by resolving
	// through the same host buffer in frameBaseFn.
	bufctlPtrFn = func(addr uintptr) *bufctl {
		return (*bufctl)(unsafe.Pointer(addr))
	}

	// frameBaseFn resolves a frame to the address its first byte is
	// reachable at. Mocked together with bufctlPtrFn by tests so that
	// the addresses Grow threads into the free-list, and the ones Alloc
	// and Free hand back and forth, stay in the same address space.
	frameBaseFn = func(frame pmm.Frame) uintptr {
		return mem.HHDM + frame.Address()
	}
)

// bufctl is a free buffer. While free, its first word links to the next
// free bufctl in the same slab and its second word holds its own address as
// a sanity token.
type bufctl struct {
	next *bufctl
	self uintptr
}

// slabHeader sits at the tail of the frame it describes; the remaining
// prefix of the frame holds maxBuffers fixed-size buffers.
type slabHeader struct {
	next      *slabHeader
	frame     pmm.Frame
	freeCount uint64
	freeHead  *bufctl
}

// cacheControl is the control block for a Cache, hosted in its own
// physical frame and reached through its HHDM alias, mirroring the rest of
// the memory core's bootstrap-time structures (frame bitmap, page tables).
type cacheControl struct {
	lock       sync.Spinlock
	objectSize uint64
	maxBuffers uint64
	flags      Flag
	slabsHead  *slabHeader
}

// Cache is a named pool of fixed-size objects.
type Cache struct {
	frame pmm.Frame
	name  string
}

func (c Cache) ctrl() *cacheControl {
	return ctrlPtrFn(c.frame)
}

func isPowerOfTwo(n uint64) bool {
	return n > 0 && n&(n-1) == 0
}

// Create allocates a cache control block, validates objectSize and grows
// the cache by one slab.
func Create(name string, objectSize uint64, flags Flag) (Cache, *kernel.Error) {
	if !isPowerOfTwo(objectSize) {
		return Cache{}, errNotPowerOfTwo
	}
	if objectSize > 512 {
		return Cache{}, errObjectTooLarge
	}
	if objectSize < minObjectSize {
		return Cache{}, errObjectTooSmall
	}

	frame, err := allocZeroedFn(1)
	if err != nil {
		if flags&Panic != 0 {
			kfmt.Log(kfmt.LevelPanic, "slab cache create ('%s'): could not allocate memory", name)
		}
		return Cache{}, errOutOfMemory
	}

	cache := Cache{frame: frame, name: name}
	ctrl := cache.ctrl()
	ctrl.objectSize = objectSize
	ctrl.maxBuffers = (uint64(mem.PageSize) - uint64(unsafe.Sizeof(slabHeader{}))) / objectSize
	ctrl.flags = flags

	if err := Grow(cache, 1, flags); err != nil {
		return Cache{}, err
	}

	return cache, nil
}

// Grow allocates count additional slabs and links them at the tail of the
// cache's slab list.
func Grow(cache Cache, count uint64, flags Flag) *kernel.Error {
	ctrl := cache.ctrl()
	ctrl.lock.Acquire()
	defer ctrl.lock.Release()

	for i := uint64(0); i < count; i++ {
		frame, err := allocZeroedFn(1)
		if err != nil {
			if flags&Panic != 0 {
				kfmt.Log(kfmt.LevelPanic, "slab cache grow ('%s'): could not allocate a slab frame", cache.name)
			}
			return errOutOfMemory
		}

		hdr := headerPtrFn(frame)
		hdr.frame = frame
		hdr.freeCount = ctrl.maxBuffers

		// Buffers are linked from the highest offset down to zero, so the
		// buffer sitting at offset 0 (frame-aligned, indistinguishable
		// from a single-frame allocation by address alone) is the last
		// one a fresh slab dispenses rather than the first.
		base := frameBaseFn(frame)
		var tail *bufctl
		for j := uint64(0); j < ctrl.maxBuffers; j++ {
			offset := (ctrl.maxBuffers - 1 - j) * ctrl.objectSize
			b := bufctlPtrFn(base + uintptr(offset))
			b.self = uintptr(unsafe.Pointer(b))
			b.next = nil
			if tail == nil {
				hdr.freeHead = b
			} else {
				tail.next = b
			}
			tail = b
		}

		if ctrl.slabsHead == nil {
			ctrl.slabsHead = hdr
		} else {
			last := ctrl.slabsHead
			for last.next != nil {
				last = last.next
			}
			last.next = hdr
		}
	}

	return nil
}

// Alloc pops the head buffer from the first slab with a non-empty
// free-list. If none has room and AutoGrow is set, it grows the cache by
// one slab and retries exactly once.
func Alloc(cache Cache, flags Flag) (uintptr, *kernel.Error) {
	ctrl := cache.ctrl()
	ctrl.lock.Acquire()

	for hdr := ctrl.slabsHead; hdr != nil; hdr = hdr.next {
		if hdr.freeHead == nil {
			continue
		}

		b := hdr.freeHead
		hdr.freeHead = b.next
		hdr.freeCount--
		ctrl.lock.Release()

		return uintptr(unsafe.Pointer(b)), nil
	}
	ctrl.lock.Release()

	if flags&AutoGrow != 0 {
		if err := Grow(cache, 1, flags); err != nil {
			return 0, err
		}
		return Alloc(cache, flags&^AutoGrow|(flags&Panic))
	}

	if flags&Panic != 0 {
		kfmt.Log(kfmt.LevelPanic, "slab cache alloc ('%s'): couldn't find allocatable memory", cache.name)
	}

	return 0, errGrowFailed
}

// Free walks the slab list for the first slab with at least one
// outstanding allocation and links pointer back onto its free-list head.
func Free(cache Cache, pointer uintptr, flags Flag) *kernel.Error {
	ctrl := cache.ctrl()
	ctrl.lock.Acquire()
	defer ctrl.lock.Release()

	for hdr := ctrl.slabsHead; hdr != nil; hdr = hdr.next {
		if hdr.freeCount >= ctrl.maxBuffers {
			continue
		}

		b := bufctlPtrFn(pointer)
		b.next = hdr.freeHead
		b.self = pointer
		hdr.freeHead = b
		hdr.freeCount++

		return nil
	}

	if flags&Panic != 0 {
		kfmt.Log(kfmt.LevelPanic, "slab cache free ('%s'): couldn't find a slab for the freed pointer", cache.name)
	}

	return &kernel.Error{Module: "slab", Message: "no slab accepts this pointer"}
}

// Reap releases every fully-free slab's frame back to the frame allocator,
// leaving partially-used slabs untouched.
func Reap(cache Cache, flags Flag) {
	ctrl := cache.ctrl()
	ctrl.lock.Acquire()
	defer ctrl.lock.Release()

	var prev *slabHeader
	hdr := ctrl.slabsHead
	for hdr != nil {
		if hdr.freeCount != ctrl.maxBuffers {
			prev = hdr
			hdr = hdr.next
			continue
		}

		next := hdr.next
		if prev == nil {
			ctrl.slabsHead = next
		} else {
			prev.next = next
		}

		freeFn(hdr.frame, 1)
		hdr = next
	}
}

// Destroy releases every slab's frame and then the control-block frame
// itself. If any slab is not fully free and Panic is set, it log-panics
// instead of proceeding.
func Destroy(cache Cache, flags Flag) *kernel.Error {
	ctrl := cache.ctrl()
	ctrl.lock.Acquire()

	for hdr := ctrl.slabsHead; hdr != nil; hdr = hdr.next {
		if hdr.freeCount != ctrl.maxBuffers {
			ctrl.lock.Release()
			if flags&Panic != 0 {
				kfmt.Log(kfmt.LevelPanic, "slab cache destroy ('%s'): a slab wasn't completely free", cache.name)
			}
			return &kernel.Error{Module: "slab", Message: "cache has outstanding allocations"}
		}
	}

	for hdr := ctrl.slabsHead; hdr != nil; {
		next := hdr.next
		freeFn(hdr.frame, 1)
		hdr = next
	}

	ctrl.lock.Release()

	*ctrl = cacheControl{}
	freeFn(cache.frame, 1)

	return nil
}

// Dump writes a human-readable tree of slabs and free bufctls to the log
// sink.
func Dump(cache Cache) {
	ctrl := cache.ctrl()
	ctrl.lock.Acquire()
	defer ctrl.lock.Release()

	kfmt.Printf("dump for cache '%s'\n", cache.name)
	slabIdx := 0
	for hdr := ctrl.slabsHead; hdr != nil; hdr = hdr.next {
		kfmt.Printf("  slab %d at frame %x\n", slabIdx, hdr.frame.Address())
		bufIdx := 0
		for b := hdr.freeHead; b != nil; b = b.next {
			kfmt.Printf("    bufctl %d at %x\n", bufIdx, b.self)
			bufIdx++
		}
		slabIdx++
	}
}
