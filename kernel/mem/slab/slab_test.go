package slab

import (
	"bytes"
	"memcore/kernel"
	"memcore/kernel/kfmt"
	"memcore/kernel/mem"
	"memcore/kernel/mem/pmm"
	"memcore/kernel/sync"
	"strings"
	"testing"
	"unsafe"
)

// hostFrames backs allocZeroedFn/freeFn/ctrlPtrFn/headerPtrFn/bufctlPtrFn
// with an ordinary Go byte slice indexed by physical address, the same
// pattern used by the pmm and vmm host test harnesses.
type hostFrames struct {
	buf      []byte
	nextFree uintptr
	freed    map[uintptr]bool
}

func newHostFrames(pages uintptr) *hostFrames {
	return &hostFrames{buf: make([]byte, pages*uintptr(mem.PageSize)), freed: map[uintptr]bool{}}
}

func (h *hostFrames) allocZeroed(n uint32) (pmm.Frame, *kernel.Error) {
	size := uintptr(n) * uintptr(mem.PageSize)
	if h.nextFree+size > uintptr(len(h.buf)) {
		return pmm.InvalidFrame, &kernel.Error{Module: "slab-test", Message: "out of host memory"}
	}
	base := h.nextFree
	h.nextFree += size
	for i := base; i < base+size; i++ {
		h.buf[i] = 0
	}
	return pmm.FrameFromAddress(base), nil
}

func (h *hostFrames) free(f pmm.Frame, n uint32) {
	h.freed[f.Address()] = true
}

func withHostFrames(t *testing.T, pages uintptr) *hostFrames {
	t.Helper()

	restoreInterrupts := sync.StubInterrupts(true)
	h := newHostFrames(pages)
	restore := StubHostMemory(h.allocZeroed, h.free, func(physAddr uintptr) uintptr {
		return uintptr(unsafe.Pointer(&h.buf[physAddr]))
	})
	t.Cleanup(func() {
		restore()
		restoreInterrupts()
	})

	return h
}

func TestCreateRejectsBadObjectSizes(t *testing.T) {
	withHostFrames(t, 8)

	if _, err := Create("odd", 48, 0); err == nil {
		t.Error("expected non-power-of-two object size to fail")
	}
	if _, err := Create("huge", 1024, 0); err == nil {
		t.Error("expected object size > 512 to fail")
	}
	if _, err := Create("tiny", 8, 0); err == nil {
		t.Error("expected object size < 16 to fail")
	}
}

func TestCreateGrowsOneSlab(t *testing.T) {
	withHostFrames(t, 8)

	cache, err := Create("test-16", 16, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctrl := cache.ctrl()
	if ctrl.slabsHead == nil {
		t.Fatal("expected Create to grow one slab")
	}
	wantMax := (uint64(mem.PageSize) - uint64(unsafe.Sizeof(slabHeader{}))) / 16
	if ctrl.maxBuffers != wantMax {
		t.Errorf("maxBuffers = %d, want %d", ctrl.maxBuffers, wantMax)
	}
	if ctrl.slabsHead.freeCount != wantMax {
		t.Errorf("freeCount = %d, want %d", ctrl.slabsHead.freeCount, wantMax)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	withHostFrames(t, 8)

	cache, err := Create("test-16", 16, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	a, err := Alloc(cache, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b, err := Alloc(cache, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a == b {
		t.Fatal("expected two allocations to return distinct addresses")
	}

	if err := Free(cache, a, 0); err != nil {
		t.Fatalf("Free: %v", err)
	}

	c, err := Alloc(cache, 0)
	if err != nil {
		t.Fatalf("Alloc after Free: %v", err)
	}
	if c != a {
		t.Errorf("expected Alloc to reuse the freed buffer %x, got %x", a, c)
	}
}

func TestAllocExhaustionWithoutAutoGrowFails(t *testing.T) {
	withHostFrames(t, 8)

	cache, err := Create("test-512", 512, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctrl := cache.ctrl()
	max := ctrl.maxBuffers

	for i := uint64(0); i < max; i++ {
		if _, err := Alloc(cache, 0); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}

	if _, err := Alloc(cache, 0); err == nil {
		t.Fatal("expected Alloc to fail once the single slab is exhausted")
	}
}

func TestAllocAutoGrowsOnExhaustion(t *testing.T) {
	withHostFrames(t, 16)

	cache, err := Create("test-512", 512, AutoGrow)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctrl := cache.ctrl()
	max := ctrl.maxBuffers

	for i := uint64(0); i < max; i++ {
		if _, err := Alloc(cache, AutoGrow); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}

	if _, err := Alloc(cache, AutoGrow); err != nil {
		t.Fatalf("expected AutoGrow to satisfy the allocation past exhaustion: %v", err)
	}

	slabCount := 0
	for hdr := ctrl.slabsHead; hdr != nil; hdr = hdr.next {
		slabCount++
	}
	if slabCount != 2 {
		t.Errorf("expected 2 slabs after auto-growing once, got %d", slabCount)
	}
}

func TestReapRemovesOnlyFullyFreeSlabs(t *testing.T) {
	withHostFrames(t, 16)

	cache, err := Create("test-512", 512, AutoGrow)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctrl := cache.ctrl()
	max := ctrl.maxBuffers

	var ptrs []uintptr
	for i := uint64(0); i < max+1; i++ {
		p, err := Alloc(cache, AutoGrow)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		ptrs = append(ptrs, p)
	}

	// Free links a buffer into the first slab with room, not the slab it
	// came from, so freeing the last pointer leaves both slabs partially
	// used. A third slab grown explicitly stays fully free.
	if err := Free(cache, ptrs[len(ptrs)-1], 0); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := Grow(cache, 1, 0); err != nil {
		t.Fatalf("Grow: %v", err)
	}

	Reap(cache, 0)

	slabCount := 0
	for hdr := ctrl.slabsHead; hdr != nil; hdr = hdr.next {
		slabCount++
	}
	if slabCount != 2 {
		t.Errorf("expected Reap to remove the fully-free slab, %d slabs remain", slabCount)
	}
}

func TestDestroyPanicsWhenNotFullyFree(t *testing.T) {
	withHostFrames(t, 8)

	cache, err := Create("test-16", 16, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := Alloc(cache, 0); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := Destroy(cache, 0); err == nil {
		t.Fatal("expected Destroy to refuse a cache with outstanding allocations")
	}
}

func TestDump(t *testing.T) {
	withHostFrames(t, 8)

	cache, err := Create("test-16", 16, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ctrl := cache.ctrl()
	maxBuffers := ctrl.maxBuffers

	if _, err := Alloc(cache, 0); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	Dump(cache)

	out := buf.String()
	if !strings.Contains(out, "dump for cache 'test-16'") {
		t.Errorf("expected Dump output to name the cache, got %q", out)
	}
	wantSlabLine := "slab 0 at frame"
	if !strings.Contains(out, wantSlabLine) {
		t.Errorf("expected Dump output to contain %q, got %q", wantSlabLine, out)
	}

	// one buffer was handed out by Alloc, so the free list walked by Dump
	// should report one fewer bufctl than the slab's total capacity.
	wantBufctls := int(maxBuffers) - 1
	if got := strings.Count(out, "bufctl"); got != wantBufctls {
		t.Errorf("expected Dump to report %d free bufctls, counted %d in %q", wantBufctls, got, out)
	}
}

func TestDestroyReleasesAllFrames(t *testing.T) {
	h := withHostFrames(t, 8)

	cache, err := Create("test-16", 16, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := Destroy(cache, 0); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if !h.freed[cache.frame.Address()] {
		t.Error("expected Destroy to release the control-block frame")
	}
}
