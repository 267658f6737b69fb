package pmm

import (
	"memcore/kernel/hal/bootinfo"
	"memcore/kernel/mem"
	"memcore/kernel/sync"
	"testing"
)

// hostPhysMem backs mapStorageFn/zeroFrameFn with an ordinary Go byte slice
// indexed by physical address so tests can run without real HHDM-mapped
// memory.
type hostPhysMem struct {
	buf []byte
}

func newHostPhysMem(size uintptr) *hostPhysMem {
	return &hostPhysMem{buf: make([]byte, size)}
}

func (m *hostPhysMem) storage(physBase uintptr, size uint64) []byte {
	return m.buf[physBase : physBase+uintptr(size)]
}

func (m *hostPhysMem) zero(phys uintptr) {
	for i := uintptr(0); i < uintptr(mem.PageSize); i++ {
		m.buf[phys+i] = 0
	}
}

func withHostPhysMem(t *testing.T, size uintptr) *hostPhysMem {
	t.Helper()

	origStorage, origZero := mapStorageFn, zeroFrameFn
	restoreInterrupts := sync.StubInterrupts(true)
	t.Cleanup(func() {
		mapStorageFn, zeroFrameFn = origStorage, origZero
		bitmap, bitmapBase, totalFrames = nil, 0, 0
		restoreInterrupts()
	})

	phys := newHostPhysMem(size)
	mapStorageFn = phys.storage
	zeroFrameFn = phys.zero

	return phys
}

func TestInitAndAllocBasic(t *testing.T) {
	withHostPhysMem(t, 0x200000)

	info := bootinfo.Info{
		MemoryMap: []bootinfo.Entry{
			{Base: 0x100000, Length: 0x100000, Type: bootinfo.EntryUsable},
		},
	}

	if err := Init(info); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	f, err := Alloc(1)
	if err != nil {
		t.Fatalf("Alloc(1) failed: %v", err)
	}
	if got, want := f.Address(), uintptr(0x101000); got != want {
		t.Fatalf("Alloc(1) = %#x, want %#x", got, want)
	}

	f2, err := Alloc(2)
	if err != nil {
		t.Fatalf("Alloc(2) failed: %v", err)
	}
	if got, want := f2.Address(), uintptr(0x102000); got != want {
		t.Fatalf("Alloc(2) = %#x, want %#x", got, want)
	}

	Free(f, 1)

	f3, err := Alloc(1)
	if err != nil {
		t.Fatalf("Alloc(1) after Free failed: %v", err)
	}
	if got, want := f3.Address(), uintptr(0x101000); got != want {
		t.Fatalf("Alloc(1) after Free = %#x, want %#x", got, want)
	}
}

func TestAllocNeverReturnsFrameZero(t *testing.T) {
	withHostPhysMem(t, 0x200000)

	info := bootinfo.Info{
		MemoryMap: []bootinfo.Entry{
			{Base: 0, Length: 0x200000, Type: bootinfo.EntryUsable},
		},
	}

	if err := Init(info); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	for i := 0; i < 512; i++ {
		f, err := Alloc(1)
		if err != nil {
			break
		}
		if f == 0 {
			t.Fatalf("Alloc returned frame 0")
		}
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	withHostPhysMem(t, 0x200000)

	info := bootinfo.Info{
		MemoryMap: []bootinfo.Entry{
			{Base: 0x100000, Length: 0x100000, Type: bootinfo.EntryUsable},
		},
	}

	if err := Init(info); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	for i := 0; i < 1000; i++ {
		if _, err := Alloc(1); err != nil {
			return
		}
	}

	t.Fatal("expected Alloc to eventually run out of memory")
}

func TestAllocZeroedZeroesFrame(t *testing.T) {
	phys := withHostPhysMem(t, 0x200000)

	info := bootinfo.Info{
		MemoryMap: []bootinfo.Entry{
			{Base: 0x100000, Length: 0x100000, Type: bootinfo.EntryUsable},
		},
	}

	if err := Init(info); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	// dirty the frame before allocating it
	for i := uintptr(0x101000); i < 0x101000+uintptr(mem.PageSize); i++ {
		phys.buf[i] = 0xAA
	}

	f, err := AllocZeroed(1)
	if err != nil {
		t.Fatalf("AllocZeroed failed: %v", err)
	}

	for i := uintptr(0); i < uintptr(mem.PageSize); i++ {
		if got := phys.buf[f.Address()+i]; got != 0 {
			t.Fatalf("expected zeroed frame, got byte %#x at offset %d", got, i)
		}
	}
}

func TestDoubleFreeIsTolerated(t *testing.T) {
	withHostPhysMem(t, 0x200000)

	info := bootinfo.Info{
		MemoryMap: []bootinfo.Entry{
			{Base: 0x100000, Length: 0x100000, Type: bootinfo.EntryUsable},
		},
	}

	if err := Init(info); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	f, err := Alloc(1)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	Free(f, 1)
	Free(f, 1)
}
