// Package cpu exposes the small set of privileged x86_64 primitives that the
// memory core needs: interrupt masking, TLB invalidation, page-table
// install/query, MSR access and CPUID. Every function declared without a
// body below is implemented in cpu_amd64.s; none of them call into the Go
// scheduler so they remain safe to use before the runtime is bootstrapped.
package cpu

// EnableInterrupts enables interrupt handling on the current core (sti).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling on the current core (cli).
func DisableInterrupts()

// InterruptsEnabled reports whether the current core has interrupts enabled
// by reading the IF bit out of the flags register.
func InterruptsEnabled() bool

// Halt stops instruction execution until the next interrupt (hlt). kfmt's
// panic paths call it inside an infinite loop to stop the core forever.
func Halt()

// FlushTLBEntry flushes the TLB entry for a single virtual address (invlpg).
func FlushTLBEntry(virtAddr uintptr)

// LoadPageTable writes the physical address of a PML4 into the page-table
// base register (mov cr3) so it becomes the active page table.
func LoadPageTable(physAddr uintptr)

// ActivePageTable returns the physical address currently loaded in the
// page-table base register.
func ActivePageTable() uintptr

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uintptr

// WriteMSR writes a 64-bit value to the given model-specific register. Used
// once at VMM init time to program the PAT.
func WriteMSR(msr uint32, value uint64)

// ReadMSR reads a 64-bit value from the given model-specific register.
func ReadMSR(msr uint32) uint64

// ID executes CPUID with EAX=leaf and returns the EAX/EBX/ECX/EDX outputs.
func ID(leaf uint32) (eax, ebx, ecx, edx uint32)
