// Package cpu exposes the processor primitives used by the memory manager:
// the paging control registers, TLB maintenance and 32-bit memory accesses.
// The primitives are routed to the Processor installed via SetProcessor.
package cpu

// Processor is implemented by the platform that executes kernel code.
//
// Load32 and Store32 are ordinary memory accesses: once paging has been
// enabled they are translated through the active page directory and may
// raise a page fault.
type Processor interface {
	ReadCR0() uint32
	WriteCR0(value uint32)

	// ReadCR2 returns the linear address that caused the last page fault.
	ReadCR2() uint32

	ReadCR3() uint32
	WriteCR3(value uint32)

	FlushTLBEntry(virtAddr uint32)

	Load32(addr uint32) uint32
	Store32(addr, value uint32)

	Halt()
}

const (
	// CR0PagingEnabled is the CR0 bit that turns on address translation.
	CR0PagingEnabled = uint32(1 << 31)

	// cr3AddrMask selects the page directory base address bits of CR3.
	cr3AddrMask = ^uint32(0xfff)
)

var active Processor

// SetProcessor installs the processor that services all calls in this package.
func SetProcessor(p Processor) {
	active = p
}

// ActiveProcessor returns the processor installed via SetProcessor.
func ActiveProcessor() Processor {
	return active
}

// EnablePaging sets the paging bit in CR0. From this point on every memory
// access is translated through the page directory loaded in CR3.
func EnablePaging() {
	active.WriteCR0(active.ReadCR0() | CR0PagingEnabled)
}

// PagingEnabled returns true if the paging bit in CR0 is set.
func PagingEnabled() bool {
	return active.ReadCR0()&CR0PagingEnabled != 0
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uint32) {
	active.WriteCR3(pdtPhysAddr & cr3AddrMask)
}

// ActivePDT returns the physical address of the currently active page directory.
func ActivePDT() uint32 {
	return active.ReadCR3() & cr3AddrMask
}

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint32 {
	return active.ReadCR2()
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uint32) {
	active.FlushTLBEntry(virtAddr)
}

// Load32 reads the 32-bit word at addr.
func Load32(addr uint32) uint32 {
	return active.Load32(addr)
}

// Store32 writes a 32-bit word to addr.
func Store32(addr, value uint32) {
	active.Store32(addr, value)
}

// Halt stops instruction execution. It does nothing if no processor is
// installed.
func Halt() {
	if active == nil {
		return
	}
	active.Halt()
}
