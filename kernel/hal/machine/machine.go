// Package machine emulates the parts of a 32-bit x86 processor that the
// memory manager depends on: physical RAM, the CR0/CR2/CR3 control
// registers, the two-level page table walk, a TLB and page fault delivery
// through the gate package.
package machine

import (
	"encoding/binary"
	"fmt"

	"memkern/kernel"
	"memkern/kernel/gate"
	"memkern/kernel/mm"
)

const (
	pagingEnabledBit = uint32(1 << 31)
	entryPresent     = uint32(1 << 0)
	entryAddrMask    = ^uint32(0xfff)

	// maxRAM is the largest amount of RAM addressable without PAE.
	maxRAM = uint64(1) << 32
)

var (
	// ErrBusError is raised when an access targets a physical address
	// beyond the installed RAM.
	ErrBusError = &kernel.Error{Module: "machine", Message: "physical address outside installed RAM"}

	// ErrDoubleFault is raised when the page fault handler returns without
	// resolving the faulting access.
	ErrDoubleFault = &kernel.Error{Module: "machine", Message: "page fault handler did not resolve the faulting access"}

	// ErrNoFaultHandler is raised when a page fault occurs and no handler
	// is installed for gate.PageFaultException.
	ErrNoFaultHandler = &kernel.Error{Module: "machine", Message: "page fault with no handler installed"}

	// ErrUnalignedAccess is raised for 32-bit accesses that are not
	// 4-byte aligned.
	ErrUnalignedAccess = &kernel.Error{Module: "machine", Message: "unaligned 32-bit access"}
)

// Machine is an emulated uniprocessor. It implements cpu.Processor.
type Machine struct {
	ram     []byte
	release func() error

	cr0, cr2, cr3 uint32

	// tlb caches successful translations: page number to frame number.
	tlb map[mm.Page]mm.Frame

	faults uint64
	halted bool
}

// New creates a machine with memSize bytes of zeroed RAM. The size is rounded
// up to a whole number of frames.
func New(memSize uint64) (*Machine, error) {
	if memSize == 0 || memSize > maxRAM {
		return nil, fmt.Errorf("machine: invalid RAM size %d", memSize)
	}

	memSize = (memSize + uint64(mm.FrameSize-1)) &^ uint64(mm.FrameSize-1)
	ram, release, err := allocRAM(int(memSize))
	if err != nil {
		return nil, fmt.Errorf("machine: allocating %d bytes of RAM: %w", memSize, err)
	}

	return &Machine{
		ram:     ram,
		release: release,
		tlb:     make(map[mm.Page]mm.Frame),
	}, nil
}

// Close releases the memory backing the emulated RAM.
func (m *Machine) Close() error {
	if m.release == nil {
		return nil
	}

	err := m.release()
	m.ram, m.release = nil, nil
	return err
}

// MemSize returns the installed RAM in bytes.
func (m *Machine) MemSize() uint64 {
	return uint64(len(m.ram))
}

// Faults returns the number of page faults delivered so far.
func (m *Machine) Faults() uint64 {
	return m.faults
}

// Halted returns true after Halt has been called.
func (m *Machine) Halted() bool {
	return m.halted
}

// ReadCR0 returns the value of CR0.
func (m *Machine) ReadCR0() uint32 { return m.cr0 }

// WriteCR0 updates CR0. Toggling the paging bit flushes the TLB.
func (m *Machine) WriteCR0(value uint32) {
	if (m.cr0^value)&pagingEnabledBit != 0 {
		m.flushTLB()
	}
	m.cr0 = value
}

// ReadCR2 returns the address that caused the last page fault.
func (m *Machine) ReadCR2() uint32 { return m.cr2 }

// ReadCR3 returns the value of CR3.
func (m *Machine) ReadCR3() uint32 { return m.cr3 }

// WriteCR3 loads a new page directory base and flushes the TLB.
func (m *Machine) WriteCR3(value uint32) {
	m.cr3 = value
	m.flushTLB()
}

// FlushTLBEntry invalidates the cached translation for virtAddr.
func (m *Machine) FlushTLBEntry(virtAddr uint32) {
	delete(m.tlb, mm.PageFromAddress(virtAddr))
}

// Halt stops the emulated processor.
func (m *Machine) Halt() {
	m.halted = true
}

// Load32 reads a 32-bit word from a linear address.
func (m *Machine) Load32(addr uint32) uint32 {
	return m.PhysLoad32(m.access(addr, false))
}

// Store32 writes a 32-bit word to a linear address.
func (m *Machine) Store32(addr, value uint32) {
	m.PhysStore32(m.access(addr, true), value)
}

// PhysLoad32 reads a 32-bit word from a physical address, bypassing
// translation.
func (m *Machine) PhysLoad32(physAddr uint32) uint32 {
	m.checkPhys(physAddr)
	return binary.LittleEndian.Uint32(m.ram[physAddr:])
}

// PhysStore32 writes a 32-bit word to a physical address, bypassing
// translation.
func (m *Machine) PhysStore32(physAddr, value uint32) {
	m.checkPhys(physAddr)
	binary.LittleEndian.PutUint32(m.ram[physAddr:], value)
}

// Translate performs a page table walk for virtAddr without touching the TLB
// or raising faults. It returns false if the address is not mapped. With
// paging disabled every address translates to itself.
func (m *Machine) Translate(virtAddr uint32) (uint32, bool) {
	if m.cr0&pagingEnabledBit == 0 {
		return virtAddr, true
	}

	frame, ok := m.walk(virtAddr)
	if !ok {
		return 0, false
	}

	return frame.Address() | virtAddr&(mm.PageSize-1), true
}

// access translates addr for a load or store. A missing translation raises a
// page fault; the access is retried once after the handler returns.
func (m *Machine) access(addr uint32, write bool) uint32 {
	if addr&3 != 0 {
		panic(ErrUnalignedAccess)
	}

	if m.cr0&pagingEnabledBit == 0 {
		return addr
	}

	page := mm.PageFromAddress(addr)
	offset := addr & (mm.PageSize - 1)
	for attempt := 0; ; attempt++ {
		if frame, ok := m.tlb[page]; ok {
			return frame.Address() | offset
		}

		if frame, ok := m.walk(addr); ok {
			m.tlb[page] = frame
			return frame.Address() | offset
		}

		if attempt > 0 {
			panic(ErrDoubleFault)
		}

		m.raisePageFault(addr, write)
	}
}

// walk resolves addr through the directory loaded in CR3.
func (m *Machine) walk(addr uint32) (mm.Frame, bool) {
	pde := m.PhysLoad32(m.cr3&entryAddrMask | (addr>>22)<<2)
	if pde&entryPresent == 0 {
		return 0, false
	}

	pte := m.PhysLoad32(pde&entryAddrMask | ((addr>>12)&0x3ff)<<2)
	if pte&entryPresent == 0 {
		return 0, false
	}

	return mm.FrameFromAddress(pte & entryAddrMask), true
}

func (m *Machine) raisePageFault(addr uint32, write bool) {
	m.faults++
	m.cr2 = addr

	regs := gate.Registers{CS: 0x08, SS: 0x10, EFlags: 0x202}
	if write {
		regs.Info |= gate.PageFaultWrite
	}

	if !gate.DispatchInterrupt(gate.PageFaultException, &regs) {
		panic(ErrNoFaultHandler)
	}
}

func (m *Machine) flushTLB() {
	for page := range m.tlb {
		delete(m.tlb, page)
	}
}

func (m *Machine) checkPhys(physAddr uint32) {
	if uint64(physAddr)+4 > uint64(len(m.ram)) {
		panic(ErrBusError)
	}
}
