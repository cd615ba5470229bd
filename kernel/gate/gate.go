// Package gate routes processor exceptions to their registered handlers.
package gate

import (
	"io"
	"memkern/kernel/kfmt"
)

// Registers contains a snapshot of the register values saved when an
// exception or interrupt occurs.
type Registers struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	EBP uint32

	// Info contains the exception error code for exceptions that push one
	// (e.g. page faults) or the interrupt number for HW interrupts.
	Info uint32

	// The return frame used by IRET
	EIP    uint32
	CS     uint32
	EFlags uint32
	ESP    uint32
	SS     uint32
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %08x EBX = %08x\n", r.EAX, r.EBX)
	kfmt.Fprintf(w, "ECX = %08x EDX = %08x\n", r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %08x EDI = %08x\n", r.ESI, r.EDI)
	kfmt.Fprintf(w, "EBP = %08x ERR = %08x\n", r.EBP, r.Info)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "EIP = %08x CS  = %08x\n", r.EIP, r.CS)
	kfmt.Fprintf(w, "ESP = %08x SS  = %08x\n", r.ESP, r.SS)
	kfmt.Fprintf(w, "EFL = %08x\n", r.EFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DoubleFault occurs when an exception occurs while the processor is
	// trying to deliver a previous exception.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory or page table entry
	// needed to translate an address is not present or when a privilege
	// and/or RW protection check fails.
	PageFaultException = InterruptNumber(14)
)

// Page fault error code bits pushed by the processor.
const (
	// PageFaultPresent is set for protection violations and clear when the
	// translation was missing.
	PageFaultPresent = uint32(1 << 0)

	// PageFaultWrite is set when the faulting access was a write.
	PageFaultWrite = uint32(1 << 1)

	// PageFaultUser is set when the access originated in user mode.
	PageFaultUser = uint32(1 << 2)
)

// handlers maps each interrupt number to its handler. A nil entry means the
// gate is not present.
var handlers [256]func(*Registers)

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Passing a nil handler removes any
// previously installed handler.
func HandleInterrupt(intNumber InterruptNumber, handler func(*Registers)) {
	handlers[intNumber] = handler
}

// DispatchInterrupt is invoked by the platform when an exception occurs. It
// runs the installed handler and returns false if the gate is not present.
func DispatchInterrupt(intNumber InterruptNumber, regs *Registers) bool {
	handler := handlers[intNumber]
	if handler == nil {
		return false
	}

	handler(regs)
	return true
}
