// Package vmm implements two-level i386 paging with a recursive page
// directory mapping, demand paging through the page fault handler and page
// reclamation.
package vmm

import (
	"memkern/kernel/cpu"
	"memkern/kernel/gate"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readCR2Fn         = cpu.ReadCR2
	handleInterruptFn = gate.HandleInterrupt
)

// Init installs the paging-related exception handlers.
func Init() {
	handleInterruptFn(gate.PageFaultException, HandleFault)
	handleInterruptFn(gate.GPFException, generalProtectionFaultHandler)
}
