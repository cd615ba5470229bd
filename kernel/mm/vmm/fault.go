package vmm

import (
	"memkern/kernel"
	"memkern/kernel/gate"
	"memkern/kernel/kfmt"
	"memkern/kernel/klog"
	"memkern/kernel/mm"
)

var (
	// ErrSegmentationFault is raised when a fault occurs at an address
	// that is neither shared nor part of a region handed out by a pool.
	ErrSegmentationFault = &kernel.Error{Module: "vmm", Message: "segmentation fault"}

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
	errProtectionFault    = &kernel.Error{Module: "vmm", Message: "page protection violation"}
	errWindowFault        = &kernel.Error{Module: "vmm", Message: "fault inside the recursive table window"}
)

// HandleFault services a page fault for the active page table. Missing
// page tables and pages are backed with zeroed frames from the process pool
// and the faulting access is retried by the processor once the handler
// returns.
//
// Protection faults, faults inside the recursive window, faults outside any
// legitimate region and frame exhaustion cannot be recovered from; they are
// reported through nonRecoverablePageFault.
func HandleFault(regs *gate.Registers) {
	faultAddress := readCR2Fn()

	switch {
	case regs.Info&gate.PageFaultPresent != 0:
		nonRecoverablePageFault(faultAddress, regs, errProtectionFault)
	case IsReserved(faultAddress):
		nonRecoverablePageFault(faultAddress, regs, errWindowFault)
	}

	if err := handleFault(faultAddress); err != nil {
		nonRecoverablePageFault(faultAddress, regs, err)
	}
}

func handleFault(faultAddress uint32) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	pt := current
	switch {
	case processPool == nil:
		return errPagingNotInitialized
	case pt == nil:
		return errNoActiveTable
	}

	// Region checks only apply once a pool has been registered
	if pt.poolCount > 0 && faultAddress >= sharedSize && !pt.isLegitimate(faultAddress) {
		return ErrSegmentationFault
	}

	dirAddr, err := pt.directoryAddr()
	if err != nil {
		return err
	}

	var (
		dirIndex = DirectoryIndex(faultAddress)
		pdeAddr  = dirAddr + dirIndex<<mm.EntryShift
		pde      = loadEntry(pdeAddr)
		frame    mm.Frame
	)

	if !pde.HasFlags(FlagPresent) {
		if frame, err = processPool.AllocFrame(); err != nil {
			return err
		}

		pde = 0
		pde.SetFrame(frame)
		pde.SetFlags(FlagPresent | FlagRW)
		storeEntry(pdeAddr, pde)

		tableAddr := pt.tableAddr(dirIndex, pde)
		flushTLBEntryFn(tableAddr)
		kernel.Memset(tableAddr, 0, mm.PageSize)
	}

	pteAddr := pt.tableAddr(dirIndex, pde) + TableIndex(faultAddress)<<mm.EntryShift
	if pte := loadEntry(pteAddr); pte.HasFlags(FlagPresent) {
		// Already resolved; a stale TLB entry caused the fault
		flushTLBEntryFn(faultAddress)
		return nil
	}

	if frame, err = processPool.AllocFrame(); err != nil {
		return err
	}

	var pte pageTableEntry
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | FlagRW)
	storeEntry(pteAddr, pte)

	page := mm.PageFromAddress(faultAddress)
	flushTLBEntryFn(page.Address())
	kernel.Memset(pageAddr(page, frame), 0, mm.PageSize)

	klog.For("vmm").Debug("page fault resolved", "addr", faultAddress, "frame", frame.Address())
	return nil
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uint32, regs *gate.Registers, err *kernel.Error) {
	klog.For("vmm").Error("unrecoverable page fault", "addr", faultAddress, "err", err.Message)

	kfmt.Printf("\nPage fault while accessing address: 0x%08x\nReason: ", faultAddress)
	switch {
	case err == ErrSegmentationFault:
		kfmt.Printf("segmentation fault")
	case regs.Info == 0:
		kfmt.Printf("read from non-present page")
	case regs.Info == 1:
		kfmt.Printf("page protection violation (read)")
	case regs.Info == 2:
		kfmt.Printf("write to non-present page")
	case regs.Info == 3:
		kfmt.Printf("page protection violation (write)")
	case regs.Info&gate.PageFaultUser != 0:
		kfmt.Printf("page-fault in user-mode")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(err)
}
