package vmm

import (
	"memkern/kernel"
	"memkern/kernel/cpu"
	"memkern/kernel/klog"
	"memkern/kernel/mm"
	"memkern/kernel/sync"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	loadEntryFn     = cpu.Load32
	storeEntryFn    = cpu.Store32
	switchPDTFn     = cpu.SwitchPDT
	enablePagingFn  = cpu.EnablePaging
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errPagingNotInitialized = &kernel.Error{Module: "vmm", Message: "paging not initialized; call InitPaging first"}
	errSharedTooLarge       = &kernel.Error{Module: "vmm", Message: "shared region must fit in the identity mapped table"}
	errNoActiveTable        = &kernel.Error{Module: "vmm", Message: "no page table loaded"}
	errTableNotActive       = &kernel.Error{Module: "vmm", Message: "page table is not accessible while another table is active"}
	errSharedPage           = &kernel.Error{Module: "vmm", Message: "pages in the shared kernel region cannot be freed"}
	errReservedPage         = &kernel.Error{Module: "vmm", Message: "address belongs to the recursive table window"}
	errFrameNotOwned        = &kernel.Error{Module: "vmm", Message: "mapped frame does not belong to any frame pool"}
	errTooManyPools         = &kernel.Error{Module: "vmm", Message: "too many region pools registered"}
)

// RegionValidator is implemented by virtual region pools. It reports whether
// an address lies inside a region that was handed out by the pool.
type RegionValidator interface {
	IsLegitimate(virtAddr uint32) bool
}

// The paging state shared by all page tables.
var (
	lock sync.Spinlock

	// kernelPool supplies frames for page directories and the identity
	// mapped tables. processPool supplies frames for demand paging.
	kernelPool  mm.FrameAllocator
	processPool mm.FrameAllocator

	// sharedSize is the size of the kernel region at the bottom of the
	// address space that is identity mapped into every page table.
	sharedSize uint32

	current       *PageTable
	pagingEnabled bool
)

// PageTable describes a two-level page directory and its region pools.
type PageTable struct {
	dirFrame mm.Frame

	pools     [maxRegisteredPools]RegionValidator
	poolCount int
}

// InitPaging records the frame pools used for building page tables and
// servicing page faults. sharedSize bytes at the bottom of the address space
// are identity mapped into every page table created by New.
func InitPaging(kernelFrames, processFrames mm.FrameAllocator, sharedBytes uint32) *kernel.Error {
	if sharedBytes > mm.TableCoverage {
		return errSharedTooLarge
	}

	lock.Acquire()
	kernelPool = kernelFrames
	processPool = processFrames
	sharedSize = sharedBytes
	current = nil
	pagingEnabled = false
	lock.Release()

	klog.For("vmm").Info("paging initialized", "shared", sharedBytes)
	return nil
}

// New creates a page table whose first directory entry identity maps the
// first 4 MiB of memory and whose last entry points back to the directory.
// All other directory entries are marked not present. Both frames are taken
// from the kernel pool; if either allocation fails, frames obtained so far
// are returned to the pool.
func New() (*PageTable, *kernel.Error) {
	lock.Acquire()
	frames := kernelPool
	lock.Release()

	if frames == nil {
		return nil, errPagingNotInitialized
	}

	dirFrame, err := frames.AllocFrame()
	if err != nil {
		return nil, err
	}

	tableFrame, err := frames.AllocFrame()
	if err != nil {
		_ = frames.ReleaseFrame(dirFrame)
		return nil, err
	}

	// Kernel pool frames are identity mapped so they can be populated
	// through their physical addresses even when paging is enabled.
	for index := uint32(0); index < mm.EntriesPerTable; index++ {
		pte := pageTableEntry(0)
		pte.SetFrame(mm.Frame(index))
		pte.SetFlags(FlagPresent | FlagRW)
		storeEntry(tableFrame.Address()+index<<mm.EntryShift, pte)
	}

	for index := uint32(0); index < mm.EntriesPerTable; index++ {
		var pde pageTableEntry
		switch index {
		case 0:
			pde.SetFrame(tableFrame)
			pde.SetFlags(FlagPresent | FlagRW)
		case recursiveEntry:
			pde.SetFrame(dirFrame)
			pde.SetFlags(FlagPresent | FlagRW)
		default:
			pde.SetFlags(FlagRW)
		}
		storeEntry(dirFrame.Address()+index<<mm.EntryShift, pde)
	}

	klog.For("vmm").Debug("page table created", "directory", dirFrame.Address())
	return &PageTable{dirFrame: dirFrame}, nil
}

// DirectoryFrame returns the physical frame that holds the page directory.
func (pt *PageTable) DirectoryFrame() mm.Frame {
	return pt.dirFrame
}

// Load makes this page table the active one and flushes the TLB.
func (pt *PageTable) Load() {
	lock.Acquire()
	switchPDTFn(pt.dirFrame.Address())
	current = pt
	lock.Release()
}

// EnablePaging turns on address translation using the loaded page table.
func EnablePaging() *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	if current == nil {
		return errNoActiveTable
	}

	enablePagingFn()
	pagingEnabled = true
	klog.For("vmm").Info("paging enabled", "directory", current.dirFrame.Address())
	return nil
}

// Current returns the loaded page table or nil if none has been loaded.
func Current() *PageTable {
	lock.Acquire()
	defer lock.Release()
	return current
}

// PagingEnabled returns true once EnablePaging has succeeded.
func PagingEnabled() bool {
	lock.Acquire()
	defer lock.Release()
	return pagingEnabled
}

// IsShared returns true if virtAddr lies in the identity mapped kernel region
// shared by all page tables.
func IsShared(virtAddr uint32) bool {
	lock.Acquire()
	defer lock.Release()
	return virtAddr < sharedSize
}

// IsShared returns true if virtAddr lies in the shared kernel region.
func (pt *PageTable) IsShared(virtAddr uint32) bool {
	return IsShared(virtAddr)
}

// IsReserved returns true if virtAddr lies in the recursive window through
// which the page directory and its tables are accessed.
func IsReserved(virtAddr uint32) bool {
	return virtAddr >= ptVirtualBase
}

// Accessible returns an error if the entries of pt cannot be modified right
// now. Once paging is enabled only the active table can be modified.
func (pt *PageTable) Accessible() *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	_, err := pt.directoryAddr()
	return err
}

// RegisterVMPool records a region pool whose regions become valid targets
// for demand paging in this page table.
func (pt *PageTable) RegisterVMPool(pool RegionValidator) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	if pt.poolCount == maxRegisteredPools {
		return errTooManyPools
	}

	pt.pools[pt.poolCount] = pool
	pt.poolCount++
	return nil
}

// isLegitimate returns true if any registered pool handed out a region that
// contains virtAddr. The caller must hold the lock.
func (pt *PageTable) isLegitimate(virtAddr uint32) bool {
	for i := 0; i < pt.poolCount; i++ {
		if pt.pools[i].IsLegitimate(virtAddr) {
			return true
		}
	}
	return false
}

// directoryAddr returns the address through which the directory of pt can be
// accessed. Once paging is on, only the active table is reachable and it is
// accessed through the recursive mapping. The caller must hold the lock.
func (pt *PageTable) directoryAddr() (uint32, *kernel.Error) {
	switch {
	case !pagingEnabled:
		return pt.dirFrame.Address(), nil
	case pt == current:
		return pdVirtualAddr, nil
	default:
		return 0, errTableNotActive
	}
}

// tableAddr returns the address of the page table referenced by directory
// entry dirIndex. It must only be called after a successful directoryAddr
// call. The caller must hold the lock.
func (pt *PageTable) tableAddr(dirIndex uint32, pde pageTableEntry) uint32 {
	if pagingEnabled {
		return ptVirtualBase + dirIndex<<mm.PageShift
	}
	return pde.Frame().Address()
}

// pageAddr returns the address through which the contents of a mapped page
// can be accessed. The caller must hold the lock.
func pageAddr(page mm.Page, frame mm.Frame) uint32 {
	if pagingEnabled {
		return page.Address()
	}
	return frame.Address()
}

// lookup returns the address of the leaf entry for virtAddr. The caller must
// hold the lock.
func (pt *PageTable) lookup(virtAddr uint32) (uint32, *kernel.Error) {
	dirAddr, err := pt.directoryAddr()
	if err != nil {
		return 0, err
	}

	dirIndex := DirectoryIndex(virtAddr)
	pde := loadEntry(dirAddr + dirIndex<<mm.EntryShift)
	if !pde.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	return pt.tableAddr(dirIndex, pde) + TableIndex(virtAddr)<<mm.EntryShift, nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pt *PageTable) Translate(virtAddr uint32) (uint32, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	pteAddr, err := pt.lookup(virtAddr)
	if err != nil {
		return 0, err
	}

	pte := loadEntry(pteAddr)
	if !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// FreePage removes the mapping for page, flushes its TLB entry and returns
// the backing frame to the pool that owns it.
func (pt *PageTable) FreePage(page mm.Page) *kernel.Error {
	virtAddr := page.Address()
	if IsShared(virtAddr) {
		return errSharedPage
	}
	if IsReserved(virtAddr) {
		return errReservedPage
	}

	lock.Acquire()
	defer lock.Release()

	pteAddr, err := pt.lookup(virtAddr)
	if err != nil {
		return err
	}

	pte := loadEntry(pteAddr)
	if !pte.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	storeEntry(pteAddr, 0)
	flushTLBEntryFn(virtAddr)

	frame := pte.Frame()
	for _, pool := range []mm.FrameAllocator{processPool, kernelPool} {
		if pool != nil && pool.Contains(frame) {
			return pool.ReleaseFrame(frame)
		}
	}

	return errFrameNotOwned
}
