// Package vmpool hands out page-aligned regions of a virtual address range.
// Regions are backed lazily: the pool only records them and the page fault
// handler consults the pool to decide whether a faulting address is valid.
package vmpool

import (
	"memkern/kernel"
	"memkern/kernel/cpu"
	"memkern/kernel/klog"
	"memkern/kernel/mm"
	"memkern/kernel/mm/vmm"
	"memkern/kernel/sync"
)

const (
	// descriptorSize is the size of a {start, size} region descriptor.
	descriptorSize = 8

	// maxRegions is the number of descriptors that fit in the descriptor
	// frame.
	maxRegions = mm.PageSize / descriptorSize
)

var (
	// loadFn and storeFn are used by tests to intercept descriptor
	// accesses.
	loadFn  = cpu.Load32
	storeFn = cpu.Store32

	errInvalidBase         = &kernel.Error{Module: "vmpool", Message: "pool base must be a non-zero, page-aligned address"}
	errInvalidRange        = &kernel.Error{Module: "vmpool", Message: "pool range is empty or overlaps the shared region or the page table window"}
	errDescriptorNotShared = &kernel.Error{Module: "vmpool", Message: "descriptor frame is not in the shared kernel region"}
	errZeroSize            = &kernel.Error{Module: "vmpool", Message: "region size must be greater than zero"}
	errPoolExhausted       = &kernel.Error{Module: "vmpool", Message: "no gap large enough for the requested region"}
	errNoFreeSlots         = &kernel.Error{Module: "vmpool", Message: "all region descriptors are in use"}
	errRegionNotFound      = &kernel.Error{Module: "vmpool", Message: "no region starts at the supplied address"}
)

// PageTable is the subset of the page table manager used by a pool.
type PageTable interface {
	// RegisterVMPool makes the pool's regions valid targets for demand
	// paging.
	RegisterVMPool(vmm.RegionValidator) *kernel.Error

	// FreePage unmaps a page and releases its backing frame.
	FreePage(mm.Page) *kernel.Error

	// IsShared returns true for addresses in the shared kernel region.
	IsShared(uint32) bool

	// Accessible returns an error if the table's entries cannot be
	// modified.
	Accessible() *kernel.Error
}

// Pool manages regions inside [base, base+size).
//
// Region descriptors are stored as {start, size} pairs in a frame that lives
// in the shared kernel region. A descriptor is in one of three states:
// virgin (never used, only slots below slotsUsed have been touched), freed
// (start is 0, size remembers the last region) or active (start is non-zero).
type Pool struct {
	lock sync.Spinlock

	base uint32
	size uint32

	pt PageTable

	descFrame mm.Frame
	descAddr  uint32

	regionCount uint32
	slotsUsed   uint32
}

// New creates a pool for the given virtual range. A frame for the region
// descriptors is allocated from frames and the pool registers itself with
// pt.
func New(base, size uint32, frames mm.FrameAllocator, pt PageTable) (*Pool, *kernel.Error) {
	if base == 0 || vmm.PageOffset(base) != 0 {
		return nil, errInvalidBase
	}

	size &^= mm.PageSize - 1
	switch {
	case size == 0, uint64(base)+uint64(size) > 1<<32, pt.IsShared(base):
		return nil, errInvalidRange
	case vmm.IsReserved(base + size - 1):
		return nil, errInvalidRange
	}

	descFrame, err := frames.AllocFrame()
	if err != nil {
		return nil, err
	}

	if !pt.IsShared(descFrame.Address()) {
		_ = frames.ReleaseFrame(descFrame)
		return nil, errDescriptorNotShared
	}

	pool := &Pool{
		base:      base,
		size:      size,
		pt:        pt,
		descFrame: descFrame,
		descAddr:  descFrame.Address(),
	}

	for offset := uint32(0); offset < mm.PageSize; offset += 4 {
		storeFn(pool.descAddr+offset, 0)
	}

	if err = pt.RegisterVMPool(pool); err != nil {
		_ = frames.ReleaseFrame(descFrame)
		return nil, err
	}

	klog.For("vmpool").Info("region pool created", "base", base, "size", size)
	return pool, nil
}

// Base returns the first address managed by the pool.
func (p *Pool) Base() uint32 { return p.base }

// Size returns the size of the managed range.
func (p *Pool) Size() uint32 { return p.size }

// DescriptorFrame returns the frame holding the region descriptors.
func (p *Pool) DescriptorFrame() mm.Frame { return p.descFrame }

// RegionCount returns the number of active regions.
func (p *Pool) RegionCount() uint32 {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.regionCount
}

// Allocate reserves a region of at least size bytes and returns its start
// address. The size is rounded up to a page multiple and the region is
// placed at the lowest address where it does not overlap an active region.
// No memory is mapped; pages are backed on first access.
func (p *Pool) Allocate(size uint32) (uint32, *kernel.Error) {
	if size == 0 {
		return 0, errZeroSize
	}
	if size > p.size {
		return 0, errPoolExhausted
	}
	size = mm.PagesFor(size) << mm.PageShift

	p.lock.Acquire()
	defer p.lock.Release()

	slot, virgin, ok := p.pickSlot(size)
	if !ok {
		return 0, errNoFreeSlots
	}

	start, ok := p.firstFit(size)
	if !ok {
		klog.For("vmpool").Warn("region pool exhausted", "base", p.base, "request", size)
		return 0, errPoolExhausted
	}

	if virgin {
		p.slotsUsed++
	}
	p.setDescriptor(slot, start, size)
	p.regionCount++

	klog.For("vmpool").Debug("region allocated", "start", start, "size", size)
	return start, nil
}

// Release frees the region starting at start and unmaps every page of it
// that was backed by a frame. The region is left untouched if the page table
// cannot be modified. If unmapping a page fails, the remaining pages are
// still unmapped and the first error is returned.
func (p *Pool) Release(start uint32) *kernel.Error {
	if start == 0 {
		return errRegionNotFound
	}

	// Checked before taking the pool lock; the page table lock is always
	// acquired first.
	if err := p.pt.Accessible(); err != nil {
		return err
	}

	p.lock.Acquire()
	var size uint32
	slot := uint32(0)
	for ; slot < p.slotsUsed; slot++ {
		var slotStart uint32
		if slotStart, size = p.descriptor(slot); slotStart == start {
			break
		}
	}

	if slot == p.slotsUsed {
		p.lock.Release()
		return errRegionNotFound
	}

	// The size is kept so the slot can be reused by a region of the same size
	p.setDescriptor(slot, 0, size)
	p.regionCount--
	p.lock.Release()

	// Pages are freed without holding the pool lock; the page table
	// manager may call IsLegitimate while holding its own lock.
	var (
		firstPage = mm.PageFromAddress(start)
		firstErr  *kernel.Error
	)
	for i := uint32(0); i < size>>mm.PageShift; i++ {
		if err := p.pt.FreePage(firstPage + mm.Page(i)); err != nil && err != vmm.ErrInvalidMapping && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		klog.For("vmpool").Error("region released with unmapping errors", "start", start, "size", size, "err", firstErr.Message)
		return firstErr
	}

	klog.For("vmpool").Debug("region released", "start", start, "size", size)
	return nil
}

// IsLegitimate returns true if virtAddr lies inside an active region.
func (p *Pool) IsLegitimate(virtAddr uint32) bool {
	p.lock.Acquire()
	defer p.lock.Release()

	for slot := uint32(0); slot < p.slotsUsed; slot++ {
		start, size := p.descriptor(slot)
		if start != 0 && virtAddr >= start && virtAddr-start < size {
			return true
		}
	}

	return false
}

// pickSlot selects the descriptor for a new region of the given size. A
// freed slot whose recorded size matches is preferred, followed by any
// freed slot and finally a virgin one. The caller must hold the lock.
func (p *Pool) pickSlot(size uint32) (slot uint32, virgin bool, ok bool) {
	anyFreed := -1
	for slot = 0; slot < p.slotsUsed; slot++ {
		start, slotSize := p.descriptor(slot)
		if start != 0 {
			continue
		}

		if slotSize == size {
			return slot, false, true
		}
		if anyFreed == -1 {
			anyFreed = int(slot)
		}
	}

	if anyFreed != -1 {
		return uint32(anyFreed), false, true
	}

	if p.slotsUsed < maxRegions {
		return p.slotsUsed, true, true
	}

	return 0, false, false
}

// firstFit returns the lowest address in the pool range where size bytes do
// not overlap an active region. The caller must hold the lock.
func (p *Pool) firstFit(size uint32) (uint32, bool) {
	var (
		candidate = uint64(p.base)
		limit     = uint64(p.base) + uint64(p.size)
		length    = uint64(size)
	)

	for moved := true; moved; {
		if candidate+length > limit {
			return 0, false
		}

		moved = false
		for slot := uint32(0); slot < p.slotsUsed; slot++ {
			start, regionSize := p.descriptor(slot)
			if start == 0 {
				continue
			}

			regionStart, regionEnd := uint64(start), uint64(start)+uint64(regionSize)
			if regionStart < candidate+length && candidate < regionEnd {
				candidate = regionEnd
				moved = true
			}
		}
	}

	return uint32(candidate), true
}

func (p *Pool) descriptor(slot uint32) (start, size uint32) {
	addr := p.descAddr + slot*descriptorSize
	return loadFn(addr), loadFn(addr + 4)
}

func (p *Pool) setDescriptor(slot, start, size uint32) {
	addr := p.descAddr + slot*descriptorSize
	storeFn(addr, start)
	storeFn(addr+4, size)
}
