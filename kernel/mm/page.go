// Package mm contains the types shared by the physical and virtual memory
// managers.
package mm

import "memkern/kernel"

// Frame describes a physical memory page index.
type Frame uint32

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uint32 {
	return uint32(f) << PageShift
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uint32) Frame {
	return Frame(physAddr >> PageShift)
}

// Page describes a virtual memory page index.
type Page uint32

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uint32 {
	return uint32(p) << PageShift
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uint32) Page {
	return Page(virtAddr >> PageShift)
}

// PagesFor returns the number of pages needed to hold size bytes.
func PagesFor(size uint32) uint32 {
	return size>>PageShift + boolToUint32(size&(PageSize-1) != 0)
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// FrameAllocator is implemented by physical frame pools. Failure to allocate
// is always reported through the returned error; every returned Frame,
// including frame 0, is valid.
type FrameAllocator interface {
	// AllocFrame reserves a free frame.
	AllocFrame() (Frame, *kernel.Error)

	// ReleaseFrame returns a frame previously obtained from AllocFrame.
	ReleaseFrame(Frame) *kernel.Error

	// Contains returns true if the frame belongs to the range managed by
	// this allocator.
	Contains(Frame) bool
}
