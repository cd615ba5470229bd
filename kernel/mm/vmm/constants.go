package vmm

import "memkern/kernel/mm"

const (
	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-31 contain the physical memory address.
	ptePhysPageMask = uint32(0xfffff000)

	// recursiveEntry is the page directory slot that points back to the
	// directory itself.
	recursiveEntry = mm.EntriesPerTable - 1

	// pdVirtualAddr is a special virtual address that exploits the
	// recursive mapping in the last directory entry. Both index fields are
	// set to recursiveEntry so the MMU follows that entry twice and lands on
	// the directory frame.
	pdVirtualAddr = uint32(0xfffff000)

	// ptVirtualBase is the start of the window through which the page table
	// for directory entry d is visible at ptVirtualBase + d*PageSize.
	ptVirtualBase = uint32(0xffc00000)

	// maxRegisteredPools is the number of region pools that can be
	// registered with a single page table.
	maxRegisteredPools = 16
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 4Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal
)

// DirectoryIndex returns the page directory slot used to translate virtAddr.
func DirectoryIndex(virtAddr uint32) uint32 {
	return virtAddr >> 22
}

// TableIndex returns the page table slot used to translate virtAddr.
func TableIndex(virtAddr uint32) uint32 {
	return (virtAddr >> mm.PageShift) & (mm.EntriesPerTable - 1)
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uint32) uint32 {
	return virtAddr & (mm.PageSize - 1)
}
