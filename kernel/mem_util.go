package kernel

import "memkern/kernel/cpu"

var (
	// loadFn and storeFn are used by tests to intercept memory accesses.
	loadFn  = cpu.Load32
	storeFn = cpu.Store32
)

// Memset sets size bytes starting at the given virtual address to value.
// Accesses go through the processor so they are subject to address
// translation once paging is enabled. Aligned words are written with a single
// store; unaligned head and tail bytes are merged into their containing word.
func Memset(addr uint32, value byte, size uint32) {
	for ; size > 0 && addr&3 != 0; addr, size = addr+1, size-1 {
		setByte(addr, value)
	}

	word := uint32(value) * 0x01010101
	for ; size >= 4; addr, size = addr+4, size-4 {
		storeFn(addr, word)
	}

	for ; size > 0; addr, size = addr+1, size-1 {
		setByte(addr, value)
	}
}

func setByte(addr uint32, value byte) {
	var (
		aligned = addr &^ 3
		shift   = (addr & 3) << 3
	)

	storeFn(aligned, (loadFn(aligned)&^(0xff<<shift))|uint32(value)<<shift)
}
