// Package pmm manages physical memory frames. All frame pools share a single
// Bitmap registry that is stored in a physical frame owned by the first pool.
package pmm

import (
	"memkern/kernel"
	"memkern/kernel/cpu"
	"memkern/kernel/mm"
	"memkern/kernel/sync"
)

const (
	// fullWord is the value of a bitmap word whose frames are all reserved.
	fullWord = ^uint32(0)

	// bitmapCapacity is the number of frames that a single bitmap frame
	// can track.
	bitmapCapacity = mm.FrameSize * 8
)

var (
	// loadWordFn and storeWordFn are used by tests to intercept bitmap
	// accesses.
	loadWordFn  = cpu.Load32
	storeWordFn = cpu.Store32

	errBitmapAlreadyInitialized = &kernel.Error{Module: "pmm", Message: "frame bitmap already initialized"}
	errBitmapNotInitialized     = &kernel.Error{Module: "pmm", Message: "frame bitmap not initialized; create the owning pool first"}
)

// Bitmap is the process-wide frame registry. Bit i tracks frame
// (startOffset + i); a set bit marks the frame as allocated or reserved.
//
// The bitmap contents live in physical memory at the base of the pool that
// initializes it. That address must stay accessible once paging is enabled,
// which holds for pools placed in the identity mapped kernel region.
type Bitmap struct {
	lock sync.Spinlock

	// startOffset is the frame tracked by bit 0. Frames below it (e.g.
	// low memory reserved by firmware) are not managed.
	startOffset mm.Frame

	// addr is the address of the first bitmap word.
	addr        uint32
	frame       mm.Frame
	initialized bool
}

// NewBitmap returns an uninitialized registry whose bit 0 tracks startOffset.
// The registry is initialized when the first pool without an info frame is
// created on top of it.
func NewBitmap(startOffset mm.Frame) *Bitmap {
	return &Bitmap{startOffset: startOffset}
}

// StartOffset returns the frame tracked by bit 0.
func (b *Bitmap) StartOffset() mm.Frame {
	return b.startOffset
}

// Frame returns the frame that stores the bitmap. It is only meaningful once
// Initialized returns true.
func (b *Bitmap) Frame() mm.Frame {
	return b.frame
}

// Initialized returns true once the bitmap storage has been set up.
func (b *Bitmap) Initialized() bool {
	b.lock.Acquire()
	defer b.lock.Release()
	return b.initialized
}

// Capacity returns the number of frames tracked by the bitmap.
func (b *Bitmap) Capacity() uint32 {
	return bitmapCapacity
}

// init places the bitmap at the given frame and clears it. It only succeeds
// once; later calls leave the bitmap untouched.
func (b *Bitmap) init(frame mm.Frame) *kernel.Error {
	b.lock.Acquire()
	defer b.lock.Release()

	if b.initialized {
		return errBitmapAlreadyInitialized
	}

	b.frame = frame
	b.addr = frame.Address()
	for word := uint32(0); word < bitmapCapacity/mm.BitsPerWord; word++ {
		storeWordFn(b.wordAddr(word), 0)
	}
	b.initialized = true

	return nil
}

// bitIndex returns the bit that tracks frame and false if the frame is not
// covered by the bitmap.
func (b *Bitmap) bitIndex(frame mm.Frame) (uint32, bool) {
	if frame < b.startOffset || uint32(frame-b.startOffset) >= bitmapCapacity {
		return 0, false
	}

	return uint32(frame - b.startOffset), true
}

// covers returns true if frameCount frames starting at frame are tracked.
func (b *Bitmap) covers(frame mm.Frame, frameCount uint32) bool {
	first, ok := b.bitIndex(frame)
	return ok && frameCount <= bitmapCapacity-first
}

func (b *Bitmap) wordAddr(word uint32) uint32 {
	return b.addr + word<<2
}

func (b *Bitmap) loadWord(word uint32) uint32 {
	return loadWordFn(b.wordAddr(word))
}

func (b *Bitmap) storeWord(word, value uint32) {
	storeWordFn(b.wordAddr(word), value)
}
