package pmm

import (
	"math/bits"

	"memkern/kernel"
	"memkern/kernel/klog"
	"memkern/kernel/mm"
)

var (
	errPoolOutOfMemory      = &kernel.Error{Module: "pmm", Message: "no free frames left in pool"}
	errFrameNotManaged      = &kernel.Error{Module: "pmm", Message: "frame is not tracked by the frame bitmap"}
	errRangeOutsideBitmap   = &kernel.Error{Module: "pmm", Message: "frame range is not covered by the frame bitmap"}
	errEmptyPool            = &kernel.Error{Module: "pmm", Message: "frame pool must manage at least one frame"}
	errBitmapFrameNotInPool = &kernel.Error{Module: "pmm", Message: "bitmap frame could not be reserved by its owning pool"}
)

// Pool hands out frames from a contiguous range of physical memory. Several
// pools may share one Bitmap as long as their ranges do not overlap; no
// overlap check is performed.
type Pool struct {
	bitmap *Bitmap

	// baseFrame is the first frame managed by the pool.
	baseFrame mm.Frame

	// frameCount is the number of frames managed by the pool.
	frameCount uint32

	// infoFrame is the management frame supplied by the caller. Zero means
	// that this pool owns the bitmap storage.
	infoFrame mm.Frame
}

// NewPool creates a pool that manages frameCount frames starting at
// baseFrame.
//
// If infoFrame is zero the pool owns the shared bitmap: the bitmap is placed
// at baseFrame, cleared, and its frame is reserved as the pool's first
// allocation. A bitmap is initialized only once; attempting to create a
// second owning pool fails without touching the bitmap. Pools with a non-zero
// infoFrame require an initialized bitmap.
func NewPool(bitmap *Bitmap, baseFrame mm.Frame, frameCount uint32, infoFrame mm.Frame) (*Pool, *kernel.Error) {
	if frameCount == 0 {
		return nil, errEmptyPool
	}

	if !bitmap.covers(baseFrame, frameCount) {
		return nil, errRangeOutsideBitmap
	}

	pool := &Pool{
		bitmap:     bitmap,
		baseFrame:  baseFrame,
		frameCount: frameCount,
		infoFrame:  infoFrame,
	}

	if infoFrame == 0 {
		if err := bitmap.init(baseFrame); err != nil {
			return nil, err
		}

		if frame, err := pool.AllocFrame(); err != nil {
			return nil, err
		} else if frame != bitmap.Frame() {
			return nil, errBitmapFrameNotInPool
		}
	} else if !bitmap.Initialized() {
		return nil, errBitmapNotInitialized
	}

	klog.For("pmm").Debug("frame pool created",
		"base", uint32(baseFrame), "frames", frameCount, "owner", infoFrame == 0)

	return pool, nil
}

// BaseFrame returns the first frame managed by the pool.
func (p *Pool) BaseFrame() mm.Frame {
	return p.baseFrame
}

// FrameCount returns the number of frames managed by the pool.
func (p *Pool) FrameCount() uint32 {
	return p.frameCount
}

// InfoFrame returns the management frame supplied when the pool was created.
func (p *Pool) InfoFrame() mm.Frame {
	return p.infoFrame
}

// Contains returns true if frame lies in the range managed by the pool.
func (p *Pool) Contains(frame mm.Frame) bool {
	return frame >= p.baseFrame && uint32(frame-p.baseFrame) < p.frameCount
}

// AllocFrame reserves the lowest free frame in the pool's range.
//
// The scan visits the bitmap word by word starting at the word that holds
// the pool's first frame and skips words whose frames are all reserved.
func (p *Pool) AllocFrame() (mm.Frame, *kernel.Error) {
	var (
		b        = p.bitmap
		first, _ = b.bitIndex(p.baseFrame)
		end      = first + p.frameCount
	)

	b.lock.Acquire()
	for word := first / mm.BitsPerWord; word*mm.BitsPerWord < end; word++ {
		value := b.loadWord(word)
		if value == fullWord {
			continue
		}

		for bit := uint32(0); bit < mm.BitsPerWord; bit++ {
			index := word*mm.BitsPerWord + bit
			if index < first || value&(1<<bit) != 0 {
				continue
			}
			if index >= end {
				break
			}

			b.storeWord(word, value|1<<bit)
			b.lock.Release()
			return b.startOffset + mm.Frame(index), nil
		}
	}
	b.lock.Release()

	klog.For("pmm").Warn("frame pool exhausted", "base", uint32(p.baseFrame), "frames", p.frameCount)
	return 0, errPoolOutOfMemory
}

// MarkInaccessible permanently reserves frameCount frames starting at
// baseFrame so they are never handed out. Reservation is done with whole
// bitmap words: every word overlapping the range is set to all ones, which
// may also reserve frames adjacent to the range that share its first or
// last word.
func (p *Pool) MarkInaccessible(baseFrame mm.Frame, frameCount uint32) *kernel.Error {
	b := p.bitmap
	if !b.covers(baseFrame, frameCount) {
		return errRangeOutsideBitmap
	}

	first, _ := b.bitIndex(baseFrame)
	end := first + frameCount

	b.lock.Acquire()
	for word := first / mm.BitsPerWord; word*mm.BitsPerWord < end; word++ {
		b.storeWord(word, fullWord)
	}
	b.lock.Release()

	klog.For("pmm").Debug("frames marked inaccessible", "base", uint32(baseFrame), "frames", frameCount)
	return nil
}

// ReleaseFrame returns a frame to the bitmap. Releasing a frame that is
// already free has no effect.
func (p *Pool) ReleaseFrame(frame mm.Frame) *kernel.Error {
	b := p.bitmap
	index, ok := b.bitIndex(frame)
	if !ok {
		return errFrameNotManaged
	}

	word, mask := index/mm.BitsPerWord, uint32(1)<<(index%mm.BitsPerWord)

	b.lock.Acquire()
	if value := b.loadWord(word); value&mask != 0 {
		b.storeWord(word, value&^mask)
	}
	b.lock.Release()

	return nil
}

// FreeCount returns the number of unreserved frames in the pool's range.
func (p *Pool) FreeCount() uint32 {
	var (
		b        = p.bitmap
		first, _ = b.bitIndex(p.baseFrame)
		end      = first + p.frameCount
		reserved uint32
	)

	b.lock.Acquire()
	for word := first / mm.BitsPerWord; word*mm.BitsPerWord < end; word++ {
		value := b.loadWord(word)

		// Ignore bits that belong to frames outside the pool
		wordStart := word * mm.BitsPerWord
		if wordStart < first {
			value &^= (uint32(1) << (first - wordStart)) - 1
		}
		if wordEnd := wordStart + mm.BitsPerWord; wordEnd > end {
			value &= (uint32(1) << (mm.BitsPerWord - (wordEnd - end))) - 1
		}

		reserved += uint32(bits.OnesCount32(value))
	}
	b.lock.Release()

	return p.frameCount - reserved
}
