package vmpool

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memkern/kernel"
	"memkern/kernel/cpu"
	"memkern/kernel/gate"
	"memkern/kernel/hal/machine"
	"memkern/kernel/kfmt"
	"memkern/kernel/mm"
	"memkern/kernel/mm/pmm"
	"memkern/kernel/mm/vmm"
)

const (
	testBase       = uint32(0x40000000)
	testSize       = uint32(1 << 24)
	testDescFrame  = mm.Frame(2)
	testSharedSize = uint32(0x10000)
)

type fakeFrames struct {
	frame    mm.Frame
	allocErr *kernel.Error
	released []mm.Frame
}

func (f *fakeFrames) AllocFrame() (mm.Frame, *kernel.Error) { return f.frame, f.allocErr }
func (f *fakeFrames) Contains(frame mm.Frame) bool         { return frame == f.frame }
func (f *fakeFrames) ReleaseFrame(frame mm.Frame) *kernel.Error {
	f.released = append(f.released, frame)
	return nil
}

type fakePageTable struct {
	registered  []vmm.RegionValidator
	registerErr *kernel.Error
	freed       []mm.Page
	freeErr     func(mm.Page) *kernel.Error
	accessErr   *kernel.Error
}

func (pt *fakePageTable) RegisterVMPool(pool vmm.RegionValidator) *kernel.Error {
	if pt.registerErr != nil {
		return pt.registerErr
	}
	pt.registered = append(pt.registered, pool)
	return nil
}

func (pt *fakePageTable) FreePage(page mm.Page) *kernel.Error {
	pt.freed = append(pt.freed, page)
	if pt.freeErr != nil {
		return pt.freeErr(page)
	}
	return nil
}

func (pt *fakePageTable) IsShared(addr uint32) bool   { return addr < testSharedSize }
func (pt *fakePageTable) Accessible() *kernel.Error { return pt.accessErr }

func setupMachine(t *testing.T, memSize uint64) *machine.Machine {
	t.Helper()

	m, err := machine.New(memSize)
	require.NoError(t, err)

	cpu.SetProcessor(m)
	t.Cleanup(func() {
		cpu.SetProcessor(nil)
		_ = m.Close()
	})
	return m
}

func newTestPool(t *testing.T, size uint32) (*Pool, *fakePageTable) {
	t.Helper()
	setupMachine(t, uint64(testSharedSize))

	pt := &fakePageTable{}
	pool, err := New(testBase, size, &fakeFrames{frame: testDescFrame}, pt)
	require.Nil(t, err)
	return pool, pt
}

func TestNew(t *testing.T) {
	m := setupMachine(t, uint64(testSharedSize))
	for offset := uint32(0); offset < mm.PageSize; offset += 4 {
		m.PhysStore32(testDescFrame.Address()+offset, 0xffffffff)
	}

	pt := &fakePageTable{}
	pool, err := New(testBase, testSize+0x123, &fakeFrames{frame: testDescFrame}, pt)
	require.Nil(t, err)

	assert.Equal(t, testBase, pool.Base())
	assert.Equal(t, testSize, pool.Size(), "pool size should be rounded down to whole pages")
	assert.Equal(t, testDescFrame, pool.DescriptorFrame())
	assert.Zero(t, pool.RegionCount())
	require.Len(t, pt.registered, 1)
	assert.Same(t, pool, pt.registered[0])

	for offset := uint32(0); offset < mm.PageSize; offset += 4 {
		require.Zero(t, m.PhysLoad32(testDescFrame.Address()+offset), "descriptor frame should be cleared")
	}
}

func TestNewErrors(t *testing.T) {
	setupMachine(t, uint64(testSharedSize))

	allocErr := &kernel.Error{Module: "test", Message: "out of frames"}
	registerErr := &kernel.Error{Module: "test", Message: "too many pools"}

	specs := []struct {
		base        uint32
		size        uint32
		frames      *fakeFrames
		registerErr *kernel.Error
		expErr      *kernel.Error
		expReleased bool
	}{
		{0, testSize, &fakeFrames{frame: testDescFrame}, nil, errInvalidBase, false},
		{testBase + 1, testSize, &fakeFrames{frame: testDescFrame}, nil, errInvalidBase, false},
		{testBase, mm.PageSize - 1, &fakeFrames{frame: testDescFrame}, nil, errInvalidRange, false},
		{0xfffff000, 0x2000, &fakeFrames{frame: testDescFrame}, nil, errInvalidRange, false},
		{0x1000, 0x2000, &fakeFrames{frame: testDescFrame}, nil, errInvalidRange, false},
		{0xff800000, 0x800000, &fakeFrames{frame: testDescFrame}, nil, errInvalidRange, false},
		{0xffbff000, 0x2000, &fakeFrames{frame: testDescFrame}, nil, errInvalidRange, false},
		{0xffc00000, mm.PageSize, &fakeFrames{frame: testDescFrame}, nil, errInvalidRange, false},
		{testBase, testSize, &fakeFrames{allocErr: allocErr}, nil, allocErr, false},
		{testBase, testSize, &fakeFrames{frame: 0x100}, nil, errDescriptorNotShared, true},
		{testBase, testSize, &fakeFrames{frame: testDescFrame}, registerErr, registerErr, true},
	}

	for specIndex, spec := range specs {
		pool, err := New(spec.base, spec.size, spec.frames, &fakePageTable{registerErr: spec.registerErr})
		assert.Nil(t, pool, "spec %d", specIndex)
		assert.Equal(t, spec.expErr, err, "spec %d", specIndex)
		assert.Equal(t, spec.expReleased, len(spec.frames.released) == 1, "spec %d: descriptor frame release", specIndex)
	}

	// A pool may end right below the page table window
	pool, err := New(0xff800000, 0x400000, &fakeFrames{frame: testDescFrame}, &fakePageTable{})
	require.Nil(t, err)
	assert.Equal(t, uint32(0x400000), pool.Size())
}

func TestAllocate(t *testing.T) {
	pool, _ := newTestPool(t, testSize)

	first, err := pool.Allocate(0x1500)
	require.Nil(t, err)
	assert.Equal(t, testBase, first, "first region should start at the pool base")

	second, err := pool.Allocate(0x1000)
	require.Nil(t, err)
	assert.Equal(t, testBase+0x2000, second, "regions should be rounded up to whole pages")

	third, err := pool.Allocate(1)
	require.Nil(t, err)
	assert.Equal(t, testBase+0x3000, third)
	assert.Zero(t, vmm.PageOffset(third))

	assert.Equal(t, uint32(3), pool.RegionCount())
}

func TestAllocateErrors(t *testing.T) {
	pool, _ := newTestPool(t, 0x4000)

	_, err := pool.Allocate(0)
	assert.Equal(t, errZeroSize, err)

	_, err = pool.Allocate(0x4001)
	assert.Equal(t, errPoolExhausted, err)

	start, err := pool.Allocate(0x3000)
	require.Nil(t, err)

	_, err = pool.Allocate(0x2000)
	assert.Equal(t, errPoolExhausted, err, "remaining gap is too small")

	last, err := pool.Allocate(0x1000)
	require.Nil(t, err)
	assert.Equal(t, start+0x3000, last, "region should fill the remaining gap")
}

func TestAllocateNoFreeSlots(t *testing.T) {
	pool, _ := newTestPool(t, testSize)

	for i := uint32(0); i < maxRegions; i++ {
		start, err := pool.Allocate(mm.PageSize)
		require.Nil(t, err)
		require.Equal(t, testBase+i*mm.PageSize, start)
	}

	_, err := pool.Allocate(mm.PageSize)
	assert.Equal(t, errNoFreeSlots, err)
}

func TestReleaseAndReuse(t *testing.T) {
	pool, pt := newTestPool(t, testSize)

	a, err := pool.Allocate(0x1000)
	require.Nil(t, err)
	b, err := pool.Allocate(0x3000)
	require.Nil(t, err)
	c, err := pool.Allocate(0x1000)
	require.Nil(t, err)

	require.Nil(t, pool.Release(b))
	assert.Equal(t, uint32(2), pool.RegionCount())
	assert.Equal(t, []mm.Page{
		mm.PageFromAddress(b),
		mm.PageFromAddress(b + 0x1000),
		mm.PageFromAddress(b + 0x2000),
	}, pt.freed)

	assert.False(t, pool.IsLegitimate(b))
	assert.True(t, pool.IsLegitimate(a))
	assert.True(t, pool.IsLegitimate(c+0xfff))

	// The gap left by b is the first fit for a smaller region
	d, err := pool.Allocate(0x2000)
	require.Nil(t, err)
	assert.Equal(t, b, d)
	assert.Equal(t, uint32(3), pool.slotsUsed, "freed descriptor should be reused")

	// Release of unknown or already released regions
	assert.Equal(t, errRegionNotFound, pool.Release(b+0x1000))
	assert.Equal(t, errRegionNotFound, pool.Release(0))
	require.Nil(t, pool.Release(a))
	assert.Equal(t, errRegionNotFound, pool.Release(a))
}

func TestAllocatePrefersExactSlot(t *testing.T) {
	pool, _ := newTestPool(t, testSize)

	big, err := pool.Allocate(0x2000)
	require.Nil(t, err)
	small, err := pool.Allocate(0x1000)
	require.Nil(t, err)

	require.Nil(t, pool.Release(big))
	require.Nil(t, pool.Release(small))

	_, err = pool.Allocate(0x1000)
	require.Nil(t, err)

	start0, size0 := pool.descriptor(0)
	start1, size1 := pool.descriptor(1)
	assert.Zero(t, start0, "slot with a different size should stay free")
	assert.Equal(t, uint32(0x2000), size0)
	assert.Equal(t, testBase, start1, "slot with a matching size should be reused")
	assert.Equal(t, uint32(0x1000), size1)
	assert.Equal(t, uint32(2), pool.slotsUsed)
}

func TestReleaseFreePageErrors(t *testing.T) {
	pool, pt := newTestPool(t, testSize)

	start, err := pool.Allocate(0x2000)
	require.Nil(t, err)

	// Pages that were never touched are skipped
	pt.freeErr = func(mm.Page) *kernel.Error { return vmm.ErrInvalidMapping }
	require.Nil(t, pool.Release(start))
	assert.Len(t, pt.freed, 2)

	// Unmapping continues past a failing page and the first error wins
	start, err = pool.Allocate(0x3000)
	require.Nil(t, err)

	pt.freed = nil
	firstErr := &kernel.Error{Module: "test", Message: "cannot free"}
	lastErr := &kernel.Error{Module: "test", Message: "cannot free either"}
	pt.freeErr = func(page mm.Page) *kernel.Error {
		switch page {
		case mm.PageFromAddress(start):
			return firstErr
		case mm.PageFromAddress(start + 0x2000):
			return lastErr
		}
		return nil
	}
	assert.Equal(t, firstErr, pool.Release(start))
	assert.Len(t, pt.freed, 3, "every page of the region should be visited")
	assert.False(t, pool.IsLegitimate(start), "descriptor should be released even if unmapping fails")
}

func TestReleaseInaccessibleTable(t *testing.T) {
	pool, pt := newTestPool(t, testSize)

	start, err := pool.Allocate(0x2000)
	require.Nil(t, err)

	accessErr := &kernel.Error{Module: "test", Message: "table not active"}
	pt.accessErr = accessErr
	assert.Equal(t, accessErr, pool.Release(start))
	assert.Empty(t, pt.freed)
	assert.Equal(t, uint32(1), pool.RegionCount())
	assert.True(t, pool.IsLegitimate(start), "region should survive a failed release")

	pt.accessErr = nil
	require.Nil(t, pool.Release(start))
	assert.Len(t, pt.freed, 2)
	assert.Zero(t, pool.RegionCount())
}

func TestIsLegitimate(t *testing.T) {
	pool, _ := newTestPool(t, testSize)

	start, err := pool.Allocate(0x2000)
	require.Nil(t, err)

	specs := []struct {
		addr uint32
		exp  bool
	}{
		{start - 1, false},
		{start, true},
		{start + 0x1fff, true},
		{start + 0x2000, false},
		{0, false},
	}

	for specIndex, spec := range specs {
		assert.Equal(t, spec.exp, pool.IsLegitimate(spec.addr), "spec %d: address 0x%x", specIndex, spec.addr)
	}
}

func TestDemandPagedRegions(t *testing.T) {
	m := setupMachine(t, 4<<20+64*uint64(mm.FrameSize))
	t.Cleanup(func() {
		_ = vmm.InitPaging(nil, nil, 0)
		gate.HandleInterrupt(gate.PageFaultException, nil)
		gate.HandleInterrupt(gate.GPFException, nil)
		kfmt.SetOutputSink(nil)
	})
	kfmt.SetOutputSink(&bytes.Buffer{})

	bitmap := pmm.NewBitmap(512)
	kernelPool, err := pmm.NewPool(bitmap, 512, 512, 0)
	require.Nil(t, err)
	processPool, err := pmm.NewPool(bitmap, 1024, 64, 512)
	require.Nil(t, err)

	require.Nil(t, vmm.InitPaging(kernelPool, processPool, 4<<20))
	vmm.Init()
	pt, err := vmm.New()
	require.Nil(t, err)
	pt.Load()
	require.Nil(t, vmm.EnablePaging())

	pool, err := New(testBase, testSize, kernelPool, pt)
	require.Nil(t, err)

	start, err := pool.Allocate(0x3000)
	require.Nil(t, err)

	freeBefore := processPool.FreeCount()
	for addr := start; addr < start+0x3000; addr += mm.PageSize {
		cpu.Store32(addr, addr)
	}
	assert.Equal(t, uint64(3), m.Faults())
	assert.Equal(t, freeBefore-4, processPool.FreeCount(), "a page table and three pages should be backed")

	for addr := start; addr < start+0x3000; addr += mm.PageSize {
		assert.Equal(t, addr, cpu.Load32(addr))
	}

	assert.PanicsWithValue(t, vmm.ErrSegmentationFault, func() { cpu.Store32(start+0x3000, 1) })

	require.Nil(t, pool.Release(start))
	assert.Equal(t, freeBefore-1, processPool.FreeCount(), "page frames should return to the process pool")
	assert.PanicsWithValue(t, vmm.ErrSegmentationFault, func() { cpu.Load32(start) })
}

func TestReleaseWhileOtherTableLoaded(t *testing.T) {
	m := setupMachine(t, 4<<20+64*uint64(mm.FrameSize))
	t.Cleanup(func() {
		_ = vmm.InitPaging(nil, nil, 0)
		gate.HandleInterrupt(gate.PageFaultException, nil)
		gate.HandleInterrupt(gate.GPFException, nil)
		kfmt.SetOutputSink(nil)
	})
	kfmt.SetOutputSink(&bytes.Buffer{})

	bitmap := pmm.NewBitmap(512)
	kernelPool, err := pmm.NewPool(bitmap, 512, 512, 0)
	require.Nil(t, err)
	processPool, err := pmm.NewPool(bitmap, 1024, 64, 512)
	require.Nil(t, err)

	require.Nil(t, vmm.InitPaging(kernelPool, processPool, 4<<20))
	vmm.Init()
	a, err := vmm.New()
	require.Nil(t, err)
	a.Load()
	require.Nil(t, vmm.EnablePaging())

	pool, err := New(testBase, testSize, kernelPool, a)
	require.Nil(t, err)

	start, err := pool.Allocate(0x2000)
	require.Nil(t, err)
	cpu.Store32(start, 0x5ec2e7)
	cpu.Store32(start+0x1000, 0x5ec2e7)
	require.Equal(t, uint64(2), m.Faults())

	b, err := vmm.New()
	require.Nil(t, err)
	b.Load()

	freeBefore := processPool.FreeCount()
	assert.NotNil(t, pool.Release(start))
	assert.Equal(t, uint32(1), pool.RegionCount(), "region should stay allocated")
	assert.Equal(t, freeBefore, processPool.FreeCount())

	a.Load()
	assert.Equal(t, uint32(0x5ec2e7), cpu.Load32(start), "region contents should be intact")

	require.Nil(t, pool.Release(start))
	assert.Zero(t, pool.RegionCount())
	assert.Equal(t, freeBefore+2, processPool.FreeCount(), "both page frames should return to the process pool")

	again, err := pool.Allocate(0x1000)
	require.Nil(t, err)
	require.Equal(t, start, again)
	assert.Zero(t, cpu.Load32(again), "reused region should be backed by a zeroed page")
	assert.Equal(t, errRegionNotFound, pool.Release(start+0x1000))
}
