package kmain

import (
	"io"

	"memkern/kernel/kfmt"
	"memkern/kernel/mm"
)

// PoolStats describes the state of a frame pool.
type PoolStats struct {
	BaseAddr uint32 `json:"base_addr"`
	Frames   uint32 `json:"frames"`
	Free     uint32 `json:"free"`
}

// Stats is a snapshot of the memory manager state.
type Stats struct {
	KernelPool  PoolStats `json:"kernel_pool"`
	ProcessPool PoolStats `json:"process_pool"`

	BitmapAddr    uint32 `json:"bitmap_addr"`
	DirectoryAddr uint32 `json:"directory_addr"`
	HeapRegions   uint32 `json:"heap_regions"`
	PageFaults    uint64 `json:"page_faults"`
}

// Stats returns a snapshot of the pools, the page table and the fault
// counter.
func (sys *System) Stats() Stats {
	return Stats{
		KernelPool: PoolStats{
			BaseAddr: sys.KernelPool.BaseFrame().Address(),
			Frames:   sys.KernelPool.FrameCount(),
			Free:     sys.KernelPool.FreeCount(),
		},
		ProcessPool: PoolStats{
			BaseAddr: sys.ProcessPool.BaseFrame().Address(),
			Frames:   sys.ProcessPool.FrameCount(),
			Free:     sys.ProcessPool.FreeCount(),
		},
		BitmapAddr:    sys.Bitmap.Frame().Address(),
		DirectoryAddr: sys.PageTable.DirectoryFrame().Address(),
		HeapRegions:   sys.Heap.RegionCount(),
		PageFaults:    sys.Machine.Faults(),
	}
}

// PrintLayout writes the memory map of the system to w.
func (sys *System) PrintLayout(w io.Writer) {
	var (
		cfg   = sys.Config
		stats = sys.Stats()
	)

	kfmt.Fprintf(w, "RAM:           %d KiB\n", cfg.MemSize>>10)
	kfmt.Fprintf(w, "shared region: [0x%08x - 0x%08x]\n", 0, cfg.SharedSize-1)
	kfmt.Fprintf(w, "kernel pool:   [0x%08x - 0x%08x], free: %d/%d frames\n",
		stats.KernelPool.BaseAddr, frameRangeEnd(cfg.KernelPoolBase, cfg.KernelPoolFrames),
		stats.KernelPool.Free, stats.KernelPool.Frames)
	kfmt.Fprintf(w, "process pool:  [0x%08x - 0x%08x], free: %d/%d frames\n",
		stats.ProcessPool.BaseAddr, frameRangeEnd(cfg.ProcessPoolBase, cfg.ProcessPoolFrames),
		stats.ProcessPool.Free, stats.ProcessPool.Frames)
	if cfg.HoleFrames != 0 {
		kfmt.Fprintf(w, "memory hole:   [0x%08x - 0x%08x]\n",
			cfg.HoleBase.Address(), frameRangeEnd(cfg.HoleBase, cfg.HoleFrames))
	}
	kfmt.Fprintf(w, "frame bitmap:  0x%08x\n", stats.BitmapAddr)
	kfmt.Fprintf(w, "page dir:      0x%08x\n", stats.DirectoryAddr)
	kfmt.Fprintf(w, "heap pool:     [0x%08x - 0x%08x]\n", cfg.HeapBase, cfg.HeapBase+cfg.HeapSize-1)
}

// frameRangeEnd returns the last byte address of count frames starting at
// base.
func frameRangeEnd(base mm.Frame, count uint32) uint32 {
	return uint32(uint64(base.Address()) + uint64(count)*uint64(mm.FrameSize) - 1)
}
