package kmain

import (
	"memkern/kernel"
	"memkern/kernel/cpu"
	"memkern/kernel/klog"
	"memkern/kernel/mm"
)

var errCorruption = &kernel.Error{Module: "kmain", Message: "read back a different value than the one written"}

// Workload describes a demand paging exercise for the heap pool.
type Workload struct {
	// Regions is the number of regions allocated from the heap pool.
	Regions int `json:"regions"`

	// RegionSize is the size of each region in bytes.
	RegionSize uint32 `json:"region_size"`

	// Stride is the distance between touched words; 0 touches one word
	// per page.
	Stride uint32 `json:"stride"`

	// Keep leaves the regions allocated when the workload completes.
	Keep bool `json:"keep"`
}

// Report summarizes a workload run.
type Report struct {
	RegionsAllocated int    `json:"regions_allocated"`
	RegionsReleased  int    `json:"regions_released"`
	WordsTouched     uint64 `json:"words_touched"`
	PageFaults       uint64 `json:"page_faults"`
	FramesConsumed   uint32 `json:"frames_consumed"`
	FramesReclaimed  uint32 `json:"frames_reclaimed"`
	Stats            Stats  `json:"stats"`
}

// Run allocates the workload's regions from the heap pool, writes a pattern
// to each of them through the processor and verifies it. Unless Keep is set,
// the regions are released afterwards.
//
// An unrecoverable fault raised while touching memory stops the run and is
// returned as an error.
func (sys *System) Run(w Workload) (report Report, err *kernel.Error) {
	stride := w.Stride
	if stride == 0 {
		stride = mm.PageSize
	}
	stride = (stride + 3) &^ 3

	defer func() {
		if r := recover(); r != nil {
			kerr, ok := r.(*kernel.Error)
			if !ok {
				panic(r)
			}
			err = kerr
		}
		report.Stats = sys.Stats()
	}()

	var (
		faultsBefore = sys.Machine.Faults()
		freeBefore   = sys.ProcessPool.FreeCount()
		regions      = make([]uint32, 0, max(w.Regions, 0))
	)

	for i := 0; i < w.Regions; i++ {
		start, aerr := sys.Heap.Allocate(w.RegionSize)
		if aerr != nil {
			return report, aerr
		}
		regions = append(regions, start)
		report.RegionsAllocated++

		for offset := uint32(0); offset < w.RegionSize; offset += stride {
			cpu.Store32(start+offset, start^offset)
			report.WordsTouched++
		}
	}

	for _, start := range regions {
		for offset := uint32(0); offset < w.RegionSize; offset += stride {
			if cpu.Load32(start+offset) != start^offset {
				return report, errCorruption
			}
		}
	}

	report.PageFaults = sys.Machine.Faults() - faultsBefore
	freeAfterTouch := sys.ProcessPool.FreeCount()
	report.FramesConsumed = freeBefore - freeAfterTouch

	if !w.Keep {
		for _, start := range regions {
			if err = sys.Heap.Release(start); err != nil {
				return report, err
			}
			report.RegionsReleased++
		}
		report.FramesReclaimed = sys.ProcessPool.FreeCount() - freeAfterTouch
	}

	klog.For("kmain").Info("workload complete",
		"regions", report.RegionsAllocated,
		"faults", report.PageFaults,
		"frames", report.FramesConsumed,
	)
	return report, nil
}
