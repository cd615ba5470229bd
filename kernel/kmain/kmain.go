// Package kmain boots the memory manager on an emulated i386 machine.
package kmain

import (
	"memkern/kernel"
	"memkern/kernel/cpu"
	"memkern/kernel/gate"
	"memkern/kernel/hal/machine"
	"memkern/kernel/kfmt"
	"memkern/kernel/klog"
	"memkern/kernel/mm"
	"memkern/kernel/mm/pmm"
	"memkern/kernel/mm/vmm"
	"memkern/kernel/mm/vmpool"
)

var (
	errKmainReturned      = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errLayoutExceedsRAM   = &kernel.Error{Module: "kmain", Message: "frame pools do not fit in installed RAM"}
	errKernelPoolUnshared = &kernel.Error{Module: "kmain", Message: "kernel pool must lie inside the shared region"}
)

// Config describes the physical and virtual memory layout of the machine.
type Config struct {
	// MemSize is the amount of installed RAM in bytes.
	MemSize uint64 `json:"mem_size"`

	// The kernel pool backs page directories, identity tables and region
	// descriptors. Its first frame holds the shared frame bitmap, whose bit
	// 0 tracks KernelPoolBase.
	KernelPoolBase   mm.Frame `json:"kernel_pool_base"`
	KernelPoolFrames uint32   `json:"kernel_pool_frames"`

	// The process pool backs demand paged memory.
	ProcessPoolBase   mm.Frame `json:"process_pool_base"`
	ProcessPoolFrames uint32   `json:"process_pool_frames"`

	// HoleBase and HoleFrames describe a range of the process pool that is
	// never handed out (e.g. memory-mapped devices).
	HoleBase   mm.Frame `json:"hole_base"`
	HoleFrames uint32   `json:"hole_frames"`

	// SharedSize is the size of the identity mapped region shared by all
	// page tables.
	SharedSize uint32 `json:"shared_size"`

	// HeapBase and HeapSize describe the virtual range of the heap region
	// pool.
	HeapBase uint32 `json:"heap_base"`
	HeapSize uint32 `json:"heap_size"`
}

// DefaultConfig returns the layout of a 32 MiB machine: a 2 MiB kernel pool
// at 2 MiB, a process pool covering 4 MiB to 32 MiB with a 1 MiB hole at 15
// MiB, 4 MiB of shared memory and a 256 MiB heap at 1 GiB.
func DefaultConfig() Config {
	return Config{
		MemSize:           32 << 20,
		KernelPoolBase:    512,
		KernelPoolFrames:  512,
		ProcessPoolBase:   1024,
		ProcessPoolFrames: 7168,
		HoleBase:          3840,
		HoleFrames:        256,
		SharedSize:        4 << 20,
		HeapBase:          1 << 30,
		HeapSize:          256 << 20,
	}
}

func (cfg Config) validate() *kernel.Error {
	for _, pool := range [][2]uint64{
		{uint64(cfg.KernelPoolBase), uint64(cfg.KernelPoolFrames)},
		{uint64(cfg.ProcessPoolBase), uint64(cfg.ProcessPoolFrames)},
	} {
		if (pool[0]+pool[1])*uint64(mm.FrameSize) > cfg.MemSize {
			return errLayoutExceedsRAM
		}
	}

	if (uint64(cfg.KernelPoolBase)+uint64(cfg.KernelPoolFrames))*uint64(mm.FrameSize) > uint64(cfg.SharedSize) {
		return errKernelPoolUnshared
	}

	return nil
}

// System is a booted machine. Only one System can be active at a time since
// it installs the machine as the processor used by the kernel packages.
type System struct {
	Config Config

	Machine     *machine.Machine
	Bitmap      *pmm.Bitmap
	KernelPool  *pmm.Pool
	ProcessPool *pmm.Pool
	PageTable   *vmm.PageTable
	Heap        *vmpool.Pool
}

// Boot creates a machine with the supplied layout, sets up both frame pools,
// enables paging with a fresh page table and creates the heap region pool.
func Boot(cfg Config) (*System, *kernel.Error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m, merr := machine.New(cfg.MemSize)
	if merr != nil {
		return nil, &kernel.Error{Module: "kmain", Message: merr.Error()}
	}

	sys := &System{Config: cfg, Machine: m}
	cpu.SetProcessor(m)

	if err := sys.init(); err != nil {
		sys.Close()
		return nil, err
	}

	klog.For("kmain").Info("boot complete",
		"ram", cfg.MemSize,
		"kernel_free", sys.KernelPool.FreeCount(),
		"process_free", sys.ProcessPool.FreeCount(),
	)

	return sys, nil
}

func (sys *System) init() *kernel.Error {
	var (
		cfg       = sys.Config
		infoFrame mm.Frame
		err       *kernel.Error
	)

	sys.Bitmap = pmm.NewBitmap(cfg.KernelPoolBase)
	if sys.KernelPool, err = pmm.NewPool(sys.Bitmap, cfg.KernelPoolBase, cfg.KernelPoolFrames, 0); err != nil {
		return err
	}

	if infoFrame, err = sys.KernelPool.AllocFrame(); err != nil {
		return err
	}

	if sys.ProcessPool, err = pmm.NewPool(sys.Bitmap, cfg.ProcessPoolBase, cfg.ProcessPoolFrames, infoFrame); err != nil {
		return err
	}

	if cfg.HoleFrames != 0 {
		if err = sys.ProcessPool.MarkInaccessible(cfg.HoleBase, cfg.HoleFrames); err != nil {
			return err
		}
	}

	if err = vmm.InitPaging(sys.KernelPool, sys.ProcessPool, cfg.SharedSize); err != nil {
		return err
	}
	vmm.Init()

	if sys.PageTable, err = vmm.New(); err != nil {
		return err
	}
	sys.PageTable.Load()

	if err = vmm.EnablePaging(); err != nil {
		return err
	}

	sys.Heap, err = vmpool.New(cfg.HeapBase, cfg.HeapSize, sys.KernelPool, sys.PageTable)
	return err
}

// Close tears down the paging state, removes the fault handlers and releases
// the machine's memory.
func (sys *System) Close() {
	_ = vmm.InitPaging(nil, nil, 0)
	gate.HandleInterrupt(gate.PageFaultException, nil)
	gate.HandleInterrupt(gate.GPFException, nil)

	if cpu.ActiveProcessor() == sys.Machine {
		cpu.SetProcessor(nil)
	}
	_ = sys.Machine.Close()
}

// Kmain boots a machine with the supplied layout and prints its memory map.
// It is not expected to return; once boot is complete it reports a kernel
// panic and halts the processor.
func Kmain(cfg Config) {
	kfmt.Printf("Booting memkern with %d KiB of RAM\n", cfg.MemSize>>10)

	sys, err := Boot(cfg)
	if err != nil {
		kfmt.Panic(err)
		return
	}
	defer sys.Close()

	sys.PrintLayout(&kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("[kmain] ")})

	// Use kfmt.Panic instead of panic to report the return and halt the CPU
	kfmt.Panic(errKmainReturned)
}
