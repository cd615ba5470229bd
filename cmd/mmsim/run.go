package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"memkern/kernel/kmain"
	"memkern/kernel/mm"
)

func newRunCmd(opts *options) *cobra.Command {
	var workload kmain.Workload

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a demand paging workload against the heap pool",
		Long: `The run command boots the machine, allocates regions from the heap pool and
writes to them so that every touched page is backed through the page fault
handler. Regions are released afterwards unless --keep is set.

Example:
  mmsim run --regions 16 --region-size 65536
  mmsim run --regions 4 --stride 4 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkload(cmd, opts, workload)
		},
	}

	cmd.Flags().IntVar(&workload.Regions, "regions", 8, "Number of regions to allocate")
	cmd.Flags().Uint32Var(&workload.RegionSize, "region-size", 16*mm.PageSize, "Size of each region in bytes")
	cmd.Flags().Uint32Var(&workload.Stride, "stride", 0, "Bytes between touched words (default one word per page)")
	cmd.Flags().BoolVar(&workload.Keep, "keep", false, "Keep regions allocated after the run")
	return cmd
}

func runWorkload(cmd *cobra.Command, opts *options, workload kmain.Workload) error {
	if workload.Regions < 0 {
		return fmt.Errorf("--regions must not be negative")
	}

	out := cmd.OutOrStdout()

	sys, err := opts.boot(out)
	if err != nil {
		return err
	}
	defer shutdown(sys)

	report, kerr := sys.Run(workload)
	if opts.jsonOut {
		if jerr := printJSON(out, report); jerr != nil {
			return jerr
		}
	} else {
		p := newPrinter()
		p.Fprintf(out, "workload:\n")
		p.Fprintf(out, "  %-18s %d\n", "regions allocated:", report.RegionsAllocated)
		p.Fprintf(out, "  %-18s %d\n", "regions released:", report.RegionsReleased)
		p.Fprintf(out, "  %-18s %d\n", "words touched:", report.WordsTouched)
		p.Fprintf(out, "  %-18s %d\n", "page faults:", report.PageFaults)
		p.Fprintf(out, "  %-18s %d\n", "frames consumed:", report.FramesConsumed)
		p.Fprintf(out, "  %-18s %d\n", "frames reclaimed:", report.FramesReclaimed)
		p.Fprintf(out, "\nstatistics:\n")
		printPoolStats(p, out, "kernel pool", report.Stats.KernelPool)
		printPoolStats(p, out, "process pool", report.Stats.ProcessPool)
	}

	if kerr != nil {
		return fmt.Errorf("workload failed: %w", kerr)
	}
	return nil
}
