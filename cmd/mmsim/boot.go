package main

import (
	"github.com/spf13/cobra"

	"memkern/kernel/kfmt"
	"memkern/kernel/kmain"
)

type bootOutput struct {
	Config kmain.Config `json:"config"`
	Stats  kmain.Stats  `json:"stats"`
}

func newBootCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot the machine and show the memory layout",
		Long: `The boot command creates the frame pools, enables paging and creates the
heap region pool, then prints the resulting memory map and pool statistics.

Example:
  mmsim boot
  mmsim boot --ram-mib 64 --process-frames 15360
  mmsim boot --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBoot(cmd, opts)
		},
	}
}

func runBoot(cmd *cobra.Command, opts *options) error {
	out := cmd.OutOrStdout()

	sys, err := opts.boot(out)
	if err != nil {
		return err
	}
	defer shutdown(sys)

	stats := sys.Stats()
	if opts.jsonOut {
		return printJSON(out, bootOutput{Config: sys.Config, Stats: stats})
	}

	sys.PrintLayout(&kfmt.PrefixWriter{Sink: out, Prefix: []byte("  ")})

	p := newPrinter()
	p.Fprintf(out, "\nstatistics:\n")
	printPoolStats(p, out, "kernel pool", stats.KernelPool)
	printPoolStats(p, out, "process pool", stats.ProcessPool)
	p.Fprintf(out, "  %-14s %d\n", "page faults:", stats.PageFaults)
	return nil
}
