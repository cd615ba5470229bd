package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"memkern/kernel/kfmt"
	"memkern/kernel/klog"
	"memkern/kernel/kmain"
	"memkern/kernel/mm"
)

// options holds the flags shared by all commands.
type options struct {
	verbose bool
	jsonOut bool

	ramMiB        uint32
	processFrames uint32
	holeFrames    uint32
	heapMiB       uint32
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	defaults := kmain.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "mmsim",
		Short: "Run the memkern memory manager on an emulated i386 machine",
		Long: `mmsim boots the memkern frame allocator, two-level pager and region
pools on an emulated 32-bit machine. Page faults raised by the emulated MMU
are serviced by the kernel's fault handler.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			klog.Init(klog.Options{
				Enabled: opts.verbose,
				Level:   slog.LevelDebug,
				Sink:    cmd.ErrOrStderr(),
			})
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log memory manager events to stderr")
	flags.BoolVar(&opts.jsonOut, "json", false, "Output in JSON format")
	flags.Uint32Var(&opts.ramMiB, "ram-mib", uint32(defaults.MemSize>>20), "Installed RAM in MiB")
	flags.Uint32Var(&opts.processFrames, "process-frames", defaults.ProcessPoolFrames, "Frames in the process pool")
	flags.Uint32Var(&opts.holeFrames, "hole-frames", defaults.HoleFrames, "Frames reserved by the memory hole")
	flags.Uint32Var(&opts.heapMiB, "heap-mib", defaults.HeapSize>>20, "Size of the heap region pool in MiB")

	cmd.AddCommand(newBootCmd(opts), newRunCmd(opts))
	return cmd
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// config returns the kernel layout selected by the flags.
func (opts *options) config() kmain.Config {
	cfg := kmain.DefaultConfig()
	cfg.MemSize = uint64(opts.ramMiB) << 20
	cfg.ProcessPoolFrames = opts.processFrames
	cfg.HoleFrames = opts.holeFrames
	cfg.HeapSize = opts.heapMiB << 20
	return cfg
}

// boot starts a system and routes the kernel console to w.
func (opts *options) boot(w io.Writer) (*kmain.System, error) {
	kfmt.SetOutputSink(w)

	sys, err := kmain.Boot(opts.config())
	if err != nil {
		kfmt.SetOutputSink(nil)
		return nil, fmt.Errorf("boot failed: %w", err)
	}
	return sys, nil
}

func shutdown(sys *kmain.System) {
	sys.Close()
	kfmt.SetOutputSink(nil)
}

// printJSON outputs data as JSON
func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// newPrinter returns a printer that groups digits in large numbers.
func newPrinter() *message.Printer {
	return message.NewPrinter(language.English)
}

func printPoolStats(p *message.Printer, w io.Writer, name string, stats kmain.PoolStats) {
	p.Fprintf(w, "  %-14s %d / %d frames free (%d KiB)\n",
		name+":", stats.Free, stats.Frames, uint64(stats.Free)*uint64(mm.FrameSize)>>10)
}
