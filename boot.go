package main

import (
	"os"

	"memkern/kernel/kfmt"
	"memkern/kernel/kmain"
)

// main attaches the console to stdout and hands control to the kernel entry
// point with the default memory layout.
//
// Kmain is not expected to return; once the machine has booted it reports
// the return as a kernel panic and halts the emulated processor.
func main() {
	kfmt.SetOutputSink(os.Stdout)
	kmain.Kmain(kmain.DefaultConfig())
}
