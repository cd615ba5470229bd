// Package kfmt routes kernel console output. Output written before a sink is
// attached is kept in a ring buffer and replayed once SetOutputSink is called.
package kfmt

import (
	"fmt"
	"io"
)

var (
	// earlyPrintBuffer stores Printf output while no sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the default target for calls to Printf. While no sink
// is attached the early ring buffer is returned.
func GetOutputSink() io.Writer {
	if outputSink == nil {
		return &earlyPrintBuffer
	}

	return outputSink
}

// Printf formats according to a format specifier and writes to the active
// output sink.
func Printf(format string, args ...interface{}) {
	Fprintf(GetOutputSink(), format, args...)
}

// Fprintf formats according to a format specifier and writes to w. Write
// errors are ignored; console output is best-effort.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}
