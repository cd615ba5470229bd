// Package klog provides structured event logging for the memory manager.
// Records are rendered as text and written to the kfmt console sink.
package klog

import (
	"io"
	"log/slog"

	"memkern/kernel/kfmt"
)

// L is the global logger instance. It discards all output until Init is
// called with Enabled set.
var L = slog.New(slog.NewTextHandler(io.Discard, nil))

// Options configures the logger.
type Options struct {
	Enabled bool       // If false, all logging is discarded
	Level   slog.Level // Minimum log level
	Sink    io.Writer  // Destination; defaults to the kfmt output sink
}

// Init configures structured logging.
func Init(opts Options) {
	if !opts.Enabled {
		L = slog.New(slog.NewTextHandler(io.Discard, nil))
		return
	}

	sink := opts.Sink
	if sink == nil {
		sink = consoleSink{}
	}

	L = slog.New(slog.NewTextHandler(sink, &slog.HandlerOptions{
		Level: opts.Level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			// Console output has no wall clock worth printing.
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	}))
}

// For returns a logger that tags every record with the given subsystem.
func For(subsystem string) *slog.Logger {
	return L.With("sys", subsystem)
}

// consoleSink resolves the kfmt sink on every write so that logs follow the
// console when it is attached after Init.
type consoleSink struct{}

func (consoleSink) Write(p []byte) (int, error) {
	return kfmt.GetOutputSink().Write(p)
}
