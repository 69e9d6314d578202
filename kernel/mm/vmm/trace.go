package vmm

import "github.com/fossabot/nebulet/kernel/kfmt"

var (
	traceEnabled bool
	traceWriter  = kfmt.PrefixWriter{Prefix: []byte("[vmm] ")}
)

// SetTrace enables or disables logging of every mapping operation performed
// through a PageMapper or LockedPageMapper. Trace output is sent to the kfmt
// output sink that is active when SetTrace is called.
func SetTrace(enabled bool) {
	traceEnabled = enabled
	traceWriter.Sink = kfmt.GetOutputSink()
}

func tracef(format string, args ...interface{}) {
	if traceEnabled {
		kfmt.Fprintf(&traceWriter, format, args...)
	}
}
