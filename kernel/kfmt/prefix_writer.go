package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	// midLine is true when the last written byte was not a line feed.
	midLine bool
}

// Write writes len(p) bytes from p to the underlying sink, emitting Prefix
// before the first byte of every line. The injected prefix is not included
// in the returned byte count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for start := 0; start < len(p); {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		end := start
		for end < len(p) && p[end] != '\n' {
			end++
		}
		if end < len(p) {
			// include the line feed; the next byte starts a new line
			end++
			w.midLine = false
		}

		n, err := w.Sink.Write(p[start:end])
		written += n
		if err != nil {
			return written, err
		}
		start = end
	}

	return written, nil
}
