package kfmt

import (
	"bytes"
	"errors"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		descr  string
		chunks []string
		exp    string
	}{
		{
			"nothing written",
			nil,
			"",
		},
		{
			"empty line",
			[]string{"\n"},
			"[vmm] \n",
		},
		{
			"single line",
			[]string{"unmap 0x0000000000002000\n"},
			"[vmm] unmap 0x0000000000002000\n",
		},
		{
			"line split across writes",
			[]string{"map 0x", "0000000000003000", " -> 0xd000", " (flags: 0x1, batch)\n"},
			"[vmm] map 0x0000000000003000 -> 0xd000 (flags: 0x1, batch)\n",
		},
		{
			"several lines in one write",
			[]string{"remap 0x0000000000001000 (flags: 0x3)\nunmap 0x0000000000001000\n"},
			"[vmm] remap 0x0000000000001000 (flags: 0x3)\n[vmm] unmap 0x0000000000001000\n",
		},
		{
			"unterminated line continues with the next write",
			[]string{"page tables reachable", " via P4 slot 511\nself-test", " passed"},
			"[vmm] page tables reachable via P4 slot 511\n[vmm] self-test passed",
		},
	}

	for specIndex, spec := range specs {
		var buf bytes.Buffer
		w := PrefixWriter{Sink: &buf, Prefix: []byte("[vmm] ")}

		for _, chunk := range spec.chunks {
			wrote, err := w.Write([]byte(chunk))
			if err != nil {
				t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			}

			if wrote != len(chunk) {
				t.Errorf("[spec %d] expected writer to report %d bytes for %q; got %d", specIndex, len(chunk), chunk, wrote)
			}
		}

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] %s: expected output:\n%q\ngot:\n%q", specIndex, spec.descr, spec.exp, got)
		}
	}
}

func TestPrefixWriterWithFprintf(t *testing.T) {
	var (
		buf bytes.Buffer
		w   = PrefixWriter{Sink: &buf, Prefix: []byte("[vmm] ")}
	)

	// Fprintf emits literal text one byte at a time
	Fprintf(&w, "map 0x%16x -> 0x%x (flags: 0x%x)\n", uintptr(0x2000), uintptr(0x5000), uintptr(1))
	Fprintf(&w, "unmap 0x%16x\n", uintptr(0x2000))

	exp := "[vmm] map 0x0000000000002000 -> 0x5000 (flags: 0x1)\n[vmm] unmap 0x0000000000002000\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected output:\n%q\ngot:\n%q", exp, got)
	}
}

// limitWriter accepts up to limit bytes and fails every write after that.
type limitWriter struct {
	buf   bytes.Buffer
	limit int
	err   error
}

func (w *limitWriter) Write(p []byte) (int, error) {
	if w.buf.Len()+len(p) > w.limit {
		return 0, w.err
	}
	return w.buf.Write(p)
}

func TestPrefixWriterErrors(t *testing.T) {
	expErr := errors.New("console detached")

	specs := []struct {
		descr      string
		limit      int
		input      string
		expWritten int
	}{
		{"prefix rejected", 0, "unmap 0x1000\n", 0},
		{"first line rejected", 8, "unmap 0x1000\n", 0},
		{"second prefix rejected", 19, "unmap 0x1000\nunmap 0x2000\n", 13},
		{"second line rejected", 25, "unmap 0x1000\nunmap 0x2000\n", 13},
	}

	for specIndex, spec := range specs {
		sink := &limitWriter{limit: spec.limit, err: expErr}
		w := PrefixWriter{Sink: sink, Prefix: []byte("[vmm] ")}

		written, err := w.Write([]byte(spec.input))
		if err != expErr {
			t.Errorf("[spec %d] %s: expected error %v; got %v", specIndex, spec.descr, expErr, err)
		}

		if written != spec.expWritten {
			t.Errorf("[spec %d] %s: expected %d bytes of input to be reported as written; got %d", specIndex, spec.descr, spec.expWritten, written)
		}
	}
}
