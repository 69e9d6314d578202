// Package kfmt provides formatted output and panic reporting for kernel code
// that cannot rely on the fmt package or on a working heap.
package kfmt

import "io"

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

const digits = "0123456789abcdef"

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// numFmtBuf and singleByte are shared scratch buffers. Writing them
	// does not allocate as they are not stack-allocated slices.
	numFmtBuf  [maxBufSize]byte
	singleByte = []byte(" ")

	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is registered.
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
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the writer currently receiving Printf output.
func GetOutputSink() io.Writer {
	if outputSink == nil {
		return &earlyPrintBuffer
	}
	return outputSink
}

// Printf provides a minimal Printf implementation that does not allocate
// memory for its output. It supports the following subset of formatting
// verbs:
//
//	%s the uninterpreted bytes of a string or byte slice
//	%d base 10
//	%o base 8
//	%x base 16, with lower-case letters for a-f
//	%t "true" or "false"
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base-8 and base-16 integers are
// left-padded with zeroes.
//
// Output goes to the sink registered via SetOutputSink or to an internal
// ring buffer if no sink is registered yet.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
	)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		for width, i = 0, i+1; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 'd', 'o', 'x', 's', 't':
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		switch arg := args[argIndex]; verb {
		case 'd':
			fmtInt(w, arg, 10, width)
		case 'o':
			fmtInt(w, arg, 8, width)
		case 'x':
			fmtInt(w, arg, 16, width)
		case 's':
			fmtString(w, arg, width)
		case 't':
			fmtBool(w, arg)
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case bVal:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

// fmtString prints a string or []byte value v left-padded to width.
func fmtString(w io.Writer, v interface{}, width int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', width-len(castedVal))
		// converting the string to a byte slice triggers a memory allocation
		// so we need to do this one byte at a time.
		for i := 0; i < len(castedVal); i++ {
			writeByte(w, castedVal[i])
		}
	case []byte:
		fmtRepeat(w, ' ', width-len(castedVal))
		doWrite(w, castedVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtRepeat writes count bytes with value ch.
func fmtRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// fmtInt prints v in the requested base left-padded to width. All built-in
// signed and unsigned integer types are supported.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		uval uint64
		neg  bool
	)

	switch n := v.(type) {
	case uint8:
		uval = uint64(n)
	case uint16:
		uval = uint64(n)
	case uint32:
		uval = uint64(n)
	case uint64:
		uval = n
	case uint:
		uval = uint64(n)
	case uintptr:
		uval = uint64(n)
	case int8:
		uval, neg = absInt(int64(n))
	case int16:
		uval, neg = absInt(int64(n))
	case int32:
		uval, neg = absInt(int64(n))
	case int64:
		uval, neg = absInt(n)
	case int:
		uval, neg = absInt(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if width >= maxBufSize {
		width = maxBufSize - 1
	}

	pos := maxBufSize
	for {
		pos--
		numFmtBuf[pos] = digits[uval%base]
		if uval /= base; uval == 0 {
			break
		}
	}

	// Base-10 values keep the sign next to the digits; zero-padded values
	// emit the sign before the padding.
	padCh, signLen := byte('0'), 0
	if base == 10 {
		padCh = ' '
		if neg {
			pos--
			numFmtBuf[pos] = '-'
		}
	} else if neg {
		signLen = 1
	}

	for maxBufSize-pos+signLen < width {
		pos--
		numFmtBuf[pos] = padCh
	}

	if signLen != 0 {
		pos--
		numFmtBuf[pos] = '-'
	}

	doWrite(w, numFmtBuf[pos:])
}

func absInt(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte)
}

func doWrite(w io.Writer, p []byte) {
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}
