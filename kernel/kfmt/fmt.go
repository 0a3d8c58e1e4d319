// Package kfmt provides allocation-free formatted output and the kernel panic
// path.
package kfmt

import (
	"io"
	"strconv"
	"unsafe"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// numFmtBuf holds the digits of the number being formatted. Its
	// capacity is fixed so strconv never needs to grow it.
	numFmtBuf [maxBufSize]byte

	// singleByte is used as a shared buffer for passing single characters
	// to doWrite.
	singleByte = []byte(" ")

	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
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

// Printf provides a minimal Printf implementation that does not allocate
// memory and can therefore be used by the allocators themselves.
//
// The following subset of the fmt verbs is supported:
//
//	%s the uninterpreted bytes of a string or byte slice
//	%d base 10 integer
//	%o base 8 integer
//	%x base 16 integer, lower-case a-f
//	%t "true" or "false"
//	%% a literal percent sign
//
// Width is specified by an optional decimal number immediately preceding the
// verb. Strings and base-10 integers are left-padded with spaces; base-8 and
// base-16 integers are left-padded with zeroes.
//
// Output is written to the sink registered via SetOutputSink. Until a sink is
// registered, output is kept in a ring buffer.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		nextArgIndex int
		padLen       int
		fmtLen       = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			// slicing the format string would trigger an allocation
			// when it gets converted to a byte slice.
			singleByte[0] = format[i]
			doWrite(w, singleByte)
			continue
		}

		padLen = 0
	parseVerb:
		for i++; ; i++ {
			if i >= fmtLen {
				doWrite(w, errNoVerb)
				break
			}

			ch := format[i]
			switch {
			case ch == '%':
				singleByte[0] = '%'
				doWrite(w, singleByte)
				break parseVerb
			case ch >= '0' && ch <= '9':
				padLen = padLen*10 + int(ch-'0')
			case ch == 'd' || ch == 'o' || ch == 'x' || ch == 's' || ch == 't':
				if nextArgIndex >= len(args) {
					doWrite(w, errMissingArg)
					break parseVerb
				}

				arg := args[nextArgIndex]
				nextArgIndex++
				switch ch {
				case 'd':
					fmtInt(w, arg, 10, padLen)
				case 'o':
					fmtInt(w, arg, 8, padLen)
				case 'x':
					fmtInt(w, arg, 16, padLen)
				case 's':
					fmtString(w, arg, padLen)
				case 't':
					fmtBool(w, arg)
				}
				break parseVerb
			default:
				doWrite(w, errNoVerb)
				break parseVerb
			}
		}
	}

	for ; nextArgIndex < len(args); nextArgIndex++ {
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

// fmtString prints a formatted version of string or []byte value v, applying
// the padding specified by padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		for i := 0; i < len(castedVal); i++ {
			singleByte[0] = castedVal[i]
			doWrite(w, singleByte)
		}
	case []byte:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		doWrite(w, castedVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtRepeat writes count bytes with value ch.
func fmtRepeat(w io.Writer, ch byte, count int) {
	singleByte[0] = ch
	for i := 0; i < count; i++ {
		doWrite(w, singleByte)
	}
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen. All built-in signed and unsigned integer
// types are supported.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	var (
		uval     uint64
		negative bool
	)

	switch t := v.(type) {
	case uint8:
		uval = uint64(t)
	case uint16:
		uval = uint64(t)
	case uint32:
		uval = uint64(t)
	case uint64:
		uval = t
	case uint:
		uval = uint64(t)
	case uintptr:
		uval = uint64(t)
	case int8:
		uval, negative = magnitude(int64(t))
	case int16:
		uval, negative = magnitude(int64(t))
	case int32:
		uval, negative = magnitude(int64(t))
	case int64:
		uval, negative = magnitude(t)
	case int:
		uval, negative = magnitude(int64(t))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if padLen > maxBufSize {
		padLen = maxBufSize
	}

	digits := strconv.AppendUint(numFmtBuf[:0], uval, base)
	width := len(digits)
	if negative {
		width++
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	// Space padding goes before the sign; zero padding goes after it.
	if padCh == ' ' {
		fmtRepeat(w, ' ', padLen-width)
	}
	if negative {
		singleByte[0] = '-'
		doWrite(w, singleByte)
	}
	if padCh == '0' {
		fmtRepeat(w, '0', padLen-width)
	}

	doWrite(w, digits)
}

// magnitude splits v into its absolute value and sign.
func magnitude(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

// doWrite hides p from the compiler's escape analysis. Without this, the call
// through the yet unknown io.Writer makes the compiler flag p as escaping and
// every Printf call would end up allocating.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
