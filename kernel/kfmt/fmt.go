// Package kfmt implements the diagnostic output used while the boot loader
// runs. Nothing in this package allocates, so it can be called before any
// module (including the one providing an allocator) has been linked.
package kfmt

import (
	"io"
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

	digits = "0123456789abcdef"

	// numFmtBuf holds a formatted number, filled from right to left. It has
	// room for maxBufSize-1 padded digits and a sign.
	numFmtBuf [maxBufSize + 1]byte

	// singleByte is used as a shared buffer for passing single characters
	// to doWrite.
	singleByte = []byte(" ")

	// earlyPrintBuffer captures Printf output until an output sink (usually
	// the debug serial port) is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer that receives Printf output. While nil,
	// output is kept in earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and flushes
// any output accumulated in the early print buffer into it. If the buffer
// wrapped, a line reporting how many bytes were lost precedes the flushed
// output.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w == nil {
		return
	}

	if lost := earlyPrintBuffer.dropped; lost != 0 {
		earlyPrintBuffer.dropped = 0
		Fprintf(w, "[kfmt] %d bytes of early output lost\n", lost)
	}
	earlyPrintBuffer.WriteTo(w)
}

// Printf provides a minimal Printf implementation that can be safely used
// before any allocator exists. It supports the following subset of the fmt
// verbs:
//
//	%s  string or []byte
//	%o  integer, base 8
//	%d  integer, base 10
//	%x  integer, base 16 with lower-case letters
//	%t  boolean
//
// An optional decimal width may precede the verb. Strings and base-10 numbers
// are left-padded with spaces; base-8 and base-16 numbers are left-padded with
// zeroes.
//
// Arguments of any other type print as %!(WRONGTYPE); Printf never consults
// fmt.Stringer since doing so would pull in reflection.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		padLen   int
		fmtLen   = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		padLen = 0
	parseVerb:
		for i++; ; i++ {
			if i == fmtLen {
				doWrite(w, errNoVerb)
				break
			}

			ch := format[i]
			switch {
			case ch == '%':
				writeByte(w, '%')
				break parseVerb
			case ch >= '0' && ch <= '9':
				padLen = padLen*10 + int(ch-'0')
			case ch == 'd' || ch == 'x' || ch == 'o' || ch == 's' || ch == 't':
				if argIndex >= len(args) {
					doWrite(w, errMissingArg)
					break parseVerb
				}

				arg := args[argIndex]
				argIndex++

				switch ch {
				case 'o':
					fmtInt(w, arg, 8, padLen)
				case 'd':
					fmtInt(w, arg, 10, padLen)
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

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

// fmtString prints a string or []byte value, left-padded to padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch s := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(s))
		// converting the string to a byte slice would allocate
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		fmtRepeat(w, ' ', padLen-len(s))
		doWrite(w, s)
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

// fmtInt prints v in the requested base applying the padding specified by
// padLen. All built-in integer types are supported.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
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

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	end := len(numFmtBuf)
	start := end
	for {
		start--
		numFmtBuf[start] = digits[uval%uint64(base)]
		if uval /= uint64(base); uval == 0 {
			break
		}
	}

	for end-start < padLen {
		start--
		numFmtBuf[start] = padCh
	}

	// The sign replaces the blank closest to the digits; when there is no
	// blank padding it is prepended.
	if neg {
		firstDigit := start
		for numFmtBuf[firstDigit] == ' ' {
			firstDigit++
		}

		if firstDigit == start {
			start--
			firstDigit = start + 1
		}
		numFmtBuf[firstDigit-1] = '-'
	}

	doWrite(w, numFmtBuf[start:end])
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

// doWrite hides p from escape analysis. Without it the compiler assumes that
// p escapes through the unknown io.Writer and every Printf call would
// allocate to box its arguments.
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
