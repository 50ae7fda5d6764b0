// Package kfmt implements the kernel console output path: an allocation-free
// Printf, an early ring buffer that captures output until a sink is attached,
// per-subsystem loggers and the kernel panic handler.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize defines the scratch buffer size for formatting numbers.
const numBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numBuf = make([]byte, numBufSize+1)

	// oneByte is a shared buffer for emitting single characters.
	oneByte = []byte(" ")

	// earlyBuf captures output while no sink is attached.
	earlyBuf ringBuffer

	// outputSink receives the output of Printf. While nil, output is
	// buffered in earlyBuf.
	outputSink io.Writer
)

// SetOutputSink routes Printf output to w and replays any output that was
// buffered before a sink became available.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyBuf)
	}
}

// GetOutputSink returns the currently attached sink. It returns nil while
// output is still being buffered.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf is a minimal printf that is safe to call before the kernel heap is
// online. It never allocates.
//
// Supported verbs:
//
//	%s  string or []byte
//	%d  base 10 integer
//	%o  base 8 integer
//	%x  base 16 integer (lower-case)
//	%c  single byte
//	%t  boolean
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base-8 and base-16 integers are
// left-padded with zeroes.
//
// Pointers (%p) are not supported since formatting them requires reflect,
// whose use makes the compiler emit allocating interface conversions.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		ch         byte
		argIndex   int
		start, pos int
		width      int
		fmtLen     = len(format)
	)

	for pos < fmtLen {
		if format[pos] != '%' {
			pos++
			continue
		}

		writeLiteral(w, format, start, pos)

		width = 0
		pos++
	verb:
		for ; pos < fmtLen; pos++ {
			ch = format[pos]
			switch {
			case ch == '%':
				writeByte(w, '%')
				break verb
			case ch >= '0' && ch <= '9':
				width = width*10 + int(ch-'0')
				continue
			case ch == 'd' || ch == 'x' || ch == 'o' || ch == 's' || ch == 't' || ch == 'c':
				if argIndex >= len(args) {
					doWrite(w, errMissingArg)
					break verb
				}

				switch ch {
				case 'o':
					fmtInt(w, args[argIndex], 8, width)
				case 'd':
					fmtInt(w, args[argIndex], 10, width)
				case 'x':
					fmtInt(w, args[argIndex], 16, width)
				case 's':
					fmtString(w, args[argIndex], width)
				case 't':
					fmtBool(w, args[argIndex])
				case 'c':
					fmtChar(w, args[argIndex])
				}

				argIndex++
				break verb
			}

			// the verb is not supported or the format ended early
			doWrite(w, errNoVerb)
		}
		start, pos = pos+1, pos+1
	}

	writeLiteral(w, format, start, pos)

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

// writeLiteral emits format[from:to]. Slicing the format string into a byte
// slice allocates so the bytes are emitted one at a time.
func writeLiteral(w io.Writer, format string, from, to int) {
	if to > len(format) {
		to = len(format)
	}
	for i := from; i < to; i++ {
		writeByte(w, format[i])
	}
}

func writeByte(w io.Writer, b byte) {
	oneByte[0] = b
	doWrite(w, oneByte)
}

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

func fmtChar(w io.Writer, v interface{}) {
	switch c := v.(type) {
	case byte:
		writeByte(w, c)
	case rune:
		if c > 0x7f {
			c = '?'
		}
		writeByte(w, byte(c))
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtString emits a string or byte slice, left-padded with spaces up to width.
func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		fmtRepeat(w, ' ', width-len(s))
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		fmtRepeat(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtRepeat(w io.Writer, ch byte, count int) {
	for i := 0; i < count; i++ {
		writeByte(w, ch)
	}
}

// fmtInt emits v in the requested base applying the padding specified by
// width. All built-in integer types are supported.
func fmtInt(w io.Writer, v interface{}, base, width int) {
	var (
		neg         bool
		uval        uint64
		padCh       byte = '0'
		left, right int
	)

	if width >= numBufSize {
		width = numBufSize - 1
	}

	if base == 10 {
		padCh = ' '
	}

	switch n := v.(type) {
	case uint8:
		uval = uint64(n)
	case uint16:
		uval = uint64(n)
	case uint32:
		uval = uint64(n)
	case uint64:
		uval = n
	case uintptr:
		uval = uint64(n)
	case uint:
		uval = uint64(n)
	case int8:
		neg, uval = splitSigned(int64(n))
	case int16:
		neg, uval = splitSigned(int64(n))
	case int32:
		neg, uval = splitSigned(int64(n))
	case int64:
		neg, uval = splitSigned(n)
	case int:
		neg, uval = splitSigned(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	// Digits are produced least significant first and reversed at the end
	for right < numBufSize {
		digit := byte(uval % uint64(base))
		if digit < 10 {
			numBuf[right] = digit + '0'
		} else {
			numBuf[right] = digit - 10 + 'a'
		}
		right++

		if uval /= uint64(base); uval == 0 {
			break
		}
	}

	for ; right < width; right++ {
		numBuf[right] = padCh
	}

	// The sign replaces the leftmost space of the padding if there is one
	if neg {
		signAt := right
		for signAt > 0 && numBuf[signAt-1] == ' ' {
			signAt--
		}
		if signAt == right {
			right++
		}
		numBuf[signAt] = '-'
	}

	end := right
	for right--; left < right; left, right = left+1, right-1 {
		numBuf[left], numBuf[right] = numBuf[right], numBuf[left]
	}

	doWrite(w, numBuf[:end])
}

func splitSigned(v int64) (bool, uint64) {
	if v < 0 {
		return true, uint64(-v)
	}
	return false, uint64(v)
}

// doWrite hides p from escape analysis. Passing p straight to an unknown
// io.Writer makes the compiler move it to the heap which would turn every
// Printf call into an allocation.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyBuf.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. Copied from runtime/stubs.go.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
