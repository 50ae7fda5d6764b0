package goruntime

import (
	"aurora/kernel"
	"unsafe"
)

const (
	// tableMagic marks a redirect table that was never populated. The
	// redirects tool looks for it before overwriting the table in the
	// kernel image.
	tableMagic = uintptr(0x7269646572746f67)

	maxRedirects = 32

	// trampolineSize is the length of "movabs r12, imm64; jmp r12".
	trampolineSize = 13
)

// redirect maps the address of a runtime function to the address of its
// kernel replacement.
type redirect struct {
	src uintptr
	dst uintptr
}

var (
	// redirectTable is filled in by the redirects tool after the kernel is
	// linked. A zero entry ends the list.
	redirectTable = [maxRedirects]redirect{{src: tableMagic, dst: tableMagic}}

	// patchFn copies code over the first bytes of the function at addr.
	// Tests point it at host buffers.
	patchFn = func(addr uintptr, code []byte) {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(code)), code)
	}

	errRedirectsMissing = &kernel.Error{Module: "goruntime", Message: "redirect table was not populated by the build", Status: kernel.StatusNotInitialized}
)

// trampoline encodes an absolute jump to dst. R12 is not used to pass
// arguments so it can be clobbered at function entry.
func trampoline(dst uintptr) [trampolineSize]byte {
	code := [trampolineSize]byte{0x49, 0xbc} // movabs r12, imm64
	for i := 0; i < 8; i++ {
		code[2+i] = byte(dst >> (8 * uint(i)))
	}
	code[10], code[11], code[12] = 0x41, 0xff, 0xe4 // jmp r12
	return code
}

// installRedirects patches every entry of the redirect table and returns
// the number of patched functions.
func installRedirects() (int, *kernel.Error) {
	if redirectTable[0].src == tableMagic {
		return 0, errRedirectsMissing
	}

	var count int
	for _, r := range redirectTable {
		if r.src == 0 {
			break
		}
		code := trampoline(r.dst)
		patchFn(r.src, code[:])
		count++
	}
	return count, nil
}
