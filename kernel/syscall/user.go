package syscall

import (
	"aurora/kernel"
	"aurora/kernel/mm"
	"aurora/kernel/mm/vmm"
	"unsafe"
)

var (
	errNullPointer    = &kernel.Error{Module: "syscall", Message: "null user pointer", Status: kernel.StatusAccessViolation}
	errZeroLength     = &kernel.Error{Module: "syscall", Message: "zero-length user buffer", Status: kernel.StatusInvalidParameter}
	errPointerWrap    = &kernel.Error{Module: "syscall", Message: "user buffer wraps around the address space", Status: kernel.StatusAccessViolation}
	errKernelPointer  = &kernel.Error{Module: "syscall", Message: "user buffer reaches into kernel space", Status: kernel.StatusAccessViolation}
	errNotAccessible  = &kernel.Error{Module: "syscall", Message: "user buffer is not accessible", Status: kernel.StatusAccessViolation}
	errEmptyKernelBuf = &kernel.Error{Module: "syscall", Message: "empty kernel buffer", Status: kernel.StatusInvalidParameter}
)

// ValidateUserPointer checks that [addr, addr+size) is a non-empty range
// that lies entirely in the user half of the address space. When space is
// not nil the range must also be covered by descriptors that grant want and
// user access.
func ValidateUserPointer(space *vmm.AddressSpace, addr, size uintptr, want vmm.Protection) *kernel.Error {
	switch {
	case addr == 0:
		return errNullPointer
	case size == 0:
		return errZeroLength
	case addr+size < addr:
		return errPointerWrap
	case addr+size > mm.UserSpaceLimit:
		return errKernelPointer
	}

	if space != nil && !space.IsAccessible(addr, size, want|vmm.ProtUser) {
		return errNotAccessible
	}
	return nil
}

// ValidateUserPointer checks a user range against the gate's address space.
func (g *Gate) ValidateUserPointer(addr, size uintptr, want vmm.Protection) *kernel.Error {
	return ValidateUserPointer(g.space, addr, size, want)
}

// CopyFromUser fills dst with len(dst) bytes read from the user address
// src.
func (g *Gate) CopyFromUser(dst []byte, src uintptr) *kernel.Error {
	if len(dst) == 0 {
		return errEmptyKernelBuf
	}
	if err := g.ValidateUserPointer(src, uintptr(len(dst)), vmm.ProtRead); err != nil {
		return err
	}

	kernel.Memcopy(src, uintptr(unsafe.Pointer(&dst[0])), uintptr(len(dst)))
	return nil
}

// CopyToUser writes src to the user address dst.
func (g *Gate) CopyToUser(dst uintptr, src []byte) *kernel.Error {
	if len(src) == 0 {
		return errEmptyKernelBuf
	}
	if err := g.ValidateUserPointer(dst, uintptr(len(src)), vmm.ProtWrite); err != nil {
		return err
	}

	kernel.Memcopy(uintptr(unsafe.Pointer(&src[0])), dst, uintptr(len(src)))
	return nil
}
