package mm

import "unsafe"

// PhysMemFn returns a byte slice that covers size bytes of physical memory
// starting at physAddr.
type PhysMemFn func(physAddr, size uintptr) []byte

// directPhysMem relies on the identity mapping set up by the loader and
// kept by the kernel page tables.
func directPhysMem(physAddr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(physAddr)), size)
}

var physMem PhysMemFn = directPhysMem

// SetPhysMemFn replaces the function used to access physical memory. Passing
// nil restores direct access through the identity mapping.
func SetPhysMemFn(fn PhysMemFn) {
	if fn == nil {
		fn = directPhysMem
	}
	physMem = fn
}

// PhysMem returns a byte slice that covers size bytes of physical memory
// starting at physAddr.
func PhysMem(physAddr, size uintptr) []byte {
	return physMem(physAddr, size)
}
