package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize).
	PageShift = uintptr(12)

	// PageSize is the size of a small page and of a physical frame.
	PageSize = uintptr(1 << PageShift)

	// LargePageShift is equal to log2(LargePageSize).
	LargePageShift = uintptr(21)

	// LargePageSize is the size of the pages used by the kernel page tables.
	LargePageSize = uintptr(1 << LargePageShift)

	// KernelMirrorBase is the start of the higher-half alias of the
	// identity-mapped physical memory.
	KernelMirrorBase = uintptr(0xffff800000000000)

	// UserSpaceLimit is the first address that is not part of the user half
	// of the canonical address space.
	UserSpaceLimit = uintptr(0x0000800000000000)
)
