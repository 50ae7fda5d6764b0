package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of small pages needed to hold s bytes.
func (s Size) Pages() uint64 {
	return (uint64(s) + uint64(PageSize) - 1) >> PageShift
}

// AlignUp rounds addr up to the next multiple of align, which must be a power
// of 2.
func AlignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// AlignDown rounds addr down to a multiple of align, which must be a power of
// 2.
func AlignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}
