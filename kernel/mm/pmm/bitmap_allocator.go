// Package pmm implements the physical frame allocator.
package pmm

import (
	"aurora/kernel"
	"aurora/kernel/boot"
	"aurora/kernel/kfmt"
	"aurora/kernel/mm"
	"aurora/kernel/mm/vmm"
	"aurora/kernel/sync"
	"unsafe"
)

var (
	// corruptionFn is invoked when the allocator detects an attempt to free
	// frames it never handed out. It is mocked by tests.
	corruptionFn = func(err *kernel.Error) { kfmt.Panic(err) }

	log = kfmt.Logger{Module: "pmm"}

	errZeroSizeRequest = &kernel.Error{Module: "pmm", Message: "zero-size frame request", Status: kernel.StatusInvalidParameter}
	errOutOfMemory     = &kernel.Error{Module: "pmm", Message: "out of physical memory", Status: kernel.StatusInsufficientResources}
	errNotInitialized  = &kernel.Error{Module: "pmm", Message: "frame allocator not initialized", Status: kernel.StatusNotInitialized}
	errMisaligned      = &kernel.Error{Module: "pmm", Message: "physical address is not page aligned", Status: kernel.StatusInvalidParameter}
	errOutOfRange      = &kernel.Error{Module: "pmm", Message: "frame range lies outside of managed memory", Status: kernel.StatusInvalidParameter}
	errFreeUnowned     = &kernel.Error{Module: "pmm", Message: "attempt to free unowned frames; bitmap corrupted", Status: kernel.StatusInvalidParameter}
	errNoAvailable     = &kernel.Error{Module: "pmm", Message: "memory map contains no available regions", Status: kernel.StatusInsufficientResources}
	errNoBitmapSpace   = &kernel.Error{Module: "pmm", Message: "no free region can hold the allocator bitmaps", Status: kernel.StatusInsufficientResources}
	errBadAlignment    = &kernel.Error{Module: "pmm", Message: "alignment must be a power of 2", Status: kernel.StatusInvalidParameter}
)

// bitmapCeiling bounds the placement of the bitmaps so that they stay
// reachable through the identity mapping once the kernel page tables are
// active.
const bitmapCeiling = vmm.IdentityMapSize

// Region is a range of physical memory.
type Region struct {
	Base uintptr
	Size uintptr
}

func (r Region) overlaps(base, size uintptr) bool {
	return r.Size != 0 && base < r.Base+r.Size && r.Base < base+size
}

// Stats reports page counts. Only pages that belong to available regions
// are counted so that AllocatedPages+AvailablePages == TotalPages.
type Stats struct {
	TotalPages     uint64
	AvailablePages uint64
	AllocatedPages uint64
}

// BitmapAllocator tracks physical frames with one bit per frame. A set bit
// marks a frame as allocated. Frames outside available regions stay set for
// the lifetime of the allocator.
type BitmapAllocator struct {
	lock sync.Spinlock

	// allocated has a bit per frame in [0, maxPage); bits past maxPage
	// in the last word are permanently set.
	allocated []uint32

	// usable marks frames that belong to available regions. Only these
	// may ever be handed out or freed.
	usable []uint32

	// storage holds both bitmaps. It is carved out of available memory
	// and stays allocated.
	storage Region

	maxPage uint64
	stats   Stats
}

// Init builds the bitmap from the memory map. Available regions are rounded
// inward to whole pages; every other region type stays allocated.
//
// The bitmaps are stored in the highest available frames below the identity
// mapping limit that do not overlap any of the busy regions. The busy
// regions (the kernel image, the initrd and other memory that is in use
// before the allocator exists) are reserved once the bitmaps are built.
func (alloc *BitmapAllocator) Init(descs []boot.MemoryDescriptor, busy ...Region) *kernel.Error {
	var maxPage uint64
	for _, desc := range descs {
		if desc.Type != boot.MemAvailable {
			continue
		}
		if end := (desc.BaseAddress + desc.Length) >> mm.PageShift; end > maxPage {
			maxPage = end
		}
	}

	if maxPage == 0 {
		return errNoAvailable
	}

	words := (maxPage + 31) / 32
	storageSize := mm.AlignUp(uintptr(words)*8, mm.PageSize)
	storageBase, found := placeBitmaps(descs, storageSize, busy)
	if !found {
		return errNoBitmapSpace
	}

	mem := mm.PhysMem(storageBase, storageSize)
	alloc.allocated = unsafe.Slice((*uint32)(unsafe.Pointer(&mem[0])), words)
	alloc.usable = unsafe.Slice((*uint32)(unsafe.Pointer(&mem[words*4])), words)
	alloc.storage = Region{Base: storageBase, Size: storageSize}
	alloc.maxPage = maxPage
	alloc.stats = Stats{}

	for i := range alloc.allocated {
		alloc.allocated[i] = 0xffffffff
		alloc.usable[i] = 0
	}

	pageMask := uint64(mm.PageSize - 1)
	for _, desc := range descs {
		if desc.Type != boot.MemAvailable {
			continue
		}

		first := (desc.BaseAddress + pageMask) >> mm.PageShift
		end := (desc.BaseAddress + desc.Length) >> mm.PageShift
		for page := first; page < end; page++ {
			// overlapping descriptors must not be counted twice
			if testBit(alloc.usable, page) {
				continue
			}
			setBit(alloc.usable, page)
			clearBit(alloc.allocated, page)
			alloc.stats.TotalPages++
		}
	}

	alloc.stats.AvailablePages = alloc.stats.TotalPages
	alloc.reserve(alloc.storage)
	for _, r := range busy {
		alloc.reserve(r)
	}

	log.Printf("managing %d pages (%d KiB) across %d descriptors; bitmaps at 0x%x", alloc.stats.TotalPages, alloc.stats.TotalPages*uint64(mm.PageSize)>>10, uint64(len(descs)), storageBase)
	return nil
}

// placeBitmaps returns the highest page-aligned address of a size-byte
// range inside an available region that ends below bitmapCeiling and does
// not overlap a busy region. Page 0 is never used.
func placeBitmaps(descs []boot.MemoryDescriptor, size uintptr, busy []Region) (uintptr, bool) {
	var (
		best  uintptr
		found bool
	)

	for _, desc := range descs {
		if desc.Type != boot.MemAvailable || desc.BaseAddress >= uint64(bitmapCeiling) {
			continue
		}

		start := mm.AlignUp(uintptr(desc.BaseAddress), mm.PageSize)
		if start == 0 {
			start = mm.PageSize
		}
		end := bitmapCeiling
		if top := desc.BaseAddress + desc.Length; top < uint64(bitmapCeiling) {
			end = mm.AlignDown(uintptr(top), mm.PageSize)
		}

		// walk down from the top of the region, skipping busy ranges
		for end > start && end-start >= size {
			base := end - size
			if r, hit := firstOverlap(busy, base, size); hit {
				end = mm.AlignDown(r.Base, mm.PageSize)
				continue
			}

			if !found || base > best {
				best, found = base, true
			}
			break
		}
	}

	return best, found
}

func firstOverlap(regions []Region, base, size uintptr) (Region, bool) {
	for _, r := range regions {
		if r.overlaps(base, size) {
			return r, true
		}
	}
	return Region{}, false
}

// Storage returns the physical range that holds the allocator bitmaps.
func (alloc *BitmapAllocator) Storage() Region {
	return alloc.storage
}

// AllocatePhysical reserves the first run of pageCount consecutive free
// frames and returns the physical address of the first one.
func (alloc *BitmapAllocator) AllocatePhysical(pageCount uint64) (uintptr, *kernel.Error) {
	if pageCount == 0 {
		return 0, errZeroSizeRequest
	}
	if alloc.allocated == nil {
		return 0, errNotInitialized
	}

	irql := alloc.lock.Acquire()
	defer alloc.lock.Release(irql)

	first, found := alloc.findFreeRun(pageCount, 1)
	if !found {
		return 0, errOutOfMemory
	}

	for page := first; page < first+pageCount; page++ {
		setBit(alloc.allocated, page)
	}
	alloc.stats.AllocatedPages += pageCount
	alloc.stats.AvailablePages -= pageCount

	return uintptr(first << mm.PageShift), nil
}

// AllocatePhysicalAligned works like AllocatePhysical but the first frame
// of the run is a multiple of alignPages frames. alignPages must be a power
// of 2.
func (alloc *BitmapAllocator) AllocatePhysicalAligned(pageCount, alignPages uint64) (uintptr, *kernel.Error) {
	if pageCount == 0 {
		return 0, errZeroSizeRequest
	}
	if alignPages == 0 || alignPages&(alignPages-1) != 0 {
		return 0, errBadAlignment
	}
	if alloc.allocated == nil {
		return 0, errNotInitialized
	}

	irql := alloc.lock.Acquire()
	defer alloc.lock.Release(irql)

	first, found := alloc.findFreeRun(pageCount, alignPages)
	if !found {
		return 0, errOutOfMemory
	}

	for page := first; page < first+pageCount; page++ {
		setBit(alloc.allocated, page)
	}
	alloc.stats.AllocatedPages += pageCount
	alloc.stats.AvailablePages -= pageCount

	return uintptr(first << mm.PageShift), nil
}

// findFreeRun performs a first-fit scan for a run that starts at a multiple
// of alignPages. Fully allocated words are skipped.
func (alloc *BitmapAllocator) findFreeRun(pageCount, alignPages uint64) (uint64, bool) {
	var runStart, runLen uint64

	for page := uint64(0); page < alloc.maxPage; {
		if page&31 == 0 && alloc.allocated[page>>5] == 0xffffffff {
			runLen = 0
			page += 32
			continue
		}

		if testBit(alloc.allocated, page) {
			runLen = 0
			page++
			continue
		}

		if runLen == 0 {
			if page&(alignPages-1) != 0 {
				// jump to the next aligned frame
				page = (page + alignPages) &^ (alignPages - 1)
				continue
			}
			runStart = page
		}
		runLen++
		if runLen == pageCount {
			return runStart, true
		}
		page++
	}

	return 0, false
}

// FreePhysical releases pageCount frames starting at physAddr. Every target
// frame must have been handed out by the allocator; otherwise the bitmap is
// left untouched, the corruption handler is invoked and an error is returned.
func (alloc *BitmapAllocator) FreePhysical(physAddr uintptr, pageCount uint64) *kernel.Error {
	if pageCount == 0 {
		return errZeroSizeRequest
	}
	if alloc.allocated == nil {
		return errNotInitialized
	}
	if physAddr&(mm.PageSize-1) != 0 {
		return errMisaligned
	}

	first := uint64(physAddr >> mm.PageShift)
	if first >= alloc.maxPage || pageCount > alloc.maxPage-first {
		return errOutOfRange
	}

	irql := alloc.lock.Acquire()
	for page := first; page < first+pageCount; page++ {
		if !testBit(alloc.allocated, page) || !testBit(alloc.usable, page) {
			alloc.lock.Release(irql)
			corruptionFn(errFreeUnowned)
			return errFreeUnowned
		}
	}

	for page := first; page < first+pageCount; page++ {
		clearBit(alloc.allocated, page)
	}
	alloc.stats.AllocatedPages -= pageCount
	alloc.stats.AvailablePages += pageCount
	alloc.lock.Release(irql)

	return nil
}

// Reserve marks the free frames in [physAddr, physAddr+pageCount pages) as
// allocated. It is used for memory that is in use before the allocator is
// initialized such as the kernel image and the boot data. Frames that are
// already allocated or not part of an available region are skipped.
func (alloc *BitmapAllocator) Reserve(physAddr uintptr, pageCount uint64) *kernel.Error {
	if alloc.allocated == nil {
		return errNotInitialized
	}

	irql := alloc.lock.Acquire()
	alloc.reservePages(uint64(physAddr>>mm.PageShift), pageCount)
	alloc.lock.Release(irql)
	return nil
}

// reserve marks the frames touched by r as allocated. The caller must hold
// the lock or own the allocator exclusively.
func (alloc *BitmapAllocator) reserve(r Region) {
	if r.Size == 0 {
		return
	}
	first := uint64(r.Base >> mm.PageShift)
	last := uint64((r.Base + r.Size - 1) >> mm.PageShift)
	alloc.reservePages(first, last-first+1)
}

func (alloc *BitmapAllocator) reservePages(first, pageCount uint64) {
	for page := first; page < first+pageCount && page < alloc.maxPage; page++ {
		if testBit(alloc.allocated, page) || !testBit(alloc.usable, page) {
			continue
		}
		setBit(alloc.allocated, page)
		alloc.stats.AllocatedPages++
		alloc.stats.AvailablePages--
	}
}

// AllocFrame allocates a single frame. Its signature matches
// mm.FrameAllocatorFn so the allocator can back page-table allocations.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	addr, err := alloc.AllocatePhysical(1)
	if err != nil {
		return mm.InvalidFrame, err
	}
	return mm.FrameFromAddress(addr), nil
}

// IsAllocated returns true if the frame containing physAddr is allocated or
// not managed by the allocator.
func (alloc *BitmapAllocator) IsAllocated(physAddr uintptr) bool {
	page := uint64(physAddr >> mm.PageShift)
	if page >= alloc.maxPage {
		return true
	}
	return testBit(alloc.allocated, page)
}

// Stats returns a snapshot of the allocator counters.
func (alloc *BitmapAllocator) Stats() Stats {
	return alloc.stats
}

func testBit(bitmap []uint32, bit uint64) bool {
	return bitmap[bit>>5]&(1<<(bit&31)) != 0
}

func setBit(bitmap []uint32, bit uint64) {
	bitmap[bit>>5] |= 1 << (bit & 31)
}

func clearBit(bitmap []uint32, bit uint64) {
	bitmap[bit>>5] &^= 1 << (bit & 31)
}
