// Package heap provides the kernel bump heap and the tagged pools that are
// carved out of it.
package heap

import (
	"aurora/kernel"
	"aurora/kernel/kfmt"
	"aurora/kernel/mm"
	"aurora/kernel/sync"
)

// DefaultSize is the size of the kernel heap region.
const DefaultSize = uintptr(4 * mm.Mb)

// allocAlign is the minimum alignment of heap allocations.
const allocAlign = uintptr(1 << mm.PointerShift)

var (
	log = kfmt.Logger{Module: "heap"}

	errHeapNotInitialized = &kernel.Error{Module: "heap", Message: "heap not initialized", Status: kernel.StatusNotInitialized}
	errHeapExhausted      = &kernel.Error{Module: "heap", Message: "heap exhausted", Status: kernel.StatusInsufficientResources}
	errHeapZeroSize       = &kernel.Error{Module: "heap", Message: "zero-size heap allocation", Status: kernel.StatusInvalidParameter}
	errHeapBadRegion      = &kernel.Error{Module: "heap", Message: "invalid heap region", Status: kernel.StatusInvalidParameter}
	errHeapBadAlignment   = &kernel.Error{Module: "heap", Message: "alignment must be a power of 2", Status: kernel.StatusInvalidParameter}
)

// Stats holds the heap counters.
type Stats struct {
	Allocations    uint64
	Deallocations  uint64
	BytesAllocated uint64
	Outstanding    uint64
}

// Heap is a bump allocator over a fixed region. Memory is never reused;
// Free only updates the counters.
type Heap struct {
	lock sync.Spinlock

	base, end, next uintptr
	stats           Stats
}

// Init sets up the heap over [base, base+size).
func (h *Heap) Init(base, size uintptr) *kernel.Error {
	if base == 0 || size == 0 || base+size < base {
		return errHeapBadRegion
	}

	h.base = base
	h.end = base + size
	h.next = mm.AlignUp(base, allocAlign)
	h.stats = Stats{}

	log.Printf("heap at 0x%x, %d KiB", base, uint64(size>>10))
	return nil
}

// Alloc reserves size bytes aligned to the pointer size.
func (h *Heap) Alloc(size uintptr) (uintptr, *kernel.Error) {
	return h.AllocAligned(size, allocAlign)
}

// AllocAligned reserves size bytes aligned to align.
func (h *Heap) AllocAligned(size, align uintptr) (uintptr, *kernel.Error) {
	if h.end == 0 {
		return 0, errHeapNotInitialized
	}
	if size == 0 {
		return 0, errHeapZeroSize
	}
	if align < allocAlign {
		align = allocAlign
	}
	if align&(align-1) != 0 {
		return 0, errHeapBadAlignment
	}

	irql := h.lock.Acquire()
	defer h.lock.Release(irql)

	addr := mm.AlignUp(h.next, align)
	if addr < h.next || addr > h.end || size > h.end-addr {
		return 0, errHeapExhausted
	}

	h.next = mm.AlignUp(addr+size, allocAlign)
	if h.next > h.end {
		h.next = h.end
	}
	h.stats.Allocations++
	h.stats.Outstanding++
	h.stats.BytesAllocated += uint64(size)
	return addr, nil
}

// AllocZero behaves like Alloc but clears the returned memory.
func (h *Heap) AllocZero(size uintptr) (uintptr, *kernel.Error) {
	addr, err := h.Alloc(size)
	if err != nil {
		return 0, err
	}

	kernel.Memset(addr, 0, size)
	return addr, nil
}

// Free releases an allocation. The bump design cannot reuse memory so only
// the counters change. Addresses outside the heap are ignored.
func (h *Heap) Free(addr uintptr) {
	if !h.Contains(addr) {
		return
	}

	irql := h.lock.Acquire()
	if h.stats.Outstanding > 0 {
		h.stats.Deallocations++
		h.stats.Outstanding--
	}
	h.lock.Release(irql)
}

// Contains returns true if addr lies inside the allocated part of the heap.
func (h *Heap) Contains(addr uintptr) bool {
	return addr >= h.base && addr < h.next
}

// Remaining returns the number of bytes that can still be allocated.
func (h *Heap) Remaining() uintptr {
	return h.end - h.next
}

// Stats returns a snapshot of the heap counters.
func (h *Heap) Stats() Stats {
	return h.stats
}
