// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
//
// The runtime expects an operating system underneath it. The functions in
// this package replace the runtime's OS memory and clock primitives with
// implementations on top of the kernel page tables and frame allocator. The
// replacement happens at boot by patching a jump to the kernel version into
// the first bytes of each runtime function listed in the redirect table.
package goruntime

import (
	"aurora/kernel"
	"aurora/kernel/hal"
	"aurora/kernel/kfmt"
	"aurora/kernel/mm"
	"aurora/kernel/mm/vmm"
	"aurora/kernel/sync"
	"unsafe"
)

const (
	// HeapBase is the start of the virtual window that backs the Go heap.
	HeapBase = uintptr(0xffffc00000000000)

	// HeapSize bounds the address space handed to the Go allocator.
	HeapSize = uintptr(64 << 30)

	// largePageFrames is the number of 4 KiB frames behind a 2 MiB mapping.
	largePageFrames = uint64(mm.LargePageSize >> mm.PageShift)
)

// Mapper installs 2 MiB mappings in the active page tables.
type Mapper interface {
	Map(virtAddr, physAddr uintptr, flags vmm.PageTableEntryFlag) *kernel.Error
	IsMapped(virtAddr uintptr) bool
}

// FrameSource hands out runs of physical frames.
type FrameSource interface {
	AllocatePhysicalAligned(pageCount, alignPages uint64) (uintptr, *kernel.Error)
}

var (
	mallocInitFn    = mallocInit
	randInitFn      = randInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit

	memsetFn   = kernel.Memset
	nanotimeFn = hal.Nanotime
	panicFn    = kfmt.Panic

	log = kfmt.Logger{Module: "goruntime"}

	errNoHeapSpace = &kernel.Error{Module: "goruntime", Message: "Go heap window exhausted", Status: kernel.StatusInsufficientResources}
	errNotReady    = &kernel.Error{Module: "goruntime", Message: "no page tables registered for the Go heap", Status: kernel.StatusNotInitialized}

	heap heapWindow
)

// heapWindow is a bump allocator for the virtual range that backs the Go
// heap. Address space is never returned.
type heapWindow struct {
	lock   sync.Spinlock
	next   uintptr
	mapper Mapper
	frames FrameSource
}

// reserve returns size bytes of address space rounded up to 2 MiB. If hint
// is non-zero, the hint is returned when it lies in the unused part of the
// window. Hints outside the window yield 0 so that the runtime moves on to
// its next candidate.
func (w *heapWindow) reserve(hint, size uintptr) uintptr {
	size = mm.AlignUp(size, mm.LargePageSize)

	irql := w.lock.Acquire()
	defer w.lock.Release(irql)

	if w.next == 0 {
		w.next = HeapBase
	}

	start := w.next
	if hint != 0 {
		if hint < w.next || hint&(mm.LargePageSize-1) != 0 {
			return 0
		}
		start = hint
	}

	if start < HeapBase || size > HeapBase+HeapSize-start {
		return 0
	}

	w.next = start + size
	return start
}

// mapRange backs every 2 MiB page that overlaps [addr, addr+size) with
// zeroed physical memory. Pages that are already mapped are kept.
func (w *heapWindow) mapRange(addr, size uintptr) *kernel.Error {
	if size == 0 {
		return nil
	}
	if w.mapper == nil || w.frames == nil {
		return errNotReady
	}

	flags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute
	end := mm.AlignUp(addr+size, mm.LargePageSize)
	for page := mm.AlignDown(addr, mm.LargePageSize); page < end; page += mm.LargePageSize {
		if w.mapper.IsMapped(page) {
			continue
		}

		phys, err := w.frames.AllocatePhysicalAligned(largePageFrames, largePageFrames)
		if err != nil {
			return err
		}
		if err = w.mapper.Map(page, phys, flags); err != nil {
			return err
		}
		memsetFn(page, 0, mm.LargePageSize)
	}

	return nil
}

// sysReserveOS reserves address space without allocating any memory or
// establishing any page mappings.
//
//go:redirect-from runtime.sysReserveOS
//go:nosplit
func sysReserveOS(v unsafe.Pointer, n uintptr) unsafe.Pointer {
	return unsafe.Pointer(heap.reserve(uintptr(v), n))
}

// sysMapOS backs a range previously returned by sysReserveOS with memory.
// Running out of physical memory is fatal.
//
//go:redirect-from runtime.sysMapOS
//go:nosplit
func sysMapOS(v unsafe.Pointer, n uintptr) {
	if err := heap.mapRange(uintptr(v), n); err != nil {
		panicFn(err)
	}
}

// sysAllocOS reserves and maps a fresh region. It returns nil when either
// step fails.
//
//go:redirect-from runtime.sysAllocOS
//go:nosplit
func sysAllocOS(n uintptr) unsafe.Pointer {
	addr := heap.reserve(0, n)
	if addr == 0 {
		return nil
	}
	if err := heap.mapRange(addr, n); err != nil {
		return nil
	}
	return unsafe.Pointer(addr)
}

// Memory is never returned to the frame allocator and there is no paging,
// so the runtime's usage hints are ignored.

//go:redirect-from runtime.sysUsedOS
//go:nosplit
func sysUsedOS(v unsafe.Pointer, n uintptr) {}

//go:redirect-from runtime.sysUnusedOS
//go:nosplit
func sysUnusedOS(v unsafe.Pointer, n uintptr) {}

//go:redirect-from runtime.sysFreeOS
//go:nosplit
func sysFreeOS(v unsafe.Pointer, n uintptr) {}

//go:redirect-from runtime.sysFaultOS
//go:nosplit
func sysFaultOS(v unsafe.Pointer, n uintptr) {}

//go:redirect-from runtime.sysHugePageOS
//go:nosplit
func sysHugePageOS(v unsafe.Pointer, n uintptr) {}

//go:redirect-from runtime.sysNoHugePageOS
//go:nosplit
func sysNoHugePageOS(v unsafe.Pointer, n uintptr) {}

//go:redirect-from runtime.sysHugePageCollapseOS
//go:nosplit
func sysHugePageCollapseOS(v unsafe.Pointer, n uintptr) {}

// nanotime returns a monotonically increasing clock value derived from the
// timer tick count.
//
//go:nosplit
func nanotime() int64 {
	return nanotimeFn()
}

// nanotime1 is implemented in assembly. It calls nanotime and returns its
// result using the stack based calling convention of the runtime function
// it replaces.
//
//go:redirect-from runtime.nanotime1
func nanotime1() int64

// readRandom fills r from the kernel entropy source.
//
//go:redirect-from runtime.readRandom
func readRandom(r []byte) int {
	n, _ := hal.Entropy{}.Read(r)
	return n
}

// Init registers the page tables and frame source that back the Go heap,
// patches the runtime functions listed in the redirect table and enables
// support for various Go runtime features. After a call to Init the
// following runtime features become available for use:
//   - heap memory allocation (new, make e.t.c)
//   - map primitives
//   - interfaces
func Init(mapper Mapper, frames FrameSource) *kernel.Error {
	heap.mapper = mapper
	heap.frames = frames

	count, err := installRedirects()
	if err != nil {
		return err
	}
	log.Printf("installed %d runtime redirects; Go heap at 0x%16x", uint64(count), HeapBase)

	mallocInitFn()
	randInitFn()      // seeds the runtime generator via readRandom
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the linker does not discard the redirect targets.
	// Zero sizes leave the heap window untouched.
	zeroPtr := unsafe.Pointer(uintptr(0))

	sysReserveOS(zeroPtr, 0)
	sysMapOS(zeroPtr, 0)
	sysAllocOS(0)
	sysUsedOS(zeroPtr, 0)
	sysUnusedOS(zeroPtr, 0)
	sysFreeOS(zeroPtr, 0)
	sysFaultOS(zeroPtr, 0)
	sysHugePageOS(zeroPtr, 0)
	sysNoHugePageOS(zeroPtr, 0)
	sysHugePageCollapseOS(zeroPtr, 0)
	readRandom(nil)
	_ = nanotime1()
}
