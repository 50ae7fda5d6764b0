// Package vmm manages the kernel page tables and the virtual address
// descriptors that track allocated virtual ranges.
package vmm

import (
	"aurora/kernel"
	"aurora/kernel/cpu"
	"aurora/kernel/kfmt"
	"aurora/kernel/mm"
	"aurora/kernel/sync"
	"unsafe"
)

// IdentityMapSize is the amount of physical memory mapped at boot, both at
// its physical address and at mm.KernelMirrorBase.
const IdentityMapSize = uintptr(1 << 30)

var (
	// tableFn returns a pointer to the page table stored in frame. Low
	// memory is identity mapped so the frame address can be dereferenced
	// directly. Tests override it to point into host memory.
	tableFn = func(frame mm.Frame) *pageTable {
		return (*pageTable)(unsafe.Pointer(frame.Address()))
	}

	// flushTLBEntryFn and switchPDTFn are mocked by tests as they fault
	// when called in user mode.
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT

	// nxSupported is set when EFER.NXE has been enabled. Without it the
	// NX bit is reserved and must not be set.
	nxSupported bool

	log = kfmt.Logger{Module: "vmm"}

	// ErrInvalidMapping is returned when looking up an address that is not mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Status: kernel.StatusInvalidParameter}

	errNonCanonical  = &kernel.Error{Module: "vmm", Message: "virtual address is not canonical", Status: kernel.StatusInvalidParameter}
	errNotAligned    = &kernel.Error{Module: "vmm", Message: "address is not aligned to a 2 MiB boundary", Status: kernel.StatusInvalidParameter}
	errNotLargeEntry = &kernel.Error{Module: "vmm", Message: "page directory entry does not map a 2 MiB page", Status: kernel.StatusNotSupported}
)

// SetNXSupported records whether the no-execute bit may be used.
func SetNXSupported(enabled bool) {
	nxSupported = enabled
}

// PageTables is a four-level AMD64 paging hierarchy whose leaves are 2 MiB
// pages held in the page directory level.
type PageTables struct {
	lock sync.Spinlock
	root mm.Frame
}

// NewPageTables allocates and clears a new top-level table.
func NewPageTables() (*PageTables, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}

	*tableFn(frame) = pageTable{}
	return &PageTables{root: frame}, nil
}

// Root returns the frame of the top-level table, i.e. the value loaded into CR3.
func (pt *PageTables) Root() mm.Frame {
	return pt.root
}

// Activate loads the tables into CR3.
func (pt *PageTables) Activate() {
	switchPDTFn(pt.root.Address())
}

// IdentityMapLowMemory maps the first IdentityMapSize bytes of physical
// memory at their physical addresses and again at mm.KernelMirrorBase.
func (pt *PageTables) IdentityMapLowMemory() *kernel.Error {
	flags := FlagPresent | FlagRW | FlagGlobal
	for pa := uintptr(0); pa < IdentityMapSize; pa += mm.LargePageSize {
		if err := pt.Map(pa, pa, flags); err != nil {
			return err
		}
		if err := pt.Map(mm.KernelMirrorBase+pa, pa, flags); err != nil {
			return err
		}
	}

	log.Printf("identity mapped %d MiB at 0x0 and 0x%16x", uint64(IdentityMapSize>>20), mm.KernelMirrorBase)
	return nil
}

// Map installs a 2 MiB mapping from virtAddr to physAddr. Both addresses
// must be 2 MiB aligned. Missing intermediate tables are allocated from the
// registered frame allocator and cleared. An existing mapping is replaced.
func (pt *PageTables) Map(virtAddr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	if !isCanonical(virtAddr) {
		return errNonCanonical
	}
	if virtAddr&(mm.LargePageSize-1) != 0 || physAddr&(mm.LargePageSize-1) != 0 {
		return errNotAligned
	}

	if !nxSupported {
		flags &^= FlagNoExecute
	}

	irql := pt.lock.Acquire()
	defer pt.lock.Release(irql)

	pde, err := pt.walk(virtAddr, true)
	if err != nil {
		return err
	}

	*pde = pageTableEntry(physAddr)
	pde.SetFlags(flags | FlagPresent | FlagHugePage)
	flushTLBEntryFn(virtAddr)
	return nil
}

// Unmap removes the 2 MiB mapping that contains virtAddr.
func (pt *PageTables) Unmap(virtAddr uintptr) *kernel.Error {
	if !isCanonical(virtAddr) {
		return errNonCanonical
	}

	irql := pt.lock.Acquire()
	defer pt.lock.Release(irql)

	pde, err := pt.leaf(virtAddr)
	if err != nil {
		return err
	}

	*pde = 0
	flushTLBEntryFn(virtAddr &^ (mm.LargePageSize - 1))
	return nil
}

// GetPhysical translates virtAddr to a physical address.
func (pt *PageTables) GetPhysical(virtAddr uintptr) (uintptr, *kernel.Error) {
	if !isCanonical(virtAddr) {
		return 0, errNonCanonical
	}

	irql := pt.lock.Acquire()
	defer pt.lock.Release(irql)

	pde, err := pt.leaf(virtAddr)
	if err != nil {
		return 0, err
	}

	return pde.LargePageAddress() + virtAddr&(mm.LargePageSize-1), nil
}

// IsMapped returns true if virtAddr is backed by a present mapping.
func (pt *PageTables) IsMapped(virtAddr uintptr) bool {
	_, err := pt.GetPhysical(virtAddr)
	return err == nil
}

// Flags returns the flags of the mapping that contains virtAddr.
func (pt *PageTables) Flags(virtAddr uintptr) (PageTableEntryFlag, *kernel.Error) {
	if !isCanonical(virtAddr) {
		return 0, errNonCanonical
	}

	irql := pt.lock.Acquire()
	defer pt.lock.Release(irql)

	pde, err := pt.leaf(virtAddr)
	if err != nil {
		return 0, err
	}

	return PageTableEntryFlag(uintptr(*pde) &^ pteLargePageMask), nil
}

// leaf returns the present 2 MiB entry for virtAddr.
func (pt *PageTables) leaf(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	pde, err := pt.walk(virtAddr, false)
	if err != nil {
		return nil, err
	}

	if !pde.HasFlags(FlagPresent) {
		return nil, ErrInvalidMapping
	}

	if !pde.HasFlags(FlagHugePage) {
		return nil, errNotLargeEntry
	}

	return pde, nil
}

// walk descends from the PML4 to the page directory entry for virtAddr. When
// create is set, missing tables are allocated.
func (pt *PageTables) walk(virtAddr uintptr, create bool) (*pageTableEntry, *kernel.Error) {
	table := tableFn(pt.root)

	for _, shift := range [...]uintptr{39, 30} {
		entry := &table[(virtAddr>>shift)&(entriesPerTable-1)]

		if !entry.HasFlags(FlagPresent) {
			if !create {
				return nil, ErrInvalidMapping
			}

			frame, err := mm.AllocFrame()
			if err != nil {
				return nil, err
			}
			*tableFn(frame) = pageTable{}

			// User access is decided by the leaf entry
			*entry = 0
			entry.SetFrame(frame)
			entry.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		} else if entry.HasFlags(FlagHugePage) {
			return nil, errNotLargeEntry
		}

		table = tableFn(entry.Frame())
	}

	return &table[(virtAddr>>21)&(entriesPerTable-1)], nil
}

// isCanonical returns true if bits 48-63 of addr replicate bit 47.
func isCanonical(addr uintptr) bool {
	upper := addr >> 47
	return upper == 0 || upper == (1<<17)-1
}
