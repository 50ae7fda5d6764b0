package vmm

import (
	"aurora/kernel/mm"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage marks a page directory entry that maps a 2 MiB page
	// instead of pointing to a page table.
	FlagHugePage

	// FlagGlobal prevents the TLB entry from being flushed on CR3 reloads.
	FlagGlobal

	// FlagNoExecute marks the page as non-executable. It is only honoured
	// when EFER.NXE is enabled.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

const (
	entriesPerTable = 512

	// ptePhysPageMask extracts the physical address (bits 12-51) of an entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// pteLargePageMask extracts the physical address of a 2 MiB leaf.
	pteLargePageMask = uintptr(0x000fffffffe00000)
)

// pageTableEntry encodes a physical address and a set of flags.
type pageTableEntry uintptr

// pageTable is one 4 KiB level of the paging hierarchy.
type pageTable [entriesPerTable]pageTableEntry

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the frame of the next-level table this entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the entry to point to the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = pageTableEntry((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// LargePageAddress returns the physical base of a 2 MiB leaf entry.
func (pte pageTableEntry) LargePageAddress() uintptr {
	return uintptr(pte) & pteLargePageMask
}
