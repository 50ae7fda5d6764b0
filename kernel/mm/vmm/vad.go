package vmm

import (
	"aurora/kernel"
	"aurora/kernel/mm"
	"aurora/kernel/sync"
)

// Protection describes the access rights of a virtual range.
type Protection uint8

// Protection flags.
const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExecute
	ProtUser
)

// ProtReadWrite is a shorthand for read and write access.
const ProtReadWrite = ProtRead | ProtWrite

// String implements fmt.Stringer for Protection.
func (p Protection) String() string {
	buf := []byte("----")
	for i, flag := range [...]struct {
		p  Protection
		ch byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExecute, 'x'}, {ProtUser, 'u'}} {
		if p&flag.p != 0 {
			buf[i] = flag.ch
		}
	}
	return string(buf)
}

// VadKind describes what backs a virtual range.
type VadKind uint8

// Descriptor kinds.
const (
	VadPrivate VadKind = iota
	VadMapped
)

// Vad is a virtual address descriptor; it records one allocated range.
type Vad struct {
	Base       uintptr
	Size       uintptr
	Protection Protection
	Kind       VadKind

	next *Vad
}

// Contains returns true if addr falls within the descriptor.
func (v *Vad) Contains(addr uintptr) bool {
	return addr >= v.Base && addr-v.Base < v.Size
}

// Pages returns the number of pages spanned by the descriptor.
func (v *Vad) Pages() uint64 {
	return uint64(v.Size >> mm.PageShift)
}

// RegionAllocator provides the memory that backs virtual allocations.
type RegionAllocator interface {
	AllocAligned(size, align uintptr) (uintptr, *kernel.Error)
	Free(addr uintptr)
}

// VirtualStats reports the page counters of an address space.
type VirtualStats struct {
	AllocatedPages uint64
	AvailablePages uint64
	Descriptors    uint64
}

var (
	errZeroSize     = &kernel.Error{Module: "vmm", Message: "zero-size virtual allocation", Status: kernel.StatusInvalidParameter}
	errVadNotFound  = &kernel.Error{Module: "vmm", Message: "no descriptor starts at the supplied address", Status: kernel.StatusNotFound}
	errOverlap      = &kernel.Error{Module: "vmm", Message: "virtual range overlaps an existing descriptor", Status: kernel.StatusInvalidParameter}
	errNoAllocator  = &kernel.Error{Module: "vmm", Message: "address space has no backing allocator", Status: kernel.StatusNotInitialized}
	errOutOfVirtual = &kernel.Error{Module: "vmm", Message: "virtual address space exhausted", Status: kernel.StatusInsufficientResources}
)

// AddressSpace keeps the list of descriptors for the ranges that have been
// handed out. Ranges are page aligned and never overlap.
type AddressSpace struct {
	lock sync.Spinlock

	backing    RegionAllocator
	tables     *PageTables
	head       *Vad
	count      uint64
	allocPages uint64
	totalPages uint64
}

// NewAddressSpace returns an address space whose ranges come from backing.
// capacity bounds the number of bytes that may be allocated; tables may be
// nil when no page tables are associated with the space.
func NewAddressSpace(backing RegionAllocator, capacity uintptr, tables *PageTables) *AddressSpace {
	return &AddressSpace{
		backing:    backing,
		tables:     tables,
		totalPages: uint64(capacity >> mm.PageShift),
	}
}

// PageTables returns the page tables associated with the space.
func (as *AddressSpace) PageTables() *PageTables {
	return as.tables
}

// AllocateVirtual reserves a page-aligned range of at least size bytes with
// the requested protection and prepends a descriptor for it.
func (as *AddressSpace) AllocateVirtual(size uintptr, prot Protection) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errZeroSize
	}
	if as.backing == nil {
		return 0, errNoAllocator
	}

	size = mm.AlignUp(size, mm.PageSize)
	pages := uint64(size >> mm.PageShift)

	irql := as.lock.Acquire()
	defer as.lock.Release(irql)

	if as.allocPages+pages > as.totalPages {
		return 0, errOutOfVirtual
	}

	base, err := as.backing.AllocAligned(size, mm.PageSize)
	if err != nil {
		return 0, err
	}

	for v := as.head; v != nil; v = v.next {
		if base < v.Base+v.Size && v.Base < base+size {
			as.backing.Free(base)
			return 0, errOverlap
		}
	}

	as.head = &Vad{Base: base, Size: size, Protection: prot, Kind: VadPrivate, next: as.head}
	as.count++
	as.allocPages += pages
	return base, nil
}

// FreeVirtual removes the descriptor that starts exactly at base and
// returns its range to the backing allocator.
func (as *AddressSpace) FreeVirtual(base uintptr) *kernel.Error {
	irql := as.lock.Acquire()
	defer as.lock.Release(irql)

	for link := &as.head; *link != nil; link = &(*link).next {
		v := *link
		if v.Base != base {
			continue
		}

		*link = v.next
		as.count--
		as.allocPages -= v.Pages()
		as.backing.Free(base)
		return nil
	}

	return errVadNotFound
}

// Query returns a copy of the descriptor that contains addr.
func (as *AddressSpace) Query(addr uintptr) (Vad, bool) {
	irql := as.lock.Acquire()
	defer as.lock.Release(irql)

	for v := as.head; v != nil; v = v.next {
		if v.Contains(addr) {
			found := *v
			found.next = nil
			return found, true
		}
	}

	return Vad{}, false
}

// Protect changes the protection of the descriptor starting at base and
// returns the previous protection.
func (as *AddressSpace) Protect(base uintptr, prot Protection) (Protection, *kernel.Error) {
	irql := as.lock.Acquire()
	defer as.lock.Release(irql)

	for v := as.head; v != nil; v = v.next {
		if v.Base == base {
			old := v.Protection
			v.Protection = prot
			return old, nil
		}
	}

	return 0, errVadNotFound
}

// IsAccessible returns true if [addr, addr+size) is entirely covered by
// descriptors that grant all of the requested rights.
func (as *AddressSpace) IsAccessible(addr, size uintptr, want Protection) bool {
	if size == 0 || addr+size < addr {
		return false
	}

	irql := as.lock.Acquire()
	defer as.lock.Release(irql)

	for cur, end := addr, addr+size; cur < end; {
		v := as.find(cur)
		if v == nil || v.Protection&want != want {
			return false
		}
		cur = v.Base + v.Size
	}

	return true
}

func (as *AddressSpace) find(addr uintptr) *Vad {
	for v := as.head; v != nil; v = v.next {
		if v.Contains(addr) {
			return v
		}
	}
	return nil
}

// Walk invokes fn for each descriptor in list order until fn returns false.
// fn runs with the address space locked and must not call back into it.
func (as *AddressSpace) Walk(fn func(Vad) bool) {
	irql := as.lock.Acquire()
	defer as.lock.Release(irql)

	for v := as.head; v != nil; v = v.next {
		snapshot := *v
		snapshot.next = nil
		if !fn(snapshot) {
			return
		}
	}
}

// Stats returns the page counters of the space.
func (as *AddressSpace) Stats() VirtualStats {
	return VirtualStats{
		AllocatedPages: as.allocPages,
		AvailablePages: as.totalPages - as.allocPages,
		Descriptors:    as.count,
	}
}
