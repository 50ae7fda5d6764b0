package vmm

import (
	"aurora/kernel"
	"aurora/kernel/mm"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePhysMem struct {
	tables  []pageTable
	flushed []uintptr
	loaded  []uintptr
}

// setupFakeMMU redirects table accesses to host memory and records TLB
// flushes and CR3 loads.
func setupFakeMMU(t *testing.T, maxFrames int) *fakePhysMem {
	mem := &fakePhysMem{tables: make([]pageTable, 0, maxFrames)}

	origTableFn, origFlush, origSwitch, origNX := tableFn, flushTLBEntryFn, switchPDTFn, nxSupported
	t.Cleanup(func() {
		tableFn, flushTLBEntryFn, switchPDTFn, nxSupported = origTableFn, origFlush, origSwitch, origNX
		mm.SetFrameAllocator(nil)
	})

	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
		if len(mem.tables) == cap(mem.tables) {
			return mm.InvalidFrame, &kernel.Error{Module: "test", Message: "out of frames", Status: kernel.StatusInsufficientResources}
		}
		// fill with garbage to verify new tables are cleared
		var dirty pageTable
		for i := range dirty {
			dirty[i] = pageTableEntry(0xdeadbeef)
		}
		mem.tables = append(mem.tables, dirty)
		return mm.Frame(len(mem.tables)), nil
	})
	tableFn = func(frame mm.Frame) *pageTable {
		return &mem.tables[frame-1]
	}
	flushTLBEntryFn = func(addr uintptr) { mem.flushed = append(mem.flushed, addr) }
	switchPDTFn = func(addr uintptr) { mem.loaded = append(mem.loaded, addr) }

	return mem
}

func TestMapTranslate(t *testing.T) {
	mem := setupFakeMMU(t, 8)

	pt, err := NewPageTables()
	require.Nil(t, err)

	va := uintptr(0x40000000) // PML4 0, PDPT 1, PD 0
	pa := uintptr(0x600000)
	require.Nil(t, pt.Map(va, pa, FlagRW))

	assert.Len(t, mem.tables, 3, "root plus one PDPT and one PD")
	assert.Equal(t, []uintptr{va}, mem.flushed)

	got, err := pt.GetPhysical(va + 0x1234)
	require.Nil(t, err)
	assert.Equal(t, pa+0x1234, got)
	assert.True(t, pt.IsMapped(va+mm.LargePageSize-1))
	assert.False(t, pt.IsMapped(va+0x200000))

	flags, err := pt.Flags(va)
	require.Nil(t, err)
	assert.Equal(t, FlagPresent|FlagRW|FlagHugePage, flags)

	// intermediate entries are present and cleared tables contain no garbage
	pml4e := mem.tables[0][0]
	assert.True(t, pml4e.HasFlags(FlagPresent|FlagRW|FlagUserAccessible))
	pdpt := tableFn(pml4e.Frame())
	assert.Equal(t, pageTableEntry(0), pdpt[0])
	assert.True(t, pdpt[1].HasFlags(FlagPresent))
	pd := tableFn(pdpt[1].Frame())
	assert.Equal(t, pageTableEntry(pa)|pageTableEntry(FlagPresent|FlagRW|FlagHugePage), pd[0])
	assert.Equal(t, pageTableEntry(0), pd[1])
}

func TestMapReplaceAndUnmap(t *testing.T) {
	mem := setupFakeMMU(t, 8)

	pt, err := NewPageTables()
	require.Nil(t, err)

	va := mm.KernelMirrorBase + 0x200000
	require.Nil(t, pt.Map(va, 0x200000, FlagRW))
	require.Nil(t, pt.Map(va, 0x400000, FlagUserAccessible))

	got, err := pt.GetPhysical(va)
	require.Nil(t, err)
	assert.Equal(t, uintptr(0x400000), got)

	flags, _ := pt.Flags(va)
	assert.Equal(t, FlagPresent|FlagUserAccessible|FlagHugePage, flags)

	require.Nil(t, pt.Unmap(va+0x10))
	assert.False(t, pt.IsMapped(va))
	assert.Equal(t, va, mem.flushed[len(mem.flushed)-1])

	_, err = pt.GetPhysical(va)
	assert.Equal(t, ErrInvalidMapping, err)
	assert.Equal(t, ErrInvalidMapping, pt.Unmap(va))
	assert.Equal(t, ErrInvalidMapping, pt.Unmap(0x200000), "no intermediate tables for this address")
}

func TestMapErrors(t *testing.T) {
	setupFakeMMU(t, 2)

	pt, err := NewPageTables()
	require.Nil(t, err)

	assert.Equal(t, errNonCanonical, pt.Map(0x0000900000000000, 0, FlagRW))
	assert.Equal(t, errNonCanonical, pt.Unmap(0x0000900000000000))
	_, err = pt.GetPhysical(0x0000900000000000)
	assert.Equal(t, errNonCanonical, err)
	_, err = pt.Flags(0x0000900000000000)
	assert.Equal(t, errNonCanonical, err)

	assert.Equal(t, errNotAligned, pt.Map(0x1000, 0, FlagRW))
	assert.Equal(t, errNotAligned, pt.Map(0, 0x1000, FlagRW))

	// one frame left: the PDPT fits but the PD does not
	err = pt.Map(0, 0, FlagRW)
	require.NotNil(t, err)
	assert.Equal(t, kernel.StatusInsufficientResources, err.Status)
}

func TestNoExecute(t *testing.T) {
	setupFakeMMU(t, 4)

	pt, err := NewPageTables()
	require.Nil(t, err)

	SetNXSupported(false)
	require.Nil(t, pt.Map(0, 0, FlagRW|FlagNoExecute))
	flags, _ := pt.Flags(0)
	assert.Zero(t, flags&FlagNoExecute, "NX is reserved without EFER.NXE")

	SetNXSupported(true)
	require.Nil(t, pt.Map(0, 0, FlagRW|FlagNoExecute))
	flags, _ = pt.Flags(0)
	assert.NotZero(t, flags&FlagNoExecute)
}

func TestIdentityMapLowMemory(t *testing.T) {
	mem := setupFakeMMU(t, 8)

	pt, err := NewPageTables()
	require.Nil(t, err)
	require.Nil(t, pt.IdentityMapLowMemory())

	// root + PDPT/PD for the identity map + PDPT/PD for the mirror
	assert.Len(t, mem.tables, 5)

	for _, pa := range []uintptr{0, 0x1234, 0x200000, IdentityMapSize - 1} {
		got, err := pt.GetPhysical(pa)
		require.Nil(t, err)
		assert.Equal(t, pa, got)

		got, err = pt.GetPhysical(mm.KernelMirrorBase + pa)
		require.Nil(t, err)
		assert.Equal(t, pa, got)
	}

	assert.False(t, pt.IsMapped(IdentityMapSize))
	assert.False(t, pt.IsMapped(mm.KernelMirrorBase+IdentityMapSize))

	pt.Activate()
	assert.Equal(t, []uintptr{pt.Root().Address()}, mem.loaded)
}

func TestIsCanonical(t *testing.T) {
	specs := []struct {
		addr uintptr
		exp  bool
	}{
		{0, true},
		{0x00007fffffffffff, true},
		{0x0000800000000000, false},
		{0xffff7fffffffffff, false},
		{0xffff800000000000, true},
		{0xffffffffffffffff, true},
	}

	for _, spec := range specs {
		assert.Equal(t, spec.exp, isCanonical(spec.addr), "addr 0x%x", spec.addr)
	}
}
