package kmain

import (
	"aurora/kernel"
	"aurora/kernel/boot"
	"aurora/kernel/fs"
	"aurora/kernel/hal"
	"aurora/kernel/io"
	"aurora/kernel/io/block"
	"aurora/kernel/io/console"
	"aurora/kernel/io/pci"
	"aurora/kernel/kfmt"
	"aurora/kernel/mm"
	"aurora/kernel/mm/heap"
	"aurora/kernel/mm/pmm"
	"aurora/kernel/mm/vmm"
	"aurora/kernel/sched"
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bootFixture keeps the host buffers referenced by a boot info block alive.
type bootFixture struct {
	info   *boot.Info
	memMap []byte
	initrd []byte
	heap   []byte
	hz     uint32
	out    bytes.Buffer

	runtimeInits int
}

// hostPhysMem backs physical memory accesses with host buffers.
func hostPhysMem(t *testing.T) {
	mm.SetPhysMemFn(func(_, size uintptr) []byte { return make([]byte, size) })
	t.Cleanup(func() { mm.SetPhysMemFn(nil) })
}

func hostAddr(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func newBootFixture(t *testing.T, cmdLine string, initrd []byte) *bootFixture {
	f := &bootFixture{
		memMap: boot.EncodeMemoryMap([]boot.MemoryDescriptor{
			{BaseAddress: 0, Length: 640 * uint64(mm.Kb), Type: boot.MemAvailable},
			{BaseAddress: uint64(mm.Mb), Length: 63 * uint64(mm.Mb), Type: boot.MemAvailable},
			{BaseAddress: 0xfec00000, Length: uint64(mm.Mb), Type: boot.MemReserved},
		}),
		initrd: initrd,
		heap:   make([]byte, heap.DefaultSize),
	}

	f.info = &boot.Info{
		Magic:                boot.Magic,
		Version:              boot.Version,
		Flags:                boot.FlagEFI,
		MemoryMapSize:        uint32(len(f.memMap)),
		MemoryMapAddress:     hostAddr(f.memMap),
		MemoryDescriptorSize: boot.MemoryDescriptorSize,
		KernelPhysicalBase:   uint64(2 * mm.Mb),
		KernelSize:           uint64(mm.Mb),
		CmdLine:              cmdLine,
	}
	if len(initrd) != 0 {
		f.info.InitrdPhysicalBase = hostAddr(initrd)
		f.info.InitrdSize = uint64(len(initrd))
	}

	origHalInit, origPaging, origHeap, origRuntime := halInitFn, setupPagingFn, heapRegionFn, goruntimeInitFn
	origLevel := kfmt.GetLevel()
	t.Cleanup(func() {
		halInitFn, setupPagingFn, heapRegionFn, goruntimeInitFn = origHalInit, origPaging, origHeap, origRuntime
		hal.SetTickHandler(nil)
		io.SetGraphicsInfo(nil)
		block.ConfigureRamDisk(0, nil)
		block.SetATAProbe(true)
		pci.SetProbe(true)
		kfmt.SetLevel(origLevel)
		kfmt.SetOutputSink(nil)
	})

	halInitFn = func(hz uint32) *kernel.Error {
		f.hz = hz
		return nil
	}
	setupPagingFn = func() (*vmm.PageTables, *kernel.Error) { return nil, nil }
	goruntimeInitFn = func(*Kernel) *kernel.Error {
		f.runtimeInits++
		return nil
	}
	hostPhysMem(t)
	heapRegionFn = func(*Kernel) (uintptr, uintptr, *kernel.Error) {
		return uintptr(hostAddr(f.heap)), uintptr(len(f.heap)), nil
	}
	kfmt.SetOutputSink(&f.out)

	return f
}

func TestBoot(t *testing.T) {
	f := newBootFixture(t, "timer.hz=250 sched.slice=5 loglevel=3 noata nopci", nil)

	var k Kernel
	require.Nil(t, k.Boot(f.info))

	assert.Equal(t, uint32(250), f.hz)
	assert.Equal(t, kfmt.LevelDebug, kfmt.GetLevel())

	stats := k.Frames.Stats()
	assert.Equal(t, uint64((640*mm.Kb+63*mm.Mb)>>mm.PageShift), stats.TotalPages)
	// the kernel image and one page of allocator bitmaps
	assert.Equal(t, uint64(mm.Mb>>mm.PageShift)+1, stats.AllocatedPages)
	assert.True(t, k.Frames.IsAllocated(uintptr(2*mm.Mb)))
	assert.True(t, k.Frames.IsAllocated(uintptr(3*mm.Mb-1)))
	assert.False(t, k.Frames.IsAllocated(uintptr(3*mm.Mb)))
	assert.Equal(t, pmm.Region{Base: uintptr(64*mm.Mb) - mm.PageSize, Size: mm.PageSize}, k.Frames.Storage())
	assert.Equal(t, 1, f.runtimeInits)

	require.True(t, k.Sched.Enabled())
	idle, err := k.Sched.ThreadByID(0)
	require.Nil(t, err)
	assert.Equal(t, uint32(5), idle.TimeSlice)
	assert.Equal(t, sched.PriorityIdle, idle.Priority)

	// posixvfs is probed first; no graphics so no display device
	assert.Equal(t, []string{"posixvfs", "storage", "audio", "hid"}, k.Drivers)
	_, err = k.IO.FindDevice("display0")
	assert.Equal(t, kernel.StatusNotFound, kernel.StatusOf(err))

	assert.Contains(t, k.FS.Drivers(), fs.RamfsName)
	assert.Empty(t, k.FS.Mounts())

	assert.Contains(t, f.out.String(), "[kmain] boot complete")
}

func TestBootLegacyConsole(t *testing.T) {
	f := newBootFixture(t, "noata nopci", nil)
	f.info.Flags = boot.FlagLegacy

	text := make([]uint16, int(console.TextWidth)*int(console.TextHeight))
	origText := textBufferFn
	t.Cleanup(func() { textBufferFn = origText })
	textBufferFn = func() uintptr { return uintptr(unsafe.Pointer(&text[0])) }

	var k Kernel
	require.Nil(t, k.Boot(f.info))
	assert.Equal(t, &k.Terminal, kfmt.GetOutputSink())

	var screen []byte
	for y := uint16(0); y < console.TextHeight; y++ {
		for x := uint16(0); x < console.TextWidth; x++ {
			ch, _ := k.Console.Read(x, y)
			screen = append(screen, ch)
		}
	}
	assert.Contains(t, string(screen), "[kmain] boot complete")
	assert.NotContains(t, f.out.String(), "boot complete", "the log moved to the console")
}

func ramfsImage(t *testing.T, blocks uint64) []byte {
	t.Helper()

	var m io.Manager
	m.Init(nil)
	dev, err := block.AttachRamDisk(&m, "img", blocks, nil)
	require.Nil(t, err)
	_, err = fs.FormatRamfs(dev)
	require.Nil(t, err)

	img := make([]byte, blocks*uint64(block.RamBlockSize))
	require.Nil(t, block.Read(dev, 0, uint32(blocks), img))
	return img
}

func TestBootRootMount(t *testing.T) {
	f := newBootFixture(t, "noata nopci root=ramfs:ram0", ramfsImage(t, 8))
	f.info.Flags |= boot.FlagGraphics
	f.info.Graphics = boot.GraphicsInfo{HorizontalResolution: 1024, VerticalResolution: 768, PixelsPerScanLine: 1024}

	var k Kernel
	require.Nil(t, k.Boot(f.info))

	assert.Contains(t, k.Drivers, "display")
	assert.Equal(t, []fs.MountInfo{{Name: RootMountName, Device: "ram0", FsType: fs.RamfsName}}, k.FS.Mounts())

	h, err := k.FS.Open(RootMountName, "/motd")
	require.Nil(t, err)
	n, err := k.FS.Write(h, []byte("welcome"))
	require.Nil(t, err)
	assert.Equal(t, uint32(7), n)
	assert.Nil(t, k.FS.Close(h))

	dev, err := k.IO.FindDevice("ram0")
	require.Nil(t, err)
	assert.Equal(t, uint64(8), block.ExtensionOf(dev).BlockCount)
}

func TestBootRootMountFailure(t *testing.T) {
	f := newBootFixture(t, "noata nopci ramdisk.blocks=8 root=ramfs:ram0", nil)

	var k Kernel
	require.Nil(t, k.Boot(f.info), "a failed root mount does not stop the boot")

	assert.Empty(t, k.FS.Mounts())
	assert.Contains(t, f.out.String(), "unable to mount ram0 on root as ramfs")

	dev, err := k.IO.FindDevice("ram0")
	require.Nil(t, err)
	assert.Equal(t, uint64(8), block.ExtensionOf(dev).BlockCount)
}

func TestBootErrors(t *testing.T) {
	var k Kernel
	assert.Equal(t, errNoBootInfo, k.Boot(nil))

	t.Run("hal", func(t *testing.T) {
		f := newBootFixture(t, "noata nopci", nil)
		expErr := &kernel.Error{Module: "test", Message: "bad timer", Status: kernel.StatusInvalidParameter}
		halInitFn = func(uint32) *kernel.Error { return expErr }

		var k Kernel
		assert.Equal(t, expErr, k.Boot(f.info))
		assert.False(t, k.Sched.Enabled())
	})

	t.Run("empty memory map", func(t *testing.T) {
		f := newBootFixture(t, "noata nopci", nil)
		f.info.MemoryMapSize = 0

		var k Kernel
		assert.Equal(t, kernel.StatusInsufficientResources, kernel.StatusOf(k.Boot(f.info)))
	})

	t.Run("go runtime", func(t *testing.T) {
		f := newBootFixture(t, "noata nopci", nil)
		expErr := &kernel.Error{Module: "test", Message: "redirects missing", Status: kernel.StatusNotInitialized}
		goruntimeInitFn = func(k *Kernel) *kernel.Error {
			assert.NotZero(t, k.Frames.Stats().TotalPages, "frames are available to the runtime")
			return expErr
		}

		var k Kernel
		assert.Equal(t, expErr, k.Boot(f.info))
		assert.False(t, k.Sched.Enabled())
	})

	t.Run("heap", func(t *testing.T) {
		f := newBootFixture(t, "noata nopci", nil)
		heapRegionFn = func(*Kernel) (uintptr, uintptr, *kernel.Error) { return 0, 0, nil }

		var k Kernel
		assert.Equal(t, kernel.StatusInvalidParameter, kernel.StatusOf(k.Boot(f.info)))
		assert.False(t, k.Sched.Enabled())
	})
}

type stopIdle struct{}

func TestKmain(t *testing.T) {
	f := newBootFixture(t, "noata nopci", nil)
	raw, err := f.info.Encode()
	require.Nil(t, err)

	origEnable, origIdle, origPanic := enableInterruptsFn, idleWaitFn, panicFn
	t.Cleanup(func() {
		enableInterruptsFn, idleWaitFn, panicFn = origEnable, origIdle, origPanic
		active = nil
	})

	var (
		enabled  bool
		idleRuns int
		panicked interface{}
	)
	enableInterruptsFn = func() { enabled = true }
	idleWaitFn = func() {
		if idleRuns++; idleRuns == 3 {
			panic(stopIdle{})
		}
	}
	panicFn = func(e interface{}) { panicked = e }

	assert.PanicsWithValue(t, stopIdle{}, func() { Kmain(uintptr(hostAddr(raw))) })
	assert.True(t, enabled)
	assert.Equal(t, 3, idleRuns)
	assert.Nil(t, panicked)
	require.NotNil(t, Active())
	assert.True(t, Active().Sched.Enabled())

	// a missing boot info block is fatal
	enabled = false
	Kmain(0)
	assert.Equal(t, kernel.StatusInvalidParameter, kernel.StatusOf(panicked.(*kernel.Error)))
	assert.False(t, enabled)
}

func TestAllocHeapRegion(t *testing.T) {
	hostPhysMem(t)

	var k Kernel
	require.Nil(t, k.Frames.Init([]boot.MemoryDescriptor{
		{BaseAddress: 0, Length: uint64(16 * mm.Mb), Type: boot.MemAvailable},
	}))

	base, size, err := allocHeapRegion(&k)
	require.Nil(t, err)
	assert.Equal(t, heap.DefaultSize, size)
	// the bitmaps take one page at the top of the region
	assert.Equal(t, uint64(heap.DefaultSize>>mm.PageShift)+1, k.Frames.Stats().AllocatedPages)
	assert.True(t, base+size <= vmm.IdentityMapSize)

	// The low region only holds the bitmaps so the heap lands above the
	// identity mapped window.
	var high Kernel
	require.Nil(t, high.Frames.Init([]boot.MemoryDescriptor{
		{BaseAddress: 0, Length: uint64(mm.Mb), Type: boot.MemAvailable},
		{BaseAddress: uint64(2 * mm.Gb), Length: uint64(8 * mm.Mb), Type: boot.MemAvailable},
	}))
	bitmapPages := high.Frames.Stats().AllocatedPages

	_, _, err = allocHeapRegion(&high)
	assert.Equal(t, errHeapOutOfWindow, err)
	assert.Equal(t, bitmapPages, high.Frames.Stats().AllocatedPages, "the candidate region is released")
}
