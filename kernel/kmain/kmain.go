// Package kmain contains the kernel entry point and the boot sequence that
// brings up every subsystem.
package kmain

import (
	"aurora/kernel"
	"aurora/kernel/boot"
	"aurora/kernel/fs"
	"aurora/kernel/goruntime"
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
	"aurora/kernel/syscall"
)

// StackRegionSize bounds the part of the heap that may be handed out as
// kernel thread stacks.
const StackRegionSize = uintptr(2 * mm.Mb)

// RootMountName is the mount point used for the "root=" boot argument.
const RootMountName = "root"

var (
	// The hardware facing steps of the boot sequence are mocked by tests.
	halInitFn          = hal.Init
	enableInterruptsFn = hal.EnableInterrupts
	idleWaitFn         = hal.IdleWait
	setupPagingFn      = setupPaging
	heapRegionFn       = allocHeapRegion
	goruntimeInitFn    = func(k *Kernel) *kernel.Error { return goruntime.Init(k.Tables, &k.Frames) }
	panicFn            = kfmt.Panic
	textBufferFn       = func() uintptr { return console.TextBufferAddress }

	log = kfmt.Logger{Module: "kmain"}

	errNoBootInfo      = &kernel.Error{Module: "kmain", Message: "boot info missing", Status: kernel.StatusInvalidParameter}
	errHeapOutOfWindow = &kernel.Error{Module: "kmain", Message: "heap region lies outside of the identity mapped window", Status: kernel.StatusInsufficientResources}
)

// Kernel holds every subsystem. A single instance is created by Kmain.
type Kernel struct {
	Info    *boot.Info
	CmdLine boot.CmdLine

	// Console and Terminal carry the log on legacy boots.
	Console  console.Text
	Terminal console.Terminal

	Frames pmm.BitmapAllocator
	Tables *vmm.PageTables
	Heap   heap.Heap
	Pools  *heap.Pools
	Space  *vmm.AddressSpace

	Sched    sched.Scheduler
	Syscalls syscall.Gate

	IO io.Manager
	FS fs.VFS

	// Drivers lists the built-in I/O drivers that initialized.
	Drivers []string
}

var (
	// instance is statically allocated since the Go allocator only works
	// once Boot has initialized the runtime.
	instance Kernel

	// active is the kernel instance created by Kmain.
	active *Kernel
)

// Active returns the running kernel or nil before Kmain has been called.
func Active() *Kernel {
	return active
}

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. The rt0 code passes the physical address of the boot
// info block prepared by the loader.
//
// Kmain is not expected to return. Once the subsystems are up it enables
// interrupts and the calling context becomes the idle thread.
//
//go:noinline
func Kmain(bootInfoAddr uintptr) {
	info, err := boot.FromAddress(bootInfoAddr)
	if err == nil {
		instance = Kernel{}
		active = &instance
		err = active.Boot(info)
	}
	if err != nil {
		panicFn(err)
		return
	}

	enableInterruptsFn()
	log.Printf("interrupts enabled; entering idle loop")
	for {
		idleWaitFn()
	}
}

// Boot brings up the subsystems in dependency order. Interrupts remain
// disabled; the caller enables them once Boot returns.
func (k *Kernel) Boot(info *boot.Info) *kernel.Error {
	if info == nil {
		return errNoBootInfo
	}

	k.Info = info
	k.CmdLine = boot.ParseCmdLine(info.CmdLine)
	if info.HasFlag(boot.FlagLegacy) {
		k.Console.Init(console.TextWidth, console.TextHeight, textBufferFn())
		k.Terminal.AttachTo(&k.Console)
		k.Terminal.Clear()
		kfmt.SetOutputSink(&k.Terminal)
	}
	if _, ok := k.CmdLine.Get("loglevel"); ok {
		kfmt.SetLevel(kfmt.Level(k.CmdLine.Uint("loglevel", uint64(kfmt.GetLevel()))))
	}
	log.Printf("boot protocol v%d, cmdline \"%s\"", info.Version, info.CmdLine)

	steps := []func() *kernel.Error{
		k.initHAL,
		k.initMemory,
		k.initScheduler,
		k.initIO,
		k.initFS,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	stats := k.Frames.Stats()
	log.Printf("boot complete: %d/%d pages free, %d KiB heap left", stats.AvailablePages, stats.TotalPages, uint64(k.Heap.Remaining()>>10))
	return nil
}

func (k *Kernel) initHAL() *kernel.Error {
	hz := k.CmdLine.Uint("timer.hz", uint64(hal.DefaultTimerFrequency))
	return halInitFn(uint32(hz))
}

func (k *Kernel) initMemory() *kernel.Error {
	descs, err := k.Info.MemoryMap()
	if err != nil {
		return err
	}
	// The loader placed the kernel image, the initrd and the memory map
	// in available memory; keep the allocator away from them.
	busy := []pmm.Region{
		{Base: uintptr(k.Info.KernelPhysicalBase), Size: uintptr(k.Info.KernelSize)},
		{Base: uintptr(k.Info.InitrdPhysicalBase), Size: uintptr(k.Info.InitrdSize)},
		{Base: uintptr(k.Info.MemoryMapAddress), Size: uintptr(k.Info.MemoryMapSize)},
	}
	if err = k.Frames.Init(descs, busy...); err != nil {
		return err
	}
	mm.SetFrameAllocator(k.Frames.AllocFrame)

	if k.Tables, err = setupPagingFn(); err != nil {
		return err
	}
	if err = goruntimeInitFn(k); err != nil {
		return err
	}

	base, size, err := heapRegionFn(k)
	if err != nil {
		return err
	}
	if err = k.Heap.Init(base, size); err != nil {
		return err
	}

	k.Pools = heap.NewPools(&k.Heap)
	k.Space = vmm.NewAddressSpace(&k.Heap, StackRegionSize, k.Tables)
	return nil
}

func (k *Kernel) initScheduler() *kernel.Error {
	cfg := sched.Config{
		TimeSlice: uint32(k.CmdLine.Uint("sched.slice", 0)),
		Stacks:    k.Space,
	}
	if err := k.Sched.Init(cfg); err != nil {
		return err
	}

	hal.SetTickHandler(k.Sched.TimerTick)
	return k.Syscalls.Init(&k.Sched, k.Space)
}

func (k *Kernel) initIO() *kernel.Error {
	if k.Info.HasFlag(boot.FlagGraphics) {
		io.SetGraphicsInfo(&k.Info.Graphics)
	}

	block.SetATAProbe(!k.CmdLine.Flag("noata"))
	pci.SetProbe(!k.CmdLine.Flag("nopci"))
	if initrd := k.Info.Initrd(); len(initrd) != 0 {
		blocks := (uint64(len(initrd)) + uint64(block.RamBlockSize) - 1) / uint64(block.RamBlockSize)
		if want := k.CmdLine.Uint("ramdisk.blocks", 0); want > blocks {
			blocks = want
		}
		block.ConfigureRamDisk(blocks, initrd)
	} else if want := k.CmdLine.Uint("ramdisk.blocks", 0); want != 0 {
		block.ConfigureRamDisk(want, nil)
	}

	k.IO.Init(k.Pools)
	k.Drivers = k.IO.ProbeBuiltins()
	log.Printf("%d built-in drivers initialized", uint64(len(k.Drivers)))
	return nil
}

// initFS registers the filesystem drivers and mounts the root volume if one
// was requested. A failed root mount is reported but does not stop the
// boot.
func (k *Kernel) initFS() *kernel.Error {
	if err := k.FS.Init(&k.IO); err != nil {
		return err
	}

	fsType, device, ok := k.CmdLine.RootDevice()
	if !ok {
		return nil
	}

	opts, _ := k.CmdLine.Get("rootflags")
	if err := k.FS.Mount(device, fsType, RootMountName, opts); err != nil {
		log.Errorf("unable to mount %s on %s as %s: %s", device, RootMountName, fsType, err.Message)
		return nil
	}

	log.Printf("mounted %s (%s) on %s", device, fsType, RootMountName)
	return nil
}

// setupPaging builds the kernel page tables and switches to them.
func setupPaging() (*vmm.PageTables, *kernel.Error) {
	pt, err := vmm.NewPageTables()
	if err != nil {
		return nil, err
	}
	if err = pt.IdentityMapLowMemory(); err != nil {
		return nil, err
	}

	pt.Activate()
	return pt, nil
}

// allocHeapRegion carves the kernel heap out of physical memory. The region
// must lie inside the identity mapped window so that its physical address
// can be used directly.
func allocHeapRegion(k *Kernel) (uintptr, uintptr, *kernel.Error) {
	addr, err := k.Frames.AllocatePhysical(uint64(heap.DefaultSize >> mm.PageShift))
	if err != nil {
		return 0, 0, err
	}

	if addr+heap.DefaultSize > vmm.IdentityMapSize {
		if ferr := k.Frames.FreePhysical(addr, uint64(heap.DefaultSize>>mm.PageShift)); ferr != nil {
			log.Warnf("unable to release heap candidate at 0x%x: %s", addr, ferr.Message)
		}
		return 0, 0, errHeapOutOfWindow
	}

	return addr, heap.DefaultSize, nil
}
