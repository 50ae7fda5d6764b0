package goruntime

import (
	"aurora/kernel"
	"aurora/kernel/hal"
	"aurora/kernel/kfmt"
	"aurora/kernel/mm"
	"aurora/kernel/mm/vmm"
	"testing"
	"unsafe"
)

type mapCall struct {
	virt, phys uintptr
	flags      vmm.PageTableEntryFlag
}

type fakeMapper struct {
	calls  []mapCall
	mapped map[uintptr]bool
	err    *kernel.Error
}

func (m *fakeMapper) Map(virt, phys uintptr, flags vmm.PageTableEntryFlag) *kernel.Error {
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, mapCall{virt, phys, flags})
	m.mapped[virt] = true
	return nil
}

func (m *fakeMapper) IsMapped(virt uintptr) bool {
	return m.mapped[virt]
}

type fakeFrames struct {
	next uintptr
	err  *kernel.Error
}

func (f *fakeFrames) AllocatePhysicalAligned(pageCount, alignPages uint64) (uintptr, *kernel.Error) {
	if f.err != nil {
		return 0, f.err
	}
	if pageCount != largePageFrames || alignPages != largePageFrames {
		return 0, &kernel.Error{Module: "test", Message: "unexpected frame request"}
	}
	addr := f.next
	f.next += mm.LargePageSize
	return addr, nil
}

func resetHeap(t *testing.T) (*fakeMapper, *fakeFrames, *int) {
	var memsets int

	t.Cleanup(func() {
		heap.next, heap.mapper, heap.frames = 0, nil, nil
		memsetFn = kernel.Memset
		panicFn = kfmt.Panic
	})

	m := &fakeMapper{mapped: make(map[uintptr]bool)}
	f := &fakeFrames{next: 0x40000000}
	heap.next, heap.mapper, heap.frames = 0, m, f
	memsetFn = func(addr uintptr, val byte, size uintptr) {
		if addr&(mm.LargePageSize-1) != 0 || val != 0 || size != mm.LargePageSize {
			t.Errorf("unexpected memset(0x%x, %d, %d)", addr, val, size)
		}
		memsets++
	}

	return m, f, &memsets
}

func TestSysReserve(t *testing.T) {
	resetHeap(t)

	specs := []struct {
		hint    uintptr
		size    uintptr
		expAddr uintptr
	}{
		// sizes are rounded up to 2 MiB
		{0, 1, HeapBase},
		{0, 3 * mm.LargePageSize, HeapBase + mm.LargePageSize},
		// hints inside the unused part of the window are honored
		{HeapBase + 64*mm.LargePageSize, mm.LargePageSize, HeapBase + 64*mm.LargePageSize},
		{0, mm.LargePageSize, HeapBase + 65*mm.LargePageSize},
		// hints that overlap earlier reservations, misaligned hints and
		// hints outside the window are rejected
		{HeapBase, mm.LargePageSize, 0},
		{HeapBase + 100*mm.LargePageSize + 1, mm.LargePageSize, 0},
		{0x00c000000000, mm.LargePageSize, 0},
		// the window is never exceeded
		{0, HeapSize, 0},
	}

	for specIndex, spec := range specs {
		got := uintptr(sysReserveOS(unsafe.Pointer(spec.hint), spec.size))
		if got != spec.expAddr {
			t.Errorf("[spec %d] expected sysReserveOS to return 0x%x; got 0x%x", specIndex, spec.expAddr, got)
		}
	}
}

func TestSysMap(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		m, _, memsets := resetHeap(t)

		// an unaligned range spanning two large pages
		addr := HeapBase + mm.LargePageSize - 0x1000
		sysMapOS(unsafe.Pointer(addr), 0x2000)

		exp := []mapCall{
			{HeapBase, 0x40000000, vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute},
			{HeapBase + mm.LargePageSize, 0x40200000, vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute},
		}
		if len(m.calls) != len(exp) {
			t.Fatalf("expected %d Map calls; got %d", len(exp), len(m.calls))
		}
		for i := range exp {
			if m.calls[i] != exp[i] {
				t.Errorf("[call %d] expected %v; got %v", i, exp[i], m.calls[i])
			}
		}
		if *memsets != 2 {
			t.Errorf("expected 2 memset calls; got %d", *memsets)
		}

		// pages that are already mapped are not remapped
		sysMapOS(unsafe.Pointer(HeapBase), mm.LargePageSize)
		if len(m.calls) != 2 {
			t.Errorf("expected mapped pages to be skipped; got %d Map calls", len(m.calls))
		}
	})

	t.Run("out of frames", func(t *testing.T) {
		_, f, _ := resetHeap(t)
		f.err = &kernel.Error{Module: "test", Message: "out of memory"}

		var panicked interface{}
		panicFn = func(e interface{}) { panicked = e }

		sysMapOS(unsafe.Pointer(HeapBase), 1)
		if panicked != f.err {
			t.Fatalf("expected sysMapOS to panic with %v; got %v", f.err, panicked)
		}
	})
}

func TestSysAlloc(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		m, _, memsets := resetHeap(t)

		got := uintptr(sysAllocOS(mm.LargePageSize + 1))
		if got != HeapBase {
			t.Fatalf("expected sysAllocOS to return 0x%x; got 0x%x", HeapBase, got)
		}
		if len(m.calls) != 2 || *memsets != 2 {
			t.Fatalf("expected 2 mapped and cleared pages; got %d/%d", len(m.calls), *memsets)
		}

		if got = uintptr(sysAllocOS(1)); got != HeapBase+2*mm.LargePageSize {
			t.Fatalf("expected the next allocation at 0x%x; got 0x%x", HeapBase+2*mm.LargePageSize, got)
		}
	})

	t.Run("map fails", func(t *testing.T) {
		m, _, _ := resetHeap(t)
		m.err = &kernel.Error{Module: "test", Message: "map failed"}

		if got := sysAllocOS(1); got != nil {
			t.Fatalf("expected sysAllocOS to return nil; got 0x%x", uintptr(got))
		}
	})

	t.Run("frame allocation fails", func(t *testing.T) {
		_, f, _ := resetHeap(t)
		f.err = &kernel.Error{Module: "test", Message: "out of memory"}

		if got := sysAllocOS(1); got != nil {
			t.Fatalf("expected sysAllocOS to return nil; got 0x%x", uintptr(got))
		}
	})

	t.Run("no page tables", func(t *testing.T) {
		resetHeap(t)
		heap.mapper = nil

		if got := sysAllocOS(1); got != nil {
			t.Fatalf("expected sysAllocOS to return nil; got 0x%x", uintptr(got))
		}
	})

	t.Run("window exhausted", func(t *testing.T) {
		resetHeap(t)

		if got := sysAllocOS(HeapSize + 1); got != nil {
			t.Fatalf("expected sysAllocOS to return nil; got 0x%x", uintptr(got))
		}
	})
}

func TestNanotime(t *testing.T) {
	defer func() { nanotimeFn = hal.Nanotime }()

	nanotimeFn = func() int64 { return 42 }
	if got := nanotime(); got != 42 {
		t.Fatalf("expected nanotime to return 42; got %d", got)
	}
	if got := nanotime1(); got != 42 {
		t.Fatalf("expected nanotime1 to return 42; got %d", got)
	}
}

func TestReadRandom(t *testing.T) {
	sample1 := make([]byte, 128)
	sample2 := make([]byte, 128)

	if n := readRandom(sample1); n != len(sample1) {
		t.Fatalf("expected readRandom to fill %d bytes; got %d", len(sample1), n)
	}
	readRandom(sample2)

	if string(sample1) == string(sample2) {
		t.Fatal("expected readRandom to return different values for each invocation")
	}
}

func TestTrampoline(t *testing.T) {
	code := trampoline(0x1122334455667788)
	exp := [trampolineSize]byte{
		0x49, 0xbc, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
		0x41, 0xff, 0xe4,
	}
	if code != exp {
		t.Fatalf("expected trampoline % x; got % x", exp, code)
	}
}

func TestInit(t *testing.T) {
	origTable := redirectTable
	defer func() {
		redirectTable = origTable
		patchFn = func(addr uintptr, code []byte) {
			copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(code)), code)
		}
		mallocInitFn = mallocInit
		randInitFn = randInit
		algInitFn = algInit
		modulesInitFn = modulesInit
		typeLinksInitFn = typeLinksInit
		itabsInitFn = itabsInit
		heap.mapper, heap.frames = nil, nil
	}()

	var calls []string
	mallocInitFn = func() { calls = append(calls, "malloc") }
	randInitFn = func() { calls = append(calls, "rand") }
	algInitFn = func() { calls = append(calls, "alg") }
	modulesInitFn = func() { calls = append(calls, "modules") }
	typeLinksInitFn = func() { calls = append(calls, "typelinks") }
	itabsInitFn = func() { calls = append(calls, "itabs") }

	m, f := &fakeMapper{mapped: make(map[uintptr]bool)}, &fakeFrames{}

	t.Run("table not populated", func(t *testing.T) {
		calls = nil
		if err := Init(m, f); err != errRedirectsMissing {
			t.Fatalf("expected errRedirectsMissing; got %v", err)
		}
		if len(calls) != 0 {
			t.Fatalf("expected the runtime to stay uninitialized; got %v", calls)
		}
	})

	t.Run("success", func(t *testing.T) {
		calls = nil
		fnA := make([]byte, 32)
		fnB := make([]byte, 32)
		addrA := uintptr(unsafe.Pointer(&fnA[0]))
		addrB := uintptr(unsafe.Pointer(&fnB[0]))

		redirectTable = [maxRedirects]redirect{
			{src: addrA, dst: 0xffff800000101000},
			{src: addrB, dst: 0xffff800000102000},
		}

		if err := Init(m, f); err != nil {
			t.Fatal(err)
		}

		for i, spec := range []struct {
			code []byte
			dst  uintptr
		}{{fnA, 0xffff800000101000}, {fnB, 0xffff800000102000}} {
			exp := trampoline(spec.dst)
			if string(spec.code[:trampolineSize]) != string(exp[:]) {
				t.Errorf("[redirect %d] expected % x; got % x", i, exp, spec.code[:trampolineSize])
			}
			if spec.code[trampolineSize] != 0 {
				t.Errorf("[redirect %d] trampoline overran its slot", i)
			}
		}

		expCalls := []string{"malloc", "rand", "alg", "modules", "typelinks", "itabs"}
		if len(calls) != len(expCalls) {
			t.Fatalf("expected init calls %v; got %v", expCalls, calls)
		}
		for i := range expCalls {
			if calls[i] != expCalls[i] {
				t.Errorf("expected init calls %v; got %v", expCalls, calls)
				break
			}
		}

		if heap.mapper != Mapper(m) || heap.frames != FrameSource(f) {
			t.Fatal("expected Init to register the mapper and frame source")
		}
	})
}
