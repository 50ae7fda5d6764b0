package mm

import (
	"aurora/kernel"
	"testing"
	"unsafe"
)

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame %d call to Address() to return %x; got %x", frameIndex, exp, got)
		}
	}

	if InvalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    uintptr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{4123, Frame(1)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestPageFromAddress(t *testing.T) {
	specs := []struct {
		input   uintptr
		expPage Page
	}{
		{0, Page(0)},
		{4095, Page(0)},
		{4096, Page(1)},
		{KernelMirrorBase + 4096, Page((KernelMirrorBase >> PageShift) + 1)},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.input); got != spec.expPage {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.expPage, got)
		}

		if got := spec.expPage.Address(); got != spec.input&^(PageSize-1) {
			t.Errorf("[spec %d] expected Address() to return 0x%x; got 0x%x", specIndex, spec.input&^(PageSize-1), got)
		}
	}
}

func TestFrameAllocator(t *testing.T) {
	defer SetFrameAllocator(nil)

	if _, err := AllocFrame(); err != errNoFrameAllocator {
		t.Fatalf("expected errNoFrameAllocator; got %v", err)
	}

	expErr := &kernel.Error{Module: "test", Message: "out of memory"}
	SetFrameAllocator(func() (Frame, *kernel.Error) { return InvalidFrame, expErr })
	if _, err := AllocFrame(); err != expErr {
		t.Fatalf("expected allocator error to be propagated; got %v", err)
	}

	SetFrameAllocator(func() (Frame, *kernel.Error) { return Frame(42), nil })
	if f, err := AllocFrame(); err != nil || f != 42 {
		t.Fatalf("expected frame 42; got %d, %v", f, err)
	}
}

func TestSizeHelpers(t *testing.T) {
	if got := (4*Kb + 1).Pages(); got != 2 {
		t.Errorf("expected 4Kb+1 to need 2 pages; got %d", got)
	}
	if got := Size(0).Pages(); got != 0 {
		t.Errorf("expected 0 bytes to need 0 pages; got %d", got)
	}
	if got := AlignUp(0x1001, PageSize); got != 0x2000 {
		t.Errorf("expected AlignUp to return 0x2000; got 0x%x", got)
	}
	if got := AlignDown(0x3fffff, LargePageSize); got != 0x200000 {
		t.Errorf("expected AlignDown to return 0x200000; got 0x%x", got)
	}
}

func TestPhysMem(t *testing.T) {
	defer SetPhysMemFn(nil)

	buf := make([]byte, 16)
	buf[3] = 0xaa

	// the default accessor treats the address as directly addressable
	if got := PhysMem(uintptr(unsafe.Pointer(&buf[0])), 16); got[3] != 0xaa || len(got) != 16 {
		t.Fatalf("expected direct access to return the host buffer; got %v", got)
	}

	var gotAddr, gotSize uintptr
	SetPhysMemFn(func(addr, size uintptr) []byte {
		gotAddr, gotSize = addr, size
		return buf[:size]
	})
	PhysMem(0x1000, 8)
	if gotAddr != 0x1000 || gotSize != 8 {
		t.Fatalf("expected call with (0x1000, 8); got (0x%x, %d)", gotAddr, gotSize)
	}
}
