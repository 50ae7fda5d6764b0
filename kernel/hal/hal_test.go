package hal

import (
	"aurora/kernel/cpu"
	"aurora/kernel/gate"
	"aurora/kernel/kfmt"
	"bytes"
	"io"
	"testing"
)

type portWrite struct {
	port uint16
	val  uint8
}

func mockHAL(t *testing.T) (*[]portWrite, *gate.Handler) {
	var (
		writes    []portWrite
		installed gate.Handler
	)

	origState := timer
	t.Cleanup(func() {
		portWriteByteFn = cpu.PortWriteByte
		handleIntFn = gate.HandleInterrupt
		timer = origState
	})

	portWriteByteFn = func(port uint16, val uint8) {
		writes = append(writes, portWrite{port, val})
	}
	handleIntFn = func(vector gate.InterruptNumber, handler gate.Handler) {
		if vector != gate.TimerIRQ {
			t.Errorf("expected handler to be installed on vector %d; got %d", gate.TimerIRQ, vector)
		}
		installed = handler
	}

	return &writes, &installed
}

func TestInit(t *testing.T) {
	writes, installed := mockHAL(t)

	if err := Init(1000); err != nil {
		t.Fatal(err)
	}

	// ICW1..ICW4 for both controllers followed by the PIT programming
	expPrefix := []portWrite{
		{picMasterCmd, picICW1Init}, {picSlaveCmd, picICW1Init},
		{picMasterData, 0x20}, {picSlaveData, 0x28},
		{picMasterData, 0x04}, {picSlaveData, 0x02},
		{picMasterData, picICW48086}, {picSlaveData, picICW48086},
		{pitCommand, pitModeSquareWave},
		{pitChannel0, uint8(1193 & 0xff)}, {pitChannel0, uint8(1193 >> 8)},
	}

	if len(*writes) < len(expPrefix) {
		t.Fatalf("expected at least %d port writes; got %d", len(expPrefix), len(*writes))
	}
	for i, exp := range expPrefix {
		if got := (*writes)[i]; got != exp {
			t.Errorf("port write %d: expected %+v; got %+v", i, exp, got)
		}
	}

	// Last mask update leaves only the timer line open
	w := *writes
	if got := w[len(w)-2]; got != (portWrite{picMasterData, 0xfe}) {
		t.Errorf("expected master mask 0xfe; got %+v", got)
	}
	if got := w[len(w)-1]; got != (portWrite{picSlaveData, 0xff}) {
		t.Errorf("expected slave mask 0xff; got %+v", got)
	}

	if *installed == nil {
		t.Fatal("expected timer handler to be installed")
	}

	if TimerFrequency() != 1000 {
		t.Fatalf("expected timer frequency 1000; got %d", TimerFrequency())
	}
}

func TestInitErrors(t *testing.T) {
	mockHAL(t)

	for _, hz := range []uint32{PITBaseFrequency + 1, 10} {
		if err := Init(hz); err != errInvalidTimerFrequency {
			t.Errorf("expected Init(%d) to return errInvalidTimerFrequency; got %v", hz, err)
		}
	}
}

func TestTimerInterrupt(t *testing.T) {
	writes, installed := mockHAL(t)

	if err := Init(0); err != nil {
		t.Fatal(err)
	}

	var handlerCalls int
	SetTickHandler(func(regs *gate.Registers) {
		handlerCalls++
		regs.RAX = Ticks()
	})

	*writes = nil
	var regs gate.Registers
	for i := 0; i < 3; i++ {
		(*installed)(&regs)
	}

	if Ticks() != 3 || handlerCalls != 3 || regs.RAX != 3 {
		t.Fatalf("expected 3 ticks and handler calls; ticks=%d calls=%d rax=%d", Ticks(), handlerCalls, regs.RAX)
	}

	for _, w := range *writes {
		if w != (portWrite{picMasterCmd, picEOI}) {
			t.Fatalf("expected only EOI writes to the master PIC; got %+v", w)
		}
	}
	if len(*writes) != 3 {
		t.Fatalf("expected one EOI per tick; got %d", len(*writes))
	}
}

func TestSetIRQMasked(t *testing.T) {
	writes, _ := mockHAL(t)
	timer.irqMask = 0xffff

	if err := SetIRQMasked(16, false); err != errInvalidIRQ {
		t.Fatalf("expected errInvalidIRQ; got %v", err)
	}

	if err := SetIRQMasked(14, false); err != nil {
		t.Fatal(err)
	}

	if exp := uint16(0xffff &^ (1<<14 | 1<<2)); timer.irqMask != exp {
		t.Fatalf("expected mask 0x%x; got 0x%x", exp, timer.irqMask)
	}

	*writes = nil
	AcknowledgeIRQ(14)
	exp := []portWrite{{picSlaveCmd, picEOI}, {picMasterCmd, picEOI}}
	for i := range exp {
		if (*writes)[i] != exp[i] {
			t.Fatalf("expected EOI sequence %+v; got %+v", exp, *writes)
		}
	}
}

func TestMillisecondsToTicks(t *testing.T) {
	defer func(f uint32) { timer.frequency = f }(timer.frequency)

	specs := []struct {
		hz      uint32
		ms, exp uint64
	}{
		{1000, 0, 0},
		{1000, 50, 50},
		{100, 50, 5},
		{100, 1, 1},
		{250, 10, 3},
		{1000, 1 << 63, ^uint64(0)},
		{100, ^uint64(0), ^uint64(0)},
		{1000, ^uint64(0) / 1000, ^uint64(0)},
	}

	for specIndex, spec := range specs {
		timer.frequency = spec.hz
		if got := MillisecondsToTicks(spec.ms); got != spec.exp {
			t.Errorf("[spec %d] expected %d ticks; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestHaltProcessor(t *testing.T) {
	defer func() { cpuHaltFn = cpu.Halt }()

	var halted bool
	cpuHaltFn = func() { halted = true }

	HaltProcessor()
	if !halted {
		t.Fatal("expected cpu.Halt to be called")
	}
}

func TestInitLogsFrequency(t *testing.T) {
	mockHAL(t)

	var buf bytes.Buffer
	kfmtSink(&buf, t)

	if err := Init(100); err != nil {
		t.Fatal(err)
	}

	if exp := "[hal] PIT programmed at 100 Hz (divisor 11931)\n"; buf.String() != exp {
		t.Fatalf("expected log output %q; got %q", exp, buf.String())
	}
}

func kfmtSink(buf *bytes.Buffer, t *testing.T) {
	// drain output buffered by earlier tests
	kfmt.SetOutputSink(io.Discard)
	kfmt.SetOutputSink(buf)
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })
}
