// Package hal programs the legacy interrupt controller and the programmable
// interval timer and exposes the processor control operations used by the
// rest of the kernel.
package hal

import (
	"aurora/kernel"
	"aurora/kernel/cpu"
	"aurora/kernel/gate"
	"aurora/kernel/kfmt"
	"aurora/kernel/sync"
)

// Legacy 8259 PIC ports and commands.
const (
	picMasterCmd  = uint16(0x20)
	picMasterData = uint16(0x21)
	picSlaveCmd   = uint16(0xa0)
	picSlaveData  = uint16(0xa1)

	picICW1Init = uint8(0x11)
	picICW48086 = uint8(0x01)
	picEOI      = uint8(0x20)
)

// 8253/8254 PIT ports and commands.
const (
	pitChannel0 = uint16(0x40)
	pitCommand  = uint16(0x43)

	// Channel 0, lo/hi byte access, mode 3 (square wave), binary.
	pitModeSquareWave = uint8(0x36)

	// PITBaseFrequency is the input clock of the PIT in Hz.
	PITBaseFrequency = uint32(1193182)

	// DefaultTimerFrequency yields a 1ms tick.
	DefaultTimerFrequency = uint32(1000)

	maxTicks = ^uint64(0)
)

var (
	// Port I/O and processor control are mocked by tests.
	portWriteByteFn = cpu.PortWriteByte
	cpuHaltFn       = cpu.Halt
	cpuPauseFn      = cpu.Pause
	handleIntFn     = gate.HandleInterrupt

	log = kfmt.Logger{Module: "hal"}

	errInvalidTimerFrequency = &kernel.Error{Module: "hal", Message: "timer frequency out of range", Status: kernel.StatusInvalidParameter}
	errInvalidIRQ            = &kernel.Error{Module: "hal", Message: "invalid IRQ line", Status: kernel.StatusInvalidParameter}
)

// TickHandler is invoked on every timer interrupt with the interrupted
// register frame.
type TickHandler func(*gate.Registers)

type timerState struct {
	ticks     uint64
	frequency uint32
	handler   TickHandler
	irqMask   uint16
}

var timer = timerState{frequency: DefaultTimerFrequency, irqMask: 0xffff}

// Init remaps the PIC so that IRQ lines 0-15 land on vectors 0x20-0x2f,
// programs the PIT channel 0 to fire at timerHz and installs the timer
// interrupt handler. All IRQ lines except the timer remain masked.
func Init(timerHz uint32) *kernel.Error {
	if timerHz == 0 {
		timerHz = DefaultTimerFrequency
	}

	divisor := PITBaseFrequency / timerHz
	if divisor == 0 || divisor > 0xffff {
		return errInvalidTimerFrequency
	}

	remapPIC(uint8(gate.IRQBase), uint8(gate.IRQBase)+8)

	portWriteByteFn(pitCommand, pitModeSquareWave)
	portWriteByteFn(pitChannel0, uint8(divisor))
	portWriteByteFn(pitChannel0, uint8(divisor>>8))

	timer.ticks = 0
	timer.frequency = timerHz
	timer.irqMask = 0xffff
	applyIRQMask()

	handleIntFn(gate.TimerIRQ, timerInterrupt)
	if err := SetIRQMasked(0, false); err != nil {
		return err
	}

	log.Printf("PIT programmed at %d Hz (divisor %d)", timerHz, divisor)
	return nil
}

// remapPIC runs the ICW1-ICW4 initialization sequence on both controllers.
func remapPIC(masterOffset, slaveOffset uint8) {
	portWriteByteFn(picMasterCmd, picICW1Init)
	portWriteByteFn(picSlaveCmd, picICW1Init)
	portWriteByteFn(picMasterData, masterOffset)
	portWriteByteFn(picSlaveData, slaveOffset)
	// master has a slave on IRQ2; slave cascade identity is 2
	portWriteByteFn(picMasterData, 0x04)
	portWriteByteFn(picSlaveData, 0x02)
	portWriteByteFn(picMasterData, picICW48086)
	portWriteByteFn(picSlaveData, picICW48086)
}

// SetIRQMasked masks or unmasks a legacy IRQ line.
func SetIRQMasked(irq uint8, masked bool) *kernel.Error {
	if irq > 15 {
		return errInvalidIRQ
	}

	if masked {
		timer.irqMask |= 1 << irq
	} else {
		timer.irqMask &^= 1 << irq
		// lines on the slave need the cascade line open
		if irq >= 8 {
			timer.irqMask &^= 1 << 2
		}
	}
	applyIRQMask()
	return nil
}

func applyIRQMask() {
	portWriteByteFn(picMasterData, uint8(timer.irqMask))
	portWriteByteFn(picSlaveData, uint8(timer.irqMask>>8))
}

// AcknowledgeIRQ sends an end-of-interrupt to the controllers that raised irq.
func AcknowledgeIRQ(irq uint8) {
	if irq >= 8 {
		portWriteByteFn(picSlaveCmd, picEOI)
	}
	portWriteByteFn(picMasterCmd, picEOI)
}

// SetTickHandler registers the function invoked on every timer tick. The
// scheduler installs its TimerTick here.
func SetTickHandler(handler TickHandler) {
	timer.handler = handler
}

func timerInterrupt(regs *gate.Registers) {
	timer.ticks++

	// The handler may switch the frame to another thread. Acknowledge
	// first so the next tick is delivered to whichever thread resumes.
	AcknowledgeIRQ(0)

	if timer.handler != nil {
		timer.handler(regs)
	}
}

// Ticks returns the number of timer interrupts since Init.
func Ticks() uint64 {
	return timer.ticks
}

// TimerFrequency returns the configured tick rate in Hz.
func TimerFrequency() uint32 {
	return timer.frequency
}

// MillisecondsToTicks converts a duration to timer ticks, rounding up so
// that a non-zero duration always lasts at least one tick. Durations that do
// not fit saturate at the largest tick count.
func MillisecondsToTicks(ms uint64) uint64 {
	hz := uint64(timer.frequency)
	if hz != 0 && ms > (maxTicks-999)/hz {
		return maxTicks
	}
	return (ms*hz + 999) / 1000
}

// EnableInterrupts drops the IRQL to passive level which unmasks interrupts.
func EnableInterrupts() {
	sync.LowerIrql(sync.IrqlPassive)
}

// DisableInterrupts raises the IRQL to high level and returns the previous
// level.
func DisableInterrupts() sync.Irql {
	return sync.RaiseIrql(sync.IrqlHigh)
}

// IdleWait waits for the next interrupt with interrupts enabled. It is the
// body of the idle thread.
func IdleWait() {
	cpuPauseFn()
}

// HaltProcessor stops the processor. It is used for fatal conditions and
// never returns.
func HaltProcessor() {
	sync.RaiseIrql(sync.IrqlHigh)
	cpuHaltFn()
}
