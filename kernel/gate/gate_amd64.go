package gate

import (
	"aurora/kernel"
	"aurora/kernel/kfmt"
	"io"
)

var errUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "unhandled interrupt", Status: kernel.StatusNotImplemented}

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs. The same structure doubles as the saved CPU
// context of a thread: switching threads amounts to saving the interrupted
// frame into the outgoing thread and overwriting the frame with the
// incoming thread's snapshot before the entry stub executes IRETQ.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Info holds the interrupt vector number pushed by the entry stub.
	// DispatchInterrupt uses it to select the handler.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// Segment selectors installed by the boot stub GDT.
const (
	KernelCodeSelector = 0x08
	KernelDataSelector = 0x10
	UserDataSelector   = 0x1b
	UserCodeSelector   = 0x23
)

// rflagsDefault has IF set together with the always-one reserved bit 1.
const rflagsDefault = 0x202

// InitContext returns the initial register snapshot for a thread that starts
// executing at entry with arg in RDI and its stack pointer placed at the top
// of the supplied stack. The stack pointer is aligned so that the entry
// point observes the ABI-mandated alignment of a freshly called function.
func InitContext(entry, arg, stackBase, stackSize uintptr, userMode bool) Registers {
	top := uint64(stackBase+stackSize) &^ 0xf
	regs := Registers{
		RIP:    uint64(entry),
		RDI:    uint64(arg),
		RSP:    top - 8,
		RBP:    0,
		RFlags: rflagsDefault,
		CS:     KernelCodeSelector,
		SS:     KernelDataSelector,
	}

	if userMode {
		regs.CS = UserCodeSelector
		regs.SS = UserDataSelector
	}

	return regs
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// IRQBase is the vector where the remapped legacy PIC lines start.
	IRQBase = InterruptNumber(0x20)

	// TimerIRQ is the vector raised by the PIT channel 0.
	TimerIRQ = IRQBase

	// SyscallVector is the vector used by the fast-call entry stub when
	// forwarding a system call to the kernel.
	SyscallVector = InterruptNumber(0x80)
)

// Handler is invoked with the saved register frame of the interrupted
// context. Any modifications to the frame are restored when the handler
// returns.
type Handler func(*Registers)

var (
	handlers [256]Handler

	// unhandledFn is invoked for vectors without a registered handler.
	unhandledFn = defaultUnhandled
)

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Passing a nil handler removes any
// previously installed handler.
func HandleInterrupt(intNumber InterruptNumber, handler Handler) {
	handlers[intNumber] = handler
}

// DispatchInterrupt is invoked by the interrupt and syscall entry stubs
// after they have pushed a Registers frame. The vector number is stored in
// the Info field of the frame.
func DispatchInterrupt(regs *Registers) {
	vector := InterruptNumber(regs.Info)
	if handler := handlers[vector]; handler != nil {
		handler(regs)
		return
	}

	unhandledFn(vector, regs)
}

func defaultUnhandled(vector InterruptNumber, regs *Registers) {
	kfmt.Printf("\nunhandled interrupt vector %d\n", uint8(vector))
	regs.DumpTo(kfmt.GetOutputSink())
	kfmt.Panic(errUnhandledInterrupt)
}
