// Package syscall implements the system-call gate that exposes kernel
// services to user mode.
//
// A call places its number in RAX and up to four arguments in RDI, RSI, RDX
// and R10 before raising the system-call vector. The result is returned in
// RAX: either a status word (errors have bit 31 set) or, for calls that
// create or identify an object, the object id.
package syscall

import (
	"aurora/kernel"
	"aurora/kernel/gate"
	"aurora/kernel/ipc"
	"aurora/kernel/kfmt"
	"aurora/kernel/mm/vmm"
	"aurora/kernel/sched"
)

// Number identifies a system call.
type Number uint64

// System-call numbers. The numbering is stable.
const (
	Exit            Number = 1
	CreateProcess   Number = 2
	CreateThread    Number = 3
	TerminateThread Number = 4
	Sleep           Number = 5
	Yield           Number = 6
	GetProcessID    Number = 7
	GetThreadID     Number = 8
	WaitForObject   Number = 9
	SignalObject    Number = 10
	CreateEvent     Number = 11

	IpcCreateChannel Number = 12
	IpcSend          Number = 13
	IpcReceive       Number = 14
	IpcChannelEvent  Number = 15
	IpcCloseChannel  Number = 16

	// TableSize bounds the system-call table.
	TableSize = 32
)

// Args holds the machine-word arguments of a call.
type Args [4]uint64

// Handler implements a system call and returns the value placed in RAX.
type Handler func(args Args) uint64

// Stats holds the call counters. They are updated without locking.
type Stats struct {
	Calls  uint64
	Errors uint64
	PerNum [TableSize]uint64
}

var (
	log = kfmt.Logger{Module: "syscall"}

	// handleInterruptFn is mocked by tests.
	handleInterruptFn = gate.HandleInterrupt

	errNoScheduler = &kernel.Error{Module: "syscall", Message: "system-call gate requires a scheduler", Status: kernel.StatusInvalidParameter}
	errBadNumber   = &kernel.Error{Module: "syscall", Message: "system-call number out of range", Status: kernel.StatusInvalidParameter}
)

// Gate owns the system-call table.
type Gate struct {
	enabled bool
	table   [TableSize]Handler
	stats   Stats

	sched    *sched.Scheduler
	channels ipc.Table

	// space is the user address space used to validate pointers. It may
	// be nil in which case only the range checks apply.
	space *vmm.AddressSpace
}

// Init populates the table with the built-in services, installs the gate on
// the system-call vector and enables it.
func (g *Gate) Init(s *sched.Scheduler, space *vmm.AddressSpace) *kernel.Error {
	if s == nil {
		return errNoScheduler
	}

	g.sched = s
	g.space = space
	g.table = [TableSize]Handler{}
	g.stats = Stats{}
	g.channels.Init(s)

	g.table[Exit] = g.sysExit
	g.table[CreateProcess] = g.sysCreateProcess
	g.table[CreateThread] = g.sysCreateThread
	g.table[TerminateThread] = g.sysTerminateThread
	g.table[Sleep] = g.sysSleep
	g.table[Yield] = g.sysYield
	g.table[GetProcessID] = g.sysGetProcessID
	g.table[GetThreadID] = g.sysGetThreadID
	g.table[WaitForObject] = g.sysWaitForObject
	g.table[SignalObject] = g.sysSignalObject
	g.table[CreateEvent] = g.sysCreateEvent
	g.table[IpcCreateChannel] = g.sysIpcCreateChannel
	g.table[IpcSend] = g.sysIpcSend
	g.table[IpcReceive] = g.sysIpcReceive
	g.table[IpcChannelEvent] = g.sysIpcChannelEvent
	g.table[IpcCloseChannel] = g.sysIpcCloseChannel

	handleInterruptFn(gate.SyscallVector, g.Dispatch)
	g.enabled = true

	log.Printf("system-call gate installed on vector 0x%x", uint8(gate.SyscallVector))
	return nil
}

// SetEnabled turns the gate on or off. A disabled gate fails every call
// with StatusNotInitialized.
func (g *Gate) SetEnabled(enabled bool) {
	g.enabled = enabled
}

// Register installs a handler for num, replacing any previous one.
func (g *Gate) Register(num Number, handler Handler) *kernel.Error {
	if num >= TableSize {
		return errBadNumber
	}
	g.table[num] = handler
	return nil
}

// Invoke runs the handler for num and returns its result.
func (g *Gate) Invoke(num Number, args Args) uint64 {
	g.stats.Calls++

	var result uint64
	switch {
	case !g.enabled:
		result = uint64(kernel.StatusNotInitialized)
	case num >= TableSize || g.table[num] == nil:
		result = uint64(kernel.StatusInvalidParameter)
	default:
		g.stats.PerNum[num]++
		result = g.table[num](args)
	}

	if isErrorResult(result) {
		g.stats.Errors++
	}
	return result
}

// Dispatch is the interrupt handler for the system-call vector. The result
// is stored in the caller's frame before any context switch the call
// requested takes place.
func (g *Gate) Dispatch(regs *gate.Registers) {
	regs.RAX = g.Invoke(Number(regs.RAX), Args{regs.RDI, regs.RSI, regs.RDX, regs.R10})

	if g.sched != nil {
		g.sched.DispatchPending(regs)
	}
}

// Channels returns the message channels served by the gate.
func (g *Gate) Channels() *ipc.Table {
	return &g.channels
}

// GetStats returns a snapshot of the call counters.
func (g *Gate) GetStats() Stats {
	return g.stats
}

func isErrorResult(result uint64) bool {
	return result>>32 == 0 && kernel.Status(result).IsError()
}

func statusResult(err *kernel.Error) uint64 {
	return uint64(kernel.StatusOf(err))
}
