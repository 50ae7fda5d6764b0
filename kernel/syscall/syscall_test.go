package syscall

import (
	"aurora/kernel"
	"aurora/kernel/gate"
	"aurora/kernel/ipc"
	"aurora/kernel/mm"
	"aurora/kernel/mm/heap"
	"aurora/kernel/mm/vmm"
	"aurora/kernel/sched"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bufferAllocator carves user ranges out of a host buffer so that copies to
// and from "user" addresses touch real memory.
type bufferAllocator struct {
	base, next, end uintptr
}

func newBufferAllocator(t *testing.T, pages int) *bufferAllocator {
	buf := make([]byte, (pages+1)*int(mm.PageSize))
	t.Cleanup(func() { runtime.KeepAlive(buf) })

	base := mm.AlignUp(uintptr(unsafe.Pointer(&buf[0])), mm.PageSize)
	return &bufferAllocator{base: base, next: base, end: base + uintptr(pages)*mm.PageSize}
}

func (a *bufferAllocator) AllocAligned(size, align uintptr) (uintptr, *kernel.Error) {
	addr := mm.AlignUp(a.next, align)
	if addr+size > a.end {
		return 0, &kernel.Error{Module: "test", Message: "out of buffer"}
	}
	a.next = addr + size
	return addr, nil
}

func (a *bufferAllocator) Free(uintptr) {}

type testGate struct {
	*Gate
	sched  *sched.Scheduler
	user   *vmm.AddressSpace
	vector gate.InterruptNumber
	entry  gate.Handler
}

func newTestGate(t *testing.T) *testGate {
	var h heap.Heap
	require.Nil(t, h.Init(0x30000000, heap.DefaultSize))

	s := new(sched.Scheduler)
	require.Nil(t, s.Init(sched.Config{Stacks: vmm.NewAddressSpace(&h, heap.DefaultSize, nil)}))

	tg := &testGate{
		Gate:  new(Gate),
		sched: s,
		user:  vmm.NewAddressSpace(newBufferAllocator(t, 4), 4*mm.PageSize, nil),
	}

	defer func(orig func(gate.InterruptNumber, gate.Handler)) { handleInterruptFn = orig }(handleInterruptFn)
	handleInterruptFn = func(vec gate.InterruptNumber, handler gate.Handler) {
		tg.vector, tg.entry = vec, handler
	}

	require.Nil(t, tg.Init(s, tg.user))
	return tg
}

// call issues a system call through the installed interrupt handler.
func (tg *testGate) call(regs *gate.Registers, num Number, args ...uint64) uint64 {
	var a Args
	copy(a[:], args)

	regs.RAX = uint64(num)
	regs.RDI, regs.RSI, regs.RDX, regs.R10 = a[0], a[1], a[2], a[3]
	tg.entry(regs)
	return regs.RAX
}

func TestInit(t *testing.T) {
	var g Gate
	assert.Equal(t, errNoScheduler, g.Init(nil, nil))
	assert.Equal(t, uint64(kernel.StatusNotInitialized), g.Invoke(GetThreadID, Args{}))

	tg := newTestGate(t)
	assert.Equal(t, gate.SyscallVector, tg.vector)
	require.NotNil(t, tg.entry)

	tg.SetEnabled(false)
	assert.Equal(t, uint64(kernel.StatusNotInitialized), tg.Invoke(GetThreadID, Args{}))
	tg.SetEnabled(true)
	assert.Equal(t, uint64(0), tg.Invoke(GetThreadID, Args{}))
}

func TestInvalidNumbers(t *testing.T) {
	tg := newTestGate(t)

	specs := []Number{0, 20, TableSize, TableSize + 1, ^Number(0)}
	for _, num := range specs {
		assert.Equal(t, uint64(kernel.StatusInvalidParameter), tg.Invoke(num, Args{}), "number %d", num)
	}

	stats := tg.GetStats()
	assert.Equal(t, uint64(len(specs)), stats.Calls)
	assert.Equal(t, uint64(len(specs)), stats.Errors)
	assert.Equal(t, errBadNumber, tg.Register(TableSize, nil))
}

func TestDispatchABI(t *testing.T) {
	tg := newTestGate(t)

	var got Args
	require.Nil(t, tg.Register(20, func(args Args) uint64 {
		got = args
		return 0xfeed
	}))

	var regs gate.Registers
	assert.Equal(t, uint64(0xfeed), tg.call(&regs, 20, 1, 2, 3, 4))
	assert.Equal(t, Args{1, 2, 3, 4}, got)

	stats := tg.GetStats()
	assert.Equal(t, uint64(1), stats.Calls)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, uint64(1), stats.PerNum[20])
}

func TestThreadCalls(t *testing.T) {
	tg := newTestGate(t)
	var regs gate.Registers

	tid := tg.call(&regs, CreateThread, 0x500000, 42, uint64(sched.PriorityNormal))
	require.False(t, isErrorResult(tid))

	thread, err := tg.sched.ThreadByID(sched.ThreadID(tid))
	require.Nil(t, err)
	assert.Equal(t, uint64(42), thread.Context.RDI)
	assert.Equal(t, uint64(gate.KernelCodeSelector), thread.Context.CS)

	tg.sched.TimerTick(&regs)
	assert.Equal(t, tid, tg.call(&regs, GetThreadID))
	assert.Equal(t, uint64(0), tg.call(&regs, GetProcessID))

	// sleeping switches to the idle thread after the result is stored in
	// the frame of the sleeper
	tg.call(&regs, Sleep, 5)
	assert.Equal(t, uint64(0), tg.call(&regs, GetThreadID))

	thread, err = tg.sched.ThreadByID(sched.ThreadID(tid))
	require.Nil(t, err)
	assert.Equal(t, sched.StateWaiting, thread.State)
	assert.Equal(t, uint64(kernel.StatusSuccess), thread.Context.RAX)

	for i := 0; i < 5; i++ {
		tg.sched.TimerTick(&regs)
	}
	assert.Equal(t, tid, tg.call(&regs, GetThreadID))

	assert.Equal(t, uint64(kernel.StatusSuccess), tg.call(&regs, Yield))
	assert.Equal(t, uint64(kernel.StatusInvalidParameter), tg.call(&regs, TerminateThread, 0))
	tg.call(&regs, TerminateThread, tid, 3)
	assert.Equal(t, uint64(0), tg.call(&regs, GetThreadID))

	thread, err = tg.sched.ThreadByID(sched.ThreadID(tid))
	require.Nil(t, err)
	assert.Equal(t, sched.StateTerminated, thread.State)
	assert.Equal(t, uint32(3), thread.ExitCode)
}

func TestCreateThreadClampsPriority(t *testing.T) {
	tg := newTestGate(t)
	var regs gate.Registers

	for _, prio := range []uint64{0x104, uint64(sched.NumPriorities), ^uint64(0)} {
		tid := tg.call(&regs, CreateThread, 0x500000, 0, prio)
		require.False(t, isErrorResult(tid))

		thread, err := tg.sched.ThreadByID(sched.ThreadID(tid))
		require.Nil(t, err)
		assert.Equal(t, sched.PriorityNormal, thread.Priority, "priority 0x%x", prio)
	}

	tid := tg.call(&regs, CreateThread, 0x500000, 0, uint64(sched.PriorityHigh))
	thread, err := tg.sched.ThreadByID(sched.ThreadID(tid))
	require.Nil(t, err)
	assert.Equal(t, sched.PriorityHigh, thread.Priority)
}

func TestSleepDoesNotWrap(t *testing.T) {
	tg := newTestGate(t)
	var regs gate.Registers

	tid := tg.call(&regs, CreateThread, 0x500000, 0, uint64(sched.PriorityNormal))
	tg.sched.TimerTick(&regs)
	require.Equal(t, tid, tg.call(&regs, GetThreadID))

	tg.call(&regs, Sleep, 1<<63)
	for i := 0; i < 3; i++ {
		tg.sched.TimerTick(&regs)
	}

	thread, err := tg.sched.ThreadByID(sched.ThreadID(tid))
	require.Nil(t, err)
	assert.Equal(t, sched.StateWaiting, thread.State)
	assert.Equal(t, uint64(0), tg.call(&regs, GetThreadID))
}

func TestWaitAndSignalCalls(t *testing.T) {
	tg := newTestGate(t)
	var regs gate.Registers

	h := tg.call(&regs, CreateEvent, 0, 0)
	require.False(t, isErrorResult(h))
	tid := tg.call(&regs, CreateThread, 0x500000, 1, uint64(sched.PriorityHigh))
	tg.sched.TimerTick(&regs)
	require.Equal(t, tid, tg.call(&regs, GetThreadID))

	// polling an unsignalled event
	assert.Equal(t, uint64(kernel.StatusTimeout), tg.call(&regs, WaitForObject, h, 0))

	tg.call(&regs, WaitForObject, h, uint64(sched.Infinite))
	assert.Equal(t, uint64(0), tg.call(&regs, GetThreadID))

	thread, err := tg.sched.ThreadByID(sched.ThreadID(tid))
	require.Nil(t, err)
	assert.Equal(t, uint64(kernel.StatusPending), thread.Context.RAX)

	assert.Equal(t, uint64(kernel.StatusSuccess), tg.call(&regs, SignalObject, h))
	tg.sched.TimerTick(&regs)

	// back in the waiter: its WaitForObject returned success
	assert.Equal(t, uint64(kernel.StatusSuccess), regs.RAX)
	assert.Equal(t, tid, tg.call(&regs, GetThreadID))

	assert.Equal(t, uint64(kernel.StatusInvalidParameter), tg.call(&regs, SignalObject, 77))
	assert.Equal(t, uint64(kernel.StatusInvalidParameter), tg.call(&regs, WaitForObject, 77, 0))
	assert.Equal(t, uint64(2), tg.GetStats().Errors)
}

func TestProcessCalls(t *testing.T) {
	tg := newTestGate(t)
	var regs gate.Registers

	name, err := tg.user.AllocateVirtual(16, vmm.ProtReadWrite|vmm.ProtUser)
	require.Nil(t, err)
	require.Nil(t, tg.CopyToUser(name, []byte("shell")))

	pid := tg.call(&regs, CreateProcess, uint64(name), 5, 0x400000, 0x1000)
	require.False(t, isErrorResult(pid))

	proc, err := tg.sched.ProcessByID(sched.ProcessID(pid))
	require.Nil(t, err)
	assert.Equal(t, "shell", proc.Name)
	assert.Equal(t, sched.ProcessID(0), proc.ParentID)
	assert.Equal(t, uintptr(0x400000), proc.ImageBase)

	tid := tg.call(&regs, CreateThread, 0x401000, 0, uint64(sched.PriorityNormal), pid)
	require.False(t, isErrorResult(tid))
	thread, err := tg.sched.ThreadByID(sched.ThreadID(tid))
	require.Nil(t, err)
	assert.Equal(t, uint64(gate.UserCodeSelector), thread.Context.CS)

	tg.sched.TimerTick(&regs)
	require.Equal(t, pid, tg.call(&regs, GetProcessID))

	tg.call(&regs, Exit, 5)
	assert.Equal(t, uint64(0), tg.call(&regs, GetThreadID))
	proc, err = tg.sched.ProcessByID(sched.ProcessID(pid))
	require.Nil(t, err)
	assert.Equal(t, sched.ProcessTerminated, proc.State)
	assert.Equal(t, uint32(5), proc.ExitCode)

	// names must come from accessible user memory
	assert.Equal(t, uint64(kernel.StatusAccessViolation), tg.call(&regs, CreateProcess, 0x1000, 5, 0, 0))
	assert.Equal(t, uint64(kernel.StatusInvalidParameter), tg.call(&regs, CreateProcess, uint64(name), MaxNameLen+1, 0, 0))
}

func TestValidateUserPointer(t *testing.T) {
	tg := newTestGate(t)

	rw, err := tg.user.AllocateVirtual(mm.PageSize, vmm.ProtReadWrite|vmm.ProtUser)
	require.Nil(t, err)
	ro, err := tg.user.AllocateVirtual(mm.PageSize, vmm.ProtRead|vmm.ProtUser)
	require.Nil(t, err)
	kernelOnly, err := tg.user.AllocateVirtual(mm.PageSize, vmm.ProtReadWrite)
	require.Nil(t, err)

	specs := []struct {
		addr, size uintptr
		want       vmm.Protection
		expErr     *kernel.Error
	}{
		{0, 8, vmm.ProtRead, errNullPointer},
		{rw, 0, vmm.ProtRead, errZeroLength},
		{^uintptr(0) - 4, 8, vmm.ProtRead, errPointerWrap},
		{mm.UserSpaceLimit - 4, 8, vmm.ProtRead, errKernelPointer},
		{mm.KernelMirrorBase, 8, vmm.ProtRead, errKernelPointer},
		{rw + 16, 64, vmm.ProtWrite, nil},
		{ro, 64, vmm.ProtRead, nil},
		{ro, 64, vmm.ProtWrite, errNotAccessible},
		{kernelOnly, 8, vmm.ProtRead, errNotAccessible},
		{rw + mm.PageSize - 8, 16, vmm.ProtRead, nil},
		{ro + mm.PageSize - 8, 16, vmm.ProtRead, errNotAccessible},
	}

	for specIndex, spec := range specs {
		assert.Equal(t, spec.expErr, tg.ValidateUserPointer(spec.addr, spec.size, spec.want), "spec %d", specIndex)
	}

	// without an address space only the range checks apply
	assert.Nil(t, ValidateUserPointer(nil, 0x1000, 8, vmm.ProtWrite))
}

func TestCopyUser(t *testing.T) {
	tg := newTestGate(t)

	addr, err := tg.user.AllocateVirtual(64, vmm.ProtReadWrite|vmm.ProtUser)
	require.Nil(t, err)
	ro, err := tg.user.AllocateVirtual(64, vmm.ProtRead|vmm.ProtUser)
	require.Nil(t, err)

	require.Nil(t, tg.CopyToUser(addr, []byte("hello user")))

	out := make([]byte, 10)
	require.Nil(t, tg.CopyFromUser(out, addr))
	assert.Equal(t, "hello user", string(out))

	assert.Equal(t, errNotAccessible, tg.CopyToUser(ro, []byte("x")))
	assert.Equal(t, errEmptyKernelBuf, tg.CopyToUser(addr, nil))
	assert.Equal(t, errEmptyKernelBuf, tg.CopyFromUser(nil, addr))

	untouched := []byte("keep")
	assert.Equal(t, kernel.StatusAccessViolation, kernel.StatusOf(tg.CopyFromUser(untouched, 0)))
	assert.Equal(t, "keep", string(untouched))
}

func TestIpcCalls(t *testing.T) {
	tg := newTestGate(t)
	var regs gate.Registers

	out, err := tg.user.AllocateVirtual(64, vmm.ProtReadWrite|vmm.ProtUser)
	require.Nil(t, err)
	in, err := tg.user.AllocateVirtual(64, vmm.ProtReadWrite|vmm.ProtUser)
	require.Nil(t, err)
	ro, err := tg.user.AllocateVirtual(64, vmm.ProtRead|vmm.ProtUser)
	require.Nil(t, err)
	require.Nil(t, tg.CopyToUser(out, []byte("hello")))

	id := tg.call(&regs, IpcCreateChannel)
	require.False(t, isErrorResult(id))
	h := tg.call(&regs, IpcChannelEvent, id)
	require.False(t, isErrorResult(h))

	receiver := tg.call(&regs, CreateThread, 0x500000, 0, uint64(sched.PriorityHigh))
	tg.sched.TimerTick(&regs)
	require.Equal(t, receiver, tg.call(&regs, GetThreadID))

	assert.Equal(t, uint64(kernel.StatusNoMoreEntries), tg.call(&regs, IpcReceive, id, uint64(in), 64))

	// the receiver blocks on the channel event until a message arrives
	tg.call(&regs, WaitForObject, h, uint64(sched.Infinite))
	assert.Equal(t, uint64(0), tg.call(&regs, GetThreadID))

	assert.Equal(t, uint64(kernel.StatusSuccess), tg.call(&regs, IpcSend, id, uint64(out), 5))
	assert.Equal(t, uint64(kernel.StatusBufferTooSmall), tg.call(&regs, IpcSend, id, uint64(out), 5))

	tg.sched.TimerTick(&regs)
	assert.Equal(t, uint64(kernel.StatusSuccess), regs.RAX)
	require.Equal(t, receiver, tg.call(&regs, GetThreadID))

	// a read-only buffer is refused and the message stays queued
	assert.Equal(t, uint64(kernel.StatusAccessViolation), tg.call(&regs, IpcReceive, id, uint64(ro), 64))
	assert.Equal(t, uint64(kernel.StatusBufferTooSmall), tg.call(&regs, IpcReceive, id, uint64(in), 2))
	assert.True(t, tg.Channels().Pending(ipc.ChannelID(id)))

	assert.Equal(t, uint64(5), tg.call(&regs, IpcReceive, id, uint64(in), 64))
	got := make([]byte, 5)
	require.Nil(t, tg.CopyFromUser(got, in))
	assert.Equal(t, "hello", string(got))
	assert.Equal(t, uint64(kernel.StatusTimeout), tg.call(&regs, WaitForObject, h, 0))

	specs := []struct {
		num  Number
		args []uint64
		exp  kernel.Status
	}{
		{IpcSend, []uint64{id, uint64(out), 0}, kernel.StatusInvalidParameter},
		{IpcSend, []uint64{id, uint64(out), ipc.MaxMessage + 1}, kernel.StatusInvalidParameter},
		{IpcSend, []uint64{id, 0, 5}, kernel.StatusAccessViolation},
		{IpcSend, []uint64{ipc.MaxChannels, uint64(out), 5}, kernel.StatusInvalidParameter},
		{IpcReceive, []uint64{id, uint64(in), 0}, kernel.StatusInvalidParameter},
		{IpcChannelEvent, []uint64{id + 1}, kernel.StatusInvalidHandle},
		{IpcCloseChannel, []uint64{id + 1}, kernel.StatusInvalidHandle},
	}
	for specIndex, spec := range specs {
		assert.Equal(t, uint64(spec.exp), tg.call(&regs, spec.num, spec.args...), "spec %d", specIndex)
	}

	assert.Equal(t, uint64(kernel.StatusSuccess), tg.call(&regs, IpcCloseChannel, id))
	assert.Equal(t, uint64(kernel.StatusInvalidHandle), tg.call(&regs, IpcSend, id, uint64(out), 5))
}
