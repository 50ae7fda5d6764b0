package syscall

import (
	"aurora/kernel"
	"aurora/kernel/sched"
)

// MaxNameLen bounds the process names copied from user mode.
const MaxNameLen = 32

// systemProcess is the id of the process that owns the idle thread.
const systemProcess = sched.ProcessID(0)

func (g *Gate) currentIDs() (sched.ThreadID, sched.ProcessID, *kernel.Error) {
	tid, err := g.sched.CurrentThread()
	if err != nil {
		return 0, 0, err
	}
	pid, err := g.sched.CurrentProcess()
	if err != nil {
		return 0, 0, err
	}
	return tid, pid, nil
}

// sysExit terminates the calling process with the exit code in args[0].
// Threads of the system process only terminate themselves.
func (g *Gate) sysExit(args Args) uint64 {
	tid, pid, err := g.currentIDs()
	if err != nil {
		return statusResult(err)
	}

	if pid == systemProcess {
		return statusResult(g.sched.TerminateThread(tid, uint32(args[0])))
	}
	return statusResult(g.sched.TerminateProcess(pid, uint32(args[0])))
}

// sysCreateProcess creates a child of the calling process. Arguments: name
// pointer, name length, image base, image size. The child shares the page
// tables of its parent. Returns the new process id.
func (g *Gate) sysCreateProcess(args Args) uint64 {
	_, parent, err := g.currentIDs()
	if err != nil {
		return statusResult(err)
	}

	name := "process"
	if nameLen := uintptr(args[1]); nameLen != 0 {
		if nameLen > MaxNameLen {
			return uint64(kernel.StatusInvalidParameter)
		}

		var buf [MaxNameLen]byte
		if err = g.CopyFromUser(buf[:nameLen], uintptr(args[0])); err != nil {
			return statusResult(err)
		}
		name = string(buf[:nameLen])
	}

	proc, err := g.sched.ProcessByID(parent)
	if err != nil {
		return statusResult(err)
	}

	pid, err := g.sched.CreateProcess(parent, name, uintptr(args[2]), uintptr(args[3]), proc.PageTableRoot)
	if err != nil {
		return statusResult(err)
	}
	return uint64(pid)
}

// sysCreateThread creates a thread. Arguments: entry point, argument,
// priority, owning process id (0 selects the caller's process). Threads of
// processes other than the system process run in user mode. Returns the new
// thread id.
func (g *Gate) sysCreateThread(args Args) uint64 {
	_, pid, err := g.currentIDs()
	if err != nil {
		return statusResult(err)
	}
	if args[3] != 0 {
		pid = sched.ProcessID(args[3])
	}

	// the scheduler clamps bad priorities but only sees the low byte
	prio := sched.PriorityNormal
	if args[2] < uint64(sched.NumPriorities) {
		prio = sched.Priority(args[2])
	}

	tid, err := g.sched.CreateThread(pid, "user", uintptr(args[0]), uintptr(args[1]), prio, pid != systemProcess)
	if err != nil {
		return statusResult(err)
	}
	return uint64(tid)
}

func (g *Gate) sysTerminateThread(args Args) uint64 {
	return statusResult(g.sched.TerminateThread(sched.ThreadID(args[0]), uint32(args[1])))
}

func (g *Gate) sysSleep(args Args) uint64 {
	return statusResult(g.sched.Sleep(args[0]))
}

func (g *Gate) sysYield(_ Args) uint64 {
	return statusResult(g.sched.Yield())
}

func (g *Gate) sysGetProcessID(_ Args) uint64 {
	pid, err := g.sched.CurrentProcess()
	if err != nil {
		return statusResult(err)
	}
	return uint64(pid)
}

func (g *Gate) sysGetThreadID(_ Args) uint64 {
	tid, err := g.sched.CurrentThread()
	if err != nil {
		return statusResult(err)
	}
	return uint64(tid)
}

// sysWaitForObject waits on the handle in args[0] for args[1] milliseconds.
// A blocking wait returns StatusPending; the scheduler replaces it with the
// final status when the thread resumes.
func (g *Gate) sysWaitForObject(args Args) uint64 {
	status, _ := g.sched.WaitForObject(sched.Handle(args[0]), uint32(args[1]))
	return uint64(status)
}

func (g *Gate) sysSignalObject(args Args) uint64 {
	return statusResult(g.sched.SignalObject(sched.Handle(args[0])))
}

// sysCreateEvent creates an event. Arguments: manual reset flag, initial
// state. Returns the event handle.
func (g *Gate) sysCreateEvent(args Args) uint64 {
	h, err := g.sched.CreateEvent(args[0] != 0, args[1] != 0)
	if err != nil {
		return statusResult(err)
	}
	return uint64(h)
}
