package sched

import (
	"aurora/kernel"
	"aurora/kernel/gate"
)

// ThreadID uniquely identifies a thread for the lifetime of the system.
type ThreadID uint32

// ProcessID uniquely identifies a process for the lifetime of the system.
type ProcessID uint32

// Priority selects the ready queue of a thread. Higher bands always run
// before lower ones.
type Priority uint8

// Priority bands in increasing order.
const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityRealtime

	// NumPriorities is the number of ready queues.
	NumPriorities
)

// String implements fmt.Stringer for Priority.
func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "idle"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityRealtime:
		return "realtime"
	default:
		return "invalid"
	}
}

// ThreadState describes where a thread is in its lifecycle.
type ThreadState uint8

// Thread states.
const (
	StateInitialized ThreadState = iota
	StateReady
	StateRunning
	StateWaiting
	StateTerminated
)

// String implements fmt.Stringer for ThreadState.
func (s ThreadState) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateTerminated:
		return "terminated"
	default:
		return "invalid"
	}
}

// WaitReason records why a thread is in the Waiting state.
type WaitReason uint8

// Wait reasons.
const (
	WaitNone WaitReason = iota
	WaitSleep
	WaitObject
)

// nilIndex marks the end of an index-linked list.
const nilIndex = int32(-1)

// Thread is a schedulable entity. Threads live in a fixed table owned by the
// Scheduler and link to each other by table index, so terminating a thread
// never leaves a dangling reference in a queue.
type Thread struct {
	ID        ThreadID
	ProcessID ProcessID
	Name      string
	State     ThreadState
	Priority  Priority

	// TimeSlice is the number of ticks left before the thread is
	// preempted in favour of a peer of the same priority.
	TimeSlice uint32

	// CreatedAt is the scheduler tick at which the thread was created.
	CreatedAt uint64

	StackBase uintptr
	StackSize uintptr

	// Context holds the register frame restored when the thread is
	// switched in.
	Context gate.Registers

	WaitReason   WaitReason
	WakeDeadline uint64
	WaitResult   kernel.Status
	ExitCode     uint32

	// Switches counts how many times the thread was switched in.
	Switches uint64

	used bool

	// ready-queue links
	prev, next int32
	queued     bool

	// sorted timer list link
	timerNext int32
	timed     bool

	// wait-object membership
	waitObject  int32
	waitNext    int32
	resultReady bool
}

func (t *Thread) reset() {
	*t = Thread{
		prev:       nilIndex,
		next:       nilIndex,
		timerNext:  nilIndex,
		waitObject: nilIndex,
		waitNext:   nilIndex,
	}
}

// ProcessState describes the lifecycle of a process.
type ProcessState uint8

// Process states.
const (
	ProcessActive ProcessState = iota
	ProcessTerminated
)

// Process groups threads that share an address space.
type Process struct {
	ID       ProcessID
	ParentID ProcessID
	Name     string
	State    ProcessState

	ImageBase uintptr
	ImageSize uintptr

	// PageTableRoot is the physical address of the root page table of the
	// process address space.
	PageTableRoot uintptr

	ExitCode uint32

	// Threads counts the threads that belong to the process and have not
	// been reclaimed yet.
	Threads uint32

	used bool
}
