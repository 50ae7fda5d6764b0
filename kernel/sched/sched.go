// Package sched implements the priority-based preemptive scheduler.
//
// Five FIFO ready queues, one per priority band, are searched from the
// highest band to the lowest. The idle thread lives outside the queues and
// runs only when all of them are empty. Threads that give up the processor
// (Yield, Sleep, a blocking WaitForObject or termination of the running
// thread) only request a dispatch; the actual context switch happens when the
// interrupt or system call that made the request returns through
// DispatchPending, or on the next timer tick.
package sched

import (
	"aurora/kernel"
	"aurora/kernel/gate"
	"aurora/kernel/hal"
	"aurora/kernel/kfmt"
	"aurora/kernel/mm/vmm"
	"aurora/kernel/sync"
)

const (
	// MaxThreads is the size of the thread table.
	MaxThreads = 64

	// MaxProcesses is the size of the process table.
	MaxProcesses = 16

	// DefaultTimeSlice is the number of ticks a thread runs before it is
	// preempted in favour of a peer of the same priority.
	DefaultTimeSlice = uint32(10)

	// DefaultStackSize is the kernel stack size of new threads.
	DefaultStackSize = uintptr(16 * 1024)
)

var (
	log = kfmt.Logger{Module: "sched"}

	// msToTicksFn converts sleep and wait durations to ticks. It is mocked
	// by tests.
	msToTicksFn = hal.MillisecondsToTicks

	errNotInitialized     = &kernel.Error{Module: "sched", Message: "scheduler not initialized", Status: kernel.StatusNotInitialized}
	errAlreadyInitialized = &kernel.Error{Module: "sched", Message: "scheduler already initialized", Status: kernel.StatusAlreadyInitialized}
	errNoStackAllocator   = &kernel.Error{Module: "sched", Message: "no kernel stack allocator configured", Status: kernel.StatusInvalidParameter}
	errUnknownThread      = &kernel.Error{Module: "sched", Message: "unknown thread", Status: kernel.StatusInvalidParameter}
	errUnknownProcess     = &kernel.Error{Module: "sched", Message: "unknown process", Status: kernel.StatusInvalidParameter}
	errIdleThread         = &kernel.Error{Module: "sched", Message: "operation not permitted on the idle thread", Status: kernel.StatusInvalidParameter}
	errThreadTableFull    = &kernel.Error{Module: "sched", Message: "thread table full", Status: kernel.StatusInsufficientResources}
	errProcessTableFull   = &kernel.Error{Module: "sched", Message: "process table full", Status: kernel.StatusInsufficientResources}
	errBadThreadState     = &kernel.Error{Module: "sched", Message: "thread is not in a state that permits the operation", Status: kernel.StatusInvalidTransaction}
)

// StackAllocator provides kernel stacks for new threads. *vmm.AddressSpace
// satisfies it.
type StackAllocator interface {
	AllocateVirtual(size uintptr, prot vmm.Protection) (uintptr, *kernel.Error)
	FreeVirtual(base uintptr) *kernel.Error
}

// Config holds the tunables passed to Init.
type Config struct {
	// TimeSlice overrides DefaultTimeSlice when non-zero.
	TimeSlice uint32

	// StackSize overrides DefaultStackSize when non-zero.
	StackSize uintptr

	// Stacks supplies the kernel stacks of new threads.
	Stacks StackAllocator
}

// Stats is a snapshot of the scheduler counters.
type Stats struct {
	Ticks           uint64
	ContextSwitches uint64
	Threads         uint32
	Processes       uint32
	Ready           [NumPriorities]uint32
	Current         ThreadID
}

type queue struct {
	head, tail int32
	count      uint32
}

// Scheduler holds the thread and process tables, the ready queues and the
// timer list. All fields are protected by lock.
type Scheduler struct {
	lock    sync.Spinlock
	enabled bool

	threads   [MaxThreads]Thread
	processes [MaxProcesses]Process
	events    [MaxEvents]event

	queues [NumPriorities]queue

	current int32
	idle    int32

	// timerHead is the first entry of the list of threads with a wake
	// deadline, kept sorted by deadline.
	timerHead int32

	ticks    uint64
	switches uint64

	dispatchPending bool

	timeSlice uint32
	stackSize uintptr
	stacks    StackAllocator

	nextThreadID  ThreadID
	nextProcessID ProcessID
}

// Init creates the system process and the idle thread and enables the
// scheduler. The caller becomes the idle thread: the first time it is
// switched out its interrupted frame is saved in the idle thread context.
func (s *Scheduler) Init(cfg Config) *kernel.Error {
	if s.enabled {
		return errAlreadyInitialized
	}
	if cfg.Stacks == nil {
		return errNoStackAllocator
	}

	for i := range s.threads {
		s.threads[i].reset()
	}
	for i := range s.processes {
		s.processes[i] = Process{}
	}
	for i := range s.events {
		s.events[i].reset()
	}
	for i := range s.queues {
		s.queues[i] = queue{head: nilIndex, tail: nilIndex}
	}

	s.timerHead = nilIndex
	s.ticks, s.switches = 0, 0
	s.dispatchPending = false
	s.nextThreadID, s.nextProcessID = 0, 0

	s.timeSlice = DefaultTimeSlice
	if cfg.TimeSlice != 0 {
		s.timeSlice = cfg.TimeSlice
	}
	s.stackSize = DefaultStackSize
	if cfg.StackSize != 0 {
		s.stackSize = cfg.StackSize
	}
	s.stacks = cfg.Stacks

	system := &s.processes[0]
	*system = Process{ID: s.nextProcessID, Name: "system", used: true, Threads: 1}
	s.nextProcessID++

	idle := &s.threads[0]
	idle.used = true
	idle.ID = s.nextThreadID
	idle.ProcessID = system.ID
	idle.Name = "idle"
	idle.Priority = PriorityIdle
	idle.State = StateRunning
	idle.TimeSlice = s.timeSlice
	s.nextThreadID++

	s.idle, s.current = 0, 0
	s.enabled = true

	log.Printf("idle thread created, time slice %d ticks", s.timeSlice)
	return nil
}

// Enabled returns true once Init has completed.
func (s *Scheduler) Enabled() bool {
	return s.enabled
}

// Schedule selects the next thread to run. regs is the interrupted frame of
// the current thread; on a switch it is saved into the outgoing thread and
// replaced with the context of the incoming one.
func (s *Scheduler) Schedule(regs *gate.Registers) {
	if !s.enabled {
		return
	}

	irql := s.lock.Acquire()
	s.schedule(regs)
	s.lock.Release(irql)
}

// DispatchPending performs the context switch requested by an earlier call
// to Yield, Sleep, WaitForObject or TerminateThread. It must be called with
// the frame that will be restored when the current interrupt returns.
func (s *Scheduler) DispatchPending(regs *gate.Registers) {
	if !s.enabled {
		return
	}

	irql := s.lock.Acquire()
	if s.dispatchPending {
		s.schedule(regs)
	}
	s.lock.Release(irql)
}

// TimerTick advances the scheduler clock by one tick. It wakes threads
// whose deadline has passed and preempts the running thread when its time
// slice is exhausted or a higher priority thread became ready.
func (s *Scheduler) TimerTick(regs *gate.Registers) {
	if !s.enabled {
		return
	}

	irql := s.lock.Acquire()
	defer s.lock.Release(irql)

	s.ticks++
	s.expireTimers()

	cur := &s.threads[s.current]
	switch {
	case s.dispatchPending:
		s.schedule(regs)
		return
	case s.current == s.idle:
		if s.anyReady() {
			s.schedule(regs)
		}
		return
	case s.readyAbove(cur.Priority):
		s.schedule(regs)
		return
	}

	if cur.TimeSlice > 0 {
		cur.TimeSlice--
	}
	if cur.TimeSlice != 0 {
		return
	}

	cur.TimeSlice = s.timeSlice

	// Realtime threads keep the processor when their slice expires; only
	// a strictly higher band could take it and none exists.
	if cur.Priority == PriorityRealtime {
		return
	}

	s.schedule(regs)
}

// schedule implements the scheduling policy. The lock must be held.
func (s *Scheduler) schedule(regs *gate.Registers) {
	s.dispatchPending = false
	s.reapTerminated()

	cur := &s.threads[s.current]
	if cur.State == StateRunning {
		cur.State = StateReady
		if s.current != s.idle {
			s.enqueue(s.current)
		}
	}

	nextIndex := s.pickNext()
	next := &s.threads[nextIndex]
	next.State = StateRunning

	if nextIndex == s.current {
		if next.resultReady {
			regs.RAX = uint64(next.WaitResult)
			next.resultReady = false
		}
		return
	}

	if cur.State != StateTerminated {
		cur.Context = *regs
		if cur.resultReady {
			cur.Context.RAX = uint64(cur.WaitResult)
			cur.resultReady = false
		}
	}

	next.resultReady = false
	next.Switches++
	s.switches++
	s.current = nextIndex
	*regs = next.Context
}

// pickNext dequeues the head of the highest non-empty band or returns the
// idle thread.
func (s *Scheduler) pickNext() int32 {
	for p := int(NumPriorities) - 1; p >= 0; p-- {
		if s.queues[p].head != nilIndex {
			index := s.queues[p].head
			s.dequeue(index)
			return index
		}
	}

	return s.idle
}

func (s *Scheduler) anyReady() bool {
	for p := range s.queues {
		if s.queues[p].count != 0 {
			return true
		}
	}
	return false
}

// readyAbove returns true if a band strictly higher than p has a ready
// thread.
func (s *Scheduler) readyAbove(p Priority) bool {
	for band := int(p) + 1; band < int(NumPriorities); band++ {
		if s.queues[band].count != 0 {
			return true
		}
	}
	return false
}

// enqueue appends the thread at index to the tail of its priority band.
func (s *Scheduler) enqueue(index int32) {
	t := &s.threads[index]
	q := &s.queues[t.Priority]

	t.prev, t.next = q.tail, nilIndex
	if q.tail != nilIndex {
		s.threads[q.tail].next = index
	} else {
		q.head = index
	}
	q.tail = index
	q.count++
	t.queued = true
}

// dequeue unlinks the thread at index from its ready queue.
func (s *Scheduler) dequeue(index int32) {
	t := &s.threads[index]
	if !t.queued {
		return
	}

	q := &s.queues[t.Priority]
	if t.prev != nilIndex {
		s.threads[t.prev].next = t.next
	} else {
		q.head = t.next
	}
	if t.next != nilIndex {
		s.threads[t.next].prev = t.prev
	} else {
		q.tail = t.prev
	}

	t.prev, t.next = nilIndex, nilIndex
	t.queued = false
	q.count--
}

// makeReady moves a thread to the tail of its ready queue.
func (s *Scheduler) makeReady(index int32) {
	s.threads[index].State = StateReady
	s.enqueue(index)
}

// AddReady places an initialized thread at the tail of its ready queue.
func (s *Scheduler) AddReady(id ThreadID) *kernel.Error {
	if !s.enabled {
		return errNotInitialized
	}

	irql := s.lock.Acquire()
	defer s.lock.Release(irql)

	index, err := s.lookupThread(id)
	if err != nil {
		return err
	}
	if index == s.idle {
		return errIdleThread
	}
	if s.threads[index].State != StateInitialized {
		return errBadThreadState
	}

	s.makeReady(index)
	return nil
}

// RemoveReady takes a ready thread off its queue. The thread returns to the
// Initialized state and will not run until it is passed to AddReady.
func (s *Scheduler) RemoveReady(id ThreadID) *kernel.Error {
	if !s.enabled {
		return errNotInitialized
	}

	irql := s.lock.Acquire()
	defer s.lock.Release(irql)

	index, err := s.lookupThread(id)
	if err != nil {
		return err
	}
	t := &s.threads[index]
	if t.State != StateReady || !t.queued {
		return errBadThreadState
	}

	s.dequeue(index)
	t.State = StateInitialized
	return nil
}

// Yield requests a dispatch. The current thread goes to the tail of its band
// so that a ready peer of the same priority runs next.
func (s *Scheduler) Yield() *kernel.Error {
	if !s.enabled {
		return errNotInitialized
	}

	irql := s.lock.Acquire()
	s.dispatchPending = true
	s.lock.Release(irql)
	return nil
}

// GetStats returns a snapshot of the scheduler counters.
func (s *Scheduler) GetStats() Stats {
	stats := Stats{
		Ticks:           s.ticks,
		ContextSwitches: s.switches,
	}
	if !s.enabled {
		return stats
	}

	stats.Current = s.threads[s.current].ID
	for i := range s.threads {
		if s.threads[i].used {
			stats.Threads++
		}
	}
	for i := range s.processes {
		if s.processes[i].used {
			stats.Processes++
		}
	}
	for p := range s.queues {
		stats.Ready[p] = s.queues[p].count
	}
	return stats
}

// Ticks returns the scheduler clock.
func (s *Scheduler) Ticks() uint64 {
	return s.ticks
}

// CurrentThread returns the id of the running thread.
func (s *Scheduler) CurrentThread() (ThreadID, *kernel.Error) {
	if !s.enabled {
		return 0, errNotInitialized
	}
	return s.threads[s.current].ID, nil
}

// CurrentProcess returns the id of the process that owns the running thread.
func (s *Scheduler) CurrentProcess() (ProcessID, *kernel.Error) {
	if !s.enabled {
		return 0, errNotInitialized
	}
	return s.threads[s.current].ProcessID, nil
}

// ThreadByID returns a snapshot of the thread with the given id.
func (s *Scheduler) ThreadByID(id ThreadID) (Thread, *kernel.Error) {
	if !s.enabled {
		return Thread{}, errNotInitialized
	}

	irql := s.lock.Acquire()
	defer s.lock.Release(irql)

	index, err := s.lookupThread(id)
	if err != nil {
		return Thread{}, err
	}
	return s.threads[index], nil
}

// ProcessByID returns a snapshot of the process with the given id.
func (s *Scheduler) ProcessByID(id ProcessID) (Process, *kernel.Error) {
	if !s.enabled {
		return Process{}, errNotInitialized
	}

	irql := s.lock.Acquire()
	defer s.lock.Release(irql)

	index, err := s.lookupProcess(id)
	if err != nil {
		return Process{}, err
	}
	return s.processes[index], nil
}

// ReadyThreads returns the ids queued in band p in dispatch order.
func (s *Scheduler) ReadyThreads(p Priority) []ThreadID {
	if !s.enabled || p >= NumPriorities {
		return nil
	}

	irql := s.lock.Acquire()
	defer s.lock.Release(irql)

	ids := make([]ThreadID, 0, s.queues[p].count)
	for index := s.queues[p].head; index != nilIndex; index = s.threads[index].next {
		ids = append(ids, s.threads[index].ID)
	}
	return ids
}

func (s *Scheduler) lookupThread(id ThreadID) (int32, *kernel.Error) {
	for i := range s.threads {
		if s.threads[i].used && s.threads[i].ID == id {
			return int32(i), nil
		}
	}
	return nilIndex, errUnknownThread
}

func (s *Scheduler) lookupProcess(id ProcessID) (int32, *kernel.Error) {
	for i := range s.processes {
		if s.processes[i].used && s.processes[i].ID == id {
			return int32(i), nil
		}
	}
	return nilIndex, errUnknownProcess
}
