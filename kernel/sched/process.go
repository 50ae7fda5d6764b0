package sched

import (
	"aurora/kernel"
	"aurora/kernel/gate"
	"aurora/kernel/mm/vmm"
)

var errSystemProcess = &kernel.Error{Module: "sched", Message: "the system process cannot be terminated", Status: kernel.StatusInvalidParameter}

// CreateProcess allocates a process record. pageTableRoot is the physical
// address of the root table of the process address space.
func (s *Scheduler) CreateProcess(parent ProcessID, name string, imageBase, imageSize, pageTableRoot uintptr) (ProcessID, *kernel.Error) {
	if !s.enabled {
		return 0, errNotInitialized
	}

	irql := s.lock.Acquire()
	defer s.lock.Release(irql)

	parentIndex, err := s.lookupProcess(parent)
	if err != nil {
		return 0, err
	}
	if s.processes[parentIndex].State == ProcessTerminated {
		return 0, errUnknownProcess
	}

	for i := range s.processes {
		p := &s.processes[i]
		if p.used {
			continue
		}

		*p = Process{
			ID:            s.nextProcessID,
			ParentID:      parent,
			Name:          name,
			ImageBase:     imageBase,
			ImageSize:     imageSize,
			PageTableRoot: pageTableRoot,
			used:          true,
		}
		s.nextProcessID++

		log.Debugf("process %d (%s) created", uint32(p.ID), name)
		return p.ID, nil
	}

	return 0, errProcessTableFull
}

// CreateThread allocates a kernel stack, initializes a context that starts
// executing entry with arg in the first argument register and places the
// thread on the ready queue of its band. Invalid priorities are clamped to
// PriorityNormal.
func (s *Scheduler) CreateThread(pid ProcessID, name string, entry, arg uintptr, priority Priority, userMode bool) (ThreadID, *kernel.Error) {
	if !s.enabled {
		return 0, errNotInitialized
	}
	if priority >= NumPriorities {
		priority = PriorityNormal
	}

	irql := s.lock.Acquire()
	defer s.lock.Release(irql)

	procIndex, err := s.lookupProcess(pid)
	if err != nil {
		return 0, err
	}
	proc := &s.processes[procIndex]
	if proc.State == ProcessTerminated {
		return 0, errUnknownProcess
	}

	index := s.freeThreadSlot()
	if index == nilIndex {
		return 0, errThreadTableFull
	}

	stack, err := s.stacks.AllocateVirtual(s.stackSize, vmm.ProtReadWrite)
	if err != nil {
		return 0, err
	}

	t := &s.threads[index]
	t.reset()
	t.used = true
	t.ID = s.nextThreadID
	t.ProcessID = pid
	t.Name = name
	t.Priority = priority
	t.TimeSlice = s.timeSlice
	t.CreatedAt = s.ticks
	t.StackBase = stack
	t.StackSize = s.stackSize
	t.Context = gate.InitContext(entry, arg, stack, s.stackSize, userMode)
	s.nextThreadID++
	proc.Threads++

	s.makeReady(index)

	log.Debugf("thread %d (%s) created in process %d at priority %s", uint32(t.ID), name, uint32(pid), priority.String())
	return t.ID, nil
}

func (s *Scheduler) freeThreadSlot() int32 {
	for i := range s.threads {
		if !s.threads[i].used {
			return int32(i)
		}
	}
	return nilIndex
}

// TerminateThread removes the thread from every queue and marks it
// Terminated. If it is the running thread a dispatch is requested. The
// kernel stack is reclaimed on the next scheduler pass after the thread
// stopped running.
func (s *Scheduler) TerminateThread(id ThreadID, exitCode uint32) *kernel.Error {
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
	if s.threads[index].State == StateTerminated {
		return nil
	}

	s.terminate(index, exitCode)
	return nil
}

// TerminateProcess terminates every thread of the process.
func (s *Scheduler) TerminateProcess(id ProcessID, exitCode uint32) *kernel.Error {
	if !s.enabled {
		return errNotInitialized
	}

	irql := s.lock.Acquire()
	defer s.lock.Release(irql)

	procIndex, err := s.lookupProcess(id)
	if err != nil {
		return err
	}
	if id == s.threads[s.idle].ProcessID {
		return errSystemProcess
	}

	proc := &s.processes[procIndex]
	if proc.State == ProcessTerminated {
		return nil
	}

	for i := range s.threads {
		t := &s.threads[i]
		if t.used && t.ProcessID == id && t.State != StateTerminated {
			s.terminate(int32(i), exitCode)
		}
	}

	proc.State = ProcessTerminated
	proc.ExitCode = exitCode
	log.Debugf("process %d terminated with exit code %d", uint32(id), exitCode)
	return nil
}

// terminate detaches the thread at index from queues, timers and wait
// objects. The lock must be held.
func (s *Scheduler) terminate(index int32, exitCode uint32) {
	t := &s.threads[index]

	s.dequeue(index)
	s.removeTimer(index)
	s.removeWaiter(index)

	t.State = StateTerminated
	t.WaitReason = WaitNone
	t.ExitCode = exitCode

	if index == s.current {
		s.dispatchPending = true
	}
}

// reapTerminated releases the stacks and table slots of terminated threads
// that are no longer running, and the slots of terminated processes that
// have no threads left.
func (s *Scheduler) reapTerminated() {
	for i := range s.threads {
		t := &s.threads[i]
		if !t.used || t.State != StateTerminated || int32(i) == s.current {
			continue
		}

		if t.StackBase != 0 {
			if err := s.stacks.FreeVirtual(t.StackBase); err != nil {
				log.Warnf("unable to release stack of thread %d: %s", uint32(t.ID), err.Message)
			}
		}

		if procIndex, err := s.lookupProcess(t.ProcessID); err == nil {
			s.processes[procIndex].Threads--
		}
		t.reset()
	}

	for i := range s.processes {
		p := &s.processes[i]
		if p.used && p.State == ProcessTerminated && p.Threads == 0 {
			p.used = false
		}
	}
}

// ProcessThreads returns the ids of the threads owned by the process.
func (s *Scheduler) ProcessThreads(id ProcessID) []ThreadID {
	if !s.enabled {
		return nil
	}

	irql := s.lock.Acquire()
	defer s.lock.Release(irql)

	var ids []ThreadID
	for i := range s.threads {
		if s.threads[i].used && s.threads[i].ProcessID == id {
			ids = append(ids, s.threads[i].ID)
		}
	}
	return ids
}
