package sched

import "aurora/kernel"

const (
	// MaxEvents is the size of the event table.
	MaxEvents = 64

	// Infinite is the timeout value that disables the wait deadline.
	Infinite = ^uint32(0)
)

// Handle identifies a wait object. The zero value is never a valid handle.
type Handle uint32

var errUnknownObject = &kernel.Error{Module: "sched", Message: "unknown wait object", Status: kernel.StatusInvalidParameter}

var errEventTableFull = &kernel.Error{Module: "sched", Message: "event table full", Status: kernel.StatusInsufficientResources}

// event is a wait object. A manual-reset event stays signalled and releases
// every waiter; an auto-reset event releases exactly one waiter per signal.
type event struct {
	used        bool
	manualReset bool
	signalled   bool

	// FIFO list of waiting threads linked through Thread.waitNext.
	waitHead, waitTail int32
}

func (e *event) reset() {
	*e = event{waitHead: nilIndex, waitTail: nilIndex}
}

func handleToIndex(h Handle) int32 {
	return int32(h) - 1
}

// CreateEvent allocates a wait object.
func (s *Scheduler) CreateEvent(manualReset, initialState bool) (Handle, *kernel.Error) {
	if !s.enabled {
		return 0, errNotInitialized
	}

	irql := s.lock.Acquire()
	defer s.lock.Release(irql)

	for i := range s.events {
		e := &s.events[i]
		if e.used {
			continue
		}

		e.reset()
		e.used = true
		e.manualReset = manualReset
		e.signalled = initialState
		return Handle(i + 1), nil
	}

	return 0, errEventTableFull
}

// CloseEvent releases a wait object. Threads still waiting on it complete
// their wait with an invalid-parameter status.
func (s *Scheduler) CloseEvent(h Handle) *kernel.Error {
	if !s.enabled {
		return errNotInitialized
	}

	irql := s.lock.Acquire()
	defer s.lock.Release(irql)

	e, err := s.lookupEvent(h)
	if err != nil {
		return err
	}

	for e.waitHead != nilIndex {
		index := e.waitHead
		s.removeWaiter(index)
		s.removeTimer(index)
		s.wake(index, kernel.StatusInvalidParameter)
	}
	e.reset()
	return nil
}

func (s *Scheduler) lookupEvent(h Handle) (*event, *kernel.Error) {
	index := handleToIndex(h)
	if index < 0 || index >= MaxEvents || !s.events[index].used {
		return nil, errUnknownObject
	}
	return &s.events[index], nil
}

// WaitForObject waits for the object h to become signalled. If the object
// is already signalled it returns StatusSuccess (consuming the signal of an
// auto-reset event). A zero timeout never blocks and returns StatusTimeout.
// Otherwise the current thread blocks, a dispatch is requested and
// StatusPending is returned; the final result (StatusSuccess when signalled,
// StatusTimeout when timeoutMs elapsed) is delivered in the RAX slot of the
// thread context when it resumes.
func (s *Scheduler) WaitForObject(h Handle, timeoutMs uint32) (kernel.Status, *kernel.Error) {
	if !s.enabled {
		return kernel.StatusNotInitialized, errNotInitialized
	}

	irql := s.lock.Acquire()
	defer s.lock.Release(irql)

	e, err := s.lookupEvent(h)
	if err != nil {
		return kernel.StatusOf(err), err
	}

	if e.signalled {
		if !e.manualReset {
			e.signalled = false
		}
		return kernel.StatusSuccess, nil
	}

	if timeoutMs == 0 {
		return kernel.StatusTimeout, nil
	}
	if s.current == s.idle {
		return kernel.StatusOf(errIdleThread), errIdleThread
	}

	index := s.current
	t := &s.threads[index]
	t.State = StateWaiting
	t.WaitReason = WaitObject
	t.WaitResult = kernel.StatusPending
	t.waitObject = handleToIndex(h)
	t.waitNext = nilIndex

	if e.waitTail != nilIndex {
		s.threads[e.waitTail].waitNext = index
	} else {
		e.waitHead = index
	}
	e.waitTail = index

	if timeoutMs != Infinite {
		s.insertTimer(index, s.deadlineAfter(uint64(timeoutMs)))
	}

	s.dispatchPending = true
	return kernel.StatusPending, nil
}

// SignalObject signals h. For an auto-reset event the oldest waiter is
// released, or the signal is latched when nobody waits. A manual-reset event
// is latched and every waiter is released.
func (s *Scheduler) SignalObject(h Handle) *kernel.Error {
	if !s.enabled {
		return errNotInitialized
	}

	irql := s.lock.Acquire()
	defer s.lock.Release(irql)

	e, err := s.lookupEvent(h)
	if err != nil {
		return err
	}

	if !e.manualReset {
		if e.waitHead == nilIndex {
			e.signalled = true
			return nil
		}

		index := e.waitHead
		s.removeWaiter(index)
		s.removeTimer(index)
		s.wake(index, kernel.StatusSuccess)
		return nil
	}

	e.signalled = true
	for e.waitHead != nilIndex {
		index := e.waitHead
		s.removeWaiter(index)
		s.removeTimer(index)
		s.wake(index, kernel.StatusSuccess)
	}
	return nil
}

// ResetObject clears the signalled state of h.
func (s *Scheduler) ResetObject(h Handle) *kernel.Error {
	if !s.enabled {
		return errNotInitialized
	}

	irql := s.lock.Acquire()
	defer s.lock.Release(irql)

	e, err := s.lookupEvent(h)
	if err != nil {
		return err
	}
	e.signalled = false
	return nil
}

// removeWaiter unlinks the thread at index from the wait list of the object
// it is blocked on.
func (s *Scheduler) removeWaiter(index int32) {
	t := &s.threads[index]
	if t.waitObject == nilIndex {
		return
	}

	e := &s.events[t.waitObject]
	prev := nilIndex
	for cur := e.waitHead; cur != nilIndex; prev, cur = cur, s.threads[cur].waitNext {
		if cur != index {
			continue
		}

		if prev == nilIndex {
			e.waitHead = t.waitNext
		} else {
			s.threads[prev].waitNext = t.waitNext
		}
		if e.waitTail == index {
			e.waitTail = prev
		}
		break
	}

	t.waitObject = nilIndex
	t.waitNext = nilIndex
}
