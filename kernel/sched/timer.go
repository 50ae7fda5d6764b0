package sched

import "aurora/kernel"

// Sleep moves the current thread to the Waiting state until ms milliseconds
// have elapsed and requests a dispatch. A zero duration behaves like Yield.
func (s *Scheduler) Sleep(ms uint64) *kernel.Error {
	if !s.enabled {
		return errNotInitialized
	}

	irql := s.lock.Acquire()
	defer s.lock.Release(irql)

	if s.current == s.idle {
		return errIdleThread
	}

	if ms != 0 {
		t := &s.threads[s.current]
		t.State = StateWaiting
		t.WaitReason = WaitSleep
		t.WaitResult = kernel.StatusSuccess
		s.insertTimer(s.current, s.deadlineAfter(ms))
	}

	s.dispatchPending = true
	return nil
}

// deadlineAfter returns the tick at which a wait of ms milliseconds that
// starts now ends. The result saturates instead of wrapping around.
func (s *Scheduler) deadlineAfter(ms uint64) uint64 {
	ticks := msToTicksFn(ms)
	if ticks > ^uint64(0)-s.ticks {
		return ^uint64(0)
	}
	return s.ticks + ticks
}

// insertTimer links the thread at index into the timer list. Entries with
// equal deadlines keep their insertion order.
func (s *Scheduler) insertTimer(index int32, deadline uint64) {
	t := &s.threads[index]
	t.WakeDeadline = deadline
	t.timed = true

	link := &s.timerHead
	for *link != nilIndex && s.threads[*link].WakeDeadline <= deadline {
		link = &s.threads[*link].timerNext
	}
	t.timerNext = *link
	*link = index
}

// removeTimer unlinks the thread at index from the timer list.
func (s *Scheduler) removeTimer(index int32) {
	t := &s.threads[index]
	if !t.timed {
		return
	}

	for link := &s.timerHead; *link != nilIndex; link = &s.threads[*link].timerNext {
		if *link == index {
			*link = t.timerNext
			break
		}
	}
	t.timerNext = nilIndex
	t.timed = false
}

// expireTimers wakes every thread whose deadline is at or before the
// current tick. Sleepers complete with success; timed waits complete with
// a timeout.
func (s *Scheduler) expireTimers() {
	for s.timerHead != nilIndex {
		index := s.timerHead
		t := &s.threads[index]
		if t.WakeDeadline > s.ticks {
			return
		}

		s.timerHead = t.timerNext
		t.timerNext = nilIndex
		t.timed = false

		if t.WaitReason == WaitObject {
			s.removeWaiter(index)
			s.wake(index, kernel.StatusTimeout)
			continue
		}
		s.wake(index, kernel.StatusSuccess)
	}
}

// wake completes the wait of the thread at index with result and makes it
// ready. The result is delivered in the RAX slot of the thread context.
func (s *Scheduler) wake(index int32, result kernel.Status) {
	t := &s.threads[index]
	t.WaitReason = WaitNone
	t.WaitResult = result
	t.Context.RAX = uint64(result)
	t.resultReady = true

	if index == s.current {
		// The thread never left the processor. The pending dispatch
		// now acts as a yield and patches the saved frame.
		t.State = StateRunning
		return
	}
	s.makeReady(index)
}
