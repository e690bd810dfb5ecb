// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package rcsem

// wakeExecutor nudges the execution loop without blocking if it is already
// awake or mid-drain.
func (s *Semaphore) wakeExecutor() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// runExecutionLoop is the single cooperative task that dispatches admitted
// work. It drains the ready list whenever woken, running each entry's
// dispatch function in turn and forwarding the result to the waiter that
// is blocked on it, then goes back to waiting. It exits once stop is
// closed, after draining whatever made it onto the ready list first.
func (s *Semaphore) runExecutionLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			s.drainReadyList()
		case <-s.stop:
			s.drainReadyList()
			return
		}
	}
}

func (s *Semaphore) drainReadyList() {
	for {
		s.mu.Lock()
		entry := s.mu.ready.popFront()
		s.mu.Unlock()
		if entry == nil {
			// Admission is refused while the ready list has a backlog, so
			// waiters held back by it are reconsidered once it is empty.
			s.maybeAdmitWaiters()
			return
		}
		err := entry.dispatch(entry.permit)
		entry.done <- err
	}
}
