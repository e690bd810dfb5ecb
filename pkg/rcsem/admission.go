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

import "context"

// admitResult is the outcome of weighing a permit against the semaphore's
// current resource state.
type admitResult int

const (
	admitNo admitResult = iota
	admitYes
	admitMaybe
)

// canAdmitLocked decides whether p can be admitted right now. It implements,
// in order:
//
//  1. Memory escalation: while available memory is negative, nothing may
//     proceed once consumed memory has reached the kill limit, and once it
//     has reached the serialize limit only the blessed permit (or, absent
//     one, any memory-queue waiter) may proceed.
//  2. A permit already granted a memory increase is admitted outright.
//  3. Admission is refused outright while the ready list has a backlog.
//  4. Admission is refused while some admitted permit is still making
//     progress (used but not blocked) under the assumption that it will
//     eventually free resources on its own. This intentionally delays
//     admission even when raw resources are technically available.
//  5. Otherwise admit if the budget has room, ask for a background
//     eviction if an inactive reader might free enough room, or refuse.
func (s *Semaphore) canAdmitLocked(p *Permit) admitResult {
	if s.mu.available.Memory < 0 {
		consumed := s.consumedMemoryLocked()
		switch {
		case consumed >= s.killLimitLocked():
			return admitNo
		case consumed >= s.serializeLimitLocked():
			if s.mu.blessed != nil {
				if p == s.mu.blessed && p.State() == StateWaitingForMemory {
					return admitYes
				}
				return admitNo
			}
			if p.State() == StateWaitingForMemory {
				return admitYes
			}
			return admitNo
		}
	}

	if p.State() == StateWaitingForMemory {
		return admitYes
	}
	if s.mu.ready.len() > 0 {
		return admitNo
	}
	if s.mu.usedPermits != s.mu.blockedPermits {
		return admitNo
	}

	base := p.BaseResources()
	if s.mu.available.Count == s.mu.initial.Count || s.hasAvailableUnitsLocked(base) {
		return admitYes
	}
	if s.mu.inactiveList.Len() > 0 {
		return admitMaybe
	}
	return admitNo
}

func (s *Semaphore) hasAvailableUnitsLocked(r Resources) bool {
	return s.mu.available.Count >= r.Count && s.mu.available.Memory >= r.Memory
}

// maybeAdmitWaiters re-evaluates the merged wait list against the current
// resource state, admitting or granting entries strictly from the front,
// in the order they were enqueued regardless of whether they are waiting
// for initial admission or for an additional memory grant. A front entry
// that cannot yet make progress blocks everything behind it, matching a
// single FIFO semaphore rather than two independently draining queues:
// an earlier memory waiter holds up a later admission waiter and vice
// versa.
func (s *Semaphore) maybeAdmitWaiters() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		w := s.mu.waitList.front()
		if w == nil {
			return
		}

		switch s.canAdmitLocked(w.permit) {
		case admitYes:
			s.mu.waitList.remove(w)
			if w.timer != nil {
				w.timer.Stop()
			}
			switch w.kind {
			case waiterKindMemory:
				s.grantMemoryWaiterLocked(w)
			default:
				s.admitFrontLocked(w)
			}
		case admitMaybe:
			s.triggerBackgroundEvictionLocked()
			return
		case admitNo:
			return
		}
	}
}

// grantMemoryWaiterLocked debits the waiter's requested memory and resumes
// its permit's prior active state.
func (s *Semaphore) grantMemoryWaiterLocked(w *waiter) {
	p := w.permit
	p.mu.Lock()
	n := p.mu.requestedMemory
	p.mu.Unlock()
	err := s.consumeLocked(p, Resources{Memory: n})
	p.mu.Lock()
	if err == nil {
		p.consumeLocked(Resources{Memory: n})
		p.resumeFromMemoryWaitLocked()
	}
	p.mu.Unlock()
	w.done <- err
}

// admitFrontLocked debits a waiter's base resources, marks its permit
// active, and hands it to the execution loop via the ready list.
func (s *Semaphore) admitFrontLocked(w *waiter) {
	p := w.permit
	base := p.BaseResources()
	s.mu.available = s.mu.available.Sub(base)

	p.mu.Lock()
	p.mu.baseConsumed = true
	p.mu.resources = p.mu.resources.Add(base)
	p.mu.Unlock()

	s.metrics.totalAdmitted.Inc()
	s.mu.ready.pushBack(&readyEntry{permit: p, dispatch: w.dispatch, done: w.done})
	s.wakeExecutor()
}

// admit is the suspension point shared by ObtainPermit and WithPermit: it
// either admits p immediately, or queues it and waits for admission,
// timeout, context cancellation, or the semaphore stopping/breaking.
func (s *Semaphore) admit(ctx context.Context, p *Permit, dispatch func(*Permit) error) error {
	if dispatch == nil {
		dispatch = func(p *Permit) error {
			p.mu.Lock()
			if p.mu.state == StateWaitingForAdmission {
				p.setState(StateActiveUnused)
			}
			p.mu.Unlock()
			return nil
		}
	}

	s.mu.Lock()
	if s.mu.stopped {
		s.mu.Unlock()
		return newStoppedError(s.name)
	}
	if err := s.broken.err(); err != nil {
		s.mu.Unlock()
		return err
	}

	w := &waiter{kind: waiterKindAdmission, permit: p, deadline: p.timeoutLocked(), done: make(chan error, 1), dispatch: dispatch}

	// admitYes is only grounds for cutting straight to the ready list when
	// the wait list is empty: canAdmitLocked is evaluated against p's own
	// resource request, so a smaller request arriving later can read "yes"
	// against the current balance while an earlier, larger request is
	// still queued unable to proceed. Letting the later one jump ahead
	// would break strict FIFO within the queue; it must still go to the
	// back instead.
	switch s.canAdmitLocked(p) {
	case admitYes:
		if s.mu.waitList.len() == 0 {
			s.admitFrontLocked(w)
			s.mu.Unlock()
			return s.awaitDispatch(ctx, w)
		}
	case admitMaybe:
		s.triggerBackgroundEvictionLocked()
	}

	if int64(s.mu.waitList.len()+s.mu.ready.len()) >= s.maxQueue {
		s.mu.readsShed++
		s.metrics.readsShed.Inc()
		s.mu.Unlock()
		return newOverloadedError(s.name)
	}

	s.armTimeoutLocked(w, &s.mu.waitList)
	s.mu.waitList.pushBack(w)
	s.metrics.enqueuedAdmission.Inc()
	s.mu.Unlock()

	return s.awaitDispatch(ctx, w)
}

// awaitDispatch waits for w's entry to either time out, be admitted and
// dispatched by the execution loop, or be cut short by ctx.
func (s *Semaphore) awaitDispatch(ctx context.Context, w *waiter) error {
	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		s.mu.waitList.remove(w)
		s.mu.Unlock()
		return ctx.Err()
	}
}
