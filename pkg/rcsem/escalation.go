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

import (
	"context"

	"github.com/kvstorelabs/rcsem/pkg/util/timeutil"
)

// consumedMemoryLocked returns how much memory is currently debited from
// the semaphore in total, i.e. initial.Memory - available.Memory.
func (s *Semaphore) consumedMemoryLocked() int64 {
	return s.mu.initial.Memory - s.mu.available.Memory
}

// serializeLimitLocked returns the consumed-memory threshold past which
// only the blessed permit may keep growing. A zero or negative multiplier
// disables the regime.
func (s *Semaphore) serializeLimitLocked() int64 {
	mult := s.settings.serializeMultiplier.Get()
	if mult <= 0 || s.mu.initial.Memory <= 0 {
		return unlimitedMemory
	}
	return int64(float64(s.mu.initial.Memory) * mult)
}

// killLimitLocked returns the consumed-memory threshold past which further
// growth is refused outright. A zero or negative multiplier disables the
// regime.
func (s *Semaphore) killLimitLocked() int64 {
	mult := s.settings.killMultiplier.Get()
	if mult <= 0 || s.mu.initial.Memory <= 0 {
		return unlimitedMemory
	}
	return int64(float64(s.mu.initial.Memory) * mult)
}

// consume debits r from the semaphore on behalf of p. It fails with
// ErrOutOfMemory, without debiting anything, if doing so would push
// consumed memory past the kill limit.
func (s *Semaphore) consume(p *Permit, r Resources) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeLocked(p, r)
}

func (s *Semaphore) consumeLocked(p *Permit, r Resources) error {
	newMemory := s.mu.available.Memory - r.Memory
	if r.Memory > 0 && newMemory < 0 {
		newConsumed := s.mu.initial.Memory - newMemory
		if newConsumed >= s.killLimitLocked() {
			p.mu.Lock()
			already := p.mu.oomKills > 0
			p.mu.oomKills++
			p.mu.Unlock()
			if !already {
				s.mu.readsKilled++
				s.metrics.readsKilled.Inc()
			}
			return newOutOfMemoryError(s.name)
		}
	}
	s.mu.available = s.mu.available.Sub(r)
	return nil
}

// signal credits r back to the semaphore and synchronously reconsiders
// queued waiters.
func (s *Semaphore) signal(r Resources) {
	s.mu.Lock()
	s.mu.available = s.mu.available.Add(r)
	s.mu.Unlock()
	s.maybeAdmitWaiters()
}

// requestMemory implements the escalation policy described in the
// "memory escalation" section of the package doc: an immediate grant when
// memory is available or the serialize threshold hasn't been crossed yet,
// a one-time "blessing" of the requesting permit when no permit is
// currently blessed, or else a queued wait for the memory to free up.
func (s *Semaphore) requestMemory(ctx context.Context, p *Permit, n int64) (ResourceUnits, error) {
	if err := s.broken.err(); err != nil {
		return ResourceUnits{}, err
	}

	p.mu.Lock()
	if p.mu.memoryWaiters != nil {
		ch := make(chan error, 1)
		p.mu.memoryWaiters = append(p.mu.memoryWaiters, ch)
		p.mu.Unlock()
		select {
		case err := <-ch:
			if err != nil {
				return ResourceUnits{}, err
			}
			p.mu.Lock()
			granted := p.mu.requestedMemory
			p.mu.Unlock()
			return newResourceUnits(p, Resources{Memory: granted}), nil
		case <-ctx.Done():
			return ResourceUnits{}, ctx.Err()
		}
	}
	p.mu.Unlock()

	s.mu.Lock()
	grantImmediately := s.mu.available.Memory > 0 || s.consumedMemoryLocked()+n < s.serializeLimitLocked()
	blessOK := false
	if !grantImmediately && s.mu.blessed == nil {
		blessOK = true
	}
	if grantImmediately || blessOK {
		if blessOK {
			s.mu.blessed = p
			p.mu.Lock()
			p.mu.blessed = true
			p.mu.Unlock()
		}
		s.mu.Unlock()
		if err := p.Consume(Resources{Memory: n}); err != nil {
			return ResourceUnits{}, err
		}
		return newResourceUnits(p, Resources{Memory: n}), nil
	}

	// Must queue.
	if int64(s.mu.waitList.len()+s.mu.ready.len()) >= s.maxQueue {
		s.mu.readsShed++
		s.metrics.readsShed.Inc()
		s.mu.Unlock()
		return ResourceUnits{}, newOverloadedError(s.name)
	}
	p.mu.Lock()
	p.mu.requestedMemory = n
	p.mu.memoryWaiters = []chan error{}
	p.setState(StateWaitingForMemory)
	p.mu.Unlock()

	w := &waiter{kind: waiterKindMemory, permit: p, deadline: p.timeoutLocked(), done: make(chan error, 1)}
	s.armTimeoutLocked(w, &s.mu.waitList)
	s.mu.waitList.pushBack(w)
	s.metrics.enqueuedMemory.Inc()
	s.mu.Unlock()

	select {
	case err := <-w.done:
		if err != nil {
			s.failMemoryWaitersLocked(p, err)
			return ResourceUnits{}, err
		}
		s.notifyMemoryWaitersLocked(p, nil)
		return newResourceUnits(p, Resources{Memory: n}), nil
	case <-ctx.Done():
		s.mu.Lock()
		s.mu.waitList.remove(w)
		s.mu.Unlock()
		return ResourceUnits{}, ctx.Err()
	}
}

func (s *Semaphore) notifyMemoryWaitersLocked(p *Permit, err error) {
	p.mu.Lock()
	waiters := p.mu.memoryWaiters
	p.mu.memoryWaiters = nil
	p.mu.Unlock()
	for _, ch := range waiters {
		ch <- err
	}
}

func (s *Semaphore) failMemoryWaitersLocked(p *Permit, err error) {
	s.notifyMemoryWaitersLocked(p, err)
}

// clearBlessedIfLocked releases p's claim on being the blessed permit, if
// it held it. It does not reconsider admission; the caller does that after
// releasing s.mu.
func (s *Semaphore) clearBlessedIfLocked(p *Permit) {
	if s.mu.blessed == p {
		s.mu.blessed = nil
	}
}

func (s *Semaphore) armTimeoutLocked(w *waiter, q *waitQueue) {
	if w.deadline.IsZero() {
		return
	}
	d := w.deadline.Sub(timeutil.Now())
	if d < 0 {
		d = 0
	}
	w.timer = newDeadlineTimer(d, func() {
		s.mu.Lock()
		if w.elem == nil {
			s.mu.Unlock()
			return
		}
		q.remove(w)
		w.expired = true
		s.mu.Unlock()
		w.done <- newTimedOutError(s.name)
		s.maybeDumpDiagnostics("timeout")
	})
}
