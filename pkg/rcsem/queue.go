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
	"container/list"
	"sync"
	"time"

	"github.com/kvstorelabs/rcsem/pkg/util/timeutil"
)

// waiterKind distinguishes the two things a permit can be waiting for
// within the single merged wait list: initial admission, or an additional
// memory grant on a permit already admitted.
type waiterKind int

const (
	waiterKindAdmission waiterKind = iota
	waiterKindMemory
)

// waiter is a single entry on the merged admission/memory wait list. Its
// expire timer fails done with a timeout error if the deadline passes
// before the entry is removed by a grant.
type waiter struct {
	kind     waiterKind
	permit   *Permit
	deadline time.Time
	done     chan error

	// dispatch is set for admission entries and is run by the execution
	// loop once the permit is admitted: the caller's function for
	// WithPermit, a state-resuming function for WaitReadmission, and a
	// function that marks the permit active for ObtainPermit. Memory
	// entries leave it nil.
	dispatch func(*Permit) error

	timer   *deadlineTimer
	elem    *list.Element
	expired bool
}

// deadlineTimer adapts the package's pooled timeutil.Timer, which exposes a
// channel rather than a callback, into a fire-and-forget callback timer
// for wait-queue deadlines.
type deadlineTimer struct {
	t      timeutil.Timer
	cancel chan struct{}
	once   sync.Once
}

func newDeadlineTimer(d time.Duration, f func()) *deadlineTimer {
	dt := &deadlineTimer{cancel: make(chan struct{})}
	dt.t.Reset(d)
	go func() {
		select {
		case <-dt.t.C:
			f()
		case <-dt.cancel:
			dt.t.Stop()
		}
	}()
	return dt
}

// Stop prevents the timer's callback from firing, if it hasn't already.
func (dt *deadlineTimer) Stop() {
	dt.once.Do(func() { close(dt.cancel) })
}

// waitQueue is a strict FIFO of waiters, removable from the middle so a
// timeout (or an explicit grant out of order, which this module never
// does) can detach an entry without disturbing the others. A Semaphore
// keeps exactly one waitQueue, shared by admission and memory waiters
// alike, so that front() always returns the earliest-enqueued entry
// across both kinds rather than treating them as two independently
// progressing queues.
type waitQueue struct {
	l list.List
}

func (q *waitQueue) pushBack(w *waiter) {
	w.elem = q.l.PushBack(w)
}

func (q *waitQueue) front() *waiter {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*waiter)
}

func (q *waitQueue) remove(w *waiter) {
	if w.elem == nil {
		return
	}
	q.l.Remove(w.elem)
	w.elem = nil
}

func (q *waitQueue) len() int {
	return q.l.Len()
}
