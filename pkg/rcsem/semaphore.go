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
	"context"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/kvstorelabs/rcsem/pkg/util/humanizeutil"
	"github.com/kvstorelabs/rcsem/pkg/util/syncutil"
)

// unlimitedCount/unlimitedMemory are the sentinels NewUnlimitedSemaphore
// uses in place of a real budget.
const (
	unlimitedCount  = math.MaxInt64
	unlimitedMemory = math.MaxInt64
)

// Config bundles the tunables a Semaphore is constructed with.
type Config struct {
	// Name identifies the semaphore in logs, metrics and diagnostics dumps.
	Name string
	// Count is the maximum number of concurrently admitted reads.
	Count int64
	// Memory is the maximum number of bytes of memory concurrently
	// admitted reads may hold in aggregate, before escalation kicks in.
	Memory int64
	// MaxQueueLength bounds the combined size of the admission queue, the
	// memory queue and the ready list; once reached, new requests fail
	// with ErrOverloaded instead of queuing.
	MaxQueueLength int64
	// SerializeMultiplier and KillMultiplier scale Memory to produce the
	// serialize and kill limits (see escalation.go). Zero or unset
	// disables the respective escalation regime.
	SerializeMultiplier float64
	KillMultiplier      float64
	// DefaultInactiveReadTTL bounds how long a parked inactive reader may
	// sit idle before RegisterInactive evicts it on its own, absent a
	// longer or shorter TTL set later via SetNotifyHandler. Zero disables
	// the default, leaving eviction to memory pressure alone.
	DefaultInactiveReadTTL time.Duration
	// Logger receives diagnostics and invariant-violation reports. If nil,
	// a no-op logger is used.
	Logger *zap.Logger
}

// Semaphore is an admission-control gate for concurrent read operations.
// See the package doc comment for the overall model.
type Semaphore struct {
	name     string
	maxQueue int64
	logger   *zap.Logger
	metrics  *Metrics
	settings struct {
		serializeMultiplier *floatSetting
		killMultiplier      *floatSetting
		inactiveTTL         *durationSetting
	}
	broken *brokenSignal

	diagnosticsLimiter *everyN

	closeWG sync.WaitGroup

	mu struct {
		syncutil.Mutex

		// initial is the budget the semaphore currently targets, mutable at
		// runtime through SetResources. available is always kept in step
		// with it: growing or shrinking initial shifts available by the
		// same delta, so resources already consumed stay consumed.
		initial   Resources
		available Resources

		usedPermits    int64
		blockedPermits int64

		// waitList is the single FIFO merging admission and memory
		// waiters; its front is always the earliest-enqueued entry across
		// both kinds (see waiterKind).
		waitList waitQueue
		ready    readyList

		inactiveList list.List // of *inactiveEntry
		permits      list.List // of *Permit, for diagnostics/ForeachPermit

		blessed *Permit

		stopped         bool
		evictingInBg    bool
		totalPermits    int64
		permitEvictions int64
		timeEvictions   int64
		readsShed       int64
		readsKilled     int64
	}

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewSemaphore constructs a Semaphore and starts its execution loop. Stop
// must be called before the Semaphore is discarded if it ever admitted a
// permit.
func NewSemaphore(cfg Config) *Semaphore {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Semaphore{
		name:     cfg.Name,
		maxQueue: cfg.MaxQueueLength,
		logger:   cfg.Logger.Named("rcsem").With(zap.String("semaphore", cfg.Name)),
		metrics:  NewMetrics(cfg.Name),
		broken:   newBrokenSignal(cfg.Name),

		diagnosticsLimiter: newEveryN(30 * time.Second),

		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.settings.serializeMultiplier = newFloatSetting(cfg.SerializeMultiplier)
	s.settings.killMultiplier = newFloatSetting(cfg.KillMultiplier)
	s.settings.inactiveTTL = newDurationSetting(int64(cfg.DefaultInactiveReadTTL))
	s.mu.initial = Resources{Count: cfg.Count, Memory: cfg.Memory}
	s.mu.available = s.mu.initial

	go s.runExecutionLoop()
	return s
}

// NewUnlimitedSemaphore constructs a Semaphore with no effective limits,
// for contexts (tests, maintenance tasks) that want the bookkeeping this
// package provides without any actual admission control.
func NewUnlimitedSemaphore(name string) *Semaphore {
	return NewSemaphore(Config{
		Name:           name,
		Count:          unlimitedCount,
		Memory:         unlimitedMemory,
		MaxQueueLength: unlimitedCount,
	})
}

// Name returns the semaphore's name.
func (s *Semaphore) Name() string {
	return s.name
}

// InitialResources returns the budget the semaphore currently targets,
// which is the value it was constructed with unless SetResources has since
// resized it.
func (s *Semaphore) InitialResources() Resources {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.initial
}

// AvailableResources returns the currently unreserved budget. Memory may
// be negative under escalation (see escalation.go).
func (s *Semaphore) AvailableResources() Resources {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.available
}

// SetResources resizes the semaphore's admission-control budget at
// runtime, without a restart. The new totals replace the old ones;
// available resources shift by the same delta, so anything already
// consumed against the old budget stays consumed against the new one.
// Growing the budget gives the merged wait list a chance to make
// progress; shrinking it never forcibly reclaims resources already held
// by admitted permits.
func (s *Semaphore) SetResources(r Resources) {
	s.mu.Lock()
	delta := r.Sub(s.mu.initial)
	s.mu.initial = r
	s.mu.available = s.mu.available.Add(delta)
	s.mu.Unlock()
	s.maybeAdmitWaiters()
}

// Metrics returns the semaphore's metric collector.
func (s *Semaphore) Metrics() *Metrics {
	return s.metrics
}

// Break causes every current and future waiter on the semaphore to fail
// with ex (wrapped so errors.Is(err, ErrBroken) holds). It does not affect
// permits that are already admitted and running.
func (s *Semaphore) Break(ex error) {
	s.broken.trip(errors.Mark(ex, ErrBroken))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAllWaitersLocked(s.broken.err())
}

func (s *Semaphore) failAllWaitersLocked(err error) {
	for w := s.mu.waitList.front(); w != nil; w = s.mu.waitList.front() {
		s.mu.waitList.remove(w)
		if w.timer != nil {
			w.timer.Stop()
		}
		w.done <- err
	}
}

// reportInvariantViolation logs an internal-invariant violation without
// panicking, so the semaphore keeps serving other permits.
func (s *Semaphore) reportInvariantViolation(err error) {
	s.logger.Error("internal invariant violation", zap.Error(err))
}

func (s *Semaphore) logSkewWarning(p *Permit, prev, next time.Time) {
	s.logger.Warn("permit deadline moved backwards, assuming clock skew",
		zap.String("permit", p.Description()), zap.Time("previous", prev), zap.Time("next", next),
		zap.String("moved_back_by", humanizeutil.Duration(prev.Sub(next))))
}

// markUsed/markUnused/markBlocked/markUnblocked adjust the semaphore-wide
// used/blocked permit counters. markUnused and markBlocked also reconsider
// admission, since a permit that stops being used or becomes blocked may
// let other queued work proceed.
func (s *Semaphore) markUsed() {
	s.mu.Lock()
	s.mu.usedPermits++
	s.mu.Unlock()
	s.metrics.usedPermits.Inc()
}

func (s *Semaphore) markUnused() {
	s.mu.Lock()
	s.mu.usedPermits--
	s.mu.Unlock()
	s.metrics.usedPermits.Dec()
	s.maybeAdmitWaiters()
}

func (s *Semaphore) markBlocked() {
	s.mu.Lock()
	s.mu.blockedPermits++
	s.mu.Unlock()
	s.metrics.blockedPermits.Inc()
	s.maybeAdmitWaiters()
}

func (s *Semaphore) markUnblocked() {
	s.mu.Lock()
	s.mu.blockedPermits--
	s.mu.Unlock()
	s.metrics.blockedPermits.Dec()
}

// ForeachPermit invokes fn for every permit currently tracked by the
// semaphore, in no particular order. fn must not call back into the
// semaphore.
func (s *Semaphore) ForeachPermit(fn func(*Permit)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := s.mu.permits.Front(); e != nil; e = e.Next() {
		fn(e.Value.(*Permit))
	}
}

func (s *Semaphore) linkPermitLocked(p *Permit) *list.Element {
	s.mu.totalPermits++
	s.metrics.totalPermits.Inc()
	s.metrics.currentPermits.Inc()
	return s.mu.permits.PushBack(p)
}

func (s *Semaphore) unlinkPermitLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	s.mu.permits.Remove(elem)
	s.metrics.currentPermits.Dec()
}

// ObtainPermit creates a Permit for a read against schema named opName,
// reserving memory bytes plus one unit of concurrency. It blocks until the
// permit is admitted, the context is cancelled, deadline passes, or the
// semaphore is stopped or broken.
func (s *Semaphore) ObtainPermit(ctx context.Context, schema SchemaRef, opName string, memory int64, deadline time.Time) (*Permit, error) {
	if err := s.broken.err(); err != nil {
		return nil, err
	}
	base := Resources{Count: 1, Memory: memory}
	p := newPermit(s, schema, opName, base, deadline)

	s.mu.Lock()
	p.elem = s.linkPermitLocked(p)
	s.mu.Unlock()

	if err := s.admit(ctx, p, nil); err != nil {
		p.Release()
		return nil, err
	}
	return p, nil
}

// MakeTrackingOnlyPermit returns a Permit immediately, with zero base
// resources, that never queues. It exists for callers that want the
// accounting and diagnostics a Permit provides without admission control
// (e.g. background maintenance scans).
func (s *Semaphore) MakeTrackingOnlyPermit(schema SchemaRef, opName string) *Permit {
	p := newPermit(s, schema, opName, Resources{}, time.Time{})
	p.setState(StateActiveUnused)
	s.mu.Lock()
	p.elem = s.linkPermitLocked(p)
	s.mu.Unlock()
	return p
}

// WithPermit obtains a permit for schema/opName/memory/deadline and, once
// admitted, dispatches fn through the execution loop, returning its error.
// The permit is released automatically when fn returns, regardless of
// outcome.
func (s *Semaphore) WithPermit(ctx context.Context, schema SchemaRef, opName string, memory int64, deadline time.Time, fn func(*Permit) error) error {
	if err := s.broken.err(); err != nil {
		return err
	}
	base := Resources{Count: 1, Memory: memory}
	p := newPermit(s, schema, opName, base, deadline)

	s.mu.Lock()
	p.elem = s.linkPermitLocked(p)
	s.mu.Unlock()
	defer p.Release()

	return s.admit(ctx, p, fn)
}

// WaitReadmission takes a permit that was evicted while parked as an
// inactive reader (NeedsReadmission reports true) back through the
// admission path, preserving its identity rather than requiring the
// caller to start over with a fresh ObtainPermit. It blocks like
// ObtainPermit until the permit is admitted again, the context is
// cancelled, its deadline passes, or the semaphore is stopped or broken.
// If p does not need readmission, it returns nil immediately without
// touching the permit's state.
func (s *Semaphore) WaitReadmission(ctx context.Context, p *Permit) error {
	if p.sem != s {
		return assertionFailure("permit %s does not belong to this semaphore", p.Description())
	}

	p.mu.Lock()
	if p.mu.state != StateEvicted || p.mu.released {
		p.mu.Unlock()
		return nil
	}
	p.setState(StateWaitingForAdmission)
	p.mu.Unlock()

	return s.admit(ctx, p, func(p *Permit) error {
		p.resumeFromInactive()
		return nil
	})
}

// Stop drains all outstanding state: it fails every queued waiter, evicts
// every inactive reader, aborts the execution loop, and waits for any
// asynchronous reader closes it triggered to complete. Stop must be called
// exactly once, and only after any ObtainPermit/WithPermit calls in flight
// have been given the chance to observe ErrStopped.
func (s *Semaphore) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.mu.stopped {
		s.mu.Unlock()
		return nil
	}
	s.mu.stopped = true
	stoppedErr := newStoppedError(s.name)
	s.failAllWaitersLocked(stoppedErr)
	inactive := s.drainInactiveListLocked()
	s.mu.Unlock()

	for _, e := range inactive {
		s.evictEntry(e, EvictReasonManual)
	}

	close(s.stop)
	<-s.done

	done := make(chan struct{})
	go func() {
		s.closeWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
