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
	"time"

	"go.uber.org/zap"
)

// EvictReason explains why an inactive reader was evicted.
type EvictReason int

const (
	// EvictReasonPermit is used when an inactive reader is evicted to free
	// resources for a waiting admission.
	EvictReasonPermit EvictReason = iota
	// EvictReasonTime is used when an inactive reader's TTL elapsed.
	EvictReasonTime
	// EvictReasonManual is used for explicit eviction requests, including
	// those made while stopping the semaphore.
	EvictReasonManual
)

// String implements fmt.Stringer.
func (r EvictReason) String() string {
	switch r {
	case EvictReasonPermit:
		return "permit"
	case EvictReasonTime:
		return "time"
	case EvictReasonManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Reader is the capability a parked read exposes to the registry: it can
// be closed (asynchronously; Close may take arbitrarily long) and asked
// which table it targets, for table-scoped eviction.
type Reader interface {
	Close(ctx context.Context) error
	TableID() string
}

// InactiveHandle identifies a reader registered with RegisterInactive. The
// zero value is the handle returned when registration resulted in
// immediate eviction rather than parking.
type InactiveHandle struct {
	sem  *Semaphore
	elem *list.Element
}

// Valid reports whether the handle refers to a still-registered reader.
func (h InactiveHandle) Valid() bool {
	if h.elem == nil {
		return false
	}
	h.sem.mu.Lock()
	defer h.sem.mu.Unlock()
	return !h.elem.Value.(*inactiveEntry).removed
}

type inactiveEntry struct {
	reader  Reader
	permit  *Permit
	notify  func(EvictReason)
	timer   *deadlineTimer
	removed bool
}

// RegisterInactive parks reader on behalf of permit, making it available
// for eviction under pressure, provided the wait list is currently empty
// and memory isn't already overcommitted. Otherwise the reader is evicted
// immediately and RegisterInactive returns the zero InactiveHandle.
func (s *Semaphore) RegisterInactive(permit *Permit, reader Reader) InactiveHandle {
	s.mu.Lock()
	if s.mu.waitList.len() == 0 && s.mu.available.Memory > 0 {
		entry := &inactiveEntry{reader: reader, permit: permit}
		elem := s.mu.inactiveList.PushBack(entry)
		s.metrics.inactiveReads.Inc()
		s.mu.Unlock()

		permit.parkInactive()

		h := InactiveHandle{sem: s, elem: elem}
		if ttl := s.settings.inactiveTTL.Get(); ttl > 0 {
			s.armInactiveTTLLocked(entry, h, time.Duration(ttl))
		}
		return h
	}
	s.mu.Unlock()

	s.evictEntry(&inactiveEntry{reader: reader, permit: permit}, EvictReasonPermit)
	return InactiveHandle{}
}

func (s *Semaphore) armInactiveTTLLocked(entry *inactiveEntry, h InactiveHandle, ttl time.Duration) {
	entry.timer = newDeadlineTimer(ttl, func() {
		s.mu.Lock()
		ent, detached := s.detachInactiveLocked(h.elem)
		s.mu.Unlock()
		if !detached {
			return
		}
		s.evictEntry(ent, EvictReasonTime)
	})
}

// UnregisterInactive detaches a still-parked reader and resumes its
// permit, returning the reader. It returns ok=false if the handle no
// longer refers to a registered reader (e.g. it was already evicted).
func (s *Semaphore) UnregisterInactive(h InactiveHandle) (reader Reader, ok bool) {
	if h.elem == nil {
		return nil, false
	}
	if h.sem != s {
		s.reportInvariantViolation(assertionFailure("inactive-read handle belongs to a different semaphore"))
		return nil, false
	}

	s.mu.Lock()
	entry, detached := s.detachInactiveLocked(h.elem)
	s.mu.Unlock()
	if !detached {
		return nil, false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}

	entry.permit.resumeFromInactive()

	return entry.reader, true
}

// SetNotifyHandler attaches a callback invoked with the eviction reason
// when h's reader is evicted, and, if ttl is positive, a deadline after
// which the reader is evicted with EvictReasonTime if it hasn't already
// been unregistered or otherwise evicted.
func (s *Semaphore) SetNotifyHandler(h InactiveHandle, notify func(EvictReason), ttl time.Duration) {
	if h.elem == nil {
		return
	}
	s.mu.Lock()
	entry := h.elem.Value.(*inactiveEntry)
	if entry.removed {
		s.mu.Unlock()
		return
	}
	entry.notify = notify
	if ttl > 0 {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		s.armInactiveTTLLocked(entry, h, ttl)
	}
	s.mu.Unlock()
}

// TryEvictOneInactiveRead evicts the longest-parked reader, if any, and
// reports whether one was evicted.
func (s *Semaphore) TryEvictOneInactiveRead(reason EvictReason) bool {
	s.mu.Lock()
	entry := s.popFrontInactiveLocked()
	s.mu.Unlock()
	if entry == nil {
		return false
	}
	s.evictEntry(entry, reason)
	return true
}

// ClearInactiveReads evicts every currently parked reader.
func (s *Semaphore) ClearInactiveReads() {
	s.mu.Lock()
	entries := s.drainInactiveListLocked()
	s.mu.Unlock()
	for _, e := range entries {
		s.evictEntry(e, EvictReasonManual)
	}
}

// EvictInactiveReadsForTable evicts every currently parked reader
// targeting tableID and waits for their Close calls to return.
func (s *Semaphore) EvictInactiveReadsForTable(ctx context.Context, tableID string) error {
	s.mu.Lock()
	var matched []*inactiveEntry
	for e := s.mu.inactiveList.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*inactiveEntry)
		if entry.reader.TableID() == tableID {
			s.mu.inactiveList.Remove(e)
			entry.removed = true
			s.metrics.inactiveReads.Dec()
			matched = append(matched, entry)
		}
		e = next
	}
	s.mu.Unlock()

	results := make(chan error, len(matched))
	for _, entry := range matched {
		entry := entry
		s.evictEntrySync(entry, EvictReasonManual, results)
	}
	var firstErr error
	for range matched {
		if err := <-results; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Semaphore) detachInactiveLocked(elem *list.Element) (*inactiveEntry, bool) {
	entry := elem.Value.(*inactiveEntry)
	if entry.removed {
		return entry, false
	}
	entry.removed = true
	s.mu.inactiveList.Remove(elem)
	s.metrics.inactiveReads.Dec()
	return entry, true
}

func (s *Semaphore) popFrontInactiveLocked() *inactiveEntry {
	front := s.mu.inactiveList.Front()
	if front == nil {
		return nil
	}
	entry, _ := s.detachInactiveLocked(front)
	return entry
}

func (s *Semaphore) drainInactiveListLocked() []*inactiveEntry {
	var entries []*inactiveEntry
	for e := s.mu.inactiveList.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*inactiveEntry)
		entry.removed = true
		entries = append(entries, entry)
	}
	s.mu.inactiveList.Init()
	s.metrics.inactiveReads.Set(0)
	return entries
}

// evictEntry transitions entry's permit to evicted, releasing its base
// reservation before the reader's Close has even started, then closes the
// reader asynchronously.
func (s *Semaphore) evictEntry(entry *inactiveEntry, reason EvictReason) {
	entry.permit.mu.Lock()
	entry.permit.setState(StateEvicted)
	base := entry.permit.mu.baseResources
	wasConsumed := entry.permit.mu.baseConsumed
	entry.permit.mu.baseConsumed = false
	if wasConsumed {
		entry.permit.mu.resources = entry.permit.mu.resources.Sub(base)
	}
	entry.permit.mu.Unlock()

	if wasConsumed {
		s.signal(base)
	}

	switch reason {
	case EvictReasonPermit:
		s.mu.Lock()
		s.mu.permitEvictions++
		s.mu.Unlock()
		s.metrics.permitEvictions.Inc()
	case EvictReasonTime:
		s.mu.Lock()
		s.mu.timeEvictions++
		s.mu.Unlock()
		s.metrics.timeEvictions.Inc()
	}

	if entry.timer != nil {
		entry.timer.Stop()
	}
	if entry.notify != nil {
		entry.notify(reason)
	}

	s.closeWG.Add(1)
	go func() {
		defer s.closeWG.Done()
		if err := entry.reader.Close(context.Background()); err != nil {
			s.logger.Warn("error closing evicted reader", zap.Error(err), zap.String("reason", reason.String()))
		}
	}()
}

// evictEntrySync is evictEntry plus delivery of the Close result on
// result, for callers (EvictInactiveReadsForTable) that want to wait.
func (s *Semaphore) evictEntrySync(entry *inactiveEntry, reason EvictReason, result chan<- error) {
	entry.permit.mu.Lock()
	entry.permit.setState(StateEvicted)
	base := entry.permit.mu.baseResources
	wasConsumed := entry.permit.mu.baseConsumed
	entry.permit.mu.baseConsumed = false
	if wasConsumed {
		entry.permit.mu.resources = entry.permit.mu.resources.Sub(base)
	}
	entry.permit.mu.Unlock()

	if wasConsumed {
		s.signal(base)
	}

	switch reason {
	case EvictReasonPermit:
		s.mu.Lock()
		s.mu.permitEvictions++
		s.mu.Unlock()
		s.metrics.permitEvictions.Inc()
	case EvictReasonTime:
		s.mu.Lock()
		s.mu.timeEvictions++
		s.mu.Unlock()
		s.metrics.timeEvictions.Inc()
	}

	if entry.timer != nil {
		entry.timer.Stop()
	}
	if entry.notify != nil {
		entry.notify(reason)
	}

	s.closeWG.Add(1)
	go func() {
		defer s.closeWG.Done()
		result <- entry.reader.Close(context.Background())
	}()
}

// triggerBackgroundEvictionLocked starts the background eviction worker if
// it isn't already running. The worker evicts parked readers one at a
// time, re-running admission after each, until either the wait list or
// the inactive list empties.
func (s *Semaphore) triggerBackgroundEvictionLocked() {
	if s.mu.evictingInBg {
		return
	}
	s.mu.evictingInBg = true
	go s.runBackgroundEviction()
}

func (s *Semaphore) runBackgroundEviction() {
	for {
		s.mu.Lock()
		if s.mu.waitList.len() == 0 || s.mu.inactiveList.Len() == 0 {
			s.mu.evictingInBg = false
			s.mu.Unlock()
			return
		}
		entry := s.popFrontInactiveLocked()
		s.mu.Unlock()
		if entry == nil {
			continue
		}
		s.evictEntry(entry, EvictReasonPermit)
	}
}
