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
	"math"
	"sync/atomic"
)

// unlimitedMultiplier disables the corresponding escalation threshold by
// pushing it to the largest representable budget.
const unlimitedMultiplier = math.MaxFloat64

// floatSetting is a small atomically-swapped value box, in the spirit of
// the live-updatable scalar settings the surrounding codebase registers
// against its cluster-wide settings registry. This module has no server
// process to host that registry, so the setting is local to a Semaphore
// instead, but it keeps the same "read without locking, write via Set"
// contract and supports an optional on-change callback.
type floatSetting struct {
	bits     atomic.Uint64
	onChange atomic.Pointer[func(float64)]
}

func newFloatSetting(initial float64) *floatSetting {
	s := &floatSetting{}
	s.bits.Store(math.Float64bits(initial))
	return s
}

// Get returns the current value.
func (s *floatSetting) Get() float64 {
	return math.Float64frombits(s.bits.Load())
}

// Set installs a new value and, if one was registered, invokes the
// on-change callback with it.
func (s *floatSetting) Set(v float64) {
	s.bits.Store(math.Float64bits(v))
	if f := s.onChange.Load(); f != nil {
		(*f)(v)
	}
}

// SetOnChange registers a callback invoked synchronously from Set whenever
// the value changes. Only one callback may be registered at a time.
func (s *floatSetting) SetOnChange(f func(float64)) {
	s.onChange.Store(&f)
}

// durationSetting is the nanosecond-resolution counterpart of
// floatSetting, used for the default inactive-read TTL.
type durationSetting struct {
	nanos atomic.Int64
}

func newDurationSetting(initial int64) *durationSetting {
	s := &durationSetting{}
	s.nanos.Store(initial)
	return s
}

// Get returns the current value in nanoseconds.
func (s *durationSetting) Get() int64 {
	return s.nanos.Load()
}

// Set installs a new value in nanoseconds.
func (s *durationSetting) Set(v int64) {
	s.nanos.Store(v)
}
