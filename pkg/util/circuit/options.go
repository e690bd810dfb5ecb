// Copyright 2021 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package circuit

// Options configures a Breaker.
type Options struct {
	// Name identifies the Breaker in its String/SafeFormat output.
	Name string
	// AsyncProbe is invoked when the Breaker wants to attempt to heal itself.
	// It must invoke report(err) with a non-nil err on failure, or report(nil)
	// on success, and must always eventually call done().
	AsyncProbe func(report func(error), done func())
	// EventHandler receives notifications about Breaker state transitions.
	// If nil, a no-op handler is used.
	EventHandler EventHandler
}

// EventHandler receives Breaker lifecycle notifications.
type EventHandler interface {
	OnTrip(b *Breaker, prevErr, curErr error)
	OnReset(b *Breaker)
	OnProbeLaunched(b *Breaker)
	OnProbeDone(b *Breaker)
}

// NoopEventHandler is an EventHandler that does nothing.
type NoopEventHandler struct{}

var _ EventHandler = NoopEventHandler{}

// OnTrip implements EventHandler.
func (NoopEventHandler) OnTrip(*Breaker, error, error) {}

// OnReset implements EventHandler.
func (NoopEventHandler) OnReset(*Breaker) {}

// OnProbeLaunched implements EventHandler.
func (NoopEventHandler) OnProbeLaunched(*Breaker) {}

// OnProbeDone implements EventHandler.
func (NoopEventHandler) OnProbeDone(*Breaker) {}

func (o Options) withDefaults() Options {
	if o.EventHandler == nil {
		o.EventHandler = NoopEventHandler{}
	}
	if o.AsyncProbe == nil {
		o.AsyncProbe = func(report func(error), done func()) { done() }
	}
	return o
}
