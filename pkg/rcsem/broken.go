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

import "github.com/kvstorelabs/rcsem/pkg/util/circuit"

// brokenSignal tracks whether a Semaphore has been explicitly broken. It
// is built on the same breaker primitive the codebase uses for "this
// subsystem has given up, stop sending it work" signaling elsewhere; this
// module only ever trips it manually (via Break) and never registers an
// asynchronous probe, since a broken Semaphore never heals itself.
type brokenSignal struct {
	br *circuit.Breaker
}

func newBrokenSignal(name string) *brokenSignal {
	return &brokenSignal{br: circuit.NewBreaker(circuit.Options{Name: name})}
}

// err returns the error the Semaphore was broken with, or nil if it is
// still healthy.
func (b *brokenSignal) err() error {
	return b.br.Signal().Err()
}

// trip breaks the semaphore with ex. Safe to call multiple times; each call
// replaces the stored error, so err returns the most recent one.
func (b *brokenSignal) trip(ex error) {
	b.br.Report(ex)
}
