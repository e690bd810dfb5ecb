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
	"time"

	"github.com/kvstorelabs/rcsem/pkg/util/syncutil"
	"github.com/kvstorelabs/rcsem/pkg/util/timeutil"
)

// everyN rate-limits a spammy call site, such as the diagnostics dump
// triggered on every timeout. The zero value allows every call through.
type everyN struct {
	n time.Duration

	mu            syncutil.Mutex
	lastProcessed time.Time
}

func newEveryN(n time.Duration) *everyN {
	return &everyN{n: n}
}

// shouldProcess reports whether at least n has elapsed since the last call
// that returned true.
func (e *everyN) shouldProcess() bool {
	now := timeutil.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Sub(e.lastProcessed) >= e.n {
		e.lastProcessed = now
		return true
	}
	return false
}
