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
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// ErrTimedOut is the sentinel a caller can match against with errors.Is to
// recognize that its wait on a Semaphore expired before it was admitted.
var ErrTimedOut = errors.New("timed out")

// ErrOverloaded is the sentinel for a request rejected because the
// Semaphore's wait and ready queues were already at capacity.
var ErrOverloaded = errors.New("queue overloaded")

// ErrOutOfMemory is the sentinel for a consume() that would have pushed a
// Semaphore's consumed memory past its kill limit.
var ErrOutOfMemory = errors.New("admission: out of memory")

// ErrStopped is the sentinel for any call made against a Semaphore that has
// begun or completed Stop.
var ErrStopped = errors.New("semaphore stopped")

// ErrBroken is the sentinel for any call made against a Semaphore that has
// been explicitly broken via Semaphore.Break.
var ErrBroken = errors.New("semaphore broken")

func newTimedOutError(name string) error {
	return errors.Mark(errors.Newf("%s: timed out", redact.Safe(name)), ErrTimedOut)
}

func newOverloadedError(name string) error {
	return errors.Mark(errors.Newf("%s: too many outstanding requests", redact.Safe(name)), ErrOverloaded)
}

func newOutOfMemoryError(name string) error {
	return errors.Mark(errors.Newf("%s: would exceed kill limit", redact.Safe(name)), ErrOutOfMemory)
}

func newStoppedError(name string) error {
	return errors.Mark(errors.Newf("%s: stopped", redact.Safe(name)), ErrStopped)
}

// assertionFailure builds an internal-invariant-violation error in the
// style the admission-control package uses for conditions that should
// never occur but must not bring the process down: it is logged and
// swallowed by the caller rather than panicked.
func assertionFailure(format string, args ...interface{}) error {
	return errors.AssertionFailedf(format, args...)
}
