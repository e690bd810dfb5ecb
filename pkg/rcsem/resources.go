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
	"fmt"

	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/redact/interfaces"
	"github.com/kvstorelabs/rcsem/pkg/util/humanizeutil"
)

// Resources is the two-dimensional budget tracked by a Semaphore: a count
// of concurrently admitted readers and a number of bytes of memory they
// may hold. Both components are signed so that arithmetic never needs a
// saturating clamp; a negative Memory component is meaningful and occurs
// whenever the semaphore has permitted a permit to overspend (see the
// serialize and kill limits in escalation.go).
type Resources struct {
	Count  int64
	Memory int64
}

// Add returns the componentwise sum of r and o.
func (r Resources) Add(o Resources) Resources {
	return Resources{Count: r.Count + o.Count, Memory: r.Memory + o.Memory}
}

// Sub returns the componentwise difference r - o.
func (r Resources) Sub(o Resources) Resources {
	return Resources{Count: r.Count - o.Count, Memory: r.Memory - o.Memory}
}

// Negate returns the componentwise negation of r.
func (r Resources) Negate() Resources {
	return Resources{Count: -r.Count, Memory: -r.Memory}
}

// NonZero reports whether either component of r is non-zero.
func (r Resources) NonZero() bool {
	return r.Count != 0 || r.Memory != 0
}

// String implements fmt.Stringer.
func (r Resources) String() string {
	return redact.StringWithoutMarkers(r)
}

// SafeFormat implements redact.SafeFormatter.
func (r Resources) SafeFormat(s interfaces.SafePrinter, _ rune) {
	s.Printf("{count: %d, memory: %s}", r.Count, redact.SafeString(humanizeutil.IBytes(r.Memory)))
}

// GoString implements fmt.GoStringer, primarily to make test failures
// readable.
func (r Resources) GoString() string {
	return fmt.Sprintf("Resources{Count: %d, Memory: %d}", r.Count, r.Memory)
}
