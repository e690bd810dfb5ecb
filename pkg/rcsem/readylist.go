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

import "github.com/kvstorelabs/rcsem/pkg/util/ring"

// readyEntry is an admitted unit of work waiting for the execution loop to
// dispatch it.
type readyEntry struct {
	permit   *Permit
	dispatch func(*Permit) error
	done     chan error
}

// readyList is the pure producer/consumer queue between maybeAdmitWaiters
// (which pushes admitted work) and the execution loop (which drains it in
// order). It never needs removal from the middle, so it is backed
// directly by the generic ring buffer rather than container/list.
type readyList struct {
	buf ring.Buffer[*readyEntry]
}

func (r *readyList) pushBack(e *readyEntry) {
	r.buf.AddLast(e)
}

func (r *readyList) popFront() *readyEntry {
	if r.buf.Len() == 0 {
		return nil
	}
	e := r.buf.GetFirst()
	r.buf.RemoveFirst()
	return e
}

func (r *readyList) len() int {
	return r.buf.Len()
}
