// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package rcsem implements an admission-control semaphore for concurrent
// read operations against a storage engine.
//
// A Semaphore bounds the number of concurrently admitted reads and the
// memory they may collectively hold. Callers obtain a Permit before
// running a read; the permit tracks the resources consumed on its behalf
// and is released when the read completes. When the system is saturated,
// callers queue in FIFO order until resources free up, either because an
// admitted read finishes or because an idle ("inactive") read is evicted
// to make room.
//
// Under sustained memory pressure the semaphore escalates: past a
// serialize threshold only a single "blessed" permit may keep growing its
// memory footprint; past a kill threshold further growth is refused
// outright so the caller can abort the read instead of exhausting memory.
package rcsem
