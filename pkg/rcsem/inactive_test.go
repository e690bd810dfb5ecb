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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterUnregisterInactiveRoundTrip(t *testing.T) {
	s := testSemaphore(t, Config{Name: "roundtrip", Count: 1, Memory: 1024, MaxQueueLength: 10})

	p, err := s.ObtainPermit(context.Background(), SchemaRef{}, "op", 100, time.Time{})
	require.NoError(t, err)

	before := p.ConsumedResources()

	reader := &fakeReader{closed: make(chan struct{})}
	h := s.RegisterInactive(p, reader)
	require.True(t, h.Valid())
	require.Equal(t, StateInactive, p.State())

	got, ok := s.UnregisterInactive(h)
	require.True(t, ok)
	require.Equal(t, reader, got)
	require.Equal(t, StateActiveUnused, p.State())
	require.Equal(t, before, p.ConsumedResources())

	_, ok = s.UnregisterInactive(h)
	require.False(t, ok)

	p.Release()
}

func TestRegisterInactivePreservesUsedState(t *testing.T) {
	s := testSemaphore(t, Config{Name: "preserve", Count: 2, Memory: 1024, MaxQueueLength: 10})

	p, err := s.ObtainPermit(context.Background(), SchemaRef{}, "op", 100, time.Time{})
	require.NoError(t, err)
	p.MarkUsed()
	require.Equal(t, StateActiveUsed, p.State())
	require.EqualValues(t, 1, testutilReadCounter(s.metrics.usedPermits))

	reader := &fakeReader{closed: make(chan struct{})}
	h := s.RegisterInactive(p, reader)
	require.True(t, h.Valid())
	require.Equal(t, StateInactive, p.State())
	// Parking a used permit must not leave the semaphore-wide used-permit
	// count inflated by a permit that is no longer running.
	require.EqualValues(t, 0, testutilReadCounter(s.metrics.usedPermits))

	got, ok := s.UnregisterInactive(h)
	require.True(t, ok)
	require.Equal(t, reader, got)
	require.Equal(t, StateActiveUsed, p.State())
	require.EqualValues(t, 1, testutilReadCounter(s.metrics.usedPermits))

	p.MarkUnused()
	p.Release()
}

func TestEvictInactiveReadsForTable(t *testing.T) {
	s := testSemaphore(t, Config{Name: "bytable", Count: 3, Memory: 4096, MaxQueueLength: 10})

	var readers []*fakeReader
	for _, tbl := range []string{"a", "b", "a"} {
		p, err := s.ObtainPermit(context.Background(), SchemaRef{Table: tbl}, "scan", 100, time.Time{})
		require.NoError(t, err)
		r := &fakeReader{closed: make(chan struct{}), table: tbl}
		readers = append(readers, r)
		h := s.RegisterInactive(p, r)
		require.True(t, h.Valid())
	}

	err := s.EvictInactiveReadsForTable(context.Background(), "a")
	require.NoError(t, err)

	for i, r := range readers {
		select {
		case <-r.closed:
			require.Equal(t, "a", r.table, "reader %d for a different table was closed", i)
		case <-time.After(200 * time.Millisecond):
			require.NotEqual(t, "a", r.table, "reader %d for table a was never closed", i)
		}
	}
}

func TestClearInactiveReads(t *testing.T) {
	s := testSemaphore(t, Config{Name: "clear", Count: 2, Memory: 2048, MaxQueueLength: 10})

	p1, err := s.ObtainPermit(context.Background(), SchemaRef{}, "a", 100, time.Time{})
	require.NoError(t, err)
	p2, err := s.ObtainPermit(context.Background(), SchemaRef{}, "b", 100, time.Time{})
	require.NoError(t, err)

	r1 := &fakeReader{closed: make(chan struct{})}
	r2 := &fakeReader{closed: make(chan struct{})}
	s.RegisterInactive(p1, r1)
	s.RegisterInactive(p2, r2)

	s.ClearInactiveReads()

	for _, r := range []*fakeReader{r1, r2} {
		select {
		case <-r.closed:
		case <-time.After(200 * time.Millisecond):
			t.Fatal("reader was not closed by ClearInactiveReads")
		}
	}
}
