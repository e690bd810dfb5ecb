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

func TestPermitUsedBlockedStateMachine(t *testing.T) {
	s := testSemaphore(t, Config{Name: "guards", Count: 2, Memory: 1024, MaxQueueLength: 10})

	p, err := s.ObtainPermit(context.Background(), SchemaRef{Keyspace: "ks", Table: "t"}, "scan", 100, time.Time{})
	require.NoError(t, err)
	require.Equal(t, StateActiveUnused, p.State())
	require.Equal(t, "ks.t:scan", p.Description())

	p.MarkUsed()
	require.Equal(t, StateActiveUsed, p.State())

	p.MarkUsed() // nested
	require.Equal(t, StateActiveUsed, p.State())

	p.MarkBlocked()
	require.Equal(t, StateActiveBlocked, p.State())

	p.MarkUnblocked()
	require.Equal(t, StateActiveUsed, p.State())

	p.MarkUnused()
	require.Equal(t, StateActiveUsed, p.State()) // still one outstanding branch

	p.MarkUnused()
	require.Equal(t, StateActiveUnused, p.State())

	p.Release()
}

func TestPermitUnmatchedGuardIsReportedNotPanicked(t *testing.T) {
	s := testSemaphore(t, Config{Name: "guards2", Count: 1, Memory: 1024, MaxQueueLength: 10})
	p, err := s.ObtainPermit(context.Background(), SchemaRef{}, "op", 10, time.Time{})
	require.NoError(t, err)

	require.NotPanics(t, func() { p.MarkUnused() })
	require.NotPanics(t, func() { p.MarkUnblocked() })

	p.Release()
}

func TestPermitSchemaRefDescriptionFallback(t *testing.T) {
	require.Equal(t, "*.*", SchemaRef{}.Description())
	require.Equal(t, "ks.t", SchemaRef{Keyspace: "ks", Table: "t"}.Description())
}

func TestMakeTrackingOnlyPermitNeverQueues(t *testing.T) {
	s := testSemaphore(t, Config{Name: "tracking", Count: 0, Memory: 0, MaxQueueLength: 0})
	p := s.MakeTrackingOnlyPermit(SchemaRef{}, "maintenance")
	require.Equal(t, StateActiveUnused, p.State())
	require.Equal(t, Resources{}, p.BaseResources())
	p.Release()
}

func TestSSTableReadCounters(t *testing.T) {
	s := testSemaphore(t, Config{Name: "sstables", Count: 1, Memory: 1024, MaxQueueLength: 10})
	p, err := s.ObtainPermit(context.Background(), SchemaRef{}, "op", 10, time.Time{})
	require.NoError(t, err)

	p.OnStartSSTableRead()
	p.OnStartSSTableRead()
	require.EqualValues(t, 2, testutilReadCounter(s.metrics.sstablesRead))
	require.EqualValues(t, 1, testutilReadCounter(s.metrics.diskReads)) // only the 0->1 edge

	p.OnFinishSSTableRead()
	p.OnFinishSSTableRead()
	require.NotPanics(t, func() { p.OnFinishSSTableRead() })

	p.Release()
}
