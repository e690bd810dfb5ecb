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

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testSemaphore(t *testing.T, cfg Config) *Semaphore {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	s := NewSemaphore(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestBasicFIFO(t *testing.T) {
	s := testSemaphore(t, Config{Name: "basic", Count: 1, Memory: 1024, MaxQueueLength: 10})

	a, err := s.ObtainPermit(context.Background(), SchemaRef{}, "a", 100, time.Time{})
	require.NoError(t, err)
	require.Equal(t, StateActiveUnused, a.State())

	done := make(chan *Permit, 1)
	go func() {
		b, err := s.ObtainPermit(context.Background(), SchemaRef{}, "b", 100, time.Time{})
		require.NoError(t, err)
		done <- b
	}()

	select {
	case <-done:
		t.Fatal("b admitted while a still holds the only count unit")
	case <-time.After(20 * time.Millisecond):
	}

	a.Release()
	b := <-done
	require.Equal(t, StateActiveUnused, b.State())
	b.Release()

	c, err := s.ObtainPermit(context.Background(), SchemaRef{}, "c", 100, time.Time{})
	require.NoError(t, err)
	c.Release()
}

func TestTimeout(t *testing.T) {
	s := testSemaphore(t, Config{Name: "timeout", Count: 1, Memory: 1024, MaxQueueLength: 10})

	a, err := s.ObtainPermit(context.Background(), SchemaRef{}, "a", 100, time.Time{})
	require.NoError(t, err)

	_, err = s.ObtainPermit(context.Background(), SchemaRef{}, "b", 100, time.Now().Add(10*time.Millisecond))
	require.True(t, errors.Is(err, ErrTimedOut), "unexpected error: %v", err)
	require.EqualValues(t, 1, testutilReadCounter(s.metrics.enqueuedAdmission))

	a.Release()
}

func TestInactiveEvictionUnderPressure(t *testing.T) {
	s := testSemaphore(t, Config{Name: "inactive", Count: 2, Memory: 1024, MaxQueueLength: 10})

	a, err := s.ObtainPermit(context.Background(), SchemaRef{}, "a", 400, time.Time{})
	require.NoError(t, err)
	b, err := s.ObtainPermit(context.Background(), SchemaRef{}, "b", 400, time.Time{})
	require.NoError(t, err)

	evicted := make(chan EvictReason, 1)
	reader := &fakeReader{closed: make(chan struct{})}
	h := s.RegisterInactive(a, reader)
	require.True(t, h.Valid())
	s.SetNotifyHandler(h, func(r EvictReason) { evicted <- r }, 0)

	done := make(chan *Permit, 1)
	go func() {
		c, err := s.ObtainPermit(context.Background(), SchemaRef{}, "c", 400, time.Time{})
		require.NoError(t, err)
		done <- c
	}()

	select {
	case reason := <-evicted:
		require.Equal(t, EvictReasonPermit, reason)
	case <-time.After(time.Second):
		t.Fatal("a was never evicted under pressure")
	}

	c := <-done
	c.Release()
	b.Release()
}

func TestSerializeRegime(t *testing.T) {
	s := testSemaphore(t, Config{
		Name: "serialize", Count: 2, Memory: 1024, MaxQueueLength: 10,
		SerializeMultiplier: 2, KillMultiplier: 4,
	})

	a, err := s.ObtainPermit(context.Background(), SchemaRef{}, "a", 400, time.Time{})
	require.NoError(t, err)
	b, err := s.ObtainPermit(context.Background(), SchemaRef{}, "b", 400, time.Time{})
	require.NoError(t, err)

	units, err := a.RequestMemory(context.Background(), 700)
	require.NoError(t, err)

	units2, err := a.RequestMemory(context.Background(), 1200)
	require.NoError(t, err)

	bGrant := make(chan ResourceUnits, 1)
	bErr := make(chan error, 1)
	go func() {
		bUnits, err := b.RequestMemory(context.Background(), 100)
		bErr <- err
		bGrant <- bUnits
	}()

	select {
	case <-bErr:
		t.Fatal("b's memory request granted before a signalled")
	case <-time.After(20 * time.Millisecond):
	}

	units2.Release()
	require.NoError(t, <-bErr)
	bUnits := <-bGrant
	bUnits.Release()

	units.Release()
	a.Release()
	b.Release()
}

func TestKillLimit(t *testing.T) {
	s := testSemaphore(t, Config{
		Name: "killlimit", Count: 1, Memory: 1024, MaxQueueLength: 10,
		KillMultiplier: 2,
	})

	a, err := s.ObtainPermit(context.Background(), SchemaRef{}, "a", 100, time.Time{})
	require.NoError(t, err)

	_, err = a.ConsumeMemory(2000)
	require.True(t, errors.Is(err, ErrOutOfMemory), "unexpected error: %v", err)
	require.EqualValues(t, 1, testutilReadCounter(s.metrics.readsKilled))

	units, err := a.ConsumeMemory(1500)
	require.NoError(t, err)
	units.Release()

	a.Release()
}

// TestMergedWaitListPreservesGlobalFIFO checks that an admission waiter
// enqueued before a memory waiter keeps blocking that memory waiter even
// once the memory waiter's own grant condition (available.Memory >= 0)
// clears on its own, as long as the admission waiter is still stuck on
// count capacity. Processing the two kinds as independent queues instead
// of one merged, strictly-ordered list would let the memory waiter jump
// the earlier admission waiter the moment its own condition clears.
func TestMergedWaitListPreservesGlobalFIFO(t *testing.T) {
	s := testSemaphore(t, Config{
		Name: "mergedfifo", Count: 2, Memory: 1024, MaxQueueLength: 10,
		SerializeMultiplier: 2, KillMultiplier: 4,
	})

	a, err := s.ObtainPermit(context.Background(), SchemaRef{}, "a", 400, time.Time{})
	require.NoError(t, err)
	b, err := s.ObtainPermit(context.Background(), SchemaRef{}, "b", 400, time.Time{})
	require.NoError(t, err)

	// c queues for admission first; the semaphore has no spare count.
	cDone := make(chan *Permit, 1)
	go func() {
		c, err := s.ObtainPermit(context.Background(), SchemaRef{}, "c", 10, time.Time{})
		require.NoError(t, err)
		cDone <- c
	}()
	select {
	case <-cDone:
		t.Fatal("c admitted with no spare count available")
	case <-time.After(20 * time.Millisecond):
	}

	units, err := a.RequestMemory(context.Background(), 700)
	require.NoError(t, err)
	units2, err := a.RequestMemory(context.Background(), 1200)
	require.NoError(t, err)

	// b now queues for memory behind c, already escalated into the
	// serialize regime with a blessed.
	bGrant := make(chan ResourceUnits, 1)
	bErr := make(chan error, 1)
	go func() {
		bUnits, err := b.RequestMemory(context.Background(), 100)
		bErr <- err
		bGrant <- bUnits
	}()
	select {
	case <-bErr:
		t.Fatal("b's memory request granted while still escalated")
	case <-time.After(20 * time.Millisecond):
	}

	// Releasing a's increments clears the escalation (available.Memory
	// goes non-negative again), which on its own would satisfy b's grant
	// condition outright. But c is still blocked on count, and must still
	// be served first.
	units.Release()
	units2.Release()
	select {
	case <-bErr:
		t.Fatal("b's memory request jumped ahead of the earlier-queued admission waiter c")
	case <-time.After(20 * time.Millisecond):
	}

	// Freeing a's base count (without releasing it outright) lets c in,
	// which in turn lets the merged list reach b.
	a.ReleaseBaseResources()

	var c *Permit
	select {
	case c = <-cDone:
	case <-time.After(time.Second):
		t.Fatal("c was never admitted once count freed up")
	}

	require.NoError(t, <-bErr)
	bUnits := <-bGrant
	bUnits.Release()

	c.Release()
	a.Release()
	b.Release()
}

// TestWaitReadmissionRoundTrip exercises the readmission path a permit
// takes after being evicted while parked inactive: it keeps its identity
// rather than requiring a fresh ObtainPermit.
func TestWaitReadmissionRoundTrip(t *testing.T) {
	s := testSemaphore(t, Config{Name: "readmission", Count: 1, Memory: 1024, MaxQueueLength: 10})

	p, err := s.ObtainPermit(context.Background(), SchemaRef{}, "op", 100, time.Time{})
	require.NoError(t, err)
	require.False(t, p.NeedsReadmission())

	reader := &fakeReader{closed: make(chan struct{})}
	h := s.RegisterInactive(p, reader)
	require.True(t, h.Valid())

	require.True(t, s.TryEvictOneInactiveRead(EvictReasonPermit))
	select {
	case <-reader.closed:
	case <-time.After(time.Second):
		t.Fatal("evicted reader was never closed")
	}
	require.Equal(t, StateEvicted, p.State())
	require.True(t, p.NeedsReadmission())

	require.NoError(t, s.WaitReadmission(context.Background(), p))
	require.Equal(t, StateActiveUnused, p.State())
	require.False(t, p.NeedsReadmission())

	p.Release()

	// A released permit never needs readmission again; WaitReadmission is
	// a safe no-op rather than re-admitting a dead permit.
	require.NoError(t, s.WaitReadmission(context.Background(), p))
}

func TestWaitReadmissionRejectsForeignPermit(t *testing.T) {
	s := testSemaphore(t, Config{Name: "readmission-foreign", Count: 1, Memory: 1024, MaxQueueLength: 10})
	other := testSemaphore(t, Config{Name: "readmission-foreign-other", Count: 1, Memory: 1024, MaxQueueLength: 10})

	p, err := other.ObtainPermit(context.Background(), SchemaRef{}, "op", 100, time.Time{})
	require.NoError(t, err)

	require.Error(t, s.WaitReadmission(context.Background(), p))
	p.Release()
}

// TestSetResourcesAdmitsQueuedWaiter checks that growing the budget at
// runtime lets a waiter blocked on the old, smaller budget through
// without anyone having to release anything first.
func TestSetResourcesAdmitsQueuedWaiter(t *testing.T) {
	s := testSemaphore(t, Config{Name: "resize", Count: 1, Memory: 1024, MaxQueueLength: 10})

	a, err := s.ObtainPermit(context.Background(), SchemaRef{}, "a", 500, time.Time{})
	require.NoError(t, err)

	bDone := make(chan *Permit, 1)
	go func() {
		b, err := s.ObtainPermit(context.Background(), SchemaRef{}, "b", 100, time.Time{})
		require.NoError(t, err)
		bDone <- b
	}()
	select {
	case <-bDone:
		t.Fatal("b admitted before the budget was grown")
	case <-time.After(20 * time.Millisecond):
	}

	s.SetResources(Resources{Count: 2, Memory: 1024})
	require.Equal(t, Resources{Count: 2, Memory: 1024}, s.InitialResources())

	var b *Permit
	select {
	case b = <-bDone:
	case <-time.After(time.Second):
		t.Fatal("b was never admitted after the budget grew")
	}

	a.Release()
	b.Release()
}

func TestAdmitJoinsBackOfNonemptyWaitList(t *testing.T) {
	s := testSemaphore(t, Config{Name: "admitqueue", Count: 2, Memory: 1000, MaxQueueLength: 10})

	a, err := s.ObtainPermit(context.Background(), SchemaRef{}, "a", 900, time.Time{})
	require.NoError(t, err)

	// b's request doesn't fit in what's currently free; it must queue.
	bDone := make(chan *Permit, 1)
	go func() {
		b, err := s.ObtainPermit(context.Background(), SchemaRef{}, "b", 200, time.Time{})
		require.NoError(t, err)
		bDone <- b
	}()
	select {
	case <-bDone:
		t.Fatal("b admitted with insufficient available memory")
	case <-time.After(20 * time.Millisecond):
	}

	// c's own request is small enough to fit in what's currently free, but
	// b is already queued ahead of it: c must queue behind b rather than
	// cut in line just because its own, smaller request happens to fit
	// against the current balance.
	cDone := make(chan *Permit, 1)
	go func() {
		c, err := s.ObtainPermit(context.Background(), SchemaRef{}, "c", 50, time.Time{})
		require.NoError(t, err)
		cDone <- c
	}()
	select {
	case <-cDone:
		t.Fatal("c jumped ahead of the already-queued earlier waiter b")
	case <-time.After(20 * time.Millisecond):
	}

	a.ReleaseBaseResources()

	var b, c *Permit
	for i := 0; i < 2; i++ {
		select {
		case b = <-bDone:
		case c = <-cDone:
		case <-time.After(time.Second):
			t.Fatal("b or c was never admitted once a's base resources freed up")
		}
	}
	require.NotNil(t, b)
	require.NotNil(t, c)

	a.Release()
	b.Release()
	c.Release()
}

func TestTTLEviction(t *testing.T) {
	s := testSemaphore(t, Config{Name: "ttl", Count: 2, Memory: 1024, MaxQueueLength: 10})

	a, err := s.ObtainPermit(context.Background(), SchemaRef{}, "a", 400, time.Time{})
	require.NoError(t, err)

	evicted := make(chan EvictReason, 1)
	h := s.RegisterInactive(a, &fakeReader{closed: make(chan struct{})})
	s.SetNotifyHandler(h, func(r EvictReason) { evicted <- r }, 50*time.Millisecond)

	select {
	case reason := <-evicted:
		require.Equal(t, EvictReasonTime, reason)
	case <-time.After(time.Second):
		t.Fatal("a was never evicted on TTL expiry")
	}
	require.EqualValues(t, 1, testutilReadCounter(s.metrics.timeEvictions))
}

type fakeReader struct {
	closed chan struct{}
	table  string
}

func (f *fakeReader) Close(ctx context.Context) error {
	close(f.closed)
	return nil
}

func (f *fakeReader) TableID() string {
	return f.table
}
