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
	"container/list"
	"context"
	"time"

	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/redact/interfaces"
	"github.com/kvstorelabs/rcsem/pkg/util/syncutil"
	"github.com/kvstorelabs/rcsem/pkg/util/timeutil"
)

// State is a Permit's position in its admission lifecycle.
type State int32

const (
	// StateWaitingForAdmission is assigned to a permit that has been
	// created but not yet admitted.
	StateWaitingForAdmission State = iota
	// StateWaitingForMemory is assigned to an already-admitted permit that
	// is blocked on an additional memory grant.
	StateWaitingForMemory
	// StateActiveUnused is assigned to an admitted permit whose caller has
	// not yet called MarkUsed.
	StateActiveUnused
	// StateActiveUsed is assigned to an admitted permit with at least one
	// outstanding used guard and no blocked guard.
	StateActiveUsed
	// StateActiveBlocked is assigned to an admitted, used permit with at
	// least one outstanding blocked guard.
	StateActiveBlocked
	// StateInactive is assigned to a permit registered as a parked reader.
	StateInactive
	// StateEvicted is assigned to a permit whose inactive reader was
	// selected for eviction; it may re-enter StateWaitingForAdmission.
	StateEvicted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateWaitingForAdmission:
		return "waiting_for_admission"
	case StateWaitingForMemory:
		return "waiting_for_memory"
	case StateActiveUnused:
		return "active_unused"
	case StateActiveUsed:
		return "active_used"
	case StateActiveBlocked:
		return "active_blocked"
	case StateInactive:
		return "inactive"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// SchemaRef identifies the table a read targets, for diagnostics grouping
// and description purposes only; the semaphore attaches no other meaning
// to it.
type SchemaRef struct {
	Keyspace string
	Table    string
}

// Description renders "keyspace.table", falling back to "*.*" when both
// fields are unset, matching the convention the storage engine uses when a
// permit isn't tied to a specific table (e.g. a maintenance scan).
func (s SchemaRef) Description() string {
	if s.Keyspace == "" && s.Table == "" {
		return "*.*"
	}
	return s.Keyspace + "." + s.Table
}

// Permit tracks the resources a single read operation has reserved from a
// Semaphore, along with its position in the admission lifecycle described
// by State.
//
// A Permit is obtained from a Semaphore and must eventually be released by
// calling Release (directly, or by allowing WithPermit to do so). A permit
// that is never released is not detected; its resources stay consumed.
type Permit struct {
	sem       *Semaphore
	schema    SchemaRef
	opName    string
	createdAt time.Time

	// elem links this permit into its semaphore's diagnostics list. Set
	// once, before the permit is returned to its caller, and read only by
	// Release.
	elem *list.Element

	mu struct {
		syncutil.Mutex

		state State

		timeout time.Time

		baseResources Resources
		baseConsumed  bool
		resources     Resources

		usedBranches    int
		blockedBranches int
		markedUsed      bool
		markedBlocked   bool

		requestedMemory int64
		memoryWaiters   []chan error

		sstablesInFlight int
		sstablesRead     int64
		oomKills         int64

		blessed  bool
		released bool
	}
}

func newPermit(sem *Semaphore, schema SchemaRef, opName string, base Resources, timeout time.Time) *Permit {
	p := &Permit{sem: sem, schema: schema, opName: opName, createdAt: timeutil.Now()}
	p.mu.state = StateWaitingForAdmission
	p.mu.timeout = timeout
	p.mu.baseResources = base
	return p
}

// State returns the permit's current lifecycle state.
func (p *Permit) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.state
}

// BaseResources returns the resources the permit was admitted with.
func (p *Permit) BaseResources() Resources {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.baseResources
}

// ConsumedResources returns the resources currently debited through this
// permit, including its base reservation if still held.
func (p *Permit) ConsumedResources() Resources {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.resources
}

// Description returns "keyspace.table:op" for use in logs and diagnostics.
func (p *Permit) Description() string {
	return p.schema.Description() + ":" + p.opName
}

// String implements fmt.Stringer.
func (p *Permit) String() string {
	return redact.StringWithoutMarkers(p)
}

// SafeFormat implements redact.SafeFormatter.
func (p *Permit) SafeFormat(s interfaces.SafePrinter, _ rune) {
	p.mu.Lock()
	state, res := p.mu.state, p.mu.resources
	p.mu.Unlock()
	s.Printf("%s[%s]%s", redact.SafeString(p.Description()), redact.SafeString(state.String()), res)
}

func (p *Permit) setState(s State) {
	p.mu.state = s
}

// consumeLocked debits r from the permit's own counters; the caller is
// responsible for having already debited the semaphore.
func (p *Permit) consumeLocked(r Resources) {
	p.mu.resources = p.mu.resources.Add(r)
}

// Consume debits r from the semaphore on this permit's behalf. It fails
// with ErrOutOfMemory if doing so would push the semaphore's consumed
// memory past its kill limit; on failure the permit's own counters are
// unchanged.
func (p *Permit) Consume(r Resources) error {
	if err := p.sem.consume(p, r); err != nil {
		return err
	}
	p.mu.Lock()
	p.consumeLocked(r)
	p.mu.Unlock()
	return nil
}

// Signal credits r back to the semaphore on this permit's behalf. It never
// fails, and synchronously reconsiders any queued waiters.
func (p *Permit) Signal(r Resources) {
	p.mu.Lock()
	p.mu.resources = p.mu.resources.Sub(r)
	p.mu.Unlock()
	p.sem.signal(r)
}

// ConsumeResources is a convenience wrapper that Consumes r and wraps the
// result in a ResourceUnits handle that releases it on Release.
func (p *Permit) ConsumeResources(r Resources) (ResourceUnits, error) {
	if err := p.Consume(r); err != nil {
		return ResourceUnits{}, err
	}
	return newResourceUnits(p, r), nil
}

// ConsumeMemory is ConsumeResources specialized to a pure memory debit.
func (p *Permit) ConsumeMemory(n int64) (ResourceUnits, error) {
	return p.ConsumeResources(Resources{Memory: n})
}

// ReleaseBaseResources idempotently credits the permit's base reservation
// back to the semaphore, e.g. when a reader has been fully drained but the
// caller wants to keep the Permit object alive without holding its slot.
func (p *Permit) ReleaseBaseResources() {
	p.mu.Lock()
	if !p.mu.baseConsumed {
		p.mu.Unlock()
		return
	}
	base := p.mu.baseResources
	p.mu.baseConsumed = false
	p.mu.resources = p.mu.resources.Sub(base)
	p.mu.Unlock()
	p.sem.signal(base)
}

// MarkUsed registers that the caller is actively driving the read
// forward. Calls nest; the permit remains "used" until a matching number
// of MarkUnused calls have been made.
func (p *Permit) MarkUsed() {
	p.mu.Lock()
	p.mu.usedBranches++
	first := p.mu.usedBranches == 1
	if first && !p.mu.markedUsed {
		p.mu.markedUsed = true
		if !p.mu.markedBlocked {
			p.setState(StateActiveUsed)
		}
	}
	p.mu.Unlock()
	if first {
		p.sem.markUsed()
	}
}

// MarkUnused reverses a previous MarkUsed. It is an internal-invariant
// violation to call it more times than MarkUsed, and is reported rather
// than panicked.
func (p *Permit) MarkUnused() {
	p.mu.Lock()
	if p.mu.usedBranches == 0 {
		p.mu.Unlock()
		p.sem.reportInvariantViolation(assertionFailure("MarkUnused called without a matching MarkUsed on %s", p.Description()))
		return
	}
	p.mu.usedBranches--
	last := p.mu.usedBranches == 0
	if last && p.mu.markedUsed {
		p.mu.markedUsed = false
		if p.mu.state == StateActiveUsed || p.mu.state == StateActiveBlocked {
			p.setState(StateActiveUnused)
		}
	}
	p.mu.Unlock()
	if last {
		p.sem.markUnused()
	}
}

// MarkBlocked registers that the caller is waiting on an external event
// (e.g. disk I/O) while still "used". Calls nest like MarkUsed.
func (p *Permit) MarkBlocked() {
	p.mu.Lock()
	p.mu.blockedBranches++
	first := p.mu.blockedBranches == 1
	if first && !p.mu.markedBlocked {
		p.mu.markedBlocked = true
		p.setState(StateActiveBlocked)
	}
	p.mu.Unlock()
	if first {
		p.sem.markBlocked()
	}
}

// MarkUnblocked reverses a previous MarkBlocked.
func (p *Permit) MarkUnblocked() {
	p.mu.Lock()
	if p.mu.blockedBranches == 0 {
		p.mu.Unlock()
		p.sem.reportInvariantViolation(assertionFailure("MarkUnblocked called without a matching MarkBlocked on %s", p.Description()))
		return
	}
	p.mu.blockedBranches--
	last := p.mu.blockedBranches == 0
	if last && p.mu.markedBlocked {
		p.mu.markedBlocked = false
		if p.mu.markedUsed {
			p.setState(StateActiveUsed)
		}
	}
	p.mu.Unlock()
	if last {
		p.sem.markUnblocked()
	}
}

// OnStartSSTableRead records that this permit now owns one more
// outstanding storage-file read. The semaphore-wide disk-read counter
// advances only on the 0-to-1 edge per permit.
func (p *Permit) OnStartSSTableRead() {
	p.mu.Lock()
	p.mu.sstablesInFlight++
	p.mu.sstablesRead++
	edge := p.mu.sstablesInFlight == 1
	p.mu.Unlock()
	p.sem.metrics.sstablesRead.Inc()
	if edge {
		p.sem.metrics.diskReads.Inc()
	}
}

// OnFinishSSTableRead reverses a previous OnStartSSTableRead.
func (p *Permit) OnFinishSSTableRead() {
	p.mu.Lock()
	if p.mu.sstablesInFlight == 0 {
		p.mu.Unlock()
		p.sem.reportInvariantViolation(assertionFailure("OnFinishSSTableRead called without a matching OnStartSSTableRead on %s", p.Description()))
		return
	}
	p.mu.sstablesInFlight--
	p.mu.Unlock()
}

// SetTimeout updates the permit's deadline. Moving it more than 100ms
// earlier than the previous value is assumed to indicate clock skew and is
// logged as a warning by the semaphore.
func (p *Permit) SetTimeout(t time.Time) {
	p.mu.Lock()
	prev := p.mu.timeout
	p.mu.timeout = t
	p.mu.Unlock()
	if !prev.IsZero() && t.Before(prev.Add(-100*time.Millisecond)) {
		p.sem.logSkewWarning(p, prev, t)
	}
}

func (p *Permit) timeoutLocked() time.Time {
	return p.mu.timeout
}

// resumeFromMemoryWaitLocked restores the state a permit had before it
// queued on the memory queue, now that its grant has arrived.
func (p *Permit) resumeFromMemoryWaitLocked() {
	if p.mu.state != StateWaitingForMemory {
		return
	}
	switch {
	case p.mu.markedBlocked:
		p.setState(StateActiveBlocked)
	case p.mu.markedUsed:
		p.setState(StateActiveUsed)
	default:
		p.setState(StateActiveUnused)
	}
}

// parkInactive transitions a permit to StateInactive on behalf of
// RegisterInactive, clearing any outstanding used/blocked guards' effect on
// the semaphore-wide usedPermits/blockedPermits counters without losing the
// nested guard counts themselves, so resumeFromInactive can restore them
// exactly once the permit becomes active again.
func (p *Permit) parkInactive() {
	p.mu.Lock()
	wasUsed, wasBlocked := p.mu.markedUsed, p.mu.markedBlocked
	p.mu.markedUsed = false
	p.mu.markedBlocked = false
	p.setState(StateInactive)
	p.mu.Unlock()

	if wasBlocked {
		p.sem.markUnblocked()
	}
	if wasUsed {
		p.sem.markUnused()
	}
}

// resumeFromInactive restores the active state a parked permit had before
// parkInactive, and the semaphore-wide used/blocked counters along with
// it, based on the permit's still-outstanding usedBranches/blockedBranches
// guard counts rather than unconditionally resetting to active-unused.
func (p *Permit) resumeFromInactive() {
	p.mu.Lock()
	useBlocked := p.mu.blockedBranches > 0
	useUsed := p.mu.usedBranches > 0
	switch {
	case useBlocked:
		p.mu.markedBlocked = true
		p.mu.markedUsed = useUsed
		p.setState(StateActiveBlocked)
	case useUsed:
		p.mu.markedUsed = true
		p.setState(StateActiveUsed)
	default:
		p.setState(StateActiveUnused)
	}
	p.mu.Unlock()

	if useBlocked {
		p.sem.markBlocked()
	}
	if useUsed {
		p.sem.markUsed()
	}
}

// NeedsReadmission reports whether this permit was evicted while parked
// as an inactive reader (or otherwise moved to StateEvicted other than
// through Release) and must be taken through WaitReadmission before its
// caller resumes driving the read forward. It returns false once the
// permit has been released, since a released permit is done for good.
func (p *Permit) NeedsReadmission() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.state == StateEvicted && !p.mu.released
}

// RequestMemory asynchronously requests an additional n bytes of memory
// for an already-admitted permit. It may resolve immediately, block until
// the memory queue grants it, or (under the serialize policy) grant an
// over-budget allowance to a single blessed permit. A permit that calls
// RequestMemory again while already waiting observes the same outcome as
// the first caller.
func (p *Permit) RequestMemory(ctx context.Context, n int64) (ResourceUnits, error) {
	return p.sem.requestMemory(ctx, p, n)
}

// Release returns a permit to its semaphore: any resources it still holds
// are force-signalled back, any outstanding used/blocked guards are
// dropped, and the permit is unlinked from the semaphore's diagnostics
// list. Calling Release more than once is a no-op.
//
// Holding resources beyond the base reservation, or outstanding used or
// blocked guards, on entry is an internal-invariant violation (the caller
// leaked something) and is reported through the semaphore's logger rather
// than panicked, so a single misbehaving caller doesn't take down others
// sharing the semaphore. Still holding the base reservation is not.
func (p *Permit) Release() {
	p.mu.Lock()
	if p.mu.released {
		p.mu.Unlock()
		return
	}
	p.mu.released = true
	held := p.mu.resources
	// Still holding the base reservation at release time is the normal
	// case, not a leak: it is this call's job to credit it back. Only
	// resources held beyond the base reservation (e.g. a ConsumeMemory
	// the caller never released) indicate a genuine leak.
	extra := held
	if p.mu.baseConsumed {
		extra = extra.Sub(p.mu.baseResources)
	}
	usedBranches, blockedBranches := p.mu.usedBranches, p.mu.blockedBranches
	wasUsed, wasBlocked := p.mu.markedUsed, p.mu.markedBlocked
	wasBlessed := p.mu.blessed
	p.mu.resources = Resources{}
	p.mu.baseConsumed = false
	p.mu.usedBranches = 0
	p.mu.blockedBranches = 0
	p.mu.markedUsed = false
	p.mu.markedBlocked = false
	p.setState(StateEvicted)
	p.mu.Unlock()

	if extra.NonZero() || usedBranches != 0 || blockedBranches != 0 {
		p.sem.reportInvariantViolation(assertionFailure(
			"permit %s released while holding extra resources=%s used=%d blocked=%d, force-releasing",
			p.Description(), extra, usedBranches, blockedBranches))
	}
	// A leaked used/blocked guard must still be repaired on the
	// semaphore-wide counters, exactly once regardless of branch count,
	// or admission rule 4 stays wedged for every other permit for good.
	if wasBlocked {
		p.sem.markUnblocked()
	}
	if wasUsed {
		p.sem.markUnused()
	}
	if held.NonZero() {
		p.sem.signal(held)
	} else {
		p.sem.maybeAdmitWaiters()
	}
	if wasBlessed {
		p.sem.mu.Lock()
		p.sem.clearBlessedIfLocked(p)
		p.sem.mu.Unlock()
		p.sem.maybeAdmitWaiters()
	}

	p.sem.mu.Lock()
	p.sem.unlinkPermitLocked(p.elem)
	p.sem.mu.Unlock()
}
