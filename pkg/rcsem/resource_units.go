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

// ResourceUnits is a scoped reservation against a Permit. It is returned by
// Permit.ConsumeResources/ConsumeMemory and, on Release, signals its
// resources back to the permit's semaphore. Releasing a zero-value
// ResourceUnits is a no-op.
type ResourceUnits struct {
	permit    *Permit
	resources Resources
	released  bool
}

func newResourceUnits(p *Permit, r Resources) ResourceUnits {
	return ResourceUnits{permit: p, resources: r}
}

// Resources returns the amount currently held by this handle.
func (u ResourceUnits) Resources() Resources {
	return u.resources
}

// Add merges other into u; both must belong to the same permit.
func (u *ResourceUnits) Add(other ResourceUnits) {
	if other.permit == nil {
		return
	}
	if u.permit != nil && u.permit != other.permit {
		u.permit.sem.reportInvariantViolation(assertionFailure(
			"cannot merge resource units from different permits (%s, %s)",
			u.permit.Description(), other.permit.Description()))
		return
	}
	u.permit = other.permit
	u.resources = u.resources.Add(other.resources)
	other.released = true
}

// Reset adjusts the handle to hold exactly newAmount, signalling the
// difference back to the permit's semaphore if newAmount is smaller, or
// consuming more if it is larger. It returns an error if growing fails.
func (u *ResourceUnits) Reset(newAmount Resources) error {
	if u.permit == nil {
		u.resources = newAmount
		return nil
	}
	diff := newAmount.Sub(u.resources)
	switch {
	case diff.Count > 0 || diff.Memory > 0:
		if err := u.permit.Consume(diff); err != nil {
			return err
		}
	case diff.Count < 0 || diff.Memory < 0:
		u.permit.Signal(diff.Negate())
	}
	u.resources = newAmount
	return nil
}

// Release credits the held resources back to the permit's semaphore. It is
// idempotent.
func (u *ResourceUnits) Release() {
	if u.released || u.permit == nil {
		u.released = true
		return
	}
	u.permit.Signal(u.resources)
	u.released = true
	u.resources = Resources{}
}
