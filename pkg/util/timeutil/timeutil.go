// Copyright 2016 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package timeutil

import "time"

// nowFunc is the function used by Now. Tests may override it with
// TestingSetNow. This changes what Now reports, not when Timers fire.
var nowFunc = time.Now

// Now returns the current local time, indirected through nowFunc so tests
// can substitute a fake clock.
func Now() time.Time {
	return nowFunc()
}

// Since returns the time elapsed since t, using Now as the reference point.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}

// TestingSetNow changes the function used by Now. It returns a closure that
// restores the previous behavior; tests should defer its invocation.
func TestingSetNow(f func() time.Time) func() {
	orig := nowFunc
	nowFunc = f
	return func() {
		nowFunc = orig
	}
}
