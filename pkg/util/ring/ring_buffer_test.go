// Copyright 2018 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package ring

import "testing"

func TestBufferBasic(t *testing.T) {
	var b Buffer[int]
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer, got len %d", b.Len())
	}

	b.AddLast(1)
	b.AddLast(2)
	b.AddLast(3)
	if got := b.Len(); got != 3 {
		t.Fatalf("expected len 3, got %d", got)
	}
	if got := b.GetFirst(); got != 1 {
		t.Fatalf("expected first 1, got %d", got)
	}
	if got := b.GetLast(); got != 3 {
		t.Fatalf("expected last 3, got %d", got)
	}

	b.AddFirst(0)
	if got := b.Get(0); got != 0 {
		t.Fatalf("expected element 0 at pos 0, got %d", got)
	}

	b.RemoveFirst()
	if got := b.GetFirst(); got != 1 {
		t.Fatalf("expected first 1 after removal, got %d", got)
	}

	b.RemoveLast()
	if got := b.GetLast(); got != 2 {
		t.Fatalf("expected last 2 after removal, got %d", got)
	}
}

func TestBufferGrowsAndWraps(t *testing.T) {
	var b Buffer[int]
	const n = 64
	for i := 0; i < n; i++ {
		b.AddLast(i)
	}
	for i := 0; i < n/2; i++ {
		b.RemoveFirst()
	}
	for i := n; i < n+n/2; i++ {
		b.AddLast(i)
	}
	if got := b.Len(); got != n {
		t.Fatalf("expected len %d, got %d", n, got)
	}
	for i := 0; i < n; i++ {
		want := n/2 + i
		if got := b.Get(i); got != want {
			t.Fatalf("at pos %d: expected %d, got %d", i, want, got)
		}
	}
}

func TestBufferDo(t *testing.T) {
	var b Buffer[string]
	b.AddLast("a")
	b.AddLast("b")
	b.AddLast("c")
	var seen []string
	b.Do(func(s string) { seen = append(seen, s) })
	if len(seen) != 3 || seen[0] != "a" || seen[1] != "b" || seen[2] != "c" {
		t.Fatalf("unexpected Do order: %v", seen)
	}
}

func TestBufferReset(t *testing.T) {
	var b Buffer[int]
	b.AddLast(1)
	b.AddLast(2)
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer after reset, got len %d", b.Len())
	}
	b.AddLast(9)
	if got := b.GetFirst(); got != 9 {
		t.Fatalf("expected 9 after reuse, got %d", got)
	}
}
