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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// testutilReadCounter returns the current value of a prometheus counter or
// gauge, for assertions in table-driven tests.
func testutilReadCounter(c prometheus.Collector) float64 {
	return testutil.ToFloat64(c)
}
