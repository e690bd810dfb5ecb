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

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters a Semaphore maintains about itself. All
// fields are safe for concurrent reads; they're updated only from the
// Semaphore's own single-threaded call path.
type Metrics struct {
	name string

	currentPermits    prometheus.Gauge
	totalPermits      prometheus.Counter
	usedPermits       prometheus.Gauge
	blockedPermits    prometheus.Gauge
	totalAdmitted     prometheus.Counter
	enqueuedAdmission prometheus.Counter
	enqueuedMemory    prometheus.Counter
	inactiveReads     prometheus.Gauge
	permitEvictions   prometheus.Counter
	timeEvictions     prometheus.Counter
	sstablesRead      prometheus.Counter
	diskReads         prometheus.Counter
	readsShed         prometheus.Counter
	readsKilled       prometheus.Counter
}

// NewMetrics constructs the counter set for a Semaphore named name. The
// returned Metrics implements prometheus.Collector and can be registered
// with a prometheus.Registerer by the embedding service.
func NewMetrics(name string) *Metrics {
	const_ := prometheus.Labels{"semaphore": name}
	mk := func(help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: "rcsem", Name: help, ConstLabels: const_}
	}
	mkGauge := func(help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{Namespace: "rcsem", Name: help, ConstLabels: const_}
	}
	return &Metrics{
		name:              name,
		currentPermits:    prometheus.NewGauge(mkGauge("current_permits")),
		totalPermits:      prometheus.NewCounter(mk("total_permits")),
		usedPermits:       prometheus.NewGauge(mkGauge("used_permits")),
		blockedPermits:    prometheus.NewGauge(mkGauge("blocked_permits")),
		totalAdmitted:     prometheus.NewCounter(mk("total_admitted")),
		enqueuedAdmission: prometheus.NewCounter(mk("reads_enqueued_for_admission")),
		enqueuedMemory:    prometheus.NewCounter(mk("reads_enqueued_for_memory")),
		inactiveReads:     prometheus.NewGauge(mkGauge("inactive_reads")),
		permitEvictions:   prometheus.NewCounter(mk("permit_based_evictions")),
		timeEvictions:     prometheus.NewCounter(mk("time_based_evictions")),
		sstablesRead:      prometheus.NewCounter(mk("sstables_read")),
		diskReads:         prometheus.NewCounter(mk("disk_reads")),
		readsShed:         prometheus.NewCounter(mk("total_reads_shed")),
		readsKilled:       prometheus.NewCounter(mk("total_reads_killed_due_to_kill_limit")),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.currentPermits, m.totalPermits, m.usedPermits, m.blockedPermits,
		m.totalAdmitted, m.enqueuedAdmission, m.enqueuedMemory, m.inactiveReads,
		m.permitEvictions, m.timeEvictions, m.sstablesRead, m.diskReads,
		m.readsShed, m.readsKilled,
	}
}
