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
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kvstorelabs/rcsem/pkg/util/humanizeutil"
)

const defaultDiagnosticsMaxLines = 20

// diagnosticsGroup aggregates every permit sharing a (schema, operation,
// state) triple, since individually listing hundreds of permits is rarely
// actionable.
type diagnosticsGroup struct {
	schema    string
	opName    string
	state     State
	count     int
	resources Resources
}

// maybeDumpDiagnostics logs a diagnostics dump if the rate limiter allows
// one, tagging it with trigger (e.g. "timeout") so operators can tell what
// prompted it.
func (s *Semaphore) maybeDumpDiagnostics(trigger string) {
	if !s.diagnosticsLimiter.shouldProcess() {
		return
	}
	s.logger.Info("admission diagnostics",
		zap.String("trigger", trigger),
		zap.String("dump", s.DumpDiagnostics(defaultDiagnosticsMaxLines)))
}

// DumpDiagnostics renders a human-readable summary of every permit the
// semaphore currently tracks, grouped by schema, operation and lifecycle
// state, sorted by memory held (descending). At most maxLines groups are
// listed individually; the rest are folded into a trailing summary line. A
// maxLines of zero or less disables the cap.
func (s *Semaphore) DumpDiagnostics(maxLines int) string {
	groups := s.collectDiagnosticsGroups()

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].resources.Memory != groups[j].resources.Memory {
			return groups[i].resources.Memory > groups[j].resources.Memory
		}
		return groups[i].count > groups[j].count
	})

	var b strings.Builder
	avail := s.AvailableResources()
	initial := s.InitialResources()
	fmt.Fprintf(&b, "budget: %s available out of %s initial\n", avail, initial)

	shown := groups
	var omitted []diagnosticsGroup
	if maxLines > 0 && len(groups) > maxLines {
		shown = groups[:maxLines]
		omitted = groups[maxLines:]
	}

	var total Resources
	var totalCount int
	for _, g := range groups {
		total = total.Add(g.resources)
		totalCount += g.count
	}

	for _, g := range shown {
		fmt.Fprintf(&b, "%s:%s[%s] count=%d resources=%s\n",
			g.schema, g.opName, g.state, g.count, g.resources)
	}
	if len(omitted) > 0 {
		var omittedCount int
		var omittedResources Resources
		for _, g := range omitted {
			omittedCount += g.count
			omittedResources = omittedResources.Add(g.resources)
		}
		fmt.Fprintf(&b, "... %d more groups omitted for brevity (count=%d resources=%s)\n",
			len(omitted), omittedCount, omittedResources)
	}
	fmt.Fprintf(&b, "total: count=%d resources={count: %d, memory: %s}\n",
		totalCount, total.Count, humanizeutil.IBytes(total.Memory))
	return b.String()
}

func (s *Semaphore) collectDiagnosticsGroups() []diagnosticsGroup {
	type key struct {
		schema string
		opName string
		state  State
	}
	byKey := make(map[key]*diagnosticsGroup)

	s.ForeachPermit(func(p *Permit) {
		p.mu.Lock()
		state := p.mu.state
		res := p.mu.resources
		p.mu.Unlock()

		k := key{schema: p.schema.Description(), opName: p.opName, state: state}
		g, ok := byKey[k]
		if !ok {
			g = &diagnosticsGroup{schema: k.schema, opName: k.opName, state: k.state}
			byKey[k] = g
		}
		g.count++
		g.resources = g.resources.Add(res)
	})

	groups := make([]diagnosticsGroup, 0, len(byKey))
	for _, g := range byKey {
		groups = append(groups, *g)
	}
	return groups
}
