// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regions

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/cockroachdb/regions/regionpb"
	"github.com/dustin/go-humanize"
)

// Metrics holds a point in time snapshot of the master's state.
type Metrics struct {
	Regions struct {
		// Count is the number of regions in the state table, collected split
		// parents excluded.
		Count int64
		// InTransition is the number of regions owned by a procedure.
		InTransition int64
		// ByState counts regions per state.
		ByState map[regionpb.State]int64
	}
	Procedures struct {
		// Pending is the number of procedures that are not terminal.
		Pending int64
		// Stalled is the number of pending procedures needing operator
		// attention.
		Stalled int64
	}
	Splits struct {
		// Started counts the splits that marked their parent SPLITTING.
		Started int64
		// Completed counts the splits that opened both daughters.
		Completed int64
		// RolledBack counts the splits undone before their point of no
		// return.
		RolledBack int64
	}
	Janitor struct {
		Enabled bool
		// Collected counts the split parents removed by the janitor.
		Collected int64
		// CollectedBytes is the size of the files handed to the cleaner.
		CollectedBytes uint64
		// Problems counts the partition problems reported by janitor
		// scans.
		Problems int64
	}
	ProcLog struct {
		// Size of the current procedure log file.
		Size uint64
		// FileNum of the current procedure log file.
		FileNum uint64
	}
	Servers struct {
		Live int64
	}
}

// Pretty-print the metrics:
//
//	__regions___count__in-transition
//	            12              1
//	    OPEN    10
//	   SPLIT     2
//	__procs___pending__stalled
//	                1        0
//	__splits__started__completed__rolled-back
//	                3          2            0
//	__janitor__enabled__collected____bytes__problems
//	              true          1    1.2 KiB         0
//	__proclog__file______size
//	           000004   2.0 KiB
//	__servers__live
//	              3
func (m *Metrics) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "__regions___count__in-transition\n")
	fmt.Fprintf(&buf, "%16d %14d\n", m.Regions.Count, m.Regions.InTransition)
	states := make([]regionpb.State, 0, len(m.Regions.ByState))
	for s := range m.Regions.ByState {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	for _, s := range states {
		fmt.Fprintf(&buf, "%13s %5d\n", s, m.Regions.ByState[s])
	}
	fmt.Fprintf(&buf, "__procs___pending__stalled\n")
	fmt.Fprintf(&buf, "%17d %8d\n", m.Procedures.Pending, m.Procedures.Stalled)
	fmt.Fprintf(&buf, "__splits__started__completed__rolled-back\n")
	fmt.Fprintf(&buf, "%17d %10d %12d\n", m.Splits.Started, m.Splits.Completed, m.Splits.RolledBack)
	fmt.Fprintf(&buf, "__janitor__enabled__collected____bytes__problems\n")
	fmt.Fprintf(&buf, "%18t %10d %10s %9d\n", m.Janitor.Enabled, m.Janitor.Collected,
		humanize.IBytes(m.Janitor.CollectedBytes), m.Janitor.Problems)
	fmt.Fprintf(&buf, "__proclog__file______size\n")
	fmt.Fprintf(&buf, "%17s %9s\n", fmt.Sprintf("%06d", m.ProcLog.FileNum), humanize.IBytes(m.ProcLog.Size))
	fmt.Fprintf(&buf, "__servers__live\n")
	fmt.Fprintf(&buf, "%15d\n", m.Servers.Live)
	return buf.String()
}
