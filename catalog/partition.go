// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package catalog

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/cockroachdb/regions/regionpb"
)

// ProblemKind classifies a partition problem.
type ProblemKind int

// The ProblemKind enumeration.
const (
	// Hole is a key range no region covers.
	Hole ProblemKind = iota
	// Overlap is a key range covered by two regions.
	Overlap
)

func (k ProblemKind) String() string {
	if k == Hole {
		return "hole"
	}
	return "overlap"
}

// Problem is a violation of the partition invariant of a table.
type Problem struct {
	Kind  ProblemKind
	Table string
	// Start and End bound the affected key range. An empty End is +inf.
	Start, End []byte
	// Regions are the encoded names of the regions on either side of a hole
	// or the two overlapping regions.
	Regions []string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s in %s [%q,%q) %v", p.Kind, p.Table, p.Start, p.End, p.Regions)
}

// CheckPartition verifies that the rows of a table partition its key space:
// sorted by start key, each region must start where the previous one ends,
// the first must start at -inf and the last must end at +inf. Split parents
// and non-default replicas are ignored, as are rows rejected by include when
// it is non-nil.
func CheckPartition(
	table string, rows []regionpb.CatalogRow, include func(regionpb.State) bool,
) []Problem {
	var sel []*regionpb.CatalogRow
	for i := range rows {
		r := &rows[i]
		if r.Info.Table != table || r.State == regionpb.StateSplit ||
			r.Info.ReplicaID != regionpb.DefaultReplicaID {
			continue
		}
		if include != nil && !include(r.State) {
			continue
		}
		sel = append(sel, r)
	}
	sort.SliceStable(sel, func(i, j int) bool {
		return bytes.Compare(sel[i].Info.StartKey, sel[j].Info.StartKey) < 0
	})

	var problems []Problem
	if len(sel) == 0 {
		return []Problem{{Kind: Hole, Table: table}}
	}
	if first := sel[0]; len(first.Info.StartKey) != 0 {
		problems = append(problems, Problem{
			Kind: Hole, Table: table, End: first.Info.StartKey,
			Regions: []string{first.Info.EncodedName()},
		})
	}
	prev := sel[0]
	for _, r := range sel[1:] {
		switch {
		case len(prev.Info.EndKey) == 0:
			problems = append(problems, Problem{
				Kind: Overlap, Table: table, Start: r.Info.StartKey, End: r.Info.EndKey,
				Regions: []string{prev.Info.EncodedName(), r.Info.EncodedName()},
			})
			continue
		case bytes.Compare(prev.Info.EndKey, r.Info.StartKey) < 0:
			problems = append(problems, Problem{
				Kind: Hole, Table: table, Start: prev.Info.EndKey, End: r.Info.StartKey,
				Regions: []string{prev.Info.EncodedName(), r.Info.EncodedName()},
			})
		case bytes.Compare(prev.Info.EndKey, r.Info.StartKey) > 0:
			end := prev.Info.EndKey
			if len(r.Info.EndKey) != 0 && bytes.Compare(r.Info.EndKey, end) < 0 {
				end = r.Info.EndKey
			}
			problems = append(problems, Problem{
				Kind: Overlap, Table: table, Start: r.Info.StartKey, End: end,
				Regions: []string{prev.Info.EncodedName(), r.Info.EncodedName()},
			})
			// Keep the region reaching further as the reference.
			if len(r.Info.EndKey) != 0 && bytes.Compare(r.Info.EndKey, prev.Info.EndKey) < 0 {
				continue
			}
		}
		prev = r
	}
	if len(prev.Info.EndKey) != 0 {
		problems = append(problems, Problem{
			Kind: Hole, Table: table, Start: prev.Info.EndKey,
			Regions: []string{prev.Info.EncodedName()},
		})
	}
	return problems
}
