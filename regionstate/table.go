// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package regionstate implements the master's region state table: the
// authoritative, in-memory view of every region's lifecycle state, backed by
// the catalog. Every mutation is a compare-and-set on a single region and is
// written to the catalog before it becomes visible in memory.
package regionstate

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/regions/catalog"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/regionpb"
	"github.com/cockroachdb/swiss"
)

// Table is the region state table. It is safe for concurrent use; writes to
// one region are totally ordered, writes to different regions are not.
type Table struct {
	cat    *catalog.Catalog
	logger base.Logger

	mu struct {
		sync.RWMutex
		regions swiss.Map[string, *regionNode]
	}
}

type regionNode struct {
	// mu serializes the compare-and-set of the region, including the catalog
	// write.
	mu  sync.Mutex
	row regionpb.CatalogRow
	// procID is the structural procedure attached to the region, or 0.
	procID uint64
	// collected is set once the janitor removed the row of a split parent.
	collected bool
}

// New returns an empty table writing through to cat.
func New(cat *catalog.Catalog, logger base.Logger) *Table {
	t := &Table{cat: cat, logger: logger}
	t.mu.regions.Init(64)
	return t
}

// Load rebuilds the table from the catalog. Procedure attachments are not
// persisted in the catalog; recovering procedures attach again.
func (t *Table) Load(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mu.regions.Init(64)
	n := 0
	err := t.cat.Scan(func(row *regionpb.CatalogRow) error {
		t.mu.regions.Put(row.Info.EncodedName(), &regionNode{row: *row})
		n++
		return nil
	})
	if err != nil {
		return err
	}
	base.WithTags(ctx, t.logger).Infof("region state table loaded %d regions", n)
	return nil
}

func (t *Table) node(name string) (*regionNode, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.mu.regions.Get(name)
	if !ok {
		return nil, errors.Wrapf(regionpb.ErrRegionNotFound, "region %s", errors.Safe(name))
	}
	return n, nil
}

// Get returns the state of a region.
func (t *Table) Get(name string) (regionpb.RegionState, error) {
	row, err := t.Row(name)
	if err != nil {
		return regionpb.RegionState{}, err
	}
	return row.RegionState(), nil
}

// Row returns the catalog row of a region as the table last wrote it. A
// collected split parent is not found.
func (t *Table) Row(name string) (regionpb.CatalogRow, error) {
	n, err := t.node(name)
	if err != nil {
		return regionpb.CatalogRow{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.collected {
		return regionpb.CatalogRow{}, errors.Wrapf(regionpb.ErrRegionNotFound,
			"region %s was collected", errors.Safe(name))
	}
	return n.row, nil
}

// Create adds a region that does not exist yet, such as the first region of
// a new table.
func (t *Table) Create(ctx context.Context, row regionpb.CatalogRow) error {
	name := row.Info.EncodedName()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.mu.regions.Get(name); ok {
		return errors.Newf("region %s already exists", errors.Safe(name))
	}
	if err := t.cat.Put(row); err != nil {
		return err
	}
	t.mu.regions.Put(name, &regionNode{row: row})
	return nil
}

// Transition moves a region from expected to next, hosted on server (empty
// for none). It fails with regionpb.ErrPermanentState if the region is SPLIT
// and with regionpb.ErrTransitionConflict if the region is not in the
// expected state or the transition is not allowed.
func (t *Table) Transition(
	ctx context.Context, name string, expected, next regionpb.State, server string,
) error {
	n, err := t.node(name)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.row.State == regionpb.StateSplit {
		return errors.Wrapf(regionpb.ErrPermanentState, "region %s is %s", errors.Safe(name), n.row.State)
	}
	if n.row.State != expected {
		return errors.Wrapf(regionpb.ErrTransitionConflict, "region %s is %s, expected %s",
			errors.Safe(name), n.row.State, expected)
	}
	if !regionpb.CanTransition(expected, next) {
		return errors.Wrapf(regionpb.ErrTransitionConflict, "region %s: invalid transition %s -> %s",
			errors.Safe(name), expected, next)
	}
	row := n.row
	row.State = next
	row.Server = server
	if err := t.cat.Put(row); err != nil {
		return err
	}
	n.row = row
	base.WithTags(ctx, t.logger).Infof("region %s: %s -> %s %s", name, expected, next, server)
	return nil
}

// Attach makes procID the structural procedure of a region. Only one
// procedure may be attached at a time: a second one is rejected with
// regionpb.ErrRegionInTransition. Attaching the same procedure twice is a
// no-op. SPLIT regions cannot be attached to.
func (t *Table) Attach(name string, procID uint64) error {
	n, err := t.node(name)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.row.State == regionpb.StateSplit {
		return errors.Wrapf(regionpb.ErrPermanentState, "region %s is %s", errors.Safe(name), n.row.State)
	}
	switch n.procID {
	case 0:
		n.procID = procID
		return nil
	case procID:
		return nil
	default:
		return errors.Wrapf(regionpb.ErrRegionInTransition, "region %s has procedure %d attached",
			errors.Safe(name), errors.Safe(n.procID))
	}
}

// Detach releases the region from procID. It is a no-op if another
// procedure, or none, is attached.
func (t *Table) Detach(name string, procID uint64) {
	n, err := t.node(name)
	if err != nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.procID == procID {
		n.procID = 0
	}
}

// ProcOf returns the procedure attached to a region, or 0.
func (t *Table) ProcOf(name string) uint64 {
	n, err := t.node(name)
	if err != nil {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.procID
}

// IsInTransition returns true if a procedure is attached to the region.
func (t *Table) IsInTransition(name string) bool {
	return t.ProcOf(name) != 0
}

// ServerOf returns the server hosting a region.
func (t *Table) ServerOf(name string) (string, error) {
	s, err := t.Get(name)
	return s.Server, err
}

// Rows returns a snapshot of every row, ordered by table, start key and
// region id.
func (t *Table) Rows() []regionpb.CatalogRow {
	// Node locks are never taken while holding t.mu.
	t.mu.RLock()
	nodes := make([]*regionNode, 0, t.mu.regions.Len())
	for _, n := range t.mu.regions.All {
		nodes = append(nodes, n)
	}
	t.mu.RUnlock()
	rows := make([]regionpb.CatalogRow, 0, len(nodes))
	for _, n := range nodes {
		n.mu.Lock()
		if !n.collected {
			rows = append(rows, n.row)
		}
		n.mu.Unlock()
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := &rows[i].Info, &rows[j].Info
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		if c := bytes.Compare(a.StartKey, b.StartKey); c != 0 {
			return c < 0
		}
		return a.RegionID < b.RegionID
	})
	return rows
}

// RegionsOfTable returns the states of the regions of a table, split parents
// included, ordered by start key.
func (t *Table) RegionsOfTable(table string) []regionpb.RegionState {
	var states []regionpb.RegionState
	for _, row := range t.Rows() {
		if row.Info.Table == table {
			states = append(states, row.RegionState())
		}
	}
	return states
}

// RegionsOnServer returns the states of the regions hosted on server.
func (t *Table) RegionsOnServer(server string) []regionpb.RegionState {
	var states []regionpb.RegionState
	for _, row := range t.Rows() {
		if row.Server == server && row.State != regionpb.StateSplit {
			states = append(states, row.RegionState())
		}
	}
	return states
}

// CommitSplit atomically records a split: the parent becomes SPLIT and
// points at both daughters, and the daughters are created SPLITTING_NEW
// pointing back at the parent. The three rows are written in one catalog
// batch. Committing a split that is already committed with the same
// daughters is a no-op.
func (t *Table) CommitSplit(
	ctx context.Context, parent string, a, b regionpb.RegionInfo,
) error {
	n, err := t.node(parent)
	if err != nil {
		return err
	}
	names := [2]string{a.EncodedName(), b.EncodedName()}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.row.State == regionpb.StateSplit {
		if n.row.SplitDaughters == names {
			return nil
		}
		return errors.Wrapf(regionpb.ErrPermanentState, "region %s already split into %s, %s",
			errors.Safe(parent), errors.Safe(n.row.SplitDaughters[0]), errors.Safe(n.row.SplitDaughters[1]))
	}
	if n.row.State != regionpb.StateSplitting {
		return errors.Wrapf(regionpb.ErrTransitionConflict, "region %s is %s, expected %s",
			errors.Safe(parent), n.row.State, regionpb.StateSplitting)
	}

	parentRow := n.row
	parentRow.State = regionpb.StateSplit
	parentRow.SplitDaughters = names
	daughters := [2]regionpb.CatalogRow{
		{Info: a, State: regionpb.StateSplittingNew, SplitParent: parent},
		{Info: b, State: regionpb.StateSplittingNew, SplitParent: parent},
	}
	batch := t.cat.NewBatch()
	batch.Put(parentRow)
	batch.Put(daughters[0])
	batch.Put(daughters[1])
	if err := batch.Commit(); err != nil {
		return err
	}

	t.mu.Lock()
	for i := range daughters {
		t.mu.regions.Put(names[i], &regionNode{row: daughters[i]})
	}
	t.mu.Unlock()
	n.row = parentRow
	base.WithTags(ctx, t.logger).Infof("region %s: split into %s, %s", parent, names[0], names[1])
	return nil
}

// RollbackSplit returns a SPLITTING parent to OPEN. The parent must have no
// daughters recorded.
func (t *Table) RollbackSplit(ctx context.Context, parent string) error {
	n, err := t.node(parent)
	if err != nil {
		return err
	}
	n.mu.Lock()
	state, daughters := n.row.State, n.row.HasDaughters()
	n.mu.Unlock()
	if daughters || state == regionpb.StateSplit {
		return errors.Wrapf(regionpb.ErrPermanentState, "region %s is past the point of no return", errors.Safe(parent))
	}
	if state == regionpb.StateOpen {
		return nil
	}
	row, err := t.Row(parent)
	if err != nil {
		return err
	}
	return t.Transition(ctx, parent, regionpb.StateSplitting, regionpb.StateOpen, row.Server)
}

// CollectParent removes the catalog row of a split parent and clears the
// lineage pointers of its daughters, in one batch. Afterwards Row and Get
// report the parent as not found, but it stays SPLIT in memory so that no
// transition can revive it. Collecting an already collected parent is a
// no-op.
func (t *Table) CollectParent(ctx context.Context, parent string) error {
	n, err := t.node(parent)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.collected {
		return nil
	}
	if n.row.State != regionpb.StateSplit {
		return errors.AssertionFailedf("region %s is %s, not SPLIT", errors.Safe(parent), n.row.State)
	}
	if n.procID != 0 {
		return errors.Wrapf(regionpb.ErrRegionInTransition, "region %s has procedure %d attached",
			errors.Safe(parent), errors.Safe(n.procID))
	}
	// Daughter rows stay locked until the batch is applied.
	batch := t.cat.NewBatch()
	batch.Delete(&n.row.Info)
	var updated []*regionNode
	for _, d := range n.row.SplitDaughters {
		dn, err := t.node(d)
		if err != nil {
			continue
		}
		dn.mu.Lock()
		defer dn.mu.Unlock()
		if dn.row.SplitParent != parent {
			continue
		}
		row := dn.row
		row.SplitParent = ""
		batch.Put(row)
		updated = append(updated, dn)
	}
	if err := batch.Commit(); err != nil {
		return err
	}
	for _, dn := range updated {
		dn.row.SplitParent = ""
	}
	n.row.Server = ""
	n.collected = true
	base.WithTags(ctx, t.logger).Infof("region %s: collected split parent", parent)
	return nil
}

// IsCollected returns true if the row of a split parent has been removed.
func (t *Table) IsCollected(name string) bool {
	n, err := t.node(name)
	if err != nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.collected
}
