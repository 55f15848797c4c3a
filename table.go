// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regions

import (
	"bytes"
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/regions/catalog"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/janitor"
	"github.com/cockroachdb/regions/regionpb"
)

// ErrTableExists is returned by CreateTable for a table that already has a
// descriptor.
var ErrTableExists = errors.New("regions: table exists")

// CreateTable writes the descriptor of a new table, creates its initial
// regions, one more than there are split keys, and submits their
// assignment. It returns the regions and the ids of the assign procedures.
func (m *Master) CreateTable(
	ctx context.Context, desc regionpb.TableDescriptor, splitKeys [][]byte,
) ([]regionpb.RegionInfo, []uint64, error) {
	if err := m.checkOpen(); err != nil {
		return nil, nil, err
	}
	if desc.Name == "" {
		return nil, nil, errors.New("regions: table name is empty")
	}
	if len(desc.Families) == 0 {
		return nil, nil, errors.Newf("regions: table %q has no column family", desc.Name)
	}
	if desc.SplitPolicy != "" {
		if _, ok := m.opts.SplitPolicies[desc.SplitPolicy]; !ok {
			return nil, nil, errors.Newf("regions: unknown split policy %q", desc.SplitPolicy)
		}
	}
	if _, err := m.catalog.GetTable(desc.Name); err == nil {
		return nil, nil, errors.Wrapf(ErrTableExists, "%q", desc.Name)
	} else if !errors.Is(err, base.ErrNotFound) {
		return nil, nil, err
	}

	keys := make([][]byte, 0, len(splitKeys))
	for _, k := range splitKeys {
		if len(k) == 0 {
			return nil, nil, errors.Wrap(regionpb.ErrInvalidSplitKey, "empty split key")
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	for i := 1; i < len(keys); i++ {
		if bytes.Equal(keys[i-1], keys[i]) {
			return nil, nil, errors.Wrapf(regionpb.ErrInvalidSplitKey, "duplicate split key %q", keys[i])
		}
	}

	ctx = logtags.AddTag(ctx, "table", desc.Name)
	if err := m.catalog.PutTable(desc); err != nil {
		return nil, nil, err
	}
	regionID := m.splitEnv.Now().UnixMilli()
	infos := make([]regionpb.RegionInfo, 0, len(keys)+1)
	var start []byte
	for i := 0; i <= len(keys); i++ {
		var end []byte
		if i < len(keys) {
			end = keys[i]
		}
		infos = append(infos, regionpb.RegionInfo{
			Table:    desc.Name,
			StartKey: start,
			EndKey:   end,
			RegionID: regionID,
		})
		start = end
	}
	for i := range infos {
		if err := m.files.CreateRegion(&infos[i], desc.Families); err != nil {
			return nil, nil, err
		}
		if err := m.states.Create(ctx, regionpb.CatalogRow{Info: infos[i], State: regionpb.StateOffline}); err != nil {
			return nil, nil, err
		}
	}
	ids := make([]uint64, 0, len(infos))
	for i := range infos {
		id, err := m.Assign(ctx, infos[i].EncodedName(), "")
		if err != nil {
			return infos, ids, err
		}
		ids = append(ids, id)
	}
	base.WithTags(ctx, m.opts.Logger).Infof("created table with %d regions", len(infos))
	return infos, ids, nil
}

// Table returns the descriptor of a table.
func (m *Master) Table(name string) (regionpb.TableDescriptor, error) {
	return m.catalog.GetTable(name)
}

// Tables returns the descriptors of all tables, ordered by name.
func (m *Master) Tables() ([]regionpb.TableDescriptor, error) {
	return m.catalog.Tables()
}

// Region returns the catalog row of the region with the given encoded name.
func (m *Master) Region(name string) (regionpb.CatalogRow, error) {
	return m.states.Row(name)
}

// Regions returns the rows of the regions of a table, split parents that
// have not been collected included, ordered by start key. An empty table
// name returns the rows of all tables.
func (m *Master) Regions(table string) []regionpb.CatalogRow {
	rows := m.states.Rows()
	if table == "" {
		return rows
	}
	var res []regionpb.CatalogRow
	for _, row := range rows {
		if row.Info.Table == table {
			res = append(res, row)
		}
	}
	return res
}

// LocateRegion returns the row of the region of table serving key.
func (m *Master) LocateRegion(table string, key []byte) (regionpb.CatalogRow, error) {
	return m.catalog.LocateRegion(table, key)
}

// CheckConsistency checks that the regions of every table partition its key
// space. With onlineOnly, only the regions serving or about to serve keys
// count (see regionpb.State.IsOnline).
func (m *Master) CheckConsistency(onlineOnly bool) []catalog.Problem {
	var include func(regionpb.State) bool
	if onlineOnly {
		include = regionpb.State.IsOnline
	}
	rows := m.states.Rows()
	var tables []string
	for i := range rows {
		if t := rows[i].Info.Table; len(tables) == 0 || tables[len(tables)-1] != t {
			tables = append(tables, t)
		}
	}
	var problems []catalog.Problem
	for _, t := range tables {
		problems = append(problems, catalog.CheckPartition(t, rows, include)...)
	}
	return problems
}

// JanitorReport exports the janitor.Report type.
type JanitorReport = janitor.Report

// RunJanitor runs one janitor scan, whether or not the background janitor
// is enabled.
func (m *Master) RunJanitor(ctx context.Context) (JanitorReport, error) {
	if err := m.checkOpen(); err != nil {
		return JanitorReport{}, err
	}
	return m.janitor.RunOnce(ctx)
}

// SetJanitorEnabled turns the background janitor on or off and returns the
// previous setting.
func (m *Master) SetJanitorEnabled(enabled bool) bool {
	return m.janitor.SetEnabled(enabled)
}
