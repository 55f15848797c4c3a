// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regions

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/procedure"
	"github.com/cockroachdb/regions/regionpb"
	"github.com/cockroachdb/regions/split"
)

// recoverOrphans repairs regions left mid-split by a procedure that no
// longer exists, such as one whose record was lost. It runs after the
// executor recovered the logged procedures, which attached themselves to
// their regions, so any region still unattached is an orphan:
//
//   - a SPLITTING parent is returned to OPEN, and reassigned if its server
//     is gone;
//   - a SPLIT parent whose daughters were never opened gets a procedure
//     resuming the split at OPEN_DAUGHTERS;
//   - a SPLITTING_NEW daughter whose parent is gone is assigned.
func (m *Master) recoverOrphans(ctx context.Context) error {
	logger := base.WithTags(ctx, m.opts.Logger)
	rows := m.states.Rows()
	byName := make(map[string]*regionpb.CatalogRow, len(rows))
	for i := range rows {
		byName[rows[i].Info.EncodedName()] = &rows[i]
	}
	resumed := make(map[string]bool)

	for i := range rows {
		row := &rows[i]
		name := row.Info.EncodedName()
		if m.states.IsInTransition(name) {
			continue
		}
		switch row.State {
		case regionpb.StateSplitting:
			logger.Infof("rolling back orphaned split of %s", name)
			if err := m.states.RollbackSplit(ctx, name); err != nil {
				return err
			}
			if _, err := m.cluster.Server(row.Server); err != nil {
				if _, err := m.Assign(ctx, name, ""); err != nil && !regionpb.IsValidationError(err) {
					return err
				}
			}

		case regionpb.StateSplit:
			if err := m.resumeSplit(ctx, row, byName, resumed); err != nil {
				return err
			}

		case regionpb.StateSplittingNew:
			parent, ok := byName[row.SplitParent]
			if ok && parent.State == regionpb.StateSplit {
				if err := m.resumeSplit(ctx, parent, byName, resumed); err != nil {
					return err
				}
				continue
			}
			logger.Infof("assigning orphaned daughter %s", name)
			if _, err := m.Assign(ctx, name, ""); err != nil && !regionpb.IsValidationError(err) {
				return err
			}
		}
	}
	return nil
}

// resumeSplit submits a procedure opening the daughters of a SPLIT parent
// if one of them is still SPLITTING_NEW and unowned.
func (m *Master) resumeSplit(
	ctx context.Context,
	parent *regionpb.CatalogRow,
	byName map[string]*regionpb.CatalogRow,
	resumed map[string]bool,
) error {
	name := parent.Info.EncodedName()
	if resumed[name] {
		return nil
	}
	resumed[name] = true

	var daughters [2]regionpb.RegionInfo
	pending := false
	for i, d := range parent.SplitDaughters {
		row, ok := byName[d]
		if !ok {
			return nil
		}
		daughters[i] = row.Info
		if row.State == regionpb.StateSplittingNew && !m.states.IsInTransition(d) {
			pending = true
		}
	}
	if !pending {
		return nil
	}
	id, err := m.exec.Submit(ctx, 0, 0, func(id uint64) (procedure.Procedure, error) {
		return split.Resume(m.splitEnv, id, *parent, daughters)
	})
	if err != nil {
		return errors.Wrapf(err, "resuming split of %s", errors.Safe(name))
	}
	base.WithTags(ctx, m.opts.Logger).Infof("resuming split of %s as proc %d", name, id)
	return nil
}
