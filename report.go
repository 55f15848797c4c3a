// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regions

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/regionpb"
)

// errSplitPending is returned for split reports that arrive before the
// split reached the state they ask about. The server retries.
var errSplitPending = errors.New("split still in progress")

// ReportRegionStateTransition implements regionpb.MasterService. Reports
// are delivered at least once: a report whose outcome has already been
// applied is acked again. A report that contradicts the state table fails
// with regionpb.ErrTransitionConflict and is not retried by the server.
func (m *Master) ReportRegionStateTransition(ctx context.Context, rep regionpb.TransitionReport) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	name := rep.Region.EncodedName()
	ctx = logtags.AddTag(logtags.AddTag(ctx, "region", name), "server", rep.Server)
	st, err := m.states.Get(name)
	if err != nil {
		return err
	}

	switch rep.Code {
	case regionpb.TransitionOpened:
		return m.reportDone(ctx, rep, st, regionpb.StateOpening, regionpb.StateOpen, rep.Server)

	case regionpb.TransitionFailedOpen:
		return m.reportDone(ctx, rep, st, regionpb.StateOpening, regionpb.StateFailedOpen, rep.Server)

	case regionpb.TransitionClosed:
		if st.State == regionpb.StateClosed || st.State == regionpb.StateOffline {
			return nil
		}
		return m.reportDone(ctx, rep, st, regionpb.StateClosing, regionpb.StateClosed, "")

	case regionpb.TransitionReadyToSplit:
		if st.Server != rep.Server {
			return conflict(rep, st)
		}
		id, err := m.SplitRegion(ctx, name, rep.SplitKey, 0, 0)
		if err != nil {
			return err
		}
		base.WithTags(ctx, m.opts.Logger).Infof("split requested by %s: proc %d", rep.Server, id)
		return nil

	case regionpb.TransitionSplitPONR:
		switch st.State {
		case regionpb.StateSplit:
			return nil
		case regionpb.StateSplitting:
			return errors.Wrapf(errSplitPending, "region %s", errors.Safe(name))
		}
		return conflict(rep, st)

	case regionpb.TransitionSplitReverted:
		switch {
		case st.State == regionpb.StateOpen && !m.states.IsInTransition(name):
			return nil
		case st.State == regionpb.StateSplitting, st.State == regionpb.StateOpen:
			return errors.Wrapf(errSplitPending, "region %s", errors.Safe(name))
		}
		return conflict(rep, st)
	}
	return errors.Newf("unknown transition code %d", errors.Safe(uint8(rep.Code)))
}

// reportDone applies the outcome of an open or close request: the region
// moves from expected to next if the reporting server is the one the
// request went to. A repeated report is acked without change.
func (m *Master) reportDone(
	ctx context.Context,
	rep regionpb.TransitionReport,
	st regionpb.RegionState,
	expected, next regionpb.State,
	nextServer string,
) error {
	name := rep.Region.EncodedName()
	switch {
	case st.State == next && st.Server == nextServer:
		return nil
	case st.State != expected || st.Server != rep.Server:
		return conflict(rep, st)
	}
	if err := m.states.Transition(ctx, name, expected, next, nextServer); err != nil {
		return err
	}
	m.wake(name)
	return nil
}

func conflict(rep regionpb.TransitionReport, st regionpb.RegionState) error {
	return errors.Wrapf(regionpb.ErrTransitionConflict, "%s, but region is %s", rep, st)
}
