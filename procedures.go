// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regions

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/regions/assignment"
	"github.com/cockroachdb/regions/procedure"
	"github.com/cockroachdb/regions/regionpb"
	"github.com/cockroachdb/regions/split"
)

// ProcedureResult exports the procedure.Result type.
type ProcedureResult = procedure.Result

// SplitRegion submits a split of the region with the given encoded name at
// splitKey. A nil splitKey asks the server hosting the region for its best
// split point. The region is validated synchronously: an invalid request
// returns an error and no procedure.
//
// A non-zero (nonceGroup, nonce) pair makes the call idempotent: repeating
// it returns the id of the procedure submitted first, running or finished.
func (m *Master) SplitRegion(
	ctx context.Context, name string, splitKey []byte, nonceGroup, nonce uint64,
) (uint64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	ctx = logtags.AddTag(ctx, "region", name)
	return m.exec.Submit(ctx, nonceGroup, nonce, func(id uint64) (procedure.Procedure, error) {
		key := splitKey
		if key == nil {
			var err error
			if key, err = m.bestSplitKey(ctx, name); err != nil {
				return nil, err
			}
		}
		return split.New(ctx, m.splitEnv, id, name, key)
	})
}

// bestSplitKey asks the server hosting an OPEN region for its split point.
// For a region that is not OPEN it returns a nil key and lets the split
// validation report the state.
func (m *Master) bestSplitKey(ctx context.Context, name string) ([]byte, error) {
	st, err := m.states.Get(name)
	if err != nil {
		return nil, err
	}
	if st.State != regionpb.StateOpen {
		return nil, nil
	}
	srv, err := m.cluster.Server(st.Server)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.RPCTimeout)
	defer cancel()
	key, err := srv.BestSplitKey(ctx, st.Info)
	if err != nil {
		return nil, errors.Wrapf(err, "best split key of %s", errors.Safe(name))
	}
	if len(key) == 0 {
		return nil, errors.Wrapf(regionpb.ErrInvalidSplitKey, "region %s has no split point", errors.Safe(name))
	}
	return key, nil
}

// Assign submits the assignment of a region that is not open, preferably
// to the named server. SPLIT regions are rejected with
// regionpb.ErrPermanentState.
func (m *Master) Assign(ctx context.Context, name, preferred string) (uint64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	ctx = logtags.AddTag(ctx, "region", name)
	return m.exec.Submit(ctx, 0, 0, func(id uint64) (procedure.Procedure, error) {
		return assignment.NewAssign(ctx, m.assignEnv, id, name, preferred)
	})
}

// Unassign submits closing an OPEN region. The region ends up CLOSED, or
// OFFLINE if its server died meanwhile.
func (m *Master) Unassign(ctx context.Context, name string) (uint64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	ctx = logtags.AddTag(ctx, "region", name)
	return m.exec.Submit(ctx, 0, 0, func(id uint64) (procedure.Procedure, error) {
		return assignment.NewUnassign(ctx, m.assignEnv, id, name)
	})
}

// ProcedureResult returns the status of a procedure.
func (m *Master) ProcedureResult(id uint64) (ProcedureResult, error) {
	return m.exec.Result(id)
}

// WaitProcedure blocks until the procedure is finished or ctx is done.
func (m *Master) WaitProcedure(ctx context.Context, id uint64) (ProcedureResult, error) {
	return m.exec.Wait(ctx, id)
}

// ResumeProcedure restarts a procedure that stalled on a permanent error,
// once the operator fixed its cause.
func (m *Master) ResumeProcedure(id uint64) error {
	return m.exec.Resume(id)
}

// Procedures returns the procedures that are not finished, ordered by id.
func (m *Master) Procedures() []ProcedureResult {
	return m.exec.Pending()
}

// wake runs the procedure attached to a region, if any, so that it notices
// a change made outside of it.
func (m *Master) wake(name string) {
	if id := m.states.ProcOf(name); id != 0 {
		m.exec.Wake(id)
	}
}
