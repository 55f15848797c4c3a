// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package split

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/regions/procedure"
	"github.com/cockroachdb/regions/regionpb"
)

// SplitContext is what observers see of a split.
type SplitContext struct {
	ProcID    uint64
	Parent    regionpb.RegionInfo
	SplitKey  []byte
	Daughters [2]regionpb.RegionInfo
	// Rows are the catalog rows the split commits: the SPLIT parent
	// followed by both daughters.
	Rows [3]regionpb.CatalogRow
}

// Observer hooks into splits.
type Observer interface {
	// BeforePointOfNoReturn may veto the split by returning an error. It is
	// called after the parent was marked SPLITTING and before it is
	// closed; it may run again after a master restart.
	BeforePointOfNoReturn(ctx context.Context, sc *SplitContext) error
	// AfterCommit is called once both daughters are open.
	AfterCommit(ctx context.Context, sc *SplitContext)
}

// ObserverChain runs observers in order.
type ObserverChain []Observer

// BeforePointOfNoReturn calls every observer in order and stops at the first
// rejection, which is returned marked with procedure.ErrVetoed.
func (c ObserverChain) BeforePointOfNoReturn(ctx context.Context, sc *SplitContext) error {
	for i, o := range c {
		if err := o.BeforePointOfNoReturn(ctx, sc); err != nil {
			return errors.Mark(errors.Wrapf(err, "split vetoed by observer %d", errors.Safe(i)), procedure.ErrVetoed)
		}
	}
	return nil
}

// AfterCommit calls every observer in order.
func (c ObserverChain) AfterCommit(ctx context.Context, sc *SplitContext) {
	for _, o := range c {
		o.AfterCommit(ctx, sc)
	}
}

// ObserverFuncs adapts a pair of functions to an Observer. Nil functions are
// no-ops.
type ObserverFuncs struct {
	Before func(ctx context.Context, sc *SplitContext) error
	After  func(ctx context.Context, sc *SplitContext)
}

var _ Observer = ObserverFuncs{}

// BeforePointOfNoReturn implements Observer.
func (f ObserverFuncs) BeforePointOfNoReturn(ctx context.Context, sc *SplitContext) error {
	if f.Before == nil {
		return nil
	}
	return f.Before(ctx, sc)
}

// AfterCommit implements Observer.
func (f ObserverFuncs) AfterCommit(ctx context.Context, sc *SplitContext) {
	if f.After != nil {
		f.After(ctx, sc)
	}
}
