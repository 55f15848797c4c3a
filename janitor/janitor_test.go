// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package janitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/regions/catalog"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/regionfs"
	"github.com/cockroachdb/regions/regionpb"
	"github.com/cockroachdb/regions/regionstate"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	t      *testing.T
	cat    *catalog.Catalog
	states *regionstate.Table
	files  *regionfs.FileSystem

	mu        sync.Mutex
	collected []CollectInfo
	problems  []catalog.Problem
}

func newTestEnv(t *testing.T) *testEnv {
	fs := vfs.NewMem()
	cat, err := catalog.Open("catalog", catalog.Options{FS: fs, Logger: base.NoopLoggerForTesting})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, cat.Close()) })
	return &testEnv{
		t:      t,
		cat:    cat,
		states: regionstate.New(cat, base.NoopLoggerForTesting),
		files:  regionfs.New(regionfs.Options{FS: fs, Root: "shared", Logger: base.NoopLoggerForTesting}),
	}
}

func (e *testEnv) janitor(modify func(*Options)) *Janitor {
	opts := Options{
		States: e.states,
		Files:  e.files,
		Logger: base.NoopLoggerForTesting,
		ParentCollected: func(info CollectInfo) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.collected = append(e.collected, info)
		},
		Inconsistent: func(problems []catalog.Problem) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.problems = append(e.problems, problems...)
		},
	}
	if modify != nil {
		modify(&opts)
	}
	return New(opts)
}

// split creates a region of table holding n rows and splits it in the
// middle, as the split procedure would. The daughters end up OPEN and
// referencing the parent's file.
func (e *testEnv) split(table string, n int) (parent regionpb.RegionInfo, daughters [2]regionpb.RegionInfo) {
	ctx := context.Background()
	parent = regionpb.RegionInfo{Table: table, RegionID: 1}
	name := parent.EncodedName()
	require.NoError(e.t, e.files.CreateRegion(&parent, []string{"f"}))
	var kvs []regionfs.KV
	for i := 0; i < n; i++ {
		kvs = append(kvs, regionfs.KV{Key: []byte(fmt.Sprintf("r%02d", i)), Value: []byte("v")})
	}
	meta, err := e.files.WriteStoreFile(&parent, "f", kvs)
	require.NoError(e.t, err)
	require.NoError(e.t, e.states.Create(ctx,
		regionpb.CatalogRow{Info: parent, State: regionpb.StateOpen, Server: "rs1"}))
	require.NoError(e.t, e.states.Transition(ctx, name, regionpb.StateOpen, regionpb.StateSplitting, "rs1"))

	splitKey := []byte(fmt.Sprintf("r%02d", n/2))
	daughters[0], daughters[1] = regionpb.Daughters(&parent, splitKey, 2)
	resp, err := e.files.SplitRegionFiles(ctx, regionpb.SplitFilesRequest{
		Parent:    parent,
		Daughters: daughters,
		SplitKey:  splitKey,
		Files:     regionpb.CommittedFiles{"f": {meta.Name}},
		Policy:    regionfs.DefaultSplitPolicy.Name(),
	}, regionfs.DefaultSplitPolicy)
	require.NoError(e.t, err)
	require.Equal(e.t, [2]int{1, 1}, resp.References)
	require.NoError(e.t, e.states.CommitSplit(ctx, name, daughters[0], daughters[1]))
	for i := range daughters {
		d := daughters[i].EncodedName()
		require.NoError(e.t, e.states.Transition(ctx, d, regionpb.StateSplittingNew, regionpb.StateOpening, "rs1"))
		require.NoError(e.t, e.states.Transition(ctx, d, regionpb.StateOpening, regionpb.StateOpen, "rs1"))
	}
	return parent, daughters
}

func (e *testEnv) compact(info *regionpb.RegionInfo) {
	_, err := e.files.Compact(info, "f")
	require.NoError(e.t, err)
}

func TestCollectParent(t *testing.T) {
	e := newTestEnv(t)
	j := e.janitor(nil)
	ctx := context.Background()

	parent, daughters := e.split("t", 10)
	name := parent.EncodedName()

	r, err := j.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{Parents: 1, Referenced: 1}, r)
	require.True(t, e.files.RegionExists(&parent))

	// One daughter still references the parent.
	e.compact(&daughters[0])
	r, err = j.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, r.Referenced)
	require.Empty(t, r.Collected)

	e.compact(&daughters[1])
	r, err = j.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{name}, r.Collected)
	require.Empty(t, r.Problems)
	require.False(t, e.files.RegionExists(&parent))
	_, err = e.states.Row(name)
	require.True(t, errors.Is(err, regionpb.ErrRegionNotFound), "%v", err)

	e.mu.Lock()
	require.Len(t, e.collected, 1)
	info := e.collected[0]
	e.mu.Unlock()
	require.NoError(t, info.Err)
	require.Equal(t, name, info.Parent.EncodedName())
	require.Equal(t, [2]string{daughters[0].EncodedName(), daughters[1].EncodedName()}, info.Daughters)
	require.Equal(t, 1, info.Files)
	require.Greater(t, info.Bytes, int64(0))

	// The daughters keep serving every row.
	for i, d := range daughters {
		kvs, err := e.files.ReadFamily(&d, "f")
		require.NoError(t, err)
		require.Len(t, kvs, 5, "daughter %d", i)
	}

	r, err = j.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{}, r)
}

func TestKeepParentOfAttachedDaughter(t *testing.T) {
	e := newTestEnv(t)
	j := e.janitor(nil)
	ctx := context.Background()

	parent, daughters := e.split("t", 4)
	e.compact(&daughters[0])
	e.compact(&daughters[1])

	d := daughters[1].EncodedName()
	require.NoError(t, e.states.Attach(d, 42))
	r, err := j.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, r.Referenced)
	require.True(t, e.files.RegionExists(&parent))

	e.states.Detach(d, 42)
	r, err = j.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{parent.EncodedName()}, r.Collected)
}

func TestReportsPartitionProblems(t *testing.T) {
	e := newTestEnv(t)
	j := e.janitor(nil)
	ctx := context.Background()

	info := regionpb.RegionInfo{Table: "u", StartKey: []byte("m"), RegionID: 1}
	require.NoError(t, e.states.Create(ctx, regionpb.CatalogRow{Info: info, State: regionpb.StateOpen, Server: "rs1"}))
	r, err := j.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, r.Problems, 1)
	require.Equal(t, catalog.Hole, r.Problems[0].Kind)
	require.Equal(t, "m", string(r.Problems[0].End))

	e.mu.Lock()
	defer e.mu.Unlock()
	require.Equal(t, r.Problems, e.problems)
}

func TestPacedCleaner(t *testing.T) {
	e := newTestEnv(t)
	j := e.janitor(func(o *Options) { o.TargetByteDeletionRate = 1 << 30 })
	ctx := context.Background()

	parent, daughters := e.split("t", 100)
	e.compact(&daughters[0])
	e.compact(&daughters[1])
	r, err := j.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{parent.EncodedName()}, r.Collected)

	// A cancelled scan gives up waiting for deletion budget.
	c := &pacedCleaner{cleaner: base.DeleteCleaner{}, limiter: j.limiter, burst: 1 << 30}
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	c.ctx = cctx
	j.limiter.Adjust(-(1 << 31))
	require.ErrorIs(t, c.wait(1), context.Canceled)
}

func TestBackgroundScan(t *testing.T) {
	// Cleanups run last in first out: the leak check follows the catalog
	// close registered by newTestEnv.
	t.Cleanup(leaktest.AfterTest(t))
	e := newTestEnv(t)
	j := e.janitor(func(o *Options) {
		o.Interval = time.Millisecond
		o.Disabled = true
	})
	parent, daughters := e.split("t", 4)
	e.compact(&daughters[0])
	e.compact(&daughters[1])

	j.Start()
	defer j.Stop()
	require.False(t, j.Enabled())
	time.Sleep(10 * time.Millisecond)
	require.True(t, e.files.RegionExists(&parent))

	require.False(t, j.SetEnabled(true))
	require.Eventually(t, func() bool {
		return !e.files.RegionExists(&parent)
	}, 10*time.Second, time.Millisecond)
	require.True(t, j.SetEnabled(false))
}
