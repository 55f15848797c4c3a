// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regions

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/regions/catalog"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/procedure"
	"github.com/cockroachdb/regions/proclog"
	"github.com/cockroachdb/regions/regionfs"
	"github.com/cockroachdb/regions/regionpb"
	"github.com/cockroachdb/regions/regionserver"
	"github.com/cockroachdb/regions/split"
	"github.com/stretchr/testify/require"
)

// masterProxy lets region servers outlive a master: reports sent while no
// master is open fail and are retried.
type masterProxy struct {
	m atomic.Pointer[Master]
}

func (p *masterProxy) ReportRegionStateTransition(
	ctx context.Context, rep regionpb.TransitionReport,
) error {
	m := p.m.Load()
	if m == nil {
		return errors.New("no master")
	}
	return m.ReportRegionStateTransition(ctx, rep)
}

type testEnv struct {
	t       *testing.T
	fs      vfs.FS
	files   *regionfs.FileSystem
	proxy   *masterProxy
	servers []*regionserver.Server
	m       *Master
}

func newTestEnv(t *testing.T, numServers int, configure func(*Options)) *testEnv {
	fs := vfs.NewMem()
	e := &testEnv{
		t:     t,
		fs:    fs,
		files: regionfs.New(regionfs.Options{FS: fs, Root: "hbase", Logger: base.NoopLoggerForTesting}),
		proxy: &masterProxy{},
	}
	for i := 1; i <= numServers; i++ {
		e.addServer(fmt.Sprintf("rs%d", i))
	}
	e.open(configure)
	return e
}

func (e *testEnv) addServer(name string) *regionserver.Server {
	s, err := regionserver.New(regionserver.Options{
		Name:             name,
		Files:            e.files,
		Master:           e.proxy,
		ReportBackoff:    time.Millisecond,
		MaxReportBackoff: 10 * time.Millisecond,
		Logger:           base.NoopLoggerForTesting,
	})
	require.NoError(e.t, err)
	e.servers = append(e.servers, s)
	if e.m != nil {
		e.m.RegisterServer(s)
	}
	return s
}

func (e *testEnv) open(configure func(*Options)) {
	opts := &Options{
		FS:             e.fs,
		Files:          e.files,
		Logger:         base.NoopLoggerForTesting,
		RPCTimeout:     5 * time.Second,
		RedriveAfter:   5 * time.Second,
		SuspendTimeout: 100 * time.Millisecond,
		Retry: RetryOptions{
			InitialBackoff: time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
		},
		DisableJanitor: true,
	}
	for _, s := range e.servers {
		opts.Servers = append(opts.Servers, s)
	}
	if configure != nil {
		configure(opts)
	}
	m, err := Open("master", opts)
	require.NoError(e.t, err)
	e.m = m
	e.proxy.m.Store(m)
}

func (e *testEnv) restart(configure func(*Options)) {
	e.proxy.m.Store(nil)
	require.NoError(e.t, e.m.Close())
	e.open(configure)
}

func (e *testEnv) close() {
	e.proxy.m.Store(nil)
	require.NoError(e.t, e.m.Close())
	for _, s := range e.servers {
		require.NoError(e.t, s.Close())
	}
}

func (e *testEnv) server(name string) *regionserver.Server {
	for _, s := range e.servers {
		if s.Name() == name {
			return s
		}
	}
	e.t.Fatalf("unknown server %q", name)
	return nil
}

func (e *testEnv) wait(id uint64) ProcedureResult {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := e.m.WaitProcedure(ctx, id)
	require.NoError(e.t, err)
	return res
}

func (e *testEnv) createTable(name string, splitKeys ...string) []regionpb.RegionInfo {
	var keys [][]byte
	for _, k := range splitKeys {
		keys = append(keys, []byte(k))
	}
	infos, ids, err := e.m.CreateTable(context.Background(),
		regionpb.TableDescriptor{Name: name, Families: []string{"f"}}, keys)
	require.NoError(e.t, err)
	for _, id := range ids {
		require.Equal(e.t, procedure.Success, e.wait(id).Status)
	}
	return infos
}

func (e *testEnv) split(name, key string) ProcedureResult {
	id, err := e.m.SplitRegion(context.Background(), name, []byte(key), 0, 0)
	require.NoError(e.t, err)
	return e.wait(id)
}

func (e *testEnv) host(name string) *regionserver.Server {
	row, err := e.m.Region(name)
	require.NoError(e.t, err)
	require.Equal(e.t, regionpb.StateOpen, row.State, "region %s", name)
	return e.server(row.Server)
}

func (e *testEnv) put(name string, keys ...string) {
	s := e.host(name)
	for _, k := range keys {
		require.NoError(e.t, s.Put(context.Background(), name, "f", []byte(k), []byte("v-"+k)))
	}
}

// scan returns the keys of a table served by its OPEN regions, in region
// order.
func (e *testEnv) scan(table string) []string {
	var res []string
	for _, row := range e.openRegions(table) {
		name := row.Info.EncodedName()
		kvs, err := e.host(name).Scan(context.Background(), name, "f")
		require.NoError(e.t, err)
		for _, kv := range kvs {
			require.Equal(e.t, "v-"+string(kv.Key), string(kv.Value))
			res = append(res, string(kv.Key))
		}
	}
	return res
}

func (e *testEnv) openRegions(table string) []regionpb.CatalogRow {
	var rows []regionpb.CatalogRow
	for _, row := range e.m.Regions(table) {
		if row.State == regionpb.StateOpen {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return bytes.Compare(rows[i].Info.StartKey, rows[j].Info.StartKey) < 0
	})
	return rows
}

func rowKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("r%02d", i)
	}
	return keys
}

func requirePartition(t *testing.T, parent regionpb.RegionInfo, a, b regionpb.RegionInfo, splitKey string) {
	t.Helper()
	require.Equal(t, parent.StartKey, a.StartKey)
	require.Equal(t, splitKey, string(a.EndKey))
	require.Equal(t, splitKey, string(b.StartKey))
	require.Equal(t, parent.EndKey, b.EndKey)
	require.Greater(t, a.RegionID, parent.RegionID)
	require.Equal(t, a.RegionID, b.RegionID)
}

func TestSplitPartitionsRegion(t *testing.T) {
	e := newTestEnv(t, 2, nil)
	defer e.close()

	parent := e.createTable("t")[0]
	name := parent.EncodedName()
	keys := rowKeys(20)
	e.put(name, keys[:10]...)
	require.NoError(t, e.host(name).Flush(context.Background(), name))
	e.put(name, keys[10:]...)

	res := e.split(name, "r10")
	require.Equal(t, procedure.Success, res.Status, "%v", res.Err)

	row, err := e.m.Region(name)
	require.NoError(t, err)
	require.Equal(t, regionpb.StateSplit, row.State)
	require.Len(t, row.SplitDaughters, 2)

	open := e.openRegions("t")
	require.Len(t, open, 2)
	requirePartition(t, parent, open[0].Info, open[1].Info, "r10")
	require.Equal(t, row.SplitDaughters[0], open[0].Info.EncodedName())
	require.Equal(t, row.SplitDaughters[1], open[1].Info.EncodedName())
	require.Equal(t, name, open[0].SplitParent)
	require.Empty(t, e.m.CheckConsistency(true))

	// Every row is served exactly once, by the daughter covering it.
	require.Equal(t, keys, e.scan("t"))
	loc, err := e.m.LocateRegion("t", []byte("r05"))
	require.NoError(t, err)
	require.Equal(t, open[0].Info.EncodedName(), loc.Info.EncodedName())
	loc, err = e.m.LocateRegion("t", []byte("r15"))
	require.NoError(t, err)
	require.Equal(t, open[1].Info.EncodedName(), loc.Info.EncodedName())

	metrics := e.m.Metrics()
	require.EqualValues(t, 1, metrics.Splits.Started)
	require.EqualValues(t, 1, metrics.Splits.Completed)
	require.EqualValues(t, 0, metrics.Splits.RolledBack)
	require.EqualValues(t, 3, metrics.Regions.Count)
}

func TestSplitFourRows(t *testing.T) {
	e := newTestEnv(t, 1, nil)
	defer e.close()

	name := e.createTable("t")[0].EncodedName()
	e.put(name, "r1", "r2", "r3", "r4")
	res := e.split(name, "r25")
	require.Equal(t, procedure.Success, res.Status, "%v", res.Err)

	open := e.openRegions("t")
	require.Len(t, open, 2)
	scanRegion := func(row regionpb.CatalogRow) []string {
		rn := row.Info.EncodedName()
		kvs, err := e.host(rn).Scan(context.Background(), rn, "f")
		require.NoError(t, err)
		var res []string
		for _, kv := range kvs {
			res = append(res, string(kv.Key))
		}
		return res
	}
	require.Equal(t, []string{"r1", "r2"}, scanRegion(open[0]))
	require.Equal(t, []string{"r3", "r4"}, scanRegion(open[1]))
	require.Equal(t, []string{"r1", "r2", "r3", "r4"}, e.scan("t"))
}

func TestSplitWithoutData(t *testing.T) {
	e := newTestEnv(t, 1, nil)
	defer e.close()

	parent := e.createTable("t", "m")[1]
	name := parent.EncodedName()
	res := e.split(name, "p")
	require.Equal(t, procedure.Success, res.Status, "%v", res.Err)

	open := e.openRegions("t")
	require.Len(t, open, 3)
	requirePartition(t, parent, open[1].Info, open[2].Info, "p")
	for _, row := range open[1:] {
		ok, err := e.files.HasReferences(&row.Info)
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Empty(t, e.m.CheckConsistency(true))
}

func TestSplitValidation(t *testing.T) {
	e := newTestEnv(t, 1, nil)
	defer e.close()
	ctx := context.Background()

	parent := e.createTable("t")[0]
	name := parent.EncodedName()
	e.put(name, rowKeys(10)...)
	require.NoError(t, e.host(name).Flush(ctx, name))

	_, err := e.m.SplitRegion(ctx, "unknown", []byte("r05"), 0, 0)
	require.True(t, errors.Is(err, regionpb.ErrRegionNotFound), "%v", err)
	_, err = e.m.SplitRegion(ctx, name, []byte(""), 0, 0)
	require.True(t, errors.Is(err, regionpb.ErrInvalidSplitKey), "%v", err)

	res := e.split(name, "r05")
	require.Equal(t, procedure.Success, res.Status, "%v", res.Err)
	open := e.openRegions("t")
	a, b := open[0].Info.EncodedName(), open[1].Info.EncodedName()

	// The parent is SPLIT for good.
	_, err = e.m.SplitRegion(ctx, name, []byte("r03"), 0, 0)
	require.True(t, errors.Is(err, regionpb.ErrPermanentState), "%v", err)
	_, err = e.m.Assign(ctx, name, "")
	require.True(t, errors.Is(err, regionpb.ErrPermanentState), "%v", err)
	_, err = e.m.Unassign(ctx, name)
	require.True(t, errors.Is(err, regionpb.ErrPermanentState), "%v", err)

	// The split key must fall strictly inside the daughter.
	_, err = e.m.SplitRegion(ctx, b, []byte("r02"), 0, 0)
	require.True(t, errors.Is(err, regionpb.ErrInvalidSplitKey), "%v", err)
	_, err = e.m.SplitRegion(ctx, b, []byte("r05"), 0, 0)
	require.True(t, errors.Is(err, regionpb.ErrInvalidSplitKey), "%v", err)

	// Daughters holding references cannot split until compacted.
	_, err = e.m.SplitRegion(ctx, a, []byte("r02"), 0, 0)
	require.True(t, errors.Is(err, regionpb.ErrRegionHasReferences), "%v", err)
	require.NoError(t, e.host(a).Compact(ctx, a))
	res = e.split(a, "r02")
	require.Equal(t, procedure.Success, res.Status, "%v", res.Err)

	// A closed region is not split.
	id, err := e.m.Unassign(ctx, b)
	require.NoError(t, err)
	require.Equal(t, procedure.Success, e.wait(id).Status)
	_, err = e.m.SplitRegion(ctx, b, []byte("r07"), 0, 0)
	require.True(t, errors.Is(err, regionpb.ErrRegionNotOpen), "%v", err)

	require.Equal(t, rowKeys(5), e.scan("t"))
}

func TestSplitVetoed(t *testing.T) {
	var vetoes atomic.Int32
	vetoes.Store(1)
	var committed atomic.Int32
	observer := split.ObserverFuncs{
		Before: func(ctx context.Context, sc *split.SplitContext) error {
			if vetoes.Add(-1) >= 0 {
				return errors.New("not now")
			}
			return nil
		},
		After: func(ctx context.Context, sc *split.SplitContext) {
			committed.Add(1)
		},
	}
	e := newTestEnv(t, 1, func(o *Options) { o.Observers = []Observer{observer} })
	defer e.close()

	parent := e.createTable("t")[0]
	name := parent.EncodedName()
	e.put(name, rowKeys(10)...)

	res := e.split(name, "r05")
	require.Equal(t, procedure.Failed, res.Status)
	require.True(t, errors.Is(res.Err, procedure.ErrVetoed), "%v", res.Err)

	// Nothing outside the state table was touched.
	row, err := e.m.Region(name)
	require.NoError(t, err)
	require.Equal(t, regionpb.StateOpen, row.State)
	require.Empty(t, row.SplitDaughters)
	require.Len(t, e.m.Regions("t"), 1)
	regions, err := e.files.Regions("t")
	require.NoError(t, err)
	require.Equal(t, []string{name}, regions)
	require.EqualValues(t, 0, committed.Load())
	require.EqualValues(t, 1, e.m.Metrics().Splits.RolledBack)

	// The parent can be split again.
	res = e.split(name, "r05")
	require.Equal(t, procedure.Success, res.Status, "%v", res.Err)
	require.EqualValues(t, 1, committed.Load())
	require.Equal(t, rowKeys(10), e.scan("t"))
}

func TestSplitNonce(t *testing.T) {
	e := newTestEnv(t, 1, nil)
	defer e.close()

	name := e.createTable("t")[0].EncodedName()
	e.put(name, rowKeys(10)...)

	const n = 8
	ids := make([]uint64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = e.m.SplitRegion(context.Background(), name, []byte("r05"), 7, 42)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
	res := e.wait(ids[0])
	require.Equal(t, procedure.Success, res.Status, "%v", res.Err)

	// A replay after completion still returns the first procedure.
	id, err := e.m.SplitRegion(context.Background(), name, []byte("r05"), 7, 42)
	require.NoError(t, err)
	require.Equal(t, ids[0], id)
	require.EqualValues(t, 1, e.m.Metrics().Splits.Started)
	require.Len(t, e.openRegions("t"), 2)

	// So does a replay after several master restarts.
	e.restart(nil)
	e.restart(nil)
	id, err = e.m.SplitRegion(context.Background(), name, []byte("r05"), 7, 42)
	require.NoError(t, err)
	require.Equal(t, ids[0], id)
	res, err = e.m.ProcedureResult(id)
	require.NoError(t, err)
	require.Equal(t, procedure.Success, res.Status)
	require.Len(t, e.openRegions("t"), 2)
}

func TestSplitBestKey(t *testing.T) {
	e := newTestEnv(t, 1, nil)
	defer e.close()
	ctx := context.Background()

	name := e.createTable("t")[0].EncodedName()
	_, err := e.m.SplitRegion(ctx, name, nil, 0, 0)
	require.True(t, errors.Is(err, regionpb.ErrInvalidSplitKey), "%v", err)

	e.put(name, rowKeys(9)...)
	require.NoError(t, e.host(name).Flush(ctx, name))
	id, err := e.m.SplitRegion(ctx, name, nil, 0, 0)
	require.NoError(t, err)
	res := e.wait(id)
	require.Equal(t, procedure.Success, res.Status, "%v", res.Err)

	open := e.openRegions("t")
	require.Len(t, open, 2)
	require.Equal(t, "r04", string(open[0].Info.EndKey))
	require.Equal(t, rowKeys(9), e.scan("t"))
}

func TestSplitRequestedByServer(t *testing.T) {
	e := newTestEnv(t, 1, nil)
	defer e.close()
	ctx := context.Background()

	info := e.createTable("t")[0]
	name := info.EncodedName()
	e.put(name, rowKeys(6)...)
	require.NoError(t, e.host(name).RequestSplit(ctx, info, []byte("r03")))

	require.Eventually(t, func() bool {
		return len(e.openRegions("t")) == 2 && e.m.Metrics().Splits.Completed == 1
	}, 10*time.Second, time.Millisecond)
	require.Equal(t, rowKeys(6), e.scan("t"))

	// A report from a server that does not host the region is rejected.
	err := e.m.ReportRegionStateTransition(ctx, regionpb.TransitionReport{
		Code:     regionpb.TransitionReadyToSplit,
		Server:   "rs9",
		Region:   e.openRegions("t")[0].Info,
		SplitKey: []byte("r01"),
	})
	require.True(t, errors.Is(err, regionpb.ErrTransitionConflict), "%v", err)
}

func TestSplitOnDeadServer(t *testing.T) {
	e := newTestEnv(t, 2, nil)
	defer e.close()
	ctx := context.Background()

	name := e.createTable("t")[0].EncodedName()
	rs1 := e.host(name)
	require.Equal(t, "rs1", rs1.Name())
	keys := rowKeys(10)
	e.put(name, keys...)
	require.NoError(t, rs1.Flush(ctx, name))
	e.put(name, "r99")
	rs1.Kill()

	id, err := e.m.SplitRegion(ctx, name, []byte("r05"), 0, 0)
	require.NoError(t, err)
	require.NoError(t, e.m.ExpireServer(ctx, "rs1"))
	res := e.wait(id)
	require.Equal(t, procedure.Success, res.Status, "%v", res.Err)

	open := e.openRegions("t")
	require.Len(t, open, 2)
	for _, row := range open {
		require.Equal(t, "rs2", row.Server)
	}
	// Unflushed rows died with the server.
	require.Equal(t, keys, e.scan("t"))
	require.Equal(t, []string{"rs2"}, e.m.Servers())
}

func TestExpireServerReassigns(t *testing.T) {
	e := newTestEnv(t, 2, nil)
	defer e.close()
	ctx := context.Background()

	infos := e.createTable("t", "m")
	e.put(infos[0].EncodedName(), "a", "b")
	e.put(infos[1].EncodedName(), "x", "y")
	for _, info := range infos {
		require.NoError(t, e.host(info.EncodedName()).Flush(ctx, info.EncodedName()))
	}
	e.server("rs1").Kill()
	require.NoError(t, e.m.ExpireServer(ctx, "rs1"))

	require.Eventually(t, func() bool {
		open := e.openRegions("t")
		return len(open) == 2 && open[0].Server == "rs2" && open[1].Server == "rs2"
	}, 10*time.Second, time.Millisecond)
	require.Equal(t, []string{"a", "b", "x", "y"}, e.scan("t"))

	err := e.m.ExpireServer(ctx, "rs9")
	require.True(t, errors.Is(err, regionpb.ErrServerNotFound), "%v", err)
}

func TestSplitVetoedAfterServerDeath(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	veto := split.ObserverFuncs{Before: func(ctx context.Context, _ *split.SplitContext) error {
		once.Do(func() { close(entered) })
		select {
		case <-release:
		case <-ctx.Done():
		}
		return errors.New("not now")
	}}
	e := newTestEnv(t, 2, func(o *Options) { o.Observers = []Observer{veto} })
	defer e.close()
	ctx := context.Background()

	name := e.createTable("t")[0].EncodedName()
	e.put(name, rowKeys(10)...)
	host := e.host(name)
	require.NoError(t, host.Flush(ctx, name))
	id, err := e.m.SplitRegion(ctx, name, []byte("r05"), 0, 0)
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatal("split did not reach its observers")
	}

	// The host dies while the split owns the parent, then the split is
	// vetoed: the parent must not stay on the dead server.
	host.Kill()
	require.NoError(t, e.m.ExpireServer(ctx, host.Name()))
	close(release)
	require.Equal(t, procedure.Failed, e.wait(id).Status)

	require.Eventually(t, func() bool {
		row, err := e.m.Region(name)
		return err == nil && row.State == regionpb.StateOpen && row.Server != host.Name() &&
			!e.m.states.IsInTransition(name)
	}, 10*time.Second, time.Millisecond)
	require.Len(t, e.m.Regions("t"), 1)
	require.Equal(t, rowKeys(10), e.scan("t"))
}

// parkAt returns a knob parking split procedures once step is persisted,
// and a channel closed when that happens.
func parkAt(step split.Step) (func(proclog.Record) bool, chan struct{}) {
	parked := make(chan struct{})
	var once sync.Once
	return func(rec proclog.Record) bool {
		if rec.Type != proclog.TypeSplit || split.Step(rec.Step) != step {
			return false
		}
		once.Do(func() { close(parked) })
		return true
	}, parked
}

func waitParked(t *testing.T, parked chan struct{}) {
	select {
	case <-parked:
	case <-time.After(10 * time.Second):
		t.Fatal("procedure not parked")
	}
}

func TestRecoverAfterCommit(t *testing.T) {
	knob, parked := parkAt(split.StepOpenDaughters)
	e := newTestEnv(t, 1, func(o *Options) { o.TestingKnobs.ParkAfterStep = knob })
	defer e.close()

	parent := e.createTable("t")[0]
	name := parent.EncodedName()
	e.put(name, rowKeys(10)...)
	id, err := e.m.SplitRegion(context.Background(), name, []byte("r05"), 1, 1)
	require.NoError(t, err)
	waitParked(t, parked)

	row, err := e.m.Region(name)
	require.NoError(t, err)
	require.Equal(t, regionpb.StateSplit, row.State)
	for _, d := range row.SplitDaughters {
		drow, err := e.m.Region(d)
		require.NoError(t, err)
		require.Equal(t, regionpb.StateSplittingNew, drow.State)
	}

	// The master crashes past the point of no return: the split completes
	// after the restart.
	e.restart(nil)
	res := e.wait(id)
	require.Equal(t, procedure.Success, res.Status, "%v", res.Err)
	open := e.openRegions("t")
	require.Len(t, open, 2)
	requirePartition(t, parent, open[0].Info, open[1].Info, "r05")
	require.Equal(t, rowKeys(10), e.scan("t"))

	// The nonce survives the restart.
	id2, err := e.m.SplitRegion(context.Background(), name, []byte("r05"), 1, 1)
	require.NoError(t, err)
	require.Equal(t, id, id2)
}

func TestRecoverBeforePointOfNoReturn(t *testing.T) {
	knob, parked := parkAt(split.StepPrePONRHook)
	e := newTestEnv(t, 1, func(o *Options) { o.TestingKnobs.ParkAfterStep = knob })
	defer e.close()

	name := e.createTable("t")[0].EncodedName()
	e.put(name, rowKeys(10)...)
	id, err := e.m.SplitRegion(context.Background(), name, []byte("r05"), 0, 0)
	require.NoError(t, err)
	waitParked(t, parked)
	row, err := e.m.Region(name)
	require.NoError(t, err)
	require.Equal(t, regionpb.StateSplitting, row.State)

	// After the restart an observer rejects the split: it rolls back.
	veto := split.ObserverFuncs{Before: func(context.Context, *split.SplitContext) error {
		return errors.New("not now")
	}}
	e.restart(func(o *Options) { o.Observers = []Observer{veto} })
	res := e.wait(id)
	require.Equal(t, procedure.Failed, res.Status)

	row, err = e.m.Region(name)
	require.NoError(t, err)
	require.Equal(t, regionpb.StateOpen, row.State)
	require.Len(t, e.m.Regions("t"), 1)
	require.Equal(t, rowKeys(10), e.scan("t"))
}

func TestRecoverOrphanedSplit(t *testing.T) {
	e := newTestEnv(t, 1, nil)
	defer e.close()

	name := e.createTable("t")[0].EncodedName()
	e.put(name, rowKeys(4)...)

	// Leave the region SPLITTING in the catalog with no procedure logged
	// for it.
	e.proxy.m.Store(nil)
	require.NoError(t, e.m.Close())
	cat, err := catalog.Open("master/catalog", catalog.Options{FS: e.fs, Logger: base.NoopLoggerForTesting})
	require.NoError(t, err)
	row, err := cat.Get(name)
	require.NoError(t, err)
	row.State = regionpb.StateSplitting
	require.NoError(t, cat.Put(row))
	require.NoError(t, cat.Close())

	e.open(nil)
	row, err = e.m.Region(name)
	require.NoError(t, err)
	require.Equal(t, regionpb.StateOpen, row.State)
	require.Len(t, e.m.Regions("t"), 1)
	require.Equal(t, rowKeys(4), e.scan("t"))
}

func TestJanitorCollectsParent(t *testing.T) {
	var mu sync.Mutex
	var collected []CollectInfo
	e := newTestEnv(t, 1, func(o *Options) {
		o.EventListener = &EventListener{
			ParentCollected: func(info CollectInfo) {
				mu.Lock()
				defer mu.Unlock()
				collected = append(collected, info)
			},
		}
	})
	defer e.close()
	ctx := context.Background()

	parent := e.createTable("t")[0]
	name := parent.EncodedName()
	e.put(name, rowKeys(10)...)
	require.NoError(t, e.host(name).Flush(ctx, name))
	res := e.split(name, "r05")
	require.Equal(t, procedure.Success, res.Status, "%v", res.Err)

	// Daughters still reference the parent's files.
	r, err := e.m.RunJanitor(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, r.Parents)
	require.Equal(t, 1, r.Referenced)
	require.Empty(t, r.Collected)
	require.Empty(t, r.Problems)
	require.True(t, e.files.RegionExists(&parent))

	for _, row := range e.openRegions("t") {
		rn := row.Info.EncodedName()
		require.NoError(t, e.host(rn).Compact(ctx, rn))
	}
	r, err = e.m.RunJanitor(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{name}, r.Collected)
	require.False(t, e.files.RegionExists(&parent))
	_, err = e.m.Region(name)
	require.True(t, errors.Is(err, regionpb.ErrRegionNotFound), "%v", err)
	require.Len(t, e.m.Regions("t"), 2)
	require.Equal(t, rowKeys(10), e.scan("t"))

	mu.Lock()
	require.Len(t, collected, 1)
	require.NoError(t, collected[0].Err)
	require.Equal(t, name, collected[0].Parent.EncodedName())
	mu.Unlock()
	require.EqualValues(t, 1, e.m.Metrics().Janitor.Collected)
}

func TestCreateTable(t *testing.T) {
	e := newTestEnv(t, 2, nil)
	defer e.close()
	ctx := context.Background()

	infos := e.createTable("t", "k", "c")
	require.Len(t, infos, 3)
	require.Equal(t, "c", string(infos[0].EndKey))
	require.Equal(t, "k", string(infos[2].StartKey))
	require.Empty(t, e.m.CheckConsistency(false))

	_, _, err := e.m.CreateTable(ctx, regionpb.TableDescriptor{Name: "t", Families: []string{"f"}}, nil)
	require.True(t, errors.Is(err, ErrTableExists), "%v", err)
	_, _, err = e.m.CreateTable(ctx, regionpb.TableDescriptor{Name: "u"}, nil)
	require.Error(t, err)
	_, _, err = e.m.CreateTable(ctx,
		regionpb.TableDescriptor{Name: "u", Families: []string{"f"}}, [][]byte{[]byte("a"), []byte("a")})
	require.True(t, errors.Is(err, regionpb.ErrInvalidSplitKey), "%v", err)
	_, _, err = e.m.CreateTable(ctx,
		regionpb.TableDescriptor{Name: "u", Families: []string{"f"}, SplitPolicy: "nope"}, nil)
	require.Error(t, err)

	tables, err := e.m.Tables()
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Equal(t, "t", tables[0].Name)
}

func TestMasterRestart(t *testing.T) {
	e := newTestEnv(t, 1, nil)
	defer e.close()

	e.createTable("t", "m")
	clusterID := e.m.ClusterID()
	e.restart(nil)
	require.Equal(t, clusterID, e.m.ClusterID())
	require.Len(t, e.openRegions("t"), 2)
	require.Empty(t, e.m.Procedures())

	// Reports still reach the master after the restart.
	name := e.openRegions("t")[0].Info.EncodedName()
	id, err := e.m.Unassign(context.Background(), name)
	require.NoError(t, err)
	require.Equal(t, procedure.Success, e.wait(id).Status)
	row, err := e.m.Region(name)
	require.NoError(t, err)
	require.Equal(t, regionpb.StateClosed, row.State)
}

func TestCloseTwice(t *testing.T) {
	e := newTestEnv(t, 1, nil)
	e.close()
	require.True(t, errors.Is(e.m.Close(), ErrClosed))
	_, err := e.m.SplitRegion(context.Background(), "r", []byte("k"), 0, 0)
	require.True(t, errors.Is(err, ErrClosed))
}
