// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package regions implements the master of a store whose tables are
// partitioned into contiguous key ranges, regions, hosted by region servers.
//
// The master owns the region catalog and the region state table, and runs
// every structural change of a region as a durable procedure: splitting a
// region into two daughters, assigning and unassigning regions. Procedures
// persist each step to the procedure log before moving on and resume from
// their last persisted step when the master restarts, so a split survives
// master and region server crashes at any step without losing or
// duplicating data.
//
// Split parents are kept, row and files, until neither daughter references
// them any more; the janitor then collects them in the background.
package regions // import "github.com/cockroachdb/regions"

import (
	"context"
	"io"
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/regions/assignment"
	"github.com/cockroachdb/regions/catalog"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/janitor"
	"github.com/cockroachdb/regions/procedure"
	"github.com/cockroachdb/regions/proclog"
	"github.com/cockroachdb/regions/regionfs"
	"github.com/cockroachdb/regions/regionpb"
	"github.com/cockroachdb/regions/regionstate"
	"github.com/cockroachdb/regions/split"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	catalogDir = "catalog"
	sharedDir  = "shared"
)

// ErrClosed is returned by the methods of a closed Master.
var ErrClosed = errors.New("regions: closed")

// Master coordinates the regions of all tables. It is safe for concurrent
// use.
type Master struct {
	dirname string
	opts    *Options
	fs      vfs.FS

	dirLock *base.DirLock
	catalog *catalog.Catalog
	states  *regionstate.Table
	log     *proclog.Log
	exec    *procedure.Executor
	files   *regionfs.FileSystem
	cluster *cluster
	janitor *janitor.Janitor

	assignEnv *assignment.Env
	splitEnv  *split.Env

	procMetrics  *procedure.Metrics
	splitMetrics *split.Metrics

	stats struct {
		splitsStarted    atomic.Int64
		splitsCompleted  atomic.Int64
		splitsRolledBack atomic.Int64
		collected        atomic.Int64
		collectedBytes   atomic.Uint64
		problems         atomic.Int64
	}
	closed atomic.Bool
}

var _ regionpb.MasterService = (*Master)(nil)

// Open opens the master directory, creating it if needed, and recovers the
// procedures of the previous incarnation. Region servers listed in
// Options.Servers are registered before recovery; servers registered later
// only receive work from then on.
func Open(dirname string, opts *Options) (m *Master, err error) {
	opts = opts.Clone().EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	fs := opts.FS
	if err := fs.MkdirAll(dirname, 0755); err != nil {
		return nil, err
	}
	dirLock, err := base.LockDirectory(dirname, fs)
	if err != nil {
		return nil, err
	}
	m = &Master{
		dirname: dirname,
		opts:    opts,
		fs:      fs,
		dirLock: dirLock,
		cluster: newCluster(),
	}
	defer func() {
		if err != nil {
			err = errors.CombineErrors(err, m.closeResources())
			m = nil
		}
	}()

	ctx := logtags.AddTag(context.Background(), "master", nil)
	el := opts.EventListener

	m.catalog, err = catalog.Open(fs.PathJoin(dirname, catalogDir), catalog.Options{
		FS:     fs,
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	m.states = regionstate.New(m.catalog, opts.Logger)
	if err = m.states.Load(ctx); err != nil {
		return nil, err
	}
	m.files = opts.Files
	if m.files == nil {
		m.files = regionfs.New(regionfs.Options{
			FS:          fs,
			Root:        fs.PathJoin(dirname, sharedDir),
			Compression: opts.Compression,
			Logger:      opts.Logger,
		})
	}

	m.log, err = proclog.Open(proclog.Options{
		FS:          fs,
		Dirname:     dirname,
		MaxFileSize:     opts.MaxProcLogFileSize,
		RetainedResults: opts.RetainedProcedureResults,
		Logger:          opts.Logger,
		Cleaner:         opts.Cleaner,
		LogCreated:      el.ProcLogCreated,
		LogDeleted:      el.ProcLogDeleted,
	})
	if err != nil {
		return nil, err
	}
	if err = m.writeOptionsFile(); err != nil {
		return nil, err
	}

	m.assignEnv = &assignment.Env{
		States:       m.states,
		Cluster:      m.cluster,
		Logger:       opts.Logger,
		RedriveAfter: opts.RedriveAfter,
	}
	m.assignEnv.EnsureDefaults()
	m.splitMetrics = split.NewMetrics()
	m.splitEnv = &split.Env{
		Env:       *m.assignEnv,
		Files:     m.files,
		Observers: split.ObserverChain(opts.Observers),
		Policy:    m.tablePolicy,
		Events: split.Events{
			Begin: func(info split.Info) {
				m.stats.splitsStarted.Add(1)
				el.SplitBegin(info)
			},
			End: func(info split.Info) {
				m.stats.splitsCompleted.Add(1)
				el.SplitEnd(info)
			},
			RolledBack: func(info split.Info) {
				m.stats.splitsRolledBack.Add(1)
				el.SplitRolledBack(info)
				m.reassignFromDeadServer(ctx, info.Parent.EncodedName())
			},
		},
		Metrics: m.splitMetrics,
	}
	m.splitEnv.EnsureDefaults()

	m.procMetrics = procedure.NewMetrics()
	m.exec, err = procedure.New(procedure.Options{
		Log:            m.log,
		Workers:        opts.ProcedureWorkers,
		Retry:          opts.Retry,
		SuspendTimeout: opts.SuspendTimeout,
		CallTimeout:    opts.RPCTimeout,
		Logger:         opts.Logger,
		Events: procedure.Events{
			Stalled:   el.ProcedureStalled,
			Recovered: el.ProcedureRecovered,
		},
		Metrics: m.procMetrics,
		Knobs:   procedure.TestingKnobs{ParkAfterStep: opts.TestingKnobs.ParkAfterStep},
	})
	if err != nil {
		return nil, err
	}
	m.exec.Register(proclog.TypeSplit, split.Factory(m.splitEnv))
	m.exec.Register(proclog.TypeAssign, assignment.AssignFactory(m.assignEnv))
	m.exec.Register(proclog.TypeUnassign, assignment.UnassignFactory(m.assignEnv))

	for _, srv := range opts.Servers {
		m.cluster.register(srv)
	}
	if err = m.exec.Start(ctx); err != nil {
		return nil, err
	}
	if err = m.recoverOrphans(ctx); err != nil {
		return nil, err
	}

	m.janitor = janitor.New(janitor.Options{
		States:                 m.states,
		Files:                  m.files,
		Cleaner:                opts.Cleaner,
		Interval:               opts.JanitorInterval,
		Disabled:               opts.DisableJanitor,
		TargetByteDeletionRate: opts.TargetByteDeletionRate,
		Logger:                 opts.Logger,
		ParentCollected: func(info janitor.CollectInfo) {
			if info.Err == nil {
				m.stats.collected.Add(1)
				m.stats.collectedBytes.Add(uint64(info.Bytes))
			}
			el.ParentCollected(info)
		},
		Inconsistent: func(problems []catalog.Problem) {
			m.stats.problems.Add(int64(len(problems)))
			el.PartitionInconsistent(InconsistencyInfo{Problems: problems})
		},
	})
	m.janitor.Start()
	return m, nil
}

// writeOptionsFile persists the options next to the procedure log, after
// checking them against the file of the previous incarnation, and removes
// the older files.
func (m *Master) writeOptionsFile() error {
	fs := m.fs
	ls, err := fs.List(m.dirname)
	if err != nil {
		return err
	}
	var previous []base.DiskFileNum
	for _, name := range ls {
		if ft, num, ok := base.ParseFilename(fs, name); ok && ft == base.FileTypeOptions {
			previous = append(previous, num)
		}
	}
	sort.Slice(previous, func(i, j int) bool { return previous[i] < previous[j] })
	if n := len(previous); n > 0 {
		b, err := readFile(fs, base.MakeFilepath(fs, m.dirname, base.FileTypeOptions, previous[n-1]))
		if err != nil {
			return err
		}
		if err := m.opts.CheckCompatibility(string(b)); err != nil {
			return err
		}
	}

	num := m.log.AllocateFileNum()
	path := base.MakeFilepath(fs, m.dirname, base.FileTypeOptions, num)
	tmp := base.MakeFilepath(fs, m.dirname, base.FileTypeTemp, num)
	f, err := fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(f, m.opts.String()); err != nil {
		return errors.CombineErrors(err, f.Close())
	}
	if err := f.Sync(); err != nil {
		return errors.CombineErrors(err, f.Close())
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := fs.Rename(tmp, path); err != nil {
		return err
	}
	dir, err := fs.OpenDir(m.dirname)
	if err != nil {
		return err
	}
	if err := dir.Sync(); err != nil {
		return errors.CombineErrors(err, dir.Close())
	}
	if err := dir.Close(); err != nil {
		return err
	}
	for _, old := range previous {
		if err := m.opts.Cleaner.Clean(fs, base.MakeFilepath(fs, m.dirname, base.FileTypeOptions, old)); err != nil {
			m.opts.EventListener.BackgroundError(errors.Wrapf(err, "removing OPTIONS-%s", old))
		}
	}
	return nil
}

func readFile(fs vfs.FS, path string) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	b, err := io.ReadAll(f)
	return b, errors.CombineErrors(err, f.Close())
}

// tablePolicy resolves the split policy named by a table's descriptor.
func (m *Master) tablePolicy(table string) regionfs.SplitPolicy {
	desc, err := m.catalog.GetTable(table)
	if err != nil {
		return regionfs.DefaultSplitPolicy
	}
	return m.opts.splitPolicy(desc.SplitPolicy)
}

// Close stops the janitor and the procedure executor and closes the
// catalog and the procedure log. Procedures that have not finished resume
// when the directory is opened again.
func (m *Master) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return m.closeResources()
}

func (m *Master) closeResources() error {
	if m.janitor != nil {
		m.janitor.Stop()
	}
	var err error
	if m.exec != nil {
		err = errors.CombineErrors(err, m.exec.Close())
	}
	if m.log != nil {
		err = errors.CombineErrors(err, m.log.Close())
	}
	if m.catalog != nil {
		err = errors.CombineErrors(err, m.catalog.Close())
	}
	if m.dirLock != nil {
		err = errors.CombineErrors(err, m.dirLock.Close())
	}
	return err
}

func (m *Master) checkOpen() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Files returns the shared region file system.
func (m *Master) Files() *regionfs.FileSystem {
	return m.files
}

// ClusterID returns the id recorded in the procedure log.
func (m *Master) ClusterID() string {
	return m.log.ClusterID().String()
}

// Metrics returns a snapshot of the master's state.
func (m *Master) Metrics() *Metrics {
	met := &Metrics{}
	met.Regions.ByState = make(map[regionpb.State]int64)
	for _, row := range m.states.Rows() {
		name := row.Info.EncodedName()
		met.Regions.Count++
		met.Regions.ByState[row.State]++
		if m.states.IsInTransition(name) {
			met.Regions.InTransition++
		}
	}
	for _, res := range m.exec.Pending() {
		met.Procedures.Pending++
		if res.Stalled {
			met.Procedures.Stalled++
		}
	}
	met.Splits.Started = m.stats.splitsStarted.Load()
	met.Splits.Completed = m.stats.splitsCompleted.Load()
	met.Splits.RolledBack = m.stats.splitsRolledBack.Load()
	met.Janitor.Enabled = m.janitor.Enabled()
	met.Janitor.Collected = m.stats.collected.Load()
	met.Janitor.CollectedBytes = m.stats.collectedBytes.Load()
	met.Janitor.Problems = m.stats.problems.Load()
	met.ProcLog.Size = uint64(m.log.Size())
	met.ProcLog.FileNum = uint64(m.log.FileNum())
	met.Servers.Live = int64(len(m.cluster.live()))
	return met
}

// Collectors returns the prometheus collectors of the master, for
// registration with a registry.
func (m *Master) Collectors() []prometheus.Collector {
	var cs []prometheus.Collector
	cs = append(cs, m.procMetrics.Collectors()...)
	cs = append(cs, m.splitMetrics.Collectors()...)
	cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "regions",
		Subsystem: "proclog",
		Name:      "size_bytes",
		Help:      "Size of the current procedure log file.",
	}, func() float64 { return float64(m.log.Size()) }))
	return cs
}
