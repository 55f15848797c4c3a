// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/regions"
	"github.com/cockroachdb/regions/procedure"
	"github.com/cockroachdb/regions/regionfs"
	"github.com/cockroachdb/regions/regionpb"
	"github.com/cockroachdb/regions/regionserver"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// demoT runs a master and region servers in process, loads a table and
// splits it.
type demoT struct {
	Root *cobra.Command

	fs      vfs.FS
	dir     string
	servers int
	rows    int
	splits  int
	verbose bool
}

func newDemo(fs vfs.FS) *demoT {
	d := &demoT{fs: fs}
	d.Root = &cobra.Command{
		Use:   "demo",
		Short: "run an in-process cluster and split a table",
		Long: `
Start a master and region servers in process, create a table, load rows and
split its largest regions. After the splits the daughters are compacted and
the janitor collects the parents. The master directory is kept when --dir is
given, for inspection with the other commands.
`,
		Args: cobra.NoArgs,
		Run:  d.run,
	}
	d.Root.Flags().StringVar(&d.dir, "dir", "", "master directory (default in-memory)")
	d.Root.Flags().IntVar(&d.servers, "servers", 3, "number of region servers")
	d.Root.Flags().IntVar(&d.rows, "rows", 1000, "number of rows to load")
	d.Root.Flags().IntVar(&d.splits, "splits", 3, "number of splits")
	d.Root.Flags().BoolVarP(&d.verbose, "verbose", "v", false, "log master events")
	return d
}

// masterRef forwards the reports of the region servers to the master, once
// it is open.
type masterRef struct {
	m atomic.Pointer[regions.Master]
}

func (r *masterRef) ReportRegionStateTransition(
	ctx context.Context, rep regionpb.TransitionReport,
) error {
	m := r.m.Load()
	if m == nil {
		return errors.New("master is not open")
	}
	return m.ReportRegionStateTransition(ctx, rep)
}

type demoCluster struct {
	w       io.Writer
	master  *regions.Master
	servers map[string]*regionserver.Server
}

func (d *demoT) run(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	if err := d.runDemo(stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
	}
}

func (d *demoT) runDemo(stdout, stderr io.Writer) (err error) {
	ctx := context.Background()
	fs, dir := d.fs, d.dir
	if dir == "" {
		fs, dir = vfs.NewMem(), "master"
	}
	logger := toolLogger{w: stderr, verbose: d.verbose}
	files := regionfs.New(regionfs.Options{
		FS:     fs,
		Root:   fs.PathJoin(dir, "shared"),
		Logger: logger,
	})

	ref := &masterRef{}
	c := &demoCluster{w: stdout, servers: make(map[string]*regionserver.Server)}
	opts := &regions.Options{
		FS:             fs,
		Files:          files,
		Logger:         logger,
		DisableJanitor: true,
	}
	if d.verbose {
		el := regions.MakeLoggingEventListener(logger)
		opts.EventListener = &el
	}
	for i := 1; i <= d.servers; i++ {
		s, err := regionserver.New(regionserver.Options{
			Name:   fmt.Sprintf("rs%d", i),
			Files:  files,
			Master: ref,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		c.servers[s.Name()] = s
		opts.Servers = append(opts.Servers, s)
	}
	defer func() {
		for _, s := range c.servers {
			err = errors.CombineErrors(err, s.Close())
		}
	}()

	if c.master, err = regions.Open(dir, opts); err != nil {
		return err
	}
	ref.m.Store(c.master)
	defer func() {
		ref.m.Store(nil)
		err = errors.CombineErrors(err, c.master.Close())
	}()
	fmt.Fprintf(stdout, "cluster %s, %d servers\n", c.master.ClusterID(), d.servers)

	if err := c.createTable(ctx, "demo"); err != nil {
		return err
	}
	if err := c.load(ctx, "demo", d.rows); err != nil {
		return err
	}
	for i := 0; i < d.splits; i++ {
		if err := c.splitLargest(ctx, "demo"); err != nil {
			return err
		}
		// Regions holding references cannot split again.
		if err := c.compactDaughters(ctx, "demo"); err != nil {
			return err
		}
	}
	if err := c.collect(ctx); err != nil {
		return err
	}
	if problems := c.master.CheckConsistency(false); len(problems) > 0 {
		return errors.Errorf("inconsistent catalog: %v", problems)
	}
	printRows(stdout, c.master.Regions("demo"))
	fmt.Fprintf(stdout, "%s", c.master.Metrics())
	return nil
}

func (c *demoCluster) wait(ctx context.Context, id uint64) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	res, err := c.master.WaitProcedure(ctx, id)
	if err != nil {
		return err
	}
	if res.Status != procedure.Success {
		err := res.Err
		if err == nil {
			err = errors.New("failed")
		}
		return errors.Wrapf(err, "procedure %d (%s)", errors.Safe(id), errors.Safe(res.Type))
	}
	return nil
}

func (c *demoCluster) createTable(ctx context.Context, table string) error {
	_, ids, err := c.master.CreateTable(ctx,
		regionpb.TableDescriptor{Name: table, Families: []string{"f"}}, nil)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := c.wait(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *demoCluster) host(name string) (*regionserver.Server, error) {
	row, err := c.master.Region(name)
	if err != nil {
		return nil, err
	}
	s, ok := c.servers[row.Server]
	if !ok || row.State != regionpb.StateOpen {
		return nil, errors.Errorf("region %s is %s on %q", errors.Safe(name), row.State, row.Server)
	}
	return s, nil
}

// load writes rows and flushes every region of the table.
func (c *demoCluster) load(ctx context.Context, table string, n int) error {
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("row%08d", i))
		row, err := c.master.LocateRegion(table, key)
		if err != nil {
			return err
		}
		name := row.Info.EncodedName()
		s, err := c.host(name)
		if err != nil {
			return err
		}
		if err := s.Put(ctx, name, "f", key, []byte(fmt.Sprintf("value-%d", i))); err != nil {
			return err
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, row := range c.master.Regions(table) {
		name := row.Info.EncodedName()
		s, err := c.host(name)
		if err != nil {
			return err
		}
		g.Go(func() error { return s.Flush(ctx, name) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintf(c.w, "loaded %d rows into %s\n", n, table)
	return nil
}

// splitLargest splits the region of table holding the most rows at its best
// split key.
func (c *demoCluster) splitLargest(ctx context.Context, table string) error {
	var largest string
	var most int
	for _, row := range c.master.Regions(table) {
		if row.State != regionpb.StateOpen {
			continue
		}
		name := row.Info.EncodedName()
		s, err := c.host(name)
		if err != nil {
			return err
		}
		kvs, err := s.Scan(ctx, name, "f")
		if err != nil {
			return err
		}
		if len(kvs) > most {
			largest, most = name, len(kvs)
		}
	}
	if largest == "" {
		return errors.Errorf("%s holds no rows", table)
	}
	start := time.Now()
	id, err := c.master.SplitRegion(ctx, largest, nil, 0, 0)
	if err != nil {
		return err
	}
	if err := c.wait(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(c.w, "split %s (%d rows) in %s\n", largest, most, time.Since(start).Round(time.Millisecond))
	return nil
}

// compactDaughters rewrites the daughters of split parents, dropping their
// references to the parents' files.
func (c *demoCluster) compactDaughters(ctx context.Context, table string) error {
	for _, row := range c.master.Regions(table) {
		if row.State != regionpb.StateOpen || row.SplitParent == "" {
			continue
		}
		name := row.Info.EncodedName()
		s, err := c.host(name)
		if err != nil {
			return err
		}
		if err := s.Compact(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (c *demoCluster) collect(ctx context.Context) error {
	rep, err := c.master.RunJanitor(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.w, "janitor collected %d of %d parents\n", len(rep.Collected), rep.Parents)
	return nil
}
