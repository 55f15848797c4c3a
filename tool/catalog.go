// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"io"
	"strconv"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/regions/catalog"
	"github.com/cockroachdb/regions/regionpb"
	"github.com/spf13/cobra"
)

// catalogT implements catalog introspection tools.
type catalogT struct {
	Root   *cobra.Command
	Scan   *cobra.Command
	Check  *cobra.Command
	Locate *cobra.Command

	fs      vfs.FS
	table   string
	key     key
	verbose bool
}

func newCatalog(fs vfs.FS) *catalogT {
	c := &catalogT{fs: fs}
	c.Root = &cobra.Command{
		Use:   "catalog",
		Short: "catalog introspection tools",
	}
	c.Scan = &cobra.Command{
		Use:   "scan <master-dir>",
		Short: "print the catalog rows",
		Long: `
Print the catalog rows of every table, or of the table given by --table, in
key order.
`,
		Args: cobra.ExactArgs(1),
		Run:  c.runScan,
	}
	c.Check = &cobra.Command{
		Use:   "check <master-dir>",
		Short: "verify that the regions of each table partition its key space",
		Long: `
Verify that the regions of each table, split parents excluded, cover the key
space without holes or overlaps. Print the problems found.
`,
		Args: cobra.ExactArgs(1),
		Run:  c.runCheck,
	}
	c.Locate = &cobra.Command{
		Use:   "locate <master-dir>",
		Short: "print the region holding a row",
		Long: `
Print the catalog row of the region of --table holding --key. The key
accepts the hex: and raw: prefixes.
`,
		Args: cobra.ExactArgs(1),
		Run:  c.runLocate,
	}
	c.Root.AddCommand(c.Scan, c.Check, c.Locate)
	c.Root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "verbose output")

	c.Scan.Flags().StringVar(&c.table, "table", "", "only print the rows of this table")
	c.Check.Flags().StringVar(&c.table, "table", "", "only check this table")
	c.Locate.Flags().StringVar(&c.table, "table", "", "table to search")
	c.Locate.Flags().Var(&c.key, "key", "row key")
	return c
}

func (c *catalogT) open(cmd *cobra.Command, dir string) (*catalog.Catalog, error) {
	return catalog.Open(c.fs.PathJoin(dir, "catalog"), catalog.Options{
		FS:     c.fs,
		Logger: toolLogger{w: cmd.ErrOrStderr(), verbose: c.verbose},
	})
}

func (c *catalogT) rows(cat *catalog.Catalog) ([]regionpb.CatalogRow, error) {
	if c.table != "" {
		return cat.ScanTable(c.table)
	}
	var rows []regionpb.CatalogRow
	err := cat.Scan(func(row *regionpb.CatalogRow) error {
		rows = append(rows, *row)
		return nil
	})
	return rows, err
}

func printRows(w io.Writer, rows []regionpb.CatalogRow) {
	tw := newTable(w, "table", "start", "end", "region", "replica", "state", "server", "split")
	for i := range rows {
		r := &rows[i]
		split := ""
		switch {
		case r.SplitParent != "":
			split = "parent=" + r.SplitParent
		case r.SplitDaughters != [2]string{}:
			split = "daughters=" + r.SplitDaughters[0] + "," + r.SplitDaughters[1]
		}
		tw.Append([]string{
			r.Info.Table,
			formatKey(r.Info.StartKey, "-inf"),
			formatKey(r.Info.EndKey, "+inf"),
			r.Info.EncodedName(),
			strconv.Itoa(int(r.Info.ReplicaID)),
			r.State.String(),
			r.Server,
			split,
		})
	}
	tw.Render()
}

func (c *catalogT) runScan(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	cat, err := c.open(cmd, args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer cat.Close()

	rows, err := c.rows(cat)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	printRows(stdout, rows)
}

func (c *catalogT) runCheck(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	cat, err := c.open(cmd, args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer cat.Close()

	var tables []string
	if c.table != "" {
		tables = []string{c.table}
	} else {
		descs, err := cat.Tables()
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
			return
		}
		for _, d := range descs {
			tables = append(tables, d.Name)
		}
	}

	var problems int
	for _, table := range tables {
		rows, err := cat.ScanTable(table)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", table, err)
			continue
		}
		p := catalog.CheckPartition(table, rows, nil)
		for _, problem := range p {
			fmt.Fprintf(stdout, "%s\n", problem)
		}
		if c.verbose && len(p) == 0 {
			fmt.Fprintf(stdout, "%s: %d rows ok\n", table, len(rows))
		}
		problems += len(p)
	}
	if problems == 0 {
		fmt.Fprintf(stdout, "%d tables, no problems\n", len(tables))
	}
}

func (c *catalogT) runLocate(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	if c.table == "" {
		fmt.Fprintf(stderr, "--table is required\n")
		return
	}
	cat, err := c.open(cmd, args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer cat.Close()

	row, err := cat.LocateRegion(c.table, c.key)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	printRows(stdout, []regionpb.CatalogRow{row})
}
