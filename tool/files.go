// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/regions/regionfs"
	"github.com/cockroachdb/regions/regionpb"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// filesT implements introspection tools for the shared region storage.
type filesT struct {
	Root *cobra.Command
	List *cobra.Command
	Refs *cobra.Command

	fs    vfs.FS
	table string
}

func newFiles(fs vfs.FS) *filesT {
	f := &filesT{fs: fs}
	f.Root = &cobra.Command{
		Use:   "files",
		Short: "shared region storage introspection tools",
	}
	f.List = &cobra.Command{
		Use:   "ls <storage-root>",
		Short: "print the store files of each region",
		Long: `
Print the store files of each region found below the storage root, with
their key bounds, entry counts and sizes. Reference files are resolved
against the parent file.
`,
		Args: cobra.ExactArgs(1),
		Run:  f.runList,
	}
	f.Refs = &cobra.Command{
		Use:   "refs <storage-root>",
		Short: "print the reference files of each region",
		Args:  cobra.ExactArgs(1),
		Run:   f.runRefs,
	}
	f.Root.AddCommand(f.List, f.Refs)
	f.Root.PersistentFlags().StringVar(&f.table, "table", "", "only inspect this table")
	return f
}

func (f *filesT) open(cmd *cobra.Command, root string) *regionfs.FileSystem {
	return regionfs.New(regionfs.Options{
		FS:     f.fs,
		Root:   root,
		Logger: toolLogger{w: cmd.ErrOrStderr()},
	})
}

func (f *filesT) tables(root string) ([]string, error) {
	if f.table != "" {
		return []string{f.table}, nil
	}
	ls, err := f.fs.List(f.fs.PathJoin(root, "data"))
	if err != nil {
		return nil, err
	}
	sort.Strings(ls)
	return ls, nil
}

// forEachRegion calls fn with every region below root whose .regioninfo
// can be read.
func (f *filesT) forEachRegion(
	cmd *cobra.Command, rfs *regionfs.FileSystem, root string, fn func(info *regionpb.RegionInfo) error,
) {
	stderr := cmd.ErrOrStderr()
	tables, err := f.tables(root)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	for _, table := range tables {
		names, err := rfs.Regions(table)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", table, err)
			continue
		}
		for _, name := range names {
			info, err := rfs.ReadRegionInfo(table, name)
			if err != nil {
				fmt.Fprintf(stderr, "%s/%s: %s\n", table, name, err)
				continue
			}
			if err := fn(&info); err != nil {
				fmt.Fprintf(stderr, "%s/%s: %s\n", table, name, err)
			}
		}
	}
}

func (f *filesT) runList(cmd *cobra.Command, args []string) {
	stdout := cmd.OutOrStdout()
	rfs := f.open(cmd, args[0])
	tw := newTable(stdout, "table", "region", "family", "file", "first", "last", "entries", "size")
	f.forEachRegion(cmd, rfs, args[0], func(info *regionpb.RegionInfo) error {
		fams, err := rfs.Families(info)
		if err != nil {
			return err
		}
		for _, fam := range fams {
			files, err := rfs.StoreFiles(info, fam)
			if err != nil {
				return err
			}
			for _, file := range files {
				meta, err := rfs.FileMeta(info, fam, file)
				if err != nil {
					return err
				}
				tw.Append([]string{
					info.Table,
					info.EncodedName(),
					fam,
					file,
					formatKey(meta.FirstKey, "-"),
					formatKey(meta.LastKey, "-"),
					strconv.FormatUint(meta.Entries, 10),
					humanize.IBytes(uint64(meta.Size)),
				})
			}
		}
		return nil
	})
	tw.Render()
}

func (f *filesT) runRefs(cmd *cobra.Command, args []string) {
	stdout := cmd.OutOrStdout()
	rfs := f.open(cmd, args[0])
	var n int
	f.forEachRegion(cmd, rfs, args[0], func(info *regionpb.RegionInfo) error {
		refs, err := rfs.References(info)
		if err != nil {
			return err
		}
		fams := make([]string, 0, len(refs))
		for fam := range refs {
			fams = append(fams, fam)
		}
		sort.Strings(fams)
		for _, fam := range fams {
			for _, ref := range refs[fam] {
				printRef(stdout, info, fam, ref)
				n++
			}
		}
		return nil
	})
	if n == 0 {
		fmt.Fprintf(stdout, "no references\n")
	}
}

func printRef(w io.Writer, info *regionpb.RegionInfo, family string, ref regionfs.Reference) {
	fmt.Fprintf(w, "%s/%s/%s -> %s\n", info.Table, info.EncodedName(), family, ref)
}
