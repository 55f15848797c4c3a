// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"io"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/regions"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/spf13/cobra"
)

// optionsT implements the OPTIONS file tools.
type optionsT struct {
	Root *cobra.Command

	fs       vfs.FS
	policies map[string]regions.SplitPolicy
	strict   bool
}

func newOptions(fs vfs.FS, policies map[string]regions.SplitPolicy) *optionsT {
	o := &optionsT{fs: fs, policies: policies}
	o.Root = &cobra.Command{
		Use:   "options <master-dir|options-file>",
		Short: "print the options of a master",
		Long: `
Parse an OPTIONS file and print the resulting options. Given a master
directory, the most recent OPTIONS file is used. Unknown options are
reported and skipped unless --strict is given.
`,
		Args: cobra.ExactArgs(1),
		Run:  o.run,
	}
	o.Root.Flags().BoolVar(&o.strict, "strict", false, "fail on unknown options")
	return o
}

// latestOptionsFile returns the path of the most recent OPTIONS file in dirname.
func latestOptionsFile(fs vfs.FS, dirname string) (string, error) {
	ls, err := fs.List(dirname)
	if err != nil {
		return "", err
	}
	var nums []base.DiskFileNum
	for _, name := range ls {
		if ft, num, ok := base.ParseFilename(fs, name); ok && ft == base.FileTypeOptions {
			nums = append(nums, num)
		}
	}
	if len(nums) == 0 {
		return "", errors.Errorf("no OPTIONS file in %q", dirname)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return base.MakeFilepath(fs, dirname, base.FileTypeOptions, nums[len(nums)-1]), nil
}

func (o *optionsT) run(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	path := args[0]
	if st, err := o.fs.Stat(path); err == nil && st.IsDir() {
		if path, err = latestOptionsFile(o.fs, path); err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
			return
		}
	}
	f, err := o.fs.Open(path)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	b, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}

	opts := &regions.Options{}
	hooks := &regions.ParseHooks{
		NewSplitPolicy: func(name string) (regions.SplitPolicy, error) {
			if p, ok := o.policies[name]; ok {
				return p, nil
			}
			if o.strict {
				return nil, errors.Errorf("unknown split policy %q", name)
			}
			fmt.Fprintf(stderr, "split policy %q is not registered\n", name)
			return unknownPolicy(name), nil
		},
	}
	if !o.strict {
		hooks.SkipUnknown = func(name, value string) bool {
			fmt.Fprintf(stderr, "skipping unknown option %s=%s\n", name, value)
			return true
		}
	}
	if err := opts.Parse(string(b), hooks); err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", path, err)
		return
	}
	fmt.Fprintf(stdout, "%s", opts.EnsureDefaults())
}

// unknownPolicy stands in for a split policy the tool was not built with.
type unknownPolicy string

func (p unknownPolicy) Name() string                      { return string(p) }
func (unknownPolicy) SkipStoreFileRangeCheck(string) bool { return false }
