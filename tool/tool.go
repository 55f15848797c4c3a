// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package tool implements the commands of the regions tool. Apart from
// demo, they work offline on the directories of a stopped master.
package tool

import (
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/regions"
	"github.com/spf13/cobra"
)

// T is the container for all of the introspection tools.
type T struct {
	Commands []*cobra.Command
	proclog  *proclogT
	catalog  *catalogT
	files    *filesT
	options  *optionsT
	demo     *demoT
	fs       vfs.FS
	policies map[string]regions.SplitPolicy
}

// Option configures a T.
type Option func(*T)

// FS sets the file system the tools read from.
func FS(fs vfs.FS) Option {
	return func(t *T) { t.fs = fs }
}

// SplitPolicies registers split policies, so that OPTIONS files naming them
// can be parsed.
func SplitPolicies(policies ...regions.SplitPolicy) Option {
	return func(t *T) {
		for _, p := range policies {
			t.policies[p.Name()] = p
		}
	}
}

// New creates a new introspection tool.
func New(opts ...Option) *T {
	t := &T{
		fs:       vfs.Default,
		policies: make(map[string]regions.SplitPolicy),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.proclog = newProclog(t.fs)
	t.catalog = newCatalog(t.fs)
	t.files = newFiles(t.fs)
	t.options = newOptions(t.fs, t.policies)
	t.demo = newDemo(t.fs)
	t.Commands = []*cobra.Command{
		t.proclog.Root,
		t.catalog.Root,
		t.files.Root,
		t.options.Root,
		t.demo.Root,
	}
	return t
}
