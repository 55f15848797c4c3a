// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"io"
	"strconv"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/regions/proclog"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// proclogT implements procedure log introspection tools.
type proclogT struct {
	Root *cobra.Command
	Dump *cobra.Command
	Live *cobra.Command

	fs      vfs.FS
	verbose bool
}

func newProclog(fs vfs.FS) *proclogT {
	p := &proclogT{fs: fs}
	p.Root = &cobra.Command{
		Use:   "proclog",
		Short: "procedure log introspection tools",
	}
	p.Dump = &cobra.Command{
		Use:   "dump <master-dir|proclog-files>",
		Short: "print procedure log edits",
		Long: `
Print the edits of procedure log files. Given a master directory, print the
active log file named by CURRENT.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  p.runDump,
	}
	p.Live = &cobra.Command{
		Use:   "live <master-dir>",
		Short: "print the procedures that are not finished",
		Long: `
Replay the active procedure log and print the procedures that a master
opening the directory would recover.
`,
		Args: cobra.ExactArgs(1),
		Run:  p.runLive,
	}
	p.Root.AddCommand(p.Dump, p.Live)
	p.Root.PersistentFlags().BoolVarP(&p.verbose, "verbose", "v", false, "print payload sizes")
	return p
}

// resolve returns the log file to read for arg, which is either a log file
// or a master directory.
func (p *proclogT) resolve(arg string) (string, error) {
	if st, err := p.fs.Stat(arg); err == nil && st.IsDir() {
		return proclog.ReadCurrent(p.fs, arg)
	}
	return arg, nil
}

func (p *proclogT) runDump(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	for _, arg := range args {
		path, err := p.resolve(arg)
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
			continue
		}
		edits, err := proclog.ReadFile(p.fs, path)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", path, err)
		}
		fmt.Fprintf(stdout, "%s\n", path)
		for i := range edits {
			p.printEdit(stdout, i, &edits[i])
		}
	}
}

func (p *proclogT) printEdit(w io.Writer, i int, ve *proclog.Edit) {
	fmt.Fprintf(w, "edit %d", i)
	if ve.ClusterID != uuid.Nil {
		fmt.Fprintf(w, " cluster-id=%s", ve.ClusterID)
	}
	if ve.NextProcID != 0 {
		fmt.Fprintf(w, " next-proc-id=%d", ve.NextProcID)
	}
	if ve.NextFileNum != 0 {
		fmt.Fprintf(w, " next-file-num=%d", ve.NextFileNum)
	}
	fmt.Fprintf(w, "\n")
	if len(ve.Updated) > 0 {
		p.printRecords(w, ve.Updated)
	}
}

func (p *proclogT) printRecords(w io.Writer, recs []proclog.Record) {
	header := []string{"id", "type", "step", "status", "nonce", "rollback", "error"}
	if p.verbose {
		header = append(header, "payload")
	}
	tw := newTable(w, header...)
	for _, r := range recs {
		nonce := ""
		if r.Nonce != 0 {
			nonce = fmt.Sprintf("%d/%d", r.NonceGroup, r.Nonce)
		}
		row := []string{
			strconv.FormatUint(r.ID, 10),
			r.Type.String(),
			strconv.FormatUint(uint64(r.Step), 10),
			r.Status.String(),
			nonce,
			strconv.FormatBool(r.RollingBack),
			r.LastError,
		}
		if p.verbose {
			row = append(row, strconv.Itoa(len(r.Payload)))
		}
		tw.Append(row)
	}
	tw.Render()
}

func (p *proclogT) runLive(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	path, err := proclog.ReadCurrent(p.fs, args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	edits, err := proclog.ReadFile(p.fs, path)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", path, err)
	}
	live := make(map[uint64]proclog.Record)
	var order []uint64
	for _, ve := range edits {
		for _, r := range ve.Updated {
			if _, ok := live[r.ID]; !ok {
				order = append(order, r.ID)
			}
			live[r.ID] = r
		}
	}
	var recs []proclog.Record
	for _, id := range order {
		if r := live[id]; !r.Terminal() {
			recs = append(recs, r)
		}
	}
	if len(recs) == 0 {
		fmt.Fprintf(stdout, "no live procedures\n")
		return
	}
	p.printRecords(stdout, recs)
}
