// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regionstate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/regions/catalog"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/regionpb"
	"github.com/stretchr/testify/require"
)

func arg(td *datadriven.TestData, key string) string {
	for _, a := range td.CmdArgs {
		if a.Key == key && len(a.Vals) > 0 {
			return a.Vals[0]
		}
	}
	return ""
}

func errClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, regionpb.ErrPermanentState):
		return "error: permanent state"
	case errors.Is(err, regionpb.ErrTransitionConflict):
		return "error: transition conflict"
	case errors.Is(err, regionpb.ErrRegionInTransition):
		return "error: region in transition"
	case errors.Is(err, regionpb.ErrRegionNotFound):
		return "error: region not found"
	}
	return "error: " + err.Error()
}

func TestTable(t *testing.T) {
	ctx := context.Background()
	var (
		cat     *catalog.Catalog
		tab     *Table
		aliases map[string]string
		names   map[string]string
	)
	defer func() {
		if cat != nil {
			require.NoError(t, cat.Close())
		}
	}()
	name := func(t *testing.T, alias string) string {
		n, ok := aliases[alias]
		if !ok {
			t.Fatalf("unknown region %q", alias)
		}
		return n
	}
	state := func(t *testing.T, s string) regionpb.State {
		st, err := regionpb.ParseState(s)
		require.NoError(t, err)
		return st
	}
	id := func(t *testing.T, td *datadriven.TestData, key string) uint64 {
		v, err := strconv.ParseUint(arg(td, key), 10, 64)
		require.NoError(t, err)
		return v
	}

	datadriven.RunTest(t, "testdata/table", func(t *testing.T, td *datadriven.TestData) string {
		switch td.Cmd {
		case "init":
			if cat != nil {
				require.NoError(t, cat.Close())
			}
			var err error
			cat, err = catalog.Open("catalog", catalog.Options{FS: vfs.NewMem(), Logger: &base.InMemLogger{}})
			require.NoError(t, err)
			tab = New(cat, &base.InMemLogger{})
			aliases = map[string]string{}
			names = map[string]string{}
			return ""

		case "create":
			info := regionpb.RegionInfo{
				Table:    arg(td, "table"),
				StartKey: []byte(arg(td, "start")),
				EndKey:   []byte(arg(td, "end")),
				RegionID: int64(id(t, td, "id")),
			}
			alias := arg(td, "alias")
			aliases[alias] = info.EncodedName()
			names[info.EncodedName()] = alias
			return errClass(tab.Create(ctx, regionpb.CatalogRow{
				Info:   info,
				State:  state(t, arg(td, "state")),
				Server: arg(td, "server"),
			}))

		case "transition":
			return errClass(tab.Transition(ctx, name(t, arg(td, "alias")),
				state(t, arg(td, "from")), state(t, arg(td, "to")), arg(td, "server")))

		case "attach":
			return errClass(tab.Attach(name(t, arg(td, "alias")), id(t, td, "proc")))

		case "detach":
			tab.Detach(name(t, arg(td, "alias")), id(t, td, "proc"))
			return "ok"

		case "split":
			parent := name(t, arg(td, "parent"))
			row, err := tab.Row(parent)
			require.NoError(t, err)
			a, b := regionpb.Daughters(&row.Info, []byte(arg(td, "key")), int64(id(t, td, "now")))
			d := strings.Split(arg(td, "daughters"), ",")
			for i, info := range []regionpb.RegionInfo{a, b} {
				aliases[d[i]] = info.EncodedName()
				names[info.EncodedName()] = d[i]
			}
			return errClass(tab.CommitSplit(ctx, parent, a, b))

		case "rollback":
			return errClass(tab.RollbackSplit(ctx, name(t, arg(td, "alias"))))

		case "get":
			st, err := tab.Get(name(t, arg(td, "alias")))
			if err != nil {
				return errClass(err)
			}
			return st.State.String()

		case "collect":
			return errClass(tab.CollectParent(ctx, name(t, arg(td, "alias"))))

		case "reload":
			tab = New(cat, &base.InMemLogger{})
			return errClass(tab.Load(ctx))

		case "show":
			var buf strings.Builder
			for _, row := range tab.Rows() {
				n := row.Info.EncodedName()
				fmt.Fprintf(&buf, "%s: %s [%s,%s) %s", names[n], row.Info.Table,
					row.Info.StartKey, row.Info.EndKey, row.State)
				if row.Server != "" {
					fmt.Fprintf(&buf, " on %s", row.Server)
				}
				if p := tab.ProcOf(n); p != 0 {
					fmt.Fprintf(&buf, " proc=%d", p)
				}
				if row.SplitParent != "" {
					fmt.Fprintf(&buf, " parent=%s", names[row.SplitParent])
				}
				if row.HasDaughters() {
					fmt.Fprintf(&buf, " daughters=%s,%s", names[row.SplitDaughters[0]], names[row.SplitDaughters[1]])
				}
				buf.WriteString("\n")
			}
			return buf.String()

		case "catalog":
			var buf strings.Builder
			require.NoError(t, cat.Scan(func(row *regionpb.CatalogRow) error {
				fmt.Fprintf(&buf, "%s: %s\n", names[row.Info.EncodedName()], row.State)
				return nil
			}))
			return buf.String()

		default:
			return fmt.Sprintf("unknown command: %s", td.Cmd)
		}
	})
}

func TestConcurrentTransitions(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.Open("catalog", catalog.Options{FS: vfs.NewMem(), Logger: &base.InMemLogger{}})
	require.NoError(t, err)
	defer cat.Close()
	tab := New(cat, &base.InMemLogger{})
	info := regionpb.RegionInfo{Table: "t", RegionID: 1}
	require.NoError(t, tab.Create(ctx, regionpb.CatalogRow{Info: info, State: regionpb.StateOpen, Server: "rs1"}))

	// Many racers try to move the region out of OPEN; exactly one wins.
	const n = 16
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := regionpb.StateSplitting
			if i%2 == 0 {
				next = regionpb.StateClosing
			}
			results[i] = tab.Transition(ctx, info.EncodedName(), regionpb.StateOpen, next, "rs1")
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			require.True(t, errors.Is(err, regionpb.ErrTransitionConflict), "%v", err)
		}
	}
	require.Equal(t, 1, wins)

	// The catalog agrees with memory.
	s, err := tab.Get(info.EncodedName())
	require.NoError(t, err)
	row, err := cat.Get(info.EncodedName())
	require.NoError(t, err)
	require.Equal(t, s.State, row.State)
}
