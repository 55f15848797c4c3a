// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package proclog

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/crlib/crstrings"
	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/internal/wire"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func parseRecord(t *testing.T, line string) Record {
	fields := strings.Fields(line)
	id, err := strconv.ParseUint(fields[0], 10, 64)
	require.NoError(t, err)
	r := Record{ID: id}
	switch fields[1] {
	case "split":
		r.Type = TypeSplit
	case "assign":
		r.Type = TypeAssign
	case "unassign":
		r.Type = TypeUnassign
	default:
		t.Fatalf("unknown type %q", fields[1])
	}
	for _, f := range fields[2:] {
		switch {
		case f == "runnable":
			r.Status = StatusRunnable
		case f == "succeeded":
			r.Status = StatusSucceeded
		case f == "failed":
			r.Status = StatusFailed
		case strings.HasPrefix(f, "step="):
			v, err := strconv.ParseUint(strings.TrimPrefix(f, "step="), 10, 32)
			require.NoError(t, err)
			r.Step = uint32(v)
		case strings.HasPrefix(f, "nonce="):
			_, err := fmt.Sscanf(strings.TrimPrefix(f, "nonce="), "%d/%d", &r.NonceGroup, &r.Nonce)
			require.NoError(t, err)
		case strings.HasPrefix(f, "err="):
			r.LastError = strings.TrimPrefix(f, "err=")
		default:
			t.Fatalf("unknown field %q", f)
		}
	}
	return r
}

func TestLog(t *testing.T) {
	var (
		fs  *vfs.MemFS
		l   *Log
		buf bytes.Buffer
	)
	open := func(t *testing.T, td *datadriven.TestData) string {
		var retain int
		td.MaybeScanArgs(t, "retain", &retain)
		var err error
		l, err = Open(Options{
			FS:              fs,
			Dirname:         "master",
			RetainedResults: retain,
			Logger:          base.DefaultLogger,
			LogCreated: func(info CreateInfo) {
				fmt.Fprintf(&buf, "%s\n", info)
			},
			LogDeleted: func(info DeleteInfo) {
				fmt.Fprintf(&buf, "%s\n", info)
			},
		})
		if err != nil {
			return err.Error()
		}
		fmt.Fprintf(&buf, "%s\n", l)
		if recs := l.Replayed(); len(recs) > 0 {
			buf.WriteString("replayed:\n")
			for _, r := range recs {
				fmt.Fprintf(&buf, "  %s\n", r)
			}
		}
		return buf.String()
	}

	datadriven.RunTest(t, "testdata/log", func(t *testing.T, td *datadriven.TestData) string {
		buf.Reset()
		switch td.Cmd {
		case "open":
			fs = vfs.NewMem()
			return open(t, td)

		case "reopen":
			// The previous log is abandoned without Close, as if the
			// process had crashed.
			return open(t, td)

		case "apply":
			var ve Edit
			for _, line := range crstrings.Lines(td.Input) {
				ve.Updated = append(ve.Updated, parseRecord(t, line))
			}
			if err := l.Apply(&ve); err != nil {
				return err.Error()
			}
			return l.String()

		case "allocate":
			return fmt.Sprintf("proc %d", l.AllocateProcID())

		case "live":
			for _, r := range l.Live() {
				fmt.Fprintf(&buf, "%s\n", r)
			}
			return buf.String()

		case "ls":
			ls, err := fs.List("master")
			require.NoError(t, err)
			sort.Strings(ls)
			return strings.Join(ls, "\n")

		default:
			return fmt.Sprintf("unknown command: %s", td.Cmd)
		}
	})
}

func TestEditForwardCompatible(t *testing.T) {
	ve := Edit{
		ClusterID:  uuid.New(),
		NextProcID: 4,
		Updated: []Record{{
			ID: 3, Type: TypeSplit, Step: 7, NonceGroup: 1, Nonce: 2,
			LastError: "boom", Payload: []byte("payload"),
		}},
	}
	var buf bytes.Buffer
	require.NoError(t, ve.Encode(&buf))
	encoded := buf.Bytes()

	// Insert an unknown, safe to ignore field inside the record, right
	// before the record's terminator, and another one at the top level.
	e := wire.NewEncoder()
	e.Write(encoded[:len(encoded)-1])
	e.WriteTagString(wire.SafeIgnoreMask|20, "added later")
	e.WriteUvarint(wire.TagTerminate)
	e.WriteTagBytes(wire.SafeIgnoreMask|21, []byte{1, 2, 3})

	var decoded Edit
	require.NoError(t, decoded.Decode(bytes.NewReader(e.Bytes())))
	require.Equal(t, ve, decoded)

	// Unknown fields that are not safe to ignore fail the replay.
	e = wire.NewEncoder()
	e.Write(encoded)
	e.WriteTagUvarint(21, 1)
	decoded = Edit{}
	err := decoded.Decode(bytes.NewReader(e.Bytes()))
	require.True(t, base.IsCorruptionError(err), "%v", err)
}

func TestLogTornTail(t *testing.T) {
	fs := vfs.NewMem()
	opts := Options{FS: fs, Dirname: "m"}
	l, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, l.Apply(&Edit{Updated: []Record{{ID: 1, Type: TypeSplit, Step: 1}}}))
	require.NoError(t, l.Apply(&Edit{Updated: []Record{{ID: 1, Type: TypeSplit, Step: 2}}}))
	clusterID := l.ClusterID()

	// Chop the last few bytes of the active file, as a crash in the middle of
	// the last write would.
	path, err := ReadCurrent(fs, "m")
	require.NoError(t, err)
	f, err := fs.Open(path)
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	g, err := fs.Create(path)
	require.NoError(t, err)
	_, err = g.Write(data[:len(data)-3])
	require.NoError(t, err)
	require.NoError(t, g.Close())

	l2, err := Open(opts)
	require.NoError(t, err)
	defer l2.Close()
	require.Equal(t, clusterID, l2.ClusterID())
	require.Equal(t, []Record{{ID: 1, Type: TypeSplit, Step: 1}}, l2.Replayed())
	require.Equal(t, uint64(2), l2.AllocateProcID())
}

func TestLogRotation(t *testing.T) {
	fs := vfs.NewMem()
	var created []base.DiskFileNum
	l, err := Open(Options{
		FS:          fs,
		Dirname:     "m",
		MaxFileSize: 1,
		LogCreated:  func(info CreateInfo) { created = append(created, info.FileNum) },
	})
	require.NoError(t, err)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, l.Apply(&Edit{Updated: []Record{{ID: i, Type: TypeAssign}}}))
	}
	require.NoError(t, l.Apply(&Edit{Updated: []Record{{ID: 2, Type: TypeAssign, Status: StatusSucceeded}}}))
	// Every write finds the file past its size limit.
	require.Equal(t, []base.DiskFileNum{1, 2, 3, 4, 5}, created)
	require.Equal(t, []Record{{ID: 1, Type: TypeAssign}, {ID: 3, Type: TypeAssign}}, l.Live())
	require.NoError(t, l.Close())

	ls, err := fs.List("m")
	require.NoError(t, err)
	sort.Strings(ls)
	require.Equal(t, []string{"CURRENT", "PROCLOG-000005"}, ls)

	edits, err := ReadFile(fs, fs.PathJoin("m", "PROCLOG-000005"))
	require.NoError(t, err)
	require.Len(t, edits, 2)
	// The snapshot still carries proc 2, it became terminal in the edit that
	// followed.
	require.Len(t, edits[0].Updated, 3)
	require.Equal(t, StatusSucceeded, edits[1].Updated[0].Status)
}

func TestLogClusterIDMismatch(t *testing.T) {
	fs := vfs.NewMem()
	l, err := Open(Options{FS: fs, Dirname: "m"})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	_, err = Open(Options{FS: fs, Dirname: "m", ClusterID: uuid.New()})
	require.Error(t, err)
}
