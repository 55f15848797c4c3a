// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regionfs

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
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/regionpb"
	"github.com/stretchr/testify/require"
)

func TestRegionFS(t *testing.T) {
	var (
		rfs     *FileSystem
		regions map[string]*regionpb.RegionInfo
		// replacer maps encoded names back to their aliases.
		replacer *strings.Replacer
	)
	region := func(t *testing.T, alias string) *regionpb.RegionInfo {
		r, ok := regions[alias]
		if !ok {
			t.Fatalf("unknown region %q", alias)
		}
		return r
	}
	formatErr := func(err error) string {
		if oserror.IsNotExist(err) {
			return "error: file does not exist"
		}
		return "error: " + replacer.Replace(err.Error())
	}
	formatMeta := func(m StoreFileMeta) string {
		return fmt.Sprintf("%s: %d rows [%s, %s]", m.Name, m.Entries, m.FirstKey, m.LastKey)
	}
	emptyKey := func(s string) []byte {
		if s == "-" {
			return nil
		}
		return []byte(s)
	}

	datadriven.RunTest(t, "testdata/regionfs", func(t *testing.T, td *datadriven.TestData) string {
		var family string
		if td.HasArg("family") {
			td.ScanArgs(t, "family", &family)
		}
		switch td.Cmd {
		case "define":
			opts := Options{FS: vfs.NewMem(), Root: "root", BlockSize: 32, Logger: base.NoopLoggerForTesting}
			if td.HasArg("compression") {
				var s string
				td.ScanArgs(t, "compression", &s)
				c, err := ParseCompression(s)
				require.NoError(t, err)
				opts.Compression = c
			}
			rfs = New(opts)
			regions = make(map[string]*regionpb.RegionInfo)
			var pairs []string
			for _, line := range crstrings.Lines(td.Input) {
				f := strings.Fields(line)
				require.Len(t, f, 5)
				id, err := strconv.ParseInt(f[4], 10, 64)
				require.NoError(t, err)
				r := &regionpb.RegionInfo{
					Table:    f[1],
					StartKey: emptyKey(f[2]),
					EndKey:   emptyKey(f[3]),
					RegionID: id,
				}
				regions[f[0]] = r
				pairs = append(pairs, r.EncodedName(), f[0])
			}
			replacer = strings.NewReplacer(pairs...)
			return ""

		case "create":
			var fams []string
			td.ScanArgs(t, "families", &fams)
			if err := rfs.CreateRegion(region(t, td.CmdArgs[0].Key), fams); err != nil {
				return formatErr(err)
			}
			return "ok"

		case "regioninfo":
			r := region(t, td.CmdArgs[0].Key)
			info, err := rfs.ReadRegionInfo(r.Table, r.EncodedName())
			if err != nil {
				return formatErr(err)
			}
			return replacer.Replace(info.EncodedName())

		case "flush":
			var kvs []KV
			for _, line := range crstrings.Lines(td.Input) {
				f := strings.Fields(line)
				kvs = append(kvs, KV{Key: []byte(f[0]), Value: []byte(f[1])})
			}
			meta, err := rfs.WriteStoreFile(region(t, td.CmdArgs[0].Key), family, kvs)
			if err != nil {
				return formatErr(err)
			}
			return formatMeta(meta)

		case "split":
			parent := region(t, td.CmdArgs[0].Key)
			daughter := region(t, td.CmdArgs[1].Key)
			var file, key string
			td.ScanArgs(t, "file", &file)
			td.ScanArgs(t, "key", &key)
			opts := SplitOptions{Top: td.HasArg("top"), SkipRangeCheck: td.HasArg("skip-range-check")}
			if td.HasArg("policy") {
				opts.Policy = IndexFamilySplitPolicy
			}
			ref, err := rfs.SplitStoreFile(parent, daughter, family, file, []byte(key), opts)
			if err != nil {
				return formatErr(err)
			}
			if ref == nil {
				return "nil"
			}
			return fmt.Sprintf("%s/%s %s %s",
				replacer.Replace(ref.ParentEncodedName), ref.ParentFile, ref.Half, ref.SplitKey)

		case "ls":
			var buf bytes.Buffer
			r := region(t, td.CmdArgs[0].Key)
			fams, err := rfs.Families(r)
			if err != nil {
				return formatErr(err)
			}
			for _, fam := range fams {
				files, err := rfs.StoreFiles(r, fam)
				require.NoError(t, err)
				fmt.Fprintf(&buf, "%s: %s\n", fam, replacer.Replace(strings.Join(files, " ")))
			}
			if buf.Len() == 0 {
				return "(none)"
			}
			return buf.String()

		case "read":
			kvs, err := rfs.ReadFamily(region(t, td.CmdArgs[0].Key), family)
			if err != nil {
				return formatErr(err)
			}
			var buf bytes.Buffer
			for _, kv := range kvs {
				fmt.Fprintf(&buf, "%s=%s\n", kv.Key, kv.Value)
			}
			if buf.Len() == 0 {
				return "(none)"
			}
			return buf.String()

		case "compact":
			meta, err := rfs.Compact(region(t, td.CmdArgs[0].Key), family)
			if err != nil {
				return formatErr(err)
			}
			return formatMeta(meta)

		case "refs":
			var parent string
			if td.HasArg("parent") {
				var alias string
				td.ScanArgs(t, "parent", &alias)
				parent = region(t, alias).EncodedName()
			}
			n, err := rfs.ReferencesTo(region(t, td.CmdArgs[0].Key), parent)
			if err != nil {
				return formatErr(err)
			}
			return strconv.Itoa(n)

		case "midkey":
			key, err := rfs.MidKey(region(t, td.CmdArgs[0].Key))
			if err != nil {
				return formatErr(err)
			}
			if key == nil {
				return "nil"
			}
			return string(key)

		case "remove":
			var cleaner base.Cleaner = base.DeleteCleaner{}
			if td.HasArg("archive") {
				cleaner = base.ArchiveCleaner{}
			}
			if err := rfs.RemoveRegion(region(t, td.CmdArgs[0].Key), cleaner); err != nil {
				return formatErr(err)
			}
			return "ok"

		default:
			return fmt.Sprintf("unknown command: %s", td.Cmd)
		}
	})
}

func TestStoreFileCompression(t *testing.T) {
	var kvs []KV
	for i := 0; i < 500; i++ {
		kvs = append(kvs, KV{
			Key:   []byte(fmt.Sprintf("row%05d", i)),
			Value: bytes.Repeat([]byte{byte('a' + i%26)}, i%40),
		})
	}
	for _, c := range []Compression{NoCompression, SnappyCompression, ZstdCompression} {
		t.Run(c.String(), func(t *testing.T) {
			fs := vfs.NewMem()
			meta, err := writeStoreFile(fs, "sf", kvs, c, 256)
			require.NoError(t, err)
			require.EqualValues(t, len(kvs), meta.Entries)
			require.Equal(t, "row00000", string(meta.FirstKey))
			require.Equal(t, "row00499", string(meta.LastKey))

			sf, err := readStoreFile(fs, "sf")
			require.NoError(t, err)
			require.Equal(t, len(kvs), len(sf.kvs))
			for i := range kvs {
				require.Equal(t, kvs[i].Key, sf.kvs[i].Key)
				require.Equal(t, len(kvs[i].Value), len(sf.kvs[i].Value))
				require.True(t, bytes.Equal(kvs[i].Value, sf.kvs[i].Value))
			}
			require.Equal(t, meta.FirstKey, sf.meta.FirstKey)
			require.Equal(t, meta.LastKey, sf.meta.LastKey)
		})
	}
}

func TestStoreFileRejectsUnsortedRows(t *testing.T) {
	_, err := writeStoreFile(vfs.NewMem(), "sf", []KV{{Key: []byte("b")}, {Key: []byte("a")}}, NoCompression, 4096)
	require.Error(t, err)
}

func TestStoreFileTruncated(t *testing.T) {
	fs := vfs.NewMem()
	var kvs []KV
	for i := 0; i < 100; i++ {
		kvs = append(kvs, KV{Key: []byte(fmt.Sprintf("k%03d", i)), Value: []byte("value")})
	}
	_, err := writeStoreFile(fs, "sf", kvs, SnappyCompression, 64)
	require.NoError(t, err)

	f, err := fs.Open("sf")
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	for _, n := range []int{len(data) / 3, len(data) / 2, len(data) - 1} {
		g, err := fs.Create("truncated")
		require.NoError(t, err)
		_, err = g.Write(data[:n])
		require.NoError(t, err)
		require.NoError(t, g.Close())

		_, err = readStoreFile(fs, "truncated")
		require.Error(t, err)
		require.True(t, base.IsCorruptionError(err), "%d bytes: %v", n, err)
	}
}

func TestReferenceNames(t *testing.T) {
	name := referenceName("12.sf", "00ab")
	require.Equal(t, "12.sf.00ab.ref", name)
	file, parent, ok := parseReferenceName(name)
	require.True(t, ok)
	require.Equal(t, "12.sf", file)
	require.Equal(t, "00ab", parent)
	_, _, ok = parseReferenceName("12.sf")
	require.False(t, ok)

	seq, ok := fileSeq(name)
	require.True(t, ok)
	require.EqualValues(t, 12, seq)

	names := []string{"10.sf", "9.sf", "2.sf.00ab.ref"}
	sort.Slice(names, func(i, j int) bool {
		a, _ := fileSeq(names[i])
		b, _ := fileSeq(names[j])
		return a < b
	})
	require.Equal(t, []string{"2.sf.00ab.ref", "9.sf", "10.sf"}, names)
}

func TestReferenceForwardCompatible(t *testing.T) {
	ref := Reference{ParentEncodedName: "00ab", ParentFile: "1.sf", SplitKey: []byte("m"), Half: Top}
	b := ref.encode()
	// Append a field a newer version could write.
	b = append(b, 2|64, 3, 'x', 'y', 'z')
	got, err := decodeReference(b)
	require.NoError(t, err)
	require.Equal(t, ref, got)
	require.True(t, got.Contains([]byte("m")))
	require.False(t, got.Contains([]byte("l")))
}
