// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"io"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/redact"
	"github.com/stretchr/testify/require"
)

func TestParseFilename(t *testing.T) {
	testCases := map[string]bool{
		"CURRENT":                  true,
		"CURRENT.123456":           false,
		"LOCK":                     true,
		"xLOCK":                    false,
		"x.LOCK":                   false,
		"PROCLOG":                  false,
		"PROCLOG-":                 false,
		"PROCLOG-123456":           true,
		"PROCLOG-123456.doc":       false,
		"OPTIONS":                  false,
		"OPTIONS123456":            false,
		"OPTIONS-":                 false,
		"OPTIONS-123456":           true,
		"OPTIONS-123456.doc":       false,
		"temporary.123456.tmp":     true,
		"temporary.123456":         false,
		"temporary..tmp":           false,
		"MANIFEST-000001":          false,
		"000001.sst":               false,
		"temporary.123456.dbtmp":   false,
		"PROCLOG-00000000000000x1": false,
	}
	fs := vfs.NewMem()
	for tc, want := range testCases {
		_, _, got := ParseFilename(fs, fs.PathJoin("foo", tc))
		if got != want {
			t.Errorf("%q: got %v, want %v", tc, got, want)
		}
	}
}

func TestFilenameRoundTrip(t *testing.T) {
	testCases := map[FileType]bool{
		// LOCK and CURRENT files aren't numbered.
		FileTypeLock:    false,
		FileTypeCurrent: false,
		// The remaining file types are numbered.
		FileTypeProcLog: true,
		FileTypeOptions: true,
		FileTypeTemp:    true,
	}
	fs := vfs.NewMem()
	for fileType, numbered := range testCases {
		fileNums := []DiskFileNum{0}
		if numbered {
			fileNums = []DiskFileNum{0, 1, 2, 3, 10, 42, 99, 1001}
		}
		for _, fileNum := range fileNums {
			filename := MakeFilepath(fs, "foo", fileType, fileNum)
			gotFT, gotFN, gotOK := ParseFilename(fs, filename)
			if !gotOK {
				t.Errorf("could not parse %q", filename)
				continue
			}
			if gotFT != fileType || gotFN != fileNum {
				t.Errorf("filename=%q: got %v, %v, want %v, %v", filename, gotFT, gotFN, fileType, fileNum)
				continue
			}
		}
	}
}

func TestSetCurrentFile(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("master", 0755))
	for _, num := range []DiskFileNum{3, 7} {
		require.NoError(t, SetCurrentFile("master", fs, num))
		f, err := fs.Open(MakeFilepath(fs, "master", FileTypeCurrent, 0))
		require.NoError(t, err)
		b, err := io.ReadAll(f)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		require.Equal(t, MakeFilename(FileTypeProcLog, num)+"\n", string(b))
	}
	ls, err := fs.List("master")
	require.NoError(t, err)
	require.Equal(t, []string{"CURRENT"}, ls)
}

func TestLockDirectory(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("master", 0755))
	l, err := LockDirectory("master", fs)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.Error(t, l.Close())

	l, err = LockDirectory("master", fs)
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

func TestRedactFileNum(t *testing.T) {
	// Ensure that redaction never redacts file numbers.
	require.Equal(t, redact.RedactableString("000005"), redact.Sprint(DiskFileNum(5)))
	require.Equal(t, redact.RedactableString("proclog"), redact.Sprint(FileTypeProcLog))
}
