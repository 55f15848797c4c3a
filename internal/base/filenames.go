// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/redact"
)

// DiskFileNum identifies a numbered file in the master directory (procedure
// logs and OPTIONS files share a single counter).
type DiskFileNum uint64

func (dfn DiskFileNum) String() string { return fmt.Sprintf("%06d", uint64(dfn)) }

// SafeFormat implements redact.SafeFormatter.
func (dfn DiskFileNum) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%06d", redact.SafeUint(dfn))
}

// FileType enumerates the types of files found in the master directory.
type FileType int

// The FileType enumeration.
const (
	FileTypeLock FileType = iota
	FileTypeProcLog
	FileTypeCurrent
	FileTypeOptions
	FileTypeTemp
)

var fileTypeStrings = [...]string{
	FileTypeLock:    "lock",
	FileTypeProcLog: "proclog",
	FileTypeCurrent: "current",
	FileTypeOptions: "options",
	FileTypeTemp:    "temp",
}

// SafeFormat implements redact.SafeFormatter.
func (ft FileType) SafeFormat(w redact.SafePrinter, _ rune) {
	if ft < 0 || int(ft) >= len(fileTypeStrings) {
		w.Print(redact.SafeString("unknown"))
		return
	}
	w.Print(redact.SafeString(fileTypeStrings[ft]))
}

// String implements fmt.Stringer.
func (ft FileType) String() string {
	return redact.StringWithoutMarkers(ft)
}

// MakeFilename builds a filename from components.
func MakeFilename(fileType FileType, dfn DiskFileNum) string {
	switch fileType {
	case FileTypeLock:
		return "LOCK"
	case FileTypeProcLog:
		return fmt.Sprintf("PROCLOG-%s", dfn)
	case FileTypeCurrent:
		return "CURRENT"
	case FileTypeOptions:
		return fmt.Sprintf("OPTIONS-%s", dfn)
	case FileTypeTemp:
		return fmt.Sprintf("temporary.%s.tmp", dfn)
	}
	panic("unreachable")
}

// MakeFilepath builds a filepath from components.
func MakeFilepath(fs vfs.FS, dirname string, fileType FileType, dfn DiskFileNum) string {
	return fs.PathJoin(dirname, MakeFilename(fileType, dfn))
}

// ParseFilename parses the components from a filename.
func ParseFilename(fs vfs.FS, filename string) (fileType FileType, dfn DiskFileNum, ok bool) {
	filename = fs.PathBase(filename)
	switch {
	case filename == "CURRENT":
		return FileTypeCurrent, 0, true
	case filename == "LOCK":
		return FileTypeLock, 0, true
	case strings.HasPrefix(filename, "PROCLOG-"):
		dfn, ok = parseDiskFileNum(filename[len("PROCLOG-"):])
		if !ok {
			break
		}
		return FileTypeProcLog, dfn, true
	case strings.HasPrefix(filename, "OPTIONS-"):
		dfn, ok = parseDiskFileNum(filename[len("OPTIONS-"):])
		if !ok {
			break
		}
		return FileTypeOptions, dfn, ok
	case strings.HasPrefix(filename, "temporary.") && strings.HasSuffix(filename, ".tmp"):
		s := strings.TrimSuffix(filename[len("temporary."):], ".tmp")
		dfn, ok = parseDiskFileNum(s)
		if !ok {
			break
		}
		return FileTypeTemp, dfn, ok
	}
	return 0, dfn, false
}

func parseDiskFileNum(s string) (dfn DiskFileNum, ok bool) {
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return dfn, false
	}
	return DiskFileNum(u), true
}

// SetCurrentFile atomically points the CURRENT file at the procedure log
// with the given number.
func SetCurrentFile(dirname string, fs vfs.FS, fileNum DiskFileNum) error {
	newFilename := MakeFilepath(fs, dirname, FileTypeCurrent, fileNum)
	oldFilename := MakeFilepath(fs, dirname, FileTypeTemp, fileNum)
	if err := fs.Remove(oldFilename); err != nil && !oserror.IsNotExist(err) {
		return err
	}
	f, err := fs.Create(oldFilename)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%s\n", MakeFilename(FileTypeProcLog, fileNum)); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return fs.Rename(oldFilename, newFilename)
}
