// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regionfs

import (
	"bytes"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/record"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/internal/wire"
)

// Half selects one side of a split store file.
type Half uint8

const (
	// Bottom holds the keys below the split key.
	Bottom Half = iota
	// Top holds the keys at or above the split key.
	Top
)

func (h Half) String() string {
	if h == Top {
		return "top"
	}
	return "bottom"
}

// Reference is the content of a reference file: one half of a store file of
// the split parent. No row is copied when a reference is created; readers
// resolve it against the parent's file until the daughter compacts.
type Reference struct {
	ParentEncodedName string
	ParentFile        string
	SplitKey          []byte
	Half              Half
}

// Contains returns true if key belongs to the referenced half.
func (r *Reference) Contains(key []byte) bool {
	if r.Half == Top {
		return bytes.Compare(key, r.SplitKey) >= 0
	}
	return bytes.Compare(key, r.SplitKey) < 0
}

// SafeFormat implements redact.SafeFormatter.
func (r Reference) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s/%s %s of %q", redact.SafeString(r.ParentEncodedName), r.ParentFile,
		redact.SafeString(r.Half.String()), r.SplitKey)
}

func (r Reference) String() string {
	return redact.StringWithoutMarkers(r)
}

const refSuffix = ".ref"

// referenceName returns the name of the reference file to parentFile of the
// region with the given encoded name.
func referenceName(parentFile, parentEncodedName string) string {
	return parentFile + "." + parentEncodedName + refSuffix
}

// parseReferenceName returns the parent file and parent encoded name of a
// reference file name.
func parseReferenceName(name string) (parentFile, parentEncodedName string, ok bool) {
	if !strings.HasSuffix(name, refSuffix) {
		return "", "", false
	}
	name = strings.TrimSuffix(name, refSuffix)
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

const (
	tagRefParent   = 2
	tagRefFile     = 3
	tagRefSplitKey = 4
	tagRefHalf     = 5
)

func (r *Reference) encode() []byte {
	e := wire.NewEncoder()
	e.WriteTagString(tagRefParent, r.ParentEncodedName)
	e.WriteTagString(tagRefFile, r.ParentFile)
	e.WriteTagBytes(tagRefSplitKey, r.SplitKey)
	e.WriteTagUvarint(tagRefHalf, uint64(r.Half))
	return e.Bytes()
}

func decodeReference(b []byte) (Reference, error) {
	var r Reference
	d := wire.NewDecoder(bytes.NewReader(b))
	for {
		tag, err := d.ReadTag()
		if err == io.EOF {
			break
		} else if err != nil {
			return Reference{}, err
		}
		switch tag {
		case tagRefParent:
			r.ParentEncodedName, err = d.ReadString()
		case tagRefFile:
			r.ParentFile, err = d.ReadString()
		case tagRefSplitKey:
			r.SplitKey, err = d.ReadBytes()
		case tagRefHalf:
			var v uint64
			v, err = d.ReadUvarint()
			r.Half = Half(v)
		default:
			err = d.SkipUnknown("reference", tag)
		}
		if err != nil {
			return Reference{}, err
		}
	}
	if r.ParentEncodedName == "" || r.ParentFile == "" {
		return Reference{}, base.CorruptionErrorf("regionfs: reference without parent")
	}
	return r, nil
}

// writeReference writes ref to path through a temporary file, so that a
// reference file is either complete or absent.
func writeReference(fs vfs.FS, path string, ref *Reference) error {
	tmp := path + ".tmp"
	f, err := fs.Create(tmp)
	if err != nil {
		return err
	}
	w := record.NewWriter(f)
	if _, err := w.WriteRecord(ref.encode()); err != nil {
		return errors.CombineErrors(err, f.Close())
	}
	if err := w.Close(); err != nil {
		return errors.CombineErrors(err, f.Close())
	}
	if err := f.Sync(); err != nil {
		return errors.CombineErrors(err, f.Close())
	}
	if err := f.Close(); err != nil {
		return err
	}
	return fs.Rename(tmp, path)
}

func readReference(fs vfs.FS, path string) (Reference, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Reference{}, err
	}
	defer f.Close()
	rr, err := record.NewReader(f, 0).Next()
	if err != nil {
		return Reference{}, base.MarkCorruptionError(errors.Wrapf(err, "regionfs: reading %s", path))
	}
	b, err := io.ReadAll(rr)
	if err != nil {
		return Reference{}, base.MarkCorruptionError(errors.Wrapf(err, "regionfs: reading %s", path))
	}
	return decodeReference(b)
}
