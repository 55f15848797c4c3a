// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package catalog

import (
	"bytes"
	"io"

	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/internal/wire"
	"github.com/cockroachdb/regions/regionpb"
)

const (
	tagTableName     = 2
	tagTableFamily   = 3
	tagTableSplitPol = 4
)

func encodeTable(desc *regionpb.TableDescriptor) []byte {
	e := wire.NewEncoder()
	e.WriteTagString(tagTableName, desc.Name)
	for _, f := range desc.Families {
		e.WriteTagString(tagTableFamily, f)
	}
	if desc.SplitPolicy != "" {
		e.WriteTagString(tagTableSplitPol, desc.SplitPolicy)
	}
	return e.Bytes()
}

func decodeTable(b []byte) (regionpb.TableDescriptor, error) {
	var desc regionpb.TableDescriptor
	d := wire.NewDecoder(bytes.NewReader(b))
	for {
		tag, err := d.ReadTag()
		if err == io.EOF {
			break
		}
		if err != nil {
			return desc, err
		}
		switch tag {
		case tagTableName:
			desc.Name, err = d.ReadString()
		case tagTableFamily:
			var f string
			f, err = d.ReadString()
			desc.Families = append(desc.Families, f)
		case tagTableSplitPol:
			desc.SplitPolicy, err = d.ReadString()
		default:
			err = d.SkipUnknown("table descriptor", tag)
		}
		if err != nil {
			return desc, err
		}
	}
	if desc.Name == "" {
		return desc, base.CorruptionErrorf("catalog: table descriptor without name")
	}
	return desc, nil
}
