// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package catalog

import (
	"bytes"
	"encoding/binary"
)

// Key layout of the catalog store:
//
//	r <table> <startKey> <regionID> <replicaID>  region row
//	n <encodedName>                              name index -> region row key
//	t <table>                                    table descriptor
//
// Byte strings are escaped so that the encoding sorts like the tuple: 0x00 is
// written as 0x00 0xff and a string ends with 0x00 0x01.
const (
	prefixRegion = 'r'
	prefixName   = 'n'
	prefixTable  = 't'

	escape     = 0x00
	escaped00  = 0xff
	terminator = 0x01
)

func appendEscaped(dst, s []byte) []byte {
	for {
		i := bytes.IndexByte(s, escape)
		if i < 0 {
			break
		}
		dst = append(dst, s[:i]...)
		dst = append(dst, escape, escaped00)
		s = s[i+1:]
	}
	dst = append(dst, s...)
	return append(dst, escape, terminator)
}

func tablePrefix(table string) []byte {
	return appendEscaped([]byte{prefixRegion}, []byte(table))
}

func regionKey(table string, startKey []byte, regionID int64, replicaID int32) []byte {
	k := tablePrefix(table)
	k = appendEscaped(k, startKey)
	k = binary.BigEndian.AppendUint64(k, uint64(regionID))
	return binary.BigEndian.AppendUint32(k, uint32(replicaID))
}

func nameKey(encodedName string) []byte {
	return append([]byte{prefixName}, encodedName...)
}

func tableKey(table string) []byte {
	return append([]byte{prefixTable}, table...)
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
