// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package regionpb defines the data model shared by the master, the region
// servers and the catalog: region identities, lifecycle states, catalog rows,
// region state transition reports and the RPC surfaces between nodes.
package regionpb

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/internal/wire"
)

// DefaultReplicaID is the replica id of the primary replica of a region. Only
// the primary replica can be split.
const DefaultReplicaID = 0

// RegionInfo is the immutable identity of a region: a half-open key range
// [StartKey, EndKey) of a table. An empty StartKey means the range is
// unbounded below and an empty EndKey means it is unbounded above.
type RegionInfo struct {
	Table     string
	StartKey  []byte
	EndKey    []byte
	ReplicaID int32
	// RegionID is the creation timestamp (unix millis) of the region. It
	// disambiguates regions that share a table and start key, such as a
	// parent and its bottom daughter.
	RegionID int64
}

// Name returns the full region name "<table>,<startKey>,<regionID>" with the
// replica suffix "_<replica>" appended for non-default replicas.
func (r *RegionInfo) Name() string {
	var buf bytes.Buffer
	buf.WriteString(r.Table)
	buf.WriteByte(',')
	buf.Write(r.StartKey)
	buf.WriteByte(',')
	buf.WriteString(strconv.FormatInt(r.RegionID, 10))
	if r.ReplicaID != DefaultReplicaID {
		fmt.Fprintf(&buf, "_%04x", r.ReplicaID)
	}
	return buf.String()
}

// EncodedName returns the stable hex encoded name of the region. It is used
// as the region's identity key everywhere: the state table, catalog lineage
// pointers and the region's directory on shared storage.
func (r *RegionInfo) EncodedName() string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(r.Name()))
}

// ContainsRow returns true if key falls in [StartKey, EndKey).
func (r *RegionInfo) ContainsRow(key []byte) bool {
	if bytes.Compare(key, r.StartKey) < 0 {
		return false
	}
	return len(r.EndKey) == 0 || bytes.Compare(key, r.EndKey) < 0
}

// ContainsRange returns true if [start, end) is a subrange of the region. An
// empty end means +inf.
func (r *RegionInfo) ContainsRange(start, end []byte) bool {
	if bytes.Compare(start, r.StartKey) < 0 {
		return false
	}
	if len(r.EndKey) == 0 {
		return true
	}
	return len(end) != 0 && bytes.Compare(end, r.EndKey) <= 0
}

// IsSplitKeyValid returns true if splitKey lies strictly inside the region,
// so that both daughters are non-empty ranges.
func (r *RegionInfo) IsSplitKeyValid(splitKey []byte) bool {
	if len(splitKey) == 0 {
		return false
	}
	if bytes.Compare(splitKey, r.StartKey) <= 0 {
		return false
	}
	return len(r.EndKey) == 0 || bytes.Compare(splitKey, r.EndKey) < 0
}

// Overlaps returns true if the two regions belong to the same table and
// their key ranges intersect.
func (r *RegionInfo) Overlaps(o *RegionInfo) bool {
	if r.Table != o.Table {
		return false
	}
	// r.start < o.end && o.start < r.end, with empty ends meaning +inf.
	if len(o.EndKey) != 0 && bytes.Compare(r.StartKey, o.EndKey) >= 0 {
		return false
	}
	if len(r.EndKey) != 0 && bytes.Compare(o.StartKey, r.EndKey) >= 0 {
		return false
	}
	return true
}

// Equal returns true if both identities are the same.
func (r *RegionInfo) Equal(o *RegionInfo) bool {
	return r.Table == o.Table && bytes.Equal(r.StartKey, o.StartKey) &&
		bytes.Equal(r.EndKey, o.EndKey) && r.ReplicaID == o.ReplicaID &&
		r.RegionID == o.RegionID
}

// DaughterRegionID returns the id for a daughter of parent created at now:
// the current time, or parent+1 if the clock has not advanced past the
// parent's creation.
func DaughterRegionID(parent *RegionInfo, nowMillis int64) int64 {
	if nowMillis <= parent.RegionID {
		return parent.RegionID + 1
	}
	return nowMillis
}

// Daughters returns the two daughters of parent split at splitKey. The bottom
// daughter covers [parent.StartKey, splitKey) and the top daughter covers
// [splitKey, parent.EndKey).
func Daughters(parent *RegionInfo, splitKey []byte, nowMillis int64) (a, b RegionInfo) {
	id := DaughterRegionID(parent, nowMillis)
	a = RegionInfo{
		Table:    parent.Table,
		StartKey: append([]byte(nil), parent.StartKey...),
		EndKey:   append([]byte(nil), splitKey...),
		RegionID: id,
	}
	b = RegionInfo{
		Table:    parent.Table,
		StartKey: append([]byte(nil), splitKey...),
		EndKey:   append([]byte(nil), parent.EndKey...),
		RegionID: id,
	}
	return a, b
}

// String implements fmt.Stringer.
func (r RegionInfo) String() string {
	return redact.StringWithoutMarkers(r)
}

// SafeFormat implements redact.SafeFormatter.
func (r RegionInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s [%q,%q) id=%d", redact.SafeString(r.EncodedName()),
		r.StartKey, r.EndKey, redact.Safe(r.RegionID))
	if r.ReplicaID != DefaultReplicaID {
		w.Printf(" replica=%d", redact.Safe(r.ReplicaID))
	}
	w.Printf(" table=%s", r.Table)
}

// Tags for the RegionInfo encoding.
const (
	tagRegionTable     = 2
	tagRegionStartKey  = 3
	tagRegionEndKey    = 4
	tagRegionReplicaID = 5
	tagRegionID        = 6
)

// EncodeTo appends the encoding of r, terminated by wire.TagTerminate, to e.
func (r *RegionInfo) EncodeTo(e wire.Encoder) {
	e.WriteTagString(tagRegionTable, r.Table)
	e.WriteTagBytes(tagRegionStartKey, r.StartKey)
	e.WriteTagBytes(tagRegionEndKey, r.EndKey)
	if r.ReplicaID != DefaultReplicaID {
		e.WriteTagUvarint(tagRegionReplicaID, uint64(r.ReplicaID))
	}
	e.WriteTagUvarint(tagRegionID, uint64(r.RegionID))
	e.WriteUvarint(wire.TagTerminate)
}

// DecodeFrom reads a RegionInfo written by EncodeTo.
func (r *RegionInfo) DecodeFrom(d wire.Decoder) error {
	*r = RegionInfo{}
	for {
		tag, err := d.ReadTag()
		if err != nil {
			if err == io.EOF {
				return base.CorruptionErrorf("regionpb: truncated region info")
			}
			return err
		}
		switch tag {
		case wire.TagTerminate:
			return nil
		case tagRegionTable:
			if r.Table, err = d.ReadString(); err != nil {
				return err
			}
		case tagRegionStartKey:
			if r.StartKey, err = d.ReadBytes(); err != nil {
				return err
			}
		case tagRegionEndKey:
			if r.EndKey, err = d.ReadBytes(); err != nil {
				return err
			}
		case tagRegionReplicaID:
			v, err := d.ReadUvarint()
			if err != nil {
				return err
			}
			r.ReplicaID = int32(v)
		case tagRegionID:
			v, err := d.ReadUvarint()
			if err != nil {
				return err
			}
			r.RegionID = int64(v)
		default:
			if err := d.SkipUnknown("region info", tag); err != nil {
				return err
			}
		}
	}
}

// EncodeRegionInfo returns the standalone encoding of r, as stored in the
// .regioninfo file of a region directory.
func EncodeRegionInfo(r *RegionInfo) []byte {
	e := wire.NewEncoder()
	r.EncodeTo(e)
	return e.Bytes()
}

// DecodeRegionInfo decodes the output of EncodeRegionInfo.
func DecodeRegionInfo(b []byte) (RegionInfo, error) {
	var r RegionInfo
	err := r.DecodeFrom(wire.NewDecoder(bytes.NewReader(b)))
	return r, err
}
