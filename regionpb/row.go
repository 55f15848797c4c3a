// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regionpb

import (
	"bytes"
	"io"

	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/internal/wire"
)

// RegionState is the master's live view of a region.
type RegionState struct {
	Info   RegionInfo
	State  State
	Server string
}

// SafeFormat implements redact.SafeFormatter.
func (s RegionState) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s %s", s.Info, s.State)
	if s.Server != "" {
		w.Printf(" on %s", s.Server)
	}
}

// String implements fmt.Stringer.
func (s RegionState) String() string {
	return redact.StringWithoutMarkers(s)
}

// CatalogRow is the persisted projection of a RegionState. A split parent
// carries the encoded names of its daughters and each daughter carries the
// encoded name of its parent; lineage is always by identity key.
type CatalogRow struct {
	Info   RegionInfo
	State  State
	Server string
	// SplitParent is set on daughters until the janitor collects the parent.
	SplitParent string
	// SplitDaughters is set on a SPLIT parent.
	SplitDaughters [2]string
}

// RegionState returns the live projection of the row.
func (r *CatalogRow) RegionState() RegionState {
	return RegionState{Info: r.Info, State: r.State, Server: r.Server}
}

// HasDaughters returns true if the row records split lineage.
func (r *CatalogRow) HasDaughters() bool {
	return r.SplitDaughters[0] != "" || r.SplitDaughters[1] != ""
}

// String implements fmt.Stringer.
func (r CatalogRow) String() string {
	return redact.StringWithoutMarkers(r)
}

// SafeFormat implements redact.SafeFormatter.
func (r CatalogRow) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s %s", r.Info, r.State)
	if r.Server != "" {
		w.Printf(" server=%s", r.Server)
	}
	if r.SplitParent != "" {
		w.Printf(" parent=%s", redact.SafeString(r.SplitParent))
	}
	if r.HasDaughters() {
		w.Printf(" daughters=%s,%s", redact.SafeString(r.SplitDaughters[0]),
			redact.SafeString(r.SplitDaughters[1]))
	}
}

// Tags for the CatalogRow encoding. Tags with wire.SafeIgnoreMask set are
// skipped by readers that predate them.
const (
	tagRowInfo      = 2
	tagRowState     = 3
	tagRowServer    = 4
	tagRowParent    = 5
	tagRowDaughterA = 6
	tagRowDaughterB = 7
)

// Encode returns the encoding of the row.
func (r *CatalogRow) Encode() []byte {
	e := wire.NewEncoder()
	e.WriteUvarint(tagRowInfo)
	r.Info.EncodeTo(e)
	e.WriteTagUvarint(tagRowState, uint64(r.State))
	if r.Server != "" {
		e.WriteTagString(tagRowServer, r.Server)
	}
	if r.SplitParent != "" {
		e.WriteTagString(tagRowParent, r.SplitParent)
	}
	if r.SplitDaughters[0] != "" {
		e.WriteTagString(tagRowDaughterA, r.SplitDaughters[0])
	}
	if r.SplitDaughters[1] != "" {
		e.WriteTagString(tagRowDaughterB, r.SplitDaughters[1])
	}
	return e.Bytes()
}

// DecodeCatalogRow decodes the output of Encode.
func DecodeCatalogRow(b []byte) (CatalogRow, error) {
	var r CatalogRow
	d := wire.NewDecoder(bytes.NewReader(b))
	sawInfo := false
	for {
		tag, err := d.ReadTag()
		if err == io.EOF {
			break
		}
		if err != nil {
			return CatalogRow{}, err
		}
		switch tag {
		case tagRowInfo:
			if err := r.Info.DecodeFrom(d); err != nil {
				return CatalogRow{}, err
			}
			sawInfo = true
		case tagRowState:
			v, err := d.ReadUvarint()
			if err != nil {
				return CatalogRow{}, err
			}
			if v >= uint64(numStates) {
				return CatalogRow{}, base.CorruptionErrorf("regionpb: invalid state %d", v)
			}
			r.State = State(v)
		case tagRowServer:
			if r.Server, err = d.ReadString(); err != nil {
				return CatalogRow{}, err
			}
		case tagRowParent:
			if r.SplitParent, err = d.ReadString(); err != nil {
				return CatalogRow{}, err
			}
		case tagRowDaughterA:
			if r.SplitDaughters[0], err = d.ReadString(); err != nil {
				return CatalogRow{}, err
			}
		case tagRowDaughterB:
			if r.SplitDaughters[1], err = d.ReadString(); err != nil {
				return CatalogRow{}, err
			}
		default:
			if err := d.SkipUnknown("catalog row", tag); err != nil {
				return CatalogRow{}, err
			}
		}
	}
	if !sawInfo {
		return CatalogRow{}, base.CorruptionErrorf("regionpb: catalog row without region info")
	}
	return r, nil
}
