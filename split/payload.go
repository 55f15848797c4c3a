// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package split

import (
	"bytes"
	"io"

	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/internal/wire"
	"github.com/cockroachdb/regions/regionpb"
)

// Tags for the split payload. Tags with wire.SafeIgnoreMask set are skipped
// by readers that predate them.
const (
	tagParent     = 2
	tagSplitKey   = 3
	tagDaughterA  = 4
	tagDaughterB  = 5
	tagServer     = 6
	tagFamily     = 7
	tagReferences = 8
)

// payload is the persisted state of a split procedure, beyond its step.
type payload struct {
	parent    regionpb.RegionInfo
	splitKey  []byte
	daughters [2]regionpb.RegionInfo
	// server hosted the parent when the split started.
	server string
	// files are the committed files of the parent, known once it closed.
	files      regionpb.CommittedFiles
	references [2]int
}

func (p *payload) encode() []byte {
	e := wire.NewEncoder()
	e.WriteUvarint(tagParent)
	p.parent.EncodeTo(e)
	e.WriteTagBytes(tagSplitKey, p.splitKey)
	e.WriteUvarint(tagDaughterA)
	p.daughters[0].EncodeTo(e)
	e.WriteUvarint(tagDaughterB)
	p.daughters[1].EncodeTo(e)
	if p.server != "" {
		e.WriteTagString(tagServer, p.server)
	}
	for _, fam := range p.files.Families() {
		f := wire.NewEncoder()
		f.WriteString(fam)
		f.WriteUvarint(uint64(len(p.files[fam])))
		for _, file := range p.files[fam] {
			f.WriteString(file)
		}
		e.WriteTagBytes(tagFamily, f.Bytes())
	}
	if p.references != [2]int{} {
		e.WriteUvarint(tagReferences)
		e.WriteUvarint(uint64(p.references[0]))
		e.WriteUvarint(uint64(p.references[1]))
	}
	return e.Bytes()
}

func decodePayload(b []byte) (payload, error) {
	var p payload
	var sawParent, sawA, sawB bool
	d := wire.NewDecoder(bytes.NewReader(b))
	for {
		tag, err := d.ReadTag()
		if err == io.EOF {
			break
		}
		if err != nil {
			return payload{}, err
		}
		switch tag {
		case tagParent:
			if err := p.parent.DecodeFrom(d); err != nil {
				return payload{}, err
			}
			sawParent = true
		case tagSplitKey:
			if p.splitKey, err = d.ReadBytes(); err != nil {
				return payload{}, err
			}
		case tagDaughterA:
			if err := p.daughters[0].DecodeFrom(d); err != nil {
				return payload{}, err
			}
			sawA = true
		case tagDaughterB:
			if err := p.daughters[1].DecodeFrom(d); err != nil {
				return payload{}, err
			}
			sawB = true
		case tagServer:
			if p.server, err = d.ReadString(); err != nil {
				return payload{}, err
			}
		case tagFamily:
			v, err := d.ReadBytes()
			if err != nil {
				return payload{}, err
			}
			if err := p.decodeFamily(v); err != nil {
				return payload{}, err
			}
		case tagReferences:
			for i := range p.references {
				v, err := d.ReadUvarint()
				if err != nil {
					return payload{}, err
				}
				p.references[i] = int(v)
			}
		default:
			if err := d.SkipUnknown("split payload", tag); err != nil {
				return payload{}, err
			}
		}
	}
	if !sawParent || !sawA || !sawB {
		return payload{}, base.CorruptionErrorf("split: payload without parent or daughters")
	}
	return p, nil
}

func (p *payload) decodeFamily(b []byte) error {
	d := wire.NewDecoder(bytes.NewReader(b))
	fam, err := d.ReadString()
	if err != nil {
		return err
	}
	n, err := d.ReadUvarint()
	if err != nil {
		return err
	}
	if n > uint64(len(b)) {
		return base.CorruptionErrorf("split: family %q claims %d files", fam, n)
	}
	files := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		file, err := d.ReadString()
		if err != nil {
			return err
		}
		files = append(files, file)
	}
	if p.files == nil {
		p.files = make(regionpb.CommittedFiles)
	}
	p.files[fam] = files
	return nil
}
