// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package wire implements the tag/varint encoding shared by the procedure
// log, catalog rows and reference files.
//
// An encoded message is a sequence of (tag, value) pairs. Values are either a
// uvarint or a length-prefixed byte string; the tag determines which. Tags
// with the SafeIgnoreMask bit set may be skipped by readers that do not know
// them, which is how fields are added without breaking older binaries.
// Unknown tags without that bit are reported as corruption.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/regions/internal/base"
)

// SafeIgnoreMask marks a tag whose value is always a length-prefixed byte
// string and may be ignored by a reader that does not recognize it.
const SafeIgnoreMask = 1 << 6

// TagTerminate ends a nested group of fields.
const TagTerminate = 1

type byteReader interface {
	io.ByteReader
	io.Reader
}

// Decoder reads tags and values.
type Decoder struct {
	br byteReader
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) Decoder {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return Decoder{br: br}
}

// ReadTag returns the next tag, or io.EOF at the clean end of the input.
func (d Decoder) ReadTag() (uint64, error) {
	tag, err := binary.ReadUvarint(d.br)
	if err == io.EOF {
		return 0, io.EOF
	}
	if err != nil {
		return 0, base.MarkCorruptionError(err)
	}
	return tag, nil
}

// ReadUvarint reads a uvarint value.
func (d Decoder) ReadUvarint() (uint64, error) {
	u, err := binary.ReadUvarint(d.br)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, base.CorruptionErrorf("regions: truncated uvarint")
		}
		return 0, err
	}
	return u, nil
}

// ReadBytes reads a length-prefixed byte string. An empty string is returned
// as nil.
func (d Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	s := make([]byte, n)
	if _, err := io.ReadFull(d.br, s); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, base.CorruptionErrorf("regions: truncated field")
		}
		return nil, err
	}
	return s, nil
}

// ReadString reads a length-prefixed string.
func (d Decoder) ReadString() (string, error) {
	b, err := d.ReadBytes()
	return string(b), err
}

// SkipUnknown consumes the value of an unrecognized tag. It fails unless the
// tag carries SafeIgnoreMask.
func (d Decoder) SkipUnknown(what string, tag uint64) error {
	if tag&SafeIgnoreMask == 0 {
		return base.CorruptionErrorf("regions: %s: unknown tag %d", errors.Safe(what), errors.Safe(tag))
	}
	_, err := d.ReadBytes()
	return err
}

// Encoder accumulates an encoded message.
type Encoder struct {
	*bytes.Buffer
}

// NewEncoder returns an empty encoder.
func NewEncoder() Encoder {
	return Encoder{new(bytes.Buffer)}
}

// WriteUvarint appends a uvarint.
func (e Encoder) WriteUvarint(u uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], u)
	e.Write(buf[:n])
}

// WriteBytes appends a length-prefixed byte string.
func (e Encoder) WriteBytes(p []byte) {
	e.WriteUvarint(uint64(len(p)))
	e.Write(p)
}

// WriteString appends a length-prefixed string.
func (e Encoder) WriteString(s string) {
	e.WriteUvarint(uint64(len(s)))
	e.Buffer.WriteString(s)
}

// WriteTagUvarint appends a tag followed by a uvarint value.
func (e Encoder) WriteTagUvarint(tag, u uint64) {
	e.WriteUvarint(tag)
	e.WriteUvarint(u)
}

// WriteTagBytes appends a tag followed by a byte string value.
func (e Encoder) WriteTagBytes(tag uint64, p []byte) {
	e.WriteUvarint(tag)
	e.WriteBytes(p)
}

// WriteTagString appends a tag followed by a string value.
func (e Encoder) WriteTagString(tag uint64, s string) {
	e.WriteUvarint(tag)
	e.WriteString(s)
}
