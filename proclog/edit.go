// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package proclog

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/internal/wire"
	"github.com/google/uuid"
)

// Type is the kind of procedure a record belongs to.
type Type uint8

// The Type enumeration.
const (
	TypeSplit Type = iota + 1
	TypeAssign
	TypeUnassign
)

func (t Type) String() string {
	switch t {
	case TypeSplit:
		return "split"
	case TypeAssign:
		return "assign"
	case TypeUnassign:
		return "unassign"
	}
	return "unknown"
}

// SafeFormat implements redact.SafeFormatter.
func (t Type) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(t.String()))
}

// Status is the persisted completion status of a procedure.
type Status uint8

// The Status enumeration.
const (
	StatusRunnable Status = iota
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunnable:
		return "runnable"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// SafeFormat implements redact.SafeFormatter.
func (s Status) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(s.String()))
}

// Record is the persisted state of one procedure. Each edit that touches a
// procedure carries its complete record, so the latest record for an id is
// all replay needs.
type Record struct {
	ID     uint64
	Type   Type
	Step   uint32
	Status Status
	// NonceGroup and Nonce identify the client request that submitted the
	// procedure. A zero pair is never deduplicated.
	NonceGroup uint64
	Nonce      uint64
	// LastError is the last error observed by the procedure. For a failed
	// procedure it is the reason of the failure.
	LastError string
	// Payload is the procedure specific state, encoded by the procedure.
	Payload []byte
	// RollingBack is set once a procedure started undoing its steps.
	RollingBack bool
}

// Terminal returns true once the procedure has succeeded or failed.
func (r *Record) Terminal() bool {
	return r.Status != StatusRunnable
}

// SafeFormat implements redact.SafeFormatter.
func (r Record) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("proc %d: %s step=%d %s", redact.Safe(r.ID), r.Type, redact.Safe(r.Step), r.Status)
	if r.NonceGroup != 0 || r.Nonce != 0 {
		w.Printf(" nonce=%d/%d", redact.Safe(r.NonceGroup), redact.Safe(r.Nonce))
	}
	if r.RollingBack {
		w.Printf(" rolling-back")
	}
	if r.LastError != "" {
		w.Printf(" err=%q", r.LastError)
	}
}

// String implements fmt.Stringer.
func (r Record) String() string {
	return redact.StringWithoutMarkers(r)
}

// Edit is a single entry of the procedure log. The first edit of every log
// file is a snapshot: it carries the cluster id, the counters and every
// procedure that was not terminal when the file was created.
type Edit struct {
	ClusterID   uuid.UUID
	NextProcID  uint64
	NextFileNum uint64
	Updated     []Record
}

// Tags for the top level of an Edit.
const (
	tagClusterID   = 2
	tagNextProcID  = 3
	tagNextFileNum = 4
	tagRecord      = 5
)

// Tags for a record nested in an Edit. The group ends with
// wire.TagTerminate.
const (
	tagRecordID         = 2
	tagRecordType       = 3
	tagRecordStep       = 4
	tagRecordStatus     = 5
	tagRecordNonceGroup = 6
	tagRecordNonce      = 7
	tagRecordLastError  = 8
	tagRecordPayload    = 9
	tagRecordRollback   = 10
)

// Encode encodes an edit to the specified writer.
func (e *Edit) Encode(w io.Writer) error {
	enc := wire.NewEncoder()
	if e.ClusterID != uuid.Nil {
		enc.WriteTagBytes(tagClusterID, e.ClusterID[:])
	}
	if e.NextProcID != 0 {
		enc.WriteTagUvarint(tagNextProcID, e.NextProcID)
	}
	if e.NextFileNum != 0 {
		enc.WriteTagUvarint(tagNextFileNum, e.NextFileNum)
	}
	for i := range e.Updated {
		r := &e.Updated[i]
		enc.WriteUvarint(tagRecord)
		enc.WriteTagUvarint(tagRecordID, r.ID)
		enc.WriteTagUvarint(tagRecordType, uint64(r.Type))
		enc.WriteTagUvarint(tagRecordStep, uint64(r.Step))
		enc.WriteTagUvarint(tagRecordStatus, uint64(r.Status))
		if r.NonceGroup != 0 || r.Nonce != 0 {
			enc.WriteTagUvarint(tagRecordNonceGroup, r.NonceGroup)
			enc.WriteTagUvarint(tagRecordNonce, r.Nonce)
		}
		if r.LastError != "" {
			enc.WriteTagString(tagRecordLastError, r.LastError)
		}
		if len(r.Payload) > 0 {
			enc.WriteTagBytes(tagRecordPayload, r.Payload)
		}
		if r.RollingBack {
			enc.WriteTagUvarint(tagRecordRollback, 1)
		}
		enc.WriteUvarint(wire.TagTerminate)
	}
	_, err := w.Write(enc.Bytes())
	return err
}

// Decode decodes an edit from the specified reader. Unknown tags that carry
// wire.SafeIgnoreMask are skipped, both at the top level and inside records.
func (e *Edit) Decode(r io.Reader) error {
	d := wire.NewDecoder(r)
	for {
		tag, err := d.ReadTag()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch tag {
		case tagClusterID:
			b, err := d.ReadBytes()
			if err != nil {
				return err
			}
			id, err := uuid.FromBytes(b)
			if err != nil {
				return base.MarkCorruptionError(errors.Wrap(err, "proclog: cluster id"))
			}
			e.ClusterID = id
		case tagNextProcID:
			if e.NextProcID, err = d.ReadUvarint(); err != nil {
				return err
			}
		case tagNextFileNum:
			if e.NextFileNum, err = d.ReadUvarint(); err != nil {
				return err
			}
		case tagRecord:
			rec, err := decodeRecord(d)
			if err != nil {
				return err
			}
			e.Updated = append(e.Updated, rec)
		default:
			if err := d.SkipUnknown("procedure log edit", tag); err != nil {
				return err
			}
		}
	}
}

func decodeRecord(d wire.Decoder) (Record, error) {
	var r Record
	for {
		tag, err := d.ReadTag()
		if err == io.EOF {
			return Record{}, base.CorruptionErrorf("proclog: truncated procedure record")
		}
		if err != nil {
			return Record{}, err
		}
		var v uint64
		switch tag {
		case wire.TagTerminate:
			if r.ID == 0 {
				return Record{}, base.CorruptionErrorf("proclog: procedure record without id")
			}
			return r, nil
		case tagRecordID, tagRecordType, tagRecordStep, tagRecordStatus,
			tagRecordNonceGroup, tagRecordNonce, tagRecordRollback:
			if v, err = d.ReadUvarint(); err != nil {
				return Record{}, err
			}
		case tagRecordLastError:
			if r.LastError, err = d.ReadString(); err != nil {
				return Record{}, err
			}
			continue
		case tagRecordPayload:
			if r.Payload, err = d.ReadBytes(); err != nil {
				return Record{}, err
			}
			continue
		default:
			if err := d.SkipUnknown("procedure record", tag); err != nil {
				return Record{}, err
			}
			continue
		}
		switch tag {
		case tagRecordID:
			r.ID = v
		case tagRecordType:
			r.Type = Type(v)
		case tagRecordStep:
			r.Step = uint32(v)
		case tagRecordStatus:
			if v > uint64(StatusFailed) {
				return Record{}, base.CorruptionErrorf("proclog: invalid status %d", errors.Safe(v))
			}
			r.Status = Status(v)
		case tagRecordNonceGroup:
			r.NonceGroup = v
		case tagRecordNonce:
			r.Nonce = v
		case tagRecordRollback:
			r.RollingBack = v != 0
		}
	}
}
