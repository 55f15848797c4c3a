// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package assignment

import (
	"bytes"
	"context"
	"io"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/internal/wire"
	"github.com/cockroachdb/regions/procedure"
	"github.com/cockroachdb/regions/proclog"
	"github.com/cockroachdb/regions/regionpb"
)

// Steps of the assign procedure.
const (
	assignOpen uint32 = iota + 1
	assignDone
)

// Steps of the unassign procedure.
const (
	unassignClose uint32 = iota + 1
	unassignWaitClosed
	unassignDone
)

// Tags for the payloads of both procedures.
const (
	tagRegion    = 2
	tagPreferred = 3
)

// AssignProcedure opens a region on a live server. It has no rollback: once
// submitted it retries until the region is open.
type AssignProcedure struct {
	env       *Env
	id        uint64
	step      uint32
	region    regionpb.RegionInfo
	preferred string
	opener    Opener
}

var _ procedure.Procedure = (*AssignProcedure)(nil)

// NewAssign validates an assignment of the named region and attaches the
// procedure to it. SPLIT regions are rejected with regionpb.ErrPermanentState
// and regions that are open, or owned by another procedure, are rejected
// without any side effect.
func NewAssign(
	ctx context.Context, env *Env, id uint64, name string, preferred string,
) (*AssignProcedure, error) {
	row, err := env.States.Row(name)
	if err != nil {
		return nil, err
	}
	switch row.State {
	case regionpb.StateSplit:
		return nil, errors.Wrapf(regionpb.ErrPermanentState, "region %s is %s", errors.Safe(name), row.State)
	case regionpb.StateOffline, regionpb.StateClosed, regionpb.StateFailedOpen, regionpb.StateOpening,
		regionpb.StateSplittingNew:
	case regionpb.StateOpen:
		if _, err := env.Cluster.Server(row.Server); err == nil {
			return nil, errors.Wrapf(regionpb.ErrTransitionConflict,
				"region %s is already open on %s", errors.Safe(name), row.Server)
		}
	default:
		return nil, errors.Wrapf(regionpb.ErrTransitionConflict,
			"cannot assign region %s: it is %s", errors.Safe(name), row.State)
	}
	if err := env.States.Attach(name, id); err != nil {
		return nil, err
	}
	return &AssignProcedure{env: env, id: id, step: assignOpen, region: row.Info, preferred: preferred}, nil
}

// RecoverAssign rebuilds an assign procedure from its record.
func RecoverAssign(env *Env, rec proclog.Record) (*AssignProcedure, error) {
	region, preferred, err := decodePayload(rec.Payload)
	if err != nil {
		return nil, err
	}
	p := &AssignProcedure{env: env, id: rec.ID, step: rec.Step, region: region, preferred: preferred}
	if p.step < assignDone {
		if err := env.States.Attach(region.EncodedName(), rec.ID); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Type implements procedure.Procedure.
func (p *AssignProcedure) Type() proclog.Type { return proclog.TypeAssign }

// Step implements procedure.Procedure.
func (p *AssignProcedure) Step() uint32 { return p.step }

// PastPointOfNoReturn implements procedure.Procedure.
func (p *AssignProcedure) PastPointOfNoReturn() bool { return true }

// Region returns the region being assigned.
func (p *AssignProcedure) Region() regionpb.RegionInfo { return p.region }

// Execute implements procedure.Procedure.
func (p *AssignProcedure) Execute(ctx context.Context, pc *procedure.Context) (procedure.Flow, error) {
	switch p.step {
	case assignOpen:
		open, err := p.opener.Open(ctx, pc, p.env, p.region, p.preferred)
		if err != nil || !open {
			return procedure.Suspend, err
		}
		p.step = assignDone
		return procedure.Done, nil
	case assignDone:
		return procedure.Done, nil
	}
	return procedure.Suspend, errors.Mark(
		errors.AssertionFailedf("assign: unknown step %d", p.step), procedure.ErrPermanent)
}

// Rollback implements procedure.Procedure.
func (p *AssignProcedure) Rollback(context.Context, *procedure.Context) error { return nil }

// Payload implements procedure.Procedure.
func (p *AssignProcedure) Payload() []byte {
	return encodePayload(&p.region, p.preferred)
}

// Done implements procedure.Procedure.
func (p *AssignProcedure) Done(ctx context.Context, err error) {
	p.env.States.Detach(p.region.EncodedName(), p.id)
	if err != nil {
		base.WithTags(ctx, p.env.Logger).Errorf("assign %s failed: %v", p.region.EncodedName(), err)
	}
}

// SafeFormat implements redact.SafeFormatter.
func (p *AssignProcedure) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("assign %s step=%d", redact.SafeString(p.region.EncodedName()), redact.Safe(p.step))
}

// UnassignProcedure closes a region on its server and leaves it CLOSED. A
// region whose server dies while closing ends up OFFLINE.
type UnassignProcedure struct {
	env    *Env
	id     uint64
	step   uint32
	region regionpb.RegionInfo
	sent   crtime.Mono
}

var _ procedure.Procedure = (*UnassignProcedure)(nil)

// NewUnassign validates the unassignment of the named region, which must be
// OPEN, and attaches the procedure to it.
func NewUnassign(ctx context.Context, env *Env, id uint64, name string) (*UnassignProcedure, error) {
	row, err := env.States.Row(name)
	if err != nil {
		return nil, err
	}
	switch row.State {
	case regionpb.StateOpen:
	case regionpb.StateSplit:
		return nil, errors.Wrapf(regionpb.ErrPermanentState, "region %s is %s", errors.Safe(name), row.State)
	default:
		return nil, errors.Wrapf(regionpb.ErrRegionNotOpen, "region %s is %s", errors.Safe(name), row.State)
	}
	if err := env.States.Attach(name, id); err != nil {
		return nil, err
	}
	return &UnassignProcedure{env: env, id: id, step: unassignClose, region: row.Info}, nil
}

// RecoverUnassign rebuilds an unassign procedure from its record.
func RecoverUnassign(env *Env, rec proclog.Record) (*UnassignProcedure, error) {
	region, _, err := decodePayload(rec.Payload)
	if err != nil {
		return nil, err
	}
	p := &UnassignProcedure{env: env, id: rec.ID, step: rec.Step, region: region}
	if p.step < unassignDone {
		if err := env.States.Attach(region.EncodedName(), rec.ID); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Type implements procedure.Procedure.
func (p *UnassignProcedure) Type() proclog.Type { return proclog.TypeUnassign }

// Step implements procedure.Procedure.
func (p *UnassignProcedure) Step() uint32 { return p.step }

// PastPointOfNoReturn implements procedure.Procedure.
func (p *UnassignProcedure) PastPointOfNoReturn() bool { return true }

// Execute implements procedure.Procedure.
func (p *UnassignProcedure) Execute(ctx context.Context, pc *procedure.Context) (procedure.Flow, error) {
	name := p.region.EncodedName()
	switch p.step {
	case unassignClose:
		st, err := p.env.States.Get(name)
		if err != nil {
			return procedure.Suspend, err
		}
		if st.State == regionpb.StateOpen {
			if err := p.env.States.Transition(ctx, name, st.State, regionpb.StateClosing, st.Server); err != nil {
				return procedure.Suspend, err
			}
		}
		p.step = unassignWaitClosed
		return procedure.More, nil

	case unassignWaitClosed:
		for i := 0; i < maxStateChanges; i++ {
			st, err := p.env.States.Get(name)
			if err != nil {
				return procedure.Suspend, err
			}
			switch st.State {
			case regionpb.StateClosed, regionpb.StateOffline:
				pc.Forget("close")
				p.step = unassignDone
				return procedure.Done, nil
			case regionpb.StateClosing:
			default:
				return procedure.Suspend, errors.Mark(errors.Wrapf(regionpb.ErrTransitionConflict,
					"region %s is %s while closing", errors.Safe(name), st.State), procedure.ErrPermanent)
			}
			srv, err := p.env.Cluster.Server(st.Server)
			if err != nil {
				if err := p.env.States.Transition(ctx, name, st.State, regionpb.StateOffline, ""); err != nil {
					return procedure.Suspend, err
				}
				continue
			}
			if p.sent != 0 {
				if elapsed := p.sent.Elapsed(); elapsed < p.env.RedriveAfter {
					pc.SuspendFor(p.env.RedriveAfter - elapsed)
					return procedure.Suspend, nil
				}
				p.sent = 0
			}
			_, done, err := pc.Call("close", func(ctx context.Context) (interface{}, error) {
				return nil, srv.CloseRegion(ctx, p.region)
			})
			if !done {
				return procedure.Suspend, nil
			}
			if err != nil {
				return procedure.Suspend, errors.Wrapf(err, "closing %s on %s", errors.Safe(name), srv.Name())
			}
			p.sent = crtime.NowMono()
			pc.SuspendFor(p.env.RedriveAfter)
			return procedure.Suspend, nil
		}
		return procedure.Suspend, errors.Newf("region %s changed state while closing", errors.Safe(name))

	case unassignDone:
		return procedure.Done, nil
	}
	return procedure.Suspend, errors.Mark(
		errors.AssertionFailedf("unassign: unknown step %d", p.step), procedure.ErrPermanent)
}

// Rollback implements procedure.Procedure.
func (p *UnassignProcedure) Rollback(context.Context, *procedure.Context) error { return nil }

// Payload implements procedure.Procedure.
func (p *UnassignProcedure) Payload() []byte {
	return encodePayload(&p.region, "")
}

// Done implements procedure.Procedure.
func (p *UnassignProcedure) Done(ctx context.Context, err error) {
	p.env.States.Detach(p.region.EncodedName(), p.id)
	if err != nil {
		base.WithTags(ctx, p.env.Logger).Errorf("unassign %s failed: %v", p.region.EncodedName(), err)
	}
}

// SafeFormat implements redact.SafeFormatter.
func (p *UnassignProcedure) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("unassign %s step=%d", redact.SafeString(p.region.EncodedName()), redact.Safe(p.step))
}

func encodePayload(region *regionpb.RegionInfo, preferred string) []byte {
	e := wire.NewEncoder()
	e.WriteUvarint(tagRegion)
	region.EncodeTo(e)
	if preferred != "" {
		e.WriteTagString(tagPreferred, preferred)
	}
	return e.Bytes()
}

func decodePayload(b []byte) (region regionpb.RegionInfo, preferred string, err error) {
	d := wire.NewDecoder(bytes.NewReader(b))
	sawRegion := false
	for {
		tag, err := d.ReadTag()
		if err == io.EOF {
			break
		}
		if err != nil {
			return region, "", err
		}
		switch tag {
		case tagRegion:
			if err := region.DecodeFrom(d); err != nil {
				return region, "", err
			}
			sawRegion = true
		case tagPreferred:
			if preferred, err = d.ReadString(); err != nil {
				return region, "", err
			}
		default:
			if err := d.SkipUnknown("assignment payload", tag); err != nil {
				return region, "", err
			}
		}
	}
	if !sawRegion {
		return region, "", base.CorruptionErrorf("assignment: payload without region")
	}
	return region, preferred, nil
}

// AssignFactory returns the recovery factory of assign procedures.
func AssignFactory(env *Env) procedure.Factory {
	return func(ctx context.Context, rec proclog.Record) (procedure.Procedure, error) {
		return RecoverAssign(env, rec)
	}
}

// UnassignFactory returns the recovery factory of unassign procedures.
func UnassignFactory(env *Env) procedure.Factory {
	return func(ctx context.Context, rec proclog.Record) (procedure.Procedure, error) {
		return RecoverUnassign(env, rec)
	}
}
