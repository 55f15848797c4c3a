// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package split implements the split procedure: the durable state machine
// that replaces an OPEN region by two daughters covering its key range.
//
//	SET_SPLITTING -> PRE_PONR_HOOK -> | CLOSE_PARENT -> CREATE_REFERENCE_FILES
//	  -> UPDATE_META_DAUGHTERS -> OPEN_DAUGHTERS -> POST_PONR_HOOK -> DONE
//
// Validation runs synchronously when the procedure is submitted. Up to the
// point of no return, marked by the bar, a failure rolls the parent back to
// OPEN; nothing outside the state table has been touched by then. Past it the
// procedure only moves forward.
package split

import (
	"context"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/regions/assignment"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/procedure"
	"github.com/cockroachdb/regions/proclog"
	"github.com/cockroachdb/regions/regionpb"
)

// Step is a persisted step of the split procedure.
type Step uint32

// The Step enumeration, in execution order.
const (
	StepPrepare Step = iota
	StepSetSplitting
	StepPrePONRHook
	StepCloseParent
	StepCreateReferenceFiles
	StepUpdateMetaDaughters
	StepOpenDaughters
	StepPostPONRHook
	StepDone
	numSteps
)

var stepStrings = [...]string{
	StepPrepare:              "PREPARE",
	StepSetSplitting:         "SET_SPLITTING",
	StepPrePONRHook:          "PRE_PONR_HOOK",
	StepCloseParent:          "CLOSE_PARENT",
	StepCreateReferenceFiles: "CREATE_REFERENCE_FILES",
	StepUpdateMetaDaughters:  "UPDATE_META_DAUGHTERS",
	StepOpenDaughters:        "OPEN_DAUGHTERS",
	StepPostPONRHook:         "POST_PONR_HOOK",
	StepDone:                 "DONE",
}

func (s Step) String() string {
	if s >= numSteps {
		return "UNKNOWN"
	}
	return stepStrings[s]
}

// SafeFormat implements redact.SafeFormatter.
func (s Step) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(s.String()))
}

// PastPointOfNoReturn returns true for the steps that can no longer be
// rolled back.
func (s Step) PastPointOfNoReturn() bool {
	return s >= StepCloseParent
}

// Keys of the asynchronous calls of the procedure.
const (
	callCloseParent = "close-parent"
	callSplitFiles  = "split-files"
)

// Procedure is a split of one region.
type Procedure struct {
	env  *Env
	id   uint64
	step Step
	payload
	opener  assignment.Opener
	started crtime.Mono
}

var _ procedure.Procedure = (*Procedure)(nil)

// New validates a split of the named region at splitKey and attaches the
// procedure to the parent. Validation failures are returned without side
// effects. A nil splitKey is invalid; callers resolve the best split key
// first.
func New(ctx context.Context, env *Env, id uint64, name string, splitKey []byte) (*Procedure, error) {
	row, err := env.States.Row(name)
	if err != nil {
		return nil, err
	}
	parent := row.Info
	if parent.ReplicaID != regionpb.DefaultReplicaID {
		return nil, errors.Wrapf(regionpb.ErrNotDefaultReplica, "region %s replica %d",
			errors.Safe(name), errors.Safe(parent.ReplicaID))
	}
	switch row.State {
	case regionpb.StateOpen:
	case regionpb.StateSplit:
		return nil, errors.Wrapf(regionpb.ErrPermanentState, "region %s is %s", errors.Safe(name), row.State)
	default:
		return nil, errors.Wrapf(regionpb.ErrRegionNotOpen, "region %s is %s", errors.Safe(name), row.State)
	}
	if env.States.IsInTransition(name) {
		return nil, errors.Wrapf(regionpb.ErrRegionInTransition, "region %s", errors.Safe(name))
	}
	if !parent.IsSplitKeyValid(splitKey) {
		return nil, errors.Wrapf(regionpb.ErrInvalidSplitKey, "split key %q outside of %s", splitKey, parent)
	}
	if ok, err := env.Files.HasReferences(&parent); err != nil {
		return nil, err
	} else if ok {
		return nil, errors.Wrapf(regionpb.ErrRegionHasReferences, "region %s", errors.Safe(name))
	}
	if err := env.States.Attach(name, id); err != nil {
		return nil, err
	}
	p := &Procedure{
		env:     env,
		id:      id,
		step:    StepSetSplitting,
		started: crtime.NowMono(),
	}
	p.parent = parent
	p.splitKey = append([]byte(nil), splitKey...)
	p.server = row.Server
	p.daughters[0], p.daughters[1] = regionpb.Daughters(&parent, splitKey, env.Now().UnixMilli())
	return p, nil
}

// Recover rebuilds a split procedure from its record and attaches it to its
// regions again.
func Recover(env *Env, rec proclog.Record) (*Procedure, error) {
	pl, err := decodePayload(rec.Payload)
	if err != nil {
		return nil, err
	}
	p := &Procedure{
		env:     env,
		id:      rec.ID,
		step:    Step(rec.Step),
		payload: pl,
		started: crtime.NowMono(),
	}
	if p.step >= numSteps {
		return nil, base.CorruptionErrorf("split: proc %d has unknown step %d", errors.Safe(rec.ID), errors.Safe(rec.Step))
	}
	if err := p.attach(); err != nil {
		return nil, err
	}
	return p, nil
}

// Resume returns a procedure that finishes a committed split whose
// procedure was lost: it starts at OPEN_DAUGHTERS.
func Resume(env *Env, id uint64, parent regionpb.CatalogRow, daughters [2]regionpb.RegionInfo) (*Procedure, error) {
	p := &Procedure{
		env:     env,
		id:      id,
		step:    StepOpenDaughters,
		started: crtime.NowMono(),
	}
	p.parent = parent.Info
	p.splitKey = append([]byte(nil), daughters[1].StartKey...)
	p.daughters = daughters
	p.server = parent.Server
	if err := p.attach(); err != nil {
		return nil, err
	}
	return p, nil
}

// attach attaches the procedure to the regions it owns at its current step.
// A SPLIT parent cannot be attached to and needs not be.
func (p *Procedure) attach() error {
	if p.step >= StepDone {
		return nil
	}
	if err := p.env.States.Attach(p.parent.EncodedName(), p.id); err != nil &&
		!errors.Is(err, regionpb.ErrPermanentState) {
		return err
	}
	if p.step >= StepOpenDaughters {
		for i := range p.daughters {
			if err := p.env.States.Attach(p.daughters[i].EncodedName(), p.id); err != nil &&
				!errors.Is(err, regionpb.ErrRegionInTransition) {
				return err
			}
		}
	}
	return nil
}

// ID returns the id of the procedure.
func (p *Procedure) ID() uint64 { return p.id }

// Parent returns the region being split.
func (p *Procedure) Parent() regionpb.RegionInfo { return p.parent }

// Daughters returns the daughters of the split.
func (p *Procedure) Daughters() [2]regionpb.RegionInfo { return p.daughters }

// SplitKey returns the split key.
func (p *Procedure) SplitKey() []byte { return p.splitKey }

// Type implements procedure.Procedure.
func (p *Procedure) Type() proclog.Type { return proclog.TypeSplit }

// Step implements procedure.Procedure.
func (p *Procedure) Step() uint32 { return uint32(p.step) }

// PastPointOfNoReturn implements procedure.Procedure.
func (p *Procedure) PastPointOfNoReturn() bool { return p.step.PastPointOfNoReturn() }

// Payload implements procedure.Procedure.
func (p *Procedure) Payload() []byte { return p.payload.encode() }

// SafeFormat implements redact.SafeFormatter.
func (p *Procedure) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("split %s at %q step=%s", redact.SafeString(p.parent.EncodedName()), p.splitKey, p.step)
}

func (p *Procedure) info() Info {
	return Info{
		ProcID:     p.id,
		Parent:     p.parent,
		SplitKey:   p.splitKey,
		Daughters:  p.daughters,
		References: p.references,
		Duration:   p.started.Elapsed(),
	}
}

func (p *Procedure) splitContext() *SplitContext {
	parent, a, b := p.parent.EncodedName(), p.daughters[0].EncodedName(), p.daughters[1].EncodedName()
	return &SplitContext{
		ProcID:    p.id,
		Parent:    p.parent,
		SplitKey:  p.splitKey,
		Daughters: p.daughters,
		Rows: [3]regionpb.CatalogRow{
			{Info: p.parent, State: regionpb.StateSplit, Server: p.server, SplitDaughters: [2]string{a, b}},
			{Info: p.daughters[0], State: regionpb.StateSplittingNew, SplitParent: parent},
			{Info: p.daughters[1], State: regionpb.StateSplittingNew, SplitParent: parent},
		},
	}
}

// Execute implements procedure.Procedure.
func (p *Procedure) Execute(ctx context.Context, pc *procedure.Context) (procedure.Flow, error) {
	switch p.step {
	case StepSetSplitting:
		return p.setSplitting(ctx)
	case StepPrePONRHook:
		if err := p.env.Observers.BeforePointOfNoReturn(ctx, p.splitContext()); err != nil {
			return procedure.Suspend, err
		}
		p.step = StepCloseParent
		return procedure.More, nil
	case StepCloseParent:
		return p.closeParent(ctx, pc)
	case StepCreateReferenceFiles:
		return p.createReferenceFiles(ctx, pc)
	case StepUpdateMetaDaughters:
		if err := p.env.States.CommitSplit(ctx, p.parent.EncodedName(), p.daughters[0], p.daughters[1]); err != nil {
			return procedure.Suspend, err
		}
		p.step = StepOpenDaughters
		if err := p.attach(); err != nil {
			return procedure.Suspend, err
		}
		return procedure.More, nil
	case StepOpenDaughters:
		return p.openDaughters(ctx, pc)
	case StepPostPONRHook:
		p.env.Observers.AfterCommit(ctx, p.splitContext())
		p.step = StepDone
		return procedure.Done, nil
	case StepDone:
		return procedure.Done, nil
	}
	return procedure.Suspend, errors.Mark(
		errors.AssertionFailedf("split: unexpected step %s", p.step), procedure.ErrPermanent)
}

func (p *Procedure) setSplitting(ctx context.Context) (procedure.Flow, error) {
	name := p.parent.EncodedName()
	st, err := p.env.States.Get(name)
	if err != nil {
		return procedure.Suspend, err
	}
	switch st.State {
	case regionpb.StateSplitting:
	case regionpb.StateOpen:
		if err := p.env.States.Transition(ctx, name, st.State, regionpb.StateSplitting, st.Server); err != nil {
			if errors.IsAny(err, regionpb.ErrTransitionConflict, regionpb.ErrPermanentState) {
				err = errors.Mark(err, procedure.ErrPermanent)
			}
			return procedure.Suspend, err
		}
	default:
		return procedure.Suspend, errors.Mark(errors.Wrapf(regionpb.ErrRegionNotOpen,
			"region %s is %s", errors.Safe(name), st.State), procedure.ErrPermanent)
	}
	p.server = st.Server
	p.env.Events.Begin(p.info())
	p.step = StepPrePONRHook
	return procedure.More, nil
}

func (p *Procedure) closeParent(ctx context.Context, pc *procedure.Context) (procedure.Flow, error) {
	srv, err := p.env.Cluster.Server(p.server)
	if err != nil {
		// The server is gone along with whatever it had not flushed; the
		// files on shared storage are all there is.
		files, err := p.env.Files.CommittedFiles(&p.parent)
		if err != nil {
			return procedure.Suspend, err
		}
		base.WithTags(ctx, p.env.Logger).Infof("split %s: server %s is unavailable, using %d stored files",
			p.parent.EncodedName(), p.server, files.Count())
		p.files = files
		p.step = StepCreateReferenceFiles
		return procedure.More, nil
	}
	v, done, err := pc.Call(callCloseParent, func(ctx context.Context) (interface{}, error) {
		return srv.CloseForSplit(ctx, p.parent)
	})
	if !done {
		return procedure.Suspend, nil
	}
	if err != nil {
		return procedure.Suspend, errors.Wrapf(err, "closing %s on %s", errors.Safe(p.parent.EncodedName()), p.server)
	}
	p.files = v.(regionpb.CommittedFiles)
	p.step = StepCreateReferenceFiles
	return procedure.More, nil
}

func (p *Procedure) createReferenceFiles(ctx context.Context, pc *procedure.Context) (procedure.Flow, error) {
	policy := p.env.Policy(p.parent.Table)
	req := regionpb.SplitFilesRequest{
		Parent:    p.parent,
		Daughters: p.daughters,
		SplitKey:  p.splitKey,
		Files:     p.files,
		Policy:    policy.Name(),
	}
	var resp regionpb.SplitFilesResponse
	if srv, err := p.env.Cluster.Server(p.server); err != nil {
		if resp, err = p.env.Files.SplitRegionFiles(ctx, req, policy); err != nil {
			return procedure.Suspend, err
		}
	} else {
		v, done, err := pc.Call(callSplitFiles, func(ctx context.Context) (interface{}, error) {
			return srv.SplitStoreFiles(ctx, req)
		})
		if !done {
			return procedure.Suspend, nil
		}
		if err != nil {
			return procedure.Suspend, errors.Wrapf(err, "splitting files of %s on %s",
				errors.Safe(p.parent.EncodedName()), p.server)
		}
		resp = v.(regionpb.SplitFilesResponse)
	}
	p.references = resp.References
	p.env.Metrics.References.Add(float64(resp.References[0] + resp.References[1]))
	base.WithTags(ctx, p.env.Logger).Infof("split %s: %d files, references %d/%d",
		p.parent.EncodedName(), p.files.Count(), resp.References[0], resp.References[1])
	p.step = StepUpdateMetaDaughters
	return procedure.More, nil
}

func (p *Procedure) openDaughters(ctx context.Context, pc *procedure.Context) (procedure.Flow, error) {
	open := 0
	var firstErr error
	for i := range p.daughters {
		name := p.daughters[i].EncodedName()
		if owner := p.env.States.ProcOf(name); owner != p.id {
			if owner != 0 {
				// Another procedure drives this daughter; wait for it.
				if st, err := p.env.States.Get(name); err == nil && st.State == regionpb.StateOpen {
					open++
				}
				continue
			}
			if err := p.env.States.Attach(name, p.id); err != nil {
				return procedure.Suspend, err
			}
		}
		ok, err := p.opener.Open(ctx, pc, &p.env.Env, p.daughters[i], p.server)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ok {
			open++
		}
	}
	if firstErr != nil {
		return procedure.Suspend, firstErr
	}
	if open < len(p.daughters) {
		return procedure.Suspend, nil
	}
	p.step = StepPostPONRHook
	return procedure.More, nil
}

// Rollback implements procedure.Procedure.
func (p *Procedure) Rollback(ctx context.Context, pc *procedure.Context) error {
	if p.step.PastPointOfNoReturn() {
		return errors.AssertionFailedf("split: rollback at step %s", p.step)
	}
	return p.env.States.RollbackSplit(ctx, p.parent.EncodedName())
}

// Done implements procedure.Procedure.
func (p *Procedure) Done(ctx context.Context, err error) {
	p.env.States.Detach(p.parent.EncodedName(), p.id)
	for i := range p.daughters {
		p.env.States.Detach(p.daughters[i].EncodedName(), p.id)
	}
	info := p.info()
	if err != nil {
		info.Err = err
		p.env.Metrics.Splits.WithLabelValues("rolled_back").Inc()
		p.env.Events.RolledBack(info)
		return
	}
	p.env.Metrics.Splits.WithLabelValues("success").Inc()
	p.env.Metrics.Duration.Observe(info.Duration.Seconds())
	p.env.Events.End(info)
}

// Factory returns the recovery factory of split procedures.
func Factory(env *Env) procedure.Factory {
	return func(ctx context.Context, rec proclog.Record) (procedure.Procedure, error) {
		return Recover(env, rec)
	}
}
