// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package procedure implements the master's procedure executor: it runs
// durable, multi-step state machines, persisting each step to the procedure
// log before moving on, and resumes them from their last persisted step
// after a restart.
//
// A procedure is executed by one worker at a time. A step either finishes
// synchronously (More or Done) or suspends the procedure until an
// asynchronous call completes, an external event wakes it, or a timeout
// expires; a suspended procedure does not occupy a worker.
//
// Failures are classified by the point of no return of the procedure.
// Before it, a veto (ErrVetoed) or exhausted retries roll the procedure back.
// After it, transient failures are retried forever with backoff, and
// permanent ones (ErrPermanent, corruption) stall the procedure until an
// operator resumes it.
package procedure

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/regions/proclog"
)

var (
	// ErrVetoed marks a rejection by an observer before the point of no
	// return. It rolls the procedure back without retrying.
	ErrVetoed = errors.New("procedure vetoed")
	// ErrPermanent marks a failure that retrying cannot fix. Before the
	// point of no return it rolls the procedure back, after it the
	// procedure stalls until resumed.
	ErrPermanent = errors.New("permanent procedure failure")
	// ErrProcedureNotFound is returned for an unknown procedure id.
	ErrProcedureNotFound = errors.New("procedure not found")
)

// Flow tells the executor what to do after a step.
type Flow int

const (
	// More means the procedure moved to a new step: the executor persists
	// it and runs the procedure again.
	More Flow = iota
	// Suspend parks the procedure until it is woken up, one of its calls
	// completes, or its suspend timeout expires. The procedure's state is
	// persisted if its step changed.
	Suspend
	// Done means the procedure completed successfully.
	Done
)

// Procedure is a persisted state machine. Every step must be idempotent:
// after a crash the step that was current when the record was last
// persisted runs again.
type Procedure interface {
	Type() proclog.Type
	// Step returns the current step, persisted in the procedure record.
	Step() uint32
	// PastPointOfNoReturn returns true once the procedure can no longer be
	// rolled back.
	PastPointOfNoReturn() bool
	// Execute runs the current step.
	Execute(ctx context.Context, pc *Context) (Flow, error)
	// Rollback undoes the effects of the steps executed so far. It is only
	// called before the point of no return and must be idempotent.
	Rollback(ctx context.Context, pc *Context) error
	// Payload encodes the procedure specific state.
	Payload() []byte
	// Done is called once the procedure reached a terminal status, with
	// the error it failed with, or nil.
	Done(ctx context.Context, err error)
	redact.SafeFormatter
}

// Factory rebuilds a procedure from its persisted record during recovery.
type Factory func(ctx context.Context, rec proclog.Record) (Procedure, error)

// Status is the externally visible status of a procedure.
type Status int

// The Status enumeration.
const (
	Pending Status = iota
	Success
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result is the status of a procedure as reported to clients.
type Result struct {
	ID     uint64
	Type   proclog.Type
	Status Status
	// Err is the reason of a failure, or the last error of a pending
	// procedure.
	Err error
	// Stalled is set on a pending procedure that needs operator
	// attention.
	Stalled bool
	Step    uint32
}

// SafeFormat implements redact.SafeFormatter.
func (r Result) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("proc %d %s %s step=%d", redact.Safe(r.ID), r.Type,
		redact.SafeString(r.Status.String()), redact.Safe(r.Step))
	if r.Stalled {
		w.Printf(" stalled")
	}
	if r.Err != nil {
		w.Printf(": %v", r.Err)
	}
}

func (r Result) String() string {
	return redact.StringWithoutMarkers(r)
}
