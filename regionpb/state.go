// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regionpb

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// State is the lifecycle state of a region.
type State uint8

// The State enumeration.
const (
	StateOffline State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
	// StateSplitting marks a parent mid-split. The parent keeps serving
	// until it is closed, but no other structural operation may start.
	StateSplitting
	// StateSplittingNew marks a daughter whose catalog row exists but which
	// has not been opened yet.
	StateSplittingNew
	// StateSplit is terminal. A split parent is never assigned, opened or
	// transitioned again.
	StateSplit
	StateFailedOpen
	numStates
)

var stateStrings = [...]string{
	StateOffline:      "OFFLINE",
	StateOpening:      "OPENING",
	StateOpen:         "OPEN",
	StateClosing:      "CLOSING",
	StateClosed:       "CLOSED",
	StateSplitting:    "SPLITTING",
	StateSplittingNew: "SPLITTING_NEW",
	StateSplit:        "SPLIT",
	StateFailedOpen:   "FAILED_OPEN",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s >= numStates {
		return "UNKNOWN"
	}
	return stateStrings[s]
}

// SafeFormat implements redact.SafeFormatter.
func (s State) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(s.String()))
}

// ParseState parses the String form of a state.
func ParseState(s string) (State, error) {
	for i, str := range stateStrings {
		if str == s {
			return State(i), nil
		}
	}
	return 0, errors.Newf("regionpb: unknown state %q", s)
}

// IsOnline returns true for the states whose rows take part in the key space
// partition of a table.
func (s State) IsOnline() bool {
	return s == StateOpen || s == StateOpening || s == StateSplitting ||
		s == StateClosing
}

// validTransitions lists, for every state, the states it may move to. The
// state table rejects any other transition as a conflict. OPEN and CLOSING
// regions may drop to OFFLINE when their server is expired.
var validTransitions = [numStates][]State{
	StateOffline:      {StateOpening},
	StateOpening:      {StateOpen, StateFailedOpen, StateOffline},
	StateOpen:         {StateClosing, StateSplitting, StateOffline},
	StateClosing:      {StateClosed, StateOpen, StateOffline},
	StateClosed:       {StateOffline, StateOpening},
	StateSplitting:    {StateOpen, StateSplit},
	StateSplittingNew: {StateOpening},
	StateSplit:        nil,
	StateFailedOpen:   {StateOpening, StateOffline},
}

// CanTransition returns true if from may move to to.
func CanTransition(from, to State) bool {
	if from >= numStates {
		return false
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
