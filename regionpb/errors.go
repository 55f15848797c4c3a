// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regionpb

import "github.com/cockroachdb/errors"

var (
	// ErrRegionNotFound is returned when a region is unknown to the state
	// table or the catalog.
	ErrRegionNotFound = errors.New("region not found")
	// ErrRegionNotOpen is returned when an operation requires an OPEN region.
	ErrRegionNotOpen = errors.New("region not open")
	// ErrRegionInTransition is returned when a structural procedure is
	// already attached to the region. Such requests are rejected, not queued.
	ErrRegionInTransition = errors.New("region in transition")
	// ErrInvalidSplitKey is returned when the split key does not fall
	// strictly inside the region.
	ErrInvalidSplitKey = errors.New("invalid split key")
	// ErrPermanentState is returned for any attempt to move a SPLIT region.
	ErrPermanentState = errors.New("region is in a permanent state")
	// ErrTransitionConflict is returned by a compare-and-set transition
	// whose expected state does not match the current one.
	ErrTransitionConflict = errors.New("region state transition conflict")
	// ErrRegionHasReferences is returned when splitting a region that still
	// holds reference files into its own parent.
	ErrRegionHasReferences = errors.New("region has references")
	// ErrNotDefaultReplica is returned when splitting a secondary replica.
	// Only the default replica of a region can be split.
	ErrNotDefaultReplica = errors.New("region is not the default replica")
	// ErrServerNotFound is returned for an unknown region server.
	ErrServerNotFound = errors.New("server not found")
	// ErrServerDead is returned when the target region server has been
	// expired by the membership signal.
	ErrServerDead = errors.New("server dead")
)

// IsValidationError returns true for the errors that reject a request before
// it has any side effect.
func IsValidationError(err error) bool {
	return errors.IsAny(err, ErrRegionNotFound, ErrRegionNotOpen,
		ErrRegionInTransition, ErrInvalidSplitKey, ErrPermanentState,
		ErrRegionHasReferences, ErrNotDefaultReplica)
}
