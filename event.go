// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regions

import (
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/regions/catalog"
	"github.com/cockroachdb/regions/janitor"
	"github.com/cockroachdb/regions/procedure"
	"github.com/cockroachdb/regions/proclog"
	"github.com/cockroachdb/regions/split"
)

// SplitInfo exports the split.Info type.
type SplitInfo = split.Info

// StallInfo exports the procedure.StallInfo type.
type StallInfo = procedure.StallInfo

// RecoverInfo exports the procedure.RecoverInfo type.
type RecoverInfo = procedure.RecoverInfo

// CollectInfo exports the janitor.CollectInfo type.
type CollectInfo = janitor.CollectInfo

// ProcLogCreateInfo exports the proclog.CreateInfo type.
type ProcLogCreateInfo = proclog.CreateInfo

// ProcLogDeleteInfo exports the proclog.DeleteInfo type.
type ProcLogDeleteInfo = proclog.DeleteInfo

// InconsistencyInfo lists the partition problems found by a janitor scan.
type InconsistencyInfo struct {
	Problems []catalog.Problem
}

// SafeFormat implements redact.SafeFormatter.
func (i InconsistencyInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%d partition problems", redact.Safe(len(i.Problems)))
	for _, p := range i.Problems {
		w.Printf("\n  %s", p.String())
	}
}

func (i InconsistencyInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// EventListener contains a set of functions that will be invoked when various
// significant master events occur. Note that the functions should not run
// for an excessive amount of time as they are invoked synchronously by the
// master and may block continued master work. For a similar reason it is
// advisable to not perform any synchronous calls back into the master.
type EventListener struct {
	// BackgroundError is invoked whenever an error occurs during a
	// background operation such as a janitor scan.
	BackgroundError func(error)

	// SplitBegin is invoked when a split marked its parent SPLITTING.
	SplitBegin func(SplitInfo)

	// SplitEnd is invoked after both daughters of a split were opened.
	SplitEnd func(SplitInfo)

	// SplitRolledBack is invoked after a split was undone before its point
	// of no return, or failed validation after it was persisted.
	SplitRolledBack func(SplitInfo)

	// ProcedureStalled is invoked when a procedure past its point of no
	// return keeps failing. It needs operator attention.
	ProcedureStalled func(StallInfo)

	// ProcedureRecovered is invoked for every procedure resumed from the
	// procedure log when the master opens.
	ProcedureRecovered func(RecoverInfo)

	// ParentCollected is invoked after the janitor removed a split parent.
	ParentCollected func(CollectInfo)

	// PartitionInconsistent is invoked when a janitor scan finds holes or
	// overlaps in the key space of a table.
	PartitionInconsistent func(InconsistencyInfo)

	// ProcLogCreated is invoked after a procedure log file was created.
	ProcLogCreated func(ProcLogCreateInfo)

	// ProcLogDeleted is invoked after an obsolete procedure log file was
	// deleted.
	ProcLogDeleted func(ProcLogDeleteInfo)
}

// EnsureDefaults ensures that background error events are logged to the
// specified logger if a handler for those events hasn't been otherwise
// specified. Ensure all handlers are non-nil so that we don't have to check
// for nil-ness before invoking.
func (l *EventListener) EnsureDefaults(logger Logger) {
	if l.BackgroundError == nil {
		if logger != nil {
			l.BackgroundError = func(err error) {
				logger.Errorf("background error: %s", err)
			}
		} else {
			l.BackgroundError = func(error) {}
		}
	}
	if l.SplitBegin == nil {
		l.SplitBegin = func(info SplitInfo) {}
	}
	if l.SplitEnd == nil {
		l.SplitEnd = func(info SplitInfo) {}
	}
	if l.SplitRolledBack == nil {
		l.SplitRolledBack = func(info SplitInfo) {}
	}
	if l.ProcedureStalled == nil {
		l.ProcedureStalled = func(info StallInfo) {}
	}
	if l.ProcedureRecovered == nil {
		l.ProcedureRecovered = func(info RecoverInfo) {}
	}
	if l.ParentCollected == nil {
		l.ParentCollected = func(info CollectInfo) {}
	}
	if l.PartitionInconsistent == nil {
		l.PartitionInconsistent = func(info InconsistencyInfo) {}
	}
	if l.ProcLogCreated == nil {
		l.ProcLogCreated = func(info ProcLogCreateInfo) {}
	}
	if l.ProcLogDeleted == nil {
		l.ProcLogDeleted = func(info ProcLogDeleteInfo) {}
	}
}

// MakeLoggingEventListener creates an EventListener that logs all events to
// the specified logger.
func MakeLoggingEventListener(logger Logger) EventListener {
	if logger == nil {
		logger = DefaultLogger
	}

	return EventListener{
		BackgroundError: func(err error) {
			logger.Errorf("background error: %s", err)
		},
		SplitBegin: func(info SplitInfo) {
			logger.Infof("%s", info)
		},
		SplitEnd: func(info SplitInfo) {
			logger.Infof("%s", info)
		},
		SplitRolledBack: func(info SplitInfo) {
			logger.Infof("rolled back %s", info)
		},
		ProcedureStalled: func(info StallInfo) {
			logger.Errorf("%s", info)
		},
		ProcedureRecovered: func(info RecoverInfo) {
			logger.Infof("%s", info)
		},
		ParentCollected: func(info CollectInfo) {
			logger.Infof("%s", info)
		},
		PartitionInconsistent: func(info InconsistencyInfo) {
			logger.Errorf("%s", info)
		},
		ProcLogCreated: func(info ProcLogCreateInfo) {
			logger.Infof("%s", info)
		},
		ProcLogDeleted: func(info ProcLogDeleteInfo) {
			logger.Infof("%s", info)
		},
	}
}

// TeeEventListener wraps two EventListeners, forwarding all events to both.
func TeeEventListener(a, b EventListener) EventListener {
	a.EnsureDefaults(nil)
	b.EnsureDefaults(nil)
	return EventListener{
		BackgroundError: func(err error) {
			a.BackgroundError(err)
			b.BackgroundError(err)
		},
		SplitBegin: func(info SplitInfo) {
			a.SplitBegin(info)
			b.SplitBegin(info)
		},
		SplitEnd: func(info SplitInfo) {
			a.SplitEnd(info)
			b.SplitEnd(info)
		},
		SplitRolledBack: func(info SplitInfo) {
			a.SplitRolledBack(info)
			b.SplitRolledBack(info)
		},
		ProcedureStalled: func(info StallInfo) {
			a.ProcedureStalled(info)
			b.ProcedureStalled(info)
		},
		ProcedureRecovered: func(info RecoverInfo) {
			a.ProcedureRecovered(info)
			b.ProcedureRecovered(info)
		},
		ParentCollected: func(info CollectInfo) {
			a.ParentCollected(info)
			b.ParentCollected(info)
		},
		PartitionInconsistent: func(info InconsistencyInfo) {
			a.PartitionInconsistent(info)
			b.PartitionInconsistent(info)
		},
		ProcLogCreated: func(info ProcLogCreateInfo) {
			a.ProcLogCreated(info)
			b.ProcLogCreated(info)
		},
		ProcLogDeleted: func(info ProcLogDeleteInfo) {
			a.ProcLogDeleted(info)
			b.ProcLogDeleted(info)
		},
	}
}
