// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package split

import (
	"time"

	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/regions/assignment"
	"github.com/cockroachdb/regions/regionfs"
	"github.com/cockroachdb/regions/regionpb"
	"github.com/prometheus/client_golang/prometheus"
)

// Env holds what split procedures need from the master.
type Env struct {
	assignment.Env
	// Files is the shared storage. The master splits store files itself
	// when the server hosting the parent is dead.
	Files     *regionfs.FileSystem
	Observers ObserverChain
	// Policy returns the split policy of a table.
	Policy  func(table string) regionfs.SplitPolicy
	Now     func() time.Time
	Events  Events
	Metrics *Metrics
}

// EnsureDefaults fills in default values for unset fields.
func (e *Env) EnsureDefaults() {
	e.Env.EnsureDefaults()
	if e.Policy == nil {
		e.Policy = func(string) regionfs.SplitPolicy { return regionfs.DefaultSplitPolicy }
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	if e.Events.Begin == nil {
		e.Events.Begin = func(Info) {}
	}
	if e.Events.End == nil {
		e.Events.End = func(Info) {}
	}
	if e.Events.RolledBack == nil {
		e.Events.RolledBack = func(Info) {}
	}
	if e.Metrics == nil {
		e.Metrics = NewMetrics()
	}
}

// Info describes a split to event listeners.
type Info struct {
	ProcID    uint64
	Parent    regionpb.RegionInfo
	SplitKey  []byte
	Daughters [2]regionpb.RegionInfo
	// References is the number of reference files created per daughter.
	// It is only known to the master that created them.
	References [2]int
	// Duration is measured from the submission, or from the recovery of
	// the procedure.
	Duration time.Duration
	// Err is the reason a split was rolled back.
	Err error
}

// SafeFormat implements redact.SafeFormatter.
func (i Info) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[proc %d] split %s at %q", redact.Safe(i.ProcID),
		redact.SafeString(i.Parent.EncodedName()), i.SplitKey)
	if i.Daughters[0].RegionID != 0 {
		w.Printf(" into %s, %s", redact.SafeString(i.Daughters[0].EncodedName()),
			redact.SafeString(i.Daughters[1].EncodedName()))
	}
	if i.References != [2]int{} {
		w.Printf(" refs=%d/%d", redact.Safe(i.References[0]), redact.Safe(i.References[1]))
	}
	if i.Duration != 0 {
		w.Printf(" in %.1fs", redact.Safe(i.Duration.Seconds()))
	}
	if i.Err != nil {
		w.Printf(": %v", i.Err)
	}
}

func (i Info) String() string {
	return redact.StringWithoutMarkers(i)
}

// Events are the callbacks of split procedures. Unset callbacks are no-ops
// once Env.EnsureDefaults has run.
type Events struct {
	// Begin is called when the parent is marked SPLITTING.
	Begin func(Info)
	// End is called when a split completed.
	End func(Info)
	// RolledBack is called when a split was undone before its point of no
	// return.
	RolledBack func(Info)
}

// Metrics holds the prometheus collectors of split procedures.
type Metrics struct {
	Splits     *prometheus.CounterVec
	Duration   prometheus.Histogram
	References prometheus.Counter
}

// NewMetrics returns a fresh set of collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		Splits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regions",
			Subsystem: "split",
			Name:      "finished_total",
			Help:      "Splits by outcome.",
		}, []string{"result"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "regions",
			Subsystem: "split",
			Name:      "duration_seconds",
			Help:      "Duration of completed splits.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		References: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "regions",
			Subsystem: "split",
			Name:      "reference_files_total",
			Help:      "Reference files created by splits.",
		}),
	}
}

// Collectors returns the collectors to register.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Splits, m.Duration, m.References}
}
