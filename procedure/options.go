// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package procedure

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/proclog"
)

// RetryOptions configures the backoff of failed steps.
type RetryOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// MaxPrePONRAttempts is the number of failed attempts of a step before
	// the point of no return after which the procedure is rolled back.
	MaxPrePONRAttempts int
	// StallAfter is the number of failed attempts of a step after the point
	// of no return after which the procedure is reported stalled. It keeps
	// being retried at MaxBackoff.
	StallAfter int
}

// EnsureDefaults fills in default values for unset fields.
func (o *RetryOptions) EnsureDefaults() {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.Multiplier < 1 {
		o.Multiplier = 2
	}
	if o.MaxPrePONRAttempts <= 0 {
		o.MaxPrePONRAttempts = 5
	}
	if o.StallAfter <= 0 {
		o.StallAfter = 20
	}
}

// backoff returns the delay before the given attempt (1-based).
func (o *RetryOptions) backoff(attempt int) time.Duration {
	d := float64(o.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= o.Multiplier
		if d >= float64(o.MaxBackoff) {
			return o.MaxBackoff
		}
	}
	return time.Duration(d)
}

// StallInfo is passed to Events.Stalled.
type StallInfo struct {
	ID       uint64
	Type     proclog.Type
	Step     uint32
	Attempts int
	// Permanent is set when the procedure will not be retried until
	// resumed.
	Permanent bool
	Err       error
}

// SafeFormat implements redact.SafeFormatter.
func (i StallInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[proc %d] %s stalled at step %d after %d attempts", redact.Safe(i.ID), i.Type,
		redact.Safe(i.Step), redact.Safe(i.Attempts))
	if i.Permanent {
		w.Printf(" (permanent)")
	}
	w.Printf(": %v", i.Err)
}

func (i StallInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// RecoverInfo is passed to Events.Recovered for every procedure resumed
// from the log.
type RecoverInfo struct {
	ID          uint64
	Type        proclog.Type
	Step        uint32
	RollingBack bool
}

// SafeFormat implements redact.SafeFormatter.
func (i RecoverInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[proc %d] %s recovered at step %d", redact.Safe(i.ID), i.Type, redact.Safe(i.Step))
	if i.RollingBack {
		w.Printf(" (rolling back)")
	}
}

func (i RecoverInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// Events are the callbacks of the executor. Unset callbacks are no-ops.
type Events struct {
	Stalled   func(StallInfo)
	Recovered func(RecoverInfo)
}

// TestingKnobs are hooks for tests.
type TestingKnobs struct {
	// ParkAfterStep is called after a procedure record was persisted. If it
	// returns true the procedure is never run again by this executor, as if
	// the master died right after the write.
	ParkAfterStep func(rec proclog.Record) bool
}

// Options configures an Executor.
type Options struct {
	Log     *proclog.Log
	Workers int
	Retry   RetryOptions
	// SuspendTimeout bounds how long a suspended procedure sleeps before it
	// is run again.
	SuspendTimeout time.Duration
	// CallTimeout bounds every asynchronous call dispatched by a
	// procedure.
	CallTimeout time.Duration
	Logger      base.Logger
	Events      Events
	Metrics     *Metrics
	Knobs       TestingKnobs
}

// EnsureDefaults fills in default values for unset fields.
func (o *Options) EnsureDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	o.Retry.EnsureDefaults()
	if o.SuspendTimeout <= 0 {
		o.SuspendTimeout = 30 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.Events.Stalled == nil {
		o.Events.Stalled = func(StallInfo) {}
	}
	if o.Events.Recovered == nil {
		o.Events.Recovered = func(RecoverInfo) {}
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics()
	}
}

func (o *Options) validate() error {
	if o.Log == nil {
		return errors.New("procedure: Options.Log is required")
	}
	return nil
}
