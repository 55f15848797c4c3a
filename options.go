// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package regions

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/procedure"
	"github.com/cockroachdb/regions/proclog"
	"github.com/cockroachdb/regions/regionfs"
	"github.com/cockroachdb/regions/regionpb"
	"github.com/cockroachdb/regions/split"
)

// Logger defines an interface for writing log messages.
type Logger = base.Logger

// DefaultLogger logs to the Go stdlib logs.
var DefaultLogger = base.DefaultLogger

// Cleaner exports the base.Cleaner type.
type Cleaner = base.Cleaner

// DeleteCleaner exports the base.DeleteCleaner type.
type DeleteCleaner = base.DeleteCleaner

// ArchiveCleaner exports the base.ArchiveCleaner type.
type ArchiveCleaner = base.ArchiveCleaner

// RetryOptions exports the procedure.RetryOptions type.
type RetryOptions = procedure.RetryOptions

// SplitPolicy exports the regionfs.SplitPolicy type.
type SplitPolicy = regionfs.SplitPolicy

// Observer exports the split.Observer type.
type Observer = split.Observer

// Compression exports the regionfs.Compression type.
type Compression = regionfs.Compression

// Exported Compression constants.
const (
	NoCompression     = regionfs.NoCompression
	SnappyCompression = regionfs.SnappyCompression
	ZstdCompression   = regionfs.ZstdCompression
)

// TestingKnobs are hooks for tests.
type TestingKnobs struct {
	// ParkAfterStep is called after a procedure record was persisted. If it
	// returns true the procedure is never run again by this master, as if
	// it had crashed right after the write. The procedure resumes when the
	// directory is opened again.
	ParkAfterStep func(rec proclog.Record) bool
}

// Options holds the optional parameters for configuring a Master. These
// options apply to the master directory. Each Master has its own options.
type Options struct {
	// FS provides the interface for persistent file system operations. The
	// catalog, the procedure log and, unless Files is set, the shared store
	// files all live on it.
	FS vfs.FS

	// Files is the shared region file system. It defaults to the "shared"
	// directory below the master directory, on FS.
	Files *regionfs.FileSystem

	// Compression is the block compression of the store files written by the
	// master-owned file system. It is ignored when Files is set.
	//
	// The default value is SnappyCompression.
	Compression Compression

	// Logger used to write log messages.
	//
	// The default logger uses the Go standard library log package.
	Logger Logger

	// EventListener provides hooks for listening to significant master
	// events such as split begin and end, stalled procedures and collected
	// parents.
	EventListener *EventListener

	// Cleaner cleans obsolete procedure log files and the store files of
	// collected split parents.
	//
	// The default cleaner uses the DeleteCleaner.
	Cleaner Cleaner

	// ProcedureWorkers is the number of goroutines running procedure steps.
	//
	// The default value is 4.
	ProcedureWorkers int

	// MaxProcLogFileSize is the size past which the procedure log is rotated.
	// A rotation writes a snapshot of the live procedures and of the
	// retained results only, so the rest of the log is dropped.
	//
	// The default value is 1 MB.
	MaxProcLogFileSize int64

	// RetainedProcedureResults is the number of finished procedures whose
	// result and nonce survive procedure log rotations and restarts. A
	// client retrying a nonce older than that starts a new procedure.
	// Negative retains none.
	//
	// The default value is 1000.
	RetainedProcedureResults int

	// RPCTimeout bounds every request the master sends to a region server.
	//
	// The default value is 30s.
	RPCTimeout time.Duration

	// RedriveAfter is how long an accepted open or close request may go
	// unanswered before it is sent again.
	//
	// The default value is 30s.
	RedriveAfter time.Duration

	// SuspendTimeout bounds how long a suspended procedure sleeps before it
	// is run again even if nothing woke it.
	//
	// The default value is 30s.
	SuspendTimeout time.Duration

	// Retry configures the backoff of failed procedure steps, the number of
	// attempts before a split is rolled back and the number of attempts
	// after which a procedure past its point of no return is reported
	// stalled.
	Retry RetryOptions

	// JanitorInterval is the period of the background janitor scan.
	//
	// The default value is 5m.
	JanitorInterval time.Duration

	// DisableJanitor starts the master with the janitor disabled. It can be
	// turned on with Master.SetJanitorEnabled.
	DisableJanitor bool

	// TargetByteDeletionRate bounds the rate, in bytes per second, at which
	// the janitor deletes the files of collected parents. Zero disables
	// pacing.
	TargetByteDeletionRate int64

	// SplitPolicies maps policy names, as found in table descriptors, to
	// split policies. The "default" and "index-families" policies are always
	// available.
	SplitPolicies map[string]SplitPolicy

	// Observers are consulted, in order, before the point of no return of
	// every split and notified after it committed.
	Observers []Observer

	// Servers are registered with the master before the procedures of the
	// previous incarnation are recovered.
	Servers []regionpb.RegionServer

	// TestingKnobs are hooks for tests.
	TestingKnobs TestingKnobs
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Compression == NoCompression {
		o.Compression = SnappyCompression
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger
	}
	if o.EventListener == nil {
		o.EventListener = &EventListener{}
	}
	o.EventListener.EnsureDefaults(o.Logger)
	if o.Cleaner == nil {
		o.Cleaner = DeleteCleaner{}
	}
	if o.ProcedureWorkers <= 0 {
		o.ProcedureWorkers = 4
	}
	if o.MaxProcLogFileSize <= 0 {
		o.MaxProcLogFileSize = 1 << 20
	}
	if o.RetainedProcedureResults == 0 {
		o.RetainedProcedureResults = 1000
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = 30 * time.Second
	}
	if o.RedriveAfter <= 0 {
		o.RedriveAfter = 30 * time.Second
	}
	if o.SuspendTimeout <= 0 {
		o.SuspendTimeout = 30 * time.Second
	}
	o.Retry.EnsureDefaults()
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = 5 * time.Minute
	}
	policies := make(map[string]SplitPolicy, len(o.SplitPolicies)+2)
	for _, p := range []SplitPolicy{regionfs.DefaultSplitPolicy, regionfs.IndexFamilySplitPolicy} {
		policies[p.Name()] = p
	}
	for name, p := range o.SplitPolicies {
		policies[name] = p
	}
	o.SplitPolicies = policies
	return o
}

// Clone creates a shallow-copy of the supplied options.
func (o *Options) Clone() *Options {
	n := &Options{}
	if o == nil {
		return n
	}
	*n = *o
	if o.EventListener != nil {
		l := *o.EventListener
		n.EventListener = &l
	}
	if len(o.SplitPolicies) > 0 {
		n.SplitPolicies = make(map[string]SplitPolicy, len(o.SplitPolicies))
		for k, v := range o.SplitPolicies {
			n.SplitPolicies[k] = v
		}
	}
	n.Observers = append([]Observer(nil), n.Observers...)
	n.Servers = append([]regionpb.RegionServer(nil), n.Servers...)
	return n
}

// splitPolicy returns the policy with the given name, falling back to the
// default policy for unknown names.
func (o *Options) splitPolicy(name string) SplitPolicy {
	if p, ok := o.SplitPolicies[name]; ok {
		return p
	}
	return regionfs.DefaultSplitPolicy
}

func (o *Options) policyNames() []string {
	names := make([]string, 0, len(o.SplitPolicies))
	for name := range o.SplitPolicies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String implements fmt.Stringer. The output can be parsed back with Parse.
// It is also the content of the OPTIONS file written to the master
// directory.
func (o *Options) String() string {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "[Version]\n")
	fmt.Fprintf(&buf, "  regions_version=0.1\n")
	fmt.Fprintf(&buf, "\n")
	fmt.Fprintf(&buf, "[Options]\n")
	fmt.Fprintf(&buf, "  cleaner=%s\n", o.Cleaner)
	fmt.Fprintf(&buf, "  compression=%s\n", o.Compression)
	fmt.Fprintf(&buf, "  disable_janitor=%t\n", o.DisableJanitor)
	fmt.Fprintf(&buf, "  janitor_interval=%s\n", o.JanitorInterval)
	fmt.Fprintf(&buf, "  max_proc_log_file_size=%d\n", o.MaxProcLogFileSize)
	fmt.Fprintf(&buf, "  procedure_workers=%d\n", o.ProcedureWorkers)
	fmt.Fprintf(&buf, "  redrive_after=%s\n", o.RedriveAfter)
	fmt.Fprintf(&buf, "  retained_procedure_results=%d\n", o.RetainedProcedureResults)
	fmt.Fprintf(&buf, "  rpc_timeout=%s\n", o.RPCTimeout)
	fmt.Fprintf(&buf, "  split_policies=%s\n", strings.Join(o.policyNames(), ","))
	fmt.Fprintf(&buf, "  suspend_timeout=%s\n", o.SuspendTimeout)
	fmt.Fprintf(&buf, "  target_byte_deletion_rate=%d\n", o.TargetByteDeletionRate)

	fmt.Fprintf(&buf, "\n")
	fmt.Fprintf(&buf, "[Retry]\n")
	fmt.Fprintf(&buf, "  initial_backoff=%s\n", o.Retry.InitialBackoff)
	fmt.Fprintf(&buf, "  max_backoff=%s\n", o.Retry.MaxBackoff)
	fmt.Fprintf(&buf, "  max_pre_ponr_attempts=%d\n", o.Retry.MaxPrePONRAttempts)
	fmt.Fprintf(&buf, "  multiplier=%.2f\n", o.Retry.Multiplier)
	fmt.Fprintf(&buf, "  stall_after=%d\n", o.Retry.StallAfter)
	return buf.String()
}

type parseOptionsFuncs struct {
	visitNewSection func(section string) error
	visitKeyValue   func(section, key, value string) error
}

// parseOptions takes options serialized by Options.String() and parses them
// into keys and values, invoking the callbacks of fns.
func parseOptions(s string, fns parseOptionsFuncs) error {
	var section string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 || line[0] == ';' || line[0] == '#' {
			// Skip blank lines and comments.
			continue
		}
		n := len(line)
		if line[0] == '[' && line[n-1] == ']' {
			section = line[1 : n-1]
			if fns.visitNewSection != nil {
				if err := fns.visitNewSection(section); err != nil {
					return err
				}
			}
			continue
		}

		pos := strings.Index(line, "=")
		if pos < 0 {
			const maxLen = 50
			if len(line) > maxLen {
				line = line[:maxLen-3] + "..."
			}
			return base.CorruptionErrorf("invalid key=value syntax: %q", errors.Safe(line))
		}

		key := strings.TrimSpace(line[:pos])
		value := strings.TrimSpace(line[pos+1:])
		if fns.visitKeyValue != nil {
			if err := fns.visitKeyValue(section, key, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// ParseHooks contains callbacks to create options fields which can have
// user-defined implementations.
type ParseHooks struct {
	NewCleaner     func(name string) (Cleaner, error)
	NewSplitPolicy func(name string) (SplitPolicy, error)
	SkipUnknown    func(name, value string) bool
}

// Parse parses the options from the specified string. Note that certain
// options cannot be parsed into populated fields: user-defined cleaners and
// split policies need the corresponding hook.
func (o *Options) Parse(s string, hooks *ParseHooks) error {
	visitKeyValue := func(section, key, value string) error {
		// WARNING: DO NOT remove entries from the switches below because doing so
		// causes a key previously written to the OPTIONS file to be considered
		// unknown, a backwards incompatible change.
		var err error
		switch section {
		case "Version":
			switch key {
			case "regions_version":
			default:
				err = errUnknownOption(section, key, value, hooks)
			}

		case "Options":
			switch key {
			case "cleaner":
				switch value {
				case "archive":
					o.Cleaner = ArchiveCleaner{}
				case "delete":
					o.Cleaner = DeleteCleaner{}
				default:
					if hooks != nil && hooks.NewCleaner != nil {
						o.Cleaner, err = hooks.NewCleaner(value)
					}
				}
			case "compression":
				o.Compression, err = regionfs.ParseCompression(value)
			case "disable_janitor":
				o.DisableJanitor, err = strconv.ParseBool(value)
			case "janitor_interval":
				o.JanitorInterval, err = time.ParseDuration(value)
			case "max_proc_log_file_size":
				o.MaxProcLogFileSize, err = strconv.ParseInt(value, 10, 64)
			case "procedure_workers":
				o.ProcedureWorkers, err = strconv.Atoi(value)
			case "redrive_after":
				o.RedriveAfter, err = time.ParseDuration(value)
			case "retained_procedure_results":
				o.RetainedProcedureResults, err = strconv.Atoi(value)
			case "rpc_timeout":
				o.RPCTimeout, err = time.ParseDuration(value)
			case "split_policies":
				err = o.parseSplitPolicies(value, hooks)
			case "suspend_timeout":
				o.SuspendTimeout, err = time.ParseDuration(value)
			case "target_byte_deletion_rate":
				o.TargetByteDeletionRate, err = strconv.ParseInt(value, 10, 64)
			default:
				err = errUnknownOption(section, key, value, hooks)
			}

		case "Retry":
			switch key {
			case "initial_backoff":
				o.Retry.InitialBackoff, err = time.ParseDuration(value)
			case "max_backoff":
				o.Retry.MaxBackoff, err = time.ParseDuration(value)
			case "max_pre_ponr_attempts":
				o.Retry.MaxPrePONRAttempts, err = strconv.Atoi(value)
			case "multiplier":
				o.Retry.Multiplier, err = strconv.ParseFloat(value, 64)
			case "stall_after":
				o.Retry.StallAfter, err = strconv.Atoi(value)
			default:
				err = errUnknownOption(section, key, value, hooks)
			}

		default:
			if hooks != nil && hooks.SkipUnknown != nil && hooks.SkipUnknown(section+"."+key, value) {
				return nil
			}
			return errors.Errorf("regions: unknown section: %q", errors.Safe(section))
		}
		return err
	}
	return parseOptions(s, parseOptionsFuncs{visitKeyValue: visitKeyValue})
}

func errUnknownOption(section, key, value string, hooks *ParseHooks) error {
	if hooks != nil && hooks.SkipUnknown != nil && hooks.SkipUnknown(section+"."+key, value) {
		return nil
	}
	return errors.Errorf("regions: unknown option: %s.%s", errors.Safe(section), errors.Safe(key))
}

func (o *Options) parseSplitPolicies(value string, hooks *ParseHooks) error {
	if value == "" {
		return nil
	}
	for _, name := range strings.Split(value, ",") {
		name = strings.TrimSpace(name)
		switch name {
		case regionfs.DefaultSplitPolicy.Name(), regionfs.IndexFamilySplitPolicy.Name():
			// Always available.
			continue
		}
		if _, ok := o.SplitPolicies[name]; ok {
			continue
		}
		if hooks == nil || hooks.NewSplitPolicy == nil {
			continue
		}
		p, err := hooks.NewSplitPolicy(name)
		if err != nil {
			return err
		}
		if o.SplitPolicies == nil {
			o.SplitPolicies = make(map[string]SplitPolicy)
		}
		o.SplitPolicies[name] = p
	}
	return nil
}

// CheckCompatibility verifies the options in an existing OPTIONS file are
// compatible with the receiver: every split policy named there must be
// resolvable, since tables refer to policies by name.
func (o *Options) CheckCompatibility(previousOptions string) error {
	return parseOptions(previousOptions, parseOptionsFuncs{
		visitKeyValue: func(section, key, value string) error {
			if section != "Options" || key != "split_policies" || value == "" {
				return nil
			}
			for _, name := range strings.Split(value, ",") {
				if _, ok := o.SplitPolicies[strings.TrimSpace(name)]; !ok {
					return errors.Errorf("regions: split policy %q from the OPTIONS file is not configured",
						errors.Safe(name))
				}
			}
			return nil
		},
	})
}

// Validate verifies that the options are mutually consistent. For example,
// MaxBackoff must not be smaller than InitialBackoff.
func (o *Options) Validate() error {
	// Note that we can presume Options.EnsureDefaults has been called, so there
	// is no need to check for zero values.

	var buf strings.Builder
	if o.Retry.MaxBackoff < o.Retry.InitialBackoff {
		fmt.Fprintf(&buf, "Retry.MaxBackoff (%s) must be >= Retry.InitialBackoff (%s)\n",
			o.Retry.MaxBackoff, o.Retry.InitialBackoff)
	}
	if o.Retry.Multiplier < 1 {
		fmt.Fprintf(&buf, "Retry.Multiplier (%.2f) must be >= 1\n", o.Retry.Multiplier)
	}
	if o.TargetByteDeletionRate < 0 {
		fmt.Fprintf(&buf, "TargetByteDeletionRate (%d) must be >= 0\n", o.TargetByteDeletionRate)
	}
	if o.RedriveAfter < o.RPCTimeout {
		fmt.Fprintf(&buf, "RedriveAfter (%s) must be >= RPCTimeout (%s)\n", o.RedriveAfter, o.RPCTimeout)
	}
	for name, p := range o.SplitPolicies {
		if p == nil {
			fmt.Fprintf(&buf, "SplitPolicies[%q] is nil\n", name)
		} else if p.Name() != name {
			fmt.Fprintf(&buf, "SplitPolicies[%q] is named %q\n", name, p.Name())
		}
	}
	if buf.Len() == 0 {
		return nil
	}
	return errors.New(buf.String())
}
