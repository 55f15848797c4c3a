// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package janitor garbage collects split parents. A SPLIT parent is kept,
// files and catalog row, until neither daughter holds a reference file into
// it any more; the daughters drop their references when they compact. The
// janitor also reports holes and overlaps in the key space of every table.
package janitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/regions/catalog"
	"github.com/cockroachdb/regions/internal/base"
	"github.com/cockroachdb/regions/regionfs"
	"github.com/cockroachdb/regions/regionpb"
	"github.com/cockroachdb/regions/regionstate"
	"github.com/cockroachdb/tokenbucket"
)

// CollectInfo describes a collected split parent.
type CollectInfo struct {
	Parent    regionpb.RegionInfo
	Daughters [2]string
	// Files and Bytes count what was handed to the cleaner.
	Files int
	Bytes int64
	Err   error
}

// SafeFormat implements redact.SafeFormatter.
func (i CollectInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Err != nil {
		w.Printf("collecting split parent %s: %s", redact.SafeString(i.Parent.EncodedName()), i.Err)
		return
	}
	w.Printf("collected split parent %s (%d files, %d bytes)",
		redact.SafeString(i.Parent.EncodedName()), redact.Safe(i.Files), redact.Safe(i.Bytes))
}

func (i CollectInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// Options configures a Janitor.
type Options struct {
	States *regionstate.Table
	Files  *regionfs.FileSystem
	// Cleaner disposes of the files of collected parents.
	Cleaner base.Cleaner
	// Interval is the period of the background scan.
	Interval time.Duration
	// Disabled starts the janitor disabled; see SetEnabled.
	Disabled bool
	// TargetByteDeletionRate bounds the rate, in bytes per second, at which
	// files are handed to the cleaner. Zero disables pacing.
	TargetByteDeletionRate int64
	Logger                 base.Logger

	ParentCollected func(CollectInfo)
	// Inconsistent is called with the partition problems found by a scan.
	Inconsistent func([]catalog.Problem)
}

// EnsureDefaults fills in default values for unset fields.
func (o *Options) EnsureDefaults() {
	if o.Cleaner == nil {
		o.Cleaner = base.DeleteCleaner{}
	}
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.ParentCollected == nil {
		o.ParentCollected = func(CollectInfo) {}
	}
	if o.Inconsistent == nil {
		o.Inconsistent = func([]catalog.Problem) {}
	}
}

// Report is the outcome of one scan.
type Report struct {
	// Parents is the number of SPLIT parents found.
	Parents int
	// Collected lists the encoded names of the parents collected.
	Collected []string
	// Referenced counts the parents kept because a daughter still
	// references them.
	Referenced int
	Problems   []catalog.Problem
}

// Janitor collects split parents, periodically and on demand.
type Janitor struct {
	opts    Options
	limiter *tokenbucket.TokenBucket

	// runMu serializes scans.
	runMu sync.Mutex

	mu struct {
		sync.Mutex
		enabled bool
		stop    chan struct{}
		done    chan struct{}
	}
}

// New returns a janitor. The background scan starts with Start.
func New(opts Options) *Janitor {
	opts.EnsureDefaults()
	j := &Janitor{opts: opts}
	if r := opts.TargetByteDeletionRate; r > 0 {
		j.limiter = &tokenbucket.TokenBucket{}
		j.limiter.Init(tokenbucket.TokensPerSecond(r), tokenbucket.Tokens(r))
	}
	j.mu.enabled = !opts.Disabled
	return j
}

// Start launches the background scan.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.mu.stop != nil {
		return
	}
	j.mu.stop = make(chan struct{})
	j.mu.done = make(chan struct{})
	go j.loop(j.mu.stop, j.mu.done)
}

// Stop stops the background scan and waits for a running scan to return.
func (j *Janitor) Stop() {
	j.mu.Lock()
	stop, done := j.mu.stop, j.mu.done
	j.mu.stop, j.mu.done = nil, nil
	j.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// SetEnabled turns the background scan on or off and returns the previous
// setting. RunOnce is not affected.
func (j *Janitor) SetEnabled(enabled bool) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	prev := j.mu.enabled
	j.mu.enabled = enabled
	return prev
}

// Enabled returns true if the background scan is enabled.
func (j *Janitor) Enabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.mu.enabled
}

func (j *Janitor) loop(stop, done chan struct{}) {
	defer close(done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-done:
		}
	}()
	t := time.NewTicker(j.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		if !j.Enabled() {
			continue
		}
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.opts.Logger.Errorf("janitor: %v", err)
		}
	}
}

// RunOnce scans the state table once, collects every split parent no
// daughter references any more and checks the partition of every table.
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	var r Report
	rows := j.opts.States.Rows()
	var tables []string
	seen := make(map[string]bool)
	for i := range rows {
		row := &rows[i]
		if t := row.Info.Table; !seen[t] {
			seen[t] = true
			tables = append(tables, t)
		}
		if row.State != regionpb.StateSplit {
			continue
		}
		r.Parents++
		collected, err := j.maybeCollect(ctx, row)
		if err != nil {
			return r, err
		}
		if collected {
			r.Collected = append(r.Collected, row.Info.EncodedName())
		} else {
			r.Referenced++
		}
	}

	sort.Strings(tables)
	for _, t := range tables {
		r.Problems = append(r.Problems, catalog.CheckPartition(t, rows, nil)...)
	}
	if len(r.Problems) > 0 {
		j.opts.Inconsistent(r.Problems)
	}
	return r, nil
}

// references counts the reference files of the daughters of parent into it.
// A daughter that is still attached to a procedure counts as a reference.
func (j *Janitor) references(parent *regionpb.CatalogRow) (int, error) {
	name := parent.Info.EncodedName()
	n := 0
	for _, d := range parent.SplitDaughters {
		if d == "" {
			continue
		}
		if j.opts.States.IsInTransition(d) {
			return 1, nil
		}
		row, err := j.opts.States.Row(d)
		if errors.Is(err, regionpb.ErrRegionNotFound) {
			continue
		} else if err != nil {
			return 0, err
		}
		c, err := j.opts.Files.ReferencesTo(&row.Info, name)
		if err != nil {
			return 0, err
		}
		n += c
	}
	return n, nil
}

func (j *Janitor) maybeCollect(ctx context.Context, parent *regionpb.CatalogRow) (bool, error) {
	name := parent.Info.EncodedName()
	if j.opts.States.IsInTransition(name) {
		return false, nil
	}
	n, err := j.references(parent)
	if err != nil || n > 0 {
		return false, err
	}
	// Re-verified right before the files go.
	if n, err = j.references(parent); err != nil || n > 0 {
		return false, err
	}

	c := &pacedCleaner{ctx: ctx, cleaner: j.opts.Cleaner, limiter: j.limiter}
	if j.limiter != nil {
		c.burst = j.opts.TargetByteDeletionRate
	}
	info := CollectInfo{Parent: parent.Info, Daughters: parent.SplitDaughters}
	// Files go first. A crash in between leaves a row without files, which
	// the next scan collects.
	err = j.opts.Files.RemoveRegion(&parent.Info, c)
	if err == nil {
		err = j.opts.States.CollectParent(ctx, name)
	}
	info.Files, info.Bytes, info.Err = c.files, c.bytes, err
	j.opts.ParentCollected(info)
	if err != nil {
		return false, errors.Wrapf(err, "collecting %s", errors.Safe(name))
	}
	return true, nil
}
